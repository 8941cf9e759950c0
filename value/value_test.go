// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package value

import "testing"

func TestRawEqualNumberCrossSubtype(t *testing.T) {
	if !RawEqual(Int(3), Float(3.0)) {
		t.Fatal("int 3 should equal float 3.0")
	}
	if RawEqual(Int(3), Float(3.5)) {
		t.Fatal("int 3 should not equal float 3.5")
	}
}

func TestTruthy(t *testing.T) {
	if Nil.Truthy() {
		t.Fatal("nil must be falsy")
	}
	if Bool(false).Truthy() {
		t.Fatal("false must be falsy")
	}
	if !Bool(true).Truthy() {
		t.Fatal("true must be truthy")
	}
	if !Int(0).Truthy() {
		t.Fatal("0 must be truthy (unlike Go's zero value, unlike many other langs)")
	}
}

func TestStringInterningShortStrings(t *testing.T) {
	st := NewStringTable()
	a := st.Intern("hello")
	b := st.Intern("hello")
	if a != b {
		t.Fatal("equal short strings must intern to the same object")
	}
}

func TestStringNotInternedWhenLong(t *testing.T) {
	st := NewStringTable()
	long := make([]byte, shortStringLimit+1)
	for i := range long {
		long[i] = 'x'
	}
	a := st.Intern(string(long))
	b := st.Intern(string(long))
	if a == b {
		t.Fatal("long strings must not be interned")
	}
	if !a.Equal(b) {
		t.Fatal("long strings with equal content must still compare equal")
	}
}

func TestTableArrayAndHashParts(t *testing.T) {
	st := NewStringTable()
	tbl := NewTable()
	tbl.Set(Int(1), Int(10))
	tbl.Set(Int(2), Int(20))
	tbl.Set(FromString(st.Intern("k")), Int(99))

	if got := tbl.Get(Int(1)); got.AsInt() != 10 {
		t.Fatalf("t[1] = %v", got)
	}
	if got := tbl.Get(Int(2)); got.AsInt() != 20 {
		t.Fatalf("t[2] = %v", got)
	}
	if n := tbl.Len(); n != 2 {
		t.Fatalf("#t = %d, want 2", n)
	}
}

func TestTableDeleteRemovesEntry(t *testing.T) {
	st := NewStringTable()
	tbl := NewTable()
	k := FromString(st.Intern("key"))
	tbl.Set(k, Int(1))
	tbl.Set(k, Nil)
	if got := tbl.Get(k); !got.IsNil() {
		t.Fatalf("deleted key should read nil, got %v", got)
	}
}

func TestTableNextIteratesAllEntries(t *testing.T) {
	st := NewStringTable()
	tbl := NewTable()
	tbl.Set(Int(1), Int(1))
	tbl.Set(Int(2), Int(2))
	k := FromString(st.Intern("x"))
	tbl.Set(k, Int(3))

	seen := 0
	key := Nil
	for {
		nk, _, ok := tbl.Next(key)
		if !ok {
			break
		}
		seen++
		key = nk
		if seen > 10 {
			t.Fatal("iteration did not terminate")
		}
	}
	if seen != 3 {
		t.Fatalf("visited %d entries, want 3", seen)
	}
}
