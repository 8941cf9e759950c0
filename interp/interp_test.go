// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package interp

import (
	"strconv"
	"strings"
	"testing"

	"github.com/probechain/probe-lang/value"
)

func run(t *testing.T, src string) []value.Value {
	t.Helper()
	s := New()
	res, err := s.DoString("test", src)
	if err != nil {
		t.Fatalf("DoString(%q) error: %v", src, err)
	}
	return res
}

// TestClosureCapturesLocal mirrors §8 scenario 1: a closure over a local
// observes and mutates the same cell on every call.
func TestClosureCapturesLocal(t *testing.T) {
	res := run(t, `
		local function mk()
			local x = 10
			return function() x = x + 1; return x end
		end
		local c = mk()
		return c(), c(), c()
	`)
	want := []int64{11, 12, 13}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d: %v", len(res), res)
	}
	for i, w := range want {
		if res[i].Tag() != value.TagInt || res[i].AsInt() != w {
			t.Errorf("result %d = %v, want %d", i, res[i], w)
		}
	}
}

// TestShortStringInterning mirrors §8 scenario 2.
func TestShortStringInterning(t *testing.T) {
	res := run(t, `
		local a = "hi"
		local b = "h" .. "i"
		return rawequal(a, b)
	`)
	if len(res) != 1 || !res[0].Truthy() {
		t.Fatalf("expected true, got %v", res)
	}
}

// TestIndexChain mirrors §8 scenario 3: __index chains through multiple
// metatables.
func TestIndexChain(t *testing.T) {
	res := run(t, `
		local base = {foo = 1}
		local mid = setmetatable({}, {__index = base})
		local top = setmetatable({}, {__index = mid})
		return top.foo
	`)
	if len(res) != 1 || res[0].Tag() != value.TagInt || res[0].AsInt() != 1 {
		t.Fatalf("expected 1, got %v", res)
	}
}

// TestCoroutineResumeYield mirrors §8 scenario 4.
func TestCoroutineResumeYield(t *testing.T) {
	res := run(t, `
		local co = coroutine.create(function(a)
			local b = coroutine.yield(a + 1)
			return b * 2
		end)
		local ok1, v1 = coroutine.resume(co, 10)
		local ok2, v2 = coroutine.resume(co, 5)
		return ok1, v1, ok2, v2
	`)
	if len(res) != 4 {
		t.Fatalf("expected 4 results, got %d: %v", len(res), res)
	}
	if !res[0].Truthy() || res[1].AsInt() != 11 || !res[2].Truthy() || res[3].AsInt() != 10 {
		t.Fatalf("unexpected coroutine results: %v", res)
	}
}

// TestPCallCatchesError mirrors §8 scenario 5.
func TestPCallCatchesError(t *testing.T) {
	res := run(t, `
		local ok, err = pcall(function() error("bang") end)
		return ok, type(err)
	`)
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(res), res)
	}
	if res[0].Truthy() {
		t.Fatalf("expected ok == false, got %v", res[0])
	}
	if res[1].AsString().Value() != "string" {
		t.Fatalf("expected type(err) == string, got %v", res[1])
	}
}

// TestWeakValueTableCollectsUnreferenced mirrors §8 scenario 6.
func TestWeakValueTableCollectsUnreferenced(t *testing.T) {
	res := run(t, `
		local t = setmetatable({}, {__mode = "v"})
		t[1] = {}
		collectgarbage()
		return t[1] == nil
	`)
	if len(res) != 1 || !res[0].Truthy() {
		t.Fatalf("expected the weak entry to be collected, got %v", res)
	}
}

func TestPCallSuccessReturnsResults(t *testing.T) {
	res := run(t, `
		local ok, a, b = pcall(function() return 1, 2 end)
		return ok, a, b
	`)
	if !res[0].Truthy() || res[1].AsInt() != 1 || res[2].AsInt() != 2 {
		t.Fatalf("unexpected pcall success results: %v", res)
	}
}

func TestGotoSkipsCode(t *testing.T) {
	res := run(t, `
		local i = 0
		goto skip
		i = 100
		::skip::
		i = i + 1
		return i
	`)
	if res[0].AsInt() != 1 {
		t.Fatalf("expected goto to skip the dead assignment, got %v", res)
	}
}

// TestTableConstructorArrayPart guards the SETLIST batch-index encoding:
// a table-literal's array part must land at 1-based indices, not get
// shifted by the fixed-size-flush arithmetic.
func TestTableConstructorArrayPart(t *testing.T) {
	res := run(t, `
		local t = {10, 20, 30}
		return t[1], t[2], t[3]
	`)
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d: %v", len(res), res)
	}
	want := []int64{10, 20, 30}
	for i, w := range want {
		if res[i].Tag() != value.TagInt || res[i].AsInt() != w {
			t.Errorf("t[%d] = %v, want %d", i+1, res[i], w)
		}
	}
}

// TestTableConstructorLargeArray exercises more than one 50-element SETLIST
// batch, so the batch index must keep climbing rather than resetting.
func TestTableConstructorLargeArray(t *testing.T) {
	var b strings.Builder
	b.WriteString("local t = {")
	for i := 1; i <= 120; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(i))
	}
	b.WriteString("}\nreturn t[1], t[50], t[51], t[120]")
	res := run(t, b.String())
	want := []int64{1, 50, 51, 120}
	if len(res) != len(want) {
		t.Fatalf("expected %d results, got %d: %v", len(want), len(res), res)
	}
	for i, w := range want {
		if res[i].Tag() != value.TagInt || res[i].AsInt() != w {
			t.Errorf("result %d = %v, want %d", i, res[i], w)
		}
	}
}

// TestUnaryMinusMetamethod guards that OpUnm consults __unm directly
// rather than proxying through OpSub's __sub lookup.
func TestUnaryMinusMetamethod(t *testing.T) {
	res := run(t, `
		local v = setmetatable({}, {__unm = function(a) return "negated" end})
		return -v
	`)
	if len(res) != 1 || res[0].AsString().Value() != "negated" {
		t.Fatalf("expected __unm to fire, got %v", res)
	}
}

// TestBitwiseNotMetamethod guards that OpBNot falls back to __bnot instead
// of erroring immediately on a non-integer-coercible operand.
func TestBitwiseNotMetamethod(t *testing.T) {
	res := run(t, `
		local v = setmetatable({}, {__bnot = function(a) return "inverted" end})
		return ~v
	`)
	if len(res) != 1 || res[0].AsString().Value() != "inverted" {
		t.Fatalf("expected __bnot to fire, got %v", res)
	}
}

func TestIntegerArithmeticWraps(t *testing.T) {
	res := run(t, `
		local maxInt = 9223372036854775807
		return maxInt + 1
	`)
	if res[0].AsInt() != -9223372036854775808 {
		t.Fatalf("expected wraparound to min int64, got %v", res[0].AsInt())
	}
}
