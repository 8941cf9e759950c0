// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package value

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shortStringLimit is the largest byte length at which a string is
// eligible for interning. Longer strings are still hashed (lazily, on first use as a
// table key) but are never deduplicated against the intern table, matching
// the reference implementation's two-tier string design.
const shortStringLimit = 40

// String is the heap object backing value.Value's TagString payload. Short
// strings are interned: two short strings with equal content always share
// the same *String, so table lookups and equality tests can compare
// pointers for the short case. Long strings are allocated fresh every time
// and compare by content.
type String struct {
	data  string
	hash  uint64
	short bool

	hashOnce sync.Once

	GC GCHeader
}

func (s *String) Value() string { return s.data }
func (s *String) Len() int      { return len(s.data) }
func (s *String) IsShort() bool { return s.short }

// Hash returns the string's hash, computing and caching it lazily for long
// strings (short strings are hashed once at intern time).
func (s *String) Hash() uint64 {
	s.hashOnce.Do(func() {
		if s.hash == 0 {
			s.hash = hashSeed(s.data)
		}
	})
	return s.hash
}

// Equal compares two strings for content equality. Short strings are
// interned, so this degenerates to a pointer comparison for the common
// case; long strings fall back to byte comparison.
func (s *String) Equal(o *String) bool {
	if s == o {
		return true
	}
	if s.short && o.short {
		return false // distinct interned short strings can never be equal
	}
	return s.data == o.data
}

const hashSeedConst uint64 = 0x9e3779b97f4a7c15

func hashSeed(data string) uint64 {
	return xxhash.Sum64String(data) ^ hashSeedConst
}

// StringTable is the process-wide (really, per-State) short-string intern
// table. It mirrors the reference VM's string table: a set of
// weakly-referenced short strings consulted on every string literal and
// string-producing operation before allocating a new object.
type StringTable struct {
	mu      sync.Mutex
	entries map[string]*String
}

// NewStringTable creates an empty intern table.
func NewStringTable() *StringTable {
	return &StringTable{entries: make(map[string]*String)}
}

// Intern returns the canonical *String for data, allocating and registering
// a new one if this is the first time data has been seen. Strings longer
// than shortStringLimit are never interned; each call allocates a fresh,
// non-shared *String.
func (t *StringTable) Intern(data string) *String {
	if len(data) > shortStringLimit {
		return &String{data: data, short: false}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.entries[data]; ok {
		return s
	}
	s := &String{data: data, short: true, hash: hashSeed(data)}
	t.entries[data] = s
	return s
}

// Len reports the number of distinct short strings currently interned.
func (t *StringTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep removes interned entries for which keep returns false. Called by
// the collector's string-sweep phase, which runs before the general object
// sweep.
func (t *StringTable) Sweep(keep func(*String) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.entries {
		if !keep(s) {
			delete(t.entries, k)
		}
	}
}
