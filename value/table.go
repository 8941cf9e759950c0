// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package value

import "reflect"

// WeakMode controls which parts of a table's entries are held weakly by
// the collector, set from the table's __mode metafield.
type WeakMode uint8

const (
	WeakNone   WeakMode = 0
	WeakKeys   WeakMode = 1 << 0
	WeakValues WeakMode = 1 << 1
)

// node is one slot of the hash part: a key/value pair plus a link to the
// next node in the same collision chain (by index into Table.hash, -1 for
// end of chain). Collisions are resolved by Brent's variation: when a new
// key's main position is occupied, the insertion checks whether the
// occupant sits at its own main position. If it does, the new key goes to
// a free slot linked into that chain; if not, the occupant moves to a free
// slot and the new key takes its main position. Chain lengths are not
// compared.
type node struct {
	key  Value
	val  Value
	next int // index of next node in chain, or -1
}

// Table is the hybrid array+hash aggregate: a dense array part for
// contiguous positive-integer keys starting at 1, and a hash part (open
// addressing with chaining via node.next) for everything else, including
// integer keys outside the array part's range.
//
// Invariants:
//   - array[i] corresponds to integer key i+1; trailing nils are permitted
//     but the array is never grown to accommodate a key that would leave
//     an all-nil tail larger than the hash part would otherwise hold.
//   - a key is never simultaneously present in both parts.
//   - no entry has a nil value; setting a key to nil removes the entry.
type Table struct {
	array []Value
	hash  []node
	free  int // index of the first free node in hash, or -1

	metatable *Table
	weak      WeakMode

	// GC is the collector's bookkeeping slot for this object: its tri-color
	// mark state and intrusive all-objects-list link. The value package has
	// no opinion on what lives here; it exists so that an external
	// collector can track every allocation without a side-table keyed by
	// pointer identity.
	GC GCHeader
}

func NewTable() *Table {
	return &Table{free: -1}
}

func mainPosition(hash []node, key Value) int {
	if len(hash) == 0 {
		return -1
	}
	return int(keyHash(key) % uint64(len(hash)))
}

func keyHash(key Value) uint64 {
	switch key.Tag() {
	case TagInt:
		return uint64(key.AsInt()) * hashSeedConst
	case TagFloat:
		f := key.AsFloat()
		if i := int64(f); float64(i) == f {
			return uint64(i) * hashSeedConst
		}
		return mix64(key.n)
	case TagBool:
		return key.n + 1
	case TagString:
		return key.AsString().Hash()
	default:
		return mix64(uint64(ptrOf(key)))
	}
}

func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func ptrOf(v Value) uintptr {
	rv := reflect.ValueOf(v.ref)
	switch rv.Kind() {
	case reflect.Ptr, reflect.UnsafePointer, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice:
		return rv.Pointer()
	}
	return 0
}

// Get looks up key, returning Nil if absent. Integer keys within the
// array part's bounds are served directly from the array; everything else
// walks the hash chain from the key's main position.
func (t *Table) Get(key Value) Value {
	if key.Tag() == TagInt {
		i := key.AsInt()
		if i >= 1 && int(i) <= len(t.array) {
			return t.array[i-1]
		}
	} else if key.Tag() == TagFloat {
		if i, ok := asArrayIndex(key.AsFloat()); ok {
			return t.Get(Int(i))
		}
	}
	return t.getHash(key)
}

func asArrayIndex(f float64) (int64, bool) {
	i := int64(f)
	return i, float64(i) == f
}

func (t *Table) getHash(key Value) Value {
	if len(t.hash) == 0 {
		return Nil
	}
	i := mainPosition(t.hash, key)
	for i != -1 {
		n := &t.hash[i]
		if !n.val.IsNil() && RawEqual(n.key, key) {
			return n.val
		}
		i = n.next
	}
	return Nil
}

// Set stores val under key, removing the entry when val is Nil. Setting a
// nil key panics at the VM layer (checked before calling Set); Set itself
// only enforces the non-nil-value-means-present invariant.
func (t *Table) Set(key, val Value) {
	if key.Tag() == TagInt {
		i := key.AsInt()
		if i >= 1 && int(i) <= len(t.array) {
			t.array[i-1] = val
			return
		}
		if int(i) == len(t.array)+1 && !val.IsNil() {
			t.array = append(t.array, val)
			t.migrateFromHash()
			return
		}
	} else if key.Tag() == TagFloat {
		if i, ok := asArrayIndex(key.AsFloat()); ok {
			t.Set(Int(i), val)
			return
		}
	}
	t.setHash(key, val)
}

// migrateFromHash pulls any now-contiguous integer keys out of the hash
// part and into the array part after an append grows the array's frontier.
func (t *Table) migrateFromHash() {
	for {
		next := Int(int64(len(t.array) + 1))
		v := t.getHash(next)
		if v.IsNil() {
			return
		}
		t.deleteHash(next)
		t.array = append(t.array, v)
	}
}

func (t *Table) setHash(key, val Value) {
	if val.IsNil() {
		t.deleteHash(key)
		return
	}
	if len(t.hash) == 0 {
		t.resize(1)
	}
	i := mainPosition(t.hash, key)
	for idx := i; idx != -1; idx = t.hash[idx].next {
		if !t.hash[idx].val.IsNil() && RawEqual(t.hash[idx].key, key) {
			t.hash[idx].val = val
			return
		}
	}
	if !t.hash[i].val.IsNil() {
		// Main position occupied by a colliding chain: Brent's variation
		// relocates the intruder to a free slot only if the intruder is
		// not itself sitting at its own main position; otherwise the new
		// key is placed in a free slot and linked into the chain.
		collidingMain := mainPosition(t.hash, t.hash[i].key)
		if collidingMain == i {
			free := t.findFree()
			if free == -1 {
				t.resize(len(t.hash)*2 + 1)
				t.setHash(key, val)
				return
			}
			t.hash[free].next = t.hash[i].next
			t.hash[i].next = free
			t.hash[free].key = key
			t.hash[free].val = val
			return
		}
		free := t.findFree()
		if free == -1 {
			t.resize(len(t.hash)*2 + 1)
			t.setHash(key, val)
			return
		}
		// Move the displaced entry to a free slot, relink its original
		// chain predecessor to point at the new location, then claim the
		// main position for the new key.
		prev := collidingMain
		for t.hash[prev].next != i {
			prev = t.hash[prev].next
		}
		t.hash[free] = t.hash[i]
		t.hash[prev].next = free
		t.hash[i] = node{key: key, val: val, next: -1}
		return
	}
	t.hash[i] = node{key: key, val: val, next: -1}
}

func (t *Table) deleteHash(key Value) {
	i := mainPosition(t.hash, key)
	if i == -1 {
		return
	}
	for idx := i; idx != -1; idx = t.hash[idx].next {
		if !t.hash[idx].val.IsNil() && RawEqual(t.hash[idx].key, key) {
			t.hash[idx].val = Nil
			return
		}
	}
}

func (t *Table) findFree() int {
	for t.free >= 0 {
		if t.hash[t.free].val.IsNil() && t.hash[t.free].key.IsNil() {
			idx := t.free
			t.free--
			return idx
		}
		t.free--
	}
	return -1
}

func (t *Table) resize(size int) {
	old := t.hash
	t.hash = make([]node, size)
	for i := range t.hash {
		t.hash[i].next = -1
	}
	t.free = size - 1
	for _, n := range old {
		if !n.val.IsNil() {
			t.setHash(n.key, n.val)
		}
	}
}

// Len implements the '#' border-finding operator: any n such that t[n] is
// non-nil and t[n+1] is nil, or 0 if t[1] is nil. Tables with holes have
// more than one valid border; this returns the last non-nil slot of the
// array part, found by a linear scan back from its end, and continues
// into the hash part only when the array part has no nil tail.
func (t *Table) Len() int64 {
	n := len(t.array)
	for n > 0 && t.array[n-1].IsNil() {
		n--
	}
	if n == len(t.array) {
		// Array part is full (or empty); probe the hash part for a
		// continuation sequence.
		j := int64(n) + 1
		for !t.getHash(Int(j)).IsNil() {
			j++
		}
		if j == int64(n)+1 {
			return int64(n)
		}
		return j - 1
	}
	return int64(n)
}

func (t *Table) Metatable() *Table     { return t.metatable }
func (t *Table) SetMetatable(mt *Table) { t.metatable = mt }
func (t *Table) WeakMode() WeakMode    { return t.weak }
func (t *Table) SetWeakMode(m WeakMode) { t.weak = m }

// Next implements stateless iteration (the pairs()/next() protocol): given
// a key previously returned by Next (or Nil to start), it returns the
// following key/value pair, iterating the array part in index order and
// then the hash part in slot order. ok is false once iteration is
// exhausted.
func (t *Table) Next(key Value) (Value, Value, bool) {
	idx := 0
	if key.IsNil() {
		idx = 0
	} else if key.Tag() == TagInt && int(key.AsInt()) >= 1 && int(key.AsInt()) <= len(t.array) {
		idx = int(key.AsInt())
	} else {
		return t.nextHash(key)
	}
	for idx < len(t.array) {
		if !t.array[idx].IsNil() {
			return Int(int64(idx + 1)), t.array[idx], true
		}
		idx++
	}
	return t.nextHash(Nil)
}

func (t *Table) nextHash(after Value) (Value, Value, bool) {
	start := 0
	if !after.IsNil() {
		i := mainPosition(t.hash, after)
		for idx := i; idx != -1; idx = t.hash[idx].next {
			if RawEqual(t.hash[idx].key, after) {
				start = idx + 1
				break
			}
		}
	}
	for i := start; i < len(t.hash); i++ {
		if !t.hash[i].val.IsNil() {
			return t.hash[i].key, t.hash[i].val, true
		}
	}
	return Nil, Nil, false
}

// ForEach walks every live entry; used by the collector to trace a table's
// referenced keys and values without allocating an iterator.
func (t *Table) ForEach(fn func(k, v Value)) {
	for i, v := range t.array {
		if !v.IsNil() {
			fn(Int(int64(i+1)), v)
		}
	}
	for _, n := range t.hash {
		if !n.val.IsNil() {
			fn(n.key, n.val)
		}
	}
}
