// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package value

// Upvalue is a variable shared between a closure and the enclosing stack
// frame that created it. While the enclosing frame is still live the
// Upvalue is "open" and Stack points directly into that frame's register
// array; when the frame returns, any still-referenced open upvalues are
// "closed" by copying the current value into Closed and setting Stack to
// nil, so the closure keeps working after its creator is gone.
type Upvalue struct {
	// Stack is the open-state storage: a pointer into the owning thread's
	// register slice. Nil once the upvalue is closed.
	Stack *Value
	Closed Value

	// next/prev link this upvalue into its owning thread's open-upvalue
	// list, ordered by stack depth, so that closing all upvalues at or
	// above a given level (on block exit or return) is a linear scan.
	next, prev *Upvalue
	level      int
}

func (uv *Upvalue) IsOpen() bool { return uv.Stack != nil }

func (uv *Upvalue) Get() Value {
	if uv.Stack != nil {
		return *uv.Stack
	}
	return uv.Closed
}

func (uv *Upvalue) Set(v Value) {
	if uv.Stack != nil {
		*uv.Stack = v
		return
	}
	uv.Closed = v
}

// Close detaches the upvalue from the stack, snapshotting its current value.
func (uv *Upvalue) Close() {
	if uv.Stack == nil {
		return
	}
	uv.Closed = *uv.Stack
	uv.Stack = nil
}

// OpenUpvalueList tracks the live open upvalues of a single thread, kept
// sorted by descending stack level so that CloseFrom can stop at the first
// upvalue below the target level.
type OpenUpvalueList struct {
	head *Upvalue
}

// Find returns the existing open upvalue for the given stack slot/level, or
// creates and inserts a new one. Reusing an existing open upvalue for the
// same slot is required for closures created in the same scope to observe
// each other's writes.
func (l *OpenUpvalueList) Find(slot *Value, level int) *Upvalue {
	var prev *Upvalue
	cur := l.head
	for cur != nil && cur.level > level {
		prev = cur
		cur = cur.next
	}
	if cur != nil && cur.level == level {
		return cur
	}
	uv := &Upvalue{Stack: slot, level: level, next: cur, prev: prev}
	if prev != nil {
		prev.next = uv
	} else {
		l.head = uv
	}
	if cur != nil {
		cur.prev = uv
	}
	return uv
}

// ForEach visits every currently open upvalue, used by the collector to
// re-scan open upvalues during its atomic phase.
func (l *OpenUpvalueList) ForEach(fn func(*Upvalue)) {
	for cur := l.head; cur != nil; cur = cur.next {
		fn(cur)
	}
}

// CloseFrom closes every open upvalue at stack level >= level and unlinks
// it from the list, as happens when a block or function returns.
func (l *OpenUpvalueList) CloseFrom(level int) {
	cur := l.head
	for cur != nil && cur.level >= level {
		next := cur.next
		cur.Close()
		cur.next, cur.prev = nil, nil
		cur = next
	}
	l.head = cur
	if cur != nil {
		cur.prev = nil
	}
}

// HostFunc is the signature of a natively implemented closure body. It
// receives the calling thread and its argument values and returns result
// values or an error, mirroring the scripted call convention so that host
// and scripted closures are interchangeable wherever a Value of TagClosure
// is accepted.
type HostFunc func(th *Thread, args []Value) ([]Value, error)

// Closure is either a scripted function (a Proto plus captured Upvalues)
// or a host function (a Go closure). Exactly one of Proto/Host is set.
type Closure struct {
	Proto    *Prototype
	Upvalues []*Upvalue

	Host HostFunc
	Name string // diagnostic name for host closures; scripted closures use Proto.Source

	GC GCHeader
}

func NewScriptedClosure(proto *Prototype, upvalues []*Upvalue) *Closure {
	return &Closure{Proto: proto, Upvalues: upvalues}
}

func NewHostClosure(name string, fn HostFunc) *Closure {
	return &Closure{Host: fn, Name: name}
}

func (c *Closure) IsHost() bool { return c.Host != nil }
