// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gc

import "github.com/probechain/probe-lang/value"

// markValue marks v's collectable payload, if any, graying it and pushing
// it onto the worklist for later traversal. Non-collectable values (nil,
// bool, number, light userdata) are no-ops.
func (c *Collector) markValue(v value.Value) {
	if obj := v.AsGCObj(); obj != nil {
		c.markObject(obj)
	}
}

// markObject grays a white object and pushes it onto the gray worklist.
// Already-gray or black objects are left alone: re-marking them would
// just requeue work already accounted for.
func (c *Collector) markObject(obj value.GCObj) {
	h := obj.Header()
	if color(h.Color) != c.otherWhite() {
		return
	}
	h.Color = byte(gray)
	c.gray = append(c.gray, obj)
}

// markRoots seeds the gray worklist with everything reachable without
// tracing through another object: the global table and the call stack,
// open upvalues, and pending results of every live thread rooted at the
// main thread supplied to startCycle.
func (c *Collector) markRoots(mainThread *value.Thread) {
	c.markObject(c.globals)
	if mainThread != nil {
		c.markObject(mainThread)
	}
}

// propagateOne removes one object from the gray worklist, traverses it
// (marking everything it references), and blackens it. Returns false once
// the worklist is empty, signaling the propagate phase is done.
func (c *Collector) propagateOne() bool {
	n := len(c.gray)
	if n == 0 {
		return false
	}
	obj := c.gray[n-1]
	c.gray = c.gray[:n-1]
	c.traverse(obj)
	obj.Header().Color = byte(black)
	return true
}

func (c *Collector) traverse(obj value.GCObj) {
	switch o := obj.(type) {
	case *value.Table:
		c.traverseTable(o)
	case *value.Closure:
		c.traverseClosure(o)
	case *value.Userdata:
		c.traverseUserdata(o)
	case *value.Thread:
		c.traverseThread(o)
	case *value.String:
		// Leaf: a string holds no outgoing references.
	}
}

// traverseTable marks a table's metatable and, subject to its weak mode,
// its entries. A table with any weak bit set is deferred into c.weak so
// the atomic phase can clear entries whose weakly-held side never got
// marked, instead of marking them here and making "weak" meaningless.
func (c *Collector) traverseTable(t *value.Table) {
	if mt := t.Metatable(); mt != nil {
		c.markObject(mt)
	}
	mode := t.WeakMode()
	if mode != value.WeakNone {
		c.weak = append(c.weak, t)
	}
	markKeys := mode&value.WeakKeys == 0
	markVals := mode&value.WeakValues == 0
	t.ForEach(func(k, v value.Value) {
		if markKeys {
			c.markValue(k)
		}
		if markVals {
			c.markValue(v)
		}
	})
}

func (c *Collector) traverseClosure(cl *value.Closure) {
	if cl.IsHost() {
		return
	}
	c.markProtoConstants(cl.Proto)
	for _, uv := range cl.Upvalues {
		c.markValue(uv.Get())
	}
}

// markProtoConstants keeps a prototype's string constants (and, through
// recursion, every nested function prototype's constants) alive. A
// Prototype itself is not a GCObj: it is immutable, shared, and reachable
// only by being embedded in a Closure, so tracing it is folded into
// traverseClosure rather than given its own tri-color slot.
func (c *Collector) markProtoConstants(p *value.Prototype) {
	if p == nil {
		return
	}
	for _, k := range p.Constants {
		c.markValue(k)
	}
	for _, nested := range p.Protos {
		c.markProtoConstants(nested)
	}
}

func (c *Collector) traverseUserdata(u *value.Userdata) {
	if mt := u.Metatable(); mt != nil {
		c.markObject(mt)
	}
}

func (c *Collector) traverseThread(th *value.Thread) {
	for i := 0; i < th.Top; i++ {
		c.markValue(th.Stack[i])
	}
	th.Upvalues.ForEach(func(uv *value.Upvalue) {
		c.markValue(uv.Get())
	})
	for ci := th.Current; ci != nil; ci = ci.Prev {
		if ci.Closure != nil {
			c.markObject(ci.Closure)
		}
	}
	if th.Parent != nil {
		c.markObject(th.Parent)
	}
}

// drainGray runs propagateOne to exhaustion, used by the atomic phase
// which must finish tracing synchronously rather than incrementally.
func (c *Collector) drainGray() {
	for c.propagateOne() {
	}
}
