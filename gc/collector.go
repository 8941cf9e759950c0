// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package gc implements the incremental tri-color mark-and-sweep collector
// backing every Table/Closure/Userdata/Thread/long-String allocation. The
// collector never stops the world: Step advances it by a caller-chosen
// amount of work, meant to be called from the VM's instruction-count hook
// so collection work is interleaved with script execution in small slices.
package gc

import (
	"github.com/probechain/probe-lang/value"
)

// color is the tri-color mark state. Two whites let the collector tell
// "white from this cycle" (condemned, about to be swept) apart from
// "white from the cycle that just started" (a freshly allocated object,
// which must not be swept before it's even been traced once).
type color byte

const (
	white0 color = iota
	white1
	gray
	black
)

// Phase is the collector's position within one incremental cycle.
type Phase int

const (
	PhasePause Phase = iota
	PhasePropagate
	PhaseAtomic
	PhaseSweepString
	PhaseSweepOther
	PhaseFinalize
)

// Collector is the incremental garbage collector. It owns the root set
// (the global table and every thread registered with it), the gray
// worklist driving mark propagation, and the intrusive all-objects list
// used for sweeping.
type Collector struct {
	globals *value.Table
	strings *value.StringTable

	currentWhite color
	phase        Phase

	all value.GCObj // head of the intrusive all-objects list

	gray      []value.GCObj
	grayAgain []value.GCObj // tables re-grayed by the back write barrier
	weak      []*value.Table
	toFinal   []*value.Userdata // userdata selected for finalization this cycle
	pending   []*value.Userdata // finalizers ready for the owner to invoke

	// stepDebt accumulates work done beyond a Step call's budget (a single
	// propagateOne can do more work than one unit), subtracted from the
	// next call's budget so total throughput tracks the caller's pacing.
	stepDebt int

	bytesEstimate int64
	threshold     int64

	mainThread       *value.Thread
	sweepCur, sweepPrev value.GCObj
}

// New creates a Collector rooted at globals and strings, starting paused.
// The embedding VM/state layer calls Step to advance it and must register
// every Thread it creates via RegisterThread so the collector can sweep
// and trace it.
func New(globals *value.Table, strings *value.StringTable) *Collector {
	c := &Collector{globals: globals, strings: strings, currentWhite: white0, threshold: 1 << 16}
	c.link(globals)
	return c
}

// SetMainThread records the thread rooted directly by the collector
// (in addition to the globals table), typically the State's main thread.
// Coroutines spawned later are reached transitively through values that
// reference them, not as collector roots in their own right.
func (c *Collector) SetMainThread(th *value.Thread) { c.mainThread = th }

func (c *Collector) otherWhite() color {
	if c.currentWhite == white0 {
		return white1
	}
	return white0
}

func (c *Collector) link(obj value.GCObj) {
	h := obj.Header()
	h.Color = byte(c.currentWhite)
	h.Next = c.all
	c.all = obj
}

// RegisterThread links a Thread (created directly by the coroutine
// package, not through the Allocator interface since VM.Allocator has no
// NewThread method) into the collector's tracing and sweeping set.
func (c *Collector) RegisterThread(th *value.Thread) { c.link(th) }

// NewTable implements vm.Allocator.
func (c *Collector) NewTable() *value.Table {
	t := value.NewTable()
	c.link(t)
	c.bytesEstimate += 64
	return t
}

// NewClosure implements vm.Allocator.
func (c *Collector) NewClosure(proto *value.Prototype, upvalues []*value.Upvalue) *value.Closure {
	cl := value.NewScriptedClosure(proto, upvalues)
	c.link(cl)
	c.bytesEstimate += int64(32 + 8*len(upvalues))
	return cl
}

// NewUserdata is not part of vm.Allocator (userdata is created by host
// libraries, not bytecode), but every userdata must still be linked for
// sweeping and finalization.
func (c *Collector) NewUserdata(data interface{}) *value.Userdata {
	u := value.NewUserdata(data)
	c.link(u)
	return u
}

// Barrier implements vm.Allocator: invoked whenever a reference from
// parent to child is stored (table set, upvalue close, etc.) so that a
// black object never ends up pointing to a white one invisibly to the
// collector — the invariant incremental tracing depends on.
func (c *Collector) Barrier(parent, child value.Value) {
	if c.phase != PhasePropagate && c.phase != PhaseAtomic {
		return
	}
	po, co := parent.AsGCObj(), child.AsGCObj()
	if po == nil || co == nil {
		return
	}
	ph, ch := po.Header(), co.Header()
	if color(ph.Color) != black || color(ch.Color) != c.otherWhite() {
		return
	}
	if t, ok := po.(*value.Table); ok {
		// Back barrier: tables mutate often enough that re-graying the
		// whole table and re-traversing it later is cheaper than forward-
		// marking every child individually.
		ph.Color = byte(gray)
		c.grayAgain = append(c.grayAgain, t)
		return
	}
	c.markObject(co)
}

// Phase reports the collector's current position in its cycle, exposed
// for debug hooks and tests.
func (c *Collector) Phase() Phase { return c.phase }

// Debt reports the outstanding allocation count since the last cycle
// completed, against Threshold; a debug hook or collectgarbage("count")
// implementation can report this to the script.
func (c *Collector) Debt() (allocated, threshold int64) { return c.bytesEstimate, c.threshold }
