// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gc

import (
	"github.com/probechain/probe-lang/meta"
	"github.com/probechain/probe-lang/value"
)

// StartCycle begins a new mark phase if the collector is currently
// paused; a no-op otherwise. Step calls this automatically once
// allocation since the last cycle crosses Threshold, but an explicit
// collectgarbage("collect") goes through here directly.
func (c *Collector) StartCycle() {
	if c.phase != PhasePause {
		return
	}
	c.currentWhite = c.otherWhite()
	c.gray = c.gray[:0]
	c.grayAgain = c.grayAgain[:0]
	c.weak = c.weak[:0]
	c.markRoots(c.mainThread)
	c.phase = PhasePropagate
}

// FullGC drives the collector through an entire cycle (starting one if
// paused) without stopping, for an explicit "collect now" request.
func (c *Collector) FullGC() {
	c.StartCycle()
	for c.phase != PhasePause {
		c.Step(1 << 20)
	}
}

// Step advances the collector by approximately units of work: one unit is
// roughly one object traversed, swept, or rescanned. Called from the VM's
// per-instruction hook so collection is interleaved with script
// execution in small slices rather than stopping the world.
func (c *Collector) Step(units int) {
	if units <= 0 {
		units = 1
	}
	remaining := units - c.stepDebt
	c.stepDebt = 0
	for remaining > 0 {
		switch c.phase {
		case PhasePause:
			if c.bytesEstimate < c.threshold {
				return
			}
			c.StartCycle()
			remaining--
		case PhasePropagate:
			if !c.propagateOne() {
				c.phase = PhaseAtomic
			}
			remaining--
		case PhaseAtomic:
			c.atomicStep()
			c.phase = PhaseSweepString
			c.sweepCur, c.sweepPrev = c.all, nil
			remaining -= 8
		case PhaseSweepString:
			c.sweepStrings()
			c.phase = PhaseSweepOther
			remaining--
		case PhaseSweepOther:
			if !c.sweepStep(remaining) {
				c.phase = PhaseFinalize
			}
			remaining = 0
		case PhaseFinalize:
			c.pending = append(c.pending, c.toFinal...)
			c.toFinal = nil
			c.bytesEstimate = 0
			c.phase = PhasePause
			remaining--
		}
	}
	c.stepDebt = -remaining
}

// atomicStep performs the portion of a GC cycle that must run without an
// intervening mutation: re-scanning every thread's currently open
// upvalues (values that can change without passing through Barrier),
// retracing tables the back write barrier re-grayed, clearing weak-table
// entries whose weak side didn't survive, and selecting finalizable
// userdata. Order matters: finalizer selection must see the weak tables
// already cleared, and both must run only after every reachable object
// has been traced at least once.
func (c *Collector) atomicStep() {
	c.rescanOpenUpvalues()
	c.drainGray()
	c.rescanGrayAgain()
	c.drainGray()
	c.clearWeakTables()
	c.selectFinalizers()
}

func (c *Collector) rescanOpenUpvalues() {
	for obj := c.all; obj != nil; obj = obj.Header().Next {
		th, ok := obj.(*value.Thread)
		if !ok {
			continue
		}
		th.Upvalues.ForEach(func(uv *value.Upvalue) {
			c.markValue(uv.Get())
		})
	}
}

func (c *Collector) rescanGrayAgain() {
	again := c.grayAgain
	c.grayAgain = nil
	for _, obj := range again {
		c.traverse(obj)
		obj.Header().Color = byte(black)
	}
}

func (c *Collector) isDead(v value.Value) bool {
	obj := v.AsGCObj()
	if obj == nil {
		return false
	}
	return color(obj.Header().Color) != black
}

// clearWeakTables removes entries whose weakly-held side (key, value, or
// both per the table's mode) did not get marked during propagation. A
// table with neither bit set never reaches this list.
func (c *Collector) clearWeakTables() {
	weak := c.weak
	c.weak = nil
	for _, t := range weak {
		mode := t.WeakMode()
		if mode == value.WeakNone {
			continue
		}
		var dead []value.Value
		t.ForEach(func(k, v value.Value) {
			if (mode&value.WeakKeys != 0 && c.isDead(k)) || (mode&value.WeakValues != 0 && c.isDead(v)) {
				dead = append(dead, k)
			}
		})
		for _, k := range dead {
			t.Set(k, value.Nil)
		}
	}
}

// selectFinalizers finds userdata that would otherwise be collected this
// cycle but carry an unrun __gc metamethod, resurrects them (marking
// their reachable graph so the coming sweep spares them), and queues them
// for the owner to invoke through PendingFinalizers. A userdata is only
// ever resurrected once: MarkFinalized makes it an ordinary dead object
// next cycle.
func (c *Collector) selectFinalizers() {
	gcEvent := value.FromString(c.strings.Intern(meta.GC))
	for obj := c.all; obj != nil; obj = obj.Header().Next {
		u, ok := obj.(*value.Userdata)
		if !ok || u.Finalized() {
			continue
		}
		if color(u.Header().Color) == black {
			continue
		}
		mt := u.Metatable()
		if mt == nil || mt.Get(gcEvent).IsNil() {
			continue
		}
		c.markObject(u)
		c.drainGray()
		u.MarkFinalized()
		c.toFinal = append(c.toFinal, u)
	}
}

// PendingFinalizers drains and returns userdata selected for finalization
// since the last call. The owner (the state package, which alone knows
// how to invoke a Closure) is responsible for calling each one's __gc
// metamethod.
func (c *Collector) PendingFinalizers() []*value.Userdata {
	p := c.pending
	c.pending = nil
	return p
}

func (c *Collector) sweepStrings() {
	c.strings.Sweep(func(s *value.String) bool {
		h := s.Header()
		if color(h.Color) == black {
			h.Color = byte(c.currentWhite)
			return true
		}
		return false
	})
}

// sweepStep advances the all-objects sweep by up to budget entries,
// unlinking dead (unreached) objects and resetting survivors to the
// cycle's current white so they start the next cycle as ordinary,
// not-yet-traced objects. Returns false once the whole list has been
// walked.
func (c *Collector) sweepStep(budget int) bool {
	for ; budget > 0; budget-- {
		cur := c.sweepCur
		if cur == nil {
			return false
		}
		h := cur.Header()
		next := h.Next
		if color(h.Color) == black {
			h.Color = byte(c.currentWhite)
			c.sweepPrev = cur
		} else {
			if c.sweepPrev == nil {
				c.all = next
			} else {
				c.sweepPrev.Header().Next = next
			}
		}
		c.sweepCur = next
	}
	return c.sweepCur != nil
}
