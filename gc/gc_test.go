// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gc

import (
	"testing"

	"github.com/probechain/probe-lang/meta"
	"github.com/probechain/probe-lang/value"
)

func newCollector() (*Collector, *value.StringTable) {
	strings := value.NewStringTable()
	globals := value.NewTable()
	c := New(globals, strings)
	th := value.NewThread(32)
	c.RegisterThread(th)
	c.SetMainThread(th)
	return c, strings
}

func TestNewTableSurvivesCollectionWhenReachable(t *testing.T) {
	c, strings := newCollector()
	root := c.NewTable()
	c.globals.Set(value.FromString(strings.Intern("root")), value.FromTable(root))

	leaf := c.NewTable()
	root.Set(value.Int(1), value.FromTable(leaf))

	c.FullGC()

	found := false
	for obj := c.all; obj != nil; obj = obj.Header().Next {
		if obj == value.GCObj(leaf) {
			found = true
		}
	}
	if !found {
		t.Fatal("reachable table was swept")
	}
}

func TestUnreachableTableIsSwept(t *testing.T) {
	c, _ := newCollector()
	orphan := c.NewTable()
	c.FullGC()

	for obj := c.all; obj != nil; obj = obj.Header().Next {
		if obj == value.GCObj(orphan) {
			t.Fatal("unreachable table was not swept")
		}
	}
}

func TestBarrierKeepsBlackParentConsistent(t *testing.T) {
	c, strings := newCollector()
	root := c.NewTable()
	c.globals.Set(value.FromString(strings.Intern("root")), value.FromTable(root))
	// Allocated before the cycle starts and never attached to anything
	// reachable yet: once the cycle flips white, child is an ordinary
	// condemned-candidate object exactly like any other unreached table.
	child := c.NewTable()

	c.StartCycle()
	// Drive propagation to exhaustion so root is traced and blackened
	// while child is left untouched (it is not yet reachable from any root).
	c.drainGray()
	c.phase = PhaseAtomic
	if color(root.Header().Color) != black {
		t.Fatal("setup invariant broken: root should be black before the barrier test begins")
	}
	if color(child.Header().Color) != c.otherWhite() {
		t.Fatal("setup invariant broken: child should still be an unreached, old-white object")
	}

	root.Set(value.Int(1), value.FromTable(child))
	c.Barrier(value.FromTable(root), value.FromTable(child))

	if color(root.Header().Color) != gray {
		t.Fatal("back barrier did not re-gray the mutated table")
	}

	c.atomicStep()
	c.phase = PhaseSweepString
	c.sweepStrings()
	c.phase = PhaseSweepOther
	c.sweepCur, c.sweepPrev = c.all, nil
	for c.sweepStep(1 << 20) {
	}
	c.phase = PhaseFinalize
	c.pending = append(c.pending, c.toFinal...)
	c.toFinal = nil
	c.phase = PhasePause

	found := false
	for obj := c.all; obj != nil; obj = obj.Header().Next {
		if obj == value.GCObj(child) {
			found = true
		}
	}
	if !found {
		t.Fatal("barrier failed to keep newly attached child alive")
	}
}

func TestWeakValueTableDropsDeadEntries(t *testing.T) {
	c, strings := newCollector()
	weak := c.NewTable()
	weak.SetWeakMode(value.WeakValues)
	c.globals.Set(value.FromString(strings.Intern("cache")), value.FromTable(weak))

	orphanValue := c.NewTable()
	weak.Set(value.Int(1), value.FromTable(orphanValue))

	c.FullGC()

	if !weak.Get(value.Int(1)).IsNil() {
		t.Fatal("weak-value entry survived with no other reference to its value")
	}
}

func TestFinalizerSelectedWhenUnreachable(t *testing.T) {
	c, strings := newCollector()
	u := c.NewUserdata(42)
	mt := c.NewTable()
	mt.Set(value.FromString(strings.Intern(meta.GC)), value.FromClosure(value.NewHostClosure("finalizer", func(*value.Thread, []value.Value) ([]value.Value, error) {
		return nil, nil
	})))
	u.SetMetatable(mt)

	c.FullGC()

	pending := c.PendingFinalizers()
	if len(pending) != 1 || pending[0] != u {
		t.Fatalf("expected u to be queued for finalization, got %v", pending)
	}
	if !u.Finalized() {
		t.Fatal("userdata not marked finalized after selection")
	}
}

func TestFinalizedUserdataIsSweptNextCycle(t *testing.T) {
	c, strings := newCollector()
	u := c.NewUserdata(7)
	mt := c.NewTable()
	mt.Set(value.FromString(strings.Intern(meta.GC)), value.Bool(true))
	u.SetMetatable(mt)

	c.FullGC() // selects and resurrects u for one cycle
	if len(c.PendingFinalizers()) != 1 {
		t.Fatal("expected finalizer queued on first cycle")
	}

	c.FullGC() // u is already finalized, so this time it's swept for real

	for obj := c.all; obj != nil; obj = obj.Header().Next {
		if obj == value.GCObj(u) {
			t.Fatal("finalized userdata was not swept on its second unreachable cycle")
		}
	}
}

func TestStepIsBoundedWork(t *testing.T) {
	c, _ := newCollector()
	for i := 0; i < 50; i++ {
		tbl := c.NewTable()
		c.globals.Set(value.Int(int64(i)), value.FromTable(tbl))
	}
	c.bytesEstimate = c.threshold // force a cycle to be eligible to start

	steps := 0
	for c.phase != PhasePause || steps == 0 {
		c.Step(4)
		steps++
		if steps > 10000 {
			t.Fatal("collector cycle did not terminate")
		}
	}
	if steps < 2 {
		t.Fatal("expected Step to require multiple calls given a small unit budget")
	}
}

func TestStringInternTableSweepsUnreferencedShortStrings(t *testing.T) {
	c, strings := newCollector()
	kept := strings.Intern("kept")
	c.globals.Set(value.FromString(kept), value.Bool(true))
	_ = strings.Intern("dropped")

	before := strings.Len()
	if before != 2 {
		t.Fatalf("expected 2 interned strings before collection, got %d", before)
	}

	c.FullGC()

	if strings.Len() != 1 {
		t.Fatalf("expected only the referenced string to survive, got %d entries", strings.Len())
	}
}
