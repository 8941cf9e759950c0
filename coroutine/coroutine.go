// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package coroutine implements cooperative coroutines (§4.5): independent
// threads that share one interpreter's value heap and collector but run on
// their own value.Thread stack and call-info chain, switched only by
// explicit Resume/Yield rather than preemption.
//
// The reference implementation multiplexes coroutines onto setjmp/longjmp
// over a single OS stack. A goroutine-per-coroutine scheme gives each
// coroutine its own real (segmented) stack and turns resume/yield into a
// two-channel handshake, matching the "stackful coroutine" option noted in
// §9: the coroutine's goroutine blocks in Yield until the next Resume sends
// it fresh arguments, and Resume blocks until the coroutine's goroutine
// yields, returns, or errors.
package coroutine

import (
	"errors"

	"github.com/probechain/probe-lang/value"
	"github.com/probechain/probe-lang/vm"
)

// ErrNotYieldable is returned when Yield is called on a thread that was
// never created via Create (i.e. has no coroutine scheduling state), such
// as the main thread or a thread driven directly without this package.
var ErrNotYieldable = errors.New("coroutine: attempt to yield from outside a coroutine")

type outcome struct {
	kind    outcomeKind
	values  []value.Value
	errVal  value.Value
	hasErr  bool
}

type outcomeKind int

const (
	outYield outcomeKind = iota
	outReturn
	outError
)

// state is the scheduling handshake stored in value.Thread.Coro and
// recovered by type assertion, per the field's documented contract.
type state struct {
	fn       value.Value
	resumeCh chan []value.Value
	yieldCh  chan outcome
	started  bool
}

// Create allocates a fresh, unstarted coroutine thread wrapping fn. The
// returned Thread must be registered with the collector (gc.RegisterThread)
// by the caller, exactly as any other GC-managed Thread.
func Create(fn value.Value, stackCap int) *value.Thread {
	th := value.NewThread(stackCap)
	th.Coro = &state{
		fn:       fn,
		resumeCh: make(chan []value.Value),
		yieldCh:  make(chan outcome),
	}
	return th
}

// Resume transfers control to th, starting it (if fresh) or continuing it
// from its last Yield (if suspended) with args as either the initial call
// arguments or the yield's return values. It blocks until th yields,
// returns, or errors, matching §4.5's status transitions: the resumer
// becomes ThreadNormal only from the caller thread's perspective, which
// this package does not track since it has no notion of "the calling
// thread" — callers wanting that must set it themselves.
//
// ok is false iff th raised an uncaught error, in which case results holds
// the single error value and th.Status becomes ThreadDead.
func Resume(vmi *vm.VM, th *value.Thread, args []value.Value) (ok bool, results []value.Value) {
	st, _ := th.Coro.(*state)
	if st == nil {
		return false, []value.Value{value.FromString(vmi.Strings.Intern("cannot resume a non-coroutine thread"))}
	}
	switch th.Status {
	case value.ThreadDead:
		return false, []value.Value{value.FromString(vmi.Strings.Intern("cannot resume dead coroutine"))}
	case value.ThreadRunning, value.ThreadNormal:
		return false, []value.Value{value.FromString(vmi.Strings.Intern("cannot resume non-suspended coroutine"))}
	}

	th.Status = value.ThreadRunning
	if !st.started {
		st.started = true
		go func() {
			res, err := vmi.Call(th, st.fn, args)
			if err != nil {
				st.yieldCh <- outcome{kind: outError, errVal: vmi.ErrToValue(err), hasErr: true}
				return
			}
			st.yieldCh <- outcome{kind: outReturn, values: res}
		}()
	} else {
		st.resumeCh <- args
	}

	out := <-st.yieldCh
	switch out.kind {
	case outYield:
		th.Status = value.ThreadSuspended
		return true, out.values
	case outReturn:
		th.Status = value.ThreadDead
		return true, out.values
	default:
		th.Status = value.ThreadDead
		return false, []value.Value{out.errVal}
	}
}

// Yield is the body of the host closure bound to a coroutine's "yield"
// entry point: it hands results back to whoever is blocked in Resume and
// blocks in turn until the next Resume supplies continuation arguments.
// It must be called with th equal to the coroutine's own thread, which is
// always true for a host closure invoked by the VM (the VM always passes
// the thread currently executing).
func Yield(th *value.Thread, results []value.Value) ([]value.Value, error) {
	st, _ := th.Coro.(*state)
	if st == nil {
		return nil, ErrNotYieldable
	}
	st.yieldCh <- outcome{kind: outYield, values: results}
	return <-st.resumeCh, nil
}

// Status reports th's current lifecycle state (§4.5).
func Status(th *value.Thread) value.ThreadStatus { return th.Status }
