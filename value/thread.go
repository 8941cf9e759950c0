// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package value

import "github.com/google/uuid"

// ThreadStatus is a coroutine's lifecycle state.
type ThreadStatus int

const (
	ThreadFresh ThreadStatus = iota
	ThreadRunning
	ThreadNormal // resumed another coroutine and is waiting for it
	ThreadSuspended
	ThreadDead
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadFresh:
		return "fresh"
	case ThreadRunning:
		return "running"
	case ThreadNormal:
		return "normal"
	case ThreadSuspended:
		return "suspended"
	case ThreadDead:
		return "dead"
	}
	return "unknown"
}

// CallInfo is one activation record on a thread's call chain: the
// function being executed, its register window into the thread's stack,
// and bookkeeping for returning control to the caller.
type CallInfo struct {
	Closure  *Closure
	Base     int // index into Thread.Stack of register 0 for this call
	PC       int
	NResults int // number of results the caller expects, or MultRet
	IsTail   bool
	Prev     *CallInfo
}

// MultRet signals "as many results as the callee produces", used for the
// outermost call expression in an expression list and for varargs.
const MultRet = -1

// Thread is a single coroutine: an independent register stack and call
// chain, sharing the global string table and collector with every other
// thread spawned from the same State. The main thread is itself a Thread
// with no parent and ThreadRunning status for the process lifetime.
type Thread struct {
	ID uuid.UUID

	Stack []Value
	Top   int // index of the first free stack slot

	Current *CallInfo
	Status  ThreadStatus

	Upvalues OpenUpvalueList

	Parent *Thread // the thread that resumed this one, if any

	// Coro is an opaque slot for the coroutine package's scheduling state
	// (the goroutine handshake channels implementing resume/yield). value
	// does not depend on coroutine, so this is stored as interface{} and
	// type-asserted back by the owner.
	Coro interface{}

	GC GCHeader
}

// NewThread creates a fresh, unstarted coroutine with the given initial
// stack capacity.
func NewThread(stackCap int) *Thread {
	return &Thread{
		ID:     uuid.New(),
		Stack:  make([]Value, stackCap),
		Status: ThreadFresh,
	}
}

func (th *Thread) EnsureStack(n int) {
	if n <= len(th.Stack) {
		return
	}
	grown := make([]Value, n*2)
	copy(grown, th.Stack)
	th.Stack = grown
}

func (th *Thread) PushCall(ci *CallInfo) {
	ci.Prev = th.Current
	th.Current = ci
}

func (th *Thread) PopCall() {
	if th.Current != nil {
		th.Current = th.Current.Prev
	}
}
