// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package interp wires the lexer, compiler, VM, and collector into a single
// interpreter state (§6's "State lifecycle") and hosts the minimal set of
// core language primitives (error handling, metatables, coroutines) that
// the testable properties in §8 exercise directly from script. It
// deliberately does not implement the string/table/io/math library
// modules, the bytecode file loader, or REPL traceback formatting — those
// are out of scope per §1.
package interp

import (
	"fmt"

	"github.com/probechain/probe-lang/compiler"
	"github.com/probechain/probe-lang/gc"
	"github.com/probechain/probe-lang/value"
	"github.com/probechain/probe-lang/vm"
)

// State is one interpreter instance: its own string table, global table,
// collector, and VM, plus the main thread every top-level DoString executes on.
// Multiple States share nothing and may run on independent goroutines
// concurrently (§5); a single State must not be driven from more than one
// goroutine at a time.
type State struct {
	Globals *value.Table
	Strings *value.StringTable
	GC      *gc.Collector
	VM      *vm.VM
	Main    *value.Thread

	// gcStepPerInstr is the amount of incremental GC work Step performs per
	// executed VM instruction; wired through Hooks.Count so collection is
	// interleaved with script execution rather than run as one stop-the-
	// world pass (§4.4's "Trigger").
	gcStepPerInstr int
}

// New creates a ready-to-use interpreter with the base library installed.
func New() *State {
	strings := value.NewStringTable()
	globals := value.NewTable()
	collector := gc.New(globals, strings)
	vmi := vm.New(globals, strings, collector)

	main := value.NewThread(256)
	main.Status = value.ThreadRunning
	collector.SetMainThread(main)
	collector.RegisterThread(main)

	s := &State{
		Globals:        globals,
		Strings:        strings,
		GC:             collector,
		VM:             vmi,
		Main:           main,
		gcStepPerInstr: 4,
	}
	vmi.Hooks.Count = func(th *value.Thread) {
		s.GC.Step(s.gcStepPerInstr)
		s.runFinalizers(th)
	}
	vmi.Hooks.CountN = 64
	s.openBase()
	return s
}

// runFinalizers invokes the __gc metamethod of every userdata the
// collector selected for finalization since the last drain (§4.4's
// "Finalizers"), on th so a finalizer that errors unwinds no further than
// the script currently running.
func (s *State) runFinalizers(th *value.Thread) {
	for _, u := range s.GC.PendingFinalizers() {
		mt := u.Metatable()
		if mt == nil {
			continue
		}
		gcFn := mt.Get(value.FromString(s.intern("__gc")))
		if gcFn.IsNil() {
			continue
		}
		// A finalizer error is discarded and does not propagate: §4.4 notes
		// userdata finalization is protected against recursive failure, and
		// a script has no frame left on the stack to catch it in anyway.
		_, _ = s.VM.Call(th, gcFn, []value.Value{value.FromUserdata(u)})
	}
}

func (s *State) intern(str string) *value.String { return s.Strings.Intern(str) }

func (s *State) setGlobal(name string, v value.Value) {
	s.Globals.Set(value.FromString(s.intern(name)), v)
}

func (s *State) register(name string, fn value.HostFunc) {
	s.setGlobal(name, value.FromClosure(value.NewHostClosure(name, fn)))
}

// Load compiles source into a callable closure without running it, the
// counterpart of the reference's load()/loadstring(). The chunk's _ENV
// upvalue is bound to this State's global table.
func (s *State) Load(chunkName, source string) (value.Value, error) {
	proto, err := compiler.Compile(chunkName, source, s.Strings)
	if err != nil {
		return value.Nil, err
	}
	env := &value.Upvalue{Closed: value.FromTable(s.Globals)}
	cl := s.GC.NewClosure(proto, []*value.Upvalue{env})
	return value.FromClosure(cl), nil
}

// DoString compiles and immediately runs source on the main thread,
// returning its results or a compile/run-time error.
func (s *State) DoString(chunkName, source string) ([]value.Value, error) {
	fn, err := s.Load(chunkName, source)
	if err != nil {
		return nil, err
	}
	return s.VM.Call(s.Main, fn, nil)
}

// errorf builds a plain Go error from a format string.
func (s *State) errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
