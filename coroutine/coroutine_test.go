// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package coroutine

import (
	"testing"

	"github.com/probechain/probe-lang/gc"
	"github.com/probechain/probe-lang/value"
	"github.com/probechain/probe-lang/vm"
)

func newTestVM() (*vm.VM, *gc.Collector) {
	strings := value.NewStringTable()
	globals := value.NewTable()
	collector := gc.New(globals, strings)
	return vm.New(globals, strings, collector), collector
}

func TestResumeYieldRoundTrip(t *testing.T) {
	vmi, gcc := newTestVM()
	body := value.NewHostClosure("body", func(th *value.Thread, args []value.Value) ([]value.Value, error) {
		got, err := Yield(th, []value.Value{value.Int(args[0].AsInt() + 1)})
		if err != nil {
			return nil, err
		}
		return []value.Value{value.Int(got[0].AsInt() * 2)}, nil
	})

	co := Create(value.FromClosure(body), 16)
	gcc.RegisterThread(co)

	ok, res := Resume(vmi, co, []value.Value{value.Int(10)})
	if !ok || len(res) != 1 || res[0].AsInt() != 11 {
		t.Fatalf("first resume = %v, %v", ok, res)
	}
	if Status(co) != value.ThreadSuspended {
		t.Fatalf("expected suspended after yield, got %v", Status(co))
	}

	ok, res = Resume(vmi, co, []value.Value{value.Int(5)})
	if !ok || len(res) != 1 || res[0].AsInt() != 10 {
		t.Fatalf("second resume = %v, %v", ok, res)
	}
	if Status(co) != value.ThreadDead {
		t.Fatalf("expected dead after return, got %v", Status(co))
	}
}

// TestResumeSurfacesNonStringError guards that a coroutine body raising a
// non-string error value (e.g. a table) reaches the resumer unflattened,
// the same ValueError-aware unwrapping vm.PCall/XPCall apply.
func TestResumeSurfacesNonStringError(t *testing.T) {
	vmi, gcc := newTestVM()
	errTable := value.NewTable()
	errTable.Set(value.FromString(vmi.Strings.Intern("code")), value.Int(42))
	body := value.NewHostClosure("body", func(th *value.Thread, args []value.Value) ([]value.Value, error) {
		return nil, vm.ValueErrorFor(value.FromTable(errTable))
	})
	co := Create(value.FromClosure(body), 16)
	gcc.RegisterThread(co)

	ok, res := Resume(vmi, co, nil)
	if ok {
		t.Fatalf("expected resume to report failure")
	}
	if len(res) != 1 || res[0].Tag() != value.TagTable || res[0].AsTable() != errTable {
		t.Fatalf("expected the original error table to survive resume, got %v", res)
	}
}

func TestResumeDeadCoroutineFails(t *testing.T) {
	vmi, gcc := newTestVM()
	body := value.NewHostClosure("body", func(th *value.Thread, args []value.Value) ([]value.Value, error) {
		return nil, nil
	})
	co := Create(value.FromClosure(body), 16)
	gcc.RegisterThread(co)

	if ok, _ := Resume(vmi, co, nil); !ok {
		t.Fatalf("expected first resume to succeed")
	}
	ok, res := Resume(vmi, co, nil)
	if ok {
		t.Fatalf("expected resuming a dead coroutine to fail")
	}
	if len(res) != 1 || res[0].Tag() != value.TagString {
		t.Fatalf("expected a string error value, got %v", res)
	}
}
