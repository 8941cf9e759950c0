// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package vm

import (
	"errors"
	"testing"

	"github.com/probechain/probe-lang/value"
)

type fakeAlloc struct{}

func (fakeAlloc) NewTable() *value.Table { return value.NewTable() }
func (fakeAlloc) NewClosure(proto *value.Prototype, upvalues []*value.Upvalue) *value.Closure {
	return value.NewScriptedClosure(proto, upvalues)
}
func (fakeAlloc) Barrier(parent, child value.Value) {}

func newTestVM() *VM {
	strings := value.NewStringTable()
	globals := value.NewTable()
	return New(globals, strings, fakeAlloc{})
}

func TestPCallCatchesError(t *testing.T) {
	vmi := newTestVM()
	th := value.NewThread(32)
	fn := value.NewHostClosure("boom", func(th *value.Thread, args []value.Value) ([]value.Value, error) {
		return nil, errors.New("boom")
	})

	ok, res := vmi.PCall(th, value.FromClosure(fn), nil)
	if ok {
		t.Fatalf("expected PCall to report failure")
	}
	if len(res) != 1 || res[0].Tag() != value.TagString || res[0].AsString().Value() != "boom" {
		t.Fatalf("unexpected error value: %v", res)
	}
}

func TestPCallSuccessPassesThroughResults(t *testing.T) {
	vmi := newTestVM()
	th := value.NewThread(32)
	fn := value.NewHostClosure("ok", func(th *value.Thread, args []value.Value) ([]value.Value, error) {
		return []value.Value{value.Int(1), value.Int(2)}, nil
	})

	ok, res := vmi.PCall(th, value.FromClosure(fn), nil)
	if !ok || len(res) != 2 || res[0].AsInt() != 1 || res[1].AsInt() != 2 {
		t.Fatalf("unexpected PCall success result: %v %v", ok, res)
	}
}

func TestXPCallRunsHandlerOnError(t *testing.T) {
	vmi := newTestVM()
	th := value.NewThread(32)
	fn := value.NewHostClosure("boom", func(th *value.Thread, args []value.Value) ([]value.Value, error) {
		return nil, errors.New("boom")
	})
	handler := value.NewHostClosure("handler", func(th *value.Thread, args []value.Value) ([]value.Value, error) {
		return []value.Value{value.FromString(vmi.intern("handled: " + args[0].String()))}, nil
	})

	ok, res := vmi.XPCall(th, value.FromClosure(fn), value.FromClosure(handler), nil)
	if ok {
		t.Fatalf("expected XPCall to report failure")
	}
	if len(res) != 1 || res[0].AsString().Value() != "handled: boom" {
		t.Fatalf("unexpected handled error value: %v", res)
	}
}
