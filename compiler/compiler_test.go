// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package compiler

import (
	"testing"

	"github.com/probechain/probe-lang/value"
	"github.com/probechain/probe-lang/vm"
)

func mustCompile(t *testing.T, src string) *value.Prototype {
	t.Helper()
	st := value.NewStringTable()
	proto, err := Compile("test", src, st)
	if err != nil {
		t.Fatalf("Compile(%q) error: %v", src, err)
	}
	return proto
}

func opcodesOf(proto *value.Prototype) []vm.Opcode {
	ops := make([]vm.Opcode, len(proto.Code))
	for i, instr := range proto.Code {
		ops[i] = vm.DecodeOp(instr)
	}
	return ops
}

func containsOp(ops []vm.Opcode, op vm.Opcode) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func TestCompileLocalAssignment(t *testing.T) {
	proto := mustCompile(t, "local x = 1 + 2")
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpAdd) {
		t.Fatalf("expected ADD in %v", ops)
	}
	if !containsOp(ops, vm.OpReturn) {
		t.Fatalf("expected trailing RETURN in %v", ops)
	}
}

func TestCompileIfStatement(t *testing.T) {
	proto := mustCompile(t, `
		local x = 10
		if x < 5 then
			x = 1
		else
			x = 2
		end
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpLt) {
		t.Fatalf("expected LT in %v", ops)
	}
	if !containsOp(ops, vm.OpJmp) {
		t.Fatalf("expected JMP in %v", ops)
	}
}

func TestCompileWhileLoop(t *testing.T) {
	proto := mustCompile(t, `
		local i = 0
		while i < 10 do
			i = i + 1
		end
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpLt) || !containsOp(ops, vm.OpAdd) {
		t.Fatalf("expected LT and ADD in %v", ops)
	}
}

func TestCompileNumericFor(t *testing.T) {
	proto := mustCompile(t, `
		local sum = 0
		for i = 1, 10 do
			sum = sum + i
		end
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpForPrep) || !containsOp(ops, vm.OpForLoop) {
		t.Fatalf("expected FORPREP/FORLOOP in %v", ops)
	}
}

func TestCompileGenericFor(t *testing.T) {
	proto := mustCompile(t, `
		for k, v in pairs(t) do
			print(k, v)
		end
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpTForCall) || !containsOp(ops, vm.OpTForLoop) {
		t.Fatalf("expected TFORCALL/TFORLOOP in %v", ops)
	}
}

func TestCompileFunctionLiteralAndCall(t *testing.T) {
	proto := mustCompile(t, `
		local function add(a, b)
			return a + b
		end
		return add(1, 2)
	`)
	if len(proto.Protos) != 1 {
		t.Fatalf("expected one nested prototype, got %d", len(proto.Protos))
	}
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpClosure) || !containsOp(ops, vm.OpCall) {
		t.Fatalf("expected CLOSURE and CALL in %v", ops)
	}
	nested := proto.Protos[0]
	if !containsOp(opcodesOf(nested), vm.OpAdd) {
		t.Fatalf("expected ADD in nested function")
	}
}

func TestCompileClosureUpvalue(t *testing.T) {
	proto := mustCompile(t, `
		local counter = 0
		local function inc()
			counter = counter + 1
			return counter
		end
		return inc
	`)
	nested := proto.Protos[0]
	if len(nested.Upvalues) != 1 {
		t.Fatalf("expected one upvalue capturing 'counter', got %d", len(nested.Upvalues))
	}
	if !nested.Upvalues[0].InStack {
		t.Fatalf("expected upvalue to capture a parent stack local")
	}
}

func TestCompileTableConstructorAndIndex(t *testing.T) {
	proto := mustCompile(t, `
		local t = { 1, 2, 3, x = 10 }
		return t.x
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpNewTable) || !containsOp(ops, vm.OpSetList) {
		t.Fatalf("expected NEWTABLE and SETLIST in %v", ops)
	}
	if !containsOp(ops, vm.OpGetTable) {
		t.Fatalf("expected GETTABLE for field access in %v", ops)
	}
}

func TestCompileMethodCall(t *testing.T) {
	proto := mustCompile(t, `
		local obj = {}
		obj:greet("hi")
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpSelf) {
		t.Fatalf("expected SELF for method call in %v", ops)
	}
}

func TestCompileAndOrShortCircuit(t *testing.T) {
	proto := mustCompile(t, `
		local a = 1
		local b = 2
		local c = a and b or nil
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpTest) {
		t.Fatalf("expected TEST for short-circuit evaluation in %v", ops)
	}
}

func TestCompileConcat(t *testing.T) {
	proto := mustCompile(t, `local s = "a" .. "b" .. "c"`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpConcat) {
		t.Fatalf("expected CONCAT in %v", ops)
	}
}

func TestCompileSyntaxError(t *testing.T) {
	st := value.NewStringTable()
	_, err := Compile("test", "local x = ", st)
	if err == nil {
		t.Fatalf("expected a syntax error for truncated assignment")
	}
	if _, ok := err.(*CompileError); !ok {
		t.Fatalf("expected *CompileError, got %T", err)
	}
}

func TestCompileGotoForward(t *testing.T) {
	proto := mustCompile(t, `
		local i = 0
		goto done
		i = 100
		::done::
		i = 1
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpJmp) {
		t.Fatalf("expected JMP for goto in %v", ops)
	}
}

func TestCompileGotoUndefinedLabel(t *testing.T) {
	st := value.NewStringTable()
	_, err := Compile("test", "goto nowhere", st)
	if err == nil {
		t.Fatalf("expected error for goto to a label that is never defined")
	}
}

func TestCompileDuplicateLabel(t *testing.T) {
	st := value.NewStringTable()
	_, err := Compile("test", "::top:: ::top::", st)
	if err == nil {
		t.Fatalf("expected error for duplicate label")
	}
}

func TestCompileRepeatUntil(t *testing.T) {
	proto := mustCompile(t, `
		local i = 0
		repeat
			i = i + 1
		until i >= 10
	`)
	ops := opcodesOf(proto)
	if !containsOp(ops, vm.OpLe) && !containsOp(ops, vm.OpLt) {
		t.Fatalf("expected a comparison op in %v", ops)
	}
}
