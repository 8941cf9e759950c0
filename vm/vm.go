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
	"fmt"
	"math"

	"github.com/probechain/probe-lang/meta"
	"github.com/probechain/probe-lang/value"
)

var (
	ErrStackOverflow  = errors.New("vm: stack overflow")
	ErrInvalidOpcode  = errors.New("vm: invalid opcode")
	ErrDivByZero      = errors.New("vm: attempt to perform 'n%%0'")
	ErrNotCallable    = errors.New("vm: attempt to call a non-function value")
	ErrNotIndexable   = errors.New("vm: attempt to index a non-table value")
	ErrNotATable      = errors.New("vm: attempt to set a field on a non-table value")
	ErrTooManyResults = errors.New("vm: too many results to unpack")
)

// MaxCallDepth bounds the native Go call-stack recursion that Call()
// performs when executing scripted code, protecting the host process from
// a stack overflow on unbounded recursive scripts.
const MaxCallDepth = 200

// Allocator is the subset of the collector's allocation interface the VM
// needs to create tables/closures/upvalues during instruction execution,
// so that every allocation the VM performs is registered for GC tracing
// and subject to write barriers.
type Allocator interface {
	NewTable() *value.Table
	NewClosure(proto *value.Prototype, upvalues []*value.Upvalue) *value.Closure
	Barrier(parent, child value.Value)
}

// Hooks holds optional debug callbacks invoked by the dispatch loop: Count
// fires every N executed instructions, Line fires on entering a new source
// line, Call/Return fire around function calls.
type Hooks struct {
	Count    func(th *value.Thread)
	CountN   int
	Line     func(th *value.Thread, line int)
	Call     func(th *value.Thread, cl *value.Closure)
	Return   func(th *value.Thread)
}

// VM executes compiled Prototypes against Threads. It holds no per-call
// state itself; all mutable execution state lives on the value.Thread
// passed to Call.
type VM struct {
	Globals *value.Table
	Strings *value.StringTable
	Alloc   Allocator
	Hooks   Hooks

	instrCount int
}

func New(globals *value.Table, strings *value.StringTable, alloc Allocator) *VM {
	return &VM{Globals: globals, Strings: strings, Alloc: alloc}
}

func (vm *VM) intern(s string) *value.String { return vm.Strings.Intern(s) }

// Call invokes fn with args on thread th, returning its results. fn may be
// a scripted closure, a host closure, or (via __call) any value whose
// metatable supplies a call handler.
func (vm *VM) Call(th *value.Thread, fn value.Value, args []value.Value) ([]value.Value, error) {
	return vm.call(th, fn, args, 0)
}

func (vm *VM) call(th *value.Thread, fn value.Value, args []value.Value, depth int) ([]value.Value, error) {
	if depth > MaxCallDepth {
		return nil, ErrStackOverflow
	}
	if fn.Tag() != value.TagClosure {
		if h, ok := meta.Field(fn, meta.Call, vm.intern); ok {
			newArgs := append([]value.Value{fn}, args...)
			return vm.call(th, h, newArgs, depth+1)
		}
		return nil, fmt.Errorf("%w: got %s", ErrNotCallable, value.TypeName(fn))
	}
	cl := fn.AsClosure()
	if cl.IsHost() {
		if vm.Hooks.Call != nil {
			vm.Hooks.Call(th, cl)
		}
		res, err := cl.Host(th, args)
		if vm.Hooks.Return != nil {
			vm.Hooks.Return(th)
		}
		return res, err
	}
	return vm.execClosure(th, cl, args, depth)
}

func (vm *VM) execClosure(th *value.Thread, cl *value.Closure, args []value.Value, depth int) ([]value.Value, error) {
	proto := cl.Proto
	base := th.Top
	need := base + proto.MaxStack
	th.EnsureStack(need)

	nfixed := proto.NumParams
	for i := 0; i < nfixed; i++ {
		if i < len(args) {
			th.Stack[base+i] = args[i]
		} else {
			th.Stack[base+i] = value.Nil
		}
	}
	var varargs []value.Value
	if proto.IsVararg && len(args) > nfixed {
		varargs = append(varargs, args[nfixed:]...)
	}
	for i := nfixed; i < proto.MaxStack; i++ {
		th.Stack[base+i] = value.Nil
	}
	th.Top = need

	ci := &value.CallInfo{Closure: cl, Base: base, PC: 0}
	th.PushCall(ci)
	if vm.Hooks.Call != nil {
		vm.Hooks.Call(th, cl)
	}

	results, err := vm.run(th, ci, varargs, depth)

	th.PopCall()
	th.Top = base
	if vm.Hooks.Return != nil {
		vm.Hooks.Return(th)
	}
	return results, err
}

func (vm *VM) reg(th *value.Thread, ci *value.CallInfo, n int) *value.Value {
	return &th.Stack[ci.Base+n]
}

func (vm *VM) rk(th *value.Thread, ci *value.CallInfo, proto *value.Prototype, operand int) value.Value {
	if IsK(operand) {
		return proto.Constants[KIndex(operand)]
	}
	return *vm.reg(th, ci, operand)
}

// run executes proto's code starting at ci.PC until a RETURN/TAILCALL
// unwind delivers results. varargs holds the thread's "..." values for
// this activation.
func (vm *VM) run(th *value.Thread, ci *value.CallInfo, varargs []value.Value, depth int) ([]value.Value, error) {
	proto := ci.Closure.Proto
	for {
		if ci.PC >= len(proto.Code) {
			return nil, nil
		}
		instr := proto.Code[ci.PC]
		op := decodeOp(instr)
		a := decodeA(instr)
		ci.PC++

		vm.instrCount++
		if vm.Hooks.Count != nil && vm.Hooks.CountN > 0 && vm.instrCount%vm.Hooks.CountN == 0 {
			vm.Hooks.Count(th)
		}
		if vm.Hooks.Line != nil && ci.PC-1 < len(proto.Lines) {
			vm.Hooks.Line(th, proto.Lines[ci.PC-1])
		}

		switch op {
		case OpMove:
			*vm.reg(th, ci, a) = *vm.reg(th, ci, decodeB(instr))

		case OpLoadK:
			*vm.reg(th, ci, a) = proto.Constants[decodeBx(instr)]

		case OpLoadKX:
			extra := proto.Code[ci.PC]
			ci.PC++
			*vm.reg(th, ci, a) = proto.Constants[decodeAx(extra)]

		case OpLoadBool:
			b, c := decodeB(instr), decodeC(instr)
			*vm.reg(th, ci, a) = value.Bool(b != 0)
			if c != 0 {
				ci.PC++
			}

		case OpLoadNil:
			b := decodeB(instr)
			for i := 0; i <= b; i++ {
				*vm.reg(th, ci, a+i) = value.Nil
			}

		case OpGetUpval:
			*vm.reg(th, ci, a) = ci.Closure.Upvalues[decodeB(instr)].Get()

		case OpSetUpval:
			ci.Closure.Upvalues[decodeB(instr)].Set(*vm.reg(th, ci, a))

		case OpGetTabUp:
			uv := ci.Closure.Upvalues[decodeB(instr)]
			key := vm.rk(th, ci, proto, decodeC(instr))
			v, err := vm.index(th, uv.Get(), key)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = v

		case OpSetTabUp:
			uv := ci.Closure.Upvalues[a]
			key := vm.rk(th, ci, proto, decodeB(instr))
			val := vm.rk(th, ci, proto, decodeC(instr))
			if err := vm.newindex(th, uv.Get(), key, val); err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}

		case OpNewTable:
			*vm.reg(th, ci, a) = value.FromTable(vm.Alloc.NewTable())

		case OpGetTable:
			b, c := decodeB(instr), decodeC(instr)
			key := vm.rk(th, ci, proto, c)
			v, err := vm.index(th, *vm.reg(th, ci, b), key)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = v

		case OpSetTable:
			b, c := decodeB(instr), decodeC(instr)
			key := vm.rk(th, ci, proto, b)
			val := vm.rk(th, ci, proto, c)
			if err := vm.newindex(th, *vm.reg(th, ci, a), key, val); err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}

		case OpSelf:
			b, c := decodeB(instr), decodeC(instr)
			obj := *vm.reg(th, ci, b)
			*vm.reg(th, ci, a+1) = obj
			key := vm.rk(th, ci, proto, c)
			v, err := vm.index(th, obj, key)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = v

		case OpAdd, OpSub, OpMul, OpMod, OpPow, OpDiv, OpIDiv,
			OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
			b, c := decodeB(instr), decodeC(instr)
			x, y := vm.rk(th, ci, proto, b), vm.rk(th, ci, proto, c)
			res, err := vm.arith(th, op, x, y)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = res

		case OpUnm:
			x := *vm.reg(th, ci, decodeB(instr))
			res, err := vm.unm(th, x)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = res

		case OpBNot:
			x := *vm.reg(th, ci, decodeB(instr))
			res, err := vm.bnot(th, x)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = res

		case OpNot:
			x := *vm.reg(th, ci, decodeB(instr))
			*vm.reg(th, ci, a) = value.Bool(x.IsFalsy())

		case OpLen:
			x := *vm.reg(th, ci, decodeB(instr))
			res, err := vm.length(th, x)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = res

		case OpConcat:
			b, c := decodeB(instr), decodeC(instr)
			res, err := vm.concat(th, ci, b, c)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			*vm.reg(th, ci, a) = res

		case OpJmp:
			if a > 0 {
				th.Upvalues.CloseFrom(ci.Base + a - 1)
			}
			ci.PC += decodeSBx(instr)

		case OpEq, OpLt, OpLe:
			b, c := decodeB(instr), decodeC(instr)
			x, y := vm.rk(th, ci, proto, b), vm.rk(th, ci, proto, c)
			truth, err := vm.compare(th, op, x, y)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			// A following JMP always immediately follows a comparison; it
			// is skipped when the comparison's truth doesn't match the
			// instruction's expected polarity A, and taken otherwise.
			if truth != (a != 0) {
				ci.PC++
			}

		case OpTest:
			c := decodeC(instr)
			x := *vm.reg(th, ci, a)
			if x.Truthy() != (c != 0) {
				ci.PC++
			}

		case OpTestSet:
			b, c := decodeB(instr), decodeC(instr)
			x := *vm.reg(th, ci, b)
			if x.Truthy() == (c != 0) {
				*vm.reg(th, ci, a) = x
			} else {
				ci.PC++
			}

		case OpCall:
			b, c := decodeB(instr), decodeC(instr)
			nargs := b - 1
			var args []value.Value
			if nargs < 0 {
				args = append([]value.Value{}, th.Stack[ci.Base+a+1:th.Top]...)
			} else {
				args = append([]value.Value{}, th.Stack[ci.Base+a+1:ci.Base+a+1+nargs]...)
			}
			fn := *vm.reg(th, ci, a)
			results, err := vm.call(th, fn, args, depth+1)
			if err != nil {
				return nil, err
			}
			vm.storeResults(th, ci, a, c, results)

		case OpTailCall:
			b := decodeB(instr)
			nargs := b - 1
			var args []value.Value
			if nargs < 0 {
				args = append([]value.Value{}, th.Stack[ci.Base+a+1:th.Top]...)
			} else {
				args = append([]value.Value{}, th.Stack[ci.Base+a+1:ci.Base+a+1+nargs]...)
			}
			fn := *vm.reg(th, ci, a)
			th.Upvalues.CloseFrom(ci.Base)
			return vm.call(th, fn, args, depth)

		case OpReturn:
			b := decodeB(instr)
			th.Upvalues.CloseFrom(ci.Base)
			if b == 0 {
				return append([]value.Value{}, th.Stack[ci.Base+a:th.Top]...), nil
			}
			return append([]value.Value{}, th.Stack[ci.Base+a:ci.Base+a+b-1]...), nil

		case OpVararg:
			b := decodeB(instr)
			n := b - 1
			if n < 0 {
				n = len(varargs)
			}
			for i := 0; i < n; i++ {
				if i < len(varargs) {
					*vm.reg(th, ci, a+i) = varargs[i]
				} else {
					*vm.reg(th, ci, a+i) = value.Nil
				}
			}

		case OpForPrep:
			if err := vm.forPrep(th, ci, a); err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			ci.PC += decodeSBx(instr)

		case OpForLoop:
			cont, err := vm.forLoop(th, ci, a)
			if err != nil {
				return nil, vm.wrapErr(proto, ci.PC-1, err)
			}
			if cont {
				ci.PC += decodeSBx(instr)
			}

		case OpTForCall:
			c := decodeC(instr)
			fn := *vm.reg(th, ci, a)
			arg1 := *vm.reg(th, ci, a+1)
			arg2 := *vm.reg(th, ci, a+2)
			results, err := vm.call(th, fn, []value.Value{arg1, arg2}, depth+1)
			if err != nil {
				return nil, err
			}
			for i := 0; i < c; i++ {
				if i < len(results) {
					*vm.reg(th, ci, a+3+i) = results[i]
				} else {
					*vm.reg(th, ci, a+3+i) = value.Nil
				}
			}

		case OpTForLoop:
			if !vm.reg(th, ci, a+1).IsNil() {
				*vm.reg(th, ci, a) = *vm.reg(th, ci, a+1)
				ci.PC += decodeSBx(instr)
			}

		case OpSetList:
			b, c := decodeB(instr), decodeC(instr)
			tbl := vm.reg(th, ci, a).AsTable()
			n := b
			if n == 0 {
				n = th.Top - (ci.Base + a + 1)
			}
			for i := 1; i <= n; i++ {
				v := *vm.reg(th, ci, a+i)
				tbl.Set(value.Int(int64((c-1)*50+i)), v)
			}

		case OpClosure:
			bx := decodeBx(instr)
			childProto := proto.Protos[bx]
			upvals := make([]*value.Upvalue, len(childProto.Upvalues))
			for i, desc := range childProto.Upvalues {
				if desc.InStack {
					slot := vm.reg(th, ci, desc.Index)
					upvals[i] = th.Upvalues.Find(slot, ci.Base+desc.Index)
				} else {
					upvals[i] = ci.Closure.Upvalues[desc.Index]
				}
			}
			*vm.reg(th, ci, a) = value.FromClosure(vm.Alloc.NewClosure(childProto, upvals))

		case OpClose:
			th.Upvalues.CloseFrom(ci.Base + a)

		default:
			return nil, vm.wrapErr(proto, ci.PC-1, ErrInvalidOpcode)
		}
	}
}

func (vm *VM) storeResults(th *value.Thread, ci *value.CallInfo, a, c int, results []value.Value) {
	want := c - 1
	if want < 0 {
		th.EnsureStack(ci.Base + a + len(results))
		for i, v := range results {
			*vm.reg(th, ci, a+i) = v
		}
		th.Top = ci.Base + a + len(results)
		return
	}
	for i := 0; i < want; i++ {
		if i < len(results) {
			*vm.reg(th, ci, a+i) = results[i]
		} else {
			*vm.reg(th, ci, a+i) = value.Nil
		}
	}
}

func (vm *VM) wrapErr(proto *value.Prototype, pc int, err error) error {
	line := 0
	if pc >= 0 && pc < len(proto.Lines) {
		line = proto.Lines[pc]
	}
	return fmt.Errorf("%s:%d: %w", proto.Source, line, err)
}

func toInt(v value.Value) (int64, bool) {
	switch v.Tag() {
	case value.TagInt:
		return v.AsInt(), true
	case value.TagFloat:
		f := v.AsFloat()
		if i := int64(f); float64(i) == f {
			return i, true
		}
	}
	return 0, false
}

func toFloat(v value.Value) (float64, bool) { return v.ToFloat() }

var _ = math.Inf
