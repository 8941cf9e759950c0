// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/probechain/probe-lang/meta"
	"github.com/probechain/probe-lang/value"
)

func (vm *VM) metaName(op Opcode) string {
	switch op {
	case OpAdd:
		return meta.Add
	case OpSub:
		return meta.Sub
	case OpMul:
		return meta.Mul
	case OpMod:
		return meta.Mod
	case OpPow:
		return meta.Pow
	case OpDiv:
		return meta.Div
	case OpIDiv:
		return meta.IDiv
	case OpBAnd:
		return meta.BAnd
	case OpBOr:
		return meta.BOr
	case OpBXor:
		return meta.BXor
	case OpShl:
		return meta.Shl
	case OpShr:
		return meta.Shr
	}
	return ""
}

// arith evaluates one binary arithmetic/bitwise operator. Both operands
// being numbers is the fast path; otherwise the corresponding metamethod
// is looked up on either operand's metatable.
func (vm *VM) arith(th *value.Thread, op Opcode, x, y value.Value) (value.Value, error) {
	switch op {
	case OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
		xi, xok := toInt(x)
		yi, yok := toInt(y)
		if xok && yok {
			switch op {
			case OpBAnd:
				return value.Int(xi & yi), nil
			case OpBOr:
				return value.Int(xi | yi), nil
			case OpBXor:
				return value.Int(xi ^ yi), nil
			case OpShl:
				return value.Int(shiftLeft(xi, yi)), nil
			case OpShr:
				return value.Int(shiftLeft(xi, -yi)), nil
			}
		}
	default:
		if x.IsNumber() && y.IsNumber() {
			return vm.numericArith(op, x, y)
		}
	}
	if h, ok := meta.BinHandler(x, y, vm.metaName(op), vm.intern); ok {
		res, err := vm.call(th, h, []value.Value{x, y}, 0)
		if err != nil {
			return value.Nil, err
		}
		if len(res) == 0 {
			return value.Nil, nil
		}
		return res[0], nil
	}
	bad := x
	if x.IsNumber() {
		bad = y
	}
	return value.Nil, fmt.Errorf("attempt to perform arithmetic on a %s value", value.TypeName(bad))
}

// unm evaluates unary minus: the fast path negates a number directly,
// otherwise __unm is looked up on x's own metatable and called with x as
// both arguments, matching the reference's unary-metamethod convention.
func (vm *VM) unm(th *value.Thread, x value.Value) (value.Value, error) {
	switch x.Tag() {
	case value.TagInt:
		return value.Int(-x.AsInt()), nil
	case value.TagFloat:
		return value.Float(-x.AsFloat()), nil
	}
	if h, ok := meta.Field(x, meta.Unm, vm.intern); ok {
		res, err := vm.call(th, h, []value.Value{x, x}, 0)
		if err != nil {
			return value.Nil, err
		}
		if len(res) == 0 {
			return value.Nil, nil
		}
		return res[0], nil
	}
	return value.Nil, fmt.Errorf("attempt to perform arithmetic on a %s value", value.TypeName(x))
}

// bnot evaluates bitwise-not: the fast path coerces x to an integer,
// otherwise __bnot is looked up on x's own metatable and called with x as
// both arguments, mirroring unm's unary-metamethod convention.
func (vm *VM) bnot(th *value.Thread, x value.Value) (value.Value, error) {
	if i, ok := toInt(x); ok {
		return value.Int(^i), nil
	}
	if h, ok := meta.Field(x, meta.BNot, vm.intern); ok {
		res, err := vm.call(th, h, []value.Value{x, x}, 0)
		if err != nil {
			return value.Nil, err
		}
		if len(res) == 0 {
			return value.Nil, nil
		}
		return res[0], nil
	}
	return value.Nil, fmt.Errorf("attempt to perform bitwise operation on a %s value", value.TypeName(x))
}

func shiftLeft(x, n int64) int64 {
	if n <= -64 || n >= 64 {
		return 0
	}
	if n >= 0 {
		return int64(uint64(x) << uint(n))
	}
	return int64(uint64(x) >> uint(-n))
}

func (vm *VM) numericArith(op Opcode, x, y value.Value) (value.Value, error) {
	if x.Tag() == value.TagInt && y.Tag() == value.TagInt &&
		op != OpDiv && op != OpPow {
		xi, yi := x.AsInt(), y.AsInt()
		switch op {
		case OpAdd:
			return value.Int(xi + yi), nil
		case OpSub:
			return value.Int(xi - yi), nil
		case OpMul:
			return value.Int(xi * yi), nil
		case OpMod:
			if yi == 0 {
				return value.Nil, ErrDivByZero
			}
			m := xi % yi
			if m != 0 && (m^yi) < 0 {
				m += yi
			}
			return value.Int(m), nil
		case OpIDiv:
			if yi == 0 {
				return value.Nil, ErrDivByZero
			}
			q := xi / yi
			if (xi%yi != 0) && ((xi < 0) != (yi < 0)) {
				q--
			}
			return value.Int(q), nil
		}
	}
	xf, _ := x.ToFloat()
	yf, _ := y.ToFloat()
	switch op {
	case OpAdd:
		return value.Float(xf + yf), nil
	case OpSub:
		return value.Float(xf - yf), nil
	case OpMul:
		return value.Float(xf * yf), nil
	case OpDiv:
		return value.Float(xf / yf), nil
	case OpPow:
		return value.Float(math.Pow(xf, yf)), nil
	case OpMod:
		m := math.Mod(xf, yf)
		if m != 0 && (m < 0) != (yf < 0) {
			m += yf
		}
		return value.Float(m), nil
	case OpIDiv:
		return value.Float(math.Floor(xf / yf)), nil
	}
	return value.Nil, ErrInvalidOpcode
}

// Index performs a table/metatable-aware read, exposed for host library
// code (e.g. ipairs) that needs __index semantics without going through a
// bytecode GETTABLE instruction.
func (vm *VM) Index(th *value.Thread, obj, key value.Value) (value.Value, error) {
	return vm.index(th, obj, key)
}

func (vm *VM) index(th *value.Thread, obj, key value.Value) (value.Value, error) {
	depth := 0
	for {
		if obj.Tag() == value.TagTable {
			t := obj.AsTable()
			v := t.Get(key)
			if !v.IsNil() {
				return v, nil
			}
			mt := t.Metatable()
			if mt == nil {
				return value.Nil, nil
			}
			h := mt.Get(value.FromString(vm.intern(meta.Index)))
			if h.IsNil() {
				return value.Nil, nil
			}
			if h.Tag() == value.TagClosure {
				res, err := vm.call(th, h, []value.Value{obj, key}, 0)
				if err != nil || len(res) == 0 {
					return value.Nil, err
				}
				return res[0], nil
			}
			obj = h
		} else {
			h, ok := meta.Field(obj, meta.Index, vm.intern)
			if !ok {
				return value.Nil, fmt.Errorf("%w: got %s", ErrNotIndexable, value.TypeName(obj))
			}
			if h.Tag() == value.TagClosure {
				res, err := vm.call(th, h, []value.Value{obj, key}, 0)
				if err != nil || len(res) == 0 {
					return value.Nil, err
				}
				return res[0], nil
			}
			obj = h
		}
		depth++
		if depth > meta.MaxChainDepth {
			return value.Nil, meta.ErrChainTooDeep
		}
	}
}

func (vm *VM) newindex(th *value.Thread, obj, key, val value.Value) error {
	depth := 0
	for {
		if obj.Tag() == value.TagTable {
			t := obj.AsTable()
			if !t.Get(key).IsNil() || t.Metatable() == nil {
				if key.IsNil() {
					return fmt.Errorf("table index is nil")
				}
				t.Set(key, val)
				vm.Alloc.Barrier(obj, key)
				vm.Alloc.Barrier(obj, val)
				return nil
			}
			h := t.Metatable().Get(value.FromString(vm.intern(meta.NewIndex)))
			if h.IsNil() {
				t.Set(key, val)
				return nil
			}
			if h.Tag() == value.TagClosure {
				_, err := vm.call(th, h, []value.Value{obj, key, val}, 0)
				return err
			}
			obj = h
		} else {
			h, ok := meta.Field(obj, meta.NewIndex, vm.intern)
			if !ok {
				return fmt.Errorf("%w: got %s", ErrNotATable, value.TypeName(obj))
			}
			if h.Tag() == value.TagClosure {
				_, err := vm.call(th, h, []value.Value{obj, key, val}, 0)
				return err
			}
			obj = h
		}
		depth++
		if depth > meta.MaxChainDepth {
			return meta.ErrChainTooDeep
		}
	}
}

func (vm *VM) length(th *value.Thread, x value.Value) (value.Value, error) {
	switch x.Tag() {
	case value.TagString:
		return value.Int(int64(x.AsString().Len())), nil
	case value.TagTable:
		t := x.AsTable()
		if mt := t.Metatable(); mt != nil {
			if h := mt.Get(value.FromString(vm.intern(meta.Len))); !h.IsNil() {
				res, err := vm.call(th, h, []value.Value{x}, 0)
				if err != nil || len(res) == 0 {
					return value.Nil, err
				}
				return res[0], nil
			}
		}
		return value.Int(t.Len()), nil
	}
	if h, ok := meta.Field(x, meta.Len, vm.intern); ok {
		res, err := vm.call(th, h, []value.Value{x}, 0)
		if err != nil || len(res) == 0 {
			return value.Nil, err
		}
		return res[0], nil
	}
	return value.Nil, fmt.Errorf("attempt to get length of a %s value", value.TypeName(x))
}

func (vm *VM) concat(th *value.Thread, ci *value.CallInfo, b, c int) (value.Value, error) {
	var sb strings.Builder
	var last value.Value
	for i := b; i <= c; i++ {
		v := *vm.reg(th, ci, i)
		if v.Tag() == value.TagString {
			sb.WriteString(v.AsString().Value())
			last = v
			continue
		}
		if v.IsNumber() {
			sb.WriteString(v.String())
			last = v
			continue
		}
		if h, ok := meta.BinHandler(last, v, meta.Concat, vm.intern); ok {
			res, err := vm.call(th, h, []value.Value{last, v}, 0)
			if err != nil {
				return value.Nil, err
			}
			if len(res) > 0 {
				last = res[0]
				sb.Reset()
				if last.Tag() == value.TagString {
					sb.WriteString(last.AsString().Value())
				}
			}
			continue
		}
		return value.Nil, fmt.Errorf("attempt to concatenate a %s value", value.TypeName(v))
	}
	return value.FromString(vm.intern(sb.String())), nil
}

func (vm *VM) compare(th *value.Thread, op Opcode, x, y value.Value) (bool, error) {
	if x.IsNumber() && y.IsNumber() {
		xf, _ := x.ToFloat()
		yf, _ := y.ToFloat()
		switch op {
		case OpEq:
			return xf == yf, nil
		case OpLt:
			return xf < yf, nil
		case OpLe:
			return xf <= yf, nil
		}
	}
	if x.Tag() == value.TagString && y.Tag() == value.TagString {
		xs, ys := x.AsString().Value(), y.AsString().Value()
		switch op {
		case OpEq:
			return xs == ys, nil
		case OpLt:
			return xs < ys, nil
		case OpLe:
			return xs <= ys, nil
		}
	}
	if op == OpEq {
		if value.RawEqual(x, y) {
			return true, nil
		}
		if x.Tag() != y.Tag() {
			return false, nil
		}
		if h, ok := meta.BinHandler(x, y, meta.Eq, vm.intern); ok {
			res, err := vm.call(th, h, []value.Value{x, y}, 0)
			if err != nil {
				return false, err
			}
			return len(res) > 0 && res[0].Truthy(), nil
		}
		return false, nil
	}
	event := meta.Lt
	if op == OpLe {
		event = meta.Le
	}
	if h, ok := meta.BinHandler(x, y, event, vm.intern); ok {
		res, err := vm.call(th, h, []value.Value{x, y}, 0)
		if err != nil {
			return false, err
		}
		return len(res) > 0 && res[0].Truthy(), nil
	}
	if op == OpLe {
		// a <= b  <=>  not (b < a), the reference fallback when __le is
		// absent but __lt is supplied.
		if h, ok := meta.BinHandler(y, x, meta.Lt, vm.intern); ok {
			res, err := vm.call(th, h, []value.Value{y, x}, 0)
			if err != nil {
				return false, err
			}
			return !(len(res) > 0 && res[0].Truthy()), nil
		}
	}
	return false, fmt.Errorf("attempt to compare %s with %s", value.TypeName(x), value.TypeName(y))
}

func (vm *VM) forPrep(th *value.Thread, ci *value.CallInfo, a int) error {
	initV := *vm.reg(th, ci, a)
	limitV := *vm.reg(th, ci, a+1)
	stepV := *vm.reg(th, ci, a+2)
	if !initV.IsNumber() || !limitV.IsNumber() || !stepV.IsNumber() {
		return fmt.Errorf("'for' initial value must be a number")
	}
	if stepV.Tag() == value.TagInt && stepV.AsInt() == 0 {
		return fmt.Errorf("'for' step is zero")
	}
	if stepV.Tag() == value.TagFloat && stepV.AsFloat() == 0 {
		return fmt.Errorf("'for' step is zero")
	}
	*vm.reg(th, ci, a) = value.Float(mustFloat(initV) - mustFloat(stepV))
	return nil
}

func mustFloat(v value.Value) float64 { f, _ := v.ToFloat(); return f }

func (vm *VM) forLoop(th *value.Thread, ci *value.CallInfo, a int) (bool, error) {
	step := mustFloat(*vm.reg(th, ci, a+2))
	limit := mustFloat(*vm.reg(th, ci, a+1))
	cur := mustFloat(*vm.reg(th, ci, a)) + step
	cont := (step > 0 && cur <= limit) || (step < 0 && cur >= limit)
	if cont {
		*vm.reg(th, ci, a) = value.Float(cur)
		*vm.reg(th, ci, a+3) = value.Float(cur)
	}
	return cont, nil
}
