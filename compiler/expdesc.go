// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package compiler

import (
	"github.com/probechain/probe-lang/value"
	"github.com/probechain/probe-lang/vm"
)

// ekind is the expression-descriptor discriminant: it records where an
// expression's value currently lives, deferring the choice of a concrete
// register until the context using the expression forces one.
type ekind int

const (
	eVoid    ekind = iota // no value
	eNil
	eTrue
	eFalse
	eKNum                 // numeric constant, not yet in the constant pool
	eK                    // info = constant pool index
	eLocal                // info = register number
	eUpval                // info = upvalue index
	eIndexed              // table = register/RK, key = RK; indexed access not yet performed
	eJmp // info = pc of the JMP following a comparison's condition test;
	// the comparison opcode itself sits at info-1
	eReloc                // info = pc of an instruction whose A operand is not yet assigned
	eCall                 // info = pc of an OpCall whose result register is not yet fixed
	eVararg               // info = pc of an OpVararg
	eNonReloc             // info = register number, already holding the final value
)

// expdesc describes one expression mid-compilation.
type expdesc struct {
	kind ekind
	info int // meaning depends on kind, see ekind doc comments
	nval float64
	ival int64
	isInt bool

	table   int // for eIndexed: register/RK of the table
	tableIsUp bool
	key     int // for eIndexed: RK of the key

	// t/f are jump lists: instructions that jump to "here" when this
	// expression evaluates true (t) or false (f), used for short-circuit
	// and/or and relational operators. Every expdesc carries both lists,
	// NoJump-terminated when empty.
	t, f int
}

func voidExpr() expdesc  { return expdesc{kind: eVoid, t: NoJump, f: NoJump} }
func nilExpr() expdesc   { return expdesc{kind: eNil, t: NoJump, f: NoJump} }
func trueExpr() expdesc  { return expdesc{kind: eTrue, t: NoJump, f: NoJump} }
func falseExpr() expdesc { return expdesc{kind: eFalse, t: NoJump, f: NoJump} }

func intExpr(v int64) expdesc   { return expdesc{kind: eKNum, ival: v, isInt: true, t: NoJump, f: NoJump} }
func floatExpr(v float64) expdesc { return expdesc{kind: eKNum, nval: v, t: NoJump, f: NoJump} }

func (e *expdesc) hasJumps() bool { return e.t != e.f || e.t != NoJump }

// dischargeVars ensures an expression with kind eLocal/eUpval/eIndexed is
// converted into a form that can be read without re-evaluating side
// effects twice: locals/upvalues become eNonReloc/direct read descriptors,
// and indexed accesses are turned into a GETTABLE/GETTABUP emission
// (eReloc), matching the reference compiler's discharge2reg step.
func (c *compilerState) dischargeVars(e *expdesc) {
	switch e.kind {
	case eLocal:
		e.kind = eNonReloc
	case eUpval:
		pc := c.fs.emitABC(vm.OpGetUpval, 0, e.info, 0)
		e.kind = eReloc
		e.info = pc
	case eIndexed:
		// release the key and table temporaries before the result is placed
		if !vm.IsK(e.key) {
			c.fs.freeReg1(e.key)
		}
		if !e.tableIsUp {
			c.fs.freeReg1(e.table)
		}
		var pc int
		if e.tableIsUp {
			pc = c.fs.emitABC(vm.OpGetTabUp, 0, e.table, e.key)
		} else {
			pc = c.fs.emitABC(vm.OpGetTable, 0, e.table, e.key)
		}
		e.kind = eReloc
		e.info = pc
	case eCall:
		e.kind = eNonReloc
		e.info = vm.DecodeA(c.fs.proto.Code[e.info])
	case eVararg:
		c.setOpA(e.info, 0)
		// leave kind as eVararg's materialized single value
		e.kind = eReloc
	}
}

func (c *compilerState) setOpA(pc, a int) {
	instr := c.fs.proto.Code[pc]
	op := vm.DecodeOp(instr)
	b := vm.DecodeB(instr)
	cc := vm.DecodeC(instr)
	c.fs.proto.Code[pc] = vm.Encode(op, a, b, cc)
}

// exprToNextReg forces e into the next free register (freeing any
// registers e was reading from first), leaving it in eNonReloc form.
func (c *compilerState) exprToNextReg(e *expdesc) {
	c.dischargeVars(e)
	c.freeExpr(e)
	r := c.fs.reserveRegs(1)
	c.exprToSpecificReg(e, r)
}

func (c *compilerState) freeExpr(e *expdesc) {
	if e.kind == eNonReloc {
		c.fs.freeReg1(e.info)
	}
}

// exprToSpecificReg materializes e into register r: constants are loaded
// via LOADK, jump expressions resolve to a LOADBOOL pair, relocatable
// instructions have their destination register patched in place.
func (c *compilerState) exprToSpecificReg(e *expdesc, r int) {
	c.dischargeVars(e)
	switch e.kind {
	case eNil:
		c.fs.emitABC(vm.OpLoadNil, r, 0, 0)
	case eTrue:
		c.fs.emitABC(vm.OpLoadBool, r, 1, 0)
	case eFalse:
		c.fs.emitABC(vm.OpLoadBool, r, 0, 0)
	case eKNum:
		idx := c.fs.addConstant(numVal(e))
		c.fs.emitABx(vm.OpLoadK, r, idx)
	case eK:
		c.fs.emitABx(vm.OpLoadK, r, e.info)
	case eReloc:
		c.setOpA(e.info, r)
	case eNonReloc:
		if e.info != r {
			c.fs.emitABC(vm.OpMove, r, e.info, 0)
		}
	case eJmp:
		e.t = c.fs.concatJumps(e.t, e.info)
	case eVoid:
		// nothing to materialize
	}
	if e.hasJumps() {
		c.patchBoolJumps(e, r)
		e.t, e.f = NoJump, NoJump
	}
	e.kind = eNonReloc
	e.info = r
}

func numVal(e *expdesc) value.Value {
	if e.isInt {
		return value.Int(e.ival)
	}
	return value.Float(e.nval)
}

// patchBoolJumps resolves the true/false jump lists of a relational or
// logical expression into a concrete boolean materialized in register r,
// via the LOADBOOL-with-skip idiom: a true-branch LOADBOOL true (skip
// next), a false-branch LOADBOOL false, and the two outer jump lists
// patched to land on whichever half applies.
func (c *compilerState) patchBoolJumps(e *expdesc, r int) {
	pf, pt := NoJump, NoJump
	if c.needsBoolMaterialization(e) {
		// A pending comparison (eJmp) has no value in r yet, so its
		// fall-through path runs straight into the false LOADBOOL.
		jmp := NoJump
		if e.kind != eJmp {
			jmp = c.fs.emitJump()
		}
		pf = c.fs.pc()
		c.fs.emitABC(vm.OpLoadBool, r, 0, 1)
		pt = c.fs.pc()
		c.fs.emitABC(vm.OpLoadBool, r, 1, 0)
		c.fs.patchHere(jmp)
	}
	end := c.fs.pc()
	c.fs.patchListTo(e.f, pf)
	c.fs.patchListTo(e.t, pt)
	_ = end
}

func (c *compilerState) needsBoolMaterialization(e *expdesc) bool {
	return e.t != NoJump || e.f != NoJump
}

// exprToRK returns an RK-encoded operand for e: if e is already a constant
// it is added to the pool and returned as RK(K); otherwise e is forced
// into a register and returned as RK(register).
func (c *compilerState) exprToRK(e *expdesc) int {
	c.dischargeVars(e)
	switch e.kind {
	case eNil:
		return vm.RKAsK(c.fs.addConstant(value.Nil))
	case eTrue:
		return vm.RKAsK(c.fs.addConstant(value.Bool(true)))
	case eFalse:
		return vm.RKAsK(c.fs.addConstant(value.Bool(false)))
	case eKNum:
		return vm.RKAsK(c.fs.addConstant(numVal(e)))
	case eK:
		return vm.RKAsK(e.info)
	}
	c.exprToAnyReg(e)
	return e.info
}

// exprToAnyReg materializes e into some register (reusing its current one
// if it already has one) without necessarily being the next free register.
func (c *compilerState) exprToAnyReg(e *expdesc) {
	c.dischargeVars(e)
	if e.kind == eNonReloc {
		if !e.hasJumps() {
			return
		}
		if e.info >= c.fs.nactive() {
			c.patchBoolJumps(e, e.info)
			return
		}
	}
	c.exprToNextReg(e)
}

// goIfTrue/goIfFalse implement short-circuit and/or: they append a
// TEST/TESTSET+JMP pair that jumps to e's false (respectively true) list
// when the condition doesn't hold, letting the caller defer materializing
// a concrete boolean until both operands of the logical expression are
// known.
func (c *compilerState) goIfTrue(e *expdesc) {
	c.dischargeVars(e)
	var jmp int
	switch e.kind {
	case eKNum, eTrue:
		jmp = NoJump // always true: no jump needed, falls through
	default:
		jmp = c.jumpOnCond(e, false)
	}
	e.f = c.fs.concatJumps(e.f, jmp)
	c.fs.patchHere(e.t)
	e.t = NoJump
}

func (c *compilerState) goIfFalse(e *expdesc) {
	c.dischargeVars(e)
	var jmp int
	switch e.kind {
	case eNil, eFalse:
		jmp = NoJump
	default:
		jmp = c.jumpOnCond(e, true)
	}
	e.t = c.fs.concatJumps(e.t, jmp)
	c.fs.patchHere(e.f)
	e.f = NoJump
}

// jumpOnCond emits a TEST(Set) + JMP testing e's truthiness against cond,
// returning the jump's pc for the caller to fold into a jump list.
func (c *compilerState) jumpOnCond(e *expdesc, cond bool) int {
	if e.kind == eReloc {
		instr := c.fs.proto.Code[e.info]
		if vm.DecodeOp(instr) == vm.OpNot {
			// fold `not x` directly into the TEST polarity
			b := vm.DecodeB(instr)
			c.fs.proto.Code = c.fs.proto.Code[:e.info]
			c.fs.proto.Lines = c.fs.proto.Lines[:e.info]
			return c.emitTestJump(b, !cond)
		}
	}
	c.exprToAnyReg(e)
	c.freeExpr(e)
	return c.emitTestJump(e.info, cond)
}

func (c *compilerState) emitTestJump(reg int, cond bool) int {
	b := 0
	if cond {
		b = 1
	}
	c.fs.emitABC(vm.OpTest, reg, 0, b)
	return c.fs.emitJump()
}
