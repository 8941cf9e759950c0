// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package compiler

import "github.com/probechain/probe-lang/vm"

// binOp identifies a binary operator for precedence-climbing parsing,
// kept distinct from any single vm.Opcode since several operators
// (and/or, the (in)equality/order family) need bespoke codegen rather
// than a single direct-mapped instruction.
type binOp int

const (
	binNone binOp = iota
	binAdd
	binSub
	binMul
	binMod
	binPow
	binDiv
	binIDiv
	binBAnd
	binBOr
	binBXor
	binShl
	binShr
	binConcat
	binEq
	binNeq
	binLt
	binLe
	binGt
	binGe
	binAnd
	binOr
)

// priority holds the left/right binding power of each operator; a
// right priority lower than its left makes the operator right-
// associative (concat, power).
type priority struct{ left, right int }

var binPriority = map[binOp]priority{
	binAdd: {10, 10}, binSub: {10, 10},
	binMul: {11, 11}, binMod: {11, 11},
	binPow:  {14, 13},
	binDiv:  {11, 11}, binIDiv: {11, 11},
	binBAnd: {6, 6}, binBOr: {4, 4}, binBXor: {5, 5},
	binShl: {7, 7}, binShr: {7, 7},
	binConcat: {9, 8},
	binEq:     {3, 3}, binNeq: {3, 3},
	binLt: {3, 3}, binLe: {3, 3}, binGt: {3, 3}, binGe: {3, 3},
	binAnd: {2, 2}, binOr: {1, 1},
}

const unaryPriority = 12

var arithOpcode = map[binOp]vm.Opcode{
	binAdd: vm.OpAdd, binSub: vm.OpSub, binMul: vm.OpMul, binMod: vm.OpMod,
	binPow: vm.OpPow, binDiv: vm.OpDiv, binIDiv: vm.OpIDiv,
	binBAnd: vm.OpBAnd, binBOr: vm.OpBOr, binBXor: vm.OpBXor,
	binShl: vm.OpShl, binShr: vm.OpShr,
}

func (c *compilerState) getBinOp() binOp {
	switch {
	case c.is("+"):
		return binAdd
	case c.is("-"):
		return binSub
	case c.is("*"):
		return binMul
	case c.is("%"):
		return binMod
	case c.is("^"):
		return binPow
	case c.is("/"):
		return binDiv
	case c.is("//"):
		return binIDiv
	case c.is("&"):
		return binBAnd
	case c.is("|"):
		return binBOr
	case c.is("~"):
		return binBXor
	case c.is("<<"):
		return binShl
	case c.is(">>"):
		return binShr
	case c.is(".."):
		return binConcat
	case c.is("=="):
		return binEq
	case c.is("~="):
		return binNeq
	case c.is("<"):
		return binLt
	case c.is("<="):
		return binLe
	case c.is(">"):
		return binGt
	case c.is(">="):
		return binGe
	case c.is("and"):
		return binAnd
	case c.is("or"):
		return binOr
	default:
		return binNone
	}
}

func (c *compilerState) getUnOp() string {
	switch {
	case c.is("-"):
		return "-"
	case c.is("not"):
		return "not"
	case c.is("#"):
		return "#"
	case c.is("~"):
		return "~"
	default:
		return ""
	}
}

// expr parses a full expression at the lowest precedence.
func (c *compilerState) expr() (expdesc, error) { return c.subexpr(0) }

// subexpr is the classic precedence-climbing core: it parses one operand
// (possibly unary-prefixed), then repeatedly folds in binary operators
// whose left-binding power exceeds limit, recursing on the right operand
// at that operator's right-binding power.
func (c *compilerState) subexpr(limit int) (expdesc, error) {
	var e expdesc
	if uop := c.getUnOp(); uop != "" {
		if err := c.next(); err != nil {
			return expdesc{}, err
		}
		operand, err := c.subexpr(unaryPriority)
		if err != nil {
			return expdesc{}, err
		}
		e = c.prefix(uop, operand)
	} else {
		var err error
		e, err = c.simpleExpr()
		if err != nil {
			return expdesc{}, err
		}
	}
	op := c.getBinOp()
	for op != binNone && binPriority[op].left > limit {
		if err := c.next(); err != nil {
			return expdesc{}, err
		}
		c.infix(op, &e)
		e2, err := c.subexpr(binPriority[op].right)
		if err != nil {
			return expdesc{}, err
		}
		e = c.postfix(op, &e, &e2)
		op = c.getBinOp()
	}
	return e, nil
}

// infix runs just after the operator token is consumed but before the
// right operand is parsed, so and/or can thread their short-circuit jump
// lists and concat can force its left operand into a register ahead of
// its (adjacent-register) right operand.
func (c *compilerState) infix(op binOp, e *expdesc) {
	switch op {
	case binAnd:
		c.goIfTrue(e)
	case binOr:
		c.goIfFalse(e)
	case binConcat:
		c.exprToNextReg(e)
	default:
		c.exprToRK(e)
	}
}

func (c *compilerState) postfix(op binOp, e1, e2 *expdesc) expdesc {
	switch op {
	case binAnd:
		return c.postfixAnd(e1, e2)
	case binOr:
		return c.postfixOr(e1, e2)
	case binConcat:
		return c.emitConcat(e1, e2)
	case binEq:
		return c.emitEquality(true, e1, e2)
	case binNeq:
		return c.emitEquality(false, e1, e2)
	case binLt, binLe, binGt, binGe:
		return c.emitOrder(op, e1, e2)
	default:
		return c.emitBinArith(arithOpcode[op], e1, e2)
	}
}

func (c *compilerState) postfixAnd(e1, e2 *expdesc) expdesc {
	c.dischargeVars(e2)
	e2.f = c.fs.concatJumps(e2.f, e1.f)
	return *e2
}

func (c *compilerState) postfixOr(e1, e2 *expdesc) expdesc {
	c.dischargeVars(e2)
	e2.t = c.fs.concatJumps(e2.t, e1.t)
	return *e2
}

// emitBinArith forces both operands to RK operands (registers or
// constant-pool slots) and emits op, freeing the operands' registers in
// reverse allocation order.
func (c *compilerState) emitBinArith(op vm.Opcode, e1, e2 *expdesc) expdesc {
	rk1 := c.exprToRK(e1)
	rk2 := c.exprToRK(e2)
	c.freeExpr(e2)
	c.freeExpr(e1)
	pc := c.fs.emitABC(op, 0, rk1, rk2)
	return expdesc{kind: eReloc, info: pc, t: NoJump, f: NoJump}
}

// emitEquality emits OP_EQ with the condition bit set so the following
// JMP is taken exactly when the runtime comparison matches isEq.
func (c *compilerState) emitEquality(isEq bool, e1, e2 *expdesc) expdesc {
	rk1 := c.exprToRK(e1)
	rk2 := c.exprToRK(e2)
	c.freeExpr(e2)
	c.freeExpr(e1)
	cond := 0
	if isEq {
		cond = 1
	}
	c.fs.emitABC(vm.OpEq, cond, rk1, rk2)
	pc := c.fs.emitJump()
	return expdesc{kind: eJmp, info: pc, t: NoJump, f: NoJump}
}

// emitOrder handles <, <=, >, >= — the latter two are compiled as their
// mirror (a>b becomes b<a) since the VM only has LT/LE instructions.
func (c *compilerState) emitOrder(op binOp, e1, e2 *expdesc) expdesc {
	useOp := vm.OpLt
	a1, a2 := e1, e2
	switch op {
	case binLt:
		useOp = vm.OpLt
	case binLe:
		useOp = vm.OpLe
	case binGt:
		useOp = vm.OpLt
		a1, a2 = e2, e1
	case binGe:
		useOp = vm.OpLe
		a1, a2 = e2, e1
	}
	rk1 := c.exprToRK(a1)
	rk2 := c.exprToRK(a2)
	c.freeExpr(a2)
	c.freeExpr(a1)
	c.fs.emitABC(useOp, 1, rk1, rk2)
	pc := c.fs.emitJump()
	return expdesc{kind: eJmp, info: pc, t: NoJump, f: NoJump}
}

// emitConcat forces both operands into adjacent registers (e1 already
// sits there via infix's exprToNextReg) and emits a single CONCAT
// spanning them.
func (c *compilerState) emitConcat(e1, e2 *expdesc) expdesc {
	c.exprToNextReg(e2)
	c.freeExpr(e2)
	c.freeExpr(e1)
	pc := c.fs.emitABC(vm.OpConcat, 0, e1.info, e2.info)
	return expdesc{kind: eReloc, info: pc, t: NoJump, f: NoJump}
}

func (c *compilerState) prefix(uop string, e expdesc) expdesc {
	switch uop {
	case "not":
		return c.codeNot(e)
	case "-":
		c.dischargeVars(&e)
		if e.kind == eKNum {
			if e.isInt {
				e.ival = -e.ival
			} else {
				e.nval = -e.nval
			}
			return e
		}
		c.exprToAnyReg(&e)
		c.freeExpr(&e)
		pc := c.fs.emitABC(vm.OpUnm, 0, e.info, 0)
		return expdesc{kind: eReloc, info: pc, t: NoJump, f: NoJump}
	case "#":
		c.exprToAnyReg(&e)
		c.freeExpr(&e)
		pc := c.fs.emitABC(vm.OpLen, 0, e.info, 0)
		return expdesc{kind: eReloc, info: pc, t: NoJump, f: NoJump}
	case "~":
		c.dischargeVars(&e)
		if e.kind == eKNum && e.isInt {
			e.ival = ^e.ival
			return e
		}
		c.exprToAnyReg(&e)
		c.freeExpr(&e)
		pc := c.fs.emitABC(vm.OpBNot, 0, e.info, 0)
		return expdesc{kind: eReloc, info: pc, t: NoJump, f: NoJump}
	}
	return e
}

// codeNot implements logical negation: constants fold directly, a
// pending comparison's condition bit is flipped in place, and anything
// else is negated with an explicit NOT instruction. The true/false jump
// lists are swapped either way (De Morgan), matching the reference
// compiler's codenot.
func (c *compilerState) codeNot(e expdesc) expdesc {
	c.dischargeVars(&e)
	switch e.kind {
	case eNil, eFalse:
		e.kind = eTrue
	case eKNum, eK, eTrue:
		e.kind = eFalse
	case eJmp:
		instr := c.fs.proto.Code[e.info-1]
		a := vm.DecodeA(instr)
		op := vm.DecodeOp(instr)
		b := vm.DecodeB(instr)
		cc := vm.DecodeC(instr)
		na := 1
		if a != 0 {
			na = 0
		}
		c.fs.proto.Code[e.info-1] = vm.Encode(op, na, b, cc)
	default:
		c.exprToAnyReg(&e)
		c.freeExpr(&e)
		pc := c.fs.emitABC(vm.OpNot, 0, e.info, 0)
		e = expdesc{kind: eReloc, info: pc, t: NoJump, f: NoJump}
	}
	e.t, e.f = e.f, e.t
	return e
}
