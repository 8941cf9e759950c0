// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package vm implements the register-based bytecode interpreter: the
// instruction encoding, the fetch-decode-dispatch loop, call/return
// handling, and metamethod-aware arithmetic/comparison/indexing.
package vm

import (
	"fmt"

	"github.com/probechain/probe-lang/value"
)

// Opcode identifies one of the instructions the dispatcher understands.
type Opcode uint8

const (
	OpMove     Opcode = iota // A B:    R(A) := R(B)
	OpLoadK                  // A Bx:   R(A) := K(Bx)
	OpLoadKX                 // A:      R(A) := K(extra arg); next instr is EXTRAARG
	OpLoadBool               // A B C:  R(A) := bool(B); if C then pc++
	OpLoadNil                // A B:    R(A..A+B) := nil
	OpGetUpval               // A B:    R(A) := Upval(B)
	OpSetUpval               // A B:    Upval(B) := R(A)
	OpGetTabUp               // A B C:  R(A) := Upval(B)[RK(C)]
	OpSetTabUp               // A B C:  Upval(A)[RK(B)] := RK(C)
	OpNewTable               // A B C:  R(A) := {} sized for B array slots, C hash slots
	OpGetTable               // A B C:  R(A) := R(B)[RK(C)]
	OpSetTable               // A B C:  R(A)[RK(B)] := RK(C)
	OpSelf                   // A B C:  R(A+1) := R(B); R(A) := R(B)[RK(C)]
	OpAdd                    // A B C:  R(A) := RK(B) + RK(C)
	OpSub                    // A B C:  R(A) := RK(B) - RK(C)
	OpMul                    // A B C:  R(A) := RK(B) * RK(C)
	OpMod                    // A B C:  R(A) := RK(B) % RK(C)
	OpPow                    // A B C:  R(A) := RK(B) ^ RK(C)
	OpDiv                    // A B C:  R(A) := RK(B) / RK(C)
	OpIDiv                   // A B C:  R(A) := RK(B) // RK(C)
	OpBAnd                   // A B C:  R(A) := RK(B) & RK(C)
	OpBOr                    // A B C:  R(A) := RK(B) | RK(C)
	OpBXor                   // A B C:  R(A) := RK(B) ~ RK(C)
	OpShl                    // A B C:  R(A) := RK(B) << RK(C)
	OpShr                    // A B C:  R(A) := RK(B) >> RK(C)
	OpUnm                    // A B:    R(A) := -R(B)
	OpBNot                   // A B:    R(A) := ~R(B)
	OpNot                    // A B:    R(A) := not R(B)
	OpLen                    // A B:    R(A) := #R(B)
	OpConcat                 // A B C:  R(A) := R(B) .. ... .. R(C)
	OpJmp                    // A sBx:  pc += sBx; if A then close upvalues >= R(A-1)
	OpEq                     // A B C:  if (RK(B) == RK(C)) != A then pc++
	OpLt                     // A B C:  if (RK(B) <  RK(C)) != A then pc++
	OpLe                     // A B C:  if (RK(B) <= RK(C)) != A then pc++
	OpTest                   // A C:    if bool(R(A)) != C then pc++
	OpTestSet                // A B C:  if bool(R(B)) == C then R(A) := R(B) else pc++
	OpCall                   // A B C:  call R(A) with B-1 args, want C-1 results
	OpTailCall               // A B C:  tail call R(A) with B-1 args
	OpReturn                 // A B:    return R(A)..R(A+B-2)
	OpVararg                 // A B:    R(A..A+B-2) := varargs
	OpForLoop                // A sBx:  numeric for step
	OpForPrep                // A sBx:  numeric for init
	OpTForCall               // A C:    generic for call
	OpTForLoop               // A sBx:  generic for loop check
	OpSetList                // A B C:  R(A)[(C-1)*FPF+i] := R(A+i), 1<=i<=B, C is a 1-based batch index
	OpClosure                // A Bx:   R(A) := closure(KPROTO[Bx])
	OpClose                  // A:      close all upvalues >= R(A)
	OpExtraArg               // Ax:     extra argument for LOADKX
)

// mode identifies the instruction field layout.
type mode uint8

const (
	modeABC mode = iota
	modeABx
	modeAsBx
	modeAx
)

type opInfo struct {
	name string
	mode mode
}

var opTable = [...]opInfo{
	OpMove:     {"MOVE", modeABC},
	OpLoadK:    {"LOADK", modeABx},
	OpLoadKX:   {"LOADKX", modeABx},
	OpLoadBool: {"LOADBOOL", modeABC},
	OpLoadNil:  {"LOADNIL", modeABC},
	OpGetUpval: {"GETUPVAL", modeABC},
	OpSetUpval: {"SETUPVAL", modeABC},
	OpGetTabUp: {"GETTABUP", modeABC},
	OpSetTabUp: {"SETTABUP", modeABC},
	OpNewTable: {"NEWTABLE", modeABC},
	OpGetTable: {"GETTABLE", modeABC},
	OpSetTable: {"SETTABLE", modeABC},
	OpSelf:     {"SELF", modeABC},
	OpAdd:      {"ADD", modeABC},
	OpSub:      {"SUB", modeABC},
	OpMul:      {"MUL", modeABC},
	OpMod:      {"MOD", modeABC},
	OpPow:      {"POW", modeABC},
	OpDiv:      {"DIV", modeABC},
	OpIDiv:     {"IDIV", modeABC},
	OpBAnd:     {"BAND", modeABC},
	OpBOr:      {"BOR", modeABC},
	OpBXor:     {"BXOR", modeABC},
	OpShl:      {"SHL", modeABC},
	OpShr:      {"SHR", modeABC},
	OpUnm:      {"UNM", modeABC},
	OpBNot:     {"BNOT", modeABC},
	OpNot:      {"NOT", modeABC},
	OpLen:      {"LEN", modeABC},
	OpConcat:   {"CONCAT", modeABC},
	OpJmp:      {"JMP", modeAsBx},
	OpEq:       {"EQ", modeABC},
	OpLt:       {"LT", modeABC},
	OpLe:       {"LE", modeABC},
	OpTest:     {"TEST", modeABC},
	OpTestSet:  {"TESTSET", modeABC},
	OpCall:     {"CALL", modeABC},
	OpTailCall: {"TAILCALL", modeABC},
	OpReturn:   {"RETURN", modeABC},
	OpVararg:   {"VARARG", modeABC},
	OpForLoop:  {"FORLOOP", modeAsBx},
	OpForPrep:  {"FORPREP", modeAsBx},
	OpTForCall: {"TFORCALL", modeABC},
	OpTForLoop: {"TFORLOOP", modeAsBx},
	OpSetList:  {"SETLIST", modeABC},
	OpClosure:  {"CLOSURE", modeABx},
	OpClose:    {"CLOSE", modeABC},
	OpExtraArg: {"EXTRAARG", modeAx},
}

func (op Opcode) String() string {
	if int(op) < len(opTable) {
		return opTable[op].name
	}
	return fmt.Sprintf("OP(%d)", op)
}

// Field widths, matching the reference 32-bit instruction layout:
//
//	iABC:  6 bits op, 8 bits A, 9 bits C, 9 bits B   (B,C may carry RK flag)
//	iABx:  6 bits op, 8 bits A, 18 bits Bx
//	iAsBx: 6 bits op, 8 bits A, 18 bits sBx (signed, bias MaxArgSBx/2)
//	iAx:   6 bits op, 26 bits Ax
const (
	sizeOp  = 6
	sizeA   = 8
	sizeB   = 9
	sizeC   = 9
	sizeBx  = sizeB + sizeC
	sizeAx  = sizeA + sizeBx

	posOp = 0
	posA  = posOp + sizeOp
	posC  = posA + sizeA
	posB  = posC + sizeC
	posBx = posC
	posAx = posA

	MaxArgA  = 1<<sizeA - 1
	MaxArgB  = 1<<sizeB - 1
	MaxArgC  = 1<<sizeC - 1
	MaxArgBx = 1<<sizeBx - 1
	MaxArgAx = 1<<sizeAx - 1

	// MaxArgSBx is the bias subtracted from the raw Bx field to recover a
	// signed displacement, so sBx ranges over [-MaxArgSBx, MaxArgSBx+1).
	MaxArgSBx = MaxArgBx >> 1

	// RKFlag marks a B or C operand as a constant-pool index rather than a
	// register number: operand & RKFlag != 0 selects K(operand &^ RKFlag).
	RKFlag = 1 << (sizeB - 1)
)

func encodeABC(op Opcode, a, b, c int) value.Instruction {
	return value.Instruction(uint32(op)<<posOp | uint32(a)<<posA | uint32(b)<<posB | uint32(c)<<posC)
}

func encodeABx(op Opcode, a, bx int) value.Instruction {
	return value.Instruction(uint32(op)<<posOp | uint32(a)<<posA | uint32(bx)<<posBx)
}

func encodeAsBx(op Opcode, a, sbx int) value.Instruction {
	return encodeABx(op, a, sbx+MaxArgSBx)
}

func encodeAx(op Opcode, ax int) value.Instruction {
	return value.Instruction(uint32(op)<<posOp | uint32(ax)<<posAx)
}

// Encode builds an iABC instruction word; EncodeBx, EncodeSBx and EncodeAx
// build the iABx, iAsBx and iAx layouts.
func Encode(op Opcode, a, b, c int) value.Instruction { return encodeABC(op, a, b, c) }
func EncodeBx(op Opcode, a, bx int) value.Instruction { return encodeABx(op, a, bx) }
func EncodeSBx(op Opcode, a, sbx int) value.Instruction { return encodeAsBx(op, a, sbx) }
func EncodeAx(op Opcode, ax int) value.Instruction    { return encodeAx(op, ax) }

func decodeOp(i value.Instruction) Opcode { return Opcode(uint32(i) >> posOp & (1<<sizeOp - 1)) }
func decodeA(i value.Instruction) int     { return int(uint32(i) >> posA & (1<<sizeA - 1)) }
func decodeB(i value.Instruction) int     { return int(uint32(i) >> posB & (1<<sizeB - 1)) }
func decodeC(i value.Instruction) int     { return int(uint32(i) >> posC & (1<<sizeC - 1)) }
func decodeBx(i value.Instruction) int    { return int(uint32(i) >> posBx & (1<<sizeBx - 1)) }
func decodeSBx(i value.Instruction) int   { return decodeBx(i) - MaxArgSBx }
func decodeAx(i value.Instruction) int    { return int(uint32(i) >> posAx & (1<<sizeAx - 1)) }

// Decode* mirror the unexported field accessors for use by the compiler
// package when patching already-emitted jump instructions.
func DecodeOp(i value.Instruction) Opcode { return decodeOp(i) }
func DecodeA(i value.Instruction) int     { return decodeA(i) }
func DecodeB(i value.Instruction) int     { return decodeB(i) }
func DecodeC(i value.Instruction) int     { return decodeC(i) }
func DecodeBx(i value.Instruction) int    { return decodeBx(i) }
func DecodeSBx(i value.Instruction) int   { return decodeSBx(i) }
func DecodeAx(i value.Instruction) int    { return decodeAx(i) }

// IsK reports whether an RK-encoded B/C operand refers to a constant.
func IsK(rk int) bool { return rk&RKFlag != 0 }

// KIndex extracts the constant-pool index from an RK-encoded operand.
func KIndex(rk int) int { return rk &^ RKFlag }

// RKAsK encodes a constant-pool index as an RK operand.
func RKAsK(idx int) int { return idx | RKFlag }

// Disassemble renders one function's code as a human-readable listing,
// one instruction per line, matching the reference disassembler's column
// layout (pc, opcode name, operands).
func Disassemble(proto *value.Prototype) string {
	var out []byte
	for pc, instr := range proto.Code {
		op := decodeOp(instr)
		line := 0
		if pc < len(proto.Lines) {
			line = proto.Lines[pc]
		}
		var operands string
		switch opTable[op].mode {
		case modeABC:
			operands = fmt.Sprintf("%d %d %d", decodeA(instr), decodeB(instr), decodeC(instr))
		case modeABx:
			operands = fmt.Sprintf("%d %d", decodeA(instr), decodeBx(instr))
		case modeAsBx:
			operands = fmt.Sprintf("%d %d", decodeA(instr), decodeSBx(instr))
		case modeAx:
			operands = fmt.Sprintf("%d", decodeAx(instr))
		}
		out = append(out, []byte(fmt.Sprintf("%4d [%d]  %-10s %s\n", pc, line, op, operands))...)
	}
	return string(out)
}
