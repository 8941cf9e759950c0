// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package compiler implements a one-pass, recursive-descent compiler that
// emits register bytecode directly from the token stream; it never builds
// an intermediate abstract syntax tree. Expression compilation is driven
// by expdesc, a small descriptor that records how an expression's value
// will ultimately be materialized (a constant, a local, an upvalue, a
// table access, a pending jump, or a register not yet assigned) and defers
// committing it to a register until the surrounding context demands one.
package compiler

import (
	"fmt"

	"github.com/probechain/probe-lang/token"
	"github.com/probechain/probe-lang/value"
	"github.com/probechain/probe-lang/vm"
)

// NoJump is the sentinel terminating a jump list, mirroring the reference
// compiler's NO_JUMP.
const NoJump = -1

// localVar is one entry of a FuncState's active-local stack.
type localVar struct {
	name    string
	reg     int
	startPC int
	captured bool
}

// blockCnt is one nested block scope: loops record their break-jump list
// here so `break` can patch forward to the block's exit once known.
type blockCnt struct {
	prev        *blockCnt
	breakList   int // jump list, patched at block close
	isLoop      bool
	firstLocal  int // index into FuncState.actives at block entry
	hasUpval    bool
}

// FuncState builds one value.Prototype incrementally. A new FuncState is
// pushed for every nested function literal; it keeps a pointer to its
// enclosing FuncState so that name resolution can walk outward to find
// upvalues.
type FuncState struct {
	proto  *value.Prototype
	parent *FuncState

	actives []localVar // active locals, parallel to register numbers 0..len-1
	freeReg int

	upvalNames []string

	block *blockCnt

	// jpc is the list of jumps that still need a target: pending jumps
	// that fall through to "the next instruction emitted", following the
	// reference compiler's deferred-patch idiom so that a jump can be
	// created before its destination is known.
	jpc int

	constMap map[interface{}]int

	lastLine int

	labels       []labelDesc
	pendingGotos []gotoDesc
}

// labelDesc records a `::name::` target within the current function: its
// instruction address and the active-local count at the point it was
// defined, so a goto into its scope can be checked.
type labelDesc struct {
	name    string
	pc      int
	nactive int
}

// gotoDesc is a goto statement whose label has not yet been seen when the
// goto was parsed; it is resolved the moment a matching label is emitted,
// or reported as an error if the function ends with it still pending.
type gotoDesc struct {
	name    string
	jmpPC   int
	nactive int
	pos     token.Position
}

func newFuncState(source string, parent *FuncState) *FuncState {
	return &FuncState{
		proto:    &value.Prototype{Source: source},
		parent:   parent,
		jpc:      NoJump,
		constMap: make(map[interface{}]int),
	}
}

func (fs *FuncState) nactive() int { return len(fs.actives) }

func (fs *FuncState) reserveRegs(n int) int {
	base := fs.freeReg
	fs.freeReg += n
	if fs.freeReg > fs.proto.MaxStack {
		fs.proto.MaxStack = fs.freeReg
	}
	return base
}

func (fs *FuncState) freeReg1(r int) {
	if r >= fs.nactive() && r == fs.freeReg-1 {
		fs.freeReg--
	}
}

func (fs *FuncState) newLocal(name string) int {
	reg := fs.reserveRegs(1)
	fs.actives = append(fs.actives, localVar{name: name, reg: reg, startPC: len(fs.proto.Code)})
	return reg
}

// resolveLocal looks up name among this function's own active locals,
// searching innermost-declared first (shadowing).
func (fs *FuncState) resolveLocal(name string) (int, bool) {
	for i := len(fs.actives) - 1; i >= 0; i-- {
		if fs.actives[i].name == name {
			return fs.actives[i].reg, true
		}
	}
	return 0, false
}

// resolveUpval finds or creates an upvalue capturing name from an
// enclosing function, walking outward recursively. Returns the index into
// this FuncState's upvalue list, or false if name is not found in any
// enclosing scope (i.e. it is a free/global name).
func (fs *FuncState) resolveUpval(name string) (int, bool) {
	for i, n := range fs.upvalNames {
		if n == name {
			return i, true
		}
	}
	if fs.parent == nil {
		return 0, false
	}
	if reg, ok := fs.parent.resolveLocal(name); ok {
		fs.parent.markCaptured(reg)
		fs.upvalNames = append(fs.upvalNames, name)
		fs.proto.Upvalues = append(fs.proto.Upvalues, value.UpvalDesc{Name: name, InStack: true, Index: reg})
		return len(fs.upvalNames) - 1, true
	}
	if idx, ok := fs.parent.resolveUpval(name); ok {
		fs.upvalNames = append(fs.upvalNames, name)
		fs.proto.Upvalues = append(fs.proto.Upvalues, value.UpvalDesc{Name: name, InStack: false, Index: idx})
		return len(fs.upvalNames) - 1, true
	}
	return 0, false
}

func (fs *FuncState) markCaptured(reg int) {
	for i := range fs.actives {
		if fs.actives[i].reg == reg {
			fs.actives[i].captured = true
		}
	}
	if fs.block != nil {
		fs.block.hasUpval = true
	}
}

func (fs *FuncState) enterBlock(isLoop bool) {
	fs.block = &blockCnt{prev: fs.block, breakList: NoJump, isLoop: isLoop, firstLocal: len(fs.actives)}
}

func (fs *FuncState) leaveBlock() int {
	b := fs.block
	fs.actives = fs.actives[:b.firstLocal]
	fs.freeReg = fs.nactive()
	fs.block = b.prev
	return b.breakList
}

// emit appends instr at the current line, returning its pc.
func (fs *FuncState) emit(instr value.Instruction) int {
	return fs.proto.EmitCode(instr, fs.lastLine)
}

func (fs *FuncState) emitABC(op vm.Opcode, a, b, c int) int { return fs.emit(vm.Encode(op, a, b, c)) }
func (fs *FuncState) emitABx(op vm.Opcode, a, bx int) int   { return fs.emit(vm.EncodeBx(op, a, bx)) }
func (fs *FuncState) emitAsBx(op vm.Opcode, a, sbx int) int { return fs.emit(vm.EncodeSBx(op, a, sbx)) }

func (fs *FuncState) pc() int { return len(fs.proto.Code) }

// emitJump appends an unconditional JMP with a not-yet-known target and
// returns its pc so the caller can later patch it via patchList/patchHere.
func (fs *FuncState) emitJump() int {
	return fs.emitAsBx(vm.OpJmp, 0, NoJump)
}

// patchListTo sets every jump in the list (linked via each JMP's own sBx
// field, NoJump-terminated) to target pc `target`.
func (fs *FuncState) patchListTo(list, target int) {
	for list != NoJump {
		instr := fs.proto.Code[list]
		next := vm.DecodeSBx(instr)
		a := vm.DecodeA(instr)
		offset := target - (list + 1)
		fs.proto.Code[list] = vm.EncodeSBx(vm.DecodeOp(instr), a, offset)
		list = next
	}
}

func (fs *FuncState) patchHere(list int) { fs.patchListTo(list, fs.pc()) }

// concatJumps appends list2 onto the end of jump-list list1 (both encoded
// via each JMP instruction's sBx field storing the pc of the next link,
// NoJump terminated), returning the combined list's head.
func (fs *FuncState) concatJumps(list1, list2 int) int {
	if list2 == NoJump {
		return list1
	}
	if list1 == NoJump {
		return list2
	}
	l := list1
	for {
		next := vm.DecodeSBx(fs.proto.Code[l])
		if next == NoJump {
			break
		}
		l = next
	}
	instr := fs.proto.Code[l]
	a := vm.DecodeA(instr)
	fs.proto.Code[l] = vm.EncodeSBx(vm.OpJmp, a, list2)
	return list1
}

// addConstant interns val into the prototype's constant pool, deduplicating
// by (tag, raw bits/ref) using a Go map keyed on a hashable projection
// since value.Value itself isn't comparable when it wraps a *String.
func (fs *FuncState) addConstant(val value.Value) int {
	var key interface{}
	switch val.Tag() {
	case value.TagNil:
		key = "nil"
	case value.TagBool:
		key = val.AsBool()
	case value.TagInt:
		key = val.AsInt()
	case value.TagFloat:
		key = val.AsFloat()
	case value.TagString:
		key = "s:" + val.AsString().Value()
	default:
		return fs.proto.AddConstant(val)
	}
	if idx, ok := fs.constMap[key]; ok {
		return idx
	}
	idx := fs.proto.AddConstant(val)
	fs.constMap[key] = idx
	return idx
}

func (fs *FuncState) errorf(pos token.Position, format string, args ...interface{}) error {
	return &CompileError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// findLabel looks up a label already defined in this function by name.
func (fs *FuncState) findLabel(name string) (labelDesc, bool) {
	for _, l := range fs.labels {
		if l.name == name {
			return l, true
		}
	}
	return labelDesc{}, false
}

// defineLabel records a label at the current pc, resolving any pending
// gotos of the same name that precede it (forward gotos). Returns an error
// if the name is already defined in this function.
func (fs *FuncState) defineLabel(name string, pos token.Position) error {
	if _, ok := fs.findLabel(name); ok {
		return fs.errorf(pos, "label '%s' already defined in this function", name)
	}
	l := labelDesc{name: name, pc: fs.pc(), nactive: fs.nactive()}
	fs.labels = append(fs.labels, l)

	remaining := fs.pendingGotos[:0]
	for _, g := range fs.pendingGotos {
		if g.name == name {
			fs.closeAndPatchGoto(g, l)
		} else {
			remaining = append(remaining, g)
		}
	}
	fs.pendingGotos = remaining
	return nil
}

// closeAndPatchGoto patches a goto's jump to land on label l, closing
// upvalues captured by locals that go out of scope between the goto and
// the label if the label's active-local count is lower (jumping out of a
// local's scope).
func (fs *FuncState) closeAndPatchGoto(g gotoDesc, l labelDesc) {
	instr := fs.proto.Code[g.jmpPC]
	a := 0
	if l.nactive < g.nactive {
		a = l.nactive + 1
	}
	_ = instr
	offset := l.pc - (g.jmpPC + 1)
	fs.proto.Code[g.jmpPC] = vm.EncodeSBx(vm.OpJmp, a, offset)
}

// addGoto emits an unconditional jump for a goto statement and records it
// as pending if no matching label has been seen yet in this function.
func (fs *FuncState) addGoto(name string, pos token.Position) {
	jmpPC := fs.emitJump()
	if l, ok := fs.findLabel(name); ok {
		fs.closeAndPatchGoto(gotoDesc{name: name, jmpPC: jmpPC, nactive: fs.nactive(), pos: pos}, l)
		return
	}
	fs.pendingGotos = append(fs.pendingGotos, gotoDesc{name: name, jmpPC: jmpPC, nactive: fs.nactive(), pos: pos})
}

// checkPendingGotos reports an error for the first goto statement left
// unresolved when the function body finishes compiling.
func (fs *FuncState) checkPendingGotos() error {
	if len(fs.pendingGotos) == 0 {
		return nil
	}
	g := fs.pendingGotos[0]
	return fs.errorf(g.pos, "no visible label '%s' for goto", g.name)
}
