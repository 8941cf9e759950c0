// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/probechain/probe-lang/lexer"
	"github.com/probechain/probe-lang/token"
	"github.com/probechain/probe-lang/value"
	"github.com/probechain/probe-lang/vm"
)

// CompileError reports a syntax or semantic failure with its source
// position, matching the lexer's Error shape so callers can treat both
// uniformly.
type CompileError struct {
	Pos token.Position
	Msg string
}

func (e *CompileError) Error() string { return fmt.Sprintf("%s: %s", e.Pos, e.Msg) }

// compilerState drives the recursive-descent parse/codegen for a single
// chunk, holding the lexer, the current FuncState chain, and the string
// interner used to dedup string constants.
type compilerState struct {
	lx     *lexer.Lexer
	source string
	intern func(string) *value.String

	fs  *FuncState
	tok lexer.Token
}

// Interner is the subset of value.StringTable the compiler needs to turn
// string literals and identifier names into interned *value.String
// constants.
type Interner interface {
	Intern(string) *value.String
}

// Compile parses and compiles a chunk into a top-level Prototype. The
// top-level chunk is itself a vararg function with no parameters,
// matching the reference "main chunk" convention.
func Compile(source, src string, interner Interner) (*value.Prototype, error) {
	c := &compilerState{
		lx:     lexer.New(source, src),
		source: source,
		intern: interner.Intern,
	}
	c.fs = newFuncState(source, nil)
	c.fs.proto.IsVararg = true
	if err := c.next(); err != nil {
		return nil, err
	}

	if err := c.block(); err != nil {
		return nil, err
	}
	if c.tok.Kind != lexer.KEOF {
		return nil, c.errHere("'<eof>' expected")
	}
	c.fs.emitABC(vm.OpReturn, 0, 1, 0)
	if err := c.fs.checkPendingGotos(); err != nil {
		return nil, err
	}
	c.fs.proto.Freeze()
	return c.fs.proto, nil
}

func (c *compilerState) pos() token.Position {
	return token.Position{Chunk: c.source, Line: c.tok.Line}
}

func (c *compilerState) errHere(format string, args ...interface{}) error {
	return &CompileError{Pos: c.pos(), Msg: fmt.Sprintf(format, args...)}
}

func (c *compilerState) next() error {
	tok, err := c.lx.Next()
	if err != nil {
		return c.wrapLexErr(err)
	}
	c.tok = tok
	c.fs.lastLine = tok.Line
	return nil
}

func (c *compilerState) wrapLexErr(err error) error {
	if le, ok := err.(*lexer.Error); ok {
		return &CompileError{Pos: token.Position{Chunk: le.Chunk, Line: le.Line}, Msg: le.Msg}
	}
	return err
}

// is classifies the current token against a literal spelling (works for
// both KKeywordOrIdent-kind keywords and KPunct); isIdentOnly reports a
// name that is not a reserved word.
func (c *compilerState) is(lit string) bool {
	return (c.tok.Kind == lexer.KKeywordOrIdent || c.tok.Kind == lexer.KPunct) && c.tok.Literal == lit
}

func (c *compilerState) isIdentOnly() bool {
	return c.tok.Kind == lexer.KKeywordOrIdent && token.LookupIdent(c.tok.Literal) == token.IDENT
}

func (c *compilerState) accept(lit string) (bool, error) {
	if c.is(lit) {
		if err := c.next(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (c *compilerState) expect(lit string) error {
	if !c.is(lit) {
		return c.errHere("%q expected near %q", lit, c.tok.Literal)
	}
	return c.next()
}

func (c *compilerState) expectIdent() (string, error) {
	if !c.isIdentOnly() {
		return "", c.errHere("<name> expected near %q", c.tok.Literal)
	}
	name := c.tok.Literal
	return name, c.next()
}

// blockFollow reports whether the current token ends a block (used to stop
// the statement loop without consuming the terminator).
func (c *compilerState) blockFollow() bool {
	if c.tok.Kind == lexer.KEOF {
		return true
	}
	if c.tok.Kind != lexer.KKeywordOrIdent {
		return false
	}
	switch c.tok.Literal {
	case "end", "else", "elseif", "until":
		return true
	}
	return false
}

func (c *compilerState) block() error {
	for !c.blockFollow() {
		if c.is("return") {
			return c.retStat()
		}
		last, err := c.statement()
		if err != nil {
			return err
		}
		if last {
			return nil
		}
	}
	return nil
}

// statement parses one statement, returning true if it was a
// control-terminal statement (currently only return, handled separately,
// so this is always false on success).
func (c *compilerState) statement() (bool, error) {
	switch {
	case c.is(";"):
		return false, c.next()
	case c.is("if"):
		return false, c.ifStat()
	case c.is("while"):
		return false, c.whileStat()
	case c.is("do"):
		if err := c.next(); err != nil {
			return false, err
		}
		c.fs.enterBlock(false)
		if err := c.block(); err != nil {
			return false, err
		}
		c.fs.leaveBlock()
		return false, c.expect("end")
	case c.is("for"):
		return false, c.forStat()
	case c.is("repeat"):
		return false, c.repeatStat()
	case c.is("function"):
		return false, c.functionStat()
	case c.is("local"):
		return false, c.localStat()
	case c.is("break"):
		return false, c.breakStat()
	case c.is("::"):
		return false, c.labelStat()
	case c.is("goto"):
		return false, c.gotoStat()
	default:
		return false, c.exprStat()
	}
}

func (c *compilerState) labelStat() error {
	pos := c.pos()
	if err := c.next(); err != nil {
		return err
	}
	name, err := c.expectIdent()
	if err != nil {
		return err
	}
	if err := c.expect("::"); err != nil {
		return err
	}
	return c.fs.defineLabel(name, pos)
}

func (c *compilerState) gotoStat() error {
	pos := c.pos()
	if err := c.next(); err != nil {
		return err
	}
	name, err := c.expectIdent()
	if err != nil {
		return err
	}
	c.fs.addGoto(name, pos)
	return nil
}

func (c *compilerState) breakStat() error {
	if err := c.next(); err != nil {
		return err
	}
	b := c.fs.block
	for b != nil && !b.isLoop {
		b = b.prev
	}
	if b == nil {
		return c.errHere("break outside a loop")
	}
	jmp := c.fs.emitJump()
	b.breakList = c.fs.concatJumps(b.breakList, jmp)
	return nil
}

func (c *compilerState) retStat() error {
	if err := c.next(); err != nil {
		return err
	}
	if c.blockFollow() || c.is(";") {
		c.fs.emitABC(vm.OpReturn, 0, 1, 0)
	} else {
		base := c.fs.freeReg
		n, multi, err := c.explist()
		if err != nil {
			return err
		}
		if multi {
			c.fs.emitABC(vm.OpReturn, base, 0, 0)
		} else {
			c.fs.emitABC(vm.OpReturn, base, n+1, 0)
		}
	}
	if _, err := c.accept(";"); err != nil {
		return err
	}
	return nil
}

func (c *compilerState) ifStat() error {
	var escapeList = NoJump
	for {
		if err := c.next(); err != nil { // consume 'if'/'elseif'
			return err
		}
		cond, err := c.expr()
		if err != nil {
			return err
		}
		if err := c.expect("then"); err != nil {
			return err
		}
		c.goIfTrue(&cond)
		jumpToElse := cond.f
		c.fs.enterBlock(false)
		if err := c.block(); err != nil {
			return err
		}
		c.fs.leaveBlock()
		if c.is("else") || c.is("elseif") {
			esc := c.fs.emitJump()
			escapeList = c.fs.concatJumps(escapeList, esc)
		}
		c.fs.patchHere(jumpToElse)
		if !c.is("elseif") {
			break
		}
	}
	if ok, err := c.accept("else"); err != nil {
		return err
	} else if ok {
		c.fs.enterBlock(false)
		if err := c.block(); err != nil {
			return err
		}
		c.fs.leaveBlock()
	}
	c.fs.patchHere(escapeList)
	return c.expect("end")
}

func (c *compilerState) whileStat() error {
	topPC := c.fs.pc()
	if err := c.next(); err != nil {
		return err
	}
	cond, err := c.expr()
	if err != nil {
		return err
	}
	if err := c.expect("do"); err != nil {
		return err
	}
	c.goIfTrue(&cond)
	exitJmp := cond.f
	c.fs.enterBlock(true)
	if err := c.block(); err != nil {
		return err
	}
	breakList := c.fs.leaveBlock()
	back := c.fs.emitJump()
	c.fs.patchListTo(back, topPC)
	c.fs.patchHere(exitJmp)
	c.fs.patchHere(breakList)
	return c.expect("end")
}

func (c *compilerState) repeatStat() error {
	topPC := c.fs.pc()
	if err := c.next(); err != nil {
		return err
	}
	c.fs.enterBlock(true)
	if err := c.block(); err != nil {
		return err
	}
	if err := c.expect("until"); err != nil {
		return err
	}
	cond, err := c.expr()
	if err != nil {
		return err
	}
	c.goIfTrue(&cond)
	breakList := c.fs.leaveBlock()
	c.fs.patchListTo(cond.f, topPC)
	c.fs.patchHere(breakList)
	return nil
}

func (c *compilerState) forStat() error {
	if err := c.next(); err != nil {
		return err
	}
	name, err := c.expectIdent()
	if err != nil {
		return err
	}
	if c.is("=") {
		return c.numericFor(name)
	}
	return c.genericFor(name)
}

func (c *compilerState) numericFor(name string) error {
	if err := c.next(); err != nil { // consume '='
		return err
	}
	if err := c.exprToNextRegFromParse(); err != nil {
		return err
	}
	if err := c.expect(","); err != nil {
		return err
	}
	if err := c.exprToNextRegFromParse(); err != nil {
		return err
	}
	hasStep := false
	if ok, err := c.accept(","); err != nil {
		return err
	} else if ok {
		hasStep = true
		if err := c.exprToNextRegFromParse(); err != nil {
			return err
		}
	}
	if !hasStep {
		idx := c.fs.addConstant(value.Int(1))
		r := c.fs.reserveRegs(1)
		c.fs.emitABx(vm.OpLoadK, r, idx)
	}
	if err := c.expect("do"); err != nil {
		return err
	}
	base := c.fs.freeReg - 3
	c.fs.enterBlock(true)
	c.fs.actives = append(c.fs.actives, localVar{name: "(for state)", reg: base})
	c.fs.actives = append(c.fs.actives, localVar{name: "(for state)", reg: base + 1})
	c.fs.actives = append(c.fs.actives, localVar{name: "(for state)", reg: base + 2})
	prepJmp := c.fs.emitAsBx(vm.OpForPrep, base, NoJump)
	loopVarReg := c.fs.newLocal(name)
	_ = loopVarReg
	if err := c.block(); err != nil {
		return err
	}
	breakList := c.fs.leaveBlock()
	loopPC := c.fs.pc()
	c.fs.patchListTo(prepJmp, loopPC)
	endJmp := c.fs.emitAsBx(vm.OpForLoop, base, NoJump)
	c.fs.patchListTo(endJmp, prepJmp+1)
	c.fs.patchHere(breakList)
	return c.expect("end")
}

// exprToNextRegFromParse parses one expression and forces it into the
// next free register, used for the numeric for-loop's three control
// expressions which must occupy fixed, contiguous registers.
func (c *compilerState) exprToNextRegFromParse() error {
	e, err := c.expr()
	if err != nil {
		return err
	}
	c.exprToNextReg(&e)
	return nil
}

func (c *compilerState) genericFor(first string) error {
	names := []string{first}
	for {
		ok, err := c.accept(",")
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n, err := c.expectIdent()
		if err != nil {
			return err
		}
		names = append(names, n)
	}
	if err := c.expect("in"); err != nil {
		return err
	}
	base := c.fs.freeReg
	n, multi, err := c.explist()
	if err != nil {
		return err
	}
	want := 3
	if !multi {
		for i := n; i < want; i++ {
			c.fs.reserveRegs(1)
			c.fs.emitABC(vm.OpLoadNil, base+i, 0, 0)
		}
	} else {
		c.fs.reserveRegs(want - n)
	}
	if err := c.expect("do"); err != nil {
		return err
	}
	c.fs.enterBlock(true)
	c.fs.actives = append(c.fs.actives,
		localVar{name: "(for gen f)", reg: base},
		localVar{name: "(for gen s)", reg: base + 1},
		localVar{name: "(for gen c)", reg: base + 2},
	)
	for _, nm := range names {
		c.fs.newLocal(nm)
	}
	loopStart := c.fs.emitJump()
	bodyStart := c.fs.pc()
	if err := c.block(); err != nil {
		return err
	}
	c.fs.patchHere(loopStart)
	c.fs.emitABC(vm.OpTForCall, base, 0, len(names))
	tforLoop := c.fs.emitAsBx(vm.OpTForLoop, base+2, NoJump)
	c.fs.patchListTo(tforLoop, bodyStart)
	breakList := c.fs.leaveBlock()
	c.fs.patchHere(breakList)
	return c.expect("end")
}

func (c *compilerState) functionStat() error {
	if err := c.next(); err != nil {
		return err
	}
	name, err := c.expectIdent()
	if err != nil {
		return err
	}
	target, isMethod, err := c.funcNameTail(name)
	if err != nil {
		return err
	}
	fnExpr, err := c.funcBody(isMethod)
	if err != nil {
		return err
	}
	return c.assignTo(target, fnExpr)
}

// funcNameTail parses the `.Name` / `:Name` suffixes of a function
// declaration's name, returning an assignable target descriptor (a var
// expression naming where to store the compiled closure) and whether the
// final segment was a method (':'), which implicitly adds a "self"
// parameter.
func (c *compilerState) funcNameTail(first string) (expdesc, bool, error) {
	target, err := c.nameExpr(first)
	if err != nil {
		return expdesc{}, false, err
	}
	isMethod := false
	for c.is(".") || c.is(":") {
		method := c.is(":")
		if err := c.next(); err != nil {
			return expdesc{}, false, err
		}
		field, err := c.expectIdent()
		if err != nil {
			return expdesc{}, false, err
		}
		target = c.indexField(target, field)
		if method {
			isMethod = true
			break
		}
	}
	return target, isMethod, nil
}

func (c *compilerState) indexField(obj expdesc, field string) expdesc {
	c.exprToAnyReg(&obj)
	key := c.stringConstExpr(field)
	return expdesc{kind: eIndexed, table: obj.info, tableIsUp: false, key: c.exprToRK(&key), t: NoJump, f: NoJump}
}

func (c *compilerState) stringConstExpr(s string) expdesc {
	idx := c.fs.addConstant(value.FromString(c.intern(s)))
	return expdesc{kind: eK, info: idx, t: NoJump, f: NoJump}
}

func (c *compilerState) localStat() error {
	if err := c.next(); err != nil {
		return err
	}
	if ok, err := c.accept("function"); err != nil {
		return err
	} else if ok {
		name, err := c.expectIdent()
		if err != nil {
			return err
		}
		reg := c.fs.newLocal(name)
		fnExpr, err := c.funcBody(false)
		if err != nil {
			return err
		}
		c.exprToSpecificReg(&fnExpr, reg)
		return nil
	}
	var names []string
	for {
		n, err := c.expectIdent()
		if err != nil {
			return err
		}
		names = append(names, n)
		// attrib syntax `<const>`/`<close>` is accepted and ignored.
		if ok, err := c.accept("<"); err != nil {
			return err
		} else if ok {
			if _, err := c.expectIdent(); err != nil {
				return err
			}
			if err := c.expect(">"); err != nil {
				return err
			}
		}
		ok, err := c.accept(",")
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	var exprs []expdesc
	regBase := c.fs.freeReg
	if ok, err := c.accept("="); err != nil {
		return err
	} else if ok {
		n, multi, err := c.explistInto(&exprs)
		_ = n
		_ = multi
		if err != nil {
			return err
		}
	}
	c.adjustAssign(len(names), exprs)
	// The values now sit from regBase upward; the new locals take those
	// registers rather than fresh ones above them.
	c.fs.freeReg = regBase
	for _, n := range names {
		c.fs.newLocal(n)
	}
	return nil
}

// adjustAssign pads or truncates a compiled expression list to exactly
// want values sitting in the next `want` free registers, implementing
// Lua's surplus/deficit rhs-count adjustment rule.
func (c *compilerState) adjustAssign(want int, exprs []expdesc) {
	have := len(exprs)
	if have == 0 {
		base := c.fs.reserveRegs(want)
		for i := 0; i < want; i++ {
			c.fs.emitABC(vm.OpLoadNil, base+i, 0, 0)
		}
		return
	}
	last := &exprs[have-1]
	extra := want - have
	if last.kind == eCall || last.kind == eVararg {
		if extra < 0 {
			extra = 0
		}
		c.setMultRet(last, extra+2)
		if extra > 0 {
			c.fs.reserveRegs(extra)
		}
		for i := 0; i < have-1; i++ {
			c.exprToNextReg(&exprs[i])
		}
		c.exprToNextRegMulti(last)
		return
	}
	for i := range exprs {
		c.exprToNextReg(&exprs[i])
	}
	if extra > 0 {
		base := c.fs.reserveRegs(extra)
		for i := 0; i < extra; i++ {
			c.fs.emitABC(vm.OpLoadNil, base+i, 0, 0)
		}
	}
}

func (c *compilerState) setMultRet(e *expdesc, n int) {
	instr := c.fs.proto.Code[e.info]
	op := vm.DecodeOp(instr)
	a := vm.DecodeA(instr)
	b := vm.DecodeB(instr)
	c.fs.proto.Code[e.info] = vm.Encode(op, a, b, n)
}

func (c *compilerState) exprToNextRegMulti(e *expdesc) {
	c.dischargeVars(e)
	r := c.fs.reserveRegs(0)
	_ = r
	e.kind = eNonReloc
	e.info = c.fs.freeReg - 1
}

func (c *compilerState) exprStat() error {
	first, err := c.suffixedExpr()
	if err != nil {
		return err
	}
	if c.is("=") || c.is(",") {
		targets := []expdesc{first}
		for {
			ok, err := c.accept(",")
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			t, err := c.suffixedExpr()
			if err != nil {
				return err
			}
			targets = append(targets, t)
		}
		if err := c.expect("="); err != nil {
			return err
		}
		var values []expdesc
		if _, _, err := c.explistInto(&values); err != nil {
			return err
		}
		c.adjustAssign(len(targets), values)
		// values now occupy the top len(targets) registers (in order);
		// assign them to targets in reverse so earlier SETTABLE side
		// effects don't clobber registers still needed by later targets.
		base := c.fs.freeReg - len(targets)
		for i := len(targets) - 1; i >= 0; i-- {
			src := expdesc{kind: eNonReloc, info: base + i, t: NoJump, f: NoJump}
			if err := c.assignTo(targets[i], src); err != nil {
				return err
			}
		}
		c.fs.freeReg = base
		return nil
	}
	if first.kind != eCall {
		return c.errHere("syntax error: expression statement must be a function call")
	}
	return nil
}

// assignTo stores src into the variable described by target (a local,
// upvalue, or indexed expdesc produced by suffixedExpr/funcNameTail).
func (c *compilerState) assignTo(target, src expdesc) error {
	switch target.kind {
	case eLocal:
		c.exprToSpecificReg(&src, target.info)
	case eUpval:
		c.exprToAnyReg(&src)
		c.fs.emitABC(vm.OpSetUpval, src.info, target.info, 0)
	case eIndexed:
		rk := c.exprToRK(&src)
		if target.tableIsUp {
			c.fs.emitABC(vm.OpSetTabUp, target.table, target.key, rk)
		} else {
			c.fs.emitABC(vm.OpSetTable, target.table, target.key, rk)
		}
	default:
		return c.errHere("cannot assign to this expression")
	}
	return nil
}

// explist parses a comma-separated expression list, committing each value
// to the next free register as it goes. It returns the number of
// expressions and whether the final one is a multi-result call/vararg,
// which is then left open for all of its results (C=0).
func (c *compilerState) explist() (int, bool, error) {
	for n := 1; ; n++ {
		e, err := c.expr()
		if err != nil {
			return 0, false, err
		}
		if !c.is(",") {
			if e.kind == eCall || e.kind == eVararg {
				c.setMultRet(&e, 0)
				c.exprToNextRegMulti(&e)
				return n, true, nil
			}
			c.exprToNextReg(&e)
			return n, false, nil
		}
		c.exprToNextReg(&e)
		if err := c.next(); err != nil {
			return 0, false, err
		}
	}
}

func (c *compilerState) explistInto(list *[]expdesc) (int, bool, error) {
	e, err := c.expr()
	if err != nil {
		return 0, false, err
	}
	*list = append(*list, e)
	for c.is(",") {
		if err := c.next(); err != nil {
			return 0, false, err
		}
		e, err := c.expr()
		if err != nil {
			return 0, false, err
		}
		*list = append(*list, e)
	}
	last := (*list)[len(*list)-1]
	multi := last.kind == eCall || last.kind == eVararg
	return len(*list), multi, nil
}

// nameExpr resolves an identifier to a local/upvalue/global-field
// expdesc.
func (c *compilerState) nameExpr(name string) (expdesc, error) {
	if reg, ok := c.fs.resolveLocal(name); ok {
		return expdesc{kind: eLocal, info: reg, t: NoJump, f: NoJump}, nil
	}
	if idx, ok := c.fs.resolveUpval(name); ok {
		return expdesc{kind: eUpval, info: idx, t: NoJump, f: NoJump}, nil
	}
	// Free name: a field of the implicit _ENV upvalue, resolved through
	// GETTABUP on the upvalue index envUpvalIndex reports.
	envIdx := c.envUpvalIndex()
	key := c.stringConstExpr(name)
	return expdesc{kind: eIndexed, table: envIdx, tableIsUp: true, key: c.exprToRK(&key), t: NoJump, f: NoJump}, nil
}

// envUpvalIndex returns the index of the implicit "_ENV" upvalue in the
// current FuncState, creating the chain of upvalue captures back to the
// main chunk (which holds the real global table) if necessary.
func (c *compilerState) envUpvalIndex() int {
	const envName = "_ENV"
	if idx, ok := c.fs.resolveUpval(envName); ok {
		return idx
	}
	if c.fs.parent == nil {
		// main chunk: _ENV is conceptually upvalue 0, backed directly by
		// the VM's global table rather than a captured register.
		for i, n := range c.fs.upvalNames {
			if n == envName {
				return i
			}
		}
		c.fs.upvalNames = append(c.fs.upvalNames, envName)
		c.fs.proto.Upvalues = append(c.fs.proto.Upvalues, value.UpvalDesc{Name: envName, InStack: false, Index: 0})
		return len(c.fs.upvalNames) - 1
	}
	root := c.fs
	for root.parent != nil {
		root = root.parent
	}
	if _, ok := root.resolveUpval(envName); !ok {
		root.upvalNames = append(root.upvalNames, envName)
		root.proto.Upvalues = append(root.proto.Upvalues, value.UpvalDesc{Name: envName, InStack: false, Index: 0})
	}
	idx, _ := c.fs.resolveUpval(envName)
	return idx
}

func (c *compilerState) primaryExpr() (expdesc, error) {
	switch {
	case c.is("("):
		if err := c.next(); err != nil {
			return expdesc{}, err
		}
		e, err := c.expr()
		if err != nil {
			return expdesc{}, err
		}
		if err := c.expect(")"); err != nil {
			return expdesc{}, err
		}
		c.dischargeVars(&e)
		return e, nil
	case c.isIdentOnly():
		name := c.tok.Literal
		if err := c.next(); err != nil {
			return expdesc{}, err
		}
		return c.nameExpr(name)
	default:
		return expdesc{}, c.errHere("unexpected symbol near %q", c.tok.Literal)
	}
}

// suffixedExpr parses a primaryExpr followed by any number of `.Name`,
// `[exp]`, `:Name args`, or `args` suffixes (field access, indexing,
// method call, call).
func (c *compilerState) suffixedExpr() (expdesc, error) {
	e, err := c.primaryExpr()
	if err != nil {
		return expdesc{}, err
	}
	for {
		switch {
		case c.is("."):
			if err := c.next(); err != nil {
				return expdesc{}, err
			}
			field, err := c.expectIdent()
			if err != nil {
				return expdesc{}, err
			}
			e = c.indexField(e, field)
		case c.is("["):
			if err := c.next(); err != nil {
				return expdesc{}, err
			}
			c.exprToAnyReg(&e)
			keyE, err := c.expr()
			if err != nil {
				return expdesc{}, err
			}
			if err := c.expect("]"); err != nil {
				return expdesc{}, err
			}
			key := c.exprToRK(&keyE)
			e = expdesc{kind: eIndexed, table: e.info, key: key, t: NoJump, f: NoJump}
		case c.is(":"):
			if err := c.next(); err != nil {
				return expdesc{}, err
			}
			method, err := c.expectIdent()
			if err != nil {
				return expdesc{}, err
			}
			e, err = c.methodCall(e, method)
			if err != nil {
				return expdesc{}, err
			}
		case c.is("(") || c.tok.Kind == lexer.KString || c.is("{"):
			e, err = c.call(e)
			if err != nil {
				return expdesc{}, err
			}
		default:
			return e, nil
		}
	}
}

func (c *compilerState) methodCall(obj expdesc, method string) (expdesc, error) {
	c.exprToAnyReg(&obj)
	base := c.fs.reserveRegs(2)
	key := c.stringConstExpr(method)
	c.fs.emitABC(vm.OpSelf, base, obj.info, c.exprToRK(&key))
	c.fs.freeReg = base + 2
	return c.finishCall(base, 1)
}

func (c *compilerState) call(fn expdesc) (expdesc, error) {
	c.exprToNextReg(&fn)
	base := fn.info
	return c.finishCall(base, 0)
}

// finishCall parses a call's argument list (already having placed the
// function, plus `extraArgs` already-reserved leading arguments such as
// `self`, at register base) and emits the CALL instruction.
func (c *compilerState) finishCall(base, extraArgs int) (expdesc, error) {
	nargs, multi, err := c.args()
	if err != nil {
		return expdesc{}, err
	}
	total := nargs + extraArgs
	b := total + 1
	if multi {
		b = 0
	}
	pc := c.fs.emitABC(vm.OpCall, base, b, 2)
	c.fs.freeReg = base + 1
	return expdesc{kind: eCall, info: pc, t: NoJump, f: NoJump}, nil
}

// args parses a call's argument syntax: '(' [explist] ')' | tableconstructor
// | String, leaving each argument in successive free registers.
func (c *compilerState) args() (int, bool, error) {
	switch {
	case c.is("("):
		if err := c.next(); err != nil {
			return 0, false, err
		}
		if c.is(")") {
			return 0, false, c.next()
		}
		var list []expdesc
		n, multi, err := c.explistInto(&list)
		if err != nil {
			return 0, false, err
		}
		if err := c.expect(")"); err != nil {
			return 0, false, err
		}
		if multi {
			last := &list[len(list)-1]
			c.setMultRet(last, 0)
			for i := 0; i < len(list)-1; i++ {
				c.exprToNextReg(&list[i])
			}
			c.exprToNextRegMulti(last)
			return n, true, nil
		}
		for i := range list {
			c.exprToNextReg(&list[i])
		}
		return n, false, nil
	case c.tok.Kind == lexer.KString:
		s := c.stringConstExpr(c.tok.Literal)
		if err := c.next(); err != nil {
			return 0, false, err
		}
		c.exprToNextReg(&s)
		return 1, false, nil
	case c.is("{"):
		t, err := c.tableConstructor()
		if err != nil {
			return 0, false, err
		}
		c.exprToNextReg(&t)
		return 1, false, nil
	default:
		return 0, false, c.errHere("function arguments expected near %q", c.tok.Literal)
	}
}

func (c *compilerState) funcBody(isMethod bool) (expdesc, error) {
	parentFs := c.fs
	c.fs = newFuncState(c.source, parentFs)
	c.fs.proto.LineDefined = c.tok.Line
	if isMethod {
		c.fs.newLocal("self")
	}
	if err := c.expect("("); err != nil {
		return expdesc{}, err
	}
	if !c.is(")") {
		for {
			if c.is("...") {
				c.fs.proto.IsVararg = true
				if err := c.next(); err != nil {
					return expdesc{}, err
				}
				break
			}
			n, err := c.expectIdent()
			if err != nil {
				return expdesc{}, err
			}
			c.fs.newLocal(n)
			ok, err := c.accept(",")
			if err != nil {
				return expdesc{}, err
			}
			if !ok {
				break
			}
		}
	}
	c.fs.proto.NumParams = c.fs.nactive()
	if err := c.expect(")"); err != nil {
		return expdesc{}, err
	}
	if err := c.block(); err != nil {
		return expdesc{}, err
	}
	c.fs.proto.LastLineDefined = c.tok.Line
	c.fs.emitABC(vm.OpReturn, 0, 1, 0)
	if err := c.fs.checkPendingGotos(); err != nil {
		return expdesc{}, err
	}
	c.fs.proto.Freeze()

	child := c.fs.proto
	idx := len(parentFs.proto.Protos)
	parentFs.proto.Protos = append(parentFs.proto.Protos, child)
	c.fs = parentFs
	if err := c.expect("end"); err != nil {
		return expdesc{}, err
	}
	pc := c.fs.emitABx(vm.OpClosure, 0, idx)
	return expdesc{kind: eReloc, info: pc, t: NoJump, f: NoJump}, nil
}

func (c *compilerState) tableConstructor() (expdesc, error) {
	if err := c.expect("{"); err != nil {
		return expdesc{}, err
	}
	tblReg := c.fs.reserveRegs(1)
	pc := c.fs.emitABC(vm.OpNewTable, tblReg, 0, 0)
	_ = pc
	arrayIdx := 0
	pending := 0
	batch := 0
	for !c.is("}") {
		switch {
		case c.is("["):
			if err := c.next(); err != nil {
				return expdesc{}, err
			}
			keyE, err := c.expr()
			if err != nil {
				return expdesc{}, err
			}
			if err := c.expect("]"); err != nil {
				return expdesc{}, err
			}
			if err := c.expect("="); err != nil {
				return expdesc{}, err
			}
			valE, err := c.expr()
			if err != nil {
				return expdesc{}, err
			}
			key := c.exprToRK(&keyE)
			val := c.exprToRK(&valE)
			c.fs.emitABC(vm.OpSetTable, tblReg, key, val)
		case c.isIdentOnly() && c.peekIsAssign():
			name := c.tok.Literal
			if err := c.next(); err != nil {
				return expdesc{}, err
			}
			if err := c.expect("="); err != nil {
				return expdesc{}, err
			}
			valE, err := c.expr()
			if err != nil {
				return expdesc{}, err
			}
			keyE := c.stringConstExpr(name)
			key := c.exprToRK(&keyE)
			val := c.exprToRK(&valE)
			c.fs.emitABC(vm.OpSetTable, tblReg, key, val)
		default:
			valE, err := c.expr()
			if err != nil {
				return expdesc{}, err
			}
			arrayIdx++
			if (c.is(",") || c.is(";")) == false && c.is("}") && (valE.kind == eCall || valE.kind == eVararg) {
				c.setMultRet(&valE, 0)
				c.exprToNextRegMulti(&valE)
				batch++
				c.fs.emitABC(vm.OpSetList, tblReg, 0, batch)
				pending = 0
				break
			}
			c.exprToNextReg(&valE)
			pending++
			if pending >= 50 {
				batch++
				c.fs.emitABC(vm.OpSetList, tblReg, pending, batch)
				c.fs.freeReg = tblReg + 1
				pending = 0
			}
		}
		if c.is(",") || c.is(";") {
			if err := c.next(); err != nil {
				return expdesc{}, err
			}
		} else {
			break
		}
	}
	if pending > 0 {
		batch++
		c.fs.emitABC(vm.OpSetList, tblReg, pending, batch)
		c.fs.freeReg = tblReg + 1
	}
	if err := c.expect("}"); err != nil {
		return expdesc{}, err
	}
	return expdesc{kind: eNonReloc, info: tblReg, t: NoJump, f: NoJump}, nil
}

// peekIsAssign reports whether the token after the current identifier is
// '=', disambiguating `{ name = exp }` record syntax from a bare
// expression starting with a variable reference.
func (c *compilerState) peekIsAssign() bool {
	la, err := c.lx.Lookahead()
	if err != nil {
		return false
	}
	return la.Kind == lexer.KPunct && la.Literal == "="
}

func (c *compilerState) simpleExpr() (expdesc, error) {
	switch {
	case c.tok.Kind == lexer.KNumber:
		e, err := c.numberExpr()
		if err != nil {
			return expdesc{}, err
		}
		return e, c.next()
	case c.tok.Kind == lexer.KString:
		e := c.stringConstExpr(c.tok.Literal)
		return e, c.next()
	case c.is("nil"):
		return nilExpr(), c.next()
	case c.is("true"):
		return trueExpr(), c.next()
	case c.is("false"):
		return falseExpr(), c.next()
	case c.is("..."):
		if err := c.next(); err != nil {
			return expdesc{}, err
		}
		pc := c.fs.emitABC(vm.OpVararg, 0, 0, 0)
		return expdesc{kind: eVararg, info: pc, t: NoJump, f: NoJump}, nil
	case c.is("{"):
		return c.tableConstructor()
	case c.is("function"):
		if err := c.next(); err != nil {
			return expdesc{}, err
		}
		return c.funcBody(false)
	default:
		return c.suffixedExpr()
	}
}

func (c *compilerState) numberExpr() (expdesc, error) {
	lit := c.tok.Literal
	if c.tok.NumIsFloat {
		f, err := parseLuaFloat(lit)
		if err != nil {
			return expdesc{}, c.errHere("malformed number near %q", lit)
		}
		return floatExpr(f), nil
	}
	i, ok := parseLuaInt(lit)
	if !ok {
		f, err := parseLuaFloat(lit)
		if err != nil {
			return expdesc{}, c.errHere("malformed number near %q", lit)
		}
		return floatExpr(f), nil
	}
	return intExpr(i), nil
}

func parseLuaInt(lit string) (int64, bool) {
	if strings.HasPrefix(lit, "0x") || strings.HasPrefix(lit, "0X") {
		v, err := strconv.ParseUint(lit[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return int64(v), true
	}
	v, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseLuaFloat(lit string) (float64, error) {
	return strconv.ParseFloat(lit, 64)
}
