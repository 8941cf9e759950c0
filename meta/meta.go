// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package meta implements metamethod lookup and the fallback dispatch
// rules for indexing, arithmetic, comparison, concatenation, length, and
// calls on values whose primitive type does not directly support the
// operation.
package meta

import (
	"errors"

	"github.com/probechain/probe-lang/value"
)

// MaxChainDepth bounds __index/__newindex/__call chain following so that a
// metatable cycle cannot hang the interpreter.
const MaxChainDepth = 2000

var ErrChainTooDeep = errors.New("meta: metamethod chain too deep (possible loop)")

// Event names mirror the metafield strings looked up on a value's
// metatable.
const (
	Index    = "__index"
	NewIndex = "__newindex"
	Call     = "__call"
	Add      = "__add"
	Sub      = "__sub"
	Mul      = "__mul"
	Mod      = "__mod"
	Pow      = "__pow"
	Div      = "__div"
	IDiv     = "__idiv"
	BAnd     = "__band"
	BOr      = "__bor"
	BXor     = "__bxor"
	Shl      = "__shl"
	Shr      = "__shr"
	Unm      = "__unm"
	BNot     = "__bnot"
	Len      = "__len"
	Eq       = "__eq"
	Lt       = "__lt"
	Le       = "__le"
	Concat   = "__concat"
	GC       = "__gc"
	Close    = "__close"
	Mode     = "__mode"
)

// Metatable returns v's metatable, if it has one: tables and userdata carry
// their own; every other type is metatable-less in this implementation
// (there is no shared per-type metatable registry).
func Metatable(v value.Value) *value.Table {
	switch v.Tag() {
	case value.TagTable:
		return v.AsTable().Metatable()
	case value.TagUserdata:
		return v.AsUserdata().Metatable()
	}
	return nil
}

// Field looks up a single metamethod by name on v's metatable, returning
// the zero Value and false if v has no metatable or the metatable has no
// such field.
func Field(v value.Value, name string, intern func(string) *value.String) (value.Value, bool) {
	mt := Metatable(v)
	if mt == nil {
		return value.Nil, false
	}
	key := value.FromString(intern(name))
	f := mt.Get(key)
	if f.IsNil() {
		return value.Nil, false
	}
	return f, true
}

// BinHandler returns the metamethod to use for a binary arithmetic/bitwise
// operation between a and b: a's metatable is tried first, then b's,
// matching the reference resolution order.
func BinHandler(a, b value.Value, event string, intern func(string) *value.String) (value.Value, bool) {
	if h, ok := Field(a, event, intern); ok {
		return h, true
	}
	return Field(b, event, intern)
}
