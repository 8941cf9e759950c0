// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package value defines the tagged value representation shared by the
// compiler, the VM, and the collector: nil, booleans, integers, floats,
// light pointers, and references to the four collectable object kinds
// (strings, tables, closures, userdata) plus threads.
package value

import (
	"fmt"
	"math"
)

// Tag identifies the kind of data a Value holds.
type Tag uint8

const (
	TagNil Tag = iota
	TagBool
	TagInt
	TagFloat
	TagLightPtr
	TagString
	TagTable
	TagClosure
	TagUserdata
	TagThread
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "nil"
	case TagBool:
		return "boolean"
	case TagInt, TagFloat:
		return "number"
	case TagLightPtr:
		return "lightuserdata"
	case TagString:
		return "string"
	case TagTable:
		return "table"
	case TagClosure:
		return "function"
	case TagUserdata:
		return "userdata"
	case TagThread:
		return "thread"
	}
	return "unknown"
}

// Value is the tagged union every register, constant, and table slot
// holds. Numeric payloads are stored directly; collectable payloads are
// stored as an interface reference to a heap object owned by the garbage
// collector.
type Value struct {
	tag Tag
	n   uint64      // bool (0/1), int64 bits, or float64 bits depending on tag
	ref interface{} // *String, *Table, *Closure, *Userdata, *Thread, or a light pointer
}

// Nil is the zero Value.
var Nil = Value{}

func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{tag: TagBool, n: n}
}

func Int(i int64) Value { return Value{tag: TagInt, n: uint64(i)} }

func Float(f float64) Value { return Value{tag: TagFloat, n: math.Float64bits(f)} }

func LightPtr(p interface{}) Value { return Value{tag: TagLightPtr, ref: p} }

func FromString(s *String) Value { return Value{tag: TagString, ref: s} }
func FromTable(t *Table) Value   { return Value{tag: TagTable, ref: t} }
func FromClosure(c *Closure) Value { return Value{tag: TagClosure, ref: c} }
func FromUserdata(u *Userdata) Value { return Value{tag: TagUserdata, ref: u} }
func FromThread(th *Thread) Value  { return Value{tag: TagThread, ref: th} }

func (v Value) Tag() Tag { return v.tag }

func (v Value) IsNil() bool   { return v.tag == TagNil }
func (v Value) IsFalsy() bool { return v.tag == TagNil || (v.tag == TagBool && v.n == 0) }
func (v Value) Truthy() bool  { return !v.IsFalsy() }

// IsCollectable reports whether the value holds a reference to a
// garbage-collected heap object, i.e. whether it participates in tracing.
func (v Value) IsCollectable() bool {
	switch v.tag {
	case TagString, TagTable, TagClosure, TagUserdata, TagThread:
		return true
	}
	return false
}

func (v Value) AsBool() bool   { return v.n != 0 }
func (v Value) AsInt() int64   { return int64(v.n) }
func (v Value) AsFloat() float64 { return math.Float64frombits(v.n) }

// AsGCObj returns v's collectable payload through the common GCObj
// interface, or nil if v does not hold one. Used by the collector to
// trace references without a type switch per caller.
func (v Value) AsGCObj() GCObj {
	obj, _ := v.ref.(GCObj)
	return obj
}

func (v Value) AsString() *String     { s, _ := v.ref.(*String); return s }
func (v Value) AsTable() *Table       { t, _ := v.ref.(*Table); return t }
func (v Value) AsClosure() *Closure   { c, _ := v.ref.(*Closure); return c }
func (v Value) AsUserdata() *Userdata { u, _ := v.ref.(*Userdata); return u }
func (v Value) AsThread() *Thread     { th, _ := v.ref.(*Thread); return th }

// IsNumber reports whether v holds an int or a float.
func (v Value) IsNumber() bool { return v.tag == TagInt || v.tag == TagFloat }

// ToFloat coerces an int or float value to float64; ok is false for
// non-numeric values.
func (v Value) ToFloat() (float64, bool) {
	switch v.tag {
	case TagInt:
		return float64(v.AsInt()), true
	case TagFloat:
		return v.AsFloat(), true
	}
	return 0, false
}

// RawEqual implements primitive equality: no metamethods, used by the table
// hash part and by the VM's fast-path EQ handling before falling back to
// __eq.
func RawEqual(a, b Value) bool {
	if a.tag != b.tag {
		// Lua treats int/float as the same "number" subtype for equality.
		if a.IsNumber() && b.IsNumber() {
			af, _ := a.ToFloat()
			bf, _ := b.ToFloat()
			return af == bf
		}
		return false
	}
	switch a.tag {
	case TagNil:
		return true
	case TagBool, TagInt:
		return a.n == b.n
	case TagFloat:
		return a.AsFloat() == b.AsFloat()
	case TagLightPtr:
		return a.ref == b.ref
	case TagString:
		return a.AsString().Equal(b.AsString())
	default:
		return a.ref == b.ref
	}
}

// TypeName returns the Lua-visible type name, the argument to type().
func TypeName(v Value) string { return v.tag.String() }

func (v Value) String() string {
	switch v.tag {
	case TagNil:
		return "nil"
	case TagBool:
		return fmt.Sprintf("%v", v.AsBool())
	case TagInt:
		return fmt.Sprintf("%d", v.AsInt())
	case TagFloat:
		return formatFloat(v.AsFloat())
	case TagString:
		return v.AsString().Value()
	case TagTable:
		return fmt.Sprintf("table: %p", v.AsTable())
	case TagClosure:
		return fmt.Sprintf("function: %p", v.AsClosure())
	case TagUserdata:
		return fmt.Sprintf("userdata: %p", v.AsUserdata())
	case TagThread:
		return fmt.Sprintf("thread: %s", v.AsThread().ID)
	case TagLightPtr:
		return fmt.Sprintf("lightuserdata: %p", v.ref)
	}
	return "?"
}

func formatFloat(f float64) string {
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsNaN(f) {
		return "nan"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%.14g", f)
}
