// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package interp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/probechain/probe-lang/coroutine"
	"github.com/probechain/probe-lang/meta"
	"github.com/probechain/probe-lang/value"
)

// openBase installs the handful of global functions that are language
// primitives rather than library modules: type introspection, raw table
// access, metatable management, protected calls, and coroutine scheduling.
// The string/table/io/math/os libraries are out of scope (§1) and are not
// installed here.
func (s *State) openBase() {
	s.register("type", s.baseType)
	s.register("tostring", s.baseToString)
	s.register("tonumber", s.baseToNumber)
	s.register("print", s.basePrint)
	s.register("error", s.baseError)
	s.register("assert", s.baseAssert)
	s.register("pcall", s.basePCall)
	s.register("xpcall", s.baseXPCall)
	s.register("setmetatable", s.baseSetMetatable)
	s.register("getmetatable", s.baseGetMetatable)
	s.register("rawequal", s.baseRawEqual)
	s.register("rawget", s.baseRawGet)
	s.register("rawset", s.baseRawSet)
	s.register("rawlen", s.baseRawLen)
	s.register("next", s.baseNext)
	s.register("pairs", s.basePairs)
	s.register("ipairs", s.baseIPairs)
	s.register("select", s.baseSelect)
	s.register("collectgarbage", s.baseCollectGarbage)
	s.register("unpack", s.baseUnpack)

	co := value.NewTable()
	coKey := func(name string, fn value.HostFunc) {
		co.Set(value.FromString(s.intern(name)), value.FromClosure(value.NewHostClosure("coroutine."+name, fn)))
	}
	coKey("create", s.coroCreate)
	coKey("resume", s.coroResume)
	coKey("yield", s.coroYield)
	coKey("status", s.coroStatus)
	s.setGlobal("coroutine", value.FromTable(co))
}

func arg(args []value.Value, i int) value.Value {
	if i < len(args) {
		return args[i]
	}
	return value.Nil
}

func (s *State) baseType(th *value.Thread, args []value.Value) ([]value.Value, error) {
	return []value.Value{value.FromString(s.intern(value.TypeName(arg(args, 0))))}, nil
}

func (s *State) baseToString(th *value.Thread, args []value.Value) ([]value.Value, error) {
	str, err := s.VM.ToStringMeta(th, arg(args, 0))
	if err != nil {
		return nil, err
	}
	return []value.Value{value.FromString(s.intern(str))}, nil
}

func (s *State) baseToNumber(th *value.Thread, args []value.Value) ([]value.Value, error) {
	v := arg(args, 0)
	switch v.Tag() {
	case value.TagInt, value.TagFloat:
		return []value.Value{v}, nil
	case value.TagString:
		str := strings.TrimSpace(v.AsString().Value())
		if i, err := strconv.ParseInt(str, 0, 64); err == nil {
			return []value.Value{value.Int(i)}, nil
		}
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			return []value.Value{value.Float(f)}, nil
		}
	}
	return []value.Value{value.Nil}, nil
}

func (s *State) basePrint(th *value.Thread, args []value.Value) ([]value.Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		str, err := s.VM.ToStringMeta(th, a)
		if err != nil {
			return nil, err
		}
		parts[i] = str
	}
	fmt.Println(strings.Join(parts, "\t"))
	return nil, nil
}

// baseError implements error(msg[, level]): when msg is a string and level
// is >= 1 (the default), the source position of the calling frame is
// prepended, matching §7's "User-visible behavior".
func (s *State) baseError(th *value.Thread, args []value.Value) ([]value.Value, error) {
	msg := arg(args, 0)
	level := int64(1)
	if lv := arg(args, 1); lv.Tag() == value.TagInt {
		level = lv.AsInt()
	}
	if msg.Tag() == value.TagString && level > 0 {
		pos := framePosition(th, int(level))
		if pos != "" {
			msg = value.FromString(s.intern(pos + ": " + msg.AsString().Value()))
		}
	}
	return nil, errorValue{msg}
}

// framePosition reports "source:line" for the level-th frame up the call
// chain (1 = the function that called error), or "" if unavailable.
func framePosition(th *value.Thread, level int) string {
	ci := th.Current
	for i := 1; i < level && ci != nil; i++ {
		ci = ci.Prev
	}
	if ci == nil || ci.Closure == nil || ci.Closure.Proto == nil {
		return ""
	}
	proto := ci.Closure.Proto
	line := 0
	if ci.PC-1 >= 0 && ci.PC-1 < len(proto.Lines) {
		line = proto.Lines[ci.PC-1]
	}
	return fmt.Sprintf("%s:%d", proto.Source, line)
}

// errorValue carries a script-level error() value (which may be any type,
// not just a string) through the Go error interface used internally by
// vm.Call's error return path.
type errorValue struct{ v value.Value }

func (e errorValue) Error() string        { return e.v.String() }
func (e errorValue) ErrorValue() value.Value { return e.v }

func (s *State) baseAssert(th *value.Thread, args []value.Value) ([]value.Value, error) {
	if arg(args, 0).Truthy() {
		return args, nil
	}
	msg := arg(args, 1)
	if msg.IsNil() {
		msg = value.FromString(s.intern("assertion failed!"))
	}
	return nil, errorValue{msg}
}

func (s *State) basePCall(th *value.Thread, args []value.Value) ([]value.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("bad argument #1 to 'pcall' (value expected)")
	}
	ok, res := s.VM.PCall(th, args[0], args[1:])
	return prependOk(ok, res), nil
}

func (s *State) baseXPCall(th *value.Thread, args []value.Value) ([]value.Value, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("bad argument #2 to 'xpcall' (value expected)")
	}
	ok, res := s.VM.XPCall(th, args[0], args[1], args[2:])
	return prependOk(ok, res), nil
}

func prependOk(ok bool, res []value.Value) []value.Value {
	out := make([]value.Value, 0, len(res)+1)
	out = append(out, value.Bool(ok))
	return append(out, res...)
}

func (s *State) baseSetMetatable(th *value.Thread, args []value.Value) ([]value.Value, error) {
	t := arg(args, 0)
	if t.Tag() != value.TagTable {
		return nil, fmt.Errorf("bad argument #1 to 'setmetatable' (table expected, got %s)", value.TypeName(t))
	}
	mtv := arg(args, 1)
	if mtv.IsNil() {
		t.AsTable().SetMetatable(nil)
		return []value.Value{t}, nil
	}
	if mtv.Tag() != value.TagTable {
		return nil, fmt.Errorf("bad argument #2 to 'setmetatable' (nil or table expected)")
	}
	t.AsTable().SetMetatable(mtv.AsTable())
	if mode, ok := meta.Field(t, meta.Mode, s.intern); ok && mode.Tag() == value.TagString {
		var wm value.WeakMode
		for _, c := range mode.AsString().Value() {
			switch c {
			case 'k':
				wm |= value.WeakKeys
			case 'v':
				wm |= value.WeakValues
			}
		}
		t.AsTable().SetWeakMode(wm)
	}
	return []value.Value{t}, nil
}

func (s *State) baseGetMetatable(th *value.Thread, args []value.Value) ([]value.Value, error) {
	mt := meta.Metatable(arg(args, 0))
	if mt == nil {
		return []value.Value{value.Nil}, nil
	}
	return []value.Value{value.FromTable(mt)}, nil
}

func (s *State) baseRawEqual(th *value.Thread, args []value.Value) ([]value.Value, error) {
	return []value.Value{value.Bool(value.RawEqual(arg(args, 0), arg(args, 1)))}, nil
}

func (s *State) baseRawGet(th *value.Thread, args []value.Value) ([]value.Value, error) {
	t := arg(args, 0)
	if t.Tag() != value.TagTable {
		return nil, fmt.Errorf("bad argument #1 to 'rawget' (table expected)")
	}
	return []value.Value{t.AsTable().Get(arg(args, 1))}, nil
}

func (s *State) baseRawSet(th *value.Thread, args []value.Value) ([]value.Value, error) {
	t := arg(args, 0)
	if t.Tag() != value.TagTable {
		return nil, fmt.Errorf("bad argument #1 to 'rawset' (table expected)")
	}
	key := arg(args, 1)
	if key.IsNil() {
		return nil, fmt.Errorf("table index is nil")
	}
	t.AsTable().Set(key, arg(args, 2))
	return []value.Value{t}, nil
}

func (s *State) baseRawLen(th *value.Thread, args []value.Value) ([]value.Value, error) {
	v := arg(args, 0)
	switch v.Tag() {
	case value.TagTable:
		return []value.Value{value.Int(v.AsTable().Len())}, nil
	case value.TagString:
		return []value.Value{value.Int(int64(v.AsString().Len()))}, nil
	}
	return nil, fmt.Errorf("table or string expected")
}

func (s *State) baseNext(th *value.Thread, args []value.Value) ([]value.Value, error) {
	t := arg(args, 0)
	if t.Tag() != value.TagTable {
		return nil, fmt.Errorf("bad argument #1 to 'next' (table expected)")
	}
	k, v, ok := t.AsTable().Next(arg(args, 1))
	if !ok {
		return []value.Value{value.Nil}, nil
	}
	return []value.Value{k, v}, nil
}

func (s *State) basePairs(th *value.Thread, args []value.Value) ([]value.Value, error) {
	t := arg(args, 0)
	if h, ok := meta.Field(t, "__pairs", s.intern); ok {
		return s.VM.Call(th, h, args)
	}
	nextFn := value.FromClosure(value.NewHostClosure("next", s.baseNext))
	return []value.Value{nextFn, t, value.Nil}, nil
}

func (s *State) baseIPairs(th *value.Thread, args []value.Value) ([]value.Value, error) {
	t := arg(args, 0)
	iter := value.NewHostClosure("ipairs.iterator", func(th *value.Thread, iargs []value.Value) ([]value.Value, error) {
		tbl := arg(iargs, 0)
		i := arg(iargs, 1).AsInt() + 1
		v, err := s.VM.Index(th, tbl, value.Int(i))
		if err != nil {
			return nil, err
		}
		if v.IsNil() {
			return []value.Value{value.Nil}, nil
		}
		return []value.Value{value.Int(i), v}, nil
	})
	return []value.Value{value.FromClosure(iter), t, value.Int(0)}, nil
}

func (s *State) baseSelect(th *value.Thread, args []value.Value) ([]value.Value, error) {
	sel := arg(args, 0)
	rest := args[1:]
	if sel.Tag() == value.TagString && sel.AsString().Value() == "#" {
		return []value.Value{value.Int(int64(len(rest)))}, nil
	}
	n := int(sel.AsInt())
	if n < 0 {
		n = len(rest) + n + 1
	}
	if n < 1 || n > len(rest) {
		return nil, nil
	}
	return rest[n-1:], nil
}

func (s *State) baseUnpack(th *value.Thread, args []value.Value) ([]value.Value, error) {
	t := arg(args, 0)
	if t.Tag() != value.TagTable {
		return nil, fmt.Errorf("bad argument #1 to 'unpack' (table expected)")
	}
	tbl := t.AsTable()
	i := int64(1)
	if a := arg(args, 1); a.Tag() == value.TagInt {
		i = a.AsInt()
	}
	j := tbl.Len()
	if a := arg(args, 2); a.Tag() == value.TagInt {
		j = a.AsInt()
	}
	var out []value.Value
	for ; i <= j; i++ {
		out = append(out, tbl.Get(value.Int(i)))
	}
	return out, nil
}

func (s *State) baseCollectGarbage(th *value.Thread, args []value.Value) ([]value.Value, error) {
	opt := "collect"
	if a := arg(args, 0); a.Tag() == value.TagString {
		opt = a.AsString().Value()
	}
	switch opt {
	case "collect":
		s.GC.FullGC()
		s.runFinalizers(th)
		return []value.Value{value.Int(0)}, nil
	case "step":
		s.GC.Step(1 << 12)
		return []value.Value{value.Bool(false)}, nil
	case "count":
		allocated, _ := s.GC.Debt()
		return []value.Value{value.Float(float64(allocated) / 1024)}, nil
	}
	return []value.Value{value.Int(0)}, nil
}

// coroCreate implements coroutine.create(f): allocates a new thread
// wrapping f and registers it with the collector so it is traced and swept
// like any other GC object (§5's "Shared resources").
func (s *State) coroCreate(th *value.Thread, args []value.Value) ([]value.Value, error) {
	fn := arg(args, 0)
	if fn.Tag() != value.TagClosure {
		return nil, fmt.Errorf("bad argument #1 to 'create' (function expected)")
	}
	co := coroutine.Create(fn, 64)
	s.GC.RegisterThread(co)
	return []value.Value{value.FromThread(co)}, nil
}

func (s *State) coroResume(th *value.Thread, args []value.Value) ([]value.Value, error) {
	v := arg(args, 0)
	if v.Tag() != value.TagThread {
		return nil, fmt.Errorf("bad argument #1 to 'resume' (coroutine expected)")
	}
	ok, res := coroutine.Resume(s.VM, v.AsThread(), args[1:])
	return prependOk(ok, res), nil
}

func (s *State) coroYield(th *value.Thread, args []value.Value) ([]value.Value, error) {
	return coroutine.Yield(th, args)
}

func (s *State) coroStatus(th *value.Thread, args []value.Value) ([]value.Value, error) {
	v := arg(args, 0)
	if v.Tag() != value.TagThread {
		return nil, fmt.Errorf("bad argument #1 to 'status' (coroutine expected)")
	}
	return []value.Value{value.FromString(s.intern(coroutine.Status(v.AsThread()).String()))}, nil
}
