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

	"github.com/probechain/probe-lang/meta"
	"github.com/probechain/probe-lang/value"
)

// PCall implements the protected-call frame: it marks th's current stack
// depth and call-info chain, calls fn with args, and if the call raises an
// error (a Go error surfacing out of execClosure, including one produced
// deep inside nested scripted calls) unwinds back to this marker instead of
// letting it propagate further up the host's Go call stack. Upvalues open
// above the mark are closed and the stack is truncated before control
// returns, matching the reference's longjmp-based unwind.
//
// ok is false exactly when fn raised; in that case results holds exactly
// one value, the error object. A Go error without an associated script
// error value (e.g. ErrStackOverflow) is converted to a string value.
func (vm *VM) PCall(th *value.Thread, fn value.Value, args []value.Value) (ok bool, results []value.Value) {
	markTop := th.Top
	markCI := th.Current

	defer func() {
		if r := recover(); r != nil {
			th.Upvalues.CloseFrom(markTop)
			th.Top = markTop
			th.Current = markCI
			ok = false
			results = []value.Value{vm.panicToValue(r)}
		}
	}()

	res, err := vm.Call(th, fn, args)
	if err != nil {
		th.Upvalues.CloseFrom(markTop)
		th.Top = markTop
		th.Current = markCI
		return false, []value.Value{vm.errToValue(err)}
	}
	return true, res
}

// XPCall is PCall with a message handler run on the error value before the
// stack unwinds past the point of the error, so the handler can still
// observe the failing call's state (e.g. for a traceback). If the handler
// itself raises, the original error is replaced by a fixed
// ErrorInErrorHandler-flavored message, matching the reference's refusal to
// recurse error handling indefinitely.
func (vm *VM) XPCall(th *value.Thread, fn, handler value.Value, args []value.Value) (ok bool, results []value.Value) {
	markTop := th.Top
	markCI := th.Current

	defer func() {
		if r := recover(); r != nil {
			errVal := vm.panicToValue(r)
			handled, herr := vm.runHandler(th, handler, errVal)
			th.Upvalues.CloseFrom(markTop)
			th.Top = markTop
			th.Current = markCI
			ok = false
			if herr != nil {
				results = []value.Value{value.FromString(vm.intern("error in error handling"))}
			} else {
				results = []value.Value{handled}
			}
		}
	}()

	res, err := vm.Call(th, fn, args)
	if err != nil {
		errVal := vm.errToValue(err)
		handled, herr := vm.runHandler(th, handler, errVal)
		th.Upvalues.CloseFrom(markTop)
		th.Top = markTop
		th.Current = markCI
		if herr != nil {
			return false, []value.Value{value.FromString(vm.intern("error in error handling"))}
		}
		return false, []value.Value{handled}
	}
	return true, res
}

func (vm *VM) runHandler(th *value.Thread, handler, errVal value.Value) (value.Value, error) {
	res, err := vm.Call(th, handler, []value.Value{errVal})
	if err != nil {
		return value.Nil, err
	}
	if len(res) == 0 {
		return value.Nil, nil
	}
	return res[0], nil
}

// ValueError is implemented by errors that carry the original script-level
// error object passed to error(...), which §7 allows to be any value (a
// string, a table, etc.), not just text. PCall/XPCall unwrap it instead of
// flattening every error to its string message.
type ValueError interface {
	error
	ErrorValue() value.Value
}

// valueError is the package's own concrete ValueError, for callers (host
// closures, the coroutine runtime's tests) that need to raise or construct
// an arbitrary script-level error value without reaching into interp's
// unexported errorValue type.
type valueError struct{ v value.Value }

func (e valueError) Error() string           { return e.v.String() }
func (e valueError) ErrorValue() value.Value { return e.v }

// ValueErrorFor wraps v as a ValueError, the same carrier PCall/XPCall and
// the coroutine runtime unwrap back to the original value instead of
// flattening to its string form.
func ValueErrorFor(v value.Value) error { return valueError{v} }

func (vm *VM) errToValue(err error) value.Value {
	if ve, ok := err.(ValueError); ok {
		return ve.ErrorValue()
	}
	return value.FromString(vm.intern(err.Error()))
}

// ErrToValue exposes errToValue for callers outside this package (e.g. the
// coroutine runtime) that need the same ValueError-aware unwrapping when an
// error escapes across a boundary that isn't PCall/XPCall itself.
func (vm *VM) ErrToValue(err error) value.Value { return vm.errToValue(err) }

func (vm *VM) panicToValue(r interface{}) value.Value {
	if v, ok := r.(value.Value); ok {
		return v
	}
	if err, ok := r.(error); ok {
		return vm.errToValue(err)
	}
	return value.FromString(vm.intern(fmt.Sprintf("%v", r)))
}

// ToStringMeta formats an error/any value for display, consulting a
// __tostring metamethod on tables/userdata first as §7 requires.
func (vm *VM) ToStringMeta(th *value.Thread, v value.Value) (string, error) {
	if h, ok := meta.Field(v, "__tostring", vm.intern); ok {
		res, err := vm.Call(th, h, []value.Value{v})
		if err != nil {
			return "", err
		}
		if len(res) > 0 {
			return res[0].String(), nil
		}
		return "", nil
	}
	return v.String(), nil
}
