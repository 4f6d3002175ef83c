package jsi

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// HostObject is a Go object exposed to script as an ordinary object.
//
// Names and values passed in are borrowed for the duration of the call;
// clone them to keep them. A value returned from Get is owned by the
// engine afterwards.
type HostObject interface {
	Get(rt Runtime, name PropNameID) (Value, error)
	Set(rt Runtime, name PropNameID, value Value) error
	GetPropertyNames(rt Runtime) ([]PropNameID, error)
}

// HostFunction is a Go function callable from script. this and args are
// borrowed; the returned value is owned by the engine afterwards. Returning
// a *ScriptError re-throws its value; any other error or panic is thrown as
// a new Error.
type HostFunction func(rt Runtime, this Value, args []Value) (Value, error)

// HostObjectFuncs adapts plain functions to HostObject. Nil fields behave
// like an object with no properties that rejects assignment.
type HostObjectFuncs struct {
	GetFunc   func(rt Runtime, name PropNameID) (Value, error)
	SetFunc   func(rt Runtime, name PropNameID, value Value) error
	NamesFunc func(rt Runtime) ([]PropNameID, error)
}

func (h *HostObjectFuncs) Get(rt Runtime, name PropNameID) (Value, error) {
	if h.GetFunc == nil {
		return Undefined(), nil
	}
	return h.GetFunc(rt, name)
}

func (h *HostObjectFuncs) Set(rt Runtime, name PropNameID, value Value) error {
	if h.SetFunc == nil {
		return NewTypedScriptError(rt, "TypeError",
			fmt.Sprintf("Cannot assign to property '%s' on HostObject with default setter", name.UTF8(rt)))
	}
	return h.SetFunc(rt, name, value)
}

func (h *HostObjectFuncs) GetPropertyNames(rt Runtime) ([]PropNameID, error) {
	if h.NamesFunc == nil {
		return nil, nil
	}
	return h.NamesFunc(rt)
}

// unknownHostException stands in for panic values that are neither errors
// nor strings.
type unknownHostException struct {
	value any
}

func (u *unknownHostException) Error() string { return "<unknown>" }

func recovered(x any) error {
	if p, ok := x.(*PreconditionViolation); ok {
		panic(p)
	}
	switch v := x.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	}
	return &unknownHostException{value: x}
}

// InvokeHostFunction calls fn and converts a panic into an error, so that
// nothing but an error value reaches the engine trampoline. Precondition
// violations keep panicking.
func InvokeHostFunction(rt Runtime, fn HostFunction, this Value, args []Value) (ret Value, err error) {
	defer func() {
		if x := recover(); x != nil {
			ret, err = Undefined(), recovered(x)
		}
	}()
	return fn(rt, this, args)
}

// InvokeHostGet calls ho.Get with the same panic policy as
// InvokeHostFunction.
func InvokeHostGet(rt Runtime, ho HostObject, name PropNameID) (ret Value, err error) {
	defer func() {
		if x := recover(); x != nil {
			ret, err = Undefined(), recovered(x)
		}
	}()
	return ho.Get(rt, name)
}

// InvokeHostSet calls ho.Set with the same panic policy as
// InvokeHostFunction.
func InvokeHostSet(rt Runtime, ho HostObject, name PropNameID, value Value) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = recovered(x)
		}
	}()
	return ho.Set(rt, name, value)
}

// InvokeHostPropertyNames calls ho.GetPropertyNames with the same panic
// policy as InvokeHostFunction.
func InvokeHostPropertyNames(rt Runtime, ho HostObject) (names []PropNameID, err error) {
	defer func() {
		if x := recover(); x != nil {
			names, err = nil, recovered(x)
		}
	}()
	return ho.GetPropertyNames(rt)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// DescribeHostError formats a host failure for script. where names the
// crossing, e.g. "HostFunction". stack is the Go stack when err carries one
// from github.com/pkg/errors.
func DescribeHostError(where string, err error) (message, stack string) {
	var unknown *unknownHostException
	if errors.As(err, &unknown) {
		return "Exception in " + where + ": <unknown>", ""
	}
	message = "Exception in " + where + ": " + err.Error()

	var st stackTracer
	if errors.As(err, &st) {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return message, stack
}

// RethrowValue reports whether err should be re-thrown as its original
// script value, returning that ScriptError.
func RethrowValue(err error) (*ScriptError, bool) {
	var se *ScriptError
	if errors.As(err, &se) && se.HasValue() {
		return se, true
	}
	return nil, false
}
