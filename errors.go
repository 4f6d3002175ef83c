package jsi

import (
	"errors"
	"fmt"
	"strings"
)

const noStack = "no stack"

// ErrorKind classifies a ScriptError.
type ErrorKind int

const (
	// KindThrown is a value thrown by script.
	KindThrown ErrorKind = iota
	// KindFatal is an unrecoverable engine condition such as a stack
	// overflow or an engine trap.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "thrown"
}

// ScriptError is a JavaScript exception surfaced to host code.
//
// A thrown error owns the thrown value; call Release once the value is no
// longer needed. Returning a ScriptError from a HostFunction re-throws the
// original value into script and hands ownership back to the engine.
type ScriptError struct {
	Kind    ErrorKind
	Message string
	Stack   string

	value    Value
	hasValue bool
}

func (e *ScriptError) Error() string {
	if e.Kind == KindFatal {
		return "fatal: " + e.Message
	}
	return e.Message
}

// Value returns the thrown value, borrowed from e.
func (e *ScriptError) Value() Value { return e.value }

// HasValue reports whether e carries a thrown value. Fatal errors and
// errors raised before an engine value could be built do not.
func (e *ScriptError) HasValue() bool { return e.hasValue && !e.value.Released() }

// IsFatal reports whether e is an unrecoverable engine condition.
func (e *ScriptError) IsFatal() bool { return e.Kind == KindFatal }

// Release frees the thrown value.
func (e *ScriptError) Release() {
	if e == nil {
		return
	}
	e.value.Release()
}

// NewThrownError wraps a thrown value with an already known message.
func NewThrownError(value Value, message, stack string) *ScriptError {
	if stack == "" {
		stack = noStack
	}
	return &ScriptError{Kind: KindThrown, Message: message, Stack: stack, value: value, hasValue: true}
}

// NewFatalError reports an unrecoverable engine condition.
func NewFatalError(message, stack string) *ScriptError {
	if stack == "" {
		stack = noStack
	}
	return &ScriptError{Kind: KindFatal, Message: message, Stack: stack}
}

// ReleaseError frees the thrown value if err is a *ScriptError.
func ReleaseError(err error) {
	var se *ScriptError
	if errors.As(err, &se) {
		se.Release()
	}
}

// NewScriptError builds a new Error object in script with the given
// message, using the global Error constructor.
func NewScriptError(rt Runtime, message string) *ScriptError {
	return NewTypedScriptError(rt, "Error", message)
}

// NewTypedScriptError is NewScriptError with another global constructor,
// such as TypeError or SyntaxError. If the constructor is unusable the
// error still carries a message explaining why.
func NewTypedScriptError(rt Runtime, ctorName, message string) *ScriptError {
	msgVal := StringFromUTF8(rt, message)
	defer msgVal.Release()

	global := rt.Global()
	defer global.Release()

	ctorVal, err := global.GetProperty(rt, ctorName)
	if err != nil {
		return &ScriptError{Kind: KindThrown, Message: fmt.Sprintf("%s (while raising %s)", errorMessage(err), message), Stack: noStack}
	}
	defer ctorVal.Release()

	if !ctorVal.IsObject() || !rt.IsFunction(ctorVal.GetObject()) {
		return &ScriptError{
			Kind:    KindThrown,
			Message: fmt.Sprintf("callGlobalFunction: JS global property '%s' is %s, expected a Function (while raising %s)", ctorName, describeKind(rt, ctorVal), message),
			Stack:   noStack,
		}
	}

	errVal, err := rt.CallAsConstructor(Function{Object: ctorVal.GetObject()}, msgVal)
	if err != nil {
		return &ScriptError{Kind: KindThrown, Message: fmt.Sprintf("%s (while raising %s)", errorMessage(err), message), Stack: noStack}
	}
	stack := noStack
	if s, ok := stringProperty(rt, errVal, "stack"); ok {
		stack = s
	}
	return NewThrownError(errVal, message, stack)
}

// errorMessage formats err and releases any thrown value it owns.
func errorMessage(err error) string {
	var se *ScriptError
	if errors.As(err, &se) {
		se.Release()
		return se.Message
	}
	return err.Error()
}

func stringProperty(rt Runtime, v Value, name string) (string, bool) {
	if !v.IsObject() {
		return "", false
	}
	p, err := v.GetObject().GetProperty(rt, name)
	if err != nil {
		ReleaseError(err)
		return "", false
	}
	defer p.Release()
	if !p.IsString() {
		return "", false
	}
	return p.GetString().UTF8(rt), true
}

// maxTranslateDepth bounds how far deriving a message may re-enter the
// translator, e.g. when a message getter throws.
const maxTranslateDepth = 2

// Translator turns thrown engine values into ScriptErrors. Backends keep
// one per runtime; it is not safe for concurrent use.
type Translator struct {
	depth int
}

// Translate takes ownership of thrown and derives the message and stack
// from it. engineStack is used when the value has no stack of its own.
// Failures while stringifying degrade to a synthetic message instead of
// recursing.
func (t *Translator) Translate(rt Runtime, thrown Value, engineStack string) *ScriptError {
	e := &ScriptError{Kind: KindThrown, value: thrown, hasValue: true}
	if t.depth >= maxTranslateDepth {
		e.Message = primitiveMessage(rt, thrown)
		e.Stack = orNoStack(engineStack)
		return e
	}
	t.depth++
	defer func() { t.depth-- }()

	if thrown.IsObject() {
		obj := thrown.GetObject()
		e.Message = t.describeProperty(rt, obj, "message", "message")
		e.Stack = t.describeProperty(rt, obj, "stack", "stack")
	}
	if e.Message == "" {
		e.Message = t.describeValue(rt, thrown)
	}
	if e.Stack == "" {
		e.Stack = orNoStack(engineStack)
	}
	return e
}

func (t *Translator) describeProperty(rt Runtime, obj Object, prop, what string) string {
	v, err := obj.GetProperty(rt, prop)
	if err != nil {
		return fmt.Sprintf("[Exception while creating %s string: %s]", what, errorMessage(err))
	}
	defer v.Release()

	switch {
	case v.IsUndefined():
		return ""
	case v.IsString():
		return v.GetString().UTF8(rt)
	}
	s, err := ToString(rt, v)
	if err != nil {
		return fmt.Sprintf("[Exception while creating %s string: %s]", what, errorMessage(err))
	}
	defer s.Release()
	return s.UTF8(rt)
}

func (t *Translator) describeValue(rt Runtime, v Value) string {
	if v.IsString() {
		return v.GetString().UTF8(rt)
	}
	s, err := ToString(rt, v)
	if err != nil {
		return fmt.Sprintf("[Exception while creating message string: %s]", errorMessage(err))
	}
	defer s.Release()
	return s.UTF8(rt)
}

// primitiveMessage describes v without running script.
func primitiveMessage(rt Runtime, v Value) string {
	if v.IsString() {
		return v.GetString().UTF8(rt)
	}
	if v.IsObject() || v.IsSymbol() {
		return "exception thrown while translating another exception"
	}
	return v.String()
}

func orNoStack(s string) string {
	if strings.TrimSpace(s) == "" {
		return noStack
	}
	return s
}

// ErrNotImplemented matches every *NotImplementedError via errors.Is.
var ErrNotImplemented = errors.New("jsi: not implemented")

// NotImplementedError reports a capability the active backend lacks.
type NotImplementedError struct {
	Backend string
	Feature string
}

func (e *NotImplementedError) Error() string {
	if e.Backend == "" {
		return "jsi: " + e.Feature + " is not implemented"
	}
	return "jsi: " + e.Feature + " is not implemented by " + e.Backend
}

func (e *NotImplementedError) Is(target error) bool { return target == ErrNotImplemented }

// ErrType matches every *TypeError via errors.Is.
var ErrType = errors.New("jsi: type mismatch")

// TypeError reports a Value accessed as the wrong kind.
type TypeError struct {
	Want ValueKind
	Got  ValueKind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("jsi: value is %s, expected %s", e.Got, e.Want)
}

func (e *TypeError) Is(target error) bool { return target == ErrType }

// PreconditionViolation is the panic value raised when host code misuses
// the API, for example by asking a plain object for its host object or by
// passing a handle to a runtime that did not create it. It signals a bug in
// the embedding and is never returned as an error.
type PreconditionViolation struct {
	Message string
}

func (p *PreconditionViolation) Error() string { return "jsi: precondition violated: " + p.Message }

// Precondition panics with a *PreconditionViolation unless cond holds.
func Precondition(cond bool, format string, args ...any) {
	if !cond {
		panic(&PreconditionViolation{Message: fmt.Sprintf(format, args...)})
	}
}
