package jsi

import (
	"strconv"
)

// ValueKind is the active tag of a Value.
type ValueKind int

const (
	KindUndefined ValueKind = iota
	KindNull
	KindBool
	KindNumber
	KindSymbol
	KindString
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindSymbol:
		return "symbol"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	}
	return "ValueKind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a JavaScript value. The zero Value is undefined.
//
// String, symbol and object values own an engine handle and must be
// released; primitives need no release but Release is always safe.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    *slot
}

// Undefined returns the undefined value.
func Undefined() Value { return Value{} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a number value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int returns a number value holding i.
func Int(i int) Value { return Value{kind: KindNumber, n: float64(i)} }

// StringValue wraps s; the value takes over s's ownership.
func StringValue(s String) Value { return Value{kind: KindString, s: s.s} }

// SymbolValue wraps sym; the value takes over sym's ownership.
func SymbolValue(sym Symbol) Value { return Value{kind: KindSymbol, s: sym.s} }

// ObjectValue wraps o; the value takes over o's ownership. Functions and
// arrays are passed as their embedded Object.
func ObjectValue(o Object) Value { return Value{kind: KindObject, s: o.s} }

// StringFromUTF8 creates a string value owned by the caller.
func StringFromUTF8(rt Runtime, s string) Value {
	return StringValue(rt.CreateString(s))
}

func (v Value) pointer() PointerValue { return v.s.pointer() }

// Kind reports the active tag.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsBool() bool      { return v.kind == KindBool }
func (v Value) IsNumber() bool    { return v.kind == KindNumber }
func (v Value) IsString() bool    { return v.kind == KindString }
func (v Value) IsSymbol() bool    { return v.kind == KindSymbol }
func (v Value) IsObject() bool    { return v.kind == KindObject }

// AsBool returns the boolean, or a *TypeError when v is not a boolean.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, &TypeError{Want: KindBool, Got: v.kind}
	}
	return v.b, nil
}

// AsNumber returns the number, or a *TypeError when v is not a number.
func (v Value) AsNumber() (float64, error) {
	if v.kind != KindNumber {
		return 0, &TypeError{Want: KindNumber, Got: v.kind}
	}
	return v.n, nil
}

// AsString returns a String aliasing v.
func (v Value) AsString() (String, error) {
	if v.kind != KindString {
		return String{}, &TypeError{Want: KindString, Got: v.kind}
	}
	return String{s: v.s}, nil
}

// AsSymbol returns a Symbol aliasing v.
func (v Value) AsSymbol() (Symbol, error) {
	if v.kind != KindSymbol {
		return Symbol{}, &TypeError{Want: KindSymbol, Got: v.kind}
	}
	return Symbol{s: v.s}, nil
}

// AsObject returns an Object aliasing v.
func (v Value) AsObject() (Object, error) {
	if v.kind != KindObject {
		return Object{}, &TypeError{Want: KindObject, Got: v.kind}
	}
	return Object{s: v.s}, nil
}

// GetBool returns the boolean. Calling it on another kind is a
// precondition violation.
func (v Value) GetBool() bool {
	Precondition(v.kind == KindBool, "GetBool on a %s value", v.kind)
	return v.b
}

// GetNumber returns the number. Calling it on another kind is a
// precondition violation.
func (v Value) GetNumber() float64 {
	Precondition(v.kind == KindNumber, "GetNumber on a %s value", v.kind)
	return v.n
}

// GetObject returns an Object aliasing v. Calling it on another kind is a
// precondition violation.
func (v Value) GetObject() Object {
	Precondition(v.kind == KindObject, "GetObject on a %s value", v.kind)
	return Object{s: v.s}
}

// GetString returns a String aliasing v. Calling it on another kind is a
// precondition violation.
func (v Value) GetString() String {
	Precondition(v.kind == KindString, "GetString on a %s value", v.kind)
	return String{s: v.s}
}

// GetSymbol returns a Symbol aliasing v. Calling it on another kind is a
// precondition violation.
func (v Value) GetSymbol() Symbol {
	Precondition(v.kind == KindSymbol, "GetSymbol on a %s value", v.kind)
	return Symbol{s: v.s}
}

// Clone returns an independent owner of the same value.
func (v Value) Clone(rt Runtime) Value {
	switch v.kind {
	case KindString:
		return StringValue(rt.CloneString(String{s: v.s}))
	case KindSymbol:
		return SymbolValue(rt.CloneSymbol(Symbol{s: v.s}))
	case KindObject:
		return ObjectValue(rt.CloneObject(Object{s: v.s}))
	}
	return v
}

// Release frees the engine handle of a string, symbol or object value.
func (v Value) Release() {
	v.s.release()
}

// Released reports whether a handle-backed value has been released.
func (v Value) Released() bool {
	switch v.kind {
	case KindString, KindSymbol, KindObject:
		return v.s.pointer() == nil
	}
	return false
}

// String describes v without touching the engine; use ToString for the
// JavaScript conversion.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString, KindSymbol, KindObject:
		return "[" + v.kind.String() + "]"
	}
	return v.kind.String()
}

// StrictEquals implements the === operator.
func StrictEquals(rt Runtime, a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	}
	return rt.StrictEquals(a, b)
}

// ToString converts v with the global String function.
func ToString(rt Runtime, v Value) (String, error) {
	if v.kind == KindString {
		return rt.CloneString(String{s: v.s}), nil
	}
	res, err := callGlobalFunction(rt, "String", v)
	if err != nil {
		return String{}, err
	}
	s, err := res.AsString()
	if err != nil {
		res.Release()
		return String{}, err
	}
	return s, nil
}

func callGlobalFunction(rt Runtime, name string, args ...Value) (Value, error) {
	global := rt.Global()
	defer global.Release()

	fv, err := global.GetProperty(rt, name)
	if err != nil {
		return Undefined(), err
	}
	defer fv.Release()

	if !fv.IsObject() || !rt.IsFunction(fv.GetObject()) {
		return Undefined(), &ScriptError{
			Kind:    KindThrown,
			Message: "callGlobalFunction: JS global property '" + name + "' is " + describeKind(rt, fv) + ", expected a Function",
			Stack:   noStack,
		}
	}
	return rt.Call(Function{Object: fv.GetObject()}, Undefined(), args...)
}

// describeKind names v's kind for diagnostics.
func describeKind(rt Runtime, v Value) string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return "a number"
	case KindString:
		return "a string"
	case KindSymbol:
		return "a symbol"
	}
	if rt != nil && v.s.pointer() != nil && rt.IsFunction(Object{s: v.s}) {
		return "a function"
	}
	return "an object"
}
