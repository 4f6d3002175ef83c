package jsi

import "fmt"

// String is an owned engine string.
type String struct{ s *slot }

func (s String) pointer() PointerValue { return s.s.pointer() }

// Valid reports whether s still owns a handle.
func (s String) Valid() bool { return s.s.pointer() != nil }

// Release frees the handle; later calls are no-ops.
func (s String) Release() { s.s.release() }

// Clone returns an independent owner of the same string.
func (s String) Clone(rt Runtime) String { return rt.CloneString(s) }

// UTF8 returns the contents of s.
func (s String) UTF8(rt Runtime) string { return rt.StringToUTF8(s) }

// Value converts s into a Value aliasing the same owner.
func (s String) Value() Value { return StringValue(s) }

// Symbol is an owned engine symbol.
type Symbol struct{ s *slot }

func (s Symbol) pointer() PointerValue { return s.s.pointer() }

func (s Symbol) Valid() bool             { return s.s.pointer() != nil }
func (s Symbol) Release()                { s.s.release() }
func (s Symbol) Clone(rt Runtime) Symbol { return rt.CloneSymbol(s) }
func (s Symbol) Value() Value            { return SymbolValue(s) }

// ToString returns the Symbol(description) form.
func (s Symbol) ToString(rt Runtime) string { return rt.SymbolToString(s) }

// PropNameID is an interned property key. Two keys are equal when their
// contents are equal, regardless of which engine allocation backs them.
type PropNameID struct{ s *slot }

func (p PropNameID) pointer() PointerValue { return p.s.pointer() }

func (p PropNameID) Valid() bool                 { return p.s.pointer() != nil }
func (p PropNameID) Release()                    { p.s.release() }
func (p PropNameID) Clone(rt Runtime) PropNameID { return rt.ClonePropNameID(p) }
func (p PropNameID) UTF8(rt Runtime) string      { return rt.PropNameIDToUTF8(p) }

// PropNameIDForASCII creates a key from ASCII text.
func PropNameIDForASCII(rt Runtime, s string) PropNameID { return rt.CreatePropNameID(s) }

// PropNameIDForUTF8 creates a key from UTF-8 text.
func PropNameIDForUTF8(rt Runtime, s string) PropNameID { return rt.CreatePropNameID(s) }

// PropNameIDForString creates a key from an engine string.
func PropNameIDForString(rt Runtime, s String) PropNameID {
	return rt.CreatePropNameIDFromString(s)
}

// PropNameIDForSymbol creates a key from a symbol.
func PropNameIDForSymbol(rt Runtime, sym Symbol) PropNameID {
	return rt.CreatePropNameIDFromSymbol(sym)
}

// PropNameIDEquals compares two keys by content.
func PropNameIDEquals(rt Runtime, a, b PropNameID) bool {
	return rt.ComparePropNameIDs(a, b)
}

// Object is an owned engine object.
type Object struct{ s *slot }

func (o Object) pointer() PointerValue { return o.s.pointer() }

func (o Object) Valid() bool             { return o.s.pointer() != nil }
func (o Object) Release()                { o.s.release() }
func (o Object) Clone(rt Runtime) Object { return rt.CloneObject(o) }

// Value converts o into a Value aliasing the same owner.
func (o Object) Value() Value { return ObjectValue(o) }

// GetProperty reads o[name].
func (o Object) GetProperty(rt Runtime, name string) (Value, error) {
	key := rt.CreatePropNameID(name)
	defer key.Release()
	return rt.GetProperty(o, key)
}

// SetProperty assigns o[name] = v. v stays owned by the caller.
func (o Object) SetProperty(rt Runtime, name string, v Value) error {
	key := rt.CreatePropNameID(name)
	defer key.Release()
	return rt.SetProperty(o, key, v)
}

// HasProperty implements the in operator.
func (o Object) HasProperty(rt Runtime, name string) (bool, error) {
	key := rt.CreatePropNameID(name)
	defer key.Release()
	return rt.HasProperty(o, key)
}

// GetPropertyAsObject reads o[name] and fails unless it is an object.
func (o Object) GetPropertyAsObject(rt Runtime, name string) (Object, error) {
	v, err := o.GetProperty(rt, name)
	if err != nil {
		return Object{}, err
	}
	if !v.IsObject() {
		msg := fmt.Sprintf("getPropertyAsObject: property '%s' is %s, expected an Object", name, describeKind(rt, v))
		v.Release()
		return Object{}, NewScriptError(rt, msg)
	}
	return v.GetObject(), nil
}

// GetPropertyAsFunction reads o[name] and fails unless it is callable.
func (o Object) GetPropertyAsFunction(rt Runtime, name string) (Function, error) {
	obj, err := o.GetPropertyAsObject(rt, name)
	if err != nil {
		return Function{}, err
	}
	if !rt.IsFunction(obj) {
		obj.Release()
		msg := fmt.Sprintf("getPropertyAsFunction: property '%s' is an object, expected a Function", name)
		return Function{}, NewScriptError(rt, msg)
	}
	return Function{Object: obj}, nil
}

func (o Object) IsFunction(rt Runtime) bool    { return rt.IsFunction(o) }
func (o Object) IsArray(rt Runtime) bool       { return rt.IsArray(o) }
func (o Object) IsArrayBuffer(rt Runtime) bool { return rt.IsArrayBuffer(o) }
func (o Object) IsHostObject(rt Runtime) bool  { return rt.IsHostObject(o) }

// GetHostObject returns the host object behind o. o must be a host object.
func (o Object) GetHostObject(rt Runtime) HostObject { return rt.GetHostObject(o) }

// AsFunction narrows o to a Function aliasing the same owner.
func (o Object) AsFunction(rt Runtime) (Function, error) {
	if !rt.IsFunction(o) {
		return Function{}, NewScriptError(rt, "Object is not a function")
	}
	return Function{Object: o}, nil
}

// AsArray narrows o to an Array aliasing the same owner.
func (o Object) AsArray(rt Runtime) (Array, error) {
	if !rt.IsArray(o) {
		return Array{}, NewScriptError(rt, "Object is not an array")
	}
	return Array{Object: o}, nil
}

// InstanceOf implements o instanceof ctor.
func (o Object) InstanceOf(rt Runtime, ctor Function) (bool, error) {
	return rt.InstanceOf(o, ctor)
}

// Function is an object that can be called.
type Function struct{ Object }

// Call invokes f with an undefined this.
func (f Function) Call(rt Runtime, args ...Value) (Value, error) {
	return rt.Call(f, Undefined(), args...)
}

// CallWithThis invokes f with the given this object.
func (f Function) CallWithThis(rt Runtime, this Object, args ...Value) (Value, error) {
	return rt.Call(f, ObjectValue(this), args...)
}

// CallAsConstructor implements new f(...args).
func (f Function) CallAsConstructor(rt Runtime, args ...Value) (Value, error) {
	return rt.CallAsConstructor(f, args...)
}

func (f Function) IsHostFunction(rt Runtime) bool { return rt.IsHostFunction(f) }

// GetHostFunction returns the host callback behind f. f must be a host
// function.
func (f Function) GetHostFunction(rt Runtime) HostFunction { return rt.GetHostFunction(f) }

// Array is a JavaScript array.
type Array struct{ Object }

func (a Array) Size(rt Runtime) (int, error) { return rt.Size(a) }

func (a Array) ValueAt(rt Runtime, i int) (Value, error) {
	return rt.GetValueAtIndex(a, i)
}

func (a Array) SetValueAt(rt Runtime, i int, v Value) error {
	return rt.SetValueAtIndex(a, i, v)
}

// CreateArrayFrom builds an array holding clones of values.
func CreateArrayFrom(rt Runtime, values ...Value) (Array, error) {
	arr, err := rt.CreateArray(len(values))
	if err != nil {
		return Array{}, err
	}
	for i, v := range values {
		if err := rt.SetValueAtIndex(arr, i, v); err != nil {
			arr.Release()
			return Array{}, err
		}
	}
	return arr, nil
}

// ArrayBuffer is a JavaScript ArrayBuffer.
type ArrayBuffer struct{ Object }

// Data returns the buffer contents. Backends may return the live backing
// store.
func (b ArrayBuffer) Data(rt Runtime) ([]byte, error) { return rt.ArrayBufferData(b) }

// WeakObject observes an object without keeping it alive.
type WeakObject struct{ s *slot }

func (w WeakObject) pointer() PointerValue { return w.s.pointer() }

func (w WeakObject) Valid() bool { return w.s.pointer() != nil }
func (w WeakObject) Release()    { w.s.release() }

// Lock returns the referent, or undefined once it has been collected.
func (w WeakObject) Lock(rt Runtime) Value { return rt.LockWeakObject(w) }
