// Package decorator wraps a jsi.Runtime so that code can run around every
// call into the engine.
//
// A decorated runtime forwards each method to the plain runtime between a
// call to its Hook and the returned completion func. Host functions and
// host objects handed to a decorated runtime are wrapped so that their
// callbacks receive the decorated runtime, never the plain one. Decorators
// nest; callbacks always see the outermost.
package decorator

import (
	"reflect"

	"github.com/6over3/jsi"
)

// Hook is called before a method is forwarded. The returned func is called
// once the method returns, with the error it produced (nil for methods
// without one). It also runs when the method panics.
type Hook func(method string) func(err error)

// Runtime is a jsi.Runtime that forwards to another runtime.
type Runtime struct {
	plain jsi.Runtime
	hook  Hook
}

var _ jsi.Runtime = (*Runtime)(nil)

// New decorates plain with hook. A nil hook forwards unchanged.
func New(plain jsi.Runtime, hook Hook) *Runtime {
	if hook == nil {
		hook = func(string) func(error) { return func(error) {} }
	}
	return &Runtime{plain: plain, hook: hook}
}

// Plain returns the decorated runtime.
func (d *Runtime) Plain() jsi.Runtime { return d.plain }

func (d *Runtime) enter(method string) func(error) { return d.hook(method) }

type hostObject struct {
	d     *Runtime
	inner jsi.HostObject
}

func (h *hostObject) Get(_ jsi.Runtime, name jsi.PropNameID) (jsi.Value, error) {
	return h.inner.Get(h.d, name)
}

func (h *hostObject) Set(_ jsi.Runtime, name jsi.PropNameID, value jsi.Value) error {
	return h.inner.Set(h.d, name, value)
}

func (h *hostObject) GetPropertyNames(_ jsi.Runtime) ([]jsi.PropNameID, error) {
	return h.inner.GetPropertyNames(h.d)
}

// hostFunc is the wrapper handed to the plain runtime for every host
// function. Its call method value is recognizable by code pointer, so
// GetHostFunction never calls a func it did not create.
type hostFunc struct {
	d  *Runtime
	fn jsi.HostFunction
}

// unwrapQuery, passed as the runtime, makes a hostFunc report itself
// instead of running.
type unwrapQuery struct {
	jsi.Runtime
	found *hostFunc
}

func (h *hostFunc) call(rt jsi.Runtime, this jsi.Value, args []jsi.Value) (jsi.Value, error) {
	if q, ok := rt.(*unwrapQuery); ok {
		q.found = h
		return jsi.Undefined(), nil
	}
	return h.fn(h.d, this, args)
}

var hostFuncCode = reflect.ValueOf((&hostFunc{}).call).Pointer()

func (d *Runtime) hostFunction(fn jsi.HostFunction) jsi.HostFunction {
	return (&hostFunc{d: d, fn: fn}).call
}

func (d *Runtime) Description() string {
	defer d.enter("Description")(nil)
	return d.plain.Description()
}

func (d *Runtime) Evaluate(src []byte, sourceURL string) (v jsi.Value, err error) {
	done := d.enter("Evaluate")
	defer func() { done(err) }()
	return d.plain.Evaluate(src, sourceURL)
}

func (d *Runtime) PrepareJavaScript(src []byte, sourceURL string) (p jsi.PreparedJavaScript, err error) {
	done := d.enter("PrepareJavaScript")
	defer func() { done(err) }()
	return d.plain.PrepareJavaScript(src, sourceURL)
}

func (d *Runtime) EvaluatePrepared(p jsi.PreparedJavaScript) (v jsi.Value, err error) {
	done := d.enter("EvaluatePrepared")
	defer func() { done(err) }()
	return d.plain.EvaluatePrepared(p)
}

func (d *Runtime) DrainMicrotasks(max int) (empty bool, err error) {
	done := d.enter("DrainMicrotasks")
	defer func() { done(err) }()
	return d.plain.DrainMicrotasks(max)
}

func (d *Runtime) Global() jsi.Object {
	defer d.enter("Global")(nil)
	return d.plain.Global()
}

func (d *Runtime) CreateObject() jsi.Object {
	defer d.enter("CreateObject")(nil)
	return d.plain.CreateObject()
}

func (d *Runtime) CreateObjectFromHostObject(ho jsi.HostObject) jsi.Object {
	defer d.enter("CreateObjectFromHostObject")(nil)
	return d.plain.CreateObjectFromHostObject(&hostObject{d: d, inner: ho})
}

func (d *Runtime) IsHostObject(o jsi.Object) bool {
	defer d.enter("IsHostObject")(nil)
	return d.plain.IsHostObject(o)
}

// GetHostObject returns the host object passed to CreateObjectFromHostObject.
func (d *Runtime) GetHostObject(o jsi.Object) jsi.HostObject {
	defer d.enter("GetHostObject")(nil)
	ho := d.plain.GetHostObject(o)
	if h, ok := ho.(*hostObject); ok && h.d == d {
		return h.inner
	}
	return ho
}

func (d *Runtime) CreateFunctionFromHostFunction(name jsi.PropNameID, paramCount int, fn jsi.HostFunction) jsi.Function {
	defer d.enter("CreateFunctionFromHostFunction")(nil)
	return d.plain.CreateFunctionFromHostFunction(name, paramCount, d.hostFunction(fn))
}

func (d *Runtime) IsHostFunction(fn jsi.Function) bool {
	defer d.enter("IsHostFunction")(nil)
	return d.plain.IsHostFunction(fn)
}

// GetHostFunction returns the host function passed to
// CreateFunctionFromHostFunction.
func (d *Runtime) GetHostFunction(fn jsi.Function) jsi.HostFunction {
	defer d.enter("GetHostFunction")(nil)
	inner := d.plain.GetHostFunction(fn)
	if reflect.ValueOf(inner).Pointer() != hostFuncCode {
		return inner
	}
	q := &unwrapQuery{}
	_, _ = inner(q, jsi.Undefined(), nil)
	if q.found != nil && q.found.d == d {
		return q.found.fn
	}
	return inner
}

func (d *Runtime) CreateString(s string) jsi.String {
	defer d.enter("CreateString")(nil)
	return d.plain.CreateString(s)
}

func (d *Runtime) CreateSymbol(description string) jsi.Symbol {
	defer d.enter("CreateSymbol")(nil)
	return d.plain.CreateSymbol(description)
}

func (d *Runtime) CreatePropNameID(s string) jsi.PropNameID {
	defer d.enter("CreatePropNameID")(nil)
	return d.plain.CreatePropNameID(s)
}

func (d *Runtime) CreatePropNameIDFromString(s jsi.String) jsi.PropNameID {
	defer d.enter("CreatePropNameIDFromString")(nil)
	return d.plain.CreatePropNameIDFromString(s)
}

func (d *Runtime) CreatePropNameIDFromSymbol(sym jsi.Symbol) jsi.PropNameID {
	defer d.enter("CreatePropNameIDFromSymbol")(nil)
	return d.plain.CreatePropNameIDFromSymbol(sym)
}

func (d *Runtime) CreateArray(length int) (a jsi.Array, err error) {
	done := d.enter("CreateArray")
	defer func() { done(err) }()
	return d.plain.CreateArray(length)
}

func (d *Runtime) CreateArrayBuffer(data []byte) (b jsi.ArrayBuffer, err error) {
	done := d.enter("CreateArrayBuffer")
	defer func() { done(err) }()
	return d.plain.CreateArrayBuffer(data)
}

func (d *Runtime) CreateWeakObject(o jsi.Object) (w jsi.WeakObject, err error) {
	done := d.enter("CreateWeakObject")
	defer func() { done(err) }()
	return d.plain.CreateWeakObject(o)
}

func (d *Runtime) LockWeakObject(w jsi.WeakObject) jsi.Value {
	defer d.enter("LockWeakObject")(nil)
	return d.plain.LockWeakObject(w)
}

func (d *Runtime) GetProperty(o jsi.Object, name jsi.PropNameID) (v jsi.Value, err error) {
	done := d.enter("GetProperty")
	defer func() { done(err) }()
	return d.plain.GetProperty(o, name)
}

func (d *Runtime) SetProperty(o jsi.Object, name jsi.PropNameID, v jsi.Value) (err error) {
	done := d.enter("SetProperty")
	defer func() { done(err) }()
	return d.plain.SetProperty(o, name, v)
}

func (d *Runtime) HasProperty(o jsi.Object, name jsi.PropNameID) (found bool, err error) {
	done := d.enter("HasProperty")
	defer func() { done(err) }()
	return d.plain.HasProperty(o, name)
}

func (d *Runtime) GetPropertyNames(o jsi.Object) (names jsi.Array, err error) {
	done := d.enter("GetPropertyNames")
	defer func() { done(err) }()
	return d.plain.GetPropertyNames(o)
}

func (d *Runtime) IsArray(o jsi.Object) bool {
	defer d.enter("IsArray")(nil)
	return d.plain.IsArray(o)
}

func (d *Runtime) IsArrayBuffer(o jsi.Object) bool {
	defer d.enter("IsArrayBuffer")(nil)
	return d.plain.IsArrayBuffer(o)
}

func (d *Runtime) IsFunction(o jsi.Object) bool {
	defer d.enter("IsFunction")(nil)
	return d.plain.IsFunction(o)
}

func (d *Runtime) Size(a jsi.Array) (n int, err error) {
	done := d.enter("Size")
	defer func() { done(err) }()
	return d.plain.Size(a)
}

func (d *Runtime) GetValueAtIndex(a jsi.Array, i int) (v jsi.Value, err error) {
	done := d.enter("GetValueAtIndex")
	defer func() { done(err) }()
	return d.plain.GetValueAtIndex(a, i)
}

func (d *Runtime) SetValueAtIndex(a jsi.Array, i int, v jsi.Value) (err error) {
	done := d.enter("SetValueAtIndex")
	defer func() { done(err) }()
	return d.plain.SetValueAtIndex(a, i, v)
}

func (d *Runtime) ArrayBufferData(b jsi.ArrayBuffer) (data []byte, err error) {
	done := d.enter("ArrayBufferData")
	defer func() { done(err) }()
	return d.plain.ArrayBufferData(b)
}

func (d *Runtime) Call(fn jsi.Function, this jsi.Value, args ...jsi.Value) (v jsi.Value, err error) {
	done := d.enter("Call")
	defer func() { done(err) }()
	return d.plain.Call(fn, this, args...)
}

func (d *Runtime) CallAsConstructor(fn jsi.Function, args ...jsi.Value) (v jsi.Value, err error) {
	done := d.enter("CallAsConstructor")
	defer func() { done(err) }()
	return d.plain.CallAsConstructor(fn, args...)
}

func (d *Runtime) InstanceOf(o jsi.Object, ctor jsi.Function) (ok bool, err error) {
	done := d.enter("InstanceOf")
	defer func() { done(err) }()
	return d.plain.InstanceOf(o, ctor)
}

func (d *Runtime) StringToUTF8(s jsi.String) string {
	defer d.enter("StringToUTF8")(nil)
	return d.plain.StringToUTF8(s)
}

func (d *Runtime) SymbolToString(s jsi.Symbol) string {
	defer d.enter("SymbolToString")(nil)
	return d.plain.SymbolToString(s)
}

func (d *Runtime) PropNameIDToUTF8(p jsi.PropNameID) string {
	defer d.enter("PropNameIDToUTF8")(nil)
	return d.plain.PropNameIDToUTF8(p)
}

func (d *Runtime) ComparePropNameIDs(a, b jsi.PropNameID) bool {
	defer d.enter("ComparePropNameIDs")(nil)
	return d.plain.ComparePropNameIDs(a, b)
}

func (d *Runtime) StrictEquals(a, b jsi.Value) bool {
	defer d.enter("StrictEquals")(nil)
	return d.plain.StrictEquals(a, b)
}

func (d *Runtime) CloneString(s jsi.String) jsi.String {
	defer d.enter("CloneString")(nil)
	return d.plain.CloneString(s)
}

func (d *Runtime) CloneSymbol(s jsi.Symbol) jsi.Symbol {
	defer d.enter("CloneSymbol")(nil)
	return d.plain.CloneSymbol(s)
}

func (d *Runtime) CloneObject(o jsi.Object) jsi.Object {
	defer d.enter("CloneObject")(nil)
	return d.plain.CloneObject(o)
}

func (d *Runtime) ClonePropNameID(p jsi.PropNameID) jsi.PropNameID {
	defer d.enter("ClonePropNameID")(nil)
	return d.plain.ClonePropNameID(p)
}

func (d *Runtime) LiveCount(cat jsi.Category) int64 {
	defer d.enter("LiveCount")(nil)
	return d.plain.LiveCount(cat)
}

func (d *Runtime) Close() (err error) {
	done := d.enter("Close")
	defer func() { done(err) }()
	return d.plain.Close()
}
