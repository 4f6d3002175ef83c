package gojart

import (
	"reflect"
	"weak"

	"github.com/dop251/goja"

	"github.com/6over3/jsi"
)

// pointer holds one goja value on behalf of a host handle. goja values are
// managed by the Go collector, so releasing a pointer means dropping the
// reference and updating the live counters.
type pointer struct {
	rt  *Runtime
	v   goja.Value
	cat jsi.Category
}

func (p *pointer) Invalidate() {
	p.v = nil
	p.rt.live.Release(p.cat)
}

// weakPointer observes an object through a Go weak pointer.
type weakPointer struct {
	rt  *Runtime
	ref weak.Pointer[goja.Object]
}

func (p *weakPointer) Invalidate() {
	p.ref = weak.Pointer[goja.Object]{}
	p.rt.live.Release(jsi.CategoryWeakObject)
}

func (r *Runtime) wrap(v goja.Value, cat jsi.Category) *pointer {
	r.live.Retain(cat)
	return &pointer{rt: r, v: v, cat: cat}
}

func (r *Runtime) unwrap(pv jsi.PointerValue) goja.Value {
	p, ok := pv.(*pointer)
	jsi.Precondition(ok, "gojart: handle is released or was not created by a goja runtime")
	jsi.Precondition(p.rt == r, "gojart: handle belongs to a different runtime")
	jsi.Precondition(p.v != nil, "gojart: handle is released")
	return p.v
}

func (r *Runtime) object(o jsi.Object) *goja.Object {
	obj, ok := r.unwrap(jsi.PointerOf(o)).(*goja.Object)
	jsi.Precondition(ok, "gojart: handle is not an object")
	return obj
}

func (r *Runtime) newObject(obj *goja.Object) jsi.Object {
	return jsi.MakeObject(r.wrap(obj, jsi.CategoryObject))
}

func (r *Runtime) newString(s string) jsi.String {
	return jsi.MakeString(r.wrap(r.vm.ToValue(s), jsi.CategoryString))
}

// toValue wraps a goja value into a host Value owned by the caller.
func (r *Runtime) toValue(v goja.Value) jsi.Value {
	if v == nil || goja.IsUndefined(v) {
		return jsi.Undefined()
	}
	if goja.IsNull(v) {
		return jsi.Null()
	}
	switch x := v.(type) {
	case *goja.Object:
		return jsi.ObjectValue(r.newObject(x))
	case *goja.Symbol:
		return jsi.SymbolValue(jsi.MakeSymbol(r.wrap(x, jsi.CategorySymbol)))
	}

	switch v.ExportType().Kind() {
	case reflect.Bool:
		return jsi.Bool(v.ToBoolean())
	case reflect.String:
		return jsi.StringValue(jsi.MakeString(r.wrap(v, jsi.CategoryString)))
	case reflect.Int, reflect.Int64, reflect.Float64:
		return jsi.Number(v.ToFloat())
	}
	// BigInt and other primitives have no Value kind; keep their text.
	return jsi.StringValue(r.newString(v.String()))
}

// gojaValue borrows the goja value behind v.
func (r *Runtime) gojaValue(v jsi.Value) goja.Value {
	switch v.Kind() {
	case jsi.KindUndefined:
		return goja.Undefined()
	case jsi.KindNull:
		return goja.Null()
	case jsi.KindBool:
		return r.vm.ToValue(v.GetBool())
	case jsi.KindNumber:
		return r.vm.ToValue(v.GetNumber())
	}
	return r.unwrap(jsi.PointerOf(v))
}

func (r *Runtime) gojaValues(args []jsi.Value) []goja.Value {
	out := make([]goja.Value, len(args))
	for i, a := range args {
		out[i] = r.gojaValue(a)
	}
	return out
}

func (r *Runtime) CloneString(s jsi.String) jsi.String {
	return jsi.MakeString(r.wrap(r.unwrap(jsi.PointerOf(s)), jsi.CategoryString))
}

func (r *Runtime) CloneSymbol(s jsi.Symbol) jsi.Symbol {
	return jsi.MakeSymbol(r.wrap(r.unwrap(jsi.PointerOf(s)), jsi.CategorySymbol))
}

func (r *Runtime) CloneObject(o jsi.Object) jsi.Object {
	return r.newObject(r.object(o))
}

func (r *Runtime) ClonePropNameID(p jsi.PropNameID) jsi.PropNameID {
	return jsi.MakePropNameID(r.wrap(r.unwrap(jsi.PointerOf(p)), jsi.CategoryPropNameID))
}

func (r *Runtime) LiveCount(cat jsi.Category) int64 { return r.live.Load(cat) }
