package gojart

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/dop251/goja"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/6over3/jsi"
)

// hostRecord is the host side of a proxy object. It is referenced only by
// the goja proxy and by hostTable, so it dies with the proxy.
type hostRecord struct {
	object   jsi.HostObject
	function jsi.HostFunction
}

// hostTable maps live proxies to their records. Entries are keyed weakly
// and dropped by a cleanup once goja's object is collected.
type hostTable struct {
	mu      sync.Mutex
	entries map[weak.Pointer[goja.Object]]*hostRecord
	closed  bool
}

func newHostTable() *hostTable {
	return &hostTable{entries: make(map[weak.Pointer[goja.Object]]*hostRecord)}
}

func (t *hostTable) add(obj *goja.Object, rec *hostRecord) {
	key := weak.Make(obj)
	t.mu.Lock()
	t.entries[key] = rec
	t.mu.Unlock()
	runtime.AddCleanup(obj, t.drop, key)
}

// drop runs on the cleanup goroutine; it only touches host state.
func (t *hostTable) drop(key weak.Pointer[goja.Object]) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func (t *hostTable) lookup(obj *goja.Object) *hostRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.entries[weak.Make(obj)]
}

func (t *hostTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *hostTable) close() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	t.closed = true
	clear(t.entries)
	return n
}

// hostObject adapts a jsi.HostObject to goja.DynamicObject.
type hostObject struct {
	rt *Runtime
	ho jsi.HostObject
}

func (h *hostObject) name(key string) jsi.PropNameID {
	return jsi.MakePropNameID(h.rt.wrap(h.rt.vm.ToValue(key), jsi.CategoryPropNameID))
}

func (h *hostObject) Get(key string) goja.Value {
	r := h.rt
	if r.closing() {
		return nil
	}
	name := h.name(key)
	defer name.Release()

	v, err := jsi.InvokeHostGet(r, h.ho, name)
	if err != nil {
		panic(r.throwable(fmt.Sprintf("HostObject::get for prop '%s'", key), err))
	}
	defer v.Release()
	if v.IsUndefined() {
		return nil
	}
	return r.gojaValue(v)
}

func (h *hostObject) Set(key string, val goja.Value) bool {
	r := h.rt
	if r.closing() {
		return false
	}
	name := h.name(key)
	defer name.Release()
	value := r.toValue(val)
	defer value.Release()

	if err := jsi.InvokeHostSet(r, h.ho, name, value); err != nil {
		panic(r.throwable(fmt.Sprintf("HostObject::set for prop '%s'", key), err))
	}
	return true
}

func (h *hostObject) Has(key string) bool {
	return h.Get(key) != nil
}

func (h *hostObject) Delete(string) bool {
	return false
}

// Keys reports enumeration failures as a thrown script value, which goja
// turns into a catchable exception.
func (h *hostObject) Keys() []string {
	r := h.rt
	if r.closing() {
		return nil
	}
	names, err := jsi.InvokeHostPropertyNames(r, h.ho)
	if err != nil {
		panic(r.throwable("HostObject::getPropertyNames", err))
	}
	// Symbol names have no string form as property keys.
	keys := lo.FilterMap(names, func(n jsi.PropNameID, _ int) (string, bool) {
		k, sym := r.key(n)
		return k, sym == nil
	})
	for _, n := range names {
		n.Release()
	}
	return lo.Uniq(keys)
}

// trampoline is the native function goja calls for a host function. It
// wraps raw arguments before entering host code and never lets a Go panic
// unwind through goja.
func (r *Runtime) trampoline(fn jsi.HostFunction) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if r.closing() {
			panic(r.vm.NewGoError(errors.New("Exception in HostFunction: runtime is closed")))
		}
		this := r.toValue(call.This)
		args := lo.Map(call.Arguments, func(a goja.Value, _ int) jsi.Value { return r.toValue(a) })
		defer func() {
			this.Release()
			for _, a := range args {
				a.Release()
			}
		}()

		ret, err := jsi.InvokeHostFunction(r, fn, this, args)
		if err != nil {
			panic(r.throwable("HostFunction", err))
		}
		out := r.gojaValue(ret)
		ret.Release()
		return out
	}
}

// throwable converts a host error into the value to throw into script.
func (r *Runtime) throwable(where string, err error) goja.Value {
	if se, ok := jsi.RethrowValue(err); ok {
		v := r.gojaValue(se.Value())
		se.Release()
		return v
	}

	var se *jsi.ScriptError
	if errors.As(err, &se) {
		return r.vm.NewGoError(errors.New(se.Message))
	}

	msg, stack := jsi.DescribeHostError(where, err)
	obj := r.vm.NewGoError(errors.New(msg))
	if stack != "" {
		if setErr := obj.Set("hostStack", stack); setErr != nil {
			r.logger.Debug("attach host stack", zap.Error(setErr))
		}
	}
	return obj
}

func (r *Runtime) CreateObjectFromHostObject(ho jsi.HostObject) jsi.Object {
	obj := r.vm.NewDynamicObject(&hostObject{rt: r, ho: ho})
	r.hosts.add(obj, &hostRecord{object: ho})
	return r.newObject(obj)
}

func (r *Runtime) IsHostObject(o jsi.Object) bool {
	rec := r.hosts.lookup(r.object(o))
	return rec != nil && rec.object != nil
}

func (r *Runtime) GetHostObject(o jsi.Object) jsi.HostObject {
	rec := r.hosts.lookup(r.object(o))
	jsi.Precondition(rec != nil && rec.object != nil, "GetHostObject on an object that is not a host object")
	return rec.object
}

func (r *Runtime) CreateFunctionFromHostFunction(name jsi.PropNameID, paramCount int, fn jsi.HostFunction) jsi.Function {
	obj := r.vm.ToValue(r.trampoline(fn)).(*goja.Object)
	if err := obj.DefineDataProperty("name", r.vm.ToValue(r.PropNameIDToUTF8(name)), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		r.logger.Debug("define host function name", zap.Error(err))
	}
	if err := obj.DefineDataProperty("length", r.vm.ToValue(paramCount), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		r.logger.Debug("define host function length", zap.Error(err))
	}
	r.hosts.add(obj, &hostRecord{function: fn})
	return jsi.Function{Object: r.newObject(obj)}
}

func (r *Runtime) IsHostFunction(fn jsi.Function) bool {
	rec := r.hosts.lookup(r.object(fn.Object))
	return rec != nil && rec.function != nil
}

func (r *Runtime) GetHostFunction(fn jsi.Function) jsi.HostFunction {
	rec := r.hosts.lookup(r.object(fn.Object))
	jsi.Precondition(rec != nil && rec.function != nil, "GetHostFunction on a function that is not a host function")
	return rec.function
}
