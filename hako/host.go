package hako

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/6over3/jsi"
)

// hostRecord is the host side of a function created with NewFunction. The
// intrinsic callbacks have internal set; user functions and host objects
// carry the jsi value.
type hostRecord struct {
	object   jsi.HostObject
	function jsi.HostFunction
	internal func(args []ValuePtr) ValuePtr
}

// hostTable maps the ids passed through call_function to records. Entries
// of host objects and functions are dropped by a FinalizationRegistry once
// script no longer references them.
type hostTable struct {
	mu      sync.Mutex
	next    int32
	entries map[int32]*hostRecord
	closed  bool
}

func newHostTable() *hostTable {
	return &hostTable{entries: make(map[int32]*hostRecord)}
}

func (t *hostTable) add(rec *hostRecord) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.entries[t.next] = rec
	return t.next
}

func (t *hostTable) drop(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *hostTable) lookup(id int32) *hostRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.entries[id]
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

// fatalKind results.
const (
	fatalNone = iota
	fatalStackOverflow
	fatalInterrupted
)

// bootstrapSource evaluates to a factory that captures the built-ins the
// realm relies on, so later changes to globals by script do not affect the
// bridge. The four arguments are host callbacks.
const bootstrapSource = `(function (hostGet, hostSet, hostKeys, release) {
  "use strict";
  const ErrorCtor = Error;
  const RangeErrorCtor = RangeError;
  const InternalErrorCtor = typeof InternalError === "function" ? InternalError : null;
  const ArrayBufferCtor = typeof ArrayBuffer === "function" ? ArrayBuffer : null;
  const WeakRefCtor = typeof WeakRef === "function" ? WeakRef : null;
  const ProxyCtor = Proxy;
  const StringFn = String;
  const { apply, construct, get: reflectGet, defineProperty } = Reflect;
  const isArray = Array.isArray;
  const SymbolFn = Symbol;
  const symbolToString = Symbol.prototype.toString;
  const ids = new WeakMap();
  const registry = typeof FinalizationRegistry === "function" ? new FinalizationRegistry(release) : null;

  const track = (obj, id) => {
    ids.set(obj, id);
    if (registry) registry.register(obj, id);
    return obj;
  };

  return {
    hostObject(id) {
      return track(new ProxyCtor({}, {
        get(target, key, receiver) {
          if (typeof key !== "symbol") {
            const v = hostGet(id, key);
            if (v !== undefined) return v;
          }
          return reflectGet(target, key, receiver);
        },
        set(target, key, value) {
          if (typeof key === "symbol") return false;
          hostSet(id, key, value);
          return true;
        },
        has(target, key) {
          return typeof key !== "symbol" && hostGet(id, key) !== undefined;
        },
        deleteProperty() {
          return false;
        },
        ownKeys() {
          return hostKeys(id);
        },
        getOwnPropertyDescriptor(target, key) {
          if (typeof key === "symbol") return undefined;
          const value = hostGet(id, key);
          if (value === undefined) return undefined;
          return { value, writable: true, enumerable: true, configurable: true };
        },
        defineProperty(target, key, desc) {
          if (typeof key === "symbol" || !("value" in desc)) return false;
          hostSet(id, key, desc.value);
          return true;
        },
      }), id);
    },
    hostFunction(fn, id, name, length) {
      defineProperty(fn, "name", { value: name, configurable: true });
      defineProperty(fn, "length", { value: length, configurable: true });
      track(fn, id);
    },
    hostId(v) {
      const id = ids.get(v);
      return id === undefined ? -1 : id;
    },
    hostError(message, stack) {
      const e = new ErrorCtor(message);
      if (stack) defineProperty(e, "hostStack", { value: stack, writable: true, configurable: true });
      return e;
    },
    isArray,
    isArrayBuffer(o) {
      return ArrayBufferCtor !== null && o instanceof ArrayBufferCtor;
    },
    has(o, key) {
      return key in o;
    },
    propertyNames(o) {
      const out = [];
      for (const key in o) out.push(key);
      return out;
    },
    construct(C, ...args) {
      return construct(C, args);
    },
    instanceOf(o, C) {
      return o instanceof C;
    },
    symbol(description) {
      return SymbolFn(description);
    },
    symbolString(s) {
      return apply(symbolToString, s, []);
    },
    weakRef: WeakRefCtor && ((o) => new WeakRefCtor(o)),
    deref: WeakRefCtor && ((w) => w.deref()),
    fatalKind(e) {
      try {
        if (!(e instanceof RangeErrorCtor) && !(InternalErrorCtor && e instanceof InternalErrorCtor)) return 0;
        const m = StringFn(e.message);
        if (/stack overflow|call stack size/i.test(m)) return 1;
        if (/interrupted/i.test(m)) return 2;
      } catch (_) {}
      return 0;
    },
  };
})`

// intrinsics holds the helpers returned by bootstrapSource. Every field is
// an owned box freed when the realm closes; zero means unavailable.
type intrinsics struct {
	lengthKey ValuePtr

	hostObject    ValuePtr
	hostFunction  ValuePtr
	hostID        ValuePtr
	hostError     ValuePtr
	isArray       ValuePtr
	isArrayBuffer ValuePtr
	has           ValuePtr
	propertyNames ValuePtr
	construct     ValuePtr
	instanceOf    ValuePtr
	symbol        ValuePtr
	symbolString  ValuePtr
	weakRef       ValuePtr
	deref         ValuePtr
	fatalKind     ValuePtr
}

func (in *intrinsics) fields() []*ValuePtr {
	return []*ValuePtr{
		&in.lengthKey, &in.hostObject, &in.hostFunction, &in.hostID, &in.hostError,
		&in.isArray, &in.isArrayBuffer, &in.has, &in.propertyNames, &in.construct,
		&in.instanceOf, &in.symbol, &in.symbolString, &in.weakRef, &in.deref, &in.fatalKind,
	}
}

func (in *intrinsics) free(r *Realm) {
	for _, f := range in.fields() {
		r.freeValue(*f)
		*f = 0
	}
}

func (r *Realm) installIntrinsics() error {
	in := &r.intrinsics
	in.lengthKey = r.newString("length")

	res, exc := r.check(r.evalRaw(bootstrapSource, "<hako:bootstrap>"))
	if exc != 0 {
		return fmt.Errorf("evaluate bootstrap: %w", r.translate(exc))
	}
	factory := res
	defer r.freeValue(factory)

	callbacks := []struct {
		name string
		fn   func(args []ValuePtr) ValuePtr
	}{
		{"hostGet", r.hostGet},
		{"hostSet", r.hostSet},
		{"hostKeys", r.hostKeys},
		{"release", r.release},
	}
	fns := make([]ValuePtr, len(callbacks))
	for i, cb := range callbacks {
		fns[i] = r.newFunction(r.hosts.add(&hostRecord{internal: cb.fn}), cb.name)
	}
	defer func() {
		for _, fn := range fns {
			r.freeValue(fn)
		}
	}()

	helpers, err := r.call(factory, r.consts.undefined, fns...)
	if err != nil {
		return fmt.Errorf("create intrinsics: %w", err)
	}
	defer r.freeValue(helpers)

	bind := []struct {
		name     string
		dst      *ValuePtr
		optional bool
	}{
		{"hostObject", &in.hostObject, false},
		{"hostFunction", &in.hostFunction, false},
		{"hostId", &in.hostID, false},
		{"hostError", &in.hostError, false},
		{"isArray", &in.isArray, false},
		{"isArrayBuffer", &in.isArrayBuffer, false},
		{"has", &in.has, false},
		{"propertyNames", &in.propertyNames, false},
		{"construct", &in.construct, false},
		{"instanceOf", &in.instanceOf, false},
		{"symbol", &in.symbol, false},
		{"symbolString", &in.symbolString, false},
		{"weakRef", &in.weakRef, true},
		{"deref", &in.deref, true},
		{"fatalKind", &in.fatalKind, false},
	}
	s := scratch{r: r}
	defer s.free()
	for _, b := range bind {
		v, err := r.getRaw(helpers, s.string(b.name))
		if err != nil {
			return fmt.Errorf("intrinsic %s: %w", b.name, err)
		}
		if r.typeOf(v) != "function" {
			r.freeValue(v)
			if b.optional {
				r.logger.Debug("intrinsic unavailable", zap.String("name", b.name))
				continue
			}
			return fmt.Errorf("intrinsic %s is not a function", b.name)
		}
		*b.dst = v
	}
	return nil
}

// evalRaw evaluates code and returns the unchecked result.
func (r *Realm) evalRaw(code, filename string) ValuePtr {
	mem := r.mem()
	codePtr, codeLen := mem.AllocateString(r.Pointer, code)
	defer mem.FreeMemory(r.Pointer, codePtr)
	filenamePtr, _ := mem.AllocateString(r.Pointer, filename)
	defer mem.FreeMemory(r.Pointer, filenamePtr)
	return r.reg().Eval(r.ctx(), r.Pointer, int32(codePtr), int32(codeLen), int32(filenamePtr), 0, 0)
}

func (r *Realm) fatalKind(exc ValuePtr) int {
	if r.intrinsics.fatalKind == 0 {
		return fatalNone
	}
	res, thrown := r.rawCall(r.intrinsics.fatalKind, r.consts.undefined, exc)
	if thrown != 0 {
		r.freeValue(thrown)
		return fatalNone
	}
	defer r.freeValue(res)
	return int(r.reg().GetFloat64(r.ctx(), r.Pointer, res))
}

// newFunction returns an owned function that calls back with id.
func (r *Realm) newFunction(id int32, name string) ValuePtr {
	mem := r.mem()
	namePtr, _ := mem.AllocateString(r.Pointer, name)
	defer mem.FreeMemory(r.Pointer, namePtr)
	return r.reg().NewFunction(r.ctx(), r.Pointer, id, namePtr)
}

// invokeHost is the call_function trampoline. this and argv are borrowed;
// the returned box is owned by the engine.
func (r *Realm) invokeHost(funcID int32, this ValuePtr, argc, argv int32) ValuePtr {
	if r.closing() {
		r.logger.Debug("host call after close", zap.Int32("func", funcID))
		return 0
	}
	rec := r.hosts.lookup(funcID)
	if rec == nil {
		return r.throwable("HostFunction", errors.New("host function was released"))
	}

	args := make([]ValuePtr, argc)
	for i := range args {
		args[i] = r.reg().ArgvGetJSValueConstPointer(r.ctx(), argv, int32(i))
	}
	if rec.internal != nil {
		return rec.internal(args)
	}

	thisVal := r.toValue(r.dup(this))
	vals := lo.Map(args, func(p ValuePtr, _ int) jsi.Value { return r.toValue(r.dup(p)) })
	defer func() {
		thisVal.Release()
		for _, v := range vals {
			v.Release()
		}
	}()

	ret, err := jsi.InvokeHostFunction(r, rec.function, thisVal, vals)
	if err != nil {
		return r.throwable("HostFunction", err)
	}
	defer ret.Release()
	return r.ownedPtr(ret)
}

// throwable makes the value for err pending and returns the exception
// marker for the engine.
func (r *Realm) throwable(where string, err error) ValuePtr {
	var errPtr ValuePtr
	if se, ok := jsi.RethrowValue(err); ok {
		errPtr = r.ownedPtr(se.Value())
		se.Release()
	} else {
		var msg, stack string
		var se *jsi.ScriptError
		if errors.As(err, &se) {
			msg = se.Message
		} else {
			msg, stack = jsi.DescribeHostError(where, err)
		}
		errPtr = r.newHostError(msg, stack)
	}
	exc := r.reg().Throw(r.ctx(), r.Pointer, errPtr)
	r.freeValue(errPtr)
	return exc
}

func (r *Realm) newHostError(msg, stack string) ValuePtr {
	s := scratch{r: r}
	defer s.free()
	res, exc := r.rawCall(r.intrinsics.hostError, r.consts.undefined, s.string(msg), s.string(stack))
	if exc != 0 {
		return exc
	}
	return res
}

// hostRecordOf finds the record behind a host object or host function.
func (r *Realm) hostRecordOf(obj ValuePtr) *hostRecord {
	var rec *hostRecord
	err := r.guard(func() error {
		res, err := r.call(r.intrinsics.hostID, r.consts.undefined, obj)
		if err != nil {
			return err
		}
		id := r.reg().GetFloat64(r.ctx(), r.Pointer, res)
		r.freeValue(res)
		if id >= 0 {
			rec = r.hosts.lookup(int32(id))
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("host id lookup", zap.Error(err))
		jsi.ReleaseError(err)
	}
	return rec
}

func (r *Realm) argID(args []ValuePtr) int32 {
	if len(args) == 0 {
		return 0
	}
	return int32(r.reg().GetFloat64(r.ctx(), r.Pointer, args[0]))
}

func (r *Realm) hostGet(args []ValuePtr) ValuePtr {
	rec := r.hosts.lookup(r.argID(args))
	if rec == nil || rec.object == nil || len(args) < 2 {
		return r.dup(r.consts.undefined)
	}
	key := r.cstring(args[1])
	name := jsi.MakePropNameID(r.wrap(r.dup(args[1]), jsi.CategoryPropNameID))
	defer name.Release()

	v, err := jsi.InvokeHostGet(r, rec.object, name)
	if err != nil {
		return r.throwable(fmt.Sprintf("HostObject::get for prop '%s'", key), err)
	}
	defer v.Release()
	return r.ownedPtr(v)
}

func (r *Realm) hostSet(args []ValuePtr) ValuePtr {
	rec := r.hosts.lookup(r.argID(args))
	if rec == nil || rec.object == nil || len(args) < 3 {
		return r.dup(r.consts.undefined)
	}
	key := r.cstring(args[1])
	name := jsi.MakePropNameID(r.wrap(r.dup(args[1]), jsi.CategoryPropNameID))
	defer name.Release()
	value := r.toValue(r.dup(args[2]))
	defer value.Release()

	if err := jsi.InvokeHostSet(r, rec.object, name, value); err != nil {
		return r.throwable(fmt.Sprintf("HostObject::set for prop '%s'", key), err)
	}
	return r.dup(r.consts.undefined)
}

// hostKeys returns the string keys of a host object. Enumeration failures
// are thrown like any other host error.
func (r *Realm) hostKeys(args []ValuePtr) ValuePtr {
	arr := r.reg().NewArray(r.ctx(), r.Pointer)
	rec := r.hosts.lookup(r.argID(args))
	if rec == nil || rec.object == nil {
		return arr
	}
	names, err := jsi.InvokeHostPropertyNames(r, rec.object)
	if err != nil {
		r.freeValue(arr)
		return r.throwable("HostObject::getPropertyNames", err)
	}
	var keys []string
	for _, n := range names {
		if !r.handle(jsi.PointerOf(n)).symbol {
			keys = append(keys, r.PropNameIDToUTF8(n))
		}
		n.Release()
	}

	s := scratch{r: r}
	defer s.free()
	for i, k := range lo.Uniq(keys) {
		if err := r.setRaw(arr, s.number(float64(i)), s.string(k)); err != nil {
			r.freeValue(arr)
			return r.throwable("HostObject::getPropertyNames", err)
		}
	}
	return arr
}

// release runs from the FinalizationRegistry once a proxy is collected.
func (r *Realm) release(args []ValuePtr) ValuePtr {
	r.hosts.drop(r.argID(args))
	return r.dup(r.consts.undefined)
}

func (r *Realm) CreateObjectFromHostObject(ho jsi.HostObject) jsi.Object {
	r.mustBeOpen()
	id := r.hosts.add(&hostRecord{object: ho})
	var obj ValuePtr
	err := r.guard(func() (err error) {
		s := scratch{r: r}
		defer s.free()
		obj, err = r.call(r.intrinsics.hostObject, r.consts.undefined, s.number(float64(id)))
		return err
	})
	if err != nil {
		r.hosts.drop(id)
		panic(fmt.Errorf("hako: create host object: %w", err))
	}
	return jsi.MakeObject(r.wrap(obj, jsi.CategoryObject))
}

func (r *Realm) IsHostObject(o jsi.Object) bool {
	rec := r.hostRecordOf(r.object(o))
	return rec != nil && rec.object != nil
}

func (r *Realm) GetHostObject(o jsi.Object) jsi.HostObject {
	rec := r.hostRecordOf(r.object(o))
	jsi.Precondition(rec != nil && rec.object != nil, "GetHostObject on an object that is not a host object")
	return rec.object
}

func (r *Realm) CreateFunctionFromHostFunction(name jsi.PropNameID, paramCount int, fn jsi.HostFunction) jsi.Function {
	fname := r.PropNameIDToUTF8(name)
	id := r.hosts.add(&hostRecord{function: fn})
	fnPtr := r.newFunction(id, fname)

	err := r.guard(func() error {
		s := scratch{r: r}
		defer s.free()
		res, err := r.call(r.intrinsics.hostFunction, r.consts.undefined,
			fnPtr, s.number(float64(id)), s.string(fname), s.number(float64(paramCount)))
		if err != nil {
			return err
		}
		r.freeValue(res)
		return nil
	})
	if err != nil {
		r.logger.Warn("register host function", zap.String("name", fname), zap.Error(err))
		jsi.ReleaseError(err)
	}
	return jsi.MakeFunction(r.wrap(fnPtr, jsi.CategoryObject))
}

func (r *Realm) IsHostFunction(fn jsi.Function) bool {
	rec := r.hostRecordOf(r.object(fn.Object))
	return rec != nil && rec.function != nil
}

func (r *Realm) GetHostFunction(fn jsi.Function) jsi.HostFunction {
	rec := r.hostRecordOf(r.object(fn.Object))
	jsi.Precondition(rec != nil && rec.function != nil, "GetHostFunction on a function that is not a host function")
	return rec.function
}
