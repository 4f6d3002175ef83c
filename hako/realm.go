package hako

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/6over3/jsi"
)

const stackOverflowMessage = "RangeError: Maximum call stack size exceeded"

// RealmOptions configures a Realm.
type RealmOptions struct {
	// Debug makes Close return a *jsi.LeakError when handles are still
	// alive.
	Debug bool

	// Transform rewrites source before evaluation.
	Transform jsi.SourceTransform

	// Console installs console.log/warn/error backed by the runtime logger.
	Console bool

	// OwnsRuntime closes the Runtime together with the Realm.
	OwnsRuntime bool

	// MaxStackSize sets the QuickJS stack limit in bytes. Zero keeps the
	// engine default.
	MaxStackSize int32
}

// constants holds the engine's static value boxes, which are never freed.
type constants struct {
	undefined  ValuePtr
	null       ValuePtr
	trueValue  ValuePtr
	falseValue ValuePtr
}

// Realm is a JavaScript execution context with its own global object. It
// implements jsi.Runtime and must be used from one goroutine at a time.
type Realm struct {
	Pointer ContextPtr
	Runtime *Runtime

	opts   RealmOptions
	logger *zap.Logger

	live       jsi.LiveCounter
	translator jsi.Translator
	hosts      *hostTable
	handles    map[*pointer]struct{}
	consts     constants
	intrinsics intrinsics

	// invalid is set first thing in Close.
	invalid atomic.Bool
}

var _ jsi.Runtime = (*Realm)(nil)

func newRealm(rt *Runtime, ptr ContextPtr, opts *RealmOptions) *Realm {
	return &Realm{
		Pointer: ptr,
		Runtime: rt,
		opts:    *opts,
		logger:  rt.logger.With(zap.Stringer("context", ptr)),
		hosts:   newHostTable(),
		handles: make(map[*pointer]struct{}),
	}
}

func (r *Realm) bootstrap() error {
	reg := r.reg()
	ctx := r.ctx()
	r.consts = constants{
		undefined:  reg.GetUndefined(ctx),
		null:       reg.GetNull(ctx),
		trueValue:  reg.GetTrue(ctx),
		falseValue: reg.GetFalse(ctx),
	}
	return r.guard(func() error {
		if err := r.installIntrinsics(); err != nil {
			return err
		}
		if r.opts.Console {
			return r.installConsole()
		}
		return nil
	})
}

func (r *Realm) Description() string { return "hako (QuickJS on wazero)" }

func (r *Realm) closing() bool { return r.invalid.Load() }

func (r *Realm) mustBeOpen() {
	jsi.Precondition(!r.closing(), "hako: realm is closed")
}

// guard runs f and converts an engine trap into a fatal error.
func (r *Realm) guard(f func() error) (err error) {
	defer func() {
		if x := recover(); x != nil {
			trap, ok := x.(*TrapError)
			if !ok {
				panic(x)
			}
			r.logger.Warn("engine trapped", zap.Error(trap))
			if trap.StackOverflow() {
				err = jsi.NewFatalError(stackOverflowMessage, trap.Error())
				return
			}
			err = jsi.NewFatalError(trap.Error(), "")
		}
	}()
	return f()
}

// translate takes ownership of a thrown value.
func (r *Realm) translate(exc ValuePtr) error {
	switch r.fatalKind(exc) {
	case fatalStackOverflow:
		r.freeValue(exc)
		return jsi.NewFatalError(stackOverflowMessage, "")
	case fatalInterrupted:
		r.freeValue(exc)
		return jsi.NewFatalError("script execution interrupted", "")
	}
	return r.translator.Translate(r, r.toValue(exc), "")
}

// pending translates the context's pending exception after an export
// reported failure without returning it.
func (r *Realm) pending() error {
	exc := r.reg().GetLastError(r.ctx(), r.Pointer, 0)
	if exc == 0 {
		return jsi.NewFatalError("engine reported an exception but none is pending", "")
	}
	return r.translate(exc)
}

// check returns result, or frees it and returns the exception it holds.
func (r *Realm) check(result ValuePtr) (ValuePtr, ValuePtr) {
	if exc := r.reg().GetLastError(r.ctx(), r.Pointer, result); exc != 0 {
		r.freeValue(result)
		return 0, exc
	}
	return result, 0
}

// rawCall calls fn and returns its owned result or the owned exception.
func (r *Realm) rawCall(fn, this ValuePtr, args ...ValuePtr) (ValuePtr, ValuePtr) {
	mem := r.mem()
	argv := mem.AllocateArgv(r.Pointer, args)
	defer mem.FreeMemory(r.Pointer, argv)
	return r.check(r.reg().Call(r.ctx(), r.Pointer, fn, this, int32(len(args)), argv))
}

// call is rawCall with the exception translated.
func (r *Realm) call(fn, this ValuePtr, args ...ValuePtr) (ValuePtr, error) {
	res, exc := r.rawCall(fn, this, args...)
	if exc != 0 {
		return 0, r.translate(exc)
	}
	return res, nil
}

// callBool calls an intrinsic that returns a boolean.
func (r *Realm) callBool(fn ValuePtr, args ...ValuePtr) (bool, error) {
	res, err := r.call(fn, r.consts.undefined, args...)
	if err != nil {
		return false, err
	}
	defer r.freeValue(res)
	return r.reg().IsEqual(r.ctx(), r.Pointer, res, r.consts.trueValue, OpStrictEquals) == 1, nil
}

func (r *Realm) getRaw(obj, key ValuePtr) (ValuePtr, error) {
	res, exc := r.check(r.reg().GetProp(r.ctx(), r.Pointer, obj, key))
	if exc != 0 {
		return 0, r.translate(exc)
	}
	return res, nil
}

func (r *Realm) setRaw(obj, key, value ValuePtr) error {
	if r.reg().SetProp(r.ctx(), r.Pointer, obj, key, value) < 0 {
		return r.pending()
	}
	return nil
}

// EvalOptions configures code evaluation.
type EvalOptions struct {
	Filename     string
	DetectModule bool
}

// EvalCode evaluates JavaScript code and returns the result.
func (r *Realm) EvalCode(code string) (jsi.Value, error) {
	return r.EvalCodeWithOptions(code, nil)
}

// EvalCodeWithOptions evaluates JavaScript code with options. The source
// transform is not applied; use Evaluate for that.
func (r *Realm) EvalCodeWithOptions(code string, opts *EvalOptions) (jsi.Value, error) {
	r.mustBeOpen()
	if len(code) == 0 {
		return jsi.Undefined(), nil
	}
	if opts == nil {
		opts = &EvalOptions{}
	}
	filename := opts.Filename
	if filename == "" {
		filename = "eval"
	}
	detectModule := int32(0)
	if opts.DetectModule {
		detectModule = 1
	}

	var out jsi.Value
	err := r.guard(func() error {
		mem := r.mem()
		codePtr, codeLen := mem.AllocateString(r.Pointer, code)
		defer mem.FreeMemory(r.Pointer, codePtr)
		filenamePtr, _ := mem.AllocateString(r.Pointer, filename)
		defer mem.FreeMemory(r.Pointer, filenamePtr)

		res, exc := r.check(r.reg().Eval(r.ctx(), r.Pointer,
			int32(codePtr), int32(codeLen), int32(filenamePtr), detectModule, 0))
		if exc != 0 {
			return r.translate(exc)
		}
		out = r.toValue(res)
		return nil
	})
	return out, err
}

// prepared keeps transformed source; QuickJS parses it again on every
// evaluation.
type prepared struct {
	realm *Realm
	src   string
	url   string
}

func (p *prepared) SourceURL() string { return p.url }

func (r *Realm) PrepareJavaScript(src []byte, sourceURL string) (jsi.PreparedJavaScript, error) {
	if r.opts.Transform != nil {
		out, err := r.opts.Transform(src, sourceURL)
		if err != nil {
			return nil, jsi.NewTypedScriptError(r, "SyntaxError", err.Error())
		}
		src = out
	}
	return &prepared{realm: r, src: string(src), url: sourceURL}, nil
}

func (r *Realm) EvaluatePrepared(p jsi.PreparedJavaScript) (jsi.Value, error) {
	pp, ok := p.(*prepared)
	jsi.Precondition(ok && pp.realm == r, "hako: prepared script belongs to a different realm")
	return r.EvalCodeWithOptions(pp.src, &EvalOptions{Filename: pp.url})
}

func (r *Realm) Evaluate(src []byte, sourceURL string) (jsi.Value, error) {
	p, err := r.PrepareJavaScript(src, sourceURL)
	if err != nil {
		return jsi.Undefined(), err
	}
	return r.EvaluatePrepared(p)
}

// DrainMicrotasks runs pending promise jobs of the whole runtime.
func (r *Realm) DrainMicrotasks(max int) (bool, error) {
	r.mustBeOpen()
	var empty bool
	err := r.guard(func() error {
		if max != 0 {
			if n := r.Runtime.ExecuteMicrotasks(int32(max)); n < 0 {
				return r.pending()
			}
		}
		empty = !r.Runtime.IsMicrotaskPending()
		return nil
	})
	return empty, err
}

func (r *Realm) Global() jsi.Object {
	r.mustBeOpen()
	return jsi.MakeObject(r.wrap(r.reg().GetGlobalObject(r.ctx(), r.Pointer), jsi.CategoryObject))
}

func (r *Realm) CreateObject() jsi.Object {
	r.mustBeOpen()
	return jsi.MakeObject(r.wrap(r.reg().NewObject(r.ctx(), r.Pointer), jsi.CategoryObject))
}

func (r *Realm) CreateString(s string) jsi.String {
	r.mustBeOpen()
	return jsi.MakeString(r.wrap(r.newString(s), jsi.CategoryString))
}

func (r *Realm) CreateSymbol(description string) jsi.Symbol {
	r.mustBeOpen()
	var sym ValuePtr
	err := r.guard(func() error {
		s := scratch{r: r}
		defer s.free()
		res, err := r.call(r.intrinsics.symbol, r.consts.undefined, s.string(description))
		sym = res
		return err
	})
	if err != nil {
		panic(fmt.Errorf("hako: create symbol: %w", err))
	}
	return jsi.MakeSymbol(r.wrap(sym, jsi.CategorySymbol))
}

func (r *Realm) CreatePropNameID(s string) jsi.PropNameID {
	r.mustBeOpen()
	return jsi.MakePropNameID(r.wrap(r.newString(s), jsi.CategoryPropNameID))
}

func (r *Realm) CreatePropNameIDFromString(s jsi.String) jsi.PropNameID {
	return jsi.MakePropNameID(r.wrap(r.dup(r.unwrap(jsi.PointerOf(s))), jsi.CategoryPropNameID))
}

func (r *Realm) CreatePropNameIDFromSymbol(sym jsi.Symbol) jsi.PropNameID {
	p := r.wrap(r.dup(r.unwrap(jsi.PointerOf(sym))), jsi.CategoryPropNameID)
	p.symbol = true
	return jsi.MakePropNameID(p)
}

func (r *Realm) CreateArray(length int) (jsi.Array, error) {
	r.mustBeOpen()
	arr := r.reg().NewArray(r.ctx(), r.Pointer)
	if length > 0 {
		err := r.guard(func() error {
			s := scratch{r: r}
			defer s.free()
			return r.setRaw(arr, r.intrinsics.lengthKey, s.number(float64(length)))
		})
		if err != nil {
			r.freeValue(arr)
			return jsi.Array{}, err
		}
	}
	return jsi.MakeArray(r.wrap(arr, jsi.CategoryObject)), nil
}

// CreateArrayBuffer is not supported: the wasm build exposes no export to
// create one over host bytes.
func (r *Realm) CreateArrayBuffer([]byte) (jsi.ArrayBuffer, error) {
	return jsi.ArrayBuffer{}, &jsi.NotImplementedError{Backend: Name, Feature: "array buffers"}
}

func (r *Realm) ArrayBufferData(jsi.ArrayBuffer) ([]byte, error) {
	return nil, &jsi.NotImplementedError{Backend: Name, Feature: "array buffers"}
}

func (r *Realm) CreateWeakObject(o jsi.Object) (jsi.WeakObject, error) {
	obj := r.object(o)
	if r.intrinsics.weakRef == 0 {
		return jsi.WeakObject{}, &jsi.NotImplementedError{Backend: Name, Feature: "weak objects"}
	}
	var ref ValuePtr
	err := r.guard(func() (err error) {
		ref, err = r.call(r.intrinsics.weakRef, r.consts.undefined, obj)
		return err
	})
	if err != nil {
		return jsi.WeakObject{}, err
	}
	return jsi.MakeWeakObject(r.wrap(ref, jsi.CategoryWeakObject)), nil
}

func (r *Realm) LockWeakObject(w jsi.WeakObject) jsi.Value {
	ref := r.unwrap(jsi.PointerOf(w))
	var out jsi.Value
	err := r.guard(func() error {
		res, err := r.call(r.intrinsics.deref, r.consts.undefined, ref)
		if err != nil {
			return err
		}
		out = r.toValue(res)
		return nil
	})
	if err != nil {
		r.logger.Debug("lock weak object", zap.Error(err))
		jsi.ReleaseError(err)
		return jsi.Undefined()
	}
	return out
}

func (r *Realm) GetProperty(o jsi.Object, name jsi.PropNameID) (jsi.Value, error) {
	obj, key := r.object(o), r.unwrap(jsi.PointerOf(name))
	var out jsi.Value
	err := r.guard(func() error {
		res, err := r.getRaw(obj, key)
		if err != nil {
			return err
		}
		out = r.toValue(res)
		return nil
	})
	return out, err
}

func (r *Realm) SetProperty(o jsi.Object, name jsi.PropNameID, v jsi.Value) error {
	obj, key := r.object(o), r.unwrap(jsi.PointerOf(name))
	s := scratch{r: r}
	defer s.free()
	val := s.value(v)
	return r.guard(func() error { return r.setRaw(obj, key, val) })
}

func (r *Realm) HasProperty(o jsi.Object, name jsi.PropNameID) (bool, error) {
	obj, key := r.object(o), r.unwrap(jsi.PointerOf(name))
	var found bool
	err := r.guard(func() (err error) {
		found, err = r.callBool(r.intrinsics.has, obj, key)
		return err
	})
	return found, err
}

func (r *Realm) GetPropertyNames(o jsi.Object) (jsi.Array, error) {
	obj := r.object(o)
	var names ValuePtr
	err := r.guard(func() (err error) {
		names, err = r.call(r.intrinsics.propertyNames, r.consts.undefined, obj)
		return err
	})
	if err != nil {
		return jsi.Array{}, err
	}
	return jsi.MakeArray(r.wrap(names, jsi.CategoryObject)), nil
}

// predicate evaluates an intrinsic that does not run user script.
func (r *Realm) predicate(fn ValuePtr, o jsi.Object) bool {
	obj := r.object(o)
	var ok bool
	err := r.guard(func() (err error) {
		ok, err = r.callBool(fn, obj)
		return err
	})
	if err != nil {
		r.logger.Debug("predicate failed", zap.Error(err))
		jsi.ReleaseError(err)
		return false
	}
	return ok
}

func (r *Realm) IsArray(o jsi.Object) bool {
	return r.predicate(r.intrinsics.isArray, o)
}

func (r *Realm) IsArrayBuffer(o jsi.Object) bool {
	return r.predicate(r.intrinsics.isArrayBuffer, o)
}

func (r *Realm) IsFunction(o jsi.Object) bool {
	return r.typeOf(r.object(o)) == "function"
}

func (r *Realm) Size(a jsi.Array) (int, error) {
	arr := r.object(a.Object)
	var n float64
	err := r.guard(func() error {
		res, err := r.getRaw(arr, r.intrinsics.lengthKey)
		if err != nil {
			return err
		}
		n = r.reg().GetFloat64(r.ctx(), r.Pointer, res)
		r.freeValue(res)
		return nil
	})
	return int(n), err
}

func (r *Realm) GetValueAtIndex(a jsi.Array, i int) (jsi.Value, error) {
	arr := r.object(a.Object)
	var out jsi.Value
	err := r.guard(func() error {
		s := scratch{r: r}
		defer s.free()
		res, err := r.getRaw(arr, s.number(float64(i)))
		if err != nil {
			return err
		}
		out = r.toValue(res)
		return nil
	})
	return out, err
}

func (r *Realm) SetValueAtIndex(a jsi.Array, i int, v jsi.Value) error {
	arr := r.object(a.Object)
	s := scratch{r: r}
	defer s.free()
	val := s.value(v)
	return r.guard(func() error { return r.setRaw(arr, s.number(float64(i)), val) })
}

func (r *Realm) Call(fn jsi.Function, this jsi.Value, args ...jsi.Value) (jsi.Value, error) {
	f := r.object(fn.Object)
	s := scratch{r: r}
	defer s.free()
	thisPtr := s.value(this)
	argv := s.values(args)

	var out jsi.Value
	err := r.guard(func() error {
		res, err := r.call(f, thisPtr, argv...)
		if err != nil {
			return err
		}
		out = r.toValue(res)
		return nil
	})
	return out, err
}

func (r *Realm) CallAsConstructor(fn jsi.Function, args ...jsi.Value) (jsi.Value, error) {
	f := r.object(fn.Object)
	s := scratch{r: r}
	defer s.free()
	argv := append([]ValuePtr{f}, s.values(args)...)

	var out jsi.Value
	err := r.guard(func() error {
		res, err := r.call(r.intrinsics.construct, r.consts.undefined, argv...)
		if err != nil {
			return err
		}
		out = r.toValue(res)
		return nil
	})
	return out, err
}

func (r *Realm) InstanceOf(o jsi.Object, ctor jsi.Function) (bool, error) {
	obj, c := r.object(o), r.object(ctor.Object)
	var res bool
	err := r.guard(func() (err error) {
		res, err = r.callBool(r.intrinsics.instanceOf, obj, c)
		return err
	})
	return res, err
}

func (r *Realm) StringToUTF8(s jsi.String) string {
	return r.cstring(r.unwrap(jsi.PointerOf(s)))
}

func (r *Realm) SymbolToString(s jsi.Symbol) string {
	return r.symbolString(r.unwrap(jsi.PointerOf(s)))
}

func (r *Realm) symbolString(sym ValuePtr) string {
	var out string
	err := r.guard(func() error {
		res, err := r.call(r.intrinsics.symbolString, r.consts.undefined, sym)
		if err != nil {
			return err
		}
		out = r.cstring(res)
		r.freeValue(res)
		return nil
	})
	if err != nil {
		r.logger.Debug("symbol to string", zap.Error(err))
		jsi.ReleaseError(err)
	}
	return out
}

func (r *Realm) PropNameIDToUTF8(p jsi.PropNameID) string {
	h := r.handle(jsi.PointerOf(p))
	if h.symbol {
		return r.symbolString(h.ptr)
	}
	return r.cstring(h.ptr)
}

func (r *Realm) ComparePropNameIDs(a, b jsi.PropNameID) bool {
	ap, bp := r.unwrap(jsi.PointerOf(a)), r.unwrap(jsi.PointerOf(b))
	return r.reg().IsEqual(r.ctx(), r.Pointer, ap, bp, OpStrictEquals) == 1
}

func (r *Realm) StrictEquals(a, b jsi.Value) bool {
	s := scratch{r: r}
	defer s.free()
	return r.reg().IsEqual(r.ctx(), r.Pointer, s.value(a), s.value(b), OpStrictEquals) == 1
}

// Close releases the realm, and the Runtime too when the realm owns it.
func (r *Realm) Close() error {
	err := r.dispose()
	if r.opts.OwnsRuntime {
		if cerr := r.Runtime.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// dispose frees every value box the host still owns, then the context.
// QuickJS requires all values of a context to be released before it is
// freed.
func (r *Realm) dispose() error {
	if r.invalid.Swap(true) {
		return nil
	}
	swept := len(r.handles)
	for p := range r.handles {
		r.freeValue(p.ptr)
	}
	clear(r.handles)
	r.intrinsics.free(r)

	r.Runtime.Callbacks.UnregisterContext(r.Pointer)
	if err := guardTrap(func() { r.reg().FreeContext(r.ctx(), r.Pointer) }); err != nil {
		r.logger.Warn("free context", zap.Error(err))
	}
	records := r.hosts.close()
	r.Runtime.dropRealm(r)
	r.logger.Debug("realm closed", zap.Int("swept_handles", swept), zap.Int("host_records", records))

	if err := r.live.Check(); err != nil {
		r.logger.Warn("realm closed with live handles", zap.Error(err))
		if r.opts.Debug {
			return err
		}
	}
	return nil
}

func (r *Realm) String() string {
	return fmt.Sprintf("Realm(%s)", r.Pointer)
}
