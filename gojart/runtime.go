// Package gojart implements jsi.Runtime on the goja engine.
package gojart

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"weak"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/6over3/jsi"
)

// Name is the backend name registered with jsi.
const Name = "goja"

// DefaultMaxCallStackSize bounds script recursion unless Options overrides
// it. goja's own default is unbounded.
const DefaultMaxCallStackSize = 8192

func init() {
	jsi.Register(Name, func(_ context.Context, cfg jsi.Config) (jsi.Runtime, error) {
		return New(&Options{
			Logger:           cfg.ZapLogger(),
			Debug:            cfg.Debug,
			MaxCallStackSize: cfg.MaxCallStackSize,
			Transform:        cfg.Transform,
			Console:          cfg.Console,
		}), nil
	})
}

// Options configures a goja runtime.
type Options struct {
	Logger           *zap.Logger
	Debug            bool
	MaxCallStackSize int
	Transform        jsi.SourceTransform
	// Console installs console.log/warn/error backed by Logger.
	Console bool
}

// Runtime is a jsi.Runtime backed by one goja.Runtime. It must be used
// from one goroutine at a time.
type Runtime struct {
	vm     *goja.Runtime
	opts   Options
	logger *zap.Logger

	live       jsi.LiveCounter
	translator jsi.Translator
	hosts      *hostTable
	hasKey     goja.Callable

	// invalid is set first thing in Close.
	invalid atomic.Bool
}

var _ jsi.Runtime = (*Runtime)(nil)

// New creates a runtime. A nil opts uses defaults.
func New(opts *Options) *Runtime {
	return newRuntime(goja.New(), opts)
}

// Wrap exposes an existing goja runtime through jsi. opts is applied to vm
// the same way New applies it to a fresh one.
func Wrap(vm *goja.Runtime, opts *Options) *Runtime {
	return newRuntime(vm, opts)
}

func newRuntime(vm *goja.Runtime, opts *Options) *Runtime {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxCallStackSize <= 0 {
		o.MaxCallStackSize = DefaultMaxCallStackSize
	}
	vm.SetMaxCallStackSize(o.MaxCallStackSize)

	r := &Runtime{
		vm:     vm,
		opts:   o,
		logger: o.Logger.With(zap.String("backend", Name)),
		hosts:  newHostTable(),
	}
	r.hasKey = r.mustCompile(hasKeySource)
	if o.Console {
		reg := require.NewRegistry()
		reg.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&printer{logger: r.logger}))
		reg.Enable(vm)
		console.Enable(vm)
	}
	r.logger.Debug("runtime created", zap.Int("max_call_stack", o.MaxCallStackSize))
	return r
}

// hasKeySource runs the in operator, which consults proxies and host
// objects without invoking getters.
const hasKeySource = "(function (o, k) { return k in o; })"

func (r *Runtime) mustCompile(src string) goja.Callable {
	v, err := r.vm.RunString(src)
	if err != nil {
		panic(fmt.Sprintf("gojart: compile helper: %v", err))
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic("gojart: helper is not a function")
	}
	return fn
}

// VM returns the underlying goja runtime.
func (r *Runtime) VM() *goja.Runtime { return r.vm }

func (r *Runtime) Description() string { return "goja" }

func (r *Runtime) closing() bool { return r.invalid.Load() }

// translate converts an error returned by goja into the jsi taxonomy.
func (r *Runtime) translate(err error) error {
	var so *goja.StackOverflowError
	if errors.As(err, &so) {
		return jsi.NewFatalError("RangeError: Maximum call stack size exceeded", so.String())
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return jsi.NewFatalError("script execution interrupted: "+fmt.Sprint(ie.Value()), ie.String())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return r.translator.Translate(r, r.toValue(ex.Value()), ex.String())
	}
	return err
}

// guard runs f and converts goja throws that escape as panics.
func (r *Runtime) guard(f func()) (err error) {
	defer func() {
		if x := recover(); x != nil {
			switch v := x.(type) {
			case *goja.Exception:
				err = r.translate(v)
			case *goja.StackOverflowError:
				err = r.translate(v)
			case *goja.InterruptedError:
				err = r.translate(v)
			case goja.Value:
				err = r.translator.Translate(r, r.toValue(v), "")
			default:
				panic(x)
			}
		}
	}()
	f()
	return nil
}

type prepared struct {
	rt  *Runtime
	prg *goja.Program
	url string
}

func (p *prepared) SourceURL() string { return p.url }

func (r *Runtime) PrepareJavaScript(src []byte, sourceURL string) (jsi.PreparedJavaScript, error) {
	if r.opts.Transform != nil {
		out, err := r.opts.Transform(src, sourceURL)
		if err != nil {
			return nil, jsi.NewTypedScriptError(r, "SyntaxError", err.Error())
		}
		src = out
	}
	prg, err := goja.Compile(sourceURL, string(src), false)
	if err != nil {
		return nil, jsi.NewTypedScriptError(r, "SyntaxError", err.Error())
	}
	return &prepared{rt: r, prg: prg, url: sourceURL}, nil
}

func (r *Runtime) EvaluatePrepared(p jsi.PreparedJavaScript) (jsi.Value, error) {
	pp, ok := p.(*prepared)
	jsi.Precondition(ok && pp.rt == r, "gojart: prepared script belongs to a different runtime")

	res, err := r.vm.RunProgram(pp.prg)
	if err != nil {
		return jsi.Undefined(), r.translate(err)
	}
	return r.toValue(res), nil
}

func (r *Runtime) Evaluate(src []byte, sourceURL string) (jsi.Value, error) {
	p, err := r.PrepareJavaScript(src, sourceURL)
	if err != nil {
		return jsi.Undefined(), err
	}
	return r.EvaluatePrepared(p)
}

// DrainMicrotasks always reports an empty queue: goja runs promise jobs
// when the outermost call returns.
func (r *Runtime) DrainMicrotasks(int) (bool, error) {
	return true, nil
}

func (r *Runtime) Global() jsi.Object {
	return r.newObject(r.vm.GlobalObject())
}

func (r *Runtime) CreateObject() jsi.Object {
	return r.newObject(r.vm.NewObject())
}

func (r *Runtime) CreateString(s string) jsi.String {
	return r.newString(s)
}

func (r *Runtime) CreateSymbol(description string) jsi.Symbol {
	return jsi.MakeSymbol(r.wrap(goja.NewSymbol(description), jsi.CategorySymbol))
}

func (r *Runtime) CreatePropNameID(s string) jsi.PropNameID {
	return jsi.MakePropNameID(r.wrap(r.vm.ToValue(s), jsi.CategoryPropNameID))
}

func (r *Runtime) CreatePropNameIDFromString(s jsi.String) jsi.PropNameID {
	return jsi.MakePropNameID(r.wrap(r.unwrap(jsi.PointerOf(s)), jsi.CategoryPropNameID))
}

func (r *Runtime) CreatePropNameIDFromSymbol(sym jsi.Symbol) jsi.PropNameID {
	return jsi.MakePropNameID(r.wrap(r.unwrap(jsi.PointerOf(sym)), jsi.CategoryPropNameID))
}

func (r *Runtime) CreateArray(length int) (jsi.Array, error) {
	arr := r.vm.NewArray()
	if length > 0 {
		if err := arr.Set("length", length); err != nil {
			return jsi.Array{}, r.translate(err)
		}
	}
	return jsi.Array{Object: r.newObject(arr)}, nil
}

func (r *Runtime) CreateArrayBuffer(data []byte) (jsi.ArrayBuffer, error) {
	obj := r.vm.ToValue(r.vm.NewArrayBuffer(data)).(*goja.Object)
	return jsi.ArrayBuffer{Object: r.newObject(obj)}, nil
}

func (r *Runtime) CreateWeakObject(o jsi.Object) (jsi.WeakObject, error) {
	r.live.Retain(jsi.CategoryWeakObject)
	return jsi.MakeWeakObject(&weakPointer{rt: r, ref: weak.Make(r.object(o))}), nil
}

func (r *Runtime) LockWeakObject(w jsi.WeakObject) jsi.Value {
	p, ok := jsi.PointerOf(w).(*weakPointer)
	jsi.Precondition(ok && p.rt == r, "gojart: weak handle is released or belongs to a different runtime")
	obj := p.ref.Value()
	if obj == nil {
		return jsi.Undefined()
	}
	return jsi.ObjectValue(r.newObject(obj))
}

// key resolves a property key to either a string or a symbol.
func (r *Runtime) key(name jsi.PropNameID) (string, *goja.Symbol) {
	v := r.unwrap(jsi.PointerOf(name))
	if sym, ok := v.(*goja.Symbol); ok {
		return "", sym
	}
	return v.String(), nil
}

func (r *Runtime) GetProperty(o jsi.Object, name jsi.PropNameID) (jsi.Value, error) {
	obj := r.object(o)
	k, sym := r.key(name)

	var res goja.Value
	err := r.guard(func() {
		if sym != nil {
			res = obj.GetSymbol(sym)
		} else {
			res = obj.Get(k)
		}
	})
	if err != nil {
		return jsi.Undefined(), err
	}
	return r.toValue(res), nil
}

func (r *Runtime) SetProperty(o jsi.Object, name jsi.PropNameID, v jsi.Value) error {
	obj := r.object(o)
	k, sym := r.key(name)
	val := r.gojaValue(v)

	var setErr error
	err := r.guard(func() {
		if sym != nil {
			setErr = obj.SetSymbol(sym, val)
		} else {
			setErr = obj.Set(k, val)
		}
	})
	if err != nil {
		return err
	}
	if setErr != nil {
		return r.translate(setErr)
	}
	return nil
}

func (r *Runtime) HasProperty(o jsi.Object, name jsi.PropNameID) (bool, error) {
	obj := r.object(o)
	k, sym := r.key(name)
	key := goja.Value(sym)
	if sym == nil {
		key = r.vm.ToValue(k)
	}

	var res goja.Value
	var callErr error
	err := r.guard(func() { res, callErr = r.hasKey(goja.Undefined(), obj, key) })
	if err != nil {
		return false, err
	}
	if callErr != nil {
		return false, r.translate(callErr)
	}
	return res.ToBoolean(), nil
}

func (r *Runtime) GetPropertyNames(o jsi.Object) (jsi.Array, error) {
	obj := r.object(o)

	var names []string
	err := r.guard(func() {
		seen := make(map[string]bool)
		for cur := obj; cur != nil; cur = cur.Prototype() {
			for _, k := range cur.Keys() {
				if !seen[k] {
					seen[k] = true
					names = append(names, k)
				}
			}
		}
	})
	if err != nil {
		return jsi.Array{}, err
	}
	arr := r.vm.NewArray(lo.ToAnySlice(names)...)
	return jsi.Array{Object: r.newObject(arr)}, nil
}

func (r *Runtime) IsArray(o jsi.Object) bool {
	return r.object(o).ClassName() == "Array"
}

func (r *Runtime) IsArrayBuffer(o jsi.Object) bool {
	_, ok := r.object(o).Export().(goja.ArrayBuffer)
	return ok
}

func (r *Runtime) IsFunction(o jsi.Object) bool {
	_, ok := goja.AssertFunction(r.object(o))
	return ok
}

func (r *Runtime) Size(a jsi.Array) (int, error) {
	obj := r.object(a.Object)
	var n int64
	err := r.guard(func() {
		n = obj.Get("length").ToInteger()
	})
	return int(n), err
}

func (r *Runtime) GetValueAtIndex(a jsi.Array, i int) (jsi.Value, error) {
	obj := r.object(a.Object)
	var res goja.Value
	if err := r.guard(func() { res = obj.Get(strconv.Itoa(i)) }); err != nil {
		return jsi.Undefined(), err
	}
	return r.toValue(res), nil
}

func (r *Runtime) SetValueAtIndex(a jsi.Array, i int, v jsi.Value) error {
	obj := r.object(a.Object)
	if err := obj.Set(strconv.Itoa(i), r.gojaValue(v)); err != nil {
		return r.translate(err)
	}
	return nil
}

func (r *Runtime) ArrayBufferData(b jsi.ArrayBuffer) ([]byte, error) {
	ab, ok := r.object(b.Object).Export().(goja.ArrayBuffer)
	jsi.Precondition(ok, "ArrayBufferData on an object that is not an ArrayBuffer")
	return ab.Bytes(), nil
}

func (r *Runtime) Call(fn jsi.Function, this jsi.Value, args ...jsi.Value) (jsi.Value, error) {
	call, ok := goja.AssertFunction(r.object(fn.Object))
	if !ok {
		return jsi.Undefined(), jsi.NewTypedScriptError(r, "TypeError", "Call on a value that is not a function")
	}
	res, err := call(r.gojaValue(this), r.gojaValues(args)...)
	if err != nil {
		return jsi.Undefined(), r.translate(err)
	}
	return r.toValue(res), nil
}

func (r *Runtime) CallAsConstructor(fn jsi.Function, args ...jsi.Value) (jsi.Value, error) {
	res, err := r.vm.New(r.object(fn.Object), r.gojaValues(args)...)
	if err != nil {
		return jsi.Undefined(), r.translate(err)
	}
	return r.toValue(res), nil
}

func (r *Runtime) InstanceOf(o jsi.Object, ctor jsi.Function) (bool, error) {
	obj, c := r.object(o), r.object(ctor.Object)
	var res bool
	err := r.guard(func() { res = r.vm.InstanceOf(obj, c) })
	return res, err
}

func (r *Runtime) StringToUTF8(s jsi.String) string {
	return r.unwrap(jsi.PointerOf(s)).String()
}

// SymbolToString matches Symbol.prototype.toString. goja's Symbol.String
// yields only the description.
func (r *Runtime) SymbolToString(s jsi.Symbol) string {
	sym, ok := r.unwrap(jsi.PointerOf(s)).(*goja.Symbol)
	jsi.Precondition(ok, "SymbolToString on a value that is not a symbol")
	return symbolString(sym)
}

func (r *Runtime) PropNameIDToUTF8(p jsi.PropNameID) string {
	k, sym := r.key(p)
	if sym != nil {
		return symbolString(sym)
	}
	return k
}

func symbolString(sym *goja.Symbol) string {
	return "Symbol(" + sym.String() + ")"
}

func (r *Runtime) ComparePropNameIDs(a, b jsi.PropNameID) bool {
	av, bv := r.unwrap(jsi.PointerOf(a)), r.unwrap(jsi.PointerOf(b))
	as, aSym := av.(*goja.Symbol)
	bs, bSym := bv.(*goja.Symbol)
	if aSym || bSym {
		return aSym && bSym && as == bs
	}
	return av.String() == bv.String()
}

func (r *Runtime) StrictEquals(a, b jsi.Value) bool {
	return r.gojaValue(a).StrictEquals(r.gojaValue(b))
}

// Close marks the runtime invalid, forgets host proxies and reports
// handles that are still alive.
func (r *Runtime) Close() error {
	if r.invalid.Swap(true) {
		return nil
	}
	proxies := r.hosts.close()
	r.logger.Debug("runtime closed", zap.Int("host_proxies", proxies))

	if err := r.live.Check(); err != nil {
		r.logger.Warn("runtime closed with live handles", zap.Error(err))
		if r.opts.Debug {
			return err
		}
	}
	return nil
}
