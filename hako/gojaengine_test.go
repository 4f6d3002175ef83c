package hako

import (
	"context"
	"errors"

	"github.com/dop251/goja"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// gojaEngine serves the HAKO_ exports from goja through a wazero host
// module, so realms run without hako.wasm. Value boxes are ids into a
// table; strings and argument vectors go through the env memory as they
// do with the wasm build.
type gojaEngine struct {
	heapLimit uint32

	mem  *Memory
	hako api.Module
	heap *engineHeap

	boxes    map[int32]goja.Value
	nextBox  int32
	contexts map[int32]*gojaContext
	nextCtx  int32
	maxStack int
}

// Static boxes. boxException is the marker returned in place of a value
// when an exception is pending.
const (
	boxUndefined int32 = iota + 1
	boxNull
	boxTrue
	boxFalse
	boxException
	firstBox = 16
)

// heapBase leaves the first page of env memory unused so that no
// allocation is null.
const heapBase = 1 << 16

// newGojaEngine returns an engine whose allocator hands out at most
// heapLimit bytes. Zero uses all of env memory.
func newGojaEngine(heapLimit uint32) *gojaEngine {
	valueTrue := goja.New().ToValue(true)
	valueFalse := goja.New().ToValue(false)
	return &gojaEngine{
		heapLimit: heapLimit,
		boxes: map[int32]goja.Value{
			boxUndefined: goja.Undefined(),
			boxNull:      goja.Null(),
			boxTrue:      valueTrue,
			boxFalse:     valueFalse,
			boxException: goja.Undefined(),
		},
		nextBox:  firstBox,
		contexts: map[int32]*gojaContext{},
		maxStack: (1 << 20) / stackBytesPerFrame,
	}
}

func (e *gojaEngine) instantiate(ctx context.Context, wzr wazero.Runtime) (api.Module, error) {
	env := wzr.Module("env").Memory()
	e.mem = NewMemory(env)
	end := env.Size()
	if e.heapLimit > 0 {
		end = min(end, heapBase+e.heapLimit)
	}
	e.heap = newEngineHeap(heapBase, end)
	e.hako = wzr.Module("hako")

	builder := wzr.NewHostModuleBuilder(engineModuleName)
	for name, fn := range e.exports() {
		builder = builder.NewFunctionBuilder().WithFunc(fn).Export(exportPrefix + name)
	}
	return builder.Instantiate(ctx)
}

type gojaContext struct {
	vm      *goja.Runtime
	pending goja.Value

	get, set, typeOf, str goja.Callable
	rangeError            goja.Value
}

// contextHelpers is evaluated once per context. Property access runs in
// strict mode so failed assignments throw.
const contextHelpers = `({
  get: function (o, k) { return o[k]; },
  set: function (o, k, v) { "use strict"; o[k] = v; },
  typeOf: function (v) { return typeof v; },
  str: String,
  RangeError: RangeError,
})`

func (e *gojaEngine) newContext() int32 {
	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxStack)
	v, err := vm.RunString(contextHelpers)
	if err != nil {
		return 0
	}
	helpers := v.ToObject(vm)
	fn := func(name string) goja.Callable {
		f, _ := goja.AssertFunction(helpers.Get(name))
		return f
	}
	e.nextCtx++
	e.contexts[e.nextCtx] = &gojaContext{
		vm:         vm,
		get:        fn("get"),
		set:        fn("set"),
		typeOf:     fn("typeOf"),
		str:        fn("str"),
		rangeError: helpers.Get("RangeError"),
	}
	return e.nextCtx
}

func (e *gojaEngine) box(v goja.Value) int32 {
	if v == nil {
		v = goja.Undefined()
	}
	e.nextBox++
	e.boxes[e.nextBox] = v
	return e.nextBox
}

func (e *gojaEngine) free(id int32) {
	if id >= firstBox {
		delete(e.boxes, id)
	}
}

// settle boxes v, or makes err the pending exception and returns the
// marker.
func (e *gojaEngine) settle(gc *gojaContext, v goja.Value, err error) int32 {
	if err != nil {
		gc.pending = gc.thrown(err)
		return boxException
	}
	return e.box(v)
}

// thrown turns a goja failure into the value script would catch. Stack
// exhaustion and interrupts become RangeErrors, as QuickJS reports them.
func (gc *gojaContext) thrown(err error) goja.Value {
	var so *goja.StackOverflowError
	if errors.As(err, &so) {
		return gc.newRangeError("Maximum call stack size exceeded")
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return gc.newRangeError("interrupted")
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return gc.vm.NewGoError(err)
}

func (gc *gojaContext) newRangeError(msg string) goja.Value {
	obj, err := gc.vm.New(gc.rangeError, gc.vm.ToValue(msg))
	if err != nil {
		return gc.vm.ToValue(msg)
	}
	return obj
}

func (e *gojaEngine) cstring(s string) int32 {
	p := e.heap.malloc(uint32(len(s) + 1))
	if p == 0 {
		return 0
	}
	e.mem.WriteString(MemoryPtr(p), s)
	return int32(p)
}

func (e *gojaEngine) argv(argv, argc int32) []goja.Value {
	args := make([]goja.Value, argc)
	for i := range args {
		id, _ := e.mem.ReadUint32(MemoryPtr(argv + int32(4*i)))
		args[i] = e.boxes[int32(id)]
	}
	return args
}

// callHost is the body of every function made by NewFunction. this and
// the arguments are lent to the host for the duration of the call.
func (e *gojaEngine) callHost(ctx context.Context, c int32, gc *gojaContext, funcID int32, call goja.FunctionCall) goja.Value {
	this := e.box(call.This)
	args := make([]ValuePtr, len(call.Arguments))
	for i, a := range call.Arguments {
		args[i] = ValuePtr(e.box(a))
	}
	defer func() {
		e.free(this)
		for _, a := range args {
			e.free(int32(a))
		}
	}()

	var argv uint32
	if len(args) > 0 {
		argv = e.heap.malloc(uint32(4 * len(args)))
		if argv == 0 {
			panic(gc.vm.NewGoError(ErrOutOfMemory))
		}
		defer e.heap.release(argv)
		e.mem.WritePointers(MemoryPtr(argv), args)
	}

	res, err := e.hako.ExportedFunction("call_function").Call(ctx,
		api.EncodeI32(c), api.EncodeI32(funcID), api.EncodeI32(this),
		api.EncodeI32(int32(len(args))), api.EncodeI32(int32(argv)))
	if err != nil {
		panic(err)
	}
	out := api.DecodeI32(res[0])
	if out == boxException || out == 0 {
		if exc := gc.pending; exc != nil {
			gc.pending = nil
			panic(exc)
		}
		return goja.Undefined()
	}
	v := e.boxes[out]
	e.free(out)
	return v
}

func flag(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// exports maps export names, without the HAKO_ prefix, to host functions
// with the signatures Registry calls them with.
func (e *gojaEngine) exports() map[string]any {
	return map[string]any{
		"NewRuntime":            func(context.Context) int32 { return 1 },
		"FreeRuntime":           func(context.Context, int32) {},
		"RuntimeSetMemoryLimit": func(context.Context, int32, int32) {},
		"RuntimeSetMaxStackSize": func(_ context.Context, _, size int32) {
			e.maxStack = max(int(size/stackBytesPerFrame), 1)
			for _, gc := range e.contexts {
				gc.vm.SetMaxCallStackSize(e.maxStack)
			}
		},
		"RunGC":             func(context.Context, int32) {},
		"IsJobPending":      func(context.Context, int32) int32 { return 0 },
		"ExecutePendingJob": func(context.Context, int32, int32, int32) int32 { return 0 },

		"NewContext":  func(context.Context, int32, int32) int32 { return e.newContext() },
		"FreeContext": func(_ context.Context, c int32) { delete(e.contexts, c) },

		"Malloc":      func(_ context.Context, _, size int32) int32 { return int32(e.heap.malloc(uint32(size))) },
		"Free":        func(_ context.Context, _, p int32) { e.heap.release(uint32(p)) },
		"FreeCString": func(_ context.Context, _, p int32) { e.heap.release(uint32(p)) },

		"FreeValuePointer": func(_ context.Context, _, v int32) { e.free(v) },
		"DupValuePointer":  func(_ context.Context, _, v int32) int32 { return e.box(e.boxes[v]) },

		"Eval": func(_ context.Context, c, code, n, filename, _, _ int32) int32 {
			gc := e.contexts[c]
			src, _ := e.mem.ReadBytes(MemoryPtr(code), uint32(n))
			name, _ := e.mem.ReadString(MemoryPtr(filename))
			v, err := gc.vm.RunScript(name, string(src))
			return e.settle(gc, v, err)
		},
		"GetLastError": func(_ context.Context, c, maybe int32) int32 {
			if maybe != 0 && maybe != boxException {
				return 0
			}
			gc := e.contexts[c]
			if gc == nil || gc.pending == nil {
				return 0
			}
			exc := gc.pending
			gc.pending = nil
			return e.box(exc)
		},
		"Throw": func(_ context.Context, c, v int32) int32 {
			e.contexts[c].pending = e.boxes[v]
			return boxException
		},

		"GetUndefined": func(context.Context) int32 { return boxUndefined },
		"GetNull":      func(context.Context) int32 { return boxNull },
		"GetTrue":      func(context.Context) int32 { return boxTrue },
		"GetFalse":     func(context.Context) int32 { return boxFalse },
		"IsNull":       func(_ context.Context, v int32) int32 { return flag(goja.IsNull(e.boxes[v])) },
		"IsUndefined":  func(_ context.Context, v int32) int32 { return flag(goja.IsUndefined(e.boxes[v])) },

		"NewFloat64": func(_ context.Context, c int32, n float64) int32 {
			return e.box(e.contexts[c].vm.ToValue(n))
		},
		"GetFloat64": func(_ context.Context, _, v int32) float64 { return e.boxes[v].ToFloat() },
		"NewString": func(_ context.Context, c, cstr int32) int32 {
			s, _ := e.mem.ReadString(MemoryPtr(cstr))
			return e.box(e.contexts[c].vm.ToValue(s))
		},
		"ToCString": func(_ context.Context, c, v int32) int32 {
			s, err := e.contexts[c].str(goja.Undefined(), e.boxes[v])
			if err != nil {
				return 0
			}
			return e.cstring(s.String())
		},
		"NewObject":       func(_ context.Context, c int32) int32 { return e.box(e.contexts[c].vm.NewObject()) },
		"NewArray":        func(_ context.Context, c int32) int32 { return e.box(e.contexts[c].vm.NewArray()) },
		"GetGlobalObject": func(_ context.Context, c int32) int32 { return e.box(e.contexts[c].vm.GlobalObject()) },

		"TypeOf": func(_ context.Context, c, v int32) int32 {
			t, err := e.contexts[c].typeOf(goja.Undefined(), e.boxes[v])
			if err != nil {
				return 0
			}
			return e.cstring(t.String())
		},
		"IsEqual": func(_ context.Context, _, a, b, op int32) int32 {
			x, y := e.boxes[a], e.boxes[b]
			switch IsEqualOp(op) {
			case OpSameValue:
				return flag(x.SameAs(y))
			case OpSameValueZero:
				return flag(x.StrictEquals(y) || x.SameAs(y))
			}
			return flag(x.StrictEquals(y))
		},
		"GetProp": func(_ context.Context, c, this, key int32) int32 {
			gc := e.contexts[c]
			v, err := gc.get(goja.Undefined(), e.boxes[this], e.boxes[key])
			return e.settle(gc, v, err)
		},
		"SetProp": func(_ context.Context, c, this, key, value int32) int32 {
			gc := e.contexts[c]
			if _, err := gc.set(goja.Undefined(), e.boxes[this], e.boxes[key], e.boxes[value]); err != nil {
				gc.pending = gc.thrown(err)
				return -1
			}
			return 1
		},
		"Call": func(_ context.Context, c, fn, this, argc, argv int32) int32 {
			gc := e.contexts[c]
			f, ok := goja.AssertFunction(e.boxes[fn])
			if !ok {
				gc.pending = gc.vm.NewTypeError("not a function")
				return boxException
			}
			v, err := f(e.boxes[this], e.argv(argv, argc)...)
			return e.settle(gc, v, err)
		},
		"NewFunction": func(ctx context.Context, c, funcID, namePtr int32) int32 {
			gc := e.contexts[c]
			name, _ := e.mem.ReadString(MemoryPtr(namePtr))
			fn := gc.vm.ToValue(func(call goja.FunctionCall) goja.Value {
				return e.callHost(ctx, c, gc, funcID, call)
			}).(*goja.Object)
			_ = fn.DefineDataProperty("name", gc.vm.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
			return e.box(fn)
		},
		"ArgvGetJSValueConstPointer": func(_ context.Context, argv, i int32) int32 {
			id, _ := e.mem.ReadUint32(MemoryPtr(argv + 4*i))
			return int32(id)
		},
	}
}

// engineHeap is a size-class allocator over [next, end) of env memory.
type engineHeap struct {
	next, end uint32
	sizes     map[uint32]uint32
	free      map[uint32][]uint32
}

func newEngineHeap(start, end uint32) *engineHeap {
	return &engineHeap{next: start, end: end, sizes: map[uint32]uint32{}, free: map[uint32][]uint32{}}
}

func (h *engineHeap) malloc(size uint32) uint32 {
	size = (max(size, 1) + 15) &^ 15
	if list := h.free[size]; len(list) > 0 {
		p := list[len(list)-1]
		h.free[size] = list[:len(list)-1]
		h.sizes[p] = size
		return p
	}
	if h.next+size > h.end {
		return 0
	}
	p := h.next
	h.next += size
	h.sizes[p] = size
	return p
}

func (h *engineHeap) release(p uint32) {
	size, ok := h.sizes[p]
	if !ok {
		return
	}
	delete(h.sizes, p)
	h.free[size] = append(h.free[size], p)
}
