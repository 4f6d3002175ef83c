package hako

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/6over3/jsi"
)

// exportPrefix is prepended to every function name hako.wasm exports.
const exportPrefix = "HAKO_"

// TrapError reports a wasm trap or a wazero failure inside an export. It
// is raised as a panic by Registry and recovered at the realm boundary,
// where it becomes a fatal script error.
type TrapError struct {
	Export string
	Err    error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("hako: %s%s trapped: %v", exportPrefix, e.Export, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// StackOverflow reports whether the trap was the wasm stack running out.
func (e *TrapError) StackOverflow() bool {
	return strings.Contains(e.Err.Error(), "stack overflow")
}

// ErrOutOfMemory is the cause of the *TrapError raised when the engine
// allocator returns null.
var ErrOutOfMemory = errors.New("out of memory")

// Registry binds the hako.wasm exports used by this package.
type Registry struct {
	module api.Module

	mu     sync.Mutex
	active map[api.Function]int

	newRuntime             api.Function
	freeRuntime            api.Function
	runtimeSetMemoryLimit  api.Function
	runtimeSetMaxStackSize api.Function
	runGC                  api.Function
	isJobPending           api.Function
	executePendingJob      api.Function

	newContext  api.Function
	freeContext api.Function

	malloc      api.Function
	free        api.Function
	freeCString api.Function

	freeValuePointer api.Function
	dupValuePointer  api.Function

	eval         api.Function
	getLastError api.Function
	throw        api.Function

	getUndefined api.Function
	getNull      api.Function
	getTrue      api.Function
	getFalse     api.Function
	isNull       api.Function
	isUndefined  api.Function

	newFloat64 api.Function
	getFloat64 api.Function
	newString  api.Function
	toCString  api.Function
	newObject  api.Function
	newArray   api.Function

	getGlobalObject api.Function
	typeOf          api.Function
	isEqual         api.Function
	getProp         api.Function
	setProp         api.Function
	call            api.Function
	newFunction     api.Function
	argvGet         api.Function
}

// NewRegistry looks up every export. A missing required export is an
// error; optional exports are left nil.
func NewRegistry(module api.Module) (*Registry, error) {
	r := &Registry{module: module}
	var missing []string
	bind := func(dst *api.Function, name string, required bool) {
		fn := module.ExportedFunction(exportPrefix + name)
		if fn == nil && required {
			missing = append(missing, exportPrefix+name)
		}
		*dst = fn
	}

	bind(&r.newRuntime, "NewRuntime", true)
	bind(&r.freeRuntime, "FreeRuntime", true)
	bind(&r.runtimeSetMemoryLimit, "RuntimeSetMemoryLimit", true)
	bind(&r.runtimeSetMaxStackSize, "RuntimeSetMaxStackSize", false)
	bind(&r.runGC, "RunGC", true)
	bind(&r.isJobPending, "IsJobPending", true)
	bind(&r.executePendingJob, "ExecutePendingJob", true)
	bind(&r.newContext, "NewContext", true)
	bind(&r.freeContext, "FreeContext", true)
	bind(&r.malloc, "Malloc", true)
	bind(&r.free, "Free", true)
	bind(&r.freeCString, "FreeCString", true)
	bind(&r.freeValuePointer, "FreeValuePointer", true)
	bind(&r.dupValuePointer, "DupValuePointer", true)
	bind(&r.eval, "Eval", true)
	bind(&r.getLastError, "GetLastError", true)
	bind(&r.throw, "Throw", true)
	bind(&r.getUndefined, "GetUndefined", true)
	bind(&r.getNull, "GetNull", true)
	bind(&r.getTrue, "GetTrue", true)
	bind(&r.getFalse, "GetFalse", true)
	bind(&r.isNull, "IsNull", true)
	bind(&r.isUndefined, "IsUndefined", true)
	bind(&r.newFloat64, "NewFloat64", true)
	bind(&r.getFloat64, "GetFloat64", true)
	bind(&r.newString, "NewString", true)
	bind(&r.toCString, "ToCString", true)
	bind(&r.newObject, "NewObject", true)
	bind(&r.newArray, "NewArray", true)
	bind(&r.getGlobalObject, "GetGlobalObject", true)
	bind(&r.typeOf, "TypeOf", true)
	bind(&r.isEqual, "IsEqual", true)
	bind(&r.getProp, "GetProp", true)
	bind(&r.setProp, "SetProp", true)
	bind(&r.call, "Call", true)
	bind(&r.newFunction, "NewFunction", true)
	bind(&r.argvGet, "ArgvGetJSValueConstPointer", true)

	if len(missing) > 0 {
		return nil, fmt.Errorf("module is missing exports: %s", strings.Join(missing, ", "))
	}
	return r, nil
}

// invoke calls an export and panics with *TrapError if it fails. Panics
// raised by host callbacks further down the stack keep their identity.
func (r *Registry) invoke(ctx context.Context, fn api.Function, params ...uint64) uint64 {
	callee := r.enter(fn)
	defer r.leave(fn)
	res, err := callee.Call(ctx, params...)
	if err != nil {
		var pv *jsi.PreconditionViolation
		if errors.As(err, &pv) {
			panic(pv)
		}
		var trap *TrapError
		if errors.As(err, &trap) {
			panic(trap)
		}
		panic(&TrapError{Export: exportName(fn), Err: err})
	}
	if len(res) == 0 {
		return 0
	}
	return res[0]
}

// enter returns the function to call for fn. An api.Function must not be
// called while it is still running, so an export re-entered from a host
// callback gets a fresh instance.
func (r *Registry) enter(fn api.Function) api.Function {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[api.Function]int)
	}
	r.active[fn]++
	if r.active[fn] == 1 {
		return fn
	}
	if names := fn.Definition().ExportNames(); len(names) > 0 {
		if fresh := r.module.ExportedFunction(names[0]); fresh != nil {
			return fresh
		}
	}
	return fn
}

func (r *Registry) leave(fn api.Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[fn]--; r.active[fn] == 0 {
		delete(r.active, fn)
	}
}

func exportName(fn api.Function) string {
	def := fn.Definition()
	if names := def.ExportNames(); len(names) > 0 {
		return strings.TrimPrefix(names[0], exportPrefix)
	}
	return def.Name()
}

func i32(v int32) uint64 { return api.EncodeI32(v) }

func (r *Registry) NewRuntime(ctx context.Context) RuntimePtr {
	return RuntimePtr(api.DecodeI32(r.invoke(ctx, r.newRuntime)))
}

func (r *Registry) FreeRuntime(ctx context.Context, rt RuntimePtr) {
	r.invoke(ctx, r.freeRuntime, i32(int32(rt)))
}

func (r *Registry) RuntimeSetMemoryLimit(ctx context.Context, rt RuntimePtr, limit int32) {
	r.invoke(ctx, r.runtimeSetMemoryLimit, i32(int32(rt)), i32(limit))
}

// RuntimeSetMaxStackSize reports false when the module does not export it.
func (r *Registry) RuntimeSetMaxStackSize(ctx context.Context, rt RuntimePtr, size int32) bool {
	if r.runtimeSetMaxStackSize == nil {
		return false
	}
	r.invoke(ctx, r.runtimeSetMaxStackSize, i32(int32(rt)), i32(size))
	return true
}

func (r *Registry) RunGC(ctx context.Context, rt RuntimePtr) {
	r.invoke(ctx, r.runGC, i32(int32(rt)))
}

func (r *Registry) IsJobPending(ctx context.Context, rt RuntimePtr) int32 {
	return api.DecodeI32(r.invoke(ctx, r.isJobPending, i32(int32(rt))))
}

// ExecutePendingJob runs up to maxJobs jobs (all when negative) and returns
// how many ran, or -1 if one threw.
func (r *Registry) ExecutePendingJob(ctx context.Context, rt RuntimePtr, maxJobs int32, lastJobCtx int32) int32 {
	return api.DecodeI32(r.invoke(ctx, r.executePendingJob, i32(int32(rt)), i32(maxJobs), i32(lastJobCtx)))
}

func (r *Registry) NewContext(ctx context.Context, rt RuntimePtr, intrinsics int32) ContextPtr {
	return ContextPtr(api.DecodeI32(r.invoke(ctx, r.newContext, i32(int32(rt)), i32(intrinsics))))
}

func (r *Registry) FreeContext(ctx context.Context, c ContextPtr) {
	r.invoke(ctx, r.freeContext, i32(int32(c)))
}

func (r *Registry) Malloc(ctx context.Context, c ContextPtr, size int32) MemoryPtr {
	return MemoryPtr(api.DecodeI32(r.invoke(ctx, r.malloc, i32(int32(c)), i32(size))))
}

func (r *Registry) Free(ctx context.Context, c ContextPtr, ptr MemoryPtr) {
	r.invoke(ctx, r.free, i32(int32(c)), i32(int32(ptr)))
}

func (r *Registry) FreeCString(ctx context.Context, c ContextPtr, ptr int32) {
	r.invoke(ctx, r.freeCString, i32(int32(c)), i32(ptr))
}

func (r *Registry) FreeValuePointer(ctx context.Context, c ContextPtr, v ValuePtr) {
	r.invoke(ctx, r.freeValuePointer, i32(int32(c)), i32(int32(v)))
}

func (r *Registry) DupValuePointer(ctx context.Context, c ContextPtr, v ValuePtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.dupValuePointer, i32(int32(c)), i32(int32(v)))))
}

func (r *Registry) Eval(ctx context.Context, c ContextPtr, code, codeLen, filename, detectModule, flags int32) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.eval,
		i32(int32(c)), i32(code), i32(codeLen), i32(filename), i32(detectModule), i32(flags))))
}

// GetLastError returns the exception held by maybeException, or the
// context's pending exception when maybeException is zero. It returns zero
// when there is none.
func (r *Registry) GetLastError(ctx context.Context, c ContextPtr, maybeException ValuePtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.getLastError, i32(int32(c)), i32(int32(maybeException)))))
}

// Throw makes v the pending exception and returns the exception marker to
// hand back to the engine. v is not consumed.
func (r *Registry) Throw(ctx context.Context, c ContextPtr, v ValuePtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.throw, i32(int32(c)), i32(int32(v)))))
}

func (r *Registry) GetUndefined(ctx context.Context) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.getUndefined)))
}

func (r *Registry) GetNull(ctx context.Context) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.getNull)))
}

func (r *Registry) GetTrue(ctx context.Context) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.getTrue)))
}

func (r *Registry) GetFalse(ctx context.Context) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.getFalse)))
}

func (r *Registry) IsNull(ctx context.Context, v ValuePtr) int32 {
	return api.DecodeI32(r.invoke(ctx, r.isNull, i32(int32(v))))
}

func (r *Registry) IsUndefined(ctx context.Context, v ValuePtr) int32 {
	return api.DecodeI32(r.invoke(ctx, r.isUndefined, i32(int32(v))))
}

func (r *Registry) NewFloat64(ctx context.Context, c ContextPtr, n float64) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.newFloat64, i32(int32(c)), api.EncodeF64(n))))
}

func (r *Registry) GetFloat64(ctx context.Context, c ContextPtr, v ValuePtr) float64 {
	return api.DecodeF64(r.invoke(ctx, r.getFloat64, i32(int32(c)), i32(int32(v))))
}

func (r *Registry) NewString(ctx context.Context, c ContextPtr, cstr int32) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.newString, i32(int32(c)), i32(cstr))))
}

// ToCString returns a UTF-8 copy of v that must be released with
// FreeCString.
func (r *Registry) ToCString(ctx context.Context, c ContextPtr, v ValuePtr) int32 {
	return api.DecodeI32(r.invoke(ctx, r.toCString, i32(int32(c)), i32(int32(v))))
}

func (r *Registry) NewObject(ctx context.Context, c ContextPtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.newObject, i32(int32(c)))))
}

func (r *Registry) NewArray(ctx context.Context, c ContextPtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.newArray, i32(int32(c)))))
}

func (r *Registry) GetGlobalObject(ctx context.Context, c ContextPtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.getGlobalObject, i32(int32(c)))))
}

// TypeOf returns the typeof string of v as a C string owned by the caller.
func (r *Registry) TypeOf(ctx context.Context, c ContextPtr, v ValuePtr) int32 {
	return api.DecodeI32(r.invoke(ctx, r.typeOf, i32(int32(c)), i32(int32(v))))
}

func (r *Registry) IsEqual(ctx context.Context, c ContextPtr, a, b ValuePtr, op IsEqualOp) int32 {
	return api.DecodeI32(r.invoke(ctx, r.isEqual, i32(int32(c)), i32(int32(a)), i32(int32(b)), i32(int32(op))))
}

func (r *Registry) GetProp(ctx context.Context, c ContextPtr, this, key ValuePtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.getProp, i32(int32(c)), i32(int32(this)), i32(int32(key)))))
}

// SetProp returns a negative value when the assignment threw.
func (r *Registry) SetProp(ctx context.Context, c ContextPtr, this, key, value ValuePtr) int32 {
	return api.DecodeI32(r.invoke(ctx, r.setProp, i32(int32(c)), i32(int32(this)), i32(int32(key)), i32(int32(value))))
}

// Call invokes fn; argv points at argc consecutive ValuePtrs.
func (r *Registry) Call(ctx context.Context, c ContextPtr, fn, this ValuePtr, argc int32, argv MemoryPtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.call,
		i32(int32(c)), i32(int32(fn)), i32(int32(this)), i32(argc), i32(int32(argv)))))
}

// NewFunction creates a function that reaches the host through the
// call_function import with funcID.
func (r *Registry) NewFunction(ctx context.Context, c ContextPtr, funcID int32, name MemoryPtr) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.newFunction, i32(int32(c)), i32(funcID), i32(int32(name)))))
}

// ArgvGetJSValueConstPointer returns a borrowed pointer to argv[index] as
// received by call_function.
func (r *Registry) ArgvGetJSValueConstPointer(ctx context.Context, argv, index int32) ValuePtr {
	return ValuePtr(api.DecodeI32(r.invoke(ctx, r.argvGet, i32(argv), i32(index))))
}
