package hako

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/6over3/jsi"
)

// Name is the backend name registered with jsi.
const Name = "hako"

func init() {
	jsi.Register(Name, func(ctx context.Context, cfg jsi.Config) (jsi.Runtime, error) {
		if len(cfg.Binary) == 0 {
			return nil, errors.New("hako: Config.Binary must hold hako.wasm")
		}
		return openRealm(ctx, cfg, instantiateBinary(cfg.Binary))
	})
}

// openRealm creates a Runtime and a Realm that owns it, configured from
// cfg.
func openRealm(ctx context.Context, cfg jsi.Config, instantiate instantiateFunc) (jsi.Runtime, error) {
	rt, err := newRuntime(ctx, instantiate, &Options{
		MemoryLimitBytes: int32(min(cfg.MemoryLimitBytes, 1<<31-1)),
		Logger:           cfg.ZapLogger(),
	})
	if err != nil {
		return nil, err
	}
	realm, err := rt.CreateRealmWithOptions(&RealmOptions{
		Debug:        cfg.Debug,
		Transform:    cfg.Transform,
		Console:      cfg.Console,
		OwnsRuntime:  true,
		MaxStackSize: int32(cfg.MaxCallStackSize) * stackBytesPerFrame,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return realm, nil
}

// stackBytesPerFrame converts a frame budget into a QuickJS stack size.
const stackBytesPerFrame = 256

// compilation caches compiled hako.wasm across runtimes in the process.
var (
	compilationOnce  sync.Once
	compilationCache wazero.CompilationCache
)

func sharedCache() wazero.CompilationCache {
	compilationOnce.Do(func() {
		compilationCache = wazero.NewCompilationCache()
	})
	return compilationCache
}

// envModule provides the "env.memory" that hako.wasm imports; wazero host
// modules cannot export memory. It is
//
//	(module (memory (export "memory") 384 4096))
//
// 384 pages (24 MiB) is the minimum hako.wasm requires.
var envModule = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic: \0asm
	0x01, 0x00, 0x00, 0x00, // version: 1
	0x05, 0x06, 0x01, // memory section
	0x01, 0x80, 0x03, // limits: min=384
	0x80, 0x20, // limits: max=4096
	0x07, 0x0a, 0x01, // export section
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, // "memory"
	0x02, 0x00, // memory index 0
}

// Runtime manages one QuickJS instance running in WebAssembly.
//
// It owns the wazero runtime, the QuickJS module and every Realm created
// from it. Runtime methods are safe for concurrent use; a Realm must be
// used from one goroutine at a time.
type Runtime struct {
	// Pointer is the QuickJS JSRuntime pointer in wasm memory.
	Pointer RuntimePtr

	// Registry provides access to the QuickJS wasm exports.
	Registry *Registry

	// Callbacks routes engine callbacks back to realms.
	Callbacks *CallbackManager

	// Memory allocates in wasm linear memory.
	Memory *MemoryManager

	ctx    context.Context
	logger *zap.Logger
	wazero wazero.Runtime
	module api.Module

	mu       sync.RWMutex
	realms   map[ContextPtr]*Realm
	disposed bool
}

// Options configures Runtime creation.
type Options struct {
	// MemoryLimitBytes sets the QuickJS memory limit. Zero means no limit.
	MemoryLimitBytes int32

	// Logger receives engine diagnostics. Nil means zap.NewNop().
	Logger *zap.Logger
}

// engineModuleName is the instance name of the engine module. It differs
// from "hako", the host module the engine imports.
const engineModuleName = "hako_quickjs"

// instantiateFunc instantiates the engine module once the "env" and "hako"
// modules it imports exist.
type instantiateFunc func(ctx context.Context, wzr wazero.Runtime) (api.Module, error)

func instantiateBinary(wasmBytes []byte) instantiateFunc {
	return func(ctx context.Context, wzr wazero.Runtime) (api.Module, error) {
		compiled, err := wzr.CompileModule(ctx, wasmBytes)
		if err != nil {
			return nil, fmt.Errorf("compile module: %w", err)
		}
		module, err := wzr.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
			WithName(engineModuleName).
			WithStartFunctions("_initialize"))
		if err != nil {
			return nil, fmt.Errorf("instantiate module: %w", err)
		}
		return module, nil
	}
}

// New creates a Runtime from a QuickJS wasm binary.
//
// ctx is used for every wasm call and should stay valid for the lifetime of
// the Runtime. Cancelling it aborts running script; the runtime is unusable
// afterwards.
func New(ctx context.Context, wasmBytes []byte, opts *Options) (*Runtime, error) {
	return newRuntime(ctx, instantiateBinary(wasmBytes), opts)
}

func newRuntime(ctx context.Context, instantiate instantiateFunc, opts *Options) (*Runtime, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", Name))

	// QuickJS wasm uses tail calls, which requires experimental wazero support.
	cfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesTailCall).
		WithCompilationCache(sharedCache()).
		WithCloseOnContextDone(true)
	wzr := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, wzr); err != nil {
		wzr.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	callbacks := NewCallbackManager(logger)
	rawMem := &Memory{}

	envCompiled, err := wzr.CompileModule(ctx, envModule)
	if err != nil {
		wzr.Close(ctx)
		return nil, fmt.Errorf("compile env module: %w", err)
	}

	envMod, err := wzr.InstantiateModule(ctx, envCompiled, wazero.NewModuleConfig().WithName("env"))
	if err != nil {
		wzr.Close(ctx)
		return nil, fmt.Errorf("instantiate env module: %w", err)
	}
	rawMem.mem = envMod.Memory()

	hostBuilder := wzr.NewHostModuleBuilder("hako")
	if _, err = callbacks.AddToHostModule(ctx, hostBuilder, rawMem); err != nil {
		wzr.Close(ctx)
		return nil, fmt.Errorf("bind callbacks: %w", err)
	}

	module, err := instantiate(ctx, wzr)
	if err != nil {
		wzr.Close(ctx)
		return nil, err
	}
	if m := module.Memory(); m != nil {
		rawMem.mem = m
	}

	registry, err := NewRegistry(module)
	if err != nil {
		wzr.Close(ctx)
		return nil, fmt.Errorf("create registry: %w", err)
	}

	rt := &Runtime{
		Registry:  registry,
		Callbacks: callbacks,
		Memory:    NewMemoryManager(registry, rawMem, ctx),
		ctx:       ctx,
		logger:    logger,
		wazero:    wzr,
		module:    module,
		realms:    make(map[ContextPtr]*Realm),
	}

	if err := guardTrap(func() { rt.Pointer = registry.NewRuntime(ctx) }); err != nil {
		wzr.Close(ctx)
		return nil, fmt.Errorf("create QuickJS runtime: %w", err)
	}
	if rt.Pointer.IsNull() {
		wzr.Close(ctx)
		return nil, errors.New("create QuickJS runtime: NewRuntime returned null")
	}

	callbacks.Initialize(registry, rt.Memory)
	callbacks.RegisterRuntime(rt.Pointer, rt)

	if opts.MemoryLimitBytes > 0 {
		rt.SetMemoryLimit(opts.MemoryLimitBytes)
	}

	logger.Debug("runtime created", zap.Stringer("runtime", rt.Pointer))
	return rt, nil
}

// CreateRealm creates a JavaScript execution context with default options.
func (rt *Runtime) CreateRealm() (*Realm, error) {
	return rt.CreateRealmWithOptions(nil)
}

// CreateRealmWithOptions creates a JavaScript execution context.
//
// Each Realm has its own global object and built-ins. Call [Realm.Close]
// when done.
func (rt *Runtime) CreateRealmWithOptions(opts *RealmOptions) (*Realm, error) {
	rt.mu.RLock()
	disposed := rt.disposed
	rt.mu.RUnlock()
	if disposed {
		return nil, errors.New("runtime is disposed")
	}
	if opts == nil {
		opts = &RealmOptions{}
	}

	var ctxPtr ContextPtr
	if err := guardTrap(func() { ctxPtr = rt.Registry.NewContext(rt.ctx, rt.Pointer, 0) }); err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	if ctxPtr.IsNull() {
		return nil, errors.New("create context: NewContext returned null")
	}
	if opts.MaxStackSize > 0 {
		rt.Registry.RuntimeSetMaxStackSize(rt.ctx, rt.Pointer, opts.MaxStackSize)
	}

	realm := newRealm(rt, ctxPtr, opts)

	rt.mu.Lock()
	rt.realms[ctxPtr] = realm
	rt.mu.Unlock()
	rt.Callbacks.RegisterContext(ctxPtr, realm)

	if err := realm.bootstrap(); err != nil {
		realm.Close()
		return nil, fmt.Errorf("bootstrap realm: %w", err)
	}
	return realm, nil
}

// SetMemoryLimit sets the QuickJS memory limit in bytes. Zero means no
// limit.
func (rt *Runtime) SetMemoryLimit(bytes int32) {
	rt.Registry.RuntimeSetMemoryLimit(rt.ctx, rt.Pointer, bytes)
}

// RunGC triggers QuickJS garbage collection.
func (rt *Runtime) RunGC() {
	rt.Registry.RunGC(rt.ctx, rt.Pointer)
}

// IsMicrotaskPending reports whether there are pending promise jobs.
func (rt *Runtime) IsMicrotaskPending() bool {
	return rt.Registry.IsJobPending(rt.ctx, rt.Pointer) != 0
}

// ExecuteMicrotasks runs up to maxJobs pending jobs (-1 for all) and
// returns how many ran, or -1 if a job threw.
func (rt *Runtime) ExecuteMicrotasks(maxJobs int32) int32 {
	return rt.Registry.ExecutePendingJob(rt.ctx, rt.Pointer, maxJobs, 0)
}

func (rt *Runtime) dropRealm(realm *Realm) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.realms, realm.Pointer)
}

// Close closes every realm, then frees the QuickJS runtime and the wazero
// runtime. After Close, the Runtime cannot be used.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		return nil
	}
	rt.disposed = true
	realms := make([]*Realm, 0, len(rt.realms))
	for _, realm := range rt.realms {
		realms = append(realms, realm)
	}
	rt.mu.Unlock()

	var errs []error
	for _, realm := range realms {
		if err := realm.dispose(); err != nil {
			errs = append(errs, err)
		}
	}

	if rt.Pointer != 0 {
		rt.Callbacks.UnregisterRuntime(rt.Pointer)
		if err := guardTrap(func() { rt.Registry.FreeRuntime(rt.ctx, rt.Pointer) }); err != nil {
			rt.logger.Warn("free runtime", zap.Error(err))
		}
		rt.Pointer = 0
	}

	if rt.wazero != nil {
		if err := rt.wazero.Close(rt.ctx); err != nil {
			errs = append(errs, fmt.Errorf("close wazero: %w", err))
		}
	}
	rt.logger.Debug("runtime closed")
	return errors.Join(errs...)
}

// guardTrap runs f and returns a *TrapError it raised.
func guardTrap(f func()) (err error) {
	defer func() {
		if x := recover(); x != nil {
			trap, ok := x.(*TrapError)
			if !ok {
				panic(x)
			}
			err = trap
		}
	}()
	f()
	return nil
}
