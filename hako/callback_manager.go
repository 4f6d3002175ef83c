package hako

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// CallbackManager implements the "hako" host module that hako.wasm
// imports and routes each callback to the Realm or Runtime it belongs to.
type CallbackManager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	registry *Registry
	memory   *MemoryManager
	contexts map[ContextPtr]*Realm   // call_function, promise tracking
	runtimes map[RuntimePtr]*Runtime // interrupt_handler
}

// NewCallbackManager returns a manager with no realms registered. A nil
// logger discards diagnostics.
func NewCallbackManager(logger *zap.Logger) *CallbackManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackManager{
		contexts: map[ContextPtr]*Realm{},
		runtimes: map[RuntimePtr]*Runtime{},
		logger:   logger,
	}
}

// Initialize binds the manager to an instantiated hako.wasm.
func (cm *CallbackManager) Initialize(registry *Registry, memory *MemoryManager) {
	cm.mu.Lock()
	cm.registry, cm.memory = registry, memory
	cm.mu.Unlock()
}

// RegisterContext routes callbacks for ptr to realm.
func (cm *CallbackManager) RegisterContext(ptr ContextPtr, realm *Realm) {
	cm.mu.Lock()
	cm.contexts[ptr] = realm
	cm.mu.Unlock()
}

// UnregisterContext stops routing callbacks for ptr.
func (cm *CallbackManager) UnregisterContext(ptr ContextPtr) {
	cm.mu.Lock()
	delete(cm.contexts, ptr)
	cm.mu.Unlock()
}

// RegisterRuntime routes interrupt checks for ptr to rt.
func (cm *CallbackManager) RegisterRuntime(ptr RuntimePtr, rt *Runtime) {
	cm.mu.Lock()
	cm.runtimes[ptr] = rt
	cm.mu.Unlock()
}

// UnregisterRuntime stops routing interrupt checks for ptr.
func (cm *CallbackManager) UnregisterRuntime(ptr RuntimePtr) {
	cm.mu.Lock()
	delete(cm.runtimes, ptr)
	cm.mu.Unlock()
}

func (cm *CallbackManager) realm(ptr ContextPtr) *Realm {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.contexts[ptr]
}

func (cm *CallbackManager) runtime(ptr RuntimePtr) *Runtime {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.runtimes[ptr]
}

// hostImport is one function of the "hako" module hako.wasm imports.
// fn follows wazero's WithFunc conventions.
type hostImport struct {
	name string
	fn   any
}

// imports lists the host module. Names and signatures are fixed by the
// wasm binary; unknown contexts or runtimes fall through to zero results.
func (cm *CallbackManager) imports(mem *Memory) []hostImport {
	return []hostImport{
		{"call_function", func(_ context.Context, c, funcID, this, argc, argv int32) int32 {
			return int32(cm.handleCallFunction(ContextPtr(c), funcID, ValuePtr(this), argc, argv))
		}},
		{"interrupt_handler", func(_ context.Context, rt, opaque, _ int32) int32 {
			return boolToInt32(cm.handleInterrupt(RuntimePtr(rt), opaque))
		}},
		{"normalize_module", func(_ context.Context, c, base, name, opaque, out int32) int32 {
			baseName, _ := mem.ReadString(MemoryPtr(base))
			specifier, _ := mem.ReadString(MemoryPtr(name))
			resolved := cm.handleNormalizeModule(ContextPtr(c), baseName, specifier, opaque)
			mem.WriteString(MemoryPtr(out), resolved)
			return int32(len(resolved))
		}},
		{"load_module", func(_ context.Context, rt, c, name, opaque, out int32) int32 {
			module, _ := mem.ReadString(MemoryPtr(name))
			kind, src, n := cm.handleLoadModule(RuntimePtr(rt), ContextPtr(c), module, opaque)
			// out receives {kind, src, len} as three u32s.
			for i, field := range []uint32{uint32(kind), uint32(src), uint32(n)} {
				mem.WriteUint32(MemoryPtr(out+int32(4*i)), field)
			}
			return int32(kind)
		}},
		{"module_init", func(_ context.Context, c, m int32) int32 {
			return cm.handleModuleInit(ContextPtr(c), ModuleDefPtr(m))
		}},
		{"class_finalizer", func(_ context.Context, rt, opaque, class int32) {
			cm.handleClassFinalizer(RuntimePtr(rt), opaque, ClassID(class))
		}},
		{"class_gc_mark", func(_ context.Context, rt, val, markFunc, class int32) {}},
		{"class_constructor", func(_ context.Context, c, newTarget, argc, argv, class int32) int32 {
			return 0
		}},
		{"promise_rejection_tracker", func(_ context.Context, c, promise, reason, handled, opaque int32) {
			cm.handlePromiseRejectionTracker(ContextPtr(c), ValuePtr(promise), ValuePtr(reason), handled != 0, opaque)
		}},
	}
}

// AddToHostModule exports every host import on builder and instantiates
// the module.
func (cm *CallbackManager) AddToHostModule(ctx context.Context, builder wazero.HostModuleBuilder, mem *Memory) (api.Closer, error) {
	for _, imp := range cm.imports(mem) {
		builder = builder.NewFunctionBuilder().WithFunc(imp.fn).Export(imp.name)
	}
	return builder.Instantiate(ctx)
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// ModuleSource tells the engine what load_module produced.
type ModuleSource int32

const (
	ModuleSourceText ModuleSource = iota
	ModuleSourceBytecode
	ModuleSourceRejected
)

// handleCallFunction is the trampoline for every function created with
// NewFunction. The returned box is consumed by the engine.
func (cm *CallbackManager) handleCallFunction(ctx ContextPtr, funcID int32, this ValuePtr, argc, argv int32) ValuePtr {
	realm := cm.realm(ctx)
	if realm == nil {
		cm.logger.Warn("call_function for unknown context", zap.Stringer("context", ctx), zap.Int32("func", funcID))
		return 0
	}
	return realm.invokeHost(funcID, this, argc, argv)
}

// handleInterrupt aborts script once the runtime's context is done.
func (cm *CallbackManager) handleInterrupt(rt RuntimePtr, opaque int32) bool {
	runtime := cm.runtime(rt)
	return runtime != nil && runtime.ctx.Err() != nil
}

// handleLoadModule rejects every import; realms evaluate scripts, not
// module graphs.
func (cm *CallbackManager) handleLoadModule(rt RuntimePtr, ctx ContextPtr, moduleName string, opaque int32) (ModuleSource, MemoryPtr, int32) {
	cm.logger.Debug("module loading is not supported", zap.String("module", moduleName))
	return ModuleSourceRejected, 0, 0
}

// handleNormalizeModule resolves relative specifiers against the importing
// module.
func (cm *CallbackManager) handleNormalizeModule(ctx ContextPtr, baseName, name string, opaque int32) string {
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		return path.Join(path.Dir(baseName), name)
	}
	return name
}

// handleModuleInit is never reached because no module is ever loaded.
func (cm *CallbackManager) handleModuleInit(ctx ContextPtr, m ModuleDefPtr) int32 {
	return 0
}

func (cm *CallbackManager) handleClassFinalizer(rt RuntimePtr, opaque int32, classID ClassID) {
	cm.logger.Debug("class finalizer", zap.Stringer("class", classID), zap.Int32("opaque", opaque))
}

func (cm *CallbackManager) handlePromiseRejectionTracker(ctx ContextPtr, promise, reason ValuePtr, isHandled bool, opaque int32) {
	if isHandled {
		return
	}
	if realm := cm.realm(ctx); realm != nil {
		realm.logger.Debug("unhandled promise rejection", zap.Stringer("promise", promise))
	}
}
