package jsi

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// PreparedJavaScript is source that a runtime has parsed ahead of time.
// It can only be evaluated by the runtime that prepared it.
type PreparedJavaScript interface {
	SourceURL() string
}

// SourceTransform rewrites source before the engine parses it, for example
// to strip TypeScript types.
type SourceTransform func(src []byte, sourceURL string) ([]byte, error)

// Runtime is the contract every engine backend implements.
//
// Handle arguments are borrowed and handle results are owned by the caller.
// Methods that run script (property access, calls, evaluation) may re-enter
// the runtime through host functions on the same goroutine.
type Runtime interface {
	// Description names the backing engine.
	Description() string

	// Evaluate runs src as a script. Parse failures and uncaught throws
	// are returned as *ScriptError.
	Evaluate(src []byte, sourceURL string) (Value, error)
	PrepareJavaScript(src []byte, sourceURL string) (PreparedJavaScript, error)
	EvaluatePrepared(p PreparedJavaScript) (Value, error)

	// DrainMicrotasks runs at most max pending jobs (all when max < 0)
	// and reports whether the queue is empty.
	DrainMicrotasks(max int) (bool, error)

	// Global returns the global object.
	Global() Object

	CreateObject() Object
	CreateObjectFromHostObject(ho HostObject) Object
	IsHostObject(o Object) bool
	// GetHostObject requires IsHostObject(o).
	GetHostObject(o Object) HostObject

	CreateFunctionFromHostFunction(name PropNameID, paramCount int, fn HostFunction) Function
	IsHostFunction(fn Function) bool
	// GetHostFunction requires IsHostFunction(fn).
	GetHostFunction(fn Function) HostFunction

	CreateString(s string) String
	CreateSymbol(description string) Symbol
	CreatePropNameID(s string) PropNameID
	CreatePropNameIDFromString(s String) PropNameID
	CreatePropNameIDFromSymbol(sym Symbol) PropNameID
	CreateArray(length int) (Array, error)
	CreateArrayBuffer(data []byte) (ArrayBuffer, error)
	CreateWeakObject(o Object) (WeakObject, error)
	LockWeakObject(w WeakObject) Value

	GetProperty(o Object, name PropNameID) (Value, error)
	SetProperty(o Object, name PropNameID, v Value) error
	HasProperty(o Object, name PropNameID) (bool, error)
	// GetPropertyNames lists the enumerable string keys of o and its
	// prototype chain.
	GetPropertyNames(o Object) (Array, error)

	IsArray(o Object) bool
	IsArrayBuffer(o Object) bool
	IsFunction(o Object) bool

	Size(a Array) (int, error)
	GetValueAtIndex(a Array, i int) (Value, error)
	SetValueAtIndex(a Array, i int, v Value) error
	ArrayBufferData(b ArrayBuffer) ([]byte, error)

	Call(fn Function, this Value, args ...Value) (Value, error)
	CallAsConstructor(fn Function, args ...Value) (Value, error)
	InstanceOf(o Object, ctor Function) (bool, error)

	StringToUTF8(s String) string
	SymbolToString(s Symbol) string
	PropNameIDToUTF8(p PropNameID) string
	ComparePropNameIDs(a, b PropNameID) bool
	// StrictEquals compares two string, symbol or object values of the
	// same kind. Use the package-level StrictEquals for any values.
	StrictEquals(a, b Value) bool

	CloneString(s String) String
	CloneSymbol(s Symbol) Symbol
	CloneObject(o Object) Object
	ClonePropNameID(p PropNameID) PropNameID

	// LiveCount reports outstanding handles in a category.
	LiveCount(cat Category) int64

	// Close tears the engine down. Handles released afterwards only free
	// host memory.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Name is the registered backend name.
	Name string

	// Logger receives backend diagnostics. Nil means zap.NewNop().
	Logger *zap.Logger

	// Debug makes Close return a *LeakError when handles are still alive.
	Debug bool

	// MaxCallStackSize bounds script recursion. Zero keeps the backend
	// default.
	MaxCallStackSize int

	// MemoryLimitBytes bounds engine heap size where supported.
	MemoryLimitBytes int64

	// Binary is the engine image for backends that load one at runtime.
	Binary []byte

	// Transform is applied to every source buffer before parsing.
	Transform SourceTransform

	// Console installs a console object that logs through Logger.
	Console bool
}

// ZapLogger returns cfg.Logger or a no-op logger.
func (cfg Config) ZapLogger() *zap.Logger {
	if cfg.Logger == nil {
		return zap.NewNop()
	}
	return cfg.Logger
}

// Factory creates a runtime for a backend.
type Factory func(ctx context.Context, cfg Config) (Runtime, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available to New. Registering a name twice
// replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	names := lo.Keys(registry)
	registryMu.RUnlock()
	sort.Strings(names)
	return names
}

// New creates a runtime using the backend named by cfg.Name.
func New(ctx context.Context, cfg Config) (Runtime, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok || f == nil {
		return nil, &NotImplementedError{Feature: "backend " + cfg.Name}
	}
	return f(ctx, cfg)
}
