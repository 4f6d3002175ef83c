package hako

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNormalizeModule(t *testing.T) {
	cm := NewCallbackManager(nil)
	tests := []struct {
		base, name, want string
	}{
		{"lib/a.js", "./b.js", "lib/b.js"},
		{"lib/nested/a.js", "../c.js", "lib/c.js"},
		{"lib/a.js", "pkg", "pkg"},
		{"a.js", "./b.js", "b.js"},
	}
	for _, tt := range tests {
		if got := cm.handleNormalizeModule(0, tt.base, tt.name, 0); got != tt.want {
			t.Errorf("normalize(%q, %q) = %q, want %q", tt.base, tt.name, got, tt.want)
		}
	}
}

func TestLoadModuleRejected(t *testing.T) {
	cm := NewCallbackManager(nil)
	typ, ptr, n := cm.handleLoadModule(1, 2, "fs", 0)
	if typ != ModuleSourceRejected || ptr != 0 || n != 0 {
		t.Errorf("handleLoadModule() = %v, %v, %v", typ, ptr, n)
	}
}

func TestCallFunctionUnknownContext(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cm := NewCallbackManager(zap.New(core))

	if got := cm.handleCallFunction(ContextPtr(0x40), 7, 0, 0, 0); got != 0 {
		t.Errorf("handleCallFunction() = %v, want 0", got)
	}
	if logs.Len() != 1 {
		t.Errorf("got %d warnings, want 1", logs.Len())
	}
}

func TestInterruptFollowsContext(t *testing.T) {
	cm := NewCallbackManager(nil)
	if cm.handleInterrupt(1, 0) {
		t.Error("unknown runtime interrupted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.RegisterRuntime(1, &Runtime{ctx: ctx})
	if cm.handleInterrupt(1, 0) {
		t.Error("interrupted before cancel")
	}
	cancel()
	if !cm.handleInterrupt(1, 0) {
		t.Error("not interrupted after cancel")
	}

	cm.UnregisterRuntime(1)
	if cm.handleInterrupt(1, 0) {
		t.Error("unregistered runtime interrupted")
	}
}

func TestImportsCoverHostModule(t *testing.T) {
	want := []string{
		"call_function", "interrupt_handler", "normalize_module", "load_module", "module_init",
		"class_finalizer", "class_gc_mark", "class_constructor", "promise_rejection_tracker",
	}
	imports := NewCallbackManager(nil).imports(nil)
	if len(imports) != len(want) {
		t.Fatalf("got %d imports, want %d", len(imports), len(want))
	}
	for i, imp := range imports {
		if imp.name != want[i] {
			t.Errorf("import %d = %q, want %q", i, imp.name, want[i])
		}
		if imp.fn == nil {
			t.Errorf("import %q has no func", imp.name)
		}
	}
}
