package gojart

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/6over3/jsi"
	"github.com/6over3/jsi/jsitest"
	"github.com/6over3/jsi/transpile"
)

func TestConformance(t *testing.T) {
	jsitest.Run(t, func(t *testing.T, cfg jsi.Config) jsi.Runtime {
		cfg.Name = Name
		rt, err := jsi.New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("create runtime: %v", err)
		}
		return rt
	})
}

func TestRegistered(t *testing.T) {
	found := false
	for _, name := range jsi.Backends() {
		if name == Name {
			found = true
		}
	}
	if !found {
		t.Fatalf("backend %q not registered, have %v", Name, jsi.Backends())
	}

	_, err := jsi.New(context.Background(), jsi.Config{Name: "no-such-engine"})
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestConsoleLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rt := New(&Options{Logger: zap.New(core), Console: true})
	defer rt.Close()

	v, err := rt.Evaluate([]byte(`console.log("hello", 1); console.warn("careful")`), "console.js")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	v.Release()

	entries := logs.FilterField(zap.String("source", "console")).All()
	if len(entries) != 2 {
		t.Fatalf("got %d console entries, want 2", len(entries))
	}
	if entries[0].Message != "hello 1" {
		t.Errorf("log message = %q", entries[0].Message)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("warn level = %v", entries[1].Level)
	}
}

func TestTypeScriptTransform(t *testing.T) {
	rt := New(&Options{Transform: transpile.TypeScript})
	defer rt.Close()

	v, err := rt.Evaluate([]byte(`
		interface Point { x: number; y: number }
		const norm = (p: Point): number => Math.abs(p.x) + Math.abs(p.y);
		norm({ x: -2, y: 3 });
	`), "norm.ts")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := v.GetNumber(); got != 5 {
		t.Errorf("got %v, want 5", got)
	}

	_, err = rt.Evaluate([]byte(`const x: = 1`), "broken.ts")
	se, ok := err.(*jsi.ScriptError)
	if !ok {
		t.Fatalf("expected *jsi.ScriptError, got %T: %v", err, err)
	}
	defer se.Release()
	if !strings.Contains(se.Message, "broken.ts") {
		t.Errorf("message %q does not name the source", se.Message)
	}
}

func TestPreparedScriptBelongsToRuntime(t *testing.T) {
	a, b := New(nil), New(nil)
	defer a.Close()
	defer b.Close()

	p, err := a.PrepareJavaScript([]byte("1"), "a.js")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer func() {
		if _, ok := recover().(*jsi.PreconditionViolation); !ok {
			t.Fatal("expected a precondition violation")
		}
	}()
	_, _ = b.EvaluatePrepared(p)
}

func TestHostProxiesAreCollected(t *testing.T) {
	rt := New(nil)
	defer rt.Close()

	for i := 0; i < 8; i++ {
		obj := rt.CreateObjectFromHostObject(&jsi.HostObjectFuncs{})
		obj.Release()
	}
	if n := rt.hosts.len(); n != 8 {
		t.Fatalf("host table has %d entries, want 8", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for rt.hosts.len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("host table still has %d entries", rt.hosts.len())
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWeakObjectExpires(t *testing.T) {
	rt := New(nil)
	defer rt.Close()

	obj := rt.CreateObject()
	w, err := rt.CreateWeakObject(obj)
	if err != nil {
		t.Fatalf("create weak object: %v", err)
	}
	defer w.Release()
	obj.Release()

	deadline := time.Now().Add(5 * time.Second)
	for {
		v := w.Lock(rt)
		if v.IsUndefined() {
			break
		}
		v.Release()
		if time.Now().After(deadline) {
			t.Fatal("weak referent was never collected")
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseReportsLeaks(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rt := New(&Options{Logger: zap.New(core)})
	s := rt.CreateString("leaked")

	if err := rt.Close(); err != nil {
		t.Fatalf("close without debug returned %v", err)
	}
	if logs.FilterMessage("runtime closed with live handles").Len() != 1 {
		t.Error("leak was not logged")
	}
	s.Release()
	if n := rt.LiveCount(jsi.CategoryString); n != 0 {
		t.Errorf("live strings = %d after release", n)
	}
}

func TestMaxCallStackSize(t *testing.T) {
	rt := New(&Options{MaxCallStackSize: 64})
	defer rt.Close()

	v, err := rt.Evaluate([]byte("function d(n) { return n ? d(n - 1) : 'ok'; } d(30)"), "shallow.js")
	if err != nil {
		t.Fatalf("shallow recursion: %v", err)
	}
	v.Release()

	_, err = rt.Evaluate([]byte("d(200)"), "deep.js")
	se, ok := err.(*jsi.ScriptError)
	if !ok || !se.IsFatal() {
		t.Fatalf("expected a fatal error, got %v", err)
	}
}

func TestWrapAppliesOptions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	vm := goja.New()
	rt := Wrap(vm, &Options{Logger: zap.New(core), Console: true, MaxCallStackSize: 64})
	defer rt.Close()
	if rt.VM() != vm {
		t.Fatal("Wrap replaced the caller's vm")
	}

	v, err := rt.Evaluate([]byte(`console.log("wrapped")`), "console.js")
	if err != nil {
		t.Fatalf("console on wrapped vm: %v", err)
	}
	v.Release()
	if logs.FilterMessage("wrapped").Len() != 1 {
		t.Error("console.log was not routed to the logger")
	}

	_, err = rt.Evaluate([]byte("function d(n) { return n ? d(n - 1) : 0; } d(200)"), "deep.js")
	se, ok := err.(*jsi.ScriptError)
	if !ok || !se.IsFatal() {
		t.Fatalf("expected a fatal error from the stack limit, got %v", err)
	}
}

func TestSymbolStrings(t *testing.T) {
	rt := New(nil)
	defer rt.Close()

	sym := rt.CreateSymbol("token")
	defer sym.Release()
	if got := sym.ToString(rt); got != "Symbol(token)" {
		t.Errorf("SymbolToString = %q", got)
	}
	name := jsi.PropNameIDForSymbol(rt, sym)
	defer name.Release()
	if got := name.UTF8(rt); got != "Symbol(token)" {
		t.Errorf("PropNameIDToUTF8 = %q", got)
	}

	v, err := rt.Evaluate([]byte("Symbol('iter')"), "sym.js")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	defer v.Release()
	if got := v.GetSymbol().ToString(rt); got != "Symbol(iter)" {
		t.Errorf("script symbol = %q", got)
	}
}

func TestHasPropertyDoesNotRunGetters(t *testing.T) {
	rt := New(nil)
	defer rt.Close()

	v, err := rt.Evaluate([]byte(`
		var reads = 0;
		({ get boom() { reads++; throw new Error("getter ran"); } })
	`), "getter.js")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	defer v.Release()
	obj := v.GetObject()

	for _, key := range []string{"boom", "missing"} {
		name := jsi.PropNameIDForASCII(rt, key)
		has, err := rt.HasProperty(obj, name)
		name.Release()
		if err != nil {
			t.Fatalf("HasProperty(%q): %v", key, err)
		}
		if has != (key == "boom") {
			t.Errorf("HasProperty(%q) = %v", key, has)
		}
	}

	reads, err := rt.Evaluate([]byte("reads"), "reads.js")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n := reads.GetNumber(); n != 0 {
		t.Errorf("getter ran %v times", n)
	}

	// Present with an undefined value still counts.
	u, err := rt.Evaluate([]byte("({ gone: undefined })"), "undef.js")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	defer u.Release()
	name := jsi.PropNameIDForASCII(rt, "gone")
	defer name.Release()
	if has, err := rt.HasProperty(u.GetObject(), name); err != nil || !has {
		t.Errorf("HasProperty on undefined-valued key = %v, %v", has, err)
	}
}
