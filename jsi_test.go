package jsi

import (
	"context"
	"errors"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

type countingPointer struct {
	invalidated int
}

func (p *countingPointer) Invalidate() { p.invalidated++ }

func TestReleaseIsIdempotentAcrossCopies(t *testing.T) {
	pv := &countingPointer{}
	obj := MakeObject(pv)
	alias := obj
	v := obj.Value()

	alias.Release()
	obj.Release()
	v.Release()

	if pv.invalidated != 1 {
		t.Fatalf("Invalidate called %d times, want 1", pv.invalidated)
	}
	if obj.Valid() || alias.Valid() {
		t.Fatal("released handle still valid")
	}
	if !v.Released() {
		t.Fatal("value sharing the slot not marked released")
	}
	if PointerOf(obj) != nil {
		t.Fatal("PointerOf returned a pointer after release")
	}
}

func TestPrimitiveValues(t *testing.T) {
	if !Undefined().IsUndefined() || (Value{}).Kind() != KindUndefined {
		t.Fatal("zero value is not undefined")
	}
	if n, err := Int(3).AsNumber(); err != nil || n != 3 {
		t.Fatalf("AsNumber = %v, %v", n, err)
	}
	if b, err := Bool(true).AsBool(); err != nil || !b {
		t.Fatalf("AsBool = %v, %v", b, err)
	}

	_, err := Number(1).AsString()
	if !errors.Is(err, ErrType) {
		t.Fatalf("AsString on a number: %v, want ErrType", err)
	}
	var te *TypeError
	if !errors.As(err, &te) || te.Want != KindString || te.Got != KindNumber {
		t.Fatalf("unexpected type error %#v", te)
	}

	for _, tc := range []struct {
		v    Value
		want string
	}{
		{Undefined(), "undefined"},
		{Null(), "null"},
		{Bool(false), "false"},
		{Number(-1.5), "-1.5"},
	} {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}

	// Primitives compare without touching the runtime.
	if !StrictEquals(nil, Null(), Null()) || StrictEquals(nil, Null(), Undefined()) {
		t.Fatal("null/undefined comparison")
	}
	if !StrictEquals(nil, Number(2), Int(2)) || StrictEquals(nil, Bool(true), Number(1)) {
		t.Fatal("number/bool comparison")
	}
	if Number(1).Released() {
		t.Fatal("primitives are never released")
	}
}

func TestGetOnWrongKindIsPrecondition(t *testing.T) {
	defer func() {
		if _, ok := recover().(*PreconditionViolation); !ok {
			t.Fatal("expected a precondition violation")
		}
	}()
	Number(1).GetObject()
}

func TestLiveCounter(t *testing.T) {
	var c LiveCounter
	c.Retain(CategoryObject)
	c.Retain(CategoryString)
	c.Retain(CategoryString)
	c.Release(CategoryObject)

	if got := c.Load(CategoryString); got != 2 {
		t.Fatalf("strings = %d, want 2", got)
	}
	if got := c.Load(Category(99)); got != 0 {
		t.Fatalf("unknown category = %d", got)
	}

	err := c.Check()
	var leak *LeakError
	if !errors.As(err, &leak) {
		t.Fatalf("Check = %v, want *LeakError", err)
	}
	if want := "jsi: runtime closed with live handles: string=2"; err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}

	c.Release(CategoryString)
	c.Release(CategoryString)
	if err := c.Check(); err != nil {
		t.Fatalf("Check after release: %v", err)
	}
}

func TestCategories(t *testing.T) {
	var names []string
	for _, c := range Categories() {
		names = append(names, c.String())
	}
	if got := strings.Join(names, ","); got != "object,string,symbol,propnameid,weakobject" {
		t.Fatalf("categories %s", got)
	}
}

func TestInvokeHostFunctionRecovers(t *testing.T) {
	tests := []struct {
		name    string
		panicV  any
		message string
	}{
		{"error", errors.New("bad input"), "Exception in HostFunction: bad input"},
		{"string", "plain text", "Exception in HostFunction: plain text"},
		{"other", 42, "Exception in HostFunction: <unknown>"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := InvokeHostFunction(nil, func(Runtime, Value, []Value) (Value, error) {
				panic(tc.panicV)
			}, Undefined(), nil)
			if err == nil {
				t.Fatal("panic was not converted")
			}
			if msg, _ := DescribeHostError("HostFunction", err); msg != tc.message {
				t.Fatalf("got %q, want %q", msg, tc.message)
			}
		})
	}
}

func TestInvokeHostKeepsPreconditionPanics(t *testing.T) {
	defer func() {
		if _, ok := recover().(*PreconditionViolation); !ok {
			t.Fatal("precondition violation was swallowed")
		}
	}()
	_, _ = InvokeHostGet(nil, &HostObjectFuncs{
		GetFunc: func(Runtime, PropNameID) (Value, error) {
			Precondition(false, "misuse")
			return Undefined(), nil
		},
	}, PropNameID{})
}

func TestDescribeHostErrorStack(t *testing.T) {
	msg, stack := DescribeHostError("HostObject::get for prop 'x'", pkgerrors.New("missing"))
	if msg != "Exception in HostObject::get for prop 'x': missing" {
		t.Fatalf("message %q", msg)
	}
	if !strings.Contains(stack, "TestDescribeHostErrorStack") {
		t.Fatalf("stack does not name the caller:\n%s", stack)
	}

	_, stack = DescribeHostError("HostFunction", errors.New("flat"))
	if stack != "" {
		t.Fatalf("unexpected stack %q", stack)
	}
}

func TestRethrowValue(t *testing.T) {
	if _, ok := RethrowValue(NewFatalError("stack overflow", "")); ok {
		t.Fatal("fatal errors carry no value to rethrow")
	}
	thrown := NewThrownError(Number(7), "7", "")
	se, ok := RethrowValue(pkgerrors.Wrap(thrown, "wrapped"))
	if !ok || se != thrown {
		t.Fatal("wrapped ScriptError not found")
	}
	if se.Stack != noStack {
		t.Fatalf("stack %q, want %q", se.Stack, noStack)
	}
}

func TestScriptErrorFormatting(t *testing.T) {
	fatal := NewFatalError("Maximum call stack size exceeded", "")
	if !fatal.IsFatal() || fatal.Error() != "fatal: Maximum call stack size exceeded" {
		t.Fatalf("fatal error %q", fatal.Error())
	}
	if fatal.HasValue() {
		t.Fatal("fatal error has a value")
	}
	if KindFatal.String() != "fatal" || KindThrown.String() != "thrown" {
		t.Fatal("ErrorKind strings")
	}
}

func TestRegistry(t *testing.T) {
	called := false
	Register("test-backend", func(ctx context.Context, cfg Config) (Runtime, error) {
		called = true
		return nil, &NotImplementedError{Backend: cfg.Name, Feature: "everything"}
	})

	found := false
	for _, name := range Backends() {
		if name == "test-backend" {
			found = true
		}
	}
	if !found {
		t.Fatalf("backend missing from %v", Backends())
	}

	_, err := New(context.Background(), Config{Name: "test-backend"})
	if !called || !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("New = %v, called %v", err, called)
	}
	if err.Error() != "jsi: everything is not implemented by test-backend" {
		t.Fatalf("message %q", err.Error())
	}

	_, err = New(context.Background(), Config{Name: "missing"})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("unknown backend: %v", err)
	}
}

func TestConfigLogger(t *testing.T) {
	if (Config{}).ZapLogger() == nil {
		t.Fatal("nil logger not defaulted")
	}
}
