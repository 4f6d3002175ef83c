package hako

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero"
)

func TestNewRegistryReportsMissingExports(t *testing.T) {
	ctx := context.Background()
	wzr := wazero.NewRuntime(ctx)
	defer wzr.Close(ctx)

	mod, err := wzr.Instantiate(ctx, envModule)
	if err != nil {
		t.Fatalf("instantiate env module: %v", err)
	}

	_, err = NewRegistry(mod)
	if err == nil {
		t.Fatal("NewRegistry accepted a module without exports")
	}
	for _, name := range []string{"HAKO_NewRuntime", "HAKO_Eval", "HAKO_ArgvGetJSValueConstPointer"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not name %s: %v", name, err)
		}
	}
	if strings.Contains(err.Error(), "RuntimeSetMaxStackSize") {
		t.Errorf("optional export reported as missing: %v", err)
	}
}

func TestTrapError(t *testing.T) {
	cause := errors.New("wasm error: stack overflow")
	trap := &TrapError{Export: "Call", Err: cause}

	if got, want := trap.Error(), "hako: HAKO_Call trapped: wasm error: stack overflow"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(trap, cause) {
		t.Error("TrapError does not unwrap to its cause")
	}
	if !trap.StackOverflow() {
		t.Error("StackOverflow() = false")
	}
	if (&TrapError{Export: "Eval", Err: errors.New("unreachable")}).StackOverflow() {
		t.Error("unreachable reported as stack overflow")
	}
}

func TestGuardTrap(t *testing.T) {
	trap := &TrapError{Export: "Eval", Err: errors.New("unreachable")}
	err := guardTrap(func() { panic(trap) })
	if err != trap {
		t.Errorf("guardTrap() = %v, want the trap", err)
	}
	if err := guardTrap(func() {}); err != nil {
		t.Errorf("guardTrap() = %v for a clean call", err)
	}

	defer func() {
		if x := recover(); x != "other" {
			t.Errorf("recovered %v, want the original panic", x)
		}
	}()
	_ = guardTrap(func() { panic("other") })
}
