package hako

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
)

// newTestMemory instantiates the env memory module on its own, which is
// enough to exercise Memory without hako.wasm.
func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	ctx := context.Background()
	wzr := wazero.NewRuntime(ctx)
	t.Cleanup(func() { wzr.Close(ctx) })

	mod, err := wzr.Instantiate(ctx, envModule)
	if err != nil {
		t.Fatalf("instantiate env module: %v", err)
	}
	return NewMemory(mod.Memory())
}

func TestMemoryStrings(t *testing.T) {
	m := newTestMemory(t)

	if !m.WriteString(128, "héllo") {
		t.Fatal("WriteString failed")
	}
	got, ok := m.ReadString(128)
	if !ok || got != "héllo" {
		t.Errorf("ReadString() = %q, %v", got, ok)
	}

	m.WriteBytes(256, []byte("abc\x00def"))
	if got, _ := m.ReadString(256); got != "abc" {
		t.Errorf("ReadString stops at NUL: got %q", got)
	}

	if _, ok := m.ReadString(MemoryPtr(m.mem.Size())); ok {
		t.Error("ReadString past the end succeeded")
	}
}

func TestMemoryReadBytesCopies(t *testing.T) {
	m := newTestMemory(t)
	m.WriteBytes(64, []byte{1, 2, 3, 4})

	b, ok := m.ReadBytes(64, 4)
	if !ok {
		t.Fatal("ReadBytes failed")
	}
	m.WriteBytes(64, []byte{9, 9, 9, 9})
	if !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Errorf("ReadBytes result changed with memory: %v", b)
	}
}

func TestMemoryPointers(t *testing.T) {
	m := newTestMemory(t)
	ptrs := []ValuePtr{0x10, 0x2000, 0x7fff0000}
	if !m.WritePointers(512, ptrs) {
		t.Fatal("WritePointers failed")
	}
	for i, want := range ptrs {
		got, ok := m.ReadUint32(MemoryPtr(512 + i*4))
		if !ok || ValuePtr(got) != want {
			t.Errorf("argv[%d] = %#x, want %#x", i, got, want)
		}
	}

	m.WriteUint32(1024, 0xdeadbeef)
	if got, _ := m.ReadUint32(1024); got != 0xdeadbeef {
		t.Errorf("ReadUint32() = %#x", got)
	}
}
