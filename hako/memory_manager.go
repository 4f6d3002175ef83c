package hako

import (
	"context"
	"fmt"
)

// MemoryManager allocates in wasm memory through the engine allocator and
// frees engine-owned strings and value boxes.
type MemoryManager struct {
	registry *Registry
	memory   *Memory
	ctx      context.Context
}

// NewMemoryManager creates a new MemoryManager.
func NewMemoryManager(registry *Registry, memory *Memory, ctx context.Context) *MemoryManager {
	return &MemoryManager{
		registry: registry,
		memory:   memory,
		ctx:      ctx,
	}
}

// AllocateMemory allocates size bytes with the context allocator. It
// panics with a *TrapError wrapping ErrOutOfMemory when the allocator
// returns null, which Realm methods report as a fatal error.
func (m *MemoryManager) AllocateMemory(ctxPtr ContextPtr, size int32) MemoryPtr {
	ptr := m.registry.Malloc(m.ctx, ctxPtr, size)
	if ptr == 0 {
		panic(&TrapError{Export: "Malloc", Err: fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)})
	}
	return ptr
}

// FreeMemory frees memory allocated via AllocateMemory.
func (m *MemoryManager) FreeMemory(ctxPtr ContextPtr, ptr MemoryPtr) {
	if ptr != 0 {
		m.registry.Free(m.ctx, ctxPtr, ptr)
	}
}

// AllocateString writes s as a NUL-terminated string and returns its
// address and byte length.
func (m *MemoryManager) AllocateString(ctxPtr ContextPtr, s string) (MemoryPtr, int) {
	ptr := m.AllocateMemory(ctxPtr, int32(len(s)+1))
	m.memory.WriteString(ptr, s)
	return ptr, len(s)
}

// AllocateArgv writes an argument vector of value pointers. It returns
// zero when args is empty.
func (m *MemoryManager) AllocateArgv(ctxPtr ContextPtr, args []ValuePtr) MemoryPtr {
	if len(args) == 0 {
		return 0
	}
	ptr := m.AllocateMemory(ctxPtr, int32(len(args)*4))
	m.memory.WritePointers(ptr, args)
	return ptr
}

// ReadNullTerminatedString reads a NUL-terminated string.
func (m *MemoryManager) ReadNullTerminatedString(ptr MemoryPtr) string {
	if ptr == 0 {
		return ""
	}
	s, _ := m.memory.ReadString(ptr)
	return s
}

// TakeCString reads a C string returned by the engine and frees it.
func (m *MemoryManager) TakeCString(ctxPtr ContextPtr, ptr int32) string {
	if ptr == 0 {
		return ""
	}
	s := m.ReadNullTerminatedString(MemoryPtr(ptr))
	m.registry.FreeCString(m.ctx, ctxPtr, ptr)
	return s
}

// FreeValuePointer frees a value box.
func (m *MemoryManager) FreeValuePointer(ctxPtr ContextPtr, ptr ValuePtr) {
	if ptr != 0 {
		m.registry.FreeValuePointer(m.ctx, ctxPtr, ptr)
	}
}

// DupValuePointer returns a new box holding another reference to ptr's
// value.
func (m *MemoryManager) DupValuePointer(ctxPtr ContextPtr, ptr ValuePtr) ValuePtr {
	return m.registry.DupValuePointer(m.ctx, ctxPtr, ptr)
}
