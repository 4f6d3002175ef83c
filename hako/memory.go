package hako

import (
	"bytes"

	"github.com/tetratelabs/wazero/api"
)

// Memory is raw access to wasm linear memory. Reads return copies, so the
// results stay valid after the engine frees or grows memory.
type Memory struct {
	mem api.Memory
}

// NewMemory wraps a wazero memory instance.
func NewMemory(mem api.Memory) *Memory {
	return &Memory{mem: mem}
}

// ReadBytes copies n bytes starting at offset.
func (m *Memory) ReadBytes(offset MemoryPtr, n uint32) ([]byte, bool) {
	view, ok := m.mem.Read(uint32(offset), n)
	if !ok {
		return nil, false
	}
	return bytes.Clone(view), true
}

// WriteBytes writes data at offset.
func (m *Memory) WriteBytes(offset MemoryPtr, data []byte) bool {
	return m.mem.Write(uint32(offset), data)
}

// ReadUint32 reads a little-endian uint32.
func (m *Memory) ReadUint32(offset MemoryPtr) (uint32, bool) {
	return m.mem.ReadUint32Le(uint32(offset))
}

// WriteUint32 writes a little-endian uint32.
func (m *Memory) WriteUint32(offset MemoryPtr, val uint32) bool {
	return m.mem.WriteUint32Le(uint32(offset), val)
}

// ReadString reads a NUL-terminated string. A string running to the end of
// memory is returned whole.
func (m *Memory) ReadString(offset MemoryPtr) (string, bool) {
	size := m.mem.Size()
	if uint32(offset) >= size {
		return "", false
	}
	view, ok := m.mem.Read(uint32(offset), size-uint32(offset))
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(view, 0); i >= 0 {
		view = view[:i]
	}
	return string(view), true
}

// WriteString writes s followed by a NUL byte.
func (m *Memory) WriteString(offset MemoryPtr, s string) bool {
	data := make([]byte, len(s)+1)
	copy(data, s)
	return m.mem.Write(uint32(offset), data)
}

// WritePointers writes ptrs as consecutive little-endian uint32 values.
func (m *Memory) WritePointers(offset MemoryPtr, ptrs []ValuePtr) bool {
	for i, p := range ptrs {
		if !m.mem.WriteUint32Le(uint32(offset)+uint32(i)*4, uint32(p)) {
			return false
		}
	}
	return true
}
