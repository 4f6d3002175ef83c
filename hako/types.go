// Package hako implements jsi.Runtime on QuickJS compiled to WebAssembly
// and hosted by wazero.
//
// A [Runtime] owns one wazero instance of hako.wasm and one QuickJS
// JSRuntime. Each [Realm] is a JSContext inside it and is the type that
// implements jsi.Runtime.
package hako

import "fmt"

// RuntimePtr is a JSRuntime* in wasm memory.
type RuntimePtr int32

// IsNull reports whether the pointer is null (zero).
func (p RuntimePtr) IsNull() bool { return p == 0 }

func (p RuntimePtr) String() string { return fmt.Sprintf("RuntimePtr(0x%x)", int32(p)) }

// ContextPtr is a JSContext* in wasm memory. It identifies a realm in
// callbacks coming back from the engine.
type ContextPtr int32

// IsNull reports whether the pointer is null (zero).
func (p ContextPtr) IsNull() bool { return p == 0 }

func (p ContextPtr) String() string { return fmt.Sprintf("ContextPtr(0x%x)", int32(p)) }

// ValuePtr is a heap-allocated JSValue box. Boxes returned by the engine
// are owned and must be freed with FreeValuePointer; the constants from
// GetUndefined and friends are static and never freed.
type ValuePtr int32

// IsNull reports whether the pointer is null (zero).
func (p ValuePtr) IsNull() bool { return p == 0 }

func (p ValuePtr) String() string { return fmt.Sprintf("ValuePtr(0x%x)", int32(p)) }

// ModuleDefPtr is a JSModuleDef* passed to the module callbacks.
type ModuleDefPtr int32

// IsNull reports whether the pointer is null (zero).
func (p ModuleDefPtr) IsNull() bool { return p == 0 }

func (p ModuleDefPtr) String() string { return fmt.Sprintf("ModuleDefPtr(0x%x)", int32(p)) }

// ClassID is a QuickJS class identifier.
type ClassID int32

// IsValid reports whether the class ID is valid (non-zero).
func (id ClassID) IsValid() bool { return id != 0 }

func (id ClassID) String() string { return fmt.Sprintf("ClassID(%d)", int32(id)) }

// MemoryPtr is an allocation in wasm linear memory.
type MemoryPtr int32

// IsNull reports whether the pointer is null (zero).
func (p MemoryPtr) IsNull() bool { return p == 0 }

func (p MemoryPtr) String() string { return fmt.Sprintf("MemoryPtr(0x%x)", int32(p)) }

// IsEqualOp selects the comparison performed by IsEqual.
type IsEqualOp int32

const (
	// OpStrictEquals is ===.
	OpStrictEquals IsEqualOp = 0
	// OpSameValue is Object.is.
	OpSameValue IsEqualOp = 1
	// OpSameValueZero is the comparison used by Map and Set.
	OpSameValueZero IsEqualOp = 2
)
