// Package jsi is an engine-agnostic interface to an embedded JavaScript
// engine.
//
// Host code talks to a [Runtime] and the handle types defined here
// ([Value], [Object], [Function], [String], [Symbol], [PropNameID]) and never
// sees engine-native handles. Backends (see packages gojart and hako)
// implement [Runtime] once per engine, so an embedding can switch engines by
// name through [New] without touching host code.
//
// # Ownership
//
// Every handle type owns exactly one [PointerValue]. Copying the Go struct
// aliases that owner: Release on any copy releases the engine handle for all
// of them, and a second Release is a no-op. Use the Clone methods (or
// [Runtime.CloneObject] and friends) to obtain an independent owner.
//
// Arguments passed into a Runtime method are borrowed; values returned by it
// are owned by the caller. A [HostFunction] borrows its this value and
// arguments and transfers ownership of its result to the engine.
//
// # Threading
//
// A Runtime is confined to one goroutine at a time. Re-entrant use from a
// host function running on that goroutine is supported. Wrap a runtime with
// decorator.NewThreadSafe to share it.
package jsi
