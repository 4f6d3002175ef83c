package jsi

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// PointerValue is a backend-owned reference to one engine-native handle.
//
// Invalidate releases the engine handle and is called exactly once, by the
// last owning host wrapper. Once the owning runtime has started tearing down,
// Invalidate must skip the engine-level release and only free host state.
type PointerValue interface {
	Invalidate()
}

// slot is the single owner of a PointerValue shared by every alias of a
// handle value.
type slot struct {
	pv PointerValue
}

func newSlot(pv PointerValue) *slot {
	if pv == nil {
		return nil
	}
	return &slot{pv: pv}
}

func (s *slot) pointer() PointerValue {
	if s == nil {
		return nil
	}
	return s.pv
}

func (s *slot) release() {
	if s == nil || s.pv == nil {
		return
	}
	pv := s.pv
	s.pv = nil
	pv.Invalidate()
}

type pointered interface {
	pointer() PointerValue
}

// PointerOf returns the PointerValue behind a handle, or nil when the handle
// is empty or released. It is meant for backend implementations.
func PointerOf(h pointered) PointerValue {
	return h.pointer()
}

// MakeString wraps a backend pointer to an engine string.
func MakeString(pv PointerValue) String { return String{s: newSlot(pv)} }

// MakeSymbol wraps a backend pointer to an engine symbol.
func MakeSymbol(pv PointerValue) Symbol { return Symbol{s: newSlot(pv)} }

// MakePropNameID wraps a backend pointer to an interned property key.
func MakePropNameID(pv PointerValue) PropNameID { return PropNameID{s: newSlot(pv)} }

// MakeObject wraps a backend pointer to an engine object.
func MakeObject(pv PointerValue) Object { return Object{s: newSlot(pv)} }

// MakeFunction wraps a backend pointer to an object known to be callable.
func MakeFunction(pv PointerValue) Function { return Function{Object: MakeObject(pv)} }

// MakeArray wraps a backend pointer to an object known to be an array.
func MakeArray(pv PointerValue) Array { return Array{Object: MakeObject(pv)} }

// MakeArrayBuffer wraps a backend pointer to an ArrayBuffer object.
func MakeArrayBuffer(pv PointerValue) ArrayBuffer { return ArrayBuffer{Object: MakeObject(pv)} }

// MakeWeakObject wraps a backend pointer to a weak reference.
func MakeWeakObject(pv PointerValue) WeakObject { return WeakObject{s: newSlot(pv)} }

// Category groups live pointers for leak accounting.
type Category int

const (
	CategoryObject Category = iota
	CategoryString
	CategorySymbol
	CategoryPropNameID
	CategoryWeakObject

	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryObject:
		return "object"
	case CategoryString:
		return "string"
	case CategorySymbol:
		return "symbol"
	case CategoryPropNameID:
		return "propnameid"
	case CategoryWeakObject:
		return "weakobject"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Categories lists every pointer category.
func Categories() []Category {
	out := make([]Category, 0, numCategories)
	for c := Category(0); c < numCategories; c++ {
		out = append(out, c)
	}
	return out
}

// LiveCounter tracks outstanding pointers per category. Backends retain on
// every wrap or clone and release inside Invalidate. The zero value is ready
// to use and safe for concurrent use.
type LiveCounter struct {
	counts [numCategories]atomic.Int64
}

// Retain records a new live pointer.
func (c *LiveCounter) Retain(cat Category) { c.counts[cat].Add(1) }

// Release records that a pointer was invalidated.
func (c *LiveCounter) Release(cat Category) { c.counts[cat].Add(-1) }

// Load returns the number of live pointers in cat.
func (c *LiveCounter) Load(cat Category) int64 {
	if cat < 0 || cat >= numCategories {
		return 0
	}
	return c.counts[cat].Load()
}

// Outstanding returns the categories with live pointers.
func (c *LiveCounter) Outstanding() map[Category]int64 {
	var out map[Category]int64
	for cat := Category(0); cat < numCategories; cat++ {
		if n := c.counts[cat].Load(); n != 0 {
			if out == nil {
				out = make(map[Category]int64)
			}
			out[cat] = n
		}
	}
	return out
}

// Check returns a *LeakError when pointers are still live.
func (c *LiveCounter) Check() error {
	if out := c.Outstanding(); out != nil {
		return &LeakError{Outstanding: out}
	}
	return nil
}

// LeakError reports handles that were still alive when their runtime closed.
type LeakError struct {
	Outstanding map[Category]int64
}

func (e *LeakError) Error() string {
	cats := make([]Category, 0, len(e.Outstanding))
	for c := range e.Outstanding {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s=%d", c, e.Outstanding[c]))
	}
	return "jsi: runtime closed with live handles: " + strings.Join(parts, ", ")
}
