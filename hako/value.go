package hako

import (
	"context"

	"go.uber.org/zap"

	"github.com/6over3/jsi"
)

// pointer owns one value box on behalf of a host handle. Boxes still owned
// when the realm closes are swept by Close, after which Invalidate only
// updates the counters.
type pointer struct {
	realm *Realm
	ptr   ValuePtr
	cat   jsi.Category

	// symbol marks a property key created from a symbol.
	symbol bool
}

func (p *pointer) Invalidate() {
	r := p.realm
	if !r.closing() && p.ptr != 0 {
		delete(r.handles, p)
		r.freeValue(p.ptr)
	}
	p.ptr = 0
	r.live.Release(p.cat)
}

// wrap takes ownership of an owned box.
func (r *Realm) wrap(ptr ValuePtr, cat jsi.Category) *pointer {
	p := &pointer{realm: r, ptr: ptr, cat: cat}
	r.handles[p] = struct{}{}
	r.live.Retain(cat)
	return p
}

func (r *Realm) handle(pv jsi.PointerValue) *pointer {
	p, ok := pv.(*pointer)
	jsi.Precondition(ok, "hako: handle is released or was not created by a hako realm")
	jsi.Precondition(p.realm == r, "hako: handle belongs to a different realm")
	jsi.Precondition(!r.closing(), "hako: realm is closed")
	return p
}

// unwrap borrows the box behind a handle.
func (r *Realm) unwrap(pv jsi.PointerValue) ValuePtr {
	return r.handle(pv).ptr
}

func (r *Realm) object(o jsi.Object) ValuePtr {
	return r.unwrap(jsi.PointerOf(o))
}

func (r *Realm) ctx() context.Context { return r.Runtime.ctx }

func (r *Realm) reg() *Registry { return r.Runtime.Registry }

func (r *Realm) mem() *MemoryManager { return r.Runtime.Memory }

func (r *Realm) freeValue(ptr ValuePtr) {
	if ptr == 0 {
		return
	}
	if err := guardTrap(func() { r.mem().FreeValuePointer(r.Pointer, ptr) }); err != nil {
		r.logger.Debug("free value", zap.Stringer("value", ptr), zap.Error(err))
	}
}

func (r *Realm) dup(ptr ValuePtr) ValuePtr {
	return r.mem().DupValuePointer(r.Pointer, ptr)
}

// newString returns an owned string box. Allocation failure panics with a
// *TrapError.
func (r *Realm) newString(s string) ValuePtr {
	mem := r.mem()
	cstr, _ := mem.AllocateString(r.Pointer, s)
	defer mem.FreeMemory(r.Pointer, cstr)
	return r.reg().NewString(r.ctx(), r.Pointer, int32(cstr))
}

func (r *Realm) newNumber(n float64) ValuePtr {
	return r.reg().NewFloat64(r.ctx(), r.Pointer, n)
}

// cstring converts the value in ptr to UTF-8 without consuming ptr.
func (r *Realm) cstring(ptr ValuePtr) string {
	return r.mem().TakeCString(r.Pointer, r.reg().ToCString(r.ctx(), r.Pointer, ptr))
}

func (r *Realm) typeOf(ptr ValuePtr) string {
	return r.mem().TakeCString(r.Pointer, r.reg().TypeOf(r.ctx(), r.Pointer, ptr))
}

// toValue takes ownership of an owned box and returns a host Value.
// Primitive boxes are freed right away.
func (r *Realm) toValue(ptr ValuePtr) jsi.Value {
	reg := r.reg()
	switch r.typeOf(ptr) {
	case "undefined":
		r.freeValue(ptr)
		return jsi.Undefined()
	case "boolean":
		b := reg.IsEqual(r.ctx(), r.Pointer, ptr, r.consts.trueValue, OpStrictEquals) == 1
		r.freeValue(ptr)
		return jsi.Bool(b)
	case "number":
		n := reg.GetFloat64(r.ctx(), r.Pointer, ptr)
		r.freeValue(ptr)
		return jsi.Number(n)
	case "string":
		return jsi.StringValue(jsi.MakeString(r.wrap(ptr, jsi.CategoryString)))
	case "symbol":
		return jsi.SymbolValue(jsi.MakeSymbol(r.wrap(ptr, jsi.CategorySymbol)))
	case "object":
		if reg.IsNull(r.ctx(), ptr) != 0 {
			r.freeValue(ptr)
			return jsi.Null()
		}
		return jsi.ObjectValue(jsi.MakeObject(r.wrap(ptr, jsi.CategoryObject)))
	case "function":
		return jsi.ObjectValue(jsi.MakeObject(r.wrap(ptr, jsi.CategoryObject)))
	}
	// BigInt has no Value kind; keep its text.
	s := r.cstring(ptr)
	r.freeValue(ptr)
	return jsi.StringValue(jsi.MakeString(r.wrap(r.newString(s), jsi.CategoryString)))
}

// scratch lowers host values to boxes for one engine call. Handles and
// the static constants are borrowed; numbers get temporary boxes that free
// releases.
type scratch struct {
	r    *Realm
	temp []ValuePtr
}

func (s *scratch) value(v jsi.Value) ValuePtr {
	c := &s.r.consts
	switch v.Kind() {
	case jsi.KindUndefined:
		return c.undefined
	case jsi.KindNull:
		return c.null
	case jsi.KindBool:
		if v.GetBool() {
			return c.trueValue
		}
		return c.falseValue
	case jsi.KindNumber:
		p := s.r.newNumber(v.GetNumber())
		s.temp = append(s.temp, p)
		return p
	}
	return s.r.unwrap(jsi.PointerOf(v))
}

func (s *scratch) values(vs []jsi.Value) []ValuePtr {
	out := make([]ValuePtr, len(vs))
	for i, v := range vs {
		out[i] = s.value(v)
	}
	return out
}

// number returns a temporary number box.
func (s *scratch) number(n float64) ValuePtr {
	return s.value(jsi.Number(n))
}

// string returns a temporary string box.
func (s *scratch) string(str string) ValuePtr {
	p := s.r.newString(str)
	s.temp = append(s.temp, p)
	return p
}

func (s *scratch) free() {
	for _, p := range s.temp {
		s.r.freeValue(p)
	}
	s.temp = s.temp[:0]
}

// ownedPtr returns a new box holding v, for handing to the engine.
func (r *Realm) ownedPtr(v jsi.Value) ValuePtr {
	if v.IsNumber() {
		return r.newNumber(v.GetNumber())
	}
	s := scratch{r: r}
	defer s.free()
	return r.dup(s.value(v))
}

func (r *Realm) CloneString(s jsi.String) jsi.String {
	return jsi.MakeString(r.wrap(r.dup(r.unwrap(jsi.PointerOf(s))), jsi.CategoryString))
}

func (r *Realm) CloneSymbol(s jsi.Symbol) jsi.Symbol {
	return jsi.MakeSymbol(r.wrap(r.dup(r.unwrap(jsi.PointerOf(s))), jsi.CategorySymbol))
}

func (r *Realm) CloneObject(o jsi.Object) jsi.Object {
	return jsi.MakeObject(r.wrap(r.dup(r.object(o)), jsi.CategoryObject))
}

func (r *Realm) ClonePropNameID(p jsi.PropNameID) jsi.PropNameID {
	h := r.handle(jsi.PointerOf(p))
	clone := r.wrap(r.dup(h.ptr), jsi.CategoryPropNameID)
	clone.symbol = h.symbol
	return jsi.MakePropNameID(clone)
}

func (r *Realm) LiveCount(cat jsi.Category) int64 { return r.live.Load(cat) }
