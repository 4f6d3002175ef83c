// Package jsitest is a conformance suite for jsi.Runtime backends.
//
// A backend test calls Run with a factory; every subtest gets a fresh
// runtime created with Debug set, which the suite closes when the subtest
// ends.
package jsitest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/6over3/jsi"
)

// Factory creates the runtime under test. cfg carries the suite's logger
// and debug settings; the factory fills in whatever else the backend needs.
type Factory func(t *testing.T, cfg jsi.Config) jsi.Runtime

type suite struct {
	newRuntime Factory
}

// Run executes every conformance test against the backend.
func Run(t *testing.T, newRuntime Factory) {
	s := &suite{newRuntime: newRuntime}
	tests := []struct {
		name string
		fn   func(t *testing.T, rt jsi.Runtime)
	}{
		{"HandleLifetime", s.handleLifetime},
		{"PropNameInterning", s.propNameInterning},
		{"Symbols", s.symbols},
		{"PrimitiveRoundTrip", s.primitiveRoundTrip},
		{"ValueAccessors", s.valueAccessors},
		{"HostFunctionErrors", s.hostFunctionErrors},
		{"HostFunctionBasics", s.hostFunctionBasics},
		{"HostObjectMap", s.hostObjectMap},
		{"HostObjectDefaultSetter", s.hostObjectDefaultSetter},
		{"HostObjectEnumerationError", s.hostObjectEnumerationError},
		{"Reentrancy", s.reentrancy},
		{"ThrownErrorMessage", s.thrownErrorMessage},
		{"RethrowPreservesIdentity", s.rethrowPreservesIdentity},
		{"TranslatorDegrades", s.translatorDegrades},
		{"NewScriptErrorWithoutErrorCtor", s.newScriptErrorWithoutErrorCtor},
		{"PropertyAccessErrors", s.propertyAccessErrors},
		{"StackOverflowIsFatal", s.stackOverflowIsFatal},
		{"SyntaxError", s.syntaxError},
		{"Arrays", s.arrays},
		{"PropertyNames", s.propertyNames},
		{"CallsAndConstructors", s.callsAndConstructors},
		{"StrictEquality", s.strictEquality},
		{"WeakObjects", s.weakObjects},
		{"ArrayBuffers", s.arrayBuffers},
		{"Preconditions", s.preconditions},
		{"CrossRuntimeHandles", s.crossRuntimeHandles},
		{"Microtasks", s.microtasks},
		{"PreparedJavaScript", s.preparedJavaScript},
		{"TeardownWithLiveHandles", s.teardownWithLiveHandles},
		{"CleanClose", s.cleanClose},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, s.runtime(t))
		})
	}
}

func (s *suite) runtime(t *testing.T) jsi.Runtime {
	t.Helper()
	rt := s.newRuntime(t, jsi.Config{Logger: zaptest.NewLogger(t), Debug: true})
	var once sync.Once
	t.Cleanup(func() {
		once.Do(func() { _ = rt.Close() })
	})
	return rt
}

func eval(t *testing.T, rt jsi.Runtime, src string) jsi.Value {
	t.Helper()
	v, err := rt.Evaluate([]byte(src), t.Name()+".js")
	if err != nil {
		t.Fatalf("evaluate %q: %v", src, err)
	}
	return v
}

func evalString(t *testing.T, rt jsi.Runtime, src string) string {
	t.Helper()
	v := eval(t, rt, src)
	defer v.Release()
	s, err := v.AsString()
	require.NoError(t, err, "result of %q", src)
	return s.UTF8(rt)
}

func evalFunction(t *testing.T, rt jsi.Runtime, src string) jsi.Function {
	t.Helper()
	v := eval(t, rt, src)
	obj, err := v.AsObject()
	require.NoError(t, err)
	fn, err := obj.AsFunction(rt)
	require.NoError(t, err)
	return fn
}

func setGlobal(t *testing.T, rt jsi.Runtime, name string, v jsi.Value) {
	t.Helper()
	g := rt.Global()
	defer g.Release()
	require.NoError(t, g.SetProperty(rt, name, v))
}

func scriptError(t *testing.T, err error) *jsi.ScriptError {
	t.Helper()
	require.Error(t, err)
	var se *jsi.ScriptError
	require.ErrorAs(t, err, &se)
	return se
}

func requirePrecondition(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		x := recover()
		require.NotNil(t, x, "expected a precondition violation")
		require.IsType(t, &jsi.PreconditionViolation{}, x)
	}()
	f()
}

func (s *suite) handleLifetime(t *testing.T, rt jsi.Runtime) {
	for _, cat := range []jsi.Category{jsi.CategoryString, jsi.CategoryObject} {
		before := rt.LiveCount(cat)

		var release []func()
		switch cat {
		case jsi.CategoryString:
			str := rt.CreateString("lifetime")
			alias := str
			clone := str.Clone(rt)
			release = []func(){str.Release, alias.Release, clone.Release}
		default:
			obj := rt.CreateObject()
			alias := obj
			clone := obj.Clone(rt)
			release = []func(){obj.Release, alias.Release, clone.Release}
		}
		require.Equal(t, before+2, rt.LiveCount(cat), "%s: original and clone are live", cat)

		release[0]()
		require.Equal(t, before+1, rt.LiveCount(cat), "%s: clone still live", cat)
		release[1]()
		require.Equal(t, before+1, rt.LiveCount(cat), "%s: releasing an alias twice is a no-op", cat)
		release[2]()
		require.Equal(t, before, rt.LiveCount(cat), "%s: counter back to baseline", cat)
	}
}

func (s *suite) propNameInterning(t *testing.T, rt jsi.Runtime) {
	a := jsi.PropNameIDForASCII(rt, "foo")
	defer a.Release()
	b := jsi.PropNameIDForASCII(rt, string([]byte{'f', 'o', 'o'}))
	defer b.Release()
	require.True(t, jsi.PropNameIDEquals(rt, a, b))

	str := rt.CreateString("foo")
	defer str.Release()
	c := jsi.PropNameIDForString(rt, str)
	defer c.Release()
	require.True(t, jsi.PropNameIDEquals(rt, a, c))
	require.Equal(t, "foo", c.UTF8(rt))

	other := jsi.PropNameIDForUTF8(rt, "föö")
	defer other.Release()
	require.False(t, jsi.PropNameIDEquals(rt, a, other))
	require.Equal(t, "föö", other.UTF8(rt))

	symVal := eval(t, rt, "Symbol('foo')")
	defer symVal.Release()
	sym, err := symVal.AsSymbol()
	require.NoError(t, err)
	p1 := jsi.PropNameIDForSymbol(rt, sym)
	defer p1.Release()
	p2 := jsi.PropNameIDForSymbol(rt, sym)
	defer p2.Release()
	require.True(t, jsi.PropNameIDEquals(rt, p1, p2))
	require.False(t, jsi.PropNameIDEquals(rt, p1, a))
	require.Equal(t, "Symbol(foo)", sym.ToString(rt))
}

func (s *suite) symbols(t *testing.T, rt jsi.Runtime) {
	sym := rt.CreateSymbol("token")
	defer sym.Release()
	require.Equal(t, "Symbol(token)", sym.ToString(rt))

	other := rt.CreateSymbol("token")
	defer other.Release()
	require.False(t, rt.StrictEquals(sym.Value(), other.Value()))

	clone := sym.Clone(rt)
	defer clone.Release()
	require.True(t, rt.StrictEquals(sym.Value(), clone.Value()))

	obj := rt.CreateObject()
	defer obj.Release()
	key := jsi.PropNameIDForSymbol(rt, sym)
	defer key.Release()
	require.NoError(t, rt.SetProperty(obj, key, jsi.Number(7)))
	got, err := rt.GetProperty(obj, key)
	require.NoError(t, err)
	require.Equal(t, float64(7), got.GetNumber())

	viaClone := jsi.PropNameIDForSymbol(rt, clone)
	defer viaClone.Release()
	has, err := rt.HasProperty(obj, viaClone)
	require.NoError(t, err)
	require.True(t, has)
}

func (s *suite) primitiveRoundTrip(t *testing.T, rt jsi.Runtime) {
	identity := evalFunction(t, rt, "(function (x) { return x; })")
	defer identity.Release()

	values := []jsi.Value{
		jsi.Undefined(),
		jsi.Null(),
		jsi.Bool(true),
		jsi.Bool(false),
		jsi.Number(0),
		jsi.Number(-1.5),
		jsi.Number(1e300),
		jsi.Int(42),
		jsi.StringFromUTF8(rt, ""),
		jsi.StringFromUTF8(rt, "héllo ☃"),
	}
	for _, v := range values {
		got, err := identity.Call(rt, v)
		require.NoError(t, err)
		require.Equal(t, v.Kind(), got.Kind())
		require.True(t, jsi.StrictEquals(rt, v, got), "round trip of %s", v)
		if v.IsString() {
			require.Equal(t, v.GetString().UTF8(rt), got.GetString().UTF8(rt))
		}
		got.Release()
		v.Release()
	}
}

func (s *suite) valueAccessors(t *testing.T, rt jsi.Runtime) {
	v := jsi.StringFromUTF8(rt, "text")
	defer v.Release()

	_, err := v.AsNumber()
	require.ErrorIs(t, err, jsi.ErrType)
	_, err = v.AsObject()
	require.ErrorIs(t, err, jsi.ErrType)
	_, err = jsi.Number(1).AsString()
	require.ErrorIs(t, err, jsi.ErrType)

	n, err := jsi.Number(2.5).AsNumber()
	require.NoError(t, err)
	require.Equal(t, 2.5, n)

	str, err := jsi.ToString(rt, jsi.Number(2.5))
	require.NoError(t, err)
	require.Equal(t, "2.5", str.UTF8(rt))
	str.Release()

	obj := eval(t, rt, "({ toString() { return 'custom'; } })")
	defer obj.Release()
	str, err = jsi.ToString(rt, obj)
	require.NoError(t, err)
	require.Equal(t, "custom", str.UTF8(rt))
	str.Release()

	requirePrecondition(t, func() { jsi.Null().GetNumber() })
}

func (s *suite) hostFunction(rt jsi.Runtime, name string, params int, fn jsi.HostFunction) jsi.Function {
	id := jsi.PropNameIDForASCII(rt, name)
	defer id.Release()
	return rt.CreateFunctionFromHostFunction(id, params, fn)
}

func (s *suite) hostFunctionErrors(t *testing.T, rt jsi.Runtime) {
	cases := []struct {
		name string
		fn   jsi.HostFunction
		want string
	}{
		{"plain", func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
			return jsi.Undefined(), errors.New("X")
		}, "Exception in HostFunction: X"},
		{"panicString", func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
			panic("panicked X")
		}, "panicked X"},
		{"panicError", func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
			panic(fmt.Errorf("wrapped: %w", errors.New("X")))
		}, "wrapped: X"},
		{"unknown", func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
			panic(42)
		}, "Exception in HostFunction: <unknown>"},
	}
	for _, tc := range cases {
		fn := s.hostFunction(rt, tc.name, 0, tc.fn)
		setGlobal(t, rt, tc.name, fn.Value())
		fn.Release()

		got := evalString(t, rt, fmt.Sprintf(
			"(function () { try { %s(); return 'no throw'; } catch (e) { return (e instanceof Error) + ':' + e.message; } })()",
			tc.name))
		require.True(t, strings.HasPrefix(got, "true:"), "%s: caught value is an Error: %s", tc.name, got)
		require.Contains(t, got, tc.want, tc.name)
	}

	fn := s.hostFunction(rt, "stacked", 0, func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
		return jsi.Undefined(), pkgerrors.New("with stack")
	})
	setGlobal(t, rt, "stacked", fn.Value())
	fn.Release()
	require.Equal(t, "string", evalString(t, rt,
		"(function () { try { stacked(); } catch (e) { return typeof e.hostStack; } })()"))
}

func (s *suite) hostFunctionBasics(t *testing.T, rt jsi.Runtime) {
	var sawThis bool
	add := s.hostFunction(rt, "add", 2, func(rt jsi.Runtime, this jsi.Value, args []jsi.Value) (jsi.Value, error) {
		sawThis = this.IsObject()
		sum := 0.0
		for _, a := range args {
			n, err := a.AsNumber()
			if err != nil {
				return jsi.Undefined(), err
			}
			sum += n
		}
		return jsi.Number(sum), nil
	})
	defer add.Release()

	require.True(t, add.IsHostFunction(rt))
	require.NotNil(t, add.GetHostFunction(rt))
	require.True(t, add.IsFunction(rt))
	require.False(t, rt.IsHostObject(add.Object))

	setGlobal(t, rt, "add", add.Value())
	require.Equal(t, "add:2:5", evalString(t, rt, "add.name + ':' + add.length + ':' + add(2, 3)"))

	res, err := add.Call(rt, jsi.Int(1), jsi.Int(2), jsi.Int(3))
	require.NoError(t, err)
	require.Equal(t, 6.0, res.GetNumber())

	recv := rt.CreateObject()
	defer recv.Release()
	_, err = add.CallWithThis(rt, recv)
	require.NoError(t, err)
	require.True(t, sawThis)

	plain := evalFunction(t, rt, "(function () {})")
	defer plain.Release()
	require.False(t, plain.IsHostFunction(rt))

	str := s.hostFunction(rt, "str", 0, func(rt jsi.Runtime, _ jsi.Value, _ []jsi.Value) (jsi.Value, error) {
		return jsi.StringFromUTF8(rt, "from host"), nil
	})
	setGlobal(t, rt, "str", str.Value())
	str.Release()
	require.Equal(t, "from host!", evalString(t, rt, "str() + '!'"))
}

// mapObject is a HostObject backed by a map of cloned values.
type mapObject struct {
	values map[string]jsi.Value
}

func (m *mapObject) Get(rt jsi.Runtime, name jsi.PropNameID) (jsi.Value, error) {
	v, ok := m.values[name.UTF8(rt)]
	if !ok {
		return jsi.Undefined(), nil
	}
	return v.Clone(rt), nil
}

func (m *mapObject) Set(rt jsi.Runtime, name jsi.PropNameID, value jsi.Value) error {
	key := name.UTF8(rt)
	if old, ok := m.values[key]; ok {
		old.Release()
	}
	m.values[key] = value.Clone(rt)
	return nil
}

func (m *mapObject) GetPropertyNames(rt jsi.Runtime) ([]jsi.PropNameID, error) {
	names := make([]jsi.PropNameID, 0, len(m.values))
	for k := range m.values {
		names = append(names, rt.CreatePropNameID(k))
	}
	return names, nil
}

func (m *mapObject) release() {
	for _, v := range m.values {
		v.Release()
	}
	clear(m.values)
}

func (s *suite) hostObjectMap(t *testing.T, rt jsi.Runtime) {
	m := &mapObject{values: map[string]jsi.Value{}}
	obj := rt.CreateObjectFromHostObject(m)
	defer obj.Release()
	defer m.release()

	require.True(t, obj.IsHostObject(rt))
	require.Same(t, m, obj.GetHostObject(rt))
	require.False(t, obj.IsFunction(rt))

	setGlobal(t, rt, "o", obj.Value())
	require.Equal(t, "v", evalString(t, rt, "o.k = 'v'; o.k"))
	require.Equal(t, "k", evalString(t, rt, "Object.keys(o).join(',')"))
	require.Equal(t, "undefined", evalString(t, rt, "typeof o.missing"))

	v, err := obj.GetProperty(rt, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v.GetString().UTF8(rt))
	v.Release()

	require.NoError(t, obj.SetProperty(rt, "n", jsi.Int(7)))
	require.Equal(t, "14", evalString(t, rt, "String(o.n * 2)"))

	names, err := rt.GetPropertyNames(obj)
	require.NoError(t, err)
	defer names.Release()
	size, err := names.Size(rt)
	require.NoError(t, err)
	require.Equal(t, 2, size)
}

func (s *suite) hostObjectDefaultSetter(t *testing.T, rt jsi.Runtime) {
	obj := rt.CreateObjectFromHostObject(&jsi.HostObjectFuncs{
		GetFunc: func(rt jsi.Runtime, name jsi.PropNameID) (jsi.Value, error) {
			if name.UTF8(rt) == "answer" {
				return jsi.Int(42), nil
			}
			return jsi.Undefined(), nil
		},
	})
	setGlobal(t, rt, "ro", obj.Value())
	obj.Release()

	require.Equal(t, "42", evalString(t, rt, "String(ro.answer)"))
	got := evalString(t, rt, "(function () { try { ro.x = 1; return 'no throw'; } catch (e) { return e.message; } })()")
	require.Contains(t, got, "Cannot assign to property 'x' on HostObject with default setter")
}

func (s *suite) hostObjectEnumerationError(t *testing.T, rt jsi.Runtime) {
	obj := rt.CreateObjectFromHostObject(&jsi.HostObjectFuncs{
		NamesFunc: func(jsi.Runtime) ([]jsi.PropNameID, error) {
			return nil, errors.New("cannot list")
		},
	})
	setGlobal(t, rt, "broken", obj.Value())
	obj.Release()

	got := evalString(t, rt, "(function () { try { Object.keys(broken); return 'no throw'; } catch (e) { return e.message; } })()")
	require.Contains(t, got, "cannot list")
}

func (s *suite) reentrancy(t *testing.T, rt jsi.Runtime) {
	const depth = 5
	var trace []string

	fn := s.hostFunction(rt, "sometimesThrows", 1, func(rt jsi.Runtime, _ jsi.Value, args []jsi.Value) (jsi.Value, error) {
		label := args[0].GetString().UTF8(rt)
		var level int
		if _, err := fmt.Sscanf(label, "level-%d", &level); err != nil {
			return jsi.Undefined(), err
		}
		if level == depth {
			return jsi.Undefined(), fmt.Errorf("level %d threw", level)
		}

		var err error
		if level%2 == 0 {
			var v jsi.Value
			v, err = rt.Evaluate([]byte(fmt.Sprintf("step(%d)", level+1)), "reentry.js")
			v.Release()
		} else {
			g := rt.Global()
			step, gerr := g.GetPropertyAsFunction(rt, "step")
			g.Release()
			if gerr != nil {
				return jsi.Undefined(), gerr
			}
			var v jsi.Value
			v, err = step.Call(rt, jsi.Int(level+1))
			v.Release()
			step.Release()
		}
		trace = append(trace, fmt.Sprintf("%d:%s", level, args[0].GetString().UTF8(rt)))
		if err == nil {
			return jsi.Undefined(), errors.New("inner level did not throw")
		}
		return jsi.Undefined(), err
	})
	setGlobal(t, rt, "sometimesThrows", fn.Value())
	fn.Release()
	eval(t, rt, "function step(n) { return sometimesThrows('level-' + n); }").Release()

	got := evalString(t, rt, "(function () { try { step(1); return 'no throw'; } catch (e) { return e.message; } })()")
	require.Equal(t, "Exception in HostFunction: level 5 threw", got)
	require.Equal(t, []string{"4:level-4", "3:level-3", "2:level-2", "1:level-1"}, trace)
}

func (s *suite) thrownErrorMessage(t *testing.T, rt jsi.Runtime) {
	eval(t, rt, "function f(x) { throw new Error('boom:' + x); }").Release()
	g := rt.Global()
	defer g.Release()
	f, err := g.GetPropertyAsFunction(rt, "f")
	require.NoError(t, err)
	defer f.Release()

	_, err = f.Call(rt, jsi.Int(42))
	se := scriptError(t, err)
	defer se.Release()
	require.Equal(t, "boom:42", se.Message)
	require.False(t, se.IsFatal())
	require.True(t, se.HasValue())
	require.NotEmpty(t, se.Stack)

	msg, err := se.Value().GetObject().GetProperty(rt, "message")
	require.NoError(t, err)
	require.Equal(t, "boom:42", msg.GetString().UTF8(rt))
	msg.Release()

	_, err = rt.Evaluate([]byte("throw 'plain string'"), "throw.js")
	se2 := scriptError(t, err)
	require.Equal(t, "plain string", se2.Message)
	se2.Release()

	_, err = rt.Evaluate([]byte("throw 7"), "throw.js")
	se3 := scriptError(t, err)
	require.Equal(t, "7", se3.Message)
	se3.Release()
}

func (s *suite) rethrowPreservesIdentity(t *testing.T, rt jsi.Runtime) {
	eval(t, rt, "var original = new Error('orig'); function thrower() { throw original; }").Release()

	relay := s.hostFunction(rt, "relay", 0, func(rt jsi.Runtime, _ jsi.Value, _ []jsi.Value) (jsi.Value, error) {
		g := rt.Global()
		defer g.Release()
		thrower, err := g.GetPropertyAsFunction(rt, "thrower")
		if err != nil {
			return jsi.Undefined(), err
		}
		defer thrower.Release()
		return thrower.Call(rt)
	})
	setGlobal(t, rt, "relay", relay.Value())
	relay.Release()

	require.Equal(t, "true", evalString(t, rt,
		"(function () { try { relay(); } catch (e) { return String(e === original); } })()"))
}

func (s *suite) translatorDegrades(t *testing.T, rt jsi.Runtime) {
	_, err := rt.Evaluate([]byte("throw { get message() { throw new Error('inner'); } }"), "degrade.js")
	se := scriptError(t, err)
	require.Equal(t, "[Exception while creating message string: inner]", se.Message)
	se.Release()

	_, err = rt.Evaluate([]byte("var e = { message: {} }; delete globalThis.String; throw e;"), "degrade.js")
	se = scriptError(t, err)
	require.Contains(t, se.Message, "[Exception while creating message string:")
	require.Contains(t, se.Message, "'String' is undefined")
	se.Release()
}

func (s *suite) newScriptErrorWithoutErrorCtor(t *testing.T, rt jsi.Runtime) {
	se := jsi.NewScriptError(rt, "first")
	require.True(t, se.HasValue())
	require.Equal(t, "first", se.Message)
	se.Release()

	eval(t, rt, "delete globalThis.Error").Release()
	se = jsi.NewScriptError(rt, "second")
	require.False(t, se.HasValue())
	require.Equal(t, "callGlobalFunction: JS global property 'Error' is undefined, expected a Function (while raising second)", se.Message)
}

func (s *suite) propertyAccessErrors(t *testing.T, rt jsi.Runtime) {
	v := eval(t, rt, "({ get bad() { throw new TypeError('getter'); }, set bad(x) { throw new Error('setter'); }, num: 1 })")
	defer v.Release()
	obj := v.GetObject()

	_, err := obj.GetProperty(rt, "bad")
	se := scriptError(t, err)
	require.Equal(t, "getter", se.Message)
	se.Release()

	err = obj.SetProperty(rt, "bad", jsi.Int(1))
	se = scriptError(t, err)
	require.Equal(t, "setter", se.Message)
	se.Release()

	has, err := obj.HasProperty(rt, "num")
	require.NoError(t, err)
	require.True(t, has)
	has, err = obj.HasProperty(rt, "nope")
	require.NoError(t, err)
	require.False(t, has)

	_, err = obj.GetPropertyAsObject(rt, "num")
	se = scriptError(t, err)
	require.Equal(t, "getPropertyAsObject: property 'num' is a number, expected an Object", se.Message)
	se.Release()
}

func (s *suite) stackOverflowIsFatal(t *testing.T, rt jsi.Runtime) {
	_, err := rt.Evaluate([]byte("function r() { return r() + 1; } r();"), "overflow.js")
	se := scriptError(t, err)
	defer se.Release()
	require.True(t, se.IsFatal(), "got %v", se)
	require.Contains(t, se.Message, "exceeded")
}

func (s *suite) syntaxError(t *testing.T, rt jsi.Runtime) {
	_, err := rt.Evaluate([]byte("function ("), "broken.js")
	se := scriptError(t, err)
	defer se.Release()
	require.False(t, se.IsFatal())
	require.NotEmpty(t, se.Message)
}

func (s *suite) arrays(t *testing.T, rt jsi.Runtime) {
	str := jsi.StringFromUTF8(rt, "two")
	defer str.Release()
	arr, err := jsi.CreateArrayFrom(rt, jsi.Int(1), str)
	require.NoError(t, err)
	defer arr.Release()

	require.True(t, arr.IsArray(rt))
	size, err := arr.Size(rt)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	v, err := arr.ValueAt(rt, 1)
	require.NoError(t, err)
	require.Equal(t, "two", v.GetString().UTF8(rt))
	v.Release()

	setGlobal(t, rt, "arr", arr.Value())
	require.Equal(t, "1,two", evalString(t, rt, "arr.join(',')"))

	empty, err := rt.CreateArray(3)
	require.NoError(t, err)
	size, err = empty.Size(rt)
	require.NoError(t, err)
	require.Equal(t, 3, size)
	empty.Release()

	lit := eval(t, rt, "[1, 2, 3]")
	defer lit.Release()
	require.True(t, lit.GetObject().IsArray(rt))

	plain := rt.CreateObject()
	defer plain.Release()
	require.False(t, plain.IsArray(rt))
	_, err = plain.AsArray(rt)
	require.Error(t, err)
	jsi.ReleaseError(err)
}

func (s *suite) propertyNames(t *testing.T, rt jsi.Runtime) {
	v := eval(t, rt, "(function () { var o = Object.create({ c: 3 }); o.a = 1; o.b = 2; Object.defineProperty(o, 'hidden', { value: 4 }); return o; })()")
	defer v.Release()

	names, err := rt.GetPropertyNames(v.GetObject())
	require.NoError(t, err)
	defer names.Release()

	size, err := names.Size(rt)
	require.NoError(t, err)
	got := make([]string, 0, size)
	for i := 0; i < size; i++ {
		n, err := names.ValueAt(rt, i)
		require.NoError(t, err)
		got = append(got, n.GetString().UTF8(rt))
		n.Release()
	}
	require.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func (s *suite) callsAndConstructors(t *testing.T, rt jsi.Runtime) {
	eval(t, rt, "function Point(x) { this.x = x; } function getX() { return this.x; }").Release()
	g := rt.Global()
	defer g.Release()

	point, err := g.GetPropertyAsFunction(rt, "Point")
	require.NoError(t, err)
	defer point.Release()
	getX, err := g.GetPropertyAsFunction(rt, "getX")
	require.NoError(t, err)
	defer getX.Release()

	p, err := point.CallAsConstructor(rt, jsi.Int(3))
	require.NoError(t, err)
	defer p.Release()

	ok, err := p.GetObject().InstanceOf(rt, point)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = p.GetObject().InstanceOf(rt, getX)
	require.NoError(t, err)
	require.False(t, ok)

	x, err := getX.CallWithThis(rt, p.GetObject())
	require.NoError(t, err)
	require.Equal(t, 3.0, x.GetNumber())

	_, err = g.GetPropertyAsFunction(rt, "Math")
	se := scriptError(t, err)
	require.Equal(t, "getPropertyAsFunction: property 'Math' is an object, expected a Function", se.Message)
	se.Release()
}

func (s *suite) strictEquality(t *testing.T, rt jsi.Runtime) {
	g1 := rt.Global()
	defer g1.Release()
	g2 := rt.Global()
	defer g2.Release()
	require.True(t, jsi.StrictEquals(rt, g1.Value(), g2.Value()))

	o := rt.CreateObject()
	defer o.Release()
	require.False(t, jsi.StrictEquals(rt, g1.Value(), o.Value()))

	a := jsi.StringFromUTF8(rt, "same")
	defer a.Release()
	b := jsi.StringFromUTF8(rt, "same")
	defer b.Release()
	require.True(t, jsi.StrictEquals(rt, a, b))
	require.False(t, jsi.StrictEquals(rt, a, jsi.Null()))
	require.False(t, jsi.StrictEquals(rt, jsi.Number(1), jsi.Bool(true)))
	require.True(t, jsi.StrictEquals(rt, jsi.Undefined(), jsi.Undefined()))
}

func (s *suite) weakObjects(t *testing.T, rt jsi.Runtime) {
	obj := rt.CreateObject()
	defer obj.Release()

	w, err := rt.CreateWeakObject(obj)
	if errors.Is(err, jsi.ErrNotImplemented) {
		t.Skipf("weak objects: %v", err)
	}
	require.NoError(t, err)
	defer w.Release()

	locked := w.Lock(rt)
	defer locked.Release()
	require.True(t, locked.IsObject())
	require.True(t, jsi.StrictEquals(rt, obj.Value(), locked))
}

func (s *suite) arrayBuffers(t *testing.T, rt jsi.Runtime) {
	buf, err := rt.CreateArrayBuffer([]byte{1, 2, 3})
	if errors.Is(err, jsi.ErrNotImplemented) {
		t.Skipf("array buffers: %v", err)
	}
	require.NoError(t, err)
	defer buf.Release()

	require.True(t, buf.IsArrayBuffer(rt))
	data, err := buf.Data(rt)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)

	setGlobal(t, rt, "buf", buf.Value())
	require.Equal(t, "3:2", evalString(t, rt, "buf.byteLength + ':' + new Uint8Array(buf)[1]"))

	plain := rt.CreateObject()
	defer plain.Release()
	require.False(t, plain.IsArrayBuffer(rt))
}

func (s *suite) preconditions(t *testing.T, rt jsi.Runtime) {
	plain := rt.CreateObject()
	defer plain.Release()
	require.False(t, plain.IsHostObject(rt))
	requirePrecondition(t, func() { rt.GetHostObject(plain) })

	fn := evalFunction(t, rt, "(function () {})")
	defer fn.Release()
	requirePrecondition(t, func() { rt.GetHostFunction(fn) })

	gone := rt.CreateObject()
	gone.Release()
	requirePrecondition(t, func() { rt.IsFunction(gone) })
}

func (s *suite) crossRuntimeHandles(t *testing.T, rt jsi.Runtime) {
	other := s.runtime(t)
	foreign := other.CreateObject()
	defer foreign.Release()

	requirePrecondition(t, func() { _, _ = foreign.GetProperty(rt, "x") })
	requirePrecondition(t, func() {
		g := rt.Global()
		defer g.Release()
		_ = g.SetProperty(rt, "leak", foreign.Value())
	})
}

func (s *suite) microtasks(t *testing.T, rt jsi.Runtime) {
	eval(t, rt, "var log = []; Promise.resolve().then(function () { log.push('tick'); });").Release()
	empty, err := rt.DrainMicrotasks(-1)
	require.NoError(t, err)
	require.True(t, empty)
	require.Equal(t, "tick", evalString(t, rt, "log.join(',')"))
}

func (s *suite) preparedJavaScript(t *testing.T, rt jsi.Runtime) {
	p, err := rt.PrepareJavaScript([]byte("var counter = (typeof counter === 'number' ? counter : 0) + 1; counter"), "prepared.js")
	require.NoError(t, err)
	require.Equal(t, "prepared.js", p.SourceURL())

	for want := 1.0; want <= 2; want++ {
		v, err := rt.EvaluatePrepared(p)
		require.NoError(t, err)
		require.Equal(t, want, v.GetNumber())
	}
}

func (s *suite) teardownWithLiveHandles(t *testing.T, rt jsi.Runtime) {
	m := &mapObject{values: map[string]jsi.Value{}}
	proxy := rt.CreateObjectFromHostObject(m)
	setGlobal(t, rt, "kept", proxy.Value())
	require.Equal(t, "x", evalString(t, rt, "kept.v = 'x'; kept.v"))

	str := rt.CreateString("dangling")
	fn := s.hostFunction(rt, "f", 0, func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
		return jsi.Undefined(), nil
	})

	err := rt.Close()
	var leak *jsi.LeakError
	require.ErrorAs(t, err, &leak)
	require.Positive(t, leak.Outstanding[jsi.CategoryObject])
	require.Positive(t, leak.Outstanding[jsi.CategoryString])

	// Releasing after teardown only frees host state.
	require.NotPanics(t, func() {
		proxy.Release()
		str.Release()
		fn.Release()
		m.release()
	})
	require.NoError(t, rt.Close())
}

func (s *suite) cleanClose(t *testing.T, rt jsi.Runtime) {
	m := &mapObject{values: map[string]jsi.Value{}}
	proxy := rt.CreateObjectFromHostObject(m)
	setGlobal(t, rt, "m", proxy.Value())
	proxy.Release()

	fn := s.hostFunction(rt, "fail", 0, func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
		return jsi.Undefined(), errors.New("nope")
	})
	setGlobal(t, rt, "fail", fn.Value())
	fn.Release()

	require.Equal(t, "v:nope", evalString(t, rt,
		"m.k = 'v'; var r; try { fail(); } catch (e) { r = e.message.slice(-4); } m.k + ':' + r"))
	_, err := rt.Evaluate([]byte("throw new Error('x')"), "clean.js")
	jsi.ReleaseError(err)
	m.release()

	for _, cat := range jsi.Categories() {
		require.Zero(t, rt.LiveCount(cat), "%s handles outstanding", cat)
	}
	require.NoError(t, rt.Close())
}
