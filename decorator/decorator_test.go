package decorator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/6over3/jsi"
	"github.com/6over3/jsi/gojart"
	"github.com/6over3/jsi/jsitest"
)

func plainRuntime(t *testing.T, cfg jsi.Config) jsi.Runtime {
	t.Helper()
	cfg.Name = gojart.Name
	rt, err := jsi.New(context.Background(), cfg)
	require.NoError(t, err)
	return rt
}

func TestConformanceThreadSafe(t *testing.T) {
	jsitest.Run(t, func(t *testing.T, cfg jsi.Config) jsi.Runtime {
		return NewThreadSafe(plainRuntime(t, cfg))
	})
}

func TestConformanceTracing(t *testing.T) {
	jsitest.Run(t, func(t *testing.T, cfg jsi.Config) jsi.Runtime {
		return NewTracing(plainRuntime(t, cfg), cfg.Logger)
	})
}

func TestConformanceNested(t *testing.T) {
	jsitest.Run(t, func(t *testing.T, cfg jsi.Config) jsi.Runtime {
		return NewTracing(NewThreadSafe(plainRuntime(t, cfg)), cfg.Logger)
	})
}

func TestHookSeesEveryCall(t *testing.T) {
	var calls []string
	var errs []error
	rt := New(plainRuntime(t, jsi.Config{}), func(method string) func(error) {
		calls = append(calls, method)
		return func(err error) { errs = append(errs, err) }
	})
	defer rt.Close()

	v, err := rt.Evaluate([]byte("1 + 1"), "ok.js")
	require.NoError(t, err)
	require.Equal(t, float64(2), v.GetNumber())

	_, err = rt.Evaluate([]byte("throw new Error('boom')"), "boom.js")
	require.Error(t, err)

	require.Equal(t, []string{"Evaluate", "Evaluate"}, calls)
	require.NoError(t, errs[0])
	require.Equal(t, err, errs[1])
	jsi.ReleaseError(err)
}

func TestHookRunsOnPanic(t *testing.T) {
	var finished bool
	rt := New(plainRuntime(t, jsi.Config{}), func(string) func(error) {
		return func(error) { finished = true }
	})
	defer rt.Close()

	require.Panics(t, func() { rt.IsFunction(jsi.Object{}) })
	require.True(t, finished)
}

func TestCallbacksReceiveDecoratedRuntime(t *testing.T) {
	rt := NewTracing(plainRuntime(t, jsi.Config{}), nil)
	defer rt.Close()

	var seen jsi.Runtime
	name := jsi.PropNameIDForASCII(rt, "callback")
	fn := rt.CreateFunctionFromHostFunction(name, 0, func(cb jsi.Runtime, _ jsi.Value, _ []jsi.Value) (jsi.Value, error) {
		seen = cb
		return jsi.Undefined(), nil
	})
	name.Release()
	defer fn.Release()

	_, err := fn.Call(rt)
	require.NoError(t, err)
	require.Same(t, rt, seen)

	var getter jsi.Runtime
	ho := &jsi.HostObjectFuncs{
		GetFunc: func(cb jsi.Runtime, _ jsi.PropNameID) (jsi.Value, error) {
			getter = cb
			return jsi.Number(1), nil
		},
	}
	obj := rt.CreateObjectFromHostObject(ho)
	defer obj.Release()
	v, err := obj.GetProperty(rt, "x")
	require.NoError(t, err)
	require.Equal(t, float64(1), v.GetNumber())
	require.Same(t, rt, getter)
	require.Same(t, ho, rt.GetHostObject(obj))
}

func TestThreadSafeConcurrentUse(t *testing.T) {
	ts := NewThreadSafe(plainRuntime(t, jsi.Config{}))
	defer ts.Close()

	// The host function re-enters the runtime on the calling goroutine.
	name := jsi.PropNameIDForASCII(ts, "bump")
	bump := ts.CreateFunctionFromHostFunction(name, 0, func(rt jsi.Runtime, _ jsi.Value, _ []jsi.Value) (jsi.Value, error) {
		return rt.Evaluate([]byte("count += 1"), "bump.js")
	})
	name.Release()
	defer bump.Release()
	global := ts.Global()
	require.NoError(t, global.SetProperty(ts, "bump", bump.Value()))
	require.NoError(t, global.SetProperty(ts, "count", jsi.Number(0)))
	global.Release()

	const workers, rounds = 8, 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				ts.Do(func(rt jsi.Runtime) {
					v, err := rt.Evaluate([]byte("bump()"), "worker.js")
					if err != nil {
						t.Error(err)
						return
					}
					v.Release()
				})
			}
		}()
	}
	wg.Wait()

	var count float64
	ts.Do(func(rt jsi.Runtime) {
		v, err := rt.Evaluate([]byte("count"), "count.js")
		require.NoError(t, err)
		count = v.GetNumber()
	})
	require.Equal(t, float64(workers*rounds), count)
}

func TestReentrantMutex(t *testing.T) {
	var m reentrantMutex
	m.Lock()
	m.Lock()
	m.Unlock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
		m.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("another goroutine took a held lock")
	default:
	}
	m.Unlock()
	<-acquired
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	require.NotZero(t, id)
	require.Equal(t, id, goroutineID())

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	require.NotEqual(t, id, <-other)
}

func TestTracingLogsCalls(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rt := NewTracing(plainRuntime(t, jsi.Config{}), zap.New(core))

	v, err := rt.Evaluate([]byte("'a' + 'b'"), "concat.js")
	require.NoError(t, err)
	v.Release()

	_, err = rt.Evaluate([]byte("throw new TypeError('nope')"), "fail.js")
	var se *jsi.ScriptError
	require.True(t, errors.As(err, &se))
	jsi.ReleaseError(err)
	require.NoError(t, rt.Close())

	evals := logs.FilterLoggerName("jsi").FilterField(zap.String("method", "Evaluate")).All()
	require.Len(t, evals, 2)
	require.NotContains(t, evals[0].ContextMap(), "error")
	require.Contains(t, evals[1].ContextMap()["error"], "nope")
	require.Contains(t, evals[1].ContextMap(), "duration")

	require.Equal(t, 1, logs.FilterField(zap.String("method", "Close")).Len())
}

func TestTracingSkipsWhenDisabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rt := NewTracing(plainRuntime(t, jsi.Config{}), zap.New(core))
	defer rt.Close()

	v, err := rt.Evaluate([]byte("1"), "one.js")
	require.NoError(t, err)
	v.Release()
	require.Zero(t, logs.Len())
}

func TestGetHostFunctionReturnsOriginal(t *testing.T) {
	outer := NewTracing(New(plainRuntime(t, jsi.Config{}), nil), nil)
	defer outer.Close()

	var seen jsi.Runtime
	orig := func(cb jsi.Runtime, _ jsi.Value, args []jsi.Value) (jsi.Value, error) {
		seen = cb
		return jsi.Number(float64(len(args))), nil
	}
	name := jsi.PropNameIDForASCII(outer, "count")
	fn := outer.CreateFunctionFromHostFunction(name, 0, orig)
	name.Release()
	defer fn.Release()

	got := outer.GetHostFunction(fn)
	require.NotNil(t, got)

	// The original receives whatever runtime it is called with; the
	// wrapper would substitute the decorator.
	other := New(outer, nil)
	v, err := got(other, jsi.Undefined(), []jsi.Value{jsi.Number(1), jsi.Number(2)})
	require.NoError(t, err)
	require.Equal(t, float64(2), v.GetNumber())
	require.Same(t, other, seen)

	_, err = fn.Call(outer)
	require.NoError(t, err)
	require.Same(t, outer, seen)
}

func TestGetHostFunctionLeavesForeignFunctions(t *testing.T) {
	plain := plainRuntime(t, jsi.Config{})
	rt := New(plain, nil)
	defer rt.Close()

	calls := 0
	name := jsi.PropNameIDForASCII(plain, "direct")
	fn := plain.CreateFunctionFromHostFunction(name, 0, func(jsi.Runtime, jsi.Value, []jsi.Value) (jsi.Value, error) {
		calls++
		return jsi.Undefined(), nil
	})
	name.Release()
	defer fn.Release()

	got := rt.GetHostFunction(fn)
	require.NotNil(t, got)
	require.Zero(t, calls)
	_, err := got(rt, jsi.Undefined(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
