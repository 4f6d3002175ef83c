package decorator

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/6over3/jsi"
)

// ThreadSafe serializes access to a runtime from several goroutines. The
// lock is reentrant per goroutine, so host functions called by the engine
// may use the runtime they are given.
//
// Releasing a handle does not go through the runtime. Release handles on a
// goroutine that holds the lock, for example inside Do.
type ThreadSafe struct {
	*Runtime
	lock reentrantMutex
}

// NewThreadSafe wraps plain in a goroutine-reentrant lock.
func NewThreadSafe(plain jsi.Runtime) *ThreadSafe {
	ts := &ThreadSafe{}
	ts.Runtime = New(plain, func(string) func(error) {
		ts.lock.Lock()
		return func(error) { ts.lock.Unlock() }
	})
	return ts
}

// Do runs fn while holding the lock. Calls made by fn through rt do not
// block.
func (ts *ThreadSafe) Do(fn func(rt jsi.Runtime)) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	fn(ts)
}

// reentrantMutex is a mutex the holding goroutine may lock again.
type reentrantMutex struct {
	mu sync.Mutex

	stateMu sync.Mutex
	holder  uint64 // goroutine id, 0 when unlocked
	depth   int32
}

func (m *reentrantMutex) Lock() {
	gid := goroutineID()

	m.stateMu.Lock()
	if m.holder == gid {
		m.depth++
		m.stateMu.Unlock()
		return
	}
	m.stateMu.Unlock()

	m.mu.Lock()

	m.stateMu.Lock()
	m.holder = gid
	m.depth = 1
	m.stateMu.Unlock()
}

func (m *reentrantMutex) Unlock() {
	m.stateMu.Lock()
	m.depth--
	if m.depth > 0 {
		m.stateMu.Unlock()
		return
	}
	m.holder = 0
	m.stateMu.Unlock()
	m.mu.Unlock()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id from its stack header,
// which reads "goroutine 123 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("decorator: cannot parse goroutine id: " + err.Error())
	}
	return id
}
