package dispatcher

import (
	"sort"
	"sync"
	"time"
)

// Fake is a synchronous, single-goroutine Dispatcher for tests: nothing
// runs until Drain or Advance is called, so a test can post work, inspect
// that nothing has happened yet, then deterministically step the loop
// forward one tick at a time. This is the double the ConnectionHandler
// tests in internal/network drive.
type Fake struct {
	*registry

	mu       sync.Mutex
	posted   []func()
	deferred []func()
	timers   []*fakeTimer
	now      time.Time
}

// NewFake constructs a Fake dispatcher with its clock parked at the Unix
// epoch; use Advance to move it forward.
func NewFake() *Fake {
	return &Fake{
		registry: newRegistry(),
		now:      time.Unix(0, 0),
	}
}

func (f *Fake) Post(fn func()) {
	f.mu.Lock()
	f.posted = append(f.posted, fn)
	f.mu.Unlock()
}

type fakeTimer struct {
	mu      sync.Mutex
	f       *Fake
	fireAt  time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (f *Fake) CreateTimer(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	t := &fakeTimer{f: f, fireAt: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	return t
}

func (f *Fake) DeferredDelete(fn func()) {
	f.mu.Lock()
	f.deferred = append(f.deferred, fn)
	f.mu.Unlock()
}

func (f *Fake) TimeSource() func() time.Time {
	return func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
}

func (f *Fake) RegisterInternalListener(id string, fn InternalAcceptFunc) error {
	return f.registry.register(id, fn)
}

func (f *Fake) UnregisterInternalListener(id string) {
	f.registry.unregister(id)
}

func (f *Fake) DispatchInternal(id string, conn Socket, meta any) error {
	return f.registry.dispatch(id, conn, meta)
}

// Drain runs every currently posted closure, including ones posted by
// closures run earlier in the same Drain call, flushing deferred deletions
// after each batch, until both the posted queue and the deferred list are
// empty. A deferred deletion scheduled by another deferred deletion runs in
// the following flush. It does not fire timers; use Advance for that.
func (f *Fake) Drain() {
	for {
		f.mu.Lock()
		if len(f.posted) == 0 && len(f.deferred) == 0 {
			f.mu.Unlock()
			return
		}
		batch := f.posted
		f.posted = nil
		f.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		f.flushDeferred()
	}
}

func (f *Fake) flushDeferred() {
	f.mu.Lock()
	batch := f.deferred
	f.deferred = nil
	f.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

// Advance moves the fake clock forward by d, posts the callbacks of every
// timer due at or before the new time (in fire-order), and drains the
// resulting work.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var due []*fakeTimer
	remaining := f.timers[:0]
	for _, t := range f.timers {
		t.mu.Lock()
		fire := !t.stopped && !t.fireAt.After(now)
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			continue
		}
		if fire {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].fireAt.Before(due[j].fireAt) })
	for _, t := range due {
		f.Post(t.fn)
	}
	f.Drain()
}
