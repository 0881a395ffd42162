package dispatcher

import (
	"sync"
	"time"
)

// Loop is the real Dispatcher: a single goroutine draining a buffered
// channel of posted closures, with deferred deletions flushed at the end of
// every batch. Exactly one goroutine ever touches listener/connection state
// for a given worker, which is what lets internal/network skip locking its
// own data structures.
type Loop struct {
	*registry

	posted chan func()
	quit   chan struct{}
	wg     sync.WaitGroup

	deferredMu sync.Mutex
	deferred   []func()
}

// NewLoop constructs a Loop with the given posted-work queue depth. A queue
// depth of 0 is rejected in favor of a sane default, since an unbuffered
// channel would serialize every Post with its consumer's readiness.
func NewLoop(queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Loop{
		registry: newRegistry(),
		posted:   make(chan func(), queueDepth),
		quit:     make(chan struct{}),
	}
}

// Run drains the loop until Stop is called. Call it from the goroutine that
// should own this worker's connections; it does not return until stopped.
func (l *Loop) Run() {
	l.wg.Add(1)
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.posted:
			fn()
			l.flushDeferred()
		case <-l.quit:
			l.drainRemaining()
			return
		}
	}
}

// drainRemaining runs whatever was already queued at the moment Stop was
// called, so in-flight deferred deletions still settle their accounting.
func (l *Loop) drainRemaining() {
	for {
		select {
		case fn := <-l.posted:
			fn()
			l.flushDeferred()
		default:
			return
		}
	}
}

// Stop signals Run to return after finishing whatever is already queued,
// and blocks until it has.
func (l *Loop) Stop() {
	close(l.quit)
	l.wg.Wait()
}

func (l *Loop) Post(fn func()) {
	l.posted <- fn
}

type loopTimer struct{ t *time.Timer }

func (lt *loopTimer) Stop() { lt.t.Stop() }

func (l *Loop) CreateTimer(d time.Duration, fn func()) Timer {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return &loopTimer{t: t}
}

func (l *Loop) DeferredDelete(fn func()) {
	l.deferredMu.Lock()
	l.deferred = append(l.deferred, fn)
	l.deferredMu.Unlock()
}

// flushDeferred copies out and clears the pending batch before running it,
// so a destructor that itself calls DeferredDelete lands in the next tick's
// batch rather than extending the one currently running.
func (l *Loop) flushDeferred() {
	l.deferredMu.Lock()
	batch := l.deferred
	l.deferred = nil
	l.deferredMu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

func (l *Loop) TimeSource() func() time.Time {
	return time.Now
}

func (l *Loop) RegisterInternalListener(id string, fn InternalAcceptFunc) error {
	return l.registry.register(id, fn)
}

func (l *Loop) UnregisterInternalListener(id string) {
	l.registry.unregister(id)
}

func (l *Loop) DispatchInternal(id string, conn Socket, meta any) error {
	return l.registry.dispatch(id, conn, meta)
}
