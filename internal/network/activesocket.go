package network

import (
	"context"
	"time"

	"l4relay/internal/dispatcher"
	"l4relay/internal/stats"
)

// socketState tracks an activeSocket through the state machine §4.2
// describes: Created -> Running -> (Suspended <-> Running) -> Connected ->
// Completed, with a Timeout/refusal branch to Aborted from any point.
type socketState int

const (
	socketCreated socketState = iota
	socketRunning
	socketSuspended
	socketConnected
	socketCompleted
	socketAborted
)

// activeSocket is the pre-connection holder shared by TCP and Internal
// active sockets: it owns the accepted socket while listener filters run,
// and is destroyed (never promoted to a connection) on refusal or timeout.
type activeSocket struct {
	disp    dispatcher.Dispatcher
	socket  ConnectionSocket
	meta    *DynamicMetadata
	filters []FilterWrapper
	cursor  int
	epoch   int
	state   socketState

	timeout           time.Duration
	continueOnTimeout bool
	timer             dispatcher.Timer

	preCxTimeout *stats.Counter

	destroyed  bool
	onComplete func(*activeSocket)
	onAbort    func(*activeSocket)
}

// newActiveSocket constructs and immediately begins driving the
// pre-connection pipeline. onComplete is invoked exactly once, when the
// cursor reaches the end of filters; onAbort is invoked exactly once, when
// the socket is destroyed without ever reaching onComplete. Never both.
func newActiveSocket(
	disp dispatcher.Dispatcher,
	socket ConnectionSocket,
	meta *DynamicMetadata,
	filters []FilterWrapper,
	timeout time.Duration,
	continueOnTimeout bool,
	preCxTimeout *stats.Counter,
	onComplete, onAbort func(*activeSocket),
) *activeSocket {
	if meta == nil {
		meta = NewDynamicMetadata()
	}
	s := &activeSocket{
		disp:              disp,
		socket:            socket,
		meta:              meta,
		filters:           filters,
		state:             socketCreated,
		timeout:           timeout,
		continueOnTimeout: continueOnTimeout,
		preCxTimeout:      preCxTimeout,
		onComplete:        onComplete,
		onAbort:           onAbort,
	}
	s.armTimer()
	s.state = socketRunning
	s.run()
	return s
}

func (s *activeSocket) armTimer() {
	if s.timeout <= 0 {
		return
	}
	s.timer = s.disp.CreateTimer(s.timeout, s.onTimeout)
}

func (s *activeSocket) disarmTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// run drives the filter cursor forward until it suspends, completes, or the
// socket is destroyed mid-loop by a filter calling ContinueFilterChain(false)
// synchronously from within its own OnAccept.
func (s *activeSocket) run() {
	for s.cursor < len(s.filters) {
		if s.destroyed {
			return
		}
		fw := s.filters[s.cursor]
		if fw.Matcher != nil && !fw.Matcher.Matches(s.socket) {
			s.cursor++
			continue
		}
		cb := &filterCallbacks{s: s, epoch: s.epoch}
		status := fw.Filter.OnAccept(context.Background(), cb)
		if s.destroyed {
			return
		}
		if status == FilterStopIteration {
			s.state = socketSuspended
			return
		}
		s.cursor++
	}
	s.complete()
}

// filterCallbacks is the per-invocation ListenerFilterCallbacks handed to
// one filter. epoch pins it to the pipeline generation active when the
// filter was entered, so a stuck filter's eventual callback becomes a
// silent no-op once a continue-on-timeout skip has moved the cursor past it.
type filterCallbacks struct {
	s     *activeSocket
	epoch int
}

func (c *filterCallbacks) Socket() ConnectionSocket          { return c.s.socket }
func (c *filterCallbacks) DynamicMetadata() *DynamicMetadata { return c.s.meta }
func (c *filterCallbacks) ContinueFilterChain(success bool)  { c.s.continueFilterChain(c.epoch, success) }
func (c *filterCallbacks) Post(fn func())                    { c.s.disp.Post(fn) }
func (c *filterCallbacks) ReplaceSocket(socket ConnectionSocket) {
	if c.epoch != c.s.epoch || c.s.destroyed {
		return
	}
	c.s.socket = socket
}

func (s *activeSocket) continueFilterChain(epoch int, success bool) {
	if s.destroyed || epoch != s.epoch {
		return
	}
	if !success {
		s.destroy()
		return
	}
	s.state = socketRunning
	s.cursor++
	s.run()
}

func (s *activeSocket) onTimeout() {
	if s.destroyed {
		return
	}
	if s.preCxTimeout != nil {
		s.preCxTimeout.Inc()
	}
	if !s.continueOnTimeout {
		s.destroy()
		return
	}
	// Skip the stuck filter: bump the epoch so its outstanding callback (if
	// it ever arrives) is ignored, then resume from the next one.
	s.epoch++
	s.state = socketRunning
	s.cursor++
	s.run()
}

func (s *activeSocket) complete() {
	s.state = socketConnected
	s.disarmTimer()
	s.state = socketCompleted
	if s.onComplete != nil {
		s.onComplete(s)
	}
}

// destroy closes the socket and runs the abort hook exactly once; safe to
// call multiple times or after completion has already happened (a no-op in
// the latter case, since onComplete already fired).
func (s *activeSocket) destroy() {
	if s.destroyed || s.state == socketCompleted {
		return
	}
	s.destroyed = true
	s.state = socketAborted
	s.disarmTimer()
	_ = s.socket.Close()
	if s.onAbort != nil {
		s.onAbort(s)
	}
}
