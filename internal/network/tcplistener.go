package network

import (
	"net"
	"sync/atomic"

	"l4relay/internal/dispatcher"
	"l4relay/internal/logging"
	"l4relay/internal/stats"
)

// drainWaiter tracks one removeFilterChains call awaiting every one of a
// set of chains to finish draining before its completion callback fires.
type drainWaiter struct {
	chains     []FilterChain
	completion func()
}

// ActiveTcpListener owns one kernel-accepting TCP source and everything
// accepted from it: in-flight pre-connection sockets, per-filter-chain
// buckets of live connections, and this listener's share of both the
// per-listener and handler-global connection counts.
type ActiveTcpListener struct {
	disp    dispatcher.Dispatcher
	handler *ConnectionHandler
	log     logging.Logger

	tag           uint64
	cfg           ListenerConfig
	listenerStats stats.ListenerStats
	perHandler    stats.PerHandlerListenerStats

	ln net.Listener

	sockets map[*activeSocket]struct{}
	buckets *filterChainBuckets

	numConnections atomic.Int64 // per-listener; other workers' balancers read this
	deleting       bool
	paused         bool

	drainWaiters []drainWaiter

	stopAccept chan struct{}
}

// newActiveTcpListener constructs a listener around an already-bound
// net.Listener; the caller (ConnectionHandler.AddListener) starts its
// accept loop.
func newActiveTcpListener(handler *ConnectionHandler, cfg ListenerConfig, ln net.Listener, log logging.Logger) *ActiveTcpListener {
	return &ActiveTcpListener{
		disp:          handler.disp,
		handler:       handler,
		log:           log,
		tag:           cfg.ListenerTag(),
		cfg:           cfg,
		listenerStats: stats.NewListenerStats(cfg.StatsScope()),
		perHandler:    stats.NewPerHandlerListenerStats(cfg.StatsScope()),
		ln:            ln,
		sockets:       make(map[*activeSocket]struct{}),
		buckets:       newFilterChainBuckets(),
		stopAccept:    make(chan struct{}),
	}
}

// serve runs the blocking kernel accept loop; call it in its own goroutine.
// Every accepted socket is handed to the dispatcher via Post so that all
// subsequent handling runs on the worker's single goroutine.
func (l *ActiveTcpListener) serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopAccept:
				return
			default:
			}
			return
		}
		socket := WrapConn(conn)
		l.disp.Post(func() { l.onAccept(socket) })
	}
}

// stopServing closes the accepting source so no further kernel accepts
// happen; in-flight sockets and connections are unaffected.
func (l *ActiveTcpListener) stopServing() {
	close(l.stopAccept)
	_ = l.ln.Close()
}

// updateConfig installs a new ListenerConfig in place (hot replacement):
// the accepting source, in-flight sockets, buckets, and counters all
// survive. New sockets observe cfg; sockets already in flight keep the
// config snapshot they captured at accept time (see onAccept).
func (l *ActiveTcpListener) updateConfig(cfg ListenerConfig) {
	l.cfg = cfg
}

// --- BalancedConnectionHandler ---

func (l *ActiveTcpListener) NumConnections() int64 { return l.numConnections.Load() }

func (l *ActiveTcpListener) IncNumConnections() { l.numConnections.Add(1) }

func (l *ActiveTcpListener) DecNumConnections() { l.numConnections.Add(-1) }

// Post is called (from another worker's goroutine, in the rebalance case)
// to hand a socket this listener's worker has agreed to own. It schedules
// onAcceptWorker on this listener's own dispatcher.
func (l *ActiveTcpListener) Post(socket ConnectionSocket, meta *DynamicMetadata) {
	l.disp.Post(func() {
		l.IncNumConnections()
		l.onAcceptWorker(socket, meta, l.cfg)
	})
}

// --- accept path ---

func (l *ActiveTcpListener) onAccept(socket ConnectionSocket) {
	if l.deleting {
		_ = socket.Close()
		return
	}
	if l.paused {
		_ = socket.Close()
		l.listenerStats.DownstreamCxOverflow.Inc()
		return
	}
	if !l.handler.globalLimiter.CanCreate() {
		_ = socket.Close()
		l.listenerStats.DownstreamGlobalCxOverflow.Inc()
		return
	}
	if lim := l.cfg.OpenConnections(); lim != nil && !lim.CanCreate() {
		_ = socket.Close()
		l.listenerStats.DownstreamCxOverflow.Inc()
		return
	}

	var target BalancedConnectionHandler = l
	if balancer := l.cfg.PerListenerBalancer(); balancer != nil {
		if picked := balancer.PickTargetHandler(l, socket); picked != nil {
			target = picked
		}
	}

	if target != BalancedConnectionHandler(l) {
		// The source worker's commitment is transient: it increments
		// immediately before posting and decrements right after, so
		// accounting transfers net to the destination worker, which
		// increments its own count when it dequeues the post.
		l.IncNumConnections()
		target.Post(socket, nil)
		l.DecNumConnections()
		return
	}

	l.IncNumConnections()
	l.onAcceptWorker(socket, nil, l.cfg)
}

// onAcceptWorker begins the pre-connection filter pipeline for socket on
// this worker. cfg is the config snapshot captured at the moment of
// acceptance (possibly from before a later hot-replace), and is what chain
// selection and the socket's own timeout/continue-on-timeout policy use for
// the remainder of this socket's life, per the hot-replace decision in
// SPEC_FULL.md §9.
func (l *ActiveTcpListener) onAcceptWorker(socket ConnectionSocket, meta *DynamicMetadata, cfg ListenerConfig) {
	if l.deleting {
		_ = socket.Close()
		l.DecNumConnections()
		return
	}

	l.listenerStats.DownstreamPreCxActive.Inc()
	filters := buildFilters(cfg)

	var s *activeSocket
	s = newActiveSocket(
		l.disp,
		socket,
		meta,
		filters,
		cfg.ListenerFiltersTimeout(),
		cfg.ContinueOnListenerFiltersTimeout(),
		l.listenerStats.DownstreamPreCxTimeout,
		func(done *activeSocket) { l.onSocketComplete(done, cfg) },
		func(done *activeSocket) { l.onSocketAbort(done) },
	)
	l.sockets[s] = struct{}{}
}

func buildFilters(cfg ListenerConfig) []FilterWrapper {
	factories := cfg.ListenerFilterFactories()
	out := make([]FilterWrapper, 0, len(factories))
	for _, f := range factories {
		out = append(out, FilterWrapper{Name: f.Name(), Matcher: f.Matcher(), Filter: f.NewFilter()})
	}
	return out
}

func (l *ActiveTcpListener) onSocketAbort(s *activeSocket) {
	delete(l.sockets, s)
	l.listenerStats.DownstreamPreCxActive.Dec()
	l.DecNumConnections()
}

func (l *ActiveTcpListener) onSocketComplete(s *activeSocket, cfg ListenerConfig) {
	delete(l.sockets, s)
	l.listenerStats.DownstreamPreCxActive.Dec()
	l.newConnection(s.socket, s.meta, cfg)
}

// newConnection selects a filter chain for socket using cfg's filter chain
// manager, and either promotes socket into a new ActiveConnection or
// aborts it (no match, or transport socket construction failed).
func (l *ActiveTcpListener) newConnection(socket ConnectionSocket, meta *DynamicMetadata, cfg ListenerConfig) {
	chain := cfg.FilterChainManager().FindFilterChain(socket, meta)
	if chain == nil {
		l.listenerStats.NoFilterChainMatch.Inc()
		_ = socket.Close()
		l.DecNumConnections()
		return
	}

	wrapped := net.Conn(socket)
	if tsf := chain.TransportSocketFactory(); tsf != nil {
		conn, err := tsf.NewTransportSocket(socket)
		if err != nil {
			if l.log != nil {
				l.log.Debug().Str("listener", chain.Name()).Err(err).Log("failed to build transport socket")
			}
			_ = socket.Close()
			l.DecNumConnections()
			return
		}
		wrapped = conn
	}

	now := l.disp.TimeSource()()
	conn := &ActiveConnection{
		conn:       wrapped,
		chain:      chain,
		meta:       meta,
		startedAt:  now,
		closedHook: l.removeConnection,
	}
	bucket := l.buckets.getOrCreate(chain)
	bucket.add(conn)

	l.handler.IncNumConnections()
	l.listenerStats.DownstreamCxTotal.Inc()
	l.listenerStats.DownstreamCxActive.Inc()
	l.perHandler.DownstreamCxTotal.Inc()
	l.perHandler.DownstreamCxActive.Inc()
}

// removeConnection is conn's closedHook: it runs the stats/length-timespan
// bookkeeping synchronously, unlinks conn from its bucket, and defers the
// bucket-drained/completion bookkeeping to the next dispatcher tick so a
// connection's own close callback never recurses into draining logic for
// the bucket it just left.
func (l *ActiveTcpListener) removeConnection(conn *ActiveConnection) {
	now := l.disp.TimeSource()()
	l.listenerStats.DownstreamCxLengthMs.Record(conn.lengthMillis(now))
	l.listenerStats.DownstreamCxDestroy.Inc()
	l.listenerStats.DownstreamCxActive.Dec()
	l.perHandler.DownstreamCxActive.Dec()

	bucket := conn.bucket
	bucket.remove(conn)
	l.DecNumConnections()
	l.handler.DecNumConnections()

	l.disp.DeferredDelete(func() { l.finishConnectionRemoval(bucket) })
}

func (l *ActiveTcpListener) finishConnectionRemoval(bucket *FilterChainBucket) {
	if !bucket.empty() || !bucket.draining {
		return
	}
	for chain, b := range l.buckets.byChain {
		if b == bucket {
			l.buckets.delete(chain)
			break
		}
	}
	l.checkDrainWaiters()
}

func (l *ActiveTcpListener) checkDrainWaiters() {
	remaining := l.drainWaiters[:0]
	for _, w := range l.drainWaiters {
		done := true
		for _, chain := range w.chains {
			if _, ok := l.buckets.get(chain); ok {
				done = false
				break
			}
		}
		if done {
			completion := w.completion
			l.disp.Post(completion)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.drainWaiters = remaining
}

// removeFilterChains marks every one of chains (that currently has a live
// bucket on this listener) as draining, force-closes each of their
// connections, and arranges for completion to run on a later dispatcher
// tick once every one of them has fully drained. completion never runs
// synchronously with this call, even if every targeted bucket was already
// empty.
func (l *ActiveTcpListener) removeFilterChains(chains []FilterChain, completion func()) {
	var matched []FilterChain
	for _, chain := range chains {
		bucket, ok := l.buckets.get(chain)
		if !ok {
			continue
		}
		bucket.draining = true
		matched = append(matched, chain)

		conns := bucket.snapshot()
		if len(conns) == 0 {
			l.disp.DeferredDelete(func(ch FilterChain) func() {
				return func() {
					l.buckets.delete(ch)
					l.checkDrainWaiters()
				}
			}(chain))
			continue
		}
		for _, conn := range conns {
			_ = conn.Close()
		}
	}

	if len(matched) == 0 {
		l.disp.Post(completion)
		return
	}
	l.drainWaiters = append(l.drainWaiters, drainWaiter{chains: matched, completion: completion})
}

// shutdown stops accepting and force-closes every in-flight socket and
// connection this listener owns, used when the listener itself is removed.
func (l *ActiveTcpListener) shutdown() {
	l.deleting = true
	l.stopServing()
	for s := range l.sockets {
		s.destroy()
	}
	for _, bucket := range l.buckets.byChain {
		for _, conn := range bucket.snapshot() {
			_ = conn.Close()
		}
	}
}
