package network

import (
	"fmt"
	"net"
	"sync/atomic"

	"l4relay/internal/dispatcher"
	"l4relay/internal/logging"
	"l4relay/internal/stats"
)

// ActiveInternalListener has the identical contract to ActiveTcpListener
// (§4.3) except its accepted sockets arrive from the dispatcher's internal
// listener registry instead of a kernel accept loop, there is no rebalance
// step (onAccept always runs on the worker that owns the registered id),
// and enable/disable are unsupported: internal listeners may not refuse
// peers, so PauseListening/ResumeListening fail loudly rather than
// silently queuing hand-offs.
type ActiveInternalListener struct {
	disp    dispatcher.Dispatcher
	handler *ConnectionHandler
	log     logging.Logger

	id            string
	tag           uint64
	cfg           ListenerConfig
	listenerStats stats.ListenerStats
	perHandler    stats.PerHandlerListenerStats

	sockets map[*activeSocket]struct{}
	buckets *filterChainBuckets

	numConnections atomic.Int64
	deleting       bool
	registered     bool

	drainWaiters []drainWaiter
}

// ErrInternalListenerEnableDisableUnsupported is returned by PauseListening
// and ResumeListening on an ActiveInternalListener: internal listeners have
// no kernel socket to stop accepting on, and silently swallowing peer
// hand-offs would violate the "may not refuse peers" contract.
var ErrInternalListenerEnableDisableUnsupported = fmt.Errorf("network: internal listeners do not support enable/disable")

func newActiveInternalListener(handler *ConnectionHandler, id string, cfg ListenerConfig, log logging.Logger) (*ActiveInternalListener, error) {
	l := &ActiveInternalListener{
		disp:          handler.disp,
		handler:       handler,
		log:           log,
		id:            id,
		tag:           cfg.ListenerTag(),
		cfg:           cfg,
		listenerStats: stats.NewListenerStats(cfg.StatsScope()),
		perHandler:    stats.NewPerHandlerListenerStats(cfg.StatsScope()),
		sockets:       make(map[*activeSocket]struct{}),
		buckets:       newFilterChainBuckets(),
	}
	if err := handler.disp.RegisterInternalListener(id, l.onNewSocketFromRegistry); err != nil {
		return nil, fmt.Errorf("network: registering internal listener %q: %w", id, err)
	}
	l.registered = true
	return l, nil
}

// ID is the internal listener registry key peer filters (e.g. MuxBridge)
// hand sockets off to.
func (l *ActiveInternalListener) ID() string { return l.id }

func (l *ActiveInternalListener) updateConfig(cfg ListenerConfig) {
	l.cfg = cfg
}

// PauseListening and ResumeListening are the internal-listener equivalent
// of stopping/starting kernel accept; both are unsupported per §4.3.
func (l *ActiveInternalListener) PauseListening() error {
	return ErrInternalListenerEnableDisableUnsupported
}

func (l *ActiveInternalListener) ResumeListening() error {
	return ErrInternalListenerEnableDisableUnsupported
}

// onNewSocketFromRegistry is the dispatcher.InternalAcceptFunc registered
// for this listener's id. meta, if non-nil, is expected to be a
// *DynamicMetadata supplied by the initiating peer filter.
func (l *ActiveInternalListener) onNewSocketFromRegistry(conn dispatcher.Socket, meta any) {
	socket, ok := conn.(ConnectionSocket)
	if !ok {
		_ = conn.Close()
		return
	}
	var dm *DynamicMetadata
	if meta != nil {
		dm, _ = meta.(*DynamicMetadata)
	}
	l.OnNewSocket(socket, dm)
}

// OnNewSocket is network.InternalListenerCallbacks: always runs on this
// listener's own worker, since registration ties the id to this worker's
// dispatcher.
func (l *ActiveInternalListener) OnNewSocket(socket ConnectionSocket, meta *DynamicMetadata) {
	if l.deleting {
		_ = socket.Close()
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

	l.numConnections.Add(1)
	l.listenerStats.DownstreamPreCxActive.Inc()
	cfg := l.cfg
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

func (l *ActiveInternalListener) onSocketAbort(s *activeSocket) {
	delete(l.sockets, s)
	l.listenerStats.DownstreamPreCxActive.Dec()
	l.numConnections.Add(-1)
}

func (l *ActiveInternalListener) onSocketComplete(s *activeSocket, cfg ListenerConfig) {
	delete(l.sockets, s)
	l.listenerStats.DownstreamPreCxActive.Dec()
	l.newConnection(s.socket, s.meta, cfg)
}

func (l *ActiveInternalListener) newConnection(socket ConnectionSocket, meta *DynamicMetadata, cfg ListenerConfig) {
	chain := cfg.FilterChainManager().FindFilterChain(socket, meta)
	if chain == nil {
		l.listenerStats.NoFilterChainMatch.Inc()
		_ = socket.Close()
		l.numConnections.Add(-1)
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
			l.numConnections.Add(-1)
			return
		}
		wrapped = conn
	}

	now := l.disp.TimeSource()()
	ac := &ActiveConnection{conn: wrapped, chain: chain, meta: meta, startedAt: now, closedHook: l.removeConnection}
	bucket := l.buckets.getOrCreate(chain)
	bucket.add(ac)
	l.finishNewConnection()
}

func (l *ActiveInternalListener) finishNewConnection() {
	l.handler.IncNumConnections()
	l.listenerStats.DownstreamCxTotal.Inc()
	l.listenerStats.DownstreamCxActive.Inc()
	l.perHandler.DownstreamCxTotal.Inc()
	l.perHandler.DownstreamCxActive.Inc()
}

func (l *ActiveInternalListener) removeConnection(conn *ActiveConnection) {
	now := l.disp.TimeSource()()
	l.listenerStats.DownstreamCxLengthMs.Record(conn.lengthMillis(now))
	l.listenerStats.DownstreamCxDestroy.Inc()
	l.listenerStats.DownstreamCxActive.Dec()
	l.perHandler.DownstreamCxActive.Dec()

	bucket := conn.bucket
	bucket.remove(conn)
	l.numConnections.Add(-1)
	l.handler.DecNumConnections()

	l.disp.DeferredDelete(func() { l.finishConnectionRemoval(bucket) })
}

func (l *ActiveInternalListener) finishConnectionRemoval(bucket *FilterChainBucket) {
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

func (l *ActiveInternalListener) checkDrainWaiters() {
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
			l.disp.Post(w.completion)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.drainWaiters = remaining
}

func (l *ActiveInternalListener) removeFilterChains(chains []FilterChain, completion func()) {
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

// shutdown unregisters this listener's id and force-closes everything it
// owns.
func (l *ActiveInternalListener) shutdown() {
	l.deleting = true
	if l.registered {
		l.disp.UnregisterInternalListener(l.id)
		l.registered = false
	}
	for s := range l.sockets {
		s.destroy()
	}
	for _, bucket := range l.buckets.byChain {
		for _, conn := range bucket.snapshot() {
			_ = conn.Close()
		}
	}
}
