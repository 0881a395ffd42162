package network

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"l4relay/internal/logging"
)

// ErrDuplicateListenerTag is returned by AddListener when cfg's tag collides
// with an already-active listener and overriddenTag was not given (or named
// a different, nonexistent listener) — per §7 a fatal programming error, not
// a retryable condition.
var ErrDuplicateListenerTag = fmt.Errorf("network: duplicate listener tag")

// listenerEntry is ConnectionHandler's bookkeeping record for one active
// listener: exactly one of tcp/internal/udp is non-nil, selected by kind.
type listenerEntry struct {
	tag      uint64
	kind     ListenerKind
	cfg      ListenerConfig
	tcp      *ActiveTcpListener
	internal *ActiveInternalListener
	udp      *ActiveRawUdpListener
}

// ConnectionHandler owns every active listener bound to one worker thread —
// the per-worker control surface a dispatcher.Loop (or dispatcher.Fake, in
// tests) drives. It is the handler-global accounting point: the one place
// that increments/decrements the across-all-listeners connection count and
// enforces the handler-global connection limiter, both independent of any
// one listener's own per-listener count and limiter (§3, §5).
type ConnectionHandler struct {
	disp          Dispatcher
	log           logging.Logger
	workerIndex   int
	globalLimiter ConnectionLimiter
	factory       ListenerFactory
	statPrefix    string

	listeners      []*listenerEntry
	numConnections atomic.Int64
	disabled       bool
}

// NewConnectionHandler constructs a handler for one worker. globalLimiter
// may be nil, in which case admission is never refused on handler-global
// grounds (Unlimited()). factory may be nil, in which case real kernel
// sockets are opened (DefaultListenerFactory()).
func NewConnectionHandler(disp Dispatcher, workerIndex int, globalLimiter ConnectionLimiter, factory ListenerFactory, statPrefix string, log logging.Logger) *ConnectionHandler {
	if globalLimiter == nil {
		globalLimiter = Unlimited()
	}
	if factory == nil {
		factory = DefaultListenerFactory()
	}
	return &ConnectionHandler{
		disp:          disp,
		log:           log,
		workerIndex:   workerIndex,
		globalLimiter: globalLimiter,
		factory:       factory,
		statPrefix:    statPrefix,
	}
}

func (h *ConnectionHandler) WorkerIndex() int   { return h.workerIndex }
func (h *ConnectionHandler) StatPrefix() string { return h.statPrefix }

func (h *ConnectionHandler) NumConnections() int64 { return h.numConnections.Load() }
func (h *ConnectionHandler) IncNumConnections()    { h.numConnections.Add(1) }
func (h *ConnectionHandler) DecNumConnections()    { h.numConnections.Add(-1) }

func (h *ConnectionHandler) find(tag uint64) *listenerEntry {
	for _, e := range h.listeners {
		if e.tag == tag {
			return e
		}
	}
	return nil
}

// AddListener builds and starts a listener from cfg. If overriddenTag is
// non-nil and names an already-active listener, that listener is replaced
// in place (hot reload: accepting source, in-flight sockets, buckets, and
// counters all survive; only cfg itself changes, per §4.1.1). Otherwise cfg
// is appended as a new listener, and a tag collision with an existing
// listener is reported via ErrDuplicateListenerTag rather than silently
// replacing it.
func (h *ConnectionHandler) AddListener(overriddenTag *uint64, cfg ListenerConfig) error {
	if overriddenTag != nil {
		if e := h.find(*overriddenTag); e != nil {
			return h.hotReplace(e, cfg)
		}
	}
	tag := cfg.ListenerTag()
	if e := h.find(tag); e != nil {
		return fmt.Errorf("%w: tag %d", ErrDuplicateListenerTag, tag)
	}

	entry, err := h.build(cfg)
	if err != nil {
		return err
	}
	h.listeners = append(h.listeners, entry)
	if h.disabled && entry.kind == ListenerKindTCP {
		entry.tcp.paused = true
	}
	h.startEntry(entry)
	return nil
}

func (h *ConnectionHandler) build(cfg ListenerConfig) (*listenerEntry, error) {
	entry := &listenerEntry{tag: cfg.ListenerTag(), kind: cfg.Kind(), cfg: cfg}
	switch cfg.Kind() {
	case ListenerKindTCP:
		ln, err := h.factory.ListenTCP(cfg)
		if err != nil {
			return nil, fmt.Errorf("network: listen tcp %s: %w", cfg.Address(), err)
		}
		entry.tcp = newActiveTcpListener(h, cfg, ln, h.log)
	case ListenerKindInternal:
		il, err := newActiveInternalListener(h, cfg.InternalID(), cfg, h.log)
		if err != nil {
			return nil, err
		}
		entry.internal = il
	case ListenerKindUDP:
		pc, err := h.factory.ListenUDP(cfg)
		if err != nil {
			return nil, fmt.Errorf("network: listen udp %s: %w", cfg.Address(), err)
		}
		entry.udp = newActiveRawUdpListener(h.disp, cfg.ListenerTag(), pc, nil, nil, h.log)
	default:
		return nil, fmt.Errorf("network: unknown listener kind %v", cfg.Kind())
	}
	return entry, nil
}

func (h *ConnectionHandler) hotReplace(e *listenerEntry, cfg ListenerConfig) error {
	if cfg.Kind() != e.kind {
		return fmt.Errorf("network: cannot hot-replace listener tag %d: kind changed from %s to %s", e.tag, e.kind, cfg.Kind())
	}
	switch e.kind {
	case ListenerKindTCP:
		e.tcp.updateConfig(cfg)
	case ListenerKindInternal:
		e.internal.updateConfig(cfg)
	default:
		return fmt.Errorf("network: hot-replace unsupported for listener kind %s", e.kind)
	}
	e.cfg = cfg
	e.tag = cfg.ListenerTag()
	return nil
}

func (h *ConnectionHandler) startEntry(e *listenerEntry) {
	switch e.kind {
	case ListenerKindTCP:
		go e.tcp.serve()
	case ListenerKindUDP:
		go e.udp.serve()
	case ListenerKindInternal:
		// already registered with the dispatcher by newActiveInternalListener
	}
}

func (h *ConnectionHandler) stopAccepting(e *listenerEntry) {
	switch e.kind {
	case ListenerKindTCP:
		e.tcp.stopServing()
	case ListenerKindInternal:
		if e.internal.registered {
			h.disp.UnregisterInternalListener(e.internal.id)
			e.internal.registered = false
		}
	case ListenerKindUDP:
		e.udp.shutdownListener()
	}
}

// RemoveListeners releases the accepting source of every listener tagged
// tag and detaches it from this handler's bookkeeping. In-flight
// ActiveSockets and ActiveConnections it already owns continue to
// completion on their own: they hold no reference back through h.listeners,
// only through the closures the listener itself created.
func (h *ConnectionHandler) RemoveListeners(tag uint64) {
	kept := h.listeners[:0]
	for _, e := range h.listeners {
		if e.tag != tag {
			kept = append(kept, e)
			continue
		}
		h.stopAccepting(e)
	}
	h.listeners = kept
}

// StopListeners stops accepting on every listener tagged tag without
// detaching it from the handler: existing connections are unaffected, and
// NumConnections/GetUDPListenerCallbacks keep working against it.
func (h *ConnectionHandler) StopListeners(tag uint64) {
	for _, e := range h.listeners {
		if e.tag == tag {
			h.stopAccepting(e)
		}
	}
}

// StopAllListeners stops accepting on every listener this handler owns.
func (h *ConnectionHandler) StopAllListeners() {
	for _, e := range h.listeners {
		h.stopAccepting(e)
	}
}

// DisableListeners sets the handler sticky-disabled: every current and
// future TCP listener closes newly accepted sockets immediately rather than
// running the filter pipeline. Internal listeners may not refuse peers, so
// each one present reports ErrInternalListenerEnableDisableUnsupported; the
// errors are joined and returned, but TCP listeners are still disabled.
func (h *ConnectionHandler) DisableListeners() error {
	h.disabled = true
	var errs []error
	for _, e := range h.listeners {
		switch e.kind {
		case ListenerKindTCP:
			e.tcp.paused = true
		case ListenerKindInternal:
			if err := e.internal.PauseListening(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// EnableListeners reverses DisableListeners.
func (h *ConnectionHandler) EnableListeners() error {
	h.disabled = false
	var errs []error
	for _, e := range h.listeners {
		switch e.kind {
		case ListenerKindTCP:
			e.tcp.paused = false
		case ListenerKindInternal:
			if err := e.internal.ResumeListening(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RemoveFilterChains forwards to every listener tagged tag, and invokes
// completion once every one of them has finished draining the named
// chains. completion is always posted through the dispatcher, never
// invoked inline, even when no listener matches tag or every targeted
// bucket was already empty.
func (h *ConnectionHandler) RemoveFilterChains(tag uint64, chains []FilterChain, completion func()) {
	var matched []*listenerEntry
	for _, e := range h.listeners {
		if e.tag == tag {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		h.disp.Post(completion)
		return
	}

	pending := len(matched)
	done := func() {
		pending--
		if pending == 0 {
			completion()
		}
	}
	for _, e := range matched {
		switch e.kind {
		case ListenerKindTCP:
			e.tcp.removeFilterChains(chains, done)
		case ListenerKindInternal:
			e.internal.removeFilterChains(chains, done)
		default:
			h.disp.Post(done)
		}
	}
}

// GetUDPListenerCallbacks returns the UDP listener tagged tag, if one
// exists. AddListener builds UDP listeners with a nil UDPReadFilter and a
// nil UDPRouter, and ActiveRawUdpListener has no method to install either,
// so such a listener drops every datagram it reads.
func (h *ConnectionHandler) GetUDPListenerCallbacks(tag uint64) (*ActiveRawUdpListener, bool) {
	e := h.find(tag)
	if e == nil || e.kind != ListenerKindUDP {
		return nil, false
	}
	return e.udp, true
}

// FindListenerConfig implements the by-address lookup of §4.1.2: an exact
// host:port match wins; failing that, a listener bound to an any-address
// wildcard (0.0.0.0 or ::) on the same port matches any concrete address on
// that port.
func (h *ConnectionHandler) FindListenerConfig(addr net.Addr) (ListenerConfig, bool) {
	host, port := splitHostPort(addr)
	var wildcard ListenerConfig
	for _, e := range h.listeners {
		a := e.cfg.Address()
		if a == nil {
			continue
		}
		eh, ep := splitHostPort(a)
		if ep != port {
			continue
		}
		if eh == host {
			return e.cfg, true
		}
		if wildcard == nil && isWildcardHost(eh) {
			wildcard = e.cfg
		}
	}
	if wildcard != nil {
		return wildcard, true
	}
	return nil, false
}

func splitHostPort(addr net.Addr) (host, port string) {
	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return h, p
}

func isWildcardHost(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// Close stops accepting and force-closes every in-flight socket and
// connection on every listener this handler owns — the drastic variant
// used only for full worker teardown, never for the ordinary
// remove/stop-listener control paths above.
func (h *ConnectionHandler) Close() {
	for _, e := range h.listeners {
		switch e.kind {
		case ListenerKindTCP:
			e.tcp.shutdown()
		case ListenerKindInternal:
			e.internal.shutdown()
		case ListenerKindUDP:
			e.udp.shutdownListener()
		}
	}
	h.listeners = nil
}
