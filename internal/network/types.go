// Package network is the core of this module: the per-worker connection
// handler that owns active listeners, runs the pre-connection listener
// filter pipeline on every accepted socket, selects a filter chain, and
// accounts for the resulting connection's lifecycle.
package network

import (
	"bytes"
	"context"
	"net"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"l4relay/internal/dispatcher"
	"l4relay/internal/stats"
)

// ConnectionSocket is the accepted, not-yet-classified socket handed to a
// listener's accept entry point. It is also what a listener filter
// manipulates while the pre-connection pipeline runs.
type ConnectionSocket interface {
	net.Conn

	// LocalAddress/RemoteAddress mirror net.Conn's Local/RemoteAddr but are
	// named distinctly because filters read them as metadata inputs, not as
	// raw net.Conn plumbing.
	LocalAddress() net.Addr
	RemoteAddress() net.Addr

	// Peek returns up to the next n bytes of the stream without consuming
	// them (see connSocket.Peek for how many it may return): a later Read (by a later filter, or by the eventual connection) sees
	// them again first. This is the Go-native stand-in for the original's
	// raw-socket MSG_PEEK recv, which listener filters like SNI use to
	// inspect a TLS ClientHello before any transport socket exists.
	Peek(n int) ([]byte, error)
}

// connSocket adapts a plain net.Conn to ConnectionSocket, buffering any
// bytes read ahead by Peek so a subsequent Read replays them first.
type connSocket struct {
	net.Conn
	peeked bytes.Buffer
}

// WrapConn adapts any net.Conn (a *net.TCPConn, a websocket-backed
// net.Conn from internal/wsrelay, an smux.Stream from internal/muxinternal)
// into a ConnectionSocket.
func WrapConn(c net.Conn) ConnectionSocket { return &connSocket{Conn: c} }

func (c *connSocket) LocalAddress() net.Addr  { return c.Conn.LocalAddr() }
func (c *connSocket) RemoteAddress() net.Addr { return c.Conn.RemoteAddr() }

// Peek performs at most one underlying Read beyond whatever is already
// buffered, then returns up to n bytes of whatever has accumulated. It does
// not block trying to fill the full n bytes: a TLS ClientHello typically
// arrives as a single flight, so one Read is normally enough to see it, and
// a Peek that insisted on exactly n bytes would hang forever against a
// client that never sends that much.
func (c *connSocket) Peek(n int) ([]byte, error) {
	if c.peeked.Len() < n {
		tmp := make([]byte, n-c.peeked.Len())
		m, err := c.Conn.Read(tmp)
		if m > 0 {
			c.peeked.Write(tmp[:m])
		}
		if err != nil && c.peeked.Len() == 0 {
			return nil, err
		}
	}
	avail := c.peeked.Len()
	if avail > n {
		avail = n
	}
	out := make([]byte, avail)
	copy(out, c.peeked.Bytes()[:avail])
	return out, nil
}

// Read drains any buffered peeked bytes before falling through to the
// underlying connection, so peeking never loses data for later readers.
func (c *connSocket) Read(b []byte) (int, error) {
	if c.peeked.Len() > 0 {
		return c.peeked.Read(b)
	}
	return c.Conn.Read(b)
}

// DynamicMetadata is the pre-connection stream-info metadata bag filters
// read and write. Represented as a structpb.Struct to mirror the wire shape
// of the system this design is distilled from.
type DynamicMetadata struct{ s *structpb.Struct }

// NewDynamicMetadata returns an empty metadata bag.
func NewDynamicMetadata() *DynamicMetadata {
	return &DynamicMetadata{s: &structpb.Struct{Fields: make(map[string]*structpb.Value)}}
}

// Set stores a string value under key, visible to subsequent filters and to
// the eventual connection.
func (m *DynamicMetadata) Set(key, value string) {
	m.s.Fields[key] = structpb.NewStringValue(value)
}

// Get returns the string value stored under key, or "" if absent or not a
// string.
func (m *DynamicMetadata) Get(key string) string {
	v, ok := m.s.Fields[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// Merge copies every field of other into m, overwriting on key collision.
func (m *DynamicMetadata) Merge(other *DynamicMetadata) {
	if other == nil {
		return
	}
	for k, v := range other.s.Fields {
		m.s.Fields[k] = v
	}
}

// Struct exposes the underlying structpb.Struct, e.g. for attaching to a
// connection's stream info once it is created.
func (m *DynamicMetadata) Struct() *structpb.Struct { return m.s }

// FilterStatus is the result of one listener filter's onAccept call.
type FilterStatus int

const (
	// FilterContinue advances the cursor to the next filter immediately.
	FilterContinue FilterStatus = iota
	// FilterStopIteration suspends the pipeline on the current filter
	// until ContinueFilterChain is called or the timeout fires.
	FilterStopIteration
)

// ListenerFilterCallbacks is what a ListenerFilter is given to drive a
// suspended pipeline and to read/write metadata.
type ListenerFilterCallbacks interface {
	// Socket is the raw accepted socket the filter may peek or manipulate.
	Socket() ConnectionSocket
	// DynamicMetadata is the pre-connection metadata bag.
	DynamicMetadata() *DynamicMetadata
	// ContinueFilterChain resumes a suspended pipeline. success=false
	// destroys the ActiveSocket; the socket is closed without a connection
	// ever being created.
	ContinueFilterChain(success bool)
	// Post schedules fn to run later on this socket's owning dispatcher
	// goroutine. A filter that does blocking work (a peek read, a lookup)
	// on a separate goroutine must hand its result back through Post rather
	// than calling ContinueFilterChain or touching DynamicMetadata directly
	// from that goroutine, since neither is safe to touch off-loop.
	Post(fn func())
	// ReplaceSocket swaps the socket every later filter (and the eventual
	// connection) sees. A filter that terminates a framing protocol on the
	// raw bytes — a WebSocket upgrade is the concrete case wsrelay uses
	// this for — hands back a new ConnectionSocket wrapping the decoded
	// stream in place of the raw one.
	ReplaceSocket(ConnectionSocket)
}

// ListenerFilter inspects (and may suspend on) a raw accepted socket before
// a connection object exists.
type ListenerFilter interface {
	// OnAccept runs the filter. If it returns FilterStopIteration, the
	// filter itself is responsible for eventually calling
	// cb.ContinueFilterChain.
	OnAccept(ctx context.Context, cb ListenerFilterCallbacks) FilterStatus
}

// ListenerFilterMatcher decides whether a filter should run against a given
// socket; nil means "always run".
type ListenerFilterMatcher interface {
	Matches(socket ConnectionSocket) bool
}

// FilterWrapper pairs a listener filter with its (optional) matcher, the
// unit the pipeline actually iterates over.
type FilterWrapper struct {
	Name    string
	Matcher ListenerFilterMatcher
	Filter  ListenerFilter
}

// ListenerFilterFactory builds a fresh FilterWrapper for one accepted
// socket; filters that hold per-socket state (e.g. a byte buffer) must not
// be shared across sockets.
type ListenerFilterFactory interface {
	Name() string
	NewFilter() ListenerFilter
	Matcher() ListenerFilterMatcher
}

// TransportSocketFactory builds the transport wrapper (encryption, framing)
// applied to a socket once a filter chain has been selected for it.
type TransportSocketFactory interface {
	NewTransportSocket(conn ConnectionSocket) (net.Conn, error)
}

// FilterChain is a selected, immutable L4 pipeline: a transport socket
// factory plus whatever else a connection needs once instantiated.
type FilterChain interface {
	Name() string
	TransportSocketFactory() TransportSocketFactory
}

// FilterChainManager selects a FilterChain for an accepted socket once the
// pre-connection pipeline completes, using whatever metadata the listener
// filters attached (SNI, GeoIP, ALPN, ...).
type FilterChainManager interface {
	FindFilterChain(socket ConnectionSocket, meta *DynamicMetadata) FilterChain
}

// ConnectionLimiter gates connection admission, used both as the handler's
// global limiter and as each listener's OpenConnections limiter.
type ConnectionLimiter interface {
	CanCreate() bool
	Inc()
	Dec()
}

// BalancedConnectionHandler is the cross-worker face of a TCP listener: the
// subset a ConnectionBalancer needs to rebalance an accepted socket onto a
// different worker.
type BalancedConnectionHandler interface {
	NumConnections() int64
	IncNumConnections()
	DecNumConnections()
	// Post hands socket to this handler's worker for onAcceptWorker to run
	// there; called from a different worker's goroutine, so it must reach
	// this handler's owning worker via its dispatcher.
	Post(socket ConnectionSocket, meta *DynamicMetadata)
}

// ConnectionBalancer picks which worker's handler should accept a given
// socket.
type ConnectionBalancer interface {
	// PickTargetHandler returns current to accept locally, or a different
	// registered handler to rebalance.
	PickTargetHandler(current BalancedConnectionHandler, socket ConnectionSocket) BalancedConnectionHandler
}

// ListenerKind discriminates which concrete Active*Listener AddListener
// constructs for a given ListenerConfig.
type ListenerKind int

const (
	ListenerKindTCP ListenerKind = iota
	ListenerKindInternal
	ListenerKindUDP
)

func (k ListenerKind) String() string {
	switch k {
	case ListenerKindTCP:
		return "tcp"
	case ListenerKindInternal:
		return "internal"
	case ListenerKindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ListenerConfig is the read-only (within one worker) configuration a
// listener is built from and consults on every accept.
type ListenerConfig interface {
	ListenerTag() uint64
	Kind() ListenerKind
	Address() net.Addr
	// InternalID names the internal-listener registry id; meaningful only
	// when Kind() == ListenerKindInternal.
	InternalID() string
	// ReusePort requests SO_REUSEPORT on the underlying UDP socket;
	// meaningful only when Kind() == ListenerKindUDP.
	ReusePort() bool
	FilterChainManager() FilterChainManager
	ListenerFilterFactories() []ListenerFilterFactory
	ListenerFiltersTimeout() time.Duration
	ContinueOnListenerFiltersTimeout() bool
	OpenConnections() ConnectionLimiter
	PerListenerBalancer() ConnectionBalancer
	StatsScope() stats.Scope
}

// InternalListenerCallbacks is what the muxinternal bridge (or any other
// internal-hand-off feeder) calls against a named internal listener.
type InternalListenerCallbacks interface {
	OnNewSocket(socket ConnectionSocket, meta *DynamicMetadata)
}

// Dispatcher is an alias for the full dispatcher.Dispatcher interface, so
// code in this package can name it without the package qualifier.
// ConnectionSocket satisfies dispatcher.Socket via net.Conn's Close.
type Dispatcher = dispatcher.Dispatcher
