package network_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"l4relay/internal/dispatcher"
	"l4relay/internal/network"
	"l4relay/internal/stats"
)

// --- test doubles ---

type stubAddr string

func (a stubAddr) Network() string { return "test" }
func (a stubAddr) String() string  { return string(a) }

// bufferedListener is a net.Listener a test drives by hand: push() hands it
// a connection, and waitAccepted() blocks until the listener's own accept
// loop has picked it up and posted onAccept to the dispatcher, so the test
// can then call Drain deterministically.
type bufferedListener struct {
	conns    chan net.Conn
	accepted chan struct{}
	closed   chan struct{}
	once     sync.Once
	addr     net.Addr
}

func newBufferedListener(addr net.Addr) *bufferedListener {
	return &bufferedListener{
		conns:    make(chan net.Conn),
		accepted: make(chan struct{}, 64),
		closed:   make(chan struct{}),
		addr:     addr,
	}
}

func (b *bufferedListener) Accept() (net.Conn, error) {
	select {
	case c := <-b.conns:
		b.accepted <- struct{}{}
		return c, nil
	case <-b.closed:
		return nil, net.ErrClosed
	}
}

func (b *bufferedListener) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *bufferedListener) Addr() net.Addr { return b.addr }

func (b *bufferedListener) push(c net.Conn) { b.conns <- c }

func (b *bufferedListener) waitAccepted(t *testing.T) {
	t.Helper()
	select {
	case <-b.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted pushed connection")
	}
}

type testFactory struct {
	tcp map[string]*bufferedListener
}

func newTestFactory() *testFactory { return &testFactory{tcp: make(map[string]*bufferedListener)} }

func (f *testFactory) ListenTCP(cfg network.ListenerConfig) (net.Listener, error) {
	addr := cfg.Address()
	ln := newBufferedListener(addr)
	f.tcp[addr.String()] = ln
	return ln, nil
}

func (f *testFactory) ListenUDP(cfg network.ListenerConfig) (net.PacketConn, error) {
	return nil, nil
}

type stubChain struct {
	name string
	tsf  network.TransportSocketFactory
}

func (c *stubChain) Name() string                                     { return c.name }
func (c *stubChain) TransportSocketFactory() network.TransportSocketFactory { return c.tsf }

type stubManager struct{ chain network.FilterChain }

func (m *stubManager) FindFilterChain(network.ConnectionSocket, *network.DynamicMetadata) network.FilterChain {
	return m.chain
}

type stubLimiter struct{ allow bool }

func (l *stubLimiter) CanCreate() bool { return l.allow }
func (l *stubLimiter) Inc()            {}
func (l *stubLimiter) Dec()            {}

type stubConfig struct {
	tag        uint64
	kind       network.ListenerKind
	addr       net.Addr
	internalID string
	reusePort  bool
	manager    network.FilterChainManager
	limiter    network.ConnectionLimiter
	scope      stats.Scope
}

func (c *stubConfig) ListenerTag() uint64                             { return c.tag }
func (c *stubConfig) Kind() network.ListenerKind                      { return c.kind }
func (c *stubConfig) Address() net.Addr                               { return c.addr }
func (c *stubConfig) InternalID() string                              { return c.internalID }
func (c *stubConfig) ReusePort() bool                                 { return c.reusePort }
func (c *stubConfig) FilterChainManager() network.FilterChainManager  { return c.manager }
func (c *stubConfig) ListenerFilterFactories() []network.ListenerFilterFactory {
	return nil
}
func (c *stubConfig) ListenerFiltersTimeout() time.Duration     { return 0 }
func (c *stubConfig) ContinueOnListenerFiltersTimeout() bool    { return false }
func (c *stubConfig) OpenConnections() network.ConnectionLimiter { return c.limiter }
func (c *stubConfig) PerListenerBalancer() network.ConnectionBalancer {
	return nil
}
func (c *stubConfig) StatsScope() stats.Scope { return c.scope }

func newTCPConfig(tag uint64, addr string, chain network.FilterChain) *stubConfig {
	return &stubConfig{
		tag:     tag,
		kind:    network.ListenerKindTCP,
		addr:    stubAddr(addr),
		manager: &stubManager{chain: chain},
		limiter: &stubLimiter{allow: true},
		scope:   stats.NewScope("test"),
	}
}

// --- tests ---

func TestConnectionHandler_AddListener_AcceptsThroughFilterChain(t *testing.T) {
	disp := dispatcher.NewFake()
	factory := newTestFactory()
	handler := network.NewConnectionHandler(disp, 0, nil, factory, "worker-0", nil)

	chain := &stubChain{name: "default"}
	cfg := newTCPConfig(1, "127.0.0.1:9000", chain)
	require.NoError(t, handler.AddListener(nil, cfg))

	ln := factory.tcp["127.0.0.1:9000"]
	require.NotNil(t, ln)

	client, server := net.Pipe()
	defer client.Close()
	ln.push(server)
	ln.waitAccepted(t)
	disp.Drain()

	require.Equal(t, int64(1), handler.NumConnections())
}

func TestConnectionHandler_AddListener_DuplicateTagRejected(t *testing.T) {
	disp := dispatcher.NewFake()
	factory := newTestFactory()
	handler := network.NewConnectionHandler(disp, 0, nil, factory, "worker-0", nil)

	chain := &stubChain{name: "default"}
	require.NoError(t, handler.AddListener(nil, newTCPConfig(1, "127.0.0.1:9001", chain)))
	err := handler.AddListener(nil, newTCPConfig(1, "127.0.0.1:9002", chain))
	require.ErrorIs(t, err, network.ErrDuplicateListenerTag)
}

func TestConnectionHandler_AddListener_HotReplacePreservesState(t *testing.T) {
	disp := dispatcher.NewFake()
	factory := newTestFactory()
	handler := network.NewConnectionHandler(disp, 0, nil, factory, "worker-0", nil)

	chain := &stubChain{name: "default"}
	cfg := newTCPConfig(1, "127.0.0.1:9003", chain)
	require.NoError(t, handler.AddListener(nil, cfg))

	ln := factory.tcp["127.0.0.1:9003"]
	client, server := net.Pipe()
	defer client.Close()
	ln.push(server)
	ln.waitAccepted(t)
	disp.Drain()
	require.Equal(t, int64(1), handler.NumConnections())

	replacement := newTCPConfig(1, "127.0.0.1:9003", chain)
	tag := uint64(1)
	require.NoError(t, handler.AddListener(&tag, replacement))

	// The original accepting source and in-flight connection survive the
	// hot replace: the handler-global count is unaffected.
	require.Equal(t, int64(1), handler.NumConnections())
}

func TestConnectionHandler_RemoveListeners_LeavesInFlightConnectionAlive(t *testing.T) {
	disp := dispatcher.NewFake()
	factory := newTestFactory()
	handler := network.NewConnectionHandler(disp, 0, nil, factory, "worker-0", nil)

	chain := &stubChain{name: "default"}
	cfg := newTCPConfig(1, "127.0.0.1:9004", chain)
	require.NoError(t, handler.AddListener(nil, cfg))

	ln := factory.tcp["127.0.0.1:9004"]
	client, server := net.Pipe()
	defer client.Close()
	ln.push(server)
	ln.waitAccepted(t)
	disp.Drain()
	require.Equal(t, int64(1), handler.NumConnections())

	handler.RemoveListeners(1)
	require.Equal(t, int64(1), handler.NumConnections(), "in-flight connection must survive listener removal")

	// The accepting source is gone: a further push would have nowhere to
	// land, so pushing again should not be attempted; instead confirm the
	// listener entry itself is gone from lookup.
	_, ok := handler.FindListenerConfig(stubAddr("127.0.0.1:9004"))
	require.False(t, ok)
}

func TestConnectionHandler_DisableListeners_ClosesNewSocketsWithoutFilterRun(t *testing.T) {
	disp := dispatcher.NewFake()
	factory := newTestFactory()
	handler := network.NewConnectionHandler(disp, 0, nil, factory, "worker-0", nil)

	chain := &stubChain{name: "default"}
	cfg := newTCPConfig(1, "127.0.0.1:9005", chain)
	require.NoError(t, handler.AddListener(nil, cfg))
	require.NoError(t, handler.DisableListeners())

	ln := factory.tcp["127.0.0.1:9005"]
	client, server := net.Pipe()
	defer client.Close()
	ln.push(server)
	ln.waitAccepted(t)
	disp.Drain()

	require.Equal(t, int64(0), handler.NumConnections())
}

func TestConnectionHandler_FindListenerConfig_WildcardFallback(t *testing.T) {
	disp := dispatcher.NewFake()
	factory := newTestFactory()
	handler := network.NewConnectionHandler(disp, 0, nil, factory, "worker-0", nil)

	chain := &stubChain{name: "default"}
	wildcard := newTCPConfig(1, "0.0.0.0:9006", chain)
	require.NoError(t, handler.AddListener(nil, wildcard))

	found, ok := handler.FindListenerConfig(stubAddr("10.0.0.5:9006"))
	require.True(t, ok)
	require.Equal(t, wildcard, found)

	_, ok = handler.FindListenerConfig(stubAddr("10.0.0.5:9999"))
	require.False(t, ok)
}

func TestConnectionHandler_GlobalLimiterRejectsBeforeFilterChain(t *testing.T) {
	disp := dispatcher.NewFake()
	factory := newTestFactory()
	handler := network.NewConnectionHandler(disp, 0, &stubLimiter{allow: false}, factory, "worker-0", nil)

	chain := &stubChain{name: "default"}
	cfg := newTCPConfig(1, "127.0.0.1:9007", chain)
	require.NoError(t, handler.AddListener(nil, cfg))

	ln := factory.tcp["127.0.0.1:9007"]
	client, server := net.Pipe()
	defer client.Close()
	ln.push(server)
	ln.waitAccepted(t)
	disp.Drain()

	require.Equal(t, int64(0), handler.NumConnections())
}
