package network

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"l4relay/internal/dispatcher"
	"l4relay/internal/logging"
)

// UDPPacketWriter is the write half handed to a UDPReadFilter, so the
// filter can reply without holding the raw net.PacketConn itself.
type UDPPacketWriter interface {
	WriteTo(data []byte, to net.Addr) (int, error)
}

// UDPReadFilter is the one read filter an ActiveRawUdpListener owns.
type UDPReadFilter interface {
	OnData(data []byte, from net.Addr, writer UDPPacketWriter)
}

// UDPRouter lets a multi-worker deployment decide which worker should
// handle a given source address's packets, routing to it via post if it
// differs from the worker that actually read the packet off the wire. A
// nil router (the default) always processes locally — the single-worker
// baseline case the spec treats as sufficient for UDP parity.
type UDPRouter interface {
	RouteWorker(from net.Addr) int
	CurrentWorker() int
	PostToWorker(worker int, fn func())
}

// ActiveRawUdpListener is the UDP listener baseline: one accepting
// net.PacketConn, one read filter, one packet writer. It has no
// pre-connection pipeline or per-connection accounting — UDP is addressed
// here only at the surface needed for handler parity with TCP and internal
// listeners (§4.5), not as a stateful L4 session layer.
type ActiveRawUdpListener struct {
	disp   dispatcher.Dispatcher
	log    logging.Logger
	tag    uint64
	pc     net.PacketConn
	filter UDPReadFilter
	router UDPRouter
	stop   chan struct{}
}

func newActiveRawUdpListener(disp dispatcher.Dispatcher, tag uint64, pc net.PacketConn, filter UDPReadFilter, router UDPRouter, log logging.Logger) *ActiveRawUdpListener {
	return &ActiveRawUdpListener{
		disp:   disp,
		log:    log,
		tag:    tag,
		pc:     pc,
		filter: filter,
		router: router,
		stop:   make(chan struct{}),
	}
}

// serve runs the blocking read loop; call it in its own goroutine.
func (l *ActiveRawUdpListener) serve() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.disp.Post(func() { l.onData(data, addr) })
	}
}

func (l *ActiveRawUdpListener) onData(data []byte, from net.Addr) {
	if l.filter == nil {
		return
	}
	if l.router != nil {
		target := l.router.RouteWorker(from)
		if target != l.router.CurrentWorker() {
			l.router.PostToWorker(target, func() {
				if l.filter != nil {
					l.filter.OnData(data, from, l)
				}
			})
			return
		}
	}
	l.filter.OnData(data, from, l)
}

// WriteTo implements UDPPacketWriter.
func (l *ActiveRawUdpListener) WriteTo(data []byte, to net.Addr) (int, error) {
	return l.pc.WriteTo(data, to)
}

// shutdownListener releases the read filter before the listener, since the
// filter may reference the listener during its own teardown.
func (l *ActiveRawUdpListener) shutdownListener() {
	l.filter = nil
	close(l.stop)
	_ = l.pc.Close()
}

// ListenUDPReusePort opens a UDP socket with SO_REUSEPORT set, so that
// multiple workers can each own an independent kernel-balanced socket
// bound to the same address — the Go-native equivalent of the kernel-level
// SO_REUSEPORT balancing this layer's UDP listener already assumes.
func ListenUDPReusePort(ctx context.Context, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var setErr error
			if err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return setErr
		},
	}
	return lc.ListenPacket(ctx, "udp", address)
}
