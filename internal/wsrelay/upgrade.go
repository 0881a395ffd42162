package wsrelay

import (
	"bufio"
	"context"
	"net"
	"net/http"

	"l4relay/internal/network"
)

// upgradePeekBytes bounds the single read Upgrade performs looking for an
// HTTP request line; real clients send the full request headers in one
// flight, so one bounded read is enough to recognize it or conclude it
// isn't HTTP at all.
const upgradePeekBytes = 4096

// upgradeFactory builds a fresh Upgrade filter per accepted socket.
type upgradeFactory struct{}

// NewUpgradeFactory returns the factory for the WebSocket-upgrade listener
// filter: it recognizes an inbound HTTP Upgrade request and replaces the
// raw socket with a wsrelay.Conn for every filter after it in the chain.
func NewUpgradeFactory() network.ListenerFilterFactory { return upgradeFactory{} }

func (upgradeFactory) Name() string                          { return "ws_upgrade" }
func (upgradeFactory) Matcher() network.ListenerFilterMatcher { return nil }
func (upgradeFactory) NewFilter() network.ListenerFilter      { return Upgrade{} }

// Upgrade peeks the accepted socket for an HTTP request line. If what it
// sees doesn't look like HTTP, it continues the chain with the socket
// untouched (a raw TCP client using the securecrypt framing directly, say).
// If it does, it parses the full request, performs the WebSocket
// handshake on the raw socket, and replaces the socket with the resulting
// wsrelay.Conn before continuing.
type Upgrade struct{}

func (Upgrade) OnAccept(_ context.Context, cb network.ListenerFilterCallbacks) network.FilterStatus {
	go func() {
		socket := cb.Socket()
		peeked, _ := socket.Peek(upgradePeekBytes)
		if !looksLikeHTTPRequest(peeked) {
			cb.Post(func() { cb.ContinueFilterChain(true) })
			return
		}

		// Peek never consumes bytes, so reading straight off the socket
		// (rather than off the peeked slice) sees the same request from
		// the top.
		reader := bufio.NewReader(socket)
		req, err := http.ReadRequest(reader)
		if err != nil {
			cb.Post(func() { cb.ContinueFilterChain(true) })
			return
		}

		ws, err := upgrader.Upgrade(hijack(socket, reader), req, nil)
		if err != nil {
			cb.Post(func() { cb.ContinueFilterChain(false) })
			return
		}

		cb.Post(func() {
			cb.ReplaceSocket(network.WrapConn(NewConn(ws)))
			cb.ContinueFilterChain(true)
		})
	}()
	return network.FilterStopIteration
}

func looksLikeHTTPRequest(b []byte) bool {
	for _, method := range []string{"GET ", "POST ", "PUT ", "HEAD "} {
		if len(b) >= len(method) && string(b[:len(method)]) == method {
			return true
		}
	}
	return false
}

// hijackedConn lets a network.ConnectionSocket stand in for an
// http.ResponseWriter with Hijack support, the trick websocket.Upgrader
// needs to take over a connection it didn't originate from net/http.
type hijackedConn struct {
	network.ConnectionSocket
	reader *bufio.Reader
}

func (h *hijackedConn) Header() http.Header { return http.Header{} }
func (h *hijackedConn) WriteHeader(int)     {}

func (h *hijackedConn) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.ConnectionSocket, bufio.NewReadWriter(h.reader, bufio.NewWriter(h.ConnectionSocket)), nil
}

func hijack(socket network.ConnectionSocket, reader *bufio.Reader) http.ResponseWriter {
	return &hijackedConn{ConnectionSocket: socket, reader: reader}
}
