// Package listenerfilter holds concrete network.ListenerFilter
// implementations: inspection filters that run on an accepted socket before
// a filter chain is selected, attaching whatever they learn as dynamic
// metadata for FilterChainManager.FindFilterChain to match on.
package listenerfilter

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"l4relay/internal/network"
)

// sniPeekBytes bounds the single read SNI performs; a TLS ClientHello is
// comfortably smaller than this in the overwhelming majority of deployments
// (the pathological case — a ClientHello split across reads or padded past
// this — degrades to "no SNI observed", not a hang or a crash).
const sniPeekBytes = 8192

var errSNICaptured = errors.New("listenerfilter: sni captured, aborting handshake by design")

// SNIMetadataKey is the DynamicMetadata key SNI sets when a ClientHello's
// server_name extension is present.
const SNIMetadataKey = "tls.sni"

// sniFactory builds a fresh SNI filter per accepted socket. SNI itself is
// stateless, but a factory-per-socket keeps the shape identical to filters
// that do carry per-socket state, and matches ListenerFilterFactory's
// contract.
type sniFactory struct{}

// NewSNIFactory returns the factory for the SNI listener filter.
func NewSNIFactory() network.ListenerFilterFactory { return sniFactory{} }

func (sniFactory) Name() string                               { return "sni" }
func (sniFactory) Matcher() network.ListenerFilterMatcher      { return nil }
func (sniFactory) NewFilter() network.ListenerFilter           { return SNI{} }

// SNI peeks the accepted socket for a TLS ClientHello and, if the
// server_name extension is present, sets SNIMetadataKey. It never consumes
// the socket: Peek buffers what it reads, so the eventual transport socket
// still sees the full ClientHello during its own handshake.
//
// It works by running the stdlib TLS server handshake state machine against
// the peeked bytes with GetConfigForClient as the hook: that callback fires
// as soon as the ClientHello is parsed, before any certificate is selected
// or key exchange begins, so returning an error from it aborts the
// handshake immediately after SNI is known and before anything resembling
// a real TLS session exists.
type SNI struct{}

func (SNI) OnAccept(_ context.Context, cb network.ListenerFilterCallbacks) network.FilterStatus {
	socket := cb.Socket()
	go func() {
		raw, _ := socket.Peek(sniPeekBytes)
		serverName := parseSNI(raw)
		cb.Post(func() {
			if serverName != "" {
				cb.DynamicMetadata().Set(SNIMetadataKey, serverName)
			}
			cb.ContinueFilterChain(true)
		})
	}()
	return network.FilterStopIteration
}

func parseSNI(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var serverName string
	srv := tls.Server(&replayConn{r: bytes.NewReader(raw)}, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			serverName = hello.ServerName
			return nil, errSNICaptured
		},
	})
	_ = srv.Handshake()
	return serverName
}

// replayConn feeds a fixed byte slice to tls.Server as if it were a live
// connection, so the ClientHello parser inside crypto/tls can run against
// already-peeked bytes instead of a real socket.
type replayConn struct{ r *bytes.Reader }

func (c *replayConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *replayConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *replayConn) Close() error                { return nil }
func (c *replayConn) LocalAddr() net.Addr         { return nil }
func (c *replayConn) RemoteAddr() net.Addr        { return nil }
func (c *replayConn) SetDeadline(time.Time) error { return nil }
func (c *replayConn) SetReadDeadline(time.Time) error  { return nil }
func (c *replayConn) SetWriteDeadline(time.Time) error { return nil }
