// Package muxinternal bridges a multiplexed (smux) L4 session into the
// dispatcher's internal-listener registry: every logical stream a session
// accepts becomes its own socket handed to a named internal listener,
// rather than requiring a second network hop.
package muxinternal

import (
	"context"
	"time"

	"github.com/xtaci/smux"

	"l4relay/internal/dispatcher"
	"l4relay/internal/network"
)

// bridgeFactory builds a fresh MuxBridge per accepted socket; the bridge
// itself holds no state beyond its target, so a factory exists only to
// satisfy ListenerFilterFactory's contract uniformly with the other
// listener filters.
type bridgeFactory struct {
	disp     dispatcher.Dispatcher
	targetID string
}

// NewMuxBridgeFactory returns a ListenerFilterFactory whose filters
// terminate an smux session on the accepted socket and feed every stream
// it yields to the internal listener registered as targetID.
func NewMuxBridgeFactory(disp dispatcher.Dispatcher, targetID string) network.ListenerFilterFactory {
	return bridgeFactory{disp: disp, targetID: targetID}
}

func (f bridgeFactory) Name() string                          { return "mux_bridge" }
func (f bridgeFactory) Matcher() network.ListenerFilterMatcher { return nil }
func (f bridgeFactory) NewFilter() network.ListenerFilter {
	return &MuxBridge{disp: f.disp, targetID: f.targetID}
}

// MuxBridge is a listener filter that never lets its own accepted socket
// become a connection: it hands the whole socket to smux.Server and spends
// the rest of its life feeding accepted streams to the target internal
// listener, aborting its own pre-connection socket (ContinueFilterChain(false))
// only once the session itself ends.
type MuxBridge struct {
	disp     dispatcher.Dispatcher
	targetID string
}

func (m *MuxBridge) OnAccept(_ context.Context, cb network.ListenerFilterCallbacks) network.FilterStatus {
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	cfg.KeepAliveInterval = 10 * time.Second
	cfg.KeepAliveTimeout = 30 * time.Second

	go func() {
		session, err := smux.Server(cb.Socket(), cfg)
		if err != nil {
			cb.Post(func() { cb.ContinueFilterChain(false) })
			return
		}
		defer session.Close()

		meta := cb.DynamicMetadata()
		for {
			stream, err := session.AcceptStream()
			if err != nil {
				break
			}
			go m.handleStream(stream, meta)
		}
		cb.Post(func() { cb.ContinueFilterChain(false) })
	}()
	return network.FilterStopIteration
}

// handleStream adapts one accepted logical stream to a network.ConnectionSocket
// and hands it to the target internal listener via the dispatcher's
// registry. The dispatch itself runs on the dispatcher goroutine (via Post),
// since DispatchInternal ultimately mutates state on the target listener
// that is not safe to touch from this stream-accepting goroutine.
func (m *MuxBridge) handleStream(stream *smux.Stream, meta *network.DynamicMetadata) {
	socket := network.WrapConn(stream)
	m.disp.Post(func() {
		if err := m.disp.DispatchInternal(m.targetID, socket, meta); err != nil {
			_ = socket.Close()
		}
	})
}
