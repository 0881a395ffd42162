package network

import (
	"context"
	"net"
)

// ListenerFactory opens the kernel-level accepting source for a TCP or UDP
// ListenerConfig. It exists as an interface (rather than a direct net.Listen
// call in the handler) so tests can substitute an in-memory source and run
// the whole accept-to-connection path without binding real sockets.
type ListenerFactory interface {
	ListenTCP(cfg ListenerConfig) (net.Listener, error)
	ListenUDP(cfg ListenerConfig) (net.PacketConn, error)
}

type kernelListenerFactory struct{}

// DefaultListenerFactory opens real kernel sockets: net.Listen for TCP, and
// ListenUDPReusePort or net.ListenPacket for UDP depending on cfg.ReusePort.
func DefaultListenerFactory() ListenerFactory { return kernelListenerFactory{} }

func (kernelListenerFactory) ListenTCP(cfg ListenerConfig) (net.Listener, error) {
	return net.Listen("tcp", cfg.Address().String())
}

func (kernelListenerFactory) ListenUDP(cfg ListenerConfig) (net.PacketConn, error) {
	if cfg.ReusePort() {
		return ListenUDPReusePort(context.Background(), cfg.Address().String())
	}
	return net.ListenPacket("udp", cfg.Address().String())
}
