package securecrypt

import (
	"net"

	"l4relay/internal/network"
)

// Factory builds a securecrypt-framed net.Conn over each accepted socket,
// satisfying network.TransportSocketFactory.
type Factory struct {
	cipher *Cipher
}

// NewFactory returns a TransportSocketFactory sealing every frame with a
// key derived from passphrase.
func NewFactory(passphrase string) (*Factory, error) {
	cipher, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}
	return &Factory{cipher: cipher}, nil
}

func (f *Factory) NewTransportSocket(socket network.ConnectionSocket) (net.Conn, error) {
	return newConn(socket, f.cipher), nil
}

var _ network.TransportSocketFactory = (*Factory)(nil)
