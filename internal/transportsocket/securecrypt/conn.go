package securecrypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxFramePlaintext bounds a single frame's plaintext so its sealed form
// (nonce + ciphertext + Poly1305 tag) always fits the 2-byte length prefix.
const maxFramePlaintext = 16 * 1024

// conn wraps a net.Conn in the length-prefixed, per-frame-encrypted framing
// the teacher lineage uses for its remote tunnel: a 2-byte big-endian length
// header followed by that many bytes of Cipher-sealed ciphertext.
type conn struct {
	net.Conn
	cipher  *Cipher
	pending bytes.Buffer
}

// newConn wraps raw in the securecrypt frame protocol.
func newConn(raw net.Conn, cipher *Cipher) *conn {
	return &conn{Conn: raw, cipher: cipher}
}

func (c *conn) Read(p []byte) (int, error) {
	if c.pending.Len() == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	return c.pending.Read(p)
}

func (c *conn) readFrame() error {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(c.Conn, lenBuf); err != nil {
		return err
	}
	sealedLen := binary.BigEndian.Uint16(lenBuf)
	sealed := make([]byte, sealedLen)
	if _, err := io.ReadFull(c.Conn, sealed); err != nil {
		return err
	}
	plaintext, err := c.cipher.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("securecrypt: %w", err)
	}
	c.pending.Write(plaintext)
	return nil
}

func (c *conn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFramePlaintext {
			chunk = chunk[:maxFramePlaintext]
		}
		sealed, err := c.cipher.Encrypt(chunk)
		if err != nil {
			return written, fmt.Errorf("securecrypt: %w", err)
		}
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(sealed)))
		if _, err := c.Conn.Write(lenBuf); err != nil {
			return written, err
		}
		if _, err := c.Conn.Write(sealed); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

var _ net.Conn = (*conn)(nil)
