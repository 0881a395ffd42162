// Package securecrypt provides the XChaCha20-Poly1305 transport socket used
// by the sample filter chain: every frame written or read is independently
// sealed/opened with a random nonce, length-prefixed so the reader knows
// exactly how much ciphertext to expect.
package securecrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals and opens individual frames. It holds no per-connection
// state, so a single Cipher is safely shared by both directions of a
// connection.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an XChaCha20-Poly1305 key from passphrase via SHA-256.
// This is a placeholder KDF: a production deployment should derive the key
// with HKDF over a negotiated shared secret instead of hashing a static
// passphrase, but key agreement is out of scope for this transport layer.
func NewCipher(passphrase string) (*Cipher, error) {
	hash := sha256.Sum256([]byte(passphrase))
	aead, err := newChaCha20AEAD(hash[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func newChaCha20AEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

// Encrypt seals plaintext behind a freshly generated nonce, returned as a
// single nonce||ciphertext blob.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed frame shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	return plaintext, nil
}
