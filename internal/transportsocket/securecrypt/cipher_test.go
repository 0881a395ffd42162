package securecrypt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"l4relay/internal/transportsocket/securecrypt"
)

func TestCipher_EncryptDecryptRoundTrip(t *testing.T) {
	cipher, err := securecrypt.NewCipher("test-passphrase")
	require.NoError(t, err)

	plaintext := []byte("hello over the wire")
	sealed, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := cipher.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestCipher_DecryptRejectsTamperedFrame(t *testing.T) {
	cipher, err := securecrypt.NewCipher("test-passphrase")
	require.NoError(t, err)

	sealed, err := cipher.Encrypt([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = cipher.Decrypt(sealed)
	require.Error(t, err)
}

func TestCipher_DifferentPassphrasesCannotCrossDecrypt(t *testing.T) {
	a, err := securecrypt.NewCipher("passphrase-a")
	require.NoError(t, err)
	b, err := securecrypt.NewCipher("passphrase-b")
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	require.Error(t, err)
}
