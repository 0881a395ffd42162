package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"l4relay/internal/config"
)

func writeIni(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.ini")
	require.NoError(t, writeFile(path, contents))
	return path
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func TestLoad_ParsesListenersAndCommon(t *testing.T) {
	path := writeIni(t, `
[common]
crypt_key = example-passphrase

[listener.public]
address = 0.0.0.0:9443
protocol = tcp
timeout_seconds = 2.5
continue_on_timeout = true
filters = ws_upgrade, sni, geoip, mux_bridge
target = edge-mux

[listener.echo]
address = internal:echo
protocol = internal
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "example-passphrase", cfg.CryptKey)
	require.Len(t, cfg.Listeners, 2)

	public := cfg.Listeners[0]
	require.Equal(t, "public", public.Name)
	require.Equal(t, "0.0.0.0:9443", public.Address)
	require.Equal(t, "tcp", public.Protocol)
	require.Equal(t, 2500*time.Millisecond, public.Timeout)
	require.True(t, public.ContinueOnTimeout)
	require.Equal(t, []string{"ws_upgrade", "sni", "geoip", "mux_bridge"}, public.Filters)
	require.Equal(t, "edge-mux", public.Target)

	echo := cfg.Listeners[1]
	require.Equal(t, "internal", echo.Protocol)
}

func TestLoad_RejectsUnknownProtocol(t *testing.T) {
	path := writeIni(t, `
[listener.bad]
address = 0.0.0.0:1
protocol = sctp
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsNoListeners(t *testing.T) {
	path := writeIni(t, `[common]
crypt_key = x
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverridesCryptKeyAndPort(t *testing.T) {
	path := writeIni(t, `
[common]
crypt_key = from-file

[listener.public]
address = 0.0.0.0:9443
protocol = tcp
`)
	t.Setenv("CRYPT_KEY", "from-env")
	t.Setenv("LISTENER_PORT", "7000")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.CryptKey)
	require.Equal(t, "0.0.0.0:7000", cfg.Listeners[0].Address)
}
