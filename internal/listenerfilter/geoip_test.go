package listenerfilter_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"l4relay/internal/listenerfilter"
	"l4relay/internal/network"
)

func TestOpenGeoIPDatabase_InvalidPath(t *testing.T) {
	_, err := listenerfilter.OpenGeoIPDatabase("/nonexistent/country.mmdb", "")
	require.Error(t, err)
}

func TestGeoIP_OnAccept_NilDatabaseContinuesWithoutMetadata(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	factory := listenerfilter.NewGeoIPFactory(nil)
	filter := factory.NewFilter()

	cb := newFakeCallbacks(server)
	status := filter.OnAccept(context.Background(), cb)
	require.Equal(t, network.FilterContinue, status)
	require.Equal(t, "", cb.meta.Get(listenerfilter.CountryMetadataKey))
}
