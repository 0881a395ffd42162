package listenerfilter_test

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"l4relay/internal/listenerfilter"
	"l4relay/internal/network"
)

type fakeCallbacks struct {
	socket    network.ConnectionSocket
	meta      *network.DynamicMetadata
	continued chan bool
	posted    chan func()
}

func newFakeCallbacks(socket net.Conn) *fakeCallbacks {
	return &fakeCallbacks{
		socket:    network.WrapConn(socket),
		meta:      network.NewDynamicMetadata(),
		continued: make(chan bool, 1),
		posted:    make(chan func(), 1),
	}
}

func (f *fakeCallbacks) Socket() network.ConnectionSocket          { return f.socket }
func (f *fakeCallbacks) DynamicMetadata() *network.DynamicMetadata { return f.meta }
func (f *fakeCallbacks) ContinueFilterChain(success bool)          { f.continued <- success }
func (f *fakeCallbacks) Post(fn func())                            { f.posted <- fn }
func (f *fakeCallbacks) ReplaceSocket(socket network.ConnectionSocket) { f.socket = socket }

func TestSNI_OnAccept_ExtractsServerName(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	go func() {
		_ = tls.Client(client, &tls.Config{ServerName: "example.com", InsecureSkipVerify: true}).Handshake()
	}()

	cb := newFakeCallbacks(server)
	status := listenerfilter.SNI{}.OnAccept(context.Background(), cb)
	require.Equal(t, network.FilterStopIteration, status)

	select {
	case fn := <-cb.posted:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("SNI filter never posted its continuation")
	}

	select {
	case success := <-cb.continued:
		require.True(t, success)
	case <-time.After(time.Second):
		t.Fatal("continuation never called ContinueFilterChain")
	}

	require.Equal(t, "example.com", cb.meta.Get(listenerfilter.SNIMetadataKey))
}

func TestSNI_OnAccept_NoDataContinuesWithoutMetadata(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	// Closing client immediately makes the server-side Peek observe EOF
	// with nothing buffered: SNI must still continue the pipeline rather
	// than hang or abort the socket itself.
	_ = client.Close()

	cb := newFakeCallbacks(server)
	status := listenerfilter.SNI{}.OnAccept(context.Background(), cb)
	require.Equal(t, network.FilterStopIteration, status)

	select {
	case fn := <-cb.posted:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("SNI filter never posted its continuation")
	}

	success := <-cb.continued
	require.True(t, success)
	require.Equal(t, "", cb.meta.Get(listenerfilter.SNIMetadataKey))
}
