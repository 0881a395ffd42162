package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"l4relay/internal/config"
	"l4relay/internal/dispatcher"
	"l4relay/internal/network"
)

func TestBuildListenerConfig_TCPWithFullFilterChain(t *testing.T) {
	disp := dispatcher.NewFake()
	spec := config.ListenerSpec{
		Name:     "public",
		Address:  "0.0.0.0:9443",
		Protocol: "tcp",
		Filters:  []string{"ws_upgrade", "sni", "geoip", "mux_bridge"},
		Target:   "edge-mux",
	}

	lc, err := buildListenerConfig(spec, disp, nil, nil, network.ConnectionBalancer(nil))
	require.NoError(t, err)
	require.Equal(t, network.ListenerKindTCP, lc.Kind())
	require.Equal(t, "0.0.0.0:9443", lc.Address().String())
	require.Len(t, lc.ListenerFilterFactories(), 4)
	require.NotNil(t, lc.FilterChainManager())
}

func TestBuildListenerConfig_InternalListener(t *testing.T) {
	disp := dispatcher.NewFake()
	spec := config.ListenerSpec{Name: "edge-mux", Address: "internal:edge-mux", Protocol: "internal"}

	lc, err := buildListenerConfig(spec, disp, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, network.ListenerKindInternal, lc.Kind())
	require.Equal(t, "edge-mux", lc.InternalID())
}

func TestBuildListenerConfig_MuxBridgeWithoutTargetFails(t *testing.T) {
	disp := dispatcher.NewFake()
	spec := config.ListenerSpec{Name: "public", Address: "0.0.0.0:1", Protocol: "tcp", Filters: []string{"mux_bridge"}}

	_, err := buildListenerConfig(spec, disp, nil, nil, nil)
	require.Error(t, err)
}

func TestBuildListenerConfig_UnknownFilterFails(t *testing.T) {
	disp := dispatcher.NewFake()
	spec := config.ListenerSpec{Name: "public", Address: "0.0.0.0:1", Protocol: "tcp", Filters: []string{"nope"}}

	_, err := buildListenerConfig(spec, disp, nil, nil, nil)
	require.Error(t, err)
}

func TestBuildListenerConfig_UnknownProtocolFails(t *testing.T) {
	disp := dispatcher.NewFake()
	spec := config.ListenerSpec{Name: "x", Address: "0.0.0.0:1", Protocol: "sctp"}

	_, err := buildListenerConfig(spec, disp, nil, nil, nil)
	require.Error(t, err)
}

func TestListenerTag_StableAcrossCalls(t *testing.T) {
	require.Equal(t, listenerTag("public"), listenerTag("public"))
	require.NotEqual(t, listenerTag("public"), listenerTag("edge-mux"))
}
