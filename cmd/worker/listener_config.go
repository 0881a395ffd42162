package main

import (
	"fmt"
	"hash/fnv"
	"net"
	"time"

	"l4relay/internal/config"
	"l4relay/internal/dispatcher"
	"l4relay/internal/listenerfilter"
	"l4relay/internal/muxinternal"
	"l4relay/internal/network"
	"l4relay/internal/stats"
	"l4relay/internal/wsrelay"
)

// listenerConfig adapts one config.ListenerSpec into network.ListenerConfig,
// the shape ConnectionHandler.AddListener requires. It is built once per
// worker per listener at startup; hot reload (re-running Load and calling
// AddListener with overriddenTag) would build a fresh one.
type listenerConfig struct {
	spec    config.ListenerSpec
	tag     uint64
	addr    net.Addr
	filters []network.ListenerFilterFactory
	chains  network.FilterChainManager
	limiter network.ConnectionLimiter
	balance network.ConnectionBalancer
	scope   stats.Scope
}

// listenerTag hashes a listener's name into a stable tag: the same name
// always yields the same tag across a hot-reload Load, which is what lets
// AddListener's overriddenTag path recognize "this is the same listener,
// reconfigured" rather than "this is a new one".
func listenerTag(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// buildListenerConfig resolves one spec into a listenerConfig, wiring its
// filter pipeline from the names in spec.Filters against the registry this
// process supports. disp is the worker's own dispatcher: a mux_bridge
// filter and the internal listener it dispatches into must share one, or
// DispatchInternal will never find a match.
func buildListenerConfig(spec config.ListenerSpec, disp dispatcher.Dispatcher, geoDB *listenerfilter.GeoIPDatabase, cryptFactory network.TransportSocketFactory, balance network.ConnectionBalancer) (*listenerConfig, error) {
	lc := &listenerConfig{
		spec:    spec,
		tag:     listenerTag(spec.Name),
		limiter: network.Unlimited(),
		balance: balance,
		scope:   stats.NewScope("listener." + spec.Name),
	}

	switch spec.Protocol {
	case "tcp":
		addr, err := net.ResolveTCPAddr("tcp", spec.Address)
		if err != nil {
			return nil, fmt.Errorf("worker: resolve tcp address %q: %w", spec.Address, err)
		}
		lc.addr = addr
	case "udp":
		addr, err := net.ResolveUDPAddr("udp", spec.Address)
		if err != nil {
			return nil, fmt.Errorf("worker: resolve udp address %q: %w", spec.Address, err)
		}
		lc.addr = addr
	case "internal":
		lc.addr = internalAddr("internal:" + spec.Name)
	default:
		return nil, fmt.Errorf("worker: unknown protocol %q", spec.Protocol)
	}

	for _, name := range spec.Filters {
		factory, err := resolveFilterFactory(name, spec, disp, geoDB)
		if err != nil {
			return nil, err
		}
		lc.filters = append(lc.filters, factory)
	}

	lc.chains = network.NewStaticChainManager(network.NewStaticChain(spec.Name, cryptFactory))
	return lc, nil
}

func resolveFilterFactory(name string, spec config.ListenerSpec, disp dispatcher.Dispatcher, geoDB *listenerfilter.GeoIPDatabase) (network.ListenerFilterFactory, error) {
	switch name {
	case "ws_upgrade":
		return wsrelay.NewUpgradeFactory(), nil
	case "sni":
		return listenerfilter.NewSNIFactory(), nil
	case "geoip":
		return listenerfilter.NewGeoIPFactory(geoDB), nil
	case "mux_bridge":
		if spec.Target == "" {
			return nil, fmt.Errorf("worker: listener %q: mux_bridge filter requires target", spec.Name)
		}
		return muxinternal.NewMuxBridgeFactory(disp, spec.Target), nil
	default:
		return nil, fmt.Errorf("worker: listener %q: unknown filter %q", spec.Name, name)
	}
}

// internalAddr satisfies ListenerConfig.Address for an internal listener,
// which has no kernel socket: it exists so log lines and FindListenerConfig
// have something stable to print and compare, never to actually dial.
type internalAddr string

func (a internalAddr) Network() string { return "internal" }
func (a internalAddr) String() string  { return string(a) }

func (lc *listenerConfig) ListenerTag() uint64 { return lc.tag }

func (lc *listenerConfig) Kind() network.ListenerKind {
	switch lc.spec.Protocol {
	case "tcp":
		return network.ListenerKindTCP
	case "udp":
		return network.ListenerKindUDP
	default:
		return network.ListenerKindInternal
	}
}

func (lc *listenerConfig) Address() net.Addr { return lc.addr }
func (lc *listenerConfig) InternalID() string { return lc.spec.Name }
func (lc *listenerConfig) ReusePort() bool     { return lc.spec.Protocol == "udp" }

func (lc *listenerConfig) FilterChainManager() network.FilterChainManager { return lc.chains }
func (lc *listenerConfig) ListenerFilterFactories() []network.ListenerFilterFactory {
	return lc.filters
}
func (lc *listenerConfig) ListenerFiltersTimeout() time.Duration { return lc.spec.Timeout }
func (lc *listenerConfig) ContinueOnListenerFiltersTimeout() bool {
	return lc.spec.ContinueOnTimeout
}
func (lc *listenerConfig) OpenConnections() network.ConnectionLimiter { return lc.limiter }
func (lc *listenerConfig) PerListenerBalancer() network.ConnectionBalancer { return lc.balance }
func (lc *listenerConfig) StatsScope() stats.Scope { return lc.scope }

var _ network.ListenerConfig = (*listenerConfig)(nil)
