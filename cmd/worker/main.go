// Command worker is the process entrypoint: it loads an INI configuration,
// tunes the runtime for its container's actual CPU/memory quota, then brings
// up one dispatcher.Loop and network.ConnectionHandler pair per worker and
// wires every configured listener's filter pipeline before blocking.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"l4relay/internal/balancer"
	"l4relay/internal/config"
	"l4relay/internal/dispatcher"
	"l4relay/internal/listenerfilter"
	"l4relay/internal/logging"
	"l4relay/internal/network"
	"l4relay/internal/transportsocket/securecrypt"
)

func main() {
	configPath := flag.String("config", "configs/worker.ini", "path to the worker INI config file")
	workers := flag.Int("workers", runtime.GOMAXPROCS(0), "number of worker loops to run")
	geoCountryPath := flag.String("geoip-country", "", "path to a GeoLite2-Country.mmdb file (optional)")
	geoASNPath := flag.String("geoip-asn", "", "path to a GeoLite2-ASN.mmdb file (optional)")
	flag.Parse()

	log := logging.New(os.Stderr)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Log(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warning().Err(err).Log("maxprocs: failed to set GOMAXPROCS")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Emerg().Err(err).Log("failed to load config")
		os.Exit(1)
	}

	var geoDB *listenerfilter.GeoIPDatabase
	if *geoCountryPath != "" || *geoASNPath != "" {
		geoDB, err = listenerfilter.OpenGeoIPDatabase(*geoCountryPath, *geoASNPath)
		if err != nil {
			log.Emerg().Err(err).Log("failed to open geoip database")
			os.Exit(1)
		}
	}

	var cryptFactory network.TransportSocketFactory
	if cfg.CryptKey != "" {
		cryptFactory, err = securecrypt.NewFactory(cfg.CryptKey)
		if err != nil {
			log.Emerg().Err(err).Log("failed to build secure transport socket factory")
			os.Exit(1)
		}
	}

	n := *workers
	if n < 1 {
		n = 1
	}

	// Only one worker binds the kernel-backed TCP listeners directly: the
	// factory this module carries opens a plain net.Listen per call, with
	// no SO_REUSEPORT fd-duplication trick for TCP (unlike UDP, where
	// ReusePort lets every worker bind independently below). Giving every
	// worker its own copy of the same TCP listener would double-bind the
	// port; UDP listeners, by contrast, are replicated across every
	// worker, and each registers with a shared balancer.LeastConnections
	// so the kernel's own SO_REUSEPORT load-spreading has a rebalance
	// counterpart at the application layer. Internal listeners are
	// inherently per-worker (the dispatcher registry they live in is
	// per-worker), and only make sense alongside the TCP/mux pipeline
	// that dispatches into them, so they go on worker 0 too.
	loops := make([]*dispatcher.Loop, n)
	handlers := make([]*network.ConnectionHandler, n)
	leastConns := balancer.NewLeastConnections()
	for i := 0; i < n; i++ {
		loop := dispatcher.NewLoop(256)
		loops[i] = loop
		handler := network.NewConnectionHandler(loop, i, nil, nil, "worker", logging.With(log, i, 0))
		handlers[i] = handler
		go loop.Run()
	}

	for _, spec := range cfg.Listeners {
		switch spec.Protocol {
		case "udp":
			for i, handler := range handlers {
				lc, err := buildListenerConfig(spec, loops[i], geoDB, cryptFactory, leastConns)
				if err != nil {
					log.Emerg().Err(err).Str("listener", spec.Name).Log("failed to build listener config")
					os.Exit(1)
				}
				if err := handler.AddListener(nil, lc); err != nil {
					log.Emerg().Err(err).Str("listener", spec.Name).Log("failed to add listener")
					os.Exit(1)
				}
				leastConns.Add(handler)
			}
		default:
			lc, err := buildListenerConfig(spec, loops[0], geoDB, cryptFactory, balancer.Exact{})
			if err != nil {
				log.Emerg().Err(err).Str("listener", spec.Name).Log("failed to build listener config")
				os.Exit(1)
			}
			if err := handlers[0].AddListener(nil, lc); err != nil {
				log.Emerg().Err(err).Str("listener", spec.Name).Log("failed to add listener")
				os.Exit(1)
			}
		}
	}

	logLocalAddrs(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Log("shutting down")
	for _, handler := range handlers {
		handler.Close()
	}
	for _, loop := range loops {
		loop.Stop()
	}
}

func logLocalAddrs(log logging.Logger, cfg *config.Config) {
	for _, spec := range cfg.Listeners {
		log.Info().Str("listener", spec.Name).Str("address", spec.Address).Str("protocol", spec.Protocol).Log("listener configured")
	}
}
