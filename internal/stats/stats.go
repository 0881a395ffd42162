// Package stats implements the counter/gauge/histogram surface the
// connection handler and its listeners are required to expose. It carries
// no metrics-client dependency: no example in this module's lineage imports
// one (see DESIGN.md), so the scope is a minimal atomic-backed in-memory
// implementation sized to what the spec actually requires.
package stats

import (
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing value.
type Counter struct{ v atomic.Uint64 }

func (c *Counter) Inc()              { c.v.Add(1) }
func (c *Counter) Add(delta uint64)  { c.v.Add(delta) }
func (c *Counter) Value() uint64     { return c.v.Load() }

// Gauge moves up and down.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Set(v int64)  { g.v.Store(v) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram records a small, unbounded sample reservoir. It exists only to
// satisfy the stats surface's "downstream_cx_length_ms" entry; it is not a
// quantile engine.
type Histogram struct {
	mu      sync.Mutex
	samples []float64
}

func (h *Histogram) Record(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, v)
}

func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sum float64
	for _, s := range h.samples {
		sum += s
	}
	return sum
}

// Scope is a named grouping of stats, mirroring the external stats scope the
// spec treats as an injected collaborator.
type Scope interface {
	Counter(name string) *Counter
	Gauge(name string) *Gauge
	Histogram(name string) *Histogram
}

// memScope is the default in-memory Scope implementation.
type memScope struct {
	mu         sync.Mutex
	prefix     string
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewScope constructs a Scope labelled prefix. Stats are looked up and
// stored under their bare name; the prefix is kept on the scope but is not
// applied to any stat name.
func NewScope(prefix string) Scope {
	return &memScope{
		prefix:     prefix,
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (s *memScope) Counter(name string) *Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := &Counter{}
	s.counters[name] = c
	return c
}

func (s *memScope) Gauge(name string) *Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	s.gauges[name] = g
	return g
}

func (s *memScope) Histogram(name string) *Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	h := &Histogram{}
	s.histograms[name] = h
	return h
}

// ListenerStats mirrors ALL_LISTENER_STATS from the original connection
// handler: the full per-listener counter/gauge/histogram set.
type ListenerStats struct {
	DownstreamCxDestroy          *Counter
	DownstreamCxOverflow         *Counter
	DownstreamCxTotal            *Counter
	DownstreamGlobalCxOverflow   *Counter
	DownstreamPreCxTimeout       *Counter
	NoFilterChainMatch           *Counter
	DownstreamCxActive           *Gauge
	DownstreamPreCxActive        *Gauge
	DownstreamCxLengthMs         *Histogram
}

// NewListenerStats binds a ListenerStats to a Scope using the exact names the
// spec requires.
func NewListenerStats(scope Scope) ListenerStats {
	return ListenerStats{
		DownstreamCxDestroy:        scope.Counter("downstream_cx_destroy"),
		DownstreamCxOverflow:       scope.Counter("downstream_cx_overflow"),
		DownstreamCxTotal:          scope.Counter("downstream_cx_total"),
		DownstreamGlobalCxOverflow: scope.Counter("downstream_global_cx_overflow"),
		DownstreamPreCxTimeout:     scope.Counter("downstream_pre_cx_timeout"),
		NoFilterChainMatch:         scope.Counter("no_filter_chain_match"),
		DownstreamCxActive:         scope.Gauge("downstream_cx_active"),
		DownstreamPreCxActive:      scope.Gauge("downstream_pre_cx_active"),
		DownstreamCxLengthMs:       scope.Histogram("downstream_cx_length_ms"),
	}
}

// PerHandlerListenerStats mirrors ALL_PER_HANDLER_LISTENER_STATS: the subset
// of the listener stats that are also tracked per (handler, listener) pair.
type PerHandlerListenerStats struct {
	DownstreamCxTotal  *Counter
	DownstreamCxActive *Gauge
}

func NewPerHandlerListenerStats(scope Scope) PerHandlerListenerStats {
	return PerHandlerListenerStats{
		DownstreamCxTotal:  scope.Counter("downstream_cx_total"),
		DownstreamCxActive: scope.Gauge("downstream_cx_active"),
	}
}
