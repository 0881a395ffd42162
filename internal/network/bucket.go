package network

import (
	"container/list"
	"net"
	"sync"
	"time"

	"l4relay/internal/stats"
)

// ActiveConnection is a live L4 connection: the transport-wrapped socket,
// the filter chain it was matched to, and a length timespan running from
// newConnection to the connection's terminal close event.
type ActiveConnection struct {
	conn        net.Conn
	chain       FilterChain
	bucket      *FilterChainBucket
	meta        *DynamicMetadata
	startedAt   time.Time
	elem        *list.Element // this connection's node in bucket.conns
	closeOnce   sync.Once
	closedHook  func(*ActiveConnection)
}

// Conn returns the transport-wrapped connection.
func (a *ActiveConnection) Conn() net.Conn { return a.conn }

// DynamicMetadata returns the metadata the connection was created with.
func (a *ActiveConnection) DynamicMetadata() *DynamicMetadata { return a.meta }

// Close runs the connection's terminal close path exactly once: closing the
// underlying socket and invoking the owning listener's removal hook, which
// is how length timespans stop and stats decrement.
func (a *ActiveConnection) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.conn.Close()
		if a.closedHook != nil {
			a.closedHook(a)
		}
	})
	return err
}

// lengthMillis reports the elapsed time since the connection was created,
// for the downstream_cx_length_ms histogram.
func (a *ActiveConnection) lengthMillis(now time.Time) float64 {
	return float64(now.Sub(a.startedAt).Milliseconds())
}

// FilterChainBucket (ActiveConnections in the original design) groups every
// live connection sharing one filter chain instance. It is the unit of
// drain: removeFilterChains marks a bucket draining, force-closes every
// connection inside it, and defers the bucket's own deletion once empty.
type FilterChainBucket struct {
	chain    FilterChain
	conns    *list.List // of *ActiveConnection
	draining bool
}

func newFilterChainBucket(chain FilterChain) *FilterChainBucket {
	return &FilterChainBucket{chain: chain, conns: list.New()}
}

// add appends conn to the bucket's intrusive list, recording its *list.Element
// on the connection for O(1) removal later.
func (b *FilterChainBucket) add(conn *ActiveConnection) {
	conn.elem = b.conns.PushBack(conn)
	conn.bucket = b
}

// remove unlinks conn from the bucket; it is idempotent against a conn not
// currently linked (elem == nil).
func (b *FilterChainBucket) remove(conn *ActiveConnection) {
	if conn.elem == nil {
		return
	}
	b.conns.Remove(conn.elem)
	conn.elem = nil
}

// empty reports whether the bucket currently holds no connections.
func (b *FilterChainBucket) empty() bool { return b.conns.Len() == 0 }

// size reports the bucket's current connection count.
func (b *FilterChainBucket) size() int { return b.conns.Len() }

// snapshot returns every connection currently in the bucket, safe to range
// over while concurrently force-closing (closing triggers removal from the
// same list, so callers must copy first).
func (b *FilterChainBucket) snapshot() []*ActiveConnection {
	out := make([]*ActiveConnection, 0, b.conns.Len())
	for e := b.conns.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*ActiveConnection))
	}
	return out
}

// filterChainBuckets is the per-listener map from filter chain identity to
// its bucket. The completion callbacks removeFilterChains waits on are kept
// by the listener itself (its drainWaiters), not here.
type filterChainBuckets struct {
	byChain map[FilterChain]*FilterChainBucket
}

func newFilterChainBuckets() *filterChainBuckets {
	return &filterChainBuckets{byChain: make(map[FilterChain]*FilterChainBucket)}
}

func (f *filterChainBuckets) getOrCreate(chain FilterChain) *FilterChainBucket {
	if b, ok := f.byChain[chain]; ok {
		return b
	}
	b := newFilterChainBucket(chain)
	f.byChain[chain] = b
	return b
}

func (f *filterChainBuckets) get(chain FilterChain) (*FilterChainBucket, bool) {
	b, ok := f.byChain[chain]
	return b, ok
}

func (f *filterChainBuckets) delete(chain FilterChain) {
	delete(f.byChain, chain)
}

// activeCount sums live connections across every bucket, used by the
// invariant that per-listener active count equals Σ bucket sizes plus
// in-flight ActiveSockets.
func (f *filterChainBuckets) activeCount() int {
	n := 0
	for _, b := range f.byChain {
		n += b.size()
	}
	return n
}

// listenerStatsOf is a tiny helper so listener files can build a
// stats.ListenerStats without importing stats directly in every call site.
func listenerStatsOf(scope stats.Scope) stats.ListenerStats {
	return stats.NewListenerStats(scope)
}
