package balancer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"l4relay/internal/balancer"
	"l4relay/internal/network"
)

type fakeHandler struct {
	n int64
}

func (f *fakeHandler) NumConnections() int64 { return f.n }
func (f *fakeHandler) IncNumConnections()    { f.n++ }
func (f *fakeHandler) DecNumConnections()    { f.n-- }
func (f *fakeHandler) Post(network.ConnectionSocket, *network.DynamicMetadata) {}

func TestExact_AlwaysLocal(t *testing.T) {
	var b balancer.Exact
	current := &fakeHandler{n: 100}
	require.Same(t, network.BalancedConnectionHandler(current), b.PickTargetHandler(current, nil))
}

func TestLeastConnections_FewerThanTwoHandlersStaysLocal(t *testing.T) {
	b := balancer.NewLeastConnections()
	current := &fakeHandler{}
	require.Same(t, network.BalancedConnectionHandler(current), b.PickTargetHandler(current, nil))

	b.Add(current)
	require.Same(t, network.BalancedConnectionHandler(current), b.PickTargetHandler(current, nil))
}

func TestLeastConnections_PrefersLessLoadedHandler(t *testing.T) {
	b := balancer.NewLeastConnections()
	busy := &fakeHandler{n: 50}
	idle := &fakeHandler{n: 0}
	b.Add(busy)
	b.Add(idle)

	// Across enough trials the balancer must eventually rebalance busy's
	// accept onto idle; it is also allowed to stay on busy (sampling busy
	// itself as the random "other" candidate keeps current).
	for i := 0; i < 200; i++ {
		picked := b.PickTargetHandler(busy, nil)
		if picked == network.BalancedConnectionHandler(idle) {
			return
		}
	}
	t.Fatal("least-connections balancer never picked the idle handler across 200 trials")
}
