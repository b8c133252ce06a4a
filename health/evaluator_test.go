package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clashwatcher/node"
)

func probedPool(now time.Time, delays map[string]int) *node.Pool {
	order := []string{"HK-01", "HK-02", "HK-03"}
	nodes := make([]*node.Node, 0, len(order))
	for _, name := range order {
		n := &node.Node{Name: name}
		if delay, ok := delays[name]; ok {
			if delay < 0 {
				n.RecordProbe(0, false, now) // probe timed out / unreachable
			} else {
				n.RecordProbe(delay, true, now)
			}
		}
		nodes = append(nodes, n)
	}
	return &node.Pool{Nodes: nodes, FetchedAt: now}
}

func evaluator() Evaluator {
	return Evaluator{Staleness: 90 * time.Second, LatencyCeiling: 2000}
}

func TestSwitchAwayFromDeadActive(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": 50, "HK-02": 200, "HK-03": -1})

	target, err := evaluator().Decide(pool, "HK-03", now)
	require.NoError(t, err)
	require.Equal(t, "HK-01", target)
}

func TestNoChurnWhenActiveIsBest(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": 50, "HK-02": 200, "HK-03": 400})

	target, err := evaluator().Decide(pool, "HK-01", now)
	require.NoError(t, err)
	require.Empty(t, target)
}

func TestNoChurnOnExactTie(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": 50, "HK-02": 50})

	// HK-02 is active and tied with the pool-order best; displacing it
	// would be pure churn.
	target, err := evaluator().Decide(pool, "HK-02", now)
	require.NoError(t, err)
	require.Empty(t, target)
}

func TestBestPrefersStrictlyLowestLatency(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": 300, "HK-02": 90, "HK-03": 120})

	best, err := evaluator().Best(pool, now)
	require.NoError(t, err)
	require.Equal(t, "HK-02", best.Name)
}

func TestBestTieBreaksByPoolOrder(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": 100, "HK-02": 100, "HK-03": 100})

	best, err := evaluator().Best(pool, now)
	require.NoError(t, err)
	require.Equal(t, "HK-01", best.Name)
}

func TestSwitchToStrictlyFasterNode(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": 50, "HK-02": 900})

	target, err := evaluator().Decide(pool, "HK-02", now)
	require.NoError(t, err)
	require.Equal(t, "HK-01", target)
}

func TestStaleProbesDisqualify(t *testing.T) {
	now := time.Now()
	pool := probedPool(now.Add(-5*time.Minute), map[string]int{"HK-01": 50})

	_, err := evaluator().Best(pool, now)
	require.ErrorIs(t, err, ErrNoHealthyNode)
}

func TestLatencyCeilingDisqualifies(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": 5000, "HK-02": 1500})

	best, err := evaluator().Best(pool, now)
	require.NoError(t, err)
	require.Equal(t, "HK-02", best.Name)
}

func TestNoHealthyNodeLeavesSelectionAlone(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, map[string]int{"HK-01": -1, "HK-02": -1, "HK-03": -1})

	_, err := evaluator().Decide(pool, "HK-01", now)
	require.ErrorIs(t, err, ErrNoHealthyNode)
}

func TestUnprobedPoolIsUnhealthy(t *testing.T) {
	now := time.Now()
	pool := probedPool(now, nil)

	_, err := evaluator().Best(pool, now)
	require.ErrorIs(t, err, ErrNoHealthyNode)
}
