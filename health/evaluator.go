package health

import (
	"errors"
	"time"

	"clashwatcher/node"
)

// ErrNoHealthyNode means nothing in the pool currently qualifies. The
// backend selection is left untouched and the next checker cycle retries.
var ErrNoHealthyNode = errors.New("no healthy node in pool")

// Evaluator ranks pool nodes by their latest probe results and decides
// whether the backend's active node must change. Both knobs are explicit
// configuration, not constants.
type Evaluator struct {
	// Staleness is how long a probe result counts as current. Older
	// records disqualify the node until it is probed again.
	Staleness time.Duration
	// LatencyCeiling in milliseconds; nodes above it are unhealthy even
	// when reachable. Zero disables the ceiling.
	LatencyCeiling int
}

func (e Evaluator) healthy(n *node.Node, now time.Time) bool {
	h := n.Health()
	if !h.Reachable || h.LastChecked.IsZero() {
		return false
	}
	if now.Sub(h.LastChecked) > e.Staleness {
		return false
	}
	if e.LatencyCeiling > 0 && h.DelayMs > e.LatencyCeiling {
		return false
	}
	return true
}

// Best returns the lowest-latency healthy node. Exact latency ties keep
// pool order: the first wins, for determinism.
func (e Evaluator) Best(pool *node.Pool, now time.Time) (*node.Node, error) {
	var best *node.Node
	bestDelay := 0
	for _, n := range pool.Nodes {
		if !e.healthy(n, now) {
			continue
		}
		if d := n.Health().DelayMs; best == nil || d < bestDelay {
			best, bestDelay = n, d
		}
	}
	if best == nil {
		return nil, ErrNoHealthyNode
	}
	return best, nil
}

// Decide returns the node name the backend should switch to, or "" when
// the current selection should stand. A healthy active node at least as
// fast as the ranked best is never displaced, so a best-ranked active
// node causes no churn and an exact tie does not flap.
func (e Evaluator) Decide(pool *node.Pool, active string, now time.Time) (string, error) {
	best, err := e.Best(pool, now)
	if err != nil {
		return "", err
	}
	if n, ok := pool.Lookup(active); ok && e.healthy(n, now) {
		if n.Health().DelayMs <= best.Health().DelayMs {
			return "", nil
		}
	}
	if best.Name == active {
		return "", nil
	}
	return best.Name, nil
}
