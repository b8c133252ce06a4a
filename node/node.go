package node

import (
	"sync"
	"time"
)

// Node is one upstream proxy endpoint as delivered by a subscription.
// Connection parameters are passed through to the backend untouched; the
// Extra map keeps whatever protocol-specific keys the subscription carried.
// Only the health record mutates after a pool snapshot is published.
type Node struct {
	Name   string                 `yaml:"name"`
	Type   string                 `yaml:"type"`
	Server string                 `yaml:"server"`
	Port   int                    `yaml:"port"`
	Extra  map[string]interface{} `yaml:",inline"`

	mu     sync.Mutex
	health Health
}

// Health is the latest probe result recorded for a node.
type Health struct {
	DelayMs     int
	Reachable   bool
	LastChecked time.Time
}

// Health returns a copy of the current health record.
func (n *Node) Health() Health {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.health
}

// RecordProbe stores a probe result. LastChecked never moves backwards:
// a writer carrying an older timestamp loses.
func (n *Node) RecordProbe(delayMs int, reachable bool, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if at.Before(n.health.LastChecked) {
		return
	}
	n.health = Health{DelayMs: delayMs, Reachable: reachable, LastChecked: at}
}

// Pool is the ordered node set produced by one subscription refresh.
// A pool is immutable once published and replaced as a whole.
type Pool struct {
	Nodes     []*Node
	FetchedAt time.Time
}

// Len is nil-safe.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Nodes)
}

// Lookup finds a node by name within the snapshot.
func (p *Pool) Lookup(name string) (*Node, bool) {
	if p == nil {
		return nil, false
	}
	for _, n := range p.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Names returns node names in pool order.
func (p *Pool) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		names[i] = n.Name
	}
	return names
}
