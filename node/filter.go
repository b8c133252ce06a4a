package node

import "strings"

// Filter is the include/exclude keyword policy applied to node names when
// a subscription is refreshed. Empty keyword sets impose no restriction.
type Filter struct {
	Include []string
	Exclude []string
}

// Match reports whether a node name survives the policy: when include
// keywords are configured the name must contain at least one of them, and
// it must contain none of the exclude keywords. Matching is exact,
// case-sensitive substring containment.
func (f Filter) Match(name string) bool {
	if len(f.Include) > 0 {
		matched := false
		for _, kw := range f.Include {
			if strings.Contains(name, kw) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, kw := range f.Exclude {
		if strings.Contains(name, kw) {
			return false
		}
	}
	return true
}

// Apply returns the nodes retained by the policy, preserving their
// relative order.
func (f Filter) Apply(nodes []*Node) []*Node {
	kept := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if f.Match(n.Name) {
			kept = append(kept, n)
		}
	}
	return kept
}
