// Package cache holds the reference-counting tables used by both sides of a
// FUSE session.
package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rfratto/viofs/internal/fine"
)

// LookupMap tracks the nlookup count of every node the guest has been handed
// by the host. A node present in the map always has a count of at least 1.
// Counts are never decremented piecemeal; forgetting a node pops its whole
// count at once so it can be reported to the host in a single FORGET.
//
// The root node is never tracked.
type LookupMap struct {
	mut    sync.Mutex
	counts map[fine.Node]uint64
}

// NewLookupMap creates an empty LookupMap.
func NewLookupMap() *LookupMap {
	return &LookupMap{counts: make(map[fine.Node]uint64)}
}

// Inc records a new reference to node, inserting it with a count of 1 if it
// isn't already present. The new count is returned. Inc on the root node or
// the zero node is a no-op and returns 0.
func (m *LookupMap) Inc(node fine.Node) uint64 {
	if node == 0 || node == fine.RootNode {
		return 0
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	m.counts[node]++
	return m.counts[node]
}

// Pop removes node from the map and returns its accumulated count. ok is
// false if node wasn't tracked, in which case nothing must be sent to the
// host.
func (m *LookupMap) Pop(node fine.Node) (count uint64, ok bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	count, ok = m.counts[node]
	if ok {
		delete(m.counts, node)
	}
	return count, ok
}

// PopAll empties the map, returning every tracked node and its count ordered
// by node ID.
func (m *LookupMap) PopAll() []fine.BatchForgetItem {
	m.mut.Lock()
	defer m.mut.Unlock()

	items := make([]fine.BatchForgetItem, 0, len(m.counts))
	for node, count := range m.counts {
		items = append(items, fine.BatchForgetItem{Node: node, NumLookups: count})
	}
	m.counts = make(map[fine.Node]uint64)

	sort.Slice(items, func(i, j int) bool { return items[i].Node < items[j].Node })
	return items
}

// Count returns the current count for node, or 0 if it isn't tracked.
func (m *LookupMap) Count(node fine.Node) uint64 {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.counts[node]
}

// Len returns the number of tracked nodes.
func (m *LookupMap) Len() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.counts)
}

// Restore re-adds count references to node. It is used when a FORGET for a
// popped node could not be delivered and the references are still held by
// the host.
func (m *LookupMap) Restore(node fine.Node, count uint64) error {
	if node == 0 || node == fine.RootNode {
		return fmt.Errorf("node %d cannot be tracked: %w", node, fine.ErrorInvalid)
	}
	if count == 0 {
		return nil
	}

	m.mut.Lock()
	defer m.mut.Unlock()
	m.counts[node] += count
	return nil
}
