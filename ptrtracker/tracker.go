// Package ptrtracker records which vmaddrs hold a pointer that needs
// a rebase opcode, in ascending order, so the rebase generator (§4.7)
// can bucket and emit them without re-sorting a large unordered set.
package ptrtracker

import "sort"

// Tracker is an ordered set of pointer-location vmaddrs.
type Tracker struct {
	locs []uint64
}

// New returns an empty tracker.
func New() *Tracker { return &Tracker{} }

// Add records addr, ignoring duplicates.
func (t *Tracker) Add(addr uint64) {
	i := sort.Search(len(t.locs), func(i int) bool { return t.locs[i] >= addr })
	if i < len(t.locs) && t.locs[i] == addr {
		return
	}
	t.locs = append(t.locs, 0)
	copy(t.locs[i+1:], t.locs[i:])
	t.locs[i] = addr
}

// Locations returns the recorded addresses in ascending order. The
// caller must not mutate the returned slice.
func (t *Tracker) Locations() []uint64 { return t.locs }

// Len reports how many distinct locations have been recorded.
func (t *Tracker) Len() int { return len(t.locs) }
