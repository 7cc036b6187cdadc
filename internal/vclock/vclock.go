// Package vclock implements vector clocks used to order log entries
// produced by different replicas.
package vclock

import "sort"

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	// Concurrent means neither clock happened before the other.
	// Identical clocks also compare as Concurrent; use Identical to tell them apart.
	Concurrent Ordering = iota
	// Before means the first clock happened strictly before the second.
	Before
	// After means the first clock happened strictly after the second.
	After
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clock maps a replica id to the number of events it has produced.
// A missing replica counts as zero.
type Clock map[string]uint64

// Copy returns an independent copy of c. A nil clock yields an empty one.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c)+1)
	for replica, count := range c {
		out[replica] = count
	}
	return out
}

// Increment returns a copy of c with the counter of replica bumped by one.
func Increment(c Clock, replica string) Clock {
	out := c.Copy()
	out[replica]++
	return out
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b Clock) Clock {
	out := a.Copy()
	for replica, count := range b {
		if count > out[replica] {
			out[replica] = count
		}
	}
	return out
}

// Compare reports how a relates to b.
func Compare(a, b Clock) Ordering {
	var less, greater bool
	for replica, ca := range a {
		cb := b[replica]
		if ca < cb {
			less = true
		} else if ca > cb {
			greater = true
		}
	}
	for replica, cb := range b {
		if _, ok := a[replica]; ok {
			continue
		}
		if cb > 0 {
			less = true
		}
	}
	switch {
	case less && !greater:
		return Before
	case greater && !less:
		return After
	default:
		return Concurrent
	}
}

// Identical reports whether a and b hold the same counters.
// Zero counters are treated as absent.
func Identical(a, b Clock) bool {
	for replica, ca := range a {
		if b[replica] != ca {
			return false
		}
	}
	for replica, cb := range b {
		if a[replica] != cb {
			return false
		}
	}
	return true
}

// Sum returns the total number of events counted by c. If a happened
// before b, Sum(a) < Sum(b).
func (c Clock) Sum() uint64 {
	var total uint64
	for _, count := range c {
		total += count
	}
	return total
}

// Replicas returns the replica ids present in c in sorted order.
func (c Clock) Replicas() []string {
	out := make([]string, 0, len(c))
	for replica := range c {
		out = append(out, replica)
	}
	sort.Strings(out)
	return out
}
