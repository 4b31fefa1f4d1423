// Package circuit provides a budget breaker: a circuit-breaker shaped guard
// repurposed to trip on an exhausted visit budget instead of a failure count.
// The retention-path query uses it to turn "too many nodes visited" into the
// explicit budget-exhausted termination from spec.md §7, instead of letting
// an unbounded search run forever.
package circuit

import "sync/atomic"

// State is the breaker's current posture.
type State int32

const (
	// StateOpen means visits are still permitted.
	StateOpen State = iota
	// StateTripped means the visit budget has been exhausted; Allow always
	// returns false from this point on.
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// Config bounds a single search's worklist visits.
type Config struct {
	// MaxVisits is the number of Allow calls permitted before the breaker
	// trips. Zero means unlimited.
	MaxVisits int64
}

// DefaultConfig returns the default visit budget used when a query does not
// override it.
func DefaultConfig() Config {
	return Config{MaxVisits: 1_000_000}
}

// Breaker guards a single bounded traversal. It is not reusable across
// concurrent queries: construct a fresh Breaker per PathsToRoots call.
type Breaker struct {
	maxVisits int64
	visits    int64
	tripped   int32
}

// New creates a Breaker from config. A zero MaxVisits never trips.
func New(config Config) *Breaker {
	return &Breaker{maxVisits: config.MaxVisits}
}

// Allow records one more visit and reports whether the caller may proceed.
// Once the budget is exhausted it keeps returning false for the lifetime of
// the Breaker.
func (b *Breaker) Allow() bool {
	if atomic.LoadInt32(&b.tripped) == 1 {
		return false
	}
	n := atomic.AddInt64(&b.visits, 1)
	if b.maxVisits > 0 && n > b.maxVisits {
		atomic.StoreInt32(&b.tripped, 1)
		return false
	}
	return true
}

// State reports the breaker's current posture.
func (b *Breaker) State() State {
	if atomic.LoadInt32(&b.tripped) == 1 {
		return StateTripped
	}
	return StateOpen
}

// Visits returns the number of Allow calls made so far.
func (b *Breaker) Visits() int64 {
	return atomic.LoadInt64(&b.visits)
}

// Reset clears the visit count and tripped state, allowing the Breaker to be
// reused for a new search.
func (b *Breaker) Reset() {
	atomic.StoreInt64(&b.visits, 0)
	atomic.StoreInt32(&b.tripped, 0)
}
