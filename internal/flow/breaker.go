package flow

import (
	"sync"

	"github.com/RickZee/ai-team/internal/state"
)

// DefaultBreakerThreshold is how many consecutive failures in one phase
// force the run out of automatic retrying.
const DefaultBreakerThreshold = 3

// Breaker counts consecutive failures per phase. Any success in a phase
// resets its counter; at the threshold the phase is tripped and the
// flow suspends or aborts regardless of remaining retry budget.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	counts    map[state.Phase]int
}

// NewBreaker builds a breaker; threshold <= 0 uses the default.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &Breaker{threshold: threshold, counts: map[state.Phase]int{}}
}

// Failure records one failure and reports whether the phase tripped.
func (b *Breaker) Failure(phase state.Phase) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[phase]++
	return b.counts[phase] >= b.threshold
}

// Success resets the phase counter.
func (b *Breaker) Success(phase state.Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[phase] = 0
}

// Tripped reports whether the phase is at or past the threshold.
func (b *Breaker) Tripped(phase state.Phase) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[phase] >= b.threshold
}

// Count returns the current consecutive-failure count for a phase.
func (b *Breaker) Count(phase state.Phase) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[phase]
}
