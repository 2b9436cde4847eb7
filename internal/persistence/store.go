// Package persistence provides BarrierStore implementations for chord
// coordination, and the codec shared with the Redis, MongoDB and PostgreSQL
// stores that live beside their drivers.
//
// Every backend stores results and callback descriptors as JSON, so a
// barrier read back from any store holds the same decoded values
// (objects as map[string]any, numbers as float64).
package persistence

import (
	"time"

	"github.com/petrijr/canvas/pkg/api"
)

// ErrBarrierNotFound is returned by GetBarrier for unknown chord ids.
var ErrBarrierNotFound = api.ErrBarrierNotFound

// FinalizedRetention is how long a store remembers a finalized chord id.
// Within that window a late or redelivered header completion reads as
// already finalized instead of recreating the barrier.
const FinalizedRetention = 24 * time.Hour

// Ensure every store implements api.BarrierStore.
var (
	_ api.BarrierStore = (*InMemoryBarrierStore)(nil)
	_ api.BarrierStore = (*SQLiteBarrierStore)(nil)
)

// Updated reports a counted completion.
func Updated(b *api.ChordBarrier) api.BarrierUpdate {
	return api.BarrierUpdate{Outcome: api.BarrierUpdated, Barrier: b}
}

// Noop reports a completion that changed nothing.
func Noop(outcome api.BarrierOutcome) api.BarrierUpdate {
	return api.BarrierUpdate{Outcome: outcome}
}
