package api

import "context"

// ChordBarrier is the durable record tracking one in-flight chord.
type ChordBarrier struct {
	ChordID        string
	HeaderSize     int
	CompletedCount int
	// Results holds one entry per counted header completion, in completion
	// order.
	Results  []any
	Callback TaskDescriptor
}

// Closed reports whether every header member has been counted.
func (b ChordBarrier) Closed() bool {
	return b.CompletedCount >= b.HeaderSize
}

// BarrierOutcome classifies the result of BarrierStore.IncrementAndAppend.
type BarrierOutcome int

const (
	// BarrierUpdated means the completion was counted; BarrierUpdate.Barrier
	// holds the post-update record.
	BarrierUpdated BarrierOutcome = iota + 1
	// BarrierAlreadyFinalized means no record exists: a racing completer
	// closed and removed it.
	BarrierAlreadyFinalized
	// BarrierDuplicate means this job id was already counted on the live
	// record; nothing changed.
	BarrierDuplicate
)

func (o BarrierOutcome) String() string {
	switch o {
	case BarrierUpdated:
		return "updated"
	case BarrierAlreadyFinalized:
		return "already_finalized"
	case BarrierDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// BarrierUpdate is the result of one atomic increment-append step.
type BarrierUpdate struct {
	Outcome BarrierOutcome
	Barrier *ChordBarrier
}

// BarrierStore persists chord barriers.
//
// IncrementAndAppend is the sole synchronization point of the chord
// protocol: it must be atomic and linearizable per chord id, so that exactly
// one caller observes the count reaching HeaderSize.
type BarrierStore interface {
	// CreateBarrier inserts b unless a record for b.ChordID already exists.
	// created reports whether this call inserted it.
	CreateBarrier(ctx context.Context, b ChordBarrier) (created bool, err error)

	// IncrementAndAppend counts the completion of jobID with result.
	IncrementAndAppend(ctx context.Context, chordID, jobID string, result any) (BarrierUpdate, error)

	// DeleteBarrier removes the record. Deleting a missing record is not an error.
	DeleteBarrier(ctx context.Context, chordID string) error

	// GetBarrier returns the record, or ErrBarrierNotFound.
	GetBarrier(ctx context.Context, chordID string) (*ChordBarrier, error)
}
