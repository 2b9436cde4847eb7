package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/canvas/pkg/api"
)

// InMemoryBarrierStore is a goroutine-safe BarrierStore backed by a map.
// It is only suitable when every worker runs in the same process.
type InMemoryBarrierStore struct {
	mu       sync.Mutex
	barriers map[string]*memoryBarrier

	// finalized remembers deleted chord ids until retention passes.
	finalized map[string]time.Time
	retention time.Duration
}

type memoryBarrier struct {
	barrier api.ChordBarrier
	members map[string]struct{}
}

// NewInMemoryBarrierStore creates a new InMemoryBarrierStore.
func NewInMemoryBarrierStore() *InMemoryBarrierStore {
	return &InMemoryBarrierStore{
		barriers:  make(map[string]*memoryBarrier),
		finalized: make(map[string]time.Time),
		retention: FinalizedRetention,
	}
}

func (s *InMemoryBarrierStore) CreateBarrier(_ context.Context, b api.ChordBarrier) (bool, error) {
	callback, err := NormalizeDescriptor(b.Callback)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.barriers[b.ChordID]; ok {
		return false, nil
	}
	if _, ok := s.finalized[b.ChordID]; ok {
		return false, nil
	}
	s.barriers[b.ChordID] = &memoryBarrier{
		barrier: api.ChordBarrier{
			ChordID:    b.ChordID,
			HeaderSize: b.HeaderSize,
			Results:    []any{},
			Callback:   callback,
		},
		members: make(map[string]struct{}),
	}
	return true, nil
}

func (s *InMemoryBarrierStore) IncrementAndAppend(_ context.Context, chordID, jobID string, result any) (api.BarrierUpdate, error) {
	normalized, err := NormalizeResult(result)
	if err != nil {
		return api.BarrierUpdate{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.barriers[chordID]
	if !ok {
		return Noop(api.BarrierAlreadyFinalized), nil
	}
	if _, seen := mb.members[jobID]; seen {
		return Noop(api.BarrierDuplicate), nil
	}

	mb.members[jobID] = struct{}{}
	mb.barrier.CompletedCount++
	mb.barrier.Results = append(mb.barrier.Results, normalized)

	snapshot := copyBarrier(mb.barrier)
	return Updated(&snapshot), nil
}

func (s *InMemoryBarrierStore) DeleteBarrier(_ context.Context, chordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, at := range s.finalized {
		if now.Sub(at) > s.retention {
			delete(s.finalized, id)
		}
	}
	delete(s.barriers, chordID)
	s.finalized[chordID] = now
	return nil
}

func (s *InMemoryBarrierStore) GetBarrier(_ context.Context, chordID string) (*api.ChordBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.barriers[chordID]
	if !ok {
		return nil, ErrBarrierNotFound
	}
	snapshot := copyBarrier(mb.barrier)
	return &snapshot, nil
}

func copyBarrier(b api.ChordBarrier) api.ChordBarrier {
	b.Results = append([]any{}, b.Results...)
	b.Callback.Kwargs = b.Callback.Kwargs.Clone()
	return b
}
