package canvas

import (
	"context"
	"database/sql"

	workerpkg "github.com/petrijr/canvas/pkg/worker"
)

// WorkerBundle wires together a durable queue, a task registry, a barrier
// store, a coordinator and a Worker that consumes the queue.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Registry    *Registry
	Store       BarrierStore
	Coordinator *Coordinator
	Worker      *workerpkg.Worker

	// queue is kept unexported; tasks reach it through Registry.
	queue Queue
}

// NewSQLiteBundle constructs a durable Queue + BarrierStore + Worker combo
// sharing the same SQLite database. Queued jobs and chord barriers survive a
// process restart; task registrations do not and must be repeated on startup.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:canvas.db?_pragma=busy_timeout(5000)")
//	db.SetMaxOpenConns(1)
//	bundle, err := canvas.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
//	// register tasks on bundle.Registry
//	// run bundle.Worker
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	return NewSQLiteBundleWithObserver(db, cfg, nil)
}

// NewSQLiteBundleWithObserver is NewSQLiteBundle with an Observer attached to
// the coordinator.
func NewSQLiteBundleWithObserver(db *sql.DB, cfg workerpkg.Config, obs Observer) (*WorkerBundle, error) {
	q, err := NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	store, err := NewSQLiteBarrierStore(db)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry(q)
	coord, err := NewCoordinator(reg, store, obs)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Registry:    reg,
		Store:       store,
		Coordinator: coord,
		Worker:      workerpkg.NewWithConfig(q, reg, coord, cfg),
		queue:       q,
	}, nil
}

// FinalizeChord retries the callback dispatch of a closed chord whose
// finalization failed. See Coordinator.FinalizeChord.
func (b *WorkerBundle) FinalizeChord(ctx context.Context, chordID string) error {
	return b.Coordinator.FinalizeChord(ctx, chordID)
}

// Pending returns the number of jobs waiting in the bundle's queue.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

// NewWorker returns an additional Worker on the bundle's queue, registry and
// coordinator. Use it with Config.Queues to dedicate workers to some queues.
func (b *WorkerBundle) NewWorker(cfg workerpkg.Config) *workerpkg.Worker {
	return workerpkg.NewWithConfig(b.queue, b.Registry, b.Coordinator, cfg)
}
