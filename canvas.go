package canvas

import (
	"database/sql"

	"github.com/petrijr/canvas/internal/coordinator"
	"github.com/petrijr/canvas/internal/persistence"
	"github.com/petrijr/canvas/internal/taskqueue"
	"github.com/petrijr/canvas/pkg/api"
	"github.com/petrijr/canvas/pkg/task"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Kwargs               = api.Kwargs
	Options              = api.Options
	Signature            = api.Signature
	Chain                = api.Chain
	Group                = api.Group
	Chord                = api.Chord
	Chainable            = api.Chainable
	TaskDescriptor       = api.TaskDescriptor
	CompletedJob         = api.CompletedJob
	BarrierStore         = api.BarrierStore
	ChordBarrier         = api.ChordBarrier
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Coordinator          = coordinator.Coordinator
	Queue                = taskqueue.Queue
	Registry             = task.Registry
	Task                 = task.Task
	Handler              = task.Handler
	TaskOption           = task.Option
)

// Re-export composition constructors, task options and observer helpers.

var (
	NewSignature         = api.NewSignature
	NewChain             = api.NewChain
	NewGroup             = api.NewGroup
	NewChord             = api.NewChord
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithParams           = task.WithParams
	WithDefaults         = task.WithDefaults
)

// Re-export sentinel errors.

var (
	ErrTaskNotFound          = api.ErrTaskNotFound
	ErrTaskAlreadyRegistered = api.ErrTaskAlreadyRegistered
	ErrEmptyChain            = api.ErrEmptyChain
	ErrEmptyChord            = api.ErrEmptyChord
	ErrReservedKwarg         = api.ErrReservedKwarg
	ErrMalformedMetadata     = api.ErrMalformedMetadata
	ErrBarrierNotFound       = api.ErrBarrierNotFound
	ErrChordNotClosed        = api.ErrChordNotClosed
)

// DefaultQueue names the queue of tasks dispatched without a Queue option.
const DefaultQueue = taskqueue.DefaultQueue

// Queue constructors

// NewInMemoryQueue returns a non-durable queue with the given capacity.
func NewInMemoryQueue(capacity int) Queue {
	return taskqueue.NewInMemoryQueue(capacity)
}

// NewSQLiteQueue returns a durable queue stored in db.
func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Barrier store constructors
// These wrap internal/persistence so external callers never need to import
// internal packages. Redis, MongoDB and PostgreSQL backends live in the
// redis, mongo and postgres subpackages.

// NewInMemoryBarrierStore returns a BarrierStore for tests and single-process use.
func NewInMemoryBarrierStore() BarrierStore {
	return persistence.NewInMemoryBarrierStore()
}

// NewSQLiteBarrierStore returns a BarrierStore backed by SQLite.
func NewSQLiteBarrierStore(db *sql.DB) (BarrierStore, error) {
	s, err := persistence.NewSQLiteBarrierStore(db)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewRegistry returns a task registry that dispatches into queue.
func NewRegistry(queue Queue) *Registry {
	return task.NewRegistry(queue)
}

// NewCoordinator returns a completion coordinator. obs may be nil.
func NewCoordinator(reg api.TaskRegistry, store BarrierStore, obs Observer) (*Coordinator, error) {
	return coordinator.New(coordinator.Config{
		Registry: reg,
		Store:    store,
		Observer: obs,
	})
}

// Arg reads a keyword argument as T. See api.Arg.
func Arg[T any](kw Kwargs, key string) (T, error) {
	return api.Arg[T](kw, key)
}

// Result reads the upstream result injected into a chain hop or chord body.
// See api.Result.
func Result[T any](kw Kwargs) (T, bool, error) {
	return api.Result[T](kw)
}
