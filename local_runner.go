package canvas

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/canvas/pkg/worker"
)

// LocalRunner bundles an in-memory queue, a task registry, an in-memory
// barrier store, a coordinator and a Worker into a single-process runtime for
// development and tests.
//
// Typical usage:
//
//	runner := canvas.NewLocalRunner()
//	add := runner.Registry.MustRegister("add", addHandler)
//	_ = runner.StartWorkers(ctx, 2)
//	_, _ = canvas.NewChain(add.S(canvas.Kwargs{"a": 1, "b": 2})).Apply(ctx, nil)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Queue is the in-memory queue tasks dispatch into.
	Queue Queue

	// Registry holds the runner's tasks.
	Registry *Registry

	// Store holds chord barriers.
	Store BarrierStore

	// Coordinator advances chains and chords after each successful job.
	Coordinator *Coordinator

	// Worker processes jobs from Queue.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner with a default worker config and
// no observer.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithConfig(worker.Config{}, nil)
}

// NewLocalRunnerWithConfig constructs a LocalRunner using cfg for its Worker
// and obs for its Coordinator. obs may be nil.
func NewLocalRunnerWithConfig(cfg worker.Config, obs Observer) *LocalRunner {
	q := NewInMemoryQueue(1024)
	reg := NewRegistry(q)
	store := NewInMemoryBarrierStore()
	// Registry and store are non-nil, so construction cannot fail.
	coord, err := NewCoordinator(reg, store, obs)
	if err != nil {
		panic(err)
	}

	return &LocalRunner{
		Queue:       q,
		Registry:    reg,
		Store:       store,
		Coordinator: coord,
		Worker:      worker.NewWithConfig(q, reg, coord, cfg),
	}
}

// Register adds a task to the runner's registry.
func (r *LocalRunner) Register(name string, h Handler, opts ...TaskOption) (*Task, error) {
	return r.Registry.Register(name, h, opts...)
}

// FinalizeChord retries the callback dispatch of a closed chord whose
// finalization failed. See Coordinator.FinalizeChord.
func (r *LocalRunner) FinalizeChord(ctx context.Context, chordID string) error {
	return r.Coordinator.FinalizeChord(ctx, chordID)
}

// StartWorkers starts 'concurrency' worker goroutines that process jobs until
// Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("canvas: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.running = true

	go func() {
		defer close(done)
		_ = r.Worker.Run(ctx, concurrency)
	}()
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	<-done
}
