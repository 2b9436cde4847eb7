// Package task registers named task handlers and turns invocations into
// queued jobs.
//
// A Registry is the name-to-task mapping the completion coordinator consults
// when it dispatches a chain hop or a chord callback, so every task that can
// appear in a workflow must be registered in every process running workers.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/canvas/internal/taskqueue"
	"github.com/petrijr/canvas/pkg/api"
)

// Handler executes one job. Kwargs hold the caller's arguments plus any
// reserved keys; read values with api.Arg and the upstream result with
// api.Result. The returned value must be JSON-encodable.
type Handler func(ctx context.Context, kw api.Kwargs) (any, error)

// Option configures a Task at registration time.
type Option func(*Task)

// WithParams declares the task's parameter names. Names in the reserved
// namespace are rejected by Register.
func WithParams(names ...string) Option {
	return func(t *Task) {
		t.params = append(t.params, names...)
	}
}

// WithDefaults sets dispatch options applied before any per-call options.
func WithDefaults(opts api.Options) Option {
	return func(t *Task) {
		t.defaults = t.defaults.Merge(opts)
	}
}

// Registry is a goroutine-safe set of named tasks sharing one queue.
type Registry struct {
	queue taskqueue.Queue

	mu    sync.RWMutex
	tasks map[string]*Task
}

// Ensure Registry implements api.TaskRegistry.
var _ api.TaskRegistry = (*Registry)(nil)

// NewRegistry creates a Registry that enqueues jobs on queue.
func NewRegistry(queue taskqueue.Queue) *Registry {
	return &Registry{
		queue: queue,
		tasks: make(map[string]*Task),
	}
}

// Register adds a task under name.
func (r *Registry) Register(name string, h Handler, opts ...Option) (*Task, error) {
	if name == "" {
		return nil, errors.New("task name is required")
	}
	if h == nil {
		return nil, fmt.Errorf("task %q: handler is required", name)
	}

	t := &Task{registry: r, name: name, handler: h}
	for _, opt := range opts {
		opt(t)
	}
	for _, p := range t.params {
		if api.IsReservedKey(p) {
			return nil, fmt.Errorf("task %q: %w: %q", name, api.ErrReservedKwarg, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return nil, fmt.Errorf("%w: %q", api.ErrTaskAlreadyRegistered, name)
	}
	r.tasks[name] = t
	return t, nil
}

// MustRegister is like Register but panics on error. Intended for
// package-level task declarations.
func (r *Registry) MustRegister(name string, h Handler, opts ...Option) *Task {
	t, err := r.Register(name, h, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Get returns the task registered under name.
func (r *Registry) Get(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrTaskNotFound, name)
	}
	return t, nil
}

// Lookup implements api.TaskRegistry.
func (r *Registry) Lookup(name string) (api.Dispatchable, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Names returns the registered task names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	return names
}

// Task is a registered handler.
type Task struct {
	registry *Registry
	name     string
	handler  Handler
	params   []string
	defaults api.Options
}

// Ensure Task implements api.Dispatchable.
var _ api.Dispatchable = (*Task)(nil)

func (t *Task) Name() string { return t.name }

func (t *Task) Handler() Handler { return t.handler }

// Params returns the declared parameter names.
func (t *Task) Params() []string { return append([]string(nil), t.params...) }

// Defaults returns the registration-time dispatch options.
func (t *Task) Defaults() api.Options { return t.defaults }

// S builds a signature for this task.
func (t *Task) S(kw api.Kwargs, opts ...api.Options) api.Signature {
	return api.NewSignature(t, kw, opts...)
}

// Configure returns a Deferrer using the task defaults overlaid with opts.
func (t *Task) Configure(opts api.Options) api.Deferrer {
	return &deferrer{task: t, opts: t.defaults.Merge(opts)}
}

// Defer enqueues one job with the task defaults.
func (t *Task) Defer(ctx context.Context, kw api.Kwargs) (string, error) {
	return t.Configure(api.Options{}).Defer(ctx, kw)
}

type deferrer struct {
	task *Task
	opts api.Options
}

func (d *deferrer) Defer(ctx context.Context, kw api.Kwargs) (string, error) {
	now := time.Now()
	job := taskqueue.Job{
		ID:          uuid.NewString(),
		TaskName:    d.task.name,
		Kwargs:      kw.Clone(),
		Queue:       d.opts.Queue,
		Priority:    d.opts.Priority,
		Lock:        d.opts.Lock,
		MaxAttempts: d.opts.MaxAttempts,
		EnqueuedAt:  now,
	}
	if d.opts.Delay > 0 {
		job.NotBefore = now.Add(d.opts.Delay)
	}

	if err := d.task.registry.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("defer %s: %w", d.task.name, err)
	}
	return job.ID, nil
}

func (d *deferrer) DeferAsync(ctx context.Context, kw api.Kwargs) *api.Future[string] {
	return api.Go(ctx, func(ctx context.Context) (string, error) {
		return d.Defer(ctx, kw)
	})
}
