package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/canvas/internal/taskqueue"
	"github.com/petrijr/canvas/pkg/api"
	"github.com/petrijr/canvas/pkg/task"
)

// CompletionHandler is notified once for every job that finished
// successfully. The completion coordinator implements it.
type CompletionHandler interface {
	HandleCompletion(ctx context.Context, job api.CompletedJob) error
}

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc func(ctx context.Context, job api.CompletedJob) error

func (f CompletionHandlerFunc) HandleCompletion(ctx context.Context, job api.CompletedJob) error {
	return f(ctx, job)
}

// Config controls which queues are consumed, retry behaviour and logging.
type Config struct {
	// Queues lists the queue names this worker takes jobs from. Empty means
	// every queue.
	Queues []string

	// MaxAttempts is the total number of attempts for a job, including the
	// first. Values <= 0 mean a single attempt. A job's own MaxAttempts, when
	// set, takes precedence.
	MaxAttempts int

	// Backoff is the delay before a failed job becomes eligible again.
	Backoff time.Duration

	// Logger receives job lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Worker pulls jobs from a queue, runs their handlers and reports successful
// completions.
type Worker struct {
	queue       taskqueue.Queue
	registry    *task.Registry
	completions CompletionHandler
	cfg         Config
	logger      *slog.Logger
}

// New creates a Worker that runs each job once.
func New(queue taskqueue.Queue, registry *task.Registry, completions CompletionHandler) *Worker {
	return NewWithConfig(queue, registry, completions, Config{})
}

// NewWithConfig creates a Worker with the given retry configuration.
// completions may be nil, in which case successful jobs are not coordinated.
func NewWithConfig(queue taskqueue.Queue, registry *task.Registry, completions CompletionHandler, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:       queue,
		registry:    registry,
		completions: completions,
		cfg:         cfg,
		logger:      logger,
	}
}

// ProcessOne takes a single job from the queue and processes it.
//
// It returns (false, err) if no job could be dequeued (for example because
// ctx was cancelled). Otherwise it returns (true, err), where err is nil when
// the job succeeded or a retry was scheduled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.cfg.Queues...)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	defer w.release(ctx, job)

	t, err := w.registry.Get(job.TaskName)
	if err != nil {
		w.logger.Error("job_dropped",
			slog.String("job_id", job.ID),
			slog.String("task", job.TaskName),
			slog.Any("error", err),
		)
		return true, fmt.Errorf("job %s: %w", job.ID, err)
	}

	result, runErr := w.run(ctx, t, job)
	if runErr != nil {
		return true, w.fail(ctx, job, runErr)
	}

	w.logger.Debug("job_succeeded",
		slog.String("job_id", job.ID),
		slog.String("task", job.TaskName),
		slog.Int("attempt", job.Attempts+1),
	)

	if w.completions == nil {
		return true, nil
	}
	completed := api.CompletedJob{
		ID:       job.ID,
		TaskName: job.TaskName,
		Kwargs:   job.Kwargs,
		Result:   result,
	}
	// The handler already ran; a coordination error is reported, never retried.
	if err := w.completions.HandleCompletion(ctx, completed); err != nil {
		return true, fmt.Errorf("job %s: coordinate: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) run(ctx context.Context, t *task.Task, job *taskqueue.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job_panicked",
				slog.String("job_id", job.ID),
				slog.String("task", job.TaskName),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in task %s: %v", job.TaskName, r)
		}
	}()
	return t.Handler()(ctx, job.Kwargs)
}

// release frees the job's lock once the worker is done with it, including
// when ctx was cancelled mid-job.
func (w *Worker) release(ctx context.Context, job *taskqueue.Job) {
	if job.Lock == "" {
		return
	}
	if err := w.queue.Release(context.WithoutCancel(ctx), *job); err != nil {
		w.logger.Error("lock_release_failed",
			slog.String("job_id", job.ID),
			slog.String("lock", job.Lock),
			slog.Any("error", err),
		)
	}
}

// fail schedules a retry when attempts remain, otherwise reports the error.
func (w *Worker) fail(ctx context.Context, job *taskqueue.Job, runErr error) error {
	maxAttempts := w.cfg.MaxAttempts
	if job.MaxAttempts > 0 {
		maxAttempts = job.MaxAttempts
	}
	attempt := job.Attempts + 1

	if attempt >= maxAttempts {
		w.logger.Warn("job_failed",
			slog.String("job_id", job.ID),
			slog.String("task", job.TaskName),
			slog.Int("attempts", attempt),
			slog.Any("error", runErr),
		)
		return fmt.Errorf("job %s: task %s failed after %d attempt(s): %w", job.ID, job.TaskName, attempt, runErr)
	}

	retry := *job
	retry.Attempts = attempt
	retry.NotBefore = time.Now().Add(w.cfg.Backoff)
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		return fmt.Errorf("job %s: schedule retry: %w", job.ID, errors.Join(runErr, err))
	}

	w.logger.Info("job_retry_scheduled",
		slog.String("job_id", job.ID),
		slog.String("task", job.TaskName),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", w.cfg.Backoff),
		slog.Any("error", runErr),
	)
	return nil
}

// Run processes jobs on concurrency goroutines until ctx is cancelled.
// Job errors are logged and do not stop the loop. Run returns nil on
// cancellation.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if !processed {
						// Dequeue itself failed; back off briefly before polling again.
						w.logger.Error("dequeue_failed", slog.Any("error", err))
						select {
						case <-ctx.Done():
							return nil
						case <-time.After(100 * time.Millisecond):
						}
						continue
					}
					w.logger.Error("job_error", slog.Any("error", err))
				}
			}
		})
	}
	return g.Wait()
}
