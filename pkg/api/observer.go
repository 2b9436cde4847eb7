package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the completion coordinator for logging
// and metrics.
//
// Implementations should be fast and non-blocking; coordination runs inside
// the worker that completed the job.
type Observer interface {
	// OnChainAdvanced is called after the next hop of a chain was dispatched.
	OnChainAdvanced(ctx context.Context, chainID, taskName, jobID string)

	// OnChainFinished is called when a job with an empty continuation completes.
	OnChainFinished(ctx context.Context, chainID string)

	// OnChordProgress is called after a header completion was counted and the
	// barrier is still open.
	OnChordProgress(ctx context.Context, chordID string, completed, size int)

	// OnChordClosed is called after the callback was dispatched and the
	// barrier removed.
	OnChordClosed(ctx context.Context, chordID, taskName, jobID string)

	// OnChordNoop is called when a header completion did not count, either
	// because the barrier was already finalized or the completion was a
	// duplicate.
	OnChordNoop(ctx context.Context, chordID string, outcome BarrierOutcome)

	// OnCoordinationFailed is called whenever coordination returns an error.
	OnCoordinationFailed(ctx context.Context, job CompletedJob, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnChainAdvanced(ctx context.Context, chainID, taskName, jobID string)     {}
func (NoopObserver) OnChainFinished(ctx context.Context, chainID string)                      {}
func (NoopObserver) OnChordProgress(ctx context.Context, chordID string, completed, size int) {}
func (NoopObserver) OnChordClosed(ctx context.Context, chordID, taskName, jobID string)       {}
func (NoopObserver) OnChordNoop(ctx context.Context, chordID string, outcome BarrierOutcome)  {}
func (NoopObserver) OnCoordinationFailed(ctx context.Context, job CompletedJob, err error)    {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnChainAdvanced(ctx context.Context, chainID, taskName, jobID string) {
	for _, o := range c.observers {
		o.OnChainAdvanced(ctx, chainID, taskName, jobID)
	}
}

func (c *CompositeObserver) OnChainFinished(ctx context.Context, chainID string) {
	for _, o := range c.observers {
		o.OnChainFinished(ctx, chainID)
	}
}

func (c *CompositeObserver) OnChordProgress(ctx context.Context, chordID string, completed, size int) {
	for _, o := range c.observers {
		o.OnChordProgress(ctx, chordID, completed, size)
	}
}

func (c *CompositeObserver) OnChordClosed(ctx context.Context, chordID, taskName, jobID string) {
	for _, o := range c.observers {
		o.OnChordClosed(ctx, chordID, taskName, jobID)
	}
}

func (c *CompositeObserver) OnChordNoop(ctx context.Context, chordID string, outcome BarrierOutcome) {
	for _, o := range c.observers {
		o.OnChordNoop(ctx, chordID, outcome)
	}
}

func (c *CompositeObserver) OnCoordinationFailed(ctx context.Context, job CompletedJob, err error) {
	for _, o := range c.observers {
		o.OnCoordinationFailed(ctx, job, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs coordination events using
// the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnChainAdvanced(ctx context.Context, chainID, taskName, jobID string) {
	o.Logger.InfoContext(ctx, "chain_advanced",
		slog.String("chain_id", chainID),
		slog.String("next_task", taskName),
		slog.String("next_job_id", jobID),
	)
}

func (o *LoggingObserver) OnChainFinished(ctx context.Context, chainID string) {
	o.Logger.DebugContext(ctx, "chain_finished",
		slog.String("chain_id", chainID),
	)
}

func (o *LoggingObserver) OnChordProgress(ctx context.Context, chordID string, completed, size int) {
	o.Logger.DebugContext(ctx, "chord_progress",
		slog.String("chord_id", chordID),
		slog.Int("completed", completed),
		slog.Int("total", size),
	)
}

func (o *LoggingObserver) OnChordClosed(ctx context.Context, chordID, taskName, jobID string) {
	o.Logger.InfoContext(ctx, "chord_closed",
		slog.String("chord_id", chordID),
		slog.String("callback_task", taskName),
		slog.String("callback_job_id", jobID),
	)
}

func (o *LoggingObserver) OnChordNoop(ctx context.Context, chordID string, outcome BarrierOutcome) {
	o.Logger.DebugContext(ctx, "chord_noop",
		slog.String("chord_id", chordID),
		slog.String("outcome", outcome.String()),
	)
}

func (o *LoggingObserver) OnCoordinationFailed(ctx context.Context, job CompletedJob, err error) {
	o.Logger.ErrorContext(ctx, "coordination_failed",
		slog.String("job_id", job.ID),
		slog.String("task", job.TaskName),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple coordination counters.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	chainHops       atomic.Int64
	chainsFinished  atomic.Int64
	chordProgress   atomic.Int64
	chordsClosed    atomic.Int64
	chordNoops      atomic.Int64
	coordinationErr atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ChainHops          int64
	ChainsFinished     int64
	ChordCompletions   int64
	ChordsClosed       int64
	ChordNoops         int64
	CoordinationErrors int64
}

func (m *BasicMetrics) OnChainAdvanced(ctx context.Context, chainID, taskName, jobID string) {
	m.chainHops.Add(1)
}

func (m *BasicMetrics) OnChainFinished(ctx context.Context, chainID string) {
	m.chainsFinished.Add(1)
}

func (m *BasicMetrics) OnChordProgress(ctx context.Context, chordID string, completed, size int) {
	m.chordProgress.Add(1)
}

func (m *BasicMetrics) OnChordClosed(ctx context.Context, chordID, taskName, jobID string) {
	// The closing completion is counted too.
	m.chordProgress.Add(1)
	m.chordsClosed.Add(1)
}

func (m *BasicMetrics) OnChordNoop(ctx context.Context, chordID string, outcome BarrierOutcome) {
	m.chordNoops.Add(1)
}

func (m *BasicMetrics) OnCoordinationFailed(ctx context.Context, job CompletedJob, err error) {
	m.coordinationErr.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		ChainHops:          m.chainHops.Load(),
		ChainsFinished:     m.chainsFinished.Load(),
		ChordCompletions:   m.chordProgress.Load(),
		ChordsClosed:       m.chordsClosed.Load(),
		ChordNoops:         m.chordNoops.Load(),
		CoordinationErrors: m.coordinationErr.Load(),
	}
}
