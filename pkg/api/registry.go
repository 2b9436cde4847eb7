package api

import "context"

// TaskRegistry resolves task names to dispatchable tasks.
type TaskRegistry interface {
	// Lookup returns the task registered under name, or an error wrapping
	// ErrTaskNotFound.
	Lookup(name string) (Dispatchable, error)
}

// Dispatchable is a registered task that can be configured for dispatch.
type Dispatchable interface {
	Name() string
	Configure(opts Options) Deferrer
}

// Deferrer submits jobs for a configured task.
//
// Defer and DeferAsync must produce the same observable outcome; they differ
// only in whether the caller waits.
type Deferrer interface {
	Defer(ctx context.Context, kw Kwargs) (string, error)
	DeferAsync(ctx context.Context, kw Kwargs) *Future[string]
}

// CompletedJob is what a hosting engine reports to the coordinator after a
// job finished successfully.
type CompletedJob struct {
	ID       string
	TaskName string
	Kwargs   Kwargs
	Result   any
}
