// Package worker provides the background worker that executes queued jobs and
// drives chains and chords forward.
//
// A Worker consumes jobs from a task queue, resolves each job's task in a
// task.Registry, runs its handler and, when the handler succeeds, hands the
// completed job to a CompletionHandler. In a canvas deployment the handler is
// the completion coordinator, which dispatches the next chain hop or counts
// the job towards its chord barrier.
//
// # Retries
//
// A failing handler is retried up to Config.MaxAttempts times in total. A
// job's own MaxAttempts, set through api.Options when it was dispatched,
// overrides the worker default. Retries are re-enqueued with NotBefore set
// Config.Backoff into the future, so they go through the queue like any other
// job and may be picked up by a different worker.
//
// Only successful jobs are reported to the CompletionHandler. A job that
// exhausts its attempts stops its chain, and a chord whose header member
// fails permanently never fires its callback.
//
// # Running
//
// ProcessOne handles a single job and is convenient in tests:
//
//	w := worker.New(queue, registry, coord)
//	processed, err := w.ProcessOne(ctx)
//
// Run starts a fixed number of goroutines that call ProcessOne until the
// context is cancelled:
//
//	go func() { _ = w.Run(ctx, 4) }()
//
// Multiple workers, in the same process or in different ones, can share a
// durable queue and barrier store.
package worker
