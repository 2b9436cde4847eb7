// Package coordinator advances chains and closes chord barriers when jobs
// complete.
//
// A Coordinator keeps no state between calls. Everything it needs travels in
// the completed job's kwargs or lives in the BarrierStore, so any number of
// coordinators in any number of processes can run concurrently.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/canvas/pkg/api"
)

// Config describes how to construct a Coordinator.
type Config struct {
	Registry api.TaskRegistry
	Store    api.BarrierStore
	Observer api.Observer
}

// Coordinator is invoked once per successfully completed job.
type Coordinator struct {
	registry api.TaskRegistry
	store    api.BarrierStore
	observer api.Observer
}

// New creates a Coordinator. Registry and Store are required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("coordinator: task registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("coordinator: barrier store is required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &Coordinator{
		registry: cfg.Registry,
		store:    cfg.Store,
		observer: obs,
	}, nil
}

// HandleCompletion inspects job for workflow metadata and runs the chain or
// chord protocol. Jobs without metadata are ignored.
//
// Errors are never retried here; they propagate to the hosting engine.
func (c *Coordinator) HandleCompletion(ctx context.Context, job api.CompletedJob) error {
	err := c.handle(ctx, job)
	if err != nil {
		c.observer.OnCoordinationFailed(ctx, job, err)
	}
	return err
}

func (c *Coordinator) handle(ctx context.Context, job api.CompletedJob) error {
	chain, err := api.DecodeChain(job.Kwargs)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	chord, err := api.DecodeChord(job.Kwargs)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	switch {
	case chain != nil && chord != nil:
		return fmt.Errorf("job %s: %w: both chain and chord metadata present", job.ID, api.ErrMalformedMetadata)
	case chain != nil:
		return c.continueChain(ctx, job, chain)
	case chord != nil:
		return c.completeChordMember(ctx, job, chord)
	default:
		return nil
	}
}

func (c *Coordinator) continueChain(ctx context.Context, job api.CompletedJob, chain *api.ChainContinuation) error {
	if len(chain.Remaining) == 0 {
		c.observer.OnChainFinished(ctx, chain.ChainID)
		return nil
	}

	next := chain.Remaining[0]
	if err := next.Validate(); err != nil {
		return fmt.Errorf("chain %s: %w", chain.ChainID, err)
	}

	kw := next.Kwargs.Clone()
	kw[api.ResultKey] = job.Result
	kw = api.ChainContinuation{
		ChainID:   chain.ChainID,
		Remaining: chain.Remaining[1:],
	}.Attach(kw)

	jobID, err := c.dispatch(ctx, next, kw)
	if err != nil {
		return fmt.Errorf("chain %s: %w", chain.ChainID, err)
	}

	c.observer.OnChainAdvanced(ctx, chain.ChainID, next.TaskName, jobID)
	return nil
}

func (c *Coordinator) completeChordMember(ctx context.Context, job api.CompletedJob, chord *api.ChordMembership) error {
	if err := chord.Callback.Validate(); err != nil {
		return fmt.Errorf("chord %s: callback: %w", chord.ChordID, err)
	}

	// Every member attempts the insert; only one wins and all proceed.
	_, err := c.store.CreateBarrier(ctx, api.ChordBarrier{
		ChordID:    chord.ChordID,
		HeaderSize: chord.HeaderSize,
		Results:    []any{},
		Callback:   chord.Callback,
	})
	if err != nil {
		return fmt.Errorf("chord %s: create barrier: %w", chord.ChordID, err)
	}

	update, err := c.store.IncrementAndAppend(ctx, chord.ChordID, job.ID, job.Result)
	if err != nil {
		return fmt.Errorf("chord %s: increment barrier: %w", chord.ChordID, err)
	}

	switch update.Outcome {
	case api.BarrierAlreadyFinalized, api.BarrierDuplicate:
		c.observer.OnChordNoop(ctx, chord.ChordID, update.Outcome)
		return nil
	case api.BarrierUpdated:
	default:
		return fmt.Errorf("chord %s: unexpected barrier outcome %d", chord.ChordID, update.Outcome)
	}

	barrier := update.Barrier
	if !barrier.Closed() {
		c.observer.OnChordProgress(ctx, chord.ChordID, barrier.CompletedCount, barrier.HeaderSize)
		return nil
	}

	// Only the completer whose increment closed the barrier gets here.
	return c.finalize(ctx, barrier)
}

// FinalizeChord dispatches the callback of a closed chord whose earlier
// finalization failed, then removes the barrier. It returns
// api.ErrBarrierNotFound for unknown or already finalized chords and
// api.ErrChordNotClosed while header jobs are still outstanding.
//
// Callers must not run FinalizeChord while the closing completion is still
// being handled, or the callback may be dispatched twice.
func (c *Coordinator) FinalizeChord(ctx context.Context, chordID string) error {
	barrier, err := c.store.GetBarrier(ctx, chordID)
	if err != nil {
		return fmt.Errorf("chord %s: %w", chordID, err)
	}
	if !barrier.Closed() {
		return fmt.Errorf("chord %s: %w: %d of %d completed", chordID, api.ErrChordNotClosed, barrier.CompletedCount, barrier.HeaderSize)
	}
	return c.finalize(ctx, barrier)
}

func (c *Coordinator) finalize(ctx context.Context, barrier *api.ChordBarrier) error {
	callback := barrier.Callback
	if err := callback.Validate(); err != nil {
		return fmt.Errorf("chord %s: stored callback: %w", barrier.ChordID, err)
	}
	results := barrier.Results
	if results == nil {
		results = []any{}
	}
	kw := callback.Kwargs.Clone()
	kw[api.ResultKey] = results

	jobID, err := c.dispatch(ctx, callback, kw)
	if err != nil {
		// The barrier stays in place so FinalizeChord can retry.
		return fmt.Errorf("chord %s: callback: %w", barrier.ChordID, err)
	}

	if err := c.store.DeleteBarrier(ctx, barrier.ChordID); err != nil {
		return fmt.Errorf("chord %s: delete barrier: %w", barrier.ChordID, err)
	}

	c.observer.OnChordClosed(ctx, barrier.ChordID, callback.TaskName, jobID)
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, desc api.TaskDescriptor, kw api.Kwargs) (string, error) {
	task, err := c.registry.Lookup(desc.TaskName)
	if err != nil {
		return "", err
	}
	jobID, err := task.Configure(desc.Options).Defer(ctx, kw)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %w", desc.TaskName, err)
	}
	return jobID, nil
}
