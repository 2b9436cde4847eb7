package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Signature describes one task invocation. Treat it as immutable: every
// method returns new values and never mutates the receiver's maps.
type Signature struct {
	Task    Dispatchable
	Kwargs  Kwargs
	Options Options
}

// Chainable is implemented by Signature and Chain so both can be
// concatenated into a Chain.
type Chainable interface {
	chainSignatures() []Signature
}

// NewSignature builds a Signature. Multiple opts are merged left to right.
func NewSignature(task Dispatchable, kw Kwargs, opts ...Options) Signature {
	var merged Options
	for _, o := range opts {
		merged = merged.Merge(o)
	}
	return Signature{Task: task, Kwargs: kw.Clone(), Options: merged}
}

func (s Signature) chainSignatures() []Signature { return []Signature{s} }

// Then returns the chain s, items...
func (s Signature) Then(items ...Chainable) Chain {
	return NewChain(append([]Chainable{s}, items...)...)
}

// Descriptor captures s by value for embedding into job metadata.
func (s Signature) Descriptor() TaskDescriptor {
	return TaskDescriptor{
		Version:  DescriptorVersion,
		TaskName: s.Task.Name(),
		Kwargs:   s.Kwargs.Clone(),
		Options:  s.Options,
	}
}

func (s Signature) validate() error {
	if s.Task == nil {
		return ErrNilTask
	}
	return ValidateKwargNames(s.Kwargs)
}

// buildKwargs merges overrides onto the signature kwargs and injects upstream
// results: one result is injected as-is, several as a []any.
func (s Signature) buildKwargs(overrides Kwargs, results []any) (Kwargs, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if err := ValidateKwargNames(overrides); err != nil {
		return nil, err
	}
	kw := s.Kwargs.Merge(overrides)
	switch len(results) {
	case 0:
	case 1:
		kw[ResultKey] = results[0]
	default:
		kw[ResultKey] = append([]any(nil), results...)
	}
	return kw, nil
}

// Apply dispatches the signature and returns the new job id.
func (s Signature) Apply(ctx context.Context, overrides Kwargs, results ...any) (string, error) {
	kw, err := s.buildKwargs(overrides, results)
	if err != nil {
		return "", err
	}
	return s.Task.Configure(s.Options).Defer(ctx, kw)
}

// ApplyAsync is the non-blocking form of Apply.
func (s Signature) ApplyAsync(ctx context.Context, overrides Kwargs, results ...any) *Future[string] {
	kw, err := s.buildKwargs(overrides, results)
	if err != nil {
		return failed[string](err)
	}
	return s.Task.Configure(s.Options).DeferAsync(ctx, kw)
}

// Chain runs its signatures sequentially, feeding each result to the next.
type Chain struct {
	Signatures []Signature
}

// NewChain flattens signatures and chains into a single Chain.
func NewChain(items ...Chainable) Chain {
	var sigs []Signature
	for _, item := range items {
		if item == nil {
			continue
		}
		sigs = append(sigs, item.chainSignatures()...)
	}
	return Chain{Signatures: sigs}
}

func (c Chain) chainSignatures() []Signature {
	return append([]Signature(nil), c.Signatures...)
}

// Then returns a new chain with items appended.
func (c Chain) Then(items ...Chainable) Chain {
	return NewChain(append([]Chainable{c}, items...)...)
}

// prepare builds the first job's kwargs with the continuation attached.
func (c Chain) prepare(overrides Kwargs) (Signature, Kwargs, error) {
	if len(c.Signatures) == 0 {
		return Signature{}, nil, ErrEmptyChain
	}
	for _, sig := range c.Signatures {
		if err := sig.validate(); err != nil {
			return Signature{}, nil, err
		}
	}
	if err := ValidateKwargNames(overrides); err != nil {
		return Signature{}, nil, err
	}

	rest := c.Signatures[1:]
	cont := ChainContinuation{
		ChainID:   uuid.NewString(),
		Remaining: make([]TaskDescriptor, 0, len(rest)),
	}
	for _, sig := range rest {
		cont.Remaining = append(cont.Remaining, sig.Descriptor())
	}

	first := c.Signatures[0]
	kw := cont.Attach(first.Kwargs).Merge(overrides)
	return first, kw, nil
}

// Apply dispatches the first signature only and returns its job id. The rest
// of the chain travels inside that job's kwargs.
func (c Chain) Apply(ctx context.Context, overrides Kwargs) (string, error) {
	first, kw, err := c.prepare(overrides)
	if err != nil {
		return "", err
	}
	return first.Task.Configure(first.Options).Defer(ctx, kw)
}

// ApplyAsync is the non-blocking form of Apply.
func (c Chain) ApplyAsync(ctx context.Context, overrides Kwargs) *Future[string] {
	first, kw, err := c.prepare(overrides)
	if err != nil {
		return failed[string](err)
	}
	return first.Task.Configure(first.Options).DeferAsync(ctx, kw)
}

// Group dispatches its signatures independently.
type Group struct {
	Signatures []Signature
}

// NewGroup builds a Group.
func NewGroup(sigs ...Signature) Group {
	return Group{Signatures: append([]Signature(nil), sigs...)}
}

// Apply dispatches every member in order and returns job ids in dispatch
// order. On failure it returns the ids dispatched so far with the error.
func (g Group) Apply(ctx context.Context, overrides Kwargs) ([]string, error) {
	ids := make([]string, 0, len(g.Signatures))
	for i, sig := range g.Signatures {
		id, err := sig.Apply(ctx, overrides)
		if err != nil {
			return ids, fmt.Errorf("group member %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ApplyAsync is the non-blocking form of Apply.
func (g Group) ApplyAsync(ctx context.Context, overrides Kwargs) *Future[[]string] {
	return Go(ctx, func(ctx context.Context) ([]string, error) {
		return g.Apply(ctx, overrides)
	})
}

// Chord runs Header and then Body, once, with every header result.
type Chord struct {
	Header Group
	Body   Signature
}

// NewChord builds a Chord.
func NewChord(header Group, body Signature) Chord {
	return Chord{Header: header, Body: body}
}

// Apply dispatches every header member with chord membership metadata and
// returns the chord id. The body is dispatched later by the coordinator.
func (c Chord) Apply(ctx context.Context, overrides Kwargs) (string, error) {
	size := len(c.Header.Signatures)
	if size == 0 {
		return "", ErrEmptyChord
	}
	if err := c.Body.validate(); err != nil {
		return "", fmt.Errorf("chord body: %w", err)
	}
	for _, sig := range c.Header.Signatures {
		if err := sig.validate(); err != nil {
			return "", err
		}
	}
	if err := ValidateKwargNames(overrides); err != nil {
		return "", err
	}

	membership := ChordMembership{
		ChordID:    uuid.NewString(),
		HeaderSize: size,
		Callback:   c.Body.Descriptor(),
	}
	for i, sig := range c.Header.Signatures {
		kw := membership.Attach(sig.Kwargs).Merge(overrides)
		if _, err := sig.Task.Configure(sig.Options).Defer(ctx, kw); err != nil {
			return membership.ChordID, fmt.Errorf("chord %s: dispatch header %d/%d: %w", membership.ChordID, i+1, size, err)
		}
	}
	return membership.ChordID, nil
}

// ApplyAsync is the non-blocking form of Apply.
func (c Chord) ApplyAsync(ctx context.Context, overrides Kwargs) *Future[string] {
	return Go(ctx, func(ctx context.Context) (string, error) {
		return c.Apply(ctx, overrides)
	})
}

func failed[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}
