package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/canvas/internal/persistence"
	"github.com/petrijr/canvas/pkg/api"
)

// dispatched is a job handed to the fake registry.
type dispatched struct {
	ID      string
	Task    string
	Kwargs  api.Kwargs
	Options api.Options
}

// fakeRegistry records every dispatch instead of enqueuing it.
type fakeRegistry struct {
	mu      sync.Mutex
	known   map[string]bool
	failing map[string]error
	jobs    []dispatched
	seq     int
}

func newFakeRegistry(names ...string) *fakeRegistry {
	r := &fakeRegistry{known: map[string]bool{}, failing: map[string]error{}}
	for _, n := range names {
		r.known[n] = true
	}
	return r
}

func (r *fakeRegistry) Lookup(name string) (api.Dispatchable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[name] {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, name)
	}
	return fakeTask{reg: r, name: name}, nil
}

func (r *fakeRegistry) dispatched() []dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatched(nil), r.jobs...)
}

func (r *fakeRegistry) failWith(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[name] = err
}

type fakeTask struct {
	reg  *fakeRegistry
	name string
}

func (t fakeTask) Name() string { return t.name }

func (t fakeTask) Configure(opts api.Options) api.Deferrer {
	return fakeDeferrer{task: t, opts: opts}
}

type fakeDeferrer struct {
	task fakeTask
	opts api.Options
}

func (d fakeDeferrer) Defer(_ context.Context, kw api.Kwargs) (string, error) {
	r := d.task.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failing[d.task.name]; err != nil {
		return "", err
	}
	r.seq++
	id := fmt.Sprintf("job-%d", r.seq)
	r.jobs = append(r.jobs, dispatched{ID: id, Task: d.task.name, Kwargs: kw.Clone(), Options: d.opts})
	return id, nil
}

func (d fakeDeferrer) DeferAsync(ctx context.Context, kw api.Kwargs) *api.Future[string] {
	return api.Go(ctx, func(ctx context.Context) (string, error) {
		return d.Defer(ctx, kw)
	})
}

// failingStore wraps a store and fails selected operations.
type failingStore struct {
	api.BarrierStore
	incrementErr error
	deleteErr    error
}

func (s *failingStore) IncrementAndAppend(ctx context.Context, chordID, jobID string, result any) (api.BarrierUpdate, error) {
	if s.incrementErr != nil {
		return api.BarrierUpdate{}, s.incrementErr
	}
	return s.BarrierStore.IncrementAndAppend(ctx, chordID, jobID, result)
}

func (s *failingStore) DeleteBarrier(ctx context.Context, chordID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.BarrierStore.DeleteBarrier(ctx, chordID)
}

func newTestCoordinator(t *testing.T, reg api.TaskRegistry, store api.BarrierStore) (*Coordinator, *api.BasicMetrics) {
	t.Helper()
	metrics := &api.BasicMetrics{}
	c, err := New(Config{Registry: reg, Store: store, Observer: metrics})
	require.NoError(t, err)
	return c, metrics
}

func descriptor(name string, kw api.Kwargs) api.TaskDescriptor {
	return api.TaskDescriptor{Version: api.DescriptorVersion, TaskName: name, Kwargs: kw}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Store: persistence.NewInMemoryBarrierStore()})
	require.Error(t, err)

	_, err = New(Config{Registry: newFakeRegistry()})
	require.Error(t, err)

	c, err := New(Config{Registry: newFakeRegistry(), Store: persistence.NewInMemoryBarrierStore()})
	require.NoError(t, err)
	require.IsType(t, api.NoopObserver{}, c.observer)
}

func TestHandleCompletion_NoMetadataIsNoop(t *testing.T) {
	reg := newFakeRegistry("add")
	c, metrics := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	err := c.HandleCompletion(context.Background(), api.CompletedJob{
		ID:       "j1",
		TaskName: "add",
		Kwargs:   api.Kwargs{"a": 1},
		Result:   2,
	})
	require.NoError(t, err)
	require.Empty(t, reg.dispatched())
	require.Equal(t, api.BasicMetricsSnapshot{}, metrics.Snapshot())
}

func TestHandleCompletion_ChainAdvancesOneHop(t *testing.T) {
	reg := newFakeRegistry("add", "mul")
	c, metrics := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	next := descriptor("add", api.Kwargs{"b": 4})
	next.Options = api.Options{Queue: "math", Priority: 3}
	kw := api.ChainContinuation{
		ChainID:   "chain-1",
		Remaining: []api.TaskDescriptor{next, descriptor("mul", api.Kwargs{"factor": 2})},
	}.Attach(api.Kwargs{"a": 2, "b": 2})

	err := c.HandleCompletion(context.Background(), api.CompletedJob{ID: "j1", TaskName: "add", Kwargs: kw, Result: 4})
	require.NoError(t, err)

	jobs := reg.dispatched()
	require.Len(t, jobs, 1)
	require.Equal(t, "add", jobs[0].Task)
	require.Equal(t, "math", jobs[0].Options.Queue)
	require.Equal(t, 3, jobs[0].Options.Priority)
	require.Equal(t, 4, jobs[0].Kwargs["b"])
	require.Equal(t, 4, jobs[0].Kwargs[api.ResultKey])
	require.NotContains(t, jobs[0].Kwargs, "a", "previous hop kwargs must not leak")

	cont, err := api.DecodeChain(jobs[0].Kwargs)
	require.NoError(t, err)
	require.NotNil(t, cont)
	require.Equal(t, "chain-1", cont.ChainID)
	require.Len(t, cont.Remaining, 1)
	require.Equal(t, "mul", cont.Remaining[0].TaskName)

	require.Equal(t, int64(1), metrics.Snapshot().ChainHops)
}

func TestHandleCompletion_ChainResultOverwritesStaleValue(t *testing.T) {
	reg := newFakeRegistry("mul")
	c, _ := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	// A descriptor decoded from JSON could carry a leftover result key.
	next := descriptor("mul", api.Kwargs{api.ResultKey: "stale"})
	kw := api.ChainContinuation{ChainID: "c", Remaining: []api.TaskDescriptor{next}}.Attach(nil)

	require.NoError(t, c.HandleCompletion(context.Background(), api.CompletedJob{ID: "j1", Kwargs: kw, Result: 8}))
	require.Equal(t, 8, reg.dispatched()[0].Kwargs[api.ResultKey])
}

func TestHandleCompletion_ChainLastHopFinishes(t *testing.T) {
	reg := newFakeRegistry("mul")
	c, metrics := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	kw := api.ChainContinuation{ChainID: "chain-1"}.Attach(api.Kwargs{"factor": 2})
	err := c.HandleCompletion(context.Background(), api.CompletedJob{ID: "j3", TaskName: "mul", Kwargs: kw, Result: 16})
	require.NoError(t, err)
	require.Empty(t, reg.dispatched())
	require.Equal(t, int64(1), metrics.Snapshot().ChainsFinished)
}

func TestHandleCompletion_ChainUnknownTask(t *testing.T) {
	reg := newFakeRegistry()
	c, metrics := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	kw := api.ChainContinuation{ChainID: "c", Remaining: []api.TaskDescriptor{descriptor("ghost", nil)}}.Attach(nil)
	err := c.HandleCompletion(context.Background(), api.CompletedJob{ID: "j1", Kwargs: kw, Result: 1})
	require.ErrorIs(t, err, api.ErrTaskNotFound)
	require.Equal(t, int64(1), metrics.Snapshot().CoordinationErrors)
}

func TestHandleCompletion_ChainDispatchFailurePropagates(t *testing.T) {
	reg := newFakeRegistry("add")
	boom := errors.New("queue unavailable")
	reg.failWith("add", boom)
	c, _ := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	kw := api.ChainContinuation{ChainID: "c", Remaining: []api.TaskDescriptor{descriptor("add", nil)}}.Attach(nil)
	err := c.HandleCompletion(context.Background(), api.CompletedJob{ID: "j1", Kwargs: kw, Result: 1})
	require.ErrorIs(t, err, boom)
}

func TestHandleCompletion_MalformedMetadata(t *testing.T) {
	reg := newFakeRegistry("add")
	c, metrics := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	cases := map[string]api.Kwargs{
		"partial chain":  {api.ChainIDKey: "c"},
		"partial chord":  {api.ChordIDKey: "c", api.ChordSizeKey: 2},
		"bad chord size": {api.ChordIDKey: "c", api.ChordSizeKey: 0, api.ChordCallbackKey: descriptor("add", nil)},
		"both families": api.ChordMembership{ChordID: "d", HeaderSize: 1, Callback: descriptor("add", nil)}.Attach(
			api.ChainContinuation{ChainID: "c"}.Attach(nil),
		),
		"newer descriptor": api.ChainContinuation{
			ChainID:   "c",
			Remaining: []api.TaskDescriptor{{Version: api.DescriptorVersion + 1, TaskName: "add"}},
		}.Attach(nil),
	}

	for name, kw := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.HandleCompletion(context.Background(), api.CompletedJob{ID: "j", Kwargs: kw})
			require.Error(t, err)
			require.True(t,
				errors.Is(err, api.ErrMalformedMetadata) || errors.Is(err, api.ErrUnsupportedDescriptorVersion),
				"unexpected error: %v", err)
		})
	}
	require.Empty(t, reg.dispatched())
	require.Equal(t, int64(len(cases)), metrics.Snapshot().CoordinationErrors)
}

// chordMember builds the completion of one header job.
func chordMember(chordID string, size int, jobID string, result any) api.CompletedJob {
	kw := api.ChordMembership{
		ChordID:    chordID,
		HeaderSize: size,
		Callback:   descriptor("sum_all", api.Kwargs{"label": "total"}),
	}.Attach(api.Kwargs{"x": 1})
	return api.CompletedJob{ID: jobID, TaskName: "add", Kwargs: kw, Result: result}
}

func TestHandleCompletion_ChordClosesOnLastMember(t *testing.T) {
	reg := newFakeRegistry("sum_all")
	store := persistence.NewInMemoryBarrierStore()
	c, metrics := newTestCoordinator(t, reg, store)
	ctx := context.Background()

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-1", 3, "h1", 0)))
	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-1", 3, "h2", 2)))
	require.Empty(t, reg.dispatched())

	b, err := store.GetBarrier(ctx, "chord-1")
	require.NoError(t, err)
	require.Equal(t, 2, b.CompletedCount)

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-1", 3, "h3", 4)))

	jobs := reg.dispatched()
	require.Len(t, jobs, 1)
	require.Equal(t, "sum_all", jobs[0].Task)
	require.Equal(t, "total", jobs[0].Kwargs["label"])
	require.Equal(t, []any{float64(0), float64(2), float64(4)}, jobs[0].Kwargs[api.ResultKey])

	_, err = store.GetBarrier(ctx, "chord-1")
	require.ErrorIs(t, err, api.ErrBarrierNotFound)

	snap := metrics.Snapshot()
	require.Equal(t, int64(3), snap.ChordCompletions)
	require.Equal(t, int64(1), snap.ChordsClosed)
}

func TestHandleCompletion_ChordAnyOrderSumsToSix(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}
	results := []int{0, 2, 4}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			reg := newFakeRegistry("sum_all")
			c, _ := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

			for _, i := range order {
				job := chordMember("chord", 3, fmt.Sprintf("h%d", i), results[i])
				require.NoError(t, c.HandleCompletion(context.Background(), job))
			}

			jobs := reg.dispatched()
			require.Len(t, jobs, 1)
			collected, ok, err := api.Result[[]int](jobs[0].Kwargs)
			require.NoError(t, err)
			require.True(t, ok)

			sum := 0
			for _, v := range collected {
				sum += v
			}
			require.Equal(t, 6, sum)
		})
	}
}

func TestHandleCompletion_ChordConcurrentFiresOnce(t *testing.T) {
	const size = 32
	reg := newFakeRegistry("sum_all")
	store := persistence.NewInMemoryBarrierStore()
	c, metrics := newTestCoordinator(t, reg, store)

	perm := rand.Perm(size)
	var wg sync.WaitGroup
	errs := make(chan error, size)
	for _, i := range perm {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- c.HandleCompletion(context.Background(), chordMember("chord-race", size, fmt.Sprintf("h%d", i), i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	jobs := reg.dispatched()
	require.Len(t, jobs, 1)
	collected, _, err := api.Result[[]int](jobs[0].Kwargs)
	require.NoError(t, err)
	require.Len(t, collected, size)
	require.Equal(t, int64(1), metrics.Snapshot().ChordsClosed)
}

func TestHandleCompletion_ChordDuplicateDeliveryIgnored(t *testing.T) {
	reg := newFakeRegistry("sum_all")
	store := persistence.NewInMemoryBarrierStore()
	c, metrics := newTestCoordinator(t, reg, store)
	ctx := context.Background()

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-dup", 2, "h1", 1)))
	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-dup", 2, "h1", 1)))
	require.Empty(t, reg.dispatched(), "a redelivered member must not close the barrier")

	b, err := store.GetBarrier(ctx, "chord-dup")
	require.NoError(t, err)
	require.Equal(t, 1, b.CompletedCount)

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-dup", 2, "h2", 2)))
	require.Len(t, reg.dispatched(), 1)
	require.Equal(t, int64(1), metrics.Snapshot().ChordNoops)
}

func TestHandleCompletion_ChordCallbackFailureKeepsBarrier(t *testing.T) {
	reg := newFakeRegistry("sum_all")
	boom := errors.New("queue unavailable")
	reg.failWith("sum_all", boom)
	store := persistence.NewInMemoryBarrierStore()
	c, metrics := newTestCoordinator(t, reg, store)
	ctx := context.Background()

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-fail", 2, "h1", 1)))
	err := c.HandleCompletion(ctx, chordMember("chord-fail", 2, "h2", 2))
	require.ErrorIs(t, err, boom)

	b, err := store.GetBarrier(ctx, "chord-fail")
	require.NoError(t, err)
	require.True(t, b.Closed())
	require.Equal(t, int64(1), metrics.Snapshot().CoordinationErrors)

	// Redelivering the closing member is a duplicate and cannot finish it.
	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-fail", 2, "h2", 2)))
	require.Empty(t, reg.dispatched())

	// Still failing: the barrier survives another attempt.
	require.ErrorIs(t, c.FinalizeChord(ctx, "chord-fail"), boom)
	_, err = store.GetBarrier(ctx, "chord-fail")
	require.NoError(t, err)

	reg.failWith("sum_all", nil)
	require.NoError(t, c.FinalizeChord(ctx, "chord-fail"))

	jobs := reg.dispatched()
	require.Len(t, jobs, 1)
	require.Equal(t, "sum_all", jobs[0].Task)
	require.Equal(t, []any{float64(1), float64(2)}, jobs[0].Kwargs[api.ResultKey])

	_, err = store.GetBarrier(ctx, "chord-fail")
	require.ErrorIs(t, err, api.ErrBarrierNotFound)
	require.ErrorIs(t, c.FinalizeChord(ctx, "chord-fail"), api.ErrBarrierNotFound)
	require.Len(t, reg.dispatched(), 1)
	require.Equal(t, int64(1), metrics.Snapshot().ChordsClosed)
}

func TestFinalizeChord_RejectsOpenBarrier(t *testing.T) {
	reg := newFakeRegistry("sum_all")
	store := persistence.NewInMemoryBarrierStore()
	c, _ := newTestCoordinator(t, reg, store)
	ctx := context.Background()

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-open", 3, "h1", 1)))

	require.ErrorIs(t, c.FinalizeChord(ctx, "chord-open"), api.ErrChordNotClosed)
	require.Empty(t, reg.dispatched())

	b, err := store.GetBarrier(ctx, "chord-open")
	require.NoError(t, err)
	require.Equal(t, 1, b.CompletedCount)
}

func TestHandleCompletion_ChordCallbackNotRegistered(t *testing.T) {
	reg := newFakeRegistry()
	c, _ := newTestCoordinator(t, reg, persistence.NewInMemoryBarrierStore())

	err := c.HandleCompletion(context.Background(), chordMember("chord-ghost", 1, "h1", 1))
	require.ErrorIs(t, err, api.ErrTaskNotFound)
}

func TestHandleCompletion_ChordStoreErrors(t *testing.T) {
	boom := errors.New("store down")
	reg := newFakeRegistry("sum_all")

	t.Run("increment", func(t *testing.T) {
		store := &failingStore{BarrierStore: persistence.NewInMemoryBarrierStore(), incrementErr: boom}
		c, _ := newTestCoordinator(t, reg, store)
		err := c.HandleCompletion(context.Background(), chordMember("chord-x", 1, "h1", 1))
		require.ErrorIs(t, err, boom)
	})

	t.Run("delete after dispatch", func(t *testing.T) {
		store := &failingStore{BarrierStore: persistence.NewInMemoryBarrierStore(), deleteErr: boom}
		c, _ := newTestCoordinator(t, reg, store)
		err := c.HandleCompletion(context.Background(), chordMember("chord-y", 1, "h1", 1))
		require.ErrorIs(t, err, boom)
	})
}

func TestHandleCompletion_ChordAfterFinalizeIsNoop(t *testing.T) {
	reg := newFakeRegistry("sum_all")
	store := persistence.NewInMemoryBarrierStore()
	c, metrics := newTestCoordinator(t, reg, store)
	ctx := context.Background()

	// Simulate a racing completer that closed and removed the barrier
	// between CreateBarrier and IncrementAndAppend.
	racing := &racingStore{BarrierStore: store}
	c.store = racing

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-gone", 2, "h1", 1)))
	require.Empty(t, reg.dispatched())
	require.Equal(t, int64(1), metrics.Snapshot().ChordNoops)
}

func TestHandleCompletion_RedeliveryAfterFinalizeDoesNotReopen(t *testing.T) {
	reg := newFakeRegistry("sum_all")
	store := persistence.NewInMemoryBarrierStore()
	c, metrics := newTestCoordinator(t, reg, store)
	ctx := context.Background()

	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-one", 1, "h1", 7)))
	require.Len(t, reg.dispatched(), 1)

	// The only member is delivered again after the callback was dispatched.
	require.NoError(t, c.HandleCompletion(ctx, chordMember("chord-one", 1, "h1", 7)))
	require.Len(t, reg.dispatched(), 1)
	require.Equal(t, int64(1), metrics.Snapshot().ChordsClosed)
	require.Equal(t, int64(1), metrics.Snapshot().ChordNoops)

	_, err := store.GetBarrier(ctx, "chord-one")
	require.ErrorIs(t, err, api.ErrBarrierNotFound)
}

type racingStore struct {
	api.BarrierStore
}

func (s *racingStore) IncrementAndAppend(ctx context.Context, chordID, jobID string, result any) (api.BarrierUpdate, error) {
	if err := s.BarrierStore.DeleteBarrier(ctx, chordID); err != nil {
		return api.BarrierUpdate{}, err
	}
	return s.BarrierStore.IncrementAndAppend(ctx, chordID, jobID, result)
}
