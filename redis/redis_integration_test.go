package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/canvas"
	"github.com/petrijr/canvas/internal/testutil"
	"github.com/petrijr/canvas/pkg/worker"
)

// TestRedisQueueAndStoreRunChord runs a chord end-to-end through the public
// constructors: jobs travel through the Redis queue and the barrier lives in
// Redis.
func TestRedisQueueAndStoreRunChord(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})
	require.NoError(t, client.Ping(ctx).Err(), "redis ping failed")

	queue := NewRedisQueue(client, "canvas:it:")
	store := NewRedisBarrierStore(client, "canvas:it:")
	reg := canvas.NewRegistry(queue)
	metrics := &canvas.BasicMetrics{}
	coord, err := canvas.NewCoordinator(reg, store, metrics)
	require.NoError(t, err)

	totals := make(chan int, 1)
	square := reg.MustRegister("square", func(ctx context.Context, kw canvas.Kwargs) (any, error) {
		n, err := canvas.Arg[int](kw, "n")
		if err != nil {
			return nil, err
		}
		return n * n, nil
	})
	total := reg.MustRegister("total", func(ctx context.Context, kw canvas.Kwargs) (any, error) {
		values, _, err := canvas.Result[[]int](kw)
		if err != nil {
			return nil, err
		}
		sum := 0
		for _, v := range values {
			sum += v
		}
		totals <- sum
		return sum, nil
	}, canvas.WithDefaults(canvas.Options{Queue: "callbacks"}))

	chordID, err := canvas.NewChord(
		canvas.NewGroup(
			square.S(canvas.Kwargs{"n": 1}),
			square.S(canvas.Kwargs{"n": 2}),
			square.S(canvas.Kwargs{"n": 3}),
		),
		total.S(nil),
	).Apply(ctx, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := worker.NewWithConfig(queue, reg, coord, worker.Config{Logger: logger})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx, 3) }()

	select {
	case got := <-totals:
		require.Equal(t, 14, got)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for chord callback")
	}
	require.Eventually(t, func() bool {
		return metrics.Snapshot().ChordsClosed == 1
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	require.NoError(t, <-done)

	_, err = store.GetBarrier(ctx, chordID)
	require.ErrorIs(t, err, canvas.ErrBarrierNotFound)
}
