package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/canvas/pkg/api"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// Every pooled connection to :memory: would be a separate database.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func TestSQLiteQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	jobs := []Job{
		{ID: "1", TaskName: "add", Kwargs: api.Kwargs{"a": 1}},
		{ID: "2", TaskName: "add", Kwargs: api.Kwargs{"a": 2}},
		{ID: "3", TaskName: "add", Kwargs: api.Kwargs{"a": 3}},
	}
	for _, j := range jobs {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue %s failed: %v", j.ID, err)
		}
	}

	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for i, want := range jobs {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		if got.ID != want.ID || got.TaskName != "add" {
			t.Fatalf("unexpected job %d: %+v", i, got)
		}
		// Kwargs come back as decoded JSON.
		if got.Kwargs["a"] != float64(i+1) {
			t.Fatalf("unexpected kwargs for job %d: %v", i, got.Kwargs)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after dequeues, got %d", q.Len())
	}
}

func TestSQLiteQueue_PreservesJobFields(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	in := Job{
		ID:          "job-1",
		TaskName:    "mul",
		Kwargs:      api.Kwargs{"factor": 2, "tags": []string{"x"}},
		Queue:       "math",
		Priority:    7,
		Lock:        "account-42",
		MaxAttempts: 5,
		Attempts:    2,
	}
	if err := q.Enqueue(ctx, in); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.Queue != "math" || got.Priority != 7 || got.Lock != "account-42" || got.MaxAttempts != 5 || got.Attempts != 2 {
		t.Fatalf("options not preserved: %+v", got)
	}
	tags, err := api.Arg[[]string](got.Kwargs, "tags")
	if err != nil || len(tags) != 1 || tags[0] != "x" {
		t.Fatalf("unexpected tags: %v, %v", tags, err)
	}
	if got.EnqueuedAt.IsZero() || got.NotBefore.IsZero() {
		t.Fatalf("expected timestamps to be set: %+v", got)
	}
}

func TestSQLiteQueue_HigherPriorityFirst(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Second)
	if err := q.Enqueue(ctx, Job{ID: "low", TaskName: "t", NotBefore: past}); err != nil {
		t.Fatalf("Enqueue low failed: %v", err)
	}
	if err := q.Enqueue(ctx, Job{ID: "high", TaskName: "t", Priority: 10, NotBefore: past}); err != nil {
		t.Fatalf("Enqueue high failed: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != "high" {
		t.Fatalf("expected high priority job first, got %q", got.ID)
	}
}

func TestSQLiteQueue_DequeueBlocksUntilJobArrives(t *testing.T) {
	q := newTestSQLiteQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	resultCh := make(chan *Job, 1)
	errCh := make(chan error, 1)

	go func() {
		j, err := q.Dequeue(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- j
	}()

	// Sleep a bit, then enqueue.
	time.Sleep(50 * time.Millisecond)
	if err := q.Enqueue(context.Background(), Job{ID: "late", TaskName: "t", Kwargs: api.Kwargs{}}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue returned error: %v", err)
	case j := <-resultCh:
		if j.ID != "late" {
			t.Fatalf("unexpected job from Dequeue: %+v", j)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for Dequeue to return")
	}
}

func TestSQLiteQueue_DequeueHonorsContextCancellation(t *testing.T) {
	q := newTestSQLiteQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected Dequeue to fail due to context cancellation")
	}
}

func TestSQLiteQueue_ScheduledJobsNotDequeuedBeforeNotBefore(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	delay := 50 * time.Millisecond
	if err := q.Enqueue(ctx, Job{ID: "immediate", TaskName: "t"}); err != nil {
		t.Fatalf("Enqueue immediate failed: %v", err)
	}
	if err := q.Enqueue(ctx, Job{ID: "delayed", TaskName: "t", NotBefore: time.Now().Add(delay)}); err != nil {
		t.Fatalf("Enqueue delayed failed: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue first failed: %v", err)
	}
	if first.ID != "immediate" {
		t.Fatalf("expected immediate job first, got %+v", first)
	}

	// Second Dequeue should block until notBefore is reached.
	start := time.Now()
	second, err := q.Dequeue(ctx)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Dequeue second failed: %v", err)
	}
	if second.ID != "delayed" {
		t.Fatalf("expected delayed job second, got %+v", second)
	}
	// Allow a bit of slack.
	if elapsed < delay/2 {
		t.Fatalf("expected elapsed >= %v/2, got %v", delay, elapsed)
	}
}

func TestSQLiteQueue_ConcurrentDequeue_NoDuplicates(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := q.Enqueue(ctx, Job{ID: "only", TaskName: "t"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	results := make(chan *Job, 2)
	deq := func() {
		got, _ := q.Dequeue(ctx)
		results <- got
	}
	go deq()
	go deq()

	count := 0
	for i := 0; i < 2; i++ {
		if j := <-results; j != nil {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one job dequeued, got %d", count)
	}
}

func TestSQLiteQueue_DequeueFiltersByQueue(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Second)
	if err := q.Enqueue(ctx, Job{ID: "plain", TaskName: "t", NotBefore: past}); err != nil {
		t.Fatalf("Enqueue plain failed: %v", err)
	}
	if err := q.Enqueue(ctx, Job{ID: "cb", TaskName: "t", Queue: "callbacks"}); err != nil {
		t.Fatalf("Enqueue cb failed: %v", err)
	}

	got, err := q.Dequeue(ctx, "callbacks", "reports")
	if err != nil {
		t.Fatalf("Dequeue callbacks failed: %v", err)
	}
	if got.ID != "cb" {
		t.Fatalf("expected callbacks job, got %+v", got)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short, "callbacks"); err == nil {
		t.Fatalf("expected the default-queue job to stay unclaimed")
	}

	got, err = q.Dequeue(ctx, "")
	if err != nil {
		t.Fatalf("Dequeue default failed: %v", err)
	}
	if got.ID != "plain" || got.Queue != DefaultQueue {
		t.Fatalf("unexpected default-queue job: %+v", got)
	}
}

func TestSQLiteQueue_LockedJobsRunOneAtATime(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, Job{ID: id, TaskName: "t", Lock: "account-1"}); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first.ID != "a" {
		t.Fatalf("expected a first, got %+v, %v", first, err)
	}

	var held string
	if err := q.db.QueryRow(`SELECT job_id FROM canvas_locks WHERE lock = ?`, "account-1").Scan(&held); err != nil {
		t.Fatalf("expected a lock row: %v", err)
	}
	if held != "a" {
		t.Fatalf("lock held by %q, want a", held)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short); err == nil {
		t.Fatalf("expected b to wait for the lock")
	}

	if err := q.Release(ctx, *first); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	second, err := q.Dequeue(ctx)
	if err != nil || second.ID != "b" {
		t.Fatalf("expected b after release, got %+v, %v", second, err)
	}
	if err := q.Release(ctx, *second); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM canvas_locks`).Scan(&n); err != nil {
		t.Fatalf("count locks: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no locks left, got %d", n)
	}
}

func TestSQLiteQueue_ReleaseIgnoresUnlockedJobs(t *testing.T) {
	q := newTestSQLiteQueue(t)
	if err := q.Release(context.Background(), Job{ID: "x"}); err != nil {
		t.Fatalf("Release of an unlocked job failed: %v", err)
	}
}
