package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue held in process memory. It is safe for
// concurrent use.
//
// Jobs are served highest priority first, then by NotBefore, then in
// insertion order. Jobs that are not yet due stay in the queue and count
// toward its capacity; a waiting Dequeue sleeps until the earliest of them is
// due or the queue changes.
type InMemoryQueue struct {
	mu       sync.Mutex
	jobs     []memoryJob
	seq      uint64
	capacity int

	// locks maps a held lock to the id of the job holding it.
	locks map[string]string

	// changed is closed and replaced on every state change.
	changed chan struct{}
}

type memoryJob struct {
	seq uint64
	job Job
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		locks:    make(map[string]string),
		changed:  make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// notify wakes every waiter. The caller holds q.mu.
func (q *InMemoryQueue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue blocks while the queue is full.
func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	j.Queue = QueueName(j.Queue)

	for {
		q.mu.Lock()
		if len(q.jobs) < q.capacity {
			q.seq++
			q.jobs = append(q.jobs, memoryJob{seq: q.seq, job: j})
			q.notify()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queues ...string) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		j, next := q.claim(time.Now(), queues)
		wait := q.changed
		q.mu.Unlock()

		if j != nil {
			return j, nil
		}

		var (
			tmr *time.Timer
			due <-chan time.Time
		)
		if !next.IsZero() {
			tmr = time.NewTimer(time.Until(next))
			due = tmr.C
		}
		select {
		case <-ctx.Done():
		case <-wait:
		case <-due:
		}
		if tmr != nil {
			tmr.Stop()
		}
	}
}

// claim removes the best eligible job. When none is ready it returns the
// earliest NotBefore among the delayed candidates, or the zero time. The
// caller holds q.mu.
func (q *InMemoryQueue) claim(now time.Time, queues []string) (*Job, time.Time) {
	best := -1
	var next time.Time
	for i, mj := range q.jobs {
		j := mj.job
		if !Accepts(queues, j.Queue) {
			continue
		}
		if _, held := q.locks[j.Lock]; j.Lock != "" && held {
			continue
		}
		if !j.Ready(now) {
			if next.IsZero() || j.NotBefore.Before(next) {
				next = j.NotBefore
			}
			continue
		}
		if best < 0 || before(mj, q.jobs[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil, next
	}

	j := q.jobs[best].job
	q.jobs = append(q.jobs[:best], q.jobs[best+1:]...)
	if j.Lock != "" {
		q.locks[j.Lock] = j.ID
	}
	q.notify()
	return &j, time.Time{}
}

// before orders jobs by priority, then due time, then insertion.
func before(a, b memoryJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if da, db := dueAt(a.job), dueAt(b.job); !da.Equal(db) {
		return da.Before(db)
	}
	return a.seq < b.seq
}

func dueAt(j Job) time.Time {
	if j.NotBefore.IsZero() {
		return j.EnqueuedAt
	}
	return j.NotBefore
}

func (q *InMemoryQueue) Release(_ context.Context, j Job) error {
	if j.Lock == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locks[j.Lock] == j.ID {
		delete(q.locks, j.Lock)
		q.notify()
	}
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
