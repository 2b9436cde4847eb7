// Package taskqueue holds jobs between dispatch and execution.
package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/canvas/pkg/api"
)

// Job is one deferred task invocation.
type Job struct {
	ID       string     `json:"id"`
	TaskName string     `json:"task_name"`
	Kwargs   api.Kwargs `json:"kwargs"`

	// Dispatch options copied from api.Options.
	Queue       string `json:"queue,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Lock        string `json:"lock,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time this job should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time `json:"not_before,omitempty"`

	// Attempts counts previous failed executions.
	Attempts int `json:"attempts"`
}

// Ready reports whether j may run at now.
func (j Job) Ready(now time.Time) bool {
	return j.NotBefore.IsZero() || !j.NotBefore.After(now)
}

// DefaultQueue names the queue of jobs dispatched without a Queue option.
const DefaultQueue = "default"

// QueueName returns name, or DefaultQueue when name is empty.
func QueueName(name string) string {
	if name == "" {
		return DefaultQueue
	}
	return name
}

// Accepts reports whether a consumer listening on queues takes jobs from
// queue. An empty list accepts every queue.
func Accepts(queues []string, queue string) bool {
	if len(queues) == 0 {
		return true
	}
	queue = QueueName(queue)
	for _, q := range queues {
		if QueueName(q) == queue {
			return true
		}
	}
	return false
}

// QueueNames normalizes a list of queue names for use in claim filters.
func QueueNames(queues []string) []string {
	out := make([]string, 0, len(queues))
	for _, q := range queues {
		out = append(out, QueueName(q))
	}
	return out
}

// Queue is a simple async job queue interface.
//
// Jobs that carry a Lock are mutually exclusive: while one is claimed and not
// yet released, no other job with the same Lock is handed out.
type Queue interface {
	// Enqueue adds a job to the queue. It should respect ctx for cancellation.
	// An empty Queue field is stored as DefaultQueue.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue removes and returns the next ready job from one of queues (all
	// queues when none are given), blocking until one is available or the
	// context is cancelled. The job's Lock, if any, is held until Release.
	Dequeue(ctx context.Context, queues ...string) (*Job, error)

	// Release frees the lock held by a job returned from Dequeue. It is a
	// no-op for jobs without a Lock.
	Release(ctx context.Context, j Job) error

	// Len returns the approximate number of jobs queued, delayed ones included.
	Len() int
}
