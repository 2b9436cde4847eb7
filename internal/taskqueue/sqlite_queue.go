package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteQueue is a persistent job queue backed by SQLite.
//
// Jobs are served highest priority first, then by not_before, then in
// insertion order. Kwargs are stored as JSON. Locks held by claimed jobs are
// rows in canvas_locks and survive a restart; a process that dies while
// holding one must have the row removed before that lock is served again.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the jobs table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

var sqliteQueueSchema = []string{
	`CREATE TABLE IF NOT EXISTS canvas_jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_name TEXT NOT NULL,
		kwargs TEXT NOT NULL,
		queue TEXT NOT NULL DEFAULT 'default',
		priority INTEGER NOT NULL DEFAULT 0,
		lock TEXT NOT NULL DEFAULT '',
		max_attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		not_before INTEGER NOT NULL,
		attempts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS canvas_jobs_queue_idx ON canvas_jobs (queue, not_before)`,
	`CREATE TABLE IF NOT EXISTS canvas_locks (
		lock TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		acquired_at INTEGER NOT NULL
	)`,
}

func (q *SQLiteQueue) initSchema() error {
	for _, stmt := range sqliteQueueSchema {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("canvas/sqlite: init queue schema: %w", err)
		}
	}
	return nil
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, j Job) error {
	kwargs, err := json.Marshal(j.Kwargs)
	if err != nil {
		return fmt.Errorf("canvas/sqlite: encode kwargs for %s: %w", j.ID, err)
	}

	enqueuedAt := j.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	notBefore := j.NotBefore
	if notBefore.IsZero() {
		notBefore = enqueuedAt
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO canvas_jobs (id, task_name, kwargs, queue, priority, lock, max_attempts, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.TaskName,
		string(kwargs),
		QueueName(j.Queue),
		j.Priority,
		j.Lock,
		j.MaxAttempts,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
		j.Attempts,
	)
	if err != nil {
		return fmt.Errorf("canvas/sqlite: enqueue %s: %w", j.ID, err)
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, queues ...string) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		j, err := q.claim(ctx, queues)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if j != nil {
			return j, nil
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claim removes and returns the next ready job, or nil when none is ready.
// The job's lock row is written in the same transaction.
func (q *SQLiteQueue) claim(ctx context.Context, queues []string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("canvas/sqlite: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		seq         int64
		j           Job
		kwargs      string
		enqueuedAt  int64
		notBefore   int64
		maxAttempts int
	)
	now := time.Now().UnixNano()
	query, args := sqliteClaimQuery(now, queues)
	row := tx.QueryRowContext(ctx, query, args...)
	err = row.Scan(&seq, &j.ID, &j.TaskName, &kwargs, &j.Queue, &j.Priority, &j.Lock, &maxAttempts, &enqueuedAt, &notBefore, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canvas/sqlite: select job: %w", err)
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM canvas_jobs WHERE seq = ?`, seq); err != nil {
		return nil, fmt.Errorf("canvas/sqlite: claim job %s: %w", j.ID, err)
	}
	if j.Lock != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO canvas_locks (lock, job_id, acquired_at)
			VALUES (?, ?, ?)`,
			j.Lock, j.ID, now,
		)
		if err != nil {
			return nil, fmt.Errorf("canvas/sqlite: lock %q for %s: %w", j.Lock, j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("canvas/sqlite: commit: %w", err)
	}

	if err := json.Unmarshal([]byte(kwargs), &j.Kwargs); err != nil {
		return nil, fmt.Errorf("canvas/sqlite: decode kwargs for %s: %w", j.ID, err)
	}
	j.MaxAttempts = maxAttempts
	j.EnqueuedAt = time.Unix(0, enqueuedAt)
	j.NotBefore = time.Unix(0, notBefore)
	return &j, nil
}

func sqliteClaimQuery(now int64, queues []string) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT seq, id, task_name, kwargs, queue, priority, lock, max_attempts, enqueued_at, not_before, attempts
		FROM canvas_jobs
		WHERE not_before <= ?
		  AND (lock = '' OR lock NOT IN (SELECT lock FROM canvas_locks))`)
	args := []any{now}
	if len(queues) > 0 {
		b.WriteString(`
		  AND queue IN (?` + strings.Repeat(", ?", len(queues)-1) + `)`)
		for _, name := range QueueNames(queues) {
			args = append(args, name)
		}
	}
	b.WriteString(`
		ORDER BY priority DESC, not_before, seq
		LIMIT 1`)
	return b.String(), args
}

func (q *SQLiteQueue) Release(ctx context.Context, j Job) error {
	if j.Lock == "" {
		return nil
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM canvas_locks WHERE lock = ? AND job_id = ?`, j.Lock, j.ID)
	if err != nil {
		return fmt.Errorf("canvas/sqlite: release lock %q for %s: %w", j.Lock, j.ID, err)
	}
	return nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM canvas_jobs`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
