package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	coreq "github.com/petrijr/canvas/internal/taskqueue"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Jobs collection schema:
//
//	{
//	  _id:         string,    // job ID
//	  payload:     string,    // JSON-encoded Job
//	  queue:       string,
//	  lock:        string,
//	  priority:    int,
//	  not_before:  time.Time,
//	  enqueued_at: time.Time,
//	}
//
// Held locks live in a sibling collection "<collName>_locks" keyed by lock
// name. Jobs are claimed with FindOneAndDelete, highest priority first, then
// by not_before, then by enqueue time.
type MongoQueue struct {
	coll         *mongo.Collection
	locks        *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "canvas", collName to "jobs".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "canvas"
	}
	if collName == "" {
		collName = "jobs"
	}
	db := client.Database(dbName)
	return &MongoQueue{
		coll:         db.Collection(collName),
		locks:        db.Collection(collName + "_locks"),
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ coreq.Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID         string    `bson:"_id"`
	Payload    string    `bson:"payload"`
	Queue      string    `bson:"queue"`
	Lock       string    `bson:"lock"`
	Priority   int       `bson:"priority"`
	NotBefore  time.Time `bson:"not_before"`
	EnqueuedAt time.Time `bson:"enqueued_at"`
}

type mongoLockDoc struct {
	Lock       string    `bson:"_id"`
	JobID      string    `bson:"job_id"`
	AcquiredAt time.Time `bson:"acquired_at"`
}

// Enqueue inserts a document for the given Job.
func (q *MongoQueue) Enqueue(ctx context.Context, j coreq.Job) error {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	j.Queue = coreq.QueueName(j.Queue)
	data, err := coreq.EncodeJob(j)
	if err != nil {
		return err
	}

	notBefore := j.NotBefore
	if notBefore.IsZero() {
		notBefore = j.EnqueuedAt
	}
	doc := mongoQueueDoc{
		ID:         j.ID,
		Payload:    string(data),
		Queue:      j.Queue,
		Lock:       j.Lock,
		Priority:   j.Priority,
		NotBefore:  notBefore.UTC(),
		EnqueuedAt: j.EnqueuedAt.UTC(),
	}
	if _, err := q.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("canvas/mongo: enqueue %s: %w", j.ID, err)
	}
	return nil
}

// Dequeue blocks (via polling) until a job is due or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, queues ...string) (*coreq.Job, error) {
	// Reusable timer, initialised stopped.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	opts := options.FindOneAndDelete().SetSort(bson.D{
		{Key: "priority", Value: -1},
		{Key: "not_before", Value: 1},
		{Key: "enqueued_at", Value: 1},
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		held, err := q.locks.Distinct(ctx, "_id", bson.M{})
		if err != nil {
			return nil, q.dequeueErr(ctx, fmt.Errorf("canvas/mongo: read locks: %w", err))
		}

		filter := bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}}
		if len(queues) > 0 {
			filter["queue"] = bson.M{"$in": coreq.QueueNames(queues)}
		}
		if len(held) > 0 {
			filter["lock"] = bson.M{"$nin": held}
		}

		var doc mongoQueueDoc
		err = q.coll.FindOneAndDelete(ctx, filter, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			tmr.Reset(q.pollInterval)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tmr.C:
			}
			continue
		}
		if err != nil {
			return nil, q.dequeueErr(ctx, fmt.Errorf("canvas/mongo: dequeue: %w", err))
		}

		if doc.Lock != "" {
			acquired, err := q.acquire(ctx, doc)
			if err != nil || !acquired {
				// Another consumer took the lock after we read it; put the
				// job back.
				if _, perr := q.coll.InsertOne(context.WithoutCancel(ctx), doc); perr != nil {
					return nil, fmt.Errorf("canvas/mongo: requeue %s: %w", doc.ID, perr)
				}
				if err != nil {
					return nil, q.dequeueErr(ctx, err)
				}
				continue
			}
		}

		return coreq.DecodeJob([]byte(doc.Payload))
	}
}

func (q *MongoQueue) acquire(ctx context.Context, doc mongoQueueDoc) (bool, error) {
	_, err := q.locks.InsertOne(ctx, mongoLockDoc{
		Lock:       doc.Lock,
		JobID:      doc.ID,
		AcquiredAt: time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("canvas/mongo: lock %q for %s: %w", doc.Lock, doc.ID, err)
	}
	return true, nil
}

func (q *MongoQueue) dequeueErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (q *MongoQueue) Release(ctx context.Context, j coreq.Job) error {
	if j.Lock == "" {
		return nil
	}
	if _, err := q.locks.DeleteOne(ctx, bson.M{"_id": j.Lock, "job_id": j.ID}); err != nil {
		return fmt.Errorf("canvas/mongo: release lock %q for %s: %w", j.Lock, j.ID, err)
	}
	return nil
}

// Len returns an approximate number of queued jobs.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
