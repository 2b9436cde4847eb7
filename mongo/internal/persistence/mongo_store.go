package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/canvas/internal/persistence"
	"github.com/petrijr/canvas/pkg/api"
)

// MongoBarrierStore is a BarrierStore backed by MongoDB.
//
// Each chord is one document; the increment is a single FindOneAndUpdate,
// which MongoDB applies atomically per document. A finalized chord keeps its
// document, with finalized_at set, for persistence.FinalizedRetention.
type MongoBarrierStore struct {
	coll      *mongo.Collection
	retention time.Duration
}

// Ensure MongoBarrierStore implements api.BarrierStore.
var _ api.BarrierStore = (*MongoBarrierStore)(nil)

// live matches chords that have not been finalized.
var live = bson.M{"$exists": false}

// NewMongoBarrierStore creates a Mongo-backed barrier store.
// dbName defaults to "canvas" if empty, collName defaults to "chords".
func NewMongoBarrierStore(client *mongo.Client, dbName, collName string) *MongoBarrierStore {
	if dbName == "" {
		dbName = "canvas"
	}
	if collName == "" {
		collName = "chords"
	}

	return &MongoBarrierStore{
		coll:      client.Database(dbName).Collection(collName),
		retention: corep.FinalizedRetention,
	}
}

// Results and the callback are kept as JSON text so every store decodes
// them the same way.
type mongoBarrierDoc struct {
	ChordID        string    `bson:"_id"`
	HeaderSize     int       `bson:"header_size"`
	CompletedCount int       `bson:"completed_count"`
	Results        []string  `bson:"results"`
	Members        []string  `bson:"members"`
	Callback       string     `bson:"callback"`
	CreatedAt      time.Time  `bson:"created_at"`
	FinalizedAt    *time.Time `bson:"finalized_at,omitempty"`
}

func (d *mongoBarrierDoc) toBarrier() (*api.ChordBarrier, error) {
	results, err := corep.DecodeResultList(d.Results)
	if err != nil {
		return nil, err
	}
	callback, err := corep.DecodeDescriptor([]byte(d.Callback))
	if err != nil {
		return nil, err
	}
	return &api.ChordBarrier{
		ChordID:        d.ChordID,
		HeaderSize:     d.HeaderSize,
		CompletedCount: d.CompletedCount,
		Results:        results,
		Callback:       callback,
	}, nil
}

func (s *MongoBarrierStore) CreateBarrier(ctx context.Context, b api.ChordBarrier) (bool, error) {
	callback, err := corep.EncodeDescriptor(b.Callback)
	if err != nil {
		return false, err
	}

	doc := mongoBarrierDoc{
		ChordID:    b.ChordID,
		HeaderSize: b.HeaderSize,
		Results:    []string{},
		Members:    []string{},
		Callback:   string(callback),
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("canvas/mongo: create barrier: %w", err)
	}
	return true, nil
}

func (s *MongoBarrierStore) IncrementAndAppend(ctx context.Context, chordID, jobID string, result any) (api.BarrierUpdate, error) {
	encoded, err := corep.EncodeResult(result)
	if err != nil {
		return api.BarrierUpdate{}, err
	}

	filter := bson.M{
		"_id":          chordID,
		"members":      bson.M{"$ne": jobID},
		"finalized_at": live,
	}
	update := bson.M{
		"$inc":      bson.M{"completed_count": 1},
		"$push":     bson.M{"results": string(encoded)},
		"$addToSet": bson.M{"members": jobID},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoBarrierDoc
	err = s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the chord is gone or jobID was already counted.
		n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": chordID, "finalized_at": live})
		if cerr != nil {
			return api.BarrierUpdate{}, fmt.Errorf("canvas/mongo: classify no-op: %w", cerr)
		}
		if n > 0 {
			return corep.Noop(api.BarrierDuplicate), nil
		}
		return corep.Noop(api.BarrierAlreadyFinalized), nil
	}
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/mongo: increment barrier: %w", err)
	}

	b, err := doc.toBarrier()
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/mongo: increment barrier: %w", err)
	}
	return corep.Updated(b), nil
}

func (s *MongoBarrierStore) DeleteBarrier(ctx context.Context, chordID string) error {
	now := time.Now().UTC()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": chordID, "finalized_at": live},
		bson.M{
			"$set": bson.M{"finalized_at": now, "results": []string{}, "members": []string{}},
		},
	)
	if err != nil {
		return fmt.Errorf("canvas/mongo: finalize barrier: %w", err)
	}
	_, err = s.coll.DeleteMany(ctx, bson.M{"finalized_at": bson.M{"$lt": now.Add(-s.retention)}})
	if err != nil {
		return fmt.Errorf("canvas/mongo: prune finalized: %w", err)
	}
	return nil
}

func (s *MongoBarrierStore) GetBarrier(ctx context.Context, chordID string) (*api.ChordBarrier, error) {
	var doc mongoBarrierDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": chordID, "finalized_at": live}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrBarrierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canvas/mongo: get barrier: %w", err)
	}

	b, err := doc.toBarrier()
	if err != nil {
		return nil, fmt.Errorf("canvas/mongo: get barrier: %w", err)
	}
	return b, nil
}
