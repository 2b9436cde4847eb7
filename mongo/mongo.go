// Package mongo provides the MongoDB-backed queue and barrier store.
package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/canvas"
	mstore "github.com/petrijr/canvas/mongo/internal/persistence"
	mqueue "github.com/petrijr/canvas/mongo/internal/taskqueue"
)

// NewMongoQueue returns a queue stored in MongoDB. Empty names select the
// defaults.
func NewMongoQueue(client *mongo.Client, dbName, collName string) canvas.Queue {
	return mqueue.NewMongoQueue(client, dbName, collName)
}

// NewMongoBarrierStore returns a BarrierStore backed by MongoDB. Empty names
// select the defaults.
func NewMongoBarrierStore(client *mongo.Client, dbName, collName string) canvas.BarrierStore {
	return mstore.NewMongoBarrierStore(client, dbName, collName)
}
