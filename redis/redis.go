// Package redis provides the Redis-backed queue and barrier store.
//
// It lives apart from the root package so programs that never talk to Redis
// do not link the client.
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/canvas"
	rstore "github.com/petrijr/canvas/redis/internal/persistence"
	rqueue "github.com/petrijr/canvas/redis/internal/taskqueue"
)

// NewRedisQueue returns a queue stored in Redis under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string) canvas.Queue {
	return rqueue.NewRedisQueue(client, prefix)
}

// NewRedisBarrierStore returns a BarrierStore backed by Redis.
func NewRedisBarrierStore(client redis.UniversalClient, prefix string) canvas.BarrierStore {
	return rstore.NewRedisBarrierStore(client, prefix)
}
