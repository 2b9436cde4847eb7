package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	corep "github.com/petrijr/canvas/internal/persistence"
	"github.com/petrijr/canvas/pkg/api"
)

// RedisBarrierStore is a BarrierStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>chord:{<id>}          => HASH header_size, completed_count, callback
//	<prefix>chord:{<id>}:results  => LIST of JSON-encoded results
//	<prefix>chord:{<id>}:members  => SET of counted job ids
//
// The hash tag keeps all three keys in one cluster slot. Every mutation runs
// as a Lua script, which Redis executes atomically. Finalizing a chord
// replaces its hash with a "finalized" marker that expires after
// persistence.FinalizedRetention.
type RedisBarrierStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// Ensure RedisBarrierStore implements api.BarrierStore.
var _ api.BarrierStore = (*RedisBarrierStore)(nil)

// NewRedisBarrierStore creates a RedisBarrierStore.
// prefix is optional but recommended (e.g. "canvas:").
func NewRedisBarrierStore(client redis.UniversalClient, prefix string) *RedisBarrierStore {
	if prefix == "" {
		prefix = "canvas:"
	}
	return &RedisBarrierStore{
		client:    client,
		prefix:    prefix,
		retention: corep.FinalizedRetention,
	}
}

func (s *RedisBarrierStore) keyBarrier(chordID string) string {
	return s.prefix + "chord:{" + chordID + "}"
}

func (s *RedisBarrierStore) keyResults(chordID string) string {
	return s.keyBarrier(chordID) + ":results"
}

func (s *RedisBarrierStore) keyMembers(chordID string) string {
	return s.keyBarrier(chordID) + ":members"
}

func (s *RedisBarrierStore) keys(chordID string) []string {
	return []string{s.keyBarrier(chordID), s.keyResults(chordID), s.keyMembers(chordID)}
}

var (
	// Creates the barrier hash unless it exists. Returns 1 if created.
	redisCreateBarrier = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'header_size', ARGV[1], 'completed_count', 0, 'callback', ARGV[2])
return 1
`)

	// Counts one completion. Returns {outcome} for no-ops and
	// {outcome, completed_count, header_size, callback, results} otherwise.
	// Outcome codes match api.BarrierOutcome.
	redisIncrementAndAppend = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'finalized') == 1 then
	return {2}
end
if redis.call('SADD', KEYS[3], ARGV[1]) == 0 then
	return {3}
end
local count = redis.call('HINCRBY', KEYS[1], 'completed_count', 1)
redis.call('RPUSH', KEYS[2], ARGV[2])
local size = redis.call('HGET', KEYS[1], 'header_size')
local callback = redis.call('HGET', KEYS[1], 'callback')
return {1, count, size, callback, redis.call('LRANGE', KEYS[2], 0, -1)}
`)

	// Replaces the barrier with a finalized marker that expires after
	// ARGV[1] milliseconds.
	redisFinalizeBarrier = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('HSET', KEYS[1], 'finalized', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)
)

func (s *RedisBarrierStore) CreateBarrier(ctx context.Context, b api.ChordBarrier) (bool, error) {
	callback, err := corep.EncodeDescriptor(b.Callback)
	if err != nil {
		return false, err
	}

	n, err := redisCreateBarrier.Run(ctx, s.client, s.keys(b.ChordID), b.HeaderSize, string(callback)).Int64()
	if err != nil {
		return false, fmt.Errorf("canvas/redis: create barrier: %w", err)
	}
	return n == 1, nil
}

func (s *RedisBarrierStore) IncrementAndAppend(ctx context.Context, chordID, jobID string, result any) (api.BarrierUpdate, error) {
	encoded, err := corep.EncodeResult(result)
	if err != nil {
		return api.BarrierUpdate{}, err
	}

	reply, err := redisIncrementAndAppend.Run(ctx, s.client, s.keys(chordID), jobID, string(encoded)).Slice()
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/redis: increment barrier: %w", err)
	}
	if len(reply) == 0 {
		return api.BarrierUpdate{}, errors.New("canvas/redis: increment barrier: empty reply")
	}

	code, err := redisInt(reply[0])
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/redis: increment barrier outcome: %w", err)
	}
	outcome := api.BarrierOutcome(code)
	if outcome != api.BarrierUpdated {
		return corep.Noop(outcome), nil
	}
	if len(reply) != 5 {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/redis: increment barrier: unexpected reply length %d", len(reply))
	}

	b, err := decodeRedisBarrier(chordID, reply[1], reply[2], reply[3], reply[4])
	if err != nil {
		return api.BarrierUpdate{}, fmt.Errorf("canvas/redis: increment barrier: %w", err)
	}
	return corep.Updated(b), nil
}

func (s *RedisBarrierStore) DeleteBarrier(ctx context.Context, chordID string) error {
	err := redisFinalizeBarrier.Run(ctx, s.client, s.keys(chordID), s.retention.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("canvas/redis: delete barrier: %w", err)
	}
	return nil
}

func (s *RedisBarrierStore) GetBarrier(ctx context.Context, chordID string) (*api.ChordBarrier, error) {
	var fields *redis.MapStringStringCmd
	var results *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, s.keyBarrier(chordID))
		results = pipe.LRange(ctx, s.keyResults(chordID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("canvas/redis: get barrier: %w", err)
	}

	hash := fields.Val()
	if _, finalized := hash["finalized"]; len(hash) == 0 || finalized {
		return nil, api.ErrBarrierNotFound
	}

	items := make([]any, 0, len(results.Val()))
	for _, r := range results.Val() {
		items = append(items, r)
	}
	b, err := decodeRedisBarrier(chordID, hash["completed_count"], hash["header_size"], hash["callback"], items)
	if err != nil {
		return nil, fmt.Errorf("canvas/redis: get barrier: %w", err)
	}
	return b, nil
}

func decodeRedisBarrier(chordID string, count, size, callback, results any) (*api.ChordBarrier, error) {
	b := &api.ChordBarrier{ChordID: chordID}

	var err error
	if b.CompletedCount, err = redisInt(count); err != nil {
		return nil, fmt.Errorf("completed_count: %w", err)
	}
	if b.HeaderSize, err = redisInt(size); err != nil {
		return nil, fmt.Errorf("header_size: %w", err)
	}

	cb, ok := callback.(string)
	if !ok {
		return nil, fmt.Errorf("callback: unexpected type %T", callback)
	}
	if b.Callback, err = corep.DecodeDescriptor([]byte(cb)); err != nil {
		return nil, err
	}

	raw, ok := results.([]any)
	if !ok {
		return nil, fmt.Errorf("results: unexpected type %T", results)
	}
	items := make([]string, 0, len(raw))
	for _, r := range raw {
		str, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("results: unexpected element type %T", r)
		}
		items = append(items, str)
	}
	if b.Results, err = corep.DecodeResultList(items); err != nil {
		return nil, err
	}
	return b, nil
}

// redisInt accepts the integer shapes go-redis hands back from scripts and
// hashes.
func redisInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
