package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplayStore implements ReplayStore on Redis using SET NX with a TTL,
// giving atomic set-if-absent semantics across processes and nodes.
type RedisReplayStore struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayStore creates a replay store backed by the given Redis
// instance. Keys are namespaced under "approval:consumed:".
func NewRedisReplayStore(addr, password string, db int) *RedisReplayStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisReplayStore{client: rdb, prefix: "approval:consumed:"}
}

// NewRedisReplayStoreFromClient wraps an existing client, for callers that
// share a connection pool.
func NewRedisReplayStoreFromClient(client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client, prefix: "approval:consumed:"}
}

// ConsumeOnce implements ReplayStore. SET NX returns true only for the
// first writer of the key; the TTL bounds retention to the token lifetime.
func (s *RedisReplayStore) ConsumeOnce(ctx context.Context, key string, retention time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, retention).Result()
	if err != nil {
		return false, fmt.Errorf("approval: redis SETNX: %w", err)
	}
	return ok, nil
}

// Close releases the underlying client.
func (s *RedisReplayStore) Close() error {
	return s.client.Close()
}
