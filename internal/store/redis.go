package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotPrefix = "collab:snapshot:"
	leasePrefix    = "collab:lease:"
)

var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisStore keeps snapshots in Redis with a TTL and hands out per-document
// ownership leases.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	buf, err := s.rdb.Get(ctx, snapshotPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	snap, _, err := decodeRecord(buf)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisStore) Set(ctx context.Context, id string, snap Snapshot, ttl time.Duration) error {
	buf, err := encodeRecord(snap, time.Time{})
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, snapshotPrefix+id, buf, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Acquire(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, leasePrefix+id, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease %s: %w", id, err)
	}
	if ok {
		return true, nil
	}
	return s.Renew(ctx, id, owner, ttl)
}

func (s *RedisStore) Renew(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{leasePrefix + id}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis renew lease %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, id, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{leasePrefix + id}, owner).Err(); err != nil {
		return fmt.Errorf("redis release lease %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
