package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "atlas:cache:"

// redisBackend delegates storage and expiry to a redis server. Capacity
// eviction belongs to the server's maxmemory policy, so set never reports
// evictions and purgeExpired has nothing to do.
type redisBackend struct {
	rdb *redis.Client
}

func newRedisBackend(addr, password string, db int) (*redisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &redisBackend{rdb: rdb}, nil
}

func (b *redisBackend) get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	val, err := b.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	// Per-entry hit counts are not tracked server-side.
	return val, 0, true, nil
}

func (b *redisBackend) set(ctx context.Context, key string, val []byte, ttl time.Duration) (int, error) {
	return 0, b.rdb.Set(ctx, redisKeyPrefix+key, val, ttl).Err()
}

func (b *redisBackend) purgeExpired(context.Context) (int, error) { return 0, nil }

func (b *redisBackend) size(ctx context.Context) (int, error) {
	n := 0
	iter := b.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

func (b *redisBackend) close() error { return b.rdb.Close() }
