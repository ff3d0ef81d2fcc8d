package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // namespace prepended to every key, e.g. "campaign-substrate:"
}

// RedisBackend implements Backend on redis. SET replaces a value atomically,
// List walks the keyspace with SCAN so it never blocks the server.
type RedisBackend struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "campaign-substrate:"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("addr", addr).Str("prefix", prefix).Msg("Redis storage backend connected")
	return &RedisBackend{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisBackend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	n, err := r.rdb.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	if n == 0 {
		return notFound(key)
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	// SCAN may return a key more than once
	seen := make(map[string]struct{})
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), r.prefix)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client connection pool.
func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
