// Package store provides the durable key-value backends behind the campaign
// context store. Every backend honours the same contract: Write is atomic
// (readers observe the old or the new value, never a partial one), Read of
// a missing key returns *ErrNotFound, List enumerates keys by prefix.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend is the durable storage interface. The in-memory backend serves
// tests; file, badger and redis back production deployments.
type Backend interface {
	// Read returns the value stored under key or *ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write atomically replaces the value stored under key.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes key. Returns *ErrNotFound if it was absent.
	Delete(ctx context.Context, key string) error

	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases all resources held by the backend.
	Close() error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err (or anything it wraps) is *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

func notFound(key string) error {
	return &ErrNotFound{Entity: "key", Key: key}
}

// ErrInvalidKey is returned for empty keys or keys that would escape the
// backend's namespace.
var ErrInvalidKey = errors.New("invalid storage key")

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// ── Backend selection ───────────────────────────────────────

// Kind names a backend implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindBadger Kind = "badger"
	KindRedis  Kind = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Kind          Kind
	DataDir       string // file and badger
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis key namespace
}

// Open builds the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Kind {
	case KindMemory, "":
		return NewMemoryBackend(), nil
	case KindFile:
		return NewFileBackend(cfg.DataDir)
	case KindBadger:
		bc := DefaultBadgerConfig()
		bc.Path = cfg.DataDir
		return OpenBadgerBackend(bc)
	case KindRedis:
		return NewRedisBackend(ctx, RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Kind)
	}
}
