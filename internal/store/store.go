package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for missing keys and empty lists.
var ErrNotFound = errors.New("store: not found")

// Store is the durable job store: TTL'd key/value records plus FIFO lists.
// Lists are pushed on the left and popped on the right.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value with ttl; a zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Update atomically replaces the value under key with fn(current), keeping its TTL.
	// An error from fn aborts the write and is returned unchanged.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// AcquireLease takes or extends a lease held by owner. It reports false when
	// another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	ShutDown(ctx context.Context)
}
