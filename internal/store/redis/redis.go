package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/service/logger"
	"github.com/ssuji15/xsonic/internal/store"
	"github.com/ssuji15/xsonic/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxUpdateRetries = 16

// acquireLease sets the lease when free and extends it when already held by ARGV[1].
var acquireLease = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) store.Store {
	return &RedisStore{client: client}
}

func startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Redis/"+op)
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	return ctx, span
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := startSpan(ctx, "Get", key)
	defer span.End()

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		err = fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "Set", key)
	defer span.End()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, span := startSpan(ctx, "SetNX", key)
	defer span.End()

	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	ctx, span := startSpan(ctx, "Update", key)
	defer span.End()

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			util.RecordSpanError(span, err)
		}
		return err
	}
	err := fmt.Errorf("update of key %s kept conflicting after %d attempts", key, maxUpdateRetries)
	util.RecordSpanError(span, err)
	return err
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "Expire", key)
	defer span.End()

	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "Del", key)
	defer span.End()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, span := startSpan(ctx, "Scan", pattern)
	defer span.End()

	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return out, nil
}

func (r *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	ctx, span := startSpan(ctx, "LPush", key)
	defer span.End()

	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.client.LPush(ctx, key, args...).Err(); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

// RPop relies on RPOP being atomic on the server so concurrent pollers never share an id.
func (r *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	ctx, span := startSpan(ctx, "RPop", key)
	defer span.End()

	v, err := r.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("failed to pop from %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	ctx, span := startSpan(ctx, "LLen", key)
	defer span.End()

	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, fmt.Errorf("failed to read length of %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ctx, span := startSpan(ctx, "AcquireLease", key)
	defer span.End()

	n, err := acquireLease.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	ctx, span := startSpan(ctx, "ReleaseLease", key)
	defer span.End()

	if err := releaseLease.Run(ctx, r.client, []string{key}, owner).Err(); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) ShutDown(ctx context.Context) {
	if err := r.client.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close redis connection")
	}
}
