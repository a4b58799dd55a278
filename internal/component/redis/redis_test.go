package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/xsonic/internal/config"
)

func TestOptions(t *testing.T) {
	cfg := &config.RedisConfig{
		URL:             "cache:6379",
		ClientPassword:  "secret",
		DB:              3,
		PoolSize:        8,
		MinIdleConns:    2,
		PoolTimeout:     3 * time.Second,
		DialTimeout:     time.Second,
		ConnMaxIdleTime: time.Minute,
		ConnMaxLifetime: time.Hour,
	}

	opts := Options(cfg)
	require.Equal(t, "cache:6379", opts.Addr)
	require.Equal(t, "secret", opts.Password)
	require.Equal(t, 3, opts.DB)
	require.Equal(t, 8, opts.PoolSize)
	require.Equal(t, 2, opts.MinIdleConns)
	require.Equal(t, 3*time.Second, opts.PoolTimeout)
	require.Equal(t, time.Second, opts.DialTimeout)
	require.Equal(t, time.Minute, opts.ConnMaxIdleTime)
	require.Equal(t, time.Hour, opts.ConnMaxLifetime)
}

func TestNewRedisClient_InvalidPool(t *testing.T) {
	t.Setenv("REDIS_ENDPOINT", "127.0.0.1:1")
	t.Setenv("REDIS_POOL_SIZE", "4")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "5")
	ResetRedisClient()
	t.Cleanup(ResetRedisClient)

	client, err := NewRedisClient(context.Background())
	require.Error(t, err)
	require.Nil(t, client)
}
