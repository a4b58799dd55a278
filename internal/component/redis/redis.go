package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/service/logger"
)

var (
	rc        *redis.Client
	once      sync.Once
	initError error
)

// Options maps the environment's pool sizing onto a go-redis client.
func Options(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:            cfg.URL,
		Password:        cfg.ClientPassword,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		DialTimeout:     cfg.DialTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	}
}

// NewRedisClient returns the process-wide client, dialing it on first use.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	once.Do(func() {
		cfg, err := config.GetRedisConfig()
		if err != nil {
			initError = err
			return
		}
		client := redis.NewClient(Options(cfg))

		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			initError = fmt.Errorf("failed to connect to redis at %s: %w", cfg.URL, err)
			return
		}
		rc = client
		logger.Log.Info().Str("addr", cfg.URL).Int("pool_size", cfg.PoolSize).Msg("redis connected")
	})
	return rc, initError
}

func ResetRedisClient() {
	rc = nil
	once = sync.Once{}
	initError = nil
}
