package component

import (
	"context"
	"fmt"

	"github.com/ssuji15/xsonic/internal/component/redis"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/db"
	"github.com/ssuji15/xsonic/internal/db/repository"
	"github.com/ssuji15/xsonic/internal/events"
	"github.com/ssuji15/xsonic/internal/events/jetstream"
	"github.com/ssuji15/xsonic/internal/events/noop"
	"github.com/ssuji15/xsonic/internal/storage"
	"github.com/ssuji15/xsonic/internal/storage/minio"
	"github.com/ssuji15/xsonic/internal/store"
	"github.com/ssuji15/xsonic/internal/store/local"
	redisstore "github.com/ssuji15/xsonic/internal/store/redis"
)

func GetStore(ctx context.Context, storeType string) (store.Store, error) {
	switch storeType {
	case "local":
		cfg, err := config.GetLocalStoreConfig()
		if err != nil {
			return nil, err
		}
		return local.NewLocalStore(cfg.SIZE_BYTES), nil
	default:
		rc, err := redis.NewRedisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redisstore.NewRedisStore(rc), nil
	}
}

func GetEventBus(eventsType string) (events.Bus, error) {
	switch eventsType {
	case "none":
		return noop.NewNoopBus(), nil
	default:
		return jetstream.NewJetStreamBus()
	}
}

func GetStorage() (storage.Storage, error) {
	return minio.NewMinioClient()
}

// GetLedger returns the wallet ledger and a func that releases whatever it holds.
func GetLedger(ctx context.Context, ledgerType string) (repository.Ledger, func(context.Context), error) {
	switch ledgerType {
	case "memory":
		return repository.NewMemoryLedger(), func(context.Context) {}, nil
	default:
		d, err := db.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("db initialization error: %w", err)
		}
		return repository.NewPostgresLedger(d), d.Close, nil
	}
}
