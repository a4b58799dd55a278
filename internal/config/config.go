package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	SERVICE_NAME string `env:"SERVICE_NAME,notEmpty"`
	TRACE_URL    string `env:"TRACE_URL"`
	STORE_TYPE   string `env:"STORE_TYPE" envDefault:"redis"`
	LEDGER_TYPE  string `env:"LEDGER_TYPE" envDefault:"postgres"`
	EVENTS_TYPE  string `env:"EVENTS_TYPE" envDefault:"jetstream"`
	HTTP_ADDR    string `env:"HTTP_ADDR" envDefault:":8080"`
}

type ServerConfig struct {
	SUBMIT_QUEUE_SIZE   int `env:"SUBMIT_QUEUE_SIZE" envDefault:"256"`
	SUBMIT_MAX_INFLIGHT int `env:"SUBMIT_MAX_INFLIGHT" envDefault:"64"`
}

type RedisConfig struct {
	URL             string        `env:"REDIS_ENDPOINT,notEmpty"`
	ClientPassword  string        `env:"REDIS_CLIENT_PASSWORD"`
	DB              int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize        int           `env:"REDIS_POOL_SIZE" envDefault:"50"`
	MinIdleConns    int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"10"`
	PoolTimeout     time.Duration `env:"REDIS_POOL_TIMEOUT" envDefault:"1s"`
	DialTimeout     time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"2s"`
	ConnMaxIdleTime time.Duration `env:"REDIS_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	ConnMaxLifetime time.Duration `env:"REDIS_CONN_MAX_LIFETIME" envDefault:"30m"`
}

type LocalStoreConfig struct {
	SIZE_BYTES int `env:"LOCAL_STORE_SIZE" envDefault:"67108864"`
}

type PostgresConfig struct {
	URL string `env:"POSTGRES_URL,notEmpty"`
}

type NatsConfig struct {
	URL            string        `env:"JETSTREAM_URL,notEmpty"`
	STREAM         string        `env:"JETSTREAM_STREAM" envDefault:"EVENTS"`
	CLIENT_NAME    string        `env:"JETSTREAM_CLIENT_NAME" envDefault:"xsonic"`
	RECONNECT_WAIT time.Duration `env:"JETSTREAM_RECONNECT_WAIT" envDefault:"1s"`
	MAX_RECONNECTS int           `env:"JETSTREAM_MAX_RECONNECTS" envDefault:"-1"`
}

type MinioConfig struct {
	URL           string        `env:"MINIO_ENDPOINT,notEmpty"`
	OUTPUT_BUCKET string        `env:"MINIO_OUTPUT_BUCKET,notEmpty"`
	ACCESS_KEY    string        `env:"MINIO_ACCESS_KEY,notEmpty"`
	SECRET_KEY    string        `env:"MINIO_SECRET_KEY,notEmpty"`
	USE_SSL       bool          `env:"MINIO_USE_SSL" envDefault:"false"`
	PRESIGN_TTL   time.Duration `env:"MINIO_PRESIGN_TTL" envDefault:"1h"`
}

type QueueConfig struct {
	JOB_TTL         time.Duration `env:"JOB_TTL" envDefault:"168h"`
	IDEMPOTENCY_TTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

type FleetConfig struct {
	ENDPOINT        string        `env:"FLEET_ENDPOINT,notEmpty"`
	API_TOKEN       string        `env:"FLEET_API_TOKEN"`
	TICK_INTERVAL   time.Duration `env:"FLEET_TICK_INTERVAL" envDefault:"30s"`
	IDLE_THRESHOLD  time.Duration `env:"FLEET_IDLE_THRESHOLD" envDefault:"10m"`
	HEALTH_INTERVAL time.Duration `env:"FLEET_HEALTH_INTERVAL" envDefault:"5s"`
	START_TIMEOUT   time.Duration `env:"FLEET_START_TIMEOUT" envDefault:"300s"`
	CPU_FALLBACK    bool          `env:"FLEET_CPU_FALLBACK" envDefault:"true"`
	LEASE_TTL       time.Duration `env:"FLEET_LEASE_TTL" envDefault:"90s"`
	RECONCILE_EVERY int           `env:"FLEET_RECONCILE_EVERY" envDefault:"10"`
	HEARTBEAT_STALE time.Duration `env:"FLEET_HEARTBEAT_STALE" envDefault:"2m"`
}

type WorkerConfig struct {
	LANE               string        `env:"WORKER_LANE,notEmpty"`
	MAX_CONCURRENT     int           `env:"WORKER_MAX_CONCURRENT" envDefault:"2"`
	POLL_INTERVAL      time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	TOOL_RUNNER_URL    string        `env:"TOOL_RUNNER_URL,notEmpty"`
	HEARTBEAT_INTERVAL time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"15s"`
}

func parse[T any](name string) (*T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, fmt.Errorf("error initializing %s config: %w", name, err)
	}
	return &cfg, nil
}

func GetConfig() (*Config, error) {
	cfg, err := parse[Config]("service")
	if err != nil {
		return nil, err
	}
	switch cfg.STORE_TYPE {
	case "redis", "local":
	default:
		return nil, fmt.Errorf("KEY: STORE_TYPE is invalid: %s", cfg.STORE_TYPE)
	}
	switch cfg.LEDGER_TYPE {
	case "postgres", "memory":
	default:
		return nil, fmt.Errorf("KEY: LEDGER_TYPE is invalid: %s", cfg.LEDGER_TYPE)
	}
	switch cfg.EVENTS_TYPE {
	case "jetstream", "none":
	default:
		return nil, fmt.Errorf("KEY: EVENTS_TYPE is invalid: %s", cfg.EVENTS_TYPE)
	}
	return cfg, nil
}

func GetServerConfig() (*ServerConfig, error) {
	cfg, err := parse[ServerConfig]("server")
	if err != nil {
		return nil, err
	}
	if cfg.SUBMIT_QUEUE_SIZE <= 0 || cfg.SUBMIT_MAX_INFLIGHT <= 0 {
		return nil, fmt.Errorf("KEY: SUBMIT_QUEUE_SIZE and SUBMIT_MAX_INFLIGHT must be positive")
	}
	return cfg, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	cfg, err := parse[RedisConfig]("redis")
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("KEY: REDIS_POOL_SIZE must be positive")
	}
	if cfg.MinIdleConns < 0 || cfg.MinIdleConns > cfg.PoolSize {
		return nil, fmt.Errorf("KEY: REDIS_MIN_IDLE_CONNS must be between 0 and REDIS_POOL_SIZE")
	}
	return cfg, nil
}

func GetLocalStoreConfig() (*LocalStoreConfig, error) {
	cfg, err := parse[LocalStoreConfig]("local store")
	if err != nil {
		return nil, err
	}
	if cfg.SIZE_BYTES <= 0 {
		return nil, fmt.Errorf("KEY: LOCAL_STORE_SIZE must be positive")
	}
	return cfg, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	return parse[PostgresConfig]("postgres")
}

func GetNatsConfig() (*NatsConfig, error) {
	return parse[NatsConfig]("nats")
}

func GetMinioConfig() (*MinioConfig, error) {
	return parse[MinioConfig]("minio")
}

func GetQueueConfig() (*QueueConfig, error) {
	cfg, err := parse[QueueConfig]("queue")
	if err != nil {
		return nil, err
	}
	if cfg.JOB_TTL <= 0 || cfg.IDEMPOTENCY_TTL <= 0 {
		return nil, fmt.Errorf("KEY: JOB_TTL and IDEMPOTENCY_TTL must be positive")
	}
	return cfg, nil
}

func GetFleetConfig() (*FleetConfig, error) {
	cfg, err := parse[FleetConfig]("fleet")
	if err != nil {
		return nil, err
	}
	if cfg.TICK_INTERVAL <= 0 || cfg.HEALTH_INTERVAL <= 0 {
		return nil, fmt.Errorf("KEY: FLEET_TICK_INTERVAL and FLEET_HEALTH_INTERVAL must be positive")
	}
	if cfg.START_TIMEOUT < cfg.HEALTH_INTERVAL {
		return nil, fmt.Errorf("KEY: FLEET_START_TIMEOUT must not be shorter than FLEET_HEALTH_INTERVAL")
	}
	if cfg.LEASE_TTL <= cfg.TICK_INTERVAL {
		return nil, fmt.Errorf("KEY: FLEET_LEASE_TTL must be longer than FLEET_TICK_INTERVAL")
	}
	return cfg, nil
}

func GetWorkerConfig() (*WorkerConfig, error) {
	cfg, err := parse[WorkerConfig]("worker")
	if err != nil {
		return nil, err
	}
	if cfg.LANE != "cpu" && cfg.LANE != "gpu" {
		return nil, fmt.Errorf("KEY: WORKER_LANE is invalid: %s", cfg.LANE)
	}
	if cfg.MAX_CONCURRENT <= 0 {
		return nil, fmt.Errorf("KEY: WORKER_MAX_CONCURRENT must be positive")
	}
	return cfg, nil
}
