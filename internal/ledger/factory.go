package ledger

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Driver names a Store implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
)

// Factory errors.
var (
	ErrInvalidConfig = errors.New("invalid ledger configuration")
	ErrInvalidDriver = errors.New("invalid ledger driver")
)

// StoreOption is a functional option for NewStore.
type StoreOption func(*storeConfig)

type storeConfig struct {
	sqlStore    Store
	redisClient *redis.Client
	redisTTL    time.Duration
}

// WithSQLStore supplies the opened SQL-backed store for DriverSQLite.
func WithSQLStore(s Store) StoreOption {
	return func(c *storeConfig) { c.sqlStore = s }
}

// WithRedisClient sets the Redis client for DriverRedis.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithRedisTTL sets the TTL for Redis version lists.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) { c.redisTTL = ttl }
}

// NewStore returns the Store for driver.
func NewStore(driver Driver, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		if cfg.sqlStore == nil {
			return nil, ErrInvalidConfig
		}
		return cfg.sqlStore, nil
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return NewRedisStore(cfg.redisClient, cfg.redisTTL), nil
	default:
		return nil, ErrInvalidDriver
	}
}
