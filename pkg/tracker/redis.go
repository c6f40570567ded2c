package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	lferrors "github.com/logflow/tableflow/pkg/errors"
)

// RedisConfig configures the Redis registry backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Key holds the registry hash
	Key string

	// Timeout for Redis operations
	Timeout time.Duration

	PoolSize     int
	MinIdleConns int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Key:          "tableflow:ingestion_registry",
		Timeout:      5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisBackend stores the registry in a hash with two fields: the JSON
// document and an integer version bumped on every save. Saves run under
// WATCH so a concurrent writer aborts the transaction.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

const (
	fieldDoc     = "doc"
	fieldVersion = "version"
)

// NewRedisBackend connects and pings Redis.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultRedisConfig("").Key
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, lferrors.Transient(fmt.Errorf("failed to connect to Redis: %w", err), "redis ping")
	}

	return &RedisBackend{cfg: cfg, client: client}, nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, key string) *RedisBackend {
	cfg := DefaultRedisConfig("")
	if key != "" {
		cfg.Key = key
	}
	return &RedisBackend{cfg: cfg, client: client}
}

func (b *RedisBackend) Name() string { return "redis:" + b.cfg.Key }

// Close closes the client.
func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) Load(ctx context.Context) (*Registry, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	vals, err := b.client.HMGet(ctx, b.cfg.Key, fieldDoc, fieldVersion).Result()
	if err != nil {
		return nil, "", lferrors.Transient(err, "load registry")
	}
	doc, _ := vals[0].(string)
	version, _ := vals[1].(string)
	if doc == "" {
		return newRegistry(), "", nil
	}
	reg, err := decode([]byte(doc))
	if err != nil {
		return nil, "", err
	}
	return reg, version, nil
}

func (b *RedisBackend) Save(ctx context.Context, reg *Registry, version string) (string, error) {
	data, err := encode(reg)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var next string
	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, b.cfg.Key, fieldVersion).Result()
		if errors.Is(err, redis.Nil) {
			current = ""
		} else if err != nil {
			return err
		}
		if current != version {
			return ErrVersionConflict
		}

		n := 1
		if current != "" {
			if n, err = strconv.Atoi(current); err != nil {
				return fmt.Errorf("corrupt registry version %q", current)
			}
			n++
		}
		next = strconv.Itoa(n)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.cfg.Key, fieldDoc, data, fieldVersion, next)
			return nil
		})
		return err
	}, b.cfg.Key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return "", ErrVersionConflict
	default:
		return "", lferrors.Transient(err, "save registry")
	}
}
