package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authzd/authzd/pkg/types"
)

// RedisConfig contains the L2 connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// TTL for L2 entries; normally matches the L1 TTL.
	TTL time.Duration
	// KeyPrefix namespaces decision keys.
	KeyPrefix string
}

// DefaultRedisConfig returns a configuration with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
		TTL:          time.Hour,
		KeyPrefix:    "authzd:decision:",
	}
}

// RedisCache mirrors decision-cache entries to Redis. It is strictly an
// L2: failures degrade to L1-only behavior and are logged, never surfaced
// to the decision path.
type RedisCache struct {
	client *redis.Client
	cfg    *RedisConfig
	logger *zap.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg *RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DialTimeout:  cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, cfg: cfg, logger: logger}, nil
}

// Get fetches a response from the L2.
func (r *RedisCache) Get(ctx context.Context, key string) (*types.CheckResponse, bool) {
	data, err := r.client.Get(ctx, r.cfg.KeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("Redis get failed", zap.Error(err))
		return nil, false
	}

	var resp types.CheckResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		r.logger.Warn("Redis entry corrupt, dropping", zap.String("key", key), zap.Error(err))
		r.client.Del(ctx, r.cfg.KeyPrefix+key)
		return nil, false
	}
	return &resp, true
}

// Set stores a response in the L2.
func (r *RedisCache) Set(ctx context.Context, key string, resp *types.CheckResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Warn("Redis marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, r.cfg.KeyPrefix+key, data, r.cfg.TTL).Err(); err != nil {
		r.logger.Warn("Redis set failed", zap.Error(err))
	}
}

// Flush removes all decision keys in the namespace.
func (r *RedisCache) Flush(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, r.cfg.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Warn("Redis delete failed", zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("Redis flush scan failed", zap.Error(err))
	}
}

// Close releases the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
