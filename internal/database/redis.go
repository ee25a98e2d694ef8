package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"relayhub/internal/config"
)

// RedisDB wraps the Redis client backing the stream bus and connection
// registry's presence bookkeeping.
type RedisDB struct {
	Client *redis.Client
	config *config.Config
	logger *logrus.Logger
}

// NewRedisDB opens and pings a Redis connection pool sized from cfg.
func NewRedisDB(cfg *config.Config, logger *logrus.Logger) (*RedisDB, error) {
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = cfg.Redis.MaxRetries
	opt.DialTimeout = cfg.Redis.DialTimeout
	opt.ReadTimeout = cfg.Redis.ReadTimeout
	opt.WriteTimeout = cfg.Redis.WriteTimeout
	opt.PoolSize = cfg.Redis.PoolSize
	opt.MinIdleConns = cfg.Redis.MinIdleConns

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("connected to Redis")

	return &RedisDB{Client: client, config: cfg, logger: logger}, nil
}

// Close closes the Redis connection pool.
func (r *RedisDB) Close() error {
	r.logger.Info("closing Redis connection")
	return r.Client.Close()
}

// Health pings Redis.
func (r *RedisDB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Client.Ping(ctx).Err()
}

// GetStats returns connection pool statistics.
func (r *RedisDB) GetStats() *redis.PoolStats {
	return r.Client.PoolStats()
}
