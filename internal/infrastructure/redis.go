package infrastructure

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"corebank.io/platform/internal/config"
	"corebank.io/platform/internal/pkg/logger"
)

// NewRedisClient connects to a single node or a cluster depending on the
// number of addresses.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("Redis client connected", zap.Strings("addrs", cfg.Addrs))
	return client, nil
}
