package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"genpay/internal/config"

	"github.com/go-redis/redis/v8"
)

// InitRedis connects to Redis. A disabled config returns a nil client, which
// callers treat as "no submit lock".
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	slog.Info("redis connected", "component", "redis", "addr", client.Options().Addr)
	return client, nil
}
