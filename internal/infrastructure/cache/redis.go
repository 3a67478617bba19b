// Package cache bootstraps the cache & lock service client (spec section
// 4.B). Everything built on top of this connection — leases, versioned
// balances, limit counters, idempotency entries — lives in internal/cachekv
// and internal/infrastructure/lock.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"p2pwallet/internal/config"

	"github.com/go-redis/redis/v8"
)

func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("cache: failed to connect to redis: %v", err)
	}

	log.Println("cache: redis connected")
	return client
}
