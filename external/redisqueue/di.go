package redisqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	redis "github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
)

const redisPingTimeout = 5 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (redis.UniversalClient, error) {
		cfg := do.MustInvoke[*config.Config](i)
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      []string{cfg.Redis.Addr},
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: 2,
		})
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return client, nil
	})
	do.Provide(injector, func(i do.Injector) (queue.Backend, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return New(do.MustInvoke[redis.UniversalClient](i), Config{
			Stream:            cfg.Queue.Stream,
			Group:             cfg.Queue.Group,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			DedupeTTL:         cfg.Queue.DedupeTTL,
		}), nil
	})
}
