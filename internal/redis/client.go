package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mossy-p/session-relay/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout   = 5 * time.Second
	connectRetryTime = 30 * time.Second
)

// Connect builds a client for cfg and waits until it answers PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	operation := func() error {
		pctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return client.Ping(pctx).Err()
	}
	strategy := backoff.WithContext(
		backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(connectRetryTime)),
		ctx,
	)
	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		log.Warn().Str("module", "redis").Str("addr", cfg.Addr()).Err(err).
			Dur("retry_in", d).Msg("redis not reachable yet")
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Close closes the Redis connection
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
