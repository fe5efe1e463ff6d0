// Package kv holds the Redis-backed collaborators of the processor: the
// item-status contract owned by the content subsystem and the destination
// credentials.
package kv

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

var ErrRedisNotReady = errors.New("redis is not ready")

// Config mirrors the REDIS_* settings.
type Config struct {
	URL            string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// Connect pings until Redis answers or the attempts run out.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	attempts := max(cfg.RetryAttempts, 1)

	var lastErr error
	for n := 0; n < attempts; n++ {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Mark(errors.Wrap(ctx.Err(), "connect redis"), ErrRedisNotReady)
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, errors.Mark(errors.Wrap(lastErr, "connect redis"), ErrRedisNotReady)
}

// Healthcheck reports whether Redis answers a ping.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return errors.Wrap(client.Ping(ctx).Err(), "redis ping")
	}
}
