package kv

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"bulk-post-scheduler/internal/models"
)

// Credentials stores destination access tokens under prefix+profileID.
type Credentials struct {
	client redis.Cmdable
	prefix string
}

func NewCredentials(client redis.Cmdable, prefix string) *Credentials {
	if prefix == "" {
		prefix = "credentials:"
	}
	return &Credentials{client: client, prefix: prefix}
}

// Token returns the token for a profile. A missing token is an
// infrastructure failure: the job cannot run at all.
func (c *Credentials) Token(ctx context.Context, profileID string) (string, error) {
	if profileID == "" {
		return "", models.Infrastructure(errors.New("no destination profile"), "resolve credentials")
	}
	tok, err := c.client.Get(ctx, c.prefix+profileID).Result()
	if errors.Is(err, redis.Nil) || (err == nil && tok == "") {
		return "", models.Infrastructure(errors.Newf("no credentials for profile %s", profileID), "resolve credentials")
	}
	if err != nil {
		return "", models.Infrastructure(err, "resolve credentials")
	}
	return tok, nil
}

// Put stores a token. ttl <= 0 keeps it until overwritten.
func (c *Credentials) Put(ctx context.Context, profileID, token string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return errors.Wrapf(c.client.Set(ctx, c.prefix+profileID, token, ttl).Err(), "store credentials for %s", profileID)
}
