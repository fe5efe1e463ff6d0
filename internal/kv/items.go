package kv

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"bulk-post-scheduler/internal/models"
)

// ItemStatuses keeps one hash field per item. A missing field reads as
// pending.
type ItemStatuses struct {
	client redis.Cmdable
	key    string
}

func NewItemStatuses(client redis.Cmdable, key string) *ItemStatuses {
	if key == "" {
		key = "item_status"
	}
	return &ItemStatuses{client: client, key: key}
}

func (s *ItemStatuses) GetStatus(ctx context.Context, itemID string) (models.ItemStatus, error) {
	v, err := s.client.HGet(ctx, s.key, itemID).Result()
	if errors.Is(err, redis.Nil) {
		return models.ItemPending, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get status of item %s", itemID)
	}
	return models.ItemStatus(v), nil
}

func (s *ItemStatuses) SetStatus(ctx context.Context, itemID string, status models.ItemStatus) error {
	err := s.client.HSet(ctx, s.key, itemID, string(status)).Err()
	return errors.Wrapf(err, "set status of item %s", itemID)
}
