// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionCache records bundle ids that have been handed to an
// auctioneer so a resubmission of the same bundle is detected across
// workers and process restarts. Entries expire after expireDuration,
// comfortably past the bundle's target window.
type SubmissionCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewSubmissionCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *SubmissionCache {
	return &SubmissionCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// Acquire claims the bundle id. It returns false when another worker
// already claimed it.
func (r *SubmissionCache) Acquire(ctx context.Context, bundleID string) (bool, error) {
	return r.client.SetNX(ctx, r.keyPrefix+bundleID, 1, r.expireDuration).Result()
}

// Seen reports whether the bundle id has been claimed without claiming it.
func (r *SubmissionCache) Seen(ctx context.Context, bundleID string) (bool, error) {
	count, err := r.client.Exists(ctx, r.keyPrefix+bundleID).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Release drops the claim, letting the bundle be submitted again.
func (r *SubmissionCache) Release(ctx context.Context, bundleID string) error {
	return r.client.Del(ctx, r.keyPrefix+bundleID).Err()
}
