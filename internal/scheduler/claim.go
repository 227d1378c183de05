package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClaimLock is a short-lived per-enrollment advisory lock in Redis, layered
// on top of the store's compare-and-set so that workers in different
// processes don't burn work racing on the same enrollment. The CAS remains
// the correctness guard; the claim is only contention avoidance.
type ClaimLock struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

func NewClaimLock(client *redis.Client, owner string, ttl time.Duration) *ClaimLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ClaimLock{client: client, owner: owner, ttl: ttl}
}

func claimKey(enrollmentID uuid.UUID) string {
	return "drip:enrollment:claim:" + enrollmentID.String()
}

// Acquire takes the claim for one enrollment. False means another worker
// holds it and this one should move on.
func (c *ClaimLock) Acquire(ctx context.Context, enrollmentID uuid.UUID) (bool, error) {
	return c.client.SetNX(ctx, claimKey(enrollmentID), c.owner, c.ttl).Result()
}

// Release drops the claim. Only the owner's value is removed; an expired
// claim re-acquired by another worker is left alone.
func (c *ClaimLock) Release(ctx context.Context, enrollmentID uuid.UUID) {
	key := claimKey(enrollmentID)
	val, err := c.client.Get(ctx, key).Result()
	if err != nil || val != c.owner {
		return
	}
	c.client.Del(ctx, key)
}
