package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestClaim(t *testing.T, owner string) (*ClaimLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewClaimLock(client, owner, 30*time.Second), mr
}

func TestClaimLock_AcquireIsExclusive(t *testing.T) {
	lock, mr := newTestClaim(t, "worker-a")
	other := NewClaimLock(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "worker-b", 30*time.Second)
	ctx := context.Background()
	id := uuid.New()

	ok, err := lock.Acquire(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v; want true", ok, err)
	}
	ok, err = other.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if ok {
		t.Error("second worker acquired a held claim")
	}

	// A different enrollment is unaffected.
	ok, err = other.Acquire(ctx, uuid.New())
	if err != nil || !ok {
		t.Errorf("Acquire(other enrollment) = %v, %v; want true", ok, err)
	}
}

func TestClaimLock_ReleaseAllowsReacquire(t *testing.T) {
	lock, _ := newTestClaim(t, "worker-a")
	ctx := context.Background()
	id := uuid.New()

	if ok, _ := lock.Acquire(ctx, id); !ok {
		t.Fatal("Acquire() = false")
	}
	lock.Release(ctx, id)
	if ok, _ := lock.Acquire(ctx, id); !ok {
		t.Error("Acquire() after Release() = false")
	}
}

func TestClaimLock_ReleaseOnlyOwnClaim(t *testing.T) {
	lock, mr := newTestClaim(t, "worker-a")
	other := NewClaimLock(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "worker-b", 30*time.Second)
	ctx := context.Background()
	id := uuid.New()

	if ok, _ := lock.Acquire(ctx, id); !ok {
		t.Fatal("Acquire() = false")
	}

	// worker-b's release must not drop worker-a's claim.
	other.Release(ctx, id)
	if ok, _ := other.Acquire(ctx, id); ok {
		t.Error("claim was released by a non-owner")
	}
}

func TestClaimLock_ExpiredClaimReacquired(t *testing.T) {
	lock, mr := newTestClaim(t, "worker-a")
	ctx := context.Background()
	id := uuid.New()

	if ok, _ := lock.Acquire(ctx, id); !ok {
		t.Fatal("Acquire() = false")
	}
	mr.FastForward(time.Minute)
	if ok, _ := lock.Acquire(ctx, id); !ok {
		t.Error("expired claim not re-acquirable")
	}
}
