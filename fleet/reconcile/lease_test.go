package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"hyperfleet"
	"hyperfleet/internal/adapter/fake"
)

func TestLeaseExclusiveAcquire(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	ctx := context.Background()

	if _, err := AcquireLease(ctx, store.Registry("node-1"), clock, "m1", "node-1", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := AcquireLease(ctx, store.Registry("node-2"), clock, "m1", "node-2", time.Minute); !errors.Is(err, hyperfleet.ErrLeaseHeld) {
		t.Fatalf("competing acquire error = %v, want ErrLeaseHeld", err)
	}

	// The same holder may re-enter its own lease.
	if _, err := AcquireLease(ctx, store.Registry("node-1"), clock, "m1", "node-1", time.Minute); err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}
}

func TestLeaseRefreshExtends(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	ctx := context.Background()

	l, err := AcquireLease(ctx, store.Registry("node-1"), clock, "m1", "node-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clock.Advance(45 * time.Second)
	if err := l.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// 90s after acquire, but only 45s after refresh: still held.
	clock.Advance(45 * time.Second)
	if _, err := AcquireLease(ctx, store.Registry("node-2"), clock, "m1", "node-2", time.Minute); !errors.Is(err, hyperfleet.ErrLeaseHeld) {
		t.Fatalf("acquire before expiry error = %v, want ErrLeaseHeld", err)
	}

	clock.Advance(16 * time.Second)
	if _, err := AcquireLease(ctx, store.Registry("node-2"), clock, "m1", "node-2", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestLeaseRefreshFailsAfterTakeover(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	ctx := context.Background()

	l, err := AcquireLease(ctx, store.Registry("node-1"), clock, "m1", "node-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := AcquireLease(ctx, store.Registry("node-2"), clock, "m1", "node-2", time.Minute); err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}

	if err := l.Refresh(ctx); !errors.Is(err, hyperfleet.ErrLeaseHeld) {
		t.Fatalf("stale refresh error = %v, want ErrLeaseHeld", err)
	}
}

func TestLeaseReleaseFreesMachine(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	ctx := context.Background()

	l, err := AcquireLease(ctx, store.Registry("node-1"), clock, "m1", "node-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := AcquireLease(ctx, store.Registry("node-2"), clock, "m1", "node-2", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	// Releasing a lease someone else now owns is a no-op.
	if err := l.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
}
