package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRedisLocker_Acquire(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	locker := NewRedisLocker(client, time.Minute)

	first, err := locker.Acquire(ctx, "srv01")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := locker.Acquire(ctx, "srv01"); !errors.Is(err, ErrHeld) {
		t.Errorf("second Acquire() error = %v, want ErrHeld", err)
	}

	// Other hosts are independent.
	other, err := locker.Acquire(ctx, "srv02")
	if err != nil {
		t.Fatalf("Acquire(srv02) error = %v", err)
	}
	defer other.Release(ctx)

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	again, err := locker.Acquire(ctx, "srv01")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	again.Release(ctx)
}

func TestRedisLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }
	locker := NewRedisLocker(client, time.Minute)

	stale, err := locker.Acquire(ctx, "srv01")
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	fresh, err := locker.Acquire(ctx, "srv01")
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}

	// Releasing the expired lease must not drop the new holder's key.
	if err := stale.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := locker.Acquire(ctx, "srv01"); !errors.Is(err, ErrHeld) {
		t.Errorf("Acquire() error = %v, want ErrHeld while fresh lease is held", err)
	}
	fresh.Release(ctx)
}

func TestRedisLocker_ClientError(t *testing.T) {
	client := NewMockRedisClient()
	client.Close()
	locker := NewRedisLocker(client, time.Minute)

	_, err := locker.Acquire(context.Background(), "srv01")
	if err == nil || errors.Is(err, ErrHeld) {
		t.Errorf("Acquire() error = %v, want connection error", err)
	}
}

func TestNoop(t *testing.T) {
	var l Locker = Noop{}
	a, err := l.Acquire(context.Background(), "srv01")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Acquire(context.Background(), "srv01")
	if err != nil {
		t.Fatal(err)
	}
	if a.Release(context.Background()) != nil || b.Release(context.Background()) != nil {
		t.Error("Noop release should not fail")
	}
}
