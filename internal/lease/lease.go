// Package lease guards a host against concurrent collection by two
// processes sharing one cache directory.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another collector holds the host's lease.
var ErrHeld = errors.New("lease: held by another collector")

// KeyPrefix namespaces lease keys.
const KeyPrefix = "fleet-triage:lease:"

// Locker acquires per-host collection leases.
type Locker interface {
	Acquire(ctx context.Context, host string) (*Lease, error)
}

// Lease is a held host lease. Release is safe to call more than once.
type Lease struct {
	Host    string
	Token   string
	release func(ctx context.Context) error
}

// Release gives the lease back.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	err := l.release(ctx)
	l.release = nil
	return err
}

// Noop is a Locker that always grants the lease.
type Noop struct{}

// Acquire returns a lease that holds nothing.
func (Noop) Acquire(_ context.Context, host string) (*Lease, error) {
	return &Lease{Host: host}, nil
}

// RedisClient is the subset of Redis operations a lease needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	DeleteIfEqual(ctx context.Context, key string, value string) (bool, error)
	Close() error
}

// RedisLocker holds leases as Redis keys with a TTL, so a crashed
// collector's lease expires on its own.
type RedisLocker struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client RedisClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire takes the lease for host or returns ErrHeld.
func (r *RedisLocker) Acquire(ctx context.Context, host string) (*Lease, error) {
	key := KeyPrefix + host
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", host, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	slog.Debug("lease acquired", "host", host, "ttl", r.ttl)

	return &Lease{
		Host:  host,
		Token: token,
		release: func(ctx context.Context) error {
			deleted, err := r.client.DeleteIfEqual(ctx, key, token)
			if err != nil {
				return fmt.Errorf("lease: release %s: %w", host, err)
			}
			if !deleted {
				slog.Warn("lease expired before release", "host", host)
			}
			return nil
		},
	}, nil
}
