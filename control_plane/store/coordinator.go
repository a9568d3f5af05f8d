package store

import (
	"context"
	"time"
)

// Coordinator is the lease primitive shared by the execution locker and the
// rollout monitor leader election. An owner value identifies the holder; the
// elector stores JSON lease metadata there, the locker a per-call token.
type Coordinator interface {
	// AcquireLock sets key to owner for ttl. It reports false, without error,
	// when someone else holds the key.
	AcquireLock(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error)

	// RenewLock pushes the expiry out by ttl while owner still holds key.
	RenewLock(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes key only when owner holds it.
	ReleaseLock(ctx context.Context, key string, owner string) error

	// GetLockOwner returns "" for a free key.
	GetLockOwner(ctx context.Context, key string) (string, error)
}
