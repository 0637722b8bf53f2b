package port

import (
	"context"
	"time"
)

// UserLock serializes job execution per user. A lock is held for the
// duration of one job's execution; jobs for distinct users may run
// concurrently.
type UserLock interface {
	// TryAcquire attempts to take the lock for a user. It returns an owner
	// token and true on success, or false when another execution holds it.
	TryAcquire(ctx context.Context, userID string, ttl time.Duration) (string, bool, error)
	// Release frees the lock if the owner token still matches.
	Release(ctx context.Context, userID, token string) error
}
