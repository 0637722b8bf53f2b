package port

import (
	"context"
	"time"
)

// RoleSnapshotCache caches the guild's known role set (role id -> name) so
// entitlement resolution does not hit the platform API on every call.
type RoleSnapshotCache interface {
	// Get returns the cached snapshot, or nil when none is cached.
	Get(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, roles map[string]string, ttl time.Duration) error
}
