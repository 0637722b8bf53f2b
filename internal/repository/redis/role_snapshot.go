package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/social-platform-guildsync/internal/core/port"
)

const defaultRoleSnapshotKey = "guildsync:roles"

// RoleSnapshotRepository caches the guild role set in Redis as a JSON blob.
type RoleSnapshotRepository struct {
	client *red.Client
	key    string
}

// NewRoleSnapshotRepository constructs a snapshot repository using the provided key.
func NewRoleSnapshotRepository(client *red.Client, key string) *RoleSnapshotRepository {
	if strings.TrimSpace(key) == "" {
		key = defaultRoleSnapshotKey
	}

	return &RoleSnapshotRepository{client: client, key: key}
}

// Get returns the cached role snapshot, or nil when none is cached.
func (r *RoleSnapshotRepository) Get(ctx context.Context) (map[string]string, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get role snapshot: %w", err)
	}

	roles := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return nil, fmt.Errorf("decode role snapshot: %w", err)
	}

	return roles, nil
}

// Set stores the role snapshot with the provided TTL.
func (r *RoleSnapshotRepository) Set(ctx context.Context, roles map[string]string, ttl time.Duration) error {
	payload, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("encode role snapshot: %w", err)
	}

	if err := r.client.Set(ctx, r.key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set role snapshot: %w", err)
	}

	return nil
}

var _ port.RoleSnapshotCache = (*RoleSnapshotRepository)(nil)
