package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	red "github.com/redis/go-redis/v9"

	"github.com/arklim/social-platform-guildsync/internal/core/port"
)

const defaultLockPrefix = "guildsync:lock"

// releaseScript deletes the lock only when the stored owner token matches,
// so an expired lock re-acquired by another worker is never released here.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// UserLockRepository implements per-user execution locks on Redis.
type UserLockRepository struct {
	client *red.Client
	prefix string
}

// NewUserLockRepository constructs a lock repository with the provided key prefix.
func NewUserLockRepository(client *red.Client, keyPrefix string) *UserLockRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultLockPrefix
	}

	return &UserLockRepository{client: client, prefix: prefix}
}

// TryAcquire takes the lock for a user if nobody else holds it.
func (r *UserLockRepository) TryAcquire(ctx context.Context, userID string, ttl time.Duration) (string, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return "", false, errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", false, errors.New("ttl must be positive")
	}

	token := uuid.NewString()
	acquired, err := r.client.SetNX(ctx, r.key(userID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx lock: %w", err)
	}
	if !acquired {
		return "", false, nil
	}

	return token, true, nil
}

// Release frees the lock when the owner token still matches.
func (r *UserLockRepository) Release(ctx context.Context, userID, token string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(token) == "" {
		return errors.New("user id and token are required")
	}

	if err := r.client.Eval(ctx, releaseScript, []string{r.key(userID)}, token).Err(); err != nil {
		return fmt.Errorf("redis release lock: %w", err)
	}

	return nil
}

func (r *UserLockRepository) key(userID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, userID)
}

var _ port.UserLock = (*UserLockRepository)(nil)
