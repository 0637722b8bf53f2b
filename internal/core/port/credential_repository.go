package port

import (
	"context"
	"time"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
)

// CredentialRepository persists per-user OAuth2 credentials.
type CredentialRepository interface {
	Get(ctx context.Context, userID string) (*domain.UserCredential, error)
	Upsert(ctx context.Context, credential domain.UserCredential) error
	Delete(ctx context.Context, userID string) error
	SetJoinedAt(ctx context.Context, userID string, joinedAt time.Time) error
	// ClearJoinedAt resets the join marker after the member left the guild.
	ClearJoinedAt(ctx context.Context, userID string, at time.Time) error
}
