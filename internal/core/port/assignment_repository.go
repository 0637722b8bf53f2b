package port

import (
	"context"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
)

// AssignmentRepository persists which role each entitlement transaction
// currently grants.
type AssignmentRepository interface {
	ListByUser(ctx context.Context, userID string) ([]domain.RoleAssignment, error)
	Upsert(ctx context.Context, assignment domain.RoleAssignment) error
	Delete(ctx context.Context, userID, transactionID string) error
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
}
