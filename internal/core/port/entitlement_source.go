package port

import (
	"context"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
)

// EntitlementSource is the read-only view of the hosting application's
// subscription ledger.
type EntitlementSource interface {
	ActiveEntitlements(ctx context.Context, userID string) ([]domain.Entitlement, error)
}
