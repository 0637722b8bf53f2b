package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
)

// EntitlementService resolves the desired Discord role state for a user
// from the hosting application's active memberships.
type EntitlementService struct {
	ledger  port.EntitlementSource
	guild   port.GuildClient
	cache   port.RoleSnapshotCache
	mapping domain.RoleMapping
	roleTTL time.Duration
	logger  *zap.Logger
}

// NewEntitlementService constructs an EntitlementService.
func NewEntitlementService(
	ledger port.EntitlementSource,
	guild port.GuildClient,
	cache port.RoleSnapshotCache,
	mapping domain.RoleMapping,
	roleTTL time.Duration,
	logger *zap.Logger,
) *EntitlementService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EntitlementService{
		ledger:  ledger,
		guild:   guild,
		cache:   cache,
		mapping: mapping,
		roleTTL: roleTTL,
		logger:  logger,
	}
}

// ResolveTargetRoles computes the full set of roles a user should hold
// right now. Each active membership contributes its mapped role under its
// transaction id; the configured default role, when present, is held by
// every user eligible for membership regardless of their entitlements.
func (s *EntitlementService) ResolveTargetRoles(ctx context.Context, userID string) (domain.TargetRoles, error) {
	entitlements, err := s.ledger.ActiveEntitlements(ctx, userID)
	if err != nil {
		return domain.TargetRoles{}, fmt.Errorf("list active entitlements: %w", err)
	}

	known := s.knownRoles(ctx)

	target := domain.TargetRoles{Roles: make([]domain.TargetRole, 0, len(entitlements)+1)}
	target.Eligible = len(entitlements) > 0 || s.mapping.AllowUnentitled

	for _, entitlement := range entitlements {
		roleID, ok := s.mapping.RoleFor(entitlement.ProductID)
		if !ok {
			continue
		}
		if !roleKnown(known, roleID) {
			// A mapped role the guild does not have is a misconfiguration,
			// not an error; the remaining roles still sync.
			s.logger.Warn("mapped role missing from guild, skipping",
				zap.String("role_id", roleID),
				zap.String("product_id", entitlement.ProductID),
			)
			continue
		}
		target.Roles = append(target.Roles, domain.TargetRole{
			RoleID:        roleID,
			TransactionID: entitlement.TransactionID,
			ProductID:     entitlement.ProductID,
		})
	}

	if target.Eligible && s.mapping.HasDefaultRole() {
		if roleKnown(known, s.mapping.DefaultRoleID) {
			target.Roles = append(target.Roles, domain.TargetRole{
				RoleID:        s.mapping.DefaultRoleID,
				TransactionID: domain.DefaultRoleKey,
			})
		} else {
			s.logger.Warn("default role missing from guild, skipping",
				zap.String("role_id", s.mapping.DefaultRoleID),
			)
		}
	}

	return target, nil
}

// knownRoles fetches the guild's role snapshot for filtering. An
// unavailable or empty snapshot disables the filter rather than blocking
// resolution.
func (s *EntitlementService) knownRoles(ctx context.Context) map[string]string {
	roles, err := s.GuildRoles(ctx)
	if err != nil {
		s.logger.Warn("guild role snapshot unavailable, accepting mapped roles unfiltered", zap.Error(err))
		return nil
	}
	if len(roles) == 0 {
		return nil
	}
	return roles
}

func roleKnown(known map[string]string, roleID string) bool {
	if known == nil {
		return true
	}
	_, ok := known[roleID]
	return ok
}

// GuildRoles returns the guild's role set (id -> name), served from cache
// when a fresh snapshot exists.
func (s *EntitlementService) GuildRoles(ctx context.Context) (map[string]string, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx)
		if err != nil {
			s.logger.Warn("role snapshot cache read failed", zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	roles, apiResult, err := s.guild.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list guild roles: %w", err)
	}
	if roles == nil {
		return nil, fmt.Errorf("list guild roles rejected with status %d", apiResult.StatusCode)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, roles, s.roleTTL); err != nil {
			s.logger.Warn("role snapshot cache write failed", zap.Error(err))
		}
	}

	return roles, nil
}

// Mapping exposes the immutable role mapping resolved at startup.
func (s *EntitlementService) Mapping() domain.RoleMapping {
	return s.mapping
}
