package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/repository"
)

// ReconcileService compares the desired role state against the recorded one
// and emits the minimal set of queue jobs closing the gap.
type ReconcileService struct {
	credentials port.CredentialRepository
	assignments port.AssignmentRepository
	resolver    *EntitlementService
	queue       *QueueService
	guild       port.GuildClient
	events      port.EventPublisher
	sendWelcome bool
	logger      *zap.Logger
	now         func() time.Time
}

// NewReconcileService constructs a ReconcileService.
func NewReconcileService(
	credentials port.CredentialRepository,
	assignments port.AssignmentRepository,
	resolver *EntitlementService,
	queue *QueueService,
	guild port.GuildClient,
	events port.EventPublisher,
	sendWelcome bool,
	logger *zap.Logger,
) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReconcileService{
		credentials: credentials,
		assignments: assignments,
		resolver:    resolver,
		queue:       queue,
		guild:       guild,
		events:      events,
		sendWelcome: sendWelcome,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (s *ReconcileService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// SyncNewConnection runs after a completed authorization callback. It seeds
// the guild membership, queues the initial role grants, and announces the
// connection. When the user reconnected under a different Discord account,
// assignments recorded for the old account are dropped first.
func (s *ReconcileService) SyncNewConnection(ctx context.Context, userID string, identityChanged bool) error {
	if identityChanged {
		dropped, err := s.assignments.DeleteAllForUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("clear stale assignments: %w", err)
		}
		if dropped > 0 {
			s.logger.Info("cleared assignments after identity change",
				zap.String("user_id", userID),
				zap.Int("dropped", dropped),
			)
		}
	}

	credential, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotConnected
		}
		return fmt.Errorf("load credential: %w", err)
	}

	targets, err := s.resolver.ResolveTargetRoles(ctx, userID)
	if err != nil {
		return err
	}

	if !targets.Eligible {
		s.logger.Info("connection without eligibility, skipping guild join",
			zap.String("user_id", userID),
		)
		return nil
	}

	if _, err := s.queue.Schedule(ctx, domain.JobAddMember, userID, domain.JobPayload{}); err != nil {
		return err
	}

	if _, err := s.reconcileDiff(ctx, userID, targets); err != nil {
		return err
	}

	if s.sendWelcome {
		if _, err := s.queue.Schedule(ctx, domain.JobSendWelcome, userID, domain.JobPayload{}); err != nil {
			return err
		}
	}

	if s.events != nil {
		roleIDs := make([]string, 0, len(targets.Roles))
		for _, role := range targets.Roles {
			roleIDs = append(roleIDs, role.RoleID)
		}

		event := domain.MemberConnectedEvent{
			EventID:        uuid.NewString(),
			UserID:         userID,
			ExternalUserID: externalID(credential),
			Roles:          roleIDs,
			ConnectedAt:    s.now().UTC(),
		}
		if err := s.events.PublishMemberConnected(ctx, event); err != nil {
			s.logger.Warn("publish member connected event errored", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return nil
}

// Reconcile diffs desired roles against recorded assignments and enqueues
// the jobs closing the gap. Running it twice against an unchanged ledger
// produces no additional work once the queued jobs have executed.
func (s *ReconcileService) Reconcile(ctx context.Context, userID string) error {
	credential, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotConnected
		}
		return fmt.Errorf("load credential: %w", err)
	}

	targets, err := s.resolver.ResolveTargetRoles(ctx, userID)
	if err != nil {
		return err
	}

	current, err := s.reconcileDiff(ctx, userID, targets)
	if err != nil {
		return err
	}

	// Removal is queued only while there is something to undo: recorded
	// roles or a standing guild join. Once the removal has executed, a
	// repeat run against the same state enqueues nothing.
	if !targets.Eligible && (len(current) > 0 || credential.JoinedAt != nil) {
		if _, err := s.queue.Schedule(ctx, domain.JobRemoveMember, userID, domain.JobPayload{}); err != nil {
			return err
		}
	}

	return nil
}

// reconcileDiff enqueues the grant and revoke jobs closing the gap between
// recorded assignments and the target set. It returns the assignments that
// were recorded when the diff ran.
func (s *ReconcileService) reconcileDiff(ctx context.Context, userID string, targets domain.TargetRoles) ([]domain.RoleAssignment, error) {
	current, err := s.assignments.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	held := make(map[string]domain.RoleAssignment, len(current))
	for _, assignment := range current {
		held[assignment.TransactionID] = assignment
	}

	desired := make(map[string]domain.TargetRole, len(targets.Roles))
	for _, target := range targets.Roles {
		desired[target.TransactionID] = target
	}

	// Revokes are scheduled first so their slots precede the paired grants:
	// for a remapped transaction the old role must leave before the new one
	// arrives.
	for _, assignment := range current {
		if target, ok := desired[assignment.TransactionID]; ok && target.RoleID == assignment.RoleID {
			continue
		}
		payload := domain.JobPayload{
			RoleID:        assignment.RoleID,
			TransactionID: assignment.TransactionID,
			ProductID:     assignment.ProductID,
		}
		if _, err := s.queue.Schedule(ctx, domain.JobRevokeRole, userID, payload); err != nil {
			return nil, err
		}
	}

	for _, target := range targets.Roles {
		if existing, ok := held[target.TransactionID]; ok && existing.RoleID == target.RoleID {
			continue
		}
		payload := domain.JobPayload{
			RoleID:        target.RoleID,
			TransactionID: target.TransactionID,
			ProductID:     target.ProductID,
		}
		if _, err := s.queue.Schedule(ctx, domain.JobGrantRole, userID, payload); err != nil {
			return nil, err
		}
	}

	return current, nil
}

// Disconnect severs the Discord connection synchronously: recorded roles
// are revoked right away rather than queued, local state is dropped, and
// the disconnection is announced. Pending queue jobs for the user become
// no-ops once the credential is gone.
func (s *ReconcileService) Disconnect(ctx context.Context, userID string) error {
	credential, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotConnected
		}
		return fmt.Errorf("load credential: %w", err)
	}

	current, err := s.assignments.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}

	if credential.HasIdentity() {
		for _, assignment := range current {
			result, err := s.guild.RevokeRole(ctx, *credential.ExternalUserID, assignment.RoleID)
			if err != nil {
				s.logger.Warn("revoke role on disconnect failed",
					zap.String("user_id", userID),
					zap.String("role_id", assignment.RoleID),
					zap.Error(err),
				)
				continue
			}
			if !result.Success && result.StatusCode != http.StatusNotFound {
				s.logger.Warn("revoke role on disconnect rejected",
					zap.String("user_id", userID),
					zap.String("role_id", assignment.RoleID),
					zap.Int("status", result.StatusCode),
				)
			}
		}

		// The member leaves the guild with their connection. A missing member
		// already is the desired state; anything else is logged and local
		// cleanup proceeds regardless.
		result, err := s.guild.RemoveMember(ctx, *credential.ExternalUserID)
		if err != nil {
			s.logger.Warn("remove member on disconnect failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		} else if !result.Success && result.StatusCode != http.StatusNotFound {
			s.logger.Warn("remove member on disconnect rejected",
				zap.String("user_id", userID),
				zap.Int("status", result.StatusCode),
			)
		}
	}

	if _, err := s.assignments.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("drop assignments: %w", err)
	}

	if err := s.credentials.Delete(ctx, userID); err != nil {
		return fmt.Errorf("drop credential: %w", err)
	}

	s.logger.Info("discord account disconnected", zap.String("user_id", userID))

	if s.events != nil {
		event := domain.MemberDisconnectedEvent{
			EventID:        uuid.NewString(),
			UserID:         userID,
			ExternalUserID: externalID(credential),
			DisconnectedAt: s.now().UTC(),
		}
		if err := s.events.PublishMemberDisconnected(ctx, event); err != nil {
			s.logger.Warn("publish member disconnected event errored", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return nil
}

func externalID(credential *domain.UserCredential) string {
	if credential == nil || credential.ExternalUserID == nil {
		return ""
	}
	return *credential.ExternalUserID
}
