package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, userID string, at time.Time, payload any) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("Stub event published",
		zap.String("event_type", eventType),
		zap.String("user_id", userID),
		zap.Time("timestamp", at.UTC()),
		zap.Any("payload", payload),
	)
}

// PublishMemberConnected logs guildsync.member.connected events.
func (p *StubPublisher) PublishMemberConnected(_ context.Context, event domain.MemberConnectedEvent) error {
	payload := map[string]any{
		"user_id":          event.UserID,
		"external_user_id": event.ExternalUserID,
		"roles":            event.Roles,
		"connected_at":     event.ConnectedAt,
	}
	p.logEvent("guildsync.member.connected", event.UserID, event.ConnectedAt, payload)
	return nil
}

// PublishMemberDisconnected logs guildsync.member.disconnected events.
func (p *StubPublisher) PublishMemberDisconnected(_ context.Context, event domain.MemberDisconnectedEvent) error {
	payload := map[string]any{
		"user_id":          event.UserID,
		"external_user_id": event.ExternalUserID,
		"disconnected_at":  event.DisconnectedAt,
	}
	p.logEvent("guildsync.member.disconnected", event.UserID, event.DisconnectedAt, payload)
	return nil
}

// PublishJobFailed logs guildsync.job.failed events.
func (p *StubPublisher) PublishJobFailed(_ context.Context, event domain.JobFailedEvent) error {
	payload := map[string]any{
		"job_id":    event.JobID,
		"user_id":   event.UserID,
		"kind":      event.Kind,
		"attempts":  event.Attempts,
		"reason":    event.Reason,
		"failed_at": event.FailedAt,
	}
	p.logEvent("guildsync.job.failed", event.UserID, event.FailedAt, payload)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
