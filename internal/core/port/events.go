package port

import (
	"context"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
)

// EventPublisher delivers operational events to downstream consumers.
type EventPublisher interface {
	PublishMemberConnected(ctx context.Context, event domain.MemberConnectedEvent) error
	PublishMemberDisconnected(ctx context.Context, event domain.MemberDisconnectedEvent) error
	PublishJobFailed(ctx context.Context, event domain.JobFailedEvent) error
}
