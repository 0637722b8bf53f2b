package port

import (
	"context"
	"time"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
)

// JobRepository is the durable backing store of the sync job queue.
type JobRepository interface {
	Create(ctx context.Context, job domain.Job) error
	// ClaimDue atomically moves up to limit due pending jobs in the group to
	// the executing state and returns them. Concurrent workers never claim
	// the same job twice.
	ClaimDue(ctx context.Context, group string, limit int, now time.Time) ([]domain.Job, error)
	MarkSucceeded(ctx context.Context, jobID string, at time.Time) error
	MarkFailed(ctx context.Context, jobID string, reason string, at time.Time) error
	// Reschedule returns an executing job to the pending state with a new
	// not-before time after a retryable failure.
	Reschedule(ctx context.Context, jobID string, notBefore time.Time, attempts int, reason string, at time.Time) error
	DeletePending(ctx context.Context, jobID string) error
	// HighestNotBefore reports the latest scheduled time among pending jobs
	// in the group; ok is false when the group has no pending jobs.
	HighestNotBefore(ctx context.Context, group string) (time.Time, bool, error)
	CountPending(ctx context.Context, group string) (int, error)
}
