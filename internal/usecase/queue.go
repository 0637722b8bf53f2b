package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
	"github.com/arklim/social-platform-guildsync/internal/infra/telemetry"
	"github.com/arklim/social-platform-guildsync/internal/repository"
)

// QueueService schedules and executes the external-API mutations produced
// by reconciliation. Jobs in one group run spaced apart so bursts of
// membership changes never translate into bursts against the platform API.
type QueueService struct {
	jobs        port.JobRepository
	credentials port.CredentialRepository
	assignments port.AssignmentRepository
	guild       port.GuildClient
	tokens      *TokenService
	lock        port.UserLock
	events      port.EventPublisher
	metrics     *telemetry.QueueMetrics
	cfg         config.QueueSettings
	welcome     string
	logger      *zap.Logger
	now         func() time.Time
	jitter      func(time.Duration) time.Duration

	mu     sync.Mutex
	slots  map[string]time.Time
	seeded map[string]bool
}

// NewQueueService constructs a QueueService.
func NewQueueService(
	jobs port.JobRepository,
	credentials port.CredentialRepository,
	assignments port.AssignmentRepository,
	guild port.GuildClient,
	tokens *TokenService,
	lock port.UserLock,
	events port.EventPublisher,
	metrics *telemetry.QueueMetrics,
	cfg config.QueueSettings,
	welcomeMessage string,
	logger *zap.Logger,
) *QueueService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &QueueService{
		jobs:        jobs,
		credentials: credentials,
		assignments: assignments,
		guild:       guild,
		tokens:      tokens,
		lock:        lock,
		events:      events,
		metrics:     metrics,
		cfg:         cfg,
		welcome:     welcomeMessage,
		logger:      logger,
		now:         time.Now,
		jitter:      defaultJitter,
		slots:       make(map[string]time.Time),
		seeded:      make(map[string]bool),
	}
}

func defaultJitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return rand.N(window)
}

// WithClock overrides the internal clock, used in tests.
func (s *QueueService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithJitter overrides the scheduling jitter source, used in tests.
func (s *QueueService) WithJitter(jitter func(time.Duration) time.Duration) {
	if jitter != nil {
		s.jitter = jitter
	}
}

// Schedule enqueues one mutation for a user. The job's not-before time is
// taken from the group's slot counter: at least now, never earlier than the
// previously allocated slot, plus a random delay inside the jitter window.
func (s *QueueService) Schedule(ctx context.Context, kind domain.JobKind, userID string, payload domain.JobPayload) (domain.Job, error) {
	now := s.now().UTC()

	notBefore, err := s.allocateSlot(ctx, now)
	if err != nil {
		return domain.Job{}, err
	}

	job := domain.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		GroupKey:  s.cfg.Group,
		Payload:   payload,
		NotBefore: notBefore,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("enqueue %s job: %w", kind, err)
	}

	s.logger.Debug("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.String("user_id", userID),
		zap.Time("not_before", notBefore),
	)

	return job, nil
}

// allocateSlot advances the group's monotonic slot counter. The counter is
// seeded once per process from the persisted queue so restarts keep spacing
// relative to jobs that are already waiting.
func (s *QueueService) allocateSlot(ctx context.Context, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.cfg.Group
	if !s.seeded[group] {
		latest, ok, err := s.jobs.HighestNotBefore(ctx, group)
		if err != nil {
			return time.Time{}, fmt.Errorf("seed slot counter: %w", err)
		}
		if ok && latest.After(s.slots[group]) {
			s.slots[group] = latest
		}
		s.seeded[group] = true
	}

	base := now
	if slot := s.slots[group]; slot.After(base) {
		base = slot
	}

	notBefore := base.Add(s.jitter(s.cfg.JitterWindow))
	// Slots advance strictly so later jobs never share a dispatch time with
	// earlier ones, even when the jitter draw is zero.
	if !notBefore.After(s.slots[group]) {
		notBefore = s.slots[group].Add(time.Millisecond)
	}
	s.slots[group] = notBefore

	return notBefore, nil
}

// RunWorker polls the queue until the context is cancelled.
func (s *QueueService) RunWorker(ctx context.Context) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("queue worker started",
		zap.String("group", s.cfg.Group),
		zap.Duration("poll_interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("queue worker stopped")
			return
		case <-ticker.C:
			if err := s.Drain(ctx); err != nil {
				s.logger.Error("queue drain failed", zap.Error(err))
			}
		}
	}
}

// Drain claims one batch of due jobs and executes them in order.
func (s *QueueService) Drain(ctx context.Context) error {
	now := s.now().UTC()

	claimed, err := s.jobs.ClaimDue(ctx, s.cfg.Group, s.cfg.ClaimBatchSize, now)
	if err != nil {
		return fmt.Errorf("claim due jobs: %w", err)
	}

	for _, job := range claimed {
		s.executeJob(ctx, job)
	}

	if pending, err := s.jobs.CountPending(ctx, s.cfg.Group); err == nil {
		s.metrics.SetPendingJobs(pending)
	}

	return nil
}

func (s *QueueService) executeJob(ctx context.Context, job domain.Job) {
	token, acquired, err := s.lock.TryAcquire(ctx, job.UserID, s.cfg.LockTTL)
	if err != nil {
		s.logger.Error("user lock acquire failed", zap.String("job_id", job.ID), zap.Error(err))
		s.requeue(ctx, job, job.Attempts, "lock unavailable")
		return
	}
	if !acquired {
		// Another execution for this user is in flight; try again later
		// without charging an attempt.
		s.requeue(ctx, job, job.Attempts, "user busy")
		return
	}
	defer func() {
		if err := s.lock.Release(ctx, job.UserID, token); err != nil {
			s.logger.Warn("user lock release failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	result := s.dispatch(ctx, job)
	s.metrics.ObserveExecution(string(job.Kind), result.Outcome.String())

	now := s.now().UTC()

	switch result.Outcome {
	case domain.OutcomeSuccess:
		if err := s.jobs.MarkSucceeded(ctx, job.ID, now); err != nil {
			s.logger.Error("mark job succeeded failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	case domain.OutcomeRetryable:
		attempts := job.Attempts + 1
		if attempts >= s.cfg.MaxAttempts {
			s.fail(ctx, job, attempts, result.Detail)
			return
		}
		s.requeue(ctx, job, attempts, result.Detail)
	case domain.OutcomeFatal:
		s.fail(ctx, job, job.Attempts+1, result.Detail)
	}
}

// requeue returns a job to the pending state. Attempts carries the charged
// attempt count; backoff grows exponentially with it.
func (s *QueueService) requeue(ctx context.Context, job domain.Job, attempts int, reason string) {
	now := s.now().UTC()
	notBefore := now.Add(s.backoff(attempts))

	if err := s.jobs.Reschedule(ctx, job.ID, notBefore, attempts, reason, now); err != nil {
		s.logger.Error("reschedule job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.logger.Warn("job rescheduled",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", attempts),
		zap.Time("not_before", notBefore),
		zap.String("reason", reason),
	)
}

func (s *QueueService) fail(ctx context.Context, job domain.Job, attempts int, reason string) {
	now := s.now().UTC()

	if err := s.jobs.MarkFailed(ctx, job.ID, reason, now); err != nil {
		s.logger.Error("mark job failed errored", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.logger.Error("job terminally failed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("user_id", job.UserID),
		zap.Int("attempts", attempts),
		zap.String("reason", reason),
	)

	if s.events == nil {
		return
	}

	event := domain.JobFailedEvent{
		EventID:  uuid.NewString(),
		JobID:    job.ID,
		UserID:   job.UserID,
		Kind:     job.Kind,
		Attempts: attempts,
		Reason:   reason,
		FailedAt: now,
	}
	if err := s.events.PublishJobFailed(ctx, event); err != nil {
		s.logger.Warn("publish job failed event errored", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *QueueService) backoff(attempts int) time.Duration {
	backoff := s.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for i := 1; i < attempts; i++ {
		backoff *= 2
		if s.cfg.MaxBackoff > 0 && backoff >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}

	return backoff
}

// dispatch runs the kind-specific mutation and classifies its outcome. A
// user who disconnected after the job was enqueued makes the job a no-op.
func (s *QueueService) dispatch(ctx context.Context, job domain.Job) domain.ExecutionResult {
	credential, err := s.credentials.Get(ctx, job.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.FailPermanently("user disconnected")
		}
		return domain.RetryLater(fmt.Sprintf("load credential: %v", err))
	}
	if !credential.HasIdentity() {
		return domain.FailPermanently("credential has no resolved identity")
	}

	externalID := *credential.ExternalUserID

	switch job.Kind {
	case domain.JobAddMember:
		return s.runAddMember(ctx, job, externalID)
	case domain.JobGrantRole:
		return s.runGrantRole(ctx, job, externalID)
	case domain.JobRevokeRole:
		return s.runRevokeRole(ctx, job, externalID)
	case domain.JobRemoveMember:
		return s.runRemoveMember(ctx, job, externalID)
	case domain.JobSendWelcome:
		return s.runSendWelcome(ctx, externalID)
	default:
		return domain.FailPermanently(fmt.Sprintf("unknown job kind %q", job.Kind))
	}
}

func (s *QueueService) runAddMember(ctx context.Context, job domain.Job, externalID string) domain.ExecutionResult {
	credential, err := s.tokens.EnsureValidToken(ctx, job.UserID)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return domain.FailPermanently(authErr.Error())
		}
		if errors.Is(err, ErrNotConnected) {
			return domain.FailPermanently("user disconnected")
		}
		return domain.RetryLater(fmt.Sprintf("ensure valid token: %v", err))
	}

	result, err := s.guild.AddMember(ctx, externalID, credential.AccessToken)
	if err != nil {
		return domain.RetryLater(fmt.Sprintf("add member: %v", err))
	}
	s.metrics.ObservePlatformCall("add_member", result.StatusCode)

	execution := classify(result)
	if execution.Outcome == domain.OutcomeSuccess {
		if err := s.credentials.SetJoinedAt(ctx, job.UserID, s.now().UTC()); err != nil {
			s.logger.Warn("record join time failed", zap.String("user_id", job.UserID), zap.Error(err))
		}
	}

	return execution
}

func (s *QueueService) runGrantRole(ctx context.Context, job domain.Job, externalID string) domain.ExecutionResult {
	result, err := s.guild.GrantRole(ctx, externalID, job.Payload.RoleID)
	if err != nil {
		return domain.RetryLater(fmt.Sprintf("grant role: %v", err))
	}
	s.metrics.ObservePlatformCall("grant_role", result.StatusCode)

	execution := classify(result)
	if execution.Outcome == domain.OutcomeSuccess {
		assignment := domain.RoleAssignment{
			UserID:        job.UserID,
			TransactionID: job.Payload.TransactionID,
			RoleID:        job.Payload.RoleID,
			ProductID:     job.Payload.ProductID,
			GrantedAt:     s.now().UTC(),
		}
		if err := s.assignments.Upsert(ctx, assignment); err != nil {
			return domain.RetryLater(fmt.Sprintf("record assignment: %v", err))
		}
	}

	return execution
}

func (s *QueueService) runRevokeRole(ctx context.Context, job domain.Job, externalID string) domain.ExecutionResult {
	result, err := s.guild.RevokeRole(ctx, externalID, job.Payload.RoleID)
	if err != nil {
		return domain.RetryLater(fmt.Sprintf("revoke role: %v", err))
	}
	s.metrics.ObservePlatformCall("revoke_role", result.StatusCode)

	execution := classify(result)
	// A role that is already gone counts as revoked.
	if result.StatusCode == http.StatusNotFound {
		execution = domain.Succeeded()
	}

	if execution.Outcome == domain.OutcomeSuccess {
		if err := s.assignments.Delete(ctx, job.UserID, job.Payload.TransactionID); err != nil {
			return domain.RetryLater(fmt.Sprintf("drop assignment: %v", err))
		}
	}

	return execution
}

func (s *QueueService) runRemoveMember(ctx context.Context, job domain.Job, externalID string) domain.ExecutionResult {
	result, err := s.guild.RemoveMember(ctx, externalID)
	if err != nil {
		return domain.RetryLater(fmt.Sprintf("remove member: %v", err))
	}
	s.metrics.ObservePlatformCall("remove_member", result.StatusCode)

	execution := classify(result)
	if result.StatusCode == http.StatusNotFound {
		execution = domain.Succeeded()
	}

	if execution.Outcome == domain.OutcomeSuccess {
		if _, err := s.assignments.DeleteAllForUser(ctx, job.UserID); err != nil {
			return domain.RetryLater(fmt.Sprintf("drop assignments: %v", err))
		}
		if err := s.credentials.ClearJoinedAt(ctx, job.UserID, s.now().UTC()); err != nil {
			s.logger.Warn("clear join time failed", zap.String("user_id", job.UserID), zap.Error(err))
		}
	}

	return execution
}

func (s *QueueService) runSendWelcome(ctx context.Context, externalID string) domain.ExecutionResult {
	result, err := s.guild.SendDirectMessage(ctx, externalID, s.welcome)
	if err != nil {
		return domain.RetryLater(fmt.Sprintf("send welcome: %v", err))
	}
	s.metrics.ObservePlatformCall("send_dm", result.StatusCode)

	// Users with DMs disabled reject the message with a 403; that is not
	// worth retrying.
	if result.StatusCode == http.StatusForbidden {
		return domain.FailPermanently("direct messages disabled")
	}

	return classify(result)
}

// classify maps a platform API response onto the retry policy: any rejection
// is retried with backoff until the attempt limit turns it terminal. Kinds
// with a cheaper resolution (a revoke hitting 404, a DM hitting 403) override
// the classification at their call site.
func classify(result *port.APIResult) domain.ExecutionResult {
	switch {
	case result.Success:
		return domain.Succeeded()
	case result.StatusCode == http.StatusTooManyRequests:
		return domain.RetryLater("rate limited")
	default:
		return domain.RetryLater(fmt.Sprintf("rejected with status %d", result.StatusCode))
	}
}
