package usecase

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
	"github.com/arklim/social-platform-guildsync/internal/infra/telemetry"
)

func apiStatus(code int) *port.APIResult {
	return &port.APIResult{StatusCode: code}
}

func testQueueSettings() config.QueueSettings {
	return config.QueueSettings{
		Group:          "discord",
		JitterWindow:   time.Minute,
		PollInterval:   time.Second,
		ClaimBatchSize: 10,
		MaxAttempts:    3,
		RetryBackoff:   time.Minute,
		MaxBackoff:     10 * time.Minute,
		LockTTL:        30 * time.Second,
	}
}

func testMetrics(t *testing.T) *telemetry.QueueMetrics {
	t.Helper()
	metrics, err := telemetry.NewQueueMetrics(telemetry.QueueMetricsOptions{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewQueueMetrics: %v", err)
	}
	return metrics
}

type queueFixture struct {
	service     *QueueService
	jobs        *jobRepoStub
	credentials *credentialRepoStub
	assignments *assignmentRepoStub
	guild       *guildClientStub
	identity    *identityClientStub
	lock        *userLockStub
	events      *eventPublisherStub
	now         time.Time
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	f := &queueFixture{
		jobs:        newJobRepoStub(),
		credentials: newCredentialRepoStub(),
		assignments: &assignmentRepoStub{},
		guild:       &guildClientStub{},
		identity:    &identityClientStub{},
		lock:        &userLockStub{},
		events:      &eventPublisherStub{},
		now:         now,
	}

	externalID := "ext-1"
	f.credentials.credentials["user-1"] = domain.UserCredential{
		UserID:         "user-1",
		ExternalUserID: &externalID,
		AccessToken:    "access-1",
		RefreshToken:   "refresh-1",
		ExpiresAt:      now.Add(time.Hour),
	}

	tokens := NewTokenService(f.credentials, f.identity, nil)
	tokens.WithClock(fixedClock(now))

	f.service = NewQueueService(
		f.jobs,
		f.credentials,
		f.assignments,
		f.guild,
		tokens,
		f.lock,
		f.events,
		testMetrics(t),
		testQueueSettings(),
		"welcome to the guild",
		nil,
	)
	f.service.WithClock(fixedClock(now))
	f.service.WithJitter(func(time.Duration) time.Duration { return 30 * time.Second })

	return f
}

// enqueueDue plants a job that is already past its not-before time.
func (f *queueFixture) enqueueDue(t *testing.T, id string, kind domain.JobKind, attempts int, payload domain.JobPayload) {
	t.Helper()
	err := f.jobs.Create(context.Background(), domain.Job{
		ID:        id,
		Kind:      kind,
		UserID:    "user-1",
		GroupKey:  "discord",
		Payload:   payload,
		NotBefore: f.now.Add(-time.Second),
		Attempts:  attempts,
		Status:    domain.JobStatusPending,
		CreatedAt: f.now.Add(-time.Minute),
		UpdatedAt: f.now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("plant job: %v", err)
	}
}

func TestQueueService_Schedule_MonotonicSlots(t *testing.T) {
	f := newQueueFixture(t)

	first, err := f.service.Schedule(context.Background(), domain.JobGrantRole, "user-1", domain.JobPayload{RoleID: "role-gold"})
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	second, err := f.service.Schedule(context.Background(), domain.JobGrantRole, "user-2", domain.JobPayload{RoleID: "role-gold"})
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	third, err := f.service.Schedule(context.Background(), domain.JobSendWelcome, "user-1", domain.JobPayload{})
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	if !first.NotBefore.Equal(f.now.Add(30 * time.Second)) {
		t.Fatalf("unexpected first slot: %v", first.NotBefore)
	}
	if !second.NotBefore.Equal(f.now.Add(60 * time.Second)) {
		t.Fatalf("unexpected second slot: %v", second.NotBefore)
	}
	if !third.NotBefore.Equal(f.now.Add(90 * time.Second)) {
		t.Fatalf("unexpected third slot: %v", third.NotBefore)
	}
}

func TestQueueService_Schedule_SeedsSlotFromPersistedQueue(t *testing.T) {
	f := newQueueFixture(t)

	// A job scheduled before this process started is still waiting.
	err := f.jobs.Create(context.Background(), domain.Job{
		ID:        "job-old",
		Kind:      domain.JobGrantRole,
		UserID:    "user-9",
		GroupKey:  "discord",
		NotBefore: f.now.Add(5 * time.Minute),
		Status:    domain.JobStatusPending,
	})
	if err != nil {
		t.Fatalf("plant job: %v", err)
	}

	job, err := f.service.Schedule(context.Background(), domain.JobGrantRole, "user-1", domain.JobPayload{RoleID: "role-gold"})
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	if !job.NotBefore.Equal(f.now.Add(5*time.Minute + 30*time.Second)) {
		t.Fatalf("expected slot after the persisted backlog, got %v", job.NotBefore)
	}
}

func TestQueueService_Drain_GrantRoleSuccess(t *testing.T) {
	f := newQueueFixture(t)
	f.enqueueDue(t, "job-1", domain.JobGrantRole, 0, domain.JobPayload{RoleID: "role-gold", TransactionID: "txn-1", ProductID: "10"})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	if got := f.jobs.jobs["job-1"].Status; got != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded job, got %s", got)
	}

	calls := f.guild.callsOf("grant_role")
	if len(calls) != 1 || calls[0].userID != "ext-1" || calls[0].roleID != "role-gold" {
		t.Fatalf("unexpected guild calls: %+v", calls)
	}

	recorded, _ := f.assignments.ListByUser(context.Background(), "user-1")
	if len(recorded) != 1 || recorded[0].TransactionID != "txn-1" || recorded[0].RoleID != "role-gold" {
		t.Fatalf("expected assignment recorded after grant, got %+v", recorded)
	}

	if f.lock.acquires != 1 || f.lock.releases != 1 {
		t.Fatalf("expected lock acquire/release pair, got %d/%d", f.lock.acquires, f.lock.releases)
	}
}

func TestQueueService_Drain_RateLimitedRetries(t *testing.T) {
	f := newQueueFixture(t)
	f.guild.grantResult = apiStatus(http.StatusTooManyRequests)
	f.enqueueDue(t, "job-1", domain.JobGrantRole, 0, domain.JobPayload{RoleID: "role-gold", TransactionID: "txn-1"})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected job back in pending, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected one charged attempt, got %d", job.Attempts)
	}
	if !job.NotBefore.Equal(f.now.Add(time.Minute)) {
		t.Fatalf("expected first backoff of one minute, got %v", job.NotBefore)
	}
	if len(f.events.failed) != 0 {
		t.Fatalf("retryable failure must not publish a terminal event")
	}
}

func TestQueueService_Drain_ExhaustedRetriesFailTerminally(t *testing.T) {
	f := newQueueFixture(t)
	f.guild.grantResult = apiStatus(http.StatusTooManyRequests)
	f.enqueueDue(t, "job-1", domain.JobGrantRole, 2, domain.JobPayload{RoleID: "role-gold", TransactionID: "txn-1"})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected terminally failed job, got %s", job.Status)
	}
	if len(f.events.failed) != 1 {
		t.Fatalf("expected one job failed event, got %d", len(f.events.failed))
	}
	if event := f.events.failed[0]; event.JobID != "job-1" || event.Attempts != 3 {
		t.Fatalf("unexpected failure event: %+v", event)
	}
}

func TestQueueService_Drain_RejectionRetriesThenFails(t *testing.T) {
	f := newQueueFixture(t)
	f.guild.grantResult = apiStatus(http.StatusForbidden)
	f.enqueueDue(t, "job-1", domain.JobGrantRole, 0, domain.JobPayload{RoleID: "role-gold", TransactionID: "txn-1"})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusPending {
		t.Fatalf("a rejection must be retried, not failed outright, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected one charged attempt, got %d", job.Attempts)
	}
	if !job.NotBefore.Equal(f.now.Add(time.Minute)) {
		t.Fatalf("expected first backoff of one minute, got %v", job.NotBefore)
	}

	// Drive the job through its remaining attempts.
	for i := 0; i < 2; i++ {
		job = f.jobs.jobs["job-1"]
		job.NotBefore = f.now.Add(-time.Second)
		f.jobs.jobs["job-1"] = job
		if err := f.service.Drain(context.Background()); err != nil {
			t.Fatalf("Drain returned error: %v", err)
		}
	}

	job = f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected terminal failure after exhausted attempts, got %s", job.Status)
	}
	if len(f.events.failed) != 1 {
		t.Fatalf("expected one job failed event, got %d", len(f.events.failed))
	}
	if event := f.events.failed[0]; event.Attempts != 3 || event.Reason != "rejected with status 403" {
		t.Fatalf("unexpected failure event: %+v", event)
	}
}

func TestQueueService_Drain_BusyUserRequeuesWithoutCharge(t *testing.T) {
	f := newQueueFixture(t)
	f.lock.busy = true
	f.enqueueDue(t, "job-1", domain.JobGrantRole, 1, domain.JobPayload{RoleID: "role-gold", TransactionID: "txn-1"})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected job requeued, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("busy lock must not charge an attempt, got %d", job.Attempts)
	}
	if len(f.guild.calls) != 0 {
		t.Fatalf("no guild call may happen while the user is locked")
	}
}

func TestQueueService_Drain_DisconnectedUserIsFatal(t *testing.T) {
	f := newQueueFixture(t)
	delete(f.credentials.credentials, "user-1")
	f.enqueueDue(t, "job-1", domain.JobGrantRole, 0, domain.JobPayload{RoleID: "role-gold", TransactionID: "txn-1"})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected job to fail for a disconnected user, got %s", job.Status)
	}
	if len(f.guild.calls) != 0 {
		t.Fatalf("no guild call may happen for a disconnected user")
	}
}

func TestQueueService_Drain_RevokeTreats404AsDone(t *testing.T) {
	f := newQueueFixture(t)
	f.guild.revokeResult = apiStatus(http.StatusNotFound)
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-gold"},
	}
	f.enqueueDue(t, "job-1", domain.JobRevokeRole, 0, domain.JobPayload{RoleID: "role-gold", TransactionID: "txn-1"})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	if got := f.jobs.jobs["job-1"].Status; got != domain.JobStatusSucceeded {
		t.Fatalf("a role already gone counts as revoked, got %s", got)
	}

	recorded, _ := f.assignments.ListByUser(context.Background(), "user-1")
	if len(recorded) != 0 {
		t.Fatalf("expected assignment record dropped, got %+v", recorded)
	}
}

func TestQueueService_Drain_AddMemberRecordsJoin(t *testing.T) {
	f := newQueueFixture(t)
	f.enqueueDue(t, "job-1", domain.JobAddMember, 0, domain.JobPayload{})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	if got := f.jobs.jobs["job-1"].Status; got != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded job, got %s", got)
	}

	calls := f.guild.callsOf("add_member")
	if len(calls) != 1 || calls[0].userID != "ext-1" {
		t.Fatalf("unexpected guild calls: %+v", calls)
	}

	if _, ok := f.credentials.joinedAt["user-1"]; !ok {
		t.Fatalf("expected join time recorded after a successful add")
	}
}

func TestQueueService_Drain_WelcomeDMForbiddenIsFatalQuietly(t *testing.T) {
	f := newQueueFixture(t)
	f.guild.dmResult = apiStatus(http.StatusForbidden)
	f.enqueueDue(t, "job-1", domain.JobSendWelcome, 0, domain.JobPayload{})

	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected closed DMs to fail the job, got %s", job.Status)
	}
	if job.LastError == nil || *job.LastError != "direct messages disabled" {
		t.Fatalf("unexpected failure reason: %v", job.LastError)
	}
}
