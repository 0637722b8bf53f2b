package usecase

import (
	"context"
	"net/http"
	"time"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/repository"
)

// Shared in-memory stubs backing the service tests.

type credentialRepoStub struct {
	credentials map[string]domain.UserCredential
	getErr      error
	upsertErr   error
	joinedAt    map[string]time.Time
}

func newCredentialRepoStub() *credentialRepoStub {
	return &credentialRepoStub{
		credentials: make(map[string]domain.UserCredential),
		joinedAt:    make(map[string]time.Time),
	}
}

func (m *credentialRepoStub) Get(_ context.Context, userID string) (*domain.UserCredential, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	credential, ok := m.credentials[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &credential, nil
}

func (m *credentialRepoStub) Upsert(_ context.Context, credential domain.UserCredential) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.credentials[credential.UserID] = credential
	return nil
}

func (m *credentialRepoStub) Delete(_ context.Context, userID string) error {
	delete(m.credentials, userID)
	return nil
}

func (m *credentialRepoStub) SetJoinedAt(_ context.Context, userID string, joinedAt time.Time) error {
	m.joinedAt[userID] = joinedAt
	if credential, ok := m.credentials[userID]; ok {
		credential.JoinedAt = &joinedAt
		m.credentials[userID] = credential
	}
	return nil
}

func (m *credentialRepoStub) ClearJoinedAt(_ context.Context, userID string, _ time.Time) error {
	delete(m.joinedAt, userID)
	if credential, ok := m.credentials[userID]; ok {
		credential.JoinedAt = nil
		m.credentials[userID] = credential
	}
	return nil
}

type assignmentRepoStub struct {
	assignments []domain.RoleAssignment
	upsertErr   error
}

func (m *assignmentRepoStub) ListByUser(_ context.Context, userID string) ([]domain.RoleAssignment, error) {
	out := make([]domain.RoleAssignment, 0)
	for _, assignment := range m.assignments {
		if assignment.UserID == userID {
			out = append(out, assignment)
		}
	}
	return out, nil
}

func (m *assignmentRepoStub) Upsert(_ context.Context, assignment domain.RoleAssignment) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for i, existing := range m.assignments {
		if existing.UserID == assignment.UserID && existing.TransactionID == assignment.TransactionID {
			m.assignments[i] = assignment
			return nil
		}
	}
	m.assignments = append(m.assignments, assignment)
	return nil
}

func (m *assignmentRepoStub) Delete(_ context.Context, userID, transactionID string) error {
	kept := m.assignments[:0]
	for _, assignment := range m.assignments {
		if assignment.UserID == userID && assignment.TransactionID == transactionID {
			continue
		}
		kept = append(kept, assignment)
	}
	m.assignments = kept
	return nil
}

func (m *assignmentRepoStub) DeleteAllForUser(_ context.Context, userID string) (int, error) {
	kept := m.assignments[:0]
	dropped := 0
	for _, assignment := range m.assignments {
		if assignment.UserID == userID {
			dropped++
			continue
		}
		kept = append(kept, assignment)
	}
	m.assignments = kept
	return dropped, nil
}

type jobRepoStub struct {
	jobs      map[string]domain.Job
	order     []string
	createErr error
}

func newJobRepoStub() *jobRepoStub {
	return &jobRepoStub{jobs: make(map[string]domain.Job)}
}

func (m *jobRepoStub) Create(_ context.Context, job domain.Job) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	return nil
}

func (m *jobRepoStub) ClaimDue(_ context.Context, group string, limit int, now time.Time) ([]domain.Job, error) {
	claimed := make([]domain.Job, 0, limit)
	for _, id := range m.order {
		if len(claimed) == limit {
			break
		}
		job := m.jobs[id]
		if job.GroupKey != group || job.Status != domain.JobStatusPending || job.NotBefore.After(now) {
			continue
		}
		job.Status = domain.JobStatusExecuting
		m.jobs[id] = job
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (m *jobRepoStub) MarkSucceeded(_ context.Context, jobID string, at time.Time) error {
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = domain.JobStatusSucceeded
	job.UpdatedAt = at
	m.jobs[jobID] = job
	return nil
}

func (m *jobRepoStub) MarkFailed(_ context.Context, jobID string, reason string, at time.Time) error {
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = domain.JobStatusFailed
	job.LastError = &reason
	job.UpdatedAt = at
	m.jobs[jobID] = job
	return nil
}

func (m *jobRepoStub) Reschedule(_ context.Context, jobID string, notBefore time.Time, attempts int, reason string, at time.Time) error {
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = domain.JobStatusPending
	job.NotBefore = notBefore
	job.Attempts = attempts
	job.LastError = &reason
	job.UpdatedAt = at
	m.jobs[jobID] = job
	return nil
}

func (m *jobRepoStub) DeletePending(_ context.Context, jobID string) error {
	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.JobStatusPending {
		return repository.ErrNotFound
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *jobRepoStub) HighestNotBefore(_ context.Context, group string) (time.Time, bool, error) {
	var latest time.Time
	found := false
	for _, job := range m.jobs {
		if job.GroupKey != group || job.Status != domain.JobStatusPending {
			continue
		}
		if job.NotBefore.After(latest) {
			latest = job.NotBefore
			found = true
		}
	}
	return latest, found, nil
}

func (m *jobRepoStub) CountPending(_ context.Context, group string) (int, error) {
	count := 0
	for _, job := range m.jobs {
		if job.GroupKey == group && job.Status == domain.JobStatusPending {
			count++
		}
	}
	return count, nil
}

func (m *jobRepoStub) pending() []domain.Job {
	out := make([]domain.Job, 0)
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok && job.Status == domain.JobStatusPending {
			out = append(out, job)
		}
	}
	return out
}

func (m *jobRepoStub) byKind(kind domain.JobKind) []domain.Job {
	out := make([]domain.Job, 0)
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok && job.Kind == kind {
			out = append(out, job)
		}
	}
	return out
}

type identityClientStub struct {
	exchangeGrant  *port.TokenGrant
	exchangeResult *port.APIResult
	exchangeErr    error

	refreshGrant  *port.TokenGrant
	refreshResult *port.APIResult
	refreshErr    error
	refreshCalls  int

	user       *port.PlatformUser
	userResult *port.APIResult
	userErr    error
}

func (m *identityClientStub) ExchangeCode(_ context.Context, _ string) (*port.TokenGrant, *port.APIResult, error) {
	return m.exchangeGrant, m.exchangeResult, m.exchangeErr
}

func (m *identityClientStub) RefreshToken(_ context.Context, _ string) (*port.TokenGrant, *port.APIResult, error) {
	m.refreshCalls++
	return m.refreshGrant, m.refreshResult, m.refreshErr
}

func (m *identityClientStub) CurrentUser(_ context.Context, _ string) (*port.PlatformUser, *port.APIResult, error) {
	return m.user, m.userResult, m.userErr
}

type guildCall struct {
	op     string
	userID string
	roleID string
}

type guildClientStub struct {
	calls []guildCall

	addMemberResult *port.APIResult
	removeResult    *port.APIResult
	grantResult     *port.APIResult
	revokeResult    *port.APIResult
	dmResult        *port.APIResult
	roles           map[string]string
	listRolesResult *port.APIResult
	transportErr    error
}

func okResult() *port.APIResult {
	return &port.APIResult{Success: true, StatusCode: http.StatusNoContent}
}

func (m *guildClientStub) result(r *port.APIResult) *port.APIResult {
	if r == nil {
		return okResult()
	}
	return r
}

func (m *guildClientStub) AddMember(_ context.Context, externalUserID, _ string) (*port.APIResult, error) {
	m.calls = append(m.calls, guildCall{op: "add_member", userID: externalUserID})
	if m.transportErr != nil {
		return nil, m.transportErr
	}
	return m.result(m.addMemberResult), nil
}

func (m *guildClientStub) RemoveMember(_ context.Context, externalUserID string) (*port.APIResult, error) {
	m.calls = append(m.calls, guildCall{op: "remove_member", userID: externalUserID})
	if m.transportErr != nil {
		return nil, m.transportErr
	}
	return m.result(m.removeResult), nil
}

func (m *guildClientStub) GrantRole(_ context.Context, externalUserID, roleID string) (*port.APIResult, error) {
	m.calls = append(m.calls, guildCall{op: "grant_role", userID: externalUserID, roleID: roleID})
	if m.transportErr != nil {
		return nil, m.transportErr
	}
	return m.result(m.grantResult), nil
}

func (m *guildClientStub) RevokeRole(_ context.Context, externalUserID, roleID string) (*port.APIResult, error) {
	m.calls = append(m.calls, guildCall{op: "revoke_role", userID: externalUserID, roleID: roleID})
	if m.transportErr != nil {
		return nil, m.transportErr
	}
	return m.result(m.revokeResult), nil
}

func (m *guildClientStub) ListRoles(_ context.Context) (map[string]string, *port.APIResult, error) {
	m.calls = append(m.calls, guildCall{op: "list_roles"})
	if m.transportErr != nil {
		return nil, nil, m.transportErr
	}
	return m.roles, m.result(m.listRolesResult), nil
}

func (m *guildClientStub) SendDirectMessage(_ context.Context, externalUserID, _ string) (*port.APIResult, error) {
	m.calls = append(m.calls, guildCall{op: "send_dm", userID: externalUserID})
	if m.transportErr != nil {
		return nil, m.transportErr
	}
	return m.result(m.dmResult), nil
}

func (m *guildClientStub) callsOf(op string) []guildCall {
	out := make([]guildCall, 0)
	for _, call := range m.calls {
		if call.op == op {
			out = append(out, call)
		}
	}
	return out
}

type entitlementSourceStub struct {
	entitlements []domain.Entitlement
	err          error
}

func (m *entitlementSourceStub) ActiveEntitlements(_ context.Context, _ string) ([]domain.Entitlement, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.entitlements, nil
}

type userLockStub struct {
	busy     bool
	acquires int
	releases int
}

func (m *userLockStub) TryAcquire(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	m.acquires++
	if m.busy {
		return "", false, nil
	}
	return "lock-token", true, nil
}

func (m *userLockStub) Release(_ context.Context, _, _ string) error {
	m.releases++
	return nil
}

type roleSnapshotStub struct {
	roles    map[string]string
	setCalls int
}

func (m *roleSnapshotStub) Get(_ context.Context) (map[string]string, error) {
	return m.roles, nil
}

func (m *roleSnapshotStub) Set(_ context.Context, roles map[string]string, _ time.Duration) error {
	m.roles = roles
	m.setCalls++
	return nil
}

type eventPublisherStub struct {
	connected    []domain.MemberConnectedEvent
	disconnected []domain.MemberDisconnectedEvent
	failed       []domain.JobFailedEvent
}

func (m *eventPublisherStub) PublishMemberConnected(_ context.Context, event domain.MemberConnectedEvent) error {
	m.connected = append(m.connected, event)
	return nil
}

func (m *eventPublisherStub) PublishMemberDisconnected(_ context.Context, event domain.MemberDisconnectedEvent) error {
	m.disconnected = append(m.disconnected, event)
	return nil
}

func (m *eventPublisherStub) PublishJobFailed(_ context.Context, event domain.JobFailedEvent) error {
	m.failed = append(m.failed, event)
	return nil
}
