package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
)

type reconcileFixture struct {
	*queueFixture
	ledger  *entitlementSourceStub
	service *ReconcileService
}

func newReconcileFixture(t *testing.T, mapping domain.RoleMapping, sendWelcome bool) *reconcileFixture {
	t.Helper()

	qf := newQueueFixture(t)
	ledger := &entitlementSourceStub{}
	resolver := NewEntitlementService(ledger, qf.guild, nil, mapping, time.Minute, nil)

	service := NewReconcileService(
		qf.credentials,
		qf.assignments,
		resolver,
		qf.service,
		qf.guild,
		qf.events,
		sendWelcome,
		nil,
	)
	service.WithClock(fixedClock(qf.now))

	return &reconcileFixture{queueFixture: qf, ledger: ledger, service: service}
}

func TestReconcileService_Reconcile_GrantsOnlyMissingRoles(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	f.ledger.entitlements = []domain.Entitlement{
		{ProductID: "10", TransactionID: "txn-1"},
		{ProductID: "20", TransactionID: "txn-2"},
	}
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-gold", ProductID: "10"},
	}

	if err := f.service.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	grants := f.jobs.byKind(domain.JobGrantRole)
	if len(grants) != 2 {
		t.Fatalf("expected grants for the missing role and the default, got %d", len(grants))
	}

	granted := map[string]string{}
	for _, job := range grants {
		granted[job.Payload.TransactionID] = job.Payload.RoleID
	}
	if granted["txn-2"] != "role-platinum" || granted[domain.DefaultRoleKey] != "role-member" {
		t.Fatalf("unexpected grant payloads: %+v", granted)
	}

	if revokes := f.jobs.byKind(domain.JobRevokeRole); len(revokes) != 0 {
		t.Fatalf("nothing should be revoked, got %+v", revokes)
	}
	if removes := f.jobs.byKind(domain.JobRemoveMember); len(removes) != 0 {
		t.Fatalf("an entitled user must not be removed")
	}
}

func TestReconcileService_Reconcile_NoDriftNoJobs(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	f.ledger.entitlements = []domain.Entitlement{
		{ProductID: "10", TransactionID: "txn-1"},
	}
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-gold", ProductID: "10"},
		{UserID: "user-1", TransactionID: domain.DefaultRoleKey, RoleID: "role-member"},
	}

	if err := f.service.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	if pending := f.jobs.pending(); len(pending) != 0 {
		t.Fatalf("an in-sync user must produce no jobs, got %+v", pending)
	}
}

func TestReconcileService_Reconcile_ExpiryRevokesAndRemoves(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-gold", ProductID: "10"},
		{UserID: "user-1", TransactionID: domain.DefaultRoleKey, RoleID: "role-member"},
	}

	if err := f.service.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	revokes := f.jobs.byKind(domain.JobRevokeRole)
	if len(revokes) != 2 {
		t.Fatalf("expected both held roles revoked, got %d", len(revokes))
	}
	if removes := f.jobs.byKind(domain.JobRemoveMember); len(removes) != 1 {
		t.Fatalf("expected the member to be removed when unentitled members are disallowed")
	}
}

func TestReconcileService_Reconcile_UnentitledAllowedToStay(t *testing.T) {
	mapping := testMapping()
	mapping.AllowUnentitled = true

	f := newReconcileFixture(t, mapping, false)
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-gold", ProductID: "10"},
	}

	if err := f.service.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	if revokes := f.jobs.byKind(domain.JobRevokeRole); len(revokes) != 1 {
		t.Fatalf("expired roles are still revoked, got %d", len(revokes))
	}
	if removes := f.jobs.byKind(domain.JobRemoveMember); len(removes) != 0 {
		t.Fatalf("an allowed unentitled user must stay in the guild")
	}
}

func TestReconcileService_Reconcile_MappingChangeSwapsRole(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	f.ledger.entitlements = []domain.Entitlement{
		{ProductID: "10", TransactionID: "txn-1"},
	}
	// The tier used to map to a different role.
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-legacy", ProductID: "10"},
		{UserID: "user-1", TransactionID: domain.DefaultRoleKey, RoleID: "role-member"},
	}

	if err := f.service.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	grants := f.jobs.byKind(domain.JobGrantRole)
	if len(grants) != 1 || grants[0].Payload.RoleID != "role-gold" {
		t.Fatalf("expected a single grant for the remapped role, got %+v", grants)
	}

	revokes := f.jobs.byKind(domain.JobRevokeRole)
	if len(revokes) != 1 || revokes[0].Payload.RoleID != "role-legacy" {
		t.Fatalf("expected the stale role revoked, got %+v", revokes)
	}

	// The old role must leave the member before the replacement arrives.
	if !revokes[0].NotBefore.Before(grants[0].NotBefore) {
		t.Fatalf("revoke scheduled at %v must precede grant at %v",
			revokes[0].NotBefore, grants[0].NotBefore)
	}
}

func TestReconcileService_Reconcile_RemovalNotRepeated(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)

	// The user joined earlier but holds no roles and no entitlements.
	joined := f.now.Add(-time.Hour)
	credential := f.credentials.credentials["user-1"]
	credential.JoinedAt = &joined
	f.credentials.credentials["user-1"] = credential

	if err := f.service.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if removes := f.jobs.byKind(domain.JobRemoveMember); len(removes) != 1 {
		t.Fatalf("expected one removal for a joined ineligible user, got %d", len(removes))
	}

	// Let the removal execute, then reconcile the unchanged state again.
	job := f.jobs.byKind(domain.JobRemoveMember)[0]
	job.NotBefore = f.now.Add(-time.Second)
	f.jobs.jobs[job.ID] = job
	if err := f.queueFixture.service.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if got := f.jobs.jobs[job.ID].Status; got != domain.JobStatusSucceeded {
		t.Fatalf("expected removal to succeed, got %s", got)
	}

	if err := f.service.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if removes := f.jobs.byKind(domain.JobRemoveMember); len(removes) != 1 {
		t.Fatalf("an already-removed user must not be removed again, got %d jobs", len(removes))
	}
}

func TestReconcileService_Reconcile_NotConnected(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	delete(f.credentials.credentials, "user-1")

	err := f.service.Reconcile(context.Background(), "user-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconcileService_SyncNewConnection(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), true)
	f.ledger.entitlements = []domain.Entitlement{
		{ProductID: "10", TransactionID: "txn-1"},
	}

	if err := f.service.SyncNewConnection(context.Background(), "user-1", false); err != nil {
		t.Fatalf("SyncNewConnection returned error: %v", err)
	}

	if adds := f.jobs.byKind(domain.JobAddMember); len(adds) != 1 {
		t.Fatalf("expected one add member job, got %d", len(adds))
	}
	if grants := f.jobs.byKind(domain.JobGrantRole); len(grants) != 2 {
		t.Fatalf("expected tier and default grants, got %d", len(grants))
	}
	if welcomes := f.jobs.byKind(domain.JobSendWelcome); len(welcomes) != 1 {
		t.Fatalf("expected a welcome message job, got %d", len(welcomes))
	}

	if len(f.events.connected) != 1 {
		t.Fatalf("expected a member connected event")
	}
	event := f.events.connected[0]
	if event.UserID != "user-1" || event.ExternalUserID != "ext-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if len(event.Roles) != 2 {
		t.Fatalf("expected announced roles, got %+v", event.Roles)
	}
}

func TestReconcileService_SyncNewConnection_IdentityChangeClearsAssignments(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	f.ledger.entitlements = []domain.Entitlement{
		{ProductID: "10", TransactionID: "txn-1"},
	}
	// Roles recorded for the previously linked Discord account.
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-gold", ProductID: "10"},
		{UserID: "user-1", TransactionID: domain.DefaultRoleKey, RoleID: "role-member"},
	}

	if err := f.service.SyncNewConnection(context.Background(), "user-1", true); err != nil {
		t.Fatalf("SyncNewConnection returned error: %v", err)
	}

	recorded, _ := f.assignments.ListByUser(context.Background(), "user-1")
	if len(recorded) != 0 {
		t.Fatalf("expected stale assignments cleared, got %+v", recorded)
	}

	// With the slate clean, every target role is granted anew.
	if grants := f.jobs.byKind(domain.JobGrantRole); len(grants) != 2 {
		t.Fatalf("expected full regrant for the new account, got %d", len(grants))
	}
}

func TestReconcileService_SyncNewConnection_IneligibleSkipsJoin(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), true)

	if err := f.service.SyncNewConnection(context.Background(), "user-1", false); err != nil {
		t.Fatalf("SyncNewConnection returned error: %v", err)
	}

	if pending := f.jobs.pending(); len(pending) != 0 {
		t.Fatalf("an ineligible user must produce no jobs, got %+v", pending)
	}
	if len(f.events.connected) != 0 {
		t.Fatalf("no connection event for a skipped join")
	}
}

func TestReconcileService_Disconnect(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	f.assignments.assignments = []domain.RoleAssignment{
		{UserID: "user-1", TransactionID: "txn-1", RoleID: "role-gold", ProductID: "10"},
		{UserID: "user-1", TransactionID: domain.DefaultRoleKey, RoleID: "role-member"},
	}

	if err := f.service.Disconnect(context.Background(), "user-1"); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}

	revokes := f.guild.callsOf("revoke_role")
	if len(revokes) != 2 {
		t.Fatalf("expected synchronous revocations, got %d", len(revokes))
	}
	removes := f.guild.callsOf("remove_member")
	if len(removes) != 1 || removes[0].userID != "ext-1" {
		t.Fatalf("expected the member removed from the guild, got %+v", removes)
	}

	if _, ok := f.credentials.credentials["user-1"]; ok {
		t.Fatalf("expected credential deleted")
	}
	recorded, _ := f.assignments.ListByUser(context.Background(), "user-1")
	if len(recorded) != 0 {
		t.Fatalf("expected assignments dropped, got %+v", recorded)
	}

	if len(f.events.disconnected) != 1 {
		t.Fatalf("expected a member disconnected event")
	}
	if event := f.events.disconnected[0]; event.ExternalUserID != "ext-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestReconcileService_Disconnect_NotConnected(t *testing.T) {
	f := newReconcileFixture(t, testMapping(), false)
	delete(f.credentials.credentials, "user-1")

	err := f.service.Disconnect(context.Background(), "user-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
