package domain

import "time"

// MemberConnectedEvent is emitted after a successful authorization callback
// has been reconciled into queued guild mutations.
type MemberConnectedEvent struct {
	EventID        string
	UserID         string
	ExternalUserID string
	Roles          []string
	ConnectedAt    time.Time
}

// MemberDisconnectedEvent is emitted when a user severs the Discord
// connection and local state has been cleaned up.
type MemberDisconnectedEvent struct {
	EventID        string
	UserID         string
	ExternalUserID string
	DisconnectedAt time.Time
}

// JobFailedEvent is emitted when a queued job exhausts its retry budget.
type JobFailedEvent struct {
	EventID  string
	JobID    string
	UserID   string
	Kind     JobKind
	Attempts int
	Reason   string
	FailedAt time.Time
}
