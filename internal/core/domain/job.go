package domain

import "time"

// JobKind enumerates the external-API mutations the queue knows how to run.
type JobKind string

const (
	JobAddMember    JobKind = "add_member"
	JobGrantRole    JobKind = "grant_role"
	JobRevokeRole   JobKind = "revoke_role"
	JobRemoveMember JobKind = "remove_member"
	JobSendWelcome  JobKind = "send_welcome"
)

// JobStatus tracks a job through its lifecycle.
// Pending -> Executing -> {Succeeded | Pending (retry) | Failed}.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusExecuting JobStatus = "executing"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// JobPayload carries the kind-specific fields of a queued mutation.
type JobPayload struct {
	RoleID        string `json:"role_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
}

// Job is a single scheduled unit of external-API work. Immutable once
// enqueued except for reschedule-on-retry.
type Job struct {
	ID        string
	Kind      JobKind
	UserID    string
	GroupKey  string
	Payload   JobPayload
	NotBefore time.Time
	Attempts  int
	Status    JobStatus
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome classifies the result of a single job execution attempt. The
// queue's retry policy acts on this value; handlers never signal retries
// through panics or sentinel errors.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

// String implements fmt.Stringer for logging and metrics labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ExecutionResult is what a job handler returns to the queue.
type ExecutionResult struct {
	Outcome Outcome
	Detail  string
}

// Succeeded is a convenience result for the happy path.
func Succeeded() ExecutionResult {
	return ExecutionResult{Outcome: OutcomeSuccess}
}

// RetryLater marks the attempt as retryable with a diagnostic detail.
func RetryLater(detail string) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeRetryable, Detail: detail}
}

// FailPermanently marks the attempt as terminally failed.
func FailPermanently(detail string) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeFatal, Detail: detail}
}
