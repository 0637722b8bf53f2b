package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Error:   errorMsg,
		TraceID: traceIDStr,
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// ReadyResponse reports per-dependency readiness.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ConnectResponse is returned after a completed authorization callback.
type ConnectResponse struct {
	Connected       bool   `json:"connected"`
	ExternalUserID  string `json:"external_user_id"`
	Username        string `json:"username"`
	IdentityChanged bool   `json:"identity_changed,omitempty"`
}

// RolePreview pairs a target role with its human-readable guild name.
type RolePreview struct {
	RoleID        string `json:"role_id"`
	Name          string `json:"name,omitempty"`
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id,omitempty"`
	Held          bool   `json:"held"`
}

// PreviewResponse summarizes a user's connection and role state.
type PreviewResponse struct {
	Connected      bool          `json:"connected"`
	ExternalUserID string        `json:"external_user_id,omitempty"`
	Username       string        `json:"username,omitempty"`
	JoinedAt       *time.Time    `json:"joined_at,omitempty"`
	Eligible       bool          `json:"eligible"`
	Roles          []RolePreview `json:"roles"`
}

// ReconcileRequest identifies the user to reconcile.
type ReconcileRequest struct {
	UserID string `json:"user_id" binding:"required"`
}
