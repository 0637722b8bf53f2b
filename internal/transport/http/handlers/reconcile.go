package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/usecase"
)

// ReconcileHandler lets the hosting application push membership changes
// instead of waiting for the periodic sweep.
type ReconcileHandler struct {
	reconciler *usecase.ReconcileService
	logger     *zap.Logger
}

// NewReconcileHandler constructs a ReconcileHandler.
func NewReconcileHandler(reconciler *usecase.ReconcileService, logger *zap.Logger) *ReconcileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReconcileHandler{reconciler: reconciler, logger: logger}
}

// Reconcile diffs one user's role state and queues the closing jobs.
func (h *ReconcileHandler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "user_id is required"))
		return
	}

	if err := h.reconciler.Reconcile(c.Request.Context(), req.UserID); err != nil {
		if errors.Is(err, usecase.ErrNotConnected) {
			c.JSON(http.StatusNotFound, NewErrorResponse(c, "user has no discord connection"))
			return
		}
		h.logger.Error("reconcile failed", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "reconcile failed"))
		return
	}

	c.JSON(http.StatusAccepted, MessageResponse{Message: "reconcile queued"})
}
