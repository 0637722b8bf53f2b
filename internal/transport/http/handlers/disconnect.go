package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/transport/http/middleware"
	"github.com/arklim/social-platform-guildsync/internal/usecase"
)

// DisconnectHandler severs the Discord connection for the calling user.
type DisconnectHandler struct {
	reconciler *usecase.ReconcileService
	logger     *zap.Logger
}

// NewDisconnectHandler constructs a DisconnectHandler.
func NewDisconnectHandler(reconciler *usecase.ReconcileService, logger *zap.Logger) *DisconnectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DisconnectHandler{reconciler: reconciler, logger: logger}
}

// Disconnect revokes held roles, drops local state, and confirms.
func (h *DisconnectHandler) Disconnect(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	if err := h.reconciler.Disconnect(c.Request.Context(), userID); err != nil {
		if errors.Is(err, usecase.ErrNotConnected) {
			c.JSON(http.StatusNotFound, NewErrorResponse(c, "no discord connection"))
			return
		}
		h.logger.Error("disconnect failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "disconnect failed"))
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "disconnected"})
}
