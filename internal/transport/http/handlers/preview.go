package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/repository"
	"github.com/arklim/social-platform-guildsync/internal/transport/http/middleware"
	"github.com/arklim/social-platform-guildsync/internal/usecase"
)

// PreviewHandler reports the caller's connection status and the roles they
// should hold versus the ones currently recorded.
type PreviewHandler struct {
	credentials port.CredentialRepository
	assignments port.AssignmentRepository
	resolver    *usecase.EntitlementService
	logger      *zap.Logger
}

// NewPreviewHandler constructs a PreviewHandler.
func NewPreviewHandler(
	credentials port.CredentialRepository,
	assignments port.AssignmentRepository,
	resolver *usecase.EntitlementService,
	logger *zap.Logger,
) *PreviewHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PreviewHandler{
		credentials: credentials,
		assignments: assignments,
		resolver:    resolver,
		logger:      logger,
	}
}

// Preview renders the caller's sync state.
func (h *PreviewHandler) Preview(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	ctx := c.Request.Context()

	credential, err := h.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusOK, PreviewResponse{Connected: false, Roles: []RolePreview{}})
			return
		}
		h.logger.Error("load credential failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "preview failed"))
		return
	}

	targets, err := h.resolver.ResolveTargetRoles(ctx, userID)
	if err != nil {
		h.logger.Error("resolve target roles failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "preview failed"))
		return
	}

	held := make(map[string]bool)
	if recorded, err := h.assignments.ListByUser(ctx, userID); err == nil {
		for _, assignment := range recorded {
			held[assignment.TransactionID] = true
		}
	}

	// Role names are cosmetic; the preview still renders without them.
	names, err := h.resolver.GuildRoles(ctx)
	if err != nil {
		h.logger.Warn("guild role lookup failed", zap.Error(err))
		names = map[string]string{}
	}

	roles := make([]RolePreview, 0, len(targets.Roles))
	for _, target := range targets.Roles {
		roles = append(roles, RolePreview{
			RoleID:        target.RoleID,
			Name:          names[target.RoleID],
			TransactionID: target.TransactionID,
			ProductID:     target.ProductID,
			Held:          held[target.TransactionID],
		})
	}

	response := PreviewResponse{
		Connected: true,
		Eligible:  targets.Eligible,
		JoinedAt:  credential.JoinedAt,
		Roles:     roles,
	}
	if credential.ExternalUserID != nil {
		response.ExternalUserID = *credential.ExternalUserID
	}
	if credential.ExternalUsername != nil {
		response.Username = *credential.ExternalUsername
	}

	c.JSON(http.StatusOK, response)
}
