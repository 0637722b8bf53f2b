package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/transport/http/middleware"
	"github.com/arklim/social-platform-guildsync/internal/usecase"
)

// stateTTL bounds how long an authorization redirect may take before the
// callback is rejected.
const stateTTL = 15 * time.Minute

// AuthURLBuilder renders the platform's oauth2/authorize redirects.
type AuthURLBuilder interface {
	AuthorizeURL(state string) string
	BotInstallURL() string
}

// ConnectHandler drives the Discord account linking flow.
type ConnectHandler struct {
	tokens      *usecase.TokenService
	reconciler  *usecase.ReconcileService
	urls        AuthURLBuilder
	stateSecret string
	logger      *zap.Logger
	now         func() time.Time
}

// NewConnectHandler constructs a ConnectHandler.
func NewConnectHandler(
	tokens *usecase.TokenService,
	reconciler *usecase.ReconcileService,
	urls AuthURLBuilder,
	stateSecret string,
	logger *zap.Logger,
) *ConnectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConnectHandler{
		tokens:      tokens,
		reconciler:  reconciler,
		urls:        urls,
		stateSecret: stateSecret,
		logger:      logger,
		now:         time.Now,
	}
}

// Login redirects the authenticated user into the Discord authorization flow.
func (h *ConnectHandler) Login(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	state := signState(h.stateSecret, userID, h.now().UTC())
	c.Redirect(http.StatusFound, h.urls.AuthorizeURL(state))
}

// ConnectBot redirects to the bot installation consent screen.
func (h *ConnectHandler) ConnectBot(c *gin.Context) {
	if _, ok := middleware.GetAuthenticatedUserID(c); !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	c.Redirect(http.StatusFound, h.urls.BotInstallURL())
}

// Callback completes the authorization flow: it validates the signed state,
// redeems the code, and queues the initial guild sync.
func (h *ConnectHandler) Callback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, fmt.Sprintf("authorization denied: %s", errCode)))
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "missing authorization code"))
		return
	}

	userID, err := verifyState(h.stateSecret, c.Query("state"), h.now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid state"))
		return
	}

	result, err := h.tokens.ExchangeAuthorizationCode(c.Request.Context(), userID, code)
	if err != nil {
		var authErr *usecase.AuthError
		if errors.As(err, &authErr) {
			c.JSON(http.StatusBadGateway, NewErrorResponse(c, authErr.Error()))
			return
		}
		h.logger.Error("authorization exchange failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "connection failed"))
		return
	}

	if err := h.reconciler.SyncNewConnection(c.Request.Context(), userID, result.IdentityChanged); err != nil {
		h.logger.Error("initial sync failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "connection stored but sync failed"))
		return
	}

	c.JSON(http.StatusOK, ConnectResponse{
		Connected:       true,
		ExternalUserID:  result.User.ID,
		Username:        result.User.DisplayName(),
		IdentityChanged: result.IdentityChanged,
	})
}

// signState binds the authorization redirect to a user with an HMAC over
// the user id and issue time.
func signState(secret, userID string, issuedAt time.Time) string {
	payload := fmt.Sprintf("%s|%d", userID, issuedAt.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	signed := payload + "|" + hex.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(signed))
}

func verifyState(secret, state string, now time.Time) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", errors.New("state is not base64")
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", errors.New("malformed state")
	}

	userID, rawIssued, signature := parts[0], parts[1], parts[2]

	issued, err := strconv.ParseInt(rawIssued, 10, 64)
	if err != nil {
		return "", errors.New("malformed state timestamp")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID + "|" + rawIssued))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", errors.New("state signature mismatch")
	}

	issuedAt := time.Unix(issued, 0)
	if now.Sub(issuedAt) > stateTTL || issuedAt.After(now.Add(time.Minute)) {
		return "", errors.New("state expired")
	}

	return userID, nil
}
