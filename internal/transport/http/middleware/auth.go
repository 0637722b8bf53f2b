package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/arklim/social-platform-guildsync/internal/infra/config"
)

const sessionCookieName = "guildsync_session"

// ErrorResponse is the JSON error body returned by middleware.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// newErrorResponse creates an error response with trace ID
func newErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: GetTraceID(c),
	}
}

type sessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// RequireSession validates the host application's session token, supplied
// either as a Bearer header or as the session cookie, and stores the
// authenticated user id in the request context.
func RequireSession(settings config.SessionSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if cookie, err := c.Cookie(sessionCookieName); err == nil {
				token = cookie
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "missing session token"))
			return
		}

		claims := &sessionClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(settings.JWTSecret), nil
		}, jwt.WithIssuer(settings.Issuer), jwt.WithExpirationRequired())
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "invalid session token"))
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "session token has no subject"))
			return
		}

		c.Set(UserIDKey, userID)
		if reqCtx := GetRequestContext(c); reqCtx != nil {
			reqCtx.UserID = userID
		}

		c.Next()
	}
}

// RequireInternalToken guards service-to-service endpoints with a shared
// static bearer token.
func RequireInternalToken(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden,
				newErrorResponse(c, "internal endpoints are disabled"))
			return
		}

		token := bearerToken(c)
		if token == "" || !hmac.Equal([]byte(token), []byte(expected)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "invalid internal token"))
			return
		}

		c.Next()
	}
}

// RequireCSRF checks the X-CSRF-Token header on state-changing requests.
// The expected token is an HMAC of the authenticated user id; RequireSession
// must run first.
func RequireCSRF(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetAuthenticatedUserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "authentication required"))
			return
		}

		supplied := c.GetHeader("X-CSRF-Token")
		if supplied == "" || !hmac.Equal([]byte(supplied), []byte(CSRFToken(secret, userID))) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				newErrorResponse(c, "invalid csrf token"))
			return
		}

		c.Next()
	}
}

// CSRFToken derives the per-user CSRF token handed out alongside forms.
func CSRFToken(secret, userID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetAuthenticatedUserID retrieves the user id stored by RequireSession.
func GetAuthenticatedUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}

	if id, ok := userID.(string); ok && id != "" {
		return id, true
	}

	return "", false
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
