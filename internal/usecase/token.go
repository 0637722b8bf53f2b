package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/repository"
)

// ErrNotConnected indicates the user has no stored Discord credential.
var ErrNotConnected = errors.New("user is not connected")

// AuthError carries the platform's response to a rejected OAuth2 operation.
// The stored credential is left untouched when one of these is returned.
type AuthError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s rejected with status %d", e.Op, e.StatusCode)
}

// ConnectResult is the outcome of completing an authorization callback.
type ConnectResult struct {
	Credential domain.UserCredential
	User       port.PlatformUser
	// IdentityChanged reports that the user reconnected under a different
	// Discord account than the one previously stored.
	IdentityChanged bool
}

// TokenService owns the per-user OAuth2 credential lifecycle: the initial
// code exchange and keeping access tokens fresh via refresh grants.
type TokenService struct {
	credentials port.CredentialRepository
	identity    port.IdentityClient
	logger      *zap.Logger
	now         func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(credentials port.CredentialRepository, identity port.IdentityClient, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenService{
		credentials: credentials,
		identity:    identity,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (s *TokenService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// ExchangeAuthorizationCode redeems an authorization code, resolves the
// Discord identity behind it, and stores the resulting credential. The
// previous credential, if any, is overwritten in place.
func (s *TokenService) ExchangeAuthorizationCode(ctx context.Context, userID, code string) (ConnectResult, error) {
	var result ConnectResult

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return result, errors.New("user id is required")
	}
	if strings.TrimSpace(code) == "" {
		return result, errors.New("authorization code is required")
	}

	existing, err := s.credentials.Get(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return result, fmt.Errorf("load credential: %w", err)
	}

	grant, apiResult, err := s.identity.ExchangeCode(ctx, code)
	if err != nil {
		return result, fmt.Errorf("exchange authorization code: %w", err)
	}
	if grant == nil {
		return result, &AuthError{Op: "token exchange", StatusCode: apiResult.StatusCode, Body: string(apiResult.Body)}
	}

	user, apiResult, err := s.identity.CurrentUser(ctx, grant.AccessToken)
	if err != nil {
		return result, fmt.Errorf("resolve identity: %w", err)
	}
	if user == nil {
		return result, &AuthError{Op: "identity lookup", StatusCode: apiResult.StatusCode, Body: string(apiResult.Body)}
	}

	now := s.now().UTC()
	externalID := user.ID
	displayName := user.DisplayName()

	credential := domain.UserCredential{
		UserID:           userID,
		ExternalUserID:   &externalID,
		ExternalUsername: &displayName,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	credential.ApplyGrant(grant.AccessToken, grant.RefreshToken, grant.ExpiresIn, now)

	if existing != nil {
		credential.CreatedAt = existing.CreatedAt
		if existing.HasIdentity() && *existing.ExternalUserID != user.ID {
			result.IdentityChanged = true
		} else {
			credential.JoinedAt = existing.JoinedAt
		}
	}

	if err := s.credentials.Upsert(ctx, credential); err != nil {
		return result, fmt.Errorf("store credential: %w", err)
	}

	s.logger.Info("discord account connected",
		zap.String("user_id", userID),
		zap.String("external_user_id", externalID),
		zap.Bool("identity_changed", result.IdentityChanged),
	)

	result.Credential = credential
	result.User = *user

	return result, nil
}

// EnsureValidToken returns a credential whose access token is valid at the
// time of the call, refreshing it first when expired. A rejected refresh
// leaves the stored credential intact so the operation can be retried.
func (s *TokenService) EnsureValidToken(ctx context.Context, userID string) (*domain.UserCredential, error) {
	credential, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	now := s.now().UTC()
	if !credential.IsExpired(now) {
		return credential, nil
	}

	grant, apiResult, err := s.identity.RefreshToken(ctx, credential.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if grant == nil {
		s.logger.Warn("token refresh rejected",
			zap.String("user_id", userID),
			zap.Int("status", apiResult.StatusCode),
		)
		return nil, &AuthError{Op: "token refresh", StatusCode: apiResult.StatusCode, Body: string(apiResult.Body)}
	}

	credential.ApplyGrant(grant.AccessToken, grant.RefreshToken, grant.ExpiresIn, now)

	if err := s.credentials.Upsert(ctx, *credential); err != nil {
		return nil, fmt.Errorf("store refreshed credential: %w", err)
	}

	return credential, nil
}
