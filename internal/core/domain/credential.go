package domain

import "time"

// UserCredential holds the per-user OAuth2 artifacts backing a Discord
// connection. There is at most one live credential per user; a refresh
// overwrites the previous access and refresh tokens in place.
type UserCredential struct {
	UserID           string
	ExternalUserID   *string
	ExternalUsername *string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	JoinedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsExpired reports whether the access token has elapsed its validity window.
func (c UserCredential) IsExpired(at time.Time) bool {
	return !c.ExpiresAt.After(at)
}

// HasIdentity reports whether the Discord user id has been resolved.
func (c UserCredential) HasIdentity() bool {
	return c.ExternalUserID != nil && *c.ExternalUserID != ""
}

// ApplyGrant overwrites the token fields from a completed token exchange.
// A grant without a rotated refresh token keeps the existing one.
func (c *UserCredential) ApplyGrant(accessToken, refreshToken string, expiresIn int, at time.Time) {
	c.AccessToken = accessToken
	if refreshToken != "" {
		c.RefreshToken = refreshToken
	}
	c.ExpiresAt = at.Add(time.Duration(expiresIn) * time.Second)
	c.UpdatedAt = at
}
