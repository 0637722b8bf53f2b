package port

import "context"

// APIResult is the normalized outcome of one platform API call. Any status
// outside the 2xx range is a failure; only transport-level faults surface
// as errors from the client methods.
type APIResult struct {
	Success    bool
	StatusCode int
	Body       []byte
}

// TokenGrant is the parsed body of a successful oauth2/token exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresIn    int
}

// PlatformUser is the identity returned by the platform for a bearer token.
type PlatformUser struct {
	ID            string
	Username      string
	Discriminator string
}

// DisplayName renders the platform handle the way users see it.
func (u PlatformUser) DisplayName() string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// IdentityClient talks to the platform's OAuth2 and identity endpoints.
type IdentityClient interface {
	ExchangeCode(ctx context.Context, code string) (*TokenGrant, *APIResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, *APIResult, error)
	CurrentUser(ctx context.Context, accessToken string) (*PlatformUser, *APIResult, error)
}

// GuildClient issues bot-authenticated mutations against the guild.
type GuildClient interface {
	AddMember(ctx context.Context, externalUserID, accessToken string) (*APIResult, error)
	RemoveMember(ctx context.Context, externalUserID string) (*APIResult, error)
	GrantRole(ctx context.Context, externalUserID, roleID string) (*APIResult, error)
	RevokeRole(ctx context.Context, externalUserID, roleID string) (*APIResult, error)
	ListRoles(ctx context.Context) (map[string]string, *APIResult, error)
	SendDirectMessage(ctx context.Context, externalUserID, content string) (*APIResult, error)
}
