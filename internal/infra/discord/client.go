package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
	"github.com/arklim/social-platform-guildsync/internal/infra/logger"
)

// Client is a thin typed wrapper over the Discord REST API. Every call
// returns a normalized port.APIResult; only transport-level faults surface
// as errors. Expected API error shapes (4xx/5xx bodies) are carried in the
// result for the caller's retry policy to act on.
type Client struct {
	httpClient *http.Client
	cfg        config.DiscordSettings
	logger     *zap.Logger
}

// NewClient constructs a Discord API client with a bounded request timeout.
func NewClient(cfg config.DiscordSettings, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		logger:     log,
	}
}

type tokenGrantBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// ExchangeCode redeems a single-use authorization code for a token grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*port.TokenGrant, *port.APIResult, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURL},
		"scope":         {c.cfg.OAuthScopes},
	}

	return c.tokenRequest(ctx, form)
}

// RefreshToken exchanges a refresh token for a rotated token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*port.TokenGrant, *port.APIResult, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"redirect_uri":  {c.cfg.RedirectURL},
		"scope":         {c.cfg.OAuthScopes},
	}

	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*port.TokenGrant, *port.APIResult, error) {
	result, err := c.do(ctx, http.MethodPost, c.endpoint("oauth2/token"), requestOptions{
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
	})
	if err != nil {
		return nil, nil, err
	}
	if !result.Success {
		return nil, result, nil
	}

	var body tokenGrantBody
	if err := json.Unmarshal(result.Body, &body); err != nil {
		return nil, result, fmt.Errorf("decode token grant: %w", err)
	}

	grant := &port.TokenGrant{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
		ExpiresIn:    body.ExpiresIn,
	}

	return grant, result, nil
}

// CurrentUser resolves the identity behind a bearer access token.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*port.PlatformUser, *port.APIResult, error) {
	result, err := c.do(ctx, http.MethodGet, c.endpoint("users/@me"), requestOptions{
		authorization: "Bearer " + accessToken,
	})
	if err != nil {
		return nil, nil, err
	}
	if !result.Success {
		return nil, result, nil
	}

	var body struct {
		ID            string `json:"id"`
		Username      string `json:"username"`
		Discriminator string `json:"discriminator"`
	}
	if err := json.Unmarshal(result.Body, &body); err != nil {
		return nil, result, fmt.Errorf("decode current user: %w", err)
	}

	user := &port.PlatformUser{
		ID:            body.ID,
		Username:      body.Username,
		Discriminator: body.Discriminator,
	}

	return user, result, nil
}

// AddMember adds or updates a guild member. Discord PUT semantics are
// idempotent: 201 on join, 204 when already a member.
func (c *Client) AddMember(ctx context.Context, externalUserID, accessToken string) (*port.APIResult, error) {
	payload, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return nil, fmt.Errorf("marshal add member payload: %w", err)
	}

	return c.do(ctx, http.MethodPut, c.memberEndpoint(externalUserID), requestOptions{
		body:          payload,
		contentType:   "application/json",
		authorization: c.botAuthorization(),
	})
}

// RemoveMember removes a member from the guild.
func (c *Client) RemoveMember(ctx context.Context, externalUserID string) (*port.APIResult, error) {
	return c.do(ctx, http.MethodDelete, c.memberEndpoint(externalUserID), requestOptions{
		authorization: c.botAuthorization(),
	})
}

// GrantRole assigns a guild role to a member.
func (c *Client) GrantRole(ctx context.Context, externalUserID, roleID string) (*port.APIResult, error) {
	return c.do(ctx, http.MethodPut, c.roleEndpoint(externalUserID, roleID), requestOptions{
		authorization: c.botAuthorization(),
	})
}

// RevokeRole removes a guild role from a member.
func (c *Client) RevokeRole(ctx context.Context, externalUserID, roleID string) (*port.APIResult, error) {
	return c.do(ctx, http.MethodDelete, c.roleEndpoint(externalUserID, roleID), requestOptions{
		authorization: c.botAuthorization(),
	})
}

// ListRoles fetches the guild's role set as an id -> name table.
func (c *Client) ListRoles(ctx context.Context) (map[string]string, *port.APIResult, error) {
	result, err := c.do(ctx, http.MethodGet, c.endpoint("guilds/"+c.cfg.GuildID+"/roles"), requestOptions{
		authorization: c.botAuthorization(),
	})
	if err != nil {
		return nil, nil, err
	}
	if !result.Success {
		return nil, result, nil
	}

	var body []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(result.Body, &body); err != nil {
		return nil, result, fmt.Errorf("decode guild roles: %w", err)
	}

	roles := make(map[string]string, len(body))
	for _, role := range body {
		roles[role.ID] = role.Name
	}

	return roles, result, nil
}

// SendDirectMessage opens a DM channel with the member and posts a message.
func (c *Client) SendDirectMessage(ctx context.Context, externalUserID, content string) (*port.APIResult, error) {
	payload, err := json.Marshal(map[string]string{"recipient_id": externalUserID})
	if err != nil {
		return nil, fmt.Errorf("marshal dm channel payload: %w", err)
	}

	channelResult, err := c.do(ctx, http.MethodPost, c.endpoint("users/@me/channels"), requestOptions{
		body:          payload,
		contentType:   "application/json",
		authorization: c.botAuthorization(),
	})
	if err != nil {
		return nil, err
	}
	if !channelResult.Success {
		return channelResult, nil
	}

	var channel struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(channelResult.Body, &channel); err != nil {
		return channelResult, fmt.Errorf("decode dm channel: %w", err)
	}

	message, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, fmt.Errorf("marshal dm payload: %w", err)
	}

	return c.do(ctx, http.MethodPost, c.endpoint("channels/"+channel.ID+"/messages"), requestOptions{
		body:          message,
		contentType:   "application/json",
		authorization: c.botAuthorization(),
	})
}

// AuthorizeURL builds the oauth2/authorize redirect for user login. The
// state value is round-tripped through the authorization flow.
func (c *Client) AuthorizeURL(state string) string {
	params := url.Values{
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURL},
		"response_type": {"code"},
		"scope":         {c.cfg.OAuthScopes},
	}
	if state != "" {
		params.Set("state", state)
	}
	return c.endpoint("oauth2/authorize") + "?" + params.Encode()
}

// BotInstallURL builds the oauth2/authorize redirect for installing the bot
// into the configured guild.
func (c *Client) BotInstallURL() string {
	params := url.Values{
		"client_id":   {c.cfg.ClientID},
		"permissions": {c.cfg.BotPermissions},
		"scope":       {"bot"},
		"guild_id":    {c.cfg.GuildID},
	}
	return c.endpoint("oauth2/authorize") + "?" + params.Encode()
}

type requestOptions struct {
	body          []byte
	contentType   string
	authorization string
}

func (c *Client) do(ctx context.Context, method, endpoint string, opts requestOptions) (*port.APIResult, error) {
	var reader io.Reader
	if len(opts.body) > 0 {
		reader = bytes.NewReader(opts.body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}

	if opts.contentType != "" {
		req.Header.Set("Content-Type", opts.contentType)
	}
	if opts.authorization != "" {
		req.Header.Set("Authorization", opts.authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	result := &port.APIResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       body,
	}

	fields := []zap.Field{
		zap.String("method", method),
		zap.String("url", endpoint),
		zap.Int("status", resp.StatusCode),
	}
	if opts.authorization != "" {
		parts := strings.SplitN(opts.authorization, " ", 2)
		if len(parts) == 2 {
			fields = append(fields, zap.String("auth", parts[0]+" "+logger.MaskSecret(parts[1])))
		}
	}

	if result.Success {
		c.logger.Debug("discord api call", fields...)
	} else {
		c.logger.Warn("discord api call failed", append(fields, zap.ByteString("body", body))...)
	}

	return result, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimSuffix(c.cfg.APIBaseURL, "/") + "/" + path
}

func (c *Client) memberEndpoint(externalUserID string) string {
	return c.endpoint("guilds/" + c.cfg.GuildID + "/members/" + externalUserID)
}

func (c *Client) roleEndpoint(externalUserID, roleID string) string {
	return c.endpoint("guilds/" + c.cfg.GuildID + "/members/" + externalUserID + "/roles/" + roleID)
}

func (c *Client) botAuthorization() string {
	return "Bot " + c.cfg.BotToken
}

var (
	_ port.IdentityClient = (*Client)(nil)
	_ port.GuildClient    = (*Client)(nil)
)
