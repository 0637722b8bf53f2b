package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
)

// Client reads active memberships from the hosting application's
// subscription ledger API. The ledger is a read-only collaborator; this
// client never mutates it.
type Client struct {
	httpClient *http.Client
	cfg        config.LedgerSettings
	logger     *zap.Logger
}

// NewClient constructs a ledger client with a bounded request timeout.
func NewClient(cfg config.LedgerSettings, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		logger:     log,
	}
}

type membershipRecord struct {
	ProductID     string     `json:"product_id"`
	TransactionID string     `json:"transaction_id"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ActiveEntitlements fetches the user's currently active memberships.
func (c *Client) ActiveEntitlements(ctx context.Context, userID string) ([]domain.Entitlement, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/memberships/active", c.cfg.BaseURL, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch active memberships: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger responded with status %d", resp.StatusCode)
	}

	var body struct {
		Memberships []membershipRecord `json:"memberships"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode memberships: %w", err)
	}

	entitlements := make([]domain.Entitlement, 0, len(body.Memberships))
	for _, record := range body.Memberships {
		entitlements = append(entitlements, domain.Entitlement{
			ProductID:     record.ProductID,
			TransactionID: record.TransactionID,
			CreatedAt:     record.CreatedAt,
			ExpiresAt:     record.ExpiresAt,
		})
	}

	c.logger.Debug("fetched active memberships",
		zap.String("user_id", userID),
		zap.Int("count", len(entitlements)),
	)

	return entitlements, nil
}

var _ port.EntitlementSource = (*Client)(nil)
