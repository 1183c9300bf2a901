package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
)

// Client resolves a bearer token to a stable player identity. Identity
// issuance itself lives in the external auth service.
type Client interface {
	Resolve(ctx context.Context, bearer string) (domain.Identity, error)
}

type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, serviceToken string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   serviceToken,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) Resolve(ctx context.Context, bearer string) (domain.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/identity", nil)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Service-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity: resolve: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return domain.Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("identity: token rejected"))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Identity{}, fmt.Errorf("identity: status %d: %s", resp.StatusCode, b)
	}

	var out struct {
		PlayerID string `json:"player_id"`
		Wallet   string `json:"wallet_address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Identity{}, fmt.Errorf("identity: decode response: %w", err)
	}

	typ := domain.IdentityAnonymous
	if out.Wallet != "" {
		typ = domain.IdentityConnected
	}

	return domain.Identity{ID: out.PlayerID, Type: typ}, nil
}
