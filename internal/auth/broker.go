package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbridge/internal/model"
)

// ErrNoAccount is returned when the broker has no account for a provider
type ErrNoAccount struct {
	Account string
}

func (e *ErrNoAccount) Error() string {
	return fmt.Sprintf("no %s account connected", e.Account)
}

// brokerAccount names the broker account holding a provider's tokens
func brokerAccount(p model.Provider) string {
	if p == model.ProviderOutlook {
		return "microsoft"
	}
	return "google"
}

// BrokerClient fetches OAuth tokens from a token broker that owns storage
// and refresh of the provider accounts
type BrokerClient struct {
	baseURL string
	jwt     string
	client  *http.Client
}

// NewBrokerClient creates a client for the broker at baseURL. jwt
// authenticates mailbridge to the broker.
func NewBrokerClient(baseURL, jwt string) *BrokerClient {
	return &BrokerClient{
		baseURL: baseURL,
		jwt:     jwt,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Token fetches the current access token for provider p
func (c *BrokerClient) Token(ctx context.Context, p model.Provider) (*oauth2.Token, error) {
	account := brokerAccount(p)
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, account)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.jwt)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &oauth2.RetrieveError{Response: resp, ErrorCode: "invalid_grant", ErrorDescription: (&ErrNoAccount{account}).Error()}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return nil, &oauth2.RetrieveError{Response: resp, Body: body, ErrorCode: "unauthorized_client"}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource returns a source that asks the broker again once the cached
// token expires
func (c *BrokerClient) TokenSource(ctx context.Context, p model.Provider) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &brokerSource{ctx: ctx, client: c, provider: p})
}

type brokerSource struct {
	mu       sync.Mutex
	ctx      context.Context
	client   *BrokerClient
	provider model.Provider
}

func (s *brokerSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Token(s.ctx, s.provider)
}
