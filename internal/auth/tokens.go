package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// tokenFile is the on-disk token format. It reads both the google-auth
// layout ("token") and the oauth2 layout ("access_token").
type tokenFile struct {
	Token        string   `json:"token,omitempty"`
	AccessToken  string   `json:"access_token,omitempty"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Expiry       string   `json:"expiry,omitempty"`
}

var expiryLayouts = []string{
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// LoadToken reads a token file
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}

	tok := &oauth2.Token{
		AccessToken:  tf.Token,
		RefreshToken: tf.RefreshToken,
		TokenType:    "Bearer",
	}
	if tok.AccessToken == "" {
		tok.AccessToken = tf.AccessToken
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, tf.Expiry); err == nil {
			tok.Expiry = t
			break
		}
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("token %s holds no credentials", path)
	}
	return tok, nil
}

// SaveToken writes tok in the google-auth layout
func SaveToken(path string, tok *oauth2.Token, cfg *oauth2.Config) error {
	tf := tokenFile{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenURI:     cfg.Endpoint.TokenURL,
		ClientID:     cfg.ClientID,
		Scopes:       cfg.Scopes,
	}
	if !tok.Expiry.IsZero() {
		tf.Expiry = tok.Expiry.UTC().Format("2006-01-02T15:04:05.999999Z")
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// savingSource writes refreshed tokens back to the token file
type savingSource struct {
	mu   sync.Mutex
	src  oauth2.TokenSource
	path string
	cfg  *oauth2.Config
	last string
	// onSaveError observes write failures; a stale file only costs a refresh.
	onSaveError func(error)
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := SaveToken(s.path, tok, s.cfg); err != nil && s.onSaveError != nil {
			s.onSaveError(err)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

func fileTokenSource(ctx context.Context, cfg *oauth2.Config, tokenPath string, onSaveError func(error)) (oauth2.TokenSource, error) {
	tok, err := LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	return &savingSource{
		src:         cfg.TokenSource(ctx, tok),
		path:        tokenPath,
		cfg:         cfg,
		last:        tok.AccessToken,
		onSaveError: onSaveError,
	}, nil
}

// GoogleTokenSource builds a refreshing token source from an OAuth client
// credentials file and a token file
func GoogleTokenSource(ctx context.Context, credentialsPath, tokenPath string, scopes []string, onSaveError func(error)) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials from %s: %w", credentialsPath, err)
	}
	cfg, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return fileTokenSource(ctx, cfg, tokenPath, onSaveError)
}

// MicrosoftTokenSource builds a refreshing token source for a public
// Azure AD client
func MicrosoftTokenSource(ctx context.Context, tenant, clientID, tokenPath string, scopes []string, onSaveError func(error)) (oauth2.TokenSource, error) {
	if clientID == "" {
		return nil, fmt.Errorf("outlook client id is required")
	}
	if tenant == "" {
		tenant = "common"
	}
	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: microsoft.AzureADEndpoint(tenant),
		Scopes:   append([]string{"offline_access"}, scopes...),
	}
	return fileTokenSource(ctx, cfg, tokenPath, onSaveError)
}
