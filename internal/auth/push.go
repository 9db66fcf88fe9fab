// Package auth provides the credentials mailbridge runs with: OAuth token
// sources for the mail providers and verification of Pub/Sub push tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleCertsURL serves the keys Google signs push OIDC tokens with
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// PushClaims are the identity claims of a verified push token
type PushClaims struct {
	Email   string
	Subject string
	Expiry  time.Time
}

// PushVerifier checks the OIDC bearer token Pub/Sub attaches to push
// requests. Keys come from a JWKS cache refreshed in the background, so
// verification does no network I/O on the hot path.
type PushVerifier struct {
	keys           jwk.Set
	audience       string
	serviceAccount string
}

// NewPushVerifier registers certsURL with a refreshing JWKS cache and warms
// it. serviceAccount, when set, must match the token's email claim.
func NewPushVerifier(ctx context.Context, certsURL, audience, serviceAccount string) (*PushVerifier, error) {
	if audience == "" {
		return nil, errors.New("push audience is required")
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(certsURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, certsURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &PushVerifier{
		keys:           jwk.NewCachedSet(cache, certsURL),
		audience:       audience,
		serviceAccount: serviceAccount,
	}, nil
}

// Verify validates the bearer token of r
func (v *PushVerifier) Verify(r *http.Request) (*PushClaims, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
		jwt.WithAudience(v.audience),
		jwt.WithAcceptableSkew(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse push token: %w", err)
	}
	if !googleIssuers[token.Issuer()] {
		return nil, fmt.Errorf("unexpected push token issuer %q", token.Issuer())
	}

	claims := &PushClaims{Subject: token.Subject(), Expiry: token.Expiration()}
	if email, ok := token.Get("email"); ok {
		claims.Email, _ = email.(string)
	}
	if v.serviceAccount != "" {
		if claims.Email != v.serviceAccount {
			return nil, fmt.Errorf("push token email %q is not the configured service account", claims.Email)
		}
		if verified, _ := token.Get("email_verified"); verified != true {
			return nil, errors.New("push token email is not verified")
		}
	}
	return claims, nil
}
