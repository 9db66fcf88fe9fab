// Package outlook adapts Microsoft Graph to the provider contracts. Outlook
// has no push subscription here; its inbox is polled with delta queries.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

// Scopes requested for the Graph client
var Scopes = []string{"https://graph.microsoft.com/.default"}

// Config describes the mailbox an Adapter works on
type Config struct {
	// User is the Graph user id or principal name of the mailbox.
	User string
	// Folder is the well-known folder polled for new mail.
	Folder string
}

// Adapter implements providers.DeltaSource and providers.Sender for
// Outlook through Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	cfg    Config
	log    *zerolog.Logger
}

// New creates an Outlook adapter authenticated by cred
func New(cred azcore.TokenCredential, cfg Config, log *zerolog.Logger) (*Adapter, error) {
	if cfg.User == "" {
		return nil, errors.New("outlook user is required")
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return NewWithClient(client, cfg, log), nil
}

// NewWithClient wraps an existing Graph client
func NewWithClient(client *msgraphsdk.GraphServiceClient, cfg Config, log *zerolog.Logger) *Adapter {
	if cfg.Folder == "" {
		cfg.Folder = "inbox"
	}
	return &Adapter{client: client, cfg: cfg, log: log}
}

// Name implements providers.DeltaSource
func (a *Adapter) Name() model.Provider { return model.ProviderOutlook }

// TokenSourceCredential exposes an oauth2 token source as an Azure
// credential, so refreshed tokens flow into the Graph client.
type TokenSourceCredential struct {
	Source oauth2.TokenSource
}

// GetToken implements azcore.TokenCredential
func (c TokenSourceCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.Source.Token()
	if err != nil {
		return azcore.AccessToken{}, providers.Wrap(model.ProviderOutlook, "token", providers.Classify(err), err)
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

// statusCode returns the HTTP status of a Graph error, or 0
func statusCode(err error) int {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return odataErr.ResponseStatusCode
	}
	return 0
}

// classify wraps a Graph failure with its provider error kind
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := providers.Classify(err)
	if code := statusCode(err); code != 0 {
		kind = providers.KindForStatus(code)
	}
	return providers.Wrap(model.ProviderOutlook, op, kind, err)
}
