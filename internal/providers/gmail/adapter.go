// Package gmail adapts the Gmail API to the provider contracts: history
// deltas, Pub/Sub watch renewal and threaded replies through drafts.
package gmail

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

// Scopes needed to read, watch and send
var Scopes = []string{
	gmail.GmailModifyScope,
	gmail.GmailComposeScope,
}

// Config describes the mailbox an Adapter works on
type Config struct {
	// User is the API user id, "me" for the token's owner.
	User string
	// Address is the mailbox address used as From on composed mail.
	Address string
	// Topic is the Pub/Sub topic push notifications are published to.
	Topic    string
	LabelIDs []string
	// BackfillLimit caps the messages imported when no cursor is usable.
	BackfillLimit int64
}

// Adapter implements providers.DeltaSource, providers.Watcher and
// providers.Sender for Gmail
type Adapter struct {
	svc *gmail.Service
	cfg Config
	log *zerolog.Logger
}

// New creates a Gmail adapter authenticated by ts
func New(ctx context.Context, ts oauth2.TokenSource, cfg Config, log *zerolog.Logger) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, cfg, log), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, cfg Config, log *zerolog.Logger) *Adapter {
	if cfg.User == "" {
		cfg.User = "me"
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 50
	}
	if len(cfg.LabelIDs) == 0 {
		cfg.LabelIDs = []string{"INBOX"}
	}
	return &Adapter{svc: svc, cfg: cfg, log: log}
}

// Name implements providers.DeltaSource
func (a *Adapter) Name() model.Provider { return model.ProviderGmail }

// classify wraps an API failure with its provider error kind
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := providers.Classify(err)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		kind = providers.KindForStatus(gerr.Code)
	}
	return providers.Wrap(model.ProviderGmail, op, kind, err)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
