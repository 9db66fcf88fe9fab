package reply

import (
	"github.com/Martian-dev/mailbridge/internal/model"
)

// Kind is the result of a reply attempt
type Kind string

const (
	KindSent              Kind = "sent"
	KindNoIdentifier      Kind = "no_identifier"
	KindNotFound          Kind = "not_found"
	KindDraftCreateFailed Kind = "draft_create_failed"
	KindUpdateFailed      Kind = "update_failed"
	KindSendFailed        Kind = "send_failed"
	// KindSendUnconfirmed means the send call did not return an answer.
	// The reply may or may not have gone out and is never resent
	// automatically.
	KindSendUnconfirmed Kind = "send_unconfirmed"
	KindLookupFailed    Kind = "lookup_failed"
	KindMessageNotFound Kind = "message_not_found"
	KindInProgress      Kind = "in_progress"
	KindNoSender        Kind = "no_sender"
	KindInvalidRequest  Kind = "invalid_request"
)

// Request asks for a reply to a stored message
type Request struct {
	MessageID int64 `json:"message_id"`
	// Target is the provider to reply through; empty means route.
	Target       model.Provider     `json:"target,omitempty"`
	Body         string             `json:"body"`
	Participants model.Participants `json:"participants"`
	// DraftID names a local draft holding the body. It is deleted once the
	// reply is sent.
	DraftID int64 `json:"draft_id,omitempty"`
	// Fallback composes a fresh message when no threaded reply is possible.
	Fallback bool `json:"fallback,omitempty"`
	// Fresh skips the threaded attempt and composes a new message.
	Fresh bool `json:"fresh,omitempty"`
}

// Outcome describes what a reply attempt did
type Outcome struct {
	Kind      Kind           `json:"kind"`
	Provider  model.Provider `json:"provider,omitempty"`
	Retryable bool           `json:"retryable"`
	// Threaded is false when the reply was sent as a fresh message.
	Threaded          bool   `json:"threaded"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ProviderThreadID  string `json:"provider_thread_id,omitempty"`
	// ProviderDraftID is set when a provider draft was created, including
	// one left behind by a failed update or send.
	ProviderDraftID   string `json:"provider_draft_id,omitempty"`
	OutboundMessageID int64  `json:"outbound_message_id,omitempty"`
	Err               error  `json:"-"`
	// PersistErr is set when the reply went out but recording it failed.
	PersistErr error `json:"-"`
}

// Sent reports whether the provider accepted the reply
func (o Outcome) Sent() bool { return o.Kind == KindSent }

// ErrorMessage returns the failure message, if any, for API responses
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
