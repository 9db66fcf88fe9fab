package model

import (
	"strings"
	"time"
)

// Direction tells whether a message was received or sent by the account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message lifecycle statuses.
const (
	StatusNew     = "new"
	StatusReplied = "replied"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message is one email, unique by (Provider, ProviderMessageID).
type Message struct {
	ID       int64 `json:"id"`
	ThreadID int64 `json:"thread_id"`

	Provider          Provider `json:"provider"`
	ProviderMessageID string   `json:"provider_message_id"`
	ProviderThreadID  string   `json:"provider_thread_id"`

	// RetrieverMessageID is the id assigned by the provider the message was
	// actually fetched through, when that differs from its origin.
	RetrieverMessageID string `json:"retriever_message_id,omitempty"`
	RetrieverThreadID  string `json:"retriever_thread_id,omitempty"`

	Direction Direction `json:"direction"`
	Status    string    `json:"status"`

	FromName  string   `json:"from_name,omitempty"`
	FromEmail string   `json:"from_email"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`

	Subject  string `json:"subject"`
	Snippet  string `json:"snippet,omitempty"`
	BodyText string `json:"body_text,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
	ImportedAt time.Time `json:"imported_at"`
	Tags       []string  `json:"tags"`

	// InternetMessageID is the RFC 5322 Message-ID, kept in <id> form.
	InternetMessageID string `json:"internet_message_id,omitempty"`
	// References is the ordered ancestor chain, oldest first.
	References []string `json:"references"`
}

// HasTag reports whether the message carries tag (case-insensitive).
func (m *Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Thread groups messages of one provider conversation.
type Thread struct {
	ID                int64      `json:"id"`
	Provider          Provider   `json:"provider"`
	ProviderThreadID  string     `json:"provider_thread_id"`
	RetrieverThreadID string     `json:"retriever_thread_id,omitempty"`
	SubjectLast       string     `json:"subject_last"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Draft is a reply being composed for a stored message.
type Draft struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participants are recipients added to a reply on top of the original ones.
type Participants struct {
	To  []string `json:"to,omitempty"`
	Cc  []string `json:"cc,omitempty"`
	Bcc []string `json:"bcc,omitempty"`
}
