package sync

import (
	"strings"
	"time"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

// header returns a header value by case-insensitive name
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Normalize converts a provider record into a message and its thread.
// Missing thread ids fall back to the message id, a zero receive time to
// the import time.
func Normalize(p model.Provider, rec providers.Record, importedAt time.Time) (*model.Message, *model.Thread) {
	threadID := rec.ProviderThreadID
	if threadID == "" {
		threadID = rec.ProviderMessageID
	}
	received := rec.ReceivedAt
	if received.IsZero() {
		received = importedAt
	}
	direction := rec.Direction
	if direction == "" {
		direction = model.DirectionInbound
	}
	status := model.StatusNew
	if direction == model.DirectionOutbound {
		status = model.StatusSent
	}

	msg := &model.Message{
		Provider:           p,
		ProviderMessageID:  rec.ProviderMessageID,
		ProviderThreadID:   threadID,
		RetrieverMessageID: rec.RetrieverMessageID,
		RetrieverThreadID:  rec.RetrieverThreadID,
		Direction:          direction,
		Status:             status,
		FromName:           rec.FromName,
		FromEmail:          rec.FromEmail,
		To:                 rec.To,
		Cc:                 rec.Cc,
		Bcc:                rec.Bcc,
		Subject:            rec.Subject,
		Snippet:            rec.Snippet,
		BodyText:           rec.BodyText,
		BodyHTML:           rec.BodyHTML,
		ReceivedAt:         received.UTC(),
		ImportedAt:         importedAt.UTC(),
		Tags:               rec.Labels,
		InternetMessageID:  model.NormalizeMessageID(header(rec.Headers, "Message-ID")),
		References:         model.ParseReferences(header(rec.Headers, "References")),
	}
	thread := &model.Thread{
		Provider:          p,
		ProviderThreadID:  threadID,
		RetrieverThreadID: rec.RetrieverThreadID,
		SubjectLast:       rec.Subject,
		UpdatedAt:         received.UTC(),
	}
	return msg, thread
}
