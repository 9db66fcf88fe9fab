package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

// FetchDelta returns messages added after the history id cursor. Without a
// cursor, or when Gmail no longer keeps that history, the most recent
// messages are backfilled and the current history id becomes the cursor.
func (a *Adapter) FetchDelta(ctx context.Context, cursor string) (*providers.Delta, error) {
	if cursor == "" {
		return a.backfill(ctx)
	}
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		a.log.Warn().Str("cursor", cursor).Msg("unparsable history id, backfilling")
		return a.backfill(ctx)
	}

	latest := start
	var ids []string
	seen := make(map[string]bool)
	call := a.svc.Users.History.List(a.cfg.User).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(500)
	if len(a.cfg.LabelIDs) == 1 {
		call = call.LabelId(a.cfg.LabelIDs[0])
	}
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] || isDraft(added.Message.LabelIds) {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
		}
		return nil
	})
	if isNotFound(err) {
		a.log.Warn().Uint64("history_id", start).Msg("history id expired, backfilling")
		return a.backfill(ctx)
	}
	if err != nil {
		return nil, classify("history.list", err)
	}

	records, err := a.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &providers.Delta{Records: records, Cursor: strconv.FormatUint(latest, 10)}, nil
}

// backfill imports the newest messages. The profile is read first so the
// returned cursor never skips a message added during the listing.
func (a *Adapter) backfill(ctx context.Context) (*providers.Delta, error) {
	profile, err := a.svc.Users.GetProfile(a.cfg.User).Context(ctx).Do()
	if err != nil {
		return nil, classify("profile", err)
	}

	list, err := a.svc.Users.Messages.List(a.cfg.User).
		LabelIds(a.cfg.LabelIDs...).
		IncludeSpamTrash(false).
		MaxResults(a.cfg.BackfillLimit).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("messages.list", err)
	}
	ids := make([]string, 0, len(list.Messages))
	for _, m := range list.Messages {
		ids = append(ids, m.Id)
	}

	records, err := a.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	a.log.Info().Int("messages", len(records)).Uint64("history_id", profile.HistoryId).Msg("gmail backfill")
	return &providers.Delta{Records: records, Cursor: strconv.FormatUint(profile.HistoryId, 10)}, nil
}

// fetchAll loads full messages; ones deleted since they were listed are
// skipped.
func (a *Adapter) fetchAll(ctx context.Context, ids []string) ([]providers.Record, error) {
	records := make([]providers.Record, 0, len(ids))
	for _, id := range ids {
		m, err := a.svc.Users.Messages.Get(a.cfg.User, id).Format("full").Context(ctx).Do()
		if isNotFound(err) {
			a.log.Debug().Str("message_id", id).Msg("message gone before fetch")
			continue
		}
		if err != nil {
			return nil, classify("messages.get", err)
		}
		if isDraft(m.LabelIds) {
			continue
		}
		records = append(records, toRecord(m))
	}
	return records, nil
}

// isDraft reports whether a message is an unsent draft, including the
// reply drafts this adapter creates itself
func isDraft(labels []string) bool {
	for _, l := range labels {
		if l == "DRAFT" {
			return true
		}
	}
	return false
}

// toRecord converts a Gmail message to a provider record
func toRecord(m *gmail.Message) providers.Record {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			headers[h.Name] = h.Value
		}
	}
	get := func(name string) string { return headerValue(m, name) }

	rec := providers.Record{
		ProviderMessageID: m.Id,
		ProviderThreadID:  m.ThreadId,
		Direction:         model.DirectionInbound,
		To:                addressList(get("To")),
		Cc:                addressList(get("Cc")),
		Bcc:               addressList(get("Bcc")),
		Subject:           get("Subject"),
		Snippet:           m.Snippet,
		ReceivedAt:        time.UnixMilli(m.InternalDate).UTC(),
		Labels:            m.LabelIds,
		Headers:           headers,
	}
	if from, err := mail.ParseAddress(get("From")); err == nil {
		rec.FromName, rec.FromEmail = from.Name, from.Address
	} else {
		rec.FromEmail = strings.TrimSpace(get("From"))
	}
	for _, l := range m.LabelIds {
		if l == "SENT" {
			rec.Direction = model.DirectionOutbound
		}
	}
	if m.Payload != nil {
		rec.BodyText = findBody(m.Payload, "text/plain")
		rec.BodyHTML = findBody(m.Payload, "text/html")
	}
	return rec
}

// headerValue returns a message header by case-insensitive name
func headerValue(m *gmail.Message, name string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// addressList parses an address header into bare addresses. Unparsable
// headers fall back to comma splitting.
func addressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(raw)
	if err == nil {
		out := make([]string, 0, len(parsed))
		for _, a := range parsed {
			out = append(out, a.Address)
		}
		return out
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// findBody returns the first part of the given MIME type, decoded
func findBody(part *gmail.MessagePart, mimeType string) string {
	if strings.EqualFold(part.MimeType, mimeType) && part.Body != nil && part.Body.Data != "" {
		if s, err := decodeBase64URL(part.Body.Data); err == nil {
			return s
		}
	}
	for _, p := range part.Parts {
		if s := findBody(p, mimeType); s != "" {
			return s
		}
	}
	return ""
}

func decodeBase64URL(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", fmt.Errorf("decoding body: %w", err)
		}
	}
	return string(b), nil
}
