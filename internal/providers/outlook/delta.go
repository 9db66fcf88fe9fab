package outlook

import (
	"context"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

var deltaFields = []string{
	"id", "conversationId", "internetMessageId", "internetMessageHeaders",
	"subject", "from", "toRecipients", "ccRecipients", "bccRecipients",
	"bodyPreview", "body", "receivedDateTime", "categories",
}

// FetchDelta follows the folder's delta query from the cursor, which is the
// delta link of the previous round. An empty cursor starts a new delta
// round over the whole folder; so does a delta link Graph has expired.
func (a *Adapter) FetchDelta(ctx context.Context, cursor string) (*providers.Delta, error) {
	delta, err := a.delta(ctx, cursor)
	if cursor != "" && statusCode(err) == 410 {
		a.log.Warn().Msg("delta link expired, restarting delta")
		delta, err = a.delta(ctx, "")
	}
	if err != nil {
		return nil, classify("messages.delta", err)
	}
	return delta, nil
}

func (a *Adapter) delta(ctx context.Context, cursor string) (*providers.Delta, error) {
	builder := a.client.Users().ByUserId(a.cfg.User).
		MailFolders().ByMailFolderId(a.cfg.Folder).
		Messages().Delta()

	var cfg *users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration
	if cursor != "" {
		builder = builder.WithUrl(cursor)
	} else {
		cfg = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Select: deltaFields,
			},
		}
	}

	out := &providers.Delta{}
	for {
		resp, err := builder.GetAsDeltaGetResponse(ctx, cfg)
		if err != nil {
			return nil, err
		}
		for _, m := range resp.GetValue() {
			if removed(m) {
				continue
			}
			out.Records = append(out.Records, toRecord(m))
		}

		if next := resp.GetOdataNextLink(); next != nil && *next != "" {
			builder = builder.WithUrl(*next)
			cfg = nil
			continue
		}
		if link := resp.GetOdataDeltaLink(); link != nil {
			out.Cursor = *link
		}
		return out, nil
	}
}

// removed reports whether a delta entry only signals a deletion
func removed(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func addresses(recipients []models.Recipientable) []string {
	var out []string
	for _, r := range recipients {
		if ea := r.GetEmailAddress(); ea != nil {
			if addr := str(ea.GetAddress()); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// toRecord converts a Graph message to a provider record
func toRecord(m models.Messageable) providers.Record {
	rec := providers.Record{
		ProviderMessageID: str(m.GetId()),
		ProviderThreadID:  str(m.GetConversationId()),
		Direction:         model.DirectionInbound,
		To:                addresses(m.GetToRecipients()),
		Cc:                addresses(m.GetCcRecipients()),
		Bcc:               addresses(m.GetBccRecipients()),
		Subject:           str(m.GetSubject()),
		Snippet:           str(m.GetBodyPreview()),
		Labels:            m.GetCategories(),
		Headers:           make(map[string]string),
	}
	if from := m.GetFrom(); from != nil && from.GetEmailAddress() != nil {
		rec.FromName = str(from.GetEmailAddress().GetName())
		rec.FromEmail = str(from.GetEmailAddress().GetAddress())
	}
	if t := m.GetReceivedDateTime(); t != nil {
		rec.ReceivedAt = t.UTC()
	}
	if body := m.GetBody(); body != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			rec.BodyHTML = str(body.GetContent())
		} else {
			rec.BodyText = str(body.GetContent())
		}
	}
	for _, h := range m.GetInternetMessageHeaders() {
		if name := str(h.GetName()); name != "" {
			rec.Headers[name] = str(h.GetValue())
		}
	}
	if id := str(m.GetInternetMessageId()); id != "" {
		rec.Headers["Message-ID"] = id
	}
	return rec
}
