package outlook

import (
	"context"
	"fmt"
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

func recipients(list []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(list))
	for _, addr := range list {
		ea := models.NewEmailAddress()
		ea.SetAddress(&addr)
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out
}

func textBody(content string) models.ItemBodyable {
	body := models.NewItemBody()
	ct := models.TEXT_BODYTYPE
	body.SetContentType(&ct)
	body.SetContent(&content)
	return body
}

// FindByInternetMessageID returns the mailbox messages whose
// internetMessageId equals id
func (a *Adapter) FindByInternetMessageID(ctx context.Context, id string) ([]providers.Remote, error) {
	id = model.NormalizeMessageID(id)
	if id == "" {
		return nil, nil
	}
	filter := fmt.Sprintf("internetMessageId eq '%s'", strings.ReplaceAll(id, "'", "''"))
	top := int32(10)
	resp, err := a.client.Users().ByUserId(a.cfg.User).Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id", "conversationId", "internetMessageId", "subject", "from", "receivedDateTime"},
			Top:    &top,
		},
	})
	if err != nil {
		return nil, classify("messages.find", err)
	}

	found := make([]providers.Remote, 0, len(resp.GetValue()))
	for _, m := range resp.GetValue() {
		rec := toRecord(m)
		found = append(found, providers.Remote{
			ID:                rec.ProviderMessageID,
			ThreadID:          rec.ProviderThreadID,
			InternetMessageID: model.NormalizeMessageID(str(m.GetInternetMessageId())),
			Subject:           rec.Subject,
			FromEmail:         rec.FromEmail,
			ReceivedAt:        rec.ReceivedAt,
		})
	}
	return found, nil
}

// CreateReplyDraft creates a reply draft in the conversation of targetID
func (a *Adapter) CreateReplyDraft(ctx context.Context, targetID string) (string, error) {
	draft, err := a.client.Users().ByUserId(a.cfg.User).
		Messages().ByMessageId(targetID).
		CreateReply().
		Post(ctx, users.NewItemMessagesItemCreateReplyPostRequestBody(), nil)
	if err != nil {
		return "", classify("messages.createReply", err)
	}
	id := str(draft.GetId())
	if id == "" {
		return "", providers.Wrap(model.ProviderOutlook, "messages.createReply", providers.Transient, fmt.Errorf("reply draft for %s has no id", targetID))
	}
	return id, nil
}

// UpdateDraft sets the body and recipients of a draft. Empty recipient
// lists keep what the draft already has.
func (a *Adapter) UpdateDraft(ctx context.Context, draftID, body string, to model.Participants) error {
	patch := models.NewMessage()
	patch.SetBody(textBody(body))
	if len(to.To) > 0 {
		patch.SetToRecipients(recipients(to.To))
	}
	if len(to.Cc) > 0 {
		patch.SetCcRecipients(recipients(to.Cc))
	}
	if len(to.Bcc) > 0 {
		patch.SetBccRecipients(recipients(to.Bcc))
	}
	_, err := a.client.Users().ByUserId(a.cfg.User).Messages().ByMessageId(draftID).Patch(ctx, patch, nil)
	return classify("messages.update", err)
}

// SendDraft sends a draft. Graph answers a send without a body, so the
// draft's identifiers are read beforehand.
func (a *Adapter) SendDraft(ctx context.Context, draftID string) (*providers.Sent, error) {
	sent := &providers.Sent{ID: draftID}
	msg := a.client.Users().ByUserId(a.cfg.User).Messages().ByMessageId(draftID)

	d, err := msg.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "internetMessageId"},
		},
	})
	if err != nil {
		a.log.Warn().Err(err).Str("draft_id", draftID).Msg("could not read draft before send")
	} else {
		sent.ThreadID = str(d.GetConversationId())
		sent.InternetMessageID = model.NormalizeMessageID(str(d.GetInternetMessageId()))
	}

	if err := msg.Send().Post(ctx, nil); err != nil {
		return nil, classify("messages.send", err)
	}
	return sent, nil
}

// SendNew creates and sends a new message
func (a *Adapter) SendNew(ctx context.Context, out providers.Outgoing) (*providers.Sent, error) {
	m := models.NewMessage()
	subject := out.Subject
	m.SetSubject(&subject)
	m.SetBody(textBody(out.Body))
	m.SetToRecipients(recipients(out.To))
	if len(out.Cc) > 0 {
		m.SetCcRecipients(recipients(out.Cc))
	}
	if len(out.Bcc) > 0 {
		m.SetBccRecipients(recipients(out.Bcc))
	}

	draft, err := a.client.Users().ByUserId(a.cfg.User).Messages().Post(ctx, m, nil)
	if err != nil {
		return nil, classify("messages.create", err)
	}
	sent := &providers.Sent{
		ID:                str(draft.GetId()),
		ThreadID:          str(draft.GetConversationId()),
		InternetMessageID: model.NormalizeMessageID(str(draft.GetInternetMessageId())),
	}
	err = a.client.Users().ByUserId(a.cfg.User).Messages().ByMessageId(sent.ID).Send().Post(ctx, nil)
	if err != nil {
		return nil, classify("messages.send", err)
	}
	return sent, nil
}
