package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

// composed holds the header fields of a message being built
type composed struct {
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	InReplyTo  string
	References []string
}

// raw renders c with a plain text body as a base64url RFC 5322 message
func (c composed) raw(body string, now time.Time) (string, error) {
	var h mail.Header
	h.SetDate(now)
	if c.From != "" {
		h.SetAddressList("From", []*mail.Address{{Address: c.From}})
	}
	setAddresses(&h, "To", c.To)
	setAddresses(&h, "Cc", c.Cc)
	setAddresses(&h, "Bcc", c.Bcc)
	h.SetSubject(c.Subject)
	if id := model.BareMessageID(c.InReplyTo); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
	}
	if len(c.References) > 0 {
		refs := make([]string, 0, len(c.References))
		for _, r := range c.References {
			if id := model.BareMessageID(r); id != "" {
				refs = append(refs, id)
			}
		}
		h.SetMsgIDList("References", refs)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return "", fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing message: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func setAddresses(h *mail.Header, key string, list []string) {
	if len(list) == 0 {
		return
	}
	addrs := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, &mail.Address{Address: a})
	}
	h.SetAddressList(key, addrs)
}

// replyHeaders reads the threading headers of a message as a reply to it
// needs them.
func replyHeaders(m *gmail.Message) composed {
	get := func(name string) string { return headerValue(m, name) }
	to := get("Reply-To")
	if to == "" {
		to = get("From")
	}
	id := model.NormalizeMessageID(get("Message-ID"))
	return composed{
		To:         addressList(to),
		Subject:    model.ReplySubject(get("Subject")),
		InReplyTo:  id,
		References: model.AppendReference(model.ParseReferences(get("References")), id),
	}
}

// draftHeaders reads back the headers of one of our own drafts
func draftHeaders(m *gmail.Message) composed {
	c := composed{}
	if m.Payload == nil {
		return c
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			c.Subject = h.Value
		case "in-reply-to":
			c.InReplyTo = h.Value
		case "references":
			c.References = model.ParseReferences(h.Value)
		case "to":
			c.To = addressList(h.Value)
		}
	}
	return c
}

// CreateReplyDraft creates an empty draft replying to targetID in its thread
func (a *Adapter) CreateReplyDraft(ctx context.Context, targetID string) (string, error) {
	target, err := a.svc.Users.Messages.Get(a.cfg.User, targetID).
		Format("metadata").
		MetadataHeaders("Message-ID", "References", "Subject", "From", "Reply-To").
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("messages.get", err)
	}

	c := replyHeaders(target)
	c.From = a.cfg.Address
	raw, err := c.raw("", time.Now())
	if err != nil {
		return "", err
	}
	d, err := a.svc.Users.Drafts.Create(a.cfg.User, &gmail.Draft{
		Message: &gmail.Message{Raw: raw, ThreadId: target.ThreadId},
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("drafts.create", err)
	}
	return d.Id, nil
}

// UpdateDraft replaces the body and recipients of a reply draft while
// keeping its threading headers.
func (a *Adapter) UpdateDraft(ctx context.Context, draftID, body string, recipients model.Participants) error {
	d, err := a.svc.Users.Drafts.Get(a.cfg.User, draftID).Format("metadata").Context(ctx).Do()
	if err != nil {
		return classify("drafts.get", err)
	}
	if d.Message == nil {
		return providers.Wrap(model.ProviderGmail, "drafts.get", providers.Transient, fmt.Errorf("draft %s has no message", draftID))
	}

	c := draftHeaders(d.Message)
	c.From = a.cfg.Address
	if len(recipients.To) > 0 {
		c.To = recipients.To
	}
	c.Cc, c.Bcc = recipients.Cc, recipients.Bcc
	raw, err := c.raw(body, time.Now())
	if err != nil {
		return err
	}

	_, err = a.svc.Users.Drafts.Update(a.cfg.User, draftID, &gmail.Draft{
		Id:      draftID,
		Message: &gmail.Message{Raw: raw, ThreadId: d.Message.ThreadId},
	}).Context(ctx).Do()
	return classify("drafts.update", err)
}

// SendDraft sends a draft and reports the resulting message
func (a *Adapter) SendDraft(ctx context.Context, draftID string) (*providers.Sent, error) {
	m, err := a.svc.Users.Drafts.Send(a.cfg.User, &gmail.Draft{Id: draftID}).Context(ctx).Do()
	if err != nil {
		return nil, classify("drafts.send", err)
	}
	return a.sent(ctx, m), nil
}

// SendNew sends an unthreaded message
func (a *Adapter) SendNew(ctx context.Context, out providers.Outgoing) (*providers.Sent, error) {
	c := composed{
		From:       a.cfg.Address,
		To:         out.To,
		Cc:         out.Cc,
		Bcc:        out.Bcc,
		Subject:    out.Subject,
		InReplyTo:  out.InReplyTo,
		References: out.References,
	}
	raw, err := c.raw(out.Body, time.Now())
	if err != nil {
		return nil, err
	}
	m, err := a.svc.Users.Messages.Send(a.cfg.User, &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return nil, classify("messages.send", err)
	}
	return a.sent(ctx, m), nil
}

// sent looks up the Message-ID Gmail assigned. The lookup is best effort;
// the send already succeeded.
func (a *Adapter) sent(ctx context.Context, m *gmail.Message) *providers.Sent {
	s := &providers.Sent{ID: m.Id, ThreadID: m.ThreadId}
	meta, err := a.svc.Users.Messages.Get(a.cfg.User, m.Id).
		Format("metadata").
		MetadataHeaders("Message-ID").
		Context(ctx).
		Do()
	if err != nil {
		a.log.Warn().Err(err).Str("message_id", m.Id).Msg("could not read Message-ID of sent message")
		return s
	}
	s.InternetMessageID = model.NormalizeMessageID(headerValue(meta, "Message-ID"))
	return s
}

// FindByInternetMessageID searches the mailbox for messages carrying id
func (a *Adapter) FindByInternetMessageID(ctx context.Context, id string) ([]providers.Remote, error) {
	bare := model.BareMessageID(id)
	if bare == "" {
		return nil, nil
	}
	list, err := a.svc.Users.Messages.List(a.cfg.User).
		Q("rfc822msgid:" + bare).
		IncludeSpamTrash(false).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("messages.list", err)
	}

	found := make([]providers.Remote, 0, len(list.Messages))
	for _, ref := range list.Messages {
		m, err := a.svc.Users.Messages.Get(a.cfg.User, ref.Id).
			Format("metadata").
			MetadataHeaders("Message-ID", "Subject", "From").
			Context(ctx).
			Do()
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, classify("messages.get", err)
		}
		rec := toRecord(m)
		found = append(found, providers.Remote{
			ID:                m.Id,
			ThreadID:          m.ThreadId,
			InternetMessageID: model.NormalizeMessageID(headerValue(m, "Message-ID")),
			Subject:           rec.Subject,
			FromEmail:         rec.FromEmail,
			ReceivedAt:        rec.ReceivedAt,
		})
	}
	return found, nil
}
