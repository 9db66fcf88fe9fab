// Package reply sends replies to stored messages through whichever provider
// keeps the conversation threaded, locating the counterpart message there by
// its Internet Message-ID.
package reply

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
	"github.com/Martian-dev/mailbridge/internal/store"
)

// Options tunes a Resolver
type Options struct {
	LookupTimeout time.Duration
	SendTimeout   time.Duration
	StoreTimeout  time.Duration
	// ClaimTTL bounds how long a crashed attempt keeps others from
	// replying to the same message.
	ClaimTTL time.Duration
	// Addresses holds the account address of each provider. It is removed
	// from reply recipients and recorded as the sender of outbound rows.
	Addresses map[model.Provider]string
	Now       func() time.Time
}

// Resolver sends threaded replies. At most one attempt per stored message
// runs at a time, across every process sharing the store.
type Resolver struct {
	store   store.Store
	senders map[model.Provider]providers.Sender
	router  *Router
	log     *zerolog.Logger
	opts    Options

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// NewResolver creates a resolver over st. router may be nil when every
// request names its target.
func NewResolver(st store.Store, router *Router, log *zerolog.Logger, opts Options, senders ...providers.Sender) *Resolver {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 30 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 60 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = opts.LookupTimeout + 3*opts.SendTimeout + 2*opts.StoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Resolver{
		store:    st,
		senders:  make(map[model.Provider]providers.Sender),
		router:   router,
		log:      log,
		opts:     opts,
		inflight: make(map[int64]struct{}),
	}
	for _, s := range senders {
		r.senders[s.Name()] = s
	}
	return r
}

func (r *Resolver) tryLock(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Resolver) unlock(id int64) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// claim guards one reply attempt on id: an in-process lock first, then a
// lease in the store so another process sharing the database backs off.
func (r *Resolver) claim(ctx context.Context, id int64) (func(), Outcome, bool) {
	if !r.tryLock(id) {
		return nil, Outcome{Kind: KindInProgress, Retryable: true}, false
	}

	owner := uuid.NewString()
	now := r.opts.Now()
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	claimed, err := r.store.ClaimReply(sctx, id, owner, now.Add(r.opts.ClaimTTL), now)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.unlock(id)
		return nil, Outcome{Kind: KindMessageNotFound, Err: err}, false
	case err != nil:
		r.unlock(id)
		return nil, Outcome{Kind: KindLookupFailed, Retryable: true, Err: err}, false
	case !claimed:
		r.unlock(id)
		r.log.Info().Int64("message_id", id).Msg("reply already in progress elsewhere")
		return nil, Outcome{Kind: KindInProgress, Retryable: true}, false
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
		defer cancel()
		if err := r.store.ReleaseReply(rctx, id, owner); err != nil {
			r.log.Warn().Err(err).Int64("message_id", id).Msg("releasing reply lease")
		}
		r.unlock(id)
	}
	return release, Outcome{}, true
}

// Reply routes req when it names no target and sends it. req.Fresh sends an
// unthreaded "Re:" message straight away; otherwise a threaded reply is
// attempted and, with req.Fallback, a fresh message is sent when no
// counterpart exists.
func (r *Resolver) Reply(ctx context.Context, req Request) Outcome {
	release, out, ok := r.claim(ctx, req.MessageID)
	if !ok {
		return out
	}
	defer release()

	msg, body, out, ok := r.load(ctx, req)
	if !ok {
		return out
	}
	if req.Target == "" && r.router != nil {
		req.Target = r.router.Route(msg)
		r.log.Debug().Int64("message_id", msg.ID).Str("target", req.Target.String()).Msg("reply routed")
	}
	if req.Fresh {
		return r.compose(ctx, req, msg, body)
	}

	out = r.resolve(ctx, req, msg, body)
	if req.Fallback && (out.Kind == KindNoIdentifier || out.Kind == KindNotFound) {
		r.log.Info().Int64("message_id", msg.ID).Str("reason", string(out.Kind)).Msg("no thread to reply into, composing fresh")
		return r.compose(ctx, req, msg, body)
	}
	return out
}

// ResolveAndReply replies to the stored message req.MessageID inside the
// native thread of its counterpart on req.Target.
func (r *Resolver) ResolveAndReply(ctx context.Context, req Request) Outcome {
	release, out, ok := r.claim(ctx, req.MessageID)
	if !ok {
		return out
	}
	defer release()

	msg, body, out, ok := r.load(ctx, req)
	if !ok {
		return out
	}
	return r.resolve(ctx, req, msg, body)
}

// load reads the message and the reply body, preferring req.Body over the
// local draft.
func (r *Resolver) load(ctx context.Context, req Request) (*model.Message, string, Outcome, bool) {
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	msg, err := r.store.GetMessage(sctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", Outcome{Kind: KindMessageNotFound, Err: err}, false
	}
	if err != nil {
		return nil, "", Outcome{Kind: KindLookupFailed, Retryable: true, Err: fmt.Errorf("loading message %d: %w", req.MessageID, err)}, false
	}

	body := req.Body
	if req.DraftID != 0 && strings.TrimSpace(body) == "" {
		d, err := r.store.GetDraft(sctx, req.DraftID)
		if err != nil {
			return nil, "", Outcome{Kind: KindInvalidRequest, Err: fmt.Errorf("loading draft %d: %w", req.DraftID, err)}, false
		}
		if d.MessageID != msg.ID {
			return nil, "", Outcome{Kind: KindInvalidRequest, Err: fmt.Errorf("draft %d belongs to message %d", d.ID, d.MessageID)}, false
		}
		body = d.Content
	}
	if strings.TrimSpace(body) == "" {
		return nil, "", Outcome{Kind: KindInvalidRequest, Err: errors.New("empty reply body")}, false
	}
	return msg, body, Outcome{}, true
}

func (r *Resolver) sender(p model.Provider) (providers.Sender, Outcome, bool) {
	s, ok := r.senders[p]
	if !ok {
		return nil, Outcome{Kind: KindNoSender, Provider: p, Err: fmt.Errorf("no sender configured for %q", p)}, false
	}
	return s, Outcome{}, true
}

// recipients builds the reply recipient lists: the original sender plus
// extra To, the original Cc plus extra Cc, and extra Bcc, without the
// account's own address.
func (r *Resolver) recipients(p model.Provider, msg *model.Message, extra model.Participants) model.Participants {
	self := r.opts.Addresses[p]
	to := model.RemoveAddress(model.DedupeAddresses([]string{msg.FromEmail}, extra.To), self)
	cc := model.RemoveAddress(model.DedupeAddresses(msg.Cc, extra.Cc), self)
	bcc := model.RemoveAddress(model.DedupeAddresses(extra.Bcc), self)
	return model.Participants{To: to, Cc: cc, Bcc: bcc}
}

func (r *Resolver) resolve(ctx context.Context, req Request, msg *model.Message, body string) Outcome {
	snd, out, ok := r.sender(req.Target)
	if !ok {
		return out
	}
	base := Outcome{Provider: req.Target, Threaded: true}
	log := r.log.With().Int64("message_id", msg.ID).Str("target", req.Target.String()).Logger()

	if msg.InternetMessageID == "" {
		base.Kind = KindNoIdentifier
		return base
	}

	lctx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
	found, err := snd.FindByInternetMessageID(lctx, msg.InternetMessageID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("counterpart lookup failed")
		base.Kind, base.Err, base.Retryable = KindLookupFailed, err, !providers.IsPermanent(err)
		return base
	}
	if len(found) == 0 {
		base.Kind = KindNotFound
		return base
	}
	target := newest(found)
	base.ProviderThreadID = target.ThreadID
	if len(found) > 1 {
		log.Info().Int("matches", len(found)).Str("chosen", target.ID).Msg("several counterparts, replying to the newest")
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()

	draftID, err := snd.CreateReplyDraft(sctx, target.ID)
	if err != nil {
		base.Kind, base.Err, base.Retryable = KindDraftCreateFailed, err, !providers.IsPermanent(err)
		return base
	}
	base.ProviderDraftID = draftID

	recipients := r.recipients(req.Target, msg, req.Participants)
	if err := snd.UpdateDraft(sctx, draftID, body, recipients); err != nil {
		log.Warn().Err(err).Str("draft_id", draftID).Msg("provider draft left unsent")
		base.Kind, base.Err, base.Retryable = KindUpdateFailed, err, !providers.IsPermanent(err)
		return base
	}

	sent, err := snd.SendDraft(sctx, draftID)
	if err != nil {
		base.Err = err
		if unconfirmed(sctx, err) {
			log.Error().Err(err).Str("draft_id", draftID).Msg("send outcome unknown, not retrying")
			base.Kind = KindSendUnconfirmed
			return base
		}
		base.Kind, base.Retryable = KindSendFailed, !providers.IsPermanent(err)
		return base
	}

	base.Kind = KindSent
	base.ProviderMessageID = sent.ID
	if base.ProviderMessageID == "" {
		base.ProviderMessageID = draftID
	}
	threadID := target.ThreadID
	if sent.ThreadID != "" {
		threadID = sent.ThreadID
	}
	base.ProviderThreadID = threadID

	outbound := r.outbound(req.Target, msg, body, recipients, base.ProviderMessageID, threadID, sent.InternetMessageID)
	base.OutboundMessageID, base.PersistErr = r.persist(ctx, req, msg, outbound)
	if base.PersistErr != nil {
		log.Error().Err(base.PersistErr).Str("provider_message_id", base.ProviderMessageID).Msg("reply sent but not recorded")
	}
	log.Info().Str("provider_message_id", base.ProviderMessageID).Msg("threaded reply sent")
	return base
}

func (r *Resolver) compose(ctx context.Context, req Request, msg *model.Message, body string) Outcome {
	snd, out, ok := r.sender(req.Target)
	if !ok {
		return out
	}
	base := Outcome{Provider: req.Target}
	recipients := r.recipients(req.Target, msg, req.Participants)
	if len(recipients.To) == 0 {
		base.Kind, base.Err = KindInvalidRequest, errors.New("original message has no sender to reply to")
		return base
	}

	refs := model.AppendReference(msg.References, msg.InternetMessageID)
	outgoing := providers.Outgoing{
		To:         recipients.To,
		Cc:         recipients.Cc,
		Bcc:        recipients.Bcc,
		Subject:    model.ReplySubject(msg.Subject),
		Body:       body,
		InReplyTo:  msg.InternetMessageID,
		References: refs,
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()
	sent, err := snd.SendNew(sctx, outgoing)
	if err != nil {
		base.Err = err
		if unconfirmed(sctx, err) {
			base.Kind = KindSendUnconfirmed
			return base
		}
		base.Kind, base.Retryable = KindSendFailed, !providers.IsPermanent(err)
		return base
	}

	base.Kind = KindSent
	base.ProviderMessageID = sent.ID
	base.ProviderThreadID = sent.ThreadID
	if base.ProviderThreadID == "" {
		base.ProviderThreadID = sent.ID
	}
	outbound := r.outbound(req.Target, msg, body, recipients, sent.ID, base.ProviderThreadID, sent.InternetMessageID)
	if outbound.ProviderMessageID != "" {
		base.OutboundMessageID, base.PersistErr = r.persist(ctx, req, msg, outbound)
	} else {
		base.PersistErr = errors.New("provider returned no message id")
	}
	if base.PersistErr != nil {
		r.log.Error().Err(base.PersistErr).Int64("message_id", msg.ID).Msg("fresh reply sent but not recorded")
	}
	r.log.Info().Int64("message_id", msg.ID).Str("target", req.Target.String()).Msg("fresh reply sent")
	return base
}

// outbound builds the stored row for a sent reply. Its references carry
// the original chain followed by the replied-to message.
func (r *Resolver) outbound(p model.Provider, orig *model.Message, body string, to model.Participants, providerMessageID, providerThreadID, internetMessageID string) *model.Message {
	now := r.opts.Now().UTC()
	return &model.Message{
		Provider:          p,
		ProviderMessageID: providerMessageID,
		ProviderThreadID:  providerThreadID,
		Direction:         model.DirectionOutbound,
		Status:            model.StatusSent,
		FromEmail:         r.opts.Addresses[p],
		To:                to.To,
		Cc:                to.Cc,
		Bcc:               to.Bcc,
		Subject:           model.ReplySubject(orig.Subject),
		BodyText:          body,
		ReceivedAt:        now,
		ImportedAt:        now,
		InternetMessageID: model.NormalizeMessageID(internetMessageID),
		References:        model.AppendReference(orig.References, orig.InternetMessageID),
	}
}

// persist records a sent reply. It runs even when ctx has ended, since the
// provider already accepted the message.
func (r *Resolver) persist(ctx context.Context, req Request, orig, out *model.Message) (int64, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
	defer cancel()

	err := r.store.InTx(sctx, func(tx store.Store) error {
		threadID, err := tx.UpsertThread(sctx, &model.Thread{
			Provider:         out.Provider,
			ProviderThreadID: out.ProviderThreadID,
			SubjectLast:      out.Subject,
			UpdatedAt:        out.ReceivedAt,
		})
		if err != nil {
			return err
		}
		out.ThreadID = threadID
		if _, err := tx.InsertMessage(sctx, out); err != nil {
			return err
		}
		if err := tx.UpdateMessageStatus(sctx, orig.ID, model.StatusReplied); err != nil {
			return err
		}
		if req.DraftID != 0 {
			if err := tx.DeleteDraft(sctx, req.DraftID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recording reply to message %d: %w", orig.ID, err)
	}
	return out.ID, nil
}

// newest returns the most recently received match
func newest(found []providers.Remote) providers.Remote {
	sorted := make([]providers.Remote, len(found))
	copy(sorted, found)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt)
	})
	return sorted[0]
}

// unconfirmed reports whether a send error leaves the delivery unknown
func unconfirmed(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
