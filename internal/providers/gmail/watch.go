package gmail

import (
	"context"
	"errors"
	"strconv"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/providers"
)

// Watch (re)subscribes the mailbox to push notifications on the configured
// Pub/Sub topic. Gmail watches expire after at most seven days.
func (a *Adapter) Watch(ctx context.Context) (*providers.WatchResult, error) {
	if a.cfg.Topic == "" {
		return nil, providers.Wrap(model.ProviderGmail, "watch", providers.Permanent, errors.New("no Pub/Sub topic configured"))
	}
	resp, err := a.svc.Users.Watch(a.cfg.User, &gmail.WatchRequest{
		TopicName:           a.cfg.Topic,
		LabelIds:            a.cfg.LabelIDs,
		LabelFilterBehavior: "include",
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch", err)
	}

	res := &providers.WatchResult{Expiry: time.UnixMilli(resp.Expiration).UTC()}
	if resp.HistoryId != 0 {
		res.Cursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	return res, nil
}

