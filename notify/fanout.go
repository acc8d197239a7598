package notify

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sparksocial/spark-rtm/types"
)

// UserSender delivers raw payloads to every live connection of a user,
// independent of room membership. Implemented by the ws hub.
type UserSender interface {
	SendToUser(userId string, data []byte)
}

// Fanout is the per-user notification channel. Semantically identical
// notifications (same kind, same message, same recipient) are suppressed
// within a bounded recent-history window so retried internal events do not
// spam a user twice for the same underlying fact.
type Fanout struct {
	sender UserSender
	recent *lru.Cache
	logger hclog.Logger
}

func NewFanout(sender UserSender, windowSize int, logger hclog.Logger) (*Fanout, error) {
	recent, err := lru.New(windowSize)
	if err != nil {
		return nil, err
	}
	return &Fanout{
		sender: sender,
		recent: recent,
		logger: logger.Named("notify"),
	}, nil
}

// Notify delivers a notification to userId. It reports whether the
// notification was delivered (false when deduplicated or unencodable).
func (f *Fanout) Notify(userId string, n types.Notification) bool {
	if n.MessageId != "" {
		key := fmt.Sprintf("%s|%s|%s", n.Kind, n.MessageId, userId)
		// check and mark in one step, concurrent re-triggers of the same
		// fact must not both slip past the window
		if seen, _ := f.recent.ContainsOrAdd(key, struct{}{}); seen {
			f.logger.Debug("suppressing duplicate notification", "kind", n.Kind, "message", n.MessageId, "user", userId)
			return false
		}
	}
	if n.Created.IsZero() {
		n.Created = time.Now()
	}
	data, err := types.Encode(types.WireEventNotification, n)
	if err != nil {
		f.logger.Error("could not encode notification", "error", err)
		return false
	}
	f.sender.SendToUser(userId, data)
	return true
}

// Deliver pushes an arbitrary event onto the per-user channel without the
// dedup window. Used for join hints, speculative message delivery and unread
// counter pushes, where duplicate delivery is part of the contract and
// clients reconcile by message id.
func (f *Fanout) Deliver(userId, event string, payload interface{}) {
	data, err := types.Encode(event, payload)
	if err != nil {
		f.logger.Error("could not encode user event", "event", event, "error", err)
		return
	}
	f.sender.SendToUser(userId, data)
}
