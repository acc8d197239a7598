package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Message is a chat message as the coordination core reasons about it.
// Reactions holds at most one entry per user (userId -> reaction kind),
// which is what gives reactions their toggle semantics. ReadBy is the set of
// users that marked the message read.
type Message struct {
	Id         string          `json:"id" gorm:"primaryKey" hash:"ignore"`
	RoomId     string          `json:"room_id" gorm:"index"`
	SenderId   string          `json:"sender_id" gorm:"index"`
	Nick       string          `json:"nick"`
	Content    string          `json:"content"`
	Attachment string          `json:"attachment"` // opaque media descriptor, empty if text-only
	Timestamp  time.Time       `json:"timestamp"`
	Reactions  JSONStringMap   `json:"reactions" hash:"ignore"`
	ReadBy     JSONStringSlice `json:"read_by" hash:"ignore"`
}

// CreateId derives the message id from (room, sender, content, attachment,
// timestamp). Both delivery paths of a message (room broadcast and per-user
// speculative delivery) carry the same id, so clients can collapse duplicates.
func (m *Message) CreateId() error {
	hash, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = fmt.Sprintf("%016x", hash)
	return nil
}

// HasContent reports whether the message carries anything worth persisting.
func (m *Message) HasContent() bool {
	return m.Content != "" || m.Attachment != ""
}

// ToggleReaction flips the (userId, kind) reaction entry: an identical entry
// is removed, any other entry of the user is replaced. The map is copied so
// previously returned aggregates stay immutable. Returns "added" or
// "removed". Callers must serialize per message, the persistence backends do
// this inside their write transactions.
func (m *Message) ToggleReaction(userId, kind string) string {
	reactions := make(JSONStringMap, len(m.Reactions)+1)
	for k, v := range m.Reactions {
		reactions[k] = v
	}
	action := "added"
	if reactions[userId] == kind {
		delete(reactions, userId)
		action = "removed"
	} else {
		reactions[userId] = kind
	}
	m.Reactions = reactions
	return action
}
