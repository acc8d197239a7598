package types

import "time"

// The different types of payloads transferred from the client to here.

// AuthPayload binds a connection to a directory identity.
type AuthPayload struct {
	Token    string `json:"token" mapstructure:"token"`
	Provider string `json:"provider" mapstructure:"provider"`
	Language string `json:"language" mapstructure:"language"`
}

type JoinPayload struct {
	Room string `json:"room" mapstructure:"room"`
}

type LeavePayload struct {
	Room string `json:"room" mapstructure:"room"`
}

// SendPayload is a message submission. TempId is the client-generated
// idempotency key used to collapse retries.
type SendPayload struct {
	TempId     string `json:"temp_id" mapstructure:"temp_id"`
	Room       string `json:"room" mapstructure:"room"`
	Content    string `json:"content" mapstructure:"content"`
	Attachment string `json:"attachment" mapstructure:"attachment"`
	Filter     string `json:"filter" mapstructure:"filter"` // target filter expression, optional
}

type ReactPayload struct {
	MessageId string `json:"message_id" mapstructure:"message_id"`
	Kind      string `json:"kind" mapstructure:"kind"`
}

type MarkReadPayload struct {
	MessageId string `json:"message_id" mapstructure:"message_id"`
}

type TypingPayload struct {
	Room string `json:"room" mapstructure:"room"`
}

// Outgoing payloads.

type PresenceEntry struct {
	UserId string `json:"user_id"`
	Nick   string `json:"nick"`
}

type PresenceUpdate struct {
	Room  string          `json:"room"`
	Count int             `json:"count"`
	Users []PresenceEntry `json:"users"`
}

type Rejection struct {
	TempId    string `json:"temp_id,omitempty"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

type DuplicateAck struct {
	TempId string `json:"temp_id"`
}

type ReactionUpdate struct {
	MessageId string        `json:"message_id"`
	Room      string        `json:"room"`
	Action    string        `json:"action"` // "added" or "removed"
	Reactions JSONStringMap `json:"reactions"`
}

type ReadReceipt struct {
	MessageId string `json:"message_id"`
	Room      string `json:"room"`
	Reader    string `json:"reader"`
}

type UnreadUpdate struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type TypingUpdate struct {
	Room   string `json:"room"`
	UserId string `json:"user_id"`
	Nick   string `json:"nick"`
	Active bool   `json:"active"`
}

type JoinHint struct {
	Room string `json:"room"`
}

// Notification is a room-independent event delivered on the per-user channel.
type Notification struct {
	Kind      string    `json:"kind"`
	Room      string    `json:"room,omitempty"`
	MessageId string    `json:"message_id,omitempty"`
	ActorId   string    `json:"actor_id,omitempty"`
	Nick      string    `json:"nick,omitempty"`
	Created   time.Time `json:"created"`
}
