package types

import "encoding/json"

// The event names transferred over the websocket connection, both directions.
const (
	// client -> server
	WireEventAuth        = "auth"
	WireEventJoin        = "join"
	WireEventLeave       = "leave"
	WireEventSend        = "send"
	WireEventReact       = "react"
	WireEventMarkRead    = "mark-read"
	WireEventTypingStart = "typing-start"
	WireEventTypingStop  = "typing-stop"

	// server -> client
	WireEventAuthOk          = "auth-ok"
	WireEventPresenceUpdated = "presence-updated"
	WireEventDelivered       = "delivered"
	WireEventDuplicate       = "duplicate"
	WireEventRejected        = "rejected"
	WireEventReactionUpdated = "reaction-updated"
	WireEventReadReceipt     = "read-receipt"
	WireEventUnreadUpdated   = "unread-updated"
	WireEventTyping          = "typing"
	WireEventHistory         = "history"
	WireEventJoinHint        = "join-hint"
	WireEventNotification    = "notification"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode wraps data in a WebsocketMessage envelope and marshals the result.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: raw})
}
