package ws

import (
	"context"
	"encoding/json"

	"github.com/mitchellh/mapstructure"
	"github.com/sparksocial/spark-rtm/auth"
	"github.com/sparksocial/spark-rtm/dispatch"
	"github.com/sparksocial/spark-rtm/persistence"
	"github.com/sparksocial/spark-rtm/ratelimit"
	"github.com/sparksocial/spark-rtm/types"
)

// handleEvent routes one inbound envelope. It runs on the read loop, so at
// most one event per connection is in flight and the per-connection state
// (binding, active room) never races with itself.
func (c *Client) handleEvent(message *types.WebsocketMessage) {
	switch message.Event {
	case types.WireEventAuth:
		c.handleAuth(message.Data)
		return
	}

	user, ok := c.hub.Store.UserOf(c.connId)
	if !ok {
		c.reject("unauthorized", false)
		return
	}

	switch message.Event {
	case types.WireEventJoin:
		c.handleJoin(user, message.Data)

	case types.WireEventLeave:
		c.handleLeave(user, message.Data)

	case types.WireEventSend:
		c.handleSend(user, message.Data)

	case types.WireEventReact:
		c.handleReact(user, message.Data)

	case types.WireEventMarkRead:
		c.handleMarkRead(user, message.Data)

	case types.WireEventTypingStart:
		c.handleTyping(user, message.Data, true)

	case types.WireEventTypingStop:
		c.handleTyping(user, message.Data, false)

	default:
		c.hub.logger.Debug("unknown event", "event", message.Event, "conn", c.connId)
		c.reject("unknown event", false)
	}
}

func (c *Client) reject(reason string, retryable bool) {
	c.reply(types.WireEventRejected, types.Rejection{Reason: reason, Retryable: retryable})
}

func decode(raw json.RawMessage, out interface{}) error {
	payloadMap := make(map[string]interface{})
	if err := json.Unmarshal(raw, &payloadMap); err != nil {
		return err
	}
	return mapstructure.WeakDecode(payloadMap, out)
}

func (c *Client) handleAuth(raw json.RawMessage) {
	if !c.hub.Limiter.Admit(c.connId, ratelimit.KindAuth) {
		c.reject("rate-limited", true)
		return
	}
	p := types.AuthPayload{}
	if err := decode(raw, &p); err != nil {
		c.hub.logger.Warn("could not decode auth payload", "conn", c.connId, "error", err)
		c.reject("malformed auth payload", false)
		return
	}

	var user *types.User
	if p.Token == "" {
		user = auth.NewGuest()
	} else {
		var err error
		user, err = c.hub.Directory.VerifyCredential(context.Background(), p.Token, p.Provider, p.Language)
		if err != nil {
			c.hub.logger.Info("credential rejected", "conn", c.connId, "provider", p.Provider, "error", err)
			c.reject("unauthorized", false)
			return
		}
	}

	if err := c.hub.Store.Bind(c.connId, user); err != nil {
		c.hub.logger.Warn("could not bind connection", "conn", c.connId, "user", user.Id, "error", err)
		c.reject("unauthorized", false)
		return
	}
	c.hub.Lock()
	c.user = user
	c.Language = user.Language
	c.hub.Unlock()
	if !user.Guest {
		c.hub.Directory.SetOnline(user.Id, true)
	}
	c.hub.logger.Info("client authenticated", "conn", c.connId, "user", user.Id, "guest", user.Guest)
	c.reply(types.WireEventAuthOk, user)
}

func (c *Client) handleJoin(user *types.User, raw json.RawMessage) {
	// a room switch is a frequent UI action, a cold join is not
	kind := ratelimit.KindJoin
	if c.room != "" {
		kind = ratelimit.KindSwitch
	}
	if !c.hub.Limiter.Admit(c.connId, kind) {
		c.reject("rate-limited", true)
		return
	}
	p := types.JoinPayload{}
	if err := decode(raw, &p); err != nil || p.Room == "" {
		c.reject("malformed join payload", false)
		return
	}

	room := types.Room{Id: p.Room}
	if err := c.hub.Persister.GetRoom(&room); err != nil {
		if err == persistence.ErrNotFound {
			c.reject("unknown room", false)
		} else {
			c.hub.logger.Error("could not load room", "room", p.Room, "error", err)
			c.reject("persistence-failure", true)
		}
		return
	}
	if !room.Open() && !room.HasParticipant(user.Id) {
		c.reject("forbidden", false)
		return
	}
	if user.Guest && !room.Open() {
		c.reject("unauthorized", false)
		return
	}

	res, err := c.hub.Store.Join(room.Id, c.connId)
	if err != nil {
		c.hub.logger.Error("could not join room", "room", room.Id, "conn", c.connId, "error", err)
		c.reject("unauthorized", false)
		return
	}
	c.room = res.Room
	if res.AlreadyJoined {
		return
	}
	if res.SwitchedLeft {
		c.hub.PublishPresence(res.SwitchedFrom)
	}
	c.hub.PublishPresence(room.Id)
	c.SendHistory(room.Id)
}

func (c *Client) handleLeave(user *types.User, raw json.RawMessage) {
	if !c.hub.Limiter.Admit(c.connId, ratelimit.KindLeave) {
		c.reject("rate-limited", true)
		return
	}
	p := types.LeavePayload{}
	if err := decode(raw, &p); err != nil || p.Room == "" {
		c.reject("malformed leave payload", false)
		return
	}
	left, err := c.hub.Store.Leave(p.Room, c.connId)
	if err != nil {
		c.hub.logger.Warn("could not leave room", "room", p.Room, "conn", c.connId, "error", err)
		return
	}
	if c.room == p.Room {
		c.room = ""
	}
	if left {
		c.hub.PublishPresence(p.Room)
	}
}

func (c *Client) handleSend(user *types.User, raw json.RawMessage) {
	p := types.SendPayload{}
	if err := decode(raw, &p); err != nil {
		c.reject("malformed send payload", false)
		return
	}
	if !c.hub.Limiter.Admit(c.connId, ratelimit.KindSend) {
		c.reply(types.WireEventRejected, types.Rejection{TempId: p.TempId, Reason: "rate-limited", Retryable: true})
		return
	}

	res := c.hub.Dispatcher.Submit(user, p)
	switch res.Status {
	case dispatch.StatusDuplicate:
		c.reply(types.WireEventDuplicate, types.DuplicateAck{TempId: p.TempId})

	case dispatch.StatusRejected:
		c.reply(types.WireEventRejected, types.Rejection{
			TempId:    p.TempId,
			Reason:    res.Err.Kind.String(),
			Retryable: res.Err.Retryable(),
		})

	case dispatch.StatusPersisted:
		// the sender receives the message via the room broadcast; a sender
		// not present in the room still needs their own copy back
		if !c.hub.Store.InRoom(res.Message.RoomId, user.Id) {
			c.reply(types.WireEventDelivered, res.Message)
		}
	}
}

func (c *Client) handleReact(user *types.User, raw json.RawMessage) {
	if !c.hub.Limiter.Admit(c.connId, ratelimit.KindReact) {
		c.reject("rate-limited", true)
		return
	}
	p := types.ReactPayload{}
	if err := decode(raw, &p); err != nil {
		c.reject("malformed react payload", false)
		return
	}
	if _, derr := c.hub.Dispatcher.ToggleReaction(user, p); derr != nil {
		c.reject(derr.Kind.String(), derr.Retryable())
	}
}

func (c *Client) handleMarkRead(user *types.User, raw json.RawMessage) {
	if !c.hub.Limiter.Admit(c.connId, ratelimit.KindMarkRead) {
		c.reject("rate-limited", true)
		return
	}
	p := types.MarkReadPayload{}
	if err := decode(raw, &p); err != nil {
		c.reject("malformed mark-read payload", false)
		return
	}
	if _, derr := c.hub.Dispatcher.MarkRead(user, p); derr != nil {
		c.reject(derr.Kind.String(), derr.Retryable())
	}
}

func (c *Client) handleTyping(user *types.User, raw json.RawMessage, active bool) {
	// typing indicators are fire-and-forget, over-threshold ones are dropped
	if !c.hub.Limiter.Admit(c.connId, ratelimit.KindTyping) {
		return
	}
	p := types.TypingPayload{}
	if err := decode(raw, &p); err != nil || p.Room == "" {
		return
	}
	c.hub.Dispatcher.Typing(user, p.Room, active)
}
