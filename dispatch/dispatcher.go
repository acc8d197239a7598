package dispatch

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sparksocial/spark-rtm/idempotency"
	"github.com/sparksocial/spark-rtm/notify"
	"github.com/sparksocial/spark-rtm/persistence"
	"github.com/sparksocial/spark-rtm/presence"
	"github.com/sparksocial/spark-rtm/types"
)

// BroadcastOpts qualifies a room broadcast.
type BroadcastOpts struct {
	Source       *types.User // event source, used by target filters
	TargetFilter string      // expr expression selecting recipients, "" for all
	ExcludeUser  string      // user not to deliver to (e.g. the typist)
}

// RoomSender delivers an event to the current presence set of a room.
// Implemented by the ws hub.
type RoomSender interface {
	ToRoom(room *types.Room, event string, payload interface{}, opts BroadcastOpts)
}

// SubmitStatus is the outcome class of a message submission.
type SubmitStatus int

const (
	StatusPersisted SubmitStatus = iota + 1
	StatusDuplicate
	StatusRejected
)

type SubmitResult struct {
	Status  SubmitStatus
	Message *types.Message
	Err     *Error // set iff Status == StatusRejected
}

// Dispatcher coordinates message submission, reactions, read receipts and the
// auto-join reconciliation for direct rooms.
//
// Delivery runs on two independently ordered channels: the room broadcast and
// the per-user channel. The per-user channel may deliver a duplicate of a
// message also delivered via the room broadcast; both copies carry the same
// message id and clients reconcile by id.
type Dispatcher struct {
	store     presence.Store
	persister persistence.Persister
	dedup     *idempotency.Cache
	fanout    *notify.Fanout
	rooms     RoomSender
	logger    hclog.Logger
}

func NewDispatcher(store presence.Store, persister persistence.Persister, dedup *idempotency.Cache, fanout *notify.Fanout, rooms RoomSender, logger hclog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		persister: persister,
		dedup:     dedup,
		fanout:    fanout,
		rooms:     rooms,
		logger:    logger.Named("dispatch"),
	}
}

func rejected(kind Kind, msg string, cause error) SubmitResult {
	return SubmitResult{Status: StatusRejected, Err: newError(kind, msg, cause)}
}

// Submit validates, deduplicates, persists and broadcasts one message
// submission. The idempotency key is reserved before any store I/O, so two
// concurrent submissions with the same key cannot both pass; the reservation
// is released on every failure path so a corrected retry is not blocked for
// the full TTL. The broadcast happens strictly after the persistence commit,
// never before.
func (d *Dispatcher) Submit(sender *types.User, p types.SendPayload) SubmitResult {
	if p.TempId == "" {
		return rejected(KindValidation, "missing temp_id", nil)
	}
	if !d.dedup.Reserve(p.TempId) {
		d.logger.Debug("duplicate submission", "temp_id", p.TempId, "sender", sender.Id)
		return SubmitResult{Status: StatusDuplicate}
	}

	room := types.Room{Id: p.Room}
	if err := d.persister.GetRoom(&room); err != nil {
		d.dedup.Release(p.TempId)
		if err == persistence.ErrNotFound {
			return rejected(KindValidation, "unknown room", nil)
		}
		return rejected(KindPersistence, "could not load room", err)
	}
	if !room.Open() && !room.HasParticipant(sender.Id) {
		d.dedup.Release(p.TempId)
		return rejected(KindAuthorization, "not a room participant", nil)
	}
	if sender.Guest && !room.Open() {
		d.dedup.Release(p.TempId)
		return rejected(KindAuthentication, "guests cannot post here", nil)
	}

	msg := types.Message{
		RoomId:     room.Id,
		SenderId:   sender.Id,
		Nick:       sender.Nick,
		Content:    p.Content,
		Attachment: p.Attachment,
		Timestamp:  time.Now(),
		Reactions:  make(types.JSONStringMap),
		ReadBy:     make(types.JSONStringSlice, 0),
	}
	if !msg.HasContent() {
		d.dedup.Release(p.TempId)
		return rejected(KindValidation, "empty message", nil)
	}
	if err := msg.CreateId(); err != nil {
		d.dedup.Release(p.TempId)
		return rejected(KindValidation, "could not derive message id", err)
	}

	if err := d.persister.StoreMessage(msg); err != nil {
		d.dedup.Release(p.TempId)
		d.logger.Error("could not persist message", "room", room.Id, "error", err)
		return rejected(KindPersistence, "could not persist message", err)
	}

	d.rooms.ToRoom(&room, types.WireEventDelivered, msg, BroadcastOpts{
		Source:       sender,
		TargetFilter: p.Filter,
	})

	if room.Type == types.RoomTypeDirect {
		d.reconcileDirect(&room, sender, msg)
	}

	go d.recomputeUnread(&room, sender.Id)

	return SubmitResult{Status: StatusPersisted, Message: &msg}
}

// reconcileDirect is the auto-join arbiter. When the peer of a direct room is
// connected but not currently in the room's presence set, they would miss the
// room broadcast entirely; their connections are joined server-side and they
// get a join hint plus a speculative copy of the message on their per-user
// channel. The current message was broadcast before the join took effect, so
// the speculative copy is the peer's only copy of it, carrying the same id
// as the room broadcast for clients that race an explicit join.
func (d *Dispatcher) reconcileDirect(room *types.Room, sender *types.User, msg types.Message) {
	peer := room.OtherParticipant(sender.Id)
	if peer == "" {
		return
	}
	if !d.store.IsOnline(peer) || d.store.InRoom(room.Id, peer) {
		return
	}
	d.logger.Debug("direct recipient online but not joined", "room", room.Id, "peer", peer)
	userJoined := false
	for _, connId := range d.store.ConnectionsOf(peer) {
		res, err := d.store.AutoJoin(room.Id, connId)
		if err != nil {
			d.logger.Warn("could not auto-join direct recipient", "room", room.Id, "peer", peer, "error", err)
			continue
		}
		userJoined = userJoined || res.UserJoined
	}
	if userJoined {
		d.rooms.ToRoom(room, types.WireEventPresenceUpdated, types.PresenceUpdate{
			Room:  room.Id,
			Count: d.store.OnlineCount(room.Id),
			Users: d.store.OnlineUsers(room.Id),
		}, BroadcastOpts{})
	}
	d.fanout.Deliver(peer, types.WireEventJoinHint, types.JoinHint{Room: room.Id})
	d.fanout.Deliver(peer, types.WireEventDelivered, msg)
	d.fanout.Notify(peer, types.Notification{
		Kind:      "message",
		Room:      room.Id,
		MessageId: msg.Id,
		ActorId:   sender.Id,
		Nick:      sender.Nick,
	})
}

// recomputeUnread pushes fresh unread counters to every other room
// participant. It runs decoupled from the submission: the sender's response
// and the room broadcast never wait for counter queries.
func (d *Dispatcher) recomputeUnread(room *types.Room, excludeUser string) {
	for _, userId := range room.Participants {
		if userId == excludeUser {
			continue
		}
		if !d.store.IsOnline(userId) {
			continue
		}
		count, err := d.persister.CountUnread(room.Id, userId)
		if err != nil {
			d.logger.Warn("could not count unread", "room", room.Id, "user", userId, "error", err)
			continue
		}
		d.fanout.Deliver(userId, types.WireEventUnreadUpdated, types.UnreadUpdate{Room: room.Id, Count: count})
	}
}

// ToggleReaction flips the (user, kind) reaction on a message. A user has at
// most one reaction per message: reacting with the same kind removes it,
// reacting with a different kind replaces it. The full aggregate is
// re-broadcast so room members reconcile to an absolute state instead of
// applying diffs.
func (d *Dispatcher) ToggleReaction(user *types.User, p types.ReactPayload) (*types.ReactionUpdate, *Error) {
	if p.MessageId == "" || p.Kind == "" {
		return nil, newError(KindValidation, "missing message id or reaction kind", nil)
	}
	msg := types.Message{Id: p.MessageId}
	if err := d.persister.GetMessage(&msg); err != nil {
		if err == persistence.ErrNotFound {
			return nil, newError(KindValidation, "unknown message", nil)
		}
		return nil, newError(KindPersistence, "could not load message", err)
	}

	// the toggle itself happens inside the store's write transaction, so
	// concurrent reactions to the same message cannot erase each other
	action, reactions, err := d.persister.ToggleReaction(msg.Id, user.Id, p.Kind)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, newError(KindValidation, "unknown message", nil)
		}
		return nil, newError(KindPersistence, "could not store reaction", err)
	}

	update := &types.ReactionUpdate{
		MessageId: msg.Id,
		Room:      msg.RoomId,
		Action:    action,
		Reactions: reactions,
	}
	room := types.Room{Id: msg.RoomId}
	if err := d.persister.GetRoom(&room); err != nil {
		d.logger.Warn("could not load room for reaction broadcast", "room", msg.RoomId, "error", err)
	}
	d.rooms.ToRoom(&room, types.WireEventReactionUpdated, update, BroadcastOpts{Source: user})

	if action == "added" && msg.SenderId != user.Id {
		d.fanout.Notify(msg.SenderId, types.Notification{
			Kind:      "reaction",
			Room:      msg.RoomId,
			MessageId: msg.Id,
			ActorId:   user.Id,
			Nick:      user.Nick,
		})
	}
	return update, nil
}

// MarkRead records that user has read the message. The append is idempotent;
// the room receives a read receipt and the reader gets their recomputed
// unread counter for the room. Unread counts are the authoritative read
// signal, not a single boolean.
func (d *Dispatcher) MarkRead(user *types.User, p types.MarkReadPayload) (*types.UnreadUpdate, *Error) {
	if p.MessageId == "" {
		return nil, newError(KindValidation, "missing message id", nil)
	}
	msg := types.Message{Id: p.MessageId}
	if err := d.persister.GetMessage(&msg); err != nil {
		if err == persistence.ErrNotFound {
			return nil, newError(KindValidation, "unknown message", nil)
		}
		return nil, newError(KindPersistence, "could not load message", err)
	}
	if err := d.persister.AppendReadBy(msg.Id, user.Id); err != nil {
		return nil, newError(KindPersistence, "could not store read receipt", err)
	}

	room := types.Room{Id: msg.RoomId}
	if err := d.persister.GetRoom(&room); err != nil {
		d.logger.Warn("could not load room for read receipt", "room", msg.RoomId, "error", err)
	}
	d.rooms.ToRoom(&room, types.WireEventReadReceipt, types.ReadReceipt{
		MessageId: msg.Id,
		Room:      msg.RoomId,
		Reader:    user.Id,
	}, BroadcastOpts{Source: user})

	count, err := d.persister.CountUnread(msg.RoomId, user.Id)
	if err != nil {
		return nil, newError(KindPersistence, "could not count unread", err)
	}
	update := &types.UnreadUpdate{Room: msg.RoomId, Count: count}
	d.fanout.Deliver(user.Id, types.WireEventUnreadUpdated, update)
	return update, nil
}

// Typing relays a typing indicator to the other room members. Nothing is
// persisted.
func (d *Dispatcher) Typing(user *types.User, roomId string, active bool) {
	room := types.Room{Id: roomId}
	if err := d.persister.GetRoom(&room); err != nil {
		return
	}
	d.rooms.ToRoom(&room, types.WireEventTyping, types.TypingUpdate{
		Room:   roomId,
		UserId: user.Id,
		Nick:   user.Nick,
		Active: active,
	}, BroadcastOpts{Source: user, ExcludeUser: user.Id})
}
