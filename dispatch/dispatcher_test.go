package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/sparksocial/spark-rtm/idempotency"
	"github.com/sparksocial/spark-rtm/notify"
	"github.com/sparksocial/spark-rtm/persistence"
	"github.com/sparksocial/spark-rtm/presence"
	"github.com/sparksocial/spark-rtm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roomBroadcast struct {
	roomId  string
	event   string
	payload interface{}
	opts    BroadcastOpts
}

type captureRoomSender struct {
	mu     sync.Mutex
	bcasts []roomBroadcast
}

func (c *captureRoomSender) ToRoom(room *types.Room, event string, payload interface{}, opts BroadcastOpts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bcasts = append(c.bcasts, roomBroadcast{roomId: room.Id, event: event, payload: payload, opts: opts})
}

func (c *captureRoomSender) byEvent(event string) []roomBroadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]roomBroadcast, 0)
	for _, b := range c.bcasts {
		if b.event == event {
			res = append(res, b)
		}
	}
	return res
}

type userDelivery struct {
	userId string
	data   []byte
}

type captureUserSender struct {
	mu         sync.Mutex
	deliveries []userDelivery
}

func (c *captureUserSender) SendToUser(userId string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, userDelivery{userId: userId, data: data})
}

func (c *captureUserSender) forUser(userId string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]string, 0)
	for _, d := range c.deliveries {
		if d.userId == userId {
			res = append(res, string(d.data))
		}
	}
	return res
}

// failingPersister lets single operations be forced to fail.
type failingPersister struct {
	persistence.Persister
	failStore bool
}

func (f *failingPersister) StoreMessage(msg types.Message) error {
	if f.failStore {
		return errors.New("store unavailable")
	}
	return f.Persister.StoreMessage(msg)
}

type fixture struct {
	dispatcher *Dispatcher
	store      *presence.InMemoryStore
	persister  *failingPersister
	rooms      *captureRoomSender
	users      *captureUserSender
	dedup      *idempotency.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := hclog.NewNullLogger()
	store := presence.NewInMemoryStore(logger)
	persister := &failingPersister{Persister: persistence.NewMemoryPersister()}
	dedup, err := idempotency.NewCache(128, time.Minute)
	require.NoError(t, err)
	users := &captureUserSender{}
	fanout, err := notify.NewFanout(users, 128, logger)
	require.NoError(t, err)
	rooms := &captureRoomSender{}
	return &fixture{
		dispatcher: NewDispatcher(store, persister, dedup, fanout, rooms, logger),
		store:      store,
		persister:  persister,
		rooms:      rooms,
		users:      users,
		dedup:      dedup,
	}
}

func (f *fixture) addRoom(t *testing.T, room types.Room) {
	t.Helper()
	require.NoError(t, f.persister.StoreRoom(room))
}

func (f *fixture) connect(t *testing.T, userId string) uuid.UUID {
	t.Helper()
	connId := uuid.New()
	f.store.Register(connId)
	require.NoError(t, f.store.Bind(connId, &types.User{Id: userId, Nick: userId}))
	return connId
}

var alice = &types.User{Id: "alice", Nick: "Alice"}

func TestSubmitPersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)
	require.NotNil(t, res.Message)
	assert.NotEmpty(t, res.Message.Id)

	stored := types.Message{Id: res.Message.Id}
	require.NoError(t, f.persister.GetMessage(&stored))
	assert.Equal(t, "hi", stored.Content)

	delivered := f.rooms.byEvent(types.WireEventDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, "lobby", delivered[0].roomId)
	broadcastMsg := delivered[0].payload.(types.Message)
	assert.Equal(t, res.Message.Id, broadcastMsg.Id)
}

func TestSubmitDuplicate(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})

	first := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	require.Equal(t, StatusPersisted, first.Status)

	second := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Len(t, f.rooms.byEvent(types.WireEventDelivered), 1)
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})

	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := make(map[SubmitStatus]int)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
			mu.Lock()
			statuses[res.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[StatusPersisted])
	assert.Equal(t, 15, statuses[StatusDuplicate])
	assert.Len(t, f.rooms.byEvent(types.WireEventDelivered), 1)
}

func TestSubmitValidationReleasesToken(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby"})
	require.Equal(t, StatusRejected, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindValidation, res.Err.Kind)
	assert.False(t, res.Err.Retryable())
	assert.Empty(t, f.rooms.byEvent(types.WireEventDelivered))

	// the corrected retry with the same temp id goes through immediately
	res = f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	assert.Equal(t, StatusPersisted, res.Status)
}

func TestSubmitAttachmentOnlyIsValid(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Attachment: "media:abc123"})
	assert.Equal(t, StatusPersisted, res.Status)
}

func TestSubmitUnknownRoom(t *testing.T) {
	f := newFixture(t)

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "nope", Content: "hi"})
	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, KindValidation, res.Err.Kind)
}

func TestSubmitMissingTempId(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})

	res := f.dispatcher.Submit(alice, types.SendPayload{Room: "lobby", Content: "hi"})
	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, KindValidation, res.Err.Kind)
}

func TestSubmitNonParticipant(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "dm1", Type: types.RoomTypeDirect, Participants: types.JSONStringSlice{"bob", "carol"}})

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "dm1", Content: "hi"})
	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, KindAuthorization, res.Err.Kind)
}

func TestSubmitPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})
	f.persister.failStore = true

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, KindPersistence, res.Err.Kind)
	assert.True(t, res.Err.Retryable())
	// nothing may be broadcast for a message that does not exist in storage
	assert.Empty(t, f.rooms.byEvent(types.WireEventDelivered))

	// the retry after the store recovers is not blocked by the dedup TTL
	f.persister.failStore = false
	res = f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	assert.Equal(t, StatusPersisted, res.Status)
}

func TestAutoJoinHintForConnectedPeer(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "dm1", Type: types.RoomTypeDirect, Participants: types.JSONStringSlice{"alice", "bob"}})
	f.connect(t, "bob") // online, but not joined to dm1

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "dm1", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)

	payloads := f.users.forUser("bob")
	require.NotEmpty(t, payloads)
	joined := 0
	delivered := 0
	for _, p := range payloads {
		if containsEvent(p, types.WireEventJoinHint) {
			joined++
		}
		if containsEvent(p, types.WireEventDelivered) {
			delivered++
			assert.Contains(t, p, res.Message.Id)
		}
	}
	assert.Equal(t, 1, joined)
	assert.Equal(t, 1, delivered)

	// the peer was joined server-side, later messages reach them via the room
	assert.True(t, f.store.InRoom("dm1", "bob"))
	updates := f.rooms.byEvent(types.WireEventPresenceUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0].payload.(types.PresenceUpdate).Count)
}

func TestNoAutoJoinForJoinedPeer(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "dm1", Type: types.RoomTypeDirect, Participants: types.JSONStringSlice{"alice", "bob"}})
	connId := f.connect(t, "bob")
	_, err := f.store.Join("dm1", connId)
	require.NoError(t, err)

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "dm1", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)

	for _, p := range f.users.forUser("bob") {
		assert.False(t, containsEvent(p, types.WireEventJoinHint))
		assert.False(t, containsEvent(p, types.WireEventDelivered))
	}
}

func TestNoAutoJoinForOfflinePeer(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "dm1", Type: types.RoomTypeDirect, Participants: types.JSONStringSlice{"alice", "bob"}})

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "dm1", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)
	assert.Empty(t, f.users.forUser("bob"))
}

func TestUnreadRecomputeAfterSubmit(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "dm1", Type: types.RoomTypeDirect, Participants: types.JSONStringSlice{"alice", "bob"}})
	connId := f.connect(t, "bob")
	_, err := f.store.Join("dm1", connId)
	require.NoError(t, err)

	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "dm1", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)

	require.Eventually(t, func() bool {
		for _, p := range f.users.forUser("bob") {
			if containsEvent(p, types.WireEventUnreadUpdated) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestToggleReaction(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})
	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)
	msgId := res.Message.Id
	bob := &types.User{Id: "bob", Nick: "Bob"}

	update, derr := f.dispatcher.ToggleReaction(bob, types.ReactPayload{MessageId: msgId, Kind: "heart"})
	require.Nil(t, derr)
	assert.Equal(t, "added", update.Action)
	assert.Equal(t, "heart", update.Reactions["bob"])

	// same kind again toggles the reaction off
	update, derr = f.dispatcher.ToggleReaction(bob, types.ReactPayload{MessageId: msgId, Kind: "heart"})
	require.Nil(t, derr)
	assert.Equal(t, "removed", update.Action)
	assert.NotContains(t, update.Reactions, "bob")

	// a different kind replaces, never duplicates
	_, derr = f.dispatcher.ToggleReaction(bob, types.ReactPayload{MessageId: msgId, Kind: "heart"})
	require.Nil(t, derr)
	update, derr = f.dispatcher.ToggleReaction(bob, types.ReactPayload{MessageId: msgId, Kind: "star"})
	require.Nil(t, derr)
	assert.Equal(t, "added", update.Action)
	require.Len(t, update.Reactions, 1)
	assert.Equal(t, "star", update.Reactions["bob"])

	stored := types.Message{Id: msgId}
	require.NoError(t, f.persister.GetMessage(&stored))
	assert.Equal(t, "star", stored.Reactions["bob"])

	assert.Len(t, f.rooms.byEvent(types.WireEventReactionUpdated), 4)
}

func TestToggleReactionConcurrent(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})
	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "lobby", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)

	// every accepted toggle must survive concurrent toggles by other users
	const reactors = 16
	var wg sync.WaitGroup
	for i := 0; i < reactors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reactor := &types.User{Id: fmt.Sprintf("user-%02d", i)}
			update, derr := f.dispatcher.ToggleReaction(reactor, types.ReactPayload{MessageId: res.Message.Id, Kind: "heart"})
			if assert.Nil(t, derr) {
				assert.Equal(t, "added", update.Action)
			}
		}(i)
	}
	wg.Wait()

	stored := types.Message{Id: res.Message.Id}
	require.NoError(t, f.persister.GetMessage(&stored))
	require.Len(t, stored.Reactions, reactors)
	for i := 0; i < reactors; i++ {
		assert.Equal(t, "heart", stored.Reactions[fmt.Sprintf("user-%02d", i)])
	}
}

func TestToggleReactionUnknownMessage(t *testing.T) {
	f := newFixture(t)
	_, derr := f.dispatcher.ToggleReaction(alice, types.ReactPayload{MessageId: "nope", Kind: "heart"})
	require.NotNil(t, derr)
	assert.Equal(t, KindValidation, derr.Kind)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "dm1", Type: types.RoomTypeDirect, Participants: types.JSONStringSlice{"alice", "bob"}})
	res := f.dispatcher.Submit(alice, types.SendPayload{TempId: "t1", Room: "dm1", Content: "hi"})
	require.Equal(t, StatusPersisted, res.Status)
	bob := &types.User{Id: "bob", Nick: "Bob"}

	update, derr := f.dispatcher.MarkRead(bob, types.MarkReadPayload{MessageId: res.Message.Id})
	require.Nil(t, derr)
	assert.Equal(t, "dm1", update.Room)
	assert.Equal(t, 0, update.Count)

	receipts := f.rooms.byEvent(types.WireEventReadReceipt)
	require.Len(t, receipts, 1)
	receipt := receipts[0].payload.(types.ReadReceipt)
	assert.Equal(t, "bob", receipt.Reader)

	// marking again is idempotent
	_, derr = f.dispatcher.MarkRead(bob, types.MarkReadPayload{MessageId: res.Message.Id})
	require.Nil(t, derr)
	stored := types.Message{Id: res.Message.Id}
	require.NoError(t, f.persister.GetMessage(&stored))
	assert.Equal(t, types.JSONStringSlice{"bob"}, stored.ReadBy)
}

func TestTypingExcludesTypist(t *testing.T) {
	f := newFixture(t)
	f.addRoom(t, types.Room{Id: "lobby", Type: types.RoomTypePublic})

	f.dispatcher.Typing(alice, "lobby", true)
	f.dispatcher.Typing(alice, "lobby", false)

	typing := f.rooms.byEvent(types.WireEventTyping)
	require.Len(t, typing, 2)
	assert.Equal(t, "alice", typing[0].opts.ExcludeUser)
	assert.True(t, typing[0].payload.(types.TypingUpdate).Active)
	assert.False(t, typing[1].payload.(types.TypingUpdate).Active)

	// typing in an unknown room is silently dropped
	f.dispatcher.Typing(alice, "nope", true)
	assert.Len(t, f.rooms.byEvent(types.WireEventTyping), 2)
}

func containsEvent(payload, event string) bool {
	return strings.Contains(payload, `"event":"`+event+`"`)
}
