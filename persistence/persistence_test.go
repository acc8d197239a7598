package persistence

import (
	"fmt"
	"testing"
	"time"

	"github.com/sparksocial/spark-rtm/config"
	"github.com/sparksocial/spark-rtm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Persister {
	t.Helper()
	bunt, err := NewBuntPersister(&config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { bunt.Close() })
	return map[string]Persister{
		"memory": NewMemoryPersister(),
		"buntdb": bunt,
	}
}

func storeTestMessages(t *testing.T, p Persister, roomId string, n int) []types.Message {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	messages := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := types.Message{
			Id:        fmt.Sprintf("m%02d", i),
			RoomId:    roomId,
			SenderId:  "alice",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, p.StoreMessage(msg))
		messages = append(messages, msg)
	}
	return messages
}

func TestMessageRoundtrip(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			msg := types.Message{Id: "m1", RoomId: "r1", SenderId: "alice", Content: "hi", Timestamp: time.Now()}
			require.NoError(t, p.StoreMessage(msg))

			got := types.Message{Id: "m1"}
			require.NoError(t, p.GetMessage(&got))
			assert.Equal(t, "hi", got.Content)

			missing := types.Message{Id: "nope"}
			assert.Equal(t, ErrNotFound, p.GetMessage(&missing))
		})
	}
}

func TestMessageHistoryOrderAndLimit(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			storeTestMessages(t, p, "r1", 5)
			storeTestMessages(t, p, "other", 2)

			history, err := p.GetMessageHistory("r1", 3)
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, "message 2", history[0].Content)
			assert.Equal(t, "message 4", history[2].Content)
		})
	}
}

func TestReadByAndUnread(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			storeTestMessages(t, p, "r1", 3)

			count, err := p.CountUnread("r1", "bob")
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			// the sender's own messages are never unread for them
			count, err = p.CountUnread("r1", "alice")
			require.NoError(t, err)
			assert.Equal(t, 0, count)

			require.NoError(t, p.AppendReadBy("m00", "bob"))
			require.NoError(t, p.AppendReadBy("m00", "bob")) // idempotent
			count, err = p.CountUnread("r1", "bob")
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			msg := types.Message{Id: "m00"}
			require.NoError(t, p.GetMessage(&msg))
			assert.Equal(t, types.JSONStringSlice{"bob"}, msg.ReadBy)

			assert.Equal(t, ErrNotFound, p.AppendReadBy("nope", "bob"))
		})
	}
}

func TestReactions(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			storeTestMessages(t, p, "r1", 1)

			action, reactions, err := p.ToggleReaction("m00", "bob", "heart")
			require.NoError(t, err)
			assert.Equal(t, "added", action)
			assert.Equal(t, "heart", reactions["bob"])
			msg := types.Message{Id: "m00"}
			require.NoError(t, p.GetMessage(&msg))
			assert.Equal(t, "heart", msg.Reactions["bob"])

			// same kind toggles off, a second user is untouched
			_, _, err = p.ToggleReaction("m00", "carol", "star")
			require.NoError(t, err)
			action, reactions, err = p.ToggleReaction("m00", "bob", "heart")
			require.NoError(t, err)
			assert.Equal(t, "removed", action)
			assert.NotContains(t, reactions, "bob")
			assert.Equal(t, "star", reactions["carol"])

			_, _, err = p.ToggleReaction("nope", "bob", "heart")
			assert.Equal(t, ErrNotFound, err)
		})
	}
}

func TestRoomsAndParticipants(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			room := types.Room{Id: "dm1", Type: types.RoomTypeDirect, Participants: types.JSONStringSlice{"alice"}}
			require.NoError(t, p.StoreRoom(room))

			require.NoError(t, p.AddParticipant("dm1", "bob"))
			require.NoError(t, p.AddParticipant("dm1", "bob")) // idempotent

			got := types.Room{Id: "dm1"}
			require.NoError(t, p.GetRoom(&got))
			assert.ElementsMatch(t, []string{"alice", "bob"}, got.Participants)

			assert.Equal(t, ErrNotFound, p.AddParticipant("nope", "bob"))

			rooms, err := p.GetRooms()
			require.NoError(t, err)
			assert.Len(t, rooms, 1)

			require.NoError(t, p.DeleteRoom(&got))
			assert.Equal(t, ErrNotFound, p.GetRoom(&types.Room{Id: "dm1"}))
		})
	}
}

func TestUserOnlineFlag(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.StoreUser(types.User{Id: "alice", Nick: "Alice"}))

			require.NoError(t, p.SetOnline("alice", true))
			user := types.User{Id: "alice"}
			require.NoError(t, p.GetUser(&user))
			assert.True(t, user.Online)

			require.NoError(t, p.SetOnline("alice", false))
			user = types.User{Id: "alice"}
			require.NoError(t, p.GetUser(&user))
			assert.False(t, user.Online)
			assert.False(t, user.LastOnline.IsZero())

			assert.Equal(t, ErrNotFound, p.SetOnline("nope", true))
		})
	}
}
