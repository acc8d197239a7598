package persistence

import (
	"errors"
	"fmt"

	"github.com/sparksocial/spark-rtm/config"
	"github.com/sparksocial/spark-rtm/types"
)

// ErrNotFound is returned for lookups of ids the store has never seen.
var ErrNotFound = errors.New("not found")

// Persister is the durable collaborator of the coordination core: the message
// store plus the room directory plus the durable side of user presence.
type Persister interface {
	StoreMessage(msg types.Message) error
	GetMessage(msg *types.Message) error
	// GetMessageHistory returns the most recent messages of a room in
	// chronological order, at most limit entries.
	GetMessageHistory(roomId string, limit int) ([]types.Message, error)
	// ToggleReaction atomically flips the (userId, kind) reaction entry of a
	// message inside the backend's write transaction, so two concurrent
	// toggles can never erase each other. Returns the action taken ("added"
	// or "removed") and the resulting aggregate.
	ToggleReaction(messageId, userId, kind string) (string, types.JSONStringMap, error)
	AppendReadBy(messageId, userId string) error
	// CountUnread counts the messages in a room not sent by userId and not
	// yet marked read by userId.
	CountUnread(roomId, userId string) (int, error)

	StoreRoom(room types.Room) error
	GetRoom(room *types.Room) error
	GetRooms() ([]*types.Room, error)
	DeleteRoom(room *types.Room) error
	AddParticipant(roomId, userId string) error

	StoreUser(user types.User) error
	GetUser(user *types.User) error
	GetUsers() ([]*types.User, error)
	SetOnline(userId string, online bool) error

	Close() error
}

// NewPersister builds the configured backend: "sqlite" or "postgres" via
// gorm, "buntdb" for the embedded file store, "" or "memory" for the
// process-local store.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	case "", "memory":
		return NewMemoryPersister(), nil
	}
	return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
}
