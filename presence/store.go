package presence

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sparksocial/spark-rtm/types"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotBound          = errors.New("connection is not bound to a user")
	ErrAlreadyBound      = errors.New("connection is already bound to a different user")
)

// JoinResult describes the effect of a Join call. A room switch affects two
// rooms; the caller must publish one presence update per affected room.
type JoinResult struct {
	Room          string
	AlreadyJoined bool   // re-join of the same room from the same connection, no-op
	UserJoined    bool   // the user is newly present in Room (first joined connection)
	SwitchedFrom  string // previous active room of this connection, "" if none
	SwitchedLeft  bool   // the user vacated SwitchedFrom (no other joined connection)
}

// UnbindResult describes the cleanup cascade of a connection teardown.
type UnbindResult struct {
	UserId    string
	Nick      string
	Offline   bool     // this was the user's last live connection
	RoomsLeft []string // rooms the user actually vacated
}

// Store tracks live connections, their user bindings and per-room presence.
// It is the source of truth for "is this user online at all" and for the
// presence set broadcasts are addressed to.
//
// The shipped implementation is process-local; the interface exists so a
// shared-state backend can be substituted at construction without changing
// call sites.
type Store interface {
	// Register records a new transport connection, not yet bound to a user.
	Register(connId uuid.UUID)
	// Bind attaches a directory identity to a connection. Binding the same
	// user again is a no-op; binding a different user is an error.
	Bind(connId uuid.UUID, user *types.User) error
	// Unbind tears down a connection. It is idempotent: unknown or already
	// removed connections yield a zero UnbindResult.
	Unbind(connId uuid.UUID) UnbindResult
	// Join makes the connection's user present in roomId. If the connection
	// was active in another room, that room is implicitly left first.
	Join(roomId string, connId uuid.UUID) (JoinResult, error)
	// AutoJoin adds room membership without switching the connection's
	// active room. Used by the arbiter-driven server-side join.
	AutoJoin(roomId string, connId uuid.UUID) (JoinResult, error)
	// Leave removes the connection from roomId. It reports whether the user
	// vacated the room.
	Leave(roomId string, connId uuid.UUID) (bool, error)

	OnlineCount(roomId string) int
	OnlineUsers(roomId string) []types.PresenceEntry
	InRoom(roomId, userId string) bool
	IsOnline(userId string) bool
	ConnectionsOf(userId string) []uuid.UUID
	UserOf(connId uuid.UUID) (*types.User, bool)

	// Touch records connection activity for the liveness sweep.
	Touch(connId uuid.UUID)
	// Stale returns the connections with no recorded activity within grace.
	Stale(grace time.Duration) []uuid.UUID
}
