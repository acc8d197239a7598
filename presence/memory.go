package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/sparksocial/spark-rtm/types"
)

type connState struct {
	id       uuid.UUID
	user     *types.User
	rooms    map[string]struct{}
	current  string // active room of this connection, at most one
	joinedAt time.Time
	lastSeen time.Time
}

// InMemoryStore is the process-local Store implementation. All maps are
// guarded by a single mutex; every exported call completes its full mutation
// under the lock, so no caller can observe a half-applied transition.
type InMemoryStore struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*connState
	users map[string]map[uuid.UUID]*connState
	rooms map[string]map[string]map[uuid.UUID]struct{}

	logger hclog.Logger
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore(logger hclog.Logger) *InMemoryStore {
	return &InMemoryStore{
		conns:  make(map[uuid.UUID]*connState),
		users:  make(map[string]map[uuid.UUID]*connState),
		rooms:  make(map[string]map[string]map[uuid.UUID]struct{}),
		logger: logger.Named("presence"),
	}
}

func (s *InMemoryStore) Register(connId uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[connId]; ok {
		return
	}
	now := time.Now()
	s.conns[connId] = &connState{
		id:       connId,
		rooms:    make(map[string]struct{}),
		joinedAt: now,
		lastSeen: now,
	}
	s.logger.Debug("connection registered", "conn", connId.String())
}

func (s *InMemoryStore) Bind(connId uuid.UUID, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connId]
	if !ok {
		return ErrUnknownConnection
	}
	if c.user != nil {
		if c.user.Id == user.Id {
			return nil
		}
		return ErrAlreadyBound
	}
	c.user = user
	if s.users[user.Id] == nil {
		s.users[user.Id] = make(map[uuid.UUID]*connState)
	}
	s.users[user.Id][connId] = c
	s.logger.Debug("connection bound", "conn", connId.String(), "user", user.Id)
	return nil
}

func (s *InMemoryStore) Unbind(connId uuid.UUID) UnbindResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connId]
	if !ok {
		// duplicate disconnect, nothing to do
		return UnbindResult{}
	}
	delete(s.conns, connId)

	res := UnbindResult{}
	if c.user == nil {
		return res
	}
	res.UserId = c.user.Id
	res.Nick = c.user.Nick
	for roomId := range c.rooms {
		if s.removeFromRoom(roomId, c.user.Id, connId) {
			res.RoomsLeft = append(res.RoomsLeft, roomId)
		}
	}
	sort.Strings(res.RoomsLeft)
	delete(s.users[c.user.Id], connId)
	if len(s.users[c.user.Id]) == 0 {
		delete(s.users, c.user.Id)
		res.Offline = true
	}
	s.logger.Debug("connection unbound", "conn", connId.String(), "user", res.UserId, "offline", res.Offline)
	return res
}

func (s *InMemoryStore) Join(roomId string, connId uuid.UUID) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connId]
	if !ok {
		return JoinResult{}, ErrUnknownConnection
	}
	if c.user == nil {
		return JoinResult{}, ErrNotBound
	}
	res := JoinResult{Room: roomId}
	if _, joined := c.rooms[roomId]; joined && c.current == roomId {
		res.AlreadyJoined = true
		return res, nil
	}
	// implicit leave of the previous active room on a switch
	if c.current != "" && c.current != roomId {
		res.SwitchedFrom = c.current
		delete(c.rooms, c.current)
		res.SwitchedLeft = s.removeFromRoom(c.current, c.user.Id, connId)
	}
	if _, joined := c.rooms[roomId]; !joined {
		c.rooms[roomId] = struct{}{}
		res.UserJoined = s.addToRoom(roomId, c.user.Id, connId)
	}
	c.current = roomId
	return res, nil
}

func (s *InMemoryStore) AutoJoin(roomId string, connId uuid.UUID) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connId]
	if !ok {
		return JoinResult{}, ErrUnknownConnection
	}
	if c.user == nil {
		return JoinResult{}, ErrNotBound
	}
	res := JoinResult{Room: roomId}
	if _, joined := c.rooms[roomId]; joined {
		res.AlreadyJoined = true
		return res, nil
	}
	c.rooms[roomId] = struct{}{}
	res.UserJoined = s.addToRoom(roomId, c.user.Id, connId)
	return res, nil
}

func (s *InMemoryStore) Leave(roomId string, connId uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connId]
	if !ok {
		return false, ErrUnknownConnection
	}
	if c.user == nil {
		return false, ErrNotBound
	}
	if _, joined := c.rooms[roomId]; !joined {
		return false, nil
	}
	delete(c.rooms, roomId)
	if c.current == roomId {
		c.current = ""
	}
	return s.removeFromRoom(roomId, c.user.Id, connId), nil
}

// addToRoom reports whether the user is newly present in the room.
// Callers must hold s.mu.
func (s *InMemoryStore) addToRoom(roomId, userId string, connId uuid.UUID) bool {
	if s.rooms[roomId] == nil {
		s.rooms[roomId] = make(map[string]map[uuid.UUID]struct{})
	}
	userConns := s.rooms[roomId][userId]
	if userConns == nil {
		userConns = make(map[uuid.UUID]struct{})
		s.rooms[roomId][userId] = userConns
	}
	userConns[connId] = struct{}{}
	return len(userConns) == 1
}

// removeFromRoom reports whether the user vacated the room.
// Callers must hold s.mu.
func (s *InMemoryStore) removeFromRoom(roomId, userId string, connId uuid.UUID) bool {
	userConns := s.rooms[roomId][userId]
	if userConns == nil {
		return false
	}
	delete(userConns, connId)
	if len(userConns) > 0 {
		return false
	}
	delete(s.rooms[roomId], userId)
	if len(s.rooms[roomId]) == 0 {
		delete(s.rooms, roomId)
	}
	return true
}

func (s *InMemoryStore) OnlineCount(roomId string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomId])
}

func (s *InMemoryStore) OnlineUsers(roomId string) []types.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]types.PresenceEntry, 0, len(s.rooms[roomId]))
	for userId := range s.rooms[roomId] {
		entry := types.PresenceEntry{UserId: userId}
		if conns, ok := s.users[userId]; ok {
			for _, c := range conns {
				entry.Nick = c.user.Nick
				break
			}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserId < entries[j].UserId })
	return entries
}

func (s *InMemoryStore) InRoom(roomId, userId string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomId][userId]
	return ok
}

func (s *InMemoryStore) IsOnline(userId string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userId]) > 0
}

func (s *InMemoryStore) ConnectionsOf(userId string) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.users[userId]))
	for id := range s.users[userId] {
		ids = append(ids, id)
	}
	return ids
}

func (s *InMemoryStore) UserOf(connId uuid.UUID) (*types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connId]
	if !ok || c.user == nil {
		return nil, false
	}
	return c.user, true
}

func (s *InMemoryStore) Touch(connId uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[connId]; ok {
		c.lastSeen = time.Now()
	}
}

func (s *InMemoryStore) Stale(grace time.Duration) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-grace)
	stale := make([]uuid.UUID, 0)
	for id, c := range s.conns {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}
