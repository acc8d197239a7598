package persistence

import (
	"sort"
	"sync"
	"time"

	"github.com/sparksocial/spark-rtm/types"
)

// MemoryPersist is the zero-configuration backend. It holds everything in
// process-local maps, which is enough for development setups and tests.
type MemoryPersist struct {
	mu       sync.RWMutex
	messages map[string]types.Message
	rooms    map[string]types.Room
	users    map[string]types.User
}

func NewMemoryPersister() *MemoryPersist {
	return &MemoryPersist{
		messages: make(map[string]types.Message),
		rooms:    make(map[string]types.Room),
		users:    make(map[string]types.User),
	}
}

var _ Persister = (*MemoryPersist)(nil)

func (p *MemoryPersist) StoreMessage(msg types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[msg.Id] = msg
	return nil
}

func (p *MemoryPersist) GetMessage(msg *types.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stored, ok := p.messages[msg.Id]
	if !ok {
		return ErrNotFound
	}
	*msg = stored
	return nil
}

func (p *MemoryPersist) GetMessageHistory(roomId string, limit int) ([]types.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	messages := make([]types.Message, 0)
	for _, msg := range p.messages {
		if msg.RoomId == roomId {
			messages = append(messages, msg)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Timestamp.Before(messages[j].Timestamp) })
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (p *MemoryPersist) ToggleReaction(messageId, userId, kind string) (string, types.JSONStringMap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[messageId]
	if !ok {
		return "", nil, ErrNotFound
	}
	action := msg.ToggleReaction(userId, kind)
	p.messages[messageId] = msg
	return action, msg.Reactions, nil
}

func (p *MemoryPersist) AppendReadBy(messageId, userId string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[messageId]
	if !ok {
		return ErrNotFound
	}
	if !msg.ReadBy.Contains(userId) {
		msg.ReadBy = append(msg.ReadBy, userId)
		p.messages[messageId] = msg
	}
	return nil
}

func (p *MemoryPersist) CountUnread(roomId, userId string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, msg := range p.messages {
		if msg.RoomId == roomId && msg.SenderId != userId && !msg.ReadBy.Contains(userId) {
			count++
		}
	}
	return count, nil
}

func (p *MemoryPersist) StoreRoom(room types.Room) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[room.Id] = room
	return nil
}

func (p *MemoryPersist) GetRoom(room *types.Room) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stored, ok := p.rooms[room.Id]
	if !ok {
		return ErrNotFound
	}
	*room = stored
	return nil
}

func (p *MemoryPersist) GetRooms() ([]*types.Room, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rooms := make([]*types.Room, 0, len(p.rooms))
	for id := range p.rooms {
		room := p.rooms[id]
		rooms = append(rooms, &room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Id < rooms[j].Id })
	return rooms, nil
}

func (p *MemoryPersist) DeleteRoom(room *types.Room) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rooms[room.Id]; !ok {
		return ErrNotFound
	}
	delete(p.rooms, room.Id)
	return nil
}

func (p *MemoryPersist) AddParticipant(roomId, userId string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.rooms[roomId]
	if !ok {
		return ErrNotFound
	}
	if !room.HasParticipant(userId) {
		room.Participants = append(room.Participants, userId)
		p.rooms[roomId] = room
	}
	return nil
}

func (p *MemoryPersist) StoreUser(user types.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[user.Id] = user
	return nil
}

func (p *MemoryPersist) GetUser(user *types.User) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stored, ok := p.users[user.Id]
	if !ok {
		return ErrNotFound
	}
	*user = stored
	return nil
}

func (p *MemoryPersist) GetUsers() ([]*types.User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]*types.User, 0, len(p.users))
	for id := range p.users {
		user := p.users[id]
		users = append(users, &user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Id < users[j].Id })
	return users, nil
}

func (p *MemoryPersist) SetOnline(userId string, online bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[userId]
	if !ok {
		return ErrNotFound
	}
	user.Online = online
	if !online {
		user.LastOnline = time.Now()
	}
	p.users[userId] = user
	return nil
}

func (p *MemoryPersist) Close() error {
	return nil
}
