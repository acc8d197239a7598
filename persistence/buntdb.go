package persistence

import (
	"encoding/json"
	"time"

	"github.com/sparksocial/spark-rtm/config"
	"github.com/sparksocial/spark-rtm/types"
	"github.com/tidwall/buntdb"
)

type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	db, err := setupBuntDB(cfg)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db}, nil
}

func setupBuntDB(cfg *config.Config) (*buntdb.DB, error) {
	fileName := cfg.PersistenceConfig.DSN
	if fileName == "" {
		fileName = ":memory:"
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("messagests", "message:*", buntdb.IndexJSON("timestamp"))
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (p *BuntDBPersist) StoreMessage(msg types.Message) error {
	m, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("message:"+msg.Id, string(m), nil)
		return err
	})
}

func (p *BuntDBPersist) GetMessage(msg *types.Message) error {
	if msg.Id == "" {
		return ErrNotFound
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get("message:" + msg.Id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), msg)
	})
}

func (p *BuntDBPersist) GetMessageHistory(roomId string, limit int) ([]types.Message, error) {
	messages := make([]types.Message, 0, limit)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend("messagests", func(key, value string) bool {
			var msg types.Message
			if err := json.Unmarshal([]byte(value), &msg); err != nil {
				return true
			}
			if msg.RoomId != roomId {
				return true
			}
			messages = append(messages, msg)
			return len(messages) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	// descending index order, chronological for the caller
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *BuntDBPersist) ToggleReaction(messageId, userId, kind string) (string, types.JSONStringMap, error) {
	var action string
	var reactions types.JSONStringMap
	err := p.updateMessage(messageId, func(msg *types.Message) {
		action = msg.ToggleReaction(userId, kind)
		reactions = msg.Reactions
	})
	if err != nil {
		return "", nil, err
	}
	return action, reactions, nil
}

func (p *BuntDBPersist) AppendReadBy(messageId, userId string) error {
	return p.updateMessage(messageId, func(msg *types.Message) {
		if !msg.ReadBy.Contains(userId) {
			msg.ReadBy = append(msg.ReadBy, userId)
		}
	})
}

func (p *BuntDBPersist) updateMessage(messageId string, mutate func(*types.Message)) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get("message:" + messageId)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(val), &msg); err != nil {
			return err
		}
		mutate(&msg)
		m, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, _, err = tx.Set("message:"+messageId, string(m), nil)
		return err
	})
}

func (p *BuntDBPersist) CountUnread(roomId, userId string) (int, error) {
	count := 0
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("messagests", func(key, value string) bool {
			var msg types.Message
			if err := json.Unmarshal([]byte(value), &msg); err != nil {
				return true
			}
			if msg.RoomId == roomId && msg.SenderId != userId && !msg.ReadBy.Contains(userId) {
				count++
			}
			return true
		})
	})
	return count, err
}

func (p *BuntDBPersist) StoreRoom(room types.Room) error {
	r, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("room:"+room.Id, string(r), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	if room.Id == "" {
		return ErrNotFound
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get("room:" + room.Id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), room)
	})
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, value string) bool {
			var room types.Room
			if err := json.Unmarshal([]byte(value), &room); err != nil {
				return true
			}
			rooms = append(rooms, &room)
			return true
		})
	})
	return rooms, err
}

func (p *BuntDBPersist) DeleteRoom(room *types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete("room:" + room.Id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		return err
	})
}

func (p *BuntDBPersist) AddParticipant(roomId, userId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get("room:" + roomId)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var room types.Room
		if err := json.Unmarshal([]byte(val), &room); err != nil {
			return err
		}
		if room.HasParticipant(userId) {
			return nil
		}
		room.Participants = append(room.Participants, userId)
		r, err := json.Marshal(room)
		if err != nil {
			return err
		}
		_, _, err = tx.Set("room:"+roomId, string(r), nil)
		return err
	})
}

func (p *BuntDBPersist) StoreUser(user types.User) error {
	u, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("user:"+user.Id, string(u), nil)
		return err
	})
}

func (p *BuntDBPersist) GetUser(user *types.User) error {
	if user.Id == "" {
		return ErrNotFound
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get("user:" + user.Id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), user)
	})
}

func (p *BuntDBPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(key, value string) bool {
			var user types.User
			if err := json.Unmarshal([]byte(value), &user); err != nil {
				return true
			}
			users = append(users, &user)
			return true
		})
	})
	return users, err
}

func (p *BuntDBPersist) SetOnline(userId string, online bool) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get("user:" + userId)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var user types.User
		if err := json.Unmarshal([]byte(val), &user); err != nil {
			return err
		}
		user.Online = online
		if !online {
			user.LastOnline = time.Now()
		}
		u, err := json.Marshal(user)
		if err != nil {
			return err
		}
		_, _, err = tx.Set("user:"+userId, string(u), nil)
		return err
	})
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
