package persistence

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/sparksocial/spark-rtm/config"
	"github.com/sparksocial/spark-rtm/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ driver.Valuer = &datatypes.JSON{}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("missing DSN")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	db.Migrator().AutoMigrate(&types.User{}, &types.Room{}, &types.Message{})
	return db, nil
}

func (p *GormPersist) StoreMessage(msg types.Message) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&msg).Error
}

func (p *GormPersist) GetMessage(msg *types.Message) error {
	err := p.db.First(msg).Error
	if err == gorm.ErrRecordNotFound {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) GetMessageHistory(roomId string, limit int) ([]types.Message, error) {
	messages := make([]types.Message, 0, limit)
	err := p.db.Where("room_id = ?", roomId).Order("timestamp desc").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	// newest-first from the query, chronological for the caller
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *GormPersist) ToggleReaction(messageId, userId, kind string) (string, types.JSONStringMap, error) {
	var action string
	var reactions types.JSONStringMap
	err := p.db.Transaction(func(tx *gorm.DB) error {
		msg := types.Message{Id: messageId}
		err := tx.First(&msg).Error
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		action = msg.ToggleReaction(userId, kind)
		reactions = msg.Reactions
		return tx.Model(&msg).Update("reactions", msg.Reactions).Error
	})
	if err != nil {
		return "", nil, err
	}
	return action, reactions, nil
}

func (p *GormPersist) AppendReadBy(messageId, userId string) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		msg := types.Message{Id: messageId}
		err := tx.First(&msg).Error
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if msg.ReadBy.Contains(userId) {
			return nil
		}
		readBy := append(msg.ReadBy, userId)
		return tx.Model(&msg).Update("read_by", readBy).Error
	})
}

func (p *GormPersist) CountUnread(roomId, userId string) (int, error) {
	// read_by is a JSON column, membership is checked here rather than in
	// dialect-specific SQL
	rows := make([]types.Message, 0)
	err := p.db.Select("id", "read_by").Where("room_id = ? AND sender_id <> ?", roomId, userId).Find(&rows).Error
	if err != nil {
		return 0, err
	}
	count := 0
	for _, msg := range rows {
		if !msg.ReadBy.Contains(userId) {
			count++
		}
	}
	return count, nil
}

func (p *GormPersist) StoreRoom(room types.Room) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	err := p.db.First(room).Error
	if err == gorm.ErrRecordNotFound {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) DeleteRoom(room *types.Room) error {
	return p.db.Delete(room).Error
}

func (p *GormPersist) AddParticipant(roomId, userId string) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		room := types.Room{Id: roomId}
		err := tx.First(&room).Error
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if room.HasParticipant(userId) {
			return nil
		}
		participants := append(room.Participants, userId)
		return tx.Model(&room).Update("participants", participants).Error
	})
}

func (p *GormPersist) StoreUser(user types.User) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&user).Error
}

func (p *GormPersist) GetUser(user *types.User) error {
	err := p.db.First(user).Error
	if err == gorm.ErrRecordNotFound {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.Find(&users).Error
	return users, err
}

func (p *GormPersist) SetOnline(userId string, online bool) error {
	updates := map[string]interface{}{"online": online}
	if !online {
		updates["last_online"] = time.Now()
	}
	res := p.db.Model(&types.User{Id: userId}).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) Close() error {
	db, err := p.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
