package types

import (
	"time"
)

const (
	RoomTypePublic    = "public"
	RoomTypeCommunity = "community"
	RoomTypeDirect    = "direct"
	RoomTypeStream    = "stream"
)

// Room is a logical channel connections can join. A direct room has exactly
// two participants; community rooms have an explicit participant list; public
// and stream rooms are open for posting.
type Room struct {
	Id           string          `json:"id" gorm:"primaryKey"`
	Type         string          `json:"type"`
	OwnerId      string          `json:"owner_id"`
	Participants JSONStringSlice `json:"participants"`
	Tags         JSONStringMap   `json:"tags"`
	CreatedAt    time.Time       `json:"-"`
	UpdatedAt    time.Time       `json:"-"`
}

// Open reports whether the room permits posting without an explicit
// participant entry.
func (r *Room) Open() bool {
	return r.Type == RoomTypePublic || r.Type == RoomTypeStream
}

func (r *Room) HasParticipant(userId string) bool {
	return r.Participants.Contains(userId)
}

// OtherParticipant returns the peer of userId in a direct room, or "" if the
// room is not direct or userId is not a participant.
func (r *Room) OtherParticipant(userId string) string {
	if r.Type != RoomTypeDirect {
		return ""
	}
	for _, p := range r.Participants {
		if p != userId {
			return p
		}
	}
	return ""
}
