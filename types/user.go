package types

import "time"

type User struct {
	Id         string        `json:"id" gorm:"primaryKey"` // directory id, unique!
	Nick       string        `json:"nick"`                 // display name, shown in presence snapshots
	Language   string        `json:"language"`             // alpha-2 iso
	Tags       JSONStringMap `json:"tags"`                 // profile tags
	Online     bool          `json:"online"`               // durable online flag, best-effort mirror of the registry
	LastOnline time.Time     `json:"last_online"`          // last seen online
	Guest      bool          `json:"guest" gorm:"-"`       // unauthenticated visitor, never persisted
}
