package types

import "time"

// Connection is the presence row of an authenticated websocket connection. The owning process
// renews SeenAt periodically, rows that were not renewed belong to a process that is gone.
type Connection struct {
	SocketId    string    `json:"socket" gorm:"primaryKey"`
	WorldId     string    `json:"world" gorm:"index;not null"`
	UserId      string    `json:"user" gorm:"index;not null"`
	Origin      string    `json:"origin" gorm:"index;not null"`
	ConnectedAt time.Time `json:"connected_at" gorm:"not null"`
	SeenAt      time.Time `json:"seen_at" gorm:"index;not null"`
}
