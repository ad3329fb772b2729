package types

import "time"

// BBBServer is a BigBlueButton-compatible backend.
type BBBServer struct {
	Id     uint   `json:"id" gorm:"primaryKey"`
	URL    string `json:"url" gorm:"not null"`
	Secret string `json:"-" gorm:"not null"`
	Active bool   `json:"active" gorm:"not null"`
}

// BBBCall is the durable call row that keeps meeting id and passwords stable across create calls.
// It belongs either to a room or to a set of invited users.
type BBBCall struct {
	Id          string    `json:"id" gorm:"primaryKey"`
	WorldId     string    `json:"-" gorm:"index;not null"`
	RoomId      *string   `json:"room" gorm:"uniqueIndex"`
	ServerId    uint      `json:"-"`
	Server      BBBServer `json:"-"`
	MeetingId   string    `json:"-" gorm:"not null"`
	AttendeePW  string    `json:"-" gorm:"column:attendee_pw;not null"`
	ModeratorPW string    `json:"-" gorm:"column:moderator_pw;not null"`
	Invited     []User    `json:"-" gorm:"many2many:bbb_call_invites"`
	CreatedAt   time.Time `json:"-"`
}

// JanusServer is a Janus gateway with the videoroom plugin.
type JanusServer struct {
	Id            uint   `json:"id" gorm:"primaryKey"`
	URL           string `json:"url" gorm:"not null"`
	RoomCreateKey string `json:"-"`
	Active        bool   `json:"active" gorm:"not null"`
}

// JanusCall is the videoroom created on a Janus server for a room.
type JanusCall struct {
	Id          uint      `json:"-" gorm:"primaryKey"`
	RoomId      string    `json:"room" gorm:"uniqueIndex;not null"`
	Server      string    `json:"server" gorm:"not null"`
	JanusRoomId int64     `json:"room_id" gorm:"not null"`
	Token       string    `json:"token" gorm:"not null"`
	CreatedAt   time.Time `json:"-"`
}
