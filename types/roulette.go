package types

import "time"

// RouletteRequest marks a socket as waiting to be matched in a room. It expires unless renewed by
// the client's heartbeat.
type RouletteRequest struct {
	Id       uint      `json:"-" gorm:"primaryKey"`
	RoomId   string    `json:"room" gorm:"not null;uniqueIndex:idx_roulette_request,priority:1"`
	UserId   string    `json:"user" gorm:"not null;uniqueIndex:idx_roulette_request,priority:2"`
	SocketId string    `json:"socket" gorm:"not null;uniqueIndex:idx_roulette_request,priority:3"`
	Expiry   time.Time `json:"expiry" gorm:"index;not null"`
}

func (RouletteRequest) TableName() string { return "roulette_requests" }

// RoulettePairing is the durable record of a match, used for the rematch cooldown.
type RoulettePairing struct {
	Id          string    `json:"id" gorm:"primaryKey"`
	RoomId      string    `json:"room" gorm:"index;not null"`
	User1Id     string    `json:"user1" gorm:"index;not null"`
	User2Id     string    `json:"user2" gorm:"index;not null"`
	Socket1     string    `json:"-"`
	Socket2     string    `json:"-" gorm:"index"`
	Claimed     bool      `json:"-" gorm:"not null;default:false"`
	JanusServer string    `json:"-"`
	JanusRoomId int64     `json:"-"`
	JanusToken  string    `json:"-"`
	Timestamp   time.Time `json:"timestamp" gorm:"index;not null"`
}

func (RoulettePairing) TableName() string { return "roulette_pairings" }

// Peer returns the id of the other user of the pairing.
func (p *RoulettePairing) Peer(userId string) string {
	if p.User1Id == userId {
		return p.User2Id
	}
	return p.User1Id
}
