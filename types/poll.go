package types

import "time"

const (
	PollStateDraft    = "draft"
	PollStateOpen     = "open"
	PollStateClosed   = "closed"
	PollStateArchived = "archived"

	PollTypeChoice   = "choice"
	PollTypeMultiple = "multiple"
)

type Poll struct {
	Id        string       `json:"id" gorm:"primaryKey"`
	RoomId    string       `json:"room_id" gorm:"index;not null"`
	Content   string       `json:"content"`
	State     string       `json:"state" gorm:"not null;default:draft"`
	PollType  string       `json:"poll_type" gorm:"not null;default:choice"`
	IsPinned  bool         `json:"is_pinned" gorm:"not null;default:false"`
	Options   []PollOption `json:"options" gorm:"constraint:OnDelete:CASCADE"`
	Timestamp time.Time    `json:"timestamp"`
}

type PollOption struct {
	Id      string `json:"id" gorm:"primaryKey"`
	PollId  string `json:"-" gorm:"index;not null"`
	Content string `json:"content"`
	Order   int    `json:"order" gorm:"column:sort_order"`
}

type PollVote struct {
	Id       uint   `json:"-" gorm:"primaryKey"`
	PollId   string `json:"-" gorm:"index;not null"`
	OptionId string `json:"option" gorm:"index;not null"`
	UserId   string `json:"-" gorm:"index;not null"`
}
