package types

import "time"

const (
	ContactStateOpen     = "open"
	ContactStateAnswered = "answered"
	ContactStateMissed   = "missed"
)

type Exhibitor struct {
	Id              string           `json:"id" gorm:"primaryKey"`
	WorldId         string           `json:"-" gorm:"index;not null"`
	RoomId          string           `json:"room_id" gorm:"index"`
	Name            string           `json:"name"`
	Tagline         string           `json:"tagline"`
	ShortText       string           `json:"short_text"`
	Text            string           `json:"text"`
	Logo            string           `json:"logo"`
	Size            string           `json:"size" gorm:"default:1x1"`
	SortingPriority int              `json:"sorting_priority"`
	Staff           []ExhibitorStaff `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

type ExhibitorStaff struct {
	ExhibitorId string `json:"exhibitor" gorm:"primaryKey"`
	UserId      string `json:"user" gorm:"primaryKey"`
}

type ContactRequest struct {
	Id          string     `json:"id" gorm:"primaryKey"`
	ExhibitorId string     `json:"exhibitor" gorm:"index;not null"`
	UserId      string     `json:"user" gorm:"index;not null"`
	AnsweredBy  *string    `json:"answered_by"`
	State       string     `json:"state" gorm:"not null;default:open"`
	Timestamp   time.Time  `json:"timestamp"`
	Answered    *time.Time `json:"-"`
}
