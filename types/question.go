package types

import "time"

const (
	ModuleQuestion = "question"

	QuestionStateModQueue = "mod_queue"
	QuestionStateVisible  = "visible"
	QuestionStateArchived = "archived"
)

// Question is asked by an attendee in a room running the question module.
type Question struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	RoomId    string    `json:"room_id" gorm:"index;not null"`
	SenderId  string    `json:"-" gorm:"index;not null"`
	Content   string    `json:"content"`
	State     string    `json:"state" gorm:"not null;default:mod_queue"`
	Answered  bool      `json:"answered" gorm:"not null;default:false"`
	Timestamp time.Time `json:"timestamp"`
}
