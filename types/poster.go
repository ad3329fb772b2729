package types

import "time"

type Poster struct {
	Id                 string            `json:"id" gorm:"primaryKey"`
	WorldId            string            `json:"-" gorm:"index;not null"`
	ParentRoomId       string            `json:"parent_room_id" gorm:"index"`
	PresentationRoomId *string           `json:"presentation_room_id"`
	Title              string            `json:"title"`
	Abstract           JSONMap           `json:"abstract"`
	Authors            JSONMap           `json:"authors"`
	Category           string            `json:"category"`
	Tags               StringList        `json:"tags"`
	PosterURL          string            `json:"poster_url"`
	PosterPreview      string            `json:"poster_preview"`
	Presenters         []PosterPresenter `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	Votes              []PosterVote      `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

type PosterPresenter struct {
	PosterId string `json:"poster" gorm:"primaryKey"`
	UserId   string `json:"user" gorm:"primaryKey"`
}

type PosterVote struct {
	PosterId string    `json:"poster" gorm:"primaryKey"`
	UserId   string    `json:"user" gorm:"primaryKey"`
	Datetime time.Time `json:"datetime"`
}
