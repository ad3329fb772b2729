package types

import (
	"time"
)

const (
	ModuleChat       = "chat.native"
	ModuleBBB        = "call.bigbluebutton"
	ModuleJanus      = "call.janus"
	ModulePoll       = "poll"
	ModulePoster     = "poster.native"
	ModuleExhibition = "exhibition.native"
	ModuleRoulette   = "roulette"
)

// Room is a subscribable space inside a world with an ordered set of live modules.
type Room struct {
	Id               string           `json:"id" gorm:"primaryKey"`
	WorldId          string           `json:"-" gorm:"index;not null"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	SortingPriority  int              `json:"sorting_priority"`
	ModuleConfig     ModuleConfigs    `json:"modules"`
	TraitGrants      TraitGrants      `json:"trait_grants"`
	PermissionConfig PermissionConfig `json:"permission_config"`
	Deleted          bool             `json:"-" gorm:"not null;default:false"`
	Version          int64            `json:"version" gorm:"not null;default:0"`
	CreatedAt        time.Time        `json:"-"`
	UpdatedAt        time.Time        `json:"-"`
}

func (r *Room) CacheKey() string { return KindRoom + ":" + r.Id }
func (r *Room) GetVersion() int64 { return r.Version }

// Module returns the config of the first module of the given type, nil if the room has none.
func (r *Room) Module(moduleType string) *ModuleConfig {
	for i := range r.ModuleConfig {
		if r.ModuleConfig[i].Type == moduleType {
			return &r.ModuleConfig[i]
		}
	}
	return nil
}

// HasModule reports whether the room runs the given module type.
func (r *Room) HasModule(moduleType string) bool {
	return r.Module(moduleType) != nil
}

// Channel is the persistent chat stream of a room or of a direct conversation.
type Channel struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	WorldId   string    `json:"-" gorm:"index;not null"`
	RoomId    *string   `json:"room" gorm:"uniqueIndex"`
	CreatedAt time.Time `json:"-"`
}

// Membership records that a user joined a channel.
type Membership struct {
	ChannelId string    `json:"channel" gorm:"primaryKey"`
	UserId    string    `json:"user" gorm:"primaryKey"`
	CreatedAt time.Time `json:"-"`
}

// ChatEvent is one entry of a channel transcript.
type ChatEvent struct {
	Id        int64     `json:"event_id" gorm:"primaryKey;autoIncrement"`
	ChannelId string    `json:"channel" gorm:"index;not null"`
	SenderId  string    `json:"sender"`
	EventType string    `json:"event_type"`
	Content   JSONMap   `json:"content"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
}

// ReadPointer is the last event of a channel a user has read.
type ReadPointer struct {
	UserId    string `gorm:"primaryKey"`
	ChannelId string `gorm:"primaryKey"`
	EventId   int64  `gorm:"not null;default:0"`
	// Notify is set while the user waits to be told about the next event of the channel.
	Notify bool `gorm:"index;not null;default:false"`
}
