package types

import "time"

const (
	ModerationNone     = ""
	ModerationSilenced = "silenced"
	ModerationBanned   = "banned"

	UserTypePerson    = "person"
	UserTypeKiosk     = "kiosk"
	UserTypeAnonymous = "anon"
)

// User is a session identity inside one world, keyed either by an anonymous client id or by the
// uid of a token.
type User struct {
	Id              string     `json:"id" gorm:"primaryKey"`
	WorldId         string     `json:"-" gorm:"index;not null;uniqueIndex:idx_user_client,priority:1;uniqueIndex:idx_user_token,priority:1"`
	ClientId        *string    `json:"-" gorm:"uniqueIndex:idx_user_client,priority:2"`
	TokenId         *string    `json:"token_id,omitempty" gorm:"uniqueIndex:idx_user_token,priority:2"`
	Type            string     `json:"type" gorm:"default:person"`
	Profile         JSONMap    `json:"profile"`
	Traits          StringList `json:"traits"`
	ModerationState string     `json:"moderation_state" gorm:"not null;default:''"`
	Deleted         bool       `json:"deleted" gorm:"not null;default:false"`
	LastLogin       *time.Time `json:"-"`
	Version         int64      `json:"version" gorm:"not null;default:0"`
	CreatedAt       time.Time  `json:"-"`
	UpdatedAt       time.Time  `json:"-"`
}

func (u *User) CacheKey() string { return KindUser + ":" + u.Id }
func (u *User) GetVersion() int64 { return u.Version }

func (u *User) IsBanned() bool { return u.ModerationState == ModerationBanned || u.Deleted }

func (u *User) IsSilenced() bool { return u.ModerationState == ModerationSilenced }

// DisplayName returns the profile's display name, empty if the user has not set one.
func (u *User) DisplayName() string {
	if u.Profile == nil {
		return ""
	}
	if name, ok := u.Profile["display_name"].(string); ok {
		return name
	}
	return ""
}

// AvatarURL returns the profile's avatar url, if any.
func (u *User) AvatarURL() string {
	if u.Profile == nil {
		return ""
	}
	avatar, ok := u.Profile["avatar"].(map[string]interface{})
	if !ok {
		return ""
	}
	url, _ := avatar["url"].(string)
	return url
}

// Public is the representation of a user visible to other users.
func (u *User) Public(includeAdminInfo bool) map[string]interface{} {
	d := map[string]interface{}{
		"id":      u.Id,
		"profile": u.Profile,
		"deleted": u.Deleted,
	}
	if includeAdminInfo {
		d["moderation_state"] = u.ModerationState
		if u.TokenId != nil {
			d["token_id"] = *u.TokenId
		}
	}
	return d
}

// RoomGrant assigns a role to a user inside one room.
type RoomGrant struct {
	Id      uint   `json:"-" gorm:"primaryKey"`
	WorldId string `json:"world" gorm:"index;not null"`
	RoomId  string `json:"room" gorm:"index;not null"`
	UserId  string `json:"user" gorm:"index;not null"`
	Role    string `json:"role" gorm:"not null"`
}

// WorldGrant assigns a role to a user in the whole world.
type WorldGrant struct {
	Id      uint   `json:"-" gorm:"primaryKey"`
	WorldId string `json:"world" gorm:"index;not null"`
	UserId  string `json:"user" gorm:"index;not null"`
	Role    string `json:"role" gorm:"not null"`
}

// UserBlock is a directional block edge: UserId blocked BlockedUserId.
type UserBlock struct {
	UserId        string    `json:"user" gorm:"primaryKey"`
	BlockedUserId string    `json:"blocked_user" gorm:"primaryKey"`
	CreatedAt     time.Time `json:"-"`
}
