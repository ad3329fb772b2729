package types

import "time"

const (
	KindWorld = "world"
	KindRoom  = "room"
	KindUser  = "user"
)

// JWTConfig is one accepted token configuration of a world. Several can be active at the same time
// so secrets can be rotated.
type JWTConfig struct {
	Issuer   string `json:"issuer" mapstructure:"issuer" validate:"required"`
	Audience string `json:"audience" mapstructure:"audience" validate:"required"`
	Secret   string `json:"secret" mapstructure:"secret" validate:"required,min=16"`
}

// World is a tenant owning rooms, channels and users.
type World struct {
	Id               string           `json:"id" gorm:"primaryKey"`
	Title            string           `json:"title"`
	Locale           string           `json:"locale" gorm:"default:en"`
	Timezone         string           `json:"timezone" gorm:"default:UTC"`
	TraitGrants      TraitGrants      `json:"trait_grants"`
	PermissionConfig PermissionConfig `json:"permission_config"`
	JWTSecrets       JWTSecrets       `json:"jwt_secrets"`
	ConnectionLimit  int              `json:"connection_limit"`
	Version          int64            `json:"version" gorm:"not null;default:0"`
	CreatedAt        time.Time        `json:"-"`
	UpdatedAt        time.Time        `json:"-"`
}

func (w *World) CacheKey() string { return KindWorld + ":" + w.Id }
func (w *World) GetVersion() int64 { return w.Version }
