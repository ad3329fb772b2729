package types

// WorldPatch is a partial world update, sent over the websocket or the REST api. Nil fields are
// left unchanged.
type WorldPatch struct {
	Title            *string             `json:"title" mapstructure:"title" validate:"omitempty,max=300"`
	Locale           *string             `json:"locale" mapstructure:"locale" validate:"omitempty,max=20"`
	Timezone         *string             `json:"timezone" mapstructure:"timezone" validate:"omitempty,max=60"`
	ConnectionLimit  *int                `json:"connection_limit" mapstructure:"connection_limit" validate:"omitempty,min=0"`
	TraitGrants      map[string][]string `json:"trait_grants" mapstructure:"trait_grants"`
	PermissionConfig map[string][]string `json:"permission_config" mapstructure:"permission_config"`
	JWTSecrets       []JWTConfig         `json:"jwt_secrets" mapstructure:"jwt_secrets" validate:"omitempty,dive"`
}

// Fields collects the set fields into a column update.
func (p *WorldPatch) Fields() map[string]interface{} {
	fields := map[string]interface{}{}
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Locale != nil {
		fields["locale"] = *p.Locale
	}
	if p.Timezone != nil {
		fields["timezone"] = *p.Timezone
	}
	if p.ConnectionLimit != nil {
		fields["connection_limit"] = *p.ConnectionLimit
	}
	if p.TraitGrants != nil {
		fields["trait_grants"] = TraitGrants(p.TraitGrants)
	}
	if p.PermissionConfig != nil {
		fields["permission_config"] = PermissionConfig(p.PermissionConfig)
	}
	if p.JWTSecrets != nil {
		fields["jwt_secrets"] = JWTSecrets(p.JWTSecrets)
	}
	return fields
}

// RoomPatch creates or partially updates a room.
type RoomPatch struct {
	Name             *string             `json:"name" mapstructure:"name" validate:"omitempty,min=1,max=300"`
	Description      *string             `json:"description" mapstructure:"description" validate:"omitempty,max=10000"`
	SortingPriority  *int                `json:"sorting_priority" mapstructure:"sorting_priority"`
	Modules          []ModuleConfig      `json:"modules" mapstructure:"modules" validate:"omitempty,dive"`
	TraitGrants      map[string][]string `json:"trait_grants" mapstructure:"trait_grants"`
	PermissionConfig map[string][]string `json:"permission_config" mapstructure:"permission_config"`
}

func (p *RoomPatch) Fields() map[string]interface{} {
	fields := map[string]interface{}{}
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.SortingPriority != nil {
		fields["sorting_priority"] = *p.SortingPriority
	}
	if p.Modules != nil {
		fields["module_config"] = ModuleConfigs(p.Modules)
	}
	if p.TraitGrants != nil {
		fields["trait_grants"] = TraitGrants(p.TraitGrants)
	}
	if p.PermissionConfig != nil {
		fields["permission_config"] = PermissionConfig(p.PermissionConfig)
	}
	return fields
}

// NewRoom builds a room of world from a create request.
func (p *RoomPatch) NewRoom(worldId string) *Room {
	room := &Room{
		WorldId:          worldId,
		ModuleConfig:     ModuleConfigs(p.Modules),
		TraitGrants:      TraitGrants(p.TraitGrants),
		PermissionConfig: PermissionConfig(p.PermissionConfig),
	}
	if p.Name != nil {
		room.Name = *p.Name
	}
	if p.Description != nil {
		room.Description = *p.Description
	}
	if p.SortingPriority != nil {
		room.SortingPriority = *p.SortingPriority
	}
	return room
}
