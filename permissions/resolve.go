package permissions

import (
	"sort"

	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/types"
)

// Set is an effective permission set.
type Set map[Permission]struct{}

func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

func (s Set) List() []string {
	res := make([]string, 0, len(s))
	for p := range s {
		res = append(res, string(p))
	}
	sort.Strings(res)
	return res
}

// Grants are the explicit role grants of one user.
type Grants struct {
	World []string
	// Rooms maps room id -> roles.
	Rooms map[string][]string
}

// Roles returns the roles the user holds in the world, or in room if room is not nil.
func Roles(world *types.World, room *types.Room, user *types.User, grants Grants) []string {
	roles := append([]string{}, grants.World...)
	if room != nil {
		roles = append(roles, grants.Rooms[room.Id]...)
	}
	traitGrants := effectiveTraitGrants(world, room)
	for role, required := range traitGrants {
		if traitsMatch(user, required) {
			roles = append(roles, role)
		}
	}
	roles = lo.Uniq(roles)
	sort.Strings(roles)
	return roles
}

// Resolve computes the effective permissions of user. It only reads its arguments.
func Resolve(world *types.World, room *types.Room, user *types.User, grants Grants) Set {
	set := Set{}
	if user == nil || user.IsBanned() {
		return set
	}
	roles := Roles(world, room, user, grants)
	if len(roles) == 0 {
		return set
	}
	for _, p := range All() {
		if lo.Some(roles, holders(world, room, p)) {
			set[p] = struct{}{}
		}
	}
	// custom keys only known to the world or room configuration
	for _, key := range configuredKeys(world, room) {
		p := Permission(key)
		if _, known := defaultHolders[p]; known {
			continue
		}
		if lo.Some(roles, holders(world, room, p)) {
			set[p] = struct{}{}
		}
	}
	if user.IsSilenced() {
		for _, p := range Communication {
			delete(set, p)
		}
	}
	return set
}

// holders returns the roles holding p. A room entry replaces the world entry, which replaces the
// built-in table.
func holders(world *types.World, room *types.Room, p Permission) []string {
	if room != nil {
		if roles, ok := room.PermissionConfig[string(p)]; ok {
			return roles
		}
	}
	if world != nil {
		if roles, ok := world.PermissionConfig[string(p)]; ok {
			return roles
		}
	}
	return defaultHolders[p]
}

func effectiveTraitGrants(world *types.World, room *types.Room) map[string][]string {
	res := map[string][]string{}
	if world != nil {
		for role, traits := range world.TraitGrants {
			res[role] = traits
		}
	}
	if room != nil {
		for role, traits := range room.TraitGrants {
			res[role] = traits
		}
	}
	return res
}

// traitsMatch reports whether any of required is among the user's traits. An empty list matches
// every user except kiosks.
func traitsMatch(user *types.User, required []string) bool {
	if len(required) == 0 {
		return user.Type != types.UserTypeKiosk
	}
	return lo.Some([]string(user.Traits), required)
}

func configuredKeys(world *types.World, room *types.Room) []string {
	var keys []string
	if world != nil {
		keys = append(keys, lo.Keys(map[string][]string(world.PermissionConfig))...)
	}
	if room != nil {
		keys = append(keys, lo.Keys(map[string][]string(room.PermissionConfig))...)
	}
	return lo.Uniq(keys)
}
