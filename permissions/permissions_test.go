package permissions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/workers"
)

func person(traits ...string) *types.User {
	return &types.User{Id: "u1", WorldId: "w", Type: types.UserTypePerson, Traits: traits, Version: 1}
}

func TestTraitImpliedModerator(t *testing.T) {
	world := &types.World{Id: "w", TraitGrants: types.TraitGrants{"moderator": {"org-staff"}}}
	room := &types.Room{Id: "r", WorldId: "w"}
	set := Resolve(world, room, person("org-staff"), Grants{})
	for _, p := range DefaultRoles["moderator"] {
		assert.True(t, set.Has(p), "missing %s", p)
	}
	assert.False(t, set.Has(WorldUpdate))
}

func TestNoMatchingTraitNoRole(t *testing.T) {
	world := &types.World{Id: "w", TraitGrants: types.TraitGrants{"moderator": {"org-staff"}}}
	set := Resolve(world, nil, person("guest"), Grants{})
	assert.Empty(t, set)
}

func TestEmptyTraitListGrantsEveryone(t *testing.T) {
	world := &types.World{Id: "w", TraitGrants: types.TraitGrants{"participant": {}}}
	assert.True(t, Resolve(world, nil, person(), Grants{}).Has(RoomChatSend))

	kiosk := person()
	kiosk.Type = types.UserTypeKiosk
	assert.False(t, Resolve(world, nil, kiosk, Grants{}).Has(RoomChatSend))
}

func TestRoomPermissionConfigOverridesWorld(t *testing.T) {
	world := &types.World{
		Id:               "w",
		TraitGrants:      types.TraitGrants{"participant": {"attendee"}},
		PermissionConfig: types.PermissionConfig{string(RoomChatSend): {"participant"}},
	}
	room := &types.Room{
		Id:               "r",
		PermissionConfig: types.PermissionConfig{string(RoomChatSend): {"moderator"}},
	}
	user := person("attendee")
	assert.True(t, Resolve(world, nil, user, Grants{}).Has(RoomChatSend))
	assert.False(t, Resolve(world, room, user, Grants{}).Has(RoomChatSend))

	// keys the room does not configure fall through to the world
	assert.True(t, Resolve(world, room, user, Grants{}).Has(RoomChatJoin))
}

func TestWorldPermissionConfigOverridesDefaults(t *testing.T) {
	world := &types.World{
		Id:               "w",
		PermissionConfig: types.PermissionConfig{string(RoomPollVote): {"viewer"}},
	}
	user := person()
	set := Resolve(world, nil, user, Grants{World: []string{"viewer"}})
	assert.True(t, set.Has(RoomPollVote))
	assert.False(t, set.Has(RoomChatSend))
}

func TestRoomTraitGrantsOverrideWorld(t *testing.T) {
	world := &types.World{Id: "w", TraitGrants: types.TraitGrants{"moderator": {"staff"}}}
	room := &types.Room{Id: "r", TraitGrants: types.TraitGrants{"moderator": {"room-staff"}}}
	assert.False(t, Resolve(world, room, person("staff"), Grants{}).Has(RoomChatModerate))
	assert.True(t, Resolve(world, room, person("room-staff"), Grants{}).Has(RoomChatModerate))
}

func TestExplicitRoomGrantOnlyInThatRoom(t *testing.T) {
	world := &types.World{Id: "w"}
	r1 := &types.Room{Id: "r1"}
	r2 := &types.Room{Id: "r2"}
	g := Grants{Rooms: map[string][]string{"r1": {"moderator"}}}
	assert.True(t, Resolve(world, r1, person(), g).Has(RoomPollManage))
	assert.False(t, Resolve(world, r2, person(), g).Has(RoomPollManage))
}

func TestSilencedLosesCommunication(t *testing.T) {
	world := &types.World{Id: "w"}
	user := person()
	user.ModerationState = types.ModerationSilenced
	set := Resolve(world, nil, user, Grants{World: []string{"admin"}})
	for _, p := range Communication {
		assert.False(t, set.Has(p), "silenced user has %s", p)
	}
	assert.True(t, set.Has(RoomView))
	assert.True(t, set.Has(WorldUpdate))
}

func TestBannedHasNothing(t *testing.T) {
	user := person()
	user.ModerationState = types.ModerationBanned
	assert.Empty(t, Resolve(&types.World{Id: "w"}, nil, user, Grants{World: []string{"admin"}}))
}

func TestCustomPermissionKey(t *testing.T) {
	world := &types.World{Id: "w", PermissionConfig: types.PermissionConfig{"world:graphs": {"admin"}}}
	assert.True(t, Resolve(world, nil, person(), Grants{World: []string{"admin"}}).Has("world:graphs"))
}

type countingLoader struct {
	sync.Mutex
	calls  int
	grants Grants
}

func (l *countingLoader) LoadGrants(_ context.Context, _ string) (Grants, error) {
	l.Lock()
	defer l.Unlock()
	l.calls++
	return l.grants, nil
}

func TestEngineCachesGrantsPerVersion(t *testing.T) {
	loader := &countingLoader{grants: Grants{World: []string{"admin"}}}
	e, err := NewEngine(loader, workers.New(2), 16)
	require.NoError(t, err)
	ctx := context.Background()
	world := &types.World{Id: "w"}
	user := person()

	ok, err := e.HasPermission(ctx, world, nil, user, WorldUpdate)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = e.HasPermission(ctx, world, nil, user, WorldUsersManage)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	touched := *user
	touched.Version++
	loader.grants = Grants{}
	ok, err = e.HasPermission(ctx, world, nil, &touched, WorldUpdate)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, loader.calls)

	assert.True(t, e.HasPermissionSync(world, nil, user, Grants{World: []string{"admin"}}, WorldUpdate))
}
