package persistence

import (
	"context"
	"time"

	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
)

// Entities combines the system of record with the versioned caches of worlds, rooms and users.
// Every mutation goes through here so that the shared version is published after the commit.
type Entities struct {
	*GormPersist
	Worlds *cache.Cache[*types.World]
	Rooms  *cache.Cache[*types.Room]
	Users  *cache.Cache[*types.User]
}

func NewEntities(p *GormPersist, store cache.VersionStore, opts cache.Options) (*Entities, error) {
	worlds, err := cache.New[*types.World](types.KindWorld, store, p.GetWorld, opts)
	if err != nil {
		return nil, err
	}
	rooms, err := cache.New[*types.Room](types.KindRoom, store, p.GetRoom, opts)
	if err != nil {
		return nil, err
	}
	users, err := cache.New[*types.User](types.KindUser, store, p.GetUser, opts)
	if err != nil {
		return nil, err
	}
	return &Entities{GormPersist: p, Worlds: worlds, Rooms: rooms, Users: users}, nil
}

func (e *Entities) World(ctx context.Context, id string, allowedAge time.Duration) (*types.World, error) {
	return e.Worlds.Get(ctx, id, allowedAge)
}

func (e *Entities) Room(ctx context.Context, id string, allowedAge time.Duration) (*types.Room, error) {
	return e.Rooms.Get(ctx, id, allowedAge)
}

func (e *Entities) User(ctx context.Context, id string, allowedAge time.Duration) (*types.User, error) {
	return e.Users.Get(ctx, id, allowedAge)
}

func (e *Entities) UpdateWorld(ctx context.Context, id string, fields map[string]interface{}) (*types.World, error) {
	world, err := e.GormPersist.UpdateWorld(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	return world, e.Worlds.Saved(ctx, world)
}

func (e *Entities) TouchWorld(ctx context.Context, id string) (*types.World, error) {
	return e.UpdateWorld(ctx, id, nil)
}

func (e *Entities) CreateRoom(ctx context.Context, room *types.Room) error {
	if err := e.GormPersist.CreateRoom(ctx, room); err != nil {
		return err
	}
	return e.Rooms.Saved(ctx, room)
}

func (e *Entities) UpdateRoom(ctx context.Context, id string, fields map[string]interface{}) (*types.Room, error) {
	room, err := e.GormPersist.UpdateRoom(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	return room, e.Rooms.Saved(ctx, room)
}

func (e *Entities) TouchRoom(ctx context.Context, id string) (*types.Room, error) {
	return e.UpdateRoom(ctx, id, nil)
}

func (e *Entities) DeleteRoom(ctx context.Context, id string) (*types.Room, error) {
	room, err := e.GormPersist.DeleteRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return room, e.Rooms.Deleted(ctx, id)
}

func (e *Entities) LoginUser(ctx context.Context, ident Identity) (*types.User, error) {
	user, err := e.GormPersist.LoginUser(ctx, ident)
	if err != nil {
		return nil, err
	}
	return user, e.Users.Saved(ctx, user)
}

func (e *Entities) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) (*types.User, error) {
	user, err := e.GormPersist.UpdateUser(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	return user, e.Users.Saved(ctx, user)
}

func (e *Entities) TouchUser(ctx context.Context, id string) (*types.User, error) {
	return e.UpdateUser(ctx, id, nil)
}

func (e *Entities) SetModerationState(ctx context.Context, id, state string) (*types.User, error) {
	return e.UpdateUser(ctx, id, map[string]interface{}{"moderation_state": state})
}

// Grant changes touch the user so that cached permission grants are invalidated everywhere.

func (e *Entities) GrantWorldRole(ctx context.Context, worldId, userId, role string) error {
	if err := e.GormPersist.GrantWorldRole(ctx, worldId, userId, role); err != nil {
		return err
	}
	_, err := e.TouchUser(ctx, userId)
	return err
}

func (e *Entities) RevokeWorldRole(ctx context.Context, worldId, userId, role string) error {
	if err := e.GormPersist.RevokeWorldRole(ctx, worldId, userId, role); err != nil {
		return err
	}
	_, err := e.TouchUser(ctx, userId)
	return err
}

func (e *Entities) GrantRoomRole(ctx context.Context, worldId, roomId, userId, role string) error {
	if err := e.GormPersist.GrantRoomRole(ctx, worldId, roomId, userId, role); err != nil {
		return err
	}
	_, err := e.TouchUser(ctx, userId)
	return err
}

func (e *Entities) RevokeRoomRole(ctx context.Context, roomId, userId, role string) error {
	if err := e.GormPersist.RevokeRoomRole(ctx, roomId, userId, role); err != nil {
		return err
	}
	_, err := e.TouchUser(ctx, userId)
	return err
}

// LoadGrants implements permissions.GrantLoader.
func (e *Entities) LoadGrants(ctx context.Context, userId string) (permissions.Grants, error) {
	g := permissions.Grants{Rooms: map[string][]string{}}
	worldGrants, err := e.WorldGrants(ctx, userId)
	if err != nil {
		return g, err
	}
	for _, wg := range worldGrants {
		g.World = append(g.World, wg.Role)
	}
	roomGrants, err := e.RoomGrants(ctx, userId)
	if err != nil {
		return g, err
	}
	for _, rg := range roomGrants {
		g.Rooms[rg.RoomId] = append(g.Rooms[rg.RoomId], rg.Role)
	}
	return g, nil
}

var _ permissions.GrantLoader = (*Entities)(nil)
