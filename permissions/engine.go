package permissions

import (
	"context"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/workers"
)

// GrantLoader loads the explicit role grants of a user from the system of record.
type GrantLoader interface {
	LoadGrants(ctx context.Context, userId string) (Grants, error)
}

type grantKey struct {
	userId  string
	version int64
}

// Engine resolves permissions, caching grants per user version. A grant change touches the user,
// so a new version invalidates the cached grants.
type Engine struct {
	loader GrantLoader
	pool   *workers.Pool
	grants *lru.Cache[grantKey, Grants]
	logger hclog.Logger
}

func NewEngine(loader GrantLoader, pool *workers.Pool, size int) (*Engine, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[grantKey, Grants](size)
	if err != nil {
		return nil, err
	}
	return &Engine{loader: loader, pool: pool, grants: c, logger: globals.AppLogger.Named("permissions")}, nil
}

// Grants returns the explicit grants of user, loading them on the worker pool on a cache miss.
func (e *Engine) Grants(ctx context.Context, user *types.User) (Grants, error) {
	key := grantKey{userId: user.Id, version: user.Version}
	if g, ok := e.grants.Get(key); ok {
		return g, nil
	}
	g, err := workers.Call(ctx, e.pool, func(ctx context.Context) (Grants, error) {
		return e.loader.LoadGrants(ctx, user.Id)
	})
	if err != nil {
		return Grants{}, err
	}
	e.grants.Add(key, g)
	return g, nil
}

func (e *Engine) EffectivePermissions(ctx context.Context, world *types.World, room *types.Room, user *types.User) (Set, error) {
	if user == nil {
		return Set{}, nil
	}
	g, err := e.Grants(ctx, user)
	if err != nil {
		return nil, err
	}
	return Resolve(world, room, user, g), nil
}

func (e *Engine) HasPermission(ctx context.Context, world *types.World, room *types.Room, user *types.User, p Permission) (bool, error) {
	set, err := e.EffectivePermissions(ctx, world, room, user)
	if err != nil {
		return false, err
	}
	return set.Has(p), nil
}

// HasPermissionSync checks p over preloaded grants without touching the database.
func (e *Engine) HasPermissionSync(world *types.World, room *types.Room, user *types.User, grants Grants, p Permission) bool {
	return Resolve(world, room, user, grants).Has(p)
}

// Roles returns the role names of user, for the authenticated payload and admin tooling.
func (e *Engine) Roles(ctx context.Context, world *types.World, room *types.Room, user *types.User) ([]string, error) {
	g, err := e.Grants(ctx, user)
	if err != nil {
		return nil, err
	}
	return Roles(world, room, user, g), nil
}
