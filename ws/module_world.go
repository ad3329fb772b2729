package ws

import (
	"context"

	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
)

const EventWorldUpdated = "world.updated"

// hiddenModuleConfigs are never sent to clients, they contain server side secrets.
var hiddenModuleConfigs = map[string]bool{
	types.ModuleBBB: true,
}

// worldConfig renders the world for the session's user: the world itself, the user's permissions
// and every room the user can view.
func (c *Client) worldConfig(ctx context.Context) (map[string]interface{}, error) {
	grants, err := c.server.permissions.Grants(ctx, c.user)
	if err != nil {
		return nil, err
	}
	worldPerms := permissions.Resolve(c.world, nil, c.user, grants)
	world := map[string]interface{}{
		"id":       c.world.Id,
		"title":    c.world.Title,
		"locale":   c.world.Locale,
		"timezone": c.world.Timezone,
	}
	if worldPerms.Has(permissions.WorldUpdate) {
		world["trait_grants"] = c.world.TraitGrants
		world["permission_config"] = c.world.PermissionConfig
		world["connection_limit"] = c.world.ConnectionLimit
	}
	if worldPerms.Has(permissions.WorldSecrets) {
		world["jwt_secrets"] = c.world.JWTSecrets
	}

	rooms, err := c.server.entities.ListRooms(ctx, c.world.Id)
	if err != nil {
		return nil, err
	}
	roomConfigs := make([]map[string]interface{}, 0, len(rooms))
	for _, room := range rooms {
		perms := permissions.Resolve(c.world, room, c.user, grants)
		if !perms.Has(permissions.RoomView) {
			continue
		}
		roomConfigs = append(roomConfigs, roomConfig(room, perms))
	}
	return map[string]interface{}{
		"world":       world,
		"permissions": worldPerms.List(),
		"rooms":       roomConfigs,
	}, nil
}

// roomConfig is the client representation of a room given the viewer's permissions in it.
func roomConfig(room *types.Room, perms permissions.Set) map[string]interface{} {
	modules := make([]map[string]interface{}, 0, len(room.ModuleConfig))
	for _, m := range room.ModuleConfig {
		cfg := m.Config
		if cfg == nil || hiddenModuleConfigs[m.Type] {
			cfg = map[string]interface{}{}
		}
		modules = append(modules, map[string]interface{}{"type": m.Type, "config": cfg})
	}
	d := map[string]interface{}{
		"id":               room.Id,
		"name":             room.Name,
		"description":      room.Description,
		"sorting_priority": room.SortingPriority,
		"modules":          modules,
		"permissions":      perms.List(),
	}
	if perms.Has(permissions.RoomUpdate) {
		d["trait_grants"] = room.TraitGrants
		d["permission_config"] = room.PermissionConfig
	}
	return d
}

func (s *Server) registerWorld(r *Registry) {
	r.Command("world.config.get", s.worldConfigGet)
	r.Command("world.config.patch", s.worldConfigPatch, RequireWorldPermission(permissions.WorldUpdate))
	r.Event(EventWorldUpdated, s.onWorldUpdated)
}

func (s *Server) worldConfigGet(ctx context.Context, c *Client, _ *Request) (interface{}, error) {
	return c.worldConfig(ctx)
}

func (s *Server) worldConfigPatch(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := types.WorldPatch{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if body.JWTSecrets != nil {
		ok, err := c.can(ctx, nil, permissions.WorldSecrets)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.PermissionDenied("")
		}
	}
	world, err := s.entities.UpdateWorld(ctx, c.world.Id, body.Fields())
	if err != nil {
		return nil, err
	}
	c.world = world
	c.log().Info("world config updated")
	if err := c.publish(ctx, TopicWorld(world.Id), EventWorldUpdated, nil); err != nil {
		return nil, err
	}
	return c.worldConfig(ctx)
}

// onWorldUpdated re-renders the world config for every connection, permissions may have changed.
func (s *Server) onWorldUpdated(ctx context.Context, c *Client, _ *types.Event) error {
	if err := c.refresh(ctx, 0); err != nil {
		return err
	}
	cfg, err := c.worldConfig(ctx)
	if err != nil {
		return err
	}
	return c.sendEvent(EventWorldUpdated, cfg)
}
