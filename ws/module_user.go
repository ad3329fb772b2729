package ws

import (
	"context"
	"errors"
	"time"

	"github.com/folkengine/goname"
	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/auth"
	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/filter"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventUserUpdated = "user.updated"
)

type authenticateBody struct {
	ClientId string `mapstructure:"client_id" validate:"omitempty,max=200"`
	Token    string `mapstructure:"token"`
	Provider string `mapstructure:"provider"`
	IdToken  string `mapstructure:"id_token"`
}

// authenticate establishes the identity of the connection. It is answered with an "authenticated"
// event carrying the configs the client needs to render the world.
func (c *Client) authenticate(ctx context.Context, f *types.Frame) {
	body := authenticateBody{}
	if err := c.server.decode(f.Body, &body); err != nil {
		_ = c.respondError(f, err)
		return
	}
	if err := c.refresh(ctx, 0); err != nil {
		_ = c.respondError(f, err)
		return
	}
	ident, err := c.identify(ctx, body)
	if err != nil {
		_ = c.respondError(f, err)
		return
	}
	user, err := c.server.entities.LoginUser(ctx, *ident)
	if err != nil {
		_ = c.respondError(f, err)
		return
	}
	if user.IsBanned() {
		_ = c.respondError(f, types.AuthError("auth.denied", nil))
		c.closeAfter(500 * time.Millisecond)
		return
	}
	if limit := c.world.ConnectionLimit; limit > 0 {
		n, err := c.userConnections(ctx, user.Id)
		if err != nil {
			_ = c.respondError(f, err)
			return
		}
		if n >= int64(limit) {
			_ = c.respondError(f, types.PermissionDenied("world.connection_limit"))
			return
		}
	}
	c.setLogger(c.log().With("user", user.Id))
	c.setUser(user)
	if err := c.addPresence(ctx); err != nil {
		c.user = nil
		_ = c.respondError(f, err)
		return
	}
	c.hub.Join(TopicWorld(c.world.Id), c)
	c.hub.Join(TopicUser(user.Id), c)
	c.hub.Join(TopicSocket(c.socketId), c)
	c.log().Debug("authenticated")

	worldConfig, err := c.worldConfig(ctx)
	if err != nil {
		_ = c.respondError(f, err)
		return
	}
	channels, err := c.channelList(ctx)
	if err != nil {
		_ = c.respondError(f, err)
		return
	}
	for _, ch := range channels {
		c.joinChannel(ch["id"].(string))
	}
	readPointers, err := c.server.entities.ReadPointers(ctx, user.Id)
	if err != nil {
		_ = c.respondError(f, err)
		return
	}
	_ = c.sendEvent(types.EventAuthenticated, map[string]interface{}{
		"user.config":        c.userConfig(),
		"world.config":       worldConfig,
		"chat.channels":      channels,
		"chat.read_pointers": readPointers,
	})
}

func (c *Client) identify(ctx context.Context, body authenticateBody) (*persistence.Identity, error) {
	ident := &persistence.Identity{WorldId: c.world.Id, Type: types.UserTypePerson}
	switch {
	case body.Token != "":
		claims, err := auth.DecodeWorldToken(c.world, body.Token)
		if errors.Is(err, auth.ErrExpiredToken) {
			return nil, types.AuthError("auth.expired_token", err)
		}
		if err != nil {
			return nil, types.AuthError("auth.invalid_token", err)
		}
		ident.TokenId = claims.UID
		ident.Traits = claims.Traits
		ident.Profile = claims.Profile
	case body.IdToken != "":
		if c.server.oidc == nil || !c.server.oidc.Enabled() {
			return nil, types.AuthError("auth.invalid_token", nil)
		}
		oi, err := c.server.oidc.Authenticate(ctx, body.Provider, body.IdToken)
		if err != nil {
			return nil, types.AuthError("auth.invalid_token", err)
		}
		ident.TokenId = body.Provider + ":" + oi.Subject
		ident.Traits = oi.Traits
		if oi.Name != "" {
			ident.Profile = map[string]interface{}{"display_name": oi.Name}
		}
	case body.ClientId != "":
		ident.ClientId = body.ClientId
		// only used when the user is created
		ident.Profile = map[string]interface{}{"display_name": goname.New(goname.FantasyMap).FirstLast() + " (guest)"}
	default:
		return nil, types.AuthError("auth.missing_id_or_token", nil)
	}
	return ident, nil
}

func (c *Client) userConfig() map[string]interface{} {
	d := c.user.Public(true)
	d["traits"] = c.user.Traits
	return d
}

type userIdBody struct {
	Id string `mapstructure:"id" validate:"required"`
}

func (s *Server) registerUser(r *Registry) {
	r.Command("user.update", s.userUpdate)
	r.Command("user.fetch", s.userFetch)
	r.Command("user.block", s.userBlock)
	r.Command("user.unblock", s.userUnblock)
	r.Command("user.list.blocked", s.userListBlocked)
	r.Command("user.ban", s.userModerate(types.ModerationBanned), RequireWorldPermission(permissions.WorldUsersManage))
	r.Command("user.silence", s.userModerate(types.ModerationSilenced), RequireWorldPermission(permissions.WorldUsersManage))
	r.Command("user.reactivate", s.userModerate(types.ModerationNone), RequireWorldPermission(permissions.WorldUsersManage))
	r.Event(EventUserUpdated, s.onUserUpdated)
}

func (s *Server) userUpdate(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := struct {
		Profile map[string]interface{} `mapstructure:"profile" validate:"required"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	user, err := s.entities.UpdateUser(ctx, c.user.Id, map[string]interface{}{"profile": types.JSONMap(body.Profile)})
	if err != nil {
		return nil, err
	}
	c.setUser(user)
	return nil, c.publishFiltered(ctx, TopicUser(user.Id), EventUserUpdated, filter.ExcludeSocket(c.socketId), map[string]interface{}{"user": user.Id})
}

// onUserUpdated tells the user's other connections about profile or moderation changes.
func (s *Server) onUserUpdated(ctx context.Context, c *Client, _ *types.Event) error {
	if err := c.refresh(ctx, 0); err != nil {
		return err
	}
	return c.sendEvent(EventUserUpdated, c.userConfig())
}

func (s *Server) userFetch(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := struct {
		Id  string   `mapstructure:"id"`
		Ids []string `mapstructure:"ids" validate:"max=100"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	admin, err := c.can(ctx, nil, permissions.WorldUsersManage)
	if err != nil {
		return nil, err
	}
	if body.Id != "" {
		user, err := s.entities.User(ctx, body.Id, s.cfg.Cache.AllowedAge)
		if errors.Is(err, cache.ErrNotFound) || (err == nil && user.WorldId != c.world.Id) {
			return nil, types.ResourceUnknown("user.not_found")
		}
		if err != nil {
			return nil, err
		}
		return user.Public(admin), nil
	}
	users, err := s.entities.GetUsers(ctx, body.Ids)
	if err != nil {
		return nil, err
	}
	res := make(map[string]interface{}, len(users))
	for _, u := range users {
		if u.WorldId == c.world.Id {
			res[u.Id] = u.Public(admin)
		}
	}
	return res, nil
}

func (s *Server) userBlock(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if body.Id == c.user.Id {
		return nil, types.ValidationError("user.block.self", "")
	}
	if _, err := s.entities.GetUser(ctx, body.Id); err != nil {
		return nil, types.ResourceUnknown("user.not_found")
	}
	return nil, s.entities.BlockUser(ctx, c.user.Id, body.Id)
}

func (s *Server) userUnblock(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	return nil, s.entities.UnblockUser(ctx, c.user.Id, body.Id)
}

func (s *Server) userListBlocked(ctx context.Context, c *Client, _ *Request) (interface{}, error) {
	users, err := s.entities.BlockedUsers(ctx, c.user.Id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"users": lo.Map(users, func(u *types.User, _ int) map[string]interface{} { return u.Public(false) }),
	}, nil
}

// userModerate changes the moderation state of another user. Banned users are disconnected.
func (s *Server) userModerate(state string) HandlerFunc {
	return func(ctx context.Context, c *Client, req *Request) (interface{}, error) {
		body := userIdBody{}
		if err := s.decode(req.Body, &body); err != nil {
			return nil, err
		}
		target, err := s.entities.User(ctx, body.Id, 0)
		if errors.Is(err, cache.ErrNotFound) || (err == nil && target.WorldId != c.world.Id) {
			return nil, types.ResourceUnknown("user.not_found")
		}
		if err != nil {
			return nil, err
		}
		if target.Id == c.user.Id {
			return nil, types.ValidationError("user.moderate.self", "")
		}
		if _, err := s.entities.SetModerationState(ctx, target.Id, state); err != nil {
			return nil, err
		}
		c.log().Info("moderation state changed", "target", target.Id, "state", state)
		if state == types.ModerationBanned {
			return nil, c.publish(ctx, TopicUser(target.Id), EventConnectionDrop, nil)
		}
		return nil, c.publish(ctx, TopicUser(target.Id), EventUserUpdated, map[string]interface{}{"user": target.Id})
	}
}
