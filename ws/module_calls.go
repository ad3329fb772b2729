package ws

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/calls"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
)

const EventBBBCallInvite = "bbb.call_invite"

func (s *Server) registerCalls(r *Registry) {
	r.Command("bbb.room_url", s.bbbRoomURL, RoomAction(types.ModuleBBB, permissions.RoomBBBJoin))
	r.Command("bbb.call_create", s.bbbCallCreate, RequireWorldPermission(permissions.WorldChatDirect))
	r.Command("bbb.call_url", s.bbbCallURL)
	r.Command("janus.room_url", s.janusRoomURL, RoomAction(types.ModuleJanus, permissions.RoomJanusJoin))
	r.Event(EventBBBCallInvite, Forward)
}

// callError hides the details of call server failures from the client.
func callError(code string, err error) error {
	switch {
	case errors.Is(err, calls.ErrUnavailable), errors.Is(err, calls.ErrNoServer):
		return types.ExternalServiceFailure(code, err)
	case errors.Is(err, calls.ErrUnknownCall):
		return types.ResourceUnknown("bbb.unknown_call")
	case errors.Is(err, calls.ErrNotInvited):
		return types.PermissionDenied("")
	}
	return err
}

func (s *Server) bbbRoomURL(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if s.bbb == nil {
		return nil, types.ExternalServiceFailure("bbb.failed", calls.ErrNoServer)
	}
	if c.user.DisplayName() == "" {
		return nil, types.ValidationError("bbb.join.missing_profile", "")
	}
	moderator, err := c.can(ctx, req.Room, permissions.RoomBBBModerate)
	if err != nil {
		return nil, err
	}
	url, err := s.bbb.RoomURL(ctx, c.world, req.Room, c.user, moderator)
	if err != nil {
		return nil, callError("bbb.failed", err)
	}
	return map[string]interface{}{"url": url}, nil
}

func (s *Server) bbbCallCreate(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if s.bbb == nil {
		return nil, types.ExternalServiceFailure("bbb.failed", calls.ErrNoServer)
	}
	body := struct {
		Users []string `mapstructure:"users" validate:"required,min=1,max=50"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	ids := lo.Uniq(append(body.Users, c.user.Id))
	users, err := s.entities.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	members := lo.Filter(users, func(u *types.User, _ int) bool { return u.WorldId == c.world.Id && !u.Deleted })
	if len(members) != len(ids) {
		return nil, types.ResourceUnknown("user.not_found")
	}
	call, err := s.bbb.CreateCall(ctx, c.world, members)
	if err != nil {
		return nil, callError("bbb.failed", err)
	}
	for _, m := range members {
		if m.Id == c.user.Id {
			continue
		}
		err := c.publish(ctx, TopicUser(m.Id), EventBBBCallInvite, map[string]interface{}{
			"call": call.Id,
			"user": c.user.Public(false),
		})
		if err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"call": call.Id}, nil
}

func (s *Server) bbbCallURL(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if s.bbb == nil {
		return nil, types.ExternalServiceFailure("bbb.failed", calls.ErrNoServer)
	}
	body := struct {
		Call string `mapstructure:"call" validate:"required"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if c.user.DisplayName() == "" {
		return nil, types.ValidationError("bbb.join.missing_profile", "")
	}
	url, err := s.bbb.CallURL(ctx, body.Call, c.user)
	if err != nil {
		return nil, callError("bbb.failed", err)
	}
	return map[string]interface{}{"url": url}, nil
}

func (s *Server) janusRoomURL(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if s.janus == nil {
		return nil, types.ExternalServiceFailure("janus.failed", calls.ErrNoServer)
	}
	room, err := s.janus.RoomURL(ctx, req.Room)
	if err != nil {
		return nil, callError("janus.failed", err)
	}
	return room, nil
}
