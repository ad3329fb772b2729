package ws

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/posters"
	"github.com/tcriess/lightspeed-live/types"
)

// presenterExcluded are the poster fields presenters may not change themselves.
var presenterExcluded = []string{"presenters", "parent_room_id"}

func (s *Server) registerPoster(r *Registry) {
	r.Command("poster.list", s.posterList, RoomAction(types.ModulePoster, permissions.RoomPosterRead))
	r.Command("poster.get", s.posterGet)
	r.Command("poster.vote", s.posterVote)
	r.Command("poster.unvote", s.posterUnvote)
	r.Command("poster.patch", s.posterPatch)
	r.Command("poster.delete", s.posterDelete, RequireWorldPermission(permissions.WorldRoomsCreatePoster))
}

func posterError(err error) error {
	switch {
	case errors.Is(err, posters.ErrUnknownPoster):
		return types.ResourceUnknown("poster.unknown")
	case errors.Is(err, posters.ErrUnknownRoom):
		return types.ResourceUnknown("room.unknown")
	}
	return err
}

// poster loads a poster and checks p in its parent room.
func (s *Server) poster(ctx context.Context, c *Client, id string, p permissions.Permission) (*posters.View, error) {
	view, err := s.posters.Get(ctx, c.world.Id, id, c.user.Id)
	if err != nil {
		return nil, posterError(err)
	}
	room, err := c.room(ctx, view.ParentRoomId, s.cfg.Cache.AllowedAge)
	if err != nil {
		return nil, types.ResourceUnknown("poster.unknown")
	}
	ok, err := c.can(ctx, room, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.PermissionDenied("")
	}
	return view, nil
}

func (s *Server) posterList(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	return s.posters.List(ctx, c.world.Id, req.Room.Id, c.user.Id)
}

func (s *Server) posterGet(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	return s.poster(ctx, c, body.Id, permissions.RoomPosterRead)
}

func (s *Server) posterVote(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if _, err := s.poster(ctx, c, body.Id, permissions.RoomPosterVote); err != nil {
		return nil, err
	}
	if _, err := s.posters.Vote(ctx, c.world.Id, body.Id, c.user.Id); err != nil {
		return nil, posterError(err)
	}
	return s.posters.Get(ctx, c.world.Id, body.Id, c.user.Id)
}

func (s *Server) posterUnvote(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if _, err := s.poster(ctx, c, body.Id, permissions.RoomPosterRead); err != nil {
		return nil, err
	}
	if err := s.posters.Unvote(ctx, c.world.Id, body.Id, c.user.Id); err != nil {
		return nil, posterError(err)
	}
	return s.posters.Get(ctx, c.world.Id, body.Id, c.user.Id)
}

// posterPatch creates or updates a poster. Presenters of an existing poster may edit its content.
func (s *Server) posterPatch(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := posters.Patch{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	admin, err := c.can(ctx, nil, permissions.WorldRoomsCreatePoster)
	if err != nil {
		return nil, err
	}
	var exclude []string
	if !admin {
		if body.Id == "" {
			return nil, types.PermissionDenied("")
		}
		existing, err := s.posters.Get(ctx, c.world.Id, body.Id, c.user.Id)
		if err != nil {
			return nil, posterError(err)
		}
		if !lo.Contains(existing.Presenters, c.user.Id) {
			return nil, types.PermissionDenied("")
		}
		exclude = presenterExcluded
	}
	view, err := s.posters.Patch(ctx, c.world.Id, body, exclude...)
	if err != nil {
		return nil, posterError(err)
	}
	return view, nil
}

func (s *Server) posterDelete(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if _, err := s.posters.Delete(ctx, c.world.Id, body.Id); err != nil {
		return nil, posterError(err)
	}
	return nil, nil
}
