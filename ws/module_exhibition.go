package ws

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/exhibition"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventContactRequest      = "exhibition.contact_request"
	EventContactRequestClose = "exhibition.contact_request_close"
	EventContactAccepted     = "exhibition.contact_accepted"
)

type staffBody struct {
	Exhibitor string `mapstructure:"exhibitor" validate:"required"`
	User      string `mapstructure:"user" validate:"required"`
}

type contactBody struct {
	ContactRequest string `mapstructure:"contact_request" validate:"required"`
}

func (s *Server) registerExhibition(r *Registry) {
	r.Command("exhibition.list", s.exhibitionList)
	r.Command("exhibition.list.all", s.exhibitionListAll)
	r.Command("exhibition.get.staffed_by_user", s.exhibitionStaffedByUser)
	r.Command("exhibition.get", s.exhibitionGet)
	r.Command("exhibition.patch", s.exhibitionPatch)
	r.Command("exhibition.delete", s.exhibitionDelete, RequireWorldPermission(permissions.WorldRoomsCreateExhibit))
	r.Command("exhibition.add_staff", s.exhibitionAddStaff, RequireWorldPermission(permissions.WorldRoomsCreateExhibit))
	r.Command("exhibition.remove_staff", s.exhibitionRemoveStaff, RequireWorldPermission(permissions.WorldRoomsCreateExhibit))
	r.Command("exhibition.contact", s.exhibitionContact, RequireWorldPermission(permissions.WorldExhibitionContact))
	r.Command("exhibition.contact_cancel", s.exhibitionContactCancel)
	r.Command("exhibition.contact_accept", s.exhibitionContactAccept)
	r.Event(EventContactRequest, Forward)
	r.Event(EventContactRequestClose, Forward)
	r.Event(EventContactAccepted, Forward)
	r.OnDisconnect(s.exhibitionDisconnect)
}

func exhibitionError(err error) error {
	switch {
	case errors.Is(err, exhibition.ErrUnknownExhibitor):
		return types.ResourceUnknown("exhibition.unknown_exhibitor")
	case errors.Is(err, exhibition.ErrUnknownRequest):
		return types.ResourceUnknown("exhibition.unknown_contact_request")
	case errors.Is(err, exhibition.ErrUnknownRoom):
		return types.ResourceUnknown("room.unknown")
	case errors.Is(err, exhibition.ErrNotStaff):
		return types.PermissionDenied("exhibition.not_staff_member")
	}
	return err
}

// exhibitionList lists the exhibitors of body.room, or without a room the ones the user staffs.
func (s *Server) exhibitionList(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := struct {
		Room string `mapstructure:"room"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if body.Room == "" {
		views, err := s.exhibition.ListAll(ctx, c.world.Id, c.user.Id)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"exhibitors": views}, nil
	}
	room, err := c.room(ctx, body.Room, 0)
	if err != nil {
		return nil, err
	}
	if !room.HasModule(types.ModuleExhibition) {
		return nil, types.ResourceUnknown("room.unknown")
	}
	ok, err := c.can(ctx, room, permissions.RoomView)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.PermissionDenied("")
	}
	views, err := s.exhibition.List(ctx, c.world.Id, room.Id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"exhibitors": views}, nil
}

// exhibitionListAll lists every exhibitor of the world to managers, and the staffed ones to everybody else.
func (s *Server) exhibitionListAll(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	admin, err := c.can(ctx, nil, permissions.WorldRoomsCreateExhibit)
	if err != nil {
		return nil, err
	}
	views, err := s.exhibition.ListAll(ctx, c.world.Id, lo.Ternary(admin, "", c.user.Id))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"exhibitors": views}, nil
}

func (s *Server) exhibitionStaffedByUser(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := struct {
		UserId string `mapstructure:"user_id" validate:"required"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	views, err := s.exhibition.ListAll(ctx, c.world.Id, body.UserId)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"exhibitors": views}, nil
}

// staffChange resolves the user of a staff command; unknown users and exhibitors share one error.
func (s *Server) staffChange(ctx context.Context, c *Client, req *Request, change func(ctx context.Context, worldId, id, userId string) error) (interface{}, error) {
	body := staffBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	user, err := s.entities.User(ctx, body.User, 0)
	if errors.Is(err, cache.ErrNotFound) || (err == nil && user.WorldId != c.world.Id) {
		return nil, types.ResourceUnknown("exhibition.unknown_user_or_exhibitor")
	}
	if err != nil {
		return nil, err
	}
	err = change(ctx, c.world.Id, body.Exhibitor, user.Id)
	if errors.Is(err, exhibition.ErrUnknownExhibitor) {
		return nil, types.ResourceUnknown("exhibition.unknown_user_or_exhibitor")
	}
	if err != nil {
		return nil, err
	}
	view, err := s.exhibition.Get(ctx, c.world.Id, body.Exhibitor)
	if err != nil {
		return nil, exhibitionError(err)
	}
	return map[string]interface{}{"exhibitor": view}, nil
}

func (s *Server) exhibitionAddStaff(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	return s.staffChange(ctx, c, req, s.exhibition.AddStaff)
}

func (s *Server) exhibitionRemoveStaff(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	return s.staffChange(ctx, c, req, s.exhibition.RemoveStaff)
}

func (s *Server) exhibitionGet(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	view, err := s.exhibition.Get(ctx, c.world.Id, body.Id)
	if err != nil {
		return nil, exhibitionError(err)
	}
	return map[string]interface{}{"exhibitor": view}, nil
}

// exhibitionPatch creates or updates an exhibitor. Staff members may change the presentation of
// their own exhibitor.
func (s *Server) exhibitionPatch(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := exhibition.Patch{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	admin, err := c.can(ctx, nil, permissions.WorldRoomsCreateExhibit)
	if err != nil {
		return nil, err
	}
	var exclude []string
	if !admin {
		if body.Id == "" {
			return nil, types.PermissionDenied("")
		}
		existing, err := s.exhibition.Get(ctx, c.world.Id, body.Id)
		if err != nil {
			return nil, exhibitionError(err)
		}
		if !lo.Contains(existing.Staff, c.user.Id) {
			return nil, types.PermissionDenied("exhibition.not_staff_member")
		}
		exclude = exhibition.StaffExcluded
	}
	view, err := s.exhibition.Patch(ctx, c.world.Id, body, exclude...)
	if err != nil {
		return nil, exhibitionError(err)
	}
	return map[string]interface{}{"exhibitor": view}, nil
}

func (s *Server) exhibitionDelete(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if _, err := s.exhibition.Delete(ctx, c.world.Id, body.Id); err != nil {
		return nil, exhibitionError(err)
	}
	return nil, nil
}

func (s *Server) exhibitionContact(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := struct {
		Exhibitor string `mapstructure:"exhibitor" validate:"required"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	cr, err := s.exhibition.Contact(ctx, c.world.Id, body.Exhibitor, c.user.Id)
	if err != nil {
		return nil, exhibitionError(err)
	}
	payload := map[string]interface{}{"contact_request": cr, "user": c.user.Public(false)}
	for _, staff := range cr.Exhibitor.Staff {
		if err := c.publish(ctx, TopicUser(staff), EventContactRequest, payload); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"contact_request": cr}, nil
}

func (s *Server) exhibitionContactCancel(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := contactBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	cr, err := s.exhibition.Cancel(ctx, c.world.Id, body.ContactRequest, c.user.Id)
	if err != nil {
		return nil, exhibitionError(err)
	}
	return nil, s.NotifyContactClosed(ctx, cr)
}

func (s *Server) exhibitionContactAccept(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := contactBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	cr, err := s.exhibition.Accept(ctx, c.world.Id, body.ContactRequest, c.user.Id)
	if err != nil {
		return nil, exhibitionError(err)
	}
	err = c.publish(ctx, TopicUser(cr.UserId), EventContactAccepted, map[string]interface{}{
		"contact_request": cr,
		"user":            c.user.Public(false),
	})
	if err != nil {
		return nil, err
	}
	if err := s.NotifyContactClosed(ctx, cr); err != nil {
		return nil, err
	}
	return map[string]interface{}{"contact_request": cr}, nil
}

// NotifyContactClosed tells the exhibitor's staff that a request is no longer open.
func (s *Server) NotifyContactClosed(ctx context.Context, cr *exhibition.Request) error {
	for _, staff := range cr.Exhibitor.Staff {
		err := s.hub.PublishData(ctx, TopicUser(staff), EventContactRequestClose, types.Source{}, "",
			map[string]interface{}{"contact_request": cr})
		if err != nil {
			return err
		}
	}
	return nil
}

// exhibitionDisconnect cancels the open requests of a user whose last connection is gone.
func (s *Server) exhibitionDisconnect(ctx context.Context, c *Client) error {
	n, err := c.userConnections(ctx, c.user.Id)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	open, err := s.exhibition.OpenRequestsFrom(ctx, c.user.Id)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range open {
		cr, err := s.exhibition.Cancel(ctx, c.world.Id, o.Id, c.user.Id)
		if errors.Is(err, exhibition.ErrUnknownRequest) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, s.NotifyContactClosed(ctx, cr))
	}
	return errors.Join(errs...)
}
