package ws

import (
	"context"
	"errors"

	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/polls"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventPollCreatedOrUpdated = "poll.created_or_updated"
	EventPollDeleted          = "poll.deleted"
	EventPollPinned           = "poll.pinned"
	EventPollUnpinned         = "poll.unpinned"
	EventPollResults          = "poll.results"
)

type pollBody struct {
	Id          string `mapstructure:"id"`
	polls.Input `mapstructure:",squash"`
}

type pollVoteBody struct {
	Id      string   `mapstructure:"id" validate:"required"`
	Options []string `mapstructure:"options" validate:"required,max=100"`
}

func (s *Server) registerPoll(r *Registry) {
	r.Command("poll.list", s.pollList, RoomAction(types.ModulePoll, permissions.RoomPollRead))
	r.Command("poll.create", s.pollCreate, RoomAction(types.ModulePoll, permissions.RoomPollManage))
	r.Command("poll.update", s.pollUpdate, RoomAction(types.ModulePoll, permissions.RoomPollManage))
	r.Command("poll.delete", s.pollDelete, RoomAction(types.ModulePoll, permissions.RoomPollManage))
	r.Command("poll.vote", s.pollVote, RoomAction(types.ModulePoll, permissions.RoomPollVote))
	r.Command("poll.pin", s.pollPin, RoomAction(types.ModulePoll, permissions.RoomPollManage))
	r.Command("poll.unpin", s.pollUnpin, RoomAction(types.ModulePoll, permissions.RoomPollManage))
	for _, e := range []string{EventPollCreatedOrUpdated, EventPollDeleted, EventPollPinned, EventPollUnpinned, EventPollResults} {
		r.Event(e, Forward)
	}
}

func pollError(err error) error {
	switch {
	case errors.Is(err, polls.ErrUnknownPoll):
		return types.ResourceUnknown("poll.unknown")
	case errors.Is(err, polls.ErrNotOpen), errors.Is(err, polls.ErrInvalidVote):
		return types.ValidationError("poll.vote", err.Error())
	case errors.Is(err, polls.ErrInvalid):
		return types.ValidationError("protocol.invalid", err.Error())
	}
	return err
}

func pollActive(req *Request) bool {
	active, _ := req.ModuleConfig["active"].(bool)
	return active
}

// pollTopic is the group that may see a poll in the given state.
func pollTopic(roomId, state string) string {
	if polls.IsPrivileged(state) {
		return TopicPollManage(roomId)
	}
	return TopicPollRead(roomId)
}

// publishPoll announces a changed poll. Results are never broadcast with it; readers only see
// results of polls they voted in.
func (c *Client) publishPoll(ctx context.Context, roomId string, poll *types.Poll, previousState string) error {
	if previousState != "" && !polls.IsPrivileged(previousState) && polls.IsPrivileged(poll.State) {
		// withdrawn from readers
		err := c.publish(ctx, TopicPollRead(roomId), EventPollDeleted, map[string]interface{}{"room": roomId, "id": poll.Id})
		if err != nil {
			return err
		}
	}
	return c.publish(ctx, pollTopic(roomId, poll.State), EventPollCreatedOrUpdated, map[string]interface{}{
		"room": roomId,
		"poll": poll,
	})
}

func (s *Server) pollList(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	moderator, err := c.can(ctx, req.Room, permissions.RoomPollManage)
	if err != nil {
		return nil, err
	}
	if !moderator && !pollActive(req) {
		return nil, types.PermissionDenied("poll.inactive")
	}
	views, err := s.polls.List(ctx, req.Room.Id, c.user.Id, moderator)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		if v.Answers != nil {
			c.hub.Join(TopicPollResults(v.Id), c)
		}
	}
	return views, nil
}

func (s *Server) pollCreate(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := pollBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	view, err := s.polls.Create(ctx, req.Room.Id, body.Input)
	if err != nil {
		return nil, pollError(err)
	}
	if err := c.publishPoll(ctx, req.Room.Id, view.Poll, ""); err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Server) pollUpdate(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := pollBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	old, err := s.polls.Get(ctx, req.Room.Id, body.Id)
	if err != nil {
		return nil, pollError(err)
	}
	view, err := s.polls.Update(ctx, req.Room.Id, body.Id, body.Input)
	if err != nil {
		return nil, pollError(err)
	}
	if err := c.publishPoll(ctx, req.Room.Id, view.Poll, old.State); err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Server) pollDelete(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	poll, err := s.polls.Delete(ctx, req.Room.Id, body.Id)
	if err != nil {
		return nil, pollError(err)
	}
	return nil, c.publish(ctx, pollTopic(req.Room.Id, poll.State), EventPollDeleted, map[string]interface{}{
		"room": req.Room.Id,
		"id":   poll.Id,
	})
}

func (s *Server) pollVote(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if !pollActive(req) {
		return nil, types.PermissionDenied("poll.inactive")
	}
	body := pollVoteBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	view, err := s.polls.Vote(ctx, req.Room.Id, body.Id, c.user.Id, body.Options)
	if err != nil {
		return nil, pollError(err)
	}
	c.hub.Join(TopicPollResults(view.Id), c)
	results := map[string]interface{}{"room": req.Room.Id, "id": view.Id, "results": view.Results}
	if err := c.publish(ctx, TopicPollResults(view.Id), EventPollResults, results); err != nil {
		return nil, err
	}
	if err := c.publish(ctx, TopicPollManage(req.Room.Id), EventPollResults, results); err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Server) pollPin(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if err := s.polls.Pin(ctx, req.Room.Id, body.Id); err != nil {
		return nil, pollError(err)
	}
	return nil, c.publish(ctx, TopicPollRead(req.Room.Id), EventPollPinned, map[string]interface{}{
		"room": req.Room.Id,
		"id":   body.Id,
	})
}

func (s *Server) pollUnpin(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if err := s.polls.Unpin(ctx, req.Room.Id); err != nil {
		return nil, err
	}
	return nil, c.publish(ctx, TopicPollRead(req.Room.Id), EventPollUnpinned, map[string]interface{}{"room": req.Room.Id})
}
