package ws

import (
	"context"
	"errors"

	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/questions"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventQuestion        = "question.question"
	EventQuestionDeleted = "question.deleted"
)

type questionAskBody struct {
	Content string `mapstructure:"content" validate:"required,max=5000"`
}

type questionUpdateBody struct {
	Id              string `mapstructure:"id" validate:"required"`
	questions.Input `mapstructure:",squash"`
}

func (s *Server) registerQuestion(r *Registry) {
	r.Command("question.ask", s.questionAsk, RoomAction(types.ModuleQuestion, permissions.RoomQuestionAsk))
	r.Command("question.update", s.questionUpdate, RoomAction(types.ModuleQuestion, permissions.RoomQuestionModerate))
	r.Command("question.delete", s.questionDelete, RoomAction(types.ModuleQuestion, permissions.RoomQuestionModerate))
	r.Command("question.list", s.questionList, RoomAction(types.ModuleQuestion, permissions.RoomQuestionRead))
	r.Event(EventQuestion, Forward)
	r.Event(EventQuestionDeleted, Forward)
}

func questionError(err error) error {
	switch {
	case errors.Is(err, questions.ErrUnknownQuestion):
		return types.ResourceUnknown("question.unknown")
	case errors.Is(err, questions.ErrInvalid):
		return types.ValidationError("protocol.invalid", err.Error())
	}
	return err
}

func questionActive(req *Request) bool {
	active, _ := req.ModuleConfig["active"].(bool)
	return active
}

// questionModerated defaults to true.
func questionModerated(req *Request) bool {
	moderated, ok := req.ModuleConfig["requires_moderation"].(bool)
	return !ok || moderated
}

func questionTopic(roomId, state string) string {
	if questions.IsPrivileged(state) {
		return TopicQuestionModerate(roomId)
	}
	return TopicQuestionRead(roomId)
}

// publishQuestion announces a new or changed question to the group allowed to see it.
func (c *Client) publishQuestion(ctx context.Context, q *types.Question, previousState string) error {
	if previousState != "" && !questions.IsPrivileged(previousState) && questions.IsPrivileged(q.State) {
		// back in the moderation queue
		err := c.publish(ctx, TopicQuestionRead(q.RoomId), EventQuestionDeleted, map[string]interface{}{"room": q.RoomId, "id": q.Id})
		if err != nil {
			return err
		}
	}
	return c.publish(ctx, questionTopic(q.RoomId, q.State), EventQuestion, map[string]interface{}{"question": q})
}

func (s *Server) questionAsk(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if !questionActive(req) {
		return nil, types.PermissionDenied("question.inactive")
	}
	body := questionAskBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	q, err := s.questions.Ask(ctx, req.Room.Id, c.user.Id, body.Content, questionModerated(req))
	if err != nil {
		return nil, err
	}
	if err := c.publishQuestion(ctx, q, ""); err != nil {
		return nil, err
	}
	return map[string]interface{}{"question": q}, nil
}

func (s *Server) questionUpdate(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := questionUpdateBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	q, previous, err := s.questions.Update(ctx, req.Room.Id, body.Id, body.Input)
	if err != nil {
		return nil, questionError(err)
	}
	if err := c.publishQuestion(ctx, q, previous); err != nil {
		return nil, err
	}
	return map[string]interface{}{"question": q}, nil
}

func (s *Server) questionDelete(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := userIdBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	q, err := s.questions.Delete(ctx, req.Room.Id, body.Id)
	if err != nil {
		return nil, questionError(err)
	}
	return nil, c.publish(ctx, questionTopic(q.RoomId, q.State), EventQuestionDeleted, map[string]interface{}{
		"room": q.RoomId,
		"id":   q.Id,
	})
}

func (s *Server) questionList(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	moderator, err := c.can(ctx, req.Room, permissions.RoomQuestionModerate)
	if err != nil {
		return nil, err
	}
	if !moderator && !questionActive(req) {
		return nil, types.PermissionDenied("question.inactive")
	}
	return s.questions.List(ctx, req.Room.Id, c.user.Id, moderator)
}
