package ws

import (
	"context"
	"encoding/json"

	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventRoomCreate  = "room.create"
	EventRoomUpdated = "room.updated"
	EventRoomDeleted = "room.deleted"
)

// createPermissions is the world permission needed to create a room running a module type. Other
// modules count as stage content.
var createPermissions = map[string]permissions.Permission{
	types.ModuleChat:       permissions.WorldRoomsCreateChat,
	types.ModuleBBB:        permissions.WorldRoomsCreateBBB,
	types.ModuleJanus:      permissions.WorldRoomsCreateBBB,
	types.ModulePoster:     permissions.WorldRoomsCreatePoster,
	types.ModuleExhibition: permissions.WorldRoomsCreateExhibit,
}

func createPermission(moduleType string) permissions.Permission {
	if p, ok := createPermissions[moduleType]; ok {
		return p
	}
	return permissions.WorldRoomsCreateStage
}

func (s *Server) registerRoom(r *Registry) {
	r.Command("room.enter", s.roomEnter, RoomAction("", permissions.RoomView))
	r.Command("room.leave", s.roomLeave)
	r.Command("room.create", s.roomCreate)
	r.Command("room.config.patch", s.roomConfigPatch, RoomAction("", permissions.RoomUpdate))
	r.Command("room.delete", s.roomDelete, RoomAction("", permissions.RoomDelete))
	r.Event(EventRoomCreate, s.onRoomChanged)
	r.Event(EventRoomUpdated, s.onRoomChanged)
	r.Event(EventRoomDeleted, s.onRoomDeleted)
}

// roomTopics lists the groups the session's user listens to while being in room.
func (s *Server) roomTopics(ctx context.Context, room *types.Room, perms permissions.Set) ([]string, error) {
	var topics []string
	if room.HasModule(types.ModulePoll) {
		if perms.Has(permissions.RoomPollRead) {
			topics = append(topics, TopicPollRead(room.Id))
		}
		if perms.Has(permissions.RoomPollManage) {
			topics = append(topics, TopicPollManage(room.Id))
		}
	}
	if room.HasModule(types.ModuleQuestion) {
		if perms.Has(permissions.RoomQuestionRead) {
			topics = append(topics, TopicQuestionRead(room.Id))
		}
		if perms.Has(permissions.RoomQuestionModerate) {
			topics = append(topics, TopicQuestionModerate(room.Id))
		}
	}
	if room.HasModule(types.ModuleChat) && perms.Has(permissions.RoomChatRead) {
		ch, err := s.entities.RoomChannel(ctx, room.Id)
		if err != nil {
			return nil, err
		}
		topics = append(topics, TopicChat(ch.Id))
	}
	return topics, nil
}

func (s *Server) roomEnter(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	perms, err := c.permissionsIn(ctx, req.Room)
	if err != nil {
		return nil, err
	}
	topics, err := s.roomTopics(ctx, req.Room, perms)
	if err != nil {
		return nil, err
	}
	c.enterRoom(req.Room.Id, topics...)
	return nil, nil
}

func (s *Server) roomLeave(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := struct {
		Room string `mapstructure:"room" validate:"required"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	c.leaveRoom(body.Room)
	return nil, nil
}

func (s *Server) roomCreate(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := types.RoomPatch{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if body.Name == nil {
		return nil, types.ValidationError("protocol.invalid", "name is required")
	}
	perms, err := c.permissionsIn(ctx, nil)
	if err != nil {
		return nil, err
	}
	required := lo.Uniq(lo.Map(body.Modules, func(m types.ModuleConfig, _ int) permissions.Permission {
		return createPermission(m.Type)
	}))
	if len(required) == 0 {
		required = []permissions.Permission{permissions.WorldRoomsCreateStage}
	}
	if !lo.EveryBy(required, perms.Has) {
		return nil, types.PermissionDenied("")
	}

	room := body.NewRoom(c.world.Id)
	if err := s.entities.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	c.log().Info("room created", "room", room.Id)
	if err := c.publish(ctx, TopicWorld(c.world.Id), EventRoomCreate, map[string]interface{}{"room": room.Id}); err != nil {
		return nil, err
	}
	res := map[string]interface{}{"room": room.Id}
	if room.HasModule(types.ModuleChat) {
		ch, err := s.entities.RoomChannel(ctx, room.Id)
		if err != nil {
			return nil, err
		}
		res["channel"] = ch.Id
	}
	return res, nil
}

func (s *Server) roomConfigPatch(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := types.RoomPatch{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	room, err := s.entities.UpdateRoom(ctx, req.Room.Id, body.Fields())
	if err != nil {
		return nil, err
	}
	if err := c.publish(ctx, TopicWorld(c.world.Id), EventRoomUpdated, map[string]interface{}{"room": room.Id}); err != nil {
		return nil, err
	}
	perms, err := c.permissionsIn(ctx, room)
	if err != nil {
		return nil, err
	}
	return roomConfig(room, perms), nil
}

func (s *Server) roomDelete(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if _, err := s.entities.DeleteRoom(ctx, req.Room.Id); err != nil {
		return nil, err
	}
	c.log().Info("room deleted", "room", req.Room.Id)
	return nil, c.publish(ctx, TopicWorld(c.world.Id), EventRoomDeleted, map[string]interface{}{"room": req.Room.Id})
}

func eventRoomId(event *types.Event) (string, error) {
	var payload struct {
		Room string `json:"room"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return "", err
	}
	return payload.Room, nil
}

// onRoomChanged sends the rendered room to connections that can view it.
func (s *Server) onRoomChanged(ctx context.Context, c *Client, event *types.Event) error {
	roomId, err := eventRoomId(event)
	if err != nil {
		return err
	}
	if err := c.refresh(ctx, s.cfg.Cache.AllowedAge); err != nil {
		return err
	}
	room, err := c.room(ctx, roomId, 0)
	if err != nil {
		// deleted meanwhile
		return nil
	}
	perms, err := c.permissionsIn(ctx, room)
	if err != nil {
		return err
	}
	if !perms.Has(permissions.RoomView) {
		return nil
	}
	// the poll groups follow the new permissions
	if _, entered := c.rooms[room.Id]; entered {
		topics, err := s.roomTopics(ctx, room, perms)
		if err != nil {
			return err
		}
		c.enterRoom(room.Id, topics...)
	}
	return c.sendEvent(event.Type, roomConfig(room, perms))
}

func (s *Server) onRoomDeleted(ctx context.Context, c *Client, event *types.Event) error {
	roomId, err := eventRoomId(event)
	if err != nil {
		return err
	}
	c.leaveRoom(roomId)
	return c.sendEvent(EventRoomDeleted, map[string]interface{}{"id": roomId})
}
