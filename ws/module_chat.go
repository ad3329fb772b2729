package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/filter"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventChatEvent                = "chat.event"
	EventChatChannels             = "chat.channels"
	EventChatReadPointers         = "chat.read_pointers"
	EventChatNotificationPointers = "chat.notification_pointers"

	chatEventMessage = "channel.message"
	chatEventMember  = "channel.member"

	defaultFetchCount = 50
)

type chatSendBody struct {
	EventType string                 `mapstructure:"event_type" validate:"required"`
	Content   map[string]interface{} `mapstructure:"content"`
}

type chatFetchBody struct {
	Count    int   `mapstructure:"count" validate:"omitempty,min=1,max=100"`
	BeforeId int64 `mapstructure:"before_id" validate:"omitempty,min=0"`
}

type chatMarkReadBody struct {
	Id int64 `mapstructure:"id"`
}

type chatDirectBody struct {
	Users []string `mapstructure:"users" validate:"required,min=1,dive,required"`
}

func (s *Server) registerChat(r *Registry) {
	r.Command("chat.join", s.chatJoin, RoomAction(types.ModuleChat, permissions.RoomChatJoin))
	r.Command("chat.leave", s.chatLeave, RoomAction(types.ModuleChat, ""))
	r.Command("chat.subscribe", s.chatSubscribe, ChannelAction(permissions.RoomChatRead, memberOfDirect))
	r.Command("chat.unsubscribe", s.chatUnsubscribe, ChannelAction("", memberNever))
	r.Command("chat.send", s.chatSend, ChannelAction(permissions.RoomChatSend, memberAlways))
	r.Command("chat.fetch", s.chatFetch, ChannelAction(permissions.RoomChatRead, memberOfDirect))
	r.Command("chat.mark_read", s.chatMarkRead, ChannelAction("", memberAlways))
	r.Command("chat.direct.create", s.chatDirectCreate, RequireWorldPermission(permissions.WorldChatDirect))
	r.Event(EventChatEvent, forwardChatEvent(ForwardIfRoomPermission(permissions.RoomChatRead)))
	r.Event(EventChatChannels, Refresh(sendChannelList))
	r.Event(EventChatReadPointers, Forward)
	r.Event(EventChatNotificationPointers, Forward)
}

// forwardChatEvent delivers events of direct channels to every member; room events need next's check.
func forwardChatEvent(next EventFunc) EventFunc {
	return func(ctx context.Context, c *Client, event *types.Event) error {
		var payload struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return err
		}
		if payload.Room == "" {
			return Forward(ctx, c, event)
		}
		return next(ctx, c, event)
	}
}

func roomIdOf(req *Request) string {
	if req.Room == nil {
		return ""
	}
	return req.Room.Id
}

func chatEventPayload(ev *types.ChatEvent, roomId string) map[string]interface{} {
	return map[string]interface{}{
		"event_id":   ev.Id,
		"channel":    ev.ChannelId,
		"sender":     ev.SenderId,
		"event_type": ev.EventType,
		"content":    ev.Content,
		"timestamp":  ev.Timestamp,
		"room":       roomId,
	}
}

// storeAndPublish appends ev to the channel transcript and broadcasts it to the channel's group.
// The sender defaults to the session's user.
func (c *Client) storeAndPublish(ctx context.Context, ev *types.ChatEvent, roomId string) (map[string]interface{}, error) {
	if ev.SenderId == "" {
		ev.SenderId = c.user.Id
	}
	ev.Timestamp = c.server.clock.Now().UTC()
	if err := c.server.entities.StoreChatEvent(ctx, ev); err != nil {
		return nil, err
	}
	payload := chatEventPayload(ev, roomId)
	return payload, c.publish(ctx, TopicChat(ev.ChannelId), EventChatEvent, payload)
}

// channelList is the "chat.channels" listing of the session's user.
func (c *Client) channelList(ctx context.Context) ([]map[string]interface{}, error) {
	e := c.server.entities
	channels, err := e.UserChannels(ctx, c.user.Id)
	if err != nil {
		return nil, err
	}
	res := make([]map[string]interface{}, 0, len(channels))
	for _, ch := range channels {
		pointer, err := e.HighestChatEventId(ctx, ch.Id)
		if err != nil {
			return nil, err
		}
		entry := map[string]interface{}{"id": ch.Id, "notification_pointer": pointer}
		if ch.RoomId == nil {
			members, err := e.ChannelMembers(ctx, ch.Id)
			if err != nil {
				return nil, err
			}
			entry["members"] = lo.Map(members, func(u *types.User, _ int) map[string]interface{} { return u.Public(false) })
		} else {
			entry["room"] = *ch.RoomId
		}
		res = append(res, entry)
	}
	return res, nil
}

// sendChannelList joins the groups of all channels of the user and sends the fresh listing.
func sendChannelList(ctx context.Context, c *Client, _ *types.Event) error {
	channels, err := c.channelList(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		c.joinChannel(ch["id"].(string))
	}
	return c.sendEvent(EventChatChannels, map[string]interface{}{"channels": channels})
}

func (c *Client) broadcastChannelList(ctx context.Context, userId string) error {
	return c.publish(ctx, TopicUser(userId), EventChatChannels, nil)
}

// subscription joins the channel's group and describes its state.
func (c *Client) subscription(ctx context.Context, ch *types.Channel) (map[string]interface{}, error) {
	e := c.server.entities
	c.joinChannel(ch.Id)
	last, err := e.LastChatEventId(ctx)
	if err != nil {
		return nil, err
	}
	pointer, err := e.HighestChatEventId(ctx, ch.Id)
	if err != nil {
		return nil, err
	}
	adminInfo, err := c.can(ctx, nil, permissions.WorldUsersManage)
	if err != nil {
		return nil, err
	}
	members, err := e.ChannelMembers(ctx, ch.Id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"state":                nil,
		"next_event_id":        last + 1,
		"notification_pointer": pointer,
		"members":              lo.Map(members, func(u *types.User, _ int) map[string]interface{} { return u.Public(adminInfo) }),
	}, nil
}

func (s *Server) chatJoin(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	if c.user.DisplayName() == "" {
		return nil, types.ValidationError("channel.join.missing_profile", "")
	}
	ch, err := c.channel(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	joined, err := s.entities.JoinChannel(ctx, ch.Id, c.user.Id)
	if err != nil {
		return nil, err
	}
	c.joinChannel(ch.Id)
	if joined {
		_, err := c.storeAndPublish(ctx, &types.ChatEvent{
			ChannelId: ch.Id,
			EventType: chatEventMember,
			Content:   types.JSONMap{"membership": "join", "user": c.user.Public(false)},
		}, req.Room.Id)
		if err != nil {
			return nil, err
		}
		if err := s.entities.WatchChannel(ctx, ch.Id, c.user.Id, true); err != nil {
			return nil, err
		}
		if err := c.broadcastChannelList(ctx, c.user.Id); err != nil {
			return nil, err
		}
	}
	members, err := s.entities.ChannelMemberCount(ctx, ch.Id)
	if err != nil {
		return nil, err
	}
	last, err := s.entities.LastChatEventId(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"channel": ch.Id, "members": members, "next_event_id": last + 1}, nil
}

func (s *Server) chatLeave(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	ch, err := c.channel(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	left, err := s.entities.LeaveChannel(ctx, ch.Id, c.user.Id)
	if err != nil {
		return nil, err
	}
	c.leaveChannel(ch.Id)
	if left {
		_, err := c.storeAndPublish(ctx, &types.ChatEvent{
			ChannelId: ch.Id,
			EventType: chatEventMember,
			Content:   types.JSONMap{"membership": "leave", "user": c.user.Public(false)},
		}, req.Room.Id)
		if err != nil {
			return nil, err
		}
		if err := s.entities.WatchChannel(ctx, ch.Id, c.user.Id, false); err != nil {
			return nil, err
		}
		if err := c.broadcastChannelList(ctx, c.user.Id); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Server) chatSubscribe(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	return c.subscription(ctx, req.Channel)
}

func (s *Server) chatUnsubscribe(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	c.leaveChannel(req.Channel.Id)
	return nil, nil
}

func (s *Server) chatSend(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := chatSendBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	ch := req.Channel
	if body.EventType != chatEventMessage {
		return nil, types.ValidationError("chat.unsupported_event_type", "")
	}
	text, _ := body.Content["body"].(string)
	if contentType, _ := body.Content["type"].(string); contentType != "text" || strings.TrimSpace(text) == "" {
		return nil, types.ValidationError("chat.empty", "")
	}
	blocked, err := s.entities.IsBlockedInChannel(ctx, ch.Id, c.user.Id)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, types.PermissionDenied("chat.denied")
	}
	payload, err := c.storeAndPublish(ctx, &types.ChatEvent{
		ChannelId: ch.Id,
		EventType: body.EventType,
		Content:   types.JSONMap{"type": "text", "body": text},
	}, roomIdOf(req))
	if err != nil {
		return nil, err
	}

	// told once until they read the channel again
	notify, err := s.entities.TakeNotify(ctx, ch.Id, c.user.Id)
	if err != nil {
		c.log().Error("could not load unread notifications", "channel", ch.Id, "error", err)
	}
	for _, userId := range notify {
		err := c.publish(ctx, TopicUser(userId), EventChatNotificationPointers, map[string]interface{}{ch.Id: payload["event_id"]})
		if err != nil {
			c.log().Error("could not publish notification pointer", "user", userId, "error", err)
		}
	}
	return map[string]interface{}{"event": payload}, nil
}

func (s *Server) chatFetch(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := chatFetchBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	if body.Count == 0 {
		body.Count = defaultFetchCount
	}
	events, err := s.entities.ChatHistory(ctx, req.Channel.Id, body.BeforeId, body.Count)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		results = append(results, chatEventPayload(ev, roomIdOf(req)))
	}
	return map[string]interface{}{"results": results}, nil
}

func (s *Server) chatMarkRead(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := chatMarkReadBody{}
	if err := s.decode(req.Body, &body); err != nil || body.Id <= 0 {
		return nil, types.ValidationError("chat.invalid_body", "")
	}
	if err := s.entities.MarkRead(ctx, req.Channel.Id, c.user.Id, body.Id); err != nil {
		return nil, err
	}
	pointers, err := s.entities.ReadPointers(ctx, c.user.Id)
	if err != nil {
		return nil, err
	}
	// the other sessions of the user
	return nil, c.publishFiltered(ctx, TopicUser(c.user.Id), EventChatReadPointers, filter.ExcludeSocket(c.socketId), pointers)
}

func (s *Server) chatDirectCreate(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := chatDirectBody{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	userIds := lo.Uniq(append(body.Users, c.user.Id))
	ch, created, users, err := s.entities.GetOrCreateDirectChannel(ctx, c.world.Id, userIds)
	if errors.Is(err, persistence.ErrDirectChannelDenied) {
		return nil, types.PermissionDenied("chat.denied")
	}
	if err != nil {
		return nil, err
	}
	c.log().Debug("direct channel", "channel", ch.Id, "created", created)

	reply, err := c.subscription(ctx, ch)
	if err != nil {
		return nil, err
	}
	if created {
		for _, u := range users {
			_, err := c.storeAndPublish(ctx, &types.ChatEvent{
				ChannelId: ch.Id,
				SenderId:  u.Id,
				EventType: chatEventMember,
				Content:   types.JSONMap{"membership": "join", "user": u.Public(false)},
			}, "")
			if err != nil {
				return nil, err
			}
		}
		for _, u := range users {
			if err := c.broadcastChannelList(ctx, u.Id); err != nil {
				return nil, err
			}
		}
	}
	reply["id"] = ch.Id
	return reply, nil
}
