package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventConnectionDrop   = "connection.drop"
	EventConnectionReload = "connection.reload"
)

// Request is one inbound command. Guards fill in the resolved room or channel.
type Request struct {
	Frame   *types.Frame
	Body    map[string]interface{}
	Room    *types.Room
	Channel *types.Channel
	// ModuleConfig is the config of the module required by the RoomAction guard.
	ModuleConfig map[string]interface{}
}

type HandlerFunc func(ctx context.Context, c *Client, req *Request) (interface{}, error)

type Guard func(HandlerFunc) HandlerFunc

type EventFunc func(ctx context.Context, c *Client, event *types.Event) error

type DisconnectFunc func(ctx context.Context, c *Client) error

// Registry maps commands and event types to their handlers. It is built once at startup.
type Registry struct {
	commands        map[string]HandlerFunc
	events          map[string]EventFunc
	modules         map[string]struct{}
	disconnectHooks []DisconnectFunc
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]HandlerFunc),
		events:   make(map[string]EventFunc),
		modules:  make(map[string]struct{}),
	}
}

// Command registers a handler; guards run in the given order before it.
func (r *Registry) Command(name string, h HandlerFunc, guards ...Guard) {
	for i := len(guards) - 1; i >= 0; i-- {
		h = guards[i](h)
	}
	r.commands[name] = h
	r.modules[moduleOf(name)] = struct{}{}
}

func (r *Registry) Event(eventType string, h EventFunc) {
	r.events[eventType] = h
}

func (r *Registry) OnDisconnect(h DisconnectFunc) {
	r.disconnectHooks = append(r.disconnectHooks, h)
}

func (r *Registry) lookup(command string) (HandlerFunc, error) {
	if h, ok := r.commands[command]; ok {
		return h, nil
	}
	module := moduleOf(command)
	if _, ok := r.modules[module]; ok && module != command {
		return nil, types.ProtocolError(module + ".unsupported_command")
	}
	return nil, types.ProtocolError("protocol.unknown_command")
}

func (r *Registry) event(eventType string) (EventFunc, bool) {
	h, ok := r.events[eventType]
	return h, ok
}

func moduleOf(command string) string {
	module, _, _ := strings.Cut(command, ".")
	return module
}

// can checks a permission of the session's user, in the room if one is given.
func (c *Client) can(ctx context.Context, room *types.Room, p permissions.Permission) (bool, error) {
	return c.server.permissions.HasPermission(ctx, c.world, room, c.user, p)
}

func (c *Client) permissionsIn(ctx context.Context, room *types.Room) (permissions.Set, error) {
	return c.server.permissions.EffectivePermissions(ctx, c.world, room, c.user)
}

// room loads a room of the session's world; deleted and foreign rooms are unknown.
func (c *Client) room(ctx context.Context, roomId string, allowedAge time.Duration) (*types.Room, error) {
	if roomId == "" {
		return nil, types.ResourceUnknown("room.unknown")
	}
	room, err := c.server.entities.Room(ctx, roomId, allowedAge)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, types.ResourceUnknown("room.unknown")
	}
	if err != nil {
		return nil, err
	}
	if room.WorldId != c.world.Id || room.Deleted {
		return nil, types.ResourceUnknown("room.unknown")
	}
	return room, nil
}

// RoomAction resolves body.room, or the room of body.channel, requires the given module (if not
// empty) and checks the permission in the room (if not empty).
func RoomAction(module string, p permissions.Permission) Guard {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *Client, req *Request) (interface{}, error) {
			roomId, _ := req.Body["room"].(string)
			if channelId, ok := req.Body["channel"].(string); ok && roomId == "" {
				ch, err := c.server.entities.GetChannel(ctx, channelId)
				if err != nil || ch.WorldId != c.world.Id || ch.RoomId == nil {
					return nil, types.ResourceUnknown("room.unknown")
				}
				req.Channel = ch
				roomId = *ch.RoomId
			}
			room, err := c.room(ctx, roomId, 0)
			if err != nil {
				return nil, err
			}
			req.Room = room
			if module != "" {
				m := room.Module(module)
				if m == nil {
					return nil, types.ResourceUnknown("room.unknown")
				}
				req.ModuleConfig = m.Config
				if req.ModuleConfig == nil {
					req.ModuleConfig = map[string]interface{}{}
				}
			}
			if p != "" {
				ok, err := c.can(ctx, room, p)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, types.PermissionDenied("")
				}
			}
			return next(ctx, c, req)
		}
	}
}

// Membership rules of ChannelAction.
func memberOfDirect(ch *types.Channel) bool { return ch.RoomId == nil }
func memberAlways(*types.Channel) bool      { return true }
func memberNever(*types.Channel) bool       { return false }

// channel resolves body.channel, or the channel of body.room, inside the session's world.
func (c *Client) channel(ctx context.Context, body map[string]interface{}) (*types.Channel, error) {
	channelId, _ := body["channel"].(string)
	if channelId == "" {
		roomId, _ := body["room"].(string)
		if roomId == "" {
			return nil, types.ValidationError("protocol.invalid", "missing channel")
		}
		if _, err := c.room(ctx, roomId, 0); err != nil {
			return nil, err
		}
		ch, err := c.server.entities.RoomChannel(ctx, roomId)
		if errors.Is(err, cache.ErrNotFound) {
			return nil, types.ResourceUnknown("room.unknown")
		}
		return ch, err
	}
	ch, err := c.server.entities.GetChannel(ctx, channelId)
	if errors.Is(err, cache.ErrNotFound) || (err == nil && ch.WorldId != c.world.Id) {
		return nil, types.ResourceUnknown("room.unknown")
	}
	return ch, err
}

// ChannelAction resolves the channel of a chat command. For room channels the room must run the chat
// module and the user needs p in it (if not empty); direct channels carry no room permissions.
// Membership is required when requireMembership says so for the channel.
func ChannelAction(p permissions.Permission, requireMembership func(*types.Channel) bool) Guard {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *Client, req *Request) (interface{}, error) {
			ch, err := c.channel(ctx, req.Body)
			if err != nil {
				return nil, err
			}
			req.Channel = ch
			if ch.RoomId != nil {
				room, err := c.room(ctx, *ch.RoomId, 0)
				if err != nil {
					return nil, err
				}
				m := room.Module(types.ModuleChat)
				if m == nil {
					return nil, types.ResourceUnknown("room.unknown")
				}
				req.Room = room
				req.ModuleConfig = m.Config
				if req.ModuleConfig == nil {
					req.ModuleConfig = map[string]interface{}{}
				}
				if p != "" {
					ok, err := c.can(ctx, room, p)
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, types.PermissionDenied("")
					}
				}
			}
			if requireMembership(ch) {
				ok, err := c.server.entities.IsChannelMember(ctx, ch.Id, c.user.Id)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, types.PermissionDenied("chat.denied")
				}
			}
			return next(ctx, c, req)
		}
	}
}

func RequireWorldPermission(p permissions.Permission) Guard {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *Client, req *Request) (interface{}, error) {
			ok, err := c.can(ctx, nil, p)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, types.PermissionDenied("")
			}
			return next(ctx, c, req)
		}
	}
}

// Refresh revalidates world and user with the configured staleness before an event is handled.
func Refresh(next EventFunc) EventFunc {
	return func(ctx context.Context, c *Client, event *types.Event) error {
		if err := c.refresh(ctx, c.server.cfg.Cache.AllowedAge); err != nil {
			return err
		}
		return next(ctx, c, event)
	}
}

// Forward sends the event payload unchanged as [type, data].
func Forward(_ context.Context, c *Client, event *types.Event) error {
	return c.sendEvent(event.Type, event.Data)
}

// ForwardIfRoomPermission forwards events whose payload names a room the receiver has p in.
func ForwardIfRoomPermission(p permissions.Permission) EventFunc {
	return Refresh(func(ctx context.Context, c *Client, event *types.Event) error {
		var payload struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return err
		}
		room, err := c.room(ctx, payload.Room, c.server.cfg.Cache.AllowedAge)
		if err != nil {
			// deleted meanwhile
			return nil
		}
		ok, err := c.can(ctx, room, p)
		if err != nil || !ok {
			return err
		}
		return c.sendEvent(event.Type, event.Data)
	})
}

// decode fills dst from a command body and validates it.
func (s *Server) decode(body map[string]interface{}, dst interface{}) error {
	if err := mapstructure.WeakDecode(body, dst); err != nil {
		return types.ValidationError("protocol.invalid", err.Error())
	}
	if err := s.validate.Struct(dst); err != nil {
		return types.ValidationError("protocol.invalid", err.Error())
	}
	return nil
}

func (c *Client) publish(ctx context.Context, topic, eventType string, data interface{}) error {
	return c.hub.PublishData(ctx, topic, eventType, c.source(), "", data)
}

func (c *Client) publishFiltered(ctx context.Context, topic, eventType, targetFilter string, data interface{}) error {
	return c.hub.PublishData(ctx, topic, eventType, c.source(), targetFilter, data)
}
