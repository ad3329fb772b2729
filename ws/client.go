package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/tcriess/lightspeed-live/filter"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	pongWait   = 2 * time.Minute
	pingPeriod = time.Minute
	writeWait  = 10 * time.Second

	inboundChannelSize = 16
)

var errClientClosed = errors.New("client closed")

// Client is a middleman between the websocket connection and the hub. Inbound commands and
// delivered events are handled strictly one after another by the process loop, which owns the
// session state (world, user, entered rooms).
type Client struct {
	server   *Server
	hub      *Hub
	conn     *websocket.Conn
	socketId string
	worldId  string
	// replaced once the user is known; the hub and the io loops read it concurrently
	logger atomic.Pointer[hclog.Logger]

	// Buffered channel of outbound messages.
	send chan []byte
	// Messages read from the connection.
	inbound chan []byte
	// Events delivered by the hub. A client that does not keep up is disconnected.
	events chan *types.Event

	done      chan struct{}
	closeOnce sync.Once

	// identity as seen by target filters, read by the hub
	identity atomic.Pointer[filter.User]

	// session state, only touched by the process loop
	world    *types.World
	user     *types.User
	// entered rooms with the topics joined on entering
	rooms    map[string][]string
	channels map[string]struct{}
	// rooms with a waiting roulette request of this socket
	roulette map[string]struct{}

	// running read/write/process loops
	sync.WaitGroup
}

func newClient(s *Server, conn *websocket.Conn, world *types.World) *Client {
	socketId := uuid.NewString()
	c := &Client{
		server:   s,
		hub:      s.hub,
		conn:     conn,
		socketId: socketId,
		worldId:  world.Id,
		send:     make(chan []byte, s.cfg.Client.SendBufferSize),
		inbound:  make(chan []byte, inboundChannelSize),
		events:   make(chan *types.Event, s.cfg.Client.SendBufferSize),
		done:     make(chan struct{}),
		world:    world,
		rooms:    make(map[string][]string),
		channels: make(map[string]struct{}),
		roulette: make(map[string]struct{}),
	}
	c.setLogger(s.logger.With("socket", socketId, "world", world.Id))
	return c
}

func (c *Client) SocketId() string { return c.socketId }

func (c *Client) log() hclog.Logger { return *c.logger.Load() }

func (c *Client) setLogger(logger hclog.Logger) { c.logger.Store(&logger) }

// Close terminates the connection; all loops exit.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Closed() <-chan struct{} { return c.done }

// enqueue is called by the hub and never blocks.
func (c *Client) enqueue(event *types.Event) {
	select {
	case c.events <- event:
	case <-c.done:
	default:
		c.log().Warn("event buffer full, disconnecting client", "topic", event.Topic, "type", event.Type)
		go c.Close()
	}
}

func (c *Client) filterEnv(event *types.Event) filter.Env {
	env := filter.Env{
		Source: filter.Source{User: filter.User{Id: event.Source.UserId}, Socket: event.Source.SocketId},
		Target: filter.Target{Socket: c.socketId},
		Topic:  event.Topic,
		Type:   event.Type,
	}
	if u := c.identity.Load(); u != nil {
		env.Target.User = *u
	}
	return env
}

func (c *Client) setUser(user *types.User) {
	c.user = user
	c.identity.Store(&filter.User{
		Id:              user.Id,
		Type:            user.Type,
		Traits:          []string(user.Traits),
		ModerationState: user.ModerationState,
	})
}

func (c *Client) source() types.Source {
	s := types.Source{SocketId: c.socketId}
	if c.user != nil {
		s.UserId = c.user.Id
	}
	return s
}

// write queues a message for the write loop.
func (c *Client) write(msg []byte) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	}
}

func (c *Client) writeJSON(v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) sendEvent(name string, payload interface{}) error {
	msg, err := types.EventMessage(name, payload)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) respond(f *types.Frame, payload interface{}) error {
	msg, err := f.Response(types.WireStatusSuccess, payload)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) respondError(f *types.Frame, err error) error {
	e := types.AsError(err)
	switch e.Kind {
	case types.KindInternal:
		c.log().Error("command failed", "command", commandOf(f), "error", err)
	case types.KindExternalService:
		c.log().Warn("external service failed", "command", commandOf(f), "error", err)
	default:
		c.log().Debug("command rejected", "command", commandOf(f), "code", e.Code)
	}
	msg, mErr := f.Response(types.WireStatusError, e.Payload())
	if mErr != nil {
		return mErr
	}
	return c.write(msg)
}

func commandOf(f *types.Frame) string {
	if f == nil {
		return ""
	}
	return f.Command
}

// ReadLoop pumps messages from the websocket connection to the process loop.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.Close()
		c.WaitGroup.Done()
	}()
	c.conn.SetReadLimit(c.server.cfg.Client.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log().Debug("ws closed unexpectedly", "error", err)
			}
			return
		}
		select {
		case c.inbound <- raw:
		case <-c.done:
			return
		}
	}
}

// WriteLoop pumps messages to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.WaitGroup.Done()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log().Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log().Debug("could not send ping message, exiting write loop")
				return
			}

		case <-c.done:
			return
		}
	}
}

// ProcessLoop handles inbound commands and delivered events one at a time.
func (c *Client) ProcessLoop(ctx context.Context) {
	defer func() {
		c.Close()
		c.disconnect()
		c.WaitGroup.Done()
	}()
	for {
		select {
		case raw := <-c.inbound:
			c.handleMessage(ctx, raw)
		case event := <-c.events:
			c.handleEvent(ctx, event)
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// closeAfter closes the connection after the queued messages had a chance to be written.
func (c *Client) closeAfter(d time.Duration) {
	go func() {
		select {
		case <-time.After(d):
		case <-c.done:
		}
		c.Close()
	}()
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	f, err := types.ParseFrame(raw)
	if errors.Is(err, types.ErrInvalidBody) {
		_ = c.respondError(f, types.ProtocolError("protocol.invalid"))
		return
	}
	if err != nil {
		_ = c.respondError(nil, types.ProtocolError("protocol.invalid"))
		return
	}
	if f.Command == types.CommandPing {
		var payload interface{} = f.Raw
		if len(f.Raw) == 0 {
			payload = nil
		}
		_ = c.writeJSON([]interface{}{types.EventPong, payload})
		return
	}
	if f.Command == types.CommandAuthenticate {
		if c.user != nil {
			_ = c.respondError(f, types.ProtocolError("protocol.already_authenticated"))
			return
		}
		c.authenticate(ctx, f)
		return
	}
	if c.user == nil {
		_ = c.respondError(f, types.ProtocolError("protocol.unauthenticated"))
		return
	}
	handler, lookupErr := c.server.registry.lookup(f.Command)
	if lookupErr != nil {
		_ = c.respondError(f, lookupErr)
		return
	}
	if err := c.refresh(ctx, 0); err != nil {
		_ = c.respondError(f, err)
		return
	}
	if c.user.IsBanned() {
		_ = c.respondError(f, types.AuthError("auth.denied", nil))
		c.closeAfter(500 * time.Millisecond)
		return
	}
	res, err := handler(ctx, c, &Request{Frame: f, Body: f.Body})
	if err != nil {
		_ = c.respondError(f, err)
		return
	}
	_ = c.respond(f, res)
}

// refresh revalidates the session's world and user against the shared versions.
func (c *Client) refresh(ctx context.Context, allowedAge time.Duration) error {
	world, err := c.server.entities.World(ctx, c.world.Id, allowedAge)
	if err != nil {
		return err
	}
	c.world = world
	if c.user != nil {
		user, err := c.server.entities.User(ctx, c.user.Id, allowedAge)
		if err != nil {
			return err
		}
		c.setUser(user)
	}
	return nil
}

func (c *Client) handleEvent(ctx context.Context, event *types.Event) {
	switch event.Type {
	case EventConnectionDrop:
		c.Close()
		return
	case EventConnectionReload:
		_ = c.sendEvent(EventConnectionReload, nil)
		c.closeAfter(2 * time.Second)
		return
	}
	if c.user == nil {
		return
	}
	handler, ok := c.server.registry.event(event.Type)
	if !ok {
		c.log().Warn("no handler for event", "type", event.Type)
		return
	}
	if err := handler(ctx, c, event); err != nil {
		if errors.Is(err, errClientClosed) {
			return
		}
		c.log().Error("could not handle event", "type", event.Type, "error", err)
	}
}

// disconnect runs once the process loop exits.
func (c *Client) disconnect() {
	c.hub.Unregister(c)
	if c.user == nil {
		return
	}
	// the request context is gone at this point
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.server.entities.RemoveConnection(ctx, c.socketId); err != nil {
		c.log().Error("could not remove connection", "error", err)
	}
	for _, hook := range c.server.registry.disconnectHooks {
		if err := hook(ctx, c); err != nil {
			c.log().Error("disconnect hook failed", "error", err)
		}
	}
}

func (c *Client) enterRoom(roomId string, topics ...string) {
	c.leaveRoom(roomId)
	c.rooms[roomId] = topics
	c.hub.Join(TopicRoom(roomId), c)
	for _, t := range topics {
		c.hub.Join(t, c)
	}
}

// leaveRoom leaves the topics joined by enterRoom. Chat topics of joined channels are kept.
func (c *Client) leaveRoom(roomId string) {
	topics, ok := c.rooms[roomId]
	if !ok {
		return
	}
	delete(c.rooms, roomId)
	c.hub.Leave(TopicRoom(roomId), c)
	for _, t := range topics {
		if c.memberTopic(t) {
			continue
		}
		c.hub.Leave(t, c)
	}
}

func (c *Client) joinChannel(channelId string) {
	c.channels[channelId] = struct{}{}
	c.hub.Join(TopicChat(channelId), c)
}

func (c *Client) leaveChannel(channelId string) {
	delete(c.channels, channelId)
	for _, topics := range c.rooms {
		for _, t := range topics {
			if t == TopicChat(channelId) {
				// still reading the room
				return
			}
		}
	}
	c.hub.Leave(TopicChat(channelId), c)
}

func (c *Client) memberTopic(topic string) bool {
	for id := range c.channels {
		if TopicChat(id) == topic {
			return true
		}
	}
	return false
}
