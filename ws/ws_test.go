package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcriess/lightspeed-live/auth"
	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/exhibition"
	"github.com/tcriess/lightspeed-live/filter"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/polls"
	"github.com/tcriess/lightspeed-live/posters"
	"github.com/tcriess/lightspeed-live/pubsub"
	"github.com/tcriess/lightspeed-live/questions"
	"github.com/tcriess/lightspeed-live/roulette"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/workers"
)

var testSecret = types.JWTConfig{Issuer: "tickets", Audience: "live", Secret: "test-secret-0123456789"}

type testEnv struct {
	server   *httptest.Server
	ws       *Server
	layer    pubsub.Layer
	entities *persistence.Entities
	world    *types.World
	chatRoom *types.Room
	pollRoom *types.Room
}

func newTestEnv(t *testing.T) *testEnv {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "test.db"))
	db, err := persistence.OpenDB(config.DatabaseConfig{Type: "sqlite", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	p := persistence.NewGormPersister(db)
	store, err := cache.NewBuntVersionStore(":memory:")
	require.NoError(t, err)
	entities, err := persistence.NewEntities(p, store, cache.Options{})
	require.NoError(t, err)

	pool := workers.New(4)
	engine, err := permissions.NewEngine(entities, pool, 128)
	require.NoError(t, err)
	filters, err := filter.NewFilters(128)
	require.NoError(t, err)
	layer := pubsub.NewLocal()
	hub := NewHub(layer, filters)
	go hub.Run(ctx)

	srv := NewServer(ctx, Options{
		Config:      &config.Config{},
		Entities:    entities,
		Permissions: engine,
		Hub:         hub,
		Polls:       polls.New(db, nil),
		Questions:   questions.New(db, nil),
		Posters:     posters.New(db, nil),
		Exhibition:  exhibition.New(db, nil),
		Roulette:    roulette.New(db, roulette.Config{}, nil),
	})
	router := mux.NewRouter()
	srv.RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	world := &types.World{
		Id:          "w",
		Title:       "World",
		TraitGrants: types.TraitGrants{"participant": {}, "admin": {"admin"}},
		JWTSecrets:  types.JWTSecrets{testSecret},
	}
	require.NoError(t, p.CreateWorld(ctx, world))
	chatRoom := &types.Room{WorldId: "w", Name: "Lounge", ModuleConfig: types.ModuleConfigs{{Type: types.ModuleChat}}}
	require.NoError(t, entities.CreateRoom(ctx, chatRoom))
	pollRoom := &types.Room{WorldId: "w", Name: "Stage", ModuleConfig: types.ModuleConfigs{
		{Type: types.ModulePoll, Config: map[string]interface{}{"active": false}},
	}}
	require.NoError(t, entities.CreateRoom(ctx, pollRoom))

	return &testEnv{server: ts, ws: srv, layer: layer, entities: entities, world: world, chatRoom: chatRoom, pollRoom: pollRoom}
}

type testConn struct {
	t      *testing.T
	conn   *websocket.Conn
	seq    int
	events [][]interface{}
}

func (e *testEnv) dial(t *testing.T, worldId string) *testConn {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/world/" + worldId + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (tc *testConn) send(v ...interface{}) {
	require.NoError(tc.t, tc.conn.WriteJSON(v))
}

func (tc *testConn) read() []interface{} {
	_ = tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg []interface{}
	require.NoError(tc.t, tc.conn.ReadJSON(&msg))
	return msg
}

// callRaw sends a command and waits for its response. Events received meanwhile are kept for event.
func (tc *testConn) callRaw(command string, body map[string]interface{}) (string, interface{}) {
	tc.seq++
	id := float64(tc.seq)
	tc.send(command, id, body)
	for {
		msg := tc.read()
		if len(msg) == 3 && msg[1] == id && (msg[0] == types.WireStatusSuccess || msg[0] == types.WireStatusError) {
			return msg[0].(string), msg[2]
		}
		tc.events = append(tc.events, msg)
	}
}

func (tc *testConn) call(command string, body map[string]interface{}) (string, map[string]interface{}) {
	status, payload := tc.callRaw(command, body)
	res, _ := payload.(map[string]interface{})
	return status, res
}

// event waits for the next event with the given name that matches.
func (tc *testConn) event(name string, match func(payload map[string]interface{}) bool) map[string]interface{} {
	check := func(msg []interface{}) (map[string]interface{}, bool) {
		if len(msg) != 2 || msg[0] != name {
			return nil, false
		}
		payload, _ := msg[1].(map[string]interface{})
		return payload, match == nil || match(payload)
	}
	for i, msg := range tc.events {
		if payload, ok := check(msg); ok {
			tc.events = append(tc.events[:i], tc.events[i+1:]...)
			return payload
		}
	}
	for {
		msg := tc.read()
		if payload, ok := check(msg); ok {
			return payload
		}
		tc.events = append(tc.events, msg)
	}
}

func (tc *testConn) authenticate(body map[string]interface{}) map[string]interface{} {
	tc.send(types.CommandAuthenticate, body)
	msg := tc.read()
	require.Len(tc.t, msg, 2, "%v", msg)
	require.Equal(tc.t, types.EventAuthenticated, msg[0], "%v", msg)
	return msg[1].(map[string]interface{})
}

// closedByServer reads until the server closes the connection.
func (tc *testConn) closedByServer() {
	_ = tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var err error
	for err == nil {
		_, _, err = tc.conn.ReadMessage()
	}
	var netErr net.Error
	assert.False(tc.t, errors.As(err, &netErr) && netErr.Timeout(), "%v", err)
}

func (e *testEnv) guest(t *testing.T, clientId string) *testConn {
	tc := e.dial(t, e.world.Id)
	tc.authenticate(map[string]interface{}{"client_id": clientId})
	return tc
}

func (e *testEnv) admin(t *testing.T) *testConn {
	token, err := auth.GenerateWorldToken(testSecret, "admin-1", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	tc := e.dial(t, e.world.Id)
	tc.authenticate(map[string]interface{}{"token": token})
	return tc
}

func TestPingAndUnauthenticated(t *testing.T) {
	e := newTestEnv(t)
	tc := e.dial(t, e.world.Id)

	tc.send(types.CommandPing, 1234)
	assert.Equal(t, []interface{}{types.EventPong, float64(1234)}, tc.read())

	status, payload := tc.call("room.enter", map[string]interface{}{"room": e.chatRoom.Id})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "protocol.unauthenticated", payload["code"])
}

func TestUnknownWorld(t *testing.T) {
	e := newTestEnv(t)
	tc := e.dial(t, "missing")
	msg := tc.read()
	require.Len(t, msg, 2)
	assert.Equal(t, types.WireStatusError, msg[0])
	assert.Equal(t, "world.unknown_world", msg[1].(map[string]interface{})["code"])
}

func TestAuthenticateWithClientId(t *testing.T) {
	e := newTestEnv(t)
	tc := e.dial(t, e.world.Id)
	payload := tc.authenticate(map[string]interface{}{"client_id": "browser-1"})

	userConfig := payload["user.config"].(map[string]interface{})
	assert.NotEmpty(t, userConfig["id"])
	profile, _ := userConfig["profile"].(map[string]interface{})
	assert.Contains(t, profile["display_name"], "(guest)")

	worldConfig := payload["world.config"].(map[string]interface{})
	assert.Equal(t, "w", worldConfig["world"].(map[string]interface{})["id"])
	assert.Len(t, worldConfig["rooms"], 2)
	assert.NotContains(t, worldConfig["world"], "jwt_secrets")

	tc.send(types.CommandAuthenticate, map[string]interface{}{"client_id": "browser-1"})
	msg := tc.read()
	assert.Equal(t, "protocol.already_authenticated", msg[1].(map[string]interface{})["code"])

	status, res := tc.call("nothing.here", nil)
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "protocol.unknown_command", res["code"])

	status, res = tc.call("chat.shout", nil)
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "chat.unsupported_command", res["code"])

	// the same client id is the same user
	again := e.dial(t, e.world.Id)
	payload2 := again.authenticate(map[string]interface{}{"client_id": "browser-1"})
	assert.Equal(t, userConfig["id"], payload2["user.config"].(map[string]interface{})["id"])
}

func TestAuthenticateErrors(t *testing.T) {
	e := newTestEnv(t)
	for body, code := range map[string]string{
		"":                  "auth.missing_id_or_token",
		"not-a-valid-token": "auth.invalid_token",
	} {
		tc := e.dial(t, e.world.Id)
		req := map[string]interface{}{}
		if body != "" {
			req["token"] = body
		}
		tc.send(types.CommandAuthenticate, req)
		msg := tc.read()
		require.Len(t, msg, 2)
		assert.Equal(t, types.WireStatusError, msg[0])
		assert.Equal(t, code, msg[1].(map[string]interface{})["code"])
	}

	expired, err := auth.GenerateWorldToken(testSecret, "u", nil, -time.Minute)
	require.NoError(t, err)
	tc := e.dial(t, e.world.Id)
	tc.send(types.CommandAuthenticate, map[string]interface{}{"token": expired})
	msg := tc.read()
	assert.Equal(t, "auth.expired_token", msg[1].(map[string]interface{})["code"])
}

func TestAdminSeesSecretsAndCreatesRooms(t *testing.T) {
	e := newTestEnv(t)
	guest := e.guest(t, "browser-1")
	admin := e.admin(t)

	status, res := admin.call("world.config.get", nil)
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	assert.Contains(t, res["world"], "trait_grants")

	status, res = guest.call("room.create", map[string]interface{}{"name": "Mine", "modules": []interface{}{
		map[string]interface{}{"type": types.ModuleChat},
	}})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "protocol.denied", res["code"])

	status, res = admin.call("room.create", map[string]interface{}{"name": "Hall", "modules": []interface{}{
		map[string]interface{}{"type": types.ModuleChat},
	}})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	roomId := res["room"]
	assert.NotEmpty(t, res["channel"])

	created := guest.event(EventRoomCreate, func(p map[string]interface{}) bool { return p["id"] == roomId })
	assert.Equal(t, "Hall", created["name"])
}

func TestChatBroadcast(t *testing.T) {
	e := newTestEnv(t)
	alice := e.guest(t, "alice")
	bob := e.guest(t, "bob")

	for _, tc := range []*testConn{alice, bob} {
		status, res := tc.call("room.enter", map[string]interface{}{"room": e.chatRoom.Id})
		require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	}

	status, res := alice.call("chat.join", map[string]interface{}{"room": e.chatRoom.Id})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	channel := res["channel"].(string)
	assert.EqualValues(t, 1, res["members"])

	status, res = bob.call("chat.send", map[string]interface{}{
		"channel": channel, "event_type": "channel.message", "content": map[string]interface{}{"type": "text", "body": "hi"},
	})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "chat.denied", res["code"])

	status, res = alice.call("chat.send", map[string]interface{}{
		"channel": channel, "event_type": "channel.message", "content": map[string]interface{}{"type": "text", "body": " "},
	})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "chat.empty", res["code"])

	status, res = alice.call("chat.send", map[string]interface{}{
		"channel": channel, "event_type": "channel.message", "content": map[string]interface{}{"type": "text", "body": "hello"},
	})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)

	ev := bob.event(EventChatEvent, func(p map[string]interface{}) bool { return p["event_type"] == "channel.message" })
	assert.Equal(t, channel, ev["channel"])
	assert.Equal(t, "hello", ev["content"].(map[string]interface{})["body"])

	status, res = bob.call("chat.fetch", map[string]interface{}{"channel": channel})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	results := res["results"].([]interface{})
	require.Len(t, results, 2)
	assert.Equal(t, "channel.member", results[0].(map[string]interface{})["event_type"])
}

func TestPollRequiresActiveModule(t *testing.T) {
	e := newTestEnv(t)
	guest := e.guest(t, "voter")
	admin := e.admin(t)

	status, res := guest.call("poll.list", map[string]interface{}{"room": e.pollRoom.Id})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "poll.inactive", res["code"])

	status, res = guest.call("poll.create", map[string]interface{}{"room": e.pollRoom.Id, "content": "?"})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "protocol.denied", res["code"])

	status, res = admin.call("poll.create", map[string]interface{}{
		"room": e.pollRoom.Id, "content": "Tea or coffee?", "state": "open",
		"options": []interface{}{
			map[string]interface{}{"content": "Tea"},
			map[string]interface{}{"content": "Coffee"},
		},
	})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	pollId := res["id"].(string)
	option := res["options"].([]interface{})[0].(map[string]interface{})["id"]

	// moderators list polls of inactive modules
	status, res = admin.call("poll.list", map[string]interface{}{"room": e.pollRoom.Id})
	assert.Equal(t, types.WireStatusSuccess, status, "%v", res)

	status, res = guest.call("poll.vote", map[string]interface{}{"room": e.pollRoom.Id, "id": pollId, "options": []interface{}{option}})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "poll.inactive", res["code"])

	status, res = admin.call("room.config.patch", map[string]interface{}{"room": e.pollRoom.Id, "modules": []interface{}{
		map[string]interface{}{"type": types.ModulePoll, "config": map[string]interface{}{"active": true}},
	}})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)

	status, res = guest.call("poll.vote", map[string]interface{}{"room": e.pollRoom.Id, "id": pollId, "options": []interface{}{option}})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	assert.EqualValues(t, 1, res["results"].(map[string]interface{})[option.(string)])
}

func userId(t *testing.T, payload map[string]interface{}) string {
	id, ok := payload["user.config"].(map[string]interface{})["id"].(string)
	require.True(t, ok)
	return id
}

func TestUserProfileAndBlocking(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, e.world.Id)
	aliceId := userId(t, alice.authenticate(map[string]interface{}{"client_id": "alice"}))
	bob := e.dial(t, e.world.Id)
	bobId := userId(t, bob.authenticate(map[string]interface{}{"client_id": "bob"}))

	status, res := alice.call("user.update", map[string]interface{}{"profile": map[string]interface{}{"display_name": "Alice"}})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)

	status, res = bob.call("user.fetch", map[string]interface{}{"id": aliceId})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	assert.Equal(t, "Alice", res["profile"].(map[string]interface{})["display_name"])
	assert.NotContains(t, res, "moderation_state")

	status, res = bob.call("user.fetch", map[string]interface{}{"id": "nobody"})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "user.not_found", res["code"])

	status, res = alice.call("user.block", map[string]interface{}{"id": aliceId})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "user.block.self", res["code"])

	status, res = alice.call("user.block", map[string]interface{}{"id": bobId})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	status, res = alice.call("user.list.blocked", nil)
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	require.Len(t, res["users"], 1)
	assert.Equal(t, bobId, res["users"].([]interface{})[0].(map[string]interface{})["id"])

	status, _ = alice.call("user.unblock", map[string]interface{}{"id": bobId})
	require.Equal(t, types.WireStatusSuccess, status)
	_, res = alice.call("user.list.blocked", nil)
	assert.Len(t, res["users"], 0)
}

func TestBanDropsConnection(t *testing.T) {
	e := newTestEnv(t)
	admin := e.admin(t)
	alice := e.guest(t, "alice")
	bob := e.dial(t, e.world.Id)
	bobId := userId(t, bob.authenticate(map[string]interface{}{"client_id": "bob"}))

	status, res := alice.call("user.ban", map[string]interface{}{"id": bobId})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "protocol.denied", res["code"])

	status, res = admin.call("user.ban", map[string]interface{}{"id": bobId})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)

	bob.closedByServer()

	again := e.dial(t, e.world.Id)
	again.send(types.CommandAuthenticate, map[string]interface{}{"client_id": "bob"})
	msg := again.read()
	require.Len(t, msg, 2)
	assert.Equal(t, types.WireStatusError, msg[0])
	assert.Equal(t, "auth.denied", msg[1].(map[string]interface{})["code"])

	status, _ = admin.call("user.reactivate", map[string]interface{}{"id": bobId})
	require.Equal(t, types.WireStatusSuccess, status)
	e.guest(t, "bob")
}

func TestWorldAndRoomUpdatesAreBroadcast(t *testing.T) {
	e := newTestEnv(t)
	admin := e.admin(t)
	guest := e.guest(t, "guest")

	status, res := guest.call("world.config.patch", map[string]interface{}{"title": "Mine"})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "protocol.denied", res["code"])

	status, res = admin.call("world.config.patch", map[string]interface{}{"title": "Renamed"})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	updated := guest.event(EventWorldUpdated, nil)
	assert.Equal(t, "Renamed", updated["world"].(map[string]interface{})["title"])

	status, res = guest.call("room.enter", map[string]interface{}{"room": e.chatRoom.Id})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)

	status, res = guest.call("room.delete", map[string]interface{}{"room": e.chatRoom.Id})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "protocol.denied", res["code"])

	status, res = admin.call("room.delete", map[string]interface{}{"room": e.chatRoom.Id})
	require.Equal(t, types.WireStatusSuccess, status, "%v", res)
	deleted := guest.event(EventRoomDeleted, nil)
	assert.Equal(t, e.chatRoom.Id, deleted["id"])

	status, res = guest.call("room.enter", map[string]interface{}{"room": e.chatRoom.Id})
	assert.Equal(t, types.WireStatusError, status)
	assert.Equal(t, "room.unknown", res["code"])
}

func TestNonObjectBodyIsRejected(t *testing.T) {
	e := newTestEnv(t)
	tc := e.guest(t, "browser-1")

	tc.send("room.enter", 9, "x")
	msg := tc.read()
	require.Len(t, msg, 3, "%v", msg)
	assert.Equal(t, types.WireStatusError, msg[0])
	assert.Equal(t, float64(9), msg[1])
	assert.Equal(t, "protocol.invalid", msg[2].(map[string]interface{})["code"])

	// the connection stays usable
	status, _ := tc.call("room.enter", map[string]interface{}{"room": e.chatRoom.Id})
	assert.Equal(t, types.WireStatusSuccess, status)
}

func TestReloadAndDropFromControlEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	alice := e.guest(t, "alice")
	bob := e.dial(t, e.world.Id)
	bobId := userId(t, bob.authenticate(map[string]interface{}{"client_id": "bob"}))

	require.NoError(t, PublishControl(ctx, e.layer, EventConnectionReload, e.world.Id, ""))
	for _, tc := range []*testConn{alice, bob} {
		tc.event(EventConnectionReload, nil)
		tc.closedByServer()
	}

	carol := e.guest(t, "carol")
	bob = e.guest(t, "bob")
	require.NoError(t, PublishControl(ctx, e.layer, EventConnectionDrop, e.world.Id, bobId))
	bob.closedByServer()
	// other users stay connected
	status, _ := carol.call("room.enter", map[string]interface{}{"room": e.chatRoom.Id})
	assert.Equal(t, types.WireStatusSuccess, status)

	assert.Error(t, PublishControl(ctx, e.layer, EventWorldUpdated, e.world.Id, ""))
}

func TestConnectionLimitCountsAllServers(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	limit := 2
	_, err := e.entities.UpdateWorld(ctx, e.world.Id, map[string]interface{}{"connection_limit": limit})
	require.NoError(t, err)

	first := e.dial(t, e.world.Id)
	aliceId := userId(t, first.authenticate(map[string]interface{}{"client_id": "alice"}))

	// a connection of alice held by another server
	now := time.Now()
	require.NoError(t, e.entities.AddConnection(ctx, &types.Connection{
		SocketId: "elsewhere", WorldId: e.world.Id, UserId: aliceId, Origin: "other-server",
		ConnectedAt: now, SeenAt: now,
	}))
	second := e.dial(t, e.world.Id)
	second.send(types.CommandAuthenticate, map[string]interface{}{"client_id": "alice"})
	msg := second.read()
	require.Len(t, msg, 2)
	assert.Equal(t, types.WireStatusError, msg[0])
	assert.Equal(t, "world.connection_limit", msg[1].(map[string]interface{})["code"])

	// the other server's rows expire when it stops renewing them
	require.NoError(t, e.entities.DB().Model(&types.Connection{}).Where("socket_id = ?", "elsewhere").
		Update("seen_at", now.Add(-time.Hour)).Error)
	require.NoError(t, e.ws.RenewPresence(ctx))
	conns, err := e.entities.ListConnections(ctx, e.world.Id, aliceId, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.NotEqual(t, "elsewhere", conns[0].SocketId)

	third := e.dial(t, e.world.Id)
	third.authenticate(map[string]interface{}{"client_id": "alice"})

	// closed connections give their slot back
	_ = first.conn.Close()
	assert.Eventually(t, func() bool {
		n, err := e.entities.CountUserConnections(ctx, aliceId, now.Add(-time.Hour))
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)
}
