package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcriess/lightspeed-live/auth"
	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/ws"
)

var testSecret = types.JWTConfig{Issuer: "tickets", Audience: "live", Secret: "api-secret-0123456789"}

type published struct {
	topic, eventType string
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) PublishData(_ context.Context, topic, eventType string, _ types.Source, _ string, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{topic: topic, eventType: eventType})
	return nil
}

func (r *recorder) published() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published{}, r.events...)
}

type testAPI struct {
	server   *httptest.Server
	entities *persistence.Entities
	events   *recorder
}

func newTestAPI(t *testing.T) *testAPI {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "test.db"))
	db, err := persistence.OpenDB(config.DatabaseConfig{Type: "sqlite", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	p := persistence.NewGormPersister(db)
	t.Cleanup(func() { _ = p.Close() })
	store, err := cache.NewSQLVersionStore(p.DB())
	require.NoError(t, err)
	entities, err := persistence.NewEntities(p, store, cache.Options{})
	require.NoError(t, err)

	require.NoError(t, p.CreateWorld(ctx, &types.World{
		Id:          "w",
		Title:       "World",
		TraitGrants: types.TraitGrants{"apiuser": {"api"}, "admin": {"admin"}, "participant": {"attendee"}},
		JWTSecrets:  types.JWTSecrets{testSecret},
	}))
	require.NoError(t, entities.CreateRoom(ctx, &types.Room{WorldId: "w", Name: "Public"}))
	require.NoError(t, entities.CreateRoom(ctx, &types.Room{
		Id:          "backstage",
		WorldId:     "w",
		Name:        "Backstage",
		TraitGrants: types.TraitGrants{"apiuser": {"staff"}},
	}))

	events := &recorder{}
	router := mux.NewRouter()
	New(entities, events).RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return &testAPI{server: ts, entities: entities, events: events}
}

func token(t *testing.T, traits ...string) string {
	tok, err := auth.GenerateWorldToken(testSecret, "caller", traits, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, tok string, body interface{}) (int, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	payload := map[string]interface{}{}
	if res.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	}
	return res.StatusCode, payload
}

func TestAuthentication(t *testing.T) {
	a := newTestAPI(t)

	status, res := a.do(t, http.MethodGet, "/api/v1/worlds/w/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth.missing_token", res["code"])

	status, res = a.do(t, http.MethodGet, "/api/v1/worlds/w/", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth.invalid_token", res["code"])

	// admins are no api users
	status, _ = a.do(t, http.MethodGet, "/api/v1/worlds/w/", token(t, "admin"), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, res = a.do(t, http.MethodGet, "/api/v1/worlds/other/", token(t, "api"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "world.unknown_world", res["code"])

	status, res = a.do(t, http.MethodGet, "/api/v1/worlds/w/", token(t, "api"), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "World", res["title"])
	assert.Contains(t, res, "jwt_secrets")
}

func TestPatchWorld(t *testing.T) {
	a := newTestAPI(t)

	status, res := a.do(t, http.MethodPatch, "/api/v1/worlds/w/", token(t, "api"), map[string]interface{}{"title": "Renamed"})
	require.Equal(t, http.StatusOK, status, "%v", res)
	assert.Equal(t, "Renamed", res["title"])
	assert.Contains(t, a.events.published(), published{topic: ws.TopicWorld("w"), eventType: ws.EventWorldUpdated})

	world, err := a.entities.World(context.Background(), "w", 0)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", world.Title)

	status, res = a.do(t, http.MethodPatch, "/api/v1/worlds/w/", token(t, "api"), map[string]interface{}{"unknown": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "protocol.invalid", res["code"])
}

func TestRooms(t *testing.T) {
	a := newTestAPI(t)
	api := token(t, "api")

	// the backstage room grants apiuser to staff only
	status, res := a.do(t, http.MethodGet, "/api/v1/worlds/w/rooms/", api, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, res["results"], 1)
	assert.Equal(t, "Public", res["results"].([]interface{})[0].(map[string]interface{})["name"])

	status, _ = a.do(t, http.MethodGet, "/api/v1/worlds/w/rooms/backstage/", api, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.do(t, http.MethodGet, "/api/v1/worlds/w/rooms/backstage/", token(t, "api", "staff"), nil)
	assert.Equal(t, http.StatusOK, status)

	status, res = a.do(t, http.MethodPost, "/api/v1/worlds/w/rooms/", api, map[string]interface{}{
		"name":    "Hall",
		"modules": []interface{}{map[string]interface{}{"type": types.ModuleChat}},
	})
	require.Equal(t, http.StatusCreated, status, "%v", res)
	roomId := res["id"].(string)
	assert.Equal(t, "Hall", res["name"])
	assert.Contains(t, a.events.published(), published{topic: ws.TopicWorld("w"), eventType: ws.EventRoomCreate})

	ch, err := a.entities.RoomChannel(context.Background(), roomId)
	require.NoError(t, err)
	assert.NotEmpty(t, ch.Id)

	status, res = a.do(t, http.MethodPatch, "/api/v1/worlds/w/rooms/"+roomId+"/", api, map[string]interface{}{"description": "Main hall"})
	require.Equal(t, http.StatusOK, status, "%v", res)
	assert.Equal(t, "Main hall", res["description"])

	status, res = a.do(t, http.MethodGet, "/api/v1/worlds/w/rooms/"+roomId+"/", api, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Main hall", res["description"])

	status, _ = a.do(t, http.MethodDelete, "/api/v1/worlds/w/rooms/"+roomId+"/", api, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, res = a.do(t, http.MethodGet, "/api/v1/worlds/w/rooms/"+roomId+"/", api, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "room.unknown", res["code"])

	status, _ = a.do(t, http.MethodPost, "/api/v1/worlds/w/rooms/", api, map[string]interface{}{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteUser(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	user, err := a.entities.LoginUser(ctx, persistence.Identity{WorldId: "w", TokenId: "ticket-1"})
	require.NoError(t, err)

	status, res := a.do(t, http.MethodPost, "/api/v1/worlds/w/delete_user/", token(t, "api"), map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "user.ambiguous_id", res["code"])

	status, _ = a.do(t, http.MethodPost, "/api/v1/worlds/w/delete_user/", token(t, "api"), map[string]interface{}{"token_id": "ticket-1"})
	assert.Equal(t, http.StatusNoContent, status)
	assert.Contains(t, a.events.published(), published{topic: ws.TopicUser(user.Id), eventType: ws.EventConnectionDrop})

	deleted, err := a.entities.User(ctx, user.Id, 0)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	status, _ = a.do(t, http.MethodPost, "/api/v1/worlds/w/delete_user/", token(t, "api"), map[string]interface{}{"user_id": user.Id})
	assert.Equal(t, http.StatusNotFound, status)
}
