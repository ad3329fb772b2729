package calls

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/workers"
)

const bbbSecret = "bbb-secret"

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "calls.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&types.User{}, &types.BBBServer{}, &types.BBBCall{}, &types.JanusServer{}, &types.JanusCall{}))
	return db
}

type fakeBBB struct {
	creates int32
	status  int
	body    string
}

func (f *fakeBBB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.creates, 1)
	query := r.URL.RawQuery
	i := strings.LastIndex(query, "&checksum=")
	sum := sha1.Sum([]byte("create" + query[:i] + bbbSecret))
	if r.URL.Path != "/bigbluebutton/api/create" || query[i+len("&checksum="):] != hex.EncodeToString(sum[:]) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<response><returncode>FAILED</returncode><messageKey>checksumError</messageKey></response>`))
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	body := f.body
	if body == "" {
		body = `<response><returncode>SUCCESS</returncode><messageKey>duplicateWarning</messageKey></response>`
	}
	_, _ = w.Write([]byte(body))
}

func newBBB(t *testing.T, fake *fakeBBB) (*BBB, *gorm.DB) {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	db := newTestDB(t)
	require.NoError(t, db.Create(&types.BBBServer{URL: srv.URL + "/bigbluebutton/", Secret: bbbSecret, Active: true}).Error)
	return NewBBB(db, srv.Client(), nil, workers.New(4)), db
}

func named(id string) *types.User {
	return &types.User{Id: id, WorldId: "w", Profile: types.JSONMap{"display_name": "Foo Fighter"}}
}

func TestBBBRoomURLIsIdempotent(t *testing.T) {
	fake := &fakeBBB{}
	bbb, db := newBBB(t, fake)
	ctx := context.Background()
	world := &types.World{Id: "w"}
	room := &types.Room{Id: "r1", Name: "Stage", ModuleConfig: types.ModuleConfigs{{Type: types.ModuleBBB}}}

	first, err := bbb.RoomURL(ctx, world, room, named("u1"), false)
	require.NoError(t, err)
	second, err := bbb.RoomURL(ctx, world, room, named("u1"), false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fake.creates))

	var calls []types.BBBCall
	require.NoError(t, db.Find(&calls).Error)
	require.Len(t, calls, 1)
	call := calls[0]

	u, err := url.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, "/bigbluebutton/api/join", u.Path)
	q := u.Query()
	assert.Equal(t, call.AttendeePW, q.Get("password"))
	assert.Equal(t, call.MeetingId, q.Get("meetingID"))
	assert.Equal(t, "Foo Fighter", q.Get("fullName"))
	assert.Equal(t, "u1", q.Get("userID"))
	assert.Equal(t, "true", q.Get("joinViaHtml5"))

	mod, err := bbb.RoomURL(ctx, world, room, named("u2"), true)
	require.NoError(t, err)
	assert.Contains(t, mod, "password="+call.ModeratorPW)

	expected, err := meetingId("w", "r1")
	require.NoError(t, err)
	assert.Equal(t, expected, call.MeetingId)
}

func TestBBBFailuresAreUnavailable(t *testing.T) {
	world := &types.World{Id: "w"}
	room := &types.Room{Id: "r1", Name: "Stage"}
	for _, fake := range []*fakeBBB{
		{status: http.StatusInternalServerError},
		{body: `<response><returncode>FAILED</returncode><messageKey>checksumError</messageKey></response>`},
		{body: `not xml`},
	} {
		bbb, _ := newBBB(t, fake)
		_, err := bbb.RoomURL(context.Background(), world, room, named("u1"), false)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
}

func TestBBBNoServer(t *testing.T) {
	bbb := NewBBB(newTestDB(t), http.DefaultClient, nil, workers.New(1))
	_, err := bbb.RoomURL(context.Background(), &types.World{Id: "w"}, &types.Room{Id: "r"}, named("u"), false)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrNoServer)
}

func TestBBBDirectCall(t *testing.T) {
	bbb, db := newBBB(t, &fakeBBB{})
	ctx := context.Background()
	a, b := named("a"), named("b")
	require.NoError(t, db.Create(a).Error)
	require.NoError(t, db.Create(b).Error)

	call, err := bbb.CreateCall(ctx, &types.World{Id: "w"}, []*types.User{a, b})
	require.NoError(t, err)

	joinURL, err := bbb.CallURL(ctx, call.Id, b)
	require.NoError(t, err)
	assert.Contains(t, joinURL, "password="+call.ModeratorPW)

	_, err = bbb.CallURL(ctx, call.Id, named("c"))
	assert.ErrorIs(t, err, ErrNotInvited)
	_, err = bbb.CallURL(ctx, "nope", a)
	assert.ErrorIs(t, err, ErrUnknownCall)
}

type fakeJanus struct {
	rooms     int32
	destroyed int32
}

func (f *fakeJanus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&req)
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/janus" && req["janus"] == "create":
		_, _ = w.Write([]byte(`{"janus":"success","data":{"id":11}}`))
	case r.URL.Path == "/janus/11" && req["janus"] == "attach" && req["plugin"] == videoroomPlugin:
		_, _ = w.Write([]byte(`{"janus":"success","data":{"id":22}}`))
	case r.URL.Path == "/janus/11/22" && req["janus"] == "message":
		body := req["body"].(map[string]interface{})
		if body["admin_key"] != "key" || len(body["allowed"].([]interface{})) != 1 {
			_, _ = w.Write([]byte(`{"janus":"success","plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","error_code":423,"error":"Unauthorized"}}}`))
			return
		}
		n := atomic.AddInt32(&f.rooms, 1)
		_, _ = fmt.Fprintf(w, `{"janus":"success","plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"created","room":%d}}}`, 1000+n)
	case r.URL.Path == "/janus/11" && req["janus"] == "destroy":
		atomic.AddInt32(&f.destroyed, 1)
		_, _ = w.Write([]byte(`{"janus":"success"}`))
	default:
		_, _ = w.Write([]byte(`{"janus":"error","error":{"code":458,"reason":"No such session"}}`))
	}
}

func newJanus(t *testing.T, key string) (*Janus, *fakeJanus) {
	fake := &fakeJanus{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	db := newTestDB(t)
	require.NoError(t, db.Create(&types.JanusServer{URL: srv.URL + "/janus", RoomCreateKey: key, Active: true}).Error)
	return NewJanus(db, srv.Client(), nil, workers.New(2)), fake
}

func TestJanusCreateRoom(t *testing.T) {
	janus, fake := newJanus(t, "key")
	ctx := context.Background()
	assert.True(t, janus.Available(ctx))

	room, err := janus.CreateRoom(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1001, room.RoomId)
	assert.NotEmpty(t, room.Token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fake.destroyed))
}

func TestJanusRoomURLIsIdempotent(t *testing.T) {
	janus, fake := newJanus(t, "key")
	ctx := context.Background()
	r := &types.Room{Id: "r1"}
	first, err := janus.RoomURL(ctx, r)
	require.NoError(t, err)
	second, err := janus.RoomURL(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fake.rooms))
}

func TestJanusFailureIsUnavailable(t *testing.T) {
	janus, fake := newJanus(t, "wrong")
	_, err := janus.CreateRoom(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fake.destroyed))

	empty := NewJanus(newTestDB(t), http.DefaultClient, nil, workers.New(1))
	assert.False(t, empty.Available(context.Background()))
	_, err = empty.CreateRoom(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
