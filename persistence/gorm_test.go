package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/types"
)

func newTestPersister(t *testing.T) *GormPersist {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "test.db"))
	db, err := OpenDB(config.DatabaseConfig{Type: "sqlite", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	p := NewGormPersister(db)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestEntities(t *testing.T) *Entities {
	p := newTestPersister(t)
	store, err := cache.NewSQLVersionStore(p.DB())
	require.NoError(t, err)
	e, err := NewEntities(p, store, cache.Options{})
	require.NoError(t, err)
	return e
}

func TestOpenDBRejectsUnknownType(t *testing.T) {
	_, err := OpenDB(config.DatabaseConfig{Type: "mysql"})
	assert.Error(t, err)
}

func TestUpdateWorldBumpsVersion(t *testing.T) {
	ctx := context.Background()
	p := newTestPersister(t)
	require.NoError(t, p.CreateWorld(ctx, &types.World{Id: "w", Title: "World"}))

	w, err := p.UpdateWorld(ctx, "w", map[string]interface{}{"title": "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", w.Title)
	assert.EqualValues(t, 2, w.Version)

	_, err = p.UpdateWorld(ctx, "missing", nil)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestLoginUser(t *testing.T) {
	ctx := context.Background()
	p := newTestPersister(t)

	anon, err := p.LoginUser(ctx, Identity{WorldId: "w", ClientId: "c1"})
	require.NoError(t, err)
	again, err := p.LoginUser(ctx, Identity{WorldId: "w", ClientId: "c1"})
	require.NoError(t, err)
	assert.Equal(t, anon.Id, again.Id)
	assert.Greater(t, again.Version, anon.Version)

	other, err := p.LoginUser(ctx, Identity{WorldId: "w2", ClientId: "c1"})
	require.NoError(t, err)
	assert.NotEqual(t, anon.Id, other.Id)

	tok, err := p.LoginUser(ctx, Identity{WorldId: "w", TokenId: "uid-1", Traits: []string{"a"}})
	require.NoError(t, err)
	tok, err = p.LoginUser(ctx, Identity{WorldId: "w", TokenId: "uid-1", Traits: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, types.StringList{"b"}, tok.Traits)

	_, err = p.LoginUser(ctx, Identity{WorldId: "w"})
	assert.Error(t, err)
}

func TestDeletedRoomIsNotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEntities(t)
	room := &types.Room{WorldId: "w", Name: "Stage", ModuleConfig: types.ModuleConfigs{{Type: types.ModuleChat}}}
	require.NoError(t, e.CreateRoom(ctx, room))

	ch, err := e.RoomChannel(ctx, room.Id)
	require.NoError(t, err)
	assert.Equal(t, room.Id, *ch.RoomId)

	got, err := e.Room(ctx, room.Id, 0)
	require.NoError(t, err)
	assert.Equal(t, "Stage", got.Name)

	_, err = e.DeleteRoom(ctx, room.Id)
	require.NoError(t, err)
	_, err = e.Room(ctx, room.Id, 0)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	rooms, err := e.ListRooms(ctx, "w")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestGrantTouchesUser(t *testing.T) {
	ctx := context.Background()
	e := newTestEntities(t)
	u, err := e.LoginUser(ctx, Identity{WorldId: "w", ClientId: "c"})
	require.NoError(t, err)

	require.NoError(t, e.GrantWorldRole(ctx, "w", u.Id, "moderator"))
	require.NoError(t, e.GrantRoomRole(ctx, "w", "r1", u.Id, "admin"))
	cached, err := e.User(ctx, u.Id, 0)
	require.NoError(t, err)
	assert.Equal(t, u.Version+2, cached.Version)

	g, err := e.LoadGrants(ctx, u.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"moderator"}, g.World)
	assert.Equal(t, []string{"admin"}, g.Rooms["r1"])

	require.NoError(t, e.RevokeWorldRole(ctx, "w", u.Id, "moderator"))
	g, err = e.LoadGrants(ctx, u.Id)
	require.NoError(t, err)
	assert.Empty(t, g.World)
}

func TestBlocks(t *testing.T) {
	ctx := context.Background()
	p := newTestPersister(t)
	a, err := p.LoginUser(ctx, Identity{WorldId: "w", ClientId: "a"})
	require.NoError(t, err)
	b, err := p.LoginUser(ctx, Identity{WorldId: "w", ClientId: "b"})
	require.NoError(t, err)

	require.NoError(t, p.BlockUser(ctx, a.Id, b.Id))
	require.NoError(t, p.BlockUser(ctx, a.Id, b.Id))
	blocked, err := p.BlockedUsers(ctx, a.Id)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, b.Id, blocked[0].Id)

	require.NoError(t, p.UnblockUser(ctx, a.Id, b.Id))
	blocked, err = p.BlockedUsers(ctx, a.Id)
	require.NoError(t, err)
	assert.Empty(t, blocked)
}

func TestChatHistory(t *testing.T) {
	ctx := context.Background()
	p := newTestPersister(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.StoreChatEvent(ctx, &types.ChatEvent{
			ChannelId: "ch", SenderId: "u", EventType: "channel.message",
			Content: types.JSONMap{"body": fmt.Sprint(i)},
		}))
	}
	events, err := p.ChatHistory(ctx, "ch", 0, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].Content["body"])
	assert.Equal(t, "4", events[2].Content["body"])

	older, err := p.ChatHistory(ctx, "ch", events[0].Id, 10)
	require.NoError(t, err)
	assert.Len(t, older, 2)

	joined, err := p.JoinChannel(ctx, "ch", "u")
	require.NoError(t, err)
	assert.True(t, joined)
	joined, err = p.JoinChannel(ctx, "ch", "u")
	require.NoError(t, err)
	assert.False(t, joined)
}

func TestConnectionPresence(t *testing.T) {
	ctx := context.Background()
	p := newTestPersister(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, c := range []*types.Connection{
		{SocketId: "s1", WorldId: "w", UserId: "u1", Origin: "server-a", ConnectedAt: now, SeenAt: now},
		{SocketId: "s2", WorldId: "w", UserId: "u1", Origin: "server-b", ConnectedAt: now, SeenAt: now},
		{SocketId: "s3", WorldId: "w", UserId: "u2", Origin: "server-b", ConnectedAt: now, SeenAt: now},
	} {
		require.NoError(t, p.AddConnection(ctx, c))
	}
	n, err := p.CountUserConnections(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// server-b stops renewing its rows
	later := now.Add(5 * time.Minute)
	touched, err := p.TouchConnections(ctx, "server-a", later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, touched)
	n, err = p.CountUserConnections(ctx, "u1", later.Add(-3*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	conns, err := p.ListConnections(ctx, "w", "", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, conns, 3)
	conns, err = p.ListConnections(ctx, "w", "u2", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "s3", conns[0].SocketId)

	purged, err := p.PurgeConnections(ctx, later.Add(-3*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)

	require.NoError(t, p.RemoveConnection(ctx, "s1"))
	n, err = p.CountUserConnections(ctx, "u1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestDirectChannels(t *testing.T) {
	ctx := context.Background()
	p := newTestPersister(t)
	var ids []string
	for _, client := range []string{"a", "b", "c"} {
		u, err := p.LoginUser(ctx, Identity{WorldId: "w", ClientId: client})
		require.NoError(t, err)
		ids = append(ids, u.Id)
	}
	other, err := p.LoginUser(ctx, Identity{WorldId: "other", ClientId: "d"})
	require.NoError(t, err)

	ch, created, users, err := p.GetOrCreateDirectChannel(ctx, "w", ids[:2])
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, users, 2)
	assert.Nil(t, ch.RoomId)

	again, created, _, err := p.GetOrCreateDirectChannel(ctx, "w", []string{ids[1], ids[0]})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ch.Id, again.Id)

	// a superset of members is another conversation
	group, created, _, err := p.GetOrCreateDirectChannel(ctx, "w", ids)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, ch.Id, group.Id)

	_, _, _, err = p.GetOrCreateDirectChannel(ctx, "w", ids[:1])
	assert.ErrorIs(t, err, ErrDirectChannelDenied)
	_, _, _, err = p.GetOrCreateDirectChannel(ctx, "w", []string{ids[0], other.Id})
	assert.ErrorIs(t, err, ErrDirectChannelDenied)

	member, err := p.IsChannelMember(ctx, ch.Id, ids[2])
	require.NoError(t, err)
	assert.False(t, member)

	require.NoError(t, p.BlockUser(ctx, ids[1], ids[0]))
	blocked, err := p.IsBlockedInChannel(ctx, ch.Id, ids[0])
	require.NoError(t, err)
	assert.True(t, blocked)
	blocked, err = p.IsBlockedInChannel(ctx, ch.Id, ids[1])
	require.NoError(t, err)
	assert.False(t, blocked)
	_, _, _, err = p.GetOrCreateDirectChannel(ctx, "w", ids[:2])
	assert.ErrorIs(t, err, ErrDirectChannelDenied)
}

func TestReadPointers(t *testing.T) {
	ctx := context.Background()
	p := newTestPersister(t)
	for _, u := range []string{"a", "b", "c"} {
		_, err := p.JoinChannel(ctx, "ch", u)
		require.NoError(t, err)
		require.NoError(t, p.WatchChannel(ctx, "ch", u, true))
	}
	require.NoError(t, p.WatchChannel(ctx, "ch", "c", false))

	notify, err := p.TakeNotify(ctx, "ch", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, notify)
	notify, err = p.TakeNotify(ctx, "ch", "a")
	require.NoError(t, err)
	assert.Empty(t, notify)

	require.NoError(t, p.MarkRead(ctx, "ch", "b", 7))
	pointers, err := p.ReadPointers(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"ch": 7}, pointers)
	notify, err = p.TakeNotify(ctx, "ch", "c")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, notify)

	require.NoError(t, p.StoreChatEvent(ctx, &types.ChatEvent{ChannelId: "ch", SenderId: "a", EventType: "channel.message"}))
	require.NoError(t, p.StoreChatEvent(ctx, &types.ChatEvent{ChannelId: "other", SenderId: "a", EventType: "channel.message"}))
	highest, err := p.HighestChatEventId(ctx, "ch")
	require.NoError(t, err)
	last, err := p.LastChatEventId(ctx)
	require.NoError(t, err)
	assert.Equal(t, highest+1, last)
	none, err := p.HighestChatEventId(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, none)
}
