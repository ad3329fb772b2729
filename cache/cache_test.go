package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tcriess/lightspeed-live/clock"
)

type thing struct {
	id      string
	version int64
	name    string
}

func (t *thing) CacheKey() string  { return "thing:" + t.id }
func (t *thing) GetVersion() int64 { return t.version }

// fakeDB stands in for the shared database.
type fakeDB struct {
	sync.Mutex
	rows  map[string]thing
	loads int
}

func (db *fakeDB) put(t thing) *thing {
	db.Lock()
	defer db.Unlock()
	db.rows[t.id] = t
	return &t
}

func (db *fakeDB) load(_ context.Context, id string) (*thing, error) {
	db.Lock()
	defer db.Unlock()
	db.loads++
	t, ok := db.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func newStore(t *testing.T) VersionStore {
	s, err := NewBuntVersionStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCache(t *testing.T, store VersionStore, db *fakeDB, clk clock.Clock) *Cache[*thing] {
	c, err := New[*thing]("thing", store, db.load, Options{Size: 16, TTL: time.Hour, Clock: clk})
	require.NoError(t, err)
	return c
}

func TestCacheCoherenceAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	db := &fakeDB{rows: map[string]thing{}}
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	writer := newCache(t, store, db, clk)
	reader := newCache(t, store, db, clk)

	require.NoError(t, writer.Saved(ctx, db.put(thing{id: "a", version: 1, name: "one"})))
	got, err := reader.Get(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, "one", got.name)

	require.NoError(t, writer.Saved(ctx, db.put(thing{id: "a", version: 2, name: "two"})))
	got, err = reader.Get(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, "two", got.name)
	assert.EqualValues(t, 2, got.version)
}

func TestCacheAllowedAgeSkipsStore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	db := &fakeDB{rows: map[string]thing{}}
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	writer := newCache(t, store, db, clk)
	reader := newCache(t, store, db, clk)

	require.NoError(t, writer.Saved(ctx, db.put(thing{id: "a", version: 1, name: "one"})))
	held, err := reader.Refresh(ctx, "a", nil, time.Minute)
	require.NoError(t, err)

	require.NoError(t, writer.Saved(ctx, db.put(thing{id: "a", version: 2, name: "two"})))
	same, err := reader.Refresh(ctx, "a", held, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "one", same.Value.name)

	// past the upper jitter bound the store is consulted again
	clk.Advance(2 * time.Minute)
	fresh, err := reader.Refresh(ctx, "a", held, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "two", fresh.Value.name)
}

func TestCacheEqualVersionKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	db := &fakeDB{rows: map[string]thing{}}
	c := newCache(t, store, db, clock.NewFake(time.Now()))

	require.NoError(t, c.Saved(ctx, db.put(thing{id: "a", version: 3})))
	loads := db.loads
	for i := 0; i < 5; i++ {
		_, err := c.Get(ctx, "a", 0)
		require.NoError(t, err)
	}
	assert.Equal(t, loads, db.loads)
}

func TestCacheDeletedIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	db := &fakeDB{rows: map[string]thing{}}
	writer := newCache(t, store, db, clock.NewFake(time.Now()))
	reader := newCache(t, store, db, clock.NewFake(time.Now()))

	require.NoError(t, writer.Saved(ctx, db.put(thing{id: "a", version: 1})))
	_, err := reader.Get(ctx, "a", 0)
	require.NoError(t, err)

	require.NoError(t, writer.Deleted(ctx, "a"))
	_, err = reader.Get(ctx, "a", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	// a late save of an old version does not resurrect the entity
	require.NoError(t, writer.Saved(ctx, &thing{id: "a", version: 5}))
	v, ok, err := store.Get(ctx, "thing:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DeletedVersion, v)
}

func TestCacheRepublishesMissingVersion(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	db := &fakeDB{rows: map[string]thing{}}
	db.put(thing{id: "a", version: 7})
	c := newCache(t, store, db, clock.NewFake(time.Now()))

	got, err := c.Get(ctx, "a", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.version)
	v, ok, err := store.Get(ctx, "thing:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 7, v)
}

func TestCacheUnknownEntity(t *testing.T) {
	c := newCache(t, newStore(t), &fakeDB{rows: map[string]thing{}}, clock.Real())
	_, err := c.Get(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testMonotonic(t *testing.T, store VersionStore) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 1; i <= 40; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_, err := store.SetIfHigher(ctx, "k", v)
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 40, v)

	stored, err := store.SetIfHigher(ctx, "k", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 40, stored)

	require.NoError(t, store.MarkDeleted(ctx, "k"))
	stored, err = store.SetIfHigher(ctx, "k", 100)
	require.NoError(t, err)
	assert.Equal(t, DeletedVersion, stored)
}

func TestBuntVersionStoreMonotonic(t *testing.T) {
	testMonotonic(t, newStore(t))
}

func TestBuntVersionStoreFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.db")
	s, err := NewBuntVersionStore(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = NewBuntVersionStore(path)
	assert.Error(t, err)
}

func TestSQLVersionStoreMonotonic(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "versions.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewSQLVersionStore(db)
	require.NoError(t, err)
	testMonotonic(t, store)
}
