package exhibition

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tcriess/lightspeed-live/clock"
	"github.com/tcriess/lightspeed-live/types"
)

func newTestService(t *testing.T) (*Service, *clock.Fake) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "exhibition.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&types.Room{}, &types.Exhibitor{}, &types.ExhibitorStaff{}, &types.ContactRequest{}))
	require.NoError(t, db.Create(&types.Room{Id: "expo", WorldId: "w"}).Error)
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(db, clk), clk
}

func createExhibitor(t *testing.T, s *Service, name string, staff ...string) *View {
	v, err := s.Patch(context.Background(), "w", Patch{
		RoomId: lo.ToPtr("expo"),
		Name:   lo.ToPtr(name),
		Staff:  staff,
	})
	require.NoError(t, err)
	return v
}

func TestPatchAndList(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	acme := createExhibitor(t, s, "Acme", "alice")
	createExhibitor(t, s, "Globex", "bob")
	assert.Equal(t, "1x1", acme.Size)

	list, err := s.List(ctx, "w", "expo")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Acme", list[0].Name)

	mine, err := s.ListAll(ctx, "w", "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, acme.Id, mine[0].Id)

	all, err := s.ListAll(ctx, "w", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.Patch(ctx, "w", Patch{RoomId: lo.ToPtr("nope")})
	assert.ErrorIs(t, err, ErrUnknownRoom)
}

func TestStaffCannotChangeRestrictedFields(t *testing.T) {
	s, _ := newTestService(t)
	acme := createExhibitor(t, s, "Acme", "alice")

	v, err := s.Patch(context.Background(), "w", Patch{
		Id:      acme.Id,
		Name:    lo.ToPtr("Evil Corp"),
		Tagline: lo.ToPtr("We build things"),
		Size:    lo.ToPtr("3x3"),
		Staff:   []string{"mallory"},
	}, StaffExcluded...)
	require.NoError(t, err)
	assert.Equal(t, "Acme", v.Name)
	assert.Equal(t, "1x1", v.Size)
	assert.Equal(t, "We build things", v.Tagline)
	assert.Equal(t, []string{"alice"}, v.Staff)
}

func TestContactAccept(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	acme := createExhibitor(t, s, "Acme", "alice")

	req, err := s.Contact(ctx, "w", acme.Id, "visitor")
	require.NoError(t, err)
	assert.Equal(t, types.ContactStateOpen, req.State)
	assert.Equal(t, []string{"alice"}, req.Exhibitor.Staff)

	_, err = s.Accept(ctx, "w", req.Id, "bob")
	assert.ErrorIs(t, err, ErrNotStaff)

	accepted, err := s.Accept(ctx, "w", req.Id, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ContactStateAnswered, accepted.State)
	assert.Equal(t, "alice", *accepted.AnsweredBy)

	_, err = s.Accept(ctx, "w", req.Id, "alice")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	_, err = s.Cancel(ctx, "w", req.Id, "visitor")
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestContactCancelAndSweep(t *testing.T) {
	s, clk := newTestService(t)
	ctx := context.Background()
	acme := createExhibitor(t, s, "Acme", "alice")

	r1, err := s.Contact(ctx, "w", acme.Id, "visitor")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, "w", r1.Id, "someone-else")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	cancelled, err := s.Cancel(ctx, "w", r1.Id, "visitor")
	require.NoError(t, err)
	assert.Equal(t, types.ContactStateMissed, cancelled.State)

	r2, err := s.Contact(ctx, "w", acme.Id, "visitor")
	require.NoError(t, err)
	open, err := s.OpenRequestsFrom(ctx, "visitor")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, r2.Id, open[0].Id)

	swept, err := s.SweepMissed(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, swept)

	clk.Advance(2 * time.Minute)
	swept, err = s.SweepMissed(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, r2.Id, swept[0].Id)
	assert.Equal(t, types.ContactStateMissed, swept[0].State)

	open, err = s.OpenRequestsFrom(ctx, "visitor")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDeleteExhibitor(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	acme := createExhibitor(t, s, "Acme", "alice")
	_, err := s.Contact(ctx, "w", acme.Id, "visitor")
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, "w", acme.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, deleted.Staff)
	_, err = s.Get(ctx, "w", acme.Id)
	assert.ErrorIs(t, err, ErrUnknownExhibitor)
	open, err := s.OpenRequestsFrom(ctx, "visitor")
	require.NoError(t, err)
	assert.Empty(t, open)

	require.ErrorIs(t, s.AddStaff(ctx, "w", acme.Id, "bob"), ErrUnknownExhibitor)
}
