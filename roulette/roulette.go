package roulette

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tcriess/lightspeed-live/clock"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	StatusMatch   = "match"
	StatusWaiting = "waiting"

	maxAttempts = 12
)

var (
	ErrNotInPairing = errors.New("user is not part of the pairing")
	ErrContention   = errors.New("matchmaking did not settle")
)

type Config struct {
	// RequestTTL is how long a waiting request stays eligible without a heartbeat.
	RequestTTL time.Duration
	// Cooldown is how long two users are not matched again.
	Cooldown time.Duration
	// RecentWindow is the window of the "recent pairings" count returned to waiting users.
	RecentWindow time.Duration
}

// Result of a start call. Pairing is set for StatusMatch, Recent for StatusWaiting.
type Result struct {
	Status  string
	Pairing *types.RoulettePairing
	Peer    string
	Recent  int64
}

// Service pairs waiting users of a room. All state lives in the database; concurrent callers in any
// number of processes are serialized by row locks.
type Service struct {
	db     *gorm.DB
	cfg    Config
	clock  clock.Clock
	logger hclog.Logger
}

func New(db *gorm.DB, cfg Config, clk clock.Clock) *Service {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{db: db, cfg: cfg, clock: clk, logger: globals.AppLogger.Named("roulette")}
}

// Start is called when a user asks for a partner and again on every heartbeat while waiting.
func (s *Service) Start(ctx context.Context, roomId, userId, socketId string) (*Result, error) {
	var res *Result
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		res, err = s.start(tx, roomId, userId, socketId)
		return err
	})
	if errors.Is(err, ErrContention) {
		// keep the socket eligible; the next heartbeat tries to match again
		s.logger.Warn("matchmaking contended, keeping request waiting", "room", roomId, "user", userId, "error", err)
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			res, err = s.wait(tx, roomId, userId, socketId, s.clock.Now())
			return err
		})
	}
	return res, err
}

func (s *Service) start(tx *gorm.DB, roomId, userId, socketId string) (*Result, error) {
	now := s.clock.Now()

	// a pairing created by someone else for our waiting socket
	var pairing types.RoulettePairing
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("room_id = ? AND user2_id = ? AND socket2 = ? AND claimed = ? AND roulette_pairings.timestamp > ?",
			roomId, userId, socketId, false, now.Add(-s.cfg.RequestTTL)).
		Order("roulette_pairings.timestamp DESC").
		Take(&pairing).Error
	if err == nil {
		if err := tx.Model(&pairing).Update("claimed", true).Error; err != nil {
			return nil, err
		}
		pairing.Claimed = true
		return &Result{Status: StatusMatch, Pairing: &pairing, Peer: pairing.User1Id}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// hold our own waiting row so nobody pairs with us while we pair with someone else
	var own types.RouletteRequest
	err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("room_id = ? AND user_id = ? AND socket_id = ?", roomId, userId, socketId).
		Take(&own).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sub := tx.Session(&gorm.Session{NewDB: true})
	blocked := sub.Model(&types.UserBlock{}).Select("1").
		Where("(user_blocks.user_id = roulette_requests.user_id AND user_blocks.blocked_user_id = ?) OR "+
			"(user_blocks.user_id = ? AND user_blocks.blocked_user_id = roulette_requests.user_id)", userId, userId)
	recentlyPaired := sub.Model(&types.RoulettePairing{}).Select("1").
		Where("roulette_pairings.timestamp > ?", now.Add(-s.cfg.Cooldown)).
		Where("(roulette_pairings.user1_id = roulette_requests.user_id AND roulette_pairings.user2_id = ?) OR "+
			"(roulette_pairings.user1_id = ? AND roulette_pairings.user2_id = roulette_requests.user_id)", userId, userId)

	var candidate types.RouletteRequest
	err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("room_id = ? AND user_id <> ? AND expiry > ?", roomId, userId, now).
		Where("NOT EXISTS (?)", blocked).
		Where("NOT EXISTS (?)", recentlyPaired).
		Order("RANDOM()").
		Take(&candidate).Error
	if err == nil {
		pairing = types.RoulettePairing{
			Id:        uuid.NewString(),
			RoomId:    roomId,
			User1Id:   userId,
			User2Id:   candidate.UserId,
			Socket1:   socketId,
			Socket2:   candidate.SocketId,
			Timestamp: now,
		}
		if err := tx.Create(&pairing).Error; err != nil {
			return nil, err
		}
		if err := tx.Where("id = ?", candidate.Id).Delete(&types.RouletteRequest{}).Error; err != nil {
			return nil, err
		}
		if err := tx.Where("room_id = ? AND user_id = ?", roomId, userId).Delete(&types.RouletteRequest{}).Error; err != nil {
			return nil, err
		}
		return &Result{Status: StatusMatch, Pairing: &pairing, Peer: candidate.UserId}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.wait(tx, roomId, userId, socketId, now)
}

// wait upserts the socket's waiting request and counts the room's recent pairings.
func (s *Service) wait(tx *gorm.DB, roomId, userId, socketId string, now time.Time) (*Result, error) {
	req := types.RouletteRequest{RoomId: roomId, UserId: userId, SocketId: socketId, Expiry: now.Add(s.cfg.RequestTTL)}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}, {Name: "socket_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expiry"}),
	}).Create(&req).Error
	if err != nil {
		return nil, err
	}
	var recent int64
	err = tx.Model(&types.RoulettePairing{}).
		Where("room_id = ? AND roulette_pairings.timestamp > ? AND user1_id <> ? AND user2_id <> ?", roomId, now.Add(-s.cfg.RecentWindow), userId, userId).
		Count(&recent).Error
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusWaiting, Recent: recent}, nil
}

// Stop withdraws the socket's waiting request.
func (s *Service) Stop(ctx context.Context, roomId, userId, socketId string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Where("room_id = ? AND user_id = ? AND socket_id = ?", roomId, userId, socketId).
			Delete(&types.RouletteRequest{}).Error
	})
}

// Hangup ends a pairing from userId's side and returns it so the peer can be notified.
func (s *Service) Hangup(ctx context.Context, pairingId, userId string) (*types.RoulettePairing, error) {
	var pairing types.RoulettePairing
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", pairingId).Take(&pairing).Error
		if err != nil {
			return err
		}
		if pairing.User1Id != userId && pairing.User2Id != userId {
			return ErrNotInPairing
		}
		return tx.Model(&pairing).Update("claimed", true).Error
	})
	if err != nil {
		return nil, err
	}
	return &pairing, nil
}

// AttachCall stores the call created for a pairing after the pairing committed.
func (s *Service) AttachCall(ctx context.Context, pairingId, server string, roomId int64, token string) error {
	return s.db.WithContext(ctx).Model(&types.RoulettePairing{}).Where("id = ?", pairingId).
		Updates(map[string]interface{}{"janus_server": server, "janus_room_id": roomId, "janus_token": token}).Error
}

func (s *Service) GetPairing(ctx context.Context, pairingId string) (*types.RoulettePairing, error) {
	var pairing types.RoulettePairing
	if err := s.db.WithContext(ctx).Where("id = ?", pairingId).Take(&pairing).Error; err != nil {
		return nil, err
	}
	return &pairing, nil
}

// PurgeExpired deletes expired waiting requests.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expiry <= ?", s.clock.Now()).Delete(&types.RouletteRequest{})
	return res.RowsAffected, res.Error
}

func (s *Service) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn, opts...)
		if err == nil || !retryable(err) {
			return err
		}
		s.logger.Debug("retrying contended transaction", "attempt", attempt, "error", err)
		backoff := time.Duration(attempt*5+rand.Intn(10)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errors.Join(ErrContention, err)
}

// retryable reports serialization failures, deadlocks, lock timeouts and busy sqlite databases.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}
