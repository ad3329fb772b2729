package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/types"
)

// Models lists every table owned by the server.
var Models = []interface{}{
	&types.World{}, &types.Room{}, &types.Channel{}, &types.Membership{}, &types.ChatEvent{},
	&types.ReadPointer{}, &types.Question{},
	&types.User{}, &types.RoomGrant{}, &types.WorldGrant{}, &types.UserBlock{},
	&types.RouletteRequest{}, &types.RoulettePairing{},
	&types.BBBServer{}, &types.BBBCall{}, &types.JanusServer{}, &types.JanusCall{},
	&types.Poll{}, &types.PollOption{}, &types.PollVote{},
	&types.Poster{}, &types.PosterPresenter{}, &types.PosterVote{},
	&types.Exhibitor{}, &types.ExhibitorStaff{}, &types.ContactRequest{},
	&types.Connection{},
}

// GormPersist is the system of record. Every mutation of a versioned entity increments its version
// inside the same statement.
type GormPersist struct {
	db *gorm.DB
}

// OpenDB opens and migrates the database configured in cfg.
func OpenDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dial = postgres.Open(cfg.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.DSN)

	default:
		return nil, fmt.Errorf("invalid database type %q", cfg.Type)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.AutoMigrate(Models...); err != nil {
		return nil, err
	}
	return db, nil
}

func NewGormPersister(db *gorm.DB) *GormPersist {
	return &GormPersist{db: db}
}

func (p *GormPersist) DB() *gorm.DB {
	return p.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cache.ErrNotFound
	}
	return err
}

// bump applies fields and increments the version of the row with the given id, then reloads it into
// dest.
func bump(tx *gorm.DB, dest interface{}, id string, fields map[string]interface{}) error {
	updates := map[string]interface{}{"version": gorm.Expr("version + 1")}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.Model(dest).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return cache.ErrNotFound
	}
	return tx.Where("id = ?", id).Take(dest).Error
}

// worlds

func (p *GormPersist) CreateWorld(ctx context.Context, world *types.World) error {
	world.Version = 1
	return p.db.WithContext(ctx).Create(world).Error
}

func (p *GormPersist) GetWorld(ctx context.Context, id string) (*types.World, error) {
	world := &types.World{}
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(world).Error; err != nil {
		return nil, notFound(err)
	}
	return world, nil
}

func (p *GormPersist) ListWorlds(ctx context.Context) ([]*types.World, error) {
	worlds := make([]*types.World, 0)
	err := p.db.WithContext(ctx).Order("id").Find(&worlds).Error
	return worlds, err
}

func (p *GormPersist) UpdateWorld(ctx context.Context, id string, fields map[string]interface{}) (*types.World, error) {
	world := &types.World{}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return bump(tx, world, id, fields)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return world, nil
}

// rooms

func (p *GormPersist) CreateRoom(ctx context.Context, room *types.Room) error {
	if room.Id == "" {
		room.Id = uuid.NewString()
	}
	room.Version = 1
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		if room.HasModule(types.ModuleChat) {
			roomId := room.Id
			return tx.Create(&types.Channel{Id: uuid.NewString(), WorldId: room.WorldId, RoomId: &roomId}).Error
		}
		return nil
	})
}

// GetRoom returns cache.ErrNotFound for deleted rooms.
func (p *GormPersist) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	room := &types.Room{}
	if err := p.db.WithContext(ctx).Where("id = ? AND deleted = ?", id, false).Take(room).Error; err != nil {
		return nil, notFound(err)
	}
	return room, nil
}

func (p *GormPersist) ListRooms(ctx context.Context, worldId string) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.WithContext(ctx).
		Where("world_id = ? AND deleted = ?", worldId, false).
		Order("sorting_priority, name").
		Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) UpdateRoom(ctx context.Context, id string, fields map[string]interface{}) (*types.Room, error) {
	room := &types.Room{}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := bump(tx, room, id, fields); err != nil {
			return err
		}
		if room.HasModule(types.ModuleChat) {
			roomId := room.Id
			ch := &types.Channel{Id: uuid.NewString(), WorldId: room.WorldId, RoomId: &roomId}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ch).Error
		}
		return nil
	})
	if err != nil {
		return nil, notFound(err)
	}
	return room, nil
}

func (p *GormPersist) DeleteRoom(ctx context.Context, id string) (*types.Room, error) {
	return p.UpdateRoom(ctx, id, map[string]interface{}{"deleted": true})
}

// users

func (p *GormPersist) GetUser(ctx context.Context, id string) (*types.User, error) {
	user := &types.User{}
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(user).Error; err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

func (p *GormPersist) GetUsers(ctx context.Context, ids []string) ([]*types.User, error) {
	users := make([]*types.User, 0)
	if len(ids) == 0 {
		return users, nil
	}
	err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}

func (p *GormPersist) UserByTokenId(ctx context.Context, worldId, tokenId string) (*types.User, error) {
	user := &types.User{}
	if err := p.db.WithContext(ctx).Where("world_id = ? AND token_id = ?", worldId, tokenId).Take(user).Error; err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

func (p *GormPersist) ListUsers(ctx context.Context, worldId string, offset, limit int) ([]*types.User, error) {
	users := make([]*types.User, 0)
	q := p.db.WithContext(ctx).Where("world_id = ?", worldId).Order("created_at").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&users).Error
	return users, err
}

// Identity is what authentication established about a connecting user.
type Identity struct {
	WorldId  string
	ClientId string
	TokenId  string
	Traits   []string
	Profile  map[string]interface{}
	Type     string
}

// LoginUser finds or creates the user for identity. Token users get their traits from the token on
// every login.
func (p *GormPersist) LoginUser(ctx context.Context, ident Identity) (*types.User, error) {
	if ident.ClientId == "" && ident.TokenId == "" {
		return nil, errors.New("identity without client id or token id")
	}
	now := time.Now().UTC()
	user := &types.User{}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("world_id = ?", ident.WorldId)
		if ident.TokenId != "" {
			q = q.Where("token_id = ?", ident.TokenId)
		} else {
			q = q.Where("client_id = ?", ident.ClientId)
		}
		err := q.Take(user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = &types.User{
				Id:        uuid.NewString(),
				WorldId:   ident.WorldId,
				Type:      ident.Type,
				Profile:   ident.Profile,
				Traits:    ident.Traits,
				LastLogin: &now,
				Version:   1,
			}
			if user.Type == "" {
				user.Type = types.UserTypePerson
			}
			if ident.TokenId != "" {
				tokenId := ident.TokenId
				user.TokenId = &tokenId
			} else {
				clientId := ident.ClientId
				user.ClientId = &clientId
			}
			return tx.Create(user).Error
		}
		if err != nil {
			return err
		}
		fields := map[string]interface{}{"last_login": now}
		if ident.TokenId != "" {
			fields["traits"] = types.StringList(ident.Traits)
		}
		return bump(tx, user, user.Id, fields)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (p *GormPersist) UpdateUser(ctx context.Context, id string, fields map[string]interface{}) (*types.User, error) {
	user := &types.User{}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return bump(tx, user, id, fields)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

// grants

func (p *GormPersist) GrantWorldRole(ctx context.Context, worldId, userId, role string) error {
	return p.db.WithContext(ctx).Create(&types.WorldGrant{WorldId: worldId, UserId: userId, Role: role}).Error
}

func (p *GormPersist) RevokeWorldRole(ctx context.Context, worldId, userId, role string) error {
	return p.db.WithContext(ctx).
		Where("world_id = ? AND user_id = ? AND role = ?", worldId, userId, role).
		Delete(&types.WorldGrant{}).Error
}

func (p *GormPersist) GrantRoomRole(ctx context.Context, worldId, roomId, userId, role string) error {
	return p.db.WithContext(ctx).Create(&types.RoomGrant{WorldId: worldId, RoomId: roomId, UserId: userId, Role: role}).Error
}

func (p *GormPersist) RevokeRoomRole(ctx context.Context, roomId, userId, role string) error {
	return p.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND role = ?", roomId, userId, role).
		Delete(&types.RoomGrant{}).Error
}

func (p *GormPersist) WorldGrants(ctx context.Context, userId string) ([]types.WorldGrant, error) {
	var grants []types.WorldGrant
	err := p.db.WithContext(ctx).Where("user_id = ?", userId).Find(&grants).Error
	return grants, err
}

func (p *GormPersist) RoomGrants(ctx context.Context, userId string) ([]types.RoomGrant, error) {
	var grants []types.RoomGrant
	err := p.db.WithContext(ctx).Where("user_id = ?", userId).Find(&grants).Error
	return grants, err
}

// blocks

func (p *GormPersist) BlockUser(ctx context.Context, userId, blockedId string) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&types.UserBlock{UserId: userId, BlockedUserId: blockedId}).Error
}

func (p *GormPersist) UnblockUser(ctx context.Context, userId, blockedId string) error {
	return p.db.WithContext(ctx).
		Where("user_id = ? AND blocked_user_id = ?", userId, blockedId).
		Delete(&types.UserBlock{}).Error
}

func (p *GormPersist) BlockedUsers(ctx context.Context, userId string) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.WithContext(ctx).
		Where("id IN (?)", p.db.Model(&types.UserBlock{}).Select("blocked_user_id").Where("user_id = ?", userId)).
		Order("id").
		Find(&users).Error
	return users, err
}

// chat

func (p *GormPersist) RoomChannel(ctx context.Context, roomId string) (*types.Channel, error) {
	ch := &types.Channel{}
	if err := p.db.WithContext(ctx).Where("room_id = ?", roomId).Take(ch).Error; err != nil {
		return nil, notFound(err)
	}
	return ch, nil
}

func (p *GormPersist) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	ch := &types.Channel{}
	if err := p.db.WithContext(ctx).Where("id = ?", id).Take(ch).Error; err != nil {
		return nil, notFound(err)
	}
	return ch, nil
}

func (p *GormPersist) JoinChannel(ctx context.Context, channelId, userId string) (bool, error) {
	res := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&types.Membership{ChannelId: channelId, UserId: userId})
	return res.RowsAffected > 0, res.Error
}

func (p *GormPersist) LeaveChannel(ctx context.Context, channelId, userId string) (bool, error) {
	res := p.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelId, userId).
		Delete(&types.Membership{})
	return res.RowsAffected > 0, res.Error
}

func (p *GormPersist) UserChannels(ctx context.Context, userId string) ([]*types.Channel, error) {
	channels := make([]*types.Channel, 0)
	err := p.db.WithContext(ctx).
		Where("id IN (?)", p.db.Model(&types.Membership{}).Select("channel_id").Where("user_id = ?", userId)).
		Find(&channels).Error
	return channels, err
}

func (p *GormPersist) ChannelMemberCount(ctx context.Context, channelId string) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&types.Membership{}).Where("channel_id = ?", channelId).Count(&n).Error
	return n, err
}

func (p *GormPersist) StoreChatEvent(ctx context.Context, ev *types.ChatEvent) error {
	return p.db.WithContext(ctx).Create(ev).Error
}

// ChatHistory returns up to count events before beforeId (0 means latest), oldest first.
func (p *GormPersist) ChatHistory(ctx context.Context, channelId string, beforeId int64, count int) ([]*types.ChatEvent, error) {
	events := make([]*types.ChatEvent, 0)
	q := p.db.WithContext(ctx).Where("channel_id = ?", channelId)
	if beforeId > 0 {
		q = q.Where("id < ?", beforeId)
	}
	if err := q.Order("id DESC").Limit(count).Find(&events).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
