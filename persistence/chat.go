package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tcriess/lightspeed-live/types"
)

// ErrDirectChannelDenied is returned when a direct conversation between the given users is not allowed.
var ErrDirectChannelDenied = errors.New("direct channel denied")

func (p *GormPersist) IsChannelMember(ctx context.Context, channelId, userId string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&types.Membership{}).
		Where("channel_id = ? AND user_id = ?", channelId, userId).
		Count(&n).Error
	return n > 0, err
}

func (p *GormPersist) ChannelMembers(ctx context.Context, channelId string) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.WithContext(ctx).
		Where("id IN (?)", p.db.Model(&types.Membership{}).Select("user_id").Where("channel_id = ?", channelId)).
		Order("id").
		Find(&users).Error
	return users, err
}

// LastChatEventId is the id of the newest event of all channels.
func (p *GormPersist) LastChatEventId(ctx context.Context) (int64, error) {
	var id int64
	err := p.db.WithContext(ctx).Model(&types.ChatEvent{}).Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

func (p *GormPersist) HighestChatEventId(ctx context.Context, channelId string) (int64, error) {
	var id int64
	err := p.db.WithContext(ctx).Model(&types.ChatEvent{}).
		Where("channel_id = ?", channelId).
		Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

// IsBlockedInChannel reports whether another member of the channel blocked userId.
func (p *GormPersist) IsBlockedInChannel(ctx context.Context, channelId, userId string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&types.UserBlock{}).
		Where("blocked_user_id = ? AND user_id IN (?)", userId,
			p.db.Model(&types.Membership{}).Select("user_id").Where("channel_id = ?", channelId)).
		Count(&n).Error
	return n > 0, err
}

// GetOrCreateDirectChannel returns the roomless channel whose members are exactly userIds, creating it
// if needed. All users must belong to the world and none of them may have blocked another.
func (p *GormPersist) GetOrCreateDirectChannel(ctx context.Context, worldId string, userIds []string) (*types.Channel, bool, []*types.User, error) {
	var (
		ch      *types.Channel
		created bool
		users   []*types.User
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("world_id = ? AND deleted = ? AND id IN ?", worldId, false, userIds).
			Order("id").Find(&users).Error; err != nil {
			return err
		}
		if len(users) < 2 || len(users) != len(userIds) {
			return ErrDirectChannelDenied
		}
		var blocks int64
		if err := tx.Model(&types.UserBlock{}).
			Where("user_id IN ? AND blocked_user_id IN ?", userIds, userIds).
			Count(&blocks).Error; err != nil {
			return err
		}
		if blocks > 0 {
			return ErrDirectChannelDenied
		}

		n := len(userIds)
		exact := tx.Model(&types.Membership{}).Select("channel_id").Group("channel_id").
			Having("COUNT(*) = ? AND SUM(CASE WHEN user_id IN ? THEN 1 ELSE 0 END) = ?", n, userIds, n)
		ch = &types.Channel{}
		err := tx.Where("world_id = ? AND room_id IS NULL AND id IN (?)", worldId, exact).Take(ch).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ch = &types.Channel{Id: uuid.NewString(), WorldId: worldId}
		if err := tx.Create(ch).Error; err != nil {
			return err
		}
		ids := append([]string(nil), userIds...)
		sort.Strings(ids)
		for _, id := range ids {
			if err := tx.Create(&types.Membership{ChannelId: ch.Id, UserId: id}).Error; err != nil {
				return err
			}
			if err := watch(tx, ch.Id, id, true); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, nil, err
	}
	return ch, created, users, nil
}

// read and notification pointers

func watch(tx *gorm.DB, channelId, userId string, notify bool) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"notify"}),
	}).Create(&types.ReadPointer{UserId: userId, ChannelId: channelId, Notify: notify}).Error
}

// WatchChannel sets whether the user is told about the next event of the channel.
func (p *GormPersist) WatchChannel(ctx context.Context, channelId, userId string, notify bool) error {
	return watch(p.db.WithContext(ctx), channelId, userId, notify)
}

// MarkRead moves the read pointer and re-arms the notification for the channel.
func (p *GormPersist) MarkRead(ctx context.Context, channelId, userId string, eventId int64) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_id", "notify"}),
	}).Create(&types.ReadPointer{UserId: userId, ChannelId: channelId, EventId: eventId, Notify: true}).Error
}

func (p *GormPersist) ReadPointers(ctx context.Context, userId string) (map[string]int64, error) {
	var pointers []types.ReadPointer
	if err := p.db.WithContext(ctx).Where("user_id = ? AND event_id > 0", userId).Find(&pointers).Error; err != nil {
		return nil, err
	}
	res := make(map[string]int64, len(pointers))
	for _, rp := range pointers {
		res[rp.ChannelId] = rp.EventId
	}
	return res, nil
}

// TakeNotify returns the users waiting for a notification about the channel, except exceptUserId,
// and clears their flag until they read the channel again.
func (p *GormPersist) TakeNotify(ctx context.Context, channelId, exceptUserId string) ([]string, error) {
	var userIds []string
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.ReadPointer{}).
			Where("channel_id = ? AND notify = ? AND user_id <> ?", channelId, true, exceptUserId).
			Order("user_id").
			Pluck("user_id", &userIds).Error; err != nil {
			return err
		}
		if len(userIds) == 0 {
			return nil
		}
		return tx.Model(&types.ReadPointer{}).
			Where("channel_id = ? AND user_id IN ?", channelId, userIds).
			Update("notify", false).Error
	})
	return userIds, err
}
