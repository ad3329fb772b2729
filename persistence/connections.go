package persistence

import (
	"context"
	"time"

	"github.com/tcriess/lightspeed-live/types"
)

// connection presence, shared by all servers

func (p *GormPersist) AddConnection(ctx context.Context, conn *types.Connection) error {
	return p.db.WithContext(ctx).Create(conn).Error
}

func (p *GormPersist) RemoveConnection(ctx context.Context, socketId string) error {
	return p.db.WithContext(ctx).Where("socket_id = ?", socketId).Delete(&types.Connection{}).Error
}

// TouchConnections renews the rows of all connections held by origin.
func (p *GormPersist) TouchConnections(ctx context.Context, origin string, now time.Time) (int64, error) {
	res := p.db.WithContext(ctx).Model(&types.Connection{}).Where("origin = ?", origin).Update("seen_at", now)
	return res.RowsAffected, res.Error
}

// CountUserConnections counts the connections of a user renewed after since, on all servers.
func (p *GormPersist) CountUserConnections(ctx context.Context, userId string, since time.Time) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&types.Connection{}).
		Where("user_id = ? AND seen_at > ?", userId, since).
		Count(&n).Error
	return n, err
}

// ListConnections returns the live connections of a world, optionally of one user only.
func (p *GormPersist) ListConnections(ctx context.Context, worldId, userId string, since time.Time) ([]*types.Connection, error) {
	conns := make([]*types.Connection, 0)
	q := p.db.WithContext(ctx).Where("world_id = ? AND seen_at > ?", worldId, since)
	if userId != "" {
		q = q.Where("user_id = ?", userId)
	}
	err := q.Order("connected_at").Find(&conns).Error
	return conns, err
}

// PurgeConnections deletes rows that were not renewed since before.
func (p *GormPersist) PurgeConnections(ctx context.Context, before time.Time) (int64, error) {
	res := p.db.WithContext(ctx).Where("seen_at <= ?", before).Delete(&types.Connection{})
	return res.RowsAffected, res.Error
}
