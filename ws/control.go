package ws

import (
	"context"
	"fmt"

	"github.com/tcriess/lightspeed-live/pubsub"
	"github.com/tcriess/lightspeed-live/types"
)

// PublishControl asks the connections of a world, or of one user when userId is set, to drop or
// to reload. Every server sharing the layer acts on it.
func PublishControl(ctx context.Context, layer pubsub.Layer, eventType, worldId, userId string) error {
	switch eventType {
	case EventConnectionDrop, EventConnectionReload:
	default:
		return fmt.Errorf("not a connection control event: %q", eventType)
	}
	topic := TopicWorld(worldId)
	if userId != "" {
		topic = TopicUser(userId)
	}
	event, err := types.NewEvent(topic, eventType, types.Source{}, nil)
	if err != nil {
		return err
	}
	return layer.Publish(ctx, event)
}

// RenewPresence renews the presence rows of this server's connections and purges the rows no
// server renewed in time.
func (s *Server) RenewPresence(ctx context.Context) error {
	now := s.clock.Now()
	if _, err := s.entities.TouchConnections(ctx, s.hub.Origin(), now); err != nil {
		return err
	}
	n, err := s.entities.PurgeConnections(ctx, now.Add(-s.cfg.Client.PresenceTTL))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("purged stale connections", "count", n)
	}
	return nil
}

func (c *Client) addPresence(ctx context.Context) error {
	now := c.server.clock.Now()
	return c.server.entities.AddConnection(ctx, &types.Connection{
		SocketId:    c.socketId,
		WorldId:     c.world.Id,
		UserId:      c.user.Id,
		Origin:      c.hub.Origin(),
		ConnectedAt: now,
		SeenAt:      now,
	})
}

// userConnections counts the connections of userId on all servers.
func (c *Client) userConnections(ctx context.Context, userId string) (int64, error) {
	since := c.server.clock.Now().Add(-c.server.cfg.Client.PresenceTTL)
	return c.server.entities.CountUserConnections(ctx, userId, since)
}
