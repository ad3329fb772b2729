package ws

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tcriess/lightspeed-live/calls"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/roulette"
	"github.com/tcriess/lightspeed-live/types"
)

const (
	EventRouletteMatch  = "roulette.match"
	EventRouletteHangup = "roulette.hangup"
)

func (s *Server) registerRoulette(r *Registry) {
	r.Command("roulette.start", s.rouletteStart, RoomAction(types.ModuleRoulette, permissions.RoomRouletteJoin))
	r.Command("roulette.stop", s.rouletteStop, RoomAction(types.ModuleRoulette, ""))
	r.Command("roulette.hangup", s.rouletteHangup)
	r.Event(EventRouletteMatch, Forward)
	r.Event(EventRouletteHangup, Forward)
	r.OnDisconnect(s.rouletteDisconnect)
}

// matchPayload describes a pairing to one of its sides.
func (s *Server) matchPayload(ctx context.Context, pairing *types.RoulettePairing, peerId string) (map[string]interface{}, error) {
	peer, err := s.entities.User(ctx, peerId, s.cfg.Cache.AllowedAge)
	if err != nil {
		return nil, err
	}
	d := map[string]interface{}{
		"status":  roulette.StatusMatch,
		"pairing": pairing.Id,
		"room":    pairing.RoomId,
		"user":    peer.Public(false),
	}
	if pairing.JanusServer != "" {
		d["call"] = calls.JanusRoom{Server: pairing.JanusServer, RoomId: pairing.JanusRoomId, Token: pairing.JanusToken}
	}
	return d, nil
}

func (s *Server) rouletteStart(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	res, err := s.roulette.Start(ctx, req.Room.Id, c.user.Id, c.socketId)
	if err != nil {
		return nil, err
	}
	if res.Status == roulette.StatusWaiting {
		c.roulette[req.Room.Id] = struct{}{}
		return map[string]interface{}{"status": roulette.StatusWaiting, "recent": res.Recent}, nil
	}
	delete(c.roulette, req.Room.Id)
	pairing := res.Pairing

	if pairing.User1Id != c.user.Id {
		// the waiting side, the call was attached by the creator if it is ready already
		stored, err := s.roulette.GetPairing(ctx, pairing.Id)
		if err != nil {
			return nil, err
		}
		return s.matchPayload(ctx, stored, res.Peer)
	}

	if s.janus != nil && s.janus.Available(ctx) {
		room, err := s.janus.CreateRoom(ctx)
		if err != nil {
			c.log().Warn("no call for roulette pairing", "pairing", pairing.Id, "error", err)
			_ = c.publish(ctx, TopicSocket(pairing.Socket2), EventRouletteHangup, map[string]interface{}{"pairing": pairing.Id})
			return nil, types.ExternalServiceFailure("janus.failed", err)
		}
		if err := s.roulette.AttachCall(ctx, pairing.Id, room.Server, room.RoomId, room.Token); err != nil {
			return nil, err
		}
		pairing.JanusServer, pairing.JanusRoomId, pairing.JanusToken = room.Server, room.RoomId, room.Token
	}
	peerPayload, err := s.matchPayload(ctx, pairing, c.user.Id)
	if err != nil {
		return nil, err
	}
	if err := c.publish(ctx, TopicSocket(pairing.Socket2), EventRouletteMatch, peerPayload); err != nil {
		return nil, err
	}
	return s.matchPayload(ctx, pairing, res.Peer)
}

func (s *Server) rouletteStop(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	delete(c.roulette, req.Room.Id)
	return nil, s.roulette.Stop(ctx, req.Room.Id, c.user.Id, c.socketId)
}

func (s *Server) rouletteHangup(ctx context.Context, c *Client, req *Request) (interface{}, error) {
	body := struct {
		Pairing string `mapstructure:"pairing" validate:"required"`
	}{}
	if err := s.decode(req.Body, &body); err != nil {
		return nil, err
	}
	pairing, err := s.roulette.Hangup(ctx, body.Pairing, c.user.Id)
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, roulette.ErrNotInPairing) {
		return nil, types.ResourceUnknown("roulette.unknown_pairing")
	}
	if err != nil {
		return nil, err
	}
	peerSocket := pairing.Socket2
	if pairing.User1Id != c.user.Id {
		peerSocket = pairing.Socket1
	}
	return nil, c.publish(ctx, TopicSocket(peerSocket), EventRouletteHangup, map[string]interface{}{"pairing": pairing.Id})
}

func (s *Server) rouletteDisconnect(ctx context.Context, c *Client) error {
	var errs []error
	for roomId := range c.roulette {
		errs = append(errs, s.roulette.Stop(ctx, roomId, c.user.Id, c.socketId))
	}
	return errors.Join(errs...)
}
