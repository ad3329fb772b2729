package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/ws"
)

// room loads the room of the url. Rooms of other worlds and rooms the caller cannot view are
// reported as missing.
func (s *Server) room(w http.ResponseWriter, r *http.Request, c *caller) (*types.Room, bool) {
	room, err := s.entities.Room(r.Context(), mux.Vars(r)["id"], 0)
	if errors.Is(err, cache.ErrNotFound) || (err == nil && (room.WorldId != c.world.Id || !c.can(room, permissions.RoomView))) {
		s.error(w, http.StatusNotFound, "room.unknown")
		return nil, false
	}
	if err != nil {
		s.internalError(w, err)
		return nil, false
	}
	return room, true
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	rooms, err := s.entities.ListRooms(r.Context(), c.world.Id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	visible := lo.Filter(rooms, func(room *types.Room, _ int) bool { return c.can(room, permissions.RoomView) })
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": visible})
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	if !c.can(nil, permissions.WorldUpdate) {
		s.error(w, http.StatusForbidden, "protocol.denied")
		return
	}
	body := types.RoomPatch{}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"code": "protocol.invalid", "message": "name is required"})
		return
	}
	room := body.NewRoom(c.world.Id)
	if err := s.entities.CreateRoom(r.Context(), room); err != nil {
		s.internalError(w, err)
		return
	}
	s.logger.Info("room created", "world", c.world.Id, "room", room.Id)
	s.notify(r.Context(), ws.TopicWorld(c.world.Id), ws.EventRoomCreate, map[string]interface{}{"room": room.Id})
	s.writeJSON(w, http.StatusCreated, room)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	room, ok := s.room(w, r, c)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) patchRoom(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	room, ok := s.room(w, r, c)
	if !ok {
		return
	}
	if !c.can(nil, permissions.WorldUpdate) {
		s.error(w, http.StatusForbidden, "protocol.denied")
		return
	}
	body := types.RoomPatch{}
	if !s.decode(w, r, &body) {
		return
	}
	room, err := s.entities.UpdateRoom(r.Context(), room.Id, body.Fields())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.notify(r.Context(), ws.TopicWorld(c.world.Id), ws.EventRoomUpdated, map[string]interface{}{"room": room.Id})
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	room, ok := s.room(w, r, c)
	if !ok {
		return
	}
	if !c.can(nil, permissions.WorldUpdate) {
		s.error(w, http.StatusForbidden, "protocol.denied")
		return
	}
	if _, err := s.entities.DeleteRoom(r.Context(), room.Id); err != nil {
		s.internalError(w, err)
		return
	}
	s.logger.Info("room deleted", "world", c.world.Id, "room", room.Id)
	s.notify(r.Context(), ws.TopicWorld(c.world.Id), ws.EventRoomDeleted, map[string]interface{}{"room": room.Id})
	s.writeJSON(w, http.StatusNoContent, nil)
}
