// Package api is the REST sideband used by ticketing and scheduling systems to manage a world
// without a websocket session. Callers authenticate with a world token; its traits are evaluated by
// the same permission rules as websocket users.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/tcriess/lightspeed-live/auth"
	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/types"
)

// Publisher announces changes to the connected websocket clients.
type Publisher interface {
	PublishData(ctx context.Context, topic, eventType string, source types.Source, targetFilter string, data interface{}) error
}

type Server struct {
	entities *persistence.Entities
	hub      Publisher
	validate *validator.Validate
	logger   hclog.Logger
}

func New(entities *persistence.Entities, hub Publisher) *Server {
	return &Server{
		entities: entities,
		hub:      hub,
		validate: validator.New(),
		logger:   globals.AppLogger.Named("api"),
	}
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/api/v1/worlds/{world}").Subrouter()
	r.Use(s.authenticate)
	r.HandleFunc("/", s.getWorld).Methods(http.MethodGet)
	r.HandleFunc("/", s.patchWorld).Methods(http.MethodPatch)
	r.HandleFunc("/rooms/", s.listRooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/", s.createRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/", s.getRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/", s.patchRoom).Methods(http.MethodPatch)
	r.HandleFunc("/rooms/{id}/", s.deleteRoom).Methods(http.MethodDelete)
	r.HandleFunc("/delete_user/", s.deleteUser).Methods(http.MethodPost)
}

type callerKey struct{}

// caller is the authenticated api client of a request.
type caller struct {
	world *types.World
	user  *types.User
}

func (c *caller) can(room *types.Room, p permissions.Permission) bool {
	return permissions.Resolve(c.world, room, c.user, permissions.Grants{}).Has(p)
}

func callerFrom(r *http.Request) *caller {
	return r.Context().Value(callerKey{}).(*caller)
}

// authenticate loads the world and checks the bearer token. Only tokens granting world:api pass.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		world, err := s.entities.World(r.Context(), mux.Vars(r)["world"], 0)
		if errors.Is(err, cache.ErrNotFound) {
			s.error(w, http.StatusNotFound, "world.unknown_world")
			return
		}
		if err != nil {
			s.internalError(w, err)
			return
		}
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" || strings.Contains(token, " ") {
			s.error(w, http.StatusUnauthorized, "auth.missing_token")
			return
		}
		claims, err := auth.DecodeWorldToken(world, token)
		if errors.Is(err, auth.ErrExpiredToken) {
			s.error(w, http.StatusUnauthorized, "auth.expired_token")
			return
		}
		if err != nil {
			s.error(w, http.StatusUnauthorized, "auth.invalid_token")
			return
		}
		c := &caller{
			world: world,
			user:  &types.User{Type: types.UserTypePerson, WorldId: world.Id, Traits: claims.Traits},
		}
		if !c.can(nil, permissions.WorldAPI) {
			s.error(w, http.StatusForbidden, "protocol.denied")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("could not write response", "error", err)
	}
}

func (s *Server) error(w http.ResponseWriter, status int, code string) {
	s.writeJSON(w, status, map[string]string{"code": code})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	s.error(w, http.StatusInternalServerError, "server.error")
}

// decode reads and validates a JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"code": "protocol.invalid", "message": err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"code": "protocol.invalid", "message": err.Error()})
		return false
	}
	return true
}

func (s *Server) notify(ctx context.Context, topic, eventType string, data interface{}) {
	if err := s.hub.PublishData(ctx, topic, eventType, types.Source{}, "", data); err != nil {
		s.logger.Warn("could not notify clients", "event", eventType, "error", err)
	}
}
