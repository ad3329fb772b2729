package api

import (
	"errors"
	"net/http"

	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/types"
	"github.com/tcriess/lightspeed-live/ws"
)

// worldData is the api representation of a world. JWT secrets are only shown to callers with
// world:secrets.
func worldData(c *caller) map[string]interface{} {
	d := map[string]interface{}{
		"id":                c.world.Id,
		"title":             c.world.Title,
		"locale":            c.world.Locale,
		"timezone":          c.world.Timezone,
		"trait_grants":      c.world.TraitGrants,
		"permission_config": c.world.PermissionConfig,
		"connection_limit":  c.world.ConnectionLimit,
	}
	if c.can(nil, permissions.WorldSecrets) {
		d["jwt_secrets"] = c.world.JWTSecrets
	}
	return d
}

func (s *Server) getWorld(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, worldData(callerFrom(r)))
}

func (s *Server) patchWorld(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	if !c.can(nil, permissions.WorldUpdate) {
		s.error(w, http.StatusForbidden, "protocol.denied")
		return
	}
	body := types.WorldPatch{}
	if !s.decode(w, r, &body) {
		return
	}
	if body.JWTSecrets != nil && !c.can(nil, permissions.WorldSecrets) {
		s.error(w, http.StatusForbidden, "protocol.denied")
		return
	}
	world, err := s.entities.UpdateWorld(r.Context(), c.world.Id, body.Fields())
	if err != nil {
		s.internalError(w, err)
		return
	}
	c.world = world
	s.logger.Info("world config updated", "world", world.Id)
	s.notify(r.Context(), ws.TopicWorld(world.Id), ws.EventWorldUpdated, nil)
	s.writeJSON(w, http.StatusOK, worldData(c))
}

// deleteUser soft-deletes a user given by user_id or token_id and drops their connections.
func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	if !c.can(nil, permissions.WorldUsersManage) {
		s.error(w, http.StatusForbidden, "protocol.denied")
		return
	}
	body := struct {
		UserId  string `json:"user_id"`
		TokenId string `json:"token_id"`
	}{}
	if !s.decode(w, r, &body) {
		return
	}
	if (body.UserId == "") == (body.TokenId == "") {
		s.error(w, http.StatusBadRequest, "user.ambiguous_id")
		return
	}
	var user *types.User
	var err error
	if body.UserId != "" {
		user, err = s.entities.User(r.Context(), body.UserId, 0)
	} else {
		user, err = s.entities.UserByTokenId(r.Context(), c.world.Id, body.TokenId)
	}
	if errors.Is(err, cache.ErrNotFound) || (err == nil && (user.WorldId != c.world.Id || user.Deleted)) {
		s.error(w, http.StatusNotFound, "user.not_found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	if _, err := s.entities.UpdateUser(r.Context(), user.Id, map[string]interface{}{"deleted": true}); err != nil {
		s.internalError(w, err)
		return
	}
	s.logger.Info("user deleted", "world", c.world.Id, "user", user.Id)
	s.notify(r.Context(), ws.TopicUser(user.Id), ws.EventConnectionDrop, nil)
	s.writeJSON(w, http.StatusNoContent, nil)
}
