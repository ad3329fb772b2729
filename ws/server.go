package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/tcriess/lightspeed-live/auth"
	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/calls"
	"github.com/tcriess/lightspeed-live/clock"
	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/exhibition"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/polls"
	"github.com/tcriess/lightspeed-live/posters"
	"github.com/tcriess/lightspeed-live/questions"
	"github.com/tcriess/lightspeed-live/roulette"
	"github.com/tcriess/lightspeed-live/types"
)

// Options are the services the protocol handlers work with. BBB, Janus, OIDC and Clock are
// optional.
type Options struct {
	Config      *config.Config
	Entities    *persistence.Entities
	Permissions *permissions.Engine
	Hub         *Hub
	Polls       *polls.Service
	Questions   *questions.Service
	Posters     *posters.Service
	Exhibition  *exhibition.Service
	Roulette    *roulette.Service
	BBB         *calls.BBB
	Janus       *calls.Janus
	OIDC        *auth.OIDC
	Clock       clock.Clock
}

// Server accepts websocket connections of all worlds.
type Server struct {
	cfg         *config.Config
	entities    *persistence.Entities
	permissions *permissions.Engine
	hub         *Hub
	polls       *polls.Service
	questions   *questions.Service
	posters     *posters.Service
	exhibition  *exhibition.Service
	roulette    *roulette.Service
	bbb         *calls.BBB
	janus       *calls.Janus
	oidc        *auth.OIDC
	clock       clock.Clock

	registry *Registry
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   hclog.Logger
	ctx      context.Context
}

func NewServer(ctx context.Context, opts Options) *Server {
	cfg := opts.Config
	if cfg.Client.SendBufferSize <= 0 {
		cfg.Client.SendBufferSize = 256
	}
	if cfg.Client.MaxMessageSize <= 0 {
		cfg.Client.MaxMessageSize = 64 * 1024
	}
	if cfg.Client.PresenceTTL <= 0 {
		cfg.Client.PresenceTTL = 3 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	s := &Server{
		cfg:         cfg,
		entities:    opts.Entities,
		permissions: opts.Permissions,
		hub:         opts.Hub,
		polls:       opts.Polls,
		questions:   opts.Questions,
		posters:     opts.Posters,
		exhibition:  opts.Exhibition,
		roulette:    opts.Roulette,
		bbb:         opts.BBB,
		janus:       opts.Janus,
		oidc:        opts.OIDC,
		clock:       opts.Clock,
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: globals.AppLogger.Named("ws"),
		ctx:    ctx,
	}
	s.registry = s.buildRegistry()
	return s
}

func (s *Server) buildRegistry() *Registry {
	r := NewRegistry()
	s.registerUser(r)
	s.registerWorld(r)
	s.registerRoom(r)
	s.registerChat(r)
	s.registerPoll(r)
	s.registerQuestion(r)
	s.registerRoulette(r)
	s.registerCalls(r)
	s.registerPoster(r)
	s.registerExhibition(r)
	return r
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/world/{world}/", s.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades the request and runs the connection until it is closed.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	worldId := mux.Vars(r)["world"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error", "error", err)
		return
	}
	world, err := s.entities.World(r.Context(), worldId, 0)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Error("could not load world", "world", worldId, "error", err)
		}
		msg, _ := (&types.Frame{}).Response(types.WireStatusError, map[string]interface{}{"code": "world.unknown_world"})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
		return
	}

	c := newClient(s, conn, world)
	s.hub.Register(c)
	c.log().Debug("client connected")
	c.Add(3)
	go c.ReadLoop()
	go c.WriteLoop()
	go c.ProcessLoop(s.ctx)
	c.Wait()
	c.log().Debug("client disconnected")
}
