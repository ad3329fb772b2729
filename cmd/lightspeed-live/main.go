package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/tcriess/lightspeed-live/api"
	"github.com/tcriess/lightspeed-live/auth"
	"github.com/tcriess/lightspeed-live/cache"
	"github.com/tcriess/lightspeed-live/calls"
	"github.com/tcriess/lightspeed-live/config"
	"github.com/tcriess/lightspeed-live/exhibition"
	"github.com/tcriess/lightspeed-live/filter"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/permissions"
	"github.com/tcriess/lightspeed-live/persistence"
	"github.com/tcriess/lightspeed-live/polls"
	"github.com/tcriess/lightspeed-live/posters"
	"github.com/tcriess/lightspeed-live/pubsub"
	"github.com/tcriess/lightspeed-live/questions"
	"github.com/tcriess/lightspeed-live/roulette"
	"github.com/tcriess/lightspeed-live/workers"
	"github.com/tcriess/lightspeed-live/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		globals.AppLogger.Error("stopped", "error", err)
		os.Exit(1)
	}
}

func newVersionStore(cfg *config.Config, p *persistence.GormPersist) (cache.VersionStore, error) {
	switch cfg.VersionStore.Type {
	case "buntdb":
		return cache.NewBuntVersionStore(cfg.VersionStore.Path)
	default:
		return cache.NewSQLVersionStore(p.DB())
	}
}

func newPubSub(ctx context.Context, cfg *config.Config) (pubsub.Layer, error) {
	switch cfg.PubSub.Type {
	case "postgres":
		return pubsub.NewPostgres(ctx, cfg.PubSub.DSN, cfg.PubSub.Channel)
	default:
		return pubsub.NewLocal(), nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := globals.AppLogger

	db, err := persistence.OpenDB(cfg.Database)
	if err != nil {
		return err
	}
	persister := persistence.NewGormPersister(db)
	defer persister.Close()

	store, err := newVersionStore(cfg, persister)
	if err != nil {
		return err
	}
	entities, err := persistence.NewEntities(persister, store, cache.Options{Size: cfg.Cache.Size, TTL: cfg.Cache.TTL, Logger: logger.Named("cache")})
	if err != nil {
		return err
	}

	layer, err := newPubSub(ctx, cfg)
	if err != nil {
		return err
	}
	defer layer.Close()

	pool := workers.New(cfg.Workers)
	defer pool.Wait()
	engine, err := permissions.NewEngine(entities, pool, cfg.Cache.GrantsSize)
	if err != nil {
		return err
	}
	filters, err := filter.NewFilters(0)
	if err != nil {
		return err
	}
	hub := ws.NewHub(layer, filters)
	go hub.Run(ctx)

	httpClient := &http.Client{Timeout: cfg.Calls.HTTPTimeout}
	exhibitions := exhibition.New(db, nil)
	rouletteService := roulette.New(db, roulette.Config{
		RequestTTL:   cfg.Roulette.RequestTTL,
		Cooldown:     cfg.Roulette.Cooldown,
		RecentWindow: cfg.Roulette.RecentWindow,
	}, nil)

	wsServer := ws.NewServer(ctx, ws.Options{
		Config:      cfg,
		Entities:    entities,
		Permissions: engine,
		Hub:         hub,
		Polls:       polls.New(db, nil),
		Questions:   questions.New(db, nil),
		Posters:     posters.New(db, nil),
		Exhibition:  exhibitions,
		Roulette:    rouletteService,
		BBB:         calls.NewBBB(db, httpClient, calls.RandomPicker{}, pool),
		Janus:       calls.NewJanus(db, httpClient, calls.RandomPicker{}, pool),
		OIDC:        auth.NewOIDC(cfg.OIDCConfigs),
	})

	c := cron.New()
	_, err = c.AddFunc(cfg.Roulette.PurgeSchedule, func() {
		n, err := rouletteService.PurgeExpired(ctx)
		if err != nil {
			logger.Error("could not purge roulette requests", "error", err)
			return
		}
		if n > 0 {
			logger.Debug("purged roulette requests", "count", n)
		}
	})
	if err != nil {
		return err
	}
	_, err = c.AddFunc(cfg.Exhibition.SweepSchedule, func() {
		missed, err := exhibitions.SweepMissed(ctx, cfg.Exhibition.ContactTimeout)
		if err != nil {
			logger.Error("could not sweep contact requests", "error", err)
			return
		}
		for _, cr := range missed {
			if err := wsServer.NotifyContactClosed(ctx, cr); err != nil {
				logger.Warn("could not notify staff", "contact_request", cr.Id, "error", err)
			}
		}
	})
	if err != nil {
		return err
	}
	_, err = c.AddFunc(cfg.Client.PresenceSchedule, func() {
		if err := wsServer.RenewPresence(ctx); err != nil {
			logger.Error("could not renew connection presence", "error", err)
		}
	})
	if err != nil {
		return err
	}
	if _, err := c.AddFunc("@every 5m", hub.LogStats); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	router := mux.NewRouter()
	wsServer.RegisterRoutes(router)
	api.New(entities, hub).RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	if *sslCert != "" && *sslKey != "" {
		err = srv.ListenAndServeTLS(*sslCert, *sslKey)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
