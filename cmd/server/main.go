package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codenearby/auth"
	"codenearby/billing"
	"codenearby/cache"
	"codenearby/config"
	"codenearby/datastore"
	"codenearby/feed"
	"codenearby/gathering"
	"codenearby/github"
	"codenearby/log"
	"codenearby/match"
	"codenearby/media"
	"codenearby/realtime"
	"codenearby/service"
	"codenearby/supervisor"
	"codenearby/user"

	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "codenearby:", err)
		os.Exit(1)
	}
}

func logConfig(cfg config.LoggingConfig) log.Config {
	lc := log.DefaultConfig()
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	lc.Caller = cfg.Caller
	lc.File = cfg.File
	return lc
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err = log.Init(logConfig(cfg.Logging)); err != nil {
		return err
	}
	defer func() { _ = log.Close() }()
	logger := log.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := datastore.Connect(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Client().Disconnect(context.Background()); err != nil {
			logger.Error().Err(err).Msg("disconnecting mongo")
		}
	}()
	if err = datastore.EnsureIndexes(ctx, db); err != nil {
		return err
	}

	rt, err := realtime.Open(cfg.Realtime)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("closing realtime store")
		}
	}()

	githubCache := cache.New(cfg.GitHub.CacheTTL)
	defer githubCache.Close()

	uploader, err := media.New(cfg.Cloudinary)
	if err != nil {
		return err
	}
	authorizer, err := auth.NewAuthorizer(cfg.Security.AdminLogins)
	if err != nil {
		return err
	}

	hub := service.NewHub(cfg.Security.CORSOrigins)
	users := user.NewStore(db)
	billingStore := billing.NewStore(db, cfg.Billing)
	deps := service.Deps{
		Users:      users,
		Matches:    match.NewStore(db, users),
		Gatherings: gathering.NewStore(db, rt, hub),
		Feed:       feed.NewStore(db),
		Billing:    billingStore,
		GitHub:     github.NewClient(cfg.GitHub, githubCache),
		OAuth:      github.NewOAuth(cfg.GitHub),
		Uploader:   uploader,
		Sessions:   auth.NewSessions(cfg.Session),
		Authorizer: authorizer,
		Hub:        hub,
		DB: service.PingerFunc(func(ctx context.Context) error {
			return db.Client().Ping(ctx, readpref.Primary())
		}),
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(log.NewSlogLogger(), treeCfg)
	tree.AddAPIService(supervisor.NewHTTPService(service.NewServer(*cfg, deps), cfg.Server.ShutdownTimeout))
	tree.AddAPIService(supervisor.NewHubService(hub))
	tree.AddJob(supervisor.NewTokenResetService(billingStore))

	service.PrintBanner(*cfg)
	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	logger.Info().Msg("server stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
