package main

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/reviewd/api"
	"github.com/c360studio/reviewd/broker"
	"github.com/c360studio/reviewd/config"
	"github.com/c360studio/reviewd/diff"
	"github.com/c360studio/reviewd/engine"
	"github.com/c360studio/reviewd/natsutil"
	"github.com/c360studio/reviewd/postgres"
	"github.com/c360studio/reviewd/taskinfo"
	"github.com/c360studio/reviewd/worktree"
)

// App wires the review service together: NATS, the task broker, the
// review engine, optional postgres persistence, and the HTTP front.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	conn   *natsutil.Conn
	broker *broker.Broker
	store  *postgres.Store
	engine *engine.Engine
	server *api.Server
}

// NewApp creates an unstarted application.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start builds every component. It does not begin consuming tasks or
// serving HTTP; Run does that.
func (a *App) Start(ctx context.Context) error {
	var err error
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		a.conn, err = natsutil.Connect(a.cfg.NATS.URL)
	} else {
		a.logger.Info("starting embedded NATS server")
		a.conn, err = natsutil.StartEmbedded("")
	}
	if err != nil {
		return err
	}

	a.broker, err = broker.New(ctx, a.conn.JS, broker.Options{
		ResultTTL:  a.cfg.Review.ResultTTL,
		MaxWorkers: a.cfg.Review.MaxWorkers,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	ti, err := taskinfo.NewStore(ctx, a.conn.JS, a.cfg.Review.TaskInfoTTL)
	if err != nil {
		return err
	}

	if a.cfg.Postgres.DSN != "" {
		a.store, err = postgres.Open(a.cfg.Postgres.DSN, a.logger)
		if err != nil {
			return err
		}
	} else {
		a.logger.Warn("postgres disabled, review errors will not be persisted")
	}

	providers := diff.NewRegistry()
	providers.Register(diff.NewGitcodeProvider(a.cfg.Remotes.GitcodeToken, a.logger))
	providers.Register(diff.NewGiteeProvider(a.cfg.Remotes.GiteeToken, a.logger))
	providers.Register(diff.NewFileProvider())

	worktrees := worktree.NewManager(engine.RulesDirName, a.logger)

	a.engine = engine.New(a.cfg, providers, worktrees, ti, a.broker, a.store, a.logger)
	a.engine.RegisterHandlers()

	a.server = api.NewServer(a.cfg, a.engine, a.logger)

	a.logger.Info("components initialized")
	return nil
}

// Run consumes tasks and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.broker.Run(gctx) })
	g.Go(func() error { return a.server.ListenAndServe(gctx, a.cfg.HTTP) })
	return g.Wait()
}

// Shutdown releases external resources.
func (a *App) Shutdown() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close postgres", "error", err)
		}
	}

	if a.conn != nil {
		a.conn.Close()
	}

	a.logger.Info("shutdown complete")
}
