package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/buildcore/internal/actions"
	"github.com/rendis/buildcore/internal/engine"
	"github.com/rendis/buildcore/internal/expressions"
	"github.com/rendis/buildcore/internal/fingerprint"
	"github.com/rendis/buildcore/internal/isolation"
	"github.com/rendis/buildcore/internal/logging"
	"github.com/rendis/buildcore/internal/metrics"
	"github.com/rendis/buildcore/internal/plan"
	"github.com/rendis/buildcore/internal/scheduler"
	"github.com/rendis/buildcore/internal/service"
	"github.com/rendis/buildcore/internal/store"
	"github.com/rendis/buildcore/internal/streaming"
	"github.com/rendis/buildcore/internal/validation"
	"github.com/rendis/buildcore/pkg/schema"
)

// app is the wired set of components shared by every subcommand.
type app struct {
	cfg       Config
	logger    *slog.Logger
	db        *store.LibSQLStore
	registry  *actions.Registry
	history   *store.HistoryStore
	events    *store.EventLog
	hub       *streaming.Hub
	collector *metrics.Collector
	cache     *fingerprint.Cache
	builder   *service.Builder
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.CacheDB), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(ctx, "file:"+cfg.CacheDB)
	if err != nil {
		return nil, err
	}

	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init validator: %w", err)
	}
	reg := actions.NewRegistry(v)
	if err := actions.RegisterBuiltins(reg, actions.BuiltinConfig{
		Shell: actions.ShellConfig{
			PassEnv: cfg.ShellPassEnv,
			Limits: isolation.Limits{
				Timeout:   time.Duration(cfg.ShellTimeout),
				DenyPaths: cfg.ShellDeny,
			},
		},
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("register actions: %w", err)
	}
	cel, err := expressions.NewCELEngine(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cel: %w", err)
	}

	var backend fingerprint.Backend = store.NewCacheStore(db)
	if cfg.CacheBackend == "memory" {
		backend = fingerprint.NewMemoryBackend()
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		registry:  reg,
		history:   store.NewHistoryStore(db),
		events:    store.NewEventLog(db),
		hub:       streaming.NewHub(),
		collector: metrics.NewCollector(),
		cache:     fingerprint.NewCache(backend, cfg.WorkDir, logger),
	}

	broadcaster := streaming.NewBroadcaster(
		streaming.Tee(logging.NewEventLogger(logger), store.NewEventSink(a.events, logger)),
		logger,
	)
	broadcaster.SetListener(streaming.Tee(a.hub, a.collector))

	exec := engine.NewExecutor(actions.NewRunner(reg, v, logger), engine.ExecutorConfig{
		WorkDir:     cfg.WorkDir,
		Cache:       a.cache,
		Broadcaster: broadcaster,
		Logger:      logger,
	})
	a.builder = service.NewBuilder(service.Deps{
		Loader:   plan.NewLoader(v, reg, cel),
		Executor: exec,
		CEL:      cel,
		Filter:   expressions.NewExprEngine(),
		History:  a.history,
		Observer: a.collector,
		Defaults: service.Defaults{
			Parallelism: cfg.Parallelism,
			Policy:      schema.FailurePolicy(cfg.FailurePolicy),
		},
		Logger: logger,
	})
	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

// pruner schedules cache and history pruning on the configured cron.
func (a *app) pruner() (*scheduler.Pruner, error) {
	p, err := scheduler.NewPruner(a.cfg.PruneSchedule, a.logger)
	if err != nil {
		return nil, err
	}
	p.Add("cache", a.cache, time.Duration(a.cfg.PruneMaxAge))
	p.Add("history", scheduler.TargetFunc(a.history.DeleteBefore), time.Duration(a.cfg.HistoryMaxAge))
	return p, nil
}
