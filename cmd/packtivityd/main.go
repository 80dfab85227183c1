// Command packtivityd serves the activity API and, unless
// PACKTIVITY_WORKERS is 0, runs queue workers in the same process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/packtivity/internal/api"
	"github.com/seantiz/packtivity/internal/backend/catalog"
	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/engine"
	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/handlers"
	"github.com/seantiz/packtivity/internal/pipeline"
	"github.com/seantiz/packtivity/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	exec := config.LoadExecution(config.DefaultExecution())

	logger.Info("packtivityd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"sync_backend", cfg.SyncBackend,
		"async_backend", cfg.AsyncBackend,
	)

	sel, err := config.HandlerSelectionFromEnv()
	if err != nil {
		log.Fatalf("handler config: %v", err)
	}
	plugins, err := handlers.LookupPlugins(cfg.Plugins)
	if err != nil {
		log.Fatalf("plugins: %v", err)
	}
	reg, err := handlers.NewRegistry(sel, plugins...)
	if err != nil {
		log.Fatalf("handler registry: %v", err)
	}
	runner := pipeline.New(reg, executor.New(exec))

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := catalog.Deps{
		Runner:     runner,
		Logger:     logger,
		Store:      db,
		Execution:  exec,
		Kubernetes: config.LoadKubernetes(config.DefaultKubernetes()),

		PoolRetention: cfg.PoolRetention,
	}

	var broker *engine.LogBroker
	if cfg.Workers > 0 {
		eng := engine.NewEngine(db, runner, logger,
			engine.WithWorkers(cfg.Workers),
			engine.WithPollInterval(cfg.PollInterval),
			engine.WithTaskTimeout(cfg.TaskTimeout),
			engine.WithLease(cfg.TaskLease),
		)
		eng.Start(ctx)
		defer eng.Wait()
		broker = eng.Broker()
		deps.Notify = eng.Notify
	}

	backends, err := catalog.New(deps)
	if err != nil {
		log.Fatalf("backend catalog: %v", err)
	}
	defer backends.Close()
	defer backends.Wait()

	srv := api.NewServer(cfg.ListenAddr, db, backends, broker, logger,
		api.WithDefaultBackends(cfg.SyncBackend, cfg.AsyncBackend),
	)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	stop()
}
