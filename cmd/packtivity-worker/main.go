// Command packtivity-worker runs queue workers against a task database
// shared with packtivityd, without serving HTTP.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

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

	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "worker"
	}
	logger.Info("packtivity-worker: starting",
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"name", name,
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

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewEngine(db, pipeline.New(reg, executor.New(exec)), logger,
		engine.WithWorkers(cfg.Workers),
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithTaskTimeout(cfg.TaskTimeout),
		engine.WithLease(cfg.TaskLease),
		engine.WithName(name),
	)
	eng.Start(ctx)

	<-ctx.Done()
	logger.Info("packtivity-worker: draining")
	eng.Wait()
	logger.Info("packtivity-worker: stopped")
}
