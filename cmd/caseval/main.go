// Command caseval runs the evaluation orchestrator server: a REST and
// streaming API over a SQLite-backed store of providers, models, case sets,
// evaluation tasks, and their runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caseval/caseval/pkg/api"
	"github.com/caseval/caseval/pkg/config"
	"github.com/caseval/caseval/pkg/llm"
	"github.com/caseval/caseval/pkg/logging"
	"github.com/caseval/caseval/pkg/orchestrator"
	"github.com/caseval/caseval/pkg/storage"
	"github.com/caseval/caseval/pkg/telemetry"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "caseval:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "caseval.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	defer logger.Close()
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SeedSystemEvaluators(context.Background()); err != nil {
		return err
	}
	// Runs left non-terminal by a crash have no process driving them.
	if n, err := store.FailStaleRuns(context.Background(), "interrupted by restart"); err != nil {
		return err
	} else if n > 0 {
		logger.Warn(logging.CategoryRun, "run.sweep", "failed stale runs from a previous process", map[string]any{
			"count": n,
		})
	}

	hub := telemetry.NewHub()
	defer hub.Close()

	invoker := llm.NewClient(
		llm.WithTimeout(cfg.Invoke.Timeout.Std()),
		llm.WithRateLimit(cfg.Invoke.RateLimit),
	)
	orch := orchestrator.New(store, hub, invoker, logger,
		orchestrator.WithCodeSandbox(cfg.CodeEval.Interpreter, cfg.CodeEval.Timeout.Std()),
	)

	server := api.NewServer(api.ServerConfig{
		Address:      cfg.Server.Address,
		Store:        store,
		Orchestrator: orch,
		Hub:          hub,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info(logging.CategoryAPI, "server.start", "listening", map[string]any{
			"address": cfg.Server.Address,
			"db":      cfg.Database.Path,
		})
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(logging.CategoryAPI, "server.shutdown", "signal received", map[string]any{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop accepting requests first, then wind down live runs so their final
	// status lands in the store before it closes.
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn(logging.CategoryAPI, "server.shutdown_error", err.Error(), nil)
	}
	if err := orch.Shutdown(ctx); err != nil {
		logger.Warn(logging.CategoryRun, "orchestrator.shutdown_error", err.Error(), nil)
	}
	return nil
}
