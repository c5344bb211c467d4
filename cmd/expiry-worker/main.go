package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"pifp/escrow-backend/internal/app"
	"pifp/escrow-backend/internal/config"
	"pifp/escrow-backend/pkg/logging"
)

// The expiry worker runs the overdue-project sweep outside the API process.
// Run the API with SCHEDULER_ENABLED=false when this worker is deployed.
func main() {
	configPath := flag.StringP("config", "c", "config.json", "path to the JSON config file")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Database.Driver == "" {
		logger.Fatal("Expiry worker needs a shared database, set DATABASE_DRIVER and DATABASE_DSN")
	}

	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No websocket clients connect to the worker
	cfg.Events.Websocket = false
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize escrow service", zap.Error(err))
	}
	defer a.Close()

	sched, err := a.Scheduler()
	if err != nil {
		logger.Fatal("Failed to create expiry scheduler", zap.Error(err))
	}

	if *once {
		expired := sched.RunOnce(ctx)
		logger.Info("Expiry sweep finished", zap.Int("expired", len(expired)))
		return
	}

	logger.Info("Expiry worker starting", zap.String("spec", cfg.Scheduler.Spec))
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start expiry scheduler", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	sched.Stop()
	logger.Info("Expiry worker stopped")
}
