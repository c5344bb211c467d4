package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"pifp/escrow-backend/internal/app"
	"pifp/escrow-backend/internal/config"
	"pifp/escrow-backend/pkg/logging"
)

func main() {
	configPath := flag.StringP("config", "c", "config.json", "path to the JSON config file")
	flag.Parse()

	// Load configuration
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

	if cfg.Logging.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize escrow service", zap.Error(err))
	}
	defer a.Close()

	// Sweep overdue projects in-process unless a dedicated worker does it
	if cfg.Scheduler.Enabled {
		sched, err := a.Scheduler()
		if err != nil {
			logger.Fatal("Failed to create expiry scheduler", zap.Error(err))
		}
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("Failed to start expiry scheduler", zap.Error(err))
		}
		defer sched.Stop()
	}

	// Start Server
	srv := a.Server()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Listen failed", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}
