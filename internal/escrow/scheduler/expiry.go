package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pifp/escrow-backend/internal/projects"
)

// DefaultSpec sweeps overdue projects once a minute
const DefaultSpec = "@every 1m"

// SweepActor is recorded as the actor on scheduler driven expirations
const SweepActor = "scheduler"

// Expirer is satisfied by escrow.Service
type Expirer interface {
	ExpireOverdue(ctx context.Context, actor string) ([]projects.ID, error)
}

// Config configures the expiry scheduler
type Config struct {
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Spec:    DefaultSpec,
		Timeout: 30 * time.Second,
	}
}

// ExpiryScheduler periodically expires projects whose deadline has passed
type ExpiryScheduler struct {
	cron    *cron.Cron
	expirer Expirer
	config  Config
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	sweep   sync.Mutex
}

// NewExpiryScheduler validates the cron spec and registers the sweep job
func NewExpiryScheduler(expirer Expirer, logger *zap.Logger, config Config) (*ExpiryScheduler, error) {
	if config.Spec == "" {
		config.Spec = DefaultSpec
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	s := &ExpiryScheduler{
		cron:    cron.New(),
		expirer: expirer,
		config:  config,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(config.Spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid expiry schedule %q: %w", config.Spec, err)
	}
	return s, nil
}

// Start starts the scheduler. Jobs stop once ctx is cancelled or Stop is called.
func (s *ExpiryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("expiry scheduler already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.logger.Info("Starting expiry scheduler", zap.String("spec", s.config.Spec))
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.logger.Info("Stopping expiry scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false
}

func (s *ExpiryScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce performs a single sweep. Overlapping sweeps are skipped.
func (s *ExpiryScheduler) RunOnce(ctx context.Context) []projects.ID {
	if !s.sweep.TryLock() {
		s.logger.Debug("Expiry sweep already in progress, skipping")
		return nil
	}
	defer s.sweep.Unlock()

	start := time.Now()
	expired, err := s.expirer.ExpireOverdue(ctx, SweepActor)
	if err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err), zap.Int("expired", len(expired)))
	}
	if len(expired) > 0 {
		ids := make([]string, len(expired))
		for i, id := range expired {
			ids[i] = id.String()
		}
		s.logger.Info("Expired overdue projects",
			zap.Strings("project_ids", ids),
			zap.Duration("took", time.Since(start)))
	}
	return expired
}
