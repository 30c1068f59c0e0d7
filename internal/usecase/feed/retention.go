package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
)

// Retention deletes chat messages and notifications older than MaxAge on a
// cron schedule. Pruning is silent: removed rows do not produce change
// events.
type Retention struct {
	store  domain.Store
	cron   *cron.Cron
	cfg    config.RetentionConfig
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRetention creates the pruning job. Call Start to schedule it.
func NewRetention(store domain.Store, cfg config.RetentionConfig, logger *slog.Logger) *Retention {
	return &Retention{
		store:  store,
		cron:   cron.New(),
		cfg:    cfg,
		logger: logger,
	}
}

// Start schedules the job. No-op when retention is disabled or already
// started.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.Enabled || r.started {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if _, err := r.cron.AddFunc(r.cfg.Schedule, r.run); err != nil {
		return fmt.Errorf("retention: schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron.Start()
	r.started = true
	r.logger.Info("retention job scheduled",
		"schedule", r.cfg.Schedule,
		"max_age", r.cfg.MaxAge,
	)
	return nil
}

func (r *Retention) run() {
	// Read context under lock
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	if ctx == nil {
		r.logger.Debug("retention stopped, skipping run")
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := r.Prune(taskCtx); err != nil {
		r.logger.Warn("retention pruning failed", "error", err)
	}
}

// Prune deletes rows older than MaxAge once, immediately.
func (r *Retention) Prune(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.MaxAge)
	start := time.Now()

	messages, err := r.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention: prune messages: %w", err)
	}
	notifications, err := r.store.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention: prune notifications: %w", err)
	}

	r.logger.Info("retention pruning completed",
		"messages", messages,
		"notifications", notifications,
		"cutoff", cutoff,
		"duration", time.Since(start),
	)
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (r *Retention) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.started = false
	return nil
}
