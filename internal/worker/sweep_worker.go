// Package worker contains background maintenance workers.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// SweepStore defines the storage interface for the sweep worker.
type SweepStore interface {
	ListStaleExecutions(ctx context.Context, olderThan time.Duration) ([]types.TaskExecution, error)
	FinalizeExecution(ctx context.Context, id string, status types.ExecutionStatus, result map[string]any, errMsg string, at time.Time) error
}

// SweepPublisher receives status transitions for swept executions.
type SweepPublisher interface {
	Publish(ev types.StatusEvent)
}

// SweepConfig holds sweep worker tuning.
type SweepConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// StaleAfter is how long an execution may sit in running before it is
	// presumed orphaned. Must exceed the harness run timeout plus grace,
	// or healthy long runs get swept.
	StaleAfter time.Duration
}

// DefaultSweepConfig returns sweep defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:   time.Minute,
		StaleAfter: 30 * time.Minute,
	}
}

// SweepWorker fails executions stuck in running, e.g. after a process
// crash between start and finalize.
type SweepWorker struct {
	store     SweepStore
	publisher SweepPublisher
	config    SweepConfig
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewSweepWorker creates a sweep worker. publisher may be nil.
func NewSweepWorker(store SweepStore, publisher SweepPublisher, config SweepConfig, logger *slog.Logger) *SweepWorker {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepConfig().Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultSweepConfig().StaleAfter
	}
	return &SweepWorker{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger.With("component", "sweep_worker"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (w *SweepWorker) Start(ctx context.Context) {
	w.logger.Info("starting sweep worker",
		"interval", w.config.Interval,
		"stale_after", w.config.StaleAfter,
	)
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop shuts the worker down.
func (w *SweepWorker) Stop() {
	w.logger.Info("stopping sweep worker")
	close(w.stopCh)
	w.wg.Wait()
}

func (w *SweepWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	stale, err := w.store.ListStaleExecutions(ctx, w.config.StaleAfter)
	if err != nil {
		w.logger.Error("listing stale executions failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	now := time.Now()
	swept := 0
	for _, exec := range stale {
		errMsg := "execution abandoned: no terminal status after " + w.config.StaleAfter.String()
		if err := w.store.FinalizeExecution(ctx, exec.ID, types.ExecutionFailed, nil, errMsg, now); err != nil {
			// Lost the race with a late finalize; that is the good case.
			w.logger.Debug("skipping execution finalized elsewhere",
				"execution_id", exec.ID, "error", err)
			continue
		}
		swept++
		w.logger.Warn("swept stale execution",
			"execution_id", exec.ID,
			"task_id", exec.TaskID,
			"started_at", exec.StartedAt,
		)
		if w.publisher != nil {
			w.publisher.Publish(types.StatusEvent{
				TaskID:      exec.TaskID,
				ExecutionID: exec.ID,
				Status:      types.ExecutionFailed,
				Message:     errMsg,
				At:          now,
			})
		}
	}
	if swept > 0 {
		w.logger.Info("sweep complete", "stale", len(stale), "swept", swept)
	}
}
