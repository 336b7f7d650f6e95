// Package scheduler decides when scheduled tasks fire and feeds due tasks
// to a bounded worker pool.
//
// Due detection and firing are separated: a task is only handed to the pool
// after an atomic claim on its last-fired timestamp succeeds, so multiple
// scheduler replicas sharing one database fire each due task exactly once
// per tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// Store defines the storage interface for the scheduler.
type Store interface {
	ListSchedulableTasks(ctx context.Context) ([]types.Task, error)
	ClaimTaskFire(ctx context.Context, taskID string, now time.Time, observed *time.Time) (bool, error)
	GetTask(ctx context.Context, id string) (*types.Task, error)
	TouchTaskLastFired(ctx context.Context, taskID string, at time.Time) error
}

// Runner executes one task run end to end. Prepare records the execution so
// its id exists before the run starts; RunPrepared drives it to a terminal
// state.
type Runner interface {
	Prepare(ctx context.Context, task *types.Task) (string, error)
	RunPrepared(ctx context.Context, task *types.Task, execID string)
}

// Config holds scheduler tuning.
type Config struct {
	TickInterval time.Duration
	Workers      int
	QueueSize    int
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 10 * time.Second,
		Workers:      4,
		QueueSize:    64,
	}
}

// Scheduler periodically scans schedulable tasks and fires the due ones.
type Scheduler struct {
	store  Store
	runner Runner
	config Config
	logger *slog.Logger

	queue  chan types.Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	// baseCtx is the context Start was given. Manual runs detach onto it so
	// they outlive the triggering HTTP request.
	baseCtx context.Context
}

// NewScheduler creates a scheduler.
func NewScheduler(store Store, runner Runner, config Config, logger *slog.Logger) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		config: config,
		logger: logger.With("component", "scheduler"),
		queue:  make(chan types.Task, config.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool and the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.logger.Info("starting scheduler",
		"tick_interval", s.config.TickInterval,
		"workers", s.config.Workers,
	)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop shuts the scheduler down and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
}

// ExecuteNow fires a task immediately, bypassing its schedule. Manual fires
// always record a fire time so interval schedules restart from now. The
// execution id is returned as soon as the pending row exists; the run itself
// proceeds on the scheduler's context, not the caller's, so a trigger
// request that returns (or disconnects) cannot cancel the run.
func (s *Scheduler) ExecuteNow(ctx context.Context, taskID string) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading task: %w", err)
	}
	if task == nil {
		return "", fmt.Errorf("task not found: %s", taskID)
	}
	if !task.Active {
		return "", fmt.Errorf("task is inactive: %s", taskID)
	}
	if err := s.store.TouchTaskLastFired(ctx, taskID, time.Now()); err != nil {
		return "", fmt.Errorf("recording fire time: %w", err)
	}

	execID, err := s.runner.Prepare(ctx, task)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runner.RunPrepared(s.runContext(), task, execID)
	}()
	return execID, nil
}

func (s *Scheduler) runContext() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick scans schedulable tasks, claims the due ones, and enqueues them. A
// full queue defers the fire to a later tick instead of blocking the loop;
// the claim already happened, so the task is re-fired only after its next
// due time.
func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.store.ListSchedulableTasks(ctx)
	if err != nil {
		s.logger.Error("listing schedulable tasks failed", "error", err)
		return
	}

	now := time.Now()
	for i := range tasks {
		task := tasks[i]
		due, err := Due(&task, now)
		if err != nil {
			s.logger.Error("evaluating schedule failed", "task_id", task.ID, "error", err)
			continue
		}
		if !due {
			continue
		}

		claimed, err := s.store.ClaimTaskFire(ctx, task.ID, now, task.LastFiredAt)
		if err != nil {
			s.logger.Error("claiming task fire failed", "task_id", task.ID, "error", err)
			continue
		}
		if !claimed {
			// Another replica fired it, or the task changed under us.
			continue
		}

		lastFired := now
		task.LastFiredAt = &lastFired
		select {
		case s.queue <- task:
		default:
			s.logger.Warn("run queue full, deferring task", "task_id", task.ID)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.queue:
			execID, err := s.runner.Prepare(ctx, &task)
			if err != nil {
				s.logger.Error("task run failed to start",
					"worker", id, "task_id", task.ID, "error", err)
				continue
			}
			s.runner.RunPrepared(ctx, &task, execID)
			s.logger.Debug("task run dispatched",
				"worker", id, "task_id", task.ID, "execution_id", execID)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Due reports whether the task's schedule has a fire time at or before now.
// A never-fired interval task is due immediately; a never-fired cron task
// waits for its next cron boundary. Missed fires do not accumulate: however
// long a task was overdue, it is due once.
func Due(task *types.Task, now time.Time) (bool, error) {
	next, err := NextFire(task.Trigger, task.LastFiredAt)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	return !next.After(now), nil
}

// NextFire computes the next fire time for a trigger given the last fire.
// Manual triggers never fire on their own and return nil.
func NextFire(trigger types.TriggerSpec, lastFired *time.Time) (*time.Time, error) {
	switch trigger.Type {
	case types.TriggerManual:
		return nil, nil
	case types.TriggerCron:
		sched, err := cron.ParseStandard(trigger.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parsing cron expression %q: %w", trigger.CronExpr, err)
		}
		// A never-fired cron task waits for its next boundary rather than
		// firing on creation: a daily-3am task created at noon runs at 3am.
		from := time.Now()
		if lastFired != nil {
			from = *lastFired
		}
		next := sched.Next(from)
		return &next, nil
	case types.TriggerInterval:
		if trigger.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval trigger requires a positive period")
		}
		if lastFired == nil {
			now := time.Now()
			return &now, nil
		}
		next := lastFired.Add(trigger.Interval())
		return &next, nil
	}
	return nil, fmt.Errorf("unknown trigger type: %s", trigger.Type)
}
