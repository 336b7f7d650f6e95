// Package harness owns the full lifecycle of one task execution: recording
// the pending row, resolving the plugin and credentials, supervising the
// plugin goroutine, persisting captured logs, and routing plugin output to
// the reconciliation engine and the alert dispatcher.
//
// The harness is the only component that moves an execution through its
// state machine. Plugins never touch the store.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/seaward-sec/opswatch/internal/dispatch"
	"github.com/seaward-sec/opswatch/internal/plugin"
	"github.com/seaward-sec/opswatch/internal/reconcile"
	"github.com/seaward-sec/opswatch/pkg/types"
)

// Store defines the storage interface for the harness.
type Store interface {
	CreateExecution(ctx context.Context, exec *types.TaskExecution) error
	MarkExecutionRunning(ctx context.Context, id string, at time.Time) error
	FinalizeExecution(ctx context.Context, id string, status types.ExecutionStatus, result map[string]any, errMsg string, at time.Time) error
	AppendExecutionLogs(ctx context.Context, id string, lines []types.LogLine) error
}

// Reconciler folds imported asset records into the asset inventory.
type Reconciler interface {
	Reconcile(ctx context.Context, records []types.AssetRecord) (reconcile.Summary, error)
}

// Dispatcher deduplicates observed events and pushes alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []types.EventRecord, opts dispatch.Options) (dispatch.Summary, error)
}

// Credentials resolves a stored credential id to its secret key/value pairs.
type Credentials interface {
	Resolve(ctx context.Context, id string) (map[string]string, error)
}

// Publisher receives execution status transitions for live observers.
type Publisher interface {
	Publish(ev types.StatusEvent)
}

// Config holds harness tuning.
type Config struct {
	// RunTimeout bounds a single plugin run.
	RunTimeout time.Duration

	// CancelGrace is how long to wait for a timed-out plugin goroutine to
	// notice cancellation before the run is abandoned.
	CancelGrace time.Duration

	// FailOnPartial fails an execution when some asset records in a batch
	// could not be imported. When false, partial imports succeed and the
	// failure count is reported in the result payload.
	FailOnPartial bool
}

// DefaultConfig returns harness defaults.
func DefaultConfig() Config {
	return Config{
		RunTimeout:  10 * time.Minute,
		CancelGrace: 5 * time.Second,
	}
}

// Harness executes tasks.
type Harness struct {
	store       Store
	registry    *plugin.Registry
	reconciler  Reconciler
	dispatcher  Dispatcher
	credentials Credentials
	publisher   Publisher
	config      Config
	logger      *slog.Logger
}

// NewHarness creates an execution harness. credentials and publisher may be
// nil; credential references then fail the run and transitions go
// unobserved.
func NewHarness(store Store, registry *plugin.Registry, reconciler Reconciler, dispatcher Dispatcher, credentials Credentials, publisher Publisher, config Config, logger *slog.Logger) *Harness {
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultConfig().RunTimeout
	}
	if config.CancelGrace <= 0 {
		config.CancelGrace = DefaultConfig().CancelGrace
	}
	return &Harness{
		store:       store,
		registry:    registry,
		reconciler:  reconciler,
		dispatcher:  dispatcher,
		credentials: credentials,
		publisher:   publisher,
		config:      config,
		logger:      logger.With("component", "harness"),
	}
}

// Run executes the task once and returns the execution id. Every run that
// gets a pending row also gets a terminal status; errors in the plugin or
// its output processing are recorded on the execution, not returned.
// The returned error covers only failures to record the run at all.
func (h *Harness) Run(ctx context.Context, task *types.Task) (string, error) {
	execID, err := h.Prepare(ctx, task)
	if err != nil {
		return "", err
	}
	h.RunPrepared(ctx, task, execID)
	return execID, nil
}

// Prepare records a pending execution for the task and returns its id. The
// id can be handed to a caller before RunPrepared drives the run, so a
// trigger surface can acknowledge without waiting for the plugin.
func (h *Harness) Prepare(ctx context.Context, task *types.Task) (string, error) {
	exec := &types.TaskExecution{
		ID:       uuid.New().String(),
		TaskID:   task.ID,
		Status:   types.ExecutionPending,
		QueuedAt: time.Now(),
	}
	if err := h.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("creating execution: %w", err)
	}
	h.publish(task.ID, exec.ID, types.ExecutionPending, "")
	h.logger.Info("execution queued",
		"task_id", task.ID, "execution_id", exec.ID, "task", task.Name)
	return exec.ID, nil
}

// RunPrepared drives a prepared execution to a terminal state.
func (h *Harness) RunPrepared(ctx context.Context, task *types.Task, execID string) {
	log := h.logger.With("task_id", task.ID, "execution_id", execID, "plugin", task.PluginName)

	if err := h.store.MarkExecutionRunning(ctx, execID, time.Now()); err != nil {
		log.Error("marking execution running failed", "error", err)
		return
	}
	h.publish(task.ID, execID, types.ExecutionRunning, "")

	// Configuration errors fail fast, but only after the running transition:
	// no execution skips running on its way to a terminal state.
	p, ok := h.registry.Get(task.PluginName)
	if !ok {
		h.fail(ctx, task.ID, execID, fmt.Sprintf("plugin not registered: %s", task.PluginName))
		return
	}

	config, err := h.buildConfig(ctx, task)
	if err != nil {
		h.fail(ctx, task.ID, execID, fmt.Sprintf("resolving config: %v", err))
		return
	}

	runLog := plugin.NewRunLogger(log)
	result, runErr := h.supervise(ctx, p, config, runLog)

	if err := h.store.AppendExecutionLogs(ctx, execID, runLog.Lines()); err != nil {
		log.Error("persisting execution logs failed", "error", err)
	}

	if runErr != nil {
		h.fail(ctx, task.ID, execID, runErr.Error())
		return
	}
	if result == nil {
		h.fail(ctx, task.ID, execID, "plugin returned no result")
		return
	}

	payload, procErr := h.processOutput(ctx, task, result)
	if procErr != nil {
		h.failWithResult(ctx, task.ID, execID, payload, procErr.Error())
		return
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "plugin reported failure"
		}
		h.failWithResult(ctx, task.ID, execID, payload, msg)
		return
	}

	if err := h.store.FinalizeExecution(ctx, execID, types.ExecutionSuccess, payload, "", time.Now()); err != nil {
		log.Error("finalizing execution failed", "error", err)
		return
	}
	h.publish(task.ID, execID, types.ExecutionSuccess, result.Message)
	log.Info("execution succeeded")
}

// supervise runs the plugin in its own goroutine with panic recovery and a
// run deadline. On timeout it waits CancelGrace for the goroutine to return
// before abandoning it.
func (h *Harness) supervise(ctx context.Context, p plugin.Plugin, config map[string]any, runLog *plugin.RunLogger) (*plugin.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, h.config.RunTimeout)
	defer cancel()

	type outcome struct {
		result *plugin.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("plugin panicked",
					"plugin", p.Name(),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("plugin panicked: %v", r)}
			}
		}()
		result, err := p.Execute(runCtx, config, runLog)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
	}

	// Deadline hit. Give the plugin a moment to observe cancellation so its
	// result, if any, is discarded cleanly rather than racing the finalize.
	select {
	case <-done:
	case <-time.After(h.config.CancelGrace):
		h.logger.Warn("plugin ignored cancellation, abandoning goroutine", "plugin", p.Name())
	}
	return nil, fmt.Errorf("plugin run exceeded %s: %w", h.config.RunTimeout, runCtx.Err())
}

// buildConfig copies the task config and overlays resolved credential
// fields. Credential fields are namespaced so an explicit task key always
// wins over a vault value.
func (h *Harness) buildConfig(ctx context.Context, task *types.Task) (map[string]any, error) {
	config := make(map[string]any, len(task.Config))
	for k, v := range task.Config {
		config[k] = v
	}

	credID := plugin.StringConfig(config, types.CredentialIDKey)
	if credID == "" {
		return config, nil
	}
	if h.credentials == nil {
		return nil, fmt.Errorf("task references credential %s but no credential store is configured", credID)
	}
	secrets, err := h.credentials.Resolve(ctx, credID)
	if err != nil {
		return nil, fmt.Errorf("resolving credential %s: %w", credID, err)
	}
	for k, v := range secrets {
		config[types.CredentialPrefix+k] = v
	}
	return config, nil
}

// processOutput routes plugin assets and events to their downstream engines
// and folds the outcomes into the persisted result payload.
func (h *Harness) processOutput(ctx context.Context, task *types.Task, result *plugin.Result) (map[string]any, error) {
	payload := map[string]any{
		"success": result.Success,
		"message": result.Message,
	}
	for k, v := range result.Data {
		payload[k] = v
	}

	if len(result.Assets) > 0 {
		summary, err := h.reconciler.Reconcile(ctx, result.Assets)
		payload["assets_imported"] = summary.Imported
		payload["assets_failed"] = summary.Failed
		if err != nil {
			return payload, fmt.Errorf("reconciling assets: %w", err)
		}
		if summary.Failed > 0 && h.config.FailOnPartial {
			return payload, fmt.Errorf("%d of %d asset records failed to import", summary.Failed, summary.Imported+summary.Failed)
		}
	}

	if len(result.Events) > 0 {
		opts := dispatch.Options{ChannelID: plugin.StringConfig(task.Config, types.ChannelIDKey)}
		summary, err := h.dispatcher.Dispatch(ctx, result.Events, opts)
		payload["events_observed"] = summary.Observed
		payload["alerts_new"] = summary.NewAlerts
		payload["alerts_pushed"] = summary.Pushed
		payload["dispatch_failed"] = summary.Failed
		if err != nil {
			return payload, fmt.Errorf("dispatching events: %w", err)
		}
	}
	return payload, nil
}

func (h *Harness) fail(ctx context.Context, taskID, execID string, msg string) {
	h.failWithResult(ctx, taskID, execID, nil, msg)
}

func (h *Harness) failWithResult(ctx context.Context, taskID, execID string, payload map[string]any, msg string) {
	if err := h.store.FinalizeExecution(ctx, execID, types.ExecutionFailed, payload, msg, time.Now()); err != nil {
		h.logger.Error("finalizing failed execution", "execution_id", execID, "error", err)
		return
	}
	h.publish(taskID, execID, types.ExecutionFailed, msg)
	h.logger.Warn("execution failed", "execution_id", execID, "reason", msg)
}

func (h *Harness) publish(taskID, execID string, status types.ExecutionStatus, msg string) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(types.StatusEvent{
		TaskID:      taskID,
		ExecutionID: execID,
		Status:      status,
		Message:     msg,
		At:          time.Now(),
	})
}
