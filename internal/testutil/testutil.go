// Package testutil provides testing utilities and fixtures for the server.
//
// This package contains:
//   - Test helper functions (loggers, assertions)
//   - Fixture factories for domain types (tasks, executions, events, channels)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	task := testutil.FixtureTask()
//	task := testutil.FixtureTask(func(t *types.Task) {
//		t.Name = "custom-task"
//		t.Active = false
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/seaward-sec/opswatch/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// TASK FIXTURES
// =============================================================================

// FixtureTask creates a test task with sensible defaults.
// Use overrides to customize specific fields.
func FixtureTask(overrides ...func(*types.Task)) *types.Task {
	now := time.Now()
	task := &types.Task{
		ID:         uuid.New().String(),
		Name:       "test-task-" + uuid.New().String()[:8],
		PluginName: "http_asset_sync",
		Trigger: types.TriggerSpec{
			Type:            types.TriggerInterval,
			IntervalSeconds: 300,
		},
		Config:    map[string]any{"source_url": "http://example.test/assets", "asset_type": "host"},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(task)
	}

	return task
}

// FixtureManualTask creates a task that only fires on demand.
func FixtureManualTask(overrides ...func(*types.Task)) *types.Task {
	return FixtureTask(append([]func(*types.Task){
		func(t *types.Task) {
			t.Trigger = types.TriggerSpec{Type: types.TriggerManual}
		},
	}, overrides...)...)
}

// FixtureCronTask creates a task on a five-minute cron schedule.
func FixtureCronTask(overrides ...func(*types.Task)) *types.Task {
	return FixtureTask(append([]func(*types.Task){
		func(t *types.Task) {
			t.Trigger = types.TriggerSpec{Type: types.TriggerCron, CronExpr: "*/5 * * * *"}
		},
	}, overrides...)...)
}

// =============================================================================
// EXECUTION FIXTURES
// =============================================================================

// FixtureExecution creates a pending execution for the given task.
func FixtureExecution(taskID string, overrides ...func(*types.TaskExecution)) *types.TaskExecution {
	exec := &types.TaskExecution{
		ID:       uuid.New().String(),
		TaskID:   taskID,
		Status:   types.ExecutionPending,
		QueuedAt: time.Now(),
	}

	for _, override := range overrides {
		override(exec)
	}

	return exec
}

// =============================================================================
// EVENT AND ALERT FIXTURES
// =============================================================================

// FixtureEvent creates an observed event with a primary identity.
func FixtureEvent(overrides ...func(*types.EventRecord)) types.EventRecord {
	ev := types.EventRecord{
		PrimaryID:   "evt-" + uuid.New().String()[:8],
		Title:       "suspicious login",
		Description: "login from unrecognized location",
		Severity:    "high",
		Source:      "test-provider",
		Payload:     map[string]any{"ip": "203.0.113.9"},
	}

	for _, override := range overrides {
		override(&ev)
	}

	return ev
}

// FixtureChannel creates an enabled default channel config.
func FixtureChannel(t types.ChannelType, overrides ...func(*types.ChannelConfig)) *types.ChannelConfig {
	ch := &types.ChannelConfig{
		ID:         uuid.New().String(),
		Name:       "test-" + string(t),
		Type:       t,
		WebhookURL: "http://example.test/webhook",
		Enabled:    true,
		IsDefault:  true,
		CreatedAt:  time.Now(),
	}

	for _, override := range overrides {
		override(ch)
	}

	return ch
}

// FixtureAssetRecord creates an importable asset record.
func FixtureAssetRecord(overrides ...func(*types.AssetRecord)) types.AssetRecord {
	rec := types.AssetRecord{
		AssetType: "host",
		UUID:      uuid.New().String(),
		Source:    "test-provider",
		Payload:   map[string]any{"hostname": "web-01"},
	}

	for _, override := range overrides {
		override(&rec)
	}

	return rec
}
