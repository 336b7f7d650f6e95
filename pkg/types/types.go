// Package types defines the shared domain model for opswatch.
//
// # Entities
//
// A Plugin is a registered unit of job behavior (data import, collection,
// risk analysis, export, alarm). A Task binds one plugin to a trigger
// schedule and a configuration payload. Each triggered run of a task is
// recorded as a TaskExecution with its own lifecycle. Imported records are
// reconciled into Assets, and externally observed events are deduplicated
// into Alerts eligible for webhook notification.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// PLUGINS
// =============================================================================

// PluginKind classifies what a plugin does.
type PluginKind string

const (
	PluginKindDataImport   PluginKind = "data-import"
	PluginKindCollector    PluginKind = "collector"
	PluginKindRiskAnalysis PluginKind = "risk-analysis"
	PluginKindExport       PluginKind = "export"
	PluginKindAlarm        PluginKind = "alarm"
)

// Valid reports whether k is a known plugin kind.
func (k PluginKind) Valid() bool {
	switch k {
	case PluginKindDataImport, PluginKindCollector, PluginKindRiskAnalysis,
		PluginKindExport, PluginKindAlarm:
		return true
	}
	return false
}

// PluginInfo is the persisted registration record for a plugin.
// Registrations are created by the discovery step at startup and are
// immutable except for the active flag.
type PluginInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"` // unique registry key
	Kind       PluginKind `json:"kind"`
	Entrypoint string     `json:"entrypoint"` // factory reference within the binary
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// =============================================================================
// TASKS
// =============================================================================

// TriggerType identifies how a task fires.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
)

// TriggerSpec describes when a task should fire.
type TriggerSpec struct {
	Type TriggerType `json:"type"`

	// CronExpr is a standard five-field cron expression. Required when
	// Type is TriggerCron.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSeconds is the fixed period between fires. Required when
	// Type is TriggerInterval.
	IntervalSeconds int `json:"interval_seconds,omitempty"`
}

// Validate checks the trigger spec for internal consistency.
func (t TriggerSpec) Validate() error {
	switch t.Type {
	case TriggerManual:
		return nil
	case TriggerCron:
		if t.CronExpr == "" {
			return fmt.Errorf("cron trigger requires cron_expr")
		}
		return nil
	case TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return fmt.Errorf("interval trigger requires interval_seconds > 0")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger type: %q", t.Type)
	}
}

// Interval returns the trigger period for interval triggers.
func (t TriggerSpec) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// Task binds a plugin to a trigger schedule and configuration.
type Task struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	PluginName string      `json:"plugin_name"`
	Trigger    TriggerSpec `json:"trigger"`

	// Config is an opaque key-value payload whose schema is owned by the
	// plugin. Reserved keys understood by the harness:
	//   credential_id - credential record overlaid before execution
	//   channel_id    - explicit notification channel for alarm output
	Config map[string]any `json:"config"`

	Active      bool       `json:"active"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CredentialIDKey and ChannelIDKey are the reserved task config keys.
const (
	CredentialIDKey = "credential_id"
	ChannelIDKey    = "channel_id"
)

// CredentialPrefix is the prefix under which credential fields are overlaid
// onto the task config. Task-level keys always win on conflict.
const CredentialPrefix = "__cred_"

// =============================================================================
// EXECUTIONS
// =============================================================================

// ExecutionStatus is the lifecycle state of a TaskExecution.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// CanTransition reports whether the move s -> to is legal. No transition
// skips running: even a run that cannot start is marked running before it
// fails. Terminal states never transition.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return to == ExecutionRunning
	case ExecutionRunning:
		return to == ExecutionSuccess || to == ExecutionFailed
	}
	return false
}

// TaskExecution is one concrete run of a task.
//
// The record is append-only after creation except for status, result, error
// and the started/finished timestamps, which move monotonically forward.
type TaskExecution struct {
	ID     string          `json:"id"`
	TaskID string          `json:"task_id"`
	Status ExecutionStatus `json:"status"`

	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Result is mandatory for success (may be an empty object).
	Result map[string]any `json:"result,omitempty"`

	// Error is mandatory for failed.
	Error string `json:"error,omitempty"`
}

// LogLine is one captured log line of an execution, ordered by Seq.
type LogLine struct {
	Seq  int       `json:"seq"`
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// ExecutionFilter narrows ListExecutions queries.
type ExecutionFilter struct {
	TaskID string
	Status *ExecutionStatus
	Limit  int
	Offset int
}

// StatusEvent is the live status notification published on every execution
// state transition. Delivery to observers is best-effort.
type StatusEvent struct {
	TaskID      string          `json:"task_id"`
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	At          time.Time       `json:"at"`
}
