// Package store provides PostgreSQL-backed persistence for opswatch.
//
// # Design
//
// The store uses raw SQL with pgx. It is the single source of truth and the
// only place mutual exclusion is enforced: identity keys are unique
// constraints, and every state transition (execution status, delivery
// flags, scheduler last-fire claims) is a conditional write. In-process
// caches elsewhere are advisory and re-derivable from here.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// PLUGINS
// =============================================================================

// RegisterPlugin records a plugin registration. Registration is idempotent:
// an existing row with the same name is reactivated and its kind/entrypoint
// refreshed, never duplicated.
func (s *Store) RegisterPlugin(ctx context.Context, p *types.PluginInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plugins (id, name, kind, entrypoint, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET kind = EXCLUDED.kind, entrypoint = EXCLUDED.entrypoint, active = TRUE
	`, p.ID, p.Name, p.Kind, p.Entrypoint, p.Active)
	if err != nil {
		return fmt.Errorf("registering plugin %s: %w", p.Name, err)
	}
	return nil
}

// GetPlugin retrieves a plugin registration by name.
func (s *Store) GetPlugin(ctx context.Context, name string) (*types.PluginInfo, error) {
	var p types.PluginInfo
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, kind, entrypoint, active, created_at
		FROM plugins WHERE name = $1
	`, name).Scan(&p.ID, &p.Name, &p.Kind, &p.Entrypoint, &p.Active, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlugins returns all plugin registrations.
func (s *Store) ListPlugins(ctx context.Context) ([]types.PluginInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind, entrypoint, active, created_at
		FROM plugins ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plugins []types.PluginInfo
	for rows.Next() {
		var p types.PluginInfo
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Entrypoint, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// SetPluginActive flips a plugin's active flag.
func (s *Store) SetPluginActive(ctx context.Context, name string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE plugins SET active = $2 WHERE name = $1`, name, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plugin not found: %s", name)
	}
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

// CreateTask inserts a new task. The referenced plugin must exist.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("encoding task config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, name, plugin_name, trigger_type, cron_expr, interval_seconds, config, active)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE EXISTS (SELECT 1 FROM plugins WHERE name = $3)
	`, task.ID, task.Name, task.PluginName, task.Trigger.Type, task.Trigger.CronExpr,
		task.Trigger.IntervalSeconds, configJSON, task.Active)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unknown plugin: %s", task.PluginName)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, plugin_name, trigger_type, cron_expr, interval_seconds,
			config, active, last_fired_at, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)
	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// ListTasks returns all tasks ordered by name.
func (s *Store) ListTasks(ctx context.Context) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, plugin_name, trigger_type, cron_expr, interval_seconds,
			config, active, last_fired_at, created_at, updated_at
		FROM tasks ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ListSchedulableTasks returns active tasks with a cron or interval trigger.
// The scheduler rebuilds its due-time view from this on every tick, so a
// restart never loses due tasks.
func (s *Store) ListSchedulableTasks(ctx context.Context) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, plugin_name, trigger_type, cron_expr, interval_seconds,
			config, active, last_fired_at, created_at, updated_at
		FROM tasks
		WHERE active AND trigger_type IN ('cron', 'interval')
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpdateTask updates a task's mutable fields.
func (s *Store) UpdateTask(ctx context.Context, task *types.Task) error {
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("encoding task config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET name = $2, trigger_type = $3, cron_expr = $4, interval_seconds = $5,
			config = $6, active = $7, updated_at = NOW()
		WHERE id = $1
	`, task.ID, task.Name, task.Trigger.Type, task.Trigger.CronExpr,
		task.Trigger.IntervalSeconds, configJSON, task.Active)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	return nil
}

// DeleteTask removes a task; executions cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// ClaimTaskFire atomically records a scheduled fire. The claim succeeds only
// when last_fired_at still matches the value the scheduler observed
// (compare-and-swap), so two ticks in the same window cannot both enqueue
// the task. Returns true when this caller won the claim.
func (s *Store) ClaimTaskFire(ctx context.Context, taskID string, now time.Time, observed *time.Time) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	if observed == nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE tasks SET last_fired_at = $2, updated_at = NOW()
			WHERE id = $1 AND active AND last_fired_at IS NULL
		`, taskID, now)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE tasks SET last_fired_at = $2, updated_at = NOW()
			WHERE id = $1 AND active AND last_fired_at = $3
		`, taskID, now, *observed)
	}
	if err != nil {
		return false, fmt.Errorf("claim task fire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchTaskLastFired unconditionally updates the last-run pointer. Used for
// manual triggers, which need no double-fire protection.
func (s *Store) TouchTaskLastFired(ctx context.Context, taskID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET last_fired_at = $2, updated_at = NOW() WHERE id = $1
	`, taskID, now)
	return err
}

// rowScanner lets scanTask work with both QueryRow and Query rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var configJSON []byte
	err := row.Scan(
		&task.ID, &task.Name, &task.PluginName, &task.Trigger.Type,
		&task.Trigger.CronExpr, &task.Trigger.IntervalSeconds,
		&configJSON, &task.Active, &task.LastFiredAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &task.Config); err != nil {
		return nil, fmt.Errorf("decoding task config: %w", err)
	}
	return &task, nil
}
