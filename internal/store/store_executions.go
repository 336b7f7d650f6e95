package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// =============================================================================
// TASK EXECUTIONS
// =============================================================================

// CreateExecution inserts a new pending execution. The owning task must
// exist and be active at creation time; otherwise no row is inserted and an
// error is returned.
func (s *Store) CreateExecution(ctx context.Context, exec *types.TaskExecution) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO task_executions (id, task_id, status, queued_at)
		SELECT $1, $2, 'pending', $3
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = $2 AND active)
	`, exec.ID, exec.TaskID, exec.QueuedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found or inactive: %s", exec.TaskID)
	}
	return nil
}

// MarkExecutionRunning transitions pending -> running. The conditional
// update makes an illegal or duplicate transition affect zero rows.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_executions SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not in pending state", id)
	}
	return nil
}

// FinalizeExecution transitions an execution to a terminal state. Both
// terminal states are only reachable from running. A failed execution
// requires an error message; a success execution requires a result payload
// (an empty map is fine).
func (s *Store) FinalizeExecution(ctx context.Context, id string, status types.ExecutionStatus, result map[string]any, errMsg string, at time.Time) error {
	switch status {
	case types.ExecutionSuccess:
		if result == nil {
			return fmt.Errorf("success execution requires a result payload")
		}
	case types.ExecutionFailed:
		if errMsg == "" {
			return fmt.Errorf("failed execution requires an error message")
		}
	default:
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_executions
		SET status = $2, result = $3, error = $4, finished_at = $5
		WHERE id = $1 AND status = 'running'
	`, id, status, resultJSON, errMsg, at)
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not in a finalizable state", id)
	}
	return nil
}

// AppendExecutionLogs appends captured log lines in emission order.
func (s *Store) AppendExecutionLogs(ctx context.Context, id string, lines []types.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, line := range lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO execution_logs (execution_id, seq, at, line)
			VALUES ($1, $2, $3, $4)
		`, id, line.Seq, line.At, line.Line); err != nil {
			return fmt.Errorf("insert log line %d: %w", line.Seq, err)
		}
	}
	return tx.Commit(ctx)
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*types.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, status, queued_at, started_at, finished_at, result, error
		FROM task_executions WHERE id = $1
	`, id)
	exec, err := scanExecution(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter types.ExecutionFilter) ([]types.TaskExecution, error) {
	query := `
		SELECT id, task_id, status, queued_at, started_at, finished_at, result, error
		FROM task_executions WHERE 1=1`
	args := []any{}
	n := 0

	if filter.TaskID != "" {
		n++
		query += fmt.Sprintf(" AND task_id = $%d", n)
		args = append(args, filter.TaskID)
	}
	if filter.Status != nil {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, *filter.Status)
	}
	query += " ORDER BY queued_at DESC"
	if filter.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []types.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *exec)
	}
	return executions, rows.Err()
}

// GetExecutionLogs returns an execution's log lines in emission order.
func (s *Store) GetExecutionLogs(ctx context.Context, id string) ([]types.LogLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, at, line FROM execution_logs
		WHERE execution_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []types.LogLine
	for rows.Next() {
		var l types.LogLine
		if err := rows.Scan(&l.Seq, &l.At, &l.Line); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListStaleExecutions returns executions stuck in running longer than
// olderThan, e.g. because the owning worker died.
func (s *Store) ListStaleExecutions(ctx context.Context, olderThan time.Duration) ([]types.TaskExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, status, queued_at, started_at, finished_at, result, error
		FROM task_executions
		WHERE status = 'running' AND started_at < NOW() - $1::interval
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []types.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *exec)
	}
	return executions, rows.Err()
}

func scanExecution(row rowScanner) (*types.TaskExecution, error) {
	var exec types.TaskExecution
	var resultJSON []byte
	err := row.Scan(
		&exec.ID, &exec.TaskID, &exec.Status, &exec.QueuedAt,
		&exec.StartedAt, &exec.FinishedAt, &resultJSON, &exec.Error,
	)
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &exec.Result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
	}
	return &exec, nil
}
