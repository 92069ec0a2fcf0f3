package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

// AppendExecutionRecord upserts a run and its results. Re-appending the
// same snapshot is idempotent.
func (s *Store) AppendExecutionRecord(ctx context.Context, rec execution.Snapshot) error {
	eventJSON, err := marshalMap(rec.Event)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "append execution", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "append execution", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_execution_log
		(id, pipeline_id, pipeline_name, event_type, platform, event_data, started_at, completed_at,
		 settled_at, duration_ms, status, error_message, actions_executed, actions_succeeded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			settled_at = excluded.settled_at,
			duration_ms = excluded.duration_ms,
			status = excluded.status,
			error_message = excluded.error_message,
			actions_executed = excluded.actions_executed,
			actions_succeeded = excluded.actions_succeeded
	`, rec.ID, rec.PipelineID, rec.PipelineName, rec.EventType, rec.Platform, eventJSON,
		formatTime(rec.StartedAt), nullTime(rec.CompletedAt), nullTime(rec.SettledAt), rec.DurationMs,
		string(rec.Status), nullString(rec.Error), rec.ActionsExecuted, rec.ActionsSucceeded)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "append execution", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_action_results WHERE execution_id = ?`, rec.ID); err != nil {
		return errs.Wrap(errs.ErrStorage, "append execution", err)
	}
	for i, res := range rec.Results {
		if err := insertResult(ctx, tx, rec.ID, i, res); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.ErrStorage, "append execution", err)
	}
	return nil
}

// AppendActionResult appends a late result after the stored ones.
func (s *Store) AppendActionResult(ctx context.Context, executionID string, res execution.ActionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "append action result", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_execution_log WHERE id = ?`, executionID).Scan(&exists); err != nil {
		return errs.Wrap(errs.ErrStorage, "append action result", err)
	}
	if exists == 0 {
		return errs.Errorf(errs.ErrNotFound, "append action result", "execution %s", executionID)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq) + 1, 0) FROM pipeline_action_results WHERE execution_id = ?
	`, executionID).Scan(&next); err != nil {
		return errs.Wrap(errs.ErrStorage, "append action result", err)
	}
	if err := insertResult(ctx, tx, executionID, next, res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.ErrStorage, "append action result", err)
	}
	return nil
}

// MarkSettled records the fully-complete watermark of a run.
func (s *Store) MarkSettled(ctx context.Context, executionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pipeline_execution_log SET settled_at = ? WHERE id = ?`,
		formatTime(at), executionID)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "mark settled", err)
	}
	return nil
}

func insertResult(ctx context.Context, tx *sql.Tx, executionID string, seq int, res execution.ActionResult) error {
	output, err := nullJSON(res.Output)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "append action result", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_action_results
		(execution_id, seq, action_id, action_type, attempt, status, output, error, started_at, completed_at, duration_ms, is_async)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, executionID, seq, res.ActionID, res.ActionType, res.Attempt, string(res.Status), output,
		nullString(res.Error), formatTime(res.StartedAt), formatTime(res.CompletedAt), res.DurationMs, boolInt(res.Async))
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "append action result", err)
	}
	return nil
}

const executionColumns = `id, pipeline_id, pipeline_name, event_type, platform, event_data, started_at,
	completed_at, settled_at, duration_ms, status, error_message, actions_executed, actions_succeeded`

// ListExecutions returns runs newest first, with their results.
func (s *Store) ListExecutions(ctx context.Context, q store.ExecutionQuery) ([]execution.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if q.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, q.PipelineID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, formatTime(q.Until))
	}
	query := `SELECT ` + executionColumns + ` FROM pipeline_execution_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []execution.Snapshot
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list executions: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list executions: %w", err)
	}
	rows.Close()

	for i := range out {
		if out[i].Results, err = s.loadResults(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetExecution returns one run with its results.
func (s *Store) GetExecution(ctx context.Context, id string) (execution.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM pipeline_execution_log WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Snapshot{}, errs.Errorf(errs.ErrNotFound, "get execution", "%s", id)
	}
	if err != nil {
		return execution.Snapshot{}, fmt.Errorf("get execution: %w", err)
	}
	if rec.Results, err = s.loadResults(ctx, id); err != nil {
		return execution.Snapshot{}, err
	}
	return rec, nil
}

func scanExecution(row rowScanner) (execution.Snapshot, error) {
	var (
		rec                    execution.Snapshot
		eventData, startedAt   string
		completedAt, settledAt sql.NullString
		status                 string
		errMsg                 sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.PipelineID, &rec.PipelineName, &rec.EventType, &rec.Platform,
		&eventData, &startedAt, &completedAt, &settledAt, &rec.DurationMs, &status, &errMsg,
		&rec.ActionsExecuted, &rec.ActionsSucceeded); err != nil {
		return rec, err
	}
	rec.Status = execution.Status(status)
	rec.Error = errMsg.String

	var err error
	if rec.Event, err = unmarshalMap(eventData); err != nil {
		return rec, err
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return rec, err
	}
	if rec.CompletedAt, err = scanNullTime(completedAt); err != nil {
		return rec, err
	}
	if rec.SettledAt, err = scanNullTime(settledAt); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Store) loadResults(ctx context.Context, executionID string) ([]execution.ActionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, action_type, attempt, status, output, error, started_at, completed_at, duration_ms, is_async
		FROM pipeline_action_results
		WHERE execution_id = ?
		ORDER BY seq
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	defer rows.Close()

	var out []execution.ActionResult
	for rows.Next() {
		var (
			res                  execution.ActionResult
			status               string
			output, errMsg       sql.NullString
			startedAt, completed string
			isAsync              int
		)
		if err := rows.Scan(&res.ActionID, &res.ActionType, &res.Attempt, &status, &output, &errMsg,
			&startedAt, &completed, &res.DurationMs, &isAsync); err != nil {
			return nil, fmt.Errorf("load results: %w", err)
		}
		res.Status = execution.ActionStatus(status)
		res.Error = errMsg.String
		res.Async = isAsync == 1
		if res.Output, err = unmarshalMap(output.String); err != nil {
			return nil, err
		}
		if res.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if res.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// PruneExecutions deletes runs started before cutoff; results cascade.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_execution_log WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, errs.Wrap(errs.ErrStorage, "prune executions", err)
	}
	return res.RowsAffected()
}
