package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
)

const pipelineColumns = `id, name, description, enabled, priority, stop_on_match, stop_on_error,
	is_system, tags, metadata, execution_count, success_count, last_executed, created_at, updated_at`

// LoadEnabledPipelines returns enabled pipelines with filters and actions.
func (s *Store) LoadEnabledPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	ps, err := s.ListPipelines(ctx, true)
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "load enabled pipelines", err)
	}
	return ps, nil
}

// ListPipelines returns pipelines ordered by priority then id.
func (s *Store) ListPipelines(ctx context.Context, enabledOnly bool) ([]pipeline.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM event_pipelines`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	var out []pipeline.Pipeline
	index := make(map[string]int)
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list pipelines: %w", err)
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	rows.Close()

	if err := s.loadFilters(ctx, out, index); err != nil {
		return nil, err
	}
	if err := s.loadActions(ctx, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (pipeline.Pipeline, error) {
	var (
		p                                     pipeline.Pipeline
		enabled, stopMatch, stopErr, isSystem int
		tags, metadata                        string
		lastExecuted                          sql.NullString
		createdAt, updatedAt                  string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &enabled, &p.Priority, &stopMatch, &stopErr,
		&isSystem, &tags, &metadata, &p.Stats.ExecutionCount, &p.Stats.SuccessCount, &lastExecuted,
		&createdAt, &updatedAt); err != nil {
		return p, err
	}
	p.Enabled = enabled == 1
	p.StopOnMatch = stopMatch == 1
	p.StopOnError = stopErr == 1
	p.IsSystem = isSystem == 1

	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return p, fmt.Errorf("pipeline %s tags: %w", p.ID, err)
	}
	if len(p.Tags) == 0 {
		p.Tags = nil
	}
	var err error
	if p.Metadata, err = unmarshalMap(metadata); err != nil {
		return p, fmt.Errorf("pipeline %s metadata: %w", p.ID, err)
	}
	if p.Stats.LastExecuted, err = scanNullTime(lastExecuted); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Store) loadFilters(ctx context.Context, ps []pipeline.Pipeline, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, filter_type, filter_config, filter_order, is_negated, is_required, created_at
		FROM pipeline_filters
		ORDER BY pipeline_id, filter_order, created_at, rowid
	`)
	if err != nil {
		return fmt.Errorf("load filters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f                  pipeline.Filter
			pipelineID, config string
			negated, required  int
			createdAt          string
		)
		if err := rows.Scan(&f.ID, &pipelineID, &f.Type, &config, &f.Order, &negated, &required, &createdAt); err != nil {
			return fmt.Errorf("load filters: %w", err)
		}
		i, ok := index[pipelineID]
		if !ok {
			continue
		}
		f.Negated = negated == 1
		f.Required = required == 1
		if f.Config, err = unmarshalMap(config); err != nil {
			return fmt.Errorf("filter %s config: %w", f.ID, err)
		}
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		ps[i].Filters = append(ps[i].Filters, f)
	}
	return rows.Err()
}

func (s *Store) loadActions(ctx context.Context, ps []pipeline.Pipeline, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, action_type, action_config, action_order, continue_on_error, is_async,
		       timeout_ms, retry_count, retry_delay_ms, condition_type, condition_config, created_at
		FROM pipeline_actions
		ORDER BY pipeline_id, action_order, created_at, rowid
	`)
	if err != nil {
		return fmt.Errorf("load actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                    pipeline.Action
			pipelineID, config   string
			contOnErr, isAsync   int
			timeout              sql.NullInt64
			condType, condConfig sql.NullString
			createdAt            string
		)
		if err := rows.Scan(&a.ID, &pipelineID, &a.Type, &config, &a.Order, &contOnErr, &isAsync,
			&timeout, &a.RetryCount, &a.RetryDelayMs, &condType, &condConfig, &createdAt); err != nil {
			return fmt.Errorf("load actions: %w", err)
		}
		i, ok := index[pipelineID]
		if !ok {
			continue
		}
		a.ContinueOnError = contOnErr == 1
		a.Async = isAsync == 1
		if timeout.Valid {
			a.TimeoutMs = int(timeout.Int64)
		}
		a.ConditionType = condType.String
		if a.Config, err = unmarshalMap(config); err != nil {
			return fmt.Errorf("action %s config: %w", a.ID, err)
		}
		if a.ConditionConfig, err = unmarshalMap(condConfig.String); err != nil {
			return fmt.Errorf("action %s condition config: %w", a.ID, err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		ps[i].Actions = append(ps[i].Actions, a)
	}
	return rows.Err()
}

// SavePipeline upserts p by name inside one transaction.
func (s *Store) SavePipeline(ctx context.Context, p pipeline.Pipeline) (string, error) {
	if p.Name == "" {
		return "", errs.Errorf(errs.ErrConfig, "save pipeline", "name is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("save pipeline: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var existingID, existingCreated string
	err = tx.QueryRowContext(ctx, `SELECT id, created_at FROM event_pipelines WHERE name = ?`, p.Name).
		Scan(&existingID, &existingCreated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
	case err != nil:
		return "", fmt.Errorf("save pipeline: %w", err)
	default:
		p.ID = existingID
		if p.CreatedAt, err = parseTime(existingCreated); err != nil {
			return "", err
		}
	}

	tags, err := marshalJSON(nonNilTags(p.Tags))
	if err != nil {
		return "", err
	}
	metadata, err := marshalMap(p.Metadata)
	if err != nil {
		return "", err
	}

	// statistics columns are deliberately absent from the update set
	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_pipelines
		(id, name, description, enabled, priority, stop_on_match, stop_on_error, is_system, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			enabled = excluded.enabled,
			priority = excluded.priority,
			stop_on_match = excluded.stop_on_match,
			stop_on_error = excluded.stop_on_error,
			is_system = excluded.is_system,
			tags = excluded.tags,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Description, boolInt(p.Enabled), p.Priority, boolInt(p.StopOnMatch),
		boolInt(p.StopOnError), boolInt(p.IsSystem), tags, metadata, formatTime(p.CreatedAt), formatTime(now))
	if err != nil {
		return "", fmt.Errorf("save pipeline: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_filters WHERE pipeline_id = ?`, p.ID); err != nil {
		return "", fmt.Errorf("save pipeline filters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_actions WHERE pipeline_id = ?`, p.ID); err != nil {
		return "", fmt.Errorf("save pipeline actions: %w", err)
	}

	for i, f := range p.Filters {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		config, err := marshalMap(f.Config)
		if err != nil {
			return "", err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pipeline_filters
			(id, pipeline_id, filter_type, filter_config, filter_order, is_negated, is_required, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, f.ID, p.ID, f.Type, config, f.Order, boolInt(f.Negated), boolInt(f.Required), formatTime(f.CreatedAt))
		if err != nil {
			return "", fmt.Errorf("save filter %s: %w", f.ID, err)
		}
	}

	for i, a := range p.Actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		config, err := marshalMap(a.Config)
		if err != nil {
			return "", err
		}
		condConfig, err := nullJSON(a.ConditionConfig)
		if err != nil {
			return "", err
		}
		var timeout sql.NullInt64
		if a.TimeoutMs > 0 {
			timeout = sql.NullInt64{Int64: int64(a.TimeoutMs), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pipeline_actions
			(id, pipeline_id, action_type, action_config, action_order, continue_on_error, is_async,
			 timeout_ms, retry_count, retry_delay_ms, condition_type, condition_config, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, p.ID, a.Type, config, a.Order, boolInt(a.ContinueOnError), boolInt(a.Async),
			timeout, a.RetryCount, a.RetryDelayMs, nullString(a.ConditionType), condConfig, formatTime(a.CreatedAt))
		if err != nil {
			return "", fmt.Errorf("save action %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("save pipeline: %w", err)
	}
	return p.ID, nil
}

// DeletePipeline removes a pipeline and its filters and actions.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	var name string
	var isSystem int
	err := s.db.QueryRowContext(ctx, `SELECT name, is_system FROM event_pipelines WHERE id = ?`, id).Scan(&name, &isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Errorf(errs.ErrNotFound, "delete pipeline", "%s", id)
	}
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if isSystem == 1 {
		return errs.Errorf(errs.ErrConfig, "delete pipeline", "%q is a system pipeline", name)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_pipelines WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	return nil
}

// UpdateStatistics increments counters in place so concurrent runs of the
// same pipeline never lose an update.
func (s *Store) UpdateStatistics(ctx context.Context, pipelineID string, succeeded bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_pipelines
		SET execution_count = execution_count + 1,
		    success_count = success_count + ?,
		    last_executed = ?
		WHERE id = ?
	`, boolInt(succeeded), formatTime(at), pipelineID)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "update statistics", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Errorf(errs.ErrNotFound, "update statistics", "pipeline %s", pipelineID)
	}
	return nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
