package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sandrasocial/agent-bridge/internal/bus"
	"github.com/sandrasocial/agent-bridge/internal/task"
)

// CreateTask persists the task together with its pending execution record
// in one transaction and journals the submission.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	criteria, err := json.Marshal(t.CompletionCriteria)
	if err != nil {
		return fmt.Errorf("marshal completion criteria: %w", err)
	}
	gates, err := json.Marshal(t.QualityGates)
	if err != nil {
		return fmt.Errorf("marshal quality gates: %w", err)
	}
	transcript, err := json.Marshal(t.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, agent_name, instruction, priority, completion_criteria,
				quality_gates, estimated_minutes, transcript, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.AgentName, t.Instruction, string(t.Priority), string(criteria),
			string(gates), t.EstimatedMinutes, string(transcript), t.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO executions (task_id, status, progress)
			VALUES (?, ?, 0);
		`, t.ID, string(task.StatusPending)); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, t.ID, "task.submitted", "", task.StatusPending, `{"reason":"submit"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskSubmitted, map[string]any{"task_id": t.ID, "agent": t.AgentName})
	return nil
}

// GetTask loads a task by id. Returns task.ErrNotFound for unknown ids.
func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, instruction, priority, completion_criteria,
			quality_gates, estimated_minutes, COALESCE(transcript, '[]'), created_at
		FROM tasks WHERE id = ?;
	`, taskID)

	var t task.Task
	var priority, criteria, gates, transcript string
	if err := row.Scan(&t.ID, &t.AgentName, &t.Instruction, &priority, &criteria,
		&gates, &t.EstimatedMinutes, &transcript, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Priority = task.Priority(priority)
	if err := json.Unmarshal([]byte(criteria), &t.CompletionCriteria); err != nil {
		return nil, fmt.Errorf("unmarshal completion criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(gates), &t.QualityGates); err != nil {
		return nil, fmt.Errorf("unmarshal quality gates: %w", err)
	}
	if err := json.Unmarshal([]byte(transcript), &t.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return &t, nil
}

// GetExecution loads the execution record and its full validation history.
func (s *Store) GetExecution(ctx context.Context, taskID string) (*task.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, status, progress, created_files, modified_files,
			built_components, rollback_plan, started_at, completed_at, updated_at
		FROM executions WHERE task_id = ?;
	`, taskID)

	var e task.Execution
	var status, created, modified, components, rollback string
	var completedAt sql.NullTime
	if err := row.Scan(&e.TaskID, &status, &e.Progress, &created, &modified,
		&components, &rollback, &e.StartedAt, &completedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	e.Status = task.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	for _, pair := range []struct {
		raw  string
		dest *[]string
	}{
		{created, &e.Summary.CreatedFiles},
		{modified, &e.Summary.ModifiedFiles},
		{components, &e.Summary.BuiltComponents},
		{rollback, &e.RollbackPlan},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return nil, fmt.Errorf("unmarshal execution field: %w", err)
		}
	}

	results, err := s.ListValidationResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.Results = results
	return &e, nil
}

// ListActiveExecutions returns all non-terminal execution records,
// oldest submission first.
func (s *Store) ListActiveExecutions(ctx context.Context) ([]task.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id FROM executions
		WHERE status NOT IN ('complete', 'failed')
		ORDER BY started_at ASC, task_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active execution: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active execution rows: %w", err)
	}

	out := make([]task.Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// TransitionExecution atomically moves a task's execution to the next phase,
// updating status and progress together so readers never observe a partial
// update. Illegal edges and progress regressions are rejected.
func (s *Store) TransitionExecution(ctx context.Context, taskID string, to task.Status, progress int) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var fromStr string
		var current int
		row := tx.QueryRowContext(ctx, `SELECT status, progress FROM executions WHERE task_id = ?;`, taskID)
		if err := row.Scan(&fromStr, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return task.ErrNotFound
			}
			return fmt.Errorf("read execution status: %w", err)
		}
		from := task.Status(fromStr)
		if !task.CanTransition(from, to) {
			return fmt.Errorf("illegal transition %s -> %s for task %s", from, to, taskID)
		}
		if progress < current {
			return fmt.Errorf("progress regression %d -> %d for task %s", current, progress, taskID)
		}

		if to.Terminal() {
			if _, err := tx.ExecContext(ctx, `
				UPDATE executions
				SET status = ?, progress = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE task_id = ?;
			`, string(to), progress, taskID); err != nil {
				return fmt.Errorf("terminal transition: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE executions
				SET status = ?, progress = ?, updated_at = CURRENT_TIMESTAMP
				WHERE task_id = ?;
			`, string(to), progress, taskID); err != nil {
				return fmt.Errorf("phase transition: %w", err)
			}
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "task.phase_changed", from, to, fmt.Sprintf(`{"progress":%d}`, progress)); err != nil {
			return err
		}
		return tx.Commit()
	})
	return err
}

// UpdateProgress raises progress within the current phase. Regressions are
// rejected; the status is left untouched.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions
			SET progress = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND progress <= ? AND status NOT IN ('complete', 'failed');
		`, progress, taskID, progress)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update progress rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("progress update rejected for task %s", taskID)
		}
		return nil
	})
}

// SetSummary stores the implementation step's output on the execution record.
func (s *Store) SetSummary(ctx context.Context, taskID string, summary task.Summary, rollbackPlan []string) error {
	created, err := json.Marshal(emptyIfNil(summary.CreatedFiles))
	if err != nil {
		return fmt.Errorf("marshal created files: %w", err)
	}
	modified, err := json.Marshal(emptyIfNil(summary.ModifiedFiles))
	if err != nil {
		return fmt.Errorf("marshal modified files: %w", err)
	}
	components, err := json.Marshal(emptyIfNil(summary.BuiltComponents))
	if err != nil {
		return fmt.Errorf("marshal built components: %w", err)
	}
	rollback, err := json.Marshal(emptyIfNil(rollbackPlan))
	if err != nil {
		return fmt.Errorf("marshal rollback plan: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions
			SET created_files = ?, modified_files = ?, built_components = ?,
				rollback_plan = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, string(created), string(modified), string(components), string(rollback), taskID)
		if err != nil {
			return fmt.Errorf("set summary: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set summary rows: %w", err)
		}
		if n == 0 {
			return task.ErrNotFound
		}
		return nil
	})
}

// AppendValidationResults records one complete validation run. History is
// append-only: prior runs are never mutated or replaced.
func (s *Store) AppendValidationResults(ctx context.Context, taskID, runID string, results []task.ValidationResult) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin validation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, r := range results {
			passed := 0
			if r.Passed {
				passed = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO validation_results (task_id, run_id, gate, passed, detail)
				VALUES (?, ?, ?, ?, ?);
			`, taskID, runID, r.Gate, passed, r.Detail); err != nil {
				return fmt.Errorf("insert validation result: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListValidationResults returns the full appended history, oldest first.
func (s *Store) ListValidationResults(ctx context.Context, taskID string) ([]task.ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gate, passed, detail, run_id
		FROM validation_results
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list validation results: %w", err)
	}
	defer rows.Close()

	var out []task.ValidationResult
	for rows.Next() {
		var r task.ValidationResult
		var passed int
		if err := rows.Scan(&r.Gate, &passed, &r.Detail, &r.RunID); err != nil {
			return nil, fmt.Errorf("scan validation result: %w", err)
		}
		r.Passed = passed == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("validation result rows: %w", err)
	}
	return out, nil
}

// ListValidationRun returns only the results belonging to one run id, in order.
func (s *Store) ListValidationRun(ctx context.Context, taskID, runID string) ([]task.ValidationResult, error) {
	all, err := s.ListValidationResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []task.ValidationResult
	for _, r := range all {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

// TaskCounts returns active and terminal execution counts for /metrics.
func (s *Store) TaskCounts(ctx context.Context) (active, complete, failed int64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status NOT IN ('complete', 'failed') THEN 1 END),
			COUNT(CASE WHEN status = 'complete' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM executions;
	`)
	if err := row.Scan(&active, &complete, &failed); err != nil {
		return 0, 0, 0, fmt.Errorf("task counts: %w", err)
	}
	return active, complete, failed, nil
}

// ListTaskEvents returns the journal for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var stateFrom string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = task.Status(stateFrom)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TaskEvent is one row of the task journal.
type TaskEvent struct {
	EventID   int64       `json:"event_id"`
	TaskID    string      `json:"task_id"`
	EventType string      `json:"event_type"`
	StateFrom task.Status `json:"state_from,omitempty"`
	StateTo   task.Status `json:"state_to"`
	Payload   string      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to task.Status, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	var stateFrom any
	if from != "" {
		stateFrom = string(from)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, stateFrom, string(to), payload); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
