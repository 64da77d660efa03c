// Package task defines the bridge's domain types: submitted tasks, their
// execution records, and the phase state machine both sides agree on.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest marks a malformed submission. Surfaced synchronously;
	// the task never enters the store.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound marks a lookup for an unknown task id.
	ErrNotFound = errors.New("task not found")
)

// Priority is the submitter-declared urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Status is an execution phase. pending is the only initial state;
// complete and failed are the only terminal states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusExecuting  Status = "executing"
	StatusValidating Status = "validating"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// allowedTransitions defines the legal phase edges. Every non-terminal state
// may short-circuit to failed (engine-boundary error handling).
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusPlanning: {},
		StatusFailed:   {},
	},
	StatusPlanning: {
		StatusExecuting: {},
		StatusFailed:    {},
	},
	StatusExecuting: {
		StatusValidating: {},
		StatusFailed:     {},
	},
	StatusValidating: {
		StatusComplete: {},
		StatusFailed:   {},
	},
}

// Terminal reports whether the status is complete or failed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// CanTransition reports whether moving from one phase to the other is legal.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Turn is one role-tagged entry of a prior conversation transcript.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Task is an immutable unit of work addressed to a named agent.
type Task struct {
	ID                 string    `json:"id"`
	AgentName          string    `json:"agent_name"`
	Instruction        string    `json:"instruction"`
	Priority           Priority  `json:"priority"`
	CompletionCriteria []string  `json:"completion_criteria"`
	QualityGates       []string  `json:"quality_gates"`
	EstimatedMinutes   int       `json:"estimated_minutes"`
	Transcript         []Turn    `json:"transcript,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// New validates a submission and mints the task. All fields named in the
// returned error are reported at submit time, before anything is persisted.
func New(agentName, instruction string, priority Priority, criteria, gates []string, estimatedMinutes int, transcript []Turn) (*Task, error) {
	if strings.TrimSpace(agentName) == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("%w: instruction is required", ErrInvalidRequest)
	}
	if len(criteria) == 0 {
		return nil, fmt.Errorf("%w: at least one completion criterion is required", ErrInvalidRequest)
	}
	if len(gates) == 0 {
		return nil, fmt.Errorf("%w: at least one quality gate is required", ErrInvalidRequest)
	}
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	case "":
		priority = PriorityMedium
	default:
		return nil, fmt.Errorf("%w: priority %q is not one of low, medium, high", ErrInvalidRequest, priority)
	}
	if estimatedMinutes <= 0 {
		estimatedMinutes = 30
	}

	return &Task{
		ID:                 uuid.NewString(),
		AgentName:          agentName,
		Instruction:        instruction,
		Priority:           priority,
		CompletionCriteria: criteria,
		QualityGates:       gates,
		EstimatedMinutes:   estimatedMinutes,
		Transcript:         transcript,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// EstimatedCompletion is the submitter-facing completion estimate.
func (t *Task) EstimatedCompletion() time.Time {
	return t.CreatedAt.Add(time.Duration(t.EstimatedMinutes) * time.Minute)
}

// Summary is the implementation step's structured output.
type Summary struct {
	CreatedFiles    []string `json:"created_files"`
	ModifiedFiles   []string `json:"modified_files"`
	BuiltComponents []string `json:"built_components"`
}

// ValidationResult is one gate's verdict. Results are append-only per task:
// a re-run appends a fresh result set rather than mutating history.
type ValidationResult struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// AllPassed reports whether every result in the set passed.
// An empty set trivially passes; submission validation prevents empty gate lists.
func AllPassed(results []ValidationResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Execution is the mutable run-state for exactly one task.
type Execution struct {
	TaskID       string             `json:"task_id"`
	Status       Status             `json:"status"`
	Progress     int                `json:"progress"`
	Summary      Summary            `json:"summary"`
	RollbackPlan []string           `json:"rollback_plan,omitempty"`
	Results      []ValidationResult `json:"validation_results,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
