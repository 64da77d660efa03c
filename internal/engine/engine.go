// Package engine drives submitted tasks through the phase state machine:
// pending, planning, executing, validating, then complete or failed. Each
// task runs as its own goroutine; the engine is the single writer of a
// task's execution record, so readers always observe committed phases.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandrasocial/agent-bridge/internal/audit"
	"github.com/sandrasocial/agent-bridge/internal/bus"
	"github.com/sandrasocial/agent-bridge/internal/otel"
	"github.com/sandrasocial/agent-bridge/internal/persistence"
	"github.com/sandrasocial/agent-bridge/internal/task"
	"github.com/sandrasocial/agent-bridge/internal/validator"
)

// Phase progress checkpoints. Status and progress always commit together.
const (
	progressPlanning   = 10
	progressExecuting  = 20
	progressImplDone   = 80
	progressValidating = 90
	progressTerminal   = 100
)

// Options wires an Engine. Store, Validator, and Implementer are required.
type Options struct {
	Store       *persistence.Store
	Bus         *bus.Bus
	Validator   *validator.Runner
	Implementer Implementer
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otel.Metrics

	// PlanningDelay is the deliberate planning-phase pause.
	PlanningDelay time.Duration

	// ExecutionTimeout bounds the executing phase. An implementation step
	// that never returns forces the task to failed.
	ExecutionTimeout time.Duration
}

type Engine struct {
	store     *persistence.Store
	bus       *bus.Bus
	validator *validator.Runner
	impl      Implementer
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics

	planningDelay    time.Duration
	executionTimeout time.Duration

	wg sync.WaitGroup

	mu       sync.Mutex
	draining bool
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	planningDelay := opts.PlanningDelay
	if planningDelay <= 0 {
		planningDelay = 1500 * time.Millisecond
	}
	executionTimeout := opts.ExecutionTimeout
	if executionTimeout <= 0 {
		executionTimeout = 5 * time.Minute
	}
	return &Engine{
		store:            opts.Store,
		bus:              opts.Bus,
		validator:        opts.Validator,
		impl:             opts.Implementer,
		logger:           logger.With("component", "engine"),
		tracer:           opts.Tracer,
		metrics:          opts.Metrics,
		planningDelay:    planningDelay,
		executionTimeout: executionTimeout,
	}
}

// Submit validates and persists a task, starts its execution goroutine, and
// returns the task id. Validation errors surface here synchronously; once
// Submit returns, failures are observable only through status polling.
func (e *Engine) Submit(ctx context.Context, t *task.Task) (string, error) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: engine is shutting down", task.ErrInvalidRequest)
	}
	e.mu.Unlock()

	if err := e.store.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	audit.Record("task.submitted", t.ID, t.AgentName, "")
	if e.metrics != nil {
		e.metrics.ActiveTasks.Add(ctx, 1)
	}
	e.logger.Info("task submitted", "task_id", t.ID, "agent", t.AgentName, "priority", t.Priority, "gates", len(t.QualityGates))

	e.wg.Add(1)
	go e.run(t)
	return t.ID, nil
}

// run owns one task from pending to a terminal state. It never returns an
// error to the submitter; every failure path resolves the task to failed
// with a synthetic execution_error result.
func (e *Engine) run(t *task.Task) {
	defer e.wg.Done()

	// Detached from the submit request; the task outlives the HTTP call.
	ctx := context.Background()
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "task.run", trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.agent", t.AgentName),
		))
		defer span.End()
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, t, fmt.Sprintf("panic during execution: %v", r))
		}
		e.finishMetrics(ctx, started)
	}()

	// Planning.
	if err := e.transition(ctx, t, task.StatusPlanning, progressPlanning); err != nil {
		e.fail(ctx, t, fmt.Sprintf("enter planning: %v", err))
		return
	}
	select {
	case <-time.After(e.planningDelay):
	case <-ctx.Done():
		e.fail(ctx, t, fmt.Sprintf("planning interrupted: %v", ctx.Err()))
		return
	}

	// Executing.
	if err := e.transition(ctx, t, task.StatusExecuting, progressExecuting); err != nil {
		e.fail(ctx, t, fmt.Sprintf("enter executing: %v", err))
		return
	}
	implCtx, cancel := context.WithTimeout(ctx, e.executionTimeout)
	summary, err := e.impl.Implement(implCtx, t)
	cancel()
	if err != nil {
		e.fail(ctx, t, fmt.Sprintf("implementation step: %v", err))
		return
	}
	if err := e.store.SetSummary(ctx, t.ID, summary, rollbackPlan(summary)); err != nil {
		e.fail(ctx, t, fmt.Sprintf("record summary: %v", err))
		return
	}
	if err := e.store.UpdateProgress(ctx, t.ID, progressImplDone); err != nil {
		e.logger.Warn("progress update rejected", "task_id", t.ID, "error", err)
	}

	// Validating.
	if err := e.transition(ctx, t, task.StatusValidating, progressValidating); err != nil {
		e.fail(ctx, t, fmt.Sprintf("enter validating: %v", err))
		return
	}
	exec, err := e.store.GetExecution(ctx, t.ID)
	if err != nil {
		e.fail(ctx, t, fmt.Sprintf("load execution for validation: %v", err))
		return
	}
	results, allPassed, err := e.runValidation(ctx, t, exec)
	if err != nil {
		e.fail(ctx, t, fmt.Sprintf("record validation run: %v", err))
		return
	}

	if allPassed {
		if err := e.transition(ctx, t, task.StatusComplete, progressTerminal); err != nil {
			e.fail(ctx, t, fmt.Sprintf("enter complete: %v", err))
			return
		}
		audit.Record("task.completed", t.ID, t.AgentName, "")
		if e.bus != nil {
			e.bus.Publish(bus.TopicTaskCompleted, map[string]any{"task_id": t.ID, "agent": t.AgentName})
		}
		if e.metrics != nil {
			e.metrics.TasksCompleted.Add(ctx, 1)
		}
		e.logger.Info("task complete", "task_id", t.ID, "gates", len(results))
		return
	}

	detail := firstFailureDetail(results)
	if err := e.transition(ctx, t, task.StatusFailed, progressTerminal); err != nil {
		e.logger.Error("failed transition rejected", "task_id", t.ID, "error", err)
	}
	audit.Record("task.failed", t.ID, t.AgentName, detail)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskFailed, map[string]any{"task_id": t.ID, "agent": t.AgentName, "detail": detail})
	}
	if e.metrics != nil {
		e.metrics.TasksFailed.Add(ctx, 1)
	}
	e.logger.Warn("task failed validation", "task_id", t.ID, "detail", detail)
}

// runValidation executes the task's gates as one run, appends the results,
// and publishes the outcome.
func (e *Engine) runValidation(ctx context.Context, t *task.Task, exec *task.Execution) ([]task.ValidationResult, bool, error) {
	runID := uuid.NewString()
	results := e.validator.Run(ctx, t, exec)
	for i := range results {
		results[i].RunID = runID
	}
	if err := e.store.AppendValidationResults(ctx, t.ID, runID, results); err != nil {
		return nil, false, err
	}
	allPassed := task.AllPassed(results)
	if e.metrics != nil {
		for _, r := range results {
			if !r.Passed {
				e.metrics.ValidationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", r.Gate)))
			}
		}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskValidated, bus.TaskValidatedEvent{
			TaskID:    t.ID,
			RunID:     runID,
			AllPassed: allPassed,
			Gates:     len(results),
		})
	}
	return results, allPassed, nil
}

// ValidateNow re-runs the task's gates against current filesystem state and
// appends a fresh result set. Status and progress are left untouched, so
// repeated calls on a settled task are idempotent in outcome.
func (e *Engine) ValidateNow(ctx context.Context, taskID string) ([]task.ValidationResult, bool, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	exec, err := e.store.GetExecution(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	results, allPassed, err := e.runValidation(ctx, t, exec)
	if err != nil {
		return nil, false, err
	}
	audit.Record("task.validated", taskID, t.AgentName, fmt.Sprintf("all_passed=%t", allPassed))
	return results, allPassed, nil
}

// fail resolves a task to failed with a synthetic execution_error result,
// guaranteeing that a failed status is never observed with an empty
// validation result list.
func (e *Engine) fail(ctx context.Context, t *task.Task, detail string) {
	runID := uuid.NewString()
	result := []task.ValidationResult{{
		Gate:   "execution_error",
		Passed: false,
		Detail: detail,
		RunID:  runID,
	}}
	if err := e.store.AppendValidationResults(ctx, t.ID, runID, result); err != nil {
		e.logger.Error("append execution_error result", "task_id", t.ID, "error", err)
	}
	if err := e.transition(ctx, t, task.StatusFailed, progressTerminal); err != nil {
		e.logger.Error("force-fail transition rejected", "task_id", t.ID, "error", err)
	}
	audit.Record("task.failed", t.ID, t.AgentName, detail)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskFailed, map[string]any{"task_id": t.ID, "agent": t.AgentName, "detail": detail})
	}
	if e.metrics != nil {
		e.metrics.TasksFailed.Add(ctx, 1)
	}
	e.logger.Error("task failed", "task_id", t.ID, "detail", detail)
}

func (e *Engine) transition(ctx context.Context, t *task.Task, to task.Status, progress int) error {
	exec, err := e.store.GetExecution(ctx, t.ID)
	if err != nil {
		return err
	}
	if err := e.store.TransitionExecution(ctx, t.ID, to, progress); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskPhaseChanged, bus.TaskPhaseChangedEvent{
			TaskID:    t.ID,
			Agent:     t.AgentName,
			OldStatus: string(exec.Status),
			NewStatus: string(to),
			Progress:  progress,
		})
	}
	e.logger.Debug("phase transition", "task_id", t.ID, "from", exec.Status, "to", to, "progress", progress)
	return nil
}

func (e *Engine) finishMetrics(ctx context.Context, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ActiveTasks.Add(ctx, -1)
	e.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds())
}

// Drain stops accepting submissions and waits for in-flight tasks, up to
// the context deadline. Used during graceful shutdown.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain interrupted: %w", ctx.Err())
	}
}

// rollbackPlan derives undo steps from the implementation summary.
func rollbackPlan(summary task.Summary) []string {
	var plan []string
	for _, f := range summary.CreatedFiles {
		plan = append(plan, "remove "+f)
	}
	for _, f := range summary.ModifiedFiles {
		plan = append(plan, "restore "+f)
	}
	return plan
}

func firstFailureDetail(results []task.ValidationResult) string {
	for _, r := range results {
		if !r.Passed {
			return fmt.Sprintf("gate %s: %s", r.Gate, r.Detail)
		}
	}
	return ""
}
