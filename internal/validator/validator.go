// Package validator runs a task's requested quality gates against the
// implementation step's output. Gates are named, independent checks; a gate
// that cannot be evaluated reports passed=false with a detail, never a
// silent skip. Runs are idempotent with respect to system state.
package validator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sandrasocial/agent-bridge/internal/task"
)

// gateFunc evaluates one gate against a task and its execution record.
type gateFunc func(ctx context.Context, r *Runner, t *task.Task, exec *task.Execution) task.ValidationResult

// Runner evaluates quality gates. It never mutates the task or execution.
type Runner struct {
	workspaceDir string
	logger       *slog.Logger
	gates        map[string]gateFunc
}

func New(workspaceDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		workspaceDir: workspaceDir,
		logger:       logger,
		gates: map[string]gateFunc{
			"file_created":     gateFileCreated,
			"files_modified":   gateFilesModified,
			"artifact_parses":  gateArtifactParses,
			"content_security": gateContentSecurity,
			"style_consistent": gateStyleConsistent,
		},
	}
}

// GateNames returns the catalog of known gates.
func (r *Runner) GateNames() []string {
	names := make([]string, 0, len(r.gates))
	for name := range r.gates {
		names = append(names, name)
	}
	return names
}

// Run evaluates every gate the task requested, in request order.
// Unknown gates report failure with an availability detail.
func (r *Runner) Run(ctx context.Context, t *task.Task, exec *task.Execution) []task.ValidationResult {
	results := make([]task.ValidationResult, 0, len(t.QualityGates))
	for _, name := range t.QualityGates {
		fn, ok := r.gates[name]
		if !ok {
			results = append(results, task.ValidationResult{
				Gate:   name,
				Passed: false,
				Detail: fmt.Sprintf("gate %q is not available in this deployment", name),
			})
			continue
		}
		res := fn(ctx, r, t, exec)
		if !res.Passed {
			r.logger.Warn("quality gate failed", "task_id", t.ID, "gate", name, "detail", res.Detail)
		}
		results = append(results, res)
	}
	return results
}
