package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/sandrasocial/agent-bridge/internal/task"
)

// Implementer is the implementation step the executing phase suspends on.
// Given a task it produces files in the workspace and reports a structured
// summary of what it built. Real deployments back this with a code
// generation service; the bridge only cares about the summary contract.
type Implementer interface {
	Implement(ctx context.Context, t *task.Task) (task.Summary, error)
}

// SimulatedImplementer is the built-in implementation step. It derives a
// component plan from the instruction text and materializes real files,
// including a manifest.json, under workspace/<taskID>/ so quality gates
// evaluate genuine filesystem state rather than bookkeeping.
type SimulatedImplementer struct {
	workspaceDir string
}

func NewSimulatedImplementer(workspaceDir string) *SimulatedImplementer {
	return &SimulatedImplementer{workspaceDir: workspaceDir}
}

// componentHints maps instruction keywords to the component each implies.
var componentHints = []struct {
	keyword   string
	component string
}{
	{"api", "ApiHandler"},
	{"endpoint", "ApiHandler"},
	{"database", "SchemaMigration"},
	{"schema", "SchemaMigration"},
	{"query", "QueryPlanner"},
	{"page", "ViewComponent"},
	{"form", "ViewComponent"},
	{"ui", "ViewComponent"},
	{"dashboard", "ViewComponent"},
	{"test", "TestSuite"},
	{"worker", "BackgroundWorker"},
	{"report", "ReportGenerator"},
}

func (s *SimulatedImplementer) Implement(ctx context.Context, t *task.Task) (task.Summary, error) {
	if err := ctx.Err(); err != nil {
		return task.Summary{}, err
	}

	components := planComponents(t.Instruction)
	dir := filepath.Join(s.workspaceDir, t.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return task.Summary{}, fmt.Errorf("create task workspace: %w", err)
	}

	summary := task.Summary{BuiltComponents: components}
	for _, component := range components {
		if err := ctx.Err(); err != nil {
			return task.Summary{}, err
		}
		rel := filepath.Join(t.ID, snakeCase(component)+".md")
		body := renderComponent(t, component)
		if err := os.WriteFile(filepath.Join(s.workspaceDir, rel), []byte(body), 0o644); err != nil {
			return task.Summary{}, fmt.Errorf("write %s: %w", rel, err)
		}
		summary.CreatedFiles = append(summary.CreatedFiles, rel)
	}

	manifestRel := filepath.Join(t.ID, "manifest.json")
	manifest := map[string]any{
		"task_id":       t.ID,
		"components":    components,
		"created_files": append([]string(nil), summary.CreatedFiles...),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return task.Summary{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.workspaceDir, manifestRel), data, 0o644); err != nil {
		return task.Summary{}, fmt.Errorf("write manifest: %w", err)
	}
	summary.CreatedFiles = append(summary.CreatedFiles, manifestRel)

	return summary, nil
}

// planComponents derives the component list from instruction keywords.
// An instruction matching nothing still yields one generic component.
func planComponents(instruction string) []string {
	lower := strings.ToLower(instruction)
	seen := map[string]bool{}
	var out []string
	for _, hint := range componentHints {
		if strings.Contains(lower, hint.keyword) && !seen[hint.component] {
			seen[hint.component] = true
			out = append(out, hint.component)
		}
	}
	if len(out) == 0 {
		out = append(out, "TaskOutput")
	}
	return out
}

func renderComponent(t *task.Task, component string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", component)
	fmt.Fprintf(&b, "Produced for task %s (agent %s).\n\n", t.ID, t.AgentName)
	b.WriteString("Completion criteria addressed:\n")
	for _, c := range t.CompletionCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}

func snakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
