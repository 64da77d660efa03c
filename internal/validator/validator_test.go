package validator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandrasocial/agent-bridge/internal/task"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	ws := t.TempDir()
	return New(ws, nil), ws
}

func writeWorkspaceFile(t *testing.T, ws, rel, content string) {
	t.Helper()
	abs := filepath.Join(ws, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func testTask(t *testing.T, gates ...string) *task.Task {
	t.Helper()
	tk, err := task.New("zara", "create file X", task.PriorityMedium,
		[]string{"file X exists"}, gates, 10, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	return tk
}

func TestRun_FileCreatedPasses(t *testing.T) {
	r, ws := newTestRunner(t)
	writeWorkspaceFile(t, ws, "site/hero.tsx", "export const Hero = () => null")

	tk := testTask(t, "file_created")
	exec := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"site/hero.tsx"}}}

	results := r.Run(context.Background(), tk, exec)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !results[0].Passed {
		t.Fatalf("file_created failed: %s", results[0].Detail)
	}
}

func TestRun_FileCreatedFailsWhenMissing(t *testing.T) {
	r, _ := newTestRunner(t)
	tk := testTask(t, "file_created")
	exec := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"site/ghost.tsx"}}}

	results := r.Run(context.Background(), tk, exec)
	if results[0].Passed {
		t.Fatal("expected failure for missing file")
	}
	if results[0].Detail == "" {
		t.Fatal("failure must carry an explanatory detail")
	}
}

func TestRun_FileCreatedFailsOnEmptySummary(t *testing.T) {
	r, _ := newTestRunner(t)
	tk := testTask(t, "file_created")
	results := r.Run(context.Background(), tk, &task.Execution{})
	if results[0].Passed {
		t.Fatal("expected failure when nothing was created")
	}
}

func TestRun_PathEscapeRejected(t *testing.T) {
	r, _ := newTestRunner(t)
	tk := testTask(t, "file_created")
	exec := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"../../etc/passwd"}}}
	results := r.Run(context.Background(), tk, exec)
	if results[0].Passed {
		t.Fatal("expected workspace escape to fail the gate")
	}
}

func TestRun_UnknownGateReportsUnavailable(t *testing.T) {
	r, _ := newTestRunner(t)
	tk := testTask(t, "quantum_lint")
	results := r.Run(context.Background(), tk, &task.Execution{})
	if results[0].Passed {
		t.Fatal("unknown gate must not pass")
	}
	if results[0].Gate != "quantum_lint" {
		t.Fatalf("gate = %q", results[0].Gate)
	}
}

func TestRun_Idempotent(t *testing.T) {
	r, ws := newTestRunner(t)
	writeWorkspaceFile(t, ws, "site/about.md", "# About")

	tk := testTask(t, "file_created", "content_security")
	exec := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"site/about.md"}}}

	first := r.Run(context.Background(), tk, exec)
	second := r.Run(context.Background(), tk, exec)
	if task.AllPassed(first) != task.AllPassed(second) {
		t.Fatalf("verdict changed across runs: %v vs %v", first, second)
	}
	for i := range first {
		if first[i].Passed != second[i].Passed {
			t.Fatalf("gate %s verdict changed", first[i].Gate)
		}
	}
}

func TestRun_OrderMatchesRequest(t *testing.T) {
	r, _ := newTestRunner(t)
	tk := testTask(t, "style_consistent", "files_modified", "file_created")
	results := r.Run(context.Background(), tk, &task.Execution{})
	want := []string{"style_consistent", "files_modified", "file_created"}
	for i, name := range want {
		if results[i].Gate != name {
			t.Fatalf("results[%d].Gate = %q, want %q", i, results[i].Gate, name)
		}
	}
}

func TestGateContentSecurity(t *testing.T) {
	r, ws := newTestRunner(t)
	writeWorkspaceFile(t, ws, "ok.txt", "all clean here")
	writeWorkspaceFile(t, ws, "leaky.env", "api_key=sk_live_abcdef1234567890XYZ")

	tk := testTask(t, "content_security")

	clean := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"ok.txt"}}}
	if res := r.Run(context.Background(), tk, clean); !res[0].Passed {
		t.Fatalf("clean file flagged: %s", res[0].Detail)
	}

	leaky := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"leaky.env"}}}
	if res := r.Run(context.Background(), tk, leaky); res[0].Passed {
		t.Fatal("secret-bearing file passed security gate")
	}
}

func TestGateArtifactParses(t *testing.T) {
	r, ws := newTestRunner(t)
	writeWorkspaceFile(t, ws, "out/manifest.json", `{"task_id":"t-1","components":["Hero"]}`)
	writeWorkspaceFile(t, ws, "out/broken.json", `{"task_id":`)

	tk := testTask(t, "artifact_parses")

	good := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"out/manifest.json"}}}
	if res := r.Run(context.Background(), tk, good); !res[0].Passed {
		t.Fatalf("valid manifest failed: %s", res[0].Detail)
	}

	bad := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"out/broken.json"}}}
	if res := r.Run(context.Background(), tk, bad); res[0].Passed {
		t.Fatal("broken JSON passed artifact gate")
	}

	// Manifest missing required fields fails schema validation.
	writeWorkspaceFile(t, ws, "out2/manifest.json", `{"components":["Hero"]}`)
	incomplete := &task.Execution{Summary: task.Summary{CreatedFiles: []string{"out2/manifest.json"}}}
	if res := r.Run(context.Background(), tk, incomplete); res[0].Passed {
		t.Fatal("schema-invalid manifest passed artifact gate")
	}
}

func TestGateStyleConsistent(t *testing.T) {
	r, _ := newTestRunner(t)
	tk := testTask(t, "style_consistent")

	ok := &task.Execution{Summary: task.Summary{
		CreatedFiles:    []string{"site/pricing.tsx"},
		BuiltComponents: []string{"PricingTable"},
	}}
	if res := r.Run(context.Background(), tk, ok); !res[0].Passed {
		t.Fatalf("conventional names failed: %s", res[0].Detail)
	}

	bad := &task.Execution{Summary: task.Summary{
		CreatedFiles:    []string{"site/Pricing Final.tsx"},
		BuiltComponents: []string{"pricing table"},
	}}
	if res := r.Run(context.Background(), tk, bad); res[0].Passed {
		t.Fatal("unconventional names passed style gate")
	}
}
