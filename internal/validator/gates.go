package validator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sandrasocial/agent-bridge/internal/shared"
	"github.com/sandrasocial/agent-bridge/internal/task"
)

// manifestSchema describes the manifest.json the implementation step emits
// alongside its produced files.
const manifestSchema = `{
	"type": "object",
	"required": ["task_id", "components"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"components": {"type": "array", "items": {"type": "string"}},
		"created_files": {"type": "array", "items": {"type": "string"}},
		"modified_files": {"type": "array", "items": {"type": "string"}}
	}
}`

// resolve maps a summary-relative path into the workspace, rejecting escapes.
func (r *Runner) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	abs := filepath.Join(r.workspaceDir, filepath.Clean(rel))
	if abs != r.workspaceDir && !strings.HasPrefix(abs, r.workspaceDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return abs, nil
}

func gateFileCreated(_ context.Context, r *Runner, _ *task.Task, exec *task.Execution) task.ValidationResult {
	result := task.ValidationResult{Gate: "file_created"}
	if len(exec.Summary.CreatedFiles) == 0 {
		result.Detail = "implementation step reported no created files"
		return result
	}
	var missing []string
	for _, rel := range exec.Summary.CreatedFiles {
		abs, err := r.resolve(rel)
		if err != nil {
			result.Detail = err.Error()
			return result
		}
		if info, err := os.Stat(abs); err != nil || info.IsDir() {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		result.Detail = fmt.Sprintf("declared files not found in workspace: %s", strings.Join(missing, ", "))
		return result
	}
	result.Passed = true
	result.Detail = fmt.Sprintf("%d declared files present", len(exec.Summary.CreatedFiles))
	return result
}

func gateFilesModified(_ context.Context, r *Runner, _ *task.Task, exec *task.Execution) task.ValidationResult {
	result := task.ValidationResult{Gate: "files_modified"}
	if len(exec.Summary.ModifiedFiles) == 0 {
		result.Passed = true
		result.Detail = "no modified files declared"
		return result
	}
	var missing []string
	for _, rel := range exec.Summary.ModifiedFiles {
		abs, err := r.resolve(rel)
		if err != nil {
			result.Detail = err.Error()
			return result
		}
		if _, err := os.Stat(abs); err != nil {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		result.Detail = fmt.Sprintf("declared modified files not found: %s", strings.Join(missing, ", "))
		return result
	}
	result.Passed = true
	result.Detail = fmt.Sprintf("%d modified files present", len(exec.Summary.ModifiedFiles))
	return result
}

// gateArtifactParses checks that every produced .json artifact parses, and
// that manifest.json files additionally validate against the manifest schema.
func gateArtifactParses(_ context.Context, r *Runner, _ *task.Task, exec *task.Execution) task.ValidationResult {
	result := task.ValidationResult{Gate: "artifact_parses"}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
	if err != nil {
		result.Detail = fmt.Sprintf("gate unavailable: unmarshal manifest schema: %v", err)
		return result
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.schema.json", doc); err != nil {
		result.Detail = fmt.Sprintf("gate unavailable: add schema resource: %v", err)
		return result
	}
	schema, err := c.Compile("manifest.schema.json")
	if err != nil {
		result.Detail = fmt.Sprintf("gate unavailable: compile schema: %v", err)
		return result
	}

	checked := 0
	for _, rel := range exec.Summary.CreatedFiles {
		if !strings.HasSuffix(rel, ".json") {
			continue
		}
		abs, err := r.resolve(rel)
		if err != nil {
			result.Detail = err.Error()
			return result
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			result.Detail = fmt.Sprintf("read %s: %v", rel, err)
			return result
		}
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			result.Detail = fmt.Sprintf("artifact %s does not parse: %v", rel, err)
			return result
		}
		if filepath.Base(rel) == "manifest.json" {
			if err := schema.Validate(inst); err != nil {
				result.Detail = fmt.Sprintf("manifest %s fails schema: %v", rel, err)
				return result
			}
		}
		checked++
	}
	if checked == 0 {
		result.Detail = "no JSON artifacts produced to parse"
		return result
	}
	result.Passed = true
	result.Detail = fmt.Sprintf("%d JSON artifacts parsed", checked)
	return result
}

// gateContentSecurity scans produced files for secret-bearing content.
func gateContentSecurity(_ context.Context, r *Runner, _ *task.Task, exec *task.Execution) task.ValidationResult {
	result := task.ValidationResult{Gate: "content_security"}
	paths := append([]string{}, exec.Summary.CreatedFiles...)
	paths = append(paths, exec.Summary.ModifiedFiles...)

	var tainted []string
	for _, rel := range paths {
		abs, err := r.resolve(rel)
		if err != nil {
			result.Detail = err.Error()
			return result
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			// Missing file is file_created's problem; the security scan
			// cannot evaluate it and must say so.
			result.Detail = fmt.Sprintf("cannot scan %s: %v", rel, err)
			return result
		}
		if shared.ContainsSecret(string(data)) {
			tainted = append(tainted, rel)
		}
	}
	if len(tainted) > 0 {
		result.Detail = fmt.Sprintf("secret-bearing content in: %s", strings.Join(tainted, ", "))
		return result
	}
	result.Passed = true
	result.Detail = fmt.Sprintf("%d files scanned clean", len(paths))
	return result
}

// gateStyleConsistent applies the deployment's naming conventions:
// component names are UpperCamelCase, file paths are lowercase without spaces.
func gateStyleConsistent(_ context.Context, _ *Runner, _ *task.Task, exec *task.Execution) task.ValidationResult {
	result := task.ValidationResult{Gate: "style_consistent"}
	var violations []string
	for _, name := range exec.Summary.BuiltComponents {
		if name == "" || !unicode.IsUpper(rune(name[0])) || strings.ContainsAny(name, " \t") {
			violations = append(violations, fmt.Sprintf("component %q is not UpperCamelCase", name))
		}
	}
	for _, rel := range append(append([]string{}, exec.Summary.CreatedFiles...), exec.Summary.ModifiedFiles...) {
		base := filepath.Base(rel)
		if strings.ContainsAny(base, " \t") || base != strings.ToLower(base) {
			violations = append(violations, fmt.Sprintf("file %q is not lowercase", rel))
		}
	}
	if len(violations) > 0 {
		result.Detail = strings.Join(violations, "; ")
		return result
	}
	result.Passed = true
	result.Detail = "naming conventions hold"
	return result
}
