package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/skein/pkg/result"
)

// InputMethod controls how a task receives its parameters.
type InputMethod string

const (
	InputStdin       InputMethod = "stdin"
	InputEnvironment InputMethod = "environment"
	InputBoth        InputMethod = "both"
)

// Task is a named executable plus metadata describing its parameters.
type Task struct {
	// Name is the task name, e.g. "package" or "nginx::reload".
	Name string `validate:"required"`

	// Executable is the local path of the file copied to targets.
	Executable string `validate:"required"`

	// Metadata describes the task's parameters and behavior.
	Metadata TaskMetadata
}

// TaskMetadata is read from the task's JSON metadata file.
type TaskMetadata struct {
	Description  string               `json:"description,omitempty"`
	InputMethod  InputMethod          `json:"input_method,omitempty" validate:"omitempty,oneof=stdin environment both"`
	SupportsNoop bool                 `json:"supports_noop,omitempty"`
	Parameters   map[string]Parameter `json:"parameters,omitempty" validate:"dive"`
}

// Parameter describes one task parameter.
type Parameter struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Sensitive   bool   `json:"sensitive,omitempty"`
}

// Optional reports whether the parameter may be omitted.
func (p Parameter) Optional() bool {
	return p.Type == "" || strings.HasPrefix(p.Type, "Optional[")
}

var taskValidator = validator.New()

// LoadTask finds the task name in dir. "mod::task" maps to dir/mod/task.*;
// a bare name maps to dir/name.*. Metadata is read from the sibling .json
// file when present.
func LoadTask(dir, name string) (*Task, error) {
	rel := strings.ReplaceAll(name, "::", string(filepath.Separator))
	base := filepath.Join(dir, rel)

	matches, err := filepath.Glob(base + ".*")
	if err != nil {
		return nil, fmt.Errorf("failed to look up task %s: %w", name, err)
	}

	task := &Task{Name: name}
	for _, m := range matches {
		if filepath.Ext(m) == ".json" {
			continue
		}
		task.Executable = m
		break
	}
	if task.Executable == "" {
		if info, err := os.Stat(base); err == nil && !info.IsDir() {
			task.Executable = base
		}
	}
	if task.Executable == "" {
		return nil, result.Validationf("Could not find task '%s' in %s", name, dir)
	}

	metaPath := base + ".json"
	data, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &task.Metadata); err != nil {
			return nil, result.Validationf("invalid metadata for task %s: %v", name, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read task metadata %s: %w", metaPath, err)
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// Validate checks the task definition.
func (t *Task) Validate() error {
	if err := taskValidator.Struct(t); err != nil {
		return result.Validationf("invalid task %s: %v", t.Name, err)
	}
	return nil
}

// InputMethod returns the configured input method, defaulting to both.
func (t *Task) InputMethod() InputMethod {
	if t.Metadata.InputMethod == "" {
		return InputBoth
	}
	return t.Metadata.InputMethod
}

// ValidateParams checks params against the metadata. Tasks without declared
// parameters accept anything.
func (t *Task) ValidateParams(params map[string]any) error {
	if len(t.Metadata.Parameters) == 0 {
		return nil
	}

	var unknown []string
	for name := range params {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := t.Metadata.Parameters[name]; !ok {
			unknown = append(unknown, name)
		}
	}

	var missing []string
	for name, p := range t.Metadata.Parameters {
		if _, ok := params[name]; !ok && !p.Optional() {
			missing = append(missing, name)
		}
	}

	if len(unknown) == 0 && len(missing) == 0 {
		return nil
	}
	sort.Strings(unknown)
	sort.Strings(missing)

	var parts []string
	if len(unknown) > 0 {
		parts = append(parts, "unknown parameter(s) "+strings.Join(unknown, ", "))
	}
	if len(missing) > 0 {
		parts = append(parts, "missing required parameter(s) "+strings.Join(missing, ", "))
	}
	return result.Validationf("Task %s: %s", t.Name, strings.Join(parts, "; "))
}

// PrepareParams validates params and applies options such as noop.
func (t *Task) PrepareParams(params map[string]any, opts Options) (map[string]any, error) {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if opts.Noop {
		if !t.Metadata.SupportsNoop {
			return nil, result.Validationf("Task %s does not support noop", t.Name)
		}
		out["_noop"] = true
	}
	if err := t.ValidateParams(out); err != nil {
		return nil, err
	}
	return out, nil
}

// StdinJSON encodes params for tasks reading stdin.
func StdinJSON(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(params)
}

// ParamEnv returns the PT_-prefixed environment for tasks reading the
// environment. Non-string values are JSON encoded.
func ParamEnv(params map[string]any) (map[string]string, error) {
	env := make(map[string]string, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			env["PT_"+k] = s
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parameter %s: %w", k, err)
		}
		env["PT_"+k] = string(encoded)
	}
	return env, nil
}
