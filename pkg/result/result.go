// Package result models the outcome of dispatching one action to targets: a
// Result per target, the ordered ResultSet for the whole action, the structured
// error taxonomy and the rerun log.
package result

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/skein/pkg/inventory"
)

// Status is the coarse outcome of a Result.
type Status string

const (
	// StatusSuccess indicates the action succeeded on the target.
	StatusSuccess Status = "success"

	// StatusFailure indicates the action failed on the target.
	StatusFailure Status = "failure"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusSuccess, StatusFailure:
		return nil
	default:
		return fmt.Errorf("invalid result status: %s", s)
	}
}

// Result is the immutable outcome of one action on one target. A Result is OK
// exactly when it carries no error.
type Result struct {
	target *inventory.Target
	value  map[string]any
	action string
	object string
	err    *Error
}

// New creates a Result. A nil value is normalized to an empty map. The Result
// keeps its own copy of err.
func New(target *inventory.Target, value map[string]any, action, object string, err *Error) *Result {
	if value == nil {
		value = map[string]any{}
	}
	return &Result{
		target: target,
		value:  value,
		action: action,
		object: object,
		err:    err.clone(),
	}
}

// ForCommand builds the Result of a command or script execution. A non-zero
// exit code becomes a command-error (or script-error for scripts).
func ForCommand(target *inventory.Target, stdout, stderr string, exitCode int, action, object string) *Result {
	value := map[string]any{
		"stdout":        stdout,
		"stderr":        stderr,
		"merged_output": mergeOutput(stdout, stderr),
		"exit_code":     exitCode,
	}

	var err *Error
	if exitCode != 0 {
		kind := KindCommand
		if action == "script" {
			kind = KindScript
		}
		err = NewError(kind, fmt.Sprintf("The %s failed with exit code %d", action, exitCode), nil).
			WithIssueCode(IssueCommand).
			WithDetail("exit_code", exitCode)
	}

	return New(target, value, action, object, err)
}

// ForTask builds the Result of a task execution. Output that parses as a JSON
// object becomes the value; anything else is wrapped as {"_output": stdout}.
// A structured _error in the output, or a non-zero exit code, fails the Result.
func ForTask(target *inventory.Target, stdout, stderr string, exitCode int, task string) *Result {
	value := parseTaskOutput(stdout)

	var err *Error
	if raw, ok := value["_error"]; ok {
		delete(value, "_error")
		err = taskError(raw, task)
	} else if exitCode != 0 {
		err = unstructuredTaskError(stdout, stderr, exitCode)
	}

	return New(target, value, "task", task, err)
}

// ForUpload builds the Result of a successful upload.
func ForUpload(target *inventory.Target, source, destination string) *Result {
	value := map[string]any{
		"_output": fmt.Sprintf("Uploaded '%s' to '%s:%s'", source, target.Host(), destination),
	}
	return New(target, value, "upload", source, nil)
}

// ForDownload builds the Result of a successful download. path is the local
// file the content was written to.
func ForDownload(target *inventory.Target, source, destination, path string) *Result {
	value := map[string]any{
		"_output": fmt.Sprintf("Downloaded '%s:%s' to '%s'", target.Host(), source, destination),
		"path":    path,
	}
	return New(target, value, "download", source, nil)
}

// FromError builds a failed Result from any error.
func FromError(target *inventory.Target, err error, action, object string) *Result {
	return New(target, nil, action, object, FromException(err))
}

// Target returns the target this Result belongs to.
func (r *Result) Target() *inventory.Target { return r.target }

// Value returns a copy of the structured value.
func (r *Result) Value() map[string]any {
	out := make(map[string]any, len(r.value))
	for k, v := range r.value {
		out[k] = v
	}
	return out
}

// Get returns a single value field.
func (r *Result) Get(key string) (any, bool) {
	v, ok := r.value[key]
	return v, ok
}

// Action returns the action name (command, script, task, upload, download, wait).
func (r *Result) Action() string { return r.action }

// Object returns the thing acted on: the command, script path, task name or file.
func (r *Result) Object() string { return r.object }

// Err returns a copy of the structured error, or nil for a successful Result.
func (r *Result) Err() *Error { return r.err.clone() }

// OK reports whether the action succeeded on the target.
func (r *Result) OK() bool { return r.err == nil }

// Status returns success or failure.
func (r *Result) Status() Status {
	if r.OK() {
		return StatusSuccess
	}
	return StatusFailure
}

// Message returns the _output field, if any.
func (r *Result) Message() string {
	if s, ok := r.value["_output"].(string); ok {
		return s
	}
	return ""
}

// ToData returns the serialized map form of the Result.
func (r *Result) ToData() map[string]any {
	value := r.Value()
	if r.err != nil {
		value["_error"] = r.err.ToData()
	}
	return map[string]any{
		"target": r.target.Name(),
		"action": r.action,
		"object": r.object,
		"status": string(r.Status()),
		"value":  value,
	}
}

// MarshalJSON implements json.Marshaler.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToData())
}

// String returns a one-line summary.
func (r *Result) String() string {
	if r.err != nil {
		return fmt.Sprintf("%s: %s (%s)", r.target.Name(), r.err.Error(), r.err.Kind)
	}
	return fmt.Sprintf("%s: %s", r.target.Name(), r.Status())
}

func mergeOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	case strings.HasSuffix(stdout, "\n"):
		return stdout + stderr
	default:
		return stdout + "\n" + stderr
	}
}

func parseTaskOutput(stdout string) map[string]any {
	var obj map[string]any
	trimmed := strings.TrimSpace(stdout)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
			return obj
		}
	}
	return map[string]any{"_output": stdout}
}

func taskError(raw any, task string) *Error {
	obj, ok := raw.(map[string]any)
	msg, hasMsg := obj["msg"].(string)
	if !ok || !hasMsg {
		encoded, _ := json.Marshal(raw)
		return NewError(KindInvalidTask,
			fmt.Sprintf("Invalid error returned from task %s: %s. Error must be an object with a msg key.", task, encoded), nil).
			WithIssueCode(IssueTask).
			WithDetail("original_error", raw)
	}

	kind := KindTask
	if k, ok := obj["kind"].(string); ok && k != "" {
		kind = Kind(k)
	}
	e := NewError(kind, msg, nil)
	if code, ok := obj["issue_code"].(string); ok {
		e.IssueCode = code
	}
	if details, ok := obj["details"].(map[string]any); ok {
		e.Details = details
	}
	return e
}

func unstructuredTaskError(stdout, stderr string, exitCode int) *Error {
	var msg string
	switch {
	case stdout == "" && stderr == "":
		msg = fmt.Sprintf("The task failed with exit code %d and no output", exitCode)
	case stdout == "":
		msg = fmt.Sprintf("The task failed with exit code %d and no stdout, but stderr contained:\n%s", exitCode, stderr)
	default:
		msg = fmt.Sprintf("The task failed with exit code %d:\n%s", exitCode, stdout)
	}
	return NewError(KindTask, msg, nil).
		WithIssueCode(IssueTask).
		WithDetail("exit_code", exitCode)
}
