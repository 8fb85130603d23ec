package result

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind classifies a structured error. Kinds are stable strings surfaced in
// result output, rerun decisions and plan code.
type Kind string

const (
	// KindConnect indicates the transport could not establish a session.
	KindConnect Kind = "connect-error"

	// KindException indicates an unexpected error or panic while acting on a target.
	KindException Kind = "exception-error"

	// KindCommand indicates a command exited non-zero.
	KindCommand Kind = "command-error"

	// KindScript indicates a script exited non-zero.
	KindScript Kind = "script-error"

	// KindTask indicates a task failed without returning a structured error.
	KindTask Kind = "task-error"

	// KindInvalidTask indicates a task returned a malformed _error value.
	KindInvalidTask Kind = "invalid-task-error"

	// KindUpload indicates a file upload failed.
	KindUpload Kind = "upload-error"

	// KindDownload indicates a file download failed.
	KindDownload Kind = "download-error"

	// KindUnsupported indicates the transport does not implement the action.
	KindUnsupported Kind = "unsupported-error"

	// KindValidation indicates invalid input detected before any target was touched.
	KindValidation Kind = "validation-error"

	// KindPolicyDenied indicates the action was rejected by policy.
	KindPolicyDenied Kind = "policy-denied"

	// KindWaitTimeout indicates a target never became reachable.
	KindWaitTimeout Kind = "wait-timeout"

	// KindInfiniteWait indicates a wait that could never complete.
	KindInfiniteWait Kind = "infinite-wait"

	// KindFutureTimeout indicates a future did not finish before its deadline.
	KindFutureTimeout Kind = "future-timeout"

	// KindRunFailure indicates an action failed on one or more targets.
	KindRunFailure Kind = "run-failure"

	// KindParallelFailure indicates one or more parallel blocks failed.
	KindParallelFailure Kind = "parallel-failure"

	// KindFile indicates a local file could not be read or written.
	KindFile Kind = "file-error"
)

// Issue codes for programmatic handling.
const (
	IssueConnect       = "CONNECT_ERROR"
	IssueCommand       = "COMMAND_ERROR"
	IssueTask          = "TASK_ERROR"
	IssueException     = "EXCEPTION"
	IssueMissingResult = "MISSING_RESULT"
	IssueUnsupported   = "UNSUPPORTED"
	IssueValidation    = "VALIDATION_ERROR"
	IssueTimeout       = "TIMEOUT"
	IssueFile          = "FILE_ERROR"
	IssuePolicy        = "POLICY_DENIED"
)

// Error is a structured error carried by a Result or returned by the engine.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable message.
	Message string `json:"msg"`

	// IssueCode is an optional code for programmatic handling.
	IssueCode string `json:"issue_code,omitempty"`

	// Details contains kind-specific context such as exit codes.
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// NewError creates a structured error of the given kind.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, and by issue code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.IssueCode != "" && t.IssueCode != e.IssueCode {
		return false
	}
	// a policy denial is also a validation error
	if e.Kind == KindPolicyDenied && t.Kind == KindValidation {
		return true
	}
	return e.Kind == t.Kind
}

// clone copies e and its details. The cause is shared.
func (e *Error) clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// WithIssueCode sets the issue code.
func (e *Error) WithIssueCode(code string) *Error {
	e.IssueCode = code
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ToData returns the error in its serialized map form.
func (e *Error) ToData() map[string]any {
	data := map[string]any{
		"kind": string(e.Kind),
		"msg":  e.Error(),
	}
	if e.IssueCode != "" {
		data["issue_code"] = e.IssueCode
	}
	if len(e.Details) > 0 {
		details := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		data["details"] = details
	}
	return data
}

// Sentinels for errors.Is checks by kind.
var (
	ErrConnect         = &Error{Kind: KindConnect}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrPolicyDenied    = &Error{Kind: KindPolicyDenied}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrWaitTimeout     = &Error{Kind: KindWaitTimeout}
	ErrInfiniteWait    = &Error{Kind: KindInfiniteWait}
	ErrFutureTimeout   = &Error{Kind: KindFutureTimeout}
	ErrRunFailure      = &Error{Kind: KindRunFailure}
	ErrParallelFailure = &Error{Kind: KindParallelFailure}
	ErrFile            = &Error{Kind: KindFile}
)

// KindOf returns the kind of the first structured error in err's chain.
// Errors without a structured kind report KindException.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var rf *RunFailure
	if errors.As(err, &rf) {
		return KindRunFailure
	}
	return KindException
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return NewError(KindValidation, fmt.Sprintf(format, args...), nil).WithIssueCode(IssueValidation)
}

// FromException converts an arbitrary error into an exception-error. Structured
// errors are returned unchanged.
func FromException(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(KindException, err.Error(), err).
		WithIssueCode(IssueException).
		WithDetail("class", fmt.Sprintf("%T", err))
}

// FromPanic converts a recovered panic value into an exception-error carrying
// the goroutine stack.
func FromPanic(v any) *Error {
	var msg string
	class := fmt.Sprintf("%T", v)
	switch p := v.(type) {
	case error:
		msg = p.Error()
	default:
		msg = fmt.Sprint(p)
	}
	return NewError(KindException, msg, nil).
		WithIssueCode(IssueException).
		WithDetail("class", class).
		WithDetail("stack_trace", string(debug.Stack()))
}

// FileError creates a file-error naming the offending path.
func FileError(message, path string, err error) *Error {
	return NewError(KindFile, message, err).
		WithIssueCode(IssueFile).
		WithDetail("path", path)
}
