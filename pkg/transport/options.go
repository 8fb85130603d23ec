package transport

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/skein/pkg/result"
)

// Defaults for WaitUntilAvailable.
const (
	DefaultWaitTime      = 120 * time.Second
	DefaultRetryInterval = time.Second
)

// Options are the per-action options accepted by the engine.
type Options struct {
	// RunAs runs the action as another user through sudo.
	RunAs string

	// Description labels the action in output and events.
	Description string

	// CatchErrors returns failures in the ResultSet instead of failing the call.
	CatchErrors bool

	// EnvVars are exported into the command or script environment.
	EnvVars map[string]string

	// Noop asks a task to report what it would do without doing it.
	Noop bool

	// WaitTime bounds WaitUntilAvailable.
	WaitTime time.Duration

	// RetryInterval is the delay between reachability checks.
	RetryInterval time.Duration
}

// Option keys accepted by each action.
var optionKeys = map[Action][]string{
	ActionCommand:  {"run_as", "description", "catch_errors", "env_vars"},
	ActionScript:   {"run_as", "description", "catch_errors", "env_vars"},
	ActionTask:     {"run_as", "description", "catch_errors", "noop"},
	ActionUpload:   {"run_as", "description", "catch_errors"},
	ActionDownload: {"run_as", "description", "catch_errors"},
	ActionWait:     {"description", "catch_errors", "wait_time", "retry_interval"},
}

// AllowedOptions returns the option keys accepted by action, sorted.
func AllowedOptions(action Action) []string {
	keys := append([]string(nil), optionKeys[action]...)
	sort.Strings(keys)
	return keys
}

// ParseOptions validates raw against the keys allowed for action and builds
// typed Options. Unknown keys and ill-typed values are validation errors.
func ParseOptions(action Action, raw map[string]any) (Options, error) {
	allowed, ok := optionKeys[action]
	if !ok {
		return Options{}, result.Validationf("unknown action %q", action)
	}

	var unknown []string
	for key := range raw {
		if !contains(allowed, key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Options{}, result.Validationf("invalid option(s) for %s: %s (allowed: %s)",
			action, strings.Join(unknown, ", "), strings.Join(AllowedOptions(action), ", "))
	}

	opts := Options{}
	var err error
	for key, value := range raw {
		switch key {
		case "run_as":
			opts.RunAs, err = asString(key, value)
		case "description":
			opts.Description, err = asString(key, value)
		case "catch_errors":
			opts.CatchErrors, err = asBool(key, value)
		case "noop":
			opts.Noop, err = asBool(key, value)
		case "env_vars":
			opts.EnvVars, err = asStringMap(key, value)
		case "wait_time":
			opts.WaitTime, err = asSeconds(key, value)
		case "retry_interval":
			opts.RetryInterval, err = asSeconds(key, value)
		}
		if err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

// WithWaitDefaults fills unset wait timings.
func (o Options) WithWaitDefaults() Options {
	if o.WaitTime <= 0 {
		o.WaitTime = DefaultWaitTime
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", result.Validationf("option %s must be a string, got %T", key, v)
	}
	return s, nil
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, result.Validationf("option %s must be a boolean, got %T", key, v)
	}
	return b, nil
}

func asStringMap(key string, v any) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	default:
		return nil, result.Validationf("option %s must be a map, got %T", key, v)
	}
}

func asSeconds(key string, v any) (time.Duration, error) {
	var secs float64
	switch n := v.(type) {
	case int:
		secs = float64(n)
	case int64:
		secs = float64(n)
	case float64:
		secs = n
	case time.Duration:
		return n, nil
	default:
		return 0, result.Validationf("option %s must be a number of seconds, got %T", key, v)
	}
	if secs < 0 {
		return 0, result.Validationf("option %s must not be negative", key)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
