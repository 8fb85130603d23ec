package config

import (
	"fmt"
	"strings"
)

// ValidationError is a single configuration problem with its source position.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line is the 1-based line number, if known.
	Line int `json:"line,omitempty"`

	// Column is the 1-based column number, if known.
	Column int `json:"column,omitempty"`

	// Path is the field path inside the document.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// String formats the error as file:line:column: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a document fails schema or struct validation.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	if len(errs) == 1 {
		return errs[0].String()
	}
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = "  " + e.String()
	}
	return fmt.Sprintf("%d validation errors:\n%s", len(errs), strings.Join(lines, "\n"))
}

// Project is the project-level configuration.
type Project struct {
	// Name is the project name.
	Name string `json:"name,omitempty"`

	// Concurrency bounds the number of targets acted on at once.
	Concurrency int `json:"concurrency" validate:"gte=1,lte=10000"`

	// InventoryFile is the inventory file path, relative to the project directory.
	InventoryFile string `json:"inventory-file,omitempty"`

	// RerunFile is where the last run's per-target outcome is written.
	RerunFile string `json:"rerun-file,omitempty"`

	// SaveRerun controls whether the rerun file is written after each run.
	SaveRerun bool `json:"save-rerun"`

	// JournalFile is the SQLite run journal path; empty disables the journal.
	JournalFile string `json:"journal-file,omitempty"`

	// PolicyPaths lists directories or files of Rego action policies.
	PolicyPaths []string `json:"policy-paths,omitempty"`

	// DisabledPolicies names built-in or project policies that are turned off.
	DisabledPolicies []string `json:"disabled-policies,omitempty"`

	// WatchPolicies reloads policy files while a command runs when they change.
	WatchPolicies bool `json:"watch-policies"`

	// TasksDir is where task executables and metadata are looked up.
	TasksDir string `json:"tasks-dir,omitempty"`

	// PlansDir is where Starlark plans are looked up.
	PlansDir string `json:"plans-dir,omitempty"`

	// Log configures logging.
	Log LogSettings `json:"log"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsSettings `json:"metrics"`

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingSettings `json:"tracing"`

	// Dir is the directory the project was loaded from.
	Dir string `json:"-"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" validate:"oneof=console json"`
	Output string `json:"output,omitempty"`
}

// MetricsSettings configures metrics exposition.
type MetricsSettings struct {
	// ListenAddress is the metrics HTTP address; empty disables the endpoint.
	ListenAddress string `json:"listen-address,omitempty" validate:"omitempty,hostname_port"`
}

// TracingSettings configures tracing.
type TracingSettings struct {
	Exporter     string  `json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `json:"endpoint,omitempty"`
	SamplingRate float64 `json:"sampling-rate" validate:"gte=0,lte=1"`
}
