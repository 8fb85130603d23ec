package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/skein/pkg/telemetry"
)

// ProjectFileNames are the project file names searched, in order.
var ProjectFileNames = []string{"skein.yaml", "skein.yml", "skein.cue", "skein.json"}

// DefaultProject returns the project configuration used when no project file
// exists. Defaults come from the project schema.
func DefaultProject(parser *Parser, dir string) (*Project, error) {
	var p Project
	if err := parser.Decode([]byte("{}"), FormatCUE, "defaults", "project", &p); err != nil {
		return nil, fmt.Errorf("failed to build default project: %w", err)
	}
	p.Dir = dir
	return &p, nil
}

// LoadProject loads the first project file found in dir, falling back to
// defaults when there is none.
func LoadProject(parser *Parser, dir string) (*Project, error) {
	for _, name := range ProjectFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		return LoadProjectFile(parser, path)
	}
	return DefaultProject(parser, dir)
}

// LoadProjectFile loads a specific project file.
func LoadProjectFile(parser *Parser, path string) (*Project, error) {
	var p Project
	if err := parser.DecodeFile(path, "project", &p); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}
	p.Dir = filepath.Dir(path)
	return &p, nil
}

// Validate checks p against the project schema and its field rules. Loading
// already does this; call it again after changing fields, such as applying
// command-line overrides.
func (p *Project) Validate(parser *Parser) error {
	if err := parser.Schemas().ValidateAgainstSchema("project", p); err != nil {
		return fmt.Errorf("invalid project settings: %w", err)
	}
	if err := parser.ValidateStruct("", p); err != nil {
		return fmt.Errorf("invalid project settings: %w", err)
	}
	return nil
}

// Path resolves a project-relative path.
func (p *Project) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Dir, rel)
}

// TelemetryConfig maps the project settings onto the telemetry configuration.
func (p *Project) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = p.Log.Level
	cfg.Logging.Format = p.Log.Format
	if p.Log.Output != "" {
		cfg.Logging.Output = p.Log.Output
	}

	cfg.Metrics.Enabled = p.Metrics.ListenAddress != ""
	if cfg.Metrics.Enabled {
		cfg.Metrics.ListenAddress = p.Metrics.ListenAddress
	}

	cfg.Tracing.Enabled = p.Tracing.Exporter != "none"
	cfg.Tracing.Exporter = p.Tracing.Exporter
	cfg.Tracing.Endpoint = p.Tracing.Endpoint
	cfg.Tracing.SamplingRate = p.Tracing.SamplingRate
	return cfg
}
