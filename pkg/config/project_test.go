package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultProject(t *testing.T) {
	p, err := DefaultProject(NewParser(), "/srv/ops")
	if err != nil {
		t.Fatalf("DefaultProject() error = %v", err)
	}

	if p.Concurrency != 100 {
		t.Errorf("expected default concurrency 100, got %d", p.Concurrency)
	}
	if p.InventoryFile != "inventory.yaml" {
		t.Errorf("expected default inventory file, got %q", p.InventoryFile)
	}
	if !p.SaveRerun {
		t.Error("expected save-rerun to default to true")
	}
	if p.Log.Level != "info" || p.Log.Format != "console" {
		t.Errorf("unexpected log defaults: %+v", p.Log)
	}
	if p.Tracing.Exporter != "none" || p.Tracing.SamplingRate != 1.0 {
		t.Errorf("unexpected tracing defaults: %+v", p.Tracing)
	}
	if got := p.Path("inventory.yaml"); got != filepath.Join("/srv/ops", "inventory.yaml") {
		t.Errorf("Path() = %q", got)
	}
	if got := p.Path("/etc/inv.yaml"); got != "/etc/inv.yaml" {
		t.Errorf("Path() should keep absolute paths, got %q", got)
	}
}

func TestLoadProject(t *testing.T) {
	parser := NewParser()

	t.Run("no project file", func(t *testing.T) {
		p, err := LoadProject(parser, t.TempDir())
		if err != nil {
			t.Fatalf("LoadProject() error = %v", err)
		}
		if p.Concurrency != 100 {
			t.Errorf("expected defaults, got concurrency %d", p.Concurrency)
		}
	})

	t.Run("yaml project", func(t *testing.T) {
		dir := t.TempDir()
		content := "name: ops\nconcurrency: 5\nlog:\n  level: debug\nmetrics:\n  listen-address: \":9100\"\n"
		if err := os.WriteFile(filepath.Join(dir, "skein.yaml"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		p, err := LoadProject(parser, dir)
		if err != nil {
			t.Fatalf("LoadProject() error = %v", err)
		}
		if p.Name != "ops" || p.Concurrency != 5 {
			t.Errorf("unexpected project: %+v", p)
		}
		if p.Log.Level != "debug" || p.Log.Format != "console" {
			t.Errorf("unexpected log settings: %+v", p.Log)
		}
		if p.Dir != dir {
			t.Errorf("expected Dir %q, got %q", dir, p.Dir)
		}

		tc := p.TelemetryConfig("1.0.0")
		if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9100" {
			t.Errorf("metrics not mapped: %+v", tc.Metrics)
		}
		if tc.Tracing.Enabled {
			t.Error("tracing should be disabled with exporter none")
		}
	})

	t.Run("cue project", func(t *testing.T) {
		dir := t.TempDir()
		content := "concurrency: 10 * 2\ntracing: exporter: \"stdout\"\n"
		if err := os.WriteFile(filepath.Join(dir, "skein.cue"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		p, err := LoadProject(parser, dir)
		if err != nil {
			t.Fatalf("LoadProject() error = %v", err)
		}
		if p.Concurrency != 20 || p.Tracing.Exporter != "stdout" {
			t.Errorf("unexpected project: %+v", p)
		}
	})

	t.Run("invalid concurrency", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "skein.yaml"), []byte("concurrency: 0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadProject(parser, dir); err == nil {
			t.Error("expected error for concurrency 0")
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "skein.yaml"), []byte("concurency: 5\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadProject(parser, dir); err == nil {
			t.Error("expected error for misspelled field")
		}
	})
}

func TestProjectValidate_Overrides(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name    string
		mutate  func(p *Project)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Project) {}},
		{name: "concurrency raised", mutate: func(p *Project) { p.Concurrency = 500 }},
		{name: "disabled policies", mutate: func(p *Project) { p.DisabledPolicies = []string{"root-execution"} }},
		{name: "zero concurrency", mutate: func(p *Project) { p.Concurrency = 0 }, wantErr: true},
		{name: "concurrency too high", mutate: func(p *Project) { p.Concurrency = 20000 }, wantErr: true},
		{name: "unknown log level", mutate: func(p *Project) { p.Log.Level = "verbose" }, wantErr: true},
		{name: "sampling rate", mutate: func(p *Project) { p.Tracing.SamplingRate = 2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DefaultProject(parser, t.TempDir())
			if err != nil {
				t.Fatalf("DefaultProject() error = %v", err)
			}
			tt.mutate(p)

			err = p.Validate(parser)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
