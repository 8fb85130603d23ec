package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"inventory.yaml", FormatYAML, false},
		{"inventory.YML", FormatYAML, false},
		{"inventory.json", FormatJSON, false},
		{"inventory.cue", FormatCUE, false},
		{"inventory.toml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFromPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FormatFromPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FormatFromPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParser_DecodeFormats(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name    string
		format  Format
		content string
	}{
		{"yaml", FormatYAML, "name: web\ncount: 3\n"},
		{"json", FormatJSON, `{"name": "web", "count": 3}`},
		{"cue", FormatCUE, "name: \"web\"\ncount: 1 + 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out sample
			if err := parser.Decode([]byte(tt.content), tt.format, "test."+string(tt.format), "", &out); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if out.Name != "web" || out.Count != 3 {
				t.Errorf("Decode() = %+v, want {web 3}", out)
			}
		})
	}
}

func TestParser_StructValidation(t *testing.T) {
	parser := NewParser()

	var out sample
	err := parser.Decode([]byte("count: 1\n"), FormatYAML, "bad.yaml", "", &out)
	if err == nil {
		t.Fatal("expected validation error for missing name")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if !strings.Contains(verrs[0].Path, "Name") {
		t.Errorf("expected error on Name, got %q", verrs[0].Path)
	}
	if verrs[0].File != "bad.yaml" {
		t.Errorf("expected file bad.yaml, got %q", verrs[0].File)
	}
}

func TestParser_CUEErrorsCarryPositions(t *testing.T) {
	parser := NewParser()

	var out sample
	err := parser.Decode([]byte("name: \"a\"\nname: \"b\"\n"), FormatCUE, "conflict.cue", "", &out)
	if err == nil {
		t.Fatal("expected conflict error")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if verrs[0].File != "conflict.cue" || verrs[0].Line == 0 {
		t.Errorf("expected position in conflict.cue, got %+v", verrs[0])
	}
}

func TestParser_InvalidJSON(t *testing.T) {
	parser := NewParser()

	var out sample
	if err := parser.Decode([]byte("{name: web"), FormatJSON, "x.json", "", &out); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParser_DecodeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.yaml")
	if err := os.WriteFile(path, []byte("name: db\ncount: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	parser := NewParser()
	var out sample
	if err := parser.DecodeFile(path, "", &out); err != nil {
		t.Fatalf("DecodeFile() error = %v", err)
	}
	if out.Name != "db" {
		t.Errorf("expected name db, got %q", out.Name)
	}

	if err := parser.DecodeFile(filepath.Join(dir, "missing.yaml"), "", &out); err == nil {
		t.Error("expected error for missing file")
	}
}
