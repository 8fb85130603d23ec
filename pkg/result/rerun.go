package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// RerunEntry is one line of the rerun log.
type RerunEntry struct {
	Target string `json:"target"`
	Status Status `json:"status"`
}

// RerunFilter selects targets from the rerun log.
type RerunFilter string

const (
	// RerunSuccess selects targets whose last result succeeded.
	RerunSuccess RerunFilter = "success"

	// RerunFailure selects targets whose last result failed.
	RerunFailure RerunFilter = "failure"

	// RerunAll selects every target from the last run.
	RerunAll RerunFilter = "all"
)

// Validate checks the filter value.
func (f RerunFilter) Validate() error {
	switch f {
	case RerunSuccess, RerunFailure, RerunAll:
		return nil
	default:
		return Validationf("invalid rerun filter %q: expected success, failure or all", string(f))
	}
}

// WriteRerun overwrites the rerun log at path with the outcome of rs.
func WriteRerun(path string, rs *ResultSet) error {
	entries := make([]RerunEntry, 0, rs.Count())
	for _, r := range rs.Results() {
		entries = append(entries, RerunEntry{Target: r.Target().Name(), Status: r.Status()})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rerun log: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return FileError(fmt.Sprintf("Could not create directory for rerun file %s", path), path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return FileError(fmt.Sprintf("Could not write rerun file %s", path), path, err)
	}
	return nil
}

// ReadRerun returns the target names in the rerun log at path matching filter,
// in log order.
func ReadRerun(path string, filter RerunFilter) ([]string, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, FileError(fmt.Sprintf("Could not read rerun file %s: the file does not exist", path), path, err)
		}
		return nil, FileError(fmt.Sprintf("Could not read rerun file %s", path), path, err)
	}

	var entries []RerunEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, FileError(fmt.Sprintf("Could not parse rerun file %s", path), path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if filter == RerunAll || string(e.Status) == string(filter) {
			names = append(names, e.Target)
		}
	}
	return names, nil
}
