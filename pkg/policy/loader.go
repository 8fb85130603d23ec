package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// decoders turn file contents into a policy, keyed by file extension.
var decoders = map[string]func(path string, data []byte) (*Policy, error){
	".rego": decodeRego,
	".json": decodeJSON,
}

func isPolicyFile(path string) bool {
	_, ok := decoders[filepath.Ext(path)]
	return ok
}

// Loader reads policies from .rego and .json files and watches them for
// changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader returns a loader that logs as the policy-loader component.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy named by paths. A path is a policy file
// or a directory searched recursively. Explicitly named files must load;
// broken files found while searching a directory are skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var loaded []Policy
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		files, explicit, err := scan(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		for _, file := range files {
			p, err := l.loadFromFile(file)
			switch {
			case err == nil:
				loaded = append(loaded, *p)
			case explicit:
				return nil, err
			default:
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping unreadable policy file")
			}
		}
	}

	l.logger.Debug().Int("policies", len(loaded)).Strs("paths", paths).Msg("Policies loaded")
	return loaded, nil
}

// scan lists the policy files under root. explicit reports whether root
// itself is a file.
func scan(root string) (files []string, explicit bool, err error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, false, err
	}
	if !info.IsDir() {
		return []string{root}, true, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, false, err
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	decode, ok := decoders[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("%s: not a .rego or .json policy", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path

	l.logger.Trace().Str("path", path).Str("policy", p.Name).Msg("Policy file read")
	return p, nil
}

// decodeRego names the policy after its file. The leading comment block
// is the description; a "# severity: <level>" line in it overrides the
// warning default.
func decodeRego(path string, data []byte) (*Policy, error) {
	description, severity := extractHeader(string(data))
	if severity == "" {
		severity = SeverityWarning
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}, nil
}

func decodeJSON(_ string, data []byte) (*Policy, error) {
	p := &Policy{Enabled: true, Severity: SeverityWarning}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, errors.New("JSON policy has no name")
	}
	return p, nil
}

// extractHeader collects the first run of comment lines in a Rego source.
func extractHeader(content string) (string, Severity) {
	var (
		words    []string
		severity Severity
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}

		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
		} else if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

// Watch reloads paths after every change to a policy file and hands the
// result to reloadFn. A failed reload keeps whatever reloadFn applied last.
// Watch returns once the watcher runs; it stops when ctx is done or
// StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, dir := range watchDirs(paths) {
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn().Err(err).Str("dir", dir).Msg("Cannot watch policy directory")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher, paths, reloadFn)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// watchDirs returns every directory to register. Single files are watched
// through their parent, since editors replace files on save.
func watchDirs(paths []string) []string {
	var dirs []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			dirs = append(dirs, filepath.Dir(root))
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				dirs = append(dirs, path)
			}
			return nil
		})
	}
	return dirs
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	for {
		select {
		case <-ctx.Done():
			_ = l.StopWatching()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Stringer("op", event.Op).Msg("Policy file changed")
			debounce.Reset(reloadDelay)

		case <-debounce.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
