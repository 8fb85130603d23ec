package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/config"
)

// Load reads an inventory file (YAML, JSON or CUE) and builds an Inventory.
func Load(parser *config.Parser, path string, opts ...Option) (*Inventory, error) {
	var root Group
	if err := parser.DecodeFile(path, "inventory", &root); err != nil {
		return nil, fmt.Errorf("failed to load inventory %s: %w", path, err)
	}
	return New(&root, opts...)
}

// LoadOrEmpty loads path, returning an empty inventory when the file does not
// exist.
func LoadOrEmpty(parser *config.Parser, path string, opts ...Option) (*Inventory, error) {
	if path == "" {
		return Empty(opts...), nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Empty(opts...), nil
	}
	return Load(parser, path, opts...)
}

// Watcher reloads an inventory file whenever it changes on disk.
type Watcher struct {
	parser  *config.Parser
	path    string
	opts    []Option
	logger  zerolog.Logger
	delay   time.Duration
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *Inventory
}

// NewWatcher loads path and prepares to watch it.
func NewWatcher(parser *config.Parser, path string, logger zerolog.Logger, opts ...Option) (*Watcher, error) {
	inv, err := Load(parser, path, opts...)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		parser:  parser,
		path:    path,
		opts:    opts,
		logger:  logger.With().Str("component", "inventory-watcher").Logger(),
		delay:   500 * time.Millisecond,
		current: inv,
	}, nil
}

// Current returns the most recently loaded inventory.
func (w *Watcher) Current() *Inventory {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch starts watching until ctx is cancelled. onReload is called after
// every reload attempt with the new inventory or the load error; on error
// the previous inventory stays current.
func (w *Watcher) Watch(ctx context.Context, onReload func(*Inventory, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace files, so watch the directory and filter by name.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.watcher = watcher

	go w.processEvents(ctx, onReload)

	w.logger.Info().Str("path", w.path).Msg("Started watching inventory")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, onReload func(*Inventory, error)) {
	var reloadTimer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Inventory file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, func() {
				inv, err := w.reload()
				if onReload != nil {
					onReload(inv, err)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload() (*Inventory, error) {
	inv, err := Load(w.parser, w.path, w.opts...)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload inventory")
		return nil, err
	}

	w.mu.Lock()
	w.current = inv
	w.mu.Unlock()

	w.logger.Info().
		Int("groups", len(inv.GroupNames())).
		Msg("Inventory reloaded")
	return inv, nil
}
