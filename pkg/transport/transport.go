// Package transport defines the contract between the engine and the wire
// transports that reach targets, plus the scheme-keyed registry used to pick
// a transport for each target.
package transport

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
)

// ErrNotImplemented is returned by transports for actions they do not support.
var ErrNotImplemented = errors.New("not implemented by transport")

// Action names the kind of work dispatched to targets.
type Action string

const (
	ActionCommand  Action = "command"
	ActionScript   Action = "script"
	ActionTask     Action = "task"
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionWait     Action = "wait"
)

// Transport connects to targets of one scheme.
type Transport interface {
	// Name returns the scheme this transport serves, e.g. "ssh".
	Name() string

	// Connect opens a session to target. Failures are connect errors.
	Connect(ctx context.Context, target *inventory.Target) (Conn, error)

	// Connected reports whether target is reachable right now.
	Connected(ctx context.Context, target *inventory.Target) bool
}

// Conn is one live session to a single target. Every method returns a Result
// for the target or an error, within ctx's deadline.
type Conn interface {
	RunCommand(ctx context.Context, command string, opts Options) (*result.Result, error)
	RunScript(ctx context.Context, script string, args []string, opts Options) (*result.Result, error)
	RunTask(ctx context.Context, task *Task, params map[string]any, opts Options) (*result.Result, error)
	Upload(ctx context.Context, source, destination string, opts Options) (*result.Result, error)
	Download(ctx context.Context, source, destination string, opts Options) (*result.Result, error)
	Close() error
}

// EventKind identifies a per-target progress event raised during a batch.
type EventKind string

const (
	EventNodeStart  EventKind = "node_start"
	EventNodeResult EventKind = "node_result"
)

// Callback receives per-target progress from a batch. r is nil for
// EventNodeStart.
type Callback func(kind EventKind, target *inventory.Target, r *result.Result)

// Batcher is implemented by transports that act on several targets with one
// multiplexed call.
type Batcher interface {
	// Batches splits targets into groups acted on together.
	Batches(targets []*inventory.Target) [][]*inventory.Target

	// BatchExecute runs req against every target in batch and returns one
	// Result per target it completed.
	BatchExecute(ctx context.Context, batch []*inventory.Target, req Request, cb Callback) ([]*result.Result, error)

	// BatchConnected reports reachability for each target in batch, in order.
	BatchConnected(ctx context.Context, batch []*inventory.Target) []bool
}

// Request describes one action for dispatch.
type Request struct {
	Action      Action
	Command     string
	Script      string
	Arguments   []string
	Task        *Task
	Params      map[string]any
	Source      string
	Destination string
	Options     Options

	// TargetParams overrides Params per target name.
	TargetParams map[string]map[string]any
}

// Object returns what the action acts on, for Results and messages.
func (r Request) Object() string {
	switch r.Action {
	case ActionCommand:
		return r.Command
	case ActionScript:
		return r.Script
	case ActionTask:
		if r.Task != nil {
			return r.Task.Name
		}
	case ActionUpload, ActionDownload:
		return r.Source
	}
	return ""
}

// ParamsFor returns the task parameters for target.
func (r Request) ParamsFor(target *inventory.Target) map[string]any {
	if p, ok := r.TargetParams[target.Name()]; ok {
		return p
	}
	return r.Params
}

// Execute runs req against one target over conn.
func Execute(ctx context.Context, conn Conn, target *inventory.Target, req Request) (*result.Result, error) {
	switch req.Action {
	case ActionCommand:
		return conn.RunCommand(ctx, req.Command, req.Options)
	case ActionScript:
		return conn.RunScript(ctx, req.Script, req.Arguments, req.Options)
	case ActionTask:
		return conn.RunTask(ctx, req.Task, req.ParamsFor(target), req.Options)
	case ActionUpload:
		return conn.Upload(ctx, req.Source, req.Destination, req.Options)
	case ActionDownload:
		return conn.Download(ctx, req.Source, req.Destination, req.Options)
	default:
		return nil, fmt.Errorf("action %q cannot be executed on a connection", req.Action)
	}
}

// DownloadPath returns the local path a download of source from target is
// written to: destination/<target>/<basename of source>. The target name is
// made safe for use as a single path element.
func DownloadPath(destination string, target *inventory.Target, source string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(target.Name())
	return filepath.Join(destination, safe, path.Base(filepath.ToSlash(source)))
}

// UnimplementedConn can be embedded by Conn implementations that support
// only some actions.
type UnimplementedConn struct{}

func (UnimplementedConn) RunCommand(context.Context, string, Options) (*result.Result, error) {
	return nil, ErrNotImplemented
}

func (UnimplementedConn) RunScript(context.Context, string, []string, Options) (*result.Result, error) {
	return nil, ErrNotImplemented
}

func (UnimplementedConn) RunTask(context.Context, *Task, map[string]any, Options) (*result.Result, error) {
	return nil, ErrNotImplemented
}

func (UnimplementedConn) Upload(context.Context, string, string, Options) (*result.Result, error) {
	return nil, ErrNotImplemented
}

func (UnimplementedConn) Download(context.Context, string, string, Options) (*result.Result, error) {
	return nil, ErrNotImplemented
}

func (UnimplementedConn) Close() error { return nil }
