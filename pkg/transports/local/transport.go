// Package local implements the local transport, which runs actions on the
// controller host itself through the system shell.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// Shell is the shell commands are run with.
const Shell = "/bin/sh"

// Transport runs actions on the local host.
type Transport struct {
	logger zerolog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for execution events.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates the local transport.
func New(opts ...Option) *Transport {
	t := &Transport{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("transport", inventory.TransportLocal).Logger()
	return t
}

// Name returns the scheme served by this transport.
func (t *Transport) Name() string {
	return inventory.TransportLocal
}

// Connect returns a Conn for target. The local host is always reachable.
func (t *Transport) Connect(_ context.Context, target *inventory.Target) (transport.Conn, error) {
	section := target.Config().Section(inventory.TransportLocal)

	login := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		login = u.Username
	}

	return &conn{
		target:       target,
		login:        login,
		runAs:        inventory.Value(section.RunAs, ""),
		sudoPassword: inventory.Value(section.SudoPassword, ""),
		tmpDir:       inventory.Value(section.TmpDir, os.TempDir()),
		interpreters: section.Interpreters,
		logger:       t.logger.With().Str("target", target.Name()).Logger(),
	}, nil
}

// Connected always reports true.
func (t *Transport) Connected(context.Context, *inventory.Target) bool {
	return true
}

type conn struct {
	target       *inventory.Target
	login        string
	runAs        string
	sudoPassword string
	tmpDir       string
	interpreters map[string]string
	logger       zerolog.Logger
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) effectiveRunAs(opts transport.Options) string {
	if opts.RunAs != "" {
		return opts.RunAs
	}
	return c.runAs
}

func (c *conn) escalates(opts transport.Options) bool {
	runAs := c.effectiveRunAs(opts)
	return runAs != "" && runAs != c.login
}

// run executes command through the shell and returns its output and exit
// code. Only failures to start the shell are errors.
func (c *conn) run(ctx context.Context, command string, env map[string]string, stdin []byte, opts transport.Options) (string, string, int, error) {
	sc := transport.BuildCommand(transport.CommandSpec{
		Command:      command,
		Env:          env,
		RunAs:        c.effectiveRunAs(opts),
		LoginUser:    c.login,
		SudoPassword: c.sudoPassword,
		Stdin:        stdin,
	})

	start := time.Now()
	cmd := exec.CommandContext(ctx, Shell, "-c", sc.Line)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if sc.Stdin != nil {
		cmd.Stdin = bytes.NewReader(sc.Stdin)
	}

	err := cmd.Run()

	c.logger.Debug().
		Int("stdout_len", stdout.Len()).
		Int("stderr_len", stderr.Len()).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("command completed")

	errOut := strings.ReplaceAll(stderr.String(), transport.SudoPrompt, "")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.String(), errOut, -1, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), errOut, exitErr.ExitCode(), nil
		}
		return stdout.String(), errOut, -1, fmt.Errorf("failed to execute command: %w", err)
	}
	return stdout.String(), errOut, 0, nil
}

// RunCommand runs command in the local shell.
func (c *conn) RunCommand(ctx context.Context, command string, opts transport.Options) (*result.Result, error) {
	stdout, stderr, code, err := c.run(ctx, command, opts.EnvVars, nil, opts)
	if err != nil {
		return nil, err
	}
	return result.ForCommand(c.target, stdout, stderr, code, string(transport.ActionCommand), command), nil
}

// RunScript copies script into a private directory and runs it with args.
func (c *conn) RunScript(ctx context.Context, script string, args []string, opts transport.Options) (*result.Result, error) {
	staged, cleanup, err := c.stage(ctx, script, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	line := c.invocation(staged)
	if len(args) > 0 {
		line += " " + transport.ShellJoin(args...)
	}
	stdout, stderr, code, err := c.run(ctx, line, opts.EnvVars, nil, opts)
	if err != nil {
		return nil, err
	}
	return result.ForCommand(c.target, stdout, stderr, code, string(transport.ActionScript), script), nil
}

// RunTask runs the task executable with params delivered according to its
// input method.
func (c *conn) RunTask(ctx context.Context, task *transport.Task, params map[string]any, opts transport.Options) (*result.Result, error) {
	var env map[string]string
	var stdin []byte
	var err error

	method := task.InputMethod()
	if method == transport.InputEnvironment || method == transport.InputBoth {
		if env, err = transport.ParamEnv(params); err != nil {
			return nil, err
		}
	}
	if method == transport.InputStdin || method == transport.InputBoth {
		if stdin, err = transport.StdinJSON(params); err != nil {
			return nil, err
		}
	}

	staged, cleanup, err := c.stage(ctx, task.Executable, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stdout, stderr, code, err := c.run(ctx, c.invocation(staged), env, stdin, opts)
	if err != nil {
		return nil, err
	}
	return result.ForTask(c.target, stdout, stderr, code, task.Name), nil
}

// Upload copies source to destination. With run_as the copy is made by that
// user through the shell.
func (c *conn) Upload(ctx context.Context, source, destination string, opts transport.Options) (*result.Result, error) {
	err := c.transfer(ctx, source, destination, opts)
	if err != nil {
		e := result.NewError(result.KindUpload,
			fmt.Sprintf("Failed to upload '%s' to '%s:%s': %v", source, c.target.Host(), destination, err), err).
			WithDetail("source", source).
			WithDetail("destination", destination)
		return result.New(c.target, nil, string(transport.ActionUpload), source, e), nil
	}
	return result.ForUpload(c.target, source, destination), nil
}

// Download copies source into destination/<target>/.
func (c *conn) Download(ctx context.Context, source, destination string, opts transport.Options) (*result.Result, error) {
	local := transport.DownloadPath(destination, c.target, source)
	if err := copyPath(ctx, source, local); err != nil {
		e := result.NewError(result.KindDownload,
			fmt.Sprintf("Failed to download '%s:%s' to '%s': %v", c.target.Host(), source, destination, err), err).
			WithDetail("source", source).
			WithDetail("destination", destination)
		return result.New(c.target, nil, string(transport.ActionDownload), source, e), nil
	}
	return result.ForDownload(c.target, source, destination, local), nil
}

// Close is a no-op.
func (c *conn) Close() error { return nil }

func (c *conn) transfer(ctx context.Context, source, destination string, opts transport.Options) error {
	if !c.escalates(opts) {
		return copyPath(ctx, source, destination)
	}
	if _, err := os.Stat(source); err != nil {
		return err
	}
	cp := "mkdir -p " + transport.ShellQuote(filepath.Dir(destination)) +
		" && cp -R " + transport.ShellJoin(source, destination)
	_, stderr, code, err := c.run(ctx, cp, nil, nil, opts)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("cp exited with code %d: %s", code, stderr)
	}
	return nil
}

func (c *conn) invocation(path string) string {
	if interp := transport.Interpreter(c.interpreters, path); interp != "" {
		return transport.ShellJoin(interp, path)
	}
	return transport.ShellQuote(path)
}

// stage copies executable into a private directory under tmpdir and returns
// the staged path plus a cleanup func.
func (c *conn) stage(ctx context.Context, executable string, opts transport.Options) (string, func(), error) {
	if err := os.MkdirAll(c.tmpDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create tmpdir %s: %w", c.tmpDir, err)
	}
	dir, err := os.MkdirTemp(c.tmpDir, "skein-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	cleanup := func() {
		if c.escalates(opts) {
			if _, _, _, err := c.run(context.Background(), "rm -rf "+transport.ShellQuote(dir), nil, nil, opts); err != nil {
				c.logger.Warn().Err(err).Str("dir", dir).Msg("failed to clean up staged files")
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn().Err(err).Str("dir", dir).Msg("failed to clean up staged files")
		}
	}

	staged := filepath.Join(dir, filepath.Base(executable))
	if err := copyFile(executable, staged, 0o700); err != nil {
		cleanup()
		return "", nil, err
	}

	if c.escalates(opts) {
		chown := "chown -R " + transport.ShellJoin(c.effectiveRunAs(opts), dir)
		_, stderr, code, err := c.run(ctx, chown, nil, nil, transport.Options{RunAs: "root"})
		if err == nil && code != 0 {
			err = fmt.Errorf("chown exited with code %d: %s", code, stderr)
		}
		if err != nil {
			cleanup()
			return "", nil, err
		}
	}
	return staged, cleanup, nil
}
