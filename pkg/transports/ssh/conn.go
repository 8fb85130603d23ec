package ssh

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// cleanupTimeout bounds removal of staged files after the action finished.
const cleanupTimeout = 30 * time.Second

// conn is a live SSH session to one target.
type conn struct {
	target *inventory.Target
	config *Config
	client *client
	logger zerolog.Logger
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) runAs(opts transport.Options) string {
	if opts.RunAs != "" {
		return opts.RunAs
	}
	return c.config.RunAs
}

func (c *conn) escalates(opts transport.Options) bool {
	runAs := c.runAs(opts)
	return runAs != "" && runAs != c.config.User
}

func (c *conn) build(command string, env map[string]string, stdin []byte, opts transport.Options) transport.ShellCommand {
	return transport.BuildCommand(transport.CommandSpec{
		Command:      command,
		Env:          env,
		RunAs:        c.runAs(opts),
		LoginUser:    c.config.User,
		SudoPassword: c.config.SudoPassword,
		Stdin:        stdin,
	})
}

// RunCommand runs command in the login shell.
func (c *conn) RunCommand(ctx context.Context, command string, opts transport.Options) (*result.Result, error) {
	c.logger.Debug().Str("command", command).Msg("running command")

	stdout, stderr, code, err := c.client.run(ctx, c.build(command, opts.EnvVars, nil, opts))
	if err != nil {
		return nil, err
	}
	return result.ForCommand(c.target, stdout, stderr, code, string(transport.ActionCommand), command), nil
}

// RunScript stages script in a private directory and runs it with args.
func (c *conn) RunScript(ctx context.Context, script string, args []string, opts transport.Options) (*result.Result, error) {
	dir, err := c.stage(ctx)
	if err != nil {
		return nil, err
	}
	defer c.cleanup(dir, opts)

	remote := path.Join(dir, filepath.Base(script))
	if err := c.client.uploadFile(ctx, script, remote, 0o700); err != nil {
		return nil, err
	}
	if err := c.handOver(ctx, dir, opts); err != nil {
		return nil, err
	}

	line := c.invocation(remote)
	if len(args) > 0 {
		line += " " + transport.ShellJoin(args...)
	}

	stdout, stderr, code, err := c.client.run(ctx, c.build(line, opts.EnvVars, nil, opts))
	if err != nil {
		return nil, err
	}
	return result.ForCommand(c.target, stdout, stderr, code, string(transport.ActionScript), script), nil
}

// RunTask stages the task executable and runs it with params delivered
// according to the task's input method.
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

	dir, err := c.stage(ctx)
	if err != nil {
		return nil, err
	}
	defer c.cleanup(dir, opts)

	remote := path.Join(dir, filepath.Base(task.Executable))
	if err := c.client.uploadFile(ctx, task.Executable, remote, 0o700); err != nil {
		return nil, err
	}
	if err := c.handOver(ctx, dir, opts); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("task", task.Name).Str("input_method", string(method)).Msg("running task")

	stdout, stderr, code, err := c.client.run(ctx, c.build(c.invocation(remote), env, stdin, opts))
	if err != nil {
		return nil, err
	}
	return result.ForTask(c.target, stdout, stderr, code, task.Name), nil
}

// Upload copies source to destination on the target. With run_as the file is
// staged first and moved into place as that user.
func (c *conn) Upload(ctx context.Context, source, destination string, opts transport.Options) (*result.Result, error) {
	fail := func(err error) (*result.Result, error) {
		e := result.NewError(result.KindUpload,
			fmt.Sprintf("Failed to upload '%s' to '%s:%s': %v", source, c.target.Host(), destination, err), err).
			WithDetail("source", source).
			WithDetail("destination", destination)
		return result.New(c.target, nil, string(transport.ActionUpload), source, e), nil
	}

	if !c.escalates(opts) {
		if err := c.client.uploadPath(ctx, source, destination); err != nil {
			return fail(err)
		}
		return result.ForUpload(c.target, source, destination), nil
	}

	dir, err := c.stage(ctx)
	if err != nil {
		return fail(err)
	}
	defer c.cleanup(dir, opts)

	staged := path.Join(dir, filepath.Base(source))
	if err := c.client.uploadPath(ctx, source, staged); err != nil {
		return fail(err)
	}
	if err := c.handOver(ctx, dir, opts); err != nil {
		return fail(err)
	}

	mv := "mv -f " + transport.ShellJoin(staged, destination)
	_, stderr, code, err := c.client.run(ctx, c.build(mv, nil, nil, opts))
	if err != nil {
		return fail(err)
	}
	if code != 0 {
		return fail(fmt.Errorf("mv exited with code %d: %s", code, stderr))
	}
	return result.ForUpload(c.target, source, destination), nil
}

// Download copies source from the target into destination/<target>/.
func (c *conn) Download(ctx context.Context, source, destination string, opts transport.Options) (*result.Result, error) {
	local := transport.DownloadPath(destination, c.target, source)
	if err := c.client.downloadPath(ctx, source, local); err != nil {
		e := result.NewError(result.KindDownload,
			fmt.Sprintf("Failed to download '%s:%s' to '%s': %v", c.target.Host(), source, destination, err), err).
			WithDetail("source", source).
			WithDetail("destination", destination)
		return result.New(c.target, nil, string(transport.ActionDownload), source, e), nil
	}
	return result.ForDownload(c.target, source, destination, local), nil
}

// Close releases the SSH connection.
func (c *conn) Close() error {
	return c.client.close()
}

// invocation returns the command line that executes the staged file at
// remote, through its configured interpreter when there is one.
func (c *conn) invocation(remote string) string {
	if interp := transport.Interpreter(c.config.Interpreters, remote); interp != "" {
		return transport.ShellJoin(interp, remote)
	}
	return transport.ShellQuote(remote)
}

// stage creates a private directory under the configured tmpdir.
func (c *conn) stage(ctx context.Context) (string, error) {
	dir := path.Join(c.config.TmpDir, "skein-"+uuid.NewString())

	sftpClient, err := c.client.sftpClient()
	if err != nil {
		return "", err
	}
	if err := sftpClient.MkdirAll(dir); err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to create %s: %w", dir, err)}
	}
	if err := sftpClient.Chmod(dir, 0o700); err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to restrict %s: %w", dir, err)}
	}
	return dir, nil
}

// handOver gives the run_as user ownership of the staged directory.
func (c *conn) handOver(ctx context.Context, dir string, opts transport.Options) error {
	if !c.escalates(opts) {
		return nil
	}
	chown := "chown -R " + transport.ShellJoin(c.runAs(opts), dir)
	cmd := transport.BuildCommand(transport.CommandSpec{
		Command:      chown,
		RunAs:        "root",
		LoginUser:    c.config.User,
		SudoPassword: c.config.SudoPassword,
	})
	_, stderr, code, err := c.client.run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return &TransportError{Op: "stage", Err: fmt.Errorf("chown exited with code %d: %s", code, stderr)}
	}
	return nil
}

// cleanup removes a staged directory. It runs on its own deadline because ctx
// may already be done.
func (c *conn) cleanup(dir string, opts transport.Options) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	_, _, code, err := c.client.run(ctx, c.build("rm -rf "+transport.ShellQuote(dir), nil, nil, opts))
	if err != nil || code != 0 {
		c.logger.Warn().Err(err).Int("exit_code", code).Str("dir", dir).Msg("failed to clean up staged files")
	}
}
