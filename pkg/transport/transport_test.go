package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
)

type stubTransport struct{ name string }

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Connect(context.Context, *inventory.Target) (Conn, error) {
	return UnimplementedConn{}, nil
}

func (s *stubTransport) Connected(context.Context, *inventory.Target) bool { return true }

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		raw     map[string]any
		want    Options
		wantErr string
	}{
		{
			name:   "command options",
			action: ActionCommand,
			raw:    map[string]any{"run_as": "root", "catch_errors": true, "env_vars": map[string]any{"A": 1}},
			want:   Options{RunAs: "root", CatchErrors: true, EnvVars: map[string]string{"A": "1"}},
		},
		{
			name:   "task noop",
			action: ActionTask,
			raw:    map[string]any{"noop": true, "description": "dry run"},
			want:   Options{Noop: true, Description: "dry run"},
		},
		{
			name:   "wait timings",
			action: ActionWait,
			raw:    map[string]any{"wait_time": 5, "retry_interval": 0.5},
			want:   Options{WaitTime: 5 * time.Second, RetryInterval: 500 * time.Millisecond},
		},
		{
			name:    "unknown key",
			action:  ActionTask,
			raw:     map[string]any{"env_vars": map[string]any{}},
			wantErr: "invalid option(s) for task: env_vars",
		},
		{
			name:    "wrong type",
			action:  ActionCommand,
			raw:     map[string]any{"catch_errors": "yes"},
			wantErr: "must be a boolean",
		},
		{
			name:    "negative wait",
			action:  ActionWait,
			raw:     map[string]any{"wait_time": -1},
			wantErr: "must not be negative",
		},
		{
			name:    "unknown action",
			action:  Action("reboot"),
			wantErr: "unknown action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOptions(tt.action, tt.raw)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ParseOptions() error = %v, want containing %q", err, tt.wantErr)
				}
				if !errors.Is(err, result.ErrValidation) {
					t.Errorf("expected a validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOptions() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseOptions() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOptions_WithWaitDefaults(t *testing.T) {
	o := Options{}.WithWaitDefaults()
	if o.WaitTime != DefaultWaitTime || o.RetryInterval != DefaultRetryInterval {
		t.Errorf("unexpected defaults: %+v", o)
	}
	o = Options{WaitTime: time.Second}.WithWaitDefaults()
	if o.WaitTime != time.Second {
		t.Error("explicit wait time overwritten")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(&stubTransport{name: "ssh"}, &stubTransport{name: "local"})

	if got := reg.Names(); !reflect.DeepEqual(got, []string{"local", "ssh"}) {
		t.Errorf("Names() = %v", got)
	}

	inv := inventory.Empty()
	web, _ := inv.GetTarget("web1.example.com")
	tr, err := reg.For(web)
	if err != nil || tr.Name() != "ssh" {
		t.Fatalf("For() = %v, %v", tr, err)
	}

	winrm, _ := inv.GetTarget("winrm://win1.example.com")
	if _, err := reg.For(winrm); err == nil || !errors.Is(err, result.ErrValidation) {
		t.Errorf("expected validation error for unknown transport, got %v", err)
	}
}

func TestExecute_DispatchesByAction(t *testing.T) {
	inv := inventory.Empty()
	target, _ := inv.GetTarget("web1")

	for _, action := range []Action{ActionCommand, ActionScript, ActionTask, ActionUpload, ActionDownload} {
		_, err := Execute(context.Background(), UnimplementedConn{}, target, Request{Action: action, Task: &Task{Name: "x"}})
		if !errors.Is(err, ErrNotImplemented) {
			t.Errorf("%s: expected ErrNotImplemented, got %v", action, err)
		}
	}
	if _, err := Execute(context.Background(), UnimplementedConn{}, target, Request{Action: ActionWait}); err == nil {
		t.Error("expected error for wait action")
	}
}

func TestRequest_ObjectAndParams(t *testing.T) {
	inv := inventory.Empty()
	a, _ := inv.GetTarget("a")
	b, _ := inv.GetTarget("b")

	req := Request{
		Action:       ActionTask,
		Task:         &Task{Name: "package"},
		Params:       map[string]any{"name": "default"},
		TargetParams: map[string]map[string]any{"b": {"name": "special"}},
	}
	if req.Object() != "package" {
		t.Errorf("Object() = %q", req.Object())
	}
	if req.ParamsFor(a)["name"] != "default" || req.ParamsFor(b)["name"] != "special" {
		t.Error("ParamsFor() did not honor per-target params")
	}
	if (Request{Action: ActionUpload, Source: "/tmp/x"}).Object() != "/tmp/x" {
		t.Error("upload object should be the source")
	}
}

func TestLoadTask(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nginx"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nginx", "reload.sh"), []byte("#!/bin/sh\necho ok\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	meta := `{"description":"reload","input_method":"environment","supports_noop":true,
		"parameters":{"signal":{"type":"String"},"timeout":{"type":"Optional[Integer]"}}}`
	if err := os.WriteFile(filepath.Join(dir, "nginx", "reload.json"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}

	task, err := LoadTask(dir, "nginx::reload")
	if err != nil {
		t.Fatalf("LoadTask() error = %v", err)
	}
	if task.Executable != filepath.Join(dir, "nginx", "reload.sh") {
		t.Errorf("Executable = %q", task.Executable)
	}
	if task.InputMethod() != InputEnvironment {
		t.Errorf("InputMethod() = %q", task.InputMethod())
	}

	params, err := task.PrepareParams(map[string]any{"signal": "HUP"}, Options{Noop: true})
	if err != nil {
		t.Fatalf("PrepareParams() error = %v", err)
	}
	if params["_noop"] != true {
		t.Error("noop flag not passed to task")
	}

	if _, err := task.PrepareParams(map[string]any{}, Options{}); err == nil || !strings.Contains(err.Error(), "missing required parameter(s) signal") {
		t.Errorf("expected missing parameter error, got %v", err)
	}
	if _, err := task.PrepareParams(map[string]any{"signal": "HUP", "bogus": 1}, Options{}); err == nil || !strings.Contains(err.Error(), "unknown parameter(s) bogus") {
		t.Errorf("expected unknown parameter error, got %v", err)
	}

	if _, err := LoadTask(dir, "missing"); err == nil {
		t.Error("expected error for missing task")
	}
}

func TestTask_NoopUnsupported(t *testing.T) {
	task := &Task{Name: "plain", Executable: "/bin/true"}
	if _, err := task.PrepareParams(nil, Options{Noop: true}); err == nil {
		t.Error("expected error for noop on a task without noop support")
	}
	if task.InputMethod() != InputBoth {
		t.Errorf("default input method = %q", task.InputMethod())
	}
}

func TestParamEnvAndStdin(t *testing.T) {
	env, err := ParamEnv(map[string]any{"name": "nginx", "count": 2, "opts": map[string]any{"a": true}})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"PT_name": "nginx", "PT_count": "2", "PT_opts": `{"a":true}`}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("ParamEnv() = %v, want %v", env, want)
	}

	data, err := StdinJSON(nil)
	if err != nil || string(data) != "{}" {
		t.Errorf("StdinJSON(nil) = %s, %v", data, err)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":            "''",
		"simple":      "simple",
		"/usr/bin/x":  "/usr/bin/x",
		"hello world": "'hello world'",
		"it's":        `'it'"'"'s'`,
		"$HOME":       "'$HOME'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildCommand(t *testing.T) {
	plain := BuildCommand(CommandSpec{Command: "uptime"})
	if plain.Line != "uptime" || plain.Stdin != nil {
		t.Errorf("unexpected plain command: %+v", plain)
	}

	withEnv := BuildCommand(CommandSpec{Command: "echo $A", Env: map[string]string{"B": "2", "A": "x y"}})
	if withEnv.Line != `env A='x y' B=2 sh -c 'echo $A'` {
		t.Errorf("unexpected env command: %s", withEnv.Line)
	}

	sameUser := BuildCommand(CommandSpec{Command: "id", RunAs: "deploy", LoginUser: "deploy"})
	if sameUser.Line != "id" {
		t.Errorf("run_as the login user should not use sudo: %s", sameUser.Line)
	}

	sudo := BuildCommand(CommandSpec{Command: "id", RunAs: "root", SudoPassword: "pw", Stdin: []byte("data")})
	if !strings.HasPrefix(sudo.Line, "sudo -S -E -p ") || !strings.Contains(sudo.Line, "-u root -- sh -c id") {
		t.Errorf("unexpected sudo command: %s", sudo.Line)
	}
	if string(sudo.Stdin) != "pw\ndata" {
		t.Errorf("sudo password not prepended to stdin: %q", sudo.Stdin)
	}

	nopass := BuildCommand(CommandSpec{Command: "id", RunAs: "root"})
	if nopass.Line != "sudo -n -E -u root -- sh -c id" {
		t.Errorf("unexpected passwordless sudo command: %s", nopass.Line)
	}
}

func TestInterpreter(t *testing.T) {
	interps := map[string]string{".py": "/usr/bin/python3", "rb": "/usr/bin/ruby"}
	if Interpreter(interps, "/tmp/x.py") != "/usr/bin/python3" {
		t.Error("dotted extension not matched")
	}
	if Interpreter(interps, "/tmp/x.rb") != "/usr/bin/ruby" {
		t.Error("bare extension not matched")
	}
	if Interpreter(interps, "/tmp/x") != "" {
		t.Error("file without extension should have no interpreter")
	}
}

func TestDownloadPath(t *testing.T) {
	inv := inventory.Empty()
	web, _ := inv.GetTarget("ssh://web1.example.com:2222")

	got := DownloadPath("/tmp/out", web, "/var/log/app.log")
	want := filepath.Join("/tmp/out", "ssh___web1.example.com_2222", "app.log")
	if got != want {
		t.Errorf("DownloadPath() = %q, want %q", got, want)
	}
}
