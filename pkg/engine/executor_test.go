package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/fiber"
	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/notifier"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// fakeTransport serves the "fake" scheme. Behavior is keyed by target host.
type fakeTransport struct {
	delay time.Duration

	mu         sync.Mutex
	connects   int
	running    int
	maxRunning int
	commands   []string
	params     map[string]map[string]any
	checks     map[string]int

	connectErr map[string]error
	commandErr map[string]error
	exitCodes  map[string]int
	panics     map[string]bool
	nilResult  map[string]bool
	liveAfter  map[string]int // checks before the host answers; absent = never
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		params:     make(map[string]map[string]any),
		checks:     make(map[string]int),
		connectErr: make(map[string]error),
		commandErr: make(map[string]error),
		exitCodes:  make(map[string]int),
		panics:     make(map[string]bool),
		nilResult:  make(map[string]bool),
		liveAfter:  make(map[string]int),
	}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(_ context.Context, target *inventory.Target) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if err := f.connectErr[target.Host()]; err != nil {
		return nil, err
	}
	return &fakeConn{transport: f, target: target}, nil
}

func (f *fakeTransport) Connected(_ context.Context, target *inventory.Target) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[target.Host()]++
	after, ok := f.liveAfter[target.Host()]
	return ok && f.checks[target.Host()] > after
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func (f *fakeTransport) enter() {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()
}

func (f *fakeTransport) leave() {
	f.mu.Lock()
	f.running--
	f.mu.Unlock()
}

type fakeConn struct {
	transport.UnimplementedConn
	transport *fakeTransport
	target    *inventory.Target
}

func (c *fakeConn) RunCommand(ctx context.Context, command string, _ transport.Options) (*result.Result, error) {
	f := c.transport
	f.enter()
	defer f.leave()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	host := c.target.Host()
	f.mu.Lock()
	f.commands = append(f.commands, host+":"+command)
	err := f.commandErr[host]
	exit := f.exitCodes[host]
	panics := f.panics[host]
	nilResult := f.nilResult[host]
	f.mu.Unlock()

	switch {
	case panics:
		panic("transport exploded")
	case nilResult:
		return nil, nil
	case err != nil:
		return nil, err
	}
	return result.ForCommand(c.target, "out", "", exit, "command", command), nil
}

func (c *fakeConn) RunTask(_ context.Context, task *transport.Task, params map[string]any, _ transport.Options) (*result.Result, error) {
	f := c.transport
	f.mu.Lock()
	f.params[c.target.Host()] = params
	f.mu.Unlock()
	return result.ForTask(c.target, `{"ok": true}`, "", 0, task.Name), nil
}

// fakeBatcher serves the "batch" scheme in batches of two.
type fakeBatcher struct {
	*fakeTransport
	batchErr error

	batchMu sync.Mutex
	batches [][]string
}

func newFakeBatcher() *fakeBatcher {
	return &fakeBatcher{fakeTransport: newFakeTransport()}
}

func (b *fakeBatcher) Name() string { return "batch" }

func (b *fakeBatcher) Batches(targets []*inventory.Target) [][]*inventory.Target {
	var out [][]*inventory.Target
	for i := 0; i < len(targets); i += 2 {
		out = append(out, targets[i:min(i+2, len(targets))])
	}
	return out
}

func (b *fakeBatcher) BatchExecute(_ context.Context, batch []*inventory.Target, req transport.Request, cb transport.Callback) ([]*result.Result, error) {
	names := make([]string, len(batch))
	for i, t := range batch {
		names[i] = t.Host()
	}
	b.batchMu.Lock()
	b.batches = append(b.batches, names)
	b.batchMu.Unlock()

	var results []*result.Result
	for _, t := range batch {
		cb(transport.EventNodeStart, t, nil)
		if t.Host() == "missing" {
			continue
		}
		if t.Host() == "broken" {
			return results, errors.New("batch connection lost")
		}
		r := result.ForCommand(t, "out", "", 0, "command", req.Command)
		cb(transport.EventNodeResult, t, r)
		results = append(results, r)
	}
	return results, b.batchErr
}

func (b *fakeBatcher) BatchConnected(_ context.Context, batch []*inventory.Target) []bool {
	live := make([]bool, len(batch))
	for i, t := range batch {
		live[i] = b.Connected(context.Background(), t)
	}
	return live
}

func (b *fakeBatcher) batchList() [][]string {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return append([][]string(nil), b.batches...)
}

type fakeGuard struct {
	deny error

	mu       sync.Mutex
	requests []GuardRequest
}

func (g *fakeGuard) Check(_ context.Context, req GuardRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.deny
}

type fakeAnalytics struct {
	mu         sync.Mutex
	transports map[string]int
	functions  []string
}

func (a *fakeAnalytics) TransportUsed(transport string, targets int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transports == nil {
		a.transports = make(map[string]int)
	}
	a.transports[transport] += targets
}

func (a *fakeAnalytics) FunctionCalled(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.functions = append(a.functions, name)
}

func (a *fakeAnalytics) snapshot() (map[string]int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.transports))
	for k, v := range a.transports {
		out[k] = v
	}
	return out, append([]string(nil), a.functions...)
}

func targets(t *testing.T, uris ...string) []*inventory.Target {
	t.Helper()
	out := make([]*inventory.Target, len(uris))
	for i, uri := range uris {
		target, err := inventory.NewTarget(uri)
		if err != nil {
			t.Fatalf("NewTarget(%q): %v", uri, err)
		}
		out[i] = target
	}
	return out
}

func catch() transport.Options {
	return transport.Options{CatchErrors: true}
}

func TestRunCommand_EmptyTargetsNeverTouchTransport(t *testing.T) {
	ft := newFakeTransport()
	exec := New(transport.NewRegistry(ft))

	rs, err := exec.RunCommand(context.Background(), nil, "uptime", transport.Options{})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if !rs.Empty() {
		t.Errorf("expected empty ResultSet, got %d results", rs.Count())
	}
	if ft.connectCount() != 0 {
		t.Errorf("expected no connections, got %d", ft.connectCount())
	}
}

func TestRunCommand_Validation(t *testing.T) {
	ft := newFakeTransport()
	exec := New(transport.NewRegistry(ft))
	ctx := context.Background()
	ts := targets(t, "fake://a")

	tests := []struct {
		name string
		run  func() error
	}{
		{"empty command", func() error {
			_, err := exec.RunCommand(ctx, ts, "  ", transport.Options{})
			return err
		}},
		{"empty script", func() error {
			_, err := exec.RunScript(ctx, ts, "", nil, transport.Options{})
			return err
		}},
		{"empty task", func() error {
			_, err := exec.RunTask(ctx, ts, &transport.Task{}, nil, transport.Options{})
			return err
		}},
		{"empty upload destination", func() error {
			_, err := exec.UploadFile(ctx, ts, "/etc/hosts", "", transport.Options{})
			return err
		}},
		{"empty download source", func() error {
			_, err := exec.DownloadFile(ctx, ts, "", "/tmp", transport.Options{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, result.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if ft.connectCount() != 0 {
		t.Errorf("validation failures must not connect, got %d connections", ft.connectCount())
	}
}

func TestRunScript_MissingFileIsFileError(t *testing.T) {
	exec := New(transport.NewRegistry(newFakeTransport()))
	_, err := exec.RunScript(context.Background(), targets(t, "fake://a"),
		filepath.Join(t.TempDir(), "missing.sh"), nil, transport.Options{})
	if !errors.Is(err, result.ErrFile) {
		t.Fatalf("expected file error, got %v", err)
	}
}

func TestRunCommand_ResultPerTargetWhenEveryCallFails(t *testing.T) {
	ft := newFakeTransport()
	for _, host := range []string{"a", "b", "c"} {
		ft.connectErr[host] = errors.New("connection refused")
	}
	exec := New(transport.NewRegistry(ft))

	rs, err := exec.RunCommand(context.Background(), targets(t, "fake://a", "fake://b", "fake://c"), "uptime", catch())
	if err != nil {
		t.Fatalf("RunCommand with catch_errors: %v", err)
	}
	if rs.Count() != 3 {
		t.Fatalf("expected 3 results, got %d", rs.Count())
	}
	for i, r := range rs.Results() {
		if r.OK() {
			t.Errorf("result %d: expected failure", i)
			continue
		}
		if r.Err().Kind != result.KindConnect {
			t.Errorf("result %d: expected %s, got %s", i, result.KindConnect, r.Err().Kind)
		}
		if r.Err().IssueCode != result.IssueConnect {
			t.Errorf("result %d: expected issue code %s, got %s", i, result.IssueConnect, r.Err().IssueCode)
		}
	}
	if got := rs.Names(); got[0] != "fake://a" || got[1] != "fake://b" || got[2] != "fake://c" {
		t.Errorf("results out of input order: %v", got)
	}
}

func TestRunCommand_OkAndBad(t *testing.T) {
	ft := newFakeTransport()
	ft.exitCodes["bad"] = 1
	exec := New(transport.NewRegistry(ft))
	ts := targets(t, "fake://ok", "fake://bad")

	t.Run("without catch_errors", func(t *testing.T) {
		rs, err := exec.RunCommand(context.Background(), ts, "false", transport.Options{})
		if !errors.Is(err, result.ErrRunFailure) {
			t.Fatalf("expected run failure, got %v", err)
		}
		want := "Plan aborted: command 'false' failed on 1 target: fake://bad"
		if err.Error() != want {
			t.Errorf("message = %q, want %q", err.Error(), want)
		}
		var failure *result.RunFailure
		if !errors.As(err, &failure) {
			t.Fatalf("expected *result.RunFailure, got %T", err)
		}
		if failure.ResultSet.Count() != 2 || rs.Count() != 2 {
			t.Errorf("expected the full ResultSet alongside the failure")
		}
	})

	t.Run("with catch_errors", func(t *testing.T) {
		rs, err := exec.RunCommand(context.Background(), ts, "false", catch())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rs.OK() {
			t.Fatal("expected the set to contain a failure")
		}
		if rs.OKSet().Count() != 1 || rs.ErrorSet().Count() != 1 {
			t.Errorf("expected 1 ok and 1 failed, got %d and %d", rs.OKSet().Count(), rs.ErrorSet().Count())
		}
		if r := rs.Find("fake://bad"); r == nil || r.Err().Kind != result.KindCommand {
			t.Errorf("expected command-error for bad, got %v", r)
		}
	})
}

func TestRunCommand_FailureConversions(t *testing.T) {
	ft := newFakeTransport()
	ft.panics["boom"] = true
	ft.nilResult["silent"] = true
	ft.commandErr["err"] = errors.New("pipe closed")
	exec := New(transport.NewRegistry(ft))

	rs, err := exec.RunCommand(context.Background(),
		targets(t, "fake://boom", "fake://silent", "fake://err", "nope://x"), "id", catch())
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	tests := []struct {
		target string
		kind   result.Kind
		issue  string
	}{
		{"fake://boom", result.KindException, result.IssueException},
		{"fake://silent", result.KindException, result.IssueMissingResult},
		{"fake://err", result.KindException, ""},
		{"nope://x", result.KindValidation, ""},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			r := rs.Find(tt.target)
			if r == nil {
				t.Fatal("no result")
			}
			if r.OK() {
				t.Fatal("expected failure")
			}
			if r.Err().Kind != tt.kind {
				t.Errorf("kind = %s, want %s", r.Err().Kind, tt.kind)
			}
			if tt.issue != "" && r.Err().IssueCode != tt.issue {
				t.Errorf("issue code = %s, want %s", r.Err().IssueCode, tt.issue)
			}
		})
	}

	if msg := rs.Find("fake://silent").Err().Message; msg != "No result was returned for fake://silent" {
		t.Errorf("missing-result message = %q", msg)
	}
}

func TestUploadFile_UnsupportedAction(t *testing.T) {
	src := filepath.Join(t.TempDir(), "motd")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	exec := New(transport.NewRegistry(newFakeTransport()))

	rs, err := exec.UploadFile(context.Background(), targets(t, "fake://a"), src, "/etc/motd", catch())
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	r := rs.First()
	if r.OK() || r.Err().Kind != result.KindUnsupported {
		t.Fatalf("expected unsupported-error, got %v", r.Err())
	}
	if !errors.Is(r.Err(), transport.ErrNotImplemented) {
		t.Error("expected the unsupported error to wrap ErrNotImplemented")
	}
}

func TestRunCommand_DeduplicatesTargets(t *testing.T) {
	ft := newFakeTransport()
	exec := New(transport.NewRegistry(ft))
	ts := targets(t, "fake://a", "fake://b")

	rs, err := exec.RunCommand(context.Background(), []*inventory.Target{ts[0], ts[1], ts[0]}, "id", transport.Options{})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if rs.Count() != 2 {
		t.Errorf("expected 2 results, got %d", rs.Count())
	}
	if ft.connectCount() != 2 {
		t.Errorf("expected 2 connections, got %d", ft.connectCount())
	}
}

func TestRunCommand_ConcurrencyBound(t *testing.T) {
	ft := newFakeTransport()
	ft.delay = 20 * time.Millisecond
	exec := New(transport.NewRegistry(ft), WithConcurrency(2))

	ts := targets(t, "fake://a", "fake://b", "fake://c", "fake://d", "fake://e", "fake://f")
	if _, err := exec.RunCommand(context.Background(), ts, "sleep", transport.Options{}); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if peak := ft.peak(); peak > 2 {
		t.Errorf("expected at most 2 concurrent commands, saw %d", peak)
	}
}

func TestNew_DefaultConcurrency(t *testing.T) {
	exec := New(transport.NewRegistry(), WithConcurrency(0))
	if exec.Concurrency() != DefaultConcurrency {
		t.Errorf("Concurrency() = %d, want %d", exec.Concurrency(), DefaultConcurrency)
	}
}

func TestRunCommand_Batcher(t *testing.T) {
	bt := newFakeBatcher()
	exec := New(transport.NewRegistry(bt))

	ts := targets(t, "batch://a", "batch://b", "batch://missing", "batch://c", "batch://d")
	rs, err := exec.RunCommand(context.Background(), ts, "id", catch())
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	if got := len(bt.batchList()); got != 3 {
		t.Errorf("expected 3 batches, got %d", got)
	}
	if rs.Count() != 5 {
		t.Fatalf("expected 5 results, got %d", rs.Count())
	}
	missing := rs.Find("batch://missing")
	if missing.OK() || missing.Err().IssueCode != result.IssueMissingResult {
		t.Errorf("expected a fabricated missing result, got %v", missing.Err())
	}
	if rs.ErrorSet().Count() != 1 {
		t.Errorf("expected only the missing target to fail, got %v", rs.ErrorSet().Names())
	}
	if bt.connectCount() != 0 {
		t.Error("batch transports must not be connected per target")
	}
}

func TestRunCommand_BatchErrorFillsRemainingTargets(t *testing.T) {
	bt := newFakeBatcher()
	exec := New(transport.NewRegistry(bt))

	rs, err := exec.RunCommand(context.Background(), targets(t, "batch://a", "batch://broken"), "id", catch())
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if !rs.Find("batch://a").OK() {
		t.Error("the completed target should keep its result")
	}
	broken := rs.Find("batch://broken")
	if broken.OK() || broken.Err().Kind != result.KindException {
		t.Errorf("expected exception-error for the broken target, got %v", broken.Err())
	}
}

func TestRunTaskWith_PerTargetParams(t *testing.T) {
	ft := newFakeTransport()
	exec := New(transport.NewRegistry(ft))
	ts := targets(t, "fake://a", "fake://b")
	task := &transport.Task{Name: "package", Executable: "/tasks/package.sh"}

	_, err := exec.RunTaskWith(context.Background(), []TargetParams{
		{Target: ts[0], Params: map[string]any{"name": "nginx"}},
		{Target: ts[1], Params: map[string]any{"name": "redis"}},
	}, task, transport.Options{})
	if err != nil {
		t.Fatalf("RunTaskWith: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.params["a"]["name"] != "nginx" || ft.params["b"]["name"] != "redis" {
		t.Errorf("unexpected params: %v", ft.params)
	}
}

func TestRunTaskWith_SkipsMissingTargets(t *testing.T) {
	ft := newFakeTransport()
	exec := New(transport.NewRegistry(ft))
	ts := targets(t, "fake://a")
	task := &transport.Task{Name: "package", Executable: "/tasks/package.sh"}

	rs, err := exec.RunTaskWith(context.Background(), []TargetParams{
		{Target: nil, Params: map[string]any{"name": "ghost"}},
		{Target: ts[0], Params: map[string]any{"name": "nginx"}},
		{},
	}, task, transport.Options{})
	if err != nil {
		t.Fatalf("RunTaskWith: %v", err)
	}
	if rs.Count() != 1 || rs.Find("fake://a") == nil {
		t.Errorf("expected one result for fake://a, got %v", rs.Names())
	}
}

func TestRunTask_NoopUnsupported(t *testing.T) {
	exec := New(transport.NewRegistry(newFakeTransport()))
	task := &transport.Task{Name: "package", Executable: "/tasks/package.sh"}

	_, err := exec.RunTask(context.Background(), targets(t, "fake://a"), task, nil, transport.Options{Noop: true})
	if !errors.Is(err, result.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWaitUntilAvailable(t *testing.T) {
	ft := newFakeTransport()
	ft.liveAfter["soon"] = 2
	ft.liveAfter["now"] = 0
	exec := New(transport.NewRegistry(ft))

	opts := transport.Options{
		CatchErrors:   true,
		WaitTime:      200 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	}
	rs, err := exec.WaitUntilAvailable(context.Background(), targets(t, "fake://now", "fake://soon", "fake://never"), opts)
	if err != nil {
		t.Fatalf("WaitUntilAvailable: %v", err)
	}

	if !rs.Find("fake://now").OK() || !rs.Find("fake://soon").OK() {
		t.Errorf("expected reachable targets to succeed, failed: %v", rs.ErrorSet().Names())
	}
	never := rs.Find("fake://never")
	if never.OK() {
		t.Fatal("expected the unreachable target to time out")
	}
	if !errors.Is(never.Err(), result.ErrWaitTimeout) {
		t.Errorf("expected wait-timeout, got %s", never.Err().Kind)
	}
	if never.Err().Message != "Timed out waiting for target" {
		t.Errorf("message = %q", never.Err().Message)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.checks["now"] != 1 {
		t.Errorf("a live target should be checked once, got %d", ft.checks["now"])
	}
}

func TestWaitUntilAvailable_BatchRecomputesLiveSet(t *testing.T) {
	bt := newFakeBatcher()
	bt.liveAfter["a"] = 0
	bt.liveAfter["b"] = 3
	exec := New(transport.NewRegistry(bt))

	opts := transport.Options{WaitTime: time.Second, RetryInterval: 5 * time.Millisecond}
	rs, err := exec.WaitUntilAvailable(context.Background(), targets(t, "batch://a", "batch://b"), opts)
	if err != nil {
		t.Fatalf("WaitUntilAvailable: %v", err)
	}
	if !rs.OK() {
		t.Fatalf("expected every target to become available: %v", rs.ErrorSet().Names())
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.checks["a"] != 1 {
		t.Errorf("a ready target should drop out of the pending set, got %d checks", bt.checks["a"])
	}
	if bt.checks["b"] != 4 {
		t.Errorf("expected 4 checks for b, got %d", bt.checks["b"])
	}
}

// stuckTransport answers liveness checks only when release closes,
// whatever the caller's context says.
type stuckTransport struct {
	*fakeTransport
	release chan struct{}
}

func (s *stuckTransport) Name() string { return "stuck" }

func (s *stuckTransport) Connected(context.Context, *inventory.Target) bool {
	<-s.release
	return false
}

func TestWaitUntilAvailable_HungCheckEndsAtDeadline(t *testing.T) {
	st := &stuckTransport{fakeTransport: newFakeTransport(), release: make(chan struct{})}
	defer close(st.release)
	exec := New(transport.NewRegistry(st))

	opts := transport.Options{
		CatchErrors:   true,
		WaitTime:      300 * time.Millisecond,
		RetryInterval: 50 * time.Millisecond,
	}

	type outcome struct {
		rs  *result.ResultSet
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rs, err := exec.WaitUntilAvailable(context.Background(), targets(t, "stuck://tarpit"), opts)
		done <- outcome{rs, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitUntilAvailable did not return after the wait time")
	}
	if out.err != nil {
		t.Fatalf("WaitUntilAvailable: %v", out.err)
	}
	r := out.rs.Find("stuck://tarpit")
	if r == nil || r.OK() {
		t.Fatalf("expected a failed result for the hung target, got %v", r)
	}
	if !errors.Is(r.Err(), result.ErrWaitTimeout) {
		t.Errorf("expected wait-timeout, got %s", r.Err().Kind)
	}
}

func TestGuard(t *testing.T) {
	ft := newFakeTransport()

	t.Run("allow", func(t *testing.T) {
		guard := &fakeGuard{}
		exec := New(transport.NewRegistry(ft), WithGuard(guard))
		if _, err := exec.RunCommand(context.Background(), targets(t, "fake://a"), "id", transport.Options{}); err != nil {
			t.Fatalf("RunCommand: %v", err)
		}
		guard.mu.Lock()
		defer guard.mu.Unlock()
		if len(guard.requests) != 1 {
			t.Fatalf("expected 1 guard check, got %d", len(guard.requests))
		}
		req := guard.requests[0]
		if req.Action != transport.ActionCommand || req.Object != "id" || len(req.Targets) != 1 || req.Targets[0] != "fake://a" {
			t.Errorf("unexpected guard request: %+v", req)
		}
	})

	t.Run("deny", func(t *testing.T) {
		before := ft.connectCount()
		exec := New(transport.NewRegistry(ft), WithGuard(&fakeGuard{deny: errors.New("rm is not allowed")}))
		_, err := exec.RunCommand(context.Background(), targets(t, "fake://a"), "rm -rf /", transport.Options{})
		if !errors.Is(err, result.ErrPolicyDenied) {
			t.Fatalf("expected policy denial, got %v", err)
		}
		if ft.connectCount() != before {
			t.Error("a denied action must not touch the transport")
		}
	})
}

func TestNotifierEvents(t *testing.T) {
	n := notifier.New(zerolog.Nop())

	var mu sync.Mutex
	var events []notifier.Event
	n.Subscribe(func(e notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}, nil)

	exec := New(transport.NewRegistry(newFakeTransport()), WithNotifier(n))
	if _, err := exec.RunCommand(context.Background(), targets(t, "fake://a", "fake://b"), "id", transport.Options{}); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[0].Type != notifier.EventActionStart || events[5].Type != notifier.EventActionFinish {
		t.Errorf("expected action_start first and action_finish last, got %s and %s", events[0].Type, events[5].Type)
	}

	counts := make(map[notifier.EventType]int)
	for _, e := range events {
		counts[e.Type]++
		if e.RunID != events[0].RunID {
			t.Errorf("event %s has run id %s, want %s", e.Type, e.RunID, events[0].RunID)
		}
	}
	if counts[notifier.EventNodeStart] != 2 || counts[notifier.EventNodeResult] != 2 {
		t.Errorf("expected 2 node_start and 2 node_result, got %v", counts)
	}
	if events[5].Results == nil || events[5].Results.Count() != 2 {
		t.Error("action_finish should carry the ResultSet")
	}
}

func TestAnalytics_TransportReportedOnce(t *testing.T) {
	analytics := &fakeAnalytics{}
	exec := New(transport.NewRegistry(newFakeTransport()), WithAnalytics(analytics))
	ts := targets(t, "fake://a", "fake://b")

	for i := 0; i < 2; i++ {
		if _, err := exec.RunCommand(context.Background(), ts, "id", transport.Options{}); err != nil {
			t.Fatalf("RunCommand: %v", err)
		}
	}
	exec.ReportFunctionCall("run_command")

	deadline := time.Now().Add(time.Second)
	for {
		transports, functions := analytics.snapshot()
		if transports["fake"] == 2 && len(functions) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("analytics not delivered: transports=%v functions=%v", transports, functions)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Give a second report a chance to arrive before asserting it did not.
	time.Sleep(20 * time.Millisecond)
	if transports, _ := analytics.snapshot(); transports["fake"] != 2 {
		t.Errorf("transport reported more than once: %v", transports)
	}
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const rlimitAdvice = "open file limit is lower than the configured concurrency needs"

func TestRlimitAdvisory(t *testing.T) {
	tests := []struct {
		name     string
		limit    uint64
		err      error
		wantWarn bool
	}{
		{name: "below need", limit: 16, wantWarn: true},
		{name: "exactly enough", limit: 40},
		{name: "plenty", limit: 65536},
		{name: "unreadable", err: errors.New("getrlimit: operation not permitted")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs lockedBuffer
			exec := New(transport.NewRegistry(newFakeTransport()),
				WithConcurrency(10),
				WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))

			reads := 0
			exec.openFileLimit = func() (uint64, error) {
				reads++
				return tt.limit, tt.err
			}

			for i := 0; i < 3; i++ {
				rs, err := exec.RunCommand(context.Background(), targets(t, "fake://a", "fake://b"), "id", transport.Options{})
				if err != nil {
					t.Fatalf("RunCommand: %v", err)
				}
				if !rs.OK() {
					t.Fatalf("the advisory must not fail the action: %v", rs.ErrorSet().Names())
				}
			}

			if reads != 1 {
				t.Errorf("limit read %d times, want once", reads)
			}
			warnings := strings.Count(logs.String(), rlimitAdvice)
			switch {
			case tt.wantWarn && warnings != 1:
				t.Errorf("expected exactly one advisory, got %d:\n%s", warnings, logs.String())
			case !tt.wantWarn && warnings != 0:
				t.Errorf("unexpected advisory:\n%s", logs.String())
			}
		})
	}
}

// stallingAnalytics never returns from a report until release closes.
type stallingAnalytics struct {
	release chan struct{}
}

func (a *stallingAnalytics) TransportUsed(string, int) { <-a.release }
func (a *stallingAnalytics) FunctionCalled(string)     { <-a.release }

type panickingAnalytics struct{}

func (panickingAnalytics) TransportUsed(string, int) { panic("analytics backend gone") }
func (panickingAnalytics) FunctionCalled(string)     { panic("analytics backend gone") }

func TestAnalytics_SinkCannotHoldUpActions(t *testing.T) {
	stalling := &stallingAnalytics{release: make(chan struct{})}
	defer close(stalling.release)

	tests := []struct {
		name string
		sink Analytics
	}{
		{name: "blocking", sink: stalling},
		{name: "panicking", sink: panickingAnalytics{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs lockedBuffer
			exec := New(transport.NewRegistry(newFakeTransport()),
				WithAnalytics(tt.sink),
				WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))

			done := make(chan error, 1)
			go func() {
				rs, err := exec.RunCommand(context.Background(), targets(t, "fake://a"), "id", transport.Options{})
				if err == nil && !rs.OK() {
					err = errors.New("action failed")
				}
				exec.ReportFunctionCall("run_command")
				done <- err
			}()

			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("RunCommand: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("the analytics sink held up the action")
			}
		})
	}
}

func TestRunCommand_FibersOverlap(t *testing.T) {
	ft := newFakeTransport()
	ft.delay = 50 * time.Millisecond
	exec := New(transport.NewRegistry(ft))
	fibers := fiber.New(fiber.WithIdleInterval(time.Millisecond))
	ctx := context.Background()

	ts := targets(t, "fake://a", "fake://b")

	run := func(target *inventory.Target) fiber.Func {
		return func(ctx context.Context, _ fiber.Scope) (any, error) {
			rs, err := exec.RunCommand(ctx, []*inventory.Target{target}, "sleep", transport.Options{})
			if err != nil {
				return nil, err
			}
			return rs.Count(), nil
		}
	}

	_, err := fibers.RunMain(ctx, "plan-1", "main", fiber.Scope{}, func(ctx context.Context, s fiber.Scope) (any, error) {
		a := fibers.CreateFuture(ctx, "plan-1", s, "a", run(ts[0]))
		b := fibers.CreateFuture(ctx, "plan-1", s, "b", run(ts[1]))
		return fibers.Wait(ctx, []*fiber.PlanFuture{a, b}, fiber.WaitOptions{})
	})
	if err != nil {
		t.Fatalf("RunMain: %v", err)
	}
	if peak := ft.peak(); peak != 2 {
		t.Errorf("expected actions from both fibers to overlap, peak concurrency %d", peak)
	}
}
