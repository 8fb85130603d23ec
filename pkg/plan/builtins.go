package plan

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/skein/pkg/fiber"
	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// DefaultFailureKind is the error kind fail_plan raises when none is given.
const DefaultFailureKind = "skein/plan-failure"

type builtinFunc func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// predeclared returns the names visible to every plan and module.
func (h *Host) predeclared() starlark.StringDict {
	fns := map[string]builtinFunc{
		"get_targets":          h.getTargets,
		"run_command":          h.runCommand,
		"run_script":           h.runScript,
		"run_task":             h.runTask,
		"upload_file":          h.uploadFile,
		"download_file":        h.downloadFile,
		"wait_until_available": h.waitUntilAvailable,
		"run_plan":             h.runPlan,
		"background":           h.background,
		"wait":                 h.wait,
		"parallelize":          h.parallelize,
		"set_var":              h.setVar,
		"vars":                 h.vars,
		"add_facts":            h.addFacts,
		"facts":                h.facts,
		"set_feature":          h.setFeature,
		"fail_plan":            h.failPlan,
	}

	dict := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for name, fn := range fns {
		dict[name] = starlark.NewBuiltin(name, h.reported(fn))
	}
	return dict
}

// reported counts every call of a plan function.
func (h *Host) reported(fn builtinFunc) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		h.executor.ReportFunctionCall(b.Name())
		return fn(thread, b, args, kwargs)
	}
}

// splitKwargs separates the named parameters of a builtin from the action
// options passed alongside them.
func splitKwargs(kwargs []starlark.Tuple, names ...string) ([]starlark.Tuple, map[string]any, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	var params []starlark.Tuple
	options := make(map[string]any)
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		if known[key] {
			params = append(params, kv)
			continue
		}
		v, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, nil, fmt.Errorf("option %s: %w", key, err)
		}
		options[key] = v
	}
	return params, options, nil
}

// resolveTargets turns a Starlark target spec (a string, a list of strings
// or nested lists) into inventory Targets.
func (h *Host) resolveTargets(spec starlark.Value) ([]*inventory.Target, error) {
	goSpec, err := fromStarlarkValue(spec)
	if err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}
	return h.inventory.GetTargets(goSpec)
}

func (h *Host) resolveTarget(spec starlark.Value) (*inventory.Target, error) {
	goSpec, err := fromStarlarkValue(spec)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	return h.inventory.GetTarget(goSpec)
}

func (h *Host) getTargets(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	specs := make([]any, len(args))
	for i, arg := range args {
		v, err := fromStarlarkValue(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		specs[i] = v
	}

	targets, err := h.inventory.GetTargets(specs...)
	if err != nil {
		return nil, err
	}
	names := make([]starlark.Value, len(targets))
	for i, t := range targets {
		names[i] = starlark.String(t.Name())
	}
	return starlark.NewList(names), nil
}

// actionArgs unpacks the common shape of action builtins: named parameters
// followed by action options as extra keyword arguments.
func (h *Host) actionArgs(b *starlark.Builtin, action transport.Action, args starlark.Tuple, kwargs []starlark.Tuple, pairs ...any) (transport.Options, error) {
	names := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		name := pairs[i].(string)
		if n := len(name); n > 0 && name[n-1] == '?' {
			name = name[:n-1]
		}
		names = append(names, name)
	}

	params, raw, err := splitKwargs(kwargs, names...)
	if err != nil {
		return transport.Options{}, err
	}
	if err := starlark.UnpackArgs(b.Name(), args, params, pairs...); err != nil {
		return transport.Options{}, err
	}
	return transport.ParseOptions(action, raw)
}

func (h *Host) runCommand(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command string
	var spec starlark.Value
	opts, err := h.actionArgs(b, transport.ActionCommand, args, kwargs, "command", &command, "targets", &spec)
	if err != nil {
		return nil, err
	}
	targets, err := h.resolveTargets(spec)
	if err != nil {
		return nil, err
	}
	return resultSetOrError(h.executor.RunCommand(threadContext(thread), targets, command, opts))
}

func (h *Host) runScript(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var script string
	var spec starlark.Value
	var arguments *starlark.List
	opts, err := h.actionArgs(b, transport.ActionScript, args, kwargs,
		"script", &script, "targets", &spec, "arguments?", &arguments)
	if err != nil {
		return nil, err
	}

	var scriptArgs []string
	if arguments != nil {
		for i := 0; i < arguments.Len(); i++ {
			s, ok := starlark.AsString(arguments.Index(i))
			if !ok {
				return nil, fmt.Errorf("%s: arguments must be strings", b.Name())
			}
			scriptArgs = append(scriptArgs, s)
		}
	}

	targets, err := h.resolveTargets(spec)
	if err != nil {
		return nil, err
	}
	return resultSetOrError(h.executor.RunScript(threadContext(thread), targets, script, scriptArgs, opts))
}

func (h *Host) runTask(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var spec, rawParams starlark.Value
	opts, err := h.actionArgs(b, transport.ActionTask, args, kwargs,
		"task", &name, "targets", &spec, "params?", &rawParams)
	if err != nil {
		return nil, err
	}

	params, err := stringDict("params", rawParams)
	if err != nil {
		return nil, err
	}
	task, err := transport.LoadTask(h.tasksDir, name)
	if err != nil {
		return nil, err
	}
	targets, err := h.resolveTargets(spec)
	if err != nil {
		return nil, err
	}
	return resultSetOrError(h.executor.RunTask(threadContext(thread), targets, task, params, opts))
}

func (h *Host) uploadFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var source, destination string
	var spec starlark.Value
	opts, err := h.actionArgs(b, transport.ActionUpload, args, kwargs,
		"source", &source, "destination", &destination, "targets", &spec)
	if err != nil {
		return nil, err
	}
	targets, err := h.resolveTargets(spec)
	if err != nil {
		return nil, err
	}
	return resultSetOrError(h.executor.UploadFile(threadContext(thread), targets, source, destination, opts))
}

func (h *Host) downloadFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var source, destination string
	var spec starlark.Value
	opts, err := h.actionArgs(b, transport.ActionDownload, args, kwargs,
		"source", &source, "destination", &destination, "targets", &spec)
	if err != nil {
		return nil, err
	}
	targets, err := h.resolveTargets(spec)
	if err != nil {
		return nil, err
	}
	return resultSetOrError(h.executor.DownloadFile(threadContext(thread), targets, source, destination, opts))
}

func (h *Host) waitUntilAvailable(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec starlark.Value
	opts, err := h.actionArgs(b, transport.ActionWait, args, kwargs, "targets", &spec)
	if err != nil {
		return nil, err
	}
	targets, err := h.resolveTargets(spec)
	if err != nil {
		return nil, err
	}
	return resultSetOrError(h.executor.WaitUntilAvailable(threadContext(thread), targets, opts))
}

func resultSetOrError(rs *result.ResultSet, err error) (starlark.Value, error) {
	if err != nil {
		return nil, err
	}
	return resultSetValue(rs)
}

func (h *Host) runPlan(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &name); err != nil {
		return nil, err
	}

	params := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		v, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		params[string(kv[0].(starlark.String))] = v
	}
	return h.runNested(thread, name, params)
}

// background starts fn in a new future. Positional arguments after fn are
// deep-copied now and passed to fn when it runs, so the block sees them as
// they were at creation and never shares mutable values with the caller.
func (h *Host) background(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing argument for fn", b.Name())
	}
	fn, ok := args[0].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: fn must be callable, got %s", b.Name(), args[0].Type())
	}
	name := "background block"
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "name?", &name); err != nil {
		return nil, err
	}
	if names := h.captured(fn); len(names) > 0 {
		return nil, errCaptures(b.Name(), fn, names)
	}

	snapshot, err := copyValue(args[1:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	blockArgs := snapshot.(starlark.Tuple)

	ctx := threadContext(thread)
	var scope fiber.Scope
	if current := fiber.CurrentFuture(ctx); current != nil {
		scope = current.Scope()
	}

	future := h.fibers.CreateFuture(ctx, fiber.CurrentPlan(ctx), scope, name,
		func(ctx context.Context, _ fiber.Scope) (any, error) {
			return starlark.Call(h.newThread(ctx, name), fn, blockArgs, nil)
		})
	return &futureValue{future: future}, nil
}

func (h *Host) wait(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var futuresArg, timeoutArg starlark.Value
	var catchErrors bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"futures?", &futuresArg, "timeout?", &timeoutArg, "catch_errors?", &catchErrors); err != nil {
		return nil, err
	}

	opts := fiber.WaitOptions{CatchErrors: catchErrors}
	if timeoutArg != nil && timeoutArg != starlark.None {
		secs, ok := starlark.AsFloat(timeoutArg)
		if !ok || secs < 0 {
			return nil, fmt.Errorf("%s: timeout must be a non-negative number of seconds", b.Name())
		}
		opts.Timeout = fiber.After(time.Duration(secs * float64(time.Second)))
	}

	ctx := threadContext(thread)
	var values []any
	var err error
	if futuresArg == nil || futuresArg == starlark.None {
		values, err = h.fibers.WaitAll(ctx, opts)
	} else {
		futures, ferr := futureList(futuresArg)
		if ferr != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), ferr)
		}
		values, err = h.fibers.Wait(ctx, futures, opts)
	}
	if err != nil {
		return nil, err
	}
	return valueList(values)
}

func futureList(v starlark.Value) ([]*fiber.PlanFuture, error) {
	if f, ok := v.(*futureValue); ok {
		return []*fiber.PlanFuture{f.future}, nil
	}
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return nil, fmt.Errorf("futures must be a Future or a list of Futures, got %s", v.Type())
	}
	futures := make([]*fiber.PlanFuture, seq.Len())
	for i := range futures {
		f, ok := seq.Index(i).(*futureValue)
		if !ok {
			return nil, fmt.Errorf("element %d is a %s, not a Future", i, seq.Index(i).Type())
		}
		futures[i] = f.future
	}
	return futures, nil
}

// valueList converts fiber outcomes back to Starlark: values pass through
// and caught errors become error dicts.
func valueList(values []any) (starlark.Value, error) {
	list := make([]starlark.Value, len(values))
	for i, v := range values {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, err
		}
		list[i] = sv
	}
	return starlark.NewList(list), nil
}

func (h *Host) parallelize(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var fn starlark.Callable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "items", &iterable, "fn", &fn); err != nil {
		return nil, err
	}

	var items []any
	iter := iterable.Iterate()
	var x starlark.Value
	for iter.Next(&x) {
		items = append(items, x)
	}
	iter.Done()

	name := thread.Name
	values, err := h.fibers.Parallelize(threadContext(thread), items,
		func(ctx context.Context, item any, index int) (any, error) {
			return starlark.Call(h.newThread(ctx, fmt.Sprintf("%s[%d]", name, index)), fn,
				starlark.Tuple{item.(starlark.Value)}, nil)
		})
	if err != nil {
		return nil, err
	}
	return valueList(values)
}

func (h *Host) setVar(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec, value starlark.Value
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &spec, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	target, err := h.resolveTarget(spec)
	if err != nil {
		return nil, err
	}
	goValue, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	h.inventory.SetVar(target, key, goValue)
	return starlark.None, nil
}

func (h *Host) vars(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &spec); err != nil {
		return nil, err
	}
	target, err := h.resolveTarget(spec)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(h.inventory.Vars(target))
}

func (h *Host) addFacts(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec, rawFacts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &spec, "facts", &rawFacts); err != nil {
		return nil, err
	}
	target, err := h.resolveTarget(spec)
	if err != nil {
		return nil, err
	}
	facts, err := stringDict("facts", rawFacts)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(h.inventory.AddFacts(target, facts))
}

func (h *Host) facts(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &spec); err != nil {
		return nil, err
	}
	target, err := h.resolveTarget(spec)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(h.inventory.Facts(target))
}

func (h *Host) setFeature(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec starlark.Value
	var feature string
	value := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &spec, "feature", &feature, "value?", &value); err != nil {
		return nil, err
	}
	target, err := h.resolveTarget(spec)
	if err != nil {
		return nil, err
	}
	h.inventory.SetFeature(target, feature, value)
	return toStarlarkValue(h.inventory.Features(target))
}

func (h *Host) failPlan(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	kind := DefaultFailureKind
	var rawDetails starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"message", &message, "kind?", &kind, "details?", &rawDetails); err != nil {
		return nil, err
	}
	details, err := stringDict("details", rawDetails)
	if err != nil {
		return nil, err
	}

	failure := result.NewError(result.Kind(kind), message, nil)
	for k, v := range details {
		failure.WithDetail(k, v)
	}
	return nil, failure
}
