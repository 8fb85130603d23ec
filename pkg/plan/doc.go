// Package plan runs Starlark plans.
//
// A plan is a .star file defining a plan() function whose parameters are
// filled from the caller's params by name:
//
//	def plan(targets, version="latest"):
//	    run_command("systemctl stop app", targets)
//	    r = run_task("app::install", targets, params={"version": version})
//	    wait_until_available(targets, wait_time=300)
//	    return r.names
//
// The main body runs as future 0 of a fiber.Executor. background(fn) starts
// another future, wait() and parallelize() suspend the calling future, and
// actions suspend it while the engine's workers run, so background blocks
// make progress whenever the main body is waiting. A background block gets
// its inputs as arguments, deep-copied when the future is created; a block
// that refers to locals of the function starting it is rejected.
//
// Plan functions:
//
//	get_targets(*specs)                          list of target names
//	run_command(command, targets, **options)     ResultSet
//	run_script(script, targets, arguments=[], **options)
//	run_task(task, targets, params={}, **options)
//	upload_file(source, destination, targets, **options)
//	download_file(source, destination, targets, **options)
//	wait_until_available(targets, **options)
//	run_plan(name, **params)                     nested plan, own run id
//	background(fn, *args, name=)                 Future
//	wait(futures=None, timeout=None, catch_errors=False)
//	parallelize(items, fn)
//	set_var(target, key, value), vars(target)
//	add_facts(target, facts), facts(target)
//	set_feature(target, feature, value=True)
//	fail_plan(message, kind=, details=)
//
// A ResultSet is a struct with ok, count, names, failed and results; each
// result has target, ok, status, action, object, message, value and error.
// A failed action without catch_errors=True aborts the plan with the
// engine's run failure.
//
// load() reads modules relative to the plans directory.
package plan
