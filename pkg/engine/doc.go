// Package engine dispatches actions to targets.
//
// # Overview
//
// An Executor runs one action (a command, script, task, file transfer or
// liveness wait) against a list of targets and returns exactly one Result per
// target, in input order:
//
//	exec := engine.New(registry,
//	    engine.WithNotifier(n),
//	    engine.WithConcurrency(50),
//	)
//	rs, err := exec.RunCommand(ctx, targets, "uptime", transport.Options{})
//
// # Dispatch
//
// Targets are grouped by transport. Transports implementing
// transport.Batcher split their group into batches acted on with one call;
// every other target is its own batch. Batches run on a pool of at most
// Concurrency workers, and a semaphore shared by every action of the
// Executor keeps the total number of running batches within the same bound
// when several plan fibers start actions at once.
//
// When called from inside a fiber, an action yields while its workers run so
// the other fibers of the plan keep making progress.
//
// # Failures
//
// Transport failures never escape as Go errors. Connection failures become
// connect-error Results, panics and unexpected errors become exception-error
// Results, and actions a transport does not implement become
// unsupported-error Results. Unless Options.CatchErrors is set, an action
// with any failed Result also returns a *result.RunFailure alongside the
// ResultSet.
//
// # Events
//
// With a Notifier attached, every action publishes action_start, one
// node_start and node_result per target, then action_finish.
package engine
