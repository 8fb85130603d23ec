// Package fiber runs plan code cooperatively.
//
// A plan's main body and every background block it starts are futures. Each
// future runs on its own goroutine, but the Executor hands control to exactly
// one of them at a time: a future runs until it calls Yield (directly, or
// through Wait or an engine action waiting on its workers) or returns, and
// only then does the scheduler resume the next one. Plan code therefore never
// runs concurrently with other plan code, while the actions it starts keep
// running on real worker goroutines.
//
// Scheduling:
//
//	exec := fiber.New(fiber.WithLogger(logger))
//	value, err := exec.RunMain(ctx, planID, "deploy", scope, func(ctx context.Context, s fiber.Scope) (any, error) {
//	    f := exec.CreateFuture(ctx, planID, s, "warm cache", warm)
//	    values, err := exec.Wait(ctx, []*fiber.PlanFuture{f}, fiber.WaitOptions{Timeout: fiber.After(time.Minute)})
//	    ...
//	})
//
// Future 0 is the main body. Background futures get ids from 1 upward in
// creation order and first run on the scheduler tick after their creation.
// Each tick resumes every active future once; a tick in which nothing made
// progress is followed by a short idle sleep.
//
// Parallelize maps a function over a slice with one Yarn per element, under
// the same one-at-a-time rule.
package fiber
