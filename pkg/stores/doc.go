// Package stores persists the run journal: one row per action run, one per
// target result and one per plan run, kept in SQLite and migrated with
// golang-migrate from embedded SQL files.
//
// A Journal subscribes to a notifier and turns action_start, node_result,
// action_finish, plan_start and plan_finish events into Store writes. Actions
// dispatched inside a plan carry the plan run id, so ListRuns can return the
// actions of one plan.
package stores
