// Package scheduler turns a dependency graph plus the live state of a batch
// into runnable contract sets. It enforces the level barrier, concurrency
// limits and blocked hard dependencies so the orchestrator does not have to
// re-implement that filtering.
package scheduler
