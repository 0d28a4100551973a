// Package pool manages a bounded set of reusable, expensive-to-create
// execution contexts (sessions) shared by scheduled jobs.
//
// Contexts are created lazily up to Max, returned to an idle stash on
// Release, and closed when the pool is closed. Capacity is reserved with an
// atomic increment-then-check-then-rollback, so Acquire never holds a lock
// while a context is being created.
package pool
