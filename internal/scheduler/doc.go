// Package scheduler runs named jobs on cron or fixed-interval triggers.
//
// Each registered job owns one background loop that sleeps until the job is
// due, checks its suspension flag, invokes the runner (borrowing a pooled
// execution context when the runner needs one) and republishes LastRunAt and
// NextRunAt as a single atomic update.
//
// Interval jobs are anchored: the n-th slot fires at anchor + n*interval, so
// execution latency never accumulates into drift. Cron jobs compute their next
// occurrence in the scheduler timezone.
//
// Snapshots and reports read per-job atomics and never block a running loop.
package scheduler
