package scheduler

import "errors"

var (
	ErrNameRequired   = errors.New("scheduler: job name required")
	ErrDuplicate      = errors.New("scheduler: job already scheduled")
	ErrNoTrigger      = errors.New("scheduler: either a cron expression or an interval is required")
	ErrBothTriggers   = errors.New("scheduler: cron expression and interval are mutually exclusive")
	ErrRunnerRequired = errors.New("scheduler: runner required")
	ErrNoPool         = errors.New("scheduler: runner needs an execution context but no pool is configured")
	ErrNotFound       = errors.New("scheduler: job not found")
	ErrClosed         = errors.New("scheduler: closed")
)
