package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"schedkit/internal/pool"
)

// Config controls the scheduler service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local

	// SuspendPoll is how often a paused loop re-checks its flag. Default 1s.
	SuspendPoll time.Duration

	// CancelGrace and CancelGraceExtra bound how long Cancel waits for a loop to exit
	// (first wait, then the escalated wait). Defaults 250ms and 750ms.
	CancelGrace      time.Duration
	CancelGraceExtra time.Duration

	// MaxCatchUp caps how many past interval slots are skipped after one run. Default 10000.
	MaxCatchUp int
}

func (c Config) withDefaults() Config {
	if c.SuspendPoll <= 0 {
		c.SuspendPoll = time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 250 * time.Millisecond
	}
	if c.CancelGraceExtra <= 0 {
		c.CancelGraceExtra = 750 * time.Millisecond
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = 10000
	}
	return c
}

// Runner is a unit of work. It must observe ctx and return promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// ContextRunner is a Runner that may need a pooled execution context.
// When NeedsContext reports true the scheduler calls RunWith instead of Run.
type ContextRunner interface {
	Runner
	NeedsContext() bool
	RunWith(ctx context.Context, ec pool.Resource) error
}

func needsContext(r Runner) (ContextRunner, bool) {
	cr, ok := r.(ContextRunner)
	if !ok || !cr.NeedsContext() {
		return nil, false
	}
	return cr, true
}

// farFuture pins NextRunAt for cron expressions with no future occurrence.
var farFuture = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// runTimes is published as a unit so observers never see Next stale relative to Last.
type runTimes struct {
	Last time.Time // zero until the first run completes
	Next time.Time
}

type job struct {
	key            string
	name           string
	trigger        Trigger
	run            Runner
	runImmediately bool
	anchor         time.Time

	// iteration counts completed runs plus skipped slots; Next is slot(iteration+1).
	// Only the loop goroutine touches it.
	iteration int64
	// exhaustedWarned is loop-owned as well.
	exhaustedWarned bool

	suspended atomic.Bool
	completed atomic.Bool
	times     atomic.Pointer[runTimes]
	runs      atomic.Int64
	failures  atomic.Int64
	lastErr   atomic.Pointer[string]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	failLog    *rate.Limiter
	suppressed atomic.Int64
}

// slot returns the fire time of interval slot n.
func (j *job) slot(n int64) time.Time {
	return j.anchor.Add(time.Duration(n) * j.trigger.Every)
}

// JobInfo is a read-only projection of one job.
type JobInfo struct {
	Name        string     `json:"name"`
	Trigger     string     `json:"trigger"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   time.Time  `json:"next_run_at"`
	IsSuspended bool       `json:"is_suspended"`
	IsCompleted bool       `json:"is_completed"`
	Runs        int64      `json:"runs"`
	Failures    int64      `json:"failures"`
	LastError   string     `json:"last_error,omitempty"`
}

// Report wraps a snapshot with its generation time.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Timezone    string    `json:"timezone"`
	Jobs        []JobInfo `json:"jobs"`
}

// SnapshotOptions filters and localizes a snapshot.
type SnapshotOptions struct {
	// Location converts timestamps; nil uses the scheduler timezone.
	Location *time.Location
	// Names are case-insensitive glob patterns ("*", "?", "[a-z]"); empty matches all.
	Names []string
}

// Event types published on the bus.
const (
	EventScheduled = "job.scheduled"
	EventStarted   = "job.started"
	EventFinished  = "job.finished"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
	EventPaused    = "job.paused"
	EventResumed   = "job.resumed"
)

// JobEvent is the Data payload of scheduler events.
type JobEvent struct {
	RunID     string        `json:"run_id,omitempty"`
	Name      string        `json:"name"`
	Started   time.Time     `json:"started,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	NextRunAt time.Time     `json:"next_run_at,omitempty"`
	Error     string        `json:"error,omitempty"`
}
