package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"schedkit/internal/eventbus"
	"schedkit/internal/metrics"
	"schedkit/internal/pool"
	rtsup "schedkit/internal/runtime/supervisor"
	logx "schedkit/pkg/logx"
)

type Service struct {
	cfg     Config
	loc     *time.Location
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Scheduler
	pool    *pool.Pool

	// jobs maps the lower-cased name to *job.
	jobs   sync.Map
	sup    *rtsup.Supervisor
	closed atomic.Bool
}

// New creates a scheduler. The service takes ownership of p (may be nil) and
// closes it in Close. bus and m are optional.
func New(cfg Config, p *pool.Pool, log logx.Logger, bus eventbus.Bus, m *metrics.Scheduler) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		metrics: m,
		pool:    p,
	}
	s.loc = s.loadLocation()
	s.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log),
		// A failing job must never take the others down.
		rtsup.WithCancelOnError(false),
	)
	return s
}

// Location returns the timezone used for cron evaluation and snapshots.
func (s *Service) Location() *time.Location { return s.loc }

// Schedule registers a job and starts its loop.
func (s *Service) Schedule(name string, trig Trigger, run Runner, runImmediately bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if err := trig.Validate(); err != nil {
		return err
	}
	if run == nil {
		return ErrRunnerRequired
	}
	if _, ok := needsContext(run); ok && s.pool == nil {
		return ErrNoPool
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(s.sup.Context())
	j := &job{
		key:            jobKey(name),
		name:           name,
		trigger:        trig,
		run:            run,
		runImmediately: runImmediately,
		anchor:         now,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		failLog:        rate.NewLimiter(rate.Every(failureLogEvery), failureLogBurst),
	}

	var next time.Time
	if trig.IsCron() {
		next = trig.Cron.Next(now.In(s.loc))
		if next.IsZero() {
			next = farFuture
		}
	} else {
		next = j.slot(1)
	}
	j.times.Store(&runTimes{Next: next})

	if _, loaded := s.jobs.LoadOrStore(j.key, j); loaded {
		cancel()
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	s.metrics.AddRegistered(1)
	// Close may have raced with registration.
	if s.closed.Load() {
		if s.jobs.CompareAndDelete(j.key, j) {
			s.metrics.AddRegistered(-1)
		}
		cancel()
		j.completed.Store(true)
		close(j.done)
		return ErrClosed
	}

	s.sup.Go("job."+j.key, func(context.Context) error {
		s.loop(j)
		return nil
	})

	s.log.Info("job scheduled",
		logx.String("job", name),
		logx.String("trigger", trig.String()),
		logx.Time("next", next.In(s.loc)),
		logx.Bool("run_immediately", runImmediately),
	)
	s.publish(EventScheduled, JobEvent{Name: name, NextRunAt: next})
	return nil
}

// ScheduleSpec parses spec with ParseTrigger and registers the job.
func (s *Service) ScheduleSpec(name, spec string, run Runner, runImmediately bool) error {
	trig, err := ParseTrigger(spec)
	if err != nil {
		return err
	}
	return s.Schedule(name, trig, run, runImmediately)
}

// Cancel removes the job and signals its loop. It waits a bounded, escalating
// grace period for the loop to exit. Returns false if name is unknown.
func (s *Service) Cancel(name string) bool {
	j, ok := s.remove(name)
	if !ok {
		return false
	}
	if waitDone(j.done, s.cfg.CancelGrace) {
		return true
	}
	if waitDone(j.done, s.cfg.CancelGraceExtra) {
		return true
	}
	s.metrics.IncCancelTimeout()
	s.log.Warn("job still running after cancel grace period",
		logx.String("job", j.name),
		logx.Duration("waited", s.cfg.CancelGrace+s.cfg.CancelGraceExtra),
	)
	return true
}

// CancelWait removes the job and waits up to timeout (or ctx) for its loop to exit.
// A timeout is logged, not returned: the job is cancelled either way.
func (s *Service) CancelWait(ctx context.Context, name string, timeout time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	j, ok := s.remove(name)
	if !ok {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-j.done:
	case <-t.C:
		s.metrics.IncCancelTimeout()
		s.log.Warn("timed out waiting for cancelled job", logx.String("job", j.name), logx.Duration("timeout", timeout))
	case <-ctx.Done():
		s.log.Warn("stopped waiting for cancelled job", logx.String("job", j.name), logx.Err(ctx.Err()))
	}
	return true
}

// CancelAll cancels every registered job. Jobs are cancelled concurrently.
func (s *Service) CancelAll() {
	var g errgroup.Group
	s.jobs.Range(func(_, v any) bool {
		name := v.(*job).name
		g.Go(func() error {
			s.Cancel(name)
			return nil
		})
		return true
	})
	_ = g.Wait()
}

// Pause suspends a job. Its loop keeps running and polls the flag.
func (s *Service) Pause(name string) bool {
	j, ok := s.lookup(name)
	if !ok {
		return false
	}
	if j.suspended.CompareAndSwap(false, true) {
		s.metrics.AddSuspended(1)
		s.log.Info("job paused", logx.String("job", j.name))
		s.publish(EventPaused, JobEvent{Name: j.name})
	}
	return true
}

// Resume clears a job's suspension flag.
func (s *Service) Resume(name string) bool {
	j, ok := s.lookup(name)
	if !ok {
		return false
	}
	if j.suspended.CompareAndSwap(true, false) {
		s.metrics.AddSuspended(-1)
		s.log.Info("job resumed", logx.String("job", j.name))
		s.publish(EventResumed, JobEvent{Name: j.name})
	}
	return true
}

// Done returns the loop handle of a registered job; it is closed once the loop exits.
// Grab it before Cancel to await the exit without a grace bound.
func (s *Service) Done(name string) (<-chan struct{}, bool) {
	j, ok := s.lookup(name)
	if !ok {
		return nil, false
	}
	return j.done, true
}

// Wait blocks until the named job's loop has exited or ctx is done.
func (s *Service) Wait(ctx context.Context, name string) error {
	done, ok := s.Done(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of registered jobs.
func (s *Service) Len() int {
	n := 0
	s.jobs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close cancels every job, waits for loops within the cancel grace bounds and
// closes the owned pool. Further Schedule calls fail with ErrClosed.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	start := time.Now()
	s.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CancelGrace+s.cfg.CancelGraceExtra)
	err := s.sup.Stop(ctx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("some job loops did not exit before close returned")
	}

	var perr error
	if s.pool != nil {
		perr = s.pool.Close()
	}
	s.log.Info("scheduler closed", logx.Duration("took", time.Since(start)))
	return perr
}

func (s *Service) lookup(name string) (*job, bool) {
	v, ok := s.jobs.Load(jobKey(name))
	if !ok {
		return nil, false
	}
	return v.(*job), true
}

func (s *Service) remove(name string) (*job, bool) {
	v, ok := s.jobs.LoadAndDelete(jobKey(name))
	if !ok {
		return nil, false
	}
	j := v.(*job)
	j.cancel()

	s.metrics.AddRegistered(-1)
	if j.suspended.Load() {
		s.metrics.AddSuspended(-1)
	}
	s.log.Info("job cancelled", logx.String("job", j.name))
	s.publish(EventCancelled, JobEvent{Name: j.name})
	return j, true
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func jobKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func waitDone(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
