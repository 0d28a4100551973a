package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	logx "schedkit/pkg/logx"
)

// loop is the per-job state machine. It runs until the job's context is cancelled.
func (s *Service) loop(j *job) {
	defer func() {
		j.completed.Store(true)
		close(j.done)
		// A job re-registered under the same name owns the series now.
		if v, ok := s.jobs.Load(j.key); !ok || v == j {
			s.metrics.Forget(j.name)
		}
	}()
	ctx := j.ctx

	if j.runImmediately && !j.suspended.Load() {
		s.safeRun(j)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if j.suspended.Load() {
			if !sleepCtx(ctx, s.cfg.SuspendPoll) {
				return
			}
			continue
		}

		delay, ok := s.delayUntilNext(j, time.Now())
		if !ok {
			// No future occurrence: idle until cancelled.
			<-ctx.Done()
			return
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		// Paused while sleeping: skip this firing.
		if j.suspended.Load() {
			continue
		}
		s.safeRun(j)
	}
}

// delayUntilNext returns how long to sleep before the next firing.
// ok is false when a cron expression has no future occurrence.
func (s *Service) delayUntilNext(j *job, now time.Time) (time.Duration, bool) {
	var next time.Time
	if j.trigger.IsCron() {
		next = j.trigger.Cron.Next(now.In(s.loc))
		if next.IsZero() {
			if !j.exhaustedWarned {
				j.exhaustedWarned = true
				s.log.Warn("cron expression has no future occurrence; job will not fire again",
					logx.String("job", j.name), logx.String("cron", j.trigger.Expr))
			}
			return 0, false
		}
	} else {
		next = j.times.Load().Next
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// safeRun invokes the runner once and republishes the run timestamps.
// Runner failures are contained here; cancellation is not a failure.
func (s *Service) safeRun(j *job) {
	if j.ctx.Err() != nil {
		return
	}
	startedAt := time.Now()
	runID := uuid.NewString()
	s.publish(EventStarted, JobEvent{RunID: runID, Name: j.name, Started: startedAt})

	err := s.invoke(j)
	took := time.Since(startedAt)

	if j.ctx.Err() != nil && isCancellation(err) {
		// Expected shutdown: the job was cancelled mid-run.
		s.metrics.ObserveRun(j.name, "cancelled", took)
		s.log.Debug("job run cancelled", logx.String("job", j.name), logx.Duration("took", took))
		return
	}

	next := s.nextAfterRun(j, startedAt)
	if !next.After(startedAt) {
		next = startedAt.Add(time.Nanosecond)
	}
	j.times.Store(&runTimes{Last: startedAt, Next: next})
	j.runs.Add(1)

	if err != nil && !errors.Is(err, context.Canceled) {
		msg := err.Error()
		j.lastErr.Store(&msg)
		j.failures.Add(1)
		s.metrics.ObserveRun(j.name, "error", took)
		s.reportFailure(j, err, took, next)
		s.publish(EventFailed, JobEvent{RunID: runID, Name: j.name, Started: startedAt, Duration: took, NextRunAt: next, Error: msg})
		return
	}

	j.lastErr.Store(nil)
	s.metrics.ObserveRun(j.name, "ok", took)
	s.log.Debug("job finished", logx.String("job", j.name), logx.Duration("took", took), logx.Time("next", next.In(s.loc)))
	s.publish(EventFinished, JobEvent{RunID: runID, Name: j.name, Started: startedAt, Duration: took, NextRunAt: next})
}

// invoke runs the job's runner, borrowing a pooled context if it needs one.
// Panics are converted to errors so the loop survives.
func (s *Service) invoke(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	cr, ok := needsContext(j.run)
	if !ok {
		return j.run.Run(j.ctx)
	}
	if s.pool == nil {
		return ErrNoPool
	}
	waitStart := time.Now()
	ec, err := s.pool.AcquireWait(j.ctx)
	if err != nil {
		return fmt.Errorf("acquire execution context: %w", err)
	}
	s.metrics.ObserveContextWait(time.Since(waitStart))
	defer s.pool.Release(ec)
	return cr.RunWith(j.ctx, ec)
}

// nextAfterRun computes the next fire time after a run that started at startedAt.
//
// Interval jobs advance their slot index on every completed run, the
// immediate one included, and skip slots already in the past. The anchor
// never moves.
func (s *Service) nextAfterRun(j *job, startedAt time.Time) time.Time {
	if j.trigger.IsCron() {
		next := j.trigger.Cron.Next(startedAt.In(s.loc))
		if next.IsZero() {
			if !j.exhaustedWarned {
				j.exhaustedWarned = true
				s.log.Warn("cron expression has no future occurrence; job will not fire again",
					logx.String("job", j.name), logx.String("cron", j.trigger.Expr))
			}
			return farFuture
		}
		return next
	}

	j.iteration++
	now := time.Now()
	next := j.slot(j.iteration + 1)
	skipped := 0
	for !next.After(now) && skipped < s.cfg.MaxCatchUp {
		j.iteration++
		skipped++
		next = j.slot(j.iteration + 1)
	}
	if skipped > 0 {
		s.metrics.AddSkipped(j.name, skipped)
		s.log.Debug("interval slots skipped", logx.String("job", j.name), logx.Int("skipped", skipped))
	}
	return next
}

func isCancellation(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleepCtx waits for d or until ctx is done. It reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
