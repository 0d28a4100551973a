package scheduler

import (
	"time"

	logx "schedkit/pkg/logx"
)

const (
	failureLogEvery = 5 * time.Second
	failureLogBurst = 5
)

// reportFailure logs a failed run. A job failing in a tight loop is throttled
// per job; suppressed lines are counted and reported with the next one that passes.
func (s *Service) reportFailure(j *job, err error, took time.Duration, next time.Time) {
	if err == nil {
		return
	}
	if !j.failLog.Allow() {
		j.suppressed.Add(1)
		return
	}
	if s.log.IsZero() {
		return
	}
	fields := []logx.Field{
		logx.String("job", j.name),
		logx.Err(err),
		logx.Duration("took", took),
		logx.Time("next", next.In(s.loc)),
	}
	if n := j.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Int64("suppressed", n))
	}
	s.log.Error("job run failed", fields...)
}
