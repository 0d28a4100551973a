package app

import (
	"errors"
	"strings"

	"schedkit/internal/config"
	"schedkit/internal/scheduler"
	logx "schedkit/pkg/logx"
)

func (a *App) compile(j config.JobConfig, idx int) (scheduler.Runner, error) {
	src, err := sourceFromJob(j, idx)
	if err != nil {
		return nil, err
	}
	return a.runners.Compile(src)
}

// applyJobs reconciles registered jobs with want: new jobs are scheduled,
// missing ones cancelled, changed ones re-registered and paused flags toggled.
// A job that fails to register is left out and retried on the next reload.
func (a *App) applyJobs(want []config.JobConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	have := make([]config.JobConfig, 0, len(a.applied))
	for _, j := range a.applied {
		have = append(have, j)
	}
	index := make(map[string]int, len(want))
	for i, j := range want {
		index[jobKey(j.Name)] = i
	}
	c := config.DiffJobs(have, want)

	for _, j := range c.Removed {
		a.sched.Cancel(j.Name)
		delete(a.applied, jobKey(j.Name))
	}
	for _, j := range c.Changed {
		a.sched.Cancel(j.Name)
		delete(a.applied, jobKey(j.Name))
		a.register(j, index[jobKey(j.Name)])
	}
	for _, j := range c.Added {
		a.register(j, index[jobKey(j.Name)])
	}
	for _, j := range c.Paused {
		a.sched.Pause(j.Name)
		a.applied[jobKey(j.Name)] = j
	}
	for _, j := range c.Resumed {
		a.sched.Resume(j.Name)
		a.applied[jobKey(j.Name)] = j
	}
}

func (a *App) register(j config.JobConfig, idx int) {
	log := a.log.With(logx.String("job", j.Name))
	run, err := a.compile(j, idx)
	if err != nil {
		log.Error("job not scheduled", logx.Err(err))
		return
	}
	// Register paused jobs without the immediate run, then pause before the first slot.
	err = a.sched.ScheduleSpec(j.Name, j.Schedule, run, j.RunImmediately && !j.Paused)
	if errors.Is(err, scheduler.ErrDuplicate) {
		// Registered outside the config (embedder); leave it alone.
		log.Warn("job name already in use; config entry ignored")
		return
	}
	if err != nil {
		log.Error("job not scheduled", logx.Err(err))
		return
	}
	if j.Paused {
		a.sched.Pause(j.Name)
	}
	a.applied[jobKey(j.Name)] = j
}

func jobKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
