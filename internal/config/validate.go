package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"schedkit/internal/pool"
	"schedkit/internal/scheduler"
)

// Validate checks cfg without side effects. Every problem is reported, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for _, f := range [][2]string{
		{"scheduler.suspend_poll", cfg.Scheduler.SuspendPoll},
		{"scheduler.cancel_grace", cfg.Scheduler.CancelGrace},
		{"scheduler.cancel_grace_extra", cfg.Scheduler.CancelGraceExtra},
		{"pool.poll_every", cfg.Pool.PollEvery},
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
		{"debug.idle_timeout", cfg.Debug.IdleTimeout},
	} {
		_, err := ParseDurationField(f[0], f[1])
		add(err)
	}
	if cfg.Scheduler.MaxCatchUp < 0 {
		add(errors.New("scheduler.max_catch_up: must be >= 0"))
	}

	if cfg.Pool.Min < 0 || cfg.Pool.Max < 0 {
		add(errors.New("pool: min and max must be >= 0"))
	}
	if cfg.Pool.Max > 0 && cfg.Pool.Min > cfg.Pool.Max {
		add(fmt.Errorf("pool: min (%d) must be <= max (%d)", cfg.Pool.Min, cfg.Pool.Max))
	}
	if _, err := pool.ParseAffinity(cfg.Pool.Affinity); err != nil {
		add(fmt.Errorf("pool.affinity: %w", err))
	}

	seen := make(map[string]int, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		p := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", p))
		} else {
			key := strings.ToLower(name)
			if prev, dup := seen[key]; dup {
				add(fmt.Errorf("%s.name: %q duplicates jobs[%d] (names are case-insensitive)", p, name, prev))
			}
			seen[key] = i
		}
		if strings.TrimSpace(j.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", p))
		} else {
			if _, err := scheduler.ParseTrigger(j.Schedule); err != nil {
				add(fmt.Errorf("%s.schedule: %w", p, err))
			}
		}
		hasCmd := strings.TrimSpace(j.Command) != ""
		hasFile := strings.TrimSpace(j.File) != ""
		switch {
		case hasCmd && hasFile:
			add(fmt.Errorf("%s: command and file are mutually exclusive", p))
		case !hasCmd && !hasFile:
			add(fmt.Errorf("%s: one of command or file is required", p))
		}
		_, err := ParseDurationField(p+".timeout", j.Timeout)
		add(err)
		if j.NeedsContext && cfg.Pool.Max == 0 {
			add(fmt.Errorf("%s.needs_context: pool.max must be > 0", p))
		}
	}
	return errors.Join(errs...)
}
