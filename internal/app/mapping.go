package app

import (
	"fmt"
	"strings"

	"schedkit/internal/config"
	"schedkit/internal/observability/debugserver"
	"schedkit/internal/pool"
	"schedkit/internal/runner"
	"schedkit/internal/scheduler"
	logx "schedkit/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	suspend, err := config.ParseDurationField("scheduler.suspend_poll", sc.SuspendPoll)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationField("scheduler.cancel_grace", sc.CancelGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	extra, err := config.ParseDurationField("scheduler.cancel_grace_extra", sc.CancelGraceExtra)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:         sc.Timezone,
		SuspendPoll:      suspend,
		CancelGrace:      grace,
		CancelGraceExtra: extra,
		MaxCatchUp:       sc.MaxCatchUp,
	}, nil
}

// mapPoolConfig reports enabled=false when pool.max is 0.
func mapPoolConfig(cfg *config.Config) (pool.Config, bool, error) {
	pc := cfg.Pool
	if pc.Max <= 0 {
		return pool.Config{}, false, nil
	}
	aff, err := pool.ParseAffinity(pc.Affinity)
	if err != nil {
		return pool.Config{}, false, err
	}
	poll, err := config.ParseDurationField("pool.poll_every", pc.PollEvery)
	if err != nil {
		return pool.Config{}, false, err
	}
	return pool.Config{Min: pc.Min, Max: pc.Max, Affinity: aff, PollEvery: poll}, true, nil
}

func mapDebugConfig(cfg *config.Config) (debugserver.Config, error) {
	dc := cfg.Debug
	rt, err := config.ParseDurationField("debug.read_timeout", dc.ReadTimeout)
	if err != nil {
		return debugserver.Config{}, err
	}
	wt, err := config.ParseDurationField("debug.write_timeout", dc.WriteTimeout)
	if err != nil {
		return debugserver.Config{}, err
	}
	it, err := config.ParseDurationField("debug.idle_timeout", dc.IdleTimeout)
	if err != nil {
		return debugserver.Config{}, err
	}
	return debugserver.Config{
		Enabled:              dc.Enabled,
		Addr:                 dc.Addr,
		Prefix:               dc.Prefix,
		Token:                dc.Token,
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
		MemProfileRate:       dc.MemProfileRate,
	}, nil
}

// sourceFromJob maps a configured job to a runner source.
func sourceFromJob(j config.JobConfig, idx int) (runner.Source, error) {
	timeout, err := config.ParseDurationField(fmt.Sprintf("jobs[%d].timeout", idx), j.Timeout)
	if err != nil {
		return runner.Source{}, err
	}
	src := runner.Source{
		Name:         strings.TrimSpace(j.Name),
		Timeout:      timeout,
		Env:          j.Env,
		NeedsContext: j.NeedsContext,
	}
	if strings.TrimSpace(j.File) != "" {
		src.Kind = runner.KindFile
		src.File = j.File
	} else {
		src.Kind = runner.KindCommand
		src.Command = j.Command
	}
	return src, nil
}
