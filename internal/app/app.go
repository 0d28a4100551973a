package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"schedkit/internal/config"
	"schedkit/internal/eventbus"
	"schedkit/internal/metrics"
	"schedkit/internal/observability/debugserver"
	"schedkit/internal/pool"
	"schedkit/internal/runner"
	rtsup "schedkit/internal/runtime/supervisor"
	"schedkit/internal/scheduler"
	logx "schedkit/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics *metrics.Registry
	pool    *pool.Pool
	sched   *scheduler.Service
	runners *runner.Registry
	scripts *runner.ScriptCache
	debug   *debugserver.Service

	// applied holds the job definitions currently registered, by lower-cased name.
	mu      sync.Mutex
	applied map[string]config.JobConfig
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	reg := metrics.NewRegistry()
	schedMetrics := metrics.NewScheduler()
	reg.RegisterScheduler(schedMetrics)

	var p *pool.Pool
	pcfg, poolEnabled, err := mapPoolConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if poolEnabled {
		factory := &runner.SessionFactory{
			Root: cfg.Pool.Workdir,
			Log:  log.With(logx.String("comp", "session")),
		}
		p, err = pool.New(pcfg, factory, log.With(logx.String("comp", "pool")))
		if err != nil {
			return fail(err)
		}
		reg.MustRegister(metrics.PoolCollectors(p.Stats)...)
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sched := scheduler.New(scfg, p, log.With(logx.String("comp", "scheduler")), bus, schedMetrics)

	scripts := runner.NewScriptCache(log.With(logx.String("comp", "scripts")))
	runners := runner.NewRegistry(log.With(logx.String("comp", "runner")), scripts)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = sched.Close()
		return fail(err)
	}
	debug := debugserver.New(dcfg, debugserver.Routes{
		Metrics: reg.Handler(),
		Jobs:    debugserver.JobsHandler(sched),
	}, log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		metrics: reg,
		pool:    p,
		sched:   sched,
		runners: runners,
		scripts: scripts,
		debug:   debug,
		applied: make(map[string]config.JobConfig),
	}, nil
}

// Scheduler exposes the scheduler for embedding and tests.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Runners exposes the runner registry so embedders can add source kinds.
func (a *App) Runners() *runner.Registry { return a.runners }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject reloads whose jobs cannot be compiled.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		for i, j := range cfg.Jobs {
			if _, err := a.compile(j, i); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if a.pool != nil {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.pool.Warm(wctx)
		cancel()
		if err != nil {
			a.log.Warn("pool warm-up incomplete", logx.Err(err))
		}
	}

	cfg := a.cfgm.Get()
	a.applyJobs(cfg.Jobs)

	dcfg, _ := mapDebugConfig(cfg)
	a.debug.Reconfigure(ctx, dcfg)

	a.sup.Go("scripts.watch", func(c context.Context) error {
		// Without the watcher scripts are re-read on every run; not fatal.
		if err := a.scripts.Watch(c); err != nil {
			a.log.Warn("script watcher unavailable", logx.Err(err))
		}
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e := <-events:
				a.log.Trace("event", logx.String("type", e.Type), logx.String("id", e.ID), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.log.Info("started",
		logx.String("config", a.cfgPath),
		logx.Int("jobs", a.sched.Len()),
		logx.Bool("pool", a.pool != nil),
		logx.String("tz", a.sched.Location().String()),
	)
	return nil
}

// applyConfig applies a reloaded config. Logging, debug server and jobs
// change live; scheduler and pool settings need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, jobs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)
	if len(jobs) > 0 {
		a.log.Debug("job definitions changed", logx.Any("jobs", jobs))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(next))
		case "debug":
			dcfg, err := mapDebugConfig(next)
			if err != nil {
				a.log.Warn("debug config rejected", logx.Err(err))
				continue
			}
			a.debug.Reconfigure(ctx, dcfg)
		case "scheduler", "pool":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "jobs":
			a.applyJobs(next.Jobs)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bound every step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) func() error {
		return func() error {
			start := time.Now()
			stepCtx, cancel := context.WithTimeout(ctx, max)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- fn(stepCtx) }()
			select {
			case err := <-done:
				if err != nil {
					a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				}
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
				return err
			case <-stepCtx.Done():
				a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
				return stepCtx.Err()
			}
		}
	}

	var g errgroup.Group
	g.Go(step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil }))
	// Closes the pool too.
	g.Go(step("scheduler", 3*time.Second, func(context.Context) error { return a.sched.Close() }))
	err := g.Wait()

	if werr := step("supervisor", 2*time.Second, a.sup.Stop)(); err == nil {
		err = werr
	}

	c := a.sup.Counters()
	a.log.Info("stopped",
		logx.Int64("goroutines_active", c.Active),
		logx.Uint64("goroutines_started", c.Started),
		logx.Uint64("goroutine_panics", c.Panics),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
