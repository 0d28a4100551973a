package config

import (
	"sort"
	"strings"

	logx "schedkit/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of jobs that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.suspend_poll", newCfg.Scheduler.SuspendPoll),
			logx.String("scheduler.cancel_grace", newCfg.Scheduler.CancelGrace),
			logx.Int("scheduler.max_catch_up", newCfg.Scheduler.MaxCatchUp),
		)
	}

	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.min", newCfg.Pool.Min),
			logx.Int("pool.max", newCfg.Pool.Max),
			logx.String("pool.affinity", newCfg.Pool.Affinity),
		)
	}

	// Debug (never log token)
	od, nd := oldCfg.Debug, newCfg.Debug
	tokenChanged := od.Token != nd.Token
	od.Token, nd.Token = "", ""
	if od != nd || tokenChanged {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	jd := DiffJobs(oldCfg.Jobs, newCfg.Jobs)
	jobNames := jd.Names()
	if len(jobNames) > 0 || len(jd.Paused)+len(jd.Resumed) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Int("jobs.added", len(jd.Added)),
			logx.Int("jobs.removed", len(jd.Removed)),
			logx.Int("jobs.changed", len(jd.Changed)),
			logx.Int("jobs.paused", len(jd.Paused)),
			logx.Int("jobs.resumed", len(jd.Resumed)),
		)
	}

	return changed, attrs, jobNames
}

// JobChanges groups job definitions by what a reload must do with them.
// Jobs are matched by case-insensitive name.
type JobChanges struct {
	Added   []JobConfig
	Removed []JobConfig
	// Changed holds the new definition of jobs whose schedule or body changed.
	Changed []JobConfig
	// Paused and Resumed hold jobs whose only change is the paused flag.
	Paused  []JobConfig
	Resumed []JobConfig
}

// Names lists added, removed and changed job names, sorted.
func (c JobChanges) Names() []string {
	out := make([]string, 0, len(c.Added)+len(c.Removed)+len(c.Changed))
	for _, group := range [][]JobConfig{c.Added, c.Removed, c.Changed} {
		for _, j := range group {
			out = append(out, j.Name)
		}
	}
	sort.Strings(out)
	return out
}

func DiffJobs(oldJobs, newJobs []JobConfig) JobChanges {
	prev := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		prev[jobKey(j.Name)] = j
	}

	var c JobChanges
	seen := make(map[string]struct{}, len(newJobs))
	for _, j := range newJobs {
		k := jobKey(j.Name)
		seen[k] = struct{}{}
		o, ok := prev[k]
		switch {
		case !ok:
			c.Added = append(c.Added, j)
		case o.Name != j.Name || JobHash(o) != JobHash(j):
			c.Changed = append(c.Changed, j)
		case !o.Paused && j.Paused:
			c.Paused = append(c.Paused, j)
		case o.Paused && !j.Paused:
			c.Resumed = append(c.Resumed, j)
		}
	}
	for _, j := range oldJobs {
		if _, ok := seen[jobKey(j.Name)]; !ok {
			c.Removed = append(c.Removed, j)
		}
	}
	return c
}

func jobKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
