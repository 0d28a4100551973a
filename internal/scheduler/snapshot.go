package scheduler

import (
	"path"
	"sort"
	"strings"
	"time"
)

// Snapshot returns every job, converted to the scheduler timezone and
// ordered by NextRunAt, then name.
func (s *Service) Snapshot() []JobInfo {
	return s.SnapshotWith(SnapshotOptions{})
}

// SnapshotWith is Snapshot with a name filter and an explicit timezone.
func (s *Service) SnapshotWith(opts SnapshotOptions) []JobInfo {
	loc := opts.Location
	if loc == nil {
		loc = s.loc
	}
	patterns := make([]string, 0, len(opts.Names))
	for _, p := range opts.Names {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, strings.ToLower(p))
		}
	}

	items := make([]JobInfo, 0, 8)
	s.jobs.Range(func(k, v any) bool {
		if !matchAny(patterns, k.(string)) {
			return true
		}
		items = append(items, v.(*job).info(loc))
		return true
	})

	sort.Slice(items, func(a, b int) bool {
		if !items[a].NextRunAt.Equal(items[b].NextRunAt) {
			return items[a].NextRunAt.Before(items[b].NextRunAt)
		}
		return strings.ToLower(items[a].Name) < strings.ToLower(items[b].Name)
	})
	return items
}

// SnapshotMap keys the snapshot by the lower-cased job name.
func (s *Service) SnapshotMap(opts SnapshotOptions) map[string]JobInfo {
	items := s.SnapshotWith(opts)
	out := make(map[string]JobInfo, len(items))
	for _, it := range items {
		out[jobKey(it.Name)] = it
	}
	return out
}

// Report returns a snapshot in loc (nil: scheduler timezone) with its generation time.
func (s *Service) Report(loc *time.Location) Report {
	return s.ReportWith(SnapshotOptions{Location: loc})
}

// ReportWith is Report with a name filter.
func (s *Service) ReportWith(opts SnapshotOptions) Report {
	if opts.Location == nil {
		opts.Location = s.loc
	}
	generated := time.Now().In(opts.Location)
	return Report{
		GeneratedAt: generated,
		Timezone:    opts.Location.String(),
		Jobs:        s.SnapshotWith(opts),
	}
}

func (j *job) info(loc *time.Location) JobInfo {
	t := j.times.Load()
	it := JobInfo{
		Name:        j.name,
		Trigger:     j.trigger.String(),
		NextRunAt:   t.Next.In(loc),
		IsSuspended: j.suspended.Load(),
		IsCompleted: j.completed.Load(),
		Runs:        j.runs.Load(),
		Failures:    j.failures.Load(),
	}
	if !t.Last.IsZero() {
		last := t.Last.In(loc)
		it.LastRunAt = &last
	}
	if e := j.lastErr.Load(); e != nil {
		it.LastError = *e
	}
	return it
}

// matchAny reports whether key matches one of the glob patterns.
// A malformed pattern falls back to literal comparison.
func matchAny(patterns []string, key string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		ok, err := path.Match(p, key)
		if err != nil {
			ok = p == key
		}
		if ok {
			return true
		}
	}
	return false
}
