package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"schedkit/internal/eventbus"
	"schedkit/internal/metrics"
	"schedkit/internal/pool"
	logx "schedkit/pkg/logx"
)

func newTestService(t *testing.T, p *pool.Pool, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{SuspendPoll: 10 * time.Millisecond}, p, logx.Nop(), bus, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func counter(n *atomic.Int64) Runner {
	return RunnerFunc(func(ctx context.Context) error {
		n.Add(1)
		return nil
	})
}

func mustInfo(t *testing.T, s *Service, name string) JobInfo {
	t.Helper()
	it, ok := s.SnapshotMap(SnapshotOptions{})[jobKey(name)]
	if !ok {
		t.Fatalf("job %q missing from snapshot", name)
	}
	return it
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	noop := RunnerFunc(func(context.Context) error { return nil })

	if err := s.Schedule("  ", Every(time.Second), noop, false); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("blank name err = %v", err)
	}
	if err := s.Schedule("a", Trigger{}, noop, false); !errors.Is(err, ErrNoTrigger) {
		t.Fatalf("no trigger err = %v", err)
	}
	if err := s.Schedule("a", Every(time.Second), nil, false); !errors.Is(err, ErrRunnerRequired) {
		t.Fatalf("nil runner err = %v", err)
	}
	if err := s.Schedule("a", Every(time.Second), &pooledRunner{}, false); !errors.Is(err, ErrNoPool) {
		t.Fatalf("pooled runner without pool err = %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestNamesAreCaseInsensitive(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	noop := RunnerFunc(func(context.Context) error { return nil })

	if err := s.Schedule("Backup", Every(time.Hour), noop, false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Schedule("backup", Every(time.Hour), noop, false); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
	if !s.Pause("BACKUP") {
		t.Fatal("Pause by different case failed")
	}
	if it := mustInfo(t, s, "backup"); it.Name != "Backup" || !it.IsSuspended {
		t.Fatalf("info = %+v", it)
	}
	if !s.Cancel("bAcKuP") {
		t.Fatal("Cancel by different case failed")
	}
	if s.Cancel("backup") {
		t.Fatal("second Cancel should report unknown job")
	}
}

func TestImmediateRunUpdatesLastRun(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	var n atomic.Int64
	before := time.Now()
	if err := s.Schedule("now", Every(time.Hour), counter(&n), true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, time.Second, func() bool { return mustInfo(t, s, "now").LastRunAt != nil })

	it := mustInfo(t, s, "now")
	if it.LastRunAt.Before(before) {
		t.Fatalf("LastRunAt %v before schedule time %v", it.LastRunAt, before)
	}
	if !it.NextRunAt.After(*it.LastRunAt) {
		t.Fatalf("NextRunAt %v not after LastRunAt %v", it.NextRunAt, it.LastRunAt)
	}
	if n.Load() != 1 || it.Runs != 1 {
		t.Fatalf("runs = %d / %d, want 1", n.Load(), it.Runs)
	}
	// The immediate run is a completed run: the next slot is anchor+2d.
	j, _ := s.lookup("now")
	if want := j.anchor.Add(2 * time.Hour); !it.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = anchor+%v, want anchor+2h", it.NextRunAt.Sub(j.anchor))
	}
}

func TestIntervalRunsRepeatedly(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	var n atomic.Int64
	if err := s.Schedule("tick", Every(100*time.Millisecond), counter(&n), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	if got := n.Load(); got < 2 {
		t.Fatalf("runs after 350ms = %d, want >= 2", got)
	}
}

func TestIntervalNextRunStaysOnAnchorGrid(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	const every = 40 * time.Millisecond
	var n atomic.Int64
	slow := RunnerFunc(func(ctx context.Context) error {
		n.Add(1)
		time.Sleep(15 * time.Millisecond)
		return nil
	})
	if err := s.Schedule("grid", Every(every), slow, false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	j, _ := s.lookup("grid")

	waitFor(t, 2*time.Second, func() bool { return n.Load() >= 4 })
	t.Run("aligned", func(t *testing.T) {
		rt := j.times.Load()
		offset := rt.Next.Sub(j.anchor)
		if offset <= 0 || offset%every != 0 {
			t.Fatalf("NextRunAt offset %v is not a positive multiple of %v", offset, every)
		}
		if !rt.Next.After(rt.Last) {
			t.Fatalf("NextRunAt %v not after LastRunAt %v", rt.Next, rt.Last)
		}
	})
}

func TestIntervalNextRunIsAnchorPlusRuns(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	const every = 100 * time.Millisecond
	var n atomic.Int64
	if err := s.Schedule("exact", Every(every), counter(&n), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	j, _ := s.lookup("exact")
	waitFor(t, 2*time.Second, func() bool { return mustInfo(t, s, "exact").Runs >= 3 })

	// Pausing freezes Runs and NextRunAt so both can be read together.
	s.Pause("exact")
	time.Sleep(every + 50*time.Millisecond)
	it := mustInfo(t, s, "exact")
	want := j.anchor.Add(time.Duration(it.Runs+1) * every)
	if !it.NextRunAt.Equal(want) {
		t.Fatalf("after %d runs NextRunAt = anchor+%v, want anchor+%v",
			it.Runs, it.NextRunAt.Sub(j.anchor), want.Sub(j.anchor))
	}
}

func TestCatchUpSkipsMissedSlots(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	const every = 20 * time.Millisecond
	var n atomic.Int64
	// Each run overruns several slots.
	slow := RunnerFunc(func(ctx context.Context) error {
		n.Add(1)
		time.Sleep(70 * time.Millisecond)
		return nil
	})
	if err := s.Schedule("overrun", Every(every), slow, false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	j, _ := s.lookup("overrun")
	waitFor(t, 2*time.Second, func() bool { return n.Load() >= 2 && mustInfo(t, s, "overrun").Runs >= 2 })

	rt := j.times.Load()
	if rt.Next.Sub(j.anchor)%every != 0 {
		t.Fatalf("next %v off grid", rt.Next)
	}
	if !rt.Next.After(rt.Last.Add(70 * time.Millisecond)) {
		t.Fatalf("next %v does not skip past the overrun (last %v)", rt.Next, rt.Last)
	}
}

func TestPauseStopsRunsAndResumeRestarts(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	var n atomic.Int64
	if err := s.Schedule("p", Every(20*time.Millisecond), counter(&n), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !s.Pause("p") {
		t.Fatal("Pause failed")
	}
	time.Sleep(120 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("paused job ran %d times", got)
	}
	if !mustInfo(t, s, "p").IsSuspended {
		t.Fatal("IsSuspended = false while paused")
	}

	if !s.Resume("p") {
		t.Fatal("Resume failed")
	}
	waitFor(t, time.Second, func() bool { return n.Load() > 0 })
	if s.Pause("missing") || s.Resume("missing") {
		t.Fatal("Pause/Resume of unknown job should fail")
	}
}

func TestCancelInterruptsRunningJob(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	started := make(chan struct{})
	var observed atomic.Bool
	long := RunnerFunc(func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			observed.Store(true)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if err := s.Schedule("long", Every(time.Hour), long, true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-started
	time.Sleep(200 * time.Millisecond)

	done, ok := s.Done("long")
	if !ok {
		t.Fatal("Done: job not found")
	}
	begin := time.Now()
	if !s.Cancel("long") {
		t.Fatal("Cancel returned false")
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("Cancel took %v", took)
	}
	select {
	case <-done:
	default:
		t.Fatal("loop still running after Cancel returned")
	}
	if !observed.Load() {
		t.Fatal("runner did not observe cancellation")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after cancel", s.Len())
	}
}

func TestCancelStopsRunCount(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	var n atomic.Int64
	if err := s.Schedule("fast", Every(10*time.Millisecond), counter(&n), true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, time.Second, func() bool { return n.Load() >= 3 })
	if !s.Cancel("fast") {
		t.Fatal("Cancel returned false")
	}
	after := n.Load()
	time.Sleep(100 * time.Millisecond)
	if got := n.Load(); got != after {
		t.Fatalf("runs grew from %d to %d after Cancel returned", after, got)
	}
	if _, ok := s.Done("fast"); ok {
		t.Fatal("cancelled job still registered")
	}
}

func TestPauseDuringRunAllowsOnlyInFlightRun(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var finished atomic.Int64
	blocking := RunnerFunc(func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		finished.Add(1)
		return nil
	})
	if err := s.Schedule("busy", Every(20*time.Millisecond), blocking, true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-started
	before := finished.Load()
	if !s.Pause("busy") {
		t.Fatal("Pause failed")
	}
	close(release)
	time.Sleep(150 * time.Millisecond)

	if got := finished.Load(); got > before+1 {
		t.Fatalf("finished %d runs after pause, want at most %d", got, before+1)
	}
	if !mustInfo(t, s, "busy").IsSuspended {
		t.Fatal("IsSuspended = false while paused")
	}
}

func TestReregisteredJobKeepsMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.NewScheduler()
	s := New(Config{SuspendPoll: 10 * time.Millisecond, CancelGrace: 10 * time.Millisecond, CancelGraceExtra: 10 * time.Millisecond},
		nil, logx.Nop(), nil, m)
	t.Cleanup(func() { _ = s.Close() })

	started := make(chan struct{})
	stubborn := RunnerFunc(func(context.Context) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if err := s.Schedule("dup", Every(time.Hour), stubborn, true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-started
	oldDone, _ := s.Done("dup")
	// The old loop outlives the grace period.
	s.Cancel("dup")

	var n atomic.Int64
	if err := s.Schedule("dup", Every(time.Hour), counter(&n), true); err != nil {
		t.Fatalf("re-Schedule: %v", err)
	}
	waitFor(t, time.Second, func() bool { return mustInfo(t, s, "dup").Runs == 1 })

	select {
	case <-oldDone:
	case <-time.After(2 * time.Second):
		t.Fatal("old loop did not exit")
	}
	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("dup", "ok")); got != 1 {
		t.Fatalf("ok runs for re-registered job = %v, want 1", got)
	}
}

func TestCancelAllAndClose(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil, nil)
	noop := RunnerFunc(func(context.Context) error { return nil })
	var dones []<-chan struct{}
	for _, name := range []string{"a", "b", "c"} {
		if err := s.Schedule(name, Every(time.Hour), noop, false); err != nil {
			t.Fatalf("Schedule(%s): %v", name, err)
		}
		d, _ := s.Done(name)
		dones = append(dones, d)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, d := range dones {
		select {
		case <-d:
		default:
			t.Fatalf("loop %d still running after Close", i)
		}
	}
	if err := s.Schedule("late", Every(time.Hour), noop, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Schedule after Close err = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFailuresDoNotStopSchedule(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	var n atomic.Int64
	failing := RunnerFunc(func(ctx context.Context) error {
		n.Add(1)
		return errors.New("disk full")
	})
	if err := s.Schedule("flaky", Every(15*time.Millisecond), failing, false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mustInfo(t, s, "flaky").Failures >= 3 })

	it := mustInfo(t, s, "flaky")
	if it.LastError != "disk full" {
		t.Fatalf("LastError = %q", it.LastError)
	}
	if it.LastRunAt == nil {
		t.Fatal("LastRunAt not set after failed runs")
	}
}

func TestPanickingRunnerIsContained(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	var n atomic.Int64
	boom := RunnerFunc(func(ctx context.Context) error {
		if n.Add(1) == 1 {
			panic("first run explodes")
		}
		return nil
	})
	if err := s.Schedule("boom", Every(15*time.Millisecond), boom, false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return n.Load() >= 3 })
	it := mustInfo(t, s, "boom")
	if it.Failures < 1 || it.IsCompleted {
		t.Fatalf("info after panic = %+v", it)
	}
}

func TestCronWithoutFutureOccurrence(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	trig, err := Cron("0 0 0 30 2 *")
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	var n atomic.Int64
	if err := s.Schedule("never", trig, counter(&n), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	it := mustInfo(t, s, "never")
	if !it.NextRunAt.Equal(farFuture) {
		t.Fatalf("NextRunAt = %v, want %v", it.NextRunAt, farFuture)
	}
	time.Sleep(30 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatal("exhausted cron job ran")
	}
	if !s.Cancel("never") {
		t.Fatal("Cancel failed")
	}
}

func TestCronRunsOnSchedule(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	trig, err := Cron("* * * * * *")
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	var n atomic.Int64
	if err := s.Schedule("everysec", trig, counter(&n), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return n.Load() >= 1 })
	it := mustInfo(t, s, "everysec")
	if it.NextRunAt.Nanosecond() != 0 {
		t.Fatalf("cron NextRunAt %v not on a second boundary", it.NextRunAt)
	}
}

func TestReportSortedAndStamped(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	noop := RunnerFunc(func(context.Context) error { return nil })
	if err := s.ScheduleSpec("r1", "1m", noop, false); err != nil {
		t.Fatalf("ScheduleSpec r1: %v", err)
	}
	if err := s.ScheduleSpec("r2", "*/5 * * * * *", noop, false); err != nil {
		t.Fatalf("ScheduleSpec r2: %v", err)
	}

	utc := time.UTC
	rep := s.Report(utc)
	if rep.GeneratedAt.After(time.Now()) {
		t.Fatalf("GeneratedAt %v in the future", rep.GeneratedAt)
	}
	if len(rep.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(rep.Jobs))
	}
	if rep.Jobs[0].Name != "r2" || rep.Jobs[1].Name != "r1" {
		t.Fatalf("order = %s, %s", rep.Jobs[0].Name, rep.Jobs[1].Name)
	}
	for _, it := range rep.Jobs {
		if it.NextRunAt.Location() != utc {
			t.Fatalf("%s NextRunAt not converted to UTC", it.Name)
		}
	}
}

func TestSnapshotNameFilter(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	noop := RunnerFunc(func(context.Context) error { return nil })
	for _, name := range []string{"db-backup", "db-vacuum", "mail"} {
		if err := s.Schedule(name, Every(time.Hour), noop, false); err != nil {
			t.Fatalf("Schedule(%s): %v", name, err)
		}
	}
	tests := []struct {
		name    string
		pattern []string
		want    int
	}{
		{name: "all", want: 3},
		{name: "glob", pattern: []string{"DB-*"}, want: 2},
		{name: "literal", pattern: []string{"mail"}, want: 1},
		{name: "bad pattern", pattern: []string{"[mail"}, want: 0},
		{name: "union", pattern: []string{"mail", "db-b?ckup"}, want: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := s.SnapshotWith(SnapshotOptions{Names: tt.pattern})
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, EventStarted, EventFinished)
	defer unsub()
	s := newTestService(t, nil, bus)

	noop := RunnerFunc(func(context.Context) error { return nil })
	if err := s.Schedule("ev", Every(time.Hour), noop, true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	var types []string
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
			if ev, ok := e.Data.(JobEvent); !ok || ev.Name != "ev" || ev.RunID == "" {
				t.Fatalf("unexpected payload %#v", e.Data)
			}
		case <-timeout:
			t.Fatalf("got events %v", types)
		}
	}
	if types[0] != EventStarted || types[1] != EventFinished {
		t.Fatalf("events = %v", types)
	}
}

type fakeContext struct{ closed atomic.Bool }

func (c *fakeContext) Open() bool   { return !c.closed.Load() }
func (c *fakeContext) Close() error { c.closed.Store(true); return nil }

type pooledRunner struct {
	calls atomic.Int64
	seen  atomic.Pointer[fakeContext]
}

func (r *pooledRunner) Run(ctx context.Context) error {
	return errors.New("Run called on pooled runner")
}
func (r *pooledRunner) NeedsContext() bool { return true }
func (r *pooledRunner) RunWith(ctx context.Context, ec pool.Resource) error {
	fc, ok := ec.(*fakeContext)
	if !ok {
		return errors.New("unexpected execution context")
	}
	r.seen.Store(fc)
	r.calls.Add(1)
	return nil
}

func TestPooledRunnerBorrowsAndReturnsContext(t *testing.T) {
	t.Parallel()
	var created atomic.Int64
	f := pool.FactoryFunc(func(ctx context.Context, _ pool.Affinity) (pool.Resource, error) {
		created.Add(1)
		return &fakeContext{}, nil
	})
	p, err := pool.New(pool.Config{Min: 0, Max: 1, PollEvery: 5 * time.Millisecond}, f, logx.Nop())
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	s := newTestService(t, p, nil)

	r := &pooledRunner{}
	if err := s.Schedule("pooled", Every(15*time.Millisecond), r, true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.calls.Load() >= 3 })

	if got := created.Load(); got != 1 {
		t.Fatalf("contexts created = %d, want 1 (reused)", got)
	}
	if f := mustInfo(t, s, "pooled").Failures; f != 0 {
		t.Fatalf("failures = %d", f)
	}
}

func TestWaitUnknownJob(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil, nil)
	if err := s.Wait(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Wait err = %v", err)
	}
}
