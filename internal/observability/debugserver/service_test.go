package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"schedkit/internal/scheduler"
	logx "schedkit/pkg/logx"
)

type fakeReporter struct {
	last scheduler.SnapshotOptions
}

func (f *fakeReporter) ReportWith(opts scheduler.SnapshotOptions) scheduler.Report {
	f.last = opts
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return scheduler.Report{
		GeneratedAt: time.Now().In(loc),
		Timezone:    loc.String(),
		Jobs:        []scheduler.JobInfo{{Name: "backup", Trigger: "every:1m0s", NextRunAt: time.Now().Add(time.Minute)}},
	}
}

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("debug server did not start")
	return ""
}

func TestJobsHandler(t *testing.T) {
	t.Parallel()
	rep := &fakeReporter{}
	h := JobsHandler(rep)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?tz=Asia/Jakarta&name=db-*,mail&name=x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got scheduler.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Timezone != "Asia/Jakarta" || len(got.Jobs) != 1 {
		t.Fatalf("report = %+v", got)
	}
	if len(rep.last.Names) != 3 || rep.last.Names[0] != "db-*" {
		t.Fatalf("names = %v", rep.last.Names)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?tz=Nowhere/Land", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad tz status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

func TestMuxRequiresToken(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Routes{Jobs: JobsHandler(&fakeReporter{})}, logx.Nop())
	mux := s.mux(Config{Token: "s3cret"})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no token", target: "/healthz", want: http.StatusUnauthorized},
		{name: "query token", target: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "bearer", target: "/jobs", header: "Bearer s3cret", want: http.StatusOK},
		{name: "wrong bearer", target: "/jobs", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "metrics not mounted", target: "/metrics?token=s3cret", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	s := New(Config{}, Routes{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitForAddr(t, s)

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if a := s.Addr(); a != "" {
		t.Fatalf("Addr after disable = %q", a)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Routes{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatal("expected refusal for non-loopback bind without token")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"10.0.0.1:6060":  false,
		"bogus":          false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
