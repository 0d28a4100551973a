package debugserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"schedkit/internal/scheduler"
)

// Reporter is the read side of the scheduler.
type Reporter interface {
	ReportWith(opts scheduler.SnapshotOptions) scheduler.Report
}

// JobsHandler serves the job report as JSON.
//
// Query parameters:
//   - tz: IANA timezone for timestamps (default: scheduler timezone)
//   - name: glob filter, repeatable or comma separated
func JobsHandler(rep Reporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		var opts scheduler.SnapshotOptions
		if tz := strings.TrimSpace(q.Get("tz")); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				http.Error(w, "unknown timezone: "+tz, http.StatusBadRequest)
				return
			}
			opts.Location = loc
		}
		for _, v := range q["name"] {
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					opts.Names = append(opts.Names, p)
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep.ReportWith(opts))
	})
}
