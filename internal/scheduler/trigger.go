package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 6-field expressions (seconds first) and descriptors
// such as "@hourly". "CRON_TZ=Area/City" prefixes are honored by robfig/cron.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger decides when a job fires. Exactly one of Cron and Every is set.
type Trigger struct {
	Expr  string // cron source text
	Cron  cron.Schedule
	Every time.Duration
}

// Cron parses a 6-field cron expression.
func Cron(expr string) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Trigger{}, ErrNoTrigger
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron %q (expected 6 fields: sec min hour dom month dow): %w", expr, err)
	}
	return Trigger{Expr: expr, Cron: sched}, nil
}

// Every returns an interval trigger.
func Every(d time.Duration) Trigger { return Trigger{Every: d} }

func (t Trigger) IsCron() bool { return t.Cron != nil }

// Validate enforces that exactly one trigger variant is populated.
func (t Trigger) Validate() error {
	switch {
	case t.Cron != nil && t.Every != 0:
		return ErrBothTriggers
	case t.Cron != nil:
		return nil
	case t.Every > 0:
		return nil
	case t.Every < 0:
		return fmt.Errorf("scheduler: interval must be > 0 (got %s)", t.Every)
	default:
		return ErrNoTrigger
	}
}

func (t Trigger) String() string {
	if t.Cron != nil {
		return "cron:" + t.Expr
	}
	if t.Every > 0 {
		return "every:" + t.Every.String()
	}
	return ""
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseTrigger parses a schedule string into either a cron or an interval trigger.
//
// Supported forms:
//   - Cron (seconds first): "*/5 * * * * *", "0 30 9 * * MON-FRI", "@hourly"
//   - "@every 90s" is treated as an interval
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
func ParseTrigger(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, ErrNoTrigger
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return Cron(s[len("cron:"):])
	case strings.HasPrefix(low, "interval:"):
		return intervalTrigger(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalTrigger(s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return intervalTrigger(s[len("@every"):])
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") || strings.HasPrefix(low, "cron_tz=") || strings.HasPrefix(low, "tz=") {
		return Cron(s)
	}

	if reHHMM.MatchString(s) || isDuration(s) {
		return intervalTrigger(s)
	}

	return Trigger{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func isDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

func intervalTrigger(v string) (Trigger, error) {
	d, err := parseInterval(v)
	if err != nil {
		return Trigger{}, err
	}
	return Every(d), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
