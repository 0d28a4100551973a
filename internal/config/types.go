package config

// Config is the root of the schedkitd configuration file (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pool      PoolConfig      `json:"pool"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job loops.
//
// All durations are Go duration strings (e.g. "250ms", "1s").
//
// Defaults (when fields are omitted/zero):
//   - timezone: Local
//   - suspend_poll: "1s"
//   - cancel_grace: "250ms"
//   - cancel_grace_extra: "750ms"
//   - max_catch_up: 10000
type SchedulerConfig struct {
	// Timezone is an IANA name used for cron evaluation and reports.
	Timezone         string `json:"timezone,omitempty"`
	SuspendPoll      string `json:"suspend_poll,omitempty"`
	CancelGrace      string `json:"cancel_grace,omitempty"`
	CancelGraceExtra string `json:"cancel_grace_extra,omitempty"`
	MaxCatchUp       int    `json:"max_catch_up,omitempty"`
}

// PoolConfig sizes the execution context pool used by jobs with needs_context.
//
// Example:
//
//	"pool": { "min": 1, "max": 4, "affinity": "pinned", "workdir": "./work" }
type PoolConfig struct {
	Min       int    `json:"min"`
	Max       int    `json:"max"`
	Affinity  string `json:"affinity,omitempty"` // "shared" (default) or "pinned"
	PollEvery string `json:"poll_every,omitempty"`
	// Workdir is the parent directory for session working directories.
	// Empty uses the OS temp dir.
	Workdir string `json:"workdir,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof, metrics, job report).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// JobConfig declares one scheduled job. Exactly one of Command and File is set.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // cron (6 fields), "@every 5s", "55m" or "HH:MM"

	Command string `json:"command,omitempty"`
	File    string `json:"file,omitempty"`

	// Timeout bounds one run (Go duration string). Empty means no limit.
	Timeout        string            `json:"timeout,omitempty"`
	RunImmediately bool              `json:"run_immediately,omitempty"`
	Paused         bool              `json:"paused,omitempty"`
	NeedsContext   bool              `json:"needs_context,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}
