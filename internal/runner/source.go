package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"schedkit/internal/pool"
	"schedkit/internal/scheduler"
	logx "schedkit/pkg/logx"
)

// Kind selects the strategy used to compile a Source.
type Kind int

const (
	KindFunc Kind = iota
	KindCommand
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindCommand:
		return "command"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source describes the body of a job.
type Source struct {
	Name string
	Kind Kind

	// Func is the body of KindFunc sources. s is nil unless NeedsContext is set.
	Func func(ctx context.Context, s *Session) error
	// Command is a shell-quoted command line for KindCommand.
	Command string
	// File is a script path for KindFile: one command per line, '#' comments.
	File string

	// Timeout bounds a single run; zero means none.
	Timeout time.Duration
	Env     map[string]string
	// NeedsContext runs the job inside a pooled Session.
	NeedsContext bool
}

var (
	ErrUnknownKind = errors.New("runner: no compiler for source kind")
	ErrEmptySource = errors.New("runner: source has no body")
)

// Compiler produces a runner for one source kind.
type Compiler interface {
	Compile(src Source) (scheduler.Runner, error)
}

type CompilerFunc func(src Source) (scheduler.Runner, error)

func (f CompilerFunc) Compile(src Source) (scheduler.Runner, error) { return f(src) }

// Registry dispatches sources to the compiler registered for their kind.
type Registry struct {
	mu        sync.RWMutex
	compilers map[Kind]Compiler
}

// NewRegistry returns a registry with the built-in func, command and file compilers.
// scripts may be nil, in which case file sources are read on every run.
func NewRegistry(log logx.Logger, scripts *ScriptCache) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{compilers: make(map[Kind]Compiler, 3)}
	r.Register(KindFunc, CompilerFunc(compileFunc))
	r.Register(KindCommand, CompilerFunc(func(src Source) (scheduler.Runner, error) {
		return compileCommand(src, log)
	}))
	r.Register(KindFile, CompilerFunc(func(src Source) (scheduler.Runner, error) {
		return compileFile(src, scripts, log)
	}))
	return r
}

// Register installs or replaces the compiler for k.
func (r *Registry) Register(k Kind, c Compiler) {
	r.mu.Lock()
	r.compilers[k] = c
	r.mu.Unlock()
}

func (r *Registry) Compile(src Source) (scheduler.Runner, error) {
	r.mu.RLock()
	c, ok := r.compilers[src.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, src.Kind)
	}
	run, err := c.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile %s job %q: %w", src.Kind, src.Name, err)
	}
	return run, nil
}

// funcRunner adapts Source.Func.
type funcRunner struct {
	fn       func(ctx context.Context, s *Session) error
	timeout  time.Duration
	needsCtx bool
}

func compileFunc(src Source) (scheduler.Runner, error) {
	if src.Func == nil {
		return nil, ErrEmptySource
	}
	return &funcRunner{fn: src.Func, timeout: src.Timeout, needsCtx: src.NeedsContext}, nil
}

func (r *funcRunner) NeedsContext() bool { return r.needsCtx }

func (r *funcRunner) Run(ctx context.Context) error { return r.RunWith(ctx, nil) }

func (r *funcRunner) RunWith(ctx context.Context, ec pool.Resource) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	s, err := sessionOf(ec)
	if err != nil {
		return err
	}
	return r.fn(ctx, s)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// sessionOf unwraps a pooled execution context. nil yields a nil session.
func sessionOf(ec pool.Resource) (*Session, error) {
	if ec == nil {
		return nil, nil
	}
	s, ok := ec.(*Session)
	if !ok {
		return nil, fmt.Errorf("runner: unexpected execution context %T", ec)
	}
	return s, nil
}

func envList(base []string, extra ...map[string]string) []string {
	out := append([]string(nil), base...)
	for _, m := range extra {
		for k, v := range m {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k+"="+v)
			}
		}
	}
	return out
}
