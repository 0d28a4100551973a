package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"schedkit/internal/pool"
	"schedkit/internal/scheduler"
	logx "schedkit/pkg/logx"
)

// outputTail is how much combined output is kept for logs and errors.
const outputTail = 2048

type commandRunner struct {
	name     string
	argv     []string
	timeout  time.Duration
	env      map[string]string
	needsCtx bool
	log      logx.Logger
}

func compileCommand(src Source, log logx.Logger) (scheduler.Runner, error) {
	argv, err := splitCommand(src.Command)
	if err != nil {
		return nil, err
	}
	return &commandRunner{
		name:     src.Name,
		argv:     argv,
		timeout:  src.Timeout,
		env:      src.Env,
		needsCtx: src.NeedsContext,
		log:      log,
	}, nil
}

func splitCommand(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptySource
	}
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptySource
	}
	return argv, nil
}

func (r *commandRunner) NeedsContext() bool { return r.needsCtx }

func (r *commandRunner) Run(ctx context.Context) error { return r.RunWith(ctx, nil) }

func (r *commandRunner) RunWith(ctx context.Context, ec pool.Resource) error {
	s, err := sessionOf(ec)
	if err != nil {
		return err
	}
	return execArgv(ctx, r.log.With(logx.String("job", r.name)), r.argv, r.timeout, r.env, s)
}

// execArgv runs one process. Cancellation of ctx surfaces as ctx.Err();
// hitting timeout surfaces as a wrapped context.DeadlineExceeded.
func execArgv(ctx context.Context, log logx.Logger, argv []string, timeout time.Duration, env map[string]string, s *Session) error {
	runCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out
	if s != nil {
		s.uses.Add(1)
		cmd.Dir = s.Dir
		cmd.Env = envList(s.Env, env)
	} else if len(env) > 0 {
		cmd.Env = envList(os.Environ(), env)
	}

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s: timed out after %s: %w", argv[0], timeout, context.DeadlineExceeded)
	case err != nil:
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	if log.Enabled(logx.LevelTrace) {
		log.Trace("command finished", logx.String("cmd", argv[0]), logx.Duration("took", took), logx.String("output", out.String()))
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > b.max {
		p = p[len(p)-b.max:]
	}
	if over := b.buf.Len() + len(p) - b.max; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string { return b.buf.String() }
