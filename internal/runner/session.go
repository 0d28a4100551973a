package runner

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"schedkit/internal/pool"
	logx "schedkit/pkg/logx"
)

// Session is a pooled execution context: a private working directory and a
// base environment shared by every run that borrows it.
type Session struct {
	ID       string
	Dir      string
	Env      []string
	Affinity pool.Affinity
	Created  time.Time

	uses   atomic.Int64
	closed atomic.Bool
	log    logx.Logger
}

// Open reports whether the session can still be used. A session whose working
// directory vanished is treated as broken and discarded by the pool.
func (s *Session) Open() bool {
	if s.closed.Load() {
		return false
	}
	if _, err := os.Stat(s.Dir); err != nil {
		return false
	}
	return true
}

// Close removes the working directory. It is idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Debug("session closed", logx.String("session", s.ID), logx.Int64("uses", s.uses.Load()))
	return os.RemoveAll(s.Dir)
}

// Uses returns how many runs borrowed the session.
func (s *Session) Uses() int64 { return s.uses.Load() }

// SessionFactory creates sessions under Root.
type SessionFactory struct {
	// Root is the parent of session directories; empty means os.TempDir().
	Root string
	// Env is appended to the process environment of every session.
	Env map[string]string
	Log logx.Logger
}

var _ pool.Factory = (*SessionFactory)(nil)

func (f *SessionFactory) Create(ctx context.Context, affinity pool.Affinity) (pool.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := f.Root
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("session root: %w", err)
	}
	id := uuid.NewString()
	dir, err := os.MkdirTemp(root, "session-")
	if err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	log := f.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{
		ID:       id,
		Dir:      dir,
		Env:      envList(os.Environ(), f.Env, map[string]string{"SCHEDKIT_SESSION": id}),
		Affinity: affinity,
		Created:  time.Now(),
		log:      log,
	}
	log.Debug("session created", logx.String("session", id), logx.String("dir", dir), logx.String("affinity", affinity.String()))
	return s, nil
}
