package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"schedkit/internal/pool"
	"schedkit/internal/scheduler"
	logx "schedkit/pkg/logx"
)

// script is a parsed script file: one argv per command line.
type script struct {
	lines [][]string
}

// parseScript splits data into commands. Blank lines and lines starting with
// '#' are skipped; a trailing backslash joins the next line.
func parseScript(data []byte) (*script, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	var (
		out     script
		pending strings.Builder
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if pending.Len() == 0 && (line == "" || strings.HasPrefix(line, "#")) {
			continue
		}
		if strings.HasSuffix(line, `\`) {
			pending.WriteString(strings.TrimSuffix(line, `\`))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(line)
		argv, err := splitCommand(pending.String())
		pending.Reset()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out.lines = append(out.lines, argv)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if pending.Len() > 0 {
		return nil, fmt.Errorf("line %d: dangling line continuation", lineNo)
	}
	if len(out.lines) == 0 {
		return nil, ErrEmptySource
	}
	return &out, nil
}

// ScriptCache keeps parsed script files and drops entries when the file
// changes on disk. Without a running Watch every run re-reads the file.
type ScriptCache struct {
	log logx.Logger

	mu       sync.Mutex
	entries  map[string]*script
	watching bool
	dirs     map[string]struct{}
	watcher  *fsnotify.Watcher
}

func NewScriptCache(log logx.Logger) *ScriptCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ScriptCache{log: log, entries: map[string]*script{}, dirs: map[string]struct{}{}}
}

// load returns the parsed script at path.
func (c *ScriptCache) load(path string) (*script, error) {
	path = filepath.Clean(path)
	if c != nil {
		c.mu.Lock()
		if s, ok := c.entries[path]; ok && c.watching {
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := parseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c != nil {
		c.mu.Lock()
		c.entries[path] = s
		c.watchDirLocked(filepath.Dir(path))
		c.mu.Unlock()
	}
	return s, nil
}

// Len returns the number of cached scripts.
func (c *ScriptCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ScriptCache) watchDirLocked(dir string) {
	if _, ok := c.dirs[dir]; ok {
		return
	}
	c.dirs[dir] = struct{}{}
	if c.watcher == nil {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		c.log.Warn("script watch add failed", logx.String("dir", dir), logx.Err(err))
	}
}

func (c *ScriptCache) invalidate(path string) {
	path = filepath.Clean(path)
	c.mu.Lock()
	_, ok := c.entries[path]
	delete(c.entries, path)
	c.mu.Unlock()
	if ok {
		c.log.Debug("script changed; cache dropped", logx.String("path", path))
	}
}

// Watch invalidates cached scripts on change until ctx is done.
func (c *ScriptCache) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("script watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	c.mu.Lock()
	c.watcher = w
	for dir := range c.dirs {
		if err := w.Add(dir); err != nil {
			c.log.Warn("script watch add failed", logx.String("dir", dir), logx.Err(err))
		}
	}
	// Entries cached before the watcher existed may be stale.
	clear(c.entries)
	c.watching = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.watching = false
		c.watcher = nil
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				c.invalidate(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			// Missed events: drop everything.
			c.log.Warn("script watch error; clearing cache", logx.Err(err))
			c.mu.Lock()
			clear(c.entries)
			c.mu.Unlock()
		}
	}
}

type fileRunner struct {
	name     string
	path     string
	timeout  time.Duration
	env      map[string]string
	needsCtx bool
	scripts  *ScriptCache
	log      logx.Logger
}

func compileFile(src Source, scripts *ScriptCache, log logx.Logger) (scheduler.Runner, error) {
	path := strings.TrimSpace(src.File)
	if path == "" {
		return nil, ErrEmptySource
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	// Fail fast on a missing or malformed script.
	if _, err := scripts.load(abs); err != nil {
		return nil, err
	}
	return &fileRunner{
		name:     src.Name,
		path:     abs,
		timeout:  src.Timeout,
		env:      src.Env,
		needsCtx: src.NeedsContext,
		scripts:  scripts,
		log:      log,
	}, nil
}

func (r *fileRunner) NeedsContext() bool { return r.needsCtx }

func (r *fileRunner) Run(ctx context.Context) error { return r.RunWith(ctx, nil) }

// RunWith executes the script's commands in order and stops at the first failure.
// The timeout covers the whole script.
func (r *fileRunner) RunWith(ctx context.Context, ec pool.Resource) error {
	s, err := sessionOf(ec)
	if err != nil {
		return err
	}
	sc, err := r.scripts.load(r.path)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	log := r.log.With(logx.String("job", r.name))
	for i, argv := range sc.lines {
		if err := execArgv(ctx, log, argv, 0, r.env, s); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s step %d: %w", filepath.Base(r.path), i+1, err)
		}
	}
	return nil
}
