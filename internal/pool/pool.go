package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	logx "schedkit/pkg/logx"
)

const defaultPollEvery = 25 * time.Millisecond

type Pool struct {
	cfg     Config
	factory Factory
	log     logx.Logger

	// live counts created contexts (idle + in use); never exceeds cfg.Max.
	live   atomic.Int64
	idle   chan Resource
	closed atomic.Bool
	// lent holds contexts handed out and not yet released.
	lent sync.Map
}

func New(cfg Config, f Factory, log logx.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.New("pool: factory required")
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = defaultPollEvery
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg,
		factory: f,
		log:     log,
		idle:    make(chan Resource, cfg.Max),
	}, nil
}

// Warm pre-creates contexts until Min are live.
func (p *Pool) Warm(ctx context.Context) error {
	for int(p.live.Load()) < p.cfg.Min {
		r, err := p.create(ctx)
		if err != nil {
			if errors.Is(err, ErrCapacity) {
				return nil
			}
			return err
		}
		p.stash(r)
	}
	p.log.Debug("pool warmed", logx.Int("live", int(p.live.Load())), logx.Int("min", p.cfg.Min))
	return nil
}

// Acquire returns an idle context, or creates one while below Max.
// It fails with ErrCapacity when the pool is exhausted and ErrClosed after Close.
func (p *Pool) Acquire(ctx context.Context) (Resource, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if p.closed.Load() {
			return nil, ErrClosed
		}
		select {
		case r := <-p.idle:
			if r == nil || !r.Open() {
				p.discard(r)
				continue
			}
			return p.lend(r), nil
		default:
		}
		r, err := p.create(ctx)
		if err != nil {
			return nil, err
		}
		return p.lend(r), nil
	}
}

// AcquireWait is Acquire that waits for capacity instead of failing.
// It returns ctx.Err() if ctx is done before a context becomes available.
func (p *Pool) AcquireWait(ctx context.Context) (Resource, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := p.Acquire(ctx)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrCapacity) {
			return nil, err
		}

		t := time.NewTimer(p.cfg.PollEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case r := <-p.idle:
			t.Stop()
			if r == nil || !r.Open() {
				p.discard(r)
				continue
			}
			if p.closed.Load() {
				p.discard(r)
				return nil, ErrClosed
			}
			return p.lend(r), nil
		case <-t.C:
		}
	}
}

// Release hands a context back to the idle stash.
// Capacity is not freed: the live count reflects created contexts.
// Releasing a context twice, or one the pool did not hand out, is ignored.
func (p *Pool) Release(r Resource) {
	if r == nil {
		return
	}
	if _, ok := p.lent.LoadAndDelete(r); !ok {
		p.log.Warn("pool release of a context that is not lent out; ignored")
		return
	}
	p.stash(r)
}

func (p *Pool) lend(r Resource) Resource {
	p.lent.Store(r, struct{}{})
	return r
}

func (p *Pool) stash(r Resource) {
	if p.closed.Load() {
		p.discard(r)
		return
	}
	if !r.Open() {
		p.discard(r)
		return
	}
	select {
	case p.idle <- r:
	default:
		p.log.Warn("pool stash full; closing released context")
		p.discard(r)
	}
	// Close may have raced in after the push.
	if p.closed.Load() {
		p.drain()
	}
}

// Close marks the pool closed and closes every idle context. It is idempotent.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.drain()
	p.log.Debug("pool closed", logx.Int("live", int(p.live.Load())))
	return err
}

func (p *Pool) Stats() Stats {
	return Stats{
		Min:      p.cfg.Min,
		Max:      p.cfg.Max,
		Live:     int(p.live.Load()),
		Idle:     len(p.idle),
		Affinity: p.cfg.Affinity.String(),
		Closed:   p.closed.Load(),
	}
}

func (p *Pool) drain() error {
	var errs []error
	for {
		select {
		case r := <-p.idle:
			if err := p.discard(r); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) discard(r Resource) error {
	p.live.Add(-1)
	if r == nil {
		return nil
	}
	return r.Close()
}

// create reserves capacity optimistically and rolls back if Max is exceeded
// or the factory fails.
func (p *Pool) create(ctx context.Context) (Resource, error) {
	n := p.live.Add(1)
	if n > int64(p.cfg.Max) {
		p.live.Add(-1)
		return nil, ErrCapacity
	}

	r, err := p.createWithAffinity(ctx)
	if err != nil {
		p.live.Add(-1)
		return nil, fmt.Errorf("pool: create context: %w", err)
	}
	if r == nil {
		p.live.Add(-1)
		return nil, errors.New("pool: factory returned nil context")
	}
	if p.closed.Load() {
		p.live.Add(-1)
		_ = r.Close()
		return nil, ErrClosed
	}
	p.log.Debug("pool context created", logx.Int64("live", n), logx.String("affinity", p.cfg.Affinity.String()))
	return r, nil
}

func (p *Pool) createWithAffinity(ctx context.Context) (Resource, error) {
	if p.cfg.Affinity != AffinityPinned {
		return p.factory.Create(ctx, AffinityShared)
	}

	type result struct {
		r   Resource
		err error
	}
	ch := make(chan result, 1)
	go func() {
		// The goroutine keeps its thread for the factory call; pinned factories
		// typically hand the resource its own locked goroutine from here.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		r, err := p.factory.Create(ctx, AffinityPinned)
		ch <- result{r: r, err: err}
	}()
	res := <-ch
	return res.r, res.err
}
