package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCapacity = errors.New("pool: no execution context available (capacity reached)")
	ErrClosed   = errors.New("pool: closed")
)

// Resource is one pooled execution context. Implementations must be
// comparable (usually a pointer); the pool tracks lent contexts by identity.
type Resource interface {
	// Open reports whether the context is still usable.
	Open() bool
	Close() error
}

// Affinity controls whether a context may be used from any goroutine or must
// stay pinned to the OS thread that created it. It is applied at creation time.
type Affinity int

const (
	AffinityShared Affinity = iota
	AffinityPinned
)

func (a Affinity) String() string {
	switch a {
	case AffinityPinned:
		return "pinned"
	default:
		return "shared"
	}
}

// ParseAffinity accepts "shared" (default, also "") and "pinned".
func ParseAffinity(s string) (Affinity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shared", "reuse":
		return AffinityShared, nil
	case "pinned", "thread":
		return AffinityPinned, nil
	default:
		return AffinityShared, fmt.Errorf("invalid affinity %q (use shared|pinned)", s)
	}
}

// Factory creates execution contexts. The pool does not know what a context is used for.
type Factory interface {
	Create(ctx context.Context, affinity Affinity) (Resource, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, affinity Affinity) (Resource, error)

func (f FactoryFunc) Create(ctx context.Context, affinity Affinity) (Resource, error) {
	return f(ctx, affinity)
}

// Config controls pool sizing.
type Config struct {
	Min      int
	Max      int
	Affinity Affinity

	// PollEvery is the backoff used by AcquireWait while the pool is exhausted.
	// Defaults to 25ms.
	PollEvery time.Duration
}

func (c Config) validate() error {
	if c.Max < 1 {
		return fmt.Errorf("pool: max must be >= 1 (got %d)", c.Max)
	}
	if c.Min < 0 {
		return fmt.Errorf("pool: min must be >= 0 (got %d)", c.Min)
	}
	if c.Min > c.Max {
		return fmt.Errorf("pool: min (%d) must be <= max (%d)", c.Min, c.Max)
	}
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Min      int    `json:"min"`
	Max      int    `json:"max"`
	Live     int    `json:"live"`
	Idle     int    `json:"idle"`
	Affinity string `json:"affinity"`
	Closed   bool   `json:"closed"`
}
