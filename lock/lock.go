package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/kvgo/kverr"
)

var (
	// ErrBusy is returned by a try-acquire on a contended lock.
	ErrBusy = kverr.ErrBusy
	// ErrTimeout is returned when a spin or a bounded wait is exhausted.
	ErrTimeout = kverr.ErrTimeout
	// ErrLockFailed is returned when releasing a lock that is not held.
	ErrLockFailed = kverr.ErrLockFailed
)

// Kind selects the lock implementation.
type Kind int

const (
	Mutex Kind = iota
	Spin
	RWLock
)

func (k Kind) String() string {
	switch k {
	case Mutex:
		return "mutex"
	case Spin:
		return "spinlock"
	case RWLock:
		return "rwlock"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses "mutex", "spinlock" (or "spin") and "rwlock".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mutex", "":
		return Mutex, nil
	case "spin", "spinlock":
		return Spin, nil
	case "rwlock", "rw":
		return RWLock, nil
	default:
		return 0, kverr.Paramf("unknown lock kind %q", s)
	}
}

// Config configures a Lock or a Striped lock.
type Config struct {
	Kind Kind

	// StripeCount is the number of stripes of a Striped lock. It must be a
	// power of two; 0 means a single stripe.
	StripeCount int

	// SpinCount is the number of CAS attempts of a Spin lock before ErrTimeout.
	SpinCount int

	// Backoff is the initial sleep between spin attempts. It doubles per
	// attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig is a 16-stripe reader/writer lock.
var DefaultConfig = Config{
	Kind:        RWLock,
	StripeCount: 16,
	SpinCount:   100,
	Backoff:     time.Microsecond,
	MaxBackoff:  time.Millisecond,
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Kind < Mutex || c.Kind > RWLock {
		return kverr.Paramf("invalid lock kind %d", int(c.Kind))
	}
	if c.StripeCount < 0 || (c.StripeCount > 0 && c.StripeCount&(c.StripeCount-1) != 0) {
		return kverr.Paramf("stripe count %d is not a power of two", c.StripeCount)
	}
	if c.SpinCount < 0 {
		return kverr.Paramf("negative spin count %d", c.SpinCount)
	}
	if c.Backoff < 0 || c.MaxBackoff < 0 {
		return kverr.Paramf("negative backoff")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SpinCount == 0 {
		c.SpinCount = DefaultConfig.SpinCount
	}
	if c.Backoff == 0 {
		c.Backoff = DefaultConfig.Backoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	return c
}

// Stats is a snapshot of lock counters. All counters only grow.
type Stats struct {
	Acquisitions uint64
	Timeouts     uint64
	Retries      uint64
	Contentions  uint64
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Acquisitions: s.Acquisitions + o.Acquisitions,
		Timeouts:     s.Timeouts + o.Timeouts,
		Retries:      s.Retries + o.Retries,
		Contentions:  s.Contentions + o.Contentions,
	}
}

// Lock is a single lock of the configured kind.
type Lock struct {
	cfg Config

	mu      sync.Mutex
	rw      sync.RWMutex
	held    atomic.Int32 // exclusive holder present; the spin word for Spin
	readers atomic.Int64

	acquisitions atomic.Uint64
	timeouts     atomic.Uint64
	retries      atomic.Uint64
	contentions  atomic.Uint64
}

// New creates a Lock. StripeCount is ignored.
func New(cfg Config) (*Lock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Lock{cfg: cfg.withDefaults()}, nil
}

// Kind returns the lock kind.
func (l *Lock) Kind() Kind { return l.cfg.Kind }

// Acquire takes the lock exclusively. Mutex and RWLock block; Spin returns
// ErrTimeout once SpinCount attempts are exhausted.
func (l *Lock) Acquire() error {
	switch l.cfg.Kind {
	case Spin:
		return l.spin()
	case RWLock:
		l.rw.Lock()
	default:
		l.mu.Lock()
	}
	l.held.Store(1)
	l.acquisitions.Add(1)
	return nil
}

func (l *Lock) spin() error {
	backoff := l.cfg.Backoff
	for attempt := 0; attempt < l.cfg.SpinCount; attempt++ {
		if l.held.CompareAndSwap(0, 1) {
			l.acquisitions.Add(1)
			return nil
		}
		l.retries.Add(1)
		time.Sleep(backoff)
		backoff = min(backoff*2, l.cfg.MaxBackoff)
	}
	l.timeouts.Add(1)
	return fmt.Errorf("%w: spinlock not acquired after %d attempts", ErrTimeout, l.cfg.SpinCount)
}

// TryAcquire takes the lock exclusively without waiting.
func (l *Lock) TryAcquire() error {
	var ok bool
	switch l.cfg.Kind {
	case Spin:
		ok = l.held.CompareAndSwap(0, 1)
	case RWLock:
		ok = l.rw.TryLock()
	default:
		ok = l.mu.TryLock()
	}
	if !ok {
		l.contentions.Add(1)
		return ErrBusy
	}
	l.held.Store(1)
	l.acquisitions.Add(1)
	return nil
}

// AcquireContext takes the lock exclusively, polling with backoff until ctx is done.
func (l *Lock) AcquireContext(ctx context.Context) error {
	backoff := l.cfg.Backoff
	for {
		if err := l.TryAcquire(); err == nil {
			return nil
		}
		l.retries.Add(1)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			l.timeouts.Add(1)
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, l.cfg.MaxBackoff)
	}
}

// Release releases an exclusive hold.
func (l *Lock) Release() error {
	if !l.held.CompareAndSwap(1, 0) {
		return fmt.Errorf("%w: release of unheld %s", ErrLockFailed, l.cfg.Kind)
	}
	switch l.cfg.Kind {
	case RWLock:
		l.rw.Unlock()
	case Mutex:
		l.mu.Unlock()
	}
	return nil
}

// AcquireRead takes a shared hold on an RWLock; other kinds lock exclusively.
func (l *Lock) AcquireRead() error {
	if l.cfg.Kind != RWLock {
		return l.Acquire()
	}
	l.rw.RLock()
	l.readers.Add(1)
	l.acquisitions.Add(1)
	return nil
}

// TryAcquireRead takes a shared hold without waiting.
func (l *Lock) TryAcquireRead() error {
	if l.cfg.Kind != RWLock {
		return l.TryAcquire()
	}
	if !l.rw.TryRLock() {
		l.contentions.Add(1)
		return ErrBusy
	}
	l.readers.Add(1)
	l.acquisitions.Add(1)
	return nil
}

// ReleaseRead releases a hold taken by AcquireRead.
func (l *Lock) ReleaseRead() error {
	if l.cfg.Kind != RWLock {
		return l.Release()
	}
	if l.readers.Add(-1) < 0 {
		l.readers.Add(1)
		return fmt.Errorf("%w: release of unheld read lock", ErrLockFailed)
	}
	l.rw.RUnlock()
	return nil
}

// AcquireWrite is Acquire.
func (l *Lock) AcquireWrite() error { return l.Acquire() }

// ReleaseWrite is Release.
func (l *Lock) ReleaseWrite() error { return l.Release() }

// Stats returns a snapshot of the counters.
func (l *Lock) Stats() Stats {
	return Stats{
		Acquisitions: l.acquisitions.Load(),
		Timeouts:     l.timeouts.Load(),
		Retries:      l.retries.Load(),
		Contentions:  l.contentions.Load(),
	}
}
