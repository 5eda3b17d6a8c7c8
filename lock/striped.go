package lock

import "github.com/hupe1980/kvgo/internal/hash"

// Striped is a fixed array of independent Locks selected by key hash.
type Striped struct {
	locks []*Lock
	mask  uint64
}

// NewStriped creates cfg.StripeCount locks of cfg.Kind (at least one).
func NewStriped(cfg Config) (*Striped, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := max(cfg.StripeCount, 1)
	s := &Striped{
		locks: make([]*Lock, n),
		mask:  uint64(n - 1),
	}
	for i := range s.locks {
		s.locks[i] = &Lock{cfg: cfg.withDefaults()}
	}
	return s, nil
}

// Len returns the number of stripes.
func (s *Striped) Len() int { return len(s.locks) }

// Kind returns the kind of every stripe.
func (s *Striped) Kind() Kind { return s.locks[0].cfg.Kind }

// Index returns the stripe that guards key.
func (s *Striped) Index(key []byte) int {
	if s.mask == 0 {
		return 0
	}
	return int(hash.Key(key) & s.mask)
}

// For returns the lock guarding key.
func (s *Striped) For(key []byte) *Lock {
	return s.locks[s.Index(key)]
}

// Stripe returns the i-th lock.
func (s *Striped) Stripe(i int) *Lock { return s.locks[i] }

func (s *Striped) AcquireFor(key []byte) error      { return s.For(key).Acquire() }
func (s *Striped) TryAcquireFor(key []byte) error   { return s.For(key).TryAcquire() }
func (s *Striped) ReleaseFor(key []byte) error      { return s.For(key).Release() }
func (s *Striped) AcquireReadFor(key []byte) error  { return s.For(key).AcquireRead() }
func (s *Striped) ReleaseReadFor(key []byte) error  { return s.For(key).ReleaseRead() }
func (s *Striped) AcquireWriteFor(key []byte) error { return s.For(key).AcquireWrite() }
func (s *Striped) ReleaseWriteFor(key []byte) error { return s.For(key).ReleaseWrite() }

// AcquireAll takes every stripe exclusively in index order. On failure the
// stripes already taken are released.
func (s *Striped) AcquireAll() error {
	for i, l := range s.locks {
		if err := l.Acquire(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = s.locks[j].Release()
			}
			return err
		}
	}
	return nil
}

// ReleaseAll releases every stripe taken by AcquireAll.
func (s *Striped) ReleaseAll() error {
	var first error
	for i := len(s.locks) - 1; i >= 0; i-- {
		if err := s.locks[i].Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stats aggregates the counters of all stripes.
func (s *Striped) Stats() Stats {
	var st Stats
	for _, l := range s.locks {
		st = st.add(l.Stats())
	}
	return st
}
