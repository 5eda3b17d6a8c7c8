package arena

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/kvgo/kverr"
)

// Handle addresses a slot in an Arena. The zero Handle is nil.
type Handle = uint32

const (
	chunkBits = 10
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1

	// MaxChunks bounds the arena to MaxChunks*1024 slots.
	MaxChunks = 1 << 15
	// MaxHandles is the largest number of slots an arena can address.
	MaxHandles = MaxChunks * chunkSize
)

// ErrExhausted is returned when the arena cannot hand out another slot.
var ErrExhausted = fmt.Errorf("%w: arena exhausted", kverr.ErrNoMemory)

// Options configures an Arena.
type Options struct {
	// MaxHandles caps the number of live slots. Zero means MaxHandles-1.
	MaxHandles uint32
}

// Stats tracks arena usage.
type Stats struct {
	Chunks    uint64 // chunks allocated
	Allocs    uint64 // cumulative allocations
	Frees     uint64 // cumulative frees
	Live      uint64 // slots currently handed out
	Reused    uint64 // allocations served from the free list
	Capacity  uint64 // slots backed by allocated chunks
	HighWater uint64 // highest handle ever allocated
}

type slot[T any] struct {
	gen atomic.Uint32
	val T
}

type chunk[T any] struct {
	slots [chunkSize]slot[T]
}

// Arena is a slab of T addressed by Handle.
type Arena[T any] struct {
	chunks [MaxChunks]atomic.Pointer[chunk[T]]
	next   atomic.Uint32 // next never-used handle
	limit  uint32

	mu   sync.Mutex // guards free and chunk creation
	free []Handle

	allocs atomic.Uint64
	frees  atomic.Uint64
	reused atomic.Uint64
	nchunk atomic.Uint64
}

// New creates an arena. The first chunk is allocated eagerly.
func New[T any](optFns ...func(o *Options)) (*Arena[T], error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxHandles == 0 || opts.MaxHandles >= MaxHandles {
		opts.MaxHandles = MaxHandles - 1
	}

	a := &Arena[T]{limit: opts.MaxHandles}
	a.chunks[0].Store(&chunk[T]{})
	a.nchunk.Store(1)
	a.next.Store(1) // handle 0 is nil
	return a, nil
}

// Alloc reserves a slot and returns its handle together with a pointer to the value.
// A reused slot still holds its previous value; the caller must reinitialise it.
func (a *Arena[T]) Alloc() (Handle, *T, error) {
	a.mu.Lock()
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		a.mu.Unlock()
		a.allocs.Add(1)
		a.reused.Add(1)
		return h, a.Get(h), nil
	}
	a.mu.Unlock()

	for {
		h := a.next.Load()
		if h > a.limit {
			return 0, nil, ErrExhausted
		}
		if !a.next.CompareAndSwap(h, h+1) {
			continue
		}
		if err := a.ensureChunk(h >> chunkBits); err != nil {
			return 0, nil, err
		}
		a.allocs.Add(1)
		return h, a.Get(h), nil
	}
}

func (a *Arena[T]) ensureChunk(idx uint32) error {
	if idx >= MaxChunks {
		return ErrExhausted
	}
	if a.chunks[idx].Load() != nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chunks[idx].Load() == nil {
		a.chunks[idx].Store(&chunk[T]{})
		a.nchunk.Add(1)
	}
	return nil
}

// Get returns a pointer to the value stored at h, or nil for the nil handle.
func (a *Arena[T]) Get(h Handle) *T {
	if h == 0 {
		return nil
	}
	c := a.chunks[h>>chunkBits].Load()
	if c == nil {
		return nil
	}
	return &c.slots[h&chunkMask].val
}

// Gen returns the generation of h. It changes every time h is freed.
func (a *Arena[T]) Gen(h Handle) uint32 {
	if h == 0 {
		return 0
	}
	c := a.chunks[h>>chunkBits].Load()
	if c == nil {
		return 0
	}
	return c.slots[h&chunkMask].gen.Load()
}

// Free returns h to the arena and invalidates its generation.
func (a *Arena[T]) Free(h Handle) {
	if h == 0 {
		return
	}
	c := a.chunks[h>>chunkBits].Load()
	if c == nil {
		return
	}
	c.slots[h&chunkMask].gen.Add(1)

	a.mu.Lock()
	a.free = append(a.free, h)
	a.mu.Unlock()
	a.frees.Add(1)
}

// FreeBatch frees every handle in hs.
func (a *Arena[T]) FreeBatch(hs []Handle) {
	for _, h := range hs {
		a.Free(h)
	}
}

// Stats returns a snapshot of the arena counters.
func (a *Arena[T]) Stats() Stats {
	allocs := a.allocs.Load()
	frees := a.frees.Load()
	chunks := a.nchunk.Load()
	return Stats{
		Chunks:    chunks,
		Allocs:    allocs,
		Frees:     frees,
		Live:      allocs - frees,
		Reused:    a.reused.Load(),
		Capacity:  chunks * chunkSize,
		HighWater: uint64(a.next.Load() - 1),
	}
}
