package skiplist

import (
	"sync/atomic"

	"github.com/hupe1980/kvgo/internal/arena"
	"github.com/hupe1980/kvgo/internal/hash"
)

const hintSlots = 256

// Hint caches the nodes found by recent lookups of one List, one slot per
// low byte of the key hash. A Hint may be shared between goroutines; stale
// entries are detected and ignored.
type Hint struct {
	list  *List
	slots [hintSlots]atomic.Uint64
}

// NewHint returns an empty hint cache bound to l.
func (l *List) NewHint() *Hint {
	return &Hint{list: l}
}

func hintSlot(key []byte) int {
	return int(hash.Key(key) & (hintSlots - 1))
}

func (h *Hint) load(slot int) (arena.Handle, uint32) {
	v := h.slots[slot].Load()
	return arena.Handle(v >> 32), uint32(v)
}

func (h *Hint) store(slot int, n arena.Handle, gen uint32) {
	h.slots[slot].Store(uint64(n)<<32 | uint64(gen))
}

// Reset clears every slot.
func (h *Hint) Reset() {
	for i := range h.slots {
		h.slots[i].Store(0)
	}
}
