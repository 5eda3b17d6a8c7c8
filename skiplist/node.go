package skiplist

import (
	"math/bits"
	"math/rand/v2"
	"sync/atomic"

	"github.com/hupe1980/kvgo/internal/arena"
)

// MaxLevelLimit is the highest supported MaxLevel.
const MaxLevelLimit = 32

// markBit flags a forward link whose owner is being removed.
const markBit = 1 << 31

type node struct {
	key   []byte
	value atomic.Pointer[[]byte]
	level int
	next  [MaxLevelLimit]atomic.Uint32
}

func isMarked(link uint32) bool { return link&markBit != 0 }

func ref(link uint32) arena.Handle { return link &^ markBit }

// randomLevel draws a level in [1, limit] with P(level > k) = 2^-k.
func randomLevel(limit int) int {
	return min(1+bits.TrailingZeros64(rand.Uint64()), limit)
}
