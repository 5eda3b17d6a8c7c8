package skiplist

import (
	"bytes"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/hupe1980/kvgo/internal/arena"
	"github.com/hupe1980/kvgo/internal/epoch"
	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/lock"
)

var (
	// ErrNotFound is returned when the key is absent.
	ErrNotFound = kverr.ErrNotFound
	// ErrNoMemory is returned when no more nodes can be allocated.
	ErrNoMemory = kverr.ErrNoMemory
	// ErrClosed is returned by operations on a closed list.
	ErrClosed = kverr.ErrClosed
)

// DefaultMaxLevel is the default node height cap.
const DefaultMaxLevel = 12

// Options configures a List.
type Options struct {
	// MaxLevel caps node heights, 1..MaxLevelLimit.
	MaxLevel int

	// Lock configures the striped lock serializing mutations of a key.
	// A StripeCount of 0 or 1 serializes all mutations.
	Lock lock.Config

	// MaxNodes caps the number of live nodes. Zero means the arena limit.
	MaxNodes uint32
}

// DefaultOptions are used by New before applying option functions.
var DefaultOptions = Options{
	MaxLevel: DefaultMaxLevel,
	Lock:     lock.DefaultConfig,
}

// List is a concurrent ordered map from byte keys to byte values.
type List struct {
	opts   Options
	nodes  *arena.Arena[node]
	epochs *epoch.Manager
	locks  *lock.Striped
	head   arena.Handle

	height atomic.Int32
	length atomic.Int64
	closed atomic.Bool

	inserts    atomic.Uint64
	updates    atomic.Uint64
	removes    atomic.Uint64
	hintHits   atomic.Uint64
	hintMisses atomic.Uint64
}

// New creates an empty List.
func New(optFns ...func(o *Options)) (*List, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxLevel < 1 || opts.MaxLevel > MaxLevelLimit {
		return nil, kverr.Paramf("max level %d out of range [1, %d]", opts.MaxLevel, MaxLevelLimit)
	}

	locks, err := lock.NewStriped(opts.Lock)
	if err != nil {
		return nil, err
	}

	nodes, err := arena.New[node](func(o *arena.Options) {
		if opts.MaxNodes > 0 {
			o.MaxHandles = opts.MaxNodes + 1 // plus head
		}
	})
	if err != nil {
		return nil, err
	}

	l := &List{
		opts:   opts,
		nodes:  nodes,
		locks:  locks,
		epochs: epoch.New(nodes.FreeBatch),
	}

	head, hn, err := nodes.Alloc()
	if err != nil {
		return nil, err
	}
	hn.level = opts.MaxLevel
	l.head = head
	l.height.Store(1)

	return l, nil
}

func (l *List) node(h arena.Handle) *node { return l.nodes.Get(h) }

// MaxLevel returns the configured height cap.
func (l *List) MaxLevel() int { return l.opts.MaxLevel }

// Len returns the number of keys.
func (l *List) Len() int { return int(l.length.Load()) }

// Height returns the height of the tallest node ever inserted.
func (l *List) Height() int { return int(l.height.Load()) }

// Locks returns the striped lock guarding mutations.
func (l *List) Locks() *lock.Striped { return l.locks }

// find locates the predecessors and successors of key on every level,
// unlinking marked nodes it passes. It reports whether succs[0] holds key.
func (l *List) find(key []byte, preds, succs *[MaxLevelLimit]arena.Handle) bool {
retry:
	for {
		pred := l.head
		for lvl := l.opts.MaxLevel - 1; lvl >= 0; lvl-- {
			curr := ref(l.node(pred).next[lvl].Load())
			for curr != 0 {
				cn := l.node(curr)
				succ := cn.next[lvl].Load()
				if isMarked(succ) {
					if !l.node(pred).next[lvl].CompareAndSwap(curr, ref(succ)) {
						continue retry
					}
					curr = ref(succ)
					continue
				}
				if bytes.Compare(cn.key, key) >= 0 {
					break
				}
				pred = curr
				curr = ref(succ)
			}
			preds[lvl] = pred
			succs[lvl] = curr
		}
		return succs[0] != 0 && bytes.Equal(l.node(succs[0]).key, key)
	}
}

// seek descends from start at level top without modifying the list and
// returns the first live node whose key is >= key.
func (l *List) seek(start arena.Handle, top int, key []byte) arena.Handle {
	pred := start
	var curr arena.Handle
	for lvl := top; lvl >= 0; lvl-- {
		curr = ref(l.node(pred).next[lvl].Load())
		for curr != 0 {
			cn := l.node(curr)
			succ := cn.next[lvl].Load()
			if isMarked(succ) {
				curr = ref(succ)
				continue
			}
			if bytes.Compare(cn.key, key) >= 0 {
				break
			}
			pred = curr
			curr = ref(succ)
		}
	}
	return curr
}

// Insert stores value under key, replacing any existing value.
func (l *List) Insert(key, value []byte) error {
	_, _, err := l.Upsert(key, value)
	return err
}

// Upsert stores value under key. If the key existed, the previous value is
// returned with replaced set.
func (l *List) Upsert(key, value []byte) (old []byte, replaced bool, err error) {
	return l.UpsertFunc(key, value, nil)
}

// UpsertFunc is Upsert with an admission check. admit runs under the key's
// stripe lock with the current value, if any; an error from it leaves the
// list unchanged and is returned as is.
func (l *List) UpsertFunc(key, value []byte, admit func(old []byte, exists bool) error) (old []byte, replaced bool, err error) {
	if l.closed.Load() {
		return nil, false, ErrClosed
	}
	if len(key) == 0 {
		return nil, false, kverr.Paramf("empty key")
	}

	lk := l.locks.For(key)
	if err := lk.Acquire(); err != nil {
		return nil, false, err
	}
	defer lk.Release() //nolint:errcheck // held above

	g := l.epochs.Pin()
	defer g.Unpin()

	var preds, succs [MaxLevelLimit]arena.Handle
	found := l.find(key, &preds, &succs)
	if admit != nil {
		var cur []byte
		if found {
			cur = *l.node(succs[0]).value.Load()
		}
		if err := admit(cur, found); err != nil {
			return nil, false, err
		}
	}
	if found {
		return l.replace(succs[0], value), true, nil
	}

	lvl := randomLevel(l.opts.MaxLevel)
	h, nn, err := l.nodes.Alloc()
	if err != nil {
		return nil, false, fmt.Errorf("skiplist: allocate node: %w", err)
	}
	nn.key = bytes.Clone(key)
	v := bytes.Clone(value)
	nn.value.Store(&v)
	nn.level = lvl
	for i := 0; i < l.opts.MaxLevel; i++ {
		nn.next[i].Store(succs[i])
	}

	for {
		hgt := l.height.Load()
		if int32(lvl) <= hgt || l.height.CompareAndSwap(hgt, int32(lvl)) {
			break
		}
	}

	// Level 0 makes the node visible. All of its links are already set.
	for !l.node(preds[0]).next[0].CompareAndSwap(succs[0], h) {
		if l.find(key, &preds, &succs) {
			// Another writer won the race for this key; the new node was never published.
			l.nodes.Free(h)
			return l.replace(succs[0], value), true, nil
		}
		for i := 0; i < lvl; i++ {
			nn.next[i].Store(succs[i])
		}
	}

	for i := 1; i < lvl; i++ {
		for !l.node(preds[i]).next[i].CompareAndSwap(succs[i], h) {
			l.find(key, &preds, &succs)
			nn.next[i].Store(succs[i])
		}
	}

	l.length.Add(1)
	l.inserts.Add(1)
	return nil, false, nil
}

func (l *List) replace(h arena.Handle, value []byte) []byte {
	v := bytes.Clone(value)
	old := l.node(h).value.Swap(&v)
	l.updates.Add(1)
	return *old
}

// Find returns the value stored under key, or ErrNotFound.
// The returned slice must not be modified.
func (l *List) Find(key []byte) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	g := l.epochs.Pin()
	defer g.Unpin()

	v, _ := l.lookup(l.head, l.opts.MaxLevel-1, key)
	if v == nil {
		return nil, ErrNotFound
	}
	return *v, nil
}

// FindHint is Find that starts from a cached position when the hint holds a
// usable one and records the found node for later lookups.
func (l *List) FindHint(h *Hint, key []byte) ([]byte, error) {
	if h == nil {
		return l.Find(key)
	}
	if h.list != l {
		return nil, kverr.Paramf("hint belongs to a different list")
	}
	if l.closed.Load() {
		return nil, ErrClosed
	}

	g := l.epochs.Pin()
	defer g.Unpin()

	slot := hintSlot(key)
	start, top := l.head, l.opts.MaxLevel-1
	if hn, gen := h.load(slot); hn != 0 {
		if n, ok := l.validHint(hn, gen); ok {
			switch c := bytes.Compare(n.key, key); {
			case c == 0:
				l.hintHits.Add(1)
				return *n.value.Load(), nil
			case c < 0:
				l.hintHits.Add(1)
				start, top = hn, n.level-1
			default:
				l.hintMisses.Add(1)
			}
		} else {
			l.hintMisses.Add(1)
		}
	}

	v, found := l.lookup(start, top, key)
	if v == nil {
		return nil, ErrNotFound
	}
	h.store(slot, found, l.nodes.Gen(found))
	return *v, nil
}

// validHint reports whether handle hn still refers to the live node the
// hint was taken from. The caller must be pinned.
func (l *List) validHint(hn arena.Handle, gen uint32) (*node, bool) {
	if l.nodes.Gen(hn) != gen {
		return nil, false
	}
	n := l.node(hn)
	if n == nil || isMarked(n.next[0].Load()) {
		return nil, false
	}
	// Unmarked after pinning means the node cannot be reclaimed before we
	// unpin, provided it is still the same incarnation.
	if l.nodes.Gen(hn) != gen || n.level == 0 || hn == l.head {
		return nil, false
	}
	return n, true
}

func (l *List) lookup(start arena.Handle, top int, key []byte) (*[]byte, arena.Handle) {
	curr := l.seek(start, top, key)
	if curr == 0 {
		return nil, 0
	}
	cn := l.node(curr)
	if !bytes.Equal(cn.key, key) || isMarked(cn.next[0].Load()) {
		return nil, 0
	}
	return cn.value.Load(), curr
}

// Contains reports whether key is present.
func (l *List) Contains(key []byte) bool {
	_, err := l.Find(key)
	return err == nil
}

// Remove deletes key, returning ErrNotFound if it is absent.
func (l *List) Remove(key []byte) error {
	_, err := l.Delete(key)
	return err
}

// Delete removes key and returns the value it held.
func (l *List) Delete(key []byte) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	lk := l.locks.For(key)
	if err := lk.Acquire(); err != nil {
		return nil, err
	}
	defer lk.Release() //nolint:errcheck // held above

	g := l.epochs.Pin()

	var preds, succs [MaxLevelLimit]arena.Handle
	if !l.find(key, &preds, &succs) {
		g.Unpin()
		return nil, ErrNotFound
	}

	victim := succs[0]
	vn := l.node(victim)

	for lvl := vn.level - 1; lvl >= 1; lvl-- {
		for {
			succ := vn.next[lvl].Load()
			if isMarked(succ) || vn.next[lvl].CompareAndSwap(succ, succ|markBit) {
				break
			}
		}
	}
	for {
		succ := vn.next[0].Load()
		if isMarked(succ) {
			g.Unpin()
			return nil, ErrNotFound
		}
		if vn.next[0].CompareAndSwap(succ, succ|markBit) {
			break
		}
	}

	old := *vn.value.Load()
	l.length.Add(-1)
	l.removes.Add(1)

	// Unlink on every level before retiring.
	l.find(key, &preds, &succs)
	g.Unpin()

	l.epochs.Retire(victim)
	l.epochs.TryAdvance()
	return old, nil
}

// Reclaim attempts to advance the reclamation epoch and reports whether it moved.
func (l *List) Reclaim() bool {
	return l.epochs.TryAdvance()
}

// All returns the entries in ascending key order. The sequence is lazy and
// reflects concurrent mutations only partially; it is exact once mutations stop.
func (l *List) All() iter.Seq2[[]byte, []byte] {
	return l.from(nil)
}

// Seek returns the entries whose key is >= key in ascending order.
func (l *List) Seek(key []byte) iter.Seq2[[]byte, []byte] {
	return l.from(key)
}

func (l *List) from(key []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		if l.closed.Load() {
			return
		}
		g := l.epochs.Pin()
		defer g.Unpin()

		var curr arena.Handle
		if key == nil {
			curr = ref(l.node(l.head).next[0].Load())
		} else {
			curr = l.seek(l.head, l.opts.MaxLevel-1, key)
		}
		for curr != 0 {
			cn := l.node(curr)
			succ := cn.next[0].Load()
			if !isMarked(succ) {
				if !yield(cn.key, *cn.value.Load()) {
					return
				}
			}
			curr = ref(succ)
		}
	}
}

// Close releases retired nodes. It must not run concurrently with other
// operations; afterwards every operation returns ErrClosed.
func (l *List) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.epochs.Drain()
	return nil
}

// Stats is a snapshot of list counters.
type Stats struct {
	Len        int
	Height     int
	Inserts    uint64
	Updates    uint64
	Removes    uint64
	HintHits   uint64
	HintMisses uint64
	Retired    uint64
	Reclaimed  uint64
	LiveNodes  uint64
	Lock       lock.Stats
}

// Stats returns a snapshot of the list counters.
func (l *List) Stats() Stats {
	es := l.epochs.Stats()
	as := l.nodes.Stats()
	return Stats{
		Len:        l.Len(),
		Height:     l.Height(),
		Inserts:    l.inserts.Load(),
		Updates:    l.updates.Load(),
		Removes:    l.removes.Load(),
		HintHits:   l.hintHits.Load(),
		HintMisses: l.hintMisses.Load(),
		Retired:    es.Retired,
		Reclaimed:  es.Reclaimed,
		LiveNodes:  as.Live - 1, // head
		Lock:       l.locks.Stats(),
	}
}
