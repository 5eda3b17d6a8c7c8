package memtable

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/lock"
)

func newTable(t testing.TB, fn func(c *Config)) *MemTable {
	t.Helper()
	cfg := DefaultConfig
	if fn != nil {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type pair struct{ k, v string }

func entries(m *MemTable) []pair {
	var out []pair
	for k, v := range m.All() {
		out = append(out, pair{string(k), string(v)})
	}
	return out
}

func TestMemTable_Scenario(t *testing.T) {
	m := newTable(t, func(c *Config) { c.MaxLevel = 4 })

	require.NoError(t, m.Put([]byte("b"), []byte("2")))
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	require.NoError(t, m.Put([]byte("c"), []byte("3")))

	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	require.NoError(t, m.Delete([]byte("b")))
	_, err = m.Get([]byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, m.Len())

	m.MakeImmutable()
	assert.Equal(t, []pair{{"a", "1"}, {"c", "3"}}, entries(m))
}

func TestMemTable_Accounting(t *testing.T) {
	m := newTable(t, nil)

	require.NoError(t, m.Put([]byte("key"), []byte("value")))
	assert.Equal(t, int64(8), m.Size())

	require.NoError(t, m.Put([]byte("key"), []byte("v")))
	assert.Equal(t, int64(4), m.Size())

	require.NoError(t, m.Put([]byte("k2"), []byte("vv")))
	require.NoError(t, m.Delete([]byte("key")))
	assert.Equal(t, int64(4), m.Size())

	st := m.Stats()
	assert.Equal(t, uint64(2), st.Inserts)
	assert.Equal(t, uint64(1), st.Updates)
	assert.Equal(t, uint64(1), st.Deletes)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(4), st.Seq)
}

func TestMemTable_DeleteAbsentHasNoSideEffects(t *testing.T) {
	m := newTable(t, nil)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	before := m.Stats()

	assert.ErrorIs(t, m.Delete([]byte("missing")), ErrNotFound)

	after := m.Stats()
	assert.Equal(t, before.Entries, after.Entries)
	assert.Equal(t, before.Bytes, after.Bytes)
	assert.Equal(t, before.Seq, after.Seq)
	assert.Equal(t, before.Deletes, after.Deletes)
}

func TestMemTable_Immutable(t *testing.T) {
	m := newTable(t, nil)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))

	m.MakeImmutable()
	m.MakeImmutable()
	assert.True(t, m.IsImmutable())

	assert.ErrorIs(t, m.Put([]byte("b"), []byte("2")), ErrReadOnly)
	assert.ErrorIs(t, m.Delete([]byte("a")), ErrReadOnly)

	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	assert.Equal(t, []pair{{"a", "1"}}, entries(m))
}

func TestMemTable_Budget(t *testing.T) {
	m := newTable(t, func(c *Config) { c.MaxSize = 10 })

	require.NoError(t, m.Put([]byte("ab"), []byte("cdef"))) // 6
	err := m.Put([]byte("gh"), []byte("ijk"))               // 5
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, 1, m.Len())

	assert.ErrorIs(t, m.Put([]byte("huge"), make([]byte, 64)), ErrNoMemory)

	require.NoError(t, m.Delete([]byte("ab")))
	require.NoError(t, m.Put([]byte("gh"), []byte("ijk")))
	assert.False(t, m.ShouldFlush())
}

func TestMemTable_UpdateReservesDifference(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	m := newTable(t, func(c *Config) {
		c.MaxSize = 10
		c.Controller = rc
	})

	require.NoError(t, m.Put([]byte("k"), []byte("12345678"))) // 9
	require.NoError(t, m.Put([]byte("k"), []byte("abcdefgh")), "same size update fits")
	require.NoError(t, m.Put([]byte("k"), []byte("abcdefghi")), "grows into the last byte")
	assert.Equal(t, int64(10), rc.MemoryUsage())

	assert.ErrorIs(t, m.Put([]byte("k"), []byte("abcdefghij")), ErrNoMemory)
	v, err := m.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", string(v), "a rejected update keeps the old value")

	require.NoError(t, m.Put([]byte("k"), []byte("ab"))) // 3
	assert.Equal(t, int64(3), m.Size())
	assert.Equal(t, int64(3), rc.MemoryUsage())

	require.NoError(t, m.Put([]byte("x"), []byte("123456"))) // 7
	assert.Equal(t, int64(10), rc.MemoryUsage())

	assert.ErrorIs(t, m.Put([]byte("k"), []byte("abc")), ErrNoMemory)
	v, err = m.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(v))
	assert.Equal(t, int64(10), rc.MemoryUsage())
	assert.Equal(t, uint64(3), m.Stats().Updates)
}

func TestMemTable_SharedController(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 8})
	a := newTable(t, func(c *Config) { c.Controller = rc })
	b := newTable(t, func(c *Config) { c.Controller = rc })

	require.NoError(t, a.Put([]byte("k"), []byte("12345"))) // 6
	assert.ErrorIs(t, b.Put([]byte("k"), []byte("12")), ErrNoMemory)

	require.NoError(t, a.Close())
	require.NoError(t, b.Put([]byte("k"), []byte("12")))
	assert.Equal(t, int64(3), rc.MemoryUsage())
}

func TestMemTable_ShouldFlush(t *testing.T) {
	m := newTable(t, func(c *Config) { c.MaxSize = 100; c.FlushThreshold = 0.5 })

	require.NoError(t, m.Put([]byte("k1"), make([]byte, 40)))
	assert.False(t, m.ShouldFlush())
	require.NoError(t, m.Put([]byte("k2"), make([]byte, 10)))
	assert.True(t, m.ShouldFlush())

	unlimited := newTable(t, func(c *Config) { c.MaxSize = 0 })
	require.NoError(t, unlimited.Put([]byte("k"), make([]byte, 1<<20)))
	assert.False(t, unlimited.ShouldFlush())
}

func TestMemTable_SequenceFromWAL(t *testing.T) {
	m := newTable(t, nil)
	require.NoError(t, m.PutSeq([]byte("a"), []byte("1"), 10))
	require.NoError(t, m.PutSeq([]byte("b"), []byte("2"), 7))
	assert.Equal(t, uint64(10), m.Seq())
	require.NoError(t, m.DeleteSeq([]byte("a"), 11))
	assert.Equal(t, uint64(11), m.Seq())
}

func TestMemTable_BloomFilter(t *testing.T) {
	m := newTable(t, func(c *Config) {
		c.BloomFilter = true
		c.BloomExpectedItems = 1000
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Put([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	for i := 0; i < 100; i++ {
		assert.True(t, m.MayContain([]byte(fmt.Sprintf("k%03d", i))))
	}

	negatives := 0
	for i := 0; i < 1000; i++ {
		if !m.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			negatives++
		}
	}
	assert.Greater(t, negatives, 900)

	_, err := m.Get([]byte("absent-1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemTable_GetReturnsCopy(t *testing.T) {
	m := newTable(t, nil)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))

	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	v[0] = 'X'

	v, err = m.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestMemTable_InvalidConfig(t *testing.T) {
	for name, fn := range map[string]func(c *Config){
		"negative size":   func(c *Config) { c.MaxSize = -1 },
		"level":           func(c *Config) { c.MaxLevel = 0 },
		"bloom rate":      func(c *Config) { c.BloomFilter = true; c.BloomFalsePositiveRate = 1 },
		"stripes":         func(c *Config) { c.Lock.StripeCount = 5 },
		"flush threshold": func(c *Config) { c.FlushThreshold = 2 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig
			fn(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, kverr.ErrParam)
		})
	}

	m := newTable(t, nil)
	assert.ErrorIs(t, m.Put(nil, []byte("v")), kverr.ErrParam)
}

func TestMemTable_ConcurrentDisjointPuts(t *testing.T) {
	for _, kind := range []lock.Kind{lock.Mutex, lock.Spin, lock.RWLock} {
		t.Run(kind.String(), func(t *testing.T) {
			m := newTable(t, func(c *Config) {
				c.Lock = lock.Config{Kind: kind, StripeCount: 8, SpinCount: 1 << 20}
			})

			const workers, per = 8, 250
			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < per; i++ {
						k := []byte(fmt.Sprintf("w%d-%04d", w, i))
						if err := m.Put(k, k); err != nil {
							return err
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, workers*per, m.Len())
			for w := 0; w < workers; w++ {
				for i := 0; i < per; i++ {
					k := []byte(fmt.Sprintf("w%d-%04d", w, i))
					v, err := m.Get(k)
					require.NoError(t, err)
					assert.Equal(t, k, v)
				}
			}

			m.MakeImmutable()
			var got []string
			for k := range m.All() {
				got = append(got, string(k))
			}
			assert.Len(t, got, workers*per)
			assert.True(t, slices.IsSorted(got))
		})
	}
}

func TestMemTable_MakeImmutableWhileWriting(t *testing.T) {
	m := newTable(t, nil)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; ; i++ {
				err := m.Put([]byte(fmt.Sprintf("w%d-%d", w, i)), []byte("v"))
				if errors.Is(err, ErrReadOnly) {
					return nil
				}
				if err != nil {
					return err
				}
			}
		})
	}
	g.Go(func() error {
		for m.Len() < 100 {
			runtime.Gosched()
		}
		m.MakeImmutable()
		return nil
	})
	require.NoError(t, g.Wait())

	n := m.Len()
	assert.Len(t, entries(m), n, "no write lands after the switch")
}
