package skiplist

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/lock"
)

func newList(t testing.TB, optFns ...func(o *Options)) *List {
	t.Helper()
	l, err := New(optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func keys(l *List) []string {
	var out []string
	for k := range l.All() {
		out = append(out, string(k))
	}
	return out
}

func TestList_Scenario(t *testing.T) {
	l := newList(t, func(o *Options) { o.MaxLevel = 4 })

	require.NoError(t, l.Insert([]byte("b"), []byte("2")))
	require.NoError(t, l.Insert([]byte("a"), []byte("1")))
	require.NoError(t, l.Insert([]byte("c"), []byte("3")))

	v, err := l.Find([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	var got [][2]string
	for k, v := range l.All() {
		got = append(got, [2]string{string(k), string(v)})
	}
	assert.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}, got)

	require.NoError(t, l.Remove([]byte("b")))
	_, err = l.Find([]byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, l.Len())
	assert.LessOrEqual(t, l.Height(), 4)
}

func TestList_OrderedAndDuplicateFree(t *testing.T) {
	l := newList(t)

	r := rand.New(rand.NewPCG(1, 2))
	want := make(map[string]string)
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("k%05d", r.IntN(1000))
		v := fmt.Sprintf("v%d", i)
		require.NoError(t, l.Insert([]byte(k), []byte(v)))
		want[k] = v
	}

	got := keys(l)
	assert.True(t, slices.IsSorted(got))
	assert.Len(t, got, len(want))
	assert.Equal(t, len(want), l.Len())
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1], got[i])
	}
	for k, v := range want {
		found, err := l.Find([]byte(k))
		require.NoError(t, err)
		assert.Equal(t, v, string(found))
	}
}

func TestList_BinaryKeysOrderLexicographically(t *testing.T) {
	l := newList(t)
	in := [][]byte{{0xff}, {0x00, 0x01}, {0x00}, {0x7f, 0xff}, {0x80}}
	for _, k := range in {
		require.NoError(t, l.Insert(k, k))
	}

	var got [][]byte
	for k := range l.All() {
		got = append(got, k)
	}
	assert.True(t, slices.IsSortedFunc(got, bytes.Compare))
	assert.Len(t, got, len(in))
}

func TestList_UpsertReplacesInPlace(t *testing.T) {
	l := newList(t)

	old, replaced, err := l.Upsert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Nil(t, old)

	old, replaced, err = l.Upsert([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, "v1", string(old))

	v, err := l.Find([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
	assert.Equal(t, 1, l.Len())

	st := l.Stats()
	assert.Equal(t, uint64(1), st.Inserts)
	assert.Equal(t, uint64(1), st.Updates)
}

func TestList_UpsertFuncAdmission(t *testing.T) {
	l := newList(t)
	errFull := fmt.Errorf("%w: full", kverr.ErrNoMemory)

	var seen []string
	admit := func(old []byte, exists bool) error {
		seen = append(seen, fmt.Sprintf("%s/%v", old, exists))
		return nil
	}
	_, replaced, err := l.UpsertFunc([]byte("k"), []byte("1"), admit)
	require.NoError(t, err)
	assert.False(t, replaced)

	old, replaced, err := l.UpsertFunc([]byte("k"), []byte("2"), admit)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, "1", string(old))
	assert.Equal(t, []string{"/false", "1/true"}, seen)

	reject := func([]byte, bool) error { return errFull }
	_, _, err = l.UpsertFunc([]byte("k"), []byte("3"), reject)
	assert.ErrorIs(t, err, errFull)
	_, _, err = l.UpsertFunc([]byte("n"), []byte("3"), reject)
	assert.ErrorIs(t, err, errFull)

	v, err := l.Find([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
	assert.False(t, l.Contains([]byte("n")))
	assert.Equal(t, 1, l.Len())
}

func TestList_CopiesCallerBuffers(t *testing.T) {
	l := newList(t)

	key := []byte("key")
	val := []byte("value")
	require.NoError(t, l.Insert(key, val))
	key[0] = 'X'
	val[0] = 'X'

	v, err := l.Find([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(v))
}

func TestList_RemoveAbsent(t *testing.T) {
	l := newList(t)
	require.NoError(t, l.Insert([]byte("a"), []byte("1")))

	assert.ErrorIs(t, l.Remove([]byte("zzz")), ErrNotFound)
	assert.Equal(t, 1, l.Len())

	old, err := l.Delete([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(old))
	assert.ErrorIs(t, l.Remove([]byte("a")), ErrNotFound)
	assert.Zero(t, l.Len())
	assert.Empty(t, keys(l))
}

func TestList_ReinsertAfterRemove(t *testing.T) {
	l := newList(t)
	for round := 0; round < 5; round++ {
		for i := 0; i < 100; i++ {
			require.NoError(t, l.Insert([]byte(fmt.Sprintf("%03d", i)), []byte{byte(round)}))
		}
		for i := 0; i < 100; i++ {
			require.NoError(t, l.Remove([]byte(fmt.Sprintf("%03d", i))))
		}
		assert.Zero(t, l.Len())
	}
	// Nothing is pinned, so three advances flush every epoch bucket.
	for i := 0; i < 3; i++ {
		require.True(t, l.Reclaim())
	}

	st := l.Stats()
	assert.Equal(t, uint64(500), st.Removes)
	assert.Equal(t, st.Retired, st.Reclaimed)
	assert.Zero(t, st.LiveNodes)
}

func TestList_Seek(t *testing.T) {
	l := newList(t)
	for _, k := range []string{"apple", "banana", "cherry", "date"} {
		require.NoError(t, l.Insert([]byte(k), []byte(k)))
	}

	var got []string
	for k := range l.Seek([]byte("b")) {
		got = append(got, string(k))
	}
	assert.Equal(t, []string{"banana", "cherry", "date"}, got)

	got = got[:0]
	for k := range l.Seek([]byte("cherry")) {
		got = append(got, string(k))
		break
	}
	assert.Equal(t, []string{"cherry"}, got)

	for range l.Seek([]byte("zebra")) {
		t.Fatal("no keys expected")
	}
}

func TestList_FindHint(t *testing.T) {
	l := newList(t)
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, l.Insert(k, k))
	}

	h := l.NewHint()
	for round := 0; round < 3; round++ {
		for i := 0; i < 500; i += 7 {
			k := []byte(fmt.Sprintf("key-%04d", i))
			v, err := l.FindHint(h, k)
			require.NoError(t, err)
			assert.Equal(t, k, v)
		}
	}
	assert.Positive(t, l.Stats().HintHits)

	// A removed node must never be served from the hint.
	k := []byte("key-0007")
	require.NoError(t, l.Remove(k))
	_, err := l.FindHint(h, k)
	assert.ErrorIs(t, err, ErrNotFound)

	// Reinsert with a different value; the hint must not return the stale one.
	require.NoError(t, l.Insert(k, []byte("fresh")))
	v, err := l.FindHint(h, k)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(v))

	_, err = l.FindHint(h, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	other := newList(t)
	_, err = other.FindHint(h, k)
	assert.ErrorIs(t, err, kverr.ErrParam)

	v, err = l.FindHint(nil, k)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(v))
}

func TestList_NoMemory(t *testing.T) {
	l := newList(t, func(o *Options) { o.MaxNodes = 2 })

	require.NoError(t, l.Insert([]byte("a"), nil))
	require.NoError(t, l.Insert([]byte("b"), nil))
	err := l.Insert([]byte("c"), nil)
	assert.ErrorIs(t, err, ErrNoMemory)

	// Updates need no node.
	require.NoError(t, l.Insert([]byte("a"), []byte("1")))
}

func TestList_InvalidOptions(t *testing.T) {
	_, err := New(func(o *Options) { o.MaxLevel = 0 })
	assert.ErrorIs(t, err, kverr.ErrParam)

	_, err = New(func(o *Options) { o.MaxLevel = MaxLevelLimit + 1 })
	assert.ErrorIs(t, err, kverr.ErrParam)

	_, err = New(func(o *Options) { o.Lock.StripeCount = 3 })
	assert.ErrorIs(t, err, kverr.ErrParam)

	l := newList(t)
	assert.ErrorIs(t, l.Insert(nil, []byte("v")), kverr.ErrParam)
}

func TestList_Closed(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Insert([]byte("a"), []byte("1")))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Insert([]byte("b"), nil), ErrClosed)
	_, err = l.Find([]byte("a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Remove([]byte("a")), ErrClosed)
	assert.Empty(t, keys(l))
}

func TestList_ConcurrentDisjointInserts(t *testing.T) {
	for _, kind := range []lock.Kind{lock.Mutex, lock.Spin, lock.RWLock} {
		for _, stripes := range []int{1, 16} {
			t.Run(fmt.Sprintf("%s/%d", kind, stripes), func(t *testing.T) {
				l := newList(t, func(o *Options) {
					o.Lock = lock.Config{Kind: kind, StripeCount: stripes, SpinCount: 1 << 20}
				})

				const workers, per = 8, 500
				var g errgroup.Group
				for w := 0; w < workers; w++ {
					g.Go(func() error {
						for i := 0; i < per; i++ {
							k := []byte(fmt.Sprintf("w%02d-%05d", w, i))
							if err := l.Insert(k, k); err != nil {
								return err
							}
						}
						return nil
					})
				}
				require.NoError(t, g.Wait())

				assert.Equal(t, workers*per, l.Len())
				got := keys(l)
				assert.Len(t, got, workers*per)
				assert.True(t, slices.IsSorted(got))
				for w := 0; w < workers; w++ {
					for i := 0; i < per; i++ {
						assert.True(t, l.Contains([]byte(fmt.Sprintf("w%02d-%05d", w, i))))
					}
				}
			})
		}
	}
}

func TestList_ConcurrentReadersAndRemovers(t *testing.T) {
	l := newList(t, func(o *Options) {
		o.Lock = lock.Config{Kind: lock.RWLock, StripeCount: 32}
	})

	const n = 4000
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("%06d", i))
		require.NoError(t, l.Insert(k, k))
	}

	var g errgroup.Group
	// Removers delete even keys, inserters add new odd keys past n.
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := w * 2; i < n; i += 8 {
				if err := l.Remove([]byte(fmt.Sprintf("%06d", i))); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for i := n + w; i < n+2000; i += 4 {
				k := []byte(fmt.Sprintf("%06d", i))
				if err := l.Insert(k, k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	// Readers verify odd keys below n stay visible with their own value.
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			h := l.NewHint()
			for round := 0; round < 3; round++ {
				for i := 1; i < n; i += 2 {
					k := []byte(fmt.Sprintf("%06d", i))
					v, err := l.FindHint(h, k)
					if err != nil {
						return fmt.Errorf("find %s: %w", k, err)
					}
					if !bytes.Equal(v, k) {
						return fmt.Errorf("find %s: got %s", k, v)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, n/2+2000, l.Len())
	got := keys(l)
	assert.Len(t, got, n/2+2000)
	assert.True(t, slices.IsSorted(got))
	assert.Positive(t, l.Stats().Reclaimed)
}

func BenchmarkList_Insert(b *testing.B) {
	l := newList(b)
	b.ReportAllocs()
	for i := 0; b.Loop(); i++ {
		_ = l.Insert([]byte(fmt.Sprintf("key-%09d", i)), []byte("value"))
	}
}

func BenchmarkList_Find(b *testing.B) {
	l := newList(b)
	for i := 0; i < 100_000; i++ {
		_ = l.Insert([]byte(fmt.Sprintf("key-%09d", i)), []byte("value"))
	}
	h := l.NewHint()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = l.FindHint(h, []byte(fmt.Sprintf("key-%09d", i%100_000)))
			i++
		}
	})
}
