package memtable_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/memtable"
	"github.com/hupe1980/kvgo/wal"
)

func openLog(t *testing.T) (*wal.WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvgo.wal")
	w, err := wal.Open(path)
	require.NoError(t, err)
	return w, path
}

// replay applies every record of the log at path to a fresh table.
func replay(t *testing.T, path string) *memtable.MemTable {
	t.Helper()
	m, err := memtable.New(memtable.DefaultConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	it, err := wal.Recover(path)
	require.NoError(t, err)
	defer it.Close()

	for rec, err := range it.All() {
		require.NoError(t, err)
		switch rec.Type {
		case wal.RecordPut:
			require.NoError(t, m.PutSeq(rec.Key, rec.Value, rec.Seq))
		case wal.RecordDelete:
			require.NoError(t, m.DeleteSeq(rec.Key, rec.Seq))
		}
	}
	return m
}

func dump(m *memtable.MemTable) map[string]string {
	out := make(map[string]string)
	for k, v := range m.All() {
		out[string(k)] = string(v)
	}
	return out
}

func TestReplay_PutThenDeleteLeavesEmptyTable(t *testing.T) {
	w, path := openLog(t)
	_, err := w.AppendPut([]byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = w.AppendDelete([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	m := replay(t, path)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int64(0), m.Size())
	assert.Equal(t, uint64(2), m.Seq())

	_, err = m.Get([]byte("k"))
	assert.ErrorIs(t, err, kverr.ErrNotFound)
}

func TestReplay_MatchesDirectApplication(t *testing.T) {
	w, path := openLog(t)
	direct, err := memtable.New(memtable.DefaultConfig)
	require.NoError(t, err)
	defer direct.Close()

	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		key := fmt.Appendf(nil, "key-%03d", rng.IntN(200))
		if rng.IntN(3) == 0 {
			err := direct.Delete(key)
			if errors.Is(err, kverr.ErrNotFound) {
				continue
			}
			require.NoError(t, err)
			_, err = w.AppendDelete(key)
			require.NoError(t, err)
			continue
		}
		value := fmt.Appendf(nil, "value-%d", i)
		require.NoError(t, direct.Put(key, value))
		_, err := w.AppendPut(key, value)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	replayed := replay(t, path)
	assert.Equal(t, dump(direct), dump(replayed))
	assert.Equal(t, direct.Len(), replayed.Len())
	assert.Equal(t, direct.Size(), replayed.Size())
	assert.Equal(t, direct.Seq(), replayed.Seq())
}
