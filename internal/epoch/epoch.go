// Package epoch implements epoch-based deferred reclamation.
//
// Readers Pin the current epoch for the duration of a traversal. Writers
// Retire handles after unlinking them; a retired handle is handed to the free
// callback only once every reader that could still observe it has unpinned.
//
// Three epochs are tracked. A handle retired in epoch E is reclaimed when the
// global epoch advances from E+1 to E+2, which requires that no reader is
// still pinned in E or earlier.
package epoch

import (
	"sync"
	"sync/atomic"
)

const buckets = 3

// FreeFunc reclaims a batch of retired handles.
type FreeFunc func(handles []uint32)

// Manager coordinates pinned readers and retired handles.
type Manager struct {
	epoch   atomic.Uint64
	readers [buckets]paddedCounter

	mu    sync.Mutex
	limbo [buckets][]uint32
	free  FreeFunc

	retired   atomic.Uint64
	reclaimed atomic.Uint64
	advances  atomic.Uint64
}

type paddedCounter struct {
	n atomic.Int64
	_ [56]byte
}

// New returns a Manager that passes reclaimed handles to free.
func New(free FreeFunc) *Manager {
	m := &Manager{free: free}
	m.epoch.Store(1)
	return m
}

// Guard is a pinned reader. Unpin must be called exactly once.
type Guard struct {
	m    *Manager
	slot int
}

// Pin registers a reader in the current epoch.
func (m *Manager) Pin() Guard {
	for {
		e := m.epoch.Load()
		slot := int(e % buckets)
		m.readers[slot].n.Add(1)
		if m.epoch.Load() == e {
			return Guard{m: m, slot: slot}
		}
		// The epoch moved between the load and the registration.
		m.readers[slot].n.Add(-1)
	}
}

// Unpin releases the reader registration.
func (g Guard) Unpin() {
	g.m.readers[g.slot].n.Add(-1)
}

// Retire schedules h for reclamation once no reader can reach it.
// The caller must already have unlinked h from every shared structure.
func (m *Manager) Retire(h uint32) {
	m.mu.Lock()
	e := m.epoch.Load()
	m.limbo[e%buckets] = append(m.limbo[e%buckets], h)
	m.mu.Unlock()
	m.retired.Add(1)
}

// TryAdvance moves to the next epoch if no reader is pinned in the previous
// one, reclaiming handles retired two epochs ago. It reports whether the
// epoch advanced.
func (m *Manager) TryAdvance() bool {
	m.mu.Lock()
	e := m.epoch.Load()
	if m.readers[(e+buckets-1)%buckets].n.Load() != 0 {
		m.mu.Unlock()
		return false
	}
	m.epoch.Store(e + 1)
	// (e+2)%3 == (e-1)%3: handles retired in e-1.
	slot := (e + 2) % buckets
	batch := m.limbo[slot]
	m.limbo[slot] = nil
	m.mu.Unlock()

	m.advances.Add(1)
	m.reclaim(batch)
	return true
}

// Drain reclaims every retired handle. It must only be called when no reader
// is pinned, typically while closing the owning structure.
func (m *Manager) Drain() {
	m.mu.Lock()
	var batch []uint32
	for i := range m.limbo {
		batch = append(batch, m.limbo[i]...)
		m.limbo[i] = nil
	}
	m.mu.Unlock()
	m.reclaim(batch)
}

func (m *Manager) reclaim(batch []uint32) {
	if len(batch) == 0 {
		return
	}
	if m.free != nil {
		m.free(batch)
	}
	m.reclaimed.Add(uint64(len(batch)))
}

// Epoch returns the current global epoch.
func (m *Manager) Epoch() uint64 {
	return m.epoch.Load()
}

// Stats is a snapshot of reclamation counters.
type Stats struct {
	Epoch     uint64
	Retired   uint64
	Reclaimed uint64
	Advances  uint64
	Pending   uint64
}

// Stats returns a snapshot of the reclamation counters.
func (m *Manager) Stats() Stats {
	retired := m.retired.Load()
	reclaimed := m.reclaimed.Load()
	var pending uint64
	if retired > reclaimed {
		pending = retired - reclaimed
	}
	return Stats{
		Epoch:     m.epoch.Load(),
		Retired:   retired,
		Reclaimed: reclaimed,
		Advances:  m.advances.Load(),
		Pending:   pending,
	}
}
