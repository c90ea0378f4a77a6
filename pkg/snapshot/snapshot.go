// Package snapshot hands out sequence numbers and tracks the snapshots that
// readers hold open. Compaction consults the live set to decide which old
// versions must survive.
package snapshot

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"strata/pkg/types"
)

// Snapshot pins a read sequence. Everything committed at or below Seq is
// visible through it and nothing newer is.
type Snapshot struct {
	id       uuid.UUID
	seq      types.SeqN
	mgr      *Manager
	released atomic.Bool
}

// Seq returns the read sequence number.
func (s *Snapshot) Seq() types.SeqN { return s.seq }

// ID identifies the snapshot to remote callers.
func (s *Snapshot) ID() uuid.UUID { return s.id }

// Release unpins the snapshot. Releasing twice is a no-op.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.mgr.release(s.seq)
	}
}

// Released reports whether Release has been called.
func (s *Snapshot) Released() bool { return s.released.Load() }

// Manager owns the sequence counter and the open snapshot set.
//
// Allocation and visibility are tracked apart: a sequence handed out by Next
// becomes visible to new snapshots only once the writer calls Publish.
type Manager struct {
	clock   atomic.Uint64
	visible atomic.Uint64

	mu   sync.Mutex
	open map[types.SeqN]int
}

func NewManager(init types.SeqN) *Manager {
	m := &Manager{open: make(map[types.SeqN]int)}
	m.clock.Store(init)
	m.visible.Store(init)
	return m
}

// Next allocates the next sequence number.
func (m *Manager) Next() types.SeqN {
	return m.clock.Add(1)
}

// Publish makes every sequence up to seq visible. Writers publish in
// allocation order.
func (m *Manager) Publish(seq types.SeqN) {
	raise(&m.visible, seq)
}

// Current returns the last published sequence number.
func (m *Manager) Current() types.SeqN {
	return m.visible.Load()
}

// Allocated returns the last allocated sequence number.
func (m *Manager) Allocated() types.SeqN {
	return m.clock.Load()
}

// SetFloor raises both counters to at least seq. Used during recovery.
func (m *Manager) SetFloor(seq types.SeqN) {
	raise(&m.clock, seq)
	raise(&m.visible, seq)
}

func raise(v *atomic.Uint64, seq types.SeqN) {
	for {
		cur := v.Load()
		if cur >= seq || v.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Open pins the current sequence.
func (m *Manager) Open() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.visible.Load()
	m.open[seq]++
	return &Snapshot{id: uuid.New(), seq: seq, mgr: m}
}

func (m *Manager) release(seq types.SeqN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open[seq] <= 1 {
		delete(m.open, seq)
		return
	}
	m.open[seq]--
}

// Live returns the distinct sequences of open snapshots in ascending order.
func (m *Manager) Live() []types.SeqN {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.SeqN, 0, len(m.open))
	for seq := range m.open {
		out = append(out, seq)
	}
	slices.Sort(out)
	return out
}

// Oldest returns the smallest open snapshot sequence, or false if none is open.
func (m *Manager) Oldest() (types.SeqN, bool) {
	live := m.Live()
	if len(live) == 0 {
		return 0, false
	}
	return live[0], true
}

// Count returns the number of open snapshots.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.open {
		n += c
	}
	return n
}
