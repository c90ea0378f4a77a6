// Package memtable is the in-memory write buffer of the engine.
//
// A memtable maps each user key to a chain of versions, newest first. Writes
// come from a single writer (the engine serializes them); reads are lock free
// and may run concurrently with the writer.
package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"strata/pkg/keys"
	"strata/pkg/types"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
	ErrFrozen        = errors.New("memtable is frozen")
	ErrOutOfOrder    = errors.New("sequence number is not newer than the key's latest version")
)

// per-version bookkeeping counted towards Size
const versionOverhead = 40

type chain struct {
	head atomic.Pointer[version]
}

type concurrentMap = skipmap.FuncMap[[]byte, *chain]

type Memtable struct {
	data *concurrentMap

	size   atomic.Uint64
	count  atomic.Int64
	maxSeq atomic.Uint64
	minSeq atomic.Uint64
	frozen atomic.Bool

	maxEntry uint64
}

// New creates an empty memtable. Entries whose key and value together exceed
// maxEntry bytes are rejected; zero disables the check.
func New(maxEntry uint64) *Memtable {
	return &Memtable{
		data: skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		maxEntry: maxEntry,
	}
}

// Put inserts a value version.
func (mt *Memtable) Put(key, value []byte, seq types.SeqN, ts int64) error {
	return mt.insert(key, value, seq, keys.KindSet, ts)
}

// Delete inserts a tombstone.
func (mt *Memtable) Delete(key []byte, seq types.SeqN, ts int64) error {
	return mt.insert(key, nil, seq, keys.KindDelete, ts)
}

func (mt *Memtable) insert(key, value []byte, seq types.SeqN, kind keys.Kind, ts int64) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}

	if mt.maxEntry > 0 && uint64(len(key)+len(value)) > mt.maxEntry {
		return ErrTooLargeEntry
	}
	entSize := uint64(len(key)+len(value)) + versionOverhead

	c, ok := mt.data.Load(key)
	if !ok {
		c, _ = mt.data.LoadOrStore(append([]byte(nil), key...), &chain{})
	}

	head := c.head.Load()
	if head != nil && seq <= head.seq {
		return fmt.Errorf("%w: %d <= %d", ErrOutOfOrder, seq, head.seq)
	}

	c.head.Store(&version{
		seq:   seq,
		kind:  kind,
		ts:    ts,
		value: append([]byte(nil), value...),
		next:  head,
	})

	mt.size.Add(entSize)
	mt.count.Add(1)
	if seq > mt.maxSeq.Load() {
		mt.maxSeq.Store(seq)
	}
	mt.minSeq.CompareAndSwap(0, seq)
	return nil
}

// Get returns the newest version of key with seq <= maxSeq. A tombstone is
// returned as found so callers stop searching older data.
func (mt *Memtable) Get(key []byte, maxSeq types.SeqN) (Item, bool) {
	c, ok := mt.data.Load(key)
	if !ok {
		return Item{}, false
	}
	v := c.head.Load().visible(maxSeq)
	if v == nil {
		return Item{}, false
	}
	return v.item(key), true
}

// All yields every version in internal key order: user key ascending, then
// newest first.
func (mt *Memtable) All() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		mt.data.Range(func(key []byte, c *chain) bool {
			for v := c.head.Load(); v != nil; v = v.next {
				if !yield(v.item(key)) {
					return false
				}
			}
			return true
		})
	}
}

// Freeze makes the memtable read only.
func (mt *Memtable) Freeze() {
	mt.frozen.Store(true)
}

func (mt *Memtable) Frozen() bool {
	return mt.frozen.Load()
}

// Size returns the approximate memory footprint in bytes.
func (mt *Memtable) Size() uint64 {
	return mt.size.Load()
}

// Len returns the number of versions held.
func (mt *Memtable) Len() int {
	return int(mt.count.Load())
}

// Empty reports whether the memtable holds no versions.
func (mt *Memtable) Empty() bool {
	return mt.count.Load() == 0
}

// MaxSeq returns the largest sequence number inserted.
func (mt *Memtable) MaxSeq() types.SeqN {
	return mt.maxSeq.Load()
}

// MinSeq returns the first sequence number inserted.
func (mt *Memtable) MinSeq() types.SeqN {
	return mt.minSeq.Load()
}
