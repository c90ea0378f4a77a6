package engine

import (
	"strata/pkg/dberrors"
	"strata/pkg/iterator"
	"strata/pkg/keys"
	"strata/pkg/snapshot"
	"strata/pkg/types"
)

// Iterator walks the live keys of a range in ascending order as seen by one
// snapshot. It holds its view of the data until Close.
//
//	it, err := e.Scan(keys.Prefix([]byte("user/")), nil)
//	...
//	defer it.Close()
//	for it.First(); it.Valid(); it.Next() {
//		...
//	}
//	return it.Err()
type Iterator struct {
	it     *iterator.Visible
	v      *view
	snap   *snapshot.Snapshot // implicit snapshot owned by the iterator
	seq    types.SeqN
	closed bool
}

// Scan returns an iterator over r as of snap. With a nil snap the iterator
// takes its own snapshot, released by Close.
func (e *Engine) Scan(r keys.Range, snap *snapshot.Snapshot) (*Iterator, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	var owned *snapshot.Snapshot
	if snap == nil {
		owned = e.snaps.Open()
		snap = owned
	}
	seq, err := e.readSeq(snap)
	if err != nil {
		return nil, err
	}

	v := e.acquire()
	if v == nil {
		if owned != nil {
			owned.Release()
		}
		return nil, dberrors.ErrClosed
	}
	e.stats.scans.Add(1)

	sources := make([]iterator.Internal, 0, 1+len(v.imm)+len(v.tables))
	for _, mt := range v.memtables() {
		sources = append(sources, mt.Scan(r, seq))
	}
	for _, t := range v.tables {
		if t.meta.MinSeq > seq || !t.meta.Overlaps(r) {
			continue
		}
		sources = append(sources, t.r.NewIterator())
	}

	return &Iterator{
		it:   iterator.NewVisible(iterator.NewMerging(sources...), seq, r),
		v:    v,
		snap: owned,
		seq:  seq,
	}, nil
}

// First moves to the first key of the range.
func (it *Iterator) First() {
	if it.closed {
		return
	}
	it.it.First()
}

// Next moves to the following key.
func (it *Iterator) Next() {
	if it.closed {
		return
	}
	it.it.Next()
}

func (it *Iterator) Valid() bool {
	return !it.closed && it.it.Valid()
}

// Key returns the current key. It is only valid until the next move.
func (it *Iterator) Key() types.Key { return it.it.Key() }

// Value returns the current value. The caller owns the slice.
func (it *Iterator) Value() types.Value { return it.it.Value() }

// Seq returns the sequence number the iterator reads at.
func (it *Iterator) Seq() types.SeqN { return it.seq }

func (it *Iterator) Err() error { return it.it.Err() }

// Close releases the iterator's view and snapshot. Closing twice is a no-op.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.it.Close()
	it.v.unref()
	if it.snap != nil {
		it.snap.Release()
	}
	return err
}
