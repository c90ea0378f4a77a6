package engine

import (
	"fmt"

	"strata/pkg/dberrors"
	"strata/pkg/keys"
	"strata/pkg/snapshot"
	"strata/pkg/sstable"
	"strata/pkg/types"
)

// Snapshot pins the current sequence number. Reads through the snapshot see
// exactly the mutations committed before it was taken. The caller must
// release it.
func (e *Engine) Snapshot() (*snapshot.Snapshot, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.snaps.Open(), nil
}

// Release unpins snap. Releasing twice is a no-op.
func (e *Engine) Release(snap *snapshot.Snapshot) {
	if snap != nil {
		snap.Release()
	}
}

func (e *Engine) readSeq(snap *snapshot.Snapshot) (types.SeqN, error) {
	if snap == nil {
		return e.snaps.Current(), nil
	}
	if snap.Released() {
		return 0, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, ErrSnapshotReleased)
	}
	return snap.Seq(), nil
}

// Get returns the value of key as of snap, or as of now when snap is nil.
// A deleted or never written key is reported as not found.
func (e *Engine) Get(key types.Key, snap *snapshot.Snapshot) (types.Value, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, ErrEmptyKey)
	}

	v := e.acquire()
	if v == nil {
		return nil, false, dberrors.ErrClosed
	}
	defer v.unref()

	// the view is pinned before the sequence is read, so no version at or
	// below seq can be compacted away underneath this lookup
	seq, err := e.readSeq(snap)
	if err != nil {
		return nil, false, err
	}
	e.stats.gets.Add(1)

	// memtables hold only data newer than any table, newest first
	for _, mt := range v.memtables() {
		if item, ok := mt.Get(key, seq); ok {
			if item.Tombstone() {
				return nil, false, nil
			}
			return append([]byte(nil), item.Value...), true, nil
		}
	}

	var (
		best  sstable.Result
		found bool
	)
	for _, t := range v.tables {
		if found && t.meta.MaxSeq <= best.Seq {
			break
		}
		if t.meta.MinSeq > seq {
			continue
		}
		res, ok, err := t.r.Get(key, seq)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read table %d: %w", t.meta.ID, err)
		}
		if ok && (!found || res.Seq > best.Seq) {
			best, found = res, true
		}
	}
	if !found || best.Kind == keys.KindDelete {
		return nil, false, nil
	}
	return best.Value, true, nil
}
