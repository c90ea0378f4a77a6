package memtable

import (
	"bytes"
	"iter"

	"strata/pkg/keys"
	"strata/pkg/types"
)

// Iterator walks the memtable for a snapshot. It yields at most one version
// per user key (the newest one visible at maxSeq), tombstones included, as
// internal keys.
type Iterator struct {
	mt     *Memtable
	r      keys.Range
	maxSeq types.SeqN

	next func() ([]byte, *chain, bool)
	stop func()

	key   []byte
	value []byte
	valid bool
}

// Scan returns an iterator over r as of maxSeq. The iterator must be closed.
func (mt *Memtable) Scan(r keys.Range, maxSeq types.SeqN) *Iterator {
	return &Iterator{mt: mt, r: r, maxSeq: maxSeq}
}

// start begins a walk at lower. skipmap has no seek, so the walk runs from
// the smallest key and skips what lies below lower; Seek avoids the restart
// when it only moves forward.
func (it *Iterator) start(lower []byte) {
	it.release()
	seq := func(yield func([]byte, *chain) bool) {
		it.mt.data.Range(func(k []byte, c *chain) bool {
			if lower != nil && bytes.Compare(k, lower) < 0 {
				return true
			}
			if it.r.Past(k) {
				return false
			}
			return yield(k, c)
		})
	}
	it.next, it.stop = iter.Pull2(seq)
}

func (it *Iterator) First() {
	it.start(it.r.Start)
	it.advance(nil)
}

func (it *Iterator) Seek(target types.Key) {
	if it.valid && it.next != nil && keys.Compare(target, it.key) > 0 {
		it.advance(target)
		return
	}
	lower := keys.UserKey(target)
	if it.r.Start != nil && bytes.Compare(lower, it.r.Start) < 0 {
		lower, target = it.r.Start, nil
	}
	it.start(lower)
	it.advance(target)
}

func (it *Iterator) Next() {
	if it.valid {
		it.advance(nil)
	}
}

// advance moves to the next key with a visible version at or after target.
func (it *Iterator) advance(target []byte) {
	it.valid = false
	if it.next == nil {
		return
	}
	for {
		k, c, ok := it.next()
		if !ok {
			it.release()
			return
		}
		v := c.head.Load().visible(it.maxSeq)
		if v == nil {
			continue
		}
		ikey := keys.Make(k, v.seq, v.kind)
		if target != nil && keys.Compare(ikey, target) < 0 {
			continue
		}
		it.key, it.value, it.valid = ikey, v.value, true
		return
	}
}

func (it *Iterator) Valid() bool { return it.valid }

func (it *Iterator) Key() types.Key { return it.key }

func (it *Iterator) Value() types.Value { return it.value }

func (it *Iterator) Err() error { return nil }

func (it *Iterator) Close() error {
	it.release()
	it.valid = false
	return nil
}

func (it *Iterator) release() {
	if it.stop != nil {
		it.stop()
		it.next, it.stop = nil, nil
	}
}
