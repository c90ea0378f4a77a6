package iterator

import (
	"bytes"

	"strata/pkg/keys"
	"strata/pkg/types"
)

// Visible walks a merged stream of versions as seen by one snapshot: one
// pair per user key, the newest version at or below the snapshot sequence,
// tombstoned keys skipped.
type Visible struct {
	src  Internal
	snap types.SeqN
	r    keys.Range

	key   []byte
	value []byte
	valid bool
	err   error
}

func NewVisible(src Internal, snap types.SeqN, r keys.Range) *Visible {
	return &Visible{src: src, snap: snap, r: r}
}

// First positions the iterator on the first visible key of the range.
func (v *Visible) First() {
	if v.r.Start != nil {
		v.src.Seek(keys.SeekKey(v.r.Start, v.snap))
	} else {
		v.src.First()
	}
	v.settle()
}

// Next moves to the next visible key.
func (v *Visible) Next() {
	if !v.valid {
		return
	}
	v.settle()
}

func (v *Visible) settle() {
	v.valid = false
	for v.src.Valid() {
		ikey := v.src.Key()
		ukey := keys.UserKey(ikey)
		if v.r.Past(ukey) {
			return
		}

		seq, kind := keys.Trailer(ikey)
		if seq > v.snap {
			v.src.Next()
			continue
		}

		ukey = append(v.key[:0], ukey...)
		var value []byte
		if kind == keys.KindSet {
			value = append([]byte(nil), v.src.Value()...)
		}

		// skip older versions of this key
		for v.src.Next(); v.src.Valid() && bytes.Equal(keys.UserKey(v.src.Key()), ukey); v.src.Next() {
		}

		v.key = ukey
		if kind == keys.KindDelete {
			continue
		}
		v.value = value
		v.valid = true
		return
	}
	v.err = v.src.Err()
}

func (v *Visible) Valid() bool { return v.valid }

// Key returns the current user key. It is only valid until the next move.
func (v *Visible) Key() types.Key { return v.key }

// Value returns the current value. The slice is owned by the caller.
func (v *Visible) Value() types.Value { return v.value }

func (v *Visible) Err() error {
	if v.err != nil {
		return v.err
	}
	return v.src.Err()
}

func (v *Visible) Close() error { return v.src.Close() }
