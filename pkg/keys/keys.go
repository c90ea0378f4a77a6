// Package keys defines the internal key layout shared by the memtable,
// SSTables, iterators and compaction.
//
// An internal key is the user key followed by an 8-byte little-endian trailer:
//
//	[ user key | (seq << 8) | kind ]
//
// Internal keys order by user key ascending, then sequence descending, so the
// newest version of a key is always met first.
package keys

import (
	"bytes"
	"encoding/binary"
	"errors"

	"strata/pkg/types"
)

// Kind tells a value apart from a tombstone.
type Kind uint8

const (
	KindDelete Kind = 0
	KindSet    Kind = 1
)

const (
	TrailerSize = 8

	// MaxSeq is the largest sequence number that fits the 56-bit trailer field.
	MaxSeq types.SeqN = 1<<56 - 1
)

var ErrShortKey = errors.New("internal key too short")

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "DEL"
	case KindSet:
		return "SET"
	default:
		return "UNKNOWN"
	}
}

// Make encodes an internal key.
func Make(userKey []byte, seq types.SeqN, kind Kind) []byte {
	buf := make([]byte, len(userKey)+TrailerSize)
	copy(buf, userKey)
	binary.LittleEndian.PutUint64(buf[len(userKey):], seq<<8|uint64(kind))
	return buf
}

// SeekKey returns the smallest internal key for userKey visible at seq.
func SeekKey(userKey []byte, seq types.SeqN) []byte {
	if seq > MaxSeq {
		seq = MaxSeq
	}
	return Make(userKey, seq, KindSet)
}

// UserKey returns the user key part of an internal key without copying.
func UserKey(ikey []byte) []byte {
	if len(ikey) < TrailerSize {
		return nil
	}
	return ikey[:len(ikey)-TrailerSize]
}

// Trailer returns the sequence number and kind of an internal key.
func Trailer(ikey []byte) (types.SeqN, Kind) {
	if len(ikey) < TrailerSize {
		return 0, KindDelete
	}
	t := binary.LittleEndian.Uint64(ikey[len(ikey)-TrailerSize:])
	return t >> 8, Kind(t & 0xff)
}

// Validate reports whether ikey is a well-formed internal key.
func Validate(ikey []byte) error {
	if len(ikey) < TrailerSize {
		return ErrShortKey
	}
	if _, kind := Trailer(ikey); kind != KindSet && kind != KindDelete {
		return errors.New("invalid key kind")
	}
	return nil
}

// Compare orders internal keys by user key ascending, then sequence descending.
func Compare(a, b []byte) int {
	if c := bytes.Compare(UserKey(a), UserKey(b)); c != 0 {
		return c
	}
	sa, ka := Trailer(a)
	sb, kb := Trailer(b)
	switch {
	case sa > sb:
		return -1
	case sa < sb:
		return 1
	case ka > kb:
		return -1
	case ka < kb:
		return 1
	}
	return 0
}

// Range is a half-open user key range [Start, End). A nil bound is unbounded.
type Range struct {
	Start []byte
	End   []byte
}

// Prefix returns the range covering every key that starts with p.
func Prefix(p []byte) Range {
	start := append([]byte(nil), p...)
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return Range{Start: start, End: end[:i+1]}
		}
	}
	return Range{Start: start}
}

// Contains reports whether key falls inside the range.
func (r Range) Contains(key []byte) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}

// Overlaps reports whether the closed interval [minKey, maxKey] intersects the range.
func (r Range) Overlaps(minKey, maxKey []byte) bool {
	if r.End != nil && bytes.Compare(minKey, r.End) >= 0 {
		return false
	}
	if r.Start != nil && bytes.Compare(maxKey, r.Start) < 0 {
		return false
	}
	return true
}

// Past reports whether key lies at or beyond the end of the range.
func (r Range) Past(key []byte) bool {
	return r.End != nil && bytes.Compare(key, r.End) >= 0
}
