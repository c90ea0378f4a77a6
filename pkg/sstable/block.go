package sstable

import (
	"encoding/binary"

	"strata/pkg/keys"
)

const restartInterval = 16

// blockBuilder constructs a prefix compressed block.
type blockBuilder struct {
	buf      []byte
	restarts []uint32
	counter  int
	entries  int
	lastKey  []byte
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{restarts: []uint32{0}}
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.entries = 0
	b.lastKey = b.lastKey[:0]
}

func (b *blockBuilder) add(key, value []byte) {
	shared := 0
	if b.counter < restartInterval {
		n := min(len(b.lastKey), len(key))
		for shared < n && b.lastKey[shared] == key[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}

	b.buf = binary.AppendUvarint(b.buf, uint64(shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(key)-shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	b.entries++
}

// finish appends the restart array and returns the raw block. The returned
// slice is reused after reset.
func (b *blockBuilder) finish() []byte {
	for _, r := range b.restarts {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, r)
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(b.restarts)))
	return b.buf
}

func (b *blockBuilder) size() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

func (b *blockBuilder) empty() bool {
	return b.entries == 0
}

// blockIter walks a raw block. Keys are compared with keys.Compare.
type blockIter struct {
	data        []byte
	restarts    int
	numRestarts int

	offset     int
	nextOffset int

	key   []byte
	value []byte
	valid bool
	err   error
}

func newBlockIter(data []byte) (*blockIter, error) {
	n := len(data)
	if n < 4 {
		return nil, ErrBlockCorrupt
	}
	num := int(binary.LittleEndian.Uint32(data[n-4:]))
	restarts := n - 4 - 4*num
	if num == 0 || restarts < 0 {
		return nil, ErrBlockCorrupt
	}
	return &blockIter{data: data, restarts: restarts, numRestarts: num}, nil
}

func (it *blockIter) restartPoint(i int) int {
	return int(binary.LittleEndian.Uint32(it.data[it.restarts+4*i:]))
}

func (it *blockIter) seekToRestart(i int) {
	it.key = it.key[:0]
	it.nextOffset = it.restartPoint(i)
	it.valid = false
}

func (it *blockIter) First() {
	it.seekToRestart(0)
	it.parseNext()
}

// Seek moves to the first entry >= target.
func (it *blockIter) Seek(target []byte) {
	// last restart whose key is < target
	left, right := 0, it.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		key, ok := it.restartKey(mid)
		if !ok {
			it.fail()
			return
		}
		if keys.Compare(key, target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	it.seekToRestart(left)
	for it.parseNext() {
		if keys.Compare(it.key, target) >= 0 {
			return
		}
	}
}

func (it *blockIter) Next() {
	if it.valid {
		it.parseNext()
	}
}

func (it *blockIter) Valid() bool { return it.valid }

func (it *blockIter) Key() []byte { return it.key }

func (it *blockIter) Value() []byte { return it.value }

func (it *blockIter) Err() error { return it.err }

// restartKey decodes the full key stored at restart point i.
func (it *blockIter) restartKey(i int) ([]byte, bool) {
	off := it.restartPoint(i)
	shared, unshared, _, n, ok := it.entryHeader(off)
	if !ok || shared != 0 {
		return nil, false
	}
	return it.data[off+n : off+n+unshared], true
}

func (it *blockIter) entryHeader(off int) (shared, unshared, vlen, n int, ok bool) {
	if off < 0 || off >= it.restarts {
		return 0, 0, 0, 0, false
	}
	src := it.data[off:it.restarts]
	var vals [3]uint64
	for i := range vals {
		v, m := binary.Uvarint(src[n:])
		if m <= 0 {
			return 0, 0, 0, 0, false
		}
		vals[i] = v
		n += m
	}
	if vals[1] > uint64(len(src)-n) || vals[2] > uint64(len(src)-n)-vals[1] {
		return 0, 0, 0, 0, false
	}
	return int(vals[0]), int(vals[1]), int(vals[2]), n, true
}

func (it *blockIter) parseNext() bool {
	off := it.nextOffset
	if off >= it.restarts {
		it.valid = false
		return false
	}

	shared, unshared, vlen, n, ok := it.entryHeader(off)
	if !ok || shared > len(it.key) {
		it.fail()
		return false
	}

	p := off + n
	key := make([]byte, shared+unshared)
	copy(key, it.key[:shared])
	copy(key[shared:], it.data[p:p+unshared])
	p += unshared

	it.key = key
	it.value = it.data[p : p+vlen]
	it.offset = off
	it.nextOffset = p + vlen
	it.valid = true
	return true
}

func (it *blockIter) fail() {
	it.valid = false
	it.err = ErrBlockCorrupt
}
