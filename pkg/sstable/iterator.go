package sstable

import (
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

// Iterator walks every entry of a table in internal key order.
type Iterator struct {
	r     *Reader
	idx   int
	block *blockIter
	err   error
}

// NewIterator returns an unpositioned iterator.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r}
}

func (it *Iterator) First() {
	it.err = nil
	it.load(0)
	if it.block != nil {
		it.block.First()
		it.skipExhausted()
	}
}

// Seek moves to the first entry >= target.
func (it *Iterator) Seek(target types.Key) {
	it.err = nil
	it.load(it.r.findBlock(target))
	if it.block != nil {
		it.block.Seek(target)
		it.skipExhausted()
	}
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.block.Next()
	it.skipExhausted()
}

// skipExhausted moves past the end of the current block.
func (it *Iterator) skipExhausted() {
	for it.block != nil && !it.block.Valid() {
		if err := it.block.Err(); err != nil {
			it.err = dberrors.Corruption(it.r.path, int64(it.r.index[it.idx].handle.Offset), err)
			it.block = nil
			return
		}
		it.load(it.idx + 1)
		if it.block != nil {
			it.block.First()
		}
	}
}

func (it *Iterator) load(i int) {
	it.idx = i
	it.block = nil
	if i >= len(it.r.index) {
		return
	}
	b, err := it.r.dataBlock(i)
	if err != nil {
		it.err = err
		return
	}
	it.block = b
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.block != nil && it.block.Valid()
}

func (it *Iterator) Key() types.Key { return it.block.Key() }

func (it *Iterator) Value() types.Value { return it.block.Value() }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error {
	it.block = nil
	return nil
}
