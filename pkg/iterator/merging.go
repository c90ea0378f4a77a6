package iterator

import (
	"container/heap"
	"errors"

	"strata/pkg/keys"
	"strata/pkg/types"
)

// Merging is a k-way merge of internal iterators.
type Merging struct {
	iters []Internal
	h     mergeHeap
	err   error
}

// NewMerging merges iters. Ties between equal internal keys go to the
// iterator listed first.
func NewMerging(iters ...Internal) *Merging {
	return &Merging{iters: iters}
}

func (m *Merging) First() {
	for _, it := range m.iters {
		it.First()
	}
	m.init()
}

func (m *Merging) Seek(target types.Key) {
	for _, it := range m.iters {
		it.Seek(target)
	}
	m.init()
}

func (m *Merging) init() {
	m.h = m.h[:0]
	m.err = nil
	for i, it := range m.iters {
		if it.Valid() {
			m.h = append(m.h, heapItem{it: it, idx: i})
		} else if err := it.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
}

func (m *Merging) Next() {
	if len(m.h) == 0 {
		return
	}
	top := m.h[0].it
	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.Err(); err != nil && m.err == nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

func (m *Merging) Valid() bool {
	return m.err == nil && len(m.h) > 0
}

func (m *Merging) Key() types.Key { return m.h[0].it.Key() }

func (m *Merging) Value() types.Value { return m.h[0].it.Value() }

func (m *Merging) Err() error { return m.err }

func (m *Merging) Close() error {
	var errs []error
	for _, it := range m.iters {
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.h = nil
	return errors.Join(errs...)
}

type heapItem struct {
	it  Internal
	idx int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := keys.Compare(h[i].it.Key(), h[j].it.Key()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
