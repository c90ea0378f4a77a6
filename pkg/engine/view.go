package engine

import (
	"os"
	"slices"
	"sync/atomic"

	"strata/pkg/manifest"
	"strata/pkg/memtable"
	"strata/pkg/sstable"
)

// table is an open SSTable shared by every view that lists it. The file is
// closed once no view references it, and removed as well if a compaction
// retired it.
type table struct {
	meta manifest.TableMeta
	r    *sstable.Reader

	refs     atomic.Int32
	obsolete atomic.Bool
	e        *Engine
}

func (t *table) ref() { t.refs.Add(1) }

func (t *table) unref() {
	if t.refs.Add(-1) != 0 {
		return
	}
	if err := t.r.Close(); err != nil {
		t.e.logger.Warn("failed to close table", "table", t.meta.ID, "error", err)
	}
	t.e.cache.EvictTable(t.meta.ID)
	if t.obsolete.Load() {
		if err := os.Remove(t.r.Path()); err != nil && !os.IsNotExist(err) {
			t.e.logger.Warn("failed to remove retired table", "table", t.meta.ID, "error", err)
			return
		}
		t.e.logger.Debug("removed retired table", "table", t.meta.ID)
	}
}

// view is an immutable picture of the engine's data: the active memtable,
// frozen memtables waiting for the flusher (newest first), and the installed
// tables ordered by MaxSeq descending. Readers pin a view for the duration of
// a lookup or scan.
type view struct {
	refs atomic.Int32

	active  *memtable.Memtable
	imm     []*memtable.Memtable
	version *manifest.Version
	tables  []*table
}

func newView(active *memtable.Memtable, imm []*memtable.Memtable, v *manifest.Version, tables []*table) *view {
	slices.SortFunc(tables, func(a, b *table) int {
		switch {
		case a.meta.MaxSeq > b.meta.MaxSeq:
			return -1
		case a.meta.MaxSeq < b.meta.MaxSeq:
			return 1
		case a.meta.ID > b.meta.ID:
			return -1
		case a.meta.ID < b.meta.ID:
			return 1
		}
		return 0
	})
	for _, t := range tables {
		t.ref()
	}
	nv := &view{active: active, imm: imm, version: v, tables: tables}
	nv.refs.Store(1)
	return nv
}

// tryRef pins the view unless it has already been released for good.
func (v *view) tryRef() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (v *view) unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, t := range v.tables {
		t.unref()
	}
}

// memtables returns the active memtable followed by the frozen ones, newest
// first.
func (v *view) memtables() []*memtable.Memtable {
	out := make([]*memtable.Memtable, 0, 1+len(v.imm))
	out = append(out, v.active)
	return append(out, v.imm...)
}

func (v *view) tableSet() []*table {
	return slices.Clone(v.tables)
}

// acquire pins the current view. It returns nil once the engine has shut down.
func (e *Engine) acquire() *view {
	for {
		v := e.current.Load()
		if v == nil {
			return nil
		}
		if v.tryRef() {
			return v
		}
	}
}

// install publishes next as the current view and drops the engine's reference
// to the previous one. Callers hold e.viewMu.
func (e *Engine) install(next *view) {
	prev := e.current.Swap(next)
	if prev != nil {
		prev.unref()
	}
	e.viewCond.Broadcast()
}
