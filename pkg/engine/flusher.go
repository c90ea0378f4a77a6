package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"strata/pkg/compaction"
	"strata/pkg/manifest"
	"strata/pkg/memtable"
	"strata/pkg/sstable"
	"strata/pkg/types"
)

const flushAttempts = 5

// flushTask is a frozen memtable together with the WAL segment it was logged
// to. A task without a memtable is a barrier: done is signalled once every
// earlier task has been handled.
type flushTask struct {
	mt      *memtable.Memtable
	segment types.SegmentNum
	done    chan error
}

// handleFlush runs on the flusher's single goroutine, so memtables reach
// tables in the order they were frozen.
func (e *Engine) handleFlush(ctx context.Context, t flushTask) error {
	if t.mt == nil {
		if t.done != nil {
			t.done <- nil
		}
		return nil
	}

	if err := e.backgroundErr(); err != nil {
		return err
	}

	backoff := compaction.Backoff{Base: e.opts.RetryBase, Max: e.opts.RetryMax}
	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		if err = e.flush(t); err == nil {
			return nil
		}
		e.stats.flushErrors.Add(1)
		e.logger.Warn("flush attempt failed", "segment", t.segment, "attempt", attempt, "error", err)

		// the frozen memtable has to reach disk even while shutting down
		time.Sleep(backoff.Next())
	}

	// The memtable stays readable and its WAL segment stays on disk, so
	// nothing is lost; further writes are refused.
	err = fmt.Errorf("giving up flush of WAL segment %d: %w", t.segment, err)
	e.setBackgroundErr(err)
	return err
}

func (e *Engine) flush(t flushTask) error {
	start := time.Now()

	var (
		added []*table
		edit  = manifest.VersionEdit{LastSeq: t.mt.MaxSeq(), LogNumber: t.segment + 1}
	)
	if !t.mt.Empty() {
		tbl, err := e.writeMemtable(t.mt)
		if err != nil {
			return err
		}
		added = append(added, tbl)
		edit.Added = append(edit.Added, tbl.meta)
	}

	e.viewMu.Lock()
	version, err := e.manifest.LogAndApply(edit)
	if err != nil {
		e.viewMu.Unlock()
		for _, tbl := range added {
			tbl.r.Close()
			os.Remove(tbl.r.Path())
		}
		return fmt.Errorf("failed to install flushed table: %w", err)
	}
	cur := e.current.Load()
	imm := slices.DeleteFunc(slices.Clone(cur.imm), func(m *memtable.Memtable) bool { return m == t.mt })
	e.install(newView(cur.active, imm, version, append(cur.tableSet(), added...)))
	e.viewMu.Unlock()

	if err := e.wal.RemoveThrough(t.segment); err != nil {
		e.logger.Warn("failed to remove flushed WAL segments", "through", t.segment, "error", err)
	}

	e.stats.flushes.Add(1)
	for _, tbl := range added {
		e.stats.bytesFlushed.Add(tbl.meta.Size)
		e.logger.Info("memtable flushed",
			"table", tbl.meta.ID,
			"entries", tbl.meta.Entries,
			"size", tbl.meta.Size,
			"segment", t.segment,
			"duration", time.Since(start),
		)
	}
	e.scheduleCompaction()
	return nil
}

// writeMemtable writes every version held by mt into a new table and opens it.
func (e *Engine) writeMemtable(mt *memtable.Memtable) (*table, error) {
	id := e.manifest.NewTableID()
	path := filepath.Join(e.path, compaction.TableFile(id))

	w, err := sstable.NewWriter(path, e.writerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	for item := range mt.All() {
		if err := w.Add(item.InternalKey(), item.Value); err != nil {
			w.Abort()
			return nil, fmt.Errorf("failed to write table: %w", err)
		}
	}
	props, err := w.Finish()
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to finish table: %w", err)
	}

	r, err := sstable.Open(path, id, e.readerOptions())
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to open flushed table: %w", err)
	}
	return &table{meta: compaction.NewTableMeta(id, props), r: r, e: e}, nil
}
