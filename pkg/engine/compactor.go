package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"strata/pkg/compaction"
	"strata/pkg/dberrors"
	"strata/pkg/sstable"
)

// scheduleCompaction wakes the background compactor.
func (e *Engine) scheduleCompaction() {
	if e.opts.DisableAutoCompaction || e.compactCh == nil {
		return
	}
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}

func (e *Engine) compactLoop(ctx context.Context) {
	defer e.bg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.compactCh:
		}

		e.compactMu.Lock()
		err := e.compactUntilQuiet(ctx)
		e.compactMu.Unlock()
		if err != nil && ctx.Err() == nil {
			e.logger.Error("compaction stopped", "error", err)
		}
	}
}

// Compact runs the planner until no tier needs merging. Failed rounds are
// retried with backoff until ctx is done or the engine closes; the latter
// returns ErrClosed.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if !e.compactMu.TryLock() {
		if err := e.checkOpen(); err != nil {
			return err
		}
		return dberrors.ErrCompactionRunning
	}
	defer e.compactMu.Unlock()
	// Close may have run between the check and the lock
	if err := e.checkOpen(); err != nil {
		return err
	}

	life := e.bgCtx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	err := e.compactUntilQuiet(ctx)
	if err != nil && life.Err() != nil {
		return dberrors.ErrClosed
	}
	return err
}

// compactUntilQuiet runs tasks until the planner finds nothing to do.
// Callers hold e.compactMu.
func (e *Engine) compactUntilQuiet(ctx context.Context) error {
	backoff := compaction.Backoff{Base: e.opts.RetryBase, Max: e.opts.RetryMax}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.State() != StateOpen && e.State() != StateClosing {
			return nil
		}

		v := e.acquire()
		if v == nil {
			return nil
		}
		task, ok := e.planner.Pick(v.version)
		if !ok {
			v.unref()
			return nil
		}

		err := e.compact(ctx, v, task)
		v.unref()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.stats.compactionErrors.Add(1)
			wait := backoff.Next()
			e.logger.Warn("compaction failed, retrying",
				"tier", task.Tier,
				"inputs", len(task.Inputs),
				"retry_in", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		backoff.Reset()
	}
}

// compact merges task's inputs, which are all tables of the pinned view v.
func (e *Engine) compact(ctx context.Context, v *view, task compaction.Task) error {
	start := time.Now()

	inputIDs := make(map[uint64]bool, len(task.Inputs))
	for _, m := range task.Inputs {
		inputIDs[m.ID] = true
	}
	byID := make(map[uint64]*table, len(v.tables))
	var others []*sstable.Reader
	for _, t := range v.tables {
		byID[t.meta.ID] = t
		if !inputIDs[t.meta.ID] {
			others = append(others, t.r)
		}
	}
	inputs := make([]*sstable.Reader, 0, len(task.Inputs))
	for _, m := range task.Inputs {
		t, ok := byID[m.ID]
		if !ok {
			return fmt.Errorf("compaction input %d is not in the current view", m.ID)
		}
		inputs = append(inputs, t.r)
	}

	res, err := compaction.Run(ctx, compaction.Job{
		Task:           task,
		Inputs:         inputs,
		Others:         others,
		Snapshots:      e.snaps.Live(),
		Dir:            e.path,
		NewTableID:     e.manifest.NewTableID,
		Writer:         e.writerOptions(),
		TargetFileSize: e.opts.Compaction.TargetFileSize,
	})
	if err != nil {
		return err
	}

	added, err := e.openOutputs(res)
	if err != nil {
		return err
	}

	e.viewMu.Lock()
	cur := e.current.Load()
	if cur == nil {
		e.viewMu.Unlock()
		e.discard(added)
		return dberrors.ErrClosed
	}
	version, err := e.manifest.LogAndApply(res.Edit)
	if err != nil {
		e.viewMu.Unlock()
		e.discard(added)
		return fmt.Errorf("failed to install compaction: %w", err)
	}
	kept := make([]*table, 0, len(cur.tables)+len(added))
	for _, t := range cur.tables {
		if inputIDs[t.meta.ID] {
			t.obsolete.Store(true)
			continue
		}
		kept = append(kept, t)
	}
	e.install(newView(cur.active, cur.imm, version, append(kept, added...)))
	e.viewMu.Unlock()

	e.stats.compactions.Add(1)
	e.stats.bytesCompacted.Add(res.BytesIn)
	e.logger.Info("compaction finished",
		"tier", task.Tier,
		"inputs", len(task.Inputs),
		"outputs", len(res.Edit.Added),
		"bytes_in", res.BytesIn,
		"bytes_out", res.BytesOut,
		"dropped", res.Dropped,
		"duration", time.Since(start),
	)
	return nil
}

func (e *Engine) openOutputs(res compaction.Result) ([]*table, error) {
	added := make([]*table, 0, len(res.Edit.Added))
	for _, meta := range res.Edit.Added {
		r, err := sstable.Open(e.tablePath(meta.File), meta.ID, e.readerOptions())
		if err != nil {
			e.discard(added)
			for _, m := range res.Edit.Added {
				os.Remove(e.tablePath(m.File))
			}
			return nil, fmt.Errorf("failed to open compaction output %d: %w", meta.ID, err)
		}
		added = append(added, &table{meta: meta, r: r, e: e})
	}
	return added, nil
}

// discard closes and removes tables that were never installed.
func (e *Engine) discard(tables []*table) {
	for _, t := range tables {
		t.r.Close()
		os.Remove(t.r.Path())
	}
}
