package engine

import (
	"fmt"
	"time"

	"strata/pkg/dberrors"
	"strata/pkg/keys"
	"strata/pkg/memtable"
	"strata/pkg/types"
	"strata/pkg/wal"
)

// Put stores value under key and returns the sequence number assigned to the
// mutation. When Put returns without error the mutation is in the WAL and
// visible to every snapshot opened afterwards.
func (e *Engine) Put(key types.Key, value types.Value) (types.SeqN, error) {
	seq, err := e.write(keys.KindSet, key, value)
	if err == nil {
		e.stats.puts.Add(1)
	}
	return seq, err
}

// Delete writes a tombstone for key. Deleting a missing key is not an error.
func (e *Engine) Delete(key types.Key) (types.SeqN, error) {
	seq, err := e.write(keys.KindDelete, key, nil)
	if err == nil {
		e.stats.deletes.Add(1)
	}
	return seq, err
}

func (e *Engine) validateEntry(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, ErrEmptyKey)
	}
	if len(key)+len(value) > e.opts.MaxEntrySize {
		return fmt.Errorf("%w: %w: %d bytes", dberrors.ErrInvalidArgument, ErrEntryTooLarge, len(key)+len(value))
	}
	return nil
}

func (e *Engine) write(kind keys.Kind, key, value []byte) (types.SeqN, error) {
	if err := e.validateEntry(key, value); err != nil {
		return 0, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if err := e.backgroundErr(); err != nil {
		return 0, err
	}

	seq := e.snaps.Next()
	ts := time.Now().UnixNano()
	if _, err := e.wal.Append(wal.Record{
		Seq:       seq,
		Kind:      kind,
		Timestamp: ts,
		Key:       key,
		Value:     value,
	}); err != nil {
		return 0, fmt.Errorf("failed to append to WAL: %w", err)
	}

	mt := e.current.Load().active
	var err error
	if kind == keys.KindSet {
		err = mt.Put(key, value, seq, ts)
	} else {
		err = mt.Delete(key, seq, ts)
	}
	if err != nil {
		// the record is logged and will come back on replay
		return 0, fmt.Errorf("failed to insert into memtable: %w", err)
	}
	e.snaps.Publish(seq)

	if mt.Size() >= e.opts.MemtableSizeThreshold {
		if err := e.rotate(); err != nil {
			e.logger.Error("failed to rotate memtable", "error", err)
		}
	}
	return seq, nil
}

// rotate freezes the active memtable, seals the WAL segment holding it and
// hands it to the flusher. Writers block here while MaxImmutable frozen
// memtables are already waiting. Callers hold e.writeMu.
func (e *Engine) rotate() error {
	cur := e.current.Load()
	if cur.active.Empty() {
		return nil
	}

	e.viewMu.Lock()
	for len(e.current.Load().imm) >= e.opts.MaxImmutable {
		if err := e.backgroundErr(); err != nil {
			e.viewMu.Unlock()
			return err
		}
		e.stats.stalls.Add(1)
		e.viewCond.Wait()
	}
	e.viewMu.Unlock()

	seg, err := e.wal.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	e.viewMu.Lock()
	cur = e.current.Load()
	frozen := cur.active
	frozen.Freeze()
	imm := append([]*memtable.Memtable{frozen}, cur.imm...)
	e.install(newView(e.newMemtable(), imm, cur.version, cur.tableSet()))
	e.viewMu.Unlock()

	e.logger.Debug("memtable frozen", "segment", seg, "size", frozen.Size(), "entries", frozen.Len())
	e.flushCh <- flushTask{mt: frozen, segment: seg}
	return nil
}

// Flush freezes the active memtable and waits until it and every memtable
// frozen before it are written to tables.
func (e *Engine) Flush() error {
	done := make(chan error, 1)

	e.writeMu.Lock()
	if err := e.checkOpen(); err != nil {
		e.writeMu.Unlock()
		return err
	}
	if err := e.rotate(); err != nil {
		e.writeMu.Unlock()
		return err
	}
	e.flushCh <- flushTask{done: done}
	e.writeMu.Unlock()

	if err := <-done; err != nil {
		return err
	}
	return e.backgroundErr()
}
