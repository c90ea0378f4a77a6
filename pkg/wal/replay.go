package wal

import (
	"errors"
	"fmt"
	"os"

	"strata/pkg/dberrors"
	"strata/pkg/types"
)

// Replay visits every logged record in segments numbered from or higher, in
// append order.
//
// The newest segment found at Open may end in a torn write; it is truncated at
// the last complete record and replay ends there. Any damage inside an older
// segment is a CorruptionError. A record that fails to open with the current
// cipher is an IntegrityError.
func (w *WAL) Replay(from types.SegmentNum, fn func(Position, Record) error) error {
	w.mu.Lock()
	nums := append([]types.SegmentNum(nil), w.sealed...)
	var tail types.SegmentNum
	if len(w.recovered) > 0 {
		tail = w.recovered[len(w.recovered)-1]
	}
	w.mu.Unlock()

	for _, num := range nums {
		if num < from {
			continue
		}
		if err := w.replaySegment(num, num == tail, fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replaySegment(num types.SegmentNum, tail bool, fn func(Position, Record) error) error {
	path := segmentPath(w.dir, num)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read WAL segment: %w", err)
	}

	var off int64
	for off < int64(len(data)) {
		payload, n, err := unframe(data[off:])
		if err != nil {
			if tail && (errors.Is(err, errShortFrame) || errors.Is(err, errChecksum)) {
				return w.truncateTail(path, off, int64(len(data)))
			}
			return dberrors.Corruption(path, off, err)
		}

		plain, err := w.opts.Cipher.Open(payload)
		if err != nil {
			return dberrors.Integrity(path, off, err)
		}
		rec, err := decodeRecord(plain)
		if err != nil {
			return dberrors.Corruption(path, off, err)
		}

		if err := fn(Position{Segment: num, Offset: off}, rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
		off += int64(n)
	}
	return nil
}

func (w *WAL) truncateTail(path string, off, size int64) error {
	w.logger.Warn("truncating torn WAL tail", "path", path, "offset", off, "dropped", size-off)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment for truncation: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(off); err != nil {
		return fmt.Errorf("failed to truncate WAL segment: %w", err)
	}
	return f.Sync()
}
