// Package wal implements the segmented write-ahead log.
//
// Every mutation is framed as crc32c | length | payload and appended to the
// active segment before it becomes visible in the memtable. The payload is the
// encoded mutation sealed by the configured block cipher. Segments rotate
// together with memtable freezes, so a segment can be removed as soon as the
// table built from it is installed in the manifest.
package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"strata/pkg/crypto"
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

var ErrClosed = errors.New("wal closed")

// Options configure a WAL.
type Options struct {
	// Sync fsyncs the active segment after every append.
	Sync   bool
	Cipher crypto.BlockCipher
	Logger *slog.Logger
}

// WAL manages the log segments of one storage directory.
type WAL struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	logger *slog.Logger

	active *segment
	// segments that existed before this process opened the log
	recovered []types.SegmentNum
	sealed    []types.SegmentNum
}

// Open opens the log in dir. Existing segments are kept for Replay and a
// fresh segment is started for appends.
func Open(dir string, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	if opts.Cipher == nil {
		opts.Cipher = crypto.Passthrough{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	nums, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL segments: %w", err)
	}

	next := types.SegmentNum(1)
	if len(nums) > 0 {
		next = nums[len(nums)-1] + 1
	}

	active, err := openSegment(dir, next)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL segment: %w", err)
	}
	if err := syncDir(dir); err != nil {
		active.close()
		return nil, fmt.Errorf("failed to sync WAL directory: %w", err)
	}

	return &WAL{
		dir:       dir,
		opts:      opts,
		logger:    opts.Logger.With("component", "wal"),
		active:    active,
		recovered: nums,
		sealed:    append([]types.SegmentNum(nil), nums...),
	}, nil
}

// Append seals and logs a record. When the call returns without error the
// record is durable (if Sync is set).
func (w *WAL) Append(rec Record) (Position, error) {
	payload, err := w.opts.Cipher.Seal(encodeRecord(rec))
	if err != nil {
		return Position{}, fmt.Errorf("failed to seal WAL record: %w", err)
	}
	if len(payload) > MaxRecordSize {
		return Position{}, fmt.Errorf("%w: WAL record of %d bytes", dberrors.ErrInvalidArgument, len(payload))
	}
	framed := frame(payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return Position{}, ErrClosed
	}

	off, err := w.active.append(framed)
	if err != nil {
		return Position{}, fmt.Errorf("failed to write WAL record: %w", err)
	}
	if w.opts.Sync {
		if err := w.active.sync(); err != nil {
			w.active.rollback(off)
			return Position{}, fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	return Position{Segment: w.active.num, Offset: off}, nil
}

// Sync fsyncs the active segment.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return ErrClosed
	}
	return w.active.sync()
}

// Rotate seals the active segment and starts the next one. It returns the
// number of the sealed segment.
func (w *WAL) Rotate() (types.SegmentNum, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return 0, ErrClosed
	}

	old := w.active
	if err := old.close(); err != nil {
		return 0, fmt.Errorf("failed to seal WAL segment %d: %w", old.num, err)
	}

	next, err := openSegment(w.dir, old.num+1)
	if err != nil {
		// keep appending into a reopened old segment rather than losing the log
		if reopened, rerr := openSegment(w.dir, old.num); rerr == nil {
			w.active = reopened
		} else {
			w.active = nil
		}
		return 0, fmt.Errorf("failed to open WAL segment %d: %w", old.num+1, err)
	}
	if err := syncDir(w.dir); err != nil {
		w.logger.Warn("failed to sync WAL directory", "error", err)
	}

	w.sealed = append(w.sealed, old.num)
	w.active = next
	w.logger.Debug("rotated", "sealed", old.num, "active", next.num)
	return old.num, nil
}

// Active returns the number of the segment receiving appends.
func (w *WAL) Active() types.SegmentNum {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return 0
	}
	return w.active.num
}

// Segments returns the sealed segment numbers still on disk.
func (w *WAL) Segments() []types.SegmentNum {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]types.SegmentNum(nil), w.sealed...)
}

// RemoveThrough deletes every sealed segment numbered n or lower. The active
// segment is never removed.
func (w *WAL) RemoveThrough(n types.SegmentNum) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	keep := w.sealed[:0]
	var firstErr error
	removed := 0
	for _, num := range w.sealed {
		if num > n || (w.active != nil && num >= w.active.num) {
			keep = append(keep, num)
			continue
		}
		if err := os.Remove(segmentPath(w.dir, num)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove WAL segment %d: %w", num, err)
			}
			keep = append(keep, num)
			continue
		}
		removed++
	}
	w.sealed = keep

	if removed > 0 {
		if err := syncDir(w.dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to sync WAL directory: %w", err)
		}
		w.logger.Debug("removed segments", "through", n, "count", removed)
	}
	return firstErr
}

// Close seals the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return nil
	}
	err := w.active.close()
	w.sealed = append(w.sealed, w.active.num)
	w.active = nil
	if err != nil {
		return fmt.Errorf("failed to close WAL: %w", err)
	}
	return nil
}
