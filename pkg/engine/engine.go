// Package engine is the storage engine façade. It ties the write-ahead log,
// memtables, SSTables, the manifest, snapshots and the background flusher and
// compactor into one ordered, durable key/value store.
//
// Writes are serialized: sequence allocation, the WAL append and the memtable
// insert happen under one mutex, so sequence order equals log order. Reads
// never take that mutex; they pin a reference-counted view of the data.
//
// The engine offers per-key sequencing only. Mutations of different keys are
// never applied atomically together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"strata/pkg/compaction"
	"strata/pkg/crypto"
	"strata/pkg/dberrors"
	"strata/pkg/listener"
	"strata/pkg/manifest"
	"strata/pkg/memtable"
	"strata/pkg/snapshot"
	"strata/pkg/sstable"
	"strata/pkg/types"
	"strata/pkg/wal"
)

// State is the lifecycle state of an Engine.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const walDir = "wal"

type Engine struct {
	path   string
	opts   Options
	logger *slog.Logger

	state     atomic.Int32
	everOpen  atomic.Bool
	lock      *os.File
	identity  string
	cipher    crypto.BlockCipher
	cache     *sstable.BlockCache
	manifest  *manifest.Store
	wal       *wal.WAL
	snaps     *snapshot.Manager
	planner   *compaction.Planner
	stats     counters
	bgErr     atomic.Pointer[error]
	flushCh   chan flushTask
	flusher   *listener.Listener[flushTask]
	compactCh chan struct{}
	compactMu sync.Mutex
	// lifetime of the background workers, cancelled by Close
	bgCtx  context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	// serializes writers: sequence allocation, WAL append, memtable insert
	writeMu sync.Mutex

	// serializes view installs
	viewMu   sync.Mutex
	viewCond *sync.Cond
	current  atomic.Pointer[view]
}

// New returns an engine for path in the Closed state.
func New(path string, opts Options) *Engine {
	opts.fill()
	e := &Engine{
		path:   filepath.Clean(path),
		opts:   opts,
		logger: opts.Logger.With("component", "engine"),
	}
	e.viewCond = sync.NewCond(&e.viewMu)
	return e
}

// Open creates an engine for path and opens it.
func Open(path string, opts Options) (*Engine, error) {
	e := New(path, opts)
	if err := e.Open(); err != nil {
		return nil, err
	}
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Path returns the storage directory.
func (e *Engine) Path() string { return e.path }

// Identity returns the persistent identifier of the storage directory.
func (e *Engine) Identity() string { return e.identity }

// Open recovers the storage directory and starts the background workers.
func (e *Engine) Open() error {
	if !e.state.CompareAndSwap(int32(StateClosed), int32(StateOpening)) {
		return fmt.Errorf("%w: engine is %s", dberrors.ErrInvalidArgument, e.State())
	}

	if err := e.open(); err != nil {
		e.abortOpen()
		e.state.Store(int32(StateClosed))
		return err
	}

	e.everOpen.Store(true)
	e.state.Store(int32(StateOpen))
	e.logger.Info("opened",
		"path", e.path,
		"identity", e.identity,
		"tables", len(e.manifest.Current().Tables),
		"last_seq", e.snaps.Current(),
		"encrypted", e.cipher.Enabled(),
	)
	e.scheduleCompaction()
	return nil
}

func (e *Engine) open() error {
	if err := os.MkdirAll(e.path, 0o750); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	lock, err := lockDir(e.path)
	if err != nil {
		return err
	}
	e.lock = lock

	if e.identity, err = loadIdentity(e.path); err != nil {
		return err
	}

	e.cipher = e.opts.Cipher
	if e.cipher == nil {
		if e.cipher, err = crypto.NewFromSource(e.opts.EncryptionEnabled, e.opts.EncryptionKeySource); err != nil {
			return fmt.Errorf("failed to set up encryption: %w", err)
		}
	}

	e.cache = sstable.NewBlockCache(e.opts.CacheCapacity)
	e.planner = compaction.NewPlanner(e.opts.Compaction)
	e.bgErr.Store(nil)

	if e.manifest, err = manifest.Load(e.path, manifest.WithLogger(e.logger)); err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	version := e.manifest.Current()

	if err := e.removeOrphans(version); err != nil {
		return err
	}

	tables, err := e.openTables(version)
	if err != nil {
		return err
	}

	e.wal, err = wal.Open(filepath.Join(e.path, walDir), wal.Options{
		Sync:   e.opts.SyncWAL,
		Cipher: e.cipher,
		Logger: e.opts.Logger,
	})
	if err != nil {
		closeTables(tables)
		return fmt.Errorf("failed to open WAL: %w", err)
	}

	e.snaps = snapshot.NewManager(version.LastSeq)
	active := e.newMemtable()
	if err := e.replay(version, active); err != nil {
		closeTables(tables)
		return err
	}

	e.viewMu.Lock()
	e.install(newView(active, nil, version, tables))
	e.viewMu.Unlock()

	e.startBackground()

	if active.Size() >= e.opts.MemtableSizeThreshold {
		e.writeMu.Lock()
		err := e.rotate()
		e.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) newMemtable() *memtable.Memtable {
	return memtable.New(uint64(e.opts.MaxEntrySize))
}

func (e *Engine) openTables(v *manifest.Version) ([]*table, error) {
	tables := make([]*table, 0, len(v.Tables))
	for _, meta := range v.Tables {
		r, err := sstable.Open(filepath.Join(e.path, meta.File), meta.ID, e.readerOptions())
		if err != nil {
			closeTables(tables)
			return nil, fmt.Errorf("failed to open table %d: %w", meta.ID, err)
		}
		tables = append(tables, &table{meta: meta, r: r, e: e})
	}
	return tables, nil
}

// closeTables closes tables that never made it into a view.
func closeTables(tables []*table) {
	for _, t := range tables {
		t.r.Close()
	}
}

func (e *Engine) readerOptions() sstable.ReaderOptions {
	return sstable.ReaderOptions{Cipher: e.cipher, Cache: e.cache}
}

func (e *Engine) writerOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockSize:   e.opts.BlockSize,
		Compression: e.opts.Compression,
		BloomFPRate: e.opts.BloomFPRate,
		Cipher:      e.cipher,
	}
}

func (e *Engine) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	e.bgCtx, e.cancel = ctx, cancel

	e.flushCh = make(chan flushTask, e.opts.MaxImmutable+1)
	e.flusher = listener.New[flushTask](e.flushCh, e.handleFlush,
		listener.WithErrorHandler(func(t flushTask, err error) {
			e.logger.Error("flush failed", "segment", t.segment, "error", err)
		}),
	)
	e.flusher.Start(ctx)

	e.compactCh = make(chan struct{}, 1)
	e.bg.Add(1)
	go e.compactLoop(ctx)
}

// abortOpen releases whatever a failed open acquired.
func (e *Engine) abortOpen() {
	if e.cancel != nil {
		e.cancel()
		if e.flusher != nil {
			e.flusher.Wait()
		}
		e.bg.Wait()
		e.cancel, e.flusher = nil, nil
	}
	e.dropView()
	if e.wal != nil {
		e.wal.Close()
		e.wal = nil
	}
	if e.lock != nil {
		unlockDir(e.lock)
		e.lock = nil
	}
}

func (e *Engine) dropView() {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	if prev := e.current.Swap(nil); prev != nil {
		prev.unref()
	}
	e.viewCond.Broadcast()
}

// Close flushes the active memtable, drains the flusher, stops the compactor,
// seals the WAL and records the last sequence in the manifest.
func (e *Engine) Close() error {
	if !e.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		if e.State() == StateClosed {
			return nil
		}
		return e.checkOpen()
	}

	var errs []error

	e.writeMu.Lock()
	if e.backgroundErr() == nil {
		if err := e.rotate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush memtable: %w", err))
		}
	}
	close(e.flushCh)
	e.writeMu.Unlock()

	// wake writers parked on a full immutable queue
	e.viewMu.Lock()
	e.viewCond.Broadcast()
	e.viewMu.Unlock()

	e.flusher.Wait()
	e.cancel()
	e.bg.Wait()

	// a caller-driven Compact sees the cancelled lifetime and stops
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	if err := e.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if _, err := e.manifest.LogAndApply(manifest.VersionEdit{LastSeq: e.snaps.Allocated()}); err != nil {
		errs = append(errs, fmt.Errorf("failed to persist manifest: %w", err))
	}

	e.dropView()
	if err := unlockDir(e.lock); err != nil {
		errs = append(errs, err)
	}
	// e.wal stays set: Stats may still be reading it and Close on it is idempotent
	e.lock, e.flusher, e.cancel = nil, nil, nil

	e.state.Store(int32(StateClosed))
	e.logger.Info("closed", "path", e.path, "last_seq", e.snaps.Allocated())
	return errors.Join(errs...)
}

// checkOpen returns nil in the Open state and the matching sentinel otherwise.
func (e *Engine) checkOpen() error {
	switch e.State() {
	case StateOpen:
		return nil
	case StateClosing:
		return dberrors.ErrClosed
	case StateClosed:
		if e.everOpen.Load() {
			return dberrors.ErrClosed
		}
	}
	return dberrors.ErrNotOpen
}

func (e *Engine) backgroundErr() error {
	if p := e.bgErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (e *Engine) setBackgroundErr(err error) {
	e.bgErr.CompareAndSwap(nil, &err)
	e.viewMu.Lock()
	e.viewCond.Broadcast()
	e.viewMu.Unlock()
}

// LastSeq returns the last sequence number visible to new snapshots.
func (e *Engine) LastSeq() types.SeqN {
	if e.snaps == nil {
		return 0
	}
	return e.snaps.Current()
}
