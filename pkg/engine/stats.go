package engine

import (
	"sync/atomic"

	"strata/pkg/types"
)

type counters struct {
	puts             atomic.Uint64
	deletes          atomic.Uint64
	gets             atomic.Uint64
	scans            atomic.Uint64
	flushes          atomic.Uint64
	flushErrors      atomic.Uint64
	bytesFlushed     atomic.Uint64
	compactions      atomic.Uint64
	compactionErrors atomic.Uint64
	bytesCompacted   atomic.Uint64
	stalls           atomic.Uint64
}

// Stats is a point-in-time summary of engine activity.
type Stats struct {
	State string `json:"state"`

	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	Gets    uint64 `json:"gets"`
	Scans   uint64 `json:"scans"`

	Flushes          uint64 `json:"flushes"`
	FlushErrors      uint64 `json:"flush_errors"`
	BytesFlushed     uint64 `json:"bytes_flushed"`
	Compactions      uint64 `json:"compactions"`
	CompactionErrors uint64 `json:"compaction_errors"`
	BytesCompacted   uint64 `json:"bytes_compacted"`
	WriteStalls      uint64 `json:"write_stalls"`

	LastSeq       types.SeqN `json:"last_seq"`
	MemtableSize  uint64     `json:"memtable_size"`
	Immutables    int        `json:"immutables"`
	Tables        int        `json:"tables"`
	TableBytes    uint64     `json:"table_bytes"`
	WALSegments   int        `json:"wal_segments"`
	OpenSnapshots int        `json:"open_snapshots"`
	CacheHits     uint64     `json:"cache_hits"`
	CacheMisses   uint64     `json:"cache_misses"`
	CacheEntries  int        `json:"cache_entries"`
	ManifestGen   uint64     `json:"manifest_generation"`
	BackgroundErr string     `json:"background_error,omitempty"`
}

// Stats returns the current counters and shape of the store.
func (e *Engine) Stats() (Stats, error) {
	if err := e.checkOpen(); err != nil {
		return Stats{}, err
	}

	s := Stats{
		State:            e.State().String(),
		Puts:             e.stats.puts.Load(),
		Deletes:          e.stats.deletes.Load(),
		Gets:             e.stats.gets.Load(),
		Scans:            e.stats.scans.Load(),
		Flushes:          e.stats.flushes.Load(),
		FlushErrors:      e.stats.flushErrors.Load(),
		BytesFlushed:     e.stats.bytesFlushed.Load(),
		Compactions:      e.stats.compactions.Load(),
		CompactionErrors: e.stats.compactionErrors.Load(),
		BytesCompacted:   e.stats.bytesCompacted.Load(),
		WriteStalls:      e.stats.stalls.Load(),
		LastSeq:          e.snaps.Current(),
		OpenSnapshots:    e.snaps.Count(),
		WALSegments:      len(e.wal.Segments()) + 1,
		CacheEntries:     e.cache.Len(),
	}
	s.CacheHits, s.CacheMisses = e.cache.Stats()
	if err := e.backgroundErr(); err != nil {
		s.BackgroundErr = err.Error()
	}

	v := e.acquire()
	if v == nil {
		return s, nil
	}
	defer v.unref()

	s.MemtableSize = v.active.Size()
	s.Immutables = len(v.imm)
	s.Tables = len(v.tables)
	s.TableBytes = v.version.TotalSize()
	s.ManifestGen = v.version.Generation
	return s, nil
}
