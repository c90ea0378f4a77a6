package engine

import (
	"log/slog"
	"time"

	"strata/pkg/compaction"
	"strata/pkg/compression"
	"strata/pkg/config"
	"strata/pkg/crypto"
)

// Options configure an Engine. Zero fields take the defaults from
// DefaultOptions.
type Options struct {
	// MemtableSizeThreshold is the active memtable size in bytes that
	// triggers a freeze and flush.
	MemtableSizeThreshold uint64
	// MaxImmutable bounds the frozen memtables waiting for the flusher.
	// Writers block while the bound is reached.
	MaxImmutable int
	// MaxEntrySize bounds len(key)+len(value) of one mutation.
	MaxEntrySize int

	// SyncWAL fsyncs the log after every append. Disabling it trades
	// durability on power loss for write throughput.
	SyncWAL bool

	EncryptionEnabled   bool
	EncryptionKeySource string
	// Cipher overrides the key source when set.
	Cipher crypto.BlockCipher

	BlockSize   int
	Compression compression.Type
	BloomFPRate float64

	Compaction compaction.Options
	// DisableAutoCompaction stops the background compactor from running on
	// its own. Compact still works.
	DisableAutoCompaction bool
	RetryBase             time.Duration
	RetryMax              time.Duration

	// CacheCapacity is the block cache size in bytes.
	CacheCapacity int

	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		MemtableSizeThreshold: 4 << 20,
		MaxImmutable:          2,
		MaxEntrySize:          16 << 20,
		SyncWAL:               true,
		BlockSize:             4 << 10,
		Compression:           compression.Snappy,
		BloomFPRate:           0.01,
		Compaction: compaction.Options{
			SizeRatio:      4,
			MinTableSize:   1 << 20,
			Trigger:        4,
			MaxInputs:      8,
			TargetFileSize: 64 << 20,
		},
		RetryBase:     100 * time.Millisecond,
		RetryMax:      10 * time.Second,
		CacheCapacity: 32 << 20,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.MemtableSizeThreshold == 0 {
		o.MemtableSizeThreshold = def.MemtableSizeThreshold
	}
	if o.MaxImmutable <= 0 {
		o.MaxImmutable = def.MaxImmutable
	}
	if o.MaxEntrySize <= 0 {
		o.MaxEntrySize = def.MaxEntrySize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = def.BloomFPRate
	}
	if o.RetryBase <= 0 {
		o.RetryBase = def.RetryBase
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = max(def.RetryMax, o.RetryBase)
	}
	if o.Compaction.TargetFileSize == 0 {
		o.Compaction.TargetFileSize = def.Compaction.TargetFileSize
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = def.CacheCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// FromConfig maps a node configuration onto engine options.
func FromConfig(cfg config.Config, logger *slog.Logger) (Options, error) {
	codec, err := compression.Parse(cfg.SSTable.Compression)
	if err != nil {
		return Options{}, err
	}
	return Options{
		MemtableSizeThreshold: cfg.MemtableSizeThreshold,
		MaxImmutable:          cfg.Memtable.MaxImmutable,
		MaxEntrySize:          cfg.Memtable.MaxEntrySize,
		SyncWAL:               cfg.WAL.Sync,
		EncryptionEnabled:     cfg.EncryptionEnabled,
		EncryptionKeySource:   cfg.EncryptionKeySource,
		BlockSize:             cfg.SSTable.BlockSize,
		Compression:           codec,
		BloomFPRate:           cfg.SSTable.BloomFPRate,
		Compaction: compaction.Options{
			SizeRatio:      cfg.Compaction.SizeRatio,
			MinTableSize:   cfg.Compaction.MinTableSize,
			Trigger:        cfg.CompactionTrigger,
			MaxInputs:      cfg.Compaction.MaxInputs,
			TargetFileSize: cfg.SSTable.TargetFileSize,
		},
		RetryBase:     cfg.Compaction.RetryBase,
		RetryMax:      cfg.Compaction.RetryMax,
		CacheCapacity: cfg.Cache.Capacity,
		Logger:        logger,
	}, nil
}
