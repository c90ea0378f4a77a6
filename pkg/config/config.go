package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config is the root configuration of a strata node. Fields carry yaml tags
// for parsing and validate tags checked by Validate.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`

	StoragePath           string `yaml:"storage_path" validate:"required"`
	MemtableSizeThreshold uint64 `yaml:"memtable_size_threshold" validate:"required,min=1024"`
	CompactionTrigger     int    `yaml:"compaction_trigger" validate:"required,min=1"`
	EncryptionEnabled     bool   `yaml:"encryption_enabled"`
	EncryptionKeySource   string `yaml:"encryption_key_source" validate:"required_if=EncryptionEnabled true"`

	WAL        WALConfig        `yaml:"wal"`
	Memtable   MemtableConfig   `yaml:"memtable" validate:"required"`
	SSTable    SSTableConfig    `yaml:"sstable" validate:"required"`
	Compaction CompactionConfig `yaml:"compaction" validate:"required"`
	Cache      CacheConfig      `yaml:"cache" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
}

type WALConfig struct {
	// Sync fsyncs every append. Turning it off risks losing acknowledged
	// writes on power loss.
	Sync bool `yaml:"sync"`
}

type MemtableConfig struct {
	MaxImmutable int `yaml:"max_immutable" validate:"required,min=1"`
	MaxEntrySize int `yaml:"max_entry_size" validate:"required,min=1"`
}

type SSTableConfig struct {
	BlockSize      int     `yaml:"block_size" validate:"required,min=256"`
	Compression    string  `yaml:"compression" validate:"oneof=none snappy zstd"`
	BloomFPRate    float64 `yaml:"bloom_fp_rate" validate:"required,gt=0,lt=1"`
	TargetFileSize uint64  `yaml:"target_file_size" validate:"required,min=1024"`
}

type CompactionConfig struct {
	SizeRatio    float64       `yaml:"size_ratio" validate:"required,gt=1"`
	MinTableSize uint64        `yaml:"min_table_size" validate:"required,min=1"`
	MaxInputs    int           `yaml:"max_inputs" validate:"required,min=2"`
	RetryBase    time.Duration `yaml:"retry_base" validate:"required"`
	RetryMax     time.Duration `yaml:"retry_max" validate:"required,gtefield=RetryBase"`
}

type CacheConfig struct {
	// Capacity is the block cache size in bytes.
	Capacity int `yaml:"capacity" validate:"required,min=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		StoragePath:           "./data",
		MemtableSizeThreshold: 4 << 20,
		CompactionTrigger:     4,
		WAL: WALConfig{
			Sync: true,
		},
		Memtable: MemtableConfig{
			MaxImmutable: 2,
			MaxEntrySize: 16 << 20,
		},
		SSTable: SSTableConfig{
			BlockSize:      4 << 10,
			Compression:    "snappy",
			BloomFPRate:    0.01,
			TargetFileSize: 64 << 20,
		},
		Compaction: CompactionConfig{
			SizeRatio:    4,
			MinTableSize: 1 << 20,
			MaxInputs:    8,
			RetryBase:    100 * time.Millisecond,
			RetryMax:     10 * time.Second,
		},
		Cache: CacheConfig{
			Capacity: 32 << 20,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result. A
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the validate tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
