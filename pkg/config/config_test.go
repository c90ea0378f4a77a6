package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StoragePath != Default().StoragePath {
		t.Fatalf("StoragePath = %q", cfg.StoragePath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage_path: /var/lib/strata
memtable_size_threshold: 1048576
compaction_trigger: 6
encryption_enabled: true
encryption_key_source: env:STRATA_KEY
logger:
  level: debug
  json: true
http-server:
  port: 9090
  read_header_timeout: 2s
wal:
  sync: false
sstable:
  compression: zstd
compaction:
  retry_base: 50ms
  retry_max: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StoragePath != "/var/lib/strata" || cfg.CompactionTrigger != 6 || cfg.MemtableSizeThreshold != 1<<20 {
		t.Fatalf("top level not applied: %+v", cfg)
	}
	if !cfg.EncryptionEnabled || cfg.EncryptionKeySource != "env:STRATA_KEY" {
		t.Fatalf("encryption not applied: %+v", cfg)
	}
	if cfg.Server.Port != 9090 || cfg.Server.ReadHeaderTimeout != 2*time.Second {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.WAL.Sync {
		t.Fatal("wal.sync not applied")
	}
	if cfg.SSTable.Compression != "zstd" {
		t.Fatalf("compression = %q", cfg.SSTable.Compression)
	}
	// untouched fields keep their defaults
	if cfg.SSTable.BlockSize != Default().SSTable.BlockSize {
		t.Fatalf("block size = %d", cfg.SSTable.BlockSize)
	}
	if cfg.Compaction.RetryBase != 50*time.Millisecond || cfg.Compaction.RetryMax != 5*time.Second {
		t.Fatalf("retry = %v / %v", cfg.Compaction.RetryBase, cfg.Compaction.RetryMax)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing key source", func(c *Config) { c.EncryptionEnabled = true }, "EncryptionKeySource"},
		{"bad compression", func(c *Config) { c.SSTable.Compression = "lz4" }, "Compression"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "Port"},
		{"zero trigger", func(c *Config) { c.CompactionTrigger = 0 }, "CompactionTrigger"},
		{"fp rate", func(c *Config) { c.SSTable.BloomFPRate = 1.5 }, "BloomFPRate"},
		{"retry order", func(c *Config) { c.Compaction.RetryMax = time.Millisecond }, "RetryMax"},
		{"log level", func(c *Config) { c.Logger.Level = "TRACE" }, "Level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q does not name %s", err, tc.field)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "storage_path: [unterminated\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}
