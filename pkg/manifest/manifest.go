// Package manifest records which tables make up the store.
//
// The current Version is kept in memory behind an atomic pointer and
// persisted as a JSON document replaced atomically on every change
// (write temp, fsync, rename, fsync dir). A crash leaves either the old or
// the new manifest, never a mix.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"strata/pkg/dberrors"
	"strata/pkg/types"
)

const (
	FileName = "MANIFEST"

	formatVersion = 1
)

type document struct {
	Format  int      `json:"format"`
	Version *Version `json:"version"`
}

// Store persists versions in one storage directory.
type Store struct {
	path   string
	logger *slog.Logger

	// serializes LogAndApply
	mu      sync.Mutex
	current atomic.Pointer[Version]
	nextID  atomic.Uint64
}

type Option func(*Store)

// WithLogger sets the logger for failures that do not fail an update.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Load reads the manifest in dir, or starts a fresh one if none exists.
func Load(dir string, opts ...Option) (*Store, error) {
	s := &Store{path: filepath.Join(dir, FileName), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	v := New()
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	default:
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, dberrors.Corruption(s.path, 0, err)
		}
		if doc.Format != formatVersion || doc.Version == nil {
			return nil, dberrors.Corruption(s.path, 0, fmt.Errorf("unsupported manifest format %d", doc.Format))
		}
		v = doc.Version
		if v.NextTableID == 0 {
			v.NextTableID = 1
		}
	}

	s.current.Store(v)
	s.nextID.Store(v.NextTableID)
	return s, nil
}

// Current returns the installed version.
func (s *Store) Current() *Version {
	return s.current.Load()
}

// NewTableID allocates a table id. Ids are never reused, even when the table
// is never installed.
func (s *Store) NewTableID() types.TableID {
	return s.nextID.Add(1) - 1
}

// LogAndApply persists the version produced by edit and installs it.
func (s *Store) LogAndApply(edit VersionEdit) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.current.Load().Apply(edit)
	if err != nil {
		return nil, err
	}
	next.NextTableID = max(next.NextTableID, s.nextID.Load())

	if err := s.persist(next); err != nil {
		return nil, err
	}
	// Once renamed the file may already be the one a restart reads, so the
	// version is installed even if the directory sync fails.
	s.current.Store(next)
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("failed to sync manifest directory", "path", s.path, "generation", next.Generation, "error", err)
	}
	return next, nil
}

func (s *Store) persist(v *Version) error {
	data, err := json.MarshalIndent(document{Format: formatVersion, Version: v}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

var syncDir = func(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
