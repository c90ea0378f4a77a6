package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"strata/pkg/keys"
	"strata/pkg/manifest"
	"strata/pkg/memtable"
	"strata/pkg/wal"
)

const identityFile = "IDENTITY"

// loadIdentity returns the directory's identifier, creating it on first open.
func loadIdentity(dir string) (string, error) {
	path := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id, perr := uuid.ParseBytes(bytes.TrimSpace(data))
		if perr != nil {
			return "", fmt.Errorf("invalid %s file: %w", identityFile, perr)
		}
		return id.String(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read %s: %w", identityFile, err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", identityFile, err)
	}
	return id, nil
}

// removeOrphans deletes files left behind by a crash in the middle of a
// flush or compaction: tables the manifest does not list and temporary files.
func (e *Engine) removeOrphans(v *manifest.Version) error {
	entries, err := os.ReadDir(e.path)
	if err != nil {
		return fmt.Errorf("failed to list storage directory: %w", err)
	}

	live := make(map[string]bool, len(v.Tables))
	for _, t := range v.Tables {
		live[t.File] = true
	}

	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			continue
		}
		orphan := strings.HasSuffix(name, ".tmp") ||
			(strings.HasSuffix(name, ".sst") && !live[name])
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(e.path, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove orphaned file %s: %w", name, err)
		}
		e.logger.Info("removed orphaned file", "file", name)
	}
	return nil
}

// replay loads every record logged after the last flush into mt and raises
// the sequence counters past everything recovered.
func (e *Engine) replay(v *manifest.Version, mt *memtable.Memtable) error {
	maxSeq := v.LastSeq
	n := 0
	err := e.wal.Replay(v.LogNumber, func(pos wal.Position, rec wal.Record) error {
		var err error
		if rec.Kind == keys.KindSet {
			err = mt.Put(rec.Key, rec.Value, rec.Seq, rec.Timestamp)
		} else {
			err = mt.Delete(rec.Key, rec.Seq, rec.Timestamp)
		}
		if err != nil {
			return fmt.Errorf("failed to replay record at segment %d offset %d: %w", pos.Segment, pos.Offset, err)
		}
		maxSeq = max(maxSeq, rec.Seq)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	e.snaps.SetFloor(maxSeq)
	if v.LogNumber > 0 {
		// segments a flush covered but did not get to delete before a crash
		if err := e.wal.RemoveThrough(v.LogNumber - 1); err != nil {
			e.logger.Warn("failed to remove flushed WAL segments", "error", err)
		}
	}
	if n > 0 {
		e.logger.Info("replayed WAL", "records", n, "last_seq", maxSeq, "from_segment", v.LogNumber)
	}
	return nil
}

func (e *Engine) tablePath(file string) string {
	return filepath.Join(e.path, file)
}
