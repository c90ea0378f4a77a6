package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"strata/pkg/iterator"
	"strata/pkg/keys"
	"strata/pkg/manifest"
	"strata/pkg/sstable"
	"strata/pkg/types"
)

// Job carries everything a compaction needs besides the task itself.
type Job struct {
	Task Task
	// Inputs are open readers for Task.Inputs, in the same order.
	Inputs []*sstable.Reader
	// Others are the live tables outside the task. A tombstone is kept while
	// any of them may hold an older version of its key.
	Others []*sstable.Reader
	// Snapshots are the open snapshot sequences, ascending.
	Snapshots []types.SeqN

	Dir            string
	NewTableID     func() types.TableID
	Writer         sstable.WriterOptions
	TargetFileSize uint64
}

// Result is the outcome of a finished compaction.
type Result struct {
	Edit     manifest.VersionEdit
	BytesIn  uint64
	BytesOut uint64
	Dropped  uint64
}

// TableFile returns the file name of a table.
func TableFile(id types.TableID) string {
	return fmt.Sprintf("%06d.sst", id)
}

// NewTableMeta describes a finished table for the manifest.
func NewTableMeta(id types.TableID, p sstable.Properties) manifest.TableMeta {
	return manifest.TableMeta{
		ID:         id,
		File:       TableFile(id),
		Size:       p.FileSize,
		Entries:    p.Entries,
		Tombstones: p.Tombstones,
		MinKey:     p.MinKey,
		MaxKey:     p.MaxKey,
		MinSeq:     p.MinSeq,
		MaxSeq:     p.MaxSeq,
		CreatedAt:  time.Now().UTC(),
	}
}

type version struct {
	seq   types.SeqN
	kind  keys.Kind
	value []byte
}

// Run merges the job's inputs. Inputs are never modified; on error every
// output written so far is removed.
func Run(ctx context.Context, job Job) (Result, error) {
	if len(job.Inputs) != len(job.Task.Inputs) {
		return Result{}, errors.New("compaction inputs do not match the task")
	}

	iters := make([]iterator.Internal, len(job.Inputs))
	for i, r := range job.Inputs {
		iters[i] = r.NewIterator()
	}
	merged := iterator.NewMerging(iters...)
	defer merged.Close()

	out := &outputs{job: job}
	res := Result{}
	for _, t := range job.Task.Inputs {
		res.Edit.Deleted = append(res.Edit.Deleted, t.ID)
		res.BytesIn += t.Size
	}

	var (
		curKey   []byte
		haveKey  bool
		versions []version
		n        int
	)
	flushKey := func() error {
		if !haveKey {
			return nil
		}
		kept := retain(curKey, versions, job.Snapshots, job.Others)
		res.Dropped += uint64(len(versions) - len(kept))
		for _, v := range kept {
			if err := out.add(keys.Make(curKey, v.seq, v.kind), v.value); err != nil {
				return err
			}
		}
		return out.maybeSplit()
	}

	for merged.First(); merged.Valid(); merged.Next() {
		if n++; n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				out.abort()
				return Result{}, err
			}
		}

		ikey := merged.Key()
		ukey := keys.UserKey(ikey)
		if !haveKey || !bytes.Equal(ukey, curKey) {
			if err := flushKey(); err != nil {
				out.abort()
				return Result{}, err
			}
			curKey = append(curKey[:0], ukey...)
			haveKey = true
			versions = versions[:0]
		}
		seq, kind := keys.Trailer(ikey)
		versions = append(versions, version{seq: seq, kind: kind, value: append([]byte(nil), merged.Value()...)})
	}
	if err := merged.Err(); err != nil {
		out.abort()
		return Result{}, fmt.Errorf("failed to read compaction inputs: %w", err)
	}
	if err := flushKey(); err != nil {
		out.abort()
		return Result{}, err
	}
	if err := out.finish(); err != nil {
		out.abort()
		return Result{}, err
	}

	res.Edit.Added = out.metas
	for _, m := range out.metas {
		res.BytesOut += m.Size
	}
	return res, nil
}

// retain picks the versions of one key that must survive. versions are
// ordered newest first.
//
// The newest version always survives. An older version survives when some
// snapshot s satisfies seq <= s < seq of the next newer version. A surviving
// tombstone is dropped when nothing older survives below it and no table
// outside the compaction may hold an older version of the key.
func retain(key []byte, versions []version, snapshots []types.SeqN, others []*sstable.Reader) []version {
	kept := make([]version, 0, 1)
	kept = append(kept, versions[0])
	for i := 1; i < len(versions); i++ {
		if visibleToSnapshot(versions[i].seq, versions[i-1].seq, snapshots) {
			kept = append(kept, versions[i])
		}
	}

	// drop trailing tombstones; anything they shadowed is gone or unneeded
	for len(kept) > 0 {
		last := kept[len(kept)-1]
		if last.kind != keys.KindDelete || olderOutside(key, last.seq, others) {
			break
		}
		kept = kept[:len(kept)-1]
	}
	return kept
}

// visibleToSnapshot reports whether a snapshot lies in [seq, newer).
func visibleToSnapshot(seq, newer types.SeqN, snapshots []types.SeqN) bool {
	for _, s := range snapshots {
		if s >= newer {
			return false
		}
		if s >= seq {
			return true
		}
	}
	return false
}

func olderOutside(key []byte, seq types.SeqN, others []*sstable.Reader) bool {
	for _, r := range others {
		if r.Properties().MinSeq < seq && r.MayContain(key) {
			return true
		}
	}
	return false
}

// outputs writes the merged stream into one or more tables.
type outputs struct {
	job   Job
	w     *sstable.Writer
	id    types.TableID
	metas []manifest.TableMeta
	paths []string
}

func (o *outputs) add(ikey, value []byte) error {
	if o.w == nil {
		o.id = o.job.NewTableID()
		path := filepath.Join(o.job.Dir, TableFile(o.id))
		w, err := sstable.NewWriter(path, o.job.Writer)
		if err != nil {
			return err
		}
		o.w = w
	}
	return o.w.Add(ikey, value)
}

// maybeSplit closes the current output once it reaches the target size.
// Called only between user keys.
func (o *outputs) maybeSplit() error {
	if o.w == nil || o.job.TargetFileSize == 0 || o.w.EstimatedSize() < o.job.TargetFileSize {
		return nil
	}
	return o.finish()
}

func (o *outputs) finish() error {
	if o.w == nil {
		return nil
	}
	w := o.w
	o.w = nil

	props, err := w.Finish()
	if err != nil {
		return fmt.Errorf("failed to finish compaction output: %w", err)
	}
	o.paths = append(o.paths, filepath.Join(o.job.Dir, TableFile(o.id)))
	o.metas = append(o.metas, NewTableMeta(o.id, props))
	return nil
}

func (o *outputs) abort() {
	if o.w != nil {
		o.w.Abort()
		o.w = nil
	}
	for _, p := range o.paths {
		os.Remove(p)
	}
	o.paths, o.metas = nil, nil
}
