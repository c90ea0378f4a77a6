package manifest

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"strata/pkg/keys"
	"strata/pkg/types"
)

// TableMeta describes one live table.
type TableMeta struct {
	ID         types.TableID `json:"id"`
	File       string        `json:"file"`
	Size       uint64        `json:"size"`
	Entries    uint64        `json:"entries"`
	Tombstones uint64        `json:"tombstones"`
	MinKey     []byte        `json:"min_key"`
	MaxKey     []byte        `json:"max_key"`
	MinSeq     types.SeqN    `json:"min_seq"`
	MaxSeq     types.SeqN    `json:"max_seq"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Overlaps reports whether the table's key span intersects r.
func (t TableMeta) Overlaps(r keys.Range) bool {
	return r.Overlaps(t.MinKey, t.MaxKey)
}

// Covers reports whether userKey lies inside the table's key span.
func (t TableMeta) Covers(userKey []byte) bool {
	return bytes.Compare(userKey, t.MinKey) >= 0 && bytes.Compare(userKey, t.MaxKey) <= 0
}

// Version is an immutable snapshot of the table set. Tables are ordered by
// id, oldest first.
type Version struct {
	Tables      []TableMeta      `json:"tables"`
	LastSeq     types.SeqN       `json:"last_seq"`
	NextTableID types.TableID    `json:"next_table_id"`
	LogNumber   types.SegmentNum `json:"log_number"`
	Generation  uint64           `json:"generation"`
}

// New returns the version of an empty store.
func New() *Version {
	return &Version{NextTableID: 1}
}

// VersionEdit is a change to the table set, applied atomically.
type VersionEdit struct {
	Added   []TableMeta
	Deleted []types.TableID
	// LastSeq and LogNumber only move forward; zero leaves them unchanged.
	LastSeq   types.SeqN
	LogNumber types.SegmentNum
}

// Apply builds the next version. The receiver is not modified.
func (v *Version) Apply(edit VersionEdit) (*Version, error) {
	next := &Version{
		LastSeq:     max(v.LastSeq, edit.LastSeq),
		NextTableID: v.NextTableID,
		LogNumber:   max(v.LogNumber, edit.LogNumber),
		Generation:  v.Generation + 1,
	}

	deleted := make(map[types.TableID]bool, len(edit.Deleted))
	for _, id := range edit.Deleted {
		if _, ok := v.Table(id); !ok {
			return nil, fmt.Errorf("delete of unknown table %d", id)
		}
		deleted[id] = true
	}

	next.Tables = make([]TableMeta, 0, len(v.Tables)+len(edit.Added))
	for _, t := range v.Tables {
		if !deleted[t.ID] {
			next.Tables = append(next.Tables, t)
		}
	}
	for _, t := range edit.Added {
		if _, ok := v.Table(t.ID); ok {
			return nil, fmt.Errorf("table %d already present", t.ID)
		}
		next.Tables = append(next.Tables, t)
		next.NextTableID = max(next.NextTableID, t.ID+1)
	}
	slices.SortFunc(next.Tables, func(a, b TableMeta) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return next, nil
}

// Table looks a table up by id.
func (v *Version) Table(id types.TableID) (TableMeta, bool) {
	for _, t := range v.Tables {
		if t.ID == id {
			return t, true
		}
	}
	return TableMeta{}, false
}

// TotalSize returns the bytes held by all tables.
func (v *Version) TotalSize() uint64 {
	var n uint64
	for _, t := range v.Tables {
		n += t.Size
	}
	return n
}
