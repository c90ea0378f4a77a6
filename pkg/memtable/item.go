package memtable

import (
	"strata/pkg/keys"
	"strata/pkg/types"
)

// Item is one version of a key.
type Item struct {
	Key       []byte
	Value     []byte
	SeqN      types.SeqN
	Kind      keys.Kind
	Timestamp int64
}

// InternalKey returns the encoded internal key of the item.
func (it *Item) InternalKey() []byte {
	return keys.Make(it.Key, it.SeqN, it.Kind)
}

// Tombstone reports whether the item deletes its key.
func (it *Item) Tombstone() bool {
	return it.Kind == keys.KindDelete
}

// version is a node of a per-key chain, newest first. Nodes are immutable
// once published.
type version struct {
	seq   types.SeqN
	kind  keys.Kind
	ts    int64
	value []byte
	next  *version
}

// visible returns the newest version with seq <= maxSeq.
func (v *version) visible(maxSeq types.SeqN) *version {
	for ; v != nil; v = v.next {
		if v.seq <= maxSeq {
			return v
		}
	}
	return nil
}

func (v *version) item(key []byte) Item {
	return Item{Key: key, Value: v.value, SeqN: v.seq, Kind: v.kind, Timestamp: v.ts}
}
