// Package batch buffers the mutations of one statement group until commit.
//
// A batch is not atomic. Commit issues the buffered mutations one by one; if
// one fails, the ones before it stay applied and the rest are not issued.
// A batch dropped before Commit writes nothing.
package batch

import (
	"fmt"

	"strata/pkg/keys"
	"strata/pkg/types"
)

// Writer is the write side of the engine.
type Writer interface {
	Put(key types.Key, value types.Value) (types.SeqN, error)
	Delete(key types.Key) (types.SeqN, error)
}

type op struct {
	kind  keys.Kind
	key   []byte
	value []byte
}

// Batch collects mutations. The zero value is ready to use.
type Batch struct {
	ops  []op
	size int
}

// Put buffers a write of value under key. Both slices are copied.
func (b *Batch) Put(key types.Key, value types.Value) {
	b.ops = append(b.ops, op{
		kind:  keys.KindSet,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	b.size += len(key) + len(value)
}

// Delete buffers a tombstone for key.
func (b *Batch) Delete(key types.Key) {
	b.ops = append(b.ops, op{kind: keys.KindDelete, key: append([]byte(nil), key...)})
	b.size += len(key)
}

// Count returns the number of buffered mutations.
func (b *Batch) Count() int { return len(b.ops) }

// Size returns the buffered key and value bytes.
func (b *Batch) Size() int { return b.size }

// Clear drops every buffered mutation.
func (b *Batch) Clear() {
	b.ops = b.ops[:0]
	b.size = 0
}

// CommitError reports a Commit that stopped part way.
type CommitError struct {
	// Applied mutations stay in the store.
	Applied int
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("batch commit stopped after %d mutations: %v", e.Applied, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Commit issues the buffered mutations to w in order and returns their
// sequence numbers. On failure the returned slice holds the sequences of the
// applied prefix and the error is a *CommitError. The batch is cleared only
// when every mutation was applied.
func (b *Batch) Commit(w Writer) ([]types.SeqN, error) {
	seqs := make([]types.SeqN, 0, len(b.ops))
	for _, o := range b.ops {
		var (
			seq types.SeqN
			err error
		)
		if o.kind == keys.KindSet {
			seq, err = w.Put(o.key, o.value)
		} else {
			seq, err = w.Delete(o.key)
		}
		if err != nil {
			return seqs, &CommitError{Applied: len(seqs), Err: err}
		}
		seqs = append(seqs, seq)
	}
	b.Clear()
	return seqs, nil
}
