// Package iterator holds the internal-key iterator contract shared by
// memtables and SSTables, the heap merge over them and the snapshot view
// that turns a merged stream of versions into user-visible pairs.
package iterator

import "strata/pkg/types"

// Internal iterates over internal keys in keys.Compare order.
type Internal interface {
	// Seek moves the iterator to the first internal key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current internal key. It is only valid until the next move.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources.
	Close() error
}
