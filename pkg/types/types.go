package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is the process-wide mutation sequence number used for MVCC and WAL ordering.
// It is never reused and never decreases across restarts.
type SeqN = uint64

// TableID identifies an SSTable inside a manifest version.
type TableID = uint64

// SegmentNum identifies a WAL segment file.
type SegmentNum = uint64
