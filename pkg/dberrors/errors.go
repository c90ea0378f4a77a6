package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotOpen           = errors.New("strata: engine is not open")
	ErrClosed            = errors.New("strata: closed")
	ErrInvalidArgument   = errors.New("strata: invalid argument")
	ErrCompactionRunning = errors.New("strata: compaction running")

	// ErrCorruption marks checksum or framing failures in WAL records and SSTable blocks.
	ErrCorruption = errors.New("strata: corruption")
	// ErrIntegrity marks bad key material or tampered ciphertext.
	ErrIntegrity = errors.New("strata: integrity check failed")
)

// CorruptionError reports a checksum mismatch at a specific location.
// The affected segment or table is unreadable past Offset; other data keeps serving.
type CorruptionError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("corruption in %s at offset %d", e.Path, e.Offset)
	}
	return fmt.Sprintf("corruption in %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// IntegrityError reports a decryption failure. It is always fatal for the
// affected block or record and is never treated as "not found".
type IntegrityError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure in %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// Corruption builds a *CorruptionError.
func Corruption(path string, offset int64, err error) error {
	return &CorruptionError{Path: path, Offset: offset, Err: err}
}

// Integrity builds an *IntegrityError.
func Integrity(path string, offset int64, err error) error {
	return &IntegrityError{Path: path, Offset: offset, Err: err}
}
