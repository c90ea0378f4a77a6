package engine

import "errors"

var (
	ErrEmptyKey         = errors.New("empty key")
	ErrEntryTooLarge    = errors.New("entry is too large")
	ErrSnapshotReleased = errors.New("snapshot already released")
	ErrLocked           = errors.New("storage directory is locked by another process")
)
