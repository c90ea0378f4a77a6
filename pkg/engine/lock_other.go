//go:build !unix

package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

const lockFile = "LOCK"

// lockDir only creates the lock file; advisory locking is unix only.
func lockDir(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f, nil
}

func unlockDir(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
