//go:build !windows

package utils

import "github.com/google/renameio"

// NewPendingFile creates a temp file in dir that atomically replaces dest
// when committed
func NewPendingFile(dir, dest string) (PendingFile, error) {
	f, err := renameio.TempFile(dir, dest)
	if err != nil {
		return nil, err
	}

	return f, nil
}
