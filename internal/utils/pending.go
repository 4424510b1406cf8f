package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PendingFile is written next to its destination and only becomes visible
// there once CloseAtomicallyReplace succeeds. Cleanup discards it and is a
// no-op after a successful commit.
type PendingFile interface {
	io.Writer
	Name() string
	Cleanup() error
	CloseAtomicallyReplace() error
}

// CopyFile copies src to dest, replacing dest atomically
func CopyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}

	out, err := NewPendingFile(filepath.Dir(dest), dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	if f, ok := out.(interface{ Chmod(os.FileMode) error }); ok {
		_ = f.Chmod(info.Mode().Perm())
	}

	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}

	return nil
}
