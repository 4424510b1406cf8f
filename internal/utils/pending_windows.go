package utils

import (
	"os"
	"path/filepath"
)

// pendingFile stands in for renameio, which has no Windows support
type pendingFile struct {
	*os.File
	dest string
	done bool
}

func NewPendingFile(dir, dest string) (PendingFile, error) {
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+"-*")
	if err != nil {
		return nil, err
	}

	return &pendingFile{File: f, dest: dest}, nil
}

func (p *pendingFile) Cleanup() error {
	if p.done {
		return nil
	}

	p.File.Close()
	return os.Remove(p.Name())
}

func (p *pendingFile) CloseAtomicallyReplace() error {
	if err := p.Sync(); err != nil {
		return err
	}
	if err := p.Close(); err != nil {
		return err
	}
	if err := os.Rename(p.Name(), p.dest); err != nil {
		return err
	}

	p.done = true
	return nil
}
