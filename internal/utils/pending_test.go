package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	t.Run("cleanup discards", func(t *testing.T) {
		p, err := NewPendingFile(dir, dest)
		require.NoError(t, err)

		_, err = p.Write([]byte("partial"))
		require.NoError(t, err)
		require.NoError(t, p.Cleanup())

		assert.NoFileExists(t, dest)
		assert.NoFileExists(t, p.Name())
	})

	t.Run("commit replaces", func(t *testing.T) {
		require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

		p, err := NewPendingFile(dir, dest)
		require.NoError(t, err)

		_, err = p.Write([]byte("new"))
		require.NoError(t, err)
		require.NoError(t, p.CloseAtomicallyReplace())
		require.NoError(t, p.Cleanup())

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	})
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "program.so")
	require.NoError(t, os.WriteFile(src, []byte("\x7fELF"), 0o755))

	dest := filepath.Join(dir, "deploy", "program.so")
	require.NoError(t, CopyFile(src, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF", string(data))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	assert.Error(t, CopyFile(filepath.Join(dir, "missing.so"), dest))
}
