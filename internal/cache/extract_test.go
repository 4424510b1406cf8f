package cache

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/testutil"
)

var sampleFiles = []testutil.File{
	{Name: "llvm/", Type: tar.TypeDir, Mode: 0o755},
	{Name: "llvm/bin/clang", Body: "clang", Mode: 0o755},
	{Name: "llvm/bin/cc", Type: tar.TypeSymlink, Linkname: "clang"},
	{Name: "version.md", Body: "v1.43"},
}

func xzCompress(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func zstdCompress(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	plain := testutil.Tar(t, sampleFiles)

	tests := []struct {
		name   string
		header []byte
		want   Format
	}{
		{"gzip", testutil.TarGz(t, sampleFiles), FormatGzip},
		{"xz", xzCompress(t, plain), FormatXz},
		{"zstd", zstdCompress(t, plain), FormatZstd},
		{"bzip2", []byte("BZh91AY&SY"), FormatBzip2},
		{"tar", plain, FormatTar},
		{"empty", nil, FormatUnknown},
		{"text", []byte("hello world"), FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.header))
		})
	}
}

func TestExtract_Formats(t *testing.T) {
	plain := testutil.Tar(t, sampleFiles)

	archives := map[string][]byte{
		"tar":  plain,
		"gzip": testutil.TarGz(t, sampleFiles),
		"xz":   xzCompress(t, plain),
		"zstd": zstdCompress(t, plain),
	}

	for name, data := range archives {
		t.Run(name, func(t *testing.T) {
			dest := t.TempDir()
			require.NoError(t, Extract(context.Background(), bytes.NewReader(data), dest))

			body, err := os.ReadFile(filepath.Join(dest, "llvm", "bin", "clang"))
			require.NoError(t, err)
			assert.Equal(t, "clang", string(body))

			info, err := os.Stat(filepath.Join(dest, "llvm", "bin", "clang"))
			require.NoError(t, err)
			assert.NotZero(t, info.Mode().Perm()&0o100, "executable bit should survive extraction")

			link, err := os.Readlink(filepath.Join(dest, "llvm", "bin", "cc"))
			require.NoError(t, err)
			assert.Equal(t, "clang", link)

			assert.FileExists(t, filepath.Join(dest, "version.md"))
		})
	}
}

func TestExtract_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
		kind codes.Kind
	}{
		{
			name: "path traversal",
			data: func(t *testing.T) []byte {
				return testutil.Tar(t, []testutil.File{{Name: "../escape", Body: "x"}})
			},
			kind: codes.KindExtraction,
		},
		{
			name: "absolute symlink",
			data: func(t *testing.T) []byte {
				return testutil.Tar(t, []testutil.File{{Name: "evil", Type: tar.TypeSymlink, Linkname: "/etc/passwd"}})
			},
			kind: codes.KindExtraction,
		},
		{
			name: "escaping symlink",
			data: func(t *testing.T) []byte {
				return testutil.Tar(t, []testutil.File{{Name: "bin/evil", Type: tar.TypeSymlink, Linkname: "../../outside"}})
			},
			kind: codes.KindExtraction,
		},
		{
			name: "unsupported format",
			data: func(t *testing.T) []byte {
				return []byte("PK\x03\x04 zip archives are not supported")
			},
			kind: codes.KindExtraction,
		},
		{
			name: "empty archive",
			data: func(t *testing.T) []byte {
				return testutil.Tar(t, nil)
			},
			kind: codes.KindExtraction,
		},
		{
			name: "truncated gzip",
			data: func(t *testing.T) []byte {
				data := testutil.TarGz(t, sampleFiles)
				return data[:len(data)/2]
			},
			kind: codes.KindExtraction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			err := Extract(context.Background(), bytes.NewReader(tt.data(t)), dest)
			require.Error(t, err)
			assert.Equal(t, tt.kind, codes.KindOf(err), "unexpected kind for %v", err)
		})
	}
}

func TestExtract_SymlinkTraversal(t *testing.T) {
	tests := []struct {
		name  string
		files []testutil.File
	}{
		{
			name: "write through a chain of parent links",
			files: []testutil.File{
				{Name: "a/", Type: tar.TypeDir, Mode: 0o755},
				{Name: "a/b", Type: tar.TypeSymlink, Linkname: ".."},
				{Name: "a/b/c", Type: tar.TypeSymlink, Linkname: ".."},
				{Name: "a/b/c/escaped.txt", Body: "x"},
			},
		},
		{
			name: "write below a link to a directory",
			files: []testutil.File{
				{Name: "rust/", Type: tar.TypeDir, Mode: 0o755},
				{Name: "lib", Type: tar.TypeSymlink, Linkname: "rust"},
				{Name: "lib/escaped.txt", Body: "x"},
			},
		},
		{
			name: "link redirected by a later entry",
			files: []testutil.File{
				{Name: "a/", Type: tar.TypeDir, Mode: 0o755},
				{Name: "x", Type: tar.TypeSymlink, Linkname: "a/b/.."},
				{Name: "a/b", Type: tar.TypeSymlink, Linkname: ".."},
			},
		},
		{
			name: "hard link through a link",
			files: []testutil.File{
				{Name: "a/", Type: tar.TypeDir, Mode: 0o755},
				{Name: "a/b", Type: tar.TypeSymlink, Linkname: ".."},
				{Name: "stolen", Type: tar.TypeLink, Linkname: "a/b/../outside.txt"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "staging")
			require.NoError(t, os.MkdirAll(dest, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(parent, "outside.txt"), []byte("secret"), 0o644))

			err := Extract(context.Background(), bytes.NewReader(testutil.Tar(t, tt.files)), dest)
			require.Error(t, err)
			assert.Equal(t, codes.KindExtraction, codes.KindOf(err), "unexpected kind for %v", err)

			assert.NoFileExists(t, filepath.Join(parent, "escaped.txt"))
			assert.NoFileExists(t, filepath.Join(dest, "stolen"))
		})
	}
}

func TestExtract_InternalLinks(t *testing.T) {
	dest := t.TempDir()
	files := []testutil.File{
		{Name: "llvm/bin/clang", Body: "clang", Mode: 0o755},
		{Name: "llvm/lib", Type: tar.TypeSymlink, Linkname: "bin"},
		{Name: "rust/bin/cc", Type: tar.TypeSymlink, Linkname: "../../llvm/lib/clang"},
		{Name: "rust/bin/clang", Type: tar.TypeLink, Linkname: "llvm/bin/clang"},
	}

	require.NoError(t, Extract(context.Background(), bytes.NewReader(testutil.Tar(t, files)), dest))

	data, err := os.ReadFile(filepath.Join(dest, "rust", "bin", "cc"))
	require.NoError(t, err)
	assert.Equal(t, "clang", string(data))
	assert.FileExists(t, filepath.Join(dest, "rust", "bin", "clang"))
}

func TestEntryPath(t *testing.T) {
	dest := t.TempDir()

	got, err := entryPath(dest, "rust/bin/rustc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "rust", "bin", "rustc"), got)

	got, err = entryPath(dest, "./")
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	_, err = entryPath(dest, "rust/../../x")
	assert.Error(t, err)

	_, err = entryPath(dest, "/abs")
	assert.Error(t, err)
}
