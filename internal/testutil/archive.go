// Package testutil holds helpers shared by package tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"sort"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

// File is a single archive member
type File struct {
	Name     string
	Body     string
	Mode     int64
	Linkname string
	Type     byte
}

// Tar builds an uncompressed tar stream from files
func Tar(t testing.TB, files []File) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     f.Mode,
			Size:     int64(len(f.Body)),
			Typeflag: f.Type,
			Linkname: f.Linkname,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if hdr.Typeflag != tar.TypeReg {
			hdr.Size = 0
		}

		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.Body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// TarGz builds a gzip-compressed tarball from files
func TarGz(t testing.TB, files []File) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	_, err := gz.Write(Tar(t, files))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

// Toolchain returns a gzip tarball shaped like a platform-tools release
func Toolchain(t testing.TB) []byte {
	t.Helper()

	names := map[string]string{
		"version.md":             "platform-tools v1.43\n",
		"rust/bin/rustc":         "#!/bin/sh\n",
		"rust/bin/cargo":         "#!/bin/sh\n",
		"llvm/bin/clang":         "#!/bin/sh\n",
		"llvm/bin/ld.lld":        "#!/bin/sh\n",
		"llvm/bin/llvm-ar":       "#!/bin/sh\n",
		"llvm/bin/llvm-objdump":  "#!/bin/sh\n",
		"llvm/bin/llvm-objcopy":  "#!/bin/sh\n",
		"rust/lib/rustlib/.keep": "",
	}

	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	files := []File{
		{Name: "rust/", Type: tar.TypeDir, Mode: 0o755},
		{Name: "llvm/", Type: tar.TypeDir, Mode: 0o755},
	}
	for _, k := range keys {
		files = append(files, File{Name: k, Body: names[k], Mode: 0o755})
	}

	return TarGz(t, files)
}
