package cache

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// Format identifies the compression wrapped around a tar stream
type Format string

const (
	FormatUnknown Format = ""
	FormatTar     Format = "tar"
	FormatGzip    Format = "gzip"
	FormatBzip2   Format = "bzip2"
	FormatXz      Format = "xz"
	FormatZstd    Format = "zstd"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicUstar = []byte("ustar")
)

// tar headers carry "ustar" at this offset
const ustarOffset = 257

// DetectFormat identifies the archive format from its leading bytes
func DetectFormat(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(header, magicBzip2):
		return FormatBzip2
	case bytes.HasPrefix(header, magicXz):
		return FormatXz
	case bytes.HasPrefix(header, magicZstd):
		return FormatZstd
	case len(header) >= ustarOffset+len(magicUstar) &&
		bytes.Equal(header[ustarOffset:ustarOffset+len(magicUstar)], magicUstar):
		return FormatTar
	}

	return FormatUnknown
}

// Extract decompresses and unpacks a tarball read from r into dest.
// Entries that would land outside dest are rejected. Cancelling ctx stops
// extraction between reads; dest is left for the caller to discard.
func Extract(ctx context.Context, r io.Reader, dest string) error {
	br := bufio.NewReaderSize(&ctxReader{ctx: ctx, r: r}, 64*1024)

	header, err := br.Peek(ustarOffset + len(magicUstar))
	if err != nil && !errors.Is(err, io.EOF) {
		return classifyReadErr(ctx, fmt.Errorf("failed to read archive header: %w", err))
	}

	format := DetectFormat(header)

	var stream io.Reader
	switch format {
	case FormatGzip:
		gz, err := pgzip.NewReader(br)
		if err != nil {
			return codes.Errorf(codes.KindExtraction, "install", "failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		stream = gz
	case FormatBzip2:
		stream = bzip2.NewReader(br)
	case FormatXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return codes.Errorf(codes.KindExtraction, "install", "failed to create xz reader: %w", err)
		}
		stream = xr
	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return codes.Errorf(codes.KindExtraction, "install", "failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		stream = zr
	case FormatTar:
		stream = br
	default:
		return codes.Errorf(codes.KindExtraction, "install", "unsupported archive format")
	}

	return untar(ctx, stream, dest)
}

func untar(ctx context.Context, r io.Reader, dest string) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return codes.New(codes.KindIO, "install", err)
	}

	tr := tar.NewReader(r)
	entries := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return classifyReadErr(ctx, fmt.Errorf("error reading tar header: %w", err))
		}

		// PAX headers are folded into the following entry by archive/tar;
		// anything left over carries no file content.
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return err
		}
		if target == dest {
			continue
		}

		if err := checkParents(dest, target, hdr.Name); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return codes.Errorf(codes.KindIO, "install", "failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return codes.Errorf(codes.KindIO, "install", "failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
				// Replace the link rather than write through it
				if err := os.Remove(target); err != nil {
					return codes.Errorf(codes.KindIO, "install", "failed to replace symlink %s: %w", target, err)
				}
			}
			if err := writeFile(ctx, target, tr, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLink(dest, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return codes.Errorf(codes.KindIO, "install", "failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			if _, err := entryPath(dest, hdr.Linkname); err != nil {
				return err
			}
			source, err := resolveInside(dest, dest, hdr.Linkname, 0)
			if err != nil {
				return codes.Errorf(codes.KindExtraction, "install", "illegal hard link in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := os.Link(source, target); err != nil {
				return codes.Errorf(codes.KindIO, "install", "failed to create hard link %s: %w", target, err)
			}
		default:
			// Device nodes, fifos and the like have no place in a toolchain
			continue
		}

		entries++
	}

	if entries == 0 {
		return codes.Errorf(codes.KindExtraction, "install", "archive contains no files")
	}

	// A link checked while its target did not exist yet can be redirected by
	// a later entry, so every link is checked again against the final tree
	return checkLinks(dest)
}

func writeFile(ctx context.Context, target string, r io.Reader, hdr *tar.Header) error {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return codes.Errorf(codes.KindIO, "install", "failed to create file %s: %w", target, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return classifyReadErr(ctx, fmt.Errorf("failed to write file %s: %w", target, err))
	}

	if err := f.Close(); err != nil {
		return codes.Errorf(codes.KindIO, "install", "failed to close file %s: %w", target, err)
	}

	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}

	return nil
}

// entryPath resolves an archive member name inside dest, rejecting traversal
func entryPath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", codes.Errorf(codes.KindExtraction, "install", "illegal absolute path in archive: %s", name)
	}

	target := filepath.Join(dest, clean)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", codes.Errorf(codes.KindExtraction, "install", "illegal file path in archive: %s", name)
	}

	return target, nil
}

// maxLinkDepth bounds the symlink chains resolveInside follows
const maxLinkDepth = 40

var errOutside = errors.New("path leaves the extraction directory")

// checkParents rejects an entry whose parent directories include a symlink,
// so nothing is ever written through a link
func checkParents(dest, target, name string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(target))
	if err != nil || rel == "." {
		return nil
	}

	cur := dest
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)

		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return codes.Errorf(codes.KindIO, "install", "failed to inspect %s: %w", cur, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return codes.Errorf(codes.KindExtraction, "install", "illegal path through symlink in archive: %s", name)
		}
	}

	return nil
}

// checkLink rejects symlinks whose target resolves outside dest
func checkLink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return codes.Errorf(codes.KindExtraction, "install", "illegal absolute symlink in archive: %s -> %s", target, linkname)
	}

	if _, err := resolveInside(dest, filepath.Dir(target), linkname, 0); err != nil {
		return codes.Errorf(codes.KindExtraction, "install", "illegal symlink in archive: %s -> %s", target, linkname)
	}

	return nil
}

// checkLinks re-checks every symlink under dest
func checkLinks(dest string) error {
	return filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return codes.Errorf(codes.KindIO, "install", "failed to walk %s: %w", path, err)
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		link, err := os.Readlink(path)
		if err != nil {
			return codes.Errorf(codes.KindIO, "install", "failed to read symlink %s: %w", path, err)
		}

		return checkLink(dest, path, link)
	})
}

// resolveInside follows linkname from dir one component at a time, through
// any symlinks already on disk, and fails as soon as a step leaves dest.
// Components that do not exist yet are taken literally.
func resolveInside(dest, dir, linkname string, depth int) (string, error) {
	if depth > maxLinkDepth {
		return "", errOutside
	}

	linkname = filepath.FromSlash(linkname)
	if filepath.IsAbs(linkname) || filepath.VolumeName(linkname) != "" {
		return "", errOutside
	}

	cur := dir
	for _, part := range strings.Split(linkname, string(os.PathSeparator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur == dest {
				return "", errOutside
			}
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, part)

		if info, err := os.Lstat(next); err == nil && info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(next)
			if err != nil {
				return "", err
			}

			if next, err = resolveInside(dest, cur, link, depth+1); err != nil {
				return "", err
			}
		}

		cur = next
	}

	return cur, nil
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o755
	}

	// Keep directories traversable so extraction can continue below them
	return mode | 0o700
}

// classifyReadErr maps a failed archive read onto an interruption, a disk
// problem or a corrupt archive
func classifyReadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return codes.New(codes.KindInterrupted, "install", fmt.Errorf("extraction cancelled: %w", ctx.Err()))
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return codes.New(codes.KindIO, "install", err)
	}

	return codes.New(codes.KindExtraction, "install", err)
}

// ctxReader fails reads once its context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
