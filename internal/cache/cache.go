// Package cache provides the on-disk toolchain store.
//
// Installed toolchains live under a single cache root:
//
//	<root>/<version>/<platform>/                  installed toolchain
//	<root>/<version>/<platform>/.sbfbuild-installed.toml  install-complete marker
//	<root>/<version>/.<platform>.lock             per-version advisory lock
//	<root>/<version>/.tmp-<platform>-*            in-flight extraction
//	<root>/.trash-*                               entries being pruned
//	<root>/.downloads/                            archives being fetched
//	<root>/index.db                               usage index (BoltDB)
//
// An entry is valid only when its marker is present and names the same version
// and platform. Extraction happens in a temporary directory next to the final
// path and the marker is written last, so the rename into place is the single
// operation that makes a toolchain visible to other processes.
//
// The usage index is advisory: it records install time, last use and size for
// prune policies. It never decides whether an entry is valid.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	toolversion "github.com/Norgate-AV/sbfbuild/internal/version"
)

const (
	// DefaultCacheDir is the directory name under the user cache dir
	DefaultCacheDir = "sbfbuild"

	// MarkerFile is the install-complete marker written after extraction
	MarkerFile = ".sbfbuild-installed.toml"

	downloadsDir = ".downloads"
	tmpPrefix    = ".tmp-"
	trashPrefix  = ".trash-"
)

// Entry is an installed, verified toolchain
type Entry struct {
	Version  string
	Platform string
	// Path is the toolchain root directory
	Path string
	// Marker is the decoded install-complete marker
	Marker Marker
}

// MarkerPath returns the location of the entry's install-complete marker
func (e Entry) MarkerPath() string {
	return filepath.Join(e.Path, MarkerFile)
}

// Marker is the content of the install-complete marker file
type Marker struct {
	Version     string    `toml:"version"`
	Platform    string    `toml:"platform"`
	InstalledAt time.Time `toml:"installed_at"`
	InstalledBy string    `toml:"installed_by"`
}

// Store manages installed toolchains under a cache root
type Store struct {
	root  string
	index *Index
	log   *zap.Logger
}

// DefaultRoot returns the default cache root inside the user cache directory
func DefaultRoot() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}

	return filepath.Join(dir, DefaultCacheDir, "platform-tools"), nil
}

// New creates a store rooted at root, creating the directory if needed.
// If root is empty, DefaultRoot is used.
func New(root string, log *zap.Logger) (*Store, error) {
	if root == "" {
		var err error
		root, err = DefaultRoot()
		if err != nil {
			return nil, codes.New(codes.KindIO, "cache", err)
		}
	}

	if log == nil {
		log = zap.NewNop()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, codes.Errorf(codes.KindConfig, "cache", "invalid cache directory %q: %w", root, err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, codes.Errorf(codes.KindIO, "cache", "failed to create cache directory: %w", err)
	}

	return &Store{
		root:  abs,
		index: NewIndex(filepath.Join(abs, "index.db")),
		log:   log,
	}, nil
}

// Root returns the absolute cache root
func (s *Store) Root() string {
	return s.root
}

// Index returns the store's usage index
func (s *Store) Index() *Index {
	return s.index
}

// DownloadDir returns the staging directory for archives being fetched
func (s *Store) DownloadDir() string {
	return filepath.Join(s.root, downloadsDir)
}

// Path returns the deterministic install path for a version and platform
func (s *Store) Path(version, platform string) string {
	return filepath.Join(s.root, version, platform)
}

// Has reports whether a valid entry exists for version and platform
func (s *Store) Has(version, platform string) bool {
	_, ok := s.Lookup(version, platform)
	return ok
}

// Lookup returns the entry for version and platform if its marker is present and matches
func (s *Store) Lookup(version, platform string) (Entry, bool) {
	if validateKey(version, platform) != nil {
		return Entry{}, false
	}

	path := s.Path(version, platform)

	marker, err := readMarker(path)
	if err != nil {
		return Entry{}, false
	}

	if marker.Version != version || marker.Platform != platform {
		s.log.Warn("ignoring cache entry with mismatched marker",
			zap.String("path", path),
			zap.String("marker_version", marker.Version),
			zap.String("marker_platform", marker.Platform))
		return Entry{}, false
	}

	return Entry{Version: version, Platform: platform, Path: path, Marker: marker}, true
}

// Install extracts the archive read from r and makes it visible at the
// deterministic path. Callers serialise installs of the same version with Lock.
// If a valid entry already exists, r is not read and the existing entry is returned.
func (s *Store) Install(ctx context.Context, version, platform string, r io.Reader) (Entry, error) {
	if err := validateKey(version, platform); err != nil {
		return Entry{}, err
	}

	if entry, ok := s.Lookup(version, platform); ok {
		s.log.Debug("toolchain already installed", zap.String("path", entry.Path))
		return entry, nil
	}

	final := s.Path(version, platform)
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Entry{}, codes.Errorf(codes.KindIO, "install", "failed to create %s: %w", parent, err)
	}

	tmp, err := os.MkdirTemp(parent, tmpPrefix+platform+"-")
	if err != nil {
		return Entry{}, codes.Errorf(codes.KindIO, "install", "failed to create staging directory: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	s.log.Debug("extracting toolchain", zap.String("staging", tmp))

	if err := Extract(ctx, r, tmp); err != nil {
		return Entry{}, err
	}

	marker := Marker{
		Version:     version,
		Platform:    platform,
		InstalledAt: time.Now().UTC(),
		InstalledBy: "sbfbuild " + toolversion.Version,
	}
	if err := writeMarker(tmp, marker); err != nil {
		return Entry{}, err
	}

	// A directory at the final path without a valid marker is a leftover from
	// an older, interrupted tool; move it out of the way.
	if _, err := os.Lstat(final); err == nil {
		if err := s.discard(final); err != nil {
			return Entry{}, err
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		return Entry{}, codes.Errorf(codes.KindIO, "install", "failed to move toolchain into place: %w", err)
	}
	committed = true

	size, err := DirSize(final)
	if err != nil {
		s.log.Warn("failed to measure toolchain size", zap.Error(err))
	}

	entry := Entry{Version: version, Platform: platform, Path: final, Marker: marker}
	if err := s.index.RecordInstall(entry, size); err != nil {
		s.log.Warn("failed to update cache index", zap.Error(err))
	}

	return entry, nil
}

// Touch records that an entry was used by a build
func (s *Store) Touch(entry Entry) {
	if err := s.index.Touch(entry.Version, entry.Platform, time.Now().UTC()); err != nil {
		s.log.Warn("failed to update cache index", zap.Error(err))
	}
}

// discard renames path into the trash and deletes it
func (s *Store) discard(path string) error {
	trash, err := os.MkdirTemp(s.root, trashPrefix)
	if err != nil {
		return codes.Errorf(codes.KindIO, "prune", "failed to create trash directory: %w", err)
	}

	target := filepath.Join(trash, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		_ = os.Remove(trash)
		return codes.Errorf(codes.KindIO, "prune", "failed to move %s to trash: %w", path, err)
	}

	if err := os.RemoveAll(trash); err != nil {
		// Left for the next prune
		s.log.Warn("failed to empty trash", zap.String("path", trash), zap.Error(err))
	}

	return nil
}

func readMarker(dir string) (Marker, error) {
	var m Marker

	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return m, err
	}

	if err := toml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to decode marker: %w", err)
	}

	return m, nil
}

func writeMarker(dir string, m Marker) error {
	f, err := os.OpenFile(filepath.Join(dir, MarkerFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return codes.Errorf(codes.KindIO, "install", "failed to create install marker: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return codes.Errorf(codes.KindIO, "install", "failed to write install marker: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return codes.Errorf(codes.KindIO, "install", "failed to sync install marker: %w", err)
	}

	if err := f.Close(); err != nil {
		return codes.Errorf(codes.KindIO, "install", "failed to close install marker: %w", err)
	}

	return nil
}

var errInvalidKey = errors.New("invalid cache key")

// validateKey rejects versions and platforms that would escape the cache root
// or collide with the store's own bookkeeping names
func validateKey(version, platform string) error {
	for _, part := range []string{version, platform} {
		if part == "" || part == "." || part == ".." ||
			strings.HasPrefix(part, ".") ||
			strings.ContainsAny(part, `/\`+string(os.PathListSeparator)) {
			return codes.Errorf(codes.KindConfig, "cache", "%w: %q", errInvalidKey, part)
		}
	}

	return nil
}
