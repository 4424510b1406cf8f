package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// staleDownloadAge is how old an abandoned download must be before prune removes it
const staleDownloadAge = 24 * time.Hour

// Info describes an installed entry for listing and pruning
type Info struct {
	Entry
	Size        int64
	InstalledAt time.Time
	LastUsed    time.Time
}

// Selector picks, from every installed entry, the ones to remove
type Selector func(entries []Info) []Info

// PruneReport lists what a prune removed and what it left because it was in use
type PruneReport struct {
	Removed []Info
	Skipped []Info
	// Stale counts leftover staging, trash and download files removed
	Stale int
}

// Freed returns the number of bytes removed
func (r PruneReport) Freed() int64 {
	var total int64
	for _, info := range r.Removed {
		total += info.Size
	}

	return total
}

// List returns every valid entry, newest version first
func (s *Store) List() ([]Info, error) {
	versions, err := os.ReadDir(s.root)
	if err != nil {
		return nil, codes.Errorf(codes.KindIO, "cache", "failed to read cache directory: %w", err)
	}

	records, err := s.index.All()
	if err != nil {
		s.log.Warn("failed to read cache index", zap.Error(err))
		records = map[string]Record{}
	}

	var infos []Info
	for _, v := range versions {
		if !v.IsDir() || strings.HasPrefix(v.Name(), ".") {
			continue
		}

		platforms, err := os.ReadDir(filepath.Join(s.root, v.Name()))
		if err != nil {
			return nil, codes.Errorf(codes.KindIO, "cache", "failed to read %s: %w", v.Name(), err)
		}

		for _, p := range platforms {
			if !p.IsDir() || strings.HasPrefix(p.Name(), ".") {
				continue
			}

			entry, ok := s.Lookup(v.Name(), p.Name())
			if !ok {
				continue
			}

			info := Info{Entry: entry, InstalledAt: entry.Marker.InstalledAt, LastUsed: entry.Marker.InstalledAt}
			if rec, ok := records[string(recordKey(entry.Version, entry.Platform))]; ok {
				info.Size = rec.Size
				if !rec.LastUsed.IsZero() {
					info.LastUsed = rec.LastUsed
				}
			}

			if info.Size == 0 {
				if size, err := DirSize(entry.Path); err == nil {
					info.Size = size
				}
			}

			infos = append(infos, info)
		}
	}

	sortNewestFirst(infos)
	return infos, nil
}

// Prune removes the entries sel picks. Entries another process holds a lock
// on are skipped. Each removed entry is renamed into the trash before it is
// deleted so no reader ever sees a half-deleted toolchain at its install path.
// Leftovers from interrupted installs, prunes and downloads are removed too.
func (s *Store) Prune(ctx context.Context, sel Selector) (PruneReport, error) {
	var report PruneReport

	infos, err := s.List()
	if err != nil {
		return report, err
	}

	report.Stale = s.removeStale()

	for _, info := range sel(infos) {
		if err := ctx.Err(); err != nil {
			return report, codes.New(codes.KindInterrupted, "prune", err)
		}

		lock, err := s.TryLock(info.Version, info.Platform)
		if err != nil {
			return report, err
		}
		if lock == nil {
			s.log.Info("skipping toolchain in use",
				zap.String("version", info.Version),
				zap.String("platform", info.Platform))
			report.Skipped = append(report.Skipped, info)
			continue
		}

		err = s.discard(info.Path)
		_ = lock.Unlock()
		if err != nil {
			return report, err
		}

		if err := s.index.Delete(info.Version, info.Platform); err != nil {
			s.log.Warn("failed to update cache index", zap.Error(err))
		}

		report.Removed = append(report.Removed, info)
	}

	report.Stale += s.removeEmptyVersions()

	return report, nil
}

// removeEmptyVersions deletes version directories holding nothing but free
// lock files. Every lock is held while the directory is emptied.
func (s *Store) removeEmptyVersions() int {
	removed := 0

	top, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}

	for _, d := range top {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}

		if s.removeIfOnlyLocks(d.Name()) {
			removed++
		}
	}

	return removed
}

func (s *Store) removeIfOnlyLocks(version string) bool {
	dir := filepath.Join(s.root, version)

	children, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	var platforms []string
	for _, c := range children {
		platform, ok := lockPlatform(c.Name())
		if c.IsDir() || !ok {
			return false
		}
		platforms = append(platforms, platform)
	}

	var locks []*FileLock
	defer func() {
		for _, l := range locks {
			_ = l.Unlock()
		}
	}()

	for _, platform := range platforms {
		lock, err := s.TryLock(version, platform)
		if err != nil || lock == nil {
			return false
		}
		locks = append(locks, lock)
	}

	for _, platform := range platforms {
		if err := os.Remove(s.LockPath(version, platform)); err != nil {
			return false
		}
	}

	// Fails if an install created something since the directory was read
	return os.Remove(dir) == nil
}

// lockPlatform recovers the platform from ".<platform>.lock"
func lockPlatform(name string) (string, bool) {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, lockSuffix) {
		return "", false
	}

	platform := strings.TrimSuffix(strings.TrimPrefix(name, "."), lockSuffix)
	return platform, platform != ""
}

// removeStale deletes trash, orphaned staging directories and abandoned downloads.
// Staging directories are only removed when their version lock is free.
func (s *Store) removeStale() int {
	removed := 0

	top, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}

	for _, d := range top {
		name := d.Name()
		path := filepath.Join(s.root, name)

		switch {
		case strings.HasPrefix(name, trashPrefix):
			if os.RemoveAll(path) == nil {
				removed++
			}
		case name == downloadsDir:
			removed += removeOlderThan(path, staleDownloadAge)
		case d.IsDir() && !strings.HasPrefix(name, "."):
			removed += s.removeStaging(name)
		}
	}

	return removed
}

func (s *Store) removeStaging(version string) int {
	removed := 0

	children, err := os.ReadDir(filepath.Join(s.root, version))
	if err != nil {
		return 0
	}

	for _, c := range children {
		if !c.IsDir() || !strings.HasPrefix(c.Name(), tmpPrefix) {
			continue
		}

		platform := stagingPlatform(c.Name())
		if platform == "" {
			continue
		}

		lock, err := s.TryLock(version, platform)
		if err != nil || lock == nil {
			continue
		}

		if os.RemoveAll(filepath.Join(s.root, version, c.Name())) == nil {
			removed++
		}
		_ = lock.Unlock()
	}

	return removed
}

// stagingPlatform recovers the platform from ".tmp-<platform>-<random>"
func stagingPlatform(name string) string {
	rest := strings.TrimPrefix(name, tmpPrefix)

	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return ""
	}

	return rest[:i]
}

func removeOlderThan(dir string, age time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-age)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if os.RemoveAll(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}

	return removed
}

// KeepNewest keeps the n newest versions per platform and selects the rest
func KeepNewest(n int) Selector {
	return func(entries []Info) []Info {
		sorted := append([]Info(nil), entries...)
		sortNewestFirst(sorted)

		seen := make(map[string]int)
		var out []Info
		for _, e := range sorted {
			seen[e.Platform]++
			if seen[e.Platform] > n {
				out = append(out, e)
			}
		}

		return out
	}
}

// UnusedSince selects entries not used since cutoff
func UnusedSince(cutoff time.Time) Selector {
	return func(entries []Info) []Info {
		var out []Info
		for _, e := range entries {
			if e.LastUsed.Before(cutoff) {
				out = append(out, e)
			}
		}

		return out
	}
}

// OverBudget keeps the most recently used entries that fit in max bytes and selects the rest
func OverBudget(max int64) Selector {
	return func(entries []Info) []Info {
		sorted := append([]Info(nil), entries...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].LastUsed.After(sorted[j].LastUsed)
		})

		var total int64
		var out []Info
		for _, e := range sorted {
			total += e.Size
			if total > max {
				out = append(out, e)
			}
		}

		return out
	}
}

// Versions selects the named versions on every platform
func Versions(versions ...string) Selector {
	want := make(map[string]bool, len(versions))
	for _, v := range versions {
		want[v] = true
	}

	return func(entries []Info) []Info {
		var out []Info
		for _, e := range entries {
			if want[e.Version] {
				out = append(out, e)
			}
		}

		return out
	}
}

// Any selects the union of what every selector picks
func Any(selectors ...Selector) Selector {
	return func(entries []Info) []Info {
		picked := make(map[string]bool)
		var out []Info

		for _, sel := range selectors {
			for _, e := range sel(entries) {
				key := string(recordKey(e.Version, e.Platform))
				if picked[key] {
					continue
				}

				picked[key] = true
				out = append(out, e)
			}
		}

		return out
	}
}

// Except wraps sel so the named versions are never selected
func Except(sel Selector, versions ...string) Selector {
	keep := make(map[string]bool, len(versions))
	for _, v := range versions {
		keep[v] = true
	}

	return func(entries []Info) []Info {
		var out []Info
		for _, e := range sel(entries) {
			if !keep[e.Version] {
				out = append(out, e)
			}
		}

		return out
	}
}

// sortNewestFirst orders entries by version descending, then by platform.
// Versions that are not valid semver sort last, by name.
func sortNewestFirst(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		vi, erri := semver.NewVersion(infos[i].Version)
		vj, errj := semver.NewVersion(infos[j].Version)

		switch {
		case erri == nil && errj == nil && !vi.Equal(vj):
			return vi.GreaterThan(vj)
		case erri == nil && errj != nil:
			return true
		case erri != nil && errj == nil:
			return false
		case erri != nil && errj != nil && infos[i].Version != infos[j].Version:
			return infos[i].Version > infos[j].Version
		}

		return infos[i].Platform < infos[j].Platform
	})
}
