// Package toolchain resolves which platform-tools release a build needs and
// makes sure it is installed in the cache before the build starts.
package toolchain

import (
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

const (
	// DefaultVersion is the toolchain used when nothing else pins one
	DefaultVersion = "v1.43"

	// DefaultURLTemplate is where platform-tools releases are published
	DefaultURLTemplate = "https://github.com/anza-xyz/platform-tools/releases/download/{version}/platform-tools-{platform}.tar.bz2"
)

// Source records which precedence level produced a Spec's version
type Source string

const (
	SourceExplicit  Source = "flag"
	SourceEnv       Source = "environment"
	SourceWorkspace Source = "workspace"
	SourceConfig    Source = "config"
	SourceDefault   Source = "default"
	SourceCrate     Source = "crate"
)

// Spec identifies one toolchain archive. It is immutable once resolved.
type Spec struct {
	// Version is the canonical version, e.g. "v1.43"
	Version string
	// Platform is the host platform identifier, e.g. "linux-x86_64"
	Platform string
	// URLTemplate has {version} and {platform} placeholders
	URLTemplate string
	// Checksum is the expected archive digest, zero if unknown
	Checksum Checksum
	// Size is the expected archive size in bytes, zero if unknown
	Size int64
	// Source is the precedence level the version came from
	Source Source
}

// URL expands the template for this spec
func (s Spec) URL() string {
	tmpl := s.URLTemplate
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}

	return strings.NewReplacer("{version}", s.Version, "{platform}", s.Platform).Replace(tmpl)
}

// ArchiveName is the file name of the archive the URL points at
func (s Spec) ArchiveName() string {
	u := s.URL()
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}

	return path.Base(u)
}

func (s Spec) String() string {
	return fmt.Sprintf("%s (%s, from %s)", s.Version, s.Platform, s.Source)
}

// ParseVersion validates a toolchain version and returns its canonical form.
// Both "1.43" and "v1.43" canonicalise to "v1.43"; the number of components is
// preserved because releases are tagged that way upstream. At least a major
// and minor component are required.
func ParseVersion(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	bare := strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")

	if bare == "" {
		return "", codes.Errorf(codes.KindConfig, "resolve", "empty toolchain version")
	}

	core := bare
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}

	parts := strings.Split(core, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return "", codes.Errorf(codes.KindConfig, "resolve", "invalid toolchain version %q: expected MAJOR.MINOR[.PATCH]", raw)
	}

	for _, p := range parts {
		if p == "" || strings.Trim(p, "0123456789") != "" {
			return "", codes.Errorf(codes.KindConfig, "resolve", "invalid toolchain version %q", raw)
		}
	}

	if _, err := semver.NewVersion(bare); err != nil {
		return "", codes.Errorf(codes.KindConfig, "resolve", "invalid toolchain version %q: %w", raw, err)
	}

	return "v" + bare, nil
}

// CompareVersions orders two canonical versions like strings.Compare
func CompareVersions(a, b string) int {
	va, erra := semver.NewVersion(a)
	vb, errb := semver.NewVersion(b)
	if erra != nil || errb != nil {
		return strings.Compare(a, b)
	}

	return va.Compare(vb)
}
