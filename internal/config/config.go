package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
	"github.com/Norgate-AV/sbfbuild/internal/utils"
)

// Environment variables read directly
const (
	EnvToolsVersion = "SBF_TOOLS_VERSION"
	EnvCacheDir     = "SBF_CACHE_DIR"
	EnvToolsURL     = "SBF_TOOLS_URL"
)

// Default configuration values
const (
	DefaultArch    = utils.DefaultArch
	DefaultJobs    = 0
	DefaultSilent  = false
	DefaultVerbose = false
)

// CacheConfig is the cache retention policy applied by `toolchain prune`
type CacheConfig struct {
	// Keep is the number of newest versions kept per platform; zero keeps all
	Keep int
	// MaxSize is the cache size budget in bytes; zero means unlimited
	MaxSize int64
	// MaxSizeRaw is MaxSize as written, e.g. "4GB"
	MaxSizeRaw string
}

// Holds the configuration options for sbfbuild
type Config struct {
	// ToolsVersion is the --tools-version flag
	ToolsVersion string
	// EnvToolsVersion is SBF_TOOLS_VERSION
	EnvToolsVersion string
	// DefaultToolsVersion is tools_version from a config file
	DefaultToolsVersion string
	// ToolsChecksum is the expected checksum of the --tools-version archive
	ToolsChecksum string
	// ToolsURL is the archive URL template
	ToolsURL string
	// Checksums maps "<version>[/<platform>]" to an expected checksum
	Checksums map[string]string

	// CacheDir is the toolchain cache root; the user cache dir when empty
	CacheDir string
	Cache    CacheConfig
	Offline  bool

	Features          []string
	NoDefaultFeatures bool
	Debug             bool

	// Arch is the SBPF architecture (v0..v3, sbf)
	Arch string
	// TargetTriple is derived from Arch
	TargetTriple string

	ManifestPath string
	Packages     []string
	OutDir       string
	Jobs         int
	RustFlags    []string
	// CargoArgs are forwarded to cargo verbatim
	CargoArgs []string

	// Suppress everything but errors
	Silent bool

	// Enable verbose output
	Verbose bool
}

// Validate normalises paths and rejects bad input before any work starts
func (c *Config) Validate() error {
	if c.Arch == "" {
		c.Arch = DefaultArch
	}

	c.TargetTriple = utils.ParseArch(c.Arch)
	if c.TargetTriple == "" {
		return codes.Errorf(codes.KindConfig, "config", "invalid arch %q: expected one of v0, v1, v2, v3, sbf", c.Arch)
	}

	if c.Jobs < 0 {
		return codes.Errorf(codes.KindConfig, "config", "invalid jobs %d: must not be negative", c.Jobs)
	}

	if c.Silent && c.Verbose {
		return codes.Errorf(codes.KindConfig, "config", "--verbose and --silent cannot be used together")
	}

	for _, v := range []struct {
		source string
		value  *string
	}{
		{"--tools-version", &c.ToolsVersion},
		{EnvToolsVersion, &c.EnvToolsVersion},
		{"tools_version", &c.DefaultToolsVersion},
	} {
		if *v.value == "" {
			continue
		}

		canonical, err := toolchain.ParseVersion(*v.value)
		if err != nil {
			return codes.Errorf(codes.KindConfig, "config", "%s: %w", v.source, errors.Unwrap(err))
		}
		*v.value = canonical
	}

	if _, err := toolchain.ParseChecksum(c.ToolsChecksum); err != nil {
		return codes.Errorf(codes.KindConfig, "config", "--tools-checksum: %w", errors.Unwrap(err))
	}

	if c.ToolsURL != "" {
		u, err := url.Parse(c.ToolsURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return codes.Errorf(codes.KindConfig, "config", "invalid tools URL %q: expected an http(s) URL", c.ToolsURL)
		}
	}

	if c.ManifestPath != "" {
		abs, err := filepath.Abs(c.ManifestPath)
		if err != nil {
			return codes.Errorf(codes.KindConfig, "config", "invalid manifest path: %w", err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return codes.Errorf(codes.KindConfig, "config", "manifest path %s does not exist", c.ManifestPath)
		}
		if info.IsDir() {
			abs = filepath.Join(abs, "Cargo.toml")
		}

		c.ManifestPath = abs
	}

	for _, p := range []*string{&c.OutDir, &c.CacheDir} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return codes.Errorf(codes.KindConfig, "config", "invalid path %q: %w", *p, err)
		}
		*p = abs
	}

	if c.Cache.Keep < 0 {
		return codes.Errorf(codes.KindConfig, "config", "invalid cache.keep %d: must not be negative", c.Cache.Keep)
	}

	if c.Cache.MaxSizeRaw != "" {
		size, err := ParseSize(c.Cache.MaxSizeRaw)
		if err != nil {
			return err
		}
		c.Cache.MaxSize = size
	}

	return nil
}

// ParseSize parses a human-readable size such as "4GB" or "500MiB"
func ParseSize(s string) (int64, error) {
	size, err := units.FromHumanSize(strings.TrimSpace(s))
	if err != nil || size < 0 {
		return 0, codes.Errorf(codes.KindConfig, "config", "invalid size %q", s)
	}

	return size, nil
}
