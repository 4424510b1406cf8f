// Package compiler runs `cargo build` for each program crate against a
// platform-tools toolchain and collects the resulting shared objects.
package compiler

import (
	"path/filepath"
	"strings"

	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
	"github.com/Norgate-AV/sbfbuild/internal/workspace"
)

// BuildConfig is everything one crate build needs. It is immutable for the
// duration of a run.
type BuildConfig struct {
	// Toolchain locates the installed platform-tools
	Toolchain toolchain.Layout
	// ToolsVersion is the version Toolchain was installed for
	ToolsVersion string
	TargetTriple string
	// RustFlags are appended after the linker and sysroot flags
	RustFlags         []string
	Features          []string
	NoDefaultFeatures bool
	Debug             bool
	// CargoArgs are forwarded to cargo verbatim
	CargoArgs []string
	// OutDir receives the built .so files; <target-dir>/deploy when empty
	OutDir string
}

// Profile is the cargo profile directory name
func (c BuildConfig) Profile() string {
	if c.Debug {
		return "debug"
	}

	return "release"
}

// LinkerPath is the linker cargo is told to use
func (c BuildConfig) LinkerPath() string {
	return c.Toolchain.Linker()
}

// SysrootPath is the rust sysroot for the SBF target
func (c BuildConfig) SysrootPath() string {
	return c.Toolchain.Sysroot()
}

// ArtifactPath is where cargo writes the crate's shared object
func (c BuildConfig) ArtifactPath(crate workspace.Crate) string {
	return filepath.Join(crate.TargetDir, c.TargetTriple, c.Profile(), crate.ArtifactName())
}

// DeployPath is where the shared object is copied once the build succeeds
func (c BuildConfig) DeployPath(crate workspace.Crate) string {
	dir := c.OutDir
	if dir == "" {
		dir = filepath.Join(crate.TargetDir, "deploy")
	}

	return filepath.Join(dir, crate.ArtifactName())
}

// FeaturesFor merges the invocation's features with the crate's own, keeping
// the first occurrence of each
func (c BuildConfig) FeaturesFor(crate workspace.Crate) []string {
	seen := make(map[string]bool)
	var out []string

	for _, list := range [][]string{c.Features, crate.Features} {
		for _, f := range list {
			for _, part := range strings.FieldsFunc(f, func(r rune) bool { return r == ',' || r == ' ' }) {
				if !seen[part] {
					seen[part] = true
					out = append(out, part)
				}
			}
		}
	}

	return out
}

// ShellCommand is a fully assembled cargo invocation
type ShellCommand struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (s ShellCommand) String() string {
	return s.Path + " " + strings.Join(s.Args, " ")
}

// Job is one crate and the configuration it builds with
type Job struct {
	Crate  workspace.Crate
	Config BuildConfig
}
