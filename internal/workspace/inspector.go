// Package workspace reads a Cargo workspace through `cargo metadata` and
// picks out the on-chain program crates to build.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// Crate is one program crate and the settings it declares for itself
type Crate struct {
	Name         string
	Version      string
	ManifestPath string
	// LibName is the library target name, which names the built .so
	LibName   string
	TargetDir string
	// Features are enabled for this crate in addition to the invocation's
	Features []string
	// ToolsVersion is the crate's own toolchain pin, empty if none
	ToolsVersion string
}

// Dir is the directory holding the crate's manifest
func (c Crate) Dir() string {
	return filepath.Dir(c.ManifestPath)
}

// ArtifactName is the file cargo writes for the crate's SBF shared object
func (c Crate) ArtifactName() string {
	return strings.ReplaceAll(c.LibName, "-", "_") + ".so"
}

// Workspace is what one `cargo metadata` run says about the workspace
type Workspace struct {
	Root      string
	TargetDir string
	// ToolsVersion is workspace.metadata.solana.tools-version
	ToolsVersion string
	// Crates are the program crates, ordered by manifest path
	Crates []Crate
	// Current is the member whose manifest was named, unless it is the
	// package at the workspace root
	Current string
}

// Runner runs a command in dir and returns its standard output
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Inspector queries cargo for workspace metadata
type Inspector struct {
	// Cargo is the cargo executable; "cargo" when empty
	Cargo string
	Log   *zap.Logger

	run Runner
}

// NewInspector creates an inspector that runs the given cargo binary
func NewInspector(cargo string, log *zap.Logger) *Inspector {
	return &Inspector{
		Cargo: cargo,
		Log:   log,
		run:   execRunner,
	}
}

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}

		return nil, err
	}

	return out, nil
}

// Inspect runs `cargo metadata` for the workspace containing manifestPath,
// or the one around the working directory when manifestPath is empty
func (i *Inspector) Inspect(ctx context.Context, manifestPath string) (*Workspace, error) {
	args := []string{"metadata", "--format-version", "1", "--no-deps"}

	if manifestPath != "" {
		abs, err := filepath.Abs(manifestPath)
		if err != nil {
			return nil, codes.Errorf(codes.KindConfig, "metadata", "invalid manifest path %q: %w", manifestPath, err)
		}
		manifestPath = abs
		args = append(args, "--manifest-path", manifestPath)
	}

	cargo := i.Cargo
	if cargo == "" {
		cargo = "cargo"
	}

	i.logger().Debug("inspecting workspace", zap.String("cargo", cargo), zap.Strings("args", args))

	run := i.run
	if run == nil {
		run = execRunner
	}

	out, err := run(ctx, "", cargo, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, codes.New(codes.KindInterrupted, "metadata", ctx.Err())
		}

		return nil, codes.Errorf(codes.KindMetadata, "metadata", "cargo metadata failed: %w", err)
	}

	return parse(out, manifestPath)
}

// parse decodes cargo metadata output into a Workspace
func parse(data []byte, manifestPath string) (*Workspace, error) {
	var md metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, codes.Errorf(codes.KindMetadata, "metadata", "failed to decode cargo metadata: %w", err)
	}

	wsSettings, err := parseSolana(md.Metadata)
	if err != nil {
		return nil, codes.Errorf(codes.KindMetadata, "metadata", "workspace.metadata.%w", err)
	}

	ws := &Workspace{
		Root:         md.WorkspaceRoot,
		TargetDir:    md.TargetDirectory,
		ToolsVersion: wsSettings.ToolsVersion,
	}

	members := make(map[string]bool, len(md.WorkspaceMembers))
	for _, id := range md.WorkspaceMembers {
		members[id] = true
	}

	for _, pkg := range md.Packages {
		if len(members) > 0 && !members[pkg.ID] {
			continue
		}

		if manifestPath != "" && filepath.Clean(pkg.ManifestPath) == filepath.Clean(manifestPath) &&
			filepath.Dir(filepath.Clean(pkg.ManifestPath)) != filepath.Clean(md.WorkspaceRoot) {
			ws.Current = pkg.Name
		}

		settings, err := parseSolana(pkg.Metadata)
		if err != nil {
			return nil, codes.Errorf(codes.KindMetadata, "metadata", "package %s: package.metadata.%w", pkg.Name, err)
		}

		lib, hasLib := pkg.libTarget()

		isProgram := hasLib && lib.hasCrateType("cdylib")
		if settings.Program != nil {
			isProgram = *settings.Program
		}
		if !isProgram {
			continue
		}
		if !hasLib {
			return nil, codes.Errorf(codes.KindMetadata, "metadata", "package %s is marked as a program but has no library target", pkg.Name)
		}

		ws.Crates = append(ws.Crates, Crate{
			Name:         pkg.Name,
			Version:      pkg.Version,
			ManifestPath: pkg.ManifestPath,
			LibName:      lib.Name,
			TargetDir:    md.TargetDirectory,
			Features:     settings.Features,
			ToolsVersion: settings.ToolsVersion,
		})
	}

	sort.Slice(ws.Crates, func(a, b int) bool {
		return ws.Crates[a].ManifestPath < ws.Crates[b].ManifestPath
	})

	return ws, nil
}

// Select narrows the program crates to the named packages. With no names,
// a manifest pointing at a single member selects that member; otherwise
// every program crate is selected. Naming a package that is not a program
// crate of this workspace is a config error.
func (w *Workspace) Select(packages []string) ([]Crate, error) {
	if len(packages) == 0 {
		if w.Current == "" {
			return append([]Crate(nil), w.Crates...), nil
		}

		packages = []string{w.Current}
	}

	want := make(map[string]bool, len(packages))
	for _, p := range packages {
		if _, ok := w.crate(p); !ok {
			return nil, codes.Errorf(codes.KindConfig, "metadata", "package %q is not a program crate in this workspace", p)
		}
		want[p] = true
	}

	var selected []Crate
	for _, c := range w.Crates {
		if want[c.Name] {
			selected = append(selected, c)
		}
	}

	return selected, nil
}

func (w *Workspace) crate(name string) (Crate, bool) {
	for _, c := range w.Crates {
		if c.Name == name {
			return c, true
		}
	}

	return Crate{}, false
}

func (i *Inspector) logger() *zap.Logger {
	if i.Log == nil {
		return zap.NewNop()
	}

	return i.Log
}
