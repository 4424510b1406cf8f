package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/sbfbuild/internal/testutil"
)

// fakeCargo answers `cargo metadata` from a file and fakes `cargo build` by
// writing <lib>.so, plus the RUSTC it was given, into the release directory.
// A crate called "broken" fails.
const fakeCargo = `#!/bin/sh
if [ "$1" = "metadata" ]; then
	cat "%s"
	exit 0
fi
prev=""
for a in "$@"; do
	if [ "$prev" = "--manifest-path" ]; then manifest="$a"; fi
	prev="$a"
done
name=$(basename "$(dirname "$manifest")")
echo "   Compiling $name"
if [ "$name" = "broken" ]; then
	echo "error: could not compile $name" >&2
	exit 101
fi
out="%s/sbpf-solana-solana/release"
mkdir -p "$out"
echo "$name" > "$out/$name.so"
echo "$RUSTC" > "$out/$name.rustc"
`

// fixture is a workspace of program crates, a release server and an empty cache
type fixture struct {
	ws     string
	target string
	cache  string
	hits   *atomic.Int32
}

// servedVersions are the toolchain versions the release server knows
var servedVersions = []string{"v1.41", "v1.43"}

// newFixture builds a workspace pinned to pin. A crate written as "name@1.41"
// carries its own tools-version in package.metadata.
func newFixture(t *testing.T, pin string, crates ...string) fixture {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake cargo is a shell script")
	}

	root := t.TempDir()
	f := fixture{
		ws:    filepath.Join(root, "ws"),
		cache: filepath.Join(root, "cache"),
		hits:  &atomic.Int32{},
	}
	f.target = filepath.Join(f.ws, "target")

	require.NoError(t, os.MkdirAll(f.ws, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.ws, "Cargo.toml"), []byte("[workspace]\n"), 0o644))

	var packages []map[string]any
	var members []string
	for _, crate := range crates {
		name, cratePin, _ := strings.Cut(crate, "@")

		var crateMeta any
		if cratePin != "" {
			crateMeta = map[string]any{"solana": map[string]any{"tools-version": cratePin}}
		}

		dir := filepath.Join(f.ws, "programs", name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\n"), 0o644))

		id := "path+file://" + dir + "#0.1.0"
		members = append(members, id)
		packages = append(packages, map[string]any{
			"id":            id,
			"name":          name,
			"version":       "0.1.0",
			"manifest_path": filepath.Join(dir, "Cargo.toml"),
			"targets": []map[string]any{
				{"name": name, "kind": []string{"cdylib", "lib"}, "crate_types": []string{"cdylib", "lib"}},
			},
			"metadata": crateMeta,
		})
	}

	var wsMeta any
	if pin != "" {
		wsMeta = map[string]any{"solana": map[string]any{"tools-version": pin}}
	}

	data, err := json.Marshal(map[string]any{
		"packages":          packages,
		"workspace_members": members,
		"workspace_root":    f.ws,
		"target_directory":  f.target,
		"metadata":          wsMeta,
	})
	require.NoError(t, err)

	metadata := filepath.Join(root, "metadata.json")
	require.NoError(t, os.WriteFile(metadata, data, 0o644))

	cargo := filepath.Join(root, "cargo")
	require.NoError(t, os.WriteFile(cargo, []byte(fmt.Sprintf(fakeCargo, metadata, f.target)), 0o755))

	archive := testutil.Toolchain(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		for _, v := range servedVersions {
			if strings.Contains(r.URL.Path, "/"+v+"/") {
				_, _ = w.Write(archive)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	t.Setenv("CARGO", cargo)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("HOME", root)
	t.Setenv("SBF_CACHE_DIR", f.cache)
	t.Setenv("SBF_TOOLS_URL", server.URL+"/{version}/platform-tools-{platform}.tar.bz2")
	t.Setenv("SBF_TOOLS_VERSION", "")
	t.Setenv("RUSTFLAGS", "")

	return f
}

func (f fixture) manifest() string {
	return filepath.Join(f.ws, "Cargo.toml")
}

func (f fixture) deployed(name string) string {
	return filepath.Join(f.target, "deploy", name+".so")
}

// rustc is the RUSTC the fake cargo saw when building name
func (f fixture) rustc(t *testing.T, name string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(f.target, "sbpf-solana-solana", "release", name+".rustc"))
	require.NoError(t, err)

	return strings.TrimSpace(string(data))
}

// run executes the CLI and returns its exit code, stdout and stderr
func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)

	code := execute(context.Background(), rootCmd, args, &stderr)
	return code, stdout.String(), stderr.String()
}
