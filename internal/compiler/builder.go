package compiler

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Norgate-AV/sbfbuild/internal/utils"
	"github.com/Norgate-AV/sbfbuild/internal/workspace"
)

// waitDelay is how long cargo gets to exit after cancellation before its
// output pipes are closed
const waitDelay = 5 * time.Second

// Commander interface for testing
type Commander interface {
	Run() error
}

// CommandBuilder assembles and starts cargo build commands
type CommandBuilder struct {
	// Cargo is the cargo executable; "cargo" when empty
	Cargo string
	// Environ is the environment inherited by cargo; os.Environ when nil
	Environ func() []string

	execCommand func(ctx context.Context, sc ShellCommand, out io.Writer) Commander
}

// NewCommandBuilder creates a new command builder
func NewCommandBuilder(cargo string) *CommandBuilder {
	return &CommandBuilder{
		Cargo:       cargo,
		Environ:     os.Environ,
		execCommand: execCargo,
	}
}

func execCargo(ctx context.Context, sc ShellCommand, out io.Writer) Commander {
	cmd := exec.CommandContext(ctx, sc.Path, sc.Args...)
	cmd.Env = sc.Env
	cmd.Dir = sc.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	return cmd
}

// BuildArgs builds the cargo arguments for one crate
func (cb *CommandBuilder) BuildArgs(cfg BuildConfig, crate workspace.Crate) []string {
	args := []string{
		"build",
		"--target", cfg.TargetTriple,
		"--manifest-path", crate.ManifestPath,
	}

	if crate.TargetDir != "" {
		args = append(args, "--target-dir", crate.TargetDir)
	}

	if !cfg.Debug {
		args = append(args, "--release")
	}

	if features := cfg.FeaturesFor(crate); len(features) > 0 {
		args = append(args, "--features", strings.Join(features, ","))
	}

	if cfg.NoDefaultFeatures {
		args = append(args, "--no-default-features")
	}

	return append(args, cfg.CargoArgs...)
}

// Env builds cargo's environment from base. Variables pointing cargo at the
// toolchain replace any inherited values. Rust flags are passed through
// CARGO_ENCODED_RUSTFLAGS so paths containing spaces survive; inherited
// RUSTFLAGS and target flags are folded in after ours.
func (cb *CommandBuilder) Env(cfg BuildConfig, base []string) []string {
	key := utils.TripleEnvKey(cfg.TargetTriple)
	targetFlags := "CARGO_TARGET_" + key + "_RUSTFLAGS"

	rustflags := []string{"--sysroot", cfg.SysrootPath()}
	rustflags = append(rustflags, cfg.RustFlags...)

	set := map[string]string{
		"CARGO_TARGET_" + key + "_LINKER": cfg.LinkerPath(),
		"RUSTC":                           cfg.Toolchain.Rustc(),
		"CC":                              cfg.Toolchain.Clang(),
		"AR":                              cfg.Toolchain.Ar(),
		"OBJDUMP":                         cfg.Toolchain.Objdump(),
		"OBJCOPY":                         cfg.Toolchain.Objcopy(),
	}

	var inherited []string

	env := make([]string, 0, len(base)+len(set)+1)
	for _, kv := range base {
		name, value, _ := strings.Cut(kv, "=")

		switch name {
		case "RUSTFLAGS", targetFlags:
			inherited = append(inherited, strings.Fields(value)...)
			continue
		case "CARGO_ENCODED_RUSTFLAGS":
			for _, f := range strings.Split(value, "\x1f") {
				if f != "" {
					inherited = append(inherited, f)
				}
			}
			continue
		}

		if _, ok := set[name]; ok {
			continue
		}

		env = append(env, kv)
	}

	rustflags = append(rustflags, inherited...)

	for _, name := range []string{
		"CARGO_TARGET_" + key + "_LINKER",
		"RUSTC", "CC", "AR", "OBJDUMP", "OBJCOPY",
	} {
		env = append(env, name+"="+set[name])
	}

	return append(env, "CARGO_ENCODED_RUSTFLAGS="+strings.Join(rustflags, "\x1f"))
}

// Command assembles the full cargo invocation for one crate
func (cb *CommandBuilder) Command(cfg BuildConfig, crate workspace.Crate) ShellCommand {
	cargo := cb.Cargo
	if cargo == "" {
		cargo = "cargo"
	}

	environ := cb.Environ
	if environ == nil {
		environ = os.Environ
	}

	return ShellCommand{
		Path: cargo,
		Args: cb.BuildArgs(cfg, crate),
		Env:  cb.Env(cfg, environ()),
		Dir:  crate.Dir(),
	}
}

// ExecuteCommand runs sc, sending its combined output to out
func (cb *CommandBuilder) ExecuteCommand(ctx context.Context, sc ShellCommand, out io.Writer) error {
	run := cb.execCommand
	if run == nil {
		run = execCargo
	}

	return run(ctx, sc, out).Run()
}
