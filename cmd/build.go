package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/cache"
	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/compiler"
	"github.com/Norgate-AV/sbfbuild/internal/config"
	"github.com/Norgate-AV/sbfbuild/internal/logger"
	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
	"github.com/Norgate-AV/sbfbuild/internal/workspace"
)

func newBuildCmd() *cobra.Command {
	buildCmd := &cobra.Command{
		Use:   "build [flags] [-- cargo-args...]",
		Short: "Build Solana programs",
		Long: `Build every program crate in the workspace for the SBF target.

The platform-tools toolchain is resolved from --tools-version, SBF_TOOLS_VERSION,
[workspace.metadata.solana] tools-version, the config file and the built-in
default, in that order, and downloaded into the cache on first use.

Arguments after -- are passed to cargo unchanged.`,
		RunE:         runBuild,
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
	}

	config.RegisterBuildFlags(buildCmd.Flags())

	return buildCmd
}

// splitArgs separates positional arguments from the tail after "--"
func splitArgs(cmd *cobra.Command, args []string) (positional, passthrough []string) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return args, nil
	}

	return args[:dash], args[dash:]
}

func runBuild(cmd *cobra.Command, args []string) error {
	positional, cargoArgs := splitArgs(cmd, args)
	if len(positional) > 0 {
		return codes.Errorf(codes.KindConfig, "config", "unexpected argument %q (cargo arguments go after --)", positional[0])
	}

	cfg, err := config.NewLoader().LoadForBuild(cmd, cargoArgs)
	if err != nil {
		return err
	}

	log := logger.New(cmd.ErrOrStderr(), logger.Level(cfg.Verbose, cfg.Silent))
	defer log.Sync()

	ctx := logger.WithContext(cmd.Context(), log)

	s, err := newSession(cfg, log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var out io.Writer
	if !cfg.Silent {
		out = cmd.OutOrStdout()
	}

	return s.build(ctx, out)
}

func (s *session) build(ctx context.Context, out io.Writer) error {
	cfg := s.cfg
	cargo := os.Getenv("CARGO")

	ws, err := workspace.NewInspector(cargo, s.log).Inspect(ctx, cfg.ManifestPath)
	if err != nil {
		return err
	}

	crates, err := ws.Select(cfg.Packages)
	if err != nil {
		return err
	}

	if len(crates) == 0 {
		s.ui.warn("no program crates found in %s", ws.Root)
		return nil
	}

	resolver := s.resolver()
	base, err := resolver.Resolve(toolchain.Inputs{
		Explicit:      cfg.ToolsVersion,
		Env:           cfg.EnvToolsVersion,
		WorkspacePin:  ws.ToolsVersion,
		ConfigDefault: cfg.DefaultToolsVersion,
	})
	if err != nil {
		return err
	}

	s.log.Debug("resolved toolchain", zap.String("version", base.Version), zap.String("source", string(base.Source)))

	// Every crate's toolchain is resolved before anything is fetched, so a
	// bad crate pin fails without touching the network
	specs := make([]toolchain.Spec, len(crates))
	for i, crate := range crates {
		spec, err := resolver.ForCrate(base, crate.ToolsVersion)
		if err != nil {
			return codes.Errorf(codes.KindConfig, "resolve", "%s: %w", crate.Name, err)
		}
		specs[i] = spec
	}

	layouts, release, err := s.acquire(ctx, specs)
	defer release()
	if err != nil {
		return err
	}

	jobs := make([]compiler.Job, len(crates))
	for i, crate := range crates {
		jobs[i] = compiler.Job{
			Crate: crate,
			Config: compiler.BuildConfig{
				Toolchain:         layouts[specs[i].Version],
				ToolsVersion:      specs[i].Version,
				TargetTriple:      cfg.TargetTriple,
				RustFlags:         cfg.RustFlags,
				Features:          cfg.Features,
				NoDefaultFeatures: cfg.NoDefaultFeatures,
				Debug:             cfg.Debug,
				CargoArgs:         cfg.CargoArgs,
				OutDir:            cfg.OutDir,
			},
		}
	}

	s.ui.status("Building", "%d program(s) for %s", len(jobs), cfg.TargetTriple)

	orchestrator := &compiler.Orchestrator{
		Builder: compiler.NewCommandBuilder(cargo),
		Jobs:    cfg.Jobs,
		Output:  out,
		Log:     s.log,
	}

	start := time.Now()
	report := orchestrator.Run(ctx, jobs)
	s.summarize(report, time.Since(start))

	return report.Err()
}

// acquire installs each distinct toolchain once and holds a shared lock on it
// until release is called
func (s *session) acquire(ctx context.Context, specs []toolchain.Spec) (map[string]toolchain.Layout, func(), error) {
	layouts := make(map[string]toolchain.Layout)
	var locks []*cache.FileLock

	release := func() {
		for _, lock := range locks {
			if err := lock.Unlock(); err != nil {
				s.log.Warn("failed to release toolchain lock", zap.Error(err))
			}
		}
	}

	provisioner := s.provisioner()

	for _, spec := range specs {
		if _, ok := layouts[spec.Version]; ok {
			continue
		}

		if !s.store.Has(spec.Version, spec.Platform) && !s.cfg.Offline {
			s.ui.status("Fetching", "platform-tools %s for %s", spec.Version, spec.Platform)
		}

		entry, lock, err := provisioner.Acquire(ctx, spec)
		if err != nil {
			return nil, release, err
		}

		locks = append(locks, lock)
		layouts[spec.Version] = toolchain.Layout{Root: entry.Path}
		s.log.Debug("using toolchain", zap.String("version", spec.Version), zap.String("path", entry.Path))
	}

	return layouts, release, nil
}

func (s *session) summarize(report *compiler.Report, elapsed time.Duration) {
	for _, res := range report.Results {
		if res.State == compiler.Succeeded {
			s.ui.status("Finished", "%s -> %s (%s)", res.Crate.Name, res.ArtifactPath, res.Duration.Round(time.Millisecond))
			continue
		}

		s.ui.failure("Failed", "%s: %v", res.Crate.Name, res.Err)

		// Cargo's output was not streamed, so show it for the crates that need it
		if s.cfg.Silent && res.Output != "" {
			fmt.Fprintln(s.ui.w, strings.TrimRight(res.Output, "\n"))
		}
	}

	failed := len(report.Failed())
	if failed == 0 {
		s.ui.status("Done", "%d program(s) in %s", len(report.Results), elapsed.Round(time.Millisecond))
		return
	}

	s.ui.failure("Done", "%d of %d program(s) failed in %s", failed, len(report.Results), elapsed.Round(time.Millisecond))
}
