package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Norgate-AV/sbfbuild/internal/cache"
	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/config"
	"github.com/Norgate-AV/sbfbuild/internal/logger"
	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
)

func newToolchainCmd() *cobra.Command {
	toolchainCmd := &cobra.Command{
		Use:   "toolchain",
		Short: "Manage cached platform-tools toolchains",
	}

	toolchainCmd.AddCommand(newInstallCmd())
	toolchainCmd.AddCommand(newListCmd())
	toolchainCmd.AddCommand(newPruneCmd())
	toolchainCmd.AddCommand(newPathCmd())

	return toolchainCmd
}

// openSession loads configuration for a toolchain subcommand
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.NewLoader().LoadForToolchain(cmd)
	if err != nil {
		return nil, err
	}

	log := logger.New(cmd.ErrOrStderr(), logger.Level(cfg.Verbose, cfg.Silent))
	return newSession(cfg, log, cmd.ErrOrStderr())
}

// resolveArg resolves the version named on the command line, falling back to
// the environment, the config file and the built-in default
func (s *session) resolveArg(args []string) (toolchain.Spec, error) {
	in := toolchain.Inputs{
		Env:           s.cfg.EnvToolsVersion,
		ConfigDefault: s.cfg.DefaultToolsVersion,
	}
	if len(args) > 0 {
		in.Explicit = args[0]
	}

	return s.resolver().Resolve(in)
}

func newInstallCmd() *cobra.Command {
	installCmd := &cobra.Command{
		Use:   "install [version]",
		Short: "Download and install a toolchain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}

			spec, err := s.resolveArg(args)
			if err != nil {
				return err
			}

			if entry, ok := s.store.Lookup(spec.Version, spec.Platform); ok {
				s.ui.status("Installed", "%s is already installed at %s", spec, entry.Path)
				return nil
			}

			s.ui.status("Fetching", "platform-tools %s for %s", spec.Version, spec.Platform)

			entry, err := s.provisioner().Ensure(cmd.Context(), spec)
			if err != nil {
				return err
			}

			s.ui.status("Installed", "%s at %s", spec, entry.Path)
			return nil
		},
	}

	installCmd.Flags().String("tools-checksum", "", "Expected checksum of the archive (sha256:<hex> or blake3:<hex>)")

	return installCmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed toolchains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}

			infos, err := s.store.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				s.ui.status("Empty", "no toolchains installed in %s", s.store.Root())
				return nil
			}

			fmt.Fprintf(out, "%-10s %-16s %10s  %-16s %s\n", "VERSION", "PLATFORM", "SIZE", "INSTALLED", "LAST USED")

			var total int64
			for _, info := range infos {
				total += info.Size
				fmt.Fprintf(out, "%-10s %-16s %10s  %-16s %s\n",
					info.Version, info.Platform, humanize.Bytes(uint64(info.Size)),
					since(info.InstalledAt), since(info.LastUsed))
			}

			fmt.Fprintf(out, "\n%d toolchain(s), %s in %s\n", len(infos), humanize.Bytes(uint64(total)), s.store.Root())
			return nil
		},
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return humanize.Time(t)
}

func newPruneCmd() *cobra.Command {
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached toolchains",
		Long: `Remove cached toolchains selected by the given policies. Without flags, the
cache.keep and cache.max_size config values apply; with neither set, only
leftovers from interrupted installs and downloads are removed.

Toolchains in use by a running build are never removed.`,
		Args: cobra.NoArgs,
		RunE: runPrune,
	}

	pruneCmd.Flags().Int("keep", 0, "Keep only the N newest versions per platform")
	pruneCmd.Flags().Duration("unused-for", 0, "Remove toolchains not used for this long, e.g. 720h")
	pruneCmd.Flags().String("max-size", "", "Shrink the cache to this size, least recently used first, e.g. 4GB")
	pruneCmd.Flags().StringSlice("version", nil, "Remove these versions")
	pruneCmd.Flags().StringSlice("except", nil, "Never remove these versions")
	pruneCmd.Flags().Bool("all", false, "Remove every toolchain")

	return pruneCmd
}

func runPrune(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	sel, err := pruneSelector(cmd, s.cfg)
	if err != nil {
		return err
	}

	report, err := s.store.Prune(cmd.Context(), sel)
	if err != nil {
		return err
	}

	for _, info := range report.Removed {
		s.ui.status("Removed", "%s (%s), %s", info.Version, info.Platform, humanize.Bytes(uint64(info.Size)))
	}
	for _, info := range report.Skipped {
		s.ui.warn("%s (%s) is in use, skipped", info.Version, info.Platform)
	}

	s.ui.status("Freed", "%s", humanize.Bytes(uint64(report.Freed())))
	return nil
}

// pruneSelector composes the selected policies. Flags replace the configured
// retention policy rather than adding to it.
func pruneSelector(cmd *cobra.Command, cfg *config.Config) (cache.Selector, error) {
	flags := cmd.Flags()
	var selectors []cache.Selector

	if all, _ := flags.GetBool("all"); all {
		selectors = append(selectors, cache.KeepNewest(0))
	}

	if flags.Changed("keep") {
		keep, _ := flags.GetInt("keep")
		if keep < 0 {
			return nil, codes.Errorf(codes.KindConfig, "config", "invalid --keep %d: must not be negative", keep)
		}
		selectors = append(selectors, cache.KeepNewest(keep))
	}

	if unused, _ := flags.GetDuration("unused-for"); unused > 0 {
		selectors = append(selectors, cache.UnusedSince(time.Now().Add(-unused)))
	}

	if raw, _ := flags.GetString("max-size"); raw != "" {
		size, err := config.ParseSize(raw)
		if err != nil {
			return nil, err
		}
		selectors = append(selectors, cache.OverBudget(size))
	}

	versions, err := canonicalVersions(flags.GetStringSlice("version"))
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		selectors = append(selectors, cache.Versions(versions...))
	}

	if len(selectors) == 0 {
		if cfg.Cache.Keep > 0 {
			selectors = append(selectors, cache.KeepNewest(cfg.Cache.Keep))
		}
		if cfg.Cache.MaxSize > 0 {
			selectors = append(selectors, cache.OverBudget(cfg.Cache.MaxSize))
		}
	}

	except, err := canonicalVersions(flags.GetStringSlice("except"))
	if err != nil {
		return nil, err
	}

	return cache.Except(cache.Any(selectors...), except...), nil
}

func canonicalVersions(raw []string, err error) ([]string, error) {
	if err != nil {
		return nil, codes.New(codes.KindConfig, "config", err)
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		v, err := toolchain.ParseVersion(r)
		if err != nil {
			return nil, codes.Errorf(codes.KindConfig, "config", "invalid version %q: %w", r, err)
		}
		out = append(out, v)
	}

	return out, nil
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path [version]",
		Short: "Print the install directory of a toolchain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}

			spec, err := s.resolveArg(args)
			if err != nil {
				return err
			}

			entry, ok := s.store.Lookup(spec.Version, spec.Platform)
			if !ok {
				return codes.Errorf(codes.KindNotFound, "resolve", "toolchain %s for %s is not installed", spec.Version, spec.Platform)
			}

			fmt.Fprintln(cmd.OutOrStdout(), entry.Path)
			return nil
		},
	}
}
