package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/config"
	"github.com/Norgate-AV/sbfbuild/internal/version"
)

// newRootCmd builds the command tree. Bare `sbfbuild` behaves like `sbfbuild build`.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sbfbuild",
		Short:         "Build Solana SBF programs",
		Long:          `Build every Solana program crate in a Cargo workspace against a cached platform-tools toolchain.`,
		RunE:          runBuild,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)

	config.RegisterGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "silent")
	config.RegisterBuildFlags(rootCmd.Flags())

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return codes.New(codes.KindConfig, "config", err)
	})

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newToolchainCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, newRootCmd(), os.Args[1:], os.Stderr)
	stop()

	os.Exit(code)
}

func execute(ctx context.Context, rootCmd *cobra.Command, args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(ctx)
	if err != nil && ctx.Err() != nil && !codes.Is(err, codes.KindInterrupted) {
		err = codes.New(codes.KindInterrupted, codes.StageOf(err), err)
	}

	return reportError(stderr, err)
}

// reportError prints err and returns the exit code for it
func reportError(w io.Writer, err error) int {
	if err == nil {
		return codes.ExitSuccess
	}

	code := codes.ExitCode(err)

	var classified *codes.Error
	if !errors.As(err, &classified) {
		// Errors cobra raises itself, such as an unknown flag or too many arguments
		code = codes.ExitConfig
	}

	prefix := "error:"
	if stage := codes.StageOf(err); stage != "" {
		prefix = fmt.Sprintf("error [%s]:", stage)
	}

	fmt.Fprintf(w, "%s %s\n", color.Red.Sprint(prefix), err)
	return code
}
