// Package main is reputationctl, the operator CLI for the reputation engine.
// It talks to the same storage as the service and runs every side effect
// inline, so a command's work is complete when it exits.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/qahub/reputation-engine/config"
	"github.com/qahub/reputation-engine/internal/bootstrap"
	"github.com/qahub/reputation-engine/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "reputationctl",
		Short:         "Operate the reputation engine: ledger, aggregates, leaderboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "shorthand for --log-level=debug")

	root.AddCommand(
		newMigrateCmd(flags),
		newRecordCmd(flags),
		newAdjustCmd(flags),
		newStatsCmd(flags),
		newLeaderboardCmd(flags),
		newCatalogCmd(flags),
		newReconcileCmd(flags),
		newReconcileAllCmd(flags),
		newCheckAchievementsCmd(flags),
		newRebuildCmd(flags),
		newSendActionCmd(flags),
		newIssueTokenCmd(),
		newFeaturesCmd(),
	)
	return root
}

// withEngine loads configuration, assembles an engine with an inline event
// bus and runs fn against it.
func withEngine(cmd *cobra.Command, flags *globalFlags, opts bootstrap.Options, fn func(ctx context.Context, e *bootstrap.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := flags.logLevel
	if flags.verbose {
		level = "debug"
	}
	log := logger.New(logger.Options{
		Output: cmd.ErrOrStderr(),
		Level:  logger.ParseLevel(level),
		Format: logger.FormatText,
	})

	ctx := cmd.Context()
	opts.AsyncBus = false
	e, err := bootstrap.New(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn("close failed", logger.Err(cerr))
		}
	}()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
