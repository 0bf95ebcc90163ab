package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/domain"
	rediscache "github.com/crpwatch/crpwatch/internal/repository/redis"
)

// verdictSource streams results as workers store them.
type verdictSource interface {
	WatchResults(ctx context.Context, handle func(*domain.Result)) error
}

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print verdicts as workers store them",
		Long: `Watch subscribes to the verdict channel in Redis and prints every result
the workers store until interrupted. Requires REDIS_ENABLED=true.`,
		Args: cobra.NoArgs,
		RunE: runWatchCmd,
	}
	cmd.Flags().Bool("phish-only", false, "Only print phishing verdicts")
	return cmd
}

func runWatchCmd(cmd *cobra.Command, _ []string) error {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.NoColor = true
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return errors.New("watch needs Redis; set REDIS_ENABLED=true")
	}
	cache, err := rediscache.New(cfg.Redis)
	if err != nil {
		return err
	}
	defer cache.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	phishOnly, _ := cmd.Flags().GetBool("phish-only")
	dim.Fprintf(cmd.OutOrStdout(), "watching %s\n", cfg.Redis.Addr())
	return watchVerdicts(ctx, cache, cmd.OutOrStdout(), phishOnly)
}

// watchVerdicts prints results from src until ctx is done. Cancellation
// is a clean stop.
func watchVerdicts(ctx context.Context, src verdictSource, w io.Writer, phishOnly bool) error {
	err := src.WatchResults(ctx, func(r *domain.Result) {
		if phishOnly && !r.Verdict.IsPhish() {
			return
		}
		fprintResult(w, r)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("watching verdicts: %w", err)
	}
	return nil
}
