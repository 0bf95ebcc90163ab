package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/app"
	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/pipeline"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Investigate every URL in a target list",
		Long: `Run investigates each target of the list in turn on one browser session.

The list holds one target per line, either a bare URL or
"identifier<TAB>url". Targets already present in the result file (and in
the database when --db is set) are skipped, so an interrupted run can be
resumed.

Examples:
  # Investigate a list and append results to ./data/results.txt
  crpwatch run targets.txt

  # Also store results in PostgreSQL
  crpwatch run --db targets.txt`,
		Args: cobra.ExactArgs(1),
		RunE: runRunCmd,
	}

	cmd.Flags().StringP("output", "o", "", "Result file (default from PIPELINE_RESULT_FILE)")
	cmd.Flags().Bool("db", false, "Also store results in PostgreSQL")
	cmd.Flags().Bool("quiet", false, "Hide the progress bar")

	return cmd
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.NoColor = true
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Debug = true
	}
	logger := app.NewLogger(string(cfg.Env), cfg.GetLogLevel())
	defer logger.Sync()

	targets, err := readTargets(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	useDB, _ := cmd.Flags().GetBool("db")
	stack, err := app.Build(ctx, cfg, logger, app.Options{UseDatabase: useDB})
	if err != nil {
		return fmt.Errorf("initialising pipeline: %w", err)
	}
	defer stack.Close()

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = cfg.Pipeline.ResultFile
	}
	file, err := pipeline.NewFileSink(output)
	if err != nil {
		return err
	}
	sinks := pipeline.Sinks{file}
	if stack.Results != nil {
		sinks = append(sinks, stack.Results)
	}

	session, err := stack.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	defer session.Close()

	bold.Printf("Investigating %d targets\n", len(targets))
	dim.Printf("results: %s\n\n", output)

	quiet, _ := cmd.Flags().GetBool("quiet")
	bar := newProgressBar(len(targets), quiet)

	start := time.Now()
	sum, err := stack.Runner(sinks).Run(ctx, targets, session, func(t pipeline.Target, r *domain.Result) {
		bar.Add(1)
		if r != nil {
			bar.Clear()
			printResult(r)
		}
	})
	bar.Finish()
	fmt.Println()

	printSummary(sum, time.Since(start))
	if err != nil && ctx.Err() != nil {
		yellow.Println("Interrupted; rerun to resume")
		logger.Info("run interrupted", zap.Error(err))
		return nil
	}
	return err
}

func newProgressBar(n int, quiet bool) *progressbar.ProgressBar {
	if quiet {
		return progressbar.DefaultSilent(int64(n))
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetDescription("   Investigating..."),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func printResult(r *domain.Result) {
	fprintResult(os.Stdout, r)
}

func fprintResult(w io.Writer, r *domain.Result) {
	if r.Verdict.IsPhish() {
		red.Fprintf(w, "  PHISH  ")
		fmt.Fprintf(w, "%s  %s ", r.Identifier, r.URL)
		bold.Fprintf(w, "(%s)\n", r.Verdict.Target)
		return
	}
	green.Fprintf(w, "  benign ")
	fmt.Fprintf(w, "%s  %s\n", r.Identifier, r.URL)
}

func printSummary(s pipeline.Summary, elapsed time.Duration) {
	bold.Println("Summary")
	fmt.Printf("  investigated: %d\n", s.Investigated)
	red.Printf("  phish:        %d\n", s.Phish)
	fmt.Printf("  skipped:      %d\n", s.Skipped)
	if s.Failed > 0 {
		yellow.Printf("  failed:       %d\n", s.Failed)
	}
	dim.Printf("  elapsed:      %s\n", elapsed.Round(time.Second))
}
