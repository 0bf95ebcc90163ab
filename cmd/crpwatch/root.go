package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	bold   = color.New(color.Bold)
	dim    = color.New(color.Faint)
)

// version is set at build time.
var version = "dev"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crpwatch",
		Short: "Reference based credential phishing detection",
		Long: `crpwatch visits suspicious URLs in a headless browser, recognises the brand
the page imitates and decides whether the page asks for credentials. When it
does and the brand does not own the domain, the URL is reported as phishing.

Configuration comes from the environment; a .env file in the working
directory is loaded first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().Bool("no-color", false, "Disable coloured output")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewTargetsCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewArtefactsCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		red.Fprintln(os.Stderr, fmt.Sprintf("error: %v", err))
		os.Exit(1)
	}
}
