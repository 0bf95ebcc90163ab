package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crpwatch/crpwatch/internal/pipeline"
)

// NewTargetsCmd creates the targets command.
func NewTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets <file>",
		Short: "Validate a target list and print the derived identifiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := readTargets(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range targets {
				fmt.Fprintf(out, "%s\t%s\n", t.Identifier, t.URL)
			}
			return nil
		},
	}
}

func readTargets(path string) ([]pipeline.Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening target list: %w", err)
	}
	defer f.Close()
	return pipeline.ParseTargets(f)
}
