// Package main provides the entry point for the fragscan CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for fragscan.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fragscan",
		Short: "Physical memory fragmentation scanner",
		Long: `fragscan walks a physical-memory image page by page, classifies each page
as movable or unmovable, and reports per-pageblock fragmentation statistics.

It can scan the running kernel through /proc (requires root) or a snapshot
file captured earlier with 'fragscan capture'.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	// Add subcommands
	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewCaptureCmd())
	cmd.AddCommand(NewCompareCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
