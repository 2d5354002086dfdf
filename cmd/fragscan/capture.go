package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kmemlab/fragscan/internal/kcore"
	"github.com/kmemlab/fragscan/internal/log"
	"github.com/spf13/cobra"
)

// NewCaptureCmd creates the capture command.
func NewCaptureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture <output-file>",
		Short: "Capture a snapshot of the running kernel's page state",
		Long: `Capture reads the page flags of every physical page frame from the
running kernel and writes them to a snapshot file. The snapshot can be
scanned later on any machine with "fragscan scan <file>", which makes it
possible to collect state on a production host and analyze it elsewhere.

Capturing requires root because it reads the proc page interface.

Examples:
  # Capture the full page state
  sudo fragscan capture server42.fragsnap

  # Capture only the first 4GB
  sudo fragscan capture --max-pfn 0x100000 server42.fragsnap`,
		Args: cobra.ExactArgs(1),
		RunE: runCaptureCmd,
	}

	cmd.Flags().Uint64("max-pfn", 0,
		"Stop the capture at this page frame number (0 captures the whole image)")
	cmd.Flags().BoolP("force", "f", false,
		"Overwrite the output file if it already exists")

	return cmd
}

// runCaptureCmd executes the capture command.
func runCaptureCmd(cmd *cobra.Command, args []string) error {
	outputPath := args[0]

	maxPFN, err := cmd.Flags().GetUint64("max-pfn")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	logger := log.NewLogger(os.Stderr, getVerboseFlag(cmd))
	slog.SetDefault(logger)

	// Refuse to clobber an existing snapshot unless asked to
	if !force {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("output file %s already exists (use --force to overwrite)", outputPath)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, cancelling...")
		cancel()
	}()

	return runCapture(ctx, outputPath, maxPFN, logger)
}

// runCapture opens the running kernel and writes the snapshot.
func runCapture(ctx context.Context, outputPath string, maxPFN uint64, logger *slog.Logger) error {
	var srcOpts []kcore.ProcOption
	if maxPFN > 0 {
		srcOpts = append(srcOpts, kcore.WithMaxPFN(maxPFN))
	}

	src, err := kcore.NewProcSource(srcOpts...)
	if err != nil {
		return fmt.Errorf("failed to open running kernel (are you root?): %w", err)
	}
	defer src.Close()

	meta := src.Meta()
	logger.Info("capture started",
		"kernel", meta.KernelRelease,
		"maxPFN", meta.MaxPFN,
		"pageSize", meta.PageSize,
	)

	// Create directories if they don't exist
	dir := filepath.Dir(outputPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	fmt.Printf("Capturing %d page frames from kernel %s...\n", meta.MaxPFN, meta.KernelRelease)
	startTime := time.Now()

	// Throttle progress output to whole-percent steps
	var lastPercent uint64
	progress := func(done, total uint64) {
		if total == 0 {
			return
		}
		percent := done * 100 / total
		if percent != lastPercent {
			lastPercent = percent
			fmt.Printf("\r  %3d%% (%d/%d pages)", percent, done, total)
		}
	}

	if err := kcore.Capture(ctx, src, f, progress); err != nil {
		f.Close()
		// Remove the partial file so a later scan cannot pick it up
		if rmErr := os.Remove(outputPath); rmErr != nil {
			logger.Warn("failed to remove partial snapshot", "path", outputPath, "error", rmErr)
		}
		fmt.Println()
		return fmt.Errorf("capture failed: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to finalize snapshot file: %w", err)
	}

	elapsed := time.Since(startTime)
	fmt.Printf("\nSnapshot written to %s in %s\n", outputPath, elapsed.Round(time.Millisecond))
	logger.Info("capture complete", "path", outputPath, "elapsed", elapsed)

	return nil
}
