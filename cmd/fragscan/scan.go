package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kmemlab/fragscan/internal/config"
	"github.com/kmemlab/fragscan/internal/database"
	"github.com/kmemlab/fragscan/internal/kcore"
	"github.com/kmemlab/fragscan/internal/log"
	"github.com/kmemlab/fragscan/internal/model"
	"github.com/kmemlab/fragscan/internal/pipeline"
	"github.com/kmemlab/fragscan/internal/report"
	"github.com/kmemlab/fragscan/internal/scanner"
	"github.com/spf13/cobra"
)

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [target...]",
		Short: "Scan physical memory for fragmentation",
		Long: `Scan walks a physical-memory image block by block, classifies every
page as movable or unmovable, and reports how fragmented the machine is.

A target is either the literal "live" for the running kernel (requires
root, reads the proc interface) or the path to a snapshot file created
with "fragscan capture". With no target, the running kernel is scanned.

Examples:
  # Scan the running kernel
  sudo fragscan scan

  # Scan a captured snapshot
  fragscan scan server42.fragsnap

  # Scan several snapshots concurrently
  fragscan scan node1.fragsnap node2.fragsnap node3.fragsnap

  # Only walk the first 4GB and dump every block
  sudo fragscan scan --max-pfn 0x100000 --dump-blocks

  # Output JSON report
  fragscan scan --json server42.fragsnap

Configuration file (.fragscan) example:
  defaults:
    pageblockOrder: 9
  targets:
    live:
      boundaryPFN: 0x240000
    server42.fragsnap:
      warnUnmovablePercent: 15`,
		Args: cobra.ArbitraryArgs,
		RunE: runScanCmd,
	}

	// Scan behavior flags
	cmd.Flags().DurationP("timeout", "t", config.DefaultTimeout,
		"Timeout for each individual scan")
	cmd.Flags().Uint64("max-pfn", 0,
		"Stop the walk at this page frame number (0 scans the whole image)")
	cmd.Flags().Uint64("boundary-pfn", 0,
		"Treat blocks at or above this PFN as fully movable (0 disables the fast path)")
	cmd.Flags().Int("pageblock-order", config.DefaultPageblockOrder,
		"Log2 of the pageblock size in pages")
	cmd.Flags().Bool("dump-blocks", false,
		"Include the per-block dump in the report")

	// Batch scanning flags
	cmd.Flags().IntP("batch", "b", config.DefaultBatchSize,
		"Number of concurrent snapshot scans")

	// Configuration file
	cmd.Flags().StringP("config", "c", "",
		"Configuration file path (default: .fragscan in current or home directory)")

	// Report flags
	cmd.Flags().BoolP("json", "j", false,
		"Output JSON report (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown report (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "",
		"Write report to specified file path (creates directories if needed)")

	// Database flags
	cmd.Flags().Bool("no-save", false,
		"Do not save scan results to the history database")

	return cmd
}

// runScanCmd executes the scan command.
func runScanCmd(cmd *cobra.Command, args []string) error {
	// Build config from flags
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Set up structured logging
	logger := log.NewLogger(os.Stderr, cfg.Verbose)
	slog.SetDefault(logger)

	// Set up context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, cancelling...")
		cancel()
	}()

	return runScan(ctx, cfg, logger)
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// buildConfig creates a Config from cobra command flags.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()

	// Get flag values
	var err error

	cfg.Timeout, err = cmd.Flags().GetDuration("timeout")
	if err != nil {
		return nil, err
	}

	cfg.MaxPFN, err = cmd.Flags().GetUint64("max-pfn")
	if err != nil {
		return nil, err
	}

	cfg.BoundaryPFN, err = cmd.Flags().GetUint64("boundary-pfn")
	if err != nil {
		return nil, err
	}

	cfg.PageblockOrder, err = cmd.Flags().GetInt("pageblock-order")
	if err != nil {
		return nil, err
	}

	cfg.DumpBlocks, err = cmd.Flags().GetBool("dump-blocks")
	if err != nil {
		return nil, err
	}

	cfg.BatchSize, err = cmd.Flags().GetInt("batch")
	if err != nil {
		return nil, err
	}

	cfg.ConfigFilePath, err = cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	// Load target-specific configurations from config file.
	// If user explicitly specified a config file path, error if not found.
	// If no path specified, silently use empty config if no file found.
	explicitConfigPath := cfg.ConfigFilePath != ""
	configPath := config.FindConfigFile(cfg.ConfigFilePath)

	if configPath != "" {
		cfg.TargetConfigs, err = config.LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if explicitConfigPath {
		// User explicitly specified a config file that doesn't exist
		return nil, fmt.Errorf("configuration file not found: %s", cfg.ConfigFilePath)
	} else {
		// Use empty config if no file found and user didn't explicitly specify one
		cfg.TargetConfigs = &config.File{
			Targets: make(map[string]config.TargetConfig),
		}
	}

	cfg.JSONReport, err = cmd.Flags().GetBool("json")
	if err != nil {
		return nil, err
	}

	cfg.MarkdownReport, err = cmd.Flags().GetBool("markdown")
	if err != nil {
		return nil, err
	}

	cfg.ReportFile, err = cmd.Flags().GetString("output")
	if err != nil {
		return nil, err
	}

	noSave, err := cmd.Flags().GetBool("no-save")
	if err != nil {
		return nil, err
	}
	cfg.SaveToDB = !noSave
	cfg.DBDir = config.XDGDataDir()

	cfg.Verbose = getVerboseFlag(cmd)

	// Positional arguments are the targets; default to the running kernel.
	cfg.Targets = args
	if len(cfg.Targets) == 0 {
		cfg.Targets = []string{config.LiveTarget}
	}

	return cfg, nil
}

// runScan executes the scan.
func runScan(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Targets) == 0 {
		return errors.New("no targets provided")
	}

	logger.Info("starting scan",
		"targets", cfg.Targets,
		"batchSize", cfg.BatchSize,
		"saveToDB", cfg.SaveToDB,
	)

	// Open database connection if saving is enabled
	var db *database.ScanDB
	if cfg.SaveToDB {
		var err error
		db, err = database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		logger.Info("database opened", "dir", cfg.DBDir)
	}

	// Use batch processor for parallel scanning if multiple targets
	if len(cfg.Targets) > 1 && cfg.BatchSize > 1 {
		return runBatchScan(ctx, cfg, db, logger)
	}

	// Single target or sequential scanning
	return runSequentialScan(ctx, cfg, db, logger)
}

// runSequentialScan scans targets one at a time.
func runSequentialScan(ctx context.Context, cfg *config.Config, db *database.ScanDB, logger *slog.Logger) error {
	for _, target := range cfg.Targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Get target-specific configuration
		targetConfig := getTargetConfig(cfg, target)

		// Create pipeline with target-specific options
		p := createPipelineForTarget(logger, cfg, targetConfig)

		scanReport := model.NewScanReport(target, sourceKindFor(target))

		fmt.Printf("Scanning %s...\n", target)
		startTime := time.Now()

		// Bound each scan individually; a stuck proc read should not
		// starve the remaining targets.
		scanCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := p.Execute(scanCtx, scanReport)
		cancel()
		if err != nil {
			logger.Error("scan failed", "target", target, "error", err)
			fmt.Fprintf(os.Stderr, "Scan error for %s: %v\n", target, err)
			continue
		}

		elapsed := time.Since(startTime)
		fmt.Printf("Scan completed in %s\n\n", elapsed.Round(time.Millisecond))

		// Generate and output report
		if err := outputReport(cfg, scanReport); err != nil {
			logger.Error("report failed", "target", target, "error", err)
		}

		// Save to database if enabled
		if err := saveScanReport(ctx, db, scanReport, logger); err != nil {
			logger.Error("failed to save scan report", "target", target, "error", err)
		}
	}

	return nil
}

// runBatchScan scans multiple targets concurrently using BatchProcessor.
func runBatchScan(ctx context.Context, cfg *config.Config, db *database.ScanDB, logger *slog.Logger) error {
	fmt.Printf("Starting batch scan of %d targets (concurrency: %d)...\n\n",
		len(cfg.Targets), cfg.BatchSize)

	startTime := time.Now()

	// Warn user about batch processing limitation
	if cfg.TargetConfigs != nil && len(cfg.TargetConfigs.Targets) > 0 {
		logger.Warn("batch processing uses default target config only; target-specific configs (boundary, thresholds) are ignored",
			"targetCount", len(cfg.TargetConfigs.Targets))
		fmt.Fprintf(os.Stderr, "Warning: Target-specific configurations are ignored in batch mode. Use sequential mode (--batch 1) to apply per-target settings.\n\n")
	}

	// Create batch processor with pipeline factory
	bp := pipeline.NewBatchProcessor(
		func() *pipeline.Pipeline {
			// Note: For batch processing, we use default target config
			// Target-specific configs would require per-target pipeline creation
			var targetConfig config.TargetConfig
			if cfg.TargetConfigs != nil {
				targetConfig = cfg.TargetConfigs.Defaults
			}
			return createPipelineForTarget(logger, cfg, targetConfig)
		},
		pipeline.WithConcurrency(cfg.BatchSize),
		pipeline.WithBatchLogger(logger),
	)

	// The per-scan timeout bounds the whole batch: concurrent snapshot
	// walks share the same deadline.
	batchCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	// Process with callback for streaming output
	var mu sync.Mutex
	err := bp.ProcessBatchWithCallback(batchCtx, cfg.Targets, func(scanReport *model.ScanReport, index int) {
		mu.Lock()
		defer mu.Unlock()

		fmt.Printf("[%d/%d] Scan completed: %s\n", index+1, len(cfg.Targets), scanReport.Target)

		// Generate and output report
		if err := outputReport(cfg, scanReport); err != nil {
			logger.Error("report failed", "target", scanReport.Target, "error", err)
		}

		// Save to database if enabled
		if err := saveScanReport(ctx, db, scanReport, logger); err != nil {
			logger.Error("failed to save scan report", "target", scanReport.Target, "error", err)
		}
	})

	elapsed := time.Since(startTime)
	fmt.Printf("\nBatch scan completed in %s\n", elapsed.Round(time.Millisecond))

	return err
}

// getTargetConfig returns the target-specific configuration for a target.
// Falls back to defaults if no target-specific config exists.
func getTargetConfig(cfg *config.Config, target string) config.TargetConfig {
	if cfg.TargetConfigs == nil {
		return config.TargetConfig{}
	}
	return cfg.TargetConfigs.GetTargetConfig(target)
}

// sourceKindFor maps a target name to the source kind recorded in the
// report. The walk step corrects this once the image is actually open.
func sourceKindFor(target string) string {
	if target == config.LiveTarget {
		return kcore.KindProcfs
	}
	return kcore.KindSnapshot
}

// createPipelineForTarget creates a pipeline with the given configuration.
// CLI flags override config-file values, which override built-in defaults.
func createPipelineForTarget(logger *slog.Logger, cfg *config.Config, targetConfig config.TargetConfig) *pipeline.Pipeline {
	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithContinueOnError(true),
	}

	scanOpts := scannerOptionsForTarget(logger, cfg, targetConfig)

	configOpts := []pipeline.DefaultPipelineOption{
		pipeline.WithPipelineScannerOptions(scanOpts...),
		pipeline.WithPipelineThresholds(thresholdsForTarget(targetConfig)),
	}

	return pipeline.DefaultPipeline(logger, pipelineOpts, configOpts...)
}

// scannerOptionsForTarget builds the scanner options for a single target.
func scannerOptionsForTarget(logger *slog.Logger, cfg *config.Config, targetConfig config.TargetConfig) []scanner.Option {
	// Pageblock order: explicit flag beats config file beats default
	order := cfg.PageblockOrder
	if order == config.DefaultPageblockOrder && targetConfig.PageblockOrder > 0 {
		order = targetConfig.PageblockOrder
	}

	maxPFN := cfg.MaxPFN
	if maxPFN == 0 {
		maxPFN = targetConfig.MaxPFN
	}

	boundaryPFN := cfg.BoundaryPFN
	if boundaryPFN == 0 {
		boundaryPFN = targetConfig.BoundaryPFN
	}

	opts := []scanner.Option{
		scanner.WithPageblockOrder(order),
		scanner.WithKeepBlocks(cfg.DumpBlocks),
		scanner.WithLogger(logger),
	}
	if maxPFN > 0 {
		opts = append(opts, scanner.WithMaxPFN(maxPFN))
	}
	if boundaryPFN > 0 {
		opts = append(opts, scanner.WithBoundaryPFN(boundaryPFN))
	}

	return opts
}

// thresholdsForTarget builds the grading thresholds for a single target,
// starting from the defaults and applying config-file overrides.
func thresholdsForTarget(targetConfig config.TargetConfig) scanner.Thresholds {
	th := scanner.DefaultThresholds()
	if targetConfig.WarnUnmovablePercent > 0 {
		th.WarnUnmovablePercent = targetConfig.WarnUnmovablePercent
	}
	if targetConfig.HighUnmovablePercent > 0 {
		th.HighUnmovablePercent = targetConfig.HighUnmovablePercent
	}
	if targetConfig.CriticalUnmovablePercent > 0 {
		th.CriticalUnmovablePercent = targetConfig.CriticalUnmovablePercent
	}
	return th
}

// outputReport outputs the scan report in the requested format.
func outputReport(cfg *config.Config, scanReport *model.ScanReport) error {
	// Generate summary if needed
	if scanReport.Summary == nil {
		scanReport.Summary = model.NewSummary(scanReport)
	}

	// Determine output destination
	var output *os.File
	if cfg.ReportFile != "" {
		// Create directories if they don't exist
		dir := filepath.Dir(cfg.ReportFile)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		// Create/overwrite the output file with owner-only permissions.
		// Reports expose the memory layout of the scanned machine.
		f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		output = f
	} else {
		output = os.Stdout
	}

	// JSON output (full report with all data)
	if cfg.JSONReport {
		writer := report.NewFullJSONWriter(output, getVersion(), report.WithPrettyPrint())
		_, err := writer.Write(scanReport)
		return err
	}

	// Markdown output
	if cfg.MarkdownReport {
		writer := report.NewMarkdownWriter(output)
		_, err := writer.Write(scanReport)
		return err
	}

	// Human-readable report (default)
	writer := report.NewSimpleWriter(output,
		report.WithVerbose(cfg.Verbose),
		report.WithBlockDump(cfg.DumpBlocks),
	)
	_, err := writer.Write(scanReport)
	return err
}

// saveScanReport saves the scan report to the database if enabled.
// If db is nil, this function is a no-op.
func saveScanReport(ctx context.Context, db *database.ScanDB, scanReport *model.ScanReport, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	id, err := db.SaveScanReport(ctx, scanReport)
	if err != nil {
		return fmt.Errorf("failed to save scan report: %w", err)
	}

	logger.Info("scan report saved to database", "target", scanReport.Target, "id", id)
	return nil
}
