package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kmemlab/fragscan/internal/config"
	"github.com/kmemlab/fragscan/internal/database"
	"github.com/kmemlab/fragscan/internal/kcore"
	"github.com/kmemlab/fragscan/internal/model"
	"github.com/kmemlab/fragscan/internal/scanner"
)

// TestNewScanCmd tests the scan command creation.
func TestNewScanCmd(t *testing.T) {
	t.Parallel()

	cmd := NewScanCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "scan [target...]" {
			t.Errorf("expected use 'scan [target...]', got %q", cmd.Use)
		}
	})

	t.Run("has short description", func(t *testing.T) {
		t.Parallel()
		if cmd.Short == "" {
			t.Error("expected non-empty short description")
		}
	})

	t.Run("has long description", func(t *testing.T) {
		t.Parallel()
		if cmd.Long == "" {
			t.Error("expected non-empty long description")
		}
	})

	t.Run("has timeout flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("timeout")
		if flag == nil {
			t.Fatal("expected timeout flag")
		}
		if flag.Shorthand != "t" {
			t.Errorf("expected shorthand 't', got %q", flag.Shorthand)
		}
	})

	t.Run("has max-pfn flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("max-pfn")
		if flag == nil {
			t.Fatal("expected max-pfn flag")
		}
		if flag.DefValue != "0" {
			t.Errorf("expected default '0', got %q", flag.DefValue)
		}
	})

	t.Run("has boundary-pfn flag", func(t *testing.T) {
		t.Parallel()
		if cmd.Flags().Lookup("boundary-pfn") == nil {
			t.Fatal("expected boundary-pfn flag")
		}
	})

	t.Run("has pageblock-order flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("pageblock-order")
		if flag == nil {
			t.Fatal("expected pageblock-order flag")
		}
		if flag.DefValue != "9" {
			t.Errorf("expected default '9', got %q", flag.DefValue)
		}
	})

	t.Run("has dump-blocks flag", func(t *testing.T) {
		t.Parallel()
		if cmd.Flags().Lookup("dump-blocks") == nil {
			t.Fatal("expected dump-blocks flag")
		}
	})

	t.Run("has batch flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("batch")
		if flag == nil {
			t.Fatal("expected batch flag")
		}
		if flag.Shorthand != "b" {
			t.Errorf("expected shorthand 'b', got %q", flag.Shorthand)
		}
	})

	t.Run("has config flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("config")
		if flag == nil {
			t.Fatal("expected config flag")
		}
		if flag.Shorthand != "c" {
			t.Errorf("expected shorthand 'c', got %q", flag.Shorthand)
		}
	})

	t.Run("has json flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("json")
		if flag == nil {
			t.Fatal("expected json flag")
		}
		if flag.Shorthand != "j" {
			t.Errorf("expected shorthand 'j', got %q", flag.Shorthand)
		}
	})

	t.Run("has output flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("output")
		if flag == nil {
			t.Fatal("expected output flag")
		}
		if flag.Shorthand != "o" {
			t.Errorf("expected shorthand 'o', got %q", flag.Shorthand)
		}
	})

	t.Run("has no-save flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("no-save")
		if flag == nil {
			t.Fatal("expected no-save flag")
		}
		if flag.DefValue != "false" {
			t.Errorf("expected default 'false', got %q", flag.DefValue)
		}
	})

	t.Run("does not have db-dir flag (uses XDG)", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("db-dir")
		if flag != nil {
			t.Error("db-dir flag should not exist (always uses XDG data directory)")
		}
	})
}

// TestGetVerboseFlag tests the verbose flag retrieval.
func TestGetVerboseFlag(t *testing.T) {
	t.Run("returns false when flag not set", func(t *testing.T) {
		cmd := NewScanCmd()
		result := getVerboseFlag(cmd)
		if result {
			t.Error("expected false when flag not set")
		}
	})

	t.Run("returns value from parent verbose flag", func(t *testing.T) {
		root := NewRootCmd()
		// Set verbose flag to true
		_ = root.PersistentFlags().Set("verbose", "true")

		// Get scan subcommand
		scanCmd, _, err := root.Find([]string{"scan"})
		if err != nil {
			t.Fatalf("failed to find scan command: %v", err)
		}

		result := getVerboseFlag(scanCmd)
		if !result {
			t.Error("expected true from parent verbose flag")
		}
	})
}

// TestBuildConfig tests configuration building from flags.
func TestBuildConfig(t *testing.T) {
	t.Run("builds config with default values", func(t *testing.T) {
		cmd := NewScanCmd()
		cfg, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg == nil {
			t.Fatal("expected non-nil config")
		}
		if len(cfg.Targets) != 1 || cfg.Targets[0] != "test.fragsnap" {
			t.Errorf("expected targets [test.fragsnap], got %v", cfg.Targets)
		}
		if cfg.PageblockOrder != config.DefaultPageblockOrder {
			t.Errorf("expected pageblock order %d, got %d", config.DefaultPageblockOrder, cfg.PageblockOrder)
		}
		if !cfg.SaveToDB {
			t.Error("expected SaveToDB to default to true")
		}
	})

	t.Run("defaults to live target when no args", func(t *testing.T) {
		cmd := NewScanCmd()
		cfg, err := buildConfig(cmd, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(cfg.Targets) != 1 || cfg.Targets[0] != config.LiveTarget {
			t.Errorf("expected targets [live], got %v", cfg.Targets)
		}
	})

	t.Run("builds config with custom max-pfn", func(t *testing.T) {
		cmd := NewScanCmd()
		_ = cmd.Flags().Set("max-pfn", "1048576")
		cfg, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.MaxPFN != 1048576 {
			t.Errorf("expected MaxPFN 1048576, got %d", cfg.MaxPFN)
		}
	})

	t.Run("builds config with custom batch size", func(t *testing.T) {
		cmd := NewScanCmd()
		_ = cmd.Flags().Set("batch", "5")
		cfg, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.BatchSize != 5 {
			t.Errorf("expected BatchSize 5, got %d", cfg.BatchSize)
		}
	})

	t.Run("builds config with JSON flag", func(t *testing.T) {
		cmd := NewScanCmd()
		_ = cmd.Flags().Set("json", "true")
		cfg, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !cfg.JSONReport {
			t.Error("expected JSONReport to be true")
		}
	})

	t.Run("builds config with no-save flag", func(t *testing.T) {
		cmd := NewScanCmd()
		_ = cmd.Flags().Set("no-save", "true")
		cfg, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.SaveToDB {
			t.Error("expected SaveToDB to be false with --no-save")
		}
	})

	t.Run("builds config with multiple targets", func(t *testing.T) {
		cmd := NewScanCmd()
		cfg, err := buildConfig(cmd, []string{"a.fragsnap", "b.fragsnap", "c.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(cfg.Targets) != 3 {
			t.Errorf("expected 3 targets, got %d", len(cfg.Targets))
		}
	})

	t.Run("builds config with valid config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "fragscan.yaml")

		// Create a valid config file
		content := []byte(`
defaults:
  pageblockOrder: 10
targets:
  test.fragsnap:
    boundaryPFN: 4096
`)
		if err := os.WriteFile(configPath, content, 0o600); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cmd := NewScanCmd()
		_ = cmd.Flags().Set("config", configPath)
		cfg, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.TargetConfigs == nil {
			t.Fatal("expected TargetConfigs to be loaded")
		}
		if cfg.TargetConfigs.Defaults.PageblockOrder != 10 {
			t.Errorf("expected default pageblock order 10, got %d", cfg.TargetConfigs.Defaults.PageblockOrder)
		}
		tc := cfg.TargetConfigs.GetTargetConfig("test.fragsnap")
		if tc.BoundaryPFN != 4096 {
			t.Errorf("expected boundary PFN 4096, got %d", tc.BoundaryPFN)
		}
	})

	t.Run("returns error for invalid config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.yaml")

		// Create an invalid config file
		content := []byte(`{invalid yaml`)
		if err := os.WriteFile(configPath, content, 0o600); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cmd := NewScanCmd()
		_ = cmd.Flags().Set("config", configPath)
		_, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err == nil {
			t.Fatal("expected error for invalid config file")
		}
	})

	t.Run("returns error for missing explicit config file", func(t *testing.T) {
		cmd := NewScanCmd()
		_ = cmd.Flags().Set("config", filepath.Join(t.TempDir(), "does-not-exist.yaml"))
		_, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err == nil {
			t.Fatal("expected error for missing config file")
		}
		if !strings.Contains(err.Error(), "not found") {
			t.Errorf("expected 'not found' error, got %v", err)
		}
	})

	t.Run("builds config with output file", func(t *testing.T) {
		cmd := NewScanCmd()
		_ = cmd.Flags().Set("output", "/tmp/report.json")
		cfg, err := buildConfig(cmd, []string{"test.fragsnap"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.ReportFile != "/tmp/report.json" {
			t.Errorf("expected ReportFile '/tmp/report.json', got %q", cfg.ReportFile)
		}
	})
}

// TestSourceKindFor tests the target-to-kind mapping.
func TestSourceKindFor(t *testing.T) {
	t.Parallel()

	if got := sourceKindFor(config.LiveTarget); got != kcore.KindProcfs {
		t.Errorf("expected %q for live target, got %q", kcore.KindProcfs, got)
	}
	if got := sourceKindFor("snap.fragsnap"); got != kcore.KindSnapshot {
		t.Errorf("expected %q for snapshot target, got %q", kcore.KindSnapshot, got)
	}
}

// TestThresholdsForTarget tests threshold merging from target config.
func TestThresholdsForTarget(t *testing.T) {
	t.Parallel()

	t.Run("returns defaults for empty config", func(t *testing.T) {
		t.Parallel()
		th := thresholdsForTarget(config.TargetConfig{})
		want := scanner.DefaultThresholds()
		if th != want {
			t.Errorf("expected default thresholds %+v, got %+v", want, th)
		}
	})

	t.Run("applies overrides", func(t *testing.T) {
		t.Parallel()
		th := thresholdsForTarget(config.TargetConfig{
			WarnUnmovablePercent:     5,
			HighUnmovablePercent:     15,
			CriticalUnmovablePercent: 40,
		})
		if th.WarnUnmovablePercent != 5 {
			t.Errorf("expected warn threshold 5, got %v", th.WarnUnmovablePercent)
		}
		if th.HighUnmovablePercent != 15 {
			t.Errorf("expected high threshold 15, got %v", th.HighUnmovablePercent)
		}
		if th.CriticalUnmovablePercent != 40 {
			t.Errorf("expected critical threshold 40, got %v", th.CriticalUnmovablePercent)
		}
	})

	t.Run("keeps unset fields at defaults", func(t *testing.T) {
		t.Parallel()
		th := thresholdsForTarget(config.TargetConfig{HighUnmovablePercent: 25})
		want := scanner.DefaultThresholds()
		if th.WarnUnmovablePercent != want.WarnUnmovablePercent {
			t.Errorf("expected warn threshold %v, got %v", want.WarnUnmovablePercent, th.WarnUnmovablePercent)
		}
		if th.HighUnmovablePercent != 25 {
			t.Errorf("expected high threshold 25, got %v", th.HighUnmovablePercent)
		}
	})
}

// TestScannerOptionsForTarget tests scanner option assembly.
func TestScannerOptionsForTarget(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	t.Run("base options always present", func(t *testing.T) {
		t.Parallel()
		cfg := config.NewConfig()
		opts := scannerOptionsForTarget(logger, cfg, config.TargetConfig{})
		// order, keep-blocks, logger
		if len(opts) != 3 {
			t.Errorf("expected 3 options, got %d", len(opts))
		}
	})

	t.Run("adds pfn caps when configured", func(t *testing.T) {
		t.Parallel()
		cfg := config.NewConfig()
		cfg.MaxPFN = 1 << 20
		cfg.BoundaryPFN = 1 << 18
		opts := scannerOptionsForTarget(logger, cfg, config.TargetConfig{})
		if len(opts) != 5 {
			t.Errorf("expected 5 options, got %d", len(opts))
		}
	})

	t.Run("falls back to target config caps", func(t *testing.T) {
		t.Parallel()
		cfg := config.NewConfig()
		opts := scannerOptionsForTarget(logger, cfg, config.TargetConfig{
			MaxPFN:      1 << 20,
			BoundaryPFN: 1 << 18,
		})
		if len(opts) != 5 {
			t.Errorf("expected 5 options, got %d", len(opts))
		}
	})
}

// writeTestSnapshot writes a small snapshot file with a movable and an
// unmovable pageblock and returns its path.
func writeTestSnapshot(t *testing.T) string {
	t.Helper()

	const order = 9
	const blockPages = 1 << order

	flags := make([]uint64, 2*blockPages)
	// First block: user pages on the LRU, fully movable
	for i := 0; i < blockPages; i++ {
		flags[i] = 1 << kcore.KPFLRU
	}
	// Second block: slab pages, pinned
	for i := blockPages; i < 2*blockPages; i++ {
		flags[i] = 1 << kcore.KPFSlab
	}

	path := filepath.Join(t.TempDir(), "scan-test.fragsnap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create snapshot file: %v", err)
	}
	defer f.Close()

	err = kcore.WriteSnapshot(f, kcore.SnapshotData{
		Meta: kcore.Meta{
			KernelRelease: "6.6.0-test",
			PageSize:      4096,
			MaxPFN:        uint64(len(flags)),
		},
		Flags: flags,
	})
	if err != nil {
		t.Fatalf("failed to write snapshot: %v", err)
	}

	return path
}

// TestRunScanSnapshot runs a full scan of a snapshot file end to end.
func TestRunScanSnapshot(t *testing.T) {
	snapPath := writeTestSnapshot(t)
	reportPath := filepath.Join(t.TempDir(), "report.json")

	cfg := config.NewConfig()
	cfg.Targets = []string{snapPath}
	cfg.JSONReport = true
	cfg.ReportFile = reportPath
	cfg.SaveToDB = false

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if err := runScan(context.Background(), cfg, logger); err != nil {
		t.Fatalf("runScan() error = %v", err)
	}

	content, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(content, &result); err != nil {
		t.Fatalf("failed to parse JSON report: %v", err)
	}

	reportObj, ok := result["report"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected 'report' object in output, got %v", result)
	}
	if reportObj["target"] != snapPath {
		t.Errorf("expected target %q, got %v", snapPath, reportObj["target"])
	}
	if reportObj["movable_blocks"] != float64(1) {
		t.Errorf("expected 1 movable block, got %v", reportObj["movable_blocks"])
	}
	if reportObj["unmovable_blocks"] != float64(1) {
		t.Errorf("expected 1 unmovable block, got %v", reportObj["unmovable_blocks"])
	}
}

// TestRunScanBatch runs a concurrent batch scan of several snapshots.
func TestRunScanBatch(t *testing.T) {
	snap1 := writeTestSnapshot(t)
	snap2 := writeTestSnapshot(t)

	cfg := config.NewConfig()
	cfg.Targets = []string{snap1, snap2}
	cfg.BatchSize = 2
	cfg.SaveToDB = false
	cfg.ReportFile = filepath.Join(t.TempDir(), "batch-report.txt")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if err := runScan(context.Background(), cfg, logger); err != nil {
		t.Fatalf("runScan() error = %v", err)
	}

	if _, err := os.Stat(cfg.ReportFile); os.IsNotExist(err) {
		t.Error("expected report file to be created")
	}
}

// TestRunScanMissingSnapshot verifies a missing snapshot does not abort
// the sequential run.
func TestRunScanMissingSnapshot(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Targets = []string{filepath.Join(t.TempDir(), "missing.fragsnap")}
	cfg.SaveToDB = false

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// The walk fails but the sequential loop continues past it.
	if err := runScan(context.Background(), cfg, logger); err != nil {
		t.Fatalf("runScan() error = %v", err)
	}
}

// TestRunScanNoTargets tests that runScan returns error when no targets provided.
func TestRunScanNoTargets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := config.NewConfig()
	cfg.Targets = []string{} // No targets
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	err := runScan(ctx, cfg, logger)
	if err == nil {
		t.Error("expected error for no targets")
	}
}

// TestRunScanWithContextCancellation tests that runScan handles context cancellation.
func TestRunScanWithContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	cfg := config.NewConfig()
	cfg.Targets = []string{"whatever.fragsnap"}
	cfg.SaveToDB = false

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	err := runScan(ctx, cfg, logger)
	if err == nil {
		t.Error("expected error due to cancelled context")
	}
}

// TestRunScanCmdConflictingFormats tests runScanCmd with both --json and --markdown.
func TestRunScanCmdConflictingFormats(t *testing.T) {
	t.Parallel()

	rootCmd := NewRootCmd()
	rootCmd.SetArgs([]string{"scan", "--json", "--markdown", "test.fragsnap"})

	err := rootCmd.Execute()
	if err == nil {
		t.Error("expected error for conflicting report formats")
	}
	if !strings.Contains(err.Error(), "conflicting report formats") {
		t.Errorf("expected 'conflicting report formats' error, got: %v", err)
	}
}

// TestOutputReport tests the report output functionality.
func TestOutputReport(t *testing.T) {
	newReport := func() *model.ScanReport {
		report := model.NewScanReport("test.fragsnap", kcore.KindSnapshot)
		report.PageblockOrder = 9
		report.MovableBlocks = 10
		report.UnmovableBlocks = 2
		return report
	}

	t.Run("outputs JSON report to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		outputPath := filepath.Join(tmpDir, "report.json")

		cfg := &config.Config{
			JSONReport: true,
			ReportFile: outputPath,
		}

		err := outputReport(cfg, newReport())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Verify JSON content
		content, err := os.ReadFile(outputPath)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}

		var result map[string]interface{}
		if err := json.Unmarshal(content, &result); err != nil {
			t.Fatalf("failed to parse JSON: %v", err)
		}
		if _, ok := result["version"].(string); !ok {
			t.Error("expected version in JSON output")
		}
	})

	t.Run("creates parent directories", func(t *testing.T) {
		tmpDir := t.TempDir()
		outputPath := filepath.Join(tmpDir, "subdir", "nested", "report.json")

		cfg := &config.Config{
			JSONReport: true,
			ReportFile: outputPath,
		}

		err := outputReport(cfg, newReport())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			t.Error("expected output file to be created in nested directory")
		}
	})

	t.Run("outputs text report to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		outputPath := filepath.Join(tmpDir, "report.txt")

		cfg := &config.Config{
			ReportFile: outputPath,
		}

		err := outputReport(cfg, newReport())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		content, err := os.ReadFile(outputPath)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}

		if !bytes.Contains(content, []byte("test.fragsnap")) {
			t.Error("expected report to contain target name")
		}
	})

	t.Run("outputs markdown report to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		outputPath := filepath.Join(tmpDir, "report.md")

		cfg := &config.Config{
			MarkdownReport: true,
			ReportFile:     outputPath,
		}

		err := outputReport(cfg, newReport())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		content, err := os.ReadFile(outputPath)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}

		if !bytes.Contains(content, []byte("# Memory Fragmentation Report")) {
			t.Error("expected markdown header in report")
		}
	})

	t.Run("initializes Summary if nil", func(t *testing.T) {
		tmpDir := t.TempDir()
		outputPath := filepath.Join(tmpDir, "report.txt")

		cfg := &config.Config{
			ReportFile: outputPath,
		}

		report := newReport()
		report.Summary = nil

		err := outputReport(cfg, report)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if report.Summary == nil {
			t.Error("expected Summary to be initialized")
		}
	})
}

// TestSaveScanReport tests the saveScanReport function.
func TestSaveScanReport(t *testing.T) {
	t.Parallel()

	// Create a logger for testing
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	t.Run("returns nil when db is nil", func(t *testing.T) {
		t.Parallel()

		report := model.NewScanReport("test.fragsnap", kcore.KindSnapshot)
		err := saveScanReport(ctx, nil, report, logger)
		if err != nil {
			t.Errorf("expected nil error when db is nil, got %v", err)
		}
	})

	t.Run("saves report to database", func(t *testing.T) {
		t.Parallel()

		tmpDir := t.TempDir()
		db, err := database.Open(tmpDir, database.DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		report := model.NewScanReport("save-test.fragsnap", kcore.KindSnapshot)
		report.MovableBlocks = 100
		report.UnmovableBlocks = 20

		err = saveScanReport(ctx, db, report, logger)
		if err != nil {
			t.Fatalf("saveScanReport() error = %v", err)
		}

		// Verify report was saved
		saved, err := db.GetLatestScanReport(ctx, "save-test.fragsnap")
		if err != nil {
			t.Fatalf("failed to get saved report: %v", err)
		}
		if saved == nil {
			t.Fatal("expected report to be saved")
		}
		if saved.Target != "save-test.fragsnap" {
			t.Errorf("expected target 'save-test.fragsnap', got %q", saved.Target)
		}
	})
}
