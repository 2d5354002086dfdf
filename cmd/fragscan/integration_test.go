package main

import (
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
)

// writeSnapshotWithMix writes a snapshot with the given pageblock mix and
// returns its path. Movable blocks hold LRU pages, unmovable blocks hold
// slab pages with a sprinkling of free buddy pages.
func writeSnapshotWithMix(t *testing.T, dir string, movableBlocks, unmovableBlocks int) string {
	t.Helper()

	const order = 9
	const blockPages = 1 << order

	flags := make([]uint64, (movableBlocks+unmovableBlocks)*blockPages)
	pfn := 0
	for b := 0; b < movableBlocks; b++ {
		for i := 0; i < blockPages; i++ {
			flags[pfn] = 1 << kcore.KPFLRU
			pfn++
		}
	}
	for b := 0; b < unmovableBlocks; b++ {
		for i := 0; i < blockPages; i++ {
			if i%8 == 0 {
				flags[pfn] = 1 << kcore.KPFBuddy
			} else {
				flags[pfn] = 1 << kcore.KPFSlab
			}
			pfn++
		}
	}

	path := filepath.Join(dir, "mix.fragsnap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create snapshot file: %v", err)
	}
	defer f.Close()

	err = kcore.WriteSnapshot(f, kcore.SnapshotData{
		Meta: kcore.Meta{
			KernelRelease: "6.6.0-integration",
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

// TestIntegrationScanCommand runs the scan command end to end through cobra.
func TestIntegrationScanCommand(t *testing.T) {
	t.Run("text report", func(t *testing.T) {
		snapPath := writeSnapshotWithMix(t, t.TempDir(), 8, 2)
		reportPath := filepath.Join(t.TempDir(), "report.txt")

		rootCmd := NewRootCmd()
		rootCmd.SetArgs([]string{"scan", "--no-save", "-o", reportPath, snapPath})

		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("scan command failed: %v", err)
		}

		content, err := os.ReadFile(reportPath)
		if err != nil {
			t.Fatalf("failed to read report: %v", err)
		}
		output := string(content)

		if !strings.Contains(output, "FRAGSCAN REPORT") {
			t.Error("expected report header")
		}
		if !strings.Contains(output, snapPath) {
			t.Error("expected report to name the snapshot")
		}
		if !strings.Contains(output, "6.6.0-integration") {
			t.Error("expected report to include the kernel release")
		}
	})

	t.Run("json report", func(t *testing.T) {
		snapPath := writeSnapshotWithMix(t, t.TempDir(), 8, 2)
		reportPath := filepath.Join(t.TempDir(), "report.json")

		rootCmd := NewRootCmd()
		rootCmd.SetArgs([]string{"scan", "--no-save", "--json", "-o", reportPath, snapPath})

		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("scan command failed: %v", err)
		}

		content, err := os.ReadFile(reportPath)
		if err != nil {
			t.Fatalf("failed to read report: %v", err)
		}

		var wrapper struct {
			Report struct {
				Target          string `json:"target"`
				MovableBlocks   int    `json:"movable_blocks"`
				UnmovableBlocks int    `json:"unmovable_blocks"`
				KernelRelease   string `json:"kernel_release"`
			} `json:"report"`
			Summary struct {
				ScannedBlocks int `json:"scanned_blocks"`
			} `json:"summary"`
		}
		if err := json.Unmarshal(content, &wrapper); err != nil {
			t.Fatalf("failed to parse JSON report: %v", err)
		}

		if wrapper.Report.Target != snapPath {
			t.Errorf("expected target %q, got %q", snapPath, wrapper.Report.Target)
		}
		if wrapper.Report.MovableBlocks != 8 {
			t.Errorf("expected 8 movable blocks, got %d", wrapper.Report.MovableBlocks)
		}
		if wrapper.Report.UnmovableBlocks != 2 {
			t.Errorf("expected 2 unmovable blocks, got %d", wrapper.Report.UnmovableBlocks)
		}
		if wrapper.Summary.ScannedBlocks != 10 {
			t.Errorf("expected 10 scanned blocks, got %d", wrapper.Summary.ScannedBlocks)
		}
	})

	t.Run("markdown report", func(t *testing.T) {
		snapPath := writeSnapshotWithMix(t, t.TempDir(), 8, 2)
		reportPath := filepath.Join(t.TempDir(), "report.md")

		rootCmd := NewRootCmd()
		rootCmd.SetArgs([]string{"scan", "--no-save", "--markdown", "-o", reportPath, snapPath})

		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("scan command failed: %v", err)
		}

		content, err := os.ReadFile(reportPath)
		if err != nil {
			t.Fatalf("failed to read report: %v", err)
		}

		if !strings.Contains(string(content), "# Memory Fragmentation Report") {
			t.Error("expected markdown header")
		}
	})

	t.Run("block dump", func(t *testing.T) {
		snapPath := writeSnapshotWithMix(t, t.TempDir(), 2, 1)
		reportPath := filepath.Join(t.TempDir(), "report.txt")

		rootCmd := NewRootCmd()
		rootCmd.SetArgs([]string{"scan", "--no-save", "--dump-blocks", "-o", reportPath, snapPath})

		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("scan command failed: %v", err)
		}

		content, err := os.ReadFile(reportPath)
		if err != nil {
			t.Fatalf("failed to read report: %v", err)
		}

		if !strings.Contains(string(content), "PAGEBLOCK DUMP") {
			t.Error("expected block dump section")
		}
	})
}

// TestIntegrationScanAndCompare scans twice into a database and compares.
func TestIntegrationScanAndCompare(t *testing.T) {
	dbDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	// First scan: mildly fragmented
	firstSnap := writeSnapshotWithMix(t, t.TempDir(), 9, 1)
	cfg := config.NewConfig()
	cfg.Targets = []string{firstSnap}
	cfg.SaveToDB = true
	cfg.DBDir = dbDir

	if err := runScan(ctx, cfg, logger); err != nil {
		t.Fatalf("first runScan() error = %v", err)
	}

	// Second scan of the same path: heavily fragmented image
	secondSnap := writeSnapshotWithMix(t, filepath.Dir(firstSnap), 4, 6)
	if secondSnap != firstSnap {
		t.Fatalf("expected snapshot to be rewritten in place, got %q and %q", firstSnap, secondSnap)
	}
	if err := runScan(ctx, cfg, logger); err != nil {
		t.Fatalf("second runScan() error = %v", err)
	}

	db, err := database.Open(dbDir, database.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	history, err := db.GetScanHistory(ctx, firstSnap)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 scans in history, got %d", len(history))
	}

	// Newest first: the heavily fragmented scan leads
	if history[0].UnmovableBlocks != 6 {
		t.Errorf("expected latest scan with 6 unmovable blocks, got %d", history[0].UnmovableBlocks)
	}
	if history[1].UnmovableBlocks != 1 {
		t.Errorf("expected first scan with 1 unmovable block, got %d", history[1].UnmovableBlocks)
	}

	comparison := compareReports(history[1], history[0])
	if comparison.FragmentationChange.Direction != fragDirectionWorsened {
		t.Errorf("expected direction %q, got %q",
			fragDirectionWorsened, comparison.FragmentationChange.Direction)
	}
	if comparison.FragmentationChange.UnmovablePercentDelta <= 0 {
		t.Errorf("expected positive unmovable delta, got %v",
			comparison.FragmentationChange.UnmovablePercentDelta)
	}

	if err := runComparison(ctx, db, firstSnap, 0, "", false, false); err != nil {
		t.Errorf("runComparison() error = %v", err)
	}
}

// TestIntegrationBatchScan scans several snapshots concurrently into a database.
func TestIntegrationBatchScan(t *testing.T) {
	dbDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	snap1 := writeSnapshotWithMix(t, t.TempDir(), 8, 2)
	snap2 := writeSnapshotWithMix(t, t.TempDir(), 5, 5)
	snap3 := writeSnapshotWithMix(t, t.TempDir(), 2, 8)

	cfg := config.NewConfig()
	cfg.Targets = []string{snap1, snap2, snap3}
	cfg.BatchSize = 3
	cfg.SaveToDB = true
	cfg.DBDir = dbDir
	cfg.ReportFile = filepath.Join(t.TempDir(), "batch.txt")

	if err := runScan(ctx, cfg, logger); err != nil {
		t.Fatalf("runScan() error = %v", err)
	}

	db, err := database.Open(dbDir, database.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	targets, err := db.ListTargets(ctx)
	if err != nil {
		t.Fatalf("failed to list targets: %v", err)
	}
	if len(targets) != 3 {
		t.Errorf("expected 3 targets in database, got %d", len(targets))
	}

	for _, snap := range []string{snap1, snap2, snap3} {
		report, err := db.GetLatestScanReport(ctx, snap)
		if err != nil {
			t.Fatalf("failed to get report for %s: %v", snap, err)
		}
		if report == nil {
			t.Errorf("expected saved report for %s", snap)
		}
	}
}

// TestIntegrationConfigFileOverrides verifies config-file thresholds reach
// the grading step.
func TestIntegrationConfigFileOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	// 20% unmovable: below the default warn threshold as a block ratio
	// finding only at medium, but above a tightened high threshold.
	snapPath := writeSnapshotWithMix(t, tmpDir, 8, 2)

	configPath := filepath.Join(tmpDir, ".fragscan")
	configContent := "targets:\n  " + snapPath + ":\n    highUnmovablePercent: 15\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	reportPath := filepath.Join(tmpDir, "report.json")
	rootCmd := NewRootCmd()
	rootCmd.SetArgs([]string{"scan", "--no-save", "--json",
		"-c", configPath, "-o", reportPath, snapPath})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("scan command failed: %v", err)
	}

	content, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}

	var wrapper struct {
		Summary struct {
			Findings []struct {
				Type string `json:"type"`
			} `json:"findings"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(content, &wrapper); err != nil {
		t.Fatalf("failed to parse JSON report: %v", err)
	}

	// 20% unmovable crosses the tightened 15% high threshold, so the
	// ratio finding is graded high instead of elevated
	found := false
	for _, f := range wrapper.Summary.Findings {
		if f.Type == "unmovable_block_ratio_high" {
			found = true
		}
		if f.Type == "unmovable_block_ratio_elevated" {
			t.Error("expected the elevated finding to be replaced by the high one")
		}
	}
	if !found {
		t.Error("expected an unmovable_block_ratio_high finding with tightened threshold")
	}
}
