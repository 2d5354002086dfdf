package main

import (
	"context"
	"testing"
	"time"

	"github.com/kmemlab/fragscan/internal/database"
	"github.com/kmemlab/fragscan/internal/kcore"
	"github.com/kmemlab/fragscan/internal/model"
)

// TestNewCompareCmd tests the compare command creation.
func TestNewCompareCmd(t *testing.T) {
	t.Parallel()

	cmd := NewCompareCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "compare [target]" {
			t.Errorf("expected use 'compare [target]', got %q", cmd.Use)
		}
	})

	t.Run("has short description", func(t *testing.T) {
		t.Parallel()
		if cmd.Short == "" {
			t.Error("expected non-empty short description")
		}
	})

	t.Run("has list flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("list")
		if flag == nil {
			t.Fatal("expected list flag")
		}
		if flag.Shorthand != "l" {
			t.Errorf("expected shorthand 'l', got %q", flag.Shorthand)
		}
	})

	t.Run("has list-targets flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("list-targets")
		if flag == nil {
			t.Fatal("expected list-targets flag")
		}
		if flag.Shorthand != "L" {
			t.Errorf("expected shorthand 'L', got %q", flag.Shorthand)
		}
	})

	t.Run("has with-scan-id flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("with-scan-id")
		if flag == nil {
			t.Fatal("expected with-scan-id flag")
		}
		if flag.Shorthand != "i" {
			t.Errorf("expected shorthand 'i', got %q", flag.Shorthand)
		}
	})

	t.Run("has since flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("since")
		if flag == nil {
			t.Fatal("expected since flag")
		}
		if flag.Shorthand != "s" {
			t.Errorf("expected shorthand 's', got %q", flag.Shorthand)
		}
	})

	t.Run("has output format flags", func(t *testing.T) {
		t.Parallel()
		if cmd.Flags().Lookup("json") == nil {
			t.Error("expected json flag")
		}
		if cmd.Flags().Lookup("markdown") == nil {
			t.Error("expected markdown flag")
		}
	})
}

// TestFormatSeveritySummary tests the severity summary formatting.
func TestFormatSeveritySummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		summary map[string]int
		want    string
	}{
		{
			name:    "nil map",
			summary: nil,
			want:    "N/A",
		},
		{
			name:    "empty map",
			summary: map[string]int{},
			want:    noFindingsMessage,
		},
		{
			name:    "all zero",
			summary: map[string]int{"critical": 0, "high": 0},
			want:    noFindingsMessage,
		},
		{
			name:    "mixed severities",
			summary: map[string]int{"critical": 1, "high": 2, "medium": 3},
			want:    "C:1 H:2 M:3",
		},
		{
			name:    "low and info only",
			summary: map[string]int{"low": 4, "info": 5},
			want:    "L:4 I:5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSeveritySummary(tt.summary)
			if got != tt.want {
				t.Errorf("formatSeveritySummary() = %q, want %q", got, tt.want)
			}
		})
	}
}

// compareTestReport builds a graded report for comparison tests.
func compareTestReport(target string, unmovableBlocks int, findingTypes ...string) *model.ScanReport {
	report := model.NewScanReport(target, kcore.KindSnapshot)
	report.PageblockOrder = 9
	report.MovableBlocks = 500 - unmovableBlocks
	report.UnmovableBlocks = unmovableBlocks

	for _, ft := range findingTypes {
		report.Findings = append(report.Findings,
			model.NewFinding(ft, "finding "+ft, "", "value"))
	}
	report.Summary = model.NewSummary(report)

	return report
}

// TestCompareReports tests the report diffing logic.
func TestCompareReports(t *testing.T) {
	t.Parallel()

	t.Run("detects new findings", func(t *testing.T) {
		t.Parallel()

		previous := compareTestReport("live", 50, "unmovable_block_ratio_elevated")
		current := compareTestReport("live", 80,
			"unmovable_block_ratio_elevated", "no_free_high_order")

		result := compareReports(previous, current)

		if len(result.NewFindings) != 1 {
			t.Fatalf("expected 1 new finding, got %d", len(result.NewFindings))
		}
		if result.NewFindings[0].Type != "no_free_high_order" {
			t.Errorf("expected new finding 'no_free_high_order', got %q", result.NewFindings[0].Type)
		}
		if len(result.ResolvedFindings) != 0 {
			t.Errorf("expected 0 resolved findings, got %d", len(result.ResolvedFindings))
		}
		if result.UnchangedCount != 1 {
			t.Errorf("expected 1 unchanged finding, got %d", result.UnchangedCount)
		}
	})

	t.Run("detects resolved findings", func(t *testing.T) {
		t.Parallel()

		previous := compareTestReport("live", 80,
			"unmovable_block_ratio_elevated", "no_free_high_order")
		current := compareTestReport("live", 50, "unmovable_block_ratio_elevated")

		result := compareReports(previous, current)

		if len(result.ResolvedFindings) != 1 {
			t.Fatalf("expected 1 resolved finding, got %d", len(result.ResolvedFindings))
		}
		if result.ResolvedFindings[0].Type != "no_free_high_order" {
			t.Errorf("expected resolved finding 'no_free_high_order', got %q", result.ResolvedFindings[0].Type)
		}
	})

	t.Run("same type with different value is unchanged", func(t *testing.T) {
		t.Parallel()

		previous := compareTestReport("live", 50)
		previous.Findings = []model.Finding{
			model.NewFinding("unmovable_block_ratio_elevated", "Elevated share", "", "11.8%"),
		}
		previous.Summary = model.NewSummary(previous)

		current := compareTestReport("live", 60)
		current.Findings = []model.Finding{
			model.NewFinding("unmovable_block_ratio_elevated", "Elevated share", "", "13.2%"),
		}
		current.Summary = model.NewSummary(current)

		result := compareReports(previous, current)

		if len(result.NewFindings) != 0 {
			t.Errorf("expected 0 new findings, got %d", len(result.NewFindings))
		}
		if len(result.ResolvedFindings) != 0 {
			t.Errorf("expected 0 resolved findings, got %d", len(result.ResolvedFindings))
		}
		if result.UnchangedCount != 1 {
			t.Errorf("expected 1 unchanged finding, got %d", result.UnchangedCount)
		}
	})

	t.Run("fills scan metadata", func(t *testing.T) {
		t.Parallel()

		previous := compareTestReport("live", 50, "unmovable_block_ratio_elevated")
		current := compareTestReport("live", 80, "unmovable_block_ratio_high")

		result := compareReports(previous, current)

		if result.Target != "live" {
			t.Errorf("expected target 'live', got %q", result.Target)
		}
		if result.PreviousScan.UnmovableBlocks != 50 {
			t.Errorf("expected previous unmovable blocks 50, got %d", result.PreviousScan.UnmovableBlocks)
		}
		if result.CurrentScan.UnmovableBlocks != 80 {
			t.Errorf("expected current unmovable blocks 80, got %d", result.CurrentScan.UnmovableBlocks)
		}
		if result.PreviousScan.MediumCount != 1 {
			t.Errorf("expected previous medium count 1, got %d", result.PreviousScan.MediumCount)
		}
		if result.CurrentScan.HighCount != 1 {
			t.Errorf("expected current high count 1, got %d", result.CurrentScan.HighCount)
		}
	})

	t.Run("generates summary when missing", func(t *testing.T) {
		t.Parallel()

		previous := compareTestReport("live", 50)
		previous.Summary = nil
		current := compareTestReport("live", 80)
		current.Summary = nil

		result := compareReports(previous, current)

		if result.PreviousScan.UnmovableBlocks != 50 {
			t.Errorf("expected previous unmovable blocks 50, got %d", result.PreviousScan.UnmovableBlocks)
		}
		if result.CurrentScan.UnmovableBlocks != 80 {
			t.Errorf("expected current unmovable blocks 80, got %d", result.CurrentScan.UnmovableBlocks)
		}
	})
}

// TestCalculateFragmentationChange tests the direction grading.
func TestCalculateFragmentationChange(t *testing.T) {
	t.Parallel()

	t.Run("worsened by severity score", func(t *testing.T) {
		t.Parallel()
		previous := ScanMetadata{MediumCount: 1}
		current := ScanMetadata{HighCount: 1, MediumCount: 1}

		change := calculateFragmentationChange(previous, current)
		if change.Direction != fragDirectionWorsened {
			t.Errorf("expected direction %q, got %q", fragDirectionWorsened, change.Direction)
		}
		if change.HighDelta != 1 {
			t.Errorf("expected high delta 1, got %d", change.HighDelta)
		}
	})

	t.Run("improved by severity score", func(t *testing.T) {
		t.Parallel()
		previous := ScanMetadata{CriticalCount: 1}
		current := ScanMetadata{MediumCount: 2}

		change := calculateFragmentationChange(previous, current)
		if change.Direction != fragDirectionImproved {
			t.Errorf("expected direction %q, got %q", fragDirectionImproved, change.Direction)
		}
		if change.CriticalDelta != -1 {
			t.Errorf("expected critical delta -1, got %d", change.CriticalDelta)
		}
	})

	t.Run("score tie falls back to unmovable share", func(t *testing.T) {
		t.Parallel()
		previous := ScanMetadata{MediumCount: 1, UnmovablePercent: 12}
		current := ScanMetadata{MediumCount: 1, UnmovablePercent: 18}

		change := calculateFragmentationChange(previous, current)
		if change.Direction != fragDirectionWorsened {
			t.Errorf("expected direction %q, got %q", fragDirectionWorsened, change.Direction)
		}
		if change.UnmovablePercentDelta != 6 {
			t.Errorf("expected unmovable delta 6, got %v", change.UnmovablePercentDelta)
		}
	})

	t.Run("unchanged when everything matches", func(t *testing.T) {
		t.Parallel()
		meta := ScanMetadata{MediumCount: 2, UnmovablePercent: 10}

		change := calculateFragmentationChange(meta, meta)
		if change.Direction != fragDirectionUnchanged {
			t.Errorf("expected direction %q, got %q", fragDirectionUnchanged, change.Direction)
		}
	})
}

// TestFormatHelpers tests the small formatting helpers.
func TestFormatHelpers(t *testing.T) {
	t.Parallel()

	t.Run("formatDelta", func(t *testing.T) {
		t.Parallel()
		if got := formatDelta(3); got != "+3" {
			t.Errorf("formatDelta(3) = %q, want '+3'", got)
		}
		if got := formatDelta(-2); got != "-2" {
			t.Errorf("formatDelta(-2) = %q, want '-2'", got)
		}
		if got := formatDelta(0); got != "0" {
			t.Errorf("formatDelta(0) = %q, want '0'", got)
		}
	})

	t.Run("formatPercentDelta", func(t *testing.T) {
		t.Parallel()
		if got := formatPercentDelta(2.5); got != "+2.5pp" {
			t.Errorf("formatPercentDelta(2.5) = %q, want '+2.5pp'", got)
		}
		if got := formatPercentDelta(-1.2); got != "-1.2pp" {
			t.Errorf("formatPercentDelta(-1.2) = %q, want '-1.2pp'", got)
		}
		if got := formatPercentDelta(0); got != "0.0pp" {
			t.Errorf("formatPercentDelta(0) = %q, want '0.0pp'", got)
		}
	})

	t.Run("formatOrderText", func(t *testing.T) {
		t.Parallel()
		if got := formatOrderText(-1); got != "none" {
			t.Errorf("formatOrderText(-1) = %q, want 'none'", got)
		}
		if got := formatOrderText(10); got != "10" {
			t.Errorf("formatOrderText(10) = %q, want '10'", got)
		}
	})

	t.Run("formatFragDirection", func(t *testing.T) {
		t.Parallel()
		if got := formatFragDirection(fragDirectionImproved); got != "IMPROVED (fragmentation decreased)" {
			t.Errorf("unexpected improved text: %q", got)
		}
		if got := formatFragDirection(fragDirectionWorsened); got != "WORSENED (fragmentation increased)" {
			t.Errorf("unexpected worsened text: %q", got)
		}
		if got := formatFragDirection("bogus"); got != "UNCHANGED" {
			t.Errorf("unexpected fallback text: %q", got)
		}
	})
}

// TestRunComparison tests the comparison flow against a real database.
func TestRunComparison(t *testing.T) {
	ctx := context.Background()

	openDB := func(t *testing.T) *database.ScanDB {
		t.Helper()
		db, err := database.Open(t.TempDir(), database.DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return db
	}

	save := func(t *testing.T, db *database.ScanDB, report *model.ScanReport) int64 {
		t.Helper()
		id, err := db.SaveScanReport(ctx, report)
		if err != nil {
			t.Fatalf("failed to save report: %v", err)
		}
		return id
	}

	t.Run("compares latest two scans", func(t *testing.T) {
		db := openDB(t)
		save(t, db, compareTestReport("live", 50, "unmovable_block_ratio_elevated"))
		save(t, db, compareTestReport("live", 80, "unmovable_block_ratio_high"))

		err := runComparison(ctx, db, "live", 0, "", false, false)
		if err != nil {
			t.Fatalf("runComparison() error = %v", err)
		}
	})

	t.Run("errors with no history", func(t *testing.T) {
		db := openDB(t)

		err := runComparison(ctx, db, "live", 0, "", false, false)
		if err == nil {
			t.Error("expected error for missing history")
		}
	})

	t.Run("errors with a single scan", func(t *testing.T) {
		db := openDB(t)
		save(t, db, compareTestReport("live", 50))

		err := runComparison(ctx, db, "live", 0, "", false, false)
		if err == nil {
			t.Error("expected error for a single scan")
		}
	})

	t.Run("compares with specific scan id", func(t *testing.T) {
		db := openDB(t)
		firstID := save(t, db, compareTestReport("live", 50, "unmovable_block_ratio_elevated"))
		save(t, db, compareTestReport("live", 80, "no_free_high_order"))

		err := runComparison(ctx, db, "live", firstID, "", true, false)
		if err != nil {
			t.Fatalf("runComparison() error = %v", err)
		}
	})

	t.Run("rejects scan id of a different target", func(t *testing.T) {
		db := openDB(t)
		otherID := save(t, db, compareTestReport("other.fragsnap", 50))
		save(t, db, compareTestReport("live", 50))
		save(t, db, compareTestReport("live", 80))

		err := runComparison(ctx, db, "live", otherID, "", false, false)
		if err == nil {
			t.Error("expected error for scan id of different target")
		}
	})

	t.Run("rejects unknown scan id", func(t *testing.T) {
		db := openDB(t)
		save(t, db, compareTestReport("live", 50))
		save(t, db, compareTestReport("live", 80))

		err := runComparison(ctx, db, "live", 9999, "", false, false)
		if err == nil {
			t.Error("expected error for unknown scan id")
		}
	})

	t.Run("compares since a past date", func(t *testing.T) {
		db := openDB(t)
		save(t, db, compareTestReport("live", 50, "unmovable_block_ratio_elevated"))
		save(t, db, compareTestReport("live", 80))

		since := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
		err := runComparison(ctx, db, "live", 0, since, false, true)
		if err != nil {
			t.Fatalf("runComparison() error = %v", err)
		}
	})

	t.Run("rejects invalid since date", func(t *testing.T) {
		db := openDB(t)
		save(t, db, compareTestReport("live", 50))
		save(t, db, compareTestReport("live", 80))

		err := runComparison(ctx, db, "live", 0, "not-a-date", false, false)
		if err == nil {
			t.Error("expected error for invalid date")
		}
	})

	t.Run("errors when no scans since date", func(t *testing.T) {
		db := openDB(t)
		save(t, db, compareTestReport("live", 50))
		save(t, db, compareTestReport("live", 80))

		future := time.Now().AddDate(1, 0, 0).Format("2006-01-02")
		err := runComparison(ctx, db, "live", 0, future, false, false)
		if err == nil {
			t.Error("expected error for future date")
		}
	})
}

// TestListHelpers tests the history listing helpers against a real database.
func TestListHelpers(t *testing.T) {
	ctx := context.Background()

	t.Run("listScannedTargets with empty database", func(t *testing.T) {
		db, err := database.Open(t.TempDir(), database.DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		if err := listScannedTargets(ctx, db); err != nil {
			t.Errorf("listScannedTargets() error = %v", err)
		}
	})

	t.Run("listScannedTargets with records", func(t *testing.T) {
		db, err := database.Open(t.TempDir(), database.DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		if _, err := db.SaveScanReport(ctx, compareTestReport("live", 50)); err != nil {
			t.Fatalf("failed to save report: %v", err)
		}

		if err := listScannedTargets(ctx, db); err != nil {
			t.Errorf("listScannedTargets() error = %v", err)
		}
	})

	t.Run("listScanHistory with and without records", func(t *testing.T) {
		db, err := database.Open(t.TempDir(), database.DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		if err := listScanHistory(ctx, db, "live"); err != nil {
			t.Errorf("listScanHistory() error = %v", err)
		}

		if _, err := db.SaveScanReport(ctx, compareTestReport("live", 50, "unmovable_block_ratio_elevated")); err != nil {
			t.Fatalf("failed to save report: %v", err)
		}

		if err := listScanHistory(ctx, db, "live"); err != nil {
			t.Errorf("listScanHistory() error = %v", err)
		}
	})
}

// TestOutputComparisonFormats tests all three output paths.
func TestOutputComparisonFormats(t *testing.T) {
	result := compareReports(
		compareTestReport("live", 50, "unmovable_block_ratio_elevated"),
		compareTestReport("live", 80, "unmovable_block_ratio_high", "no_free_high_order"),
	)

	if err := outputComparisonText(result); err != nil {
		t.Errorf("outputComparisonText() error = %v", err)
	}
	if err := outputComparisonMarkdown(result); err != nil {
		t.Errorf("outputComparisonMarkdown() error = %v", err)
	}
	if err := outputComparisonJSON(result); err != nil {
		t.Errorf("outputComparisonJSON() error = %v", err)
	}
}
