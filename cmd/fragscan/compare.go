package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kmemlab/fragscan/internal/config"
	"github.com/kmemlab/fragscan/internal/database"
	"github.com/kmemlab/fragscan/internal/model"
	"github.com/spf13/cobra"
)

// Constants for fragmentation direction and summary messages.
const (
	fragDirectionWorsened  = "worsened"
	fragDirectionImproved  = "improved"
	fragDirectionUnchanged = "unchanged"
	noFindingsMessage      = "No findings"
)

// NewCompareCmd creates the compare command.
// This command compares scan results with historical data stored in the database.
func NewCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare [target]",
		Short: "Compare scan results with historical data",
		Long: `Compare displays differences between the current and previous scan results.

This command retrieves historical scan data from the database and shows:
- New findings that appeared since the last scan
- Resolved findings that are no longer present
- How the unmovable-block share moved between scans

The comparison requires at least two scans in the database for the specified
target. Use 'fragscan scan' to perform scans and save results.

Examples:
  # Compare latest two scans of the running kernel
  fragscan compare live

  # List all scan history for a target
  fragscan compare --list live

  # Compare with a specific historical scan by ID
  fragscan compare --with-scan-id 5 live

  # Compare scans since a specific date
  fragscan compare --since "2026-01-01" live

  # Output comparison in JSON format
  fragscan compare --json live

  # List all targets in the database
  fragscan compare --list-targets`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCompareCmd,
	}

	// History listing flags
	cmd.Flags().BoolP("list", "l", false,
		"List scan history for the specified target")
	cmd.Flags().BoolP("list-targets", "L", false,
		"List all scanned targets in the database")

	// Comparison target flags
	cmd.Flags().Int64P("with-scan-id", "i", 0,
		"Compare with a specific scan by ID (use --list to see available IDs)")
	cmd.Flags().StringP("since", "s", "",
		"Compare with the first scan after this date (format: YYYY-MM-DD)")

	// Output format flags
	cmd.Flags().BoolP("json", "j", false,
		"Output comparison result in JSON format")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output comparison result in Markdown format")

	return cmd
}

// runCompareCmd executes the compare command.
func runCompareCmd(cmd *cobra.Command, args []string) error {
	// Handle --list-targets flag first (requires database but no target)
	listTargets, err := cmd.Flags().GetBool("list-targets")
	if err != nil {
		return err
	}

	// Validate arguments before opening database (unless --list-targets)
	// This prevents database lock issues when validation fails
	var target string
	if !listTargets {
		// Require a target for other operations
		if len(args) == 0 {
			return errors.New("target is required (use --list-targets to see available targets)")
		}
		target = args[0]
	}

	// Use XDG data directory for database
	dbDir := config.XDGDataDir()

	// Open database
	db, err := database.Open(dbDir, database.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	// Handle --list-targets flag
	if listTargets {
		return listScannedTargets(ctx, db)
	}

	// Handle --list flag
	listHistory, err := cmd.Flags().GetBool("list")
	if err != nil {
		return err
	}
	if listHistory {
		return listScanHistory(ctx, db, target)
	}

	// Get output format flags
	jsonOutput, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	markdownOutput, err := cmd.Flags().GetBool("markdown")
	if err != nil {
		return err
	}

	// Get comparison target flags
	withScanID, err := cmd.Flags().GetInt64("with-scan-id")
	if err != nil {
		return err
	}
	sinceDate, err := cmd.Flags().GetString("since")
	if err != nil {
		return err
	}

	// Perform comparison
	return runComparison(ctx, db, target, withScanID, sinceDate, jsonOutput, markdownOutput)
}

// listScannedTargets lists all targets that have scan records in the database.
func listScannedTargets(ctx context.Context, db *database.ScanDB) error {
	targets, err := db.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	if len(targets) == 0 {
		fmt.Println("No scanned targets found in the database.")
		fmt.Println("\nUse 'fragscan scan' to scan the running kernel or a snapshot.")
		return nil
	}

	fmt.Printf("Scanned targets (%d):\n\n", len(targets))
	for _, t := range targets {
		fmt.Printf("  • %s\n", t)
	}
	fmt.Println("\nUse 'fragscan compare --list <target>' to see scan history for a target.")

	return nil
}

// listScanHistory lists all scan records for a specific target.
func listScanHistory(ctx context.Context, db *database.ScanDB, target string) error {
	reports, err := db.GetScanHistoryWithMetadata(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to get scan history: %w", err)
	}

	if len(reports) == 0 {
		fmt.Printf("No scan history found for %s\n", target)
		fmt.Println("\nUse 'fragscan scan' to scan this target.")
		return nil
	}

	fmt.Printf("Scan history for %s (%d scans):\n\n", target, len(reports))
	fmt.Printf("  %-6s  %-20s  %-10s  %s\n", "ID", "Date", "Unmovable", "Findings")
	fmt.Println("  " + strings.Repeat("-", 60))

	for _, meta := range reports {
		findingSummary := formatSeveritySummary(meta.SeveritySummary)
		fmt.Printf("  %-6d  %-20s  %-10s  %s\n",
			meta.ID,
			meta.Timestamp.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%.1f%%", meta.UnmovablePercent),
			findingSummary,
		)
	}

	fmt.Println("\nUse 'fragscan compare <target>' to compare the latest two scans.")
	fmt.Println("Use 'fragscan compare --with-scan-id <id> <target>' to compare with a specific scan.")

	return nil
}

// formatSeveritySummary formats the severity summary map into a human-readable string.
func formatSeveritySummary(summary map[string]int) string {
	if summary == nil {
		return "N/A"
	}

	var parts []string
	if v := summary["critical"]; v > 0 {
		parts = append(parts, fmt.Sprintf("C:%d", v))
	}
	if v := summary["high"]; v > 0 {
		parts = append(parts, fmt.Sprintf("H:%d", v))
	}
	if v := summary["medium"]; v > 0 {
		parts = append(parts, fmt.Sprintf("M:%d", v))
	}
	if v := summary["low"]; v > 0 {
		parts = append(parts, fmt.Sprintf("L:%d", v))
	}
	if v := summary["info"]; v > 0 {
		parts = append(parts, fmt.Sprintf("I:%d", v))
	}

	if len(parts) == 0 {
		return noFindingsMessage
	}
	return strings.Join(parts, " ")
}

// runComparison performs the actual comparison between scan reports.
func runComparison(ctx context.Context, db *database.ScanDB, target string, withScanID int64, sinceDate string, jsonOutput, markdownOutput bool) error {
	// Get the scan history
	reports, err := db.GetScanHistory(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to get scan history: %w", err)
	}

	if len(reports) == 0 {
		return fmt.Errorf("no scan history found for %s", target)
	}

	if len(reports) < 2 && withScanID == 0 && sinceDate == "" {
		return fmt.Errorf("at least 2 scans are required for comparison (found %d)", len(reports))
	}

	// Determine which reports to compare
	var currentReport, previousReport *model.ScanReport

	// Latest report is always the current one
	currentReport = reports[0]

	if withScanID > 0 {
		// Find the report with the specified ID
		previousReport, err = db.GetScanReportByID(ctx, withScanID)
		if err != nil {
			return fmt.Errorf("failed to get scan with ID %d: %w", withScanID, err)
		}
		if previousReport == nil {
			return fmt.Errorf("scan with ID %d not found", withScanID)
		}
		// Validate that the scan ID belongs to the same target
		if previousReport.Target != target {
			return fmt.Errorf("scan ID %d belongs to %s, not %s", withScanID, previousReport.Target, target)
		}
	} else if sinceDate != "" {
		// Parse the date and find the first (oldest) report at or after the specified date
		parsedDate, err := time.Parse("2006-01-02", sinceDate)
		if err != nil {
			return fmt.Errorf("invalid date format (use YYYY-MM-DD): %w", err)
		}

		// Reports are sorted by timestamp DESC (newest first), so iterate in reverse
		// to find the first (oldest) report at or after the date
		for i := len(reports) - 1; i >= 0; i-- {
			r := reports[i]
			if r.DateScanned.After(parsedDate) || r.DateScanned.Equal(parsedDate) {
				previousReport = r
				break // Stop at the first (oldest) matching report
			}
		}
		if previousReport == nil {
			return fmt.Errorf("no scans found since %s", sinceDate)
		}
		// If only one scan matches and it's the current report, we can't compare
		if previousReport == currentReport {
			return fmt.Errorf("only one scan found since %s; at least 2 scans are required for comparison", sinceDate)
		}
	} else {
		// Default: compare with the previous scan
		previousReport = reports[1]
	}

	// Generate comparison result
	comparison := compareReports(previousReport, currentReport)

	// Output the result
	if jsonOutput {
		return outputComparisonJSON(comparison)
	}
	if markdownOutput {
		return outputComparisonMarkdown(comparison)
	}
	return outputComparisonText(comparison)
}

// ComparisonResult holds the result of comparing two scan reports.
type ComparisonResult struct {
	// Target is the scanned target.
	Target string `json:"target"`

	// PreviousScan contains metadata about the previous scan.
	PreviousScan ScanMetadata `json:"previous_scan"`

	// CurrentScan contains metadata about the current scan.
	CurrentScan ScanMetadata `json:"current_scan"`

	// NewFindings contains findings that are new in the current scan.
	NewFindings []model.Finding `json:"new_findings,omitempty"`

	// ResolvedFindings contains findings that were in the previous scan but not in current.
	ResolvedFindings []model.Finding `json:"resolved_findings,omitempty"`

	// UnchangedCount is the number of findings that remain unchanged.
	UnchangedCount int `json:"unchanged_count"`

	// FragmentationChange describes the overall change in fragmentation.
	FragmentationChange FragmentationChange `json:"fragmentation_change"`
}

// ScanMetadata contains metadata about a scan for comparison display.
type ScanMetadata struct {
	// DateScanned is when the scan was performed.
	DateScanned time.Time `json:"date_scanned"`

	// TotalFindings is the total number of findings in this scan.
	TotalFindings int `json:"total_findings"`

	// CriticalCount is the number of critical findings.
	CriticalCount int `json:"critical_count"`

	// HighCount is the number of high severity findings.
	HighCount int `json:"high_count"`

	// MediumCount is the number of medium severity findings.
	MediumCount int `json:"medium_count"`

	// LowCount is the number of low severity findings.
	LowCount int `json:"low_count"`

	// InfoCount is the number of informational findings.
	InfoCount int `json:"info_count"`

	// UnmovableBlocks is the number of pinned pageblocks in this scan.
	UnmovableBlocks int `json:"unmovable_blocks"`

	// UnmovablePercent is the pinned share of usable blocks, 0-100.
	UnmovablePercent float64 `json:"unmovable_percent"`

	// LargestFreeOrder is the highest order with a fully free region,
	// or -1 when none exists.
	LargestFreeOrder int `json:"largest_free_order"`
}

// FragmentationChange describes the change in fragmentation between scans.
type FragmentationChange struct {
	// Direction is "improved", "worsened", or "unchanged".
	Direction string `json:"direction"`

	// UnmovablePercentDelta is the change in the pinned-block share,
	// in percentage points.
	UnmovablePercentDelta float64 `json:"unmovable_percent_delta"`

	// CriticalDelta is the change in critical findings count.
	CriticalDelta int `json:"critical_delta"`

	// HighDelta is the change in high severity findings count.
	HighDelta int `json:"high_delta"`

	// MediumDelta is the change in medium severity findings count.
	MediumDelta int `json:"medium_delta"`

	// LowDelta is the change in low severity findings count.
	LowDelta int `json:"low_delta"`

	// InfoDelta is the change in informational findings count.
	InfoDelta int `json:"info_delta"`
}

// compareReports compares two scan reports and generates a comparison result.
func compareReports(previous, current *model.ScanReport) *ComparisonResult {
	result := &ComparisonResult{
		Target: current.Target,
	}

	result.PreviousScan = extractMetadata(previous)
	result.CurrentScan = extractMetadata(current)

	// Build finding maps for comparison.
	// Keyed by finding type alone: the measured values (percentages,
	// percentiles) shift between scans, but the same type of finding
	// recurring is the same problem, not a new one.
	previousFindings := make(map[string]model.Finding)
	currentFindings := make(map[string]model.Finding)

	for _, f := range findingsOf(previous) {
		previousFindings[f.Type] = f
	}
	for _, f := range findingsOf(current) {
		currentFindings[f.Type] = f
	}

	// Find new findings (in current but not in previous)
	for key, finding := range currentFindings {
		if _, exists := previousFindings[key]; !exists {
			result.NewFindings = append(result.NewFindings, finding)
		}
	}

	// Find resolved findings (in previous but not in current)
	for key, finding := range previousFindings {
		if _, exists := currentFindings[key]; !exists {
			result.ResolvedFindings = append(result.ResolvedFindings, finding)
		} else {
			result.UnchangedCount++
		}
	}

	// Calculate fragmentation change
	result.FragmentationChange = calculateFragmentationChange(result.PreviousScan, result.CurrentScan)

	return result
}

// extractMetadata pulls the comparison metadata out of a report, generating
// the summary on demand for reports stored before grading ran.
func extractMetadata(report *model.ScanReport) ScanMetadata {
	summary := report.Summary
	if summary == nil {
		summary = model.NewSummary(report)
	}

	return ScanMetadata{
		DateScanned:      report.DateScanned,
		TotalFindings:    summary.TotalFindings(),
		CriticalCount:    summary.CriticalCount,
		HighCount:        summary.HighCount,
		MediumCount:      summary.MediumCount,
		LowCount:         summary.LowCount,
		InfoCount:        summary.InfoCount,
		UnmovableBlocks:  summary.UnmovableBlocks,
		UnmovablePercent: summary.UnmovableBlockPercent,
		LargestFreeOrder: summary.LargestFreeOrder,
	}
}

// findingsOf returns the findings of a report, preferring the summary.
func findingsOf(report *model.ScanReport) []model.Finding {
	if report.Summary != nil {
		return report.Summary.Findings
	}
	return report.Findings
}

// calculateFragmentationChange calculates the change in fragmentation
// between two scans.
func calculateFragmentationChange(previous, current ScanMetadata) FragmentationChange {
	change := FragmentationChange{
		UnmovablePercentDelta: current.UnmovablePercent - previous.UnmovablePercent,
		CriticalDelta:         current.CriticalCount - previous.CriticalCount,
		HighDelta:             current.HighCount - previous.HighCount,
		MediumDelta:           current.MediumCount - previous.MediumCount,
		LowDelta:              current.LowCount - previous.LowCount,
		InfoDelta:             current.InfoCount - previous.InfoCount,
	}

	// Determine overall direction based on weighted severity score;
	// ties fall back to the measured unmovable share.
	previousScore := previous.CriticalCount*100 + previous.HighCount*50 + previous.MediumCount*10 + previous.LowCount*5 + previous.InfoCount
	currentScore := current.CriticalCount*100 + current.HighCount*50 + current.MediumCount*10 + current.LowCount*5 + current.InfoCount

	switch {
	case currentScore < previousScore:
		change.Direction = fragDirectionImproved
	case currentScore > previousScore:
		change.Direction = fragDirectionWorsened
	case change.UnmovablePercentDelta < 0:
		change.Direction = fragDirectionImproved
	case change.UnmovablePercentDelta > 0:
		change.Direction = fragDirectionWorsened
	default:
		change.Direction = fragDirectionUnchanged
	}

	return change
}

// outputComparisonJSON outputs the comparison result in JSON format.
func outputComparisonJSON(result *ComparisonResult) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// outputComparisonMarkdown outputs the comparison result in Markdown format.
func outputComparisonMarkdown(result *ComparisonResult) error {
	fmt.Printf("# Scan Comparison: %s\n\n", result.Target)

	// Fragmentation change summary
	fmt.Println("## Summary")
	fmt.Printf("\n**Fragmentation:** %s\n\n", formatFragDirection(result.FragmentationChange.Direction))

	// Scan metadata table
	fmt.Println("| Metric | Previous | Current | Change |")
	fmt.Println("|--------|----------|---------|--------|")
	fmt.Printf("| Date | %s | %s | - |\n",
		result.PreviousScan.DateScanned.Format("2006-01-02 15:04"),
		result.CurrentScan.DateScanned.Format("2006-01-02 15:04"))
	fmt.Printf("| Unmovable blocks | %d (%.1f%%) | %d (%.1f%%) | %s |\n",
		result.PreviousScan.UnmovableBlocks,
		result.PreviousScan.UnmovablePercent,
		result.CurrentScan.UnmovableBlocks,
		result.CurrentScan.UnmovablePercent,
		formatPercentDelta(result.FragmentationChange.UnmovablePercentDelta))
	fmt.Printf("| Largest free order | %s | %s | - |\n",
		formatOrderText(result.PreviousScan.LargestFreeOrder),
		formatOrderText(result.CurrentScan.LargestFreeOrder))
	fmt.Printf("| Critical | %d | %d | %s |\n",
		result.PreviousScan.CriticalCount,
		result.CurrentScan.CriticalCount,
		formatDelta(result.FragmentationChange.CriticalDelta))
	fmt.Printf("| High | %d | %d | %s |\n",
		result.PreviousScan.HighCount,
		result.CurrentScan.HighCount,
		formatDelta(result.FragmentationChange.HighDelta))
	fmt.Printf("| Medium | %d | %d | %s |\n",
		result.PreviousScan.MediumCount,
		result.CurrentScan.MediumCount,
		formatDelta(result.FragmentationChange.MediumDelta))
	fmt.Printf("| Low | %d | %d | %s |\n",
		result.PreviousScan.LowCount,
		result.CurrentScan.LowCount,
		formatDelta(result.FragmentationChange.LowDelta))
	fmt.Printf("| Info | %d | %d | %s |\n",
		result.PreviousScan.InfoCount,
		result.CurrentScan.InfoCount,
		formatDelta(result.FragmentationChange.InfoDelta))
	fmt.Printf("| **Total findings** | **%d** | **%d** | **%s** |\n",
		result.PreviousScan.TotalFindings,
		result.CurrentScan.TotalFindings,
		formatDelta(result.CurrentScan.TotalFindings-result.PreviousScan.TotalFindings))

	// New findings
	if len(result.NewFindings) > 0 {
		fmt.Printf("\n## New Findings (%d)\n\n", len(result.NewFindings))
		for _, f := range result.NewFindings {
			fmt.Printf("- **[%s]** %s: %s\n", f.SeverityText, f.Title, f.Value)
		}
	}

	// Resolved findings
	if len(result.ResolvedFindings) > 0 {
		fmt.Printf("\n## Resolved Findings (%d)\n\n", len(result.ResolvedFindings))
		for _, f := range result.ResolvedFindings {
			fmt.Printf("- ~~**[%s]** %s: %s~~\n", f.SeverityText, f.Title, f.Value)
		}
	}

	// Unchanged count
	if result.UnchangedCount > 0 {
		fmt.Printf("\n---\n\n*%d findings unchanged*\n", result.UnchangedCount)
	}

	return nil
}

// outputComparisonText outputs the comparison result in human-readable text format.
func outputComparisonText(result *ComparisonResult) error {
	fmt.Printf("Scan Comparison: %s\n", result.Target)
	fmt.Println(strings.Repeat("=", 60))

	// Fragmentation change summary
	fmt.Printf("\nFragmentation: %s\n", formatFragDirection(result.FragmentationChange.Direction))

	// Scan dates
	fmt.Printf("\nPrevious scan: %s\n", result.PreviousScan.DateScanned.Format("2006-01-02 15:04:05"))
	fmt.Printf("Current scan:  %s\n", result.CurrentScan.DateScanned.Format("2006-01-02 15:04:05"))

	// Headline numbers
	fmt.Printf("\nUnmovable blocks: %d (%.1f%%) -> %d (%.1f%%)  [%s]\n",
		result.PreviousScan.UnmovableBlocks, result.PreviousScan.UnmovablePercent,
		result.CurrentScan.UnmovableBlocks, result.CurrentScan.UnmovablePercent,
		formatPercentDelta(result.FragmentationChange.UnmovablePercentDelta))
	fmt.Printf("Largest free order: %s -> %s\n",
		formatOrderText(result.PreviousScan.LargestFreeOrder),
		formatOrderText(result.CurrentScan.LargestFreeOrder))

	// Summary table
	fmt.Println("\nFindings Summary:")
	fmt.Printf("  %-10s  %-10s  %-10s  %-10s\n", "Severity", "Previous", "Current", "Change")
	fmt.Println("  " + strings.Repeat("-", 45))
	fmt.Printf("  %-10s  %-10d  %-10d  %-10s\n", "Critical",
		result.PreviousScan.CriticalCount, result.CurrentScan.CriticalCount,
		formatDelta(result.FragmentationChange.CriticalDelta))
	fmt.Printf("  %-10s  %-10d  %-10d  %-10s\n", "High",
		result.PreviousScan.HighCount, result.CurrentScan.HighCount,
		formatDelta(result.FragmentationChange.HighDelta))
	fmt.Printf("  %-10s  %-10d  %-10d  %-10s\n", "Medium",
		result.PreviousScan.MediumCount, result.CurrentScan.MediumCount,
		formatDelta(result.FragmentationChange.MediumDelta))
	fmt.Printf("  %-10s  %-10d  %-10d  %-10s\n", "Low",
		result.PreviousScan.LowCount, result.CurrentScan.LowCount,
		formatDelta(result.FragmentationChange.LowDelta))
	fmt.Printf("  %-10s  %-10d  %-10d  %-10s\n", "Info",
		result.PreviousScan.InfoCount, result.CurrentScan.InfoCount,
		formatDelta(result.FragmentationChange.InfoDelta))
	fmt.Println("  " + strings.Repeat("-", 45))
	fmt.Printf("  %-10s  %-10d  %-10d  %-10s\n", "Total",
		result.PreviousScan.TotalFindings, result.CurrentScan.TotalFindings,
		formatDelta(result.CurrentScan.TotalFindings-result.PreviousScan.TotalFindings))

	// New findings
	if len(result.NewFindings) > 0 {
		fmt.Printf("\nNew Findings (%d):\n", len(result.NewFindings))
		for _, f := range result.NewFindings {
			fmt.Printf("  [+] [%s] %s: %s\n", f.SeverityText, f.Title, f.Value)
		}
	}

	// Resolved findings
	if len(result.ResolvedFindings) > 0 {
		fmt.Printf("\nResolved Findings (%d):\n", len(result.ResolvedFindings))
		for _, f := range result.ResolvedFindings {
			fmt.Printf("  [-] [%s] %s: %s\n", f.SeverityText, f.Title, f.Value)
		}
	}

	// Unchanged count
	if result.UnchangedCount > 0 {
		fmt.Printf("\nUnchanged: %d findings\n", result.UnchangedCount)
	}

	return nil
}

// formatFragDirection formats the fragmentation change direction for display.
func formatFragDirection(direction string) string {
	switch direction {
	case fragDirectionImproved:
		return "IMPROVED (fragmentation decreased)"
	case fragDirectionWorsened:
		return "WORSENED (fragmentation increased)"
	default:
		return "UNCHANGED"
	}
}

// formatDelta formats a numeric delta with sign for display.
func formatDelta(delta int) string {
	if delta > 0 {
		return "+" + strconv.Itoa(delta)
	} else if delta < 0 {
		return strconv.Itoa(delta)
	}
	return "0"
}

// formatPercentDelta formats a percentage-point delta with sign.
func formatPercentDelta(delta float64) string {
	if delta > 0 {
		return fmt.Sprintf("+%.1fpp", delta)
	}
	return fmt.Sprintf("%.1fpp", delta)
}

// formatOrderText formats a free-region order, "none" when absent.
func formatOrderText(order int) string {
	if order < 0 {
		return "none"
	}
	return strconv.Itoa(order)
}
