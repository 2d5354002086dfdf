package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kmemlab/fragscan/internal/model"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// SimpleWriter outputs human-readable text reports.
// This format is designed for terminal display with severity indicators
// and clear section formatting.
//
// Design decision: We use plain text with ASCII formatting rather than
// ANSI colors by default because:
// 1. It works in all terminals without compatibility issues
// 2. It's easier to pipe to files or other tools
// 3. Color can be added as an option later if needed
type SimpleWriter struct {
	baseWriter

	// showEmpty controls whether sections with no data are shown.
	showEmpty bool

	// verbose enables additional detail in the output.
	verbose bool

	// dumpBlocks enables the per-pageblock listing. The report must have
	// been scanned with block retention for this to produce output.
	dumpBlocks bool

	// printer formats counts with thousands separators.
	printer *message.Printer
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithShowEmpty configures the writer to show empty sections.
func WithShowEmpty(show bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.showEmpty = show
	}
}

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// WithBlockDump enables the per-pageblock listing.
func WithBlockDump(dump bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.dumpBlocks = dump
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
		showEmpty:  false,
		verbose:    false,
		printer:    message.NewPrinter(language.English),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write outputs the full report in human-readable format.
// It generates a Summary from the ScanReport if not already present.
func (w *SimpleWriter) Write(report *model.ScanReport) (int, error) {
	summary := report.Summary
	if summary == nil {
		summary = model.NewSummary(report)
	}

	var sb strings.Builder

	w.writeHeader(&sb, report, summary)
	w.writeSeveritySummary(&sb, summary)
	w.writeMemoryOverview(&sb, report)
	w.writeClassTotals(&sb, report)
	w.writeDistributions(&sb, report)
	w.writeRegions(&sb, report)
	w.writeMigrateTypes(&sb, report)
	w.writeFindings(&sb, summary)
	w.writeBlockDump(&sb, report)
	w.writeFooter(&sb)

	return w.output.Write([]byte(sb.String()))
}

// WriteSummary outputs only the condensed summary in human-readable format.
// This is the view used for stored reports, where the full per-class
// statistics are not loaded.
func (w *SimpleWriter) WriteSummary(summary *model.Summary) (int, error) {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("                         FRAGSCAN REPORT\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("Target:         %s\n", summary.Target))
	sb.WriteString(fmt.Sprintf("Scan Date:      %s\n", summary.DateScanned.Format("2006-01-02 15:04:05 MST")))
	sb.WriteString(w.printer.Sprintf("Pages Scanned:  %d\n", summary.TotalPages))
	w.writeStatus(&sb, summary.TimedOut, summary.Error)
	sb.WriteString("\n")

	w.writeSeveritySummary(&sb, summary)

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("HEADLINE STATISTICS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")
	sb.WriteString(w.printer.Sprintf("  Scanned blocks:    %d\n", summary.ScannedBlocks))
	sb.WriteString(w.printer.Sprintf("  Unmovable blocks:  %d (%.1f%%)\n",
		summary.UnmovableBlocks, summary.UnmovableBlockPercent))
	sb.WriteString(w.printer.Sprintf("  Unmovable pages:   %d\n", summary.UnmovablePages))
	sb.WriteString(fmt.Sprintf("  Largest free order: %s\n", formatOrder(summary.LargestFreeOrder)))
	sb.WriteString("\n")

	w.writeFindings(&sb, summary)
	w.writeFooter(&sb)

	return w.output.Write([]byte(sb.String()))
}

// writeHeader writes the report header with scan information.
func (w *SimpleWriter) writeHeader(sb *strings.Builder, report *model.ScanReport, summary *model.Summary) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("                         FRAGSCAN REPORT\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("Target:         %s\n", report.Target))
	sb.WriteString(fmt.Sprintf("Source:         %s\n", report.SourceKind))
	if report.KernelRelease != "" {
		sb.WriteString(fmt.Sprintf("Kernel:         %s\n", report.KernelRelease))
	}
	sb.WriteString(fmt.Sprintf("Scan Date:      %s\n", report.DateScanned.Format("2006-01-02 15:04:05 MST")))
	if report.Elapsed > 0 {
		sb.WriteString(fmt.Sprintf("Elapsed:        %s\n", report.Elapsed.Round(time.Millisecond)))
	}
	w.writeStatus(sb, report.TimedOut, summary.Error)

	sb.WriteString("\n")
}

// writeStatus writes the status line shared by both views.
func (w *SimpleWriter) writeStatus(sb *strings.Builder, timedOut bool, errMsg string) {
	if timedOut {
		sb.WriteString("Status:         TIMED OUT (partial results)\n")
	} else if errMsg != "" {
		sb.WriteString(fmt.Sprintf("Status:         ERROR - %s\n", errMsg))
	} else {
		sb.WriteString("Status:         Complete\n")
	}
}

// writeSeveritySummary writes the severity summary section.
func (w *SimpleWriter) writeSeveritySummary(sb *strings.Builder, summary *model.Summary) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("SEVERITY SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("  CRITICAL: %d\n", summary.CriticalCount))
	sb.WriteString(fmt.Sprintf("  HIGH:     %d\n", summary.HighCount))
	sb.WriteString(fmt.Sprintf("  MEDIUM:   %d\n", summary.MediumCount))
	sb.WriteString(fmt.Sprintf("  LOW:      %d\n", summary.LowCount))
	sb.WriteString(fmt.Sprintf("  INFO:     %d\n", summary.InfoCount))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("  TOTAL:    %d findings\n", summary.TotalFindings()))
	sb.WriteString("\n")
}

// writeMemoryOverview writes the headline page and block statistics.
func (w *SimpleWriter) writeMemoryOverview(sb *strings.Builder, report *model.ScanReport) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("MEMORY OVERVIEW\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	blockPages := 1 << report.PageblockOrder
	sb.WriteString(w.printer.Sprintf("  Pages inspected:   %d", report.TotalPages))
	if size := pagesToBytes(report.TotalPages, report.PageSize); size != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", size))
	}
	sb.WriteString("\n")
	if report.SkippedPages > 0 || w.showEmpty {
		sb.WriteString(w.printer.Sprintf("  Pages skipped:     %d\n", report.SkippedPages))
	}
	sb.WriteString(fmt.Sprintf("  Pageblock:         order %d, %d pages", report.PageblockOrder, blockPages))
	if size := pagesToBytes(uint64(blockPages), report.PageSize); size != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", size))
	}
	sb.WriteString("\n")
	if report.BoundaryPFN > 0 {
		sb.WriteString(fmt.Sprintf("  Boundary PFN:      %#x (blocks above assumed movable)\n", report.BoundaryPFN))
	}
	sb.WriteString("\n")

	sb.WriteString(w.printer.Sprintf("  Scanned blocks:    %d\n", report.ScannedBlocks()))
	sb.WriteString(w.printer.Sprintf("  Movable blocks:    %d\n", report.MovableBlocks))
	sb.WriteString(w.printer.Sprintf("  Unmovable blocks:  %d (%.1f%%)\n",
		report.UnmovableBlocks, report.UnmovableBlockRatio()*100))
	if report.ReservedBlocks > 0 || w.showEmpty {
		sb.WriteString(w.printer.Sprintf("  Reserved blocks:   %d\n", report.ReservedBlocks))
	}
	sb.WriteString(w.printer.Sprintf("  Unmovable pages:   %d (in unmovable blocks)\n",
		report.UnmovablePagesInUnmovableBlocks))
	sb.WriteString(fmt.Sprintf("  Largest free order: %s\n", formatOrder(report.LargestFreeOrder())))
	sb.WriteString("\n")
}

// writeClassTotals writes the per-class page counts, largest first.
func (w *SimpleWriter) writeClassTotals(sb *strings.Builder, report *model.ScanReport) {
	if len(report.ClassTotals) == 0 && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("PAGE CLASSES\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	if len(report.ClassTotals) == 0 {
		sb.WriteString("  No pages inspected\n\n")
		return
	}

	names := make([]string, 0, len(report.ClassTotals))
	for name := range report.ClassTotals {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := report.ClassTotals[names[i]], report.ClassTotals[names[j]]
		if a != b {
			return a > b
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		count := report.ClassTotals[name]
		percent := 0.0
		if report.TotalPages > 0 {
			percent = float64(count) / float64(report.TotalPages) * 100
		}
		sb.WriteString(w.printer.Sprintf("  %-14s %12d  (%5.1f%%)\n", name, count, percent))
	}
	sb.WriteString("\n")
}

// writeDistributions writes the page distributions over unmovable blocks.
func (w *SimpleWriter) writeDistributions(sb *strings.Builder, report *model.ScanReport) {
	if report.UnmovablePagesDist.Samples == 0 && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("UNMOVABLE BLOCK DISTRIBUTIONS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	sb.WriteString(w.printer.Sprintf("  Over %d unmovable blocks:\n", report.UnmovablePagesDist.Samples))
	sb.WriteString(fmt.Sprintf("    free pages       p50=%-5d p99=%d\n",
		report.FreePagesDist.P50, report.FreePagesDist.P99))
	sb.WriteString(fmt.Sprintf("    movable pages    p50=%-5d p99=%d\n",
		report.MovablePagesDist.P50, report.MovablePagesDist.P99))
	sb.WriteString(fmt.Sprintf("    unmovable pages  p50=%-5d p99=%d\n",
		report.UnmovablePagesDist.P50, report.UnmovablePagesDist.P99))
	sb.WriteString("\n")
}

// writeRegions writes the contiguous region counts by order.
func (w *SimpleWriter) writeRegions(sb *strings.Builder, report *model.ScanReport) {
	if len(report.MovableRegionsByOrder) == 0 && len(report.FreeRegionsByOrder) == 0 && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("CONTIGUOUS REGIONS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	w.writeRegionTable(sb, report, "Fully movable regions", report.MovableRegionsByOrder)
	w.writeRegionTable(sb, report, "Fully free regions", report.FreeRegionsByOrder)
}

// writeRegionTable writes one by-order region table, lowest order first.
func (w *SimpleWriter) writeRegionTable(sb *strings.Builder, report *model.ScanReport, title string, regions map[int]int) {
	sb.WriteString(fmt.Sprintf("  %s:\n", title))
	if len(regions) == 0 {
		sb.WriteString("    none\n\n")
		return
	}

	orders := make([]int, 0, len(regions))
	for order := range regions {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	for _, order := range orders {
		sb.WriteString(w.printer.Sprintf("    order %2d", order))
		if size := pagesToBytes(uint64(1)<<order, report.PageSize); size != "" {
			sb.WriteString(fmt.Sprintf(" (%7s)", size))
		}
		sb.WriteString(w.printer.Sprintf(": %d\n", regions[order]))
	}
	sb.WriteString("\n")
}

// writeMigrateTypes writes the migratetype block counts and the
// contamination cross-check, when the source provided them.
func (w *SimpleWriter) writeMigrateTypes(sb *strings.Builder, report *model.ScanReport) {
	if !report.MigrateTypesKnown {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("MIGRATETYPE ANALYSIS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	if len(report.MigrateTypeBlocks) > 0 {
		names := make([]string, 0, len(report.MigrateTypeBlocks))
		for name := range report.MigrateTypeBlocks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(w.printer.Sprintf("  %-14s %12d blocks\n", name, report.MigrateTypeBlocks[name]))
		}
		sb.WriteString("\n")
	}

	c := report.Contamination
	if c == nil {
		return
	}

	sb.WriteString("  Cross-check:\n")
	sb.WriteString(w.printer.Sprintf("    unmovable blocks with slab/LRU pages:   %d (slab=%d lru=%d)\n",
		c.UnmovableBlocksWithSlabLRU, c.SlabPagesInUnmovable, c.LRUPagesInUnmovable))
	sb.WriteString(w.printer.Sprintf("    movable blocks with pinned pages:       %d (slab=%d kmem=%d other=%d)\n",
		c.MovableBlocksWithPinned, c.SlabPagesInMovable, c.KmemPagesInMovable, c.OtherPagesInMovable))
	sb.WriteString(w.printer.Sprintf("    reclaimable blocks with foreign pages:  %d (lru=%d kmem=%d other=%d)\n",
		c.ReclaimableBlocksWithForeign, c.LRUPagesInReclaimable, c.KmemPagesInReclaimable, c.OtherPagesInReclaimable))
	sb.WriteString("\n")
}

// writeFindings writes all findings grouped by severity.
func (w *SimpleWriter) writeFindings(sb *strings.Builder, summary *model.Summary) {
	if !summary.HasFindings() && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("FINDINGS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	// Write findings in order of severity (critical first)
	severities := []model.Severity{
		model.SeverityCritical,
		model.SeverityHigh,
		model.SeverityMedium,
		model.SeverityLow,
		model.SeverityInfo,
	}

	for _, severity := range severities {
		findings := summary.GetFindingsBySeverity(severity)
		if len(findings) == 0 && !w.showEmpty {
			continue
		}

		w.writeFindingsForSeverity(sb, severity, findings)
	}
}

// writeFindingsForSeverity writes findings of a specific severity level.
func (w *SimpleWriter) writeFindingsForSeverity(sb *strings.Builder, severity model.Severity, findings []model.Finding) {
	indicator := w.getSeverityIndicator(severity)
	sb.WriteString(fmt.Sprintf("[%s] %s\n", indicator, severity.String()))

	if len(findings) == 0 {
		sb.WriteString("  No findings\n\n")
		return
	}

	for _, finding := range findings {
		sb.WriteString(fmt.Sprintf("  * %s\n", finding.Title))
		if finding.Value != "" {
			sb.WriteString(fmt.Sprintf("    Value: %s\n", finding.Value))
		}
		if w.verbose && finding.Description != "" {
			sb.WriteString(fmt.Sprintf("    Description: %s\n", finding.Description))
		}
		if w.verbose && finding.Recommendation != "" {
			sb.WriteString(fmt.Sprintf("    Recommendation: %s\n", finding.Recommendation))
		}
	}
	sb.WriteString("\n")
}

// writeBlockDump writes the raw per-pageblock listing. It is emitted only
// when the writer has block dumping enabled and the scan retained blocks.
func (w *SimpleWriter) writeBlockDump(sb *strings.Builder, report *model.ScanReport) {
	if !w.dumpBlocks || len(report.Blocks) == 0 {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("PAGEBLOCK DUMP\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	sb.WriteString("  start_pfn    migratetype  free  movable  unmovable  reserved\n")
	for i := range report.Blocks {
		b := &report.Blocks[i]
		sb.WriteString(fmt.Sprintf("  %#-11x  %-11s %5d  %7d  %9d  %8d\n",
			b.StartPFN, b.MigrateType.String(),
			b.FreePages, b.MovablePages, b.UnmovablePages, b.ReservedPages))
	}
	sb.WriteString("\n")
}

// getSeverityIndicator returns a visual indicator for the severity level.
func (w *SimpleWriter) getSeverityIndicator(severity model.Severity) string {
	switch severity {
	case model.SeverityCritical:
		return "!!!"
	case model.SeverityHigh:
		return "!!"
	case model.SeverityMedium:
		return "!"
	case model.SeverityLow:
		return "-"
	case model.SeverityInfo:
		return "i"
	default:
		return "?"
	}
}

// writeFooter writes the report footer.
func (w *SimpleWriter) writeFooter(sb *strings.Builder) {
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("Report generated by fragscan\n")
	sb.WriteString("https://github.com/kmemlab/fragscan\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
}

// pagesToBytes renders a page count as a human byte size, or "" when the
// page size is unknown (old snapshots without geometry metadata).
func pagesToBytes(pages uint64, pageSize int) string {
	if pageSize <= 0 {
		return ""
	}
	return humanize.IBytes(pages * uint64(pageSize))
}

// formatOrder renders a buddy order, mapping the "none found" sentinel.
func formatOrder(order int) string {
	if order < 0 {
		return "none"
	}
	return fmt.Sprintf("%d", order)
}
