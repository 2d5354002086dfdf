package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/kmemlab/fragscan/internal/model"
	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
)

// MarkdownWriter outputs reports in Markdown format.
// This format is designed for documentation and sharing.
//
// Design decision: We use the nao1215/markdown library for fluent markdown
// generation which provides:
// 1. Type-safe markdown generation
// 2. Support for tables, lists, and code blocks
// 3. GitHub-flavored markdown alerts
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs the full report in Markdown format.
func (w *MarkdownWriter) Write(report *model.ScanReport) (int, error) {
	summary := report.Summary
	if summary == nil {
		summary = model.NewSummary(report)
	}

	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, report, summary)
	w.writeSeveritySummary(md, summary)
	w.writeBlockMix(md, report)
	w.writeClassTotals(md, report)
	w.writeRegions(md, report)
	w.writeFindings(md, summary)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// WriteSummary outputs the condensed summary in Markdown format.
func (w *MarkdownWriter) WriteSummary(summary *model.Summary) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Memory Fragmentation Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Target", "`" + summary.Target + "`"},
			{"Scan Date", summary.DateScanned.Format("2006-01-02 15:04:05 MST")},
			{"Scanned Blocks", strconv.Itoa(summary.ScannedBlocks)},
			{"Unmovable Blocks", fmt.Sprintf("%d (%.1f%%)", summary.UnmovableBlocks, summary.UnmovableBlockPercent)},
			{"Largest Free Order", formatOrder(summary.LargestFreeOrder)},
			{"Status", statusText(summary)},
		},
	})
	md.PlainText("")

	w.writeSeveritySummary(md, summary)
	w.writeFindings(md, summary)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// writeHeader writes the report header with scan information.
func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, report *model.ScanReport, summary *model.Summary) {
	md.H1("Memory Fragmentation Report")
	md.PlainText("")

	rows := [][]string{
		{"Target", "`" + report.Target + "`"},
		{"Source", report.SourceKind},
	}
	if report.KernelRelease != "" {
		rows = append(rows, []string{"Kernel", report.KernelRelease})
	}
	rows = append(rows,
		[]string{"Scan Date", report.DateScanned.Format("2006-01-02 15:04:05 MST")},
		[]string{"Pages Inspected", strconv.FormatUint(report.TotalPages, 10)},
		[]string{"Pageblock Order", strconv.Itoa(report.PageblockOrder)},
		[]string{"Unmovable Blocks", fmt.Sprintf("%d of %d (%.1f%%)",
			report.UnmovableBlocks, report.ScannedBlocks(), report.UnmovableBlockRatio()*100)},
		[]string{"Status", statusText(summary)},
	)

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

// statusText returns the status text based on report state.
func statusText(summary *model.Summary) string {
	if summary.TimedOut {
		return "⚠️ Timed Out (partial results)"
	}
	if summary.Error != "" {
		return "❌ Error - " + summary.Error
	}
	return "✅ Complete"
}

// writeSeveritySummary writes the severity summary section.
func (w *MarkdownWriter) writeSeveritySummary(md *markdown.Markdown, summary *model.Summary) {
	md.H2("Severity Summary")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Severity", "Count"},
		Rows: [][]string{
			{"🔴 Critical", strconv.Itoa(summary.CriticalCount)},
			{"🟠 High", strconv.Itoa(summary.HighCount)},
			{"🟡 Medium", strconv.Itoa(summary.MediumCount)},
			{"🔵 Low", strconv.Itoa(summary.LowCount)},
			{"⚪ Info", strconv.Itoa(summary.InfoCount)},
			{"**Total**", "**" + strconv.Itoa(summary.TotalFindings()) + "**"},
		},
	})
	md.PlainText("")

	// Add alert based on severity
	w.writeAlert(md, summary)
}

// writeBlockMix writes a mermaid pie chart of the pageblock composition.
func (w *MarkdownWriter) writeBlockMix(md *markdown.Markdown, report *model.ScanReport) {
	if report.ScannedBlocks()+report.ReservedBlocks == 0 {
		return
	}

	md.H2("Pageblock Mix")
	md.PlainText("")

	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Pageblock Composition"),
		piechart.WithShowData(true),
	)

	if report.MovableBlocks > 0 {
		chart.LabelAndIntValue("Movable", uint64(report.MovableBlocks))
	}
	if report.UnmovableBlocks > 0 {
		chart.LabelAndIntValue("Unmovable", uint64(report.UnmovableBlocks))
	}
	if report.ReservedBlocks > 0 {
		chart.LabelAndIntValue("Reserved", uint64(report.ReservedBlocks))
	}

	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

// writeAlert writes an appropriate alert based on severity counts.
func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, summary *model.Summary) {
	switch {
	case summary.CriticalCount > 0:
		md.Cautionf(
			"Critical fragmentation detected! %d critical finding(s) require immediate attention.",
			summary.CriticalCount,
		)
	case summary.HighCount > 0:
		md.Warningf(
			"High fragmentation detected. %d high severity finding(s) should be addressed.",
			summary.HighCount,
		)
	case summary.MediumCount > 0:
		md.Importantf(
			"Elevated fragmentation found. %d finding(s) may impact high-order allocations.",
			summary.MediumCount,
		)
	case summary.TotalFindings() > 0:
		md.Note("Only low severity and informational findings detected.")
	default:
		md.Tip("No significant fragmentation detected.")
	}
	md.PlainText("")
}

// writeClassTotals writes the per-class page count table, largest first.
func (w *MarkdownWriter) writeClassTotals(md *markdown.Markdown, report *model.ScanReport) {
	md.H2("Page Classes")
	md.PlainText("")

	if len(report.ClassTotals) == 0 {
		md.PlainText("No pages inspected.")
		md.PlainText("")
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

	rows := make([][]string, len(names))
	for i, name := range names {
		count := report.ClassTotals[name]
		percent := 0.0
		if report.TotalPages > 0 {
			percent = float64(count) / float64(report.TotalPages) * 100
		}
		rows[i] = []string{name, strconv.FormatUint(count, 10), fmt.Sprintf("%.1f%%", percent)}
	}

	md.Table(markdown.TableSet{
		Header: []string{"Class", "Pages", "Share"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeRegions writes the contiguous region tables by order.
func (w *MarkdownWriter) writeRegions(md *markdown.Markdown, report *model.ScanReport) {
	if len(report.MovableRegionsByOrder) == 0 && len(report.FreeRegionsByOrder) == 0 {
		return
	}

	md.H2("Contiguous Regions")
	md.PlainText("")

	orders := make(map[int]struct{})
	for order := range report.MovableRegionsByOrder {
		orders[order] = struct{}{}
	}
	for order := range report.FreeRegionsByOrder {
		orders[order] = struct{}{}
	}

	sorted := make([]int, 0, len(orders))
	for order := range orders {
		sorted = append(sorted, order)
	}
	sort.Ints(sorted)

	rows := make([][]string, len(sorted))
	for i, order := range sorted {
		rows[i] = []string{
			strconv.Itoa(order),
			strconv.Itoa(report.MovableRegionsByOrder[order]),
			strconv.Itoa(report.FreeRegionsByOrder[order]),
		}
	}

	md.Table(markdown.TableSet{
		Header: []string{"Order", "Fully Movable", "Fully Free"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeFindings writes all findings grouped by severity.
func (w *MarkdownWriter) writeFindings(md *markdown.Markdown, summary *model.Summary) {
	if !summary.HasFindings() {
		md.H2("Findings")
		md.PlainText("")
		md.PlainText("No fragmentation findings detected.")
		md.PlainText("")
		return
	}

	md.H2("Findings")
	md.PlainText("")

	severities := []struct {
		level  model.Severity
		header string
	}{
		{model.SeverityCritical, "### 🔴 Critical"},
		{model.SeverityHigh, "### 🟠 High"},
		{model.SeverityMedium, "### 🟡 Medium"},
		{model.SeverityLow, "### 🔵 Low"},
		{model.SeverityInfo, "### ⚪ Info"},
	}

	for _, sev := range severities {
		findings := summary.GetFindingsBySeverity(sev.level)
		if len(findings) == 0 {
			continue
		}

		md.PlainText(sev.header)
		md.PlainText("")
		w.writeFindingsTable(md, findings)
	}
}

// writeFindingsTable writes a table of findings with details.
func (w *MarkdownWriter) writeFindingsTable(md *markdown.Markdown, findings []model.Finding) {
	headers := []string{"Title", "Value", "Recommendation"}

	rows := make([][]string, len(findings))
	for i, f := range findings {
		value := f.Value
		if value == "" {
			value = "-"
		}
		rec := f.Recommendation
		if rec == "" {
			rec = "-"
		}

		rows[i] = []string{
			f.Title,
			truncateString(value, 50),
			truncateString(rec, 70),
		}
	}

	md.Table(markdown.TableSet{
		Header: headers,
		Rows:   rows,
	})
	md.PlainText("")

	// Add detailed descriptions for all findings
	for _, f := range findings {
		if f.Description != "" {
			md.Details(f.Title, f.Description)
		}
	}
	md.PlainText("")
}

// writeFooter writes the report footer.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [fragscan](https://github.com/kmemlab/fragscan)*")
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
