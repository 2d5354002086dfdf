package model

import "time"

// Summary is a condensed, human-oriented view of a ScanReport.
//
// Design decision: We create a separate summary rather than just printing
// parts of ScanReport because:
// 1. It provides a consistent, curated view of the headline numbers
// 2. It can be serialized to JSON for tools that want structured but simple
//    output
// 3. It is small enough to extract cheaply from stored report JSON
type Summary struct {
	// Target is the scanned target.
	Target string `json:"target"`

	// DateScanned is when the scan was performed.
	DateScanned time.Time `json:"date_scanned"`

	// === Severity counts ===

	CriticalCount int `json:"critical_count"`
	HighCount     int `json:"high_count"`
	MediumCount   int `json:"medium_count"`
	LowCount      int `json:"low_count"`
	InfoCount     int `json:"info_count"`

	// === Headline statistics ===

	// ScannedBlocks is the number of usable pageblocks inspected.
	ScannedBlocks int `json:"scanned_blocks"`

	// UnmovableBlocks is the number of pinned pageblocks.
	UnmovableBlocks int `json:"unmovable_blocks"`

	// UnmovableBlockPercent is the pinned share of usable blocks, 0-100.
	UnmovableBlockPercent float64 `json:"unmovable_block_percent"`

	// UnmovablePages is the count of unmovable pages in pinned blocks.
	UnmovablePages uint64 `json:"unmovable_pages"`

	// LargestFreeOrder is the highest order with a fully free region,
	// or -1 when none exists.
	LargestFreeOrder int `json:"largest_free_order"`

	// TotalPages and SkippedPages mirror the full report.
	TotalPages   uint64 `json:"total_pages"`
	SkippedPages uint64 `json:"skipped_pages"`

	// Findings contains the graded findings.
	Findings []Finding `json:"findings,omitempty"`

	// TimedOut indicates the scan was cancelled part-way.
	TimedOut bool `json:"timed_out"`

	// Error contains the error message if the scan failed.
	Error string `json:"error,omitempty"`
}

// Finding represents a single graded fragmentation finding.
type Finding struct {
	// Type is the finding type identifier; it maps into
	// findingInfoMapping in severity.go.
	Type string `json:"type"`

	// Severity is the graded level.
	Severity Severity `json:"severity"`

	// SeverityText is the human-readable severity.
	SeverityText string `json:"severity_text"`

	// Title is a short description of the finding.
	Title string `json:"title"`

	// Description provides more detail, usually with the measured values.
	Description string `json:"description,omitempty"`

	// Impact explains why the finding matters.
	Impact string `json:"impact,omitempty"`

	// Recommendation provides guidance on how to react.
	Recommendation string `json:"recommendation,omitempty"`

	// Value is the measured value behind the finding, formatted.
	Value string `json:"value,omitempty"`
}

// NewFinding builds a Finding of the given type, filling severity, impact
// and recommendation from the central mapping.
func NewFinding(findingType, title, description, value string) Finding {
	info := LookupFindingInfo(findingType)
	return Finding{
		Type:           findingType,
		Severity:       info.Severity,
		SeverityText:   info.Severity.String(),
		Title:          title,
		Description:    description,
		Impact:         info.Impact,
		Recommendation: info.Recommendation,
		Value:          value,
	}
}

// NewSummary creates a Summary from a ScanReport.
func NewSummary(report *ScanReport) *Summary {
	s := &Summary{
		Target:                report.Target,
		DateScanned:           report.DateScanned,
		ScannedBlocks:         report.ScannedBlocks(),
		UnmovableBlocks:       report.UnmovableBlocks,
		UnmovableBlockPercent: report.UnmovableBlockRatio() * 100,
		UnmovablePages:        report.UnmovablePagesInUnmovableBlocks,
		LargestFreeOrder:      report.LargestFreeOrder(),
		TotalPages:            report.TotalPages,
		SkippedPages:          report.SkippedPages,
		Findings:              report.Findings,
		TimedOut:              report.TimedOut,
	}

	if report.Error != nil {
		s.Error = report.Error.Error()
	} else if report.ErrorMessage != "" {
		s.Error = report.ErrorMessage
	}

	s.countBySeverity()

	return s
}

// countBySeverity tallies findings into the severity counters.
func (s *Summary) countBySeverity() {
	for _, f := range s.Findings {
		switch f.Severity {
		case SeverityCritical:
			s.CriticalCount++
		case SeverityHigh:
			s.HighCount++
		case SeverityMedium:
			s.MediumCount++
		case SeverityLow:
			s.LowCount++
		case SeverityInfo:
			s.InfoCount++
		}
	}
}

// TotalFindings returns the total number of findings.
func (s *Summary) TotalFindings() int {
	return s.CriticalCount + s.HighCount + s.MediumCount + s.LowCount + s.InfoCount
}

// HasFindings reports whether any findings were recorded.
func (s *Summary) HasFindings() bool {
	return s.TotalFindings() > 0
}

// GetFindingsBySeverity returns all findings of the given severity level.
func (s *Summary) GetFindingsBySeverity(severity Severity) []Finding {
	var findings []Finding
	for _, f := range s.Findings {
		if f.Severity == severity {
			findings = append(findings, f)
		}
	}
	return findings
}

// WorstSeverity returns the highest severity among the findings, or
// SeverityInfo when there are none.
func (s *Summary) WorstSeverity() Severity {
	switch {
	case s.CriticalCount > 0:
		return SeverityCritical
	case s.HighCount > 0:
		return SeverityHigh
	case s.MediumCount > 0:
		return SeverityMedium
	case s.LowCount > 0:
		return SeverityLow
	default:
		return SeverityInfo
	}
}
