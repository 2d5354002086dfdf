package scanner

import (
	"fmt"

	"github.com/kmemlab/fragscan/internal/model"
)

// Thresholds are the ratio cut-offs used to grade a scan.
// All percentages are 0-100.
type Thresholds struct {
	// WarnUnmovablePercent is the unmovable block share that produces a
	// medium finding.
	WarnUnmovablePercent float64

	// HighUnmovablePercent is the share that produces a high finding.
	HighUnmovablePercent float64

	// CriticalUnmovablePercent is the share that produces a critical
	// finding.
	CriticalUnmovablePercent float64

	// DilutionPercent is the per-block unmovable page share below which
	// unmovable blocks count as diluted: pinned by a handful of pages.
	DilutionPercent float64

	// DilutionMinBlocks is the minimum number of unmovable blocks before
	// the dilution finding fires. A couple of sparse blocks are noise.
	DilutionMinBlocks int
}

// DefaultThresholds returns the grading defaults.
// The unmovable-share steps are deliberately wide apart: a healthy
// long-running server sits around 5-15%, and above half the blocks there
// is no realistic way back without a reboot.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnUnmovablePercent:     10,
		HighUnmovablePercent:     30,
		CriticalUnmovablePercent: 60,
		DilutionPercent:          10,
		DilutionMinBlocks:        16,
	}
}

// Grade derives findings from a completed scan and appends them to the
// report. It never removes or rewrites existing findings.
func Grade(report *model.ScanReport, th Thresholds) {
	gradeUnmovableShare(report, th)
	gradeFreeRegions(report)
	gradeDilution(report, th)
	gradeContamination(report)
	gradeContext(report)
}

// gradeUnmovableShare grades the headline unmovable block ratio.
func gradeUnmovableShare(report *model.ScanReport, th Thresholds) {
	if report.ScannedBlocks() == 0 {
		return
	}
	percent := report.UnmovableBlockRatio() * 100
	value := fmt.Sprintf("%.1f%% (%d of %d blocks)",
		percent, report.UnmovableBlocks, report.ScannedBlocks())

	switch {
	case percent >= th.CriticalUnmovablePercent:
		report.AddFinding(model.NewFinding("unmovable_block_ratio_critical",
			"Most pageblocks are pinned",
			fmt.Sprintf("%d of %d usable pageblocks contain unmovable pages.",
				report.UnmovableBlocks, report.ScannedBlocks()),
			value))
	case percent >= th.HighUnmovablePercent:
		report.AddFinding(model.NewFinding("unmovable_block_ratio_high",
			"High unmovable block share",
			fmt.Sprintf("%d of %d usable pageblocks contain unmovable pages.",
				report.UnmovableBlocks, report.ScannedBlocks()),
			value))
	case percent >= th.WarnUnmovablePercent:
		report.AddFinding(model.NewFinding("unmovable_block_ratio_elevated",
			"Elevated unmovable block share",
			fmt.Sprintf("%d of %d usable pageblocks contain unmovable pages.",
				report.UnmovableBlocks, report.ScannedBlocks()),
			value))
	}
}

// gradeFreeRegions flags images with no free region above one pageblock.
func gradeFreeRegions(report *model.ScanReport) {
	if report.ScannedBlocks() == 0 {
		return
	}
	largest := report.LargestFreeOrder()
	if largest > report.PageblockOrder {
		return
	}
	desc := "No fully free region larger than one pageblock was found."
	if largest < 0 {
		desc = "Not a single fully free pageblock was found."
	}
	report.AddFinding(model.NewFinding("no_free_high_order",
		"No large free regions", desc,
		fmt.Sprintf("largest free order: %d", largest)))
}

// gradeDilution flags the spread failure mode: many unmovable blocks each
// pinned by only a few pages.
func gradeDilution(report *model.ScanReport, th Thresholds) {
	if report.UnmovableBlocks < th.DilutionMinBlocks {
		return
	}
	blockPages := 1 << uint(report.PageblockOrder)
	p50Share := float64(report.UnmovablePagesDist.P50) / float64(blockPages) * 100
	if p50Share >= th.DilutionPercent {
		return
	}
	report.AddFinding(model.NewFinding("unmovable_block_diluted",
		"Unmovable pages are spread thinly",
		fmt.Sprintf("The median unmovable block holds only %d unmovable pages out of %d.",
			report.UnmovablePagesDist.P50, blockPages),
		fmt.Sprintf("p50: %d pages, p99: %d pages",
			report.UnmovablePagesDist.P50, report.UnmovablePagesDist.P99)))
}

// gradeContamination grades the migratetype cross-check results.
func gradeContamination(report *model.ScanReport) {
	c := report.Contamination
	if c == nil {
		return
	}

	if c.MovableBlocksWithPinned > 0 {
		report.AddFinding(model.NewFinding("movable_block_contaminated",
			"Movable blocks hold pinned pages",
			fmt.Sprintf("%d movable pageblocks contain slab, kmem or other unmovable pages.",
				c.MovableBlocksWithPinned),
			fmt.Sprintf("%d blocks (%d slab, %d kmem, %d other pages)",
				c.MovableBlocksWithPinned, c.SlabPagesInMovable,
				c.KmemPagesInMovable, c.OtherPagesInMovable)))
	}

	if c.ReclaimableBlocksWithForeign > 0 {
		report.AddFinding(model.NewFinding("reclaimable_block_mixed",
			"Reclaimable blocks hold foreign pages",
			fmt.Sprintf("%d reclaimable pageblocks contain non-slab pages.",
				c.ReclaimableBlocksWithForeign),
			fmt.Sprintf("%d blocks (%d lru, %d kmem, %d other pages)",
				c.ReclaimableBlocksWithForeign, c.LRUPagesInReclaimable,
				c.KmemPagesInReclaimable, c.OtherPagesInReclaimable)))
	}
}

// gradeContext adds the informational findings about scan conditions.
func gradeContext(report *model.ScanReport) {
	if report.BoundaryPFN > 0 {
		report.AddFinding(model.NewFinding("boundary_fastpath",
			"Boundary fast path in use",
			"Blocks above the boundary PFN were assumed movable without inspection.",
			fmt.Sprintf("boundary pfn: %d", report.BoundaryPFN)))
	}
	if !report.MigrateTypesKnown {
		report.AddFinding(model.NewFinding("migratetype_unavailable",
			"Migratetype analysis unavailable",
			"The image source does not expose per-block migratetypes.", ""))
	}
	if report.ReservedBlocks > 0 {
		report.AddFinding(model.NewFinding("reserved_blocks_present",
			"Reserved-only blocks excluded",
			fmt.Sprintf("%d pageblocks are fully reserved and were excluded from the ratio.",
				report.ReservedBlocks),
			fmt.Sprintf("%d blocks", report.ReservedBlocks)))
	}
}
