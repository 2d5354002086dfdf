package model

import "time"

// ScanReport is the main scan result structure.
// It contains all statistics collected during a single pass over a memory
// image.
//
// Design decision: We use a single large struct rather than many small ones
// to simplify serialization and database storage. The ContaminationStats
// sub-struct groups the migratetype cross-check results because they are
// only available for sources that expose pageblock flags.
type ScanReport struct {
	// === Image identity ===

	// Target is the scanned target: "live" for the running kernel, or the
	// snapshot file path.
	Target string `json:"target"`

	// SourceKind identifies the image source ("procfs" or "snapshot").
	SourceKind string `json:"source_kind"`

	// KernelRelease is the uname release of the imaged kernel, when known.
	KernelRelease string `json:"kernel_release,omitempty"`

	// DateScanned is when the scan was performed.
	DateScanned time.Time `json:"date_scanned"`

	// === Geometry ===

	// PageSize is the page size of the imaged kernel in bytes.
	PageSize int `json:"page_size"`

	// PageblockOrder is the pageblock order used for the walk (usually 9,
	// i.e. 512 pages / 2MB blocks).
	PageblockOrder int `json:"pageblock_order"`

	// MaxPFN is the highest page frame number of the image, exclusive.
	MaxPFN uint64 `json:"max_pfn"`

	// BoundaryPFN, when non-zero, is the PFN above which all blocks were
	// assumed movable without inspecting their pages.
	BoundaryPFN uint64 `json:"boundary_pfn,omitempty"`

	// === Page totals ===

	// TotalPages is the number of pages actually inspected.
	TotalPages uint64 `json:"total_pages"`

	// SkippedPages counts pages in offline ranges or PFN holes.
	SkippedPages uint64 `json:"skipped_pages"`

	// ClassTotals counts inspected pages per class name.
	ClassTotals map[string]uint64 `json:"class_totals"`

	// === Block tallies ===

	// MovableBlocks is the number of pageblocks with no unmovable page.
	MovableBlocks int `json:"movable_blocks"`

	// UnmovableBlocks is the number of pageblocks pinned by at least one
	// unmovable page.
	UnmovableBlocks int `json:"unmovable_blocks"`

	// ReservedBlocks is the number of pageblocks consisting entirely of
	// reserved pages. They are excluded from the ratio below.
	ReservedBlocks int `json:"reserved_blocks"`

	// UnmovablePagesInUnmovableBlocks is the total number of unmovable
	// pages across all unmovable blocks.
	UnmovablePagesInUnmovableBlocks uint64 `json:"unmovable_pages_in_unmovable_blocks"`

	// === Distributions over unmovable blocks ===

	// FreePagesDist, MovablePagesDist and UnmovablePagesDist describe how
	// free, movable and unmovable pages are spread across the unmovable
	// blocks. A low unmovable p50 means a few pinned pages are wasting many
	// blocks.
	FreePagesDist      Distribution `json:"free_pages_dist"`
	MovablePagesDist   Distribution `json:"movable_pages_dist"`
	UnmovablePagesDist Distribution `json:"unmovable_pages_dist"`

	// === Region assembly ===

	// MovableRegionsByOrder counts contiguous fully-movable regions by
	// order, from the pageblock order up to order 18 (1GB). Entries are
	// produced by coalescing aligned buddy pairs.
	MovableRegionsByOrder map[int]int `json:"movable_regions_by_order,omitempty"`

	// FreeRegionsByOrder counts contiguous fully-free regions by order,
	// starting one order above the pageblock order.
	FreeRegionsByOrder map[int]int `json:"free_regions_by_order,omitempty"`

	// === Migratetype analysis ===

	// MigrateTypesKnown reports whether the source exposed per-block
	// migratetypes. When false, MigrateTypeBlocks and Contamination are nil.
	MigrateTypesKnown bool `json:"migrate_types_known"`

	// MigrateTypeBlocks counts pageblocks per migratetype name.
	MigrateTypeBlocks map[string]int `json:"migrate_type_blocks,omitempty"`

	// Contamination holds the per-migratetype cross-check results.
	Contamination *ContaminationStats `json:"contamination,omitempty"`

	// === Scan bookkeeping ===

	// Blocks retains the raw per-block stats. Populated only when block
	// dumping is requested; excluded from JSON due to size.
	Blocks []BlockStat `json:"-"`

	// PerformedSteps lists the pipeline steps that ran.
	PerformedSteps []string `json:"performed_steps,omitempty"`

	// Elapsed is the wall-clock scan duration.
	Elapsed time.Duration `json:"elapsed_ns"`

	// TimedOut indicates the scan was cancelled and the results are
	// partial.
	TimedOut bool `json:"timed_out"`

	// Error holds the scan error, if any. Excluded from JSON; use
	// ErrorMessage for the serialized form.
	Error error `json:"-"`

	// ErrorMessage is the string form of Error for serialization.
	ErrorMessage string `json:"error,omitempty"`

	// Findings are the severity-graded fragmentation findings.
	Findings []Finding `json:"findings,omitempty"`

	// Summary is the condensed report; generated after the scan.
	Summary *Summary `json:"summary,omitempty"`
}

// NewScanReport creates a ScanReport for the given target with the scan
// date set to now.
func NewScanReport(target, sourceKind string) *ScanReport {
	return &ScanReport{
		Target:                target,
		SourceKind:            sourceKind,
		DateScanned:           time.Now(),
		ClassTotals:           make(map[string]uint64),
		MovableRegionsByOrder: make(map[int]int),
		FreeRegionsByOrder:    make(map[int]int),
	}
}

// AddFinding appends a finding to the report.
func (r *ScanReport) AddFinding(f Finding) {
	r.Findings = append(r.Findings, f)
}

// ScannedBlocks returns the number of blocks that took part in the
// fragmentation ratio (reserved-only blocks excluded).
func (r *ScanReport) ScannedBlocks() int {
	return r.MovableBlocks + r.UnmovableBlocks
}

// UnmovableBlockRatio returns the fraction of usable blocks that are pinned
// by unmovable pages, in [0, 1]. Returns 0 when no blocks were scanned.
func (r *ScanReport) UnmovableBlockRatio() float64 {
	total := r.ScannedBlocks()
	if total == 0 {
		return 0
	}
	return float64(r.UnmovableBlocks) / float64(total)
}

// LargestFreeOrder returns the highest order with at least one fully-free
// region, or -1 when none were found.
func (r *ScanReport) LargestFreeOrder() int {
	largest := -1
	for order, n := range r.FreeRegionsByOrder {
		if n > 0 && order > largest {
			largest = order
		}
	}
	return largest
}

// Distribution summarizes a sorted sample of per-block page counts.
type Distribution struct {
	// Samples is the number of blocks in the distribution.
	Samples int `json:"samples"`

	// P50 and P99 are the interpolated percentiles.
	P50 int `json:"p50"`
	P99 int `json:"p99"`
}

// ContaminationStats records pages whose class disagrees with the
// migratetype of the block they live in. Each mismatch makes either
// compaction or targeted reclaim less effective.
type ContaminationStats struct {
	// UnmovableBlocksWithSlabLRU counts unmovable blocks holding slab or
	// LRU pages.
	UnmovableBlocksWithSlabLRU int `json:"unmovable_blocks_with_slab_lru"`

	// SlabPagesInUnmovable and LRUPagesInUnmovable are the offending page
	// totals inside unmovable blocks.
	SlabPagesInUnmovable uint64 `json:"slab_pages_in_unmovable"`
	LRUPagesInUnmovable  uint64 `json:"lru_pages_in_unmovable"`

	// MovableBlocksWithPinned counts movable blocks polluted by pages that
	// cannot migrate. A single such page defeats compaction of the block.
	MovableBlocksWithPinned int `json:"movable_blocks_with_pinned"`

	// SlabPagesInMovable, KmemPagesInMovable and OtherPagesInMovable break
	// down the pinned pages inside movable blocks.
	SlabPagesInMovable  uint64 `json:"slab_pages_in_movable"`
	KmemPagesInMovable  uint64 `json:"kmem_pages_in_movable"`
	OtherPagesInMovable uint64 `json:"other_pages_in_movable"`

	// ReclaimableBlocksWithForeign counts reclaimable blocks holding
	// non-slab pages.
	ReclaimableBlocksWithForeign int `json:"reclaimable_blocks_with_foreign"`

	// LRUPagesInReclaimable, KmemPagesInReclaimable and
	// OtherPagesInReclaimable break down the foreign pages inside
	// reclaimable blocks.
	LRUPagesInReclaimable   uint64 `json:"lru_pages_in_reclaimable"`
	KmemPagesInReclaimable  uint64 `json:"kmem_pages_in_reclaimable"`
	OtherPagesInReclaimable uint64 `json:"other_pages_in_reclaimable"`
}
