package model

// Severity represents how badly a finding affects the kernel's ability to
// satisfy high-order and movable allocations.
//
// Design decision: We use iota-based constants rather than string constants
// for efficiency in comparisons and sorting. The String() method provides
// human-readable output when needed.
type Severity int

const (
	// SeverityInfo indicates informational findings with no direct impact.
	// Examples: boundary fast path in use, migratetype data unavailable.
	SeverityInfo Severity = iota

	// SeverityLow indicates minor fragmentation signals.
	// Examples: a small share of reserved-only blocks.
	SeverityLow

	// SeverityMedium indicates conditions that will degrade compaction
	// over time. Examples: mixed reclaimable blocks, diluted unmovable
	// blocks.
	SeverityMedium

	// SeverityHigh indicates conditions that already hurt high-order
	// allocations. Examples: pinned pages inside movable blocks, no free
	// regions above the pageblock order.
	SeverityHigh

	// SeverityCritical indicates the image is heavily fragmented and
	// compaction cannot recover large contiguous ranges.
	SeverityCritical
)

// String returns a human-readable representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// FindingInfo contains metadata about a finding type including severity,
// impact description, and remediation recommendation.
type FindingInfo struct {
	Severity       Severity
	Impact         string
	Recommendation string
}

// findingInfoMapping maps finding types to their metadata.
// This centralized mapping keeps the grading consistent between the grader
// step, the report writers, and the compare command.
var findingInfoMapping = map[string]FindingInfo{
	// CRITICAL - large allocations are effectively unavailable
	"unmovable_block_ratio_critical": {
		Severity:       SeverityCritical,
		Impact:         "A majority of usable pageblocks are pinned by unmovable pages. Compaction cannot assemble large contiguous regions; huge page and high-order allocations will fail or stall.",
		Recommendation: "Investigate the dominant unmovable consumers (slab, kernel stacks, page tables) and consider rebooting or enabling a movable zone for this workload.",
	},
	"no_free_high_order": {
		Severity:       SeverityHigh,
		Impact:         "No fully free region larger than a single pageblock exists. Any allocation above the pageblock order must first wait for reclaim and compaction.",
		Recommendation: "Check whether huge page demand can be served from the pre-allocated pool, and reduce unmovable pressure before it spreads further.",
	},

	// HIGH - compaction effectiveness is measurably reduced
	"unmovable_block_ratio_high": {
		Severity:       SeverityHigh,
		Impact:         "A large share of usable pageblocks contain at least one unmovable page, shrinking the pool compaction can work with.",
		Recommendation: "Track the unmovable page classes in the report over time; a growing 'other' or 'kmem' share usually points at a leaking or unbounded kernel consumer.",
	},
	"movable_block_contaminated": {
		Severity:       SeverityHigh,
		Impact:         "Blocks tagged movable contain slab or other pinned pages. A single pinned page prevents compaction from freeing the whole 2MB block.",
		Recommendation: "This is typically caused by fallback allocations under memory pressure. Reducing peak pressure or raising min_free_kbytes limits cross-migratetype fallbacks.",
	},

	// MEDIUM - early warning signals
	"unmovable_block_ratio_elevated": {
		Severity:       SeverityMedium,
		Impact:         "The unmovable block share is above the configured warning threshold but not yet at a level that blocks high-order allocations.",
		Recommendation: "Record a baseline with 'fragscan scan' and compare after suspect workloads to find what grows the unmovable share.",
	},
	"unmovable_block_diluted": {
		Severity:       SeverityMedium,
		Impact:         "Unmovable blocks are mostly empty or movable: few pinned pages are spread thinly across many blocks instead of being packed together, wasting blocks that could otherwise be movable.",
		Recommendation: "This spread pattern is the classic fragmentation failure mode. Grouping unmovable allocations (e.g. via a contiguous unmovable region) would reclaim most of these blocks.",
	},
	"reclaimable_block_mixed": {
		Severity:       SeverityMedium,
		Impact:         "Blocks tagged reclaimable hold non-slab pages, so shrinking the slab caches will not free these blocks completely.",
		Recommendation: "Mixed reclaimable blocks accumulate under pressure spikes; compare scans over time to see whether the trend is growing.",
	},

	// INFO - context, not problems
	"boundary_fastpath": {
		Severity:       SeverityInfo,
		Impact:         "Blocks above the configured boundary PFN were assumed movable without page inspection.",
		Recommendation: "Verify the boundary against the kernel's actual unmovable region size if exact totals matter.",
	},
	"migratetype_unavailable": {
		Severity:       SeverityInfo,
		Impact:         "The image source does not expose per-block migratetypes, so the contamination analysis was skipped.",
		Recommendation: "Capture a snapshot with migratetype data to enable the per-migratetype cross-checks.",
	},
	"reserved_blocks_present": {
		Severity:       SeverityLow,
		Impact:         "Some pageblocks consist entirely of reserved pages. They are excluded from the fragmentation ratio since they can never be allocated.",
		Recommendation: "No action needed; reserved ranges are fixed at boot.",
	},
}

// LookupFindingInfo returns the metadata for a finding type.
// Unknown types default to SeverityInfo with empty guidance, so a newer
// database entry never breaks an older binary.
func LookupFindingInfo(findingType string) FindingInfo {
	if info, ok := findingInfoMapping[findingType]; ok {
		return info
	}
	return FindingInfo{Severity: SeverityInfo}
}
