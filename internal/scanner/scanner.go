package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kmemlab/fragscan/internal/kcore"
	"github.com/kmemlab/fragscan/internal/model"
)

// DefaultPageblockOrder matches the kernel's pageblock_order on every
// common configuration: 512 pages, 2MB with 4KB pages.
const DefaultPageblockOrder = 9

// Scanner walks a memory image pageblock by pageblock.
type Scanner struct {
	// pageblockOrder is the block size exponent for the walk.
	pageblockOrder int

	// boundaryPFN, when non-zero, short-circuits every block at or above
	// it as fully movable without reading its pages. Used on kernels that
	// keep all unmovable allocations below a known boundary.
	boundaryPFN uint64

	// maxPFN caps the walk below the image's own max PFN. Zero means scan
	// the whole image.
	maxPFN uint64

	// blockFn, when set, is invoked with every completed block stat.
	blockFn func(model.BlockStat)

	// keepBlocks retains all block stats on the report.
	keepBlocks bool

	// logger is used for structured logging during the walk.
	logger *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPageblockOrder sets the pageblock order for the walk.
func WithPageblockOrder(order int) Option {
	return func(s *Scanner) {
		if order > 0 {
			s.pageblockOrder = order
		}
	}
}

// WithBoundaryPFN enables the movable fast path above the given PFN.
func WithBoundaryPFN(pfn uint64) Option {
	return func(s *Scanner) {
		s.boundaryPFN = pfn
	}
}

// WithMaxPFN caps the walk at the given PFN.
func WithMaxPFN(pfn uint64) Option {
	return func(s *Scanner) {
		s.maxPFN = pfn
	}
}

// WithBlockFunc registers a callback invoked for every inspected block.
// Used by the block dump output.
func WithBlockFunc(fn func(model.BlockStat)) Option {
	return func(s *Scanner) {
		s.blockFn = fn
	}
}

// WithKeepBlocks retains the raw per-block stats on the report.
func WithKeepBlocks(keep bool) Option {
	return func(s *Scanner) {
		s.keepBlocks = keep
	}
}

// WithLogger sets a custom logger for the scanner.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// New creates a Scanner with the given options.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		pageblockOrder: DefaultPageblockOrder,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Scan walks src and fills report with the results.
// The context is checked once per pageblock; cancellation marks the report
// timed out and returns the context error with the partial tallies intact.
func (s *Scanner) Scan(ctx context.Context, src kcore.Source, report *model.ScanReport) error {
	meta := src.Meta()

	maxPFN := meta.MaxPFN
	if s.maxPFN > 0 && s.maxPFN < maxPFN {
		maxPFN = s.maxPFN
	}
	blockPages := uint64(1) << uint(s.pageblockOrder)

	// Implementing the interface alone is not enough: a snapshot taken
	// without a sidecar has the method but no data.
	mt, ok := src.(kcore.MigrateTyper)
	hasMT := ok && mt.HasMigrateTypes()

	report.SourceKind = src.Kind()
	report.KernelRelease = meta.KernelRelease
	report.PageSize = meta.PageSize
	report.PageblockOrder = s.pageblockOrder
	report.MaxPFN = maxPFN
	report.BoundaryPFN = s.boundaryPFN
	report.MigrateTypesKnown = hasMT
	if hasMT {
		report.MigrateTypeBlocks = make(map[string]int)
		report.Contamination = &model.ContaminationStats{}
	}

	s.logger.Debug("starting page walk",
		"maxPFN", maxPFN,
		"blockPages", blockPages,
		"boundaryPFN", s.boundaryPFN,
		"migrateTypes", hasMT,
	)

	var (
		movableStarts []uint64 // fully movable blocks, for region assembly
		freeStarts    []uint64 // fully free blocks, a subset of the above
		freeDist      []int    // per-unmovable-block free page counts
		movableDist   []int
		unmovableDist []int
	)

	for blockStart := uint64(0); blockStart < maxPFN; blockStart += blockPages {
		select {
		case <-ctx.Done():
			report.TimedOut = true
			s.finish(report, movableStarts, freeStarts, freeDist, movableDist, unmovableDist)
			return ctx.Err()
		default:
		}

		blockEnd := blockStart + blockPages
		if blockEnd > maxPFN {
			blockEnd = maxPFN
		}

		// Fast path: everything above the boundary is movable by
		// construction. These pages are assumed, not inspected, so they
		// count toward the block tallies but not toward TotalPages.
		if s.boundaryPFN > 0 && blockStart >= s.boundaryPFN {
			report.MovableBlocks++
			movableStarts = append(movableStarts, blockStart)
			continue
		}

		stat := model.BlockStat{
			StartPFN:    blockStart,
			MigrateType: kcore.BlockMigrateType(src, blockStart),
		}

		skipped := uint64(0)
		for pfn := blockStart; pfn < blockEnd; pfn++ {
			if !src.Online(pfn) {
				skipped++
				continue
			}

			info, err := src.PageInfo(pfn)
			if err != nil {
				report.Error = err
				s.finish(report, movableStarts, freeStarts, freeDist, movableDist, unmovableDist)
				return fmt.Errorf("page walk at pfn %d: %w", pfn, err)
			}

			if kcore.PageFlags(info.Flags).Hole() {
				skipped++
				continue
			}

			class := kcore.Classify(info)
			// kpageflags cannot distinguish reclaimable slab. The
			// allocator places reclaimable slab caches in reclaimable
			// blocks, so refine by the block's migratetype when known.
			if class == model.ClassSlabUnreclaimable && stat.MigrateType == model.MigrateReclaimable {
				class = model.ClassSlabReclaimable
			}
			stat.AddPages(class, 1)
		}

		stat.Pages = int(blockEnd - blockStart - skipped)
		report.SkippedPages += skipped
		report.TotalPages += uint64(stat.Pages)

		for class := model.PageClass(0); class < model.NumPageClasses; class++ {
			if n := stat.Classes[class]; n > 0 {
				report.ClassTotals[class.String()] += uint64(n)
			}
		}

		if stat.Pages == 0 {
			continue // the whole block is a hole
		}

		switch {
		case stat.AllReserved():
			report.ReservedBlocks++
		case stat.FullyMovable():
			report.MovableBlocks++
			movableStarts = append(movableStarts, blockStart)
			if stat.MovablePages == 0 && stat.ReservedPages == 0 {
				freeStarts = append(freeStarts, blockStart)
			}
		default:
			report.UnmovableBlocks++
			report.UnmovablePagesInUnmovableBlocks += uint64(stat.UnmovablePages)
			freeDist = append(freeDist, stat.FreePages)
			movableDist = append(movableDist, stat.MovablePages)
			unmovableDist = append(unmovableDist, stat.UnmovablePages)
		}

		if hasMT {
			s.tallyMigrateType(report, &stat)
		}

		if s.blockFn != nil {
			s.blockFn(stat)
		}
		if s.keepBlocks {
			report.Blocks = append(report.Blocks, stat)
		}
	}

	s.finish(report, movableStarts, freeStarts, freeDist, movableDist, unmovableDist)
	return nil
}

// tallyMigrateType cross-checks a block's page classes against its
// migratetype and accumulates the contamination counters.
func (s *Scanner) tallyMigrateType(report *model.ScanReport, stat *model.BlockStat) {
	report.MigrateTypeBlocks[stat.MigrateType.String()]++

	c := report.Contamination
	slabReclaim := uint64(stat.Classes[model.ClassSlabReclaimable])
	slabPinned := uint64(stat.Classes[model.ClassSlabUnreclaimable])
	lru := uint64(stat.Classes[model.ClassLRU] + stat.Classes[model.ClassZsmalloc])
	kmem := uint64(stat.Classes[model.ClassKmem])
	other := uint64(stat.Classes[model.ClassOther])

	switch stat.MigrateType {
	case model.MigrateUnmovable:
		// Slab in unmovable blocks is unrefined: the reclaimable
		// reclassification only applies inside reclaimable blocks, so
		// count both slab classes here.
		slab := slabReclaim + slabPinned
		c.SlabPagesInUnmovable += slab
		c.LRUPagesInUnmovable += lru
		if slab > 0 || lru > 0 {
			c.UnmovableBlocksWithSlabLRU++
			s.logger.Debug("unmovable block holds migratable pages",
				"startPFN", stat.StartPFN,
				"slab", slab,
				"lru", lru,
			)
		}
	case model.MigrateMovable:
		pinnedKmem := slabPinned + kmem
		c.SlabPagesInMovable += slabReclaim
		c.KmemPagesInMovable += pinnedKmem
		c.OtherPagesInMovable += other
		if slabReclaim > 0 || pinnedKmem > 0 || other > 0 {
			c.MovableBlocksWithPinned++
			s.logger.Debug("movable block holds pinned pages",
				"startPFN", stat.StartPFN,
				"slab", slabReclaim,
				"kmem", pinnedKmem,
				"other", other,
			)
		}
	case model.MigrateReclaimable:
		foreignKmem := slabPinned + kmem
		c.LRUPagesInReclaimable += lru
		c.KmemPagesInReclaimable += foreignKmem
		c.OtherPagesInReclaimable += other
		if lru > 0 || foreignKmem > 0 || other > 0 {
			c.ReclaimableBlocksWithForeign++
		}
	}
}

// finish computes the distributions and assembles the region counts.
// Called on every exit path so partial scans still report what they saw.
func (s *Scanner) finish(report *model.ScanReport, movableStarts, freeStarts []uint64, freeDist, movableDist, unmovableDist []int) {
	report.FreePagesDist = summarize(freeDist)
	report.MovablePagesDist = summarize(movableDist)
	report.UnmovablePagesDist = summarize(unmovableDist)

	report.MovableRegionsByOrder = CoalesceRegions(movableStarts, s.pageblockOrder, maxRegionOrder)
	report.FreeRegionsByOrder = CoalesceRegions(freeStarts, s.pageblockOrder, maxRegionOrder)

	s.logger.Debug("page walk finished",
		"totalPages", report.TotalPages,
		"skippedPages", report.SkippedPages,
		"movableBlocks", report.MovableBlocks,
		"unmovableBlocks", report.UnmovableBlocks,
	)
}

// summarize sorts a sample and extracts its percentile summary.
func summarize(dist []int) model.Distribution {
	if len(dist) == 0 {
		return model.Distribution{}
	}
	sort.Ints(dist)
	return model.Distribution{
		Samples: len(dist),
		P50:     Percentile(dist, 0.50),
		P99:     Percentile(dist, 0.99),
	}
}
