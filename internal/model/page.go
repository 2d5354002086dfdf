package model

// PageClass categorizes a single page frame by how it is currently used.
// The taxonomy mirrors what the kernel's compaction subsystem cares about:
// whether a page can be migrated, reclaimed, or neither.
//
// Design decision: We keep free pages, reserved pages, and unreferenced
// pages as distinct classes rather than folding them into "movable" or
// "unmovable" because per-block reporting needs to tell an empty block
// apart from a movable one. The movability verdict is derived via
// Movability().
type PageClass int

const (
	// ClassFree is a page sitting in the buddy allocator free lists.
	ClassFree PageClass = iota

	// ClassLRU is a page on the LRU lists (page cache or anonymous memory).
	// These pages are migratable by the compaction subsystem.
	ClassLRU

	// ClassSlabReclaimable is a slab page from a cache created with
	// SLAB_RECLAIM_ACCOUNT (dentries, inodes). Not migratable, but the
	// shrinkers can free it under pressure.
	ClassSlabReclaimable

	// ClassSlabUnreclaimable is a slab page that can neither be migrated
	// nor reclaimed. These pin their pageblock.
	ClassSlabUnreclaimable

	// ClassZsmalloc is a zsmalloc-backed page. Not on the LRU, but zsmalloc
	// implements the movable_operations contract, so it counts as movable.
	ClassZsmalloc

	// ClassKmem is a kernel allocation charged to a memcg (stacks, page
	// tables, large kmalloc). Unmovable.
	ClassKmem

	// ClassReserved is a page marked PG_reserved at boot (firmware ranges,
	// kernel text). Never enters the allocator.
	ClassReserved

	// ClassUnreferenced is a page with a zero refcount that is not flagged
	// as buddy. The buddy flag is only set on the head of a free area, so
	// these are almost always free tail pages.
	ClassUnreferenced

	// ClassOther is everything the classifier could not attribute.
	// Treated as unmovable, which can only overcount fragmentation.
	ClassOther

	// NumPageClasses is the number of page classes; usable as an array size.
	NumPageClasses
)

// String returns the short lowercase class name used in reports.
func (c PageClass) String() string {
	switch c {
	case ClassFree:
		return "free"
	case ClassLRU:
		return "lru"
	case ClassSlabReclaimable:
		return "slab_reclaimable"
	case ClassSlabUnreclaimable:
		return "slab_unreclaimable"
	case ClassZsmalloc:
		return "zsmalloc"
	case ClassKmem:
		return "kmem"
	case ClassReserved:
		return "reserved"
	case ClassUnreferenced:
		return "unreferenced"
	case ClassOther:
		return "other"
	default:
		return "unknown"
	}
}

// Movability is the compaction-relevant verdict for a page class.
type Movability int

const (
	// MovabilityFree means the page is not allocated at all.
	MovabilityFree Movability = iota

	// MovabilityMovable means compaction can migrate the page away.
	MovabilityMovable

	// MovabilityUnmovable means the page pins its physical location.
	MovabilityUnmovable

	// MovabilityReserved means the page never participates in allocation.
	MovabilityReserved
)

// Movability maps a page class to its compaction verdict.
// Unreferenced pages count as free: they are free-area tail pages that
// simply lack the buddy flag on their own struct page.
func (c PageClass) Movability() Movability {
	switch c {
	case ClassFree, ClassUnreferenced:
		return MovabilityFree
	case ClassLRU, ClassZsmalloc:
		return MovabilityMovable
	case ClassReserved:
		return MovabilityReserved
	default:
		return MovabilityUnmovable
	}
}

// MigrateType is the allocation policy tag of a whole pageblock, as kept in
// the zone's pageblock flags bitmap. A block's migratetype is a hint about
// what the allocator intended for it; the pages inside may disagree, and
// that disagreement is exactly what the contamination analysis measures.
type MigrateType int

const (
	// MigrateUnmovable marks blocks meant for allocations that pin pages.
	MigrateUnmovable MigrateType = iota

	// MigrateMovable marks blocks meant for migratable allocations.
	MigrateMovable

	// MigrateReclaimable marks blocks meant for reclaimable slab caches.
	MigrateReclaimable

	// MigrateHighAtomic marks blocks reserved for high-order atomic
	// allocations.
	MigrateHighAtomic

	// MigrateCMA marks blocks belonging to a CMA region.
	MigrateCMA

	// MigrateIsolate marks blocks temporarily isolated from allocation.
	MigrateIsolate

	// MigrateUnknown is reported by sources that cannot read the pageblock
	// flags bitmap (the live procfs source, for one).
	MigrateUnknown
)

// String returns the kernel's name for the migratetype.
func (m MigrateType) String() string {
	switch m {
	case MigrateUnmovable:
		return "unmovable"
	case MigrateMovable:
		return "movable"
	case MigrateReclaimable:
		return "reclaimable"
	case MigrateHighAtomic:
		return "highatomic"
	case MigrateCMA:
		return "cma"
	case MigrateIsolate:
		return "isolate"
	default:
		return "unknown"
	}
}
