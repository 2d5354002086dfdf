package model

// BlockStat holds the per-pageblock tallies produced by a scan.
// One pageblock is 2^PageblockOrder pages (2MB with 4KB pages and order 9).
type BlockStat struct {
	// StartPFN is the first page frame number of the block.
	StartPFN uint64 `json:"start_pfn"`

	// Pages is the number of pages inspected in this block. The last block
	// of the image may be short.
	Pages int `json:"pages"`

	// MigrateType is the block's allocator policy tag, or MigrateUnknown
	// when the source cannot provide it.
	MigrateType MigrateType `json:"-"`

	// Classes counts pages per PageClass, indexed by the class constant.
	Classes [NumPageClasses]int `json:"-"`

	// FreePages, MovablePages, UnmovablePages and ReservedPages are the
	// class counts folded down by Movability.
	FreePages      int `json:"free_pages"`
	MovablePages   int `json:"movable_pages"`
	UnmovablePages int `json:"unmovable_pages"`
	ReservedPages  int `json:"reserved_pages"`
}

// AddPages records n pages of the given class.
func (b *BlockStat) AddPages(class PageClass, n int) {
	b.Classes[class] += n
	switch class.Movability() {
	case MovabilityFree:
		b.FreePages += n
	case MovabilityMovable:
		b.MovablePages += n
	case MovabilityUnmovable:
		b.UnmovablePages += n
	case MovabilityReserved:
		b.ReservedPages += n
	}
}

// AllReserved reports whether the block consists entirely of reserved
// pages. Such blocks are unusable for any allocation and are excluded from
// the fragmentation statistics.
func (b *BlockStat) AllReserved() bool {
	return b.Pages > 0 && b.ReservedPages == b.Pages
}

// FullyMovable reports whether the block contains no unmovable page, i.e.
// compaction could in principle empty it completely.
func (b *BlockStat) FullyMovable() bool {
	return b.UnmovablePages == 0 && !b.AllReserved()
}
