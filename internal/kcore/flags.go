package kcore

import (
	"strings"

	"github.com/kmemlab/fragscan/internal/model"
)

// Page flag bit positions as exported by /proc/kpageflags.
// These are a stable kernel ABI (include/uapi/linux/kernel-page-flags.h).
// Bits 32 and up are only filled in for privileged readers, which fragscan
// requires anyway.
const (
	KPFLocked        = 0
	KPFError         = 1
	KPFReferenced    = 2
	KPFUptodate      = 3
	KPFDirty         = 4
	KPFLRU           = 5
	KPFActive        = 6
	KPFSlab          = 7
	KPFWriteback     = 8
	KPFReclaim       = 9
	KPFBuddy         = 10
	KPFMmap          = 11
	KPFAnon          = 12
	KPFSwapCache     = 13
	KPFSwapBacked    = 14
	KPFCompoundHead  = 15
	KPFCompoundTail  = 16
	KPFHuge          = 17
	KPFUnevictable   = 18
	KPFHWPoison      = 19
	KPFNopage        = 20
	KPFKSM           = 21
	KPFTHP           = 22
	KPFOffline       = 23
	KPFZeroPage      = 24
	KPFIdle          = 25
	KPFPgtable       = 26
	KPFReserved      = 32
	KPFMlocked       = 33
	KPFMappedToDisk  = 34
	KPFPrivate       = 35
	KPFPrivate2      = 36
	KPFOwnerPrivate  = 37
	KPFArch          = 38
	KPFUncached      = 39
	KPFSoftDirty     = 40
)

// kpfNames maps bit positions to short names for diagnostics.
var kpfNames = map[int]string{
	KPFLocked:       "locked",
	KPFError:        "error",
	KPFReferenced:   "referenced",
	KPFUptodate:     "uptodate",
	KPFDirty:        "dirty",
	KPFLRU:          "lru",
	KPFActive:       "active",
	KPFSlab:         "slab",
	KPFWriteback:    "writeback",
	KPFReclaim:      "reclaim",
	KPFBuddy:        "buddy",
	KPFMmap:         "mmap",
	KPFAnon:         "anon",
	KPFSwapCache:    "swapcache",
	KPFSwapBacked:   "swapbacked",
	KPFCompoundHead: "compound_head",
	KPFCompoundTail: "compound_tail",
	KPFHuge:         "huge",
	KPFUnevictable:  "unevictable",
	KPFHWPoison:     "hwpoison",
	KPFNopage:       "nopage",
	KPFKSM:          "ksm",
	KPFTHP:          "thp",
	KPFOffline:      "offline",
	KPFZeroPage:     "zero_page",
	KPFIdle:         "idle",
	KPFPgtable:      "pgtable",
	KPFReserved:     "reserved",
	KPFMlocked:      "mlocked",
}

// PageFlags is a kpageflags bit set with helpers for decoding.
type PageFlags uint64

// Has reports whether the flag at the given bit position is set.
func (f PageFlags) Has(bit int) bool {
	return f&(1<<bit) != 0
}

// String renders the set bits as a pipe-separated list, e.g.
// "lru|active|anon". Unknown bits are omitted.
func (f PageFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for bit := 0; bit < 64; bit++ {
		if !f.Has(bit) {
			continue
		}
		if name, ok := kpfNames[bit]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Hole reports whether the flags describe a nonexistent or offline page
// frame. Such frames are skipped by the scanner, not classified.
func (f PageFlags) Hole() bool {
	return f.Has(KPFNopage) || f.Has(KPFOffline)
}

// Classify maps a page's metadata to its PageClass.
//
// The check order matters and follows the kernel's own flag semantics:
// reserved and buddy are definitive, slab before the LRU group because slab
// pages can carry stale LRU-adjacent bits, and the LRU group is widened
// with KSM, swap-cache and mapped-anon pages since all of those are
// migratable.
//
// Two classes need context this function does not have: reclaimable slab
// cannot be told apart from unreclaimable slab in kpageflags (the scanner
// refines slab by block migratetype when available), and zsmalloc pages
// have no kpageflags signature at all, so they surface as ClassOther here.
func Classify(info PageInfo) model.PageClass {
	f := PageFlags(info.Flags)

	switch {
	case f.Has(KPFReserved):
		return model.ClassReserved
	case f.Has(KPFBuddy):
		return model.ClassFree
	case f.Has(KPFSlab):
		return model.ClassSlabUnreclaimable
	case f.Has(KPFLRU) || f.Has(KPFUnevictable) || f.Has(KPFSwapCache) ||
		f.Has(KPFKSM) || f.Has(KPFSwapBacked):
		return model.ClassLRU
	case f.Has(KPFAnon) && info.MapCount > 0:
		return model.ClassLRU
	case f.Has(KPFPgtable):
		return model.ClassKmem
	case f.Has(KPFZeroPage):
		// The shared zero page is never migrated but also never moves the
		// needle; it counts with the kernel allocations.
		return model.ClassKmem
	case f == 0 && info.MapCount <= 0:
		// No flags at all. With an unknown or zero map count this is a
		// free-area tail page.
		return model.ClassUnreferenced
	default:
		return model.ClassOther
	}
}
