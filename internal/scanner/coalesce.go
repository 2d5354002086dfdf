package scanner

// maxRegionOrder is the largest region order the assembler builds: order 18
// is 1GB with 4KB pages, the gigantic huge page size.
const maxRegionOrder = 18

// CoalesceRegions assembles aligned higher-order regions from a set of
// region start PFNs at startOrder. Two regions merge when they are buddies:
// start PFNs differing only in the order bit. The process repeats up to
// maxOrder, mirroring how the buddy allocator itself coalesces free areas.
//
// Returns a map of order to region count for every order in
// [startOrder, maxOrder]. The input counts at startOrder are included.
func CoalesceRegions(startPFNs []uint64, startOrder, maxOrder int) map[int]int {
	counts := make(map[int]int, maxOrder-startOrder+1)

	current := make(map[uint64]struct{}, len(startPFNs))
	for _, pfn := range startPFNs {
		current[pfn] = struct{}{}
	}
	counts[startOrder] = len(current)

	for order := startOrder; order < maxOrder; order++ {
		next := make(map[uint64]struct{})
		for pfn := range current {
			buddy := pfn ^ (1 << uint(order))
			if buddy <= pfn {
				continue // each pair is merged once, from its lower half
			}
			if _, ok := current[buddy]; ok {
				next[pfn&buddy] = struct{}{}
			}
		}
		counts[order+1] = len(next)
		current = next
	}

	return counts
}
