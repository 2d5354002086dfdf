// Package scanner implements the single-pass pageblock walk.
//
// The walk visits every online page frame of a memory image exactly once,
// classifies it, and folds the results into per-pageblock statistics:
// which blocks are pinned by unmovable pages, how the pinned pages are
// distributed, which contiguous movable and free regions could be
// assembled, and (when the source knows block migratetypes) which blocks
// hold pages that contradict their allocation policy.
//
// The scan is read-only and deterministic: running it twice against the
// same image produces identical totals.
package scanner
