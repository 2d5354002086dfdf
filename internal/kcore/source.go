package kcore

import (
	"errors"
	"time"

	"github.com/kmemlab/fragscan/internal/model"
)

// Sentinel errors returned by image sources.
var (
	// ErrPFNRange is returned when a requested PFN is at or beyond the
	// image's max PFN.
	ErrPFNRange = errors.New("pfn out of image range")

	// ErrNeedRoot is returned when the procfs page map files exist but are
	// not readable. /proc/kpageflags is root-only on all mainline kernels.
	ErrNeedRoot = errors.New("reading /proc/kpageflags requires root")

	// ErrSnapshotFormat is returned when a snapshot file is malformed or
	// has an unsupported version.
	ErrSnapshotFormat = errors.New("invalid snapshot format")

	// ErrSnapshotChecksum is returned when a snapshot payload does not
	// match the checksum recorded in its header.
	ErrSnapshotChecksum = errors.New("snapshot checksum mismatch")
)

// PageInfo is the metadata of a single page frame.
type PageInfo struct {
	// Flags is the page's kpageflags bit set (KPF constants in flags.go).
	Flags uint64

	// MapCount is the page's map count from /proc/kpagecount, or -1 when
	// the source did not capture map counts.
	MapCount int64
}

// Meta describes the imaged kernel.
type Meta struct {
	// KernelRelease is the uname -r of the imaged kernel, when known.
	KernelRelease string `json:"kernel_release,omitempty"`

	// PageSize is the page size in bytes.
	PageSize int `json:"page_size"`

	// MaxPFN is the highest page frame number, exclusive.
	MaxPFN uint64 `json:"max_pfn"`

	// CaptureTime is when the image was taken. For the live source this is
	// the time the source was opened.
	CaptureTime time.Time `json:"capture_time"`
}

// Source kind identifiers returned by Kind.
const (
	KindProcfs   = "procfs"
	KindSnapshot = "snapshot"
)

// Source is a read-only physical memory image.
//
// Design decision: We accept this interface everywhere and return concrete
// source types from the constructors. PageInfo is a single-page call;
// sources are expected to do their own read batching, because the scanner
// walks PFNs strictly in ascending order.
type Source interface {
	// Kind identifies the source type ("procfs" or "snapshot").
	Kind() string

	// Meta returns the image metadata.
	Meta() Meta

	// PageInfo returns the metadata of the given page frame.
	// Returns ErrPFNRange when pfn >= Meta().MaxPFN.
	PageInfo(pfn uint64) (PageInfo, error)

	// Online reports whether the PFN falls inside a usable RAM range.
	// Offline ranges (PFN holes, device memory) are skipped by the scanner
	// and counted, never classified.
	Online(pfn uint64) bool

	// Close releases the source's file handles.
	Close() error
}

// MigrateTyper is the optional interface for sources that can report the
// migratetype of pageblocks. The live procfs source cannot: the kernel does
// not export the pageblock flags bitmap. Snapshot files can, but only when
// they were captured with a migratetype sidecar, so implementing the
// interface is not enough: HasMigrateTypes reports whether this particular
// image actually carries the data.
type MigrateTyper interface {
	// HasMigrateTypes reports whether the image carries per-block
	// migratetypes. When false, BlockMigrateType returns MigrateUnknown
	// for every pfn.
	HasMigrateTypes() bool

	// BlockMigrateType returns the migratetype of the pageblock containing
	// pfn.
	BlockMigrateType(pfn uint64) model.MigrateType
}

// BlockMigrateType returns the block migratetype for pfn if src carries
// migratetype data, and MigrateUnknown otherwise.
func BlockMigrateType(src Source, pfn uint64) model.MigrateType {
	if mt, ok := src.(MigrateTyper); ok && mt.HasMigrateTypes() {
		return mt.BlockMigrateType(pfn)
	}
	return model.MigrateUnknown
}
