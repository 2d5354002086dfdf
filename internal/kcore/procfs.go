package kcore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// procBatchPages is the number of page records fetched per read from the
// procfs page map files. 16K records is 128KB per file, small enough to sit
// in cache and large enough to amortize the syscall over a pageblock walk.
const procBatchPages = 16384

// pfnRange is a half-open [Start, End) PFN interval.
type pfnRange struct {
	Start uint64
	End   uint64
}

// ProcSource reads the live kernel's page metadata from procfs.
// It consumes /proc/kpageflags and /proc/kpagecount (one little-endian
// 64-bit record per PFN) and derives the usable RAM ranges from
// /proc/iomem.
//
// ProcSource is not safe for concurrent use: the read-ahead windows are
// shared state. The scanner walks a source from a single goroutine.
type ProcSource struct {
	kpageflags *os.File
	kpagecount *os.File

	// ramRanges holds the System RAM intervals in ascending PFN order.
	ramRanges []pfnRange

	meta     Meta
	pageSize int

	// Read-ahead windows. The scanner walks PFNs in ascending order, so a
	// single window per file captures almost all locality.
	flagsWin batchWindow
	countWin batchWindow
}

// batchWindow caches one batch of u64 records from a record file.
type batchWindow struct {
	start uint64 // first PFN in buf; valid only when n > 0
	n     int    // number of valid records
	buf   []byte
}

// ProcOption configures a ProcSource.
type ProcOption func(*procConfig)

type procConfig struct {
	procRoot string
	maxPFN   uint64
}

// WithProcRoot points the source at an alternative proc mount.
// Used by tests to read from a fixture tree.
func WithProcRoot(root string) ProcOption {
	return func(c *procConfig) {
		c.procRoot = root
	}
}

// WithMaxPFN caps the image at the given PFN regardless of what /proc/iomem
// reports. Useful for bounded scans of very large machines.
func WithMaxPFN(maxPFN uint64) ProcOption {
	return func(c *procConfig) {
		c.maxPFN = maxPFN
	}
}

// NewProcSource opens the live kernel image.
// Returns ErrNeedRoot when the page map files are present but unreadable,
// which is the normal failure mode for unprivileged users.
func NewProcSource(opts ...ProcOption) (*ProcSource, error) {
	cfg := procConfig{procRoot: "/proc"}
	for _, opt := range opts {
		opt(&cfg)
	}

	pageSize := os.Getpagesize()

	kpf, err := os.Open(filepath.Join(cfg.procRoot, "kpageflags"))
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrNeedRoot
		}
		return nil, fmt.Errorf("failed to open kpageflags: %w", err)
	}

	kpc, err := os.Open(filepath.Join(cfg.procRoot, "kpagecount"))
	if err != nil {
		kpc = nil // map counts are optional; classification degrades gracefully
	}

	ranges, err := loadRAMRanges(filepath.Join(cfg.procRoot, "iomem"), pageSize)
	if err != nil {
		_ = kpf.Close()
		if kpc != nil {
			_ = kpc.Close()
		}
		return nil, err
	}

	maxPFN := ranges[len(ranges)-1].End
	if cfg.maxPFN > 0 && cfg.maxPFN < maxPFN {
		maxPFN = cfg.maxPFN
	}

	s := &ProcSource{
		kpageflags: kpf,
		kpagecount: kpc,
		ramRanges:  ranges,
		pageSize:   pageSize,
		meta: Meta{
			KernelRelease: readKernelRelease(cfg.procRoot),
			PageSize:      pageSize,
			MaxPFN:        maxPFN,
			CaptureTime:   time.Now(),
		},
	}
	s.flagsWin.buf = make([]byte, procBatchPages*8)
	s.countWin.buf = make([]byte, procBatchPages*8)

	return s, nil
}

// Kind returns "procfs".
func (s *ProcSource) Kind() string { return KindProcfs }

// Meta returns the image metadata.
func (s *ProcSource) Meta() Meta { return s.meta }

// Online reports whether pfn lies in a System RAM range.
func (s *ProcSource) Online(pfn uint64) bool {
	i := sort.Search(len(s.ramRanges), func(i int) bool {
		return s.ramRanges[i].End > pfn
	})
	return i < len(s.ramRanges) && pfn >= s.ramRanges[i].Start
}

// PageInfo returns the flags and map count of the given page frame.
func (s *ProcSource) PageInfo(pfn uint64) (PageInfo, error) {
	if pfn >= s.meta.MaxPFN {
		return PageInfo{}, ErrPFNRange
	}

	flags, err := s.readRecord(s.kpageflags, &s.flagsWin, pfn)
	if err != nil {
		return PageInfo{}, fmt.Errorf("kpageflags pfn %d: %w", pfn, err)
	}

	info := PageInfo{Flags: flags, MapCount: -1}
	if s.kpagecount != nil {
		count, err := s.readRecord(s.kpagecount, &s.countWin, pfn)
		if err != nil {
			return PageInfo{}, fmt.Errorf("kpagecount pfn %d: %w", pfn, err)
		}
		info.MapCount = int64(count)
	}

	return info, nil
}

// readRecord returns the u64 record for pfn, refilling the window when the
// PFN falls outside it.
func (s *ProcSource) readRecord(f *os.File, win *batchWindow, pfn uint64) (uint64, error) {
	if win.n == 0 || pfn < win.start || pfn >= win.start+uint64(win.n) {
		if err := s.fillWindow(f, win, pfn); err != nil {
			return 0, err
		}
	}
	off := (pfn - win.start) * 8
	return binary.LittleEndian.Uint64(win.buf[off : off+8]), nil
}

// fillWindow reads a batch of records starting at pfn.
func (s *ProcSource) fillWindow(f *os.File, win *batchWindow, pfn uint64) error {
	want := len(win.buf)
	if remaining := (s.meta.MaxPFN - pfn) * 8; remaining < uint64(want) {
		want = int(remaining)
	}

	n, err := f.ReadAt(win.buf[:want], int64(pfn*8)) //nolint:gosec // pfn bounded by MaxPFN
	if err != nil && err != io.EOF {
		return err
	}
	n -= n % 8
	if n == 0 {
		return io.ErrUnexpectedEOF
	}

	win.start = pfn
	win.n = n / 8
	return nil
}

// Close releases the procfs file handles.
func (s *ProcSource) Close() error {
	err := s.kpageflags.Close()
	if s.kpagecount != nil {
		if cerr := s.kpagecount.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// loadRAMRanges parses the System RAM intervals from an iomem file.
func loadRAMRanges(path string, pageSize int) ([]pfnRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open iomem: %w", err)
	}
	defer f.Close()

	ranges, err := parseIOMem(f, pageSize)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		// Unprivileged readers see all-zero addresses in /proc/iomem, which
		// parse to empty ranges. Either way the scan cannot proceed.
		return nil, ErrNeedRoot
	}
	return ranges, nil
}

// parseIOMem extracts top-level "System RAM" ranges from /proc/iomem
// content. Lines look like:
//
//	00001000-0009ffff : System RAM
//	  00f00000-00f00fff : reserved
//
// Nested (indented) entries describe carve-outs inside a parent range and
// are ignored; the scanner sees those pages as reserved via kpageflags.
func parseIOMem(r io.Reader, pageSize int) ([]pfnRange, error) {
	pageShift := 0
	for 1<<pageShift < pageSize {
		pageShift++
	}

	var ranges []pfnRange
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, " ") {
			continue // nested resource
		}

		addrs, name, ok := strings.Cut(line, " : ")
		if !ok || strings.TrimSpace(name) != "System RAM" {
			continue
		}

		lo, hi, ok := strings.Cut(strings.TrimSpace(addrs), "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad iomem range %q: %w", line, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad iomem range %q: %w", line, err)
		}
		if end <= start {
			continue // zeroed addresses for unprivileged readers
		}

		// iomem is inclusive on both ends; convert to half-open PFNs.
		ranges = append(ranges, pfnRange{
			Start: start >> pageShift,
			End:   (end + 1) >> pageShift,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read iomem: %w", err)
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	return ranges, nil
}

// readKernelRelease returns the running kernel release, or "" when
// unavailable.
func readKernelRelease(procRoot string) string {
	data, err := os.ReadFile(filepath.Join(procRoot, "sys", "kernel", "osrelease"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
