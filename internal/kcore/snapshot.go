package kcore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/kmemlab/fragscan/internal/model"
)

// Snapshot container layout:
//
//	[0:8]    magic "FRAGSNAP"
//	[8:10]   format version, little-endian
//	[10:12]  section bits, little-endian
//	[12:16]  metadata length, little-endian
//	[16:..]  metadata, JSON (snapshotMeta)
//	then     page flags, MaxPFN little-endian u64 records
//	then     map counts, MaxPFN little-endian u64 records (section bit 0)
//	then     pageblock migratetypes, one byte per block (section bit 1)
//
// The metadata carries a sha256 over the concatenated payload sections so a
// truncated or bit-rotted capture fails loudly at open time.
const (
	snapshotMagic   = "FRAGSNAP"
	snapshotVersion = 1

	sectionMapCounts    = 1 << 0
	sectionMigrateTypes = 1 << 1
)

// snapshotMeta is the JSON header of a snapshot file.
type snapshotMeta struct {
	Meta

	// PageblockOrder is the block order the migratetype sidecar was
	// captured at. Zero when no sidecar is present.
	PageblockOrder int `json:"pageblock_order,omitempty"`

	// Checksum is the hex sha256 of the payload sections.
	Checksum string `json:"checksum"`
}

// SnapshotSource is a captured memory image loaded from a file.
// The whole payload is held in memory: 8 bytes per page, roughly 2GB of
// state per 1TB of imaged RAM, which is acceptable for an analysis tool.
type SnapshotSource struct {
	meta           Meta
	pageblockOrder int

	flags        []uint64
	mapCounts    []uint64
	migrateTypes []byte
}

// OpenSnapshot loads and verifies a snapshot file.
func OpenSnapshot(path string) (*SnapshotSource, error) {
	f, err := os.Open(path) //nolint:gosec // user-provided snapshot path is intentional
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	return ReadSnapshot(f)
}

// ReadSnapshot parses a snapshot from r.
func ReadSnapshot(r io.Reader) (*SnapshotSource, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrSnapshotFormat)
	}
	if string(fixed[0:8]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrSnapshotFormat)
	}
	if v := binary.LittleEndian.Uint16(fixed[8:10]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotFormat, v)
	}
	sections := binary.LittleEndian.Uint16(fixed[10:12])
	metaLen := binary.LittleEndian.Uint32(fixed[12:16])

	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBuf); err != nil {
		return nil, fmt.Errorf("%w: short metadata", ErrSnapshotFormat)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	if meta.MaxPFN == 0 {
		return nil, fmt.Errorf("%w: zero max pfn", ErrSnapshotFormat)
	}
	// Guard the flags-section size below against uint64 overflow: a
	// hostile header with MaxPFN near 1<<64 would wrap need to a small
	// value and pass the truncation check.
	if meta.MaxPFN > math.MaxUint64/8 {
		return nil, fmt.Errorf("%w: implausible max pfn %d", ErrSnapshotFormat, meta.MaxPFN)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot payload: %w", err)
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, ErrSnapshotChecksum
	}

	s := &SnapshotSource{
		meta:           meta.Meta,
		pageblockOrder: meta.PageblockOrder,
	}

	n := meta.MaxPFN
	need := n * 8
	if uint64(len(payload)) < need {
		return nil, fmt.Errorf("%w: flags section truncated", ErrSnapshotFormat)
	}
	s.flags = decodeU64s(payload[:need])
	payload = payload[need:]

	if sections&sectionMapCounts != 0 {
		if uint64(len(payload)) < need {
			return nil, fmt.Errorf("%w: map count section truncated", ErrSnapshotFormat)
		}
		s.mapCounts = decodeU64s(payload[:need])
		payload = payload[need:]
	}

	if sections&sectionMigrateTypes != 0 {
		if meta.PageblockOrder <= 0 {
			return nil, fmt.Errorf("%w: migratetype section without block order", ErrSnapshotFormat)
		}
		blocks := blockCount(n, meta.PageblockOrder)
		if uint64(len(payload)) < blocks {
			return nil, fmt.Errorf("%w: migratetype section truncated", ErrSnapshotFormat)
		}
		s.migrateTypes = payload[:blocks]
	}

	return s, nil
}

// Kind returns "snapshot".
func (s *SnapshotSource) Kind() string { return KindSnapshot }

// Meta returns the captured image metadata.
func (s *SnapshotSource) Meta() Meta { return s.meta }

// PageInfo returns the captured metadata for pfn.
func (s *SnapshotSource) PageInfo(pfn uint64) (PageInfo, error) {
	if pfn >= s.meta.MaxPFN {
		return PageInfo{}, ErrPFNRange
	}
	info := PageInfo{Flags: s.flags[pfn], MapCount: -1}
	if s.mapCounts != nil {
		info.MapCount = int64(s.mapCounts[pfn])
	}
	return info, nil
}

// Online reports whether the captured frame existed. Holes are encoded as
// nopage/offline flags at capture time, so they roundtrip through the file.
func (s *SnapshotSource) Online(pfn uint64) bool {
	if pfn >= s.meta.MaxPFN {
		return false
	}
	return !PageFlags(s.flags[pfn]).Hole()
}

// HasMigrateTypes reports whether the snapshot carries a migratetype
// sidecar.
func (s *SnapshotSource) HasMigrateTypes() bool {
	return s.migrateTypes != nil
}

// BlockMigrateType implements MigrateTyper when a sidecar is present.
func (s *SnapshotSource) BlockMigrateType(pfn uint64) model.MigrateType {
	if s.migrateTypes == nil || s.pageblockOrder <= 0 {
		return model.MigrateUnknown
	}
	idx := pfn >> uint(s.pageblockOrder)
	if idx >= uint64(len(s.migrateTypes)) {
		return model.MigrateUnknown
	}
	mt := model.MigrateType(s.migrateTypes[idx])
	if mt < model.MigrateUnmovable || mt > model.MigrateIsolate {
		return model.MigrateUnknown
	}
	return mt
}

// Close is a no-op; the snapshot is fully in memory.
func (s *SnapshotSource) Close() error { return nil }

// SnapshotData is the raw material for writing a snapshot file.
type SnapshotData struct {
	// Meta describes the imaged kernel. MaxPFN must equal len(Flags).
	Meta Meta

	// Flags holds one kpageflags record per PFN.
	Flags []uint64

	// MapCounts optionally holds one kpagecount record per PFN.
	MapCounts []uint64

	// MigrateTypes optionally holds one migratetype per pageblock of
	// PageblockOrder pages.
	MigrateTypes []model.MigrateType

	// PageblockOrder is required when MigrateTypes is set.
	PageblockOrder int
}

// WriteSnapshot serializes a snapshot to w.
func WriteSnapshot(w io.Writer, data SnapshotData) error {
	if uint64(len(data.Flags)) != data.Meta.MaxPFN {
		return fmt.Errorf("%w: flags length %d does not match max pfn %d",
			ErrSnapshotFormat, len(data.Flags), data.Meta.MaxPFN)
	}
	if data.MapCounts != nil && len(data.MapCounts) != len(data.Flags) {
		return fmt.Errorf("%w: map count length mismatch", ErrSnapshotFormat)
	}

	var sections uint16
	payload := &bytes.Buffer{}
	payload.Write(encodeU64s(data.Flags))

	if data.MapCounts != nil {
		sections |= sectionMapCounts
		payload.Write(encodeU64s(data.MapCounts))
	}

	blockOrder := 0
	if data.MigrateTypes != nil {
		if data.PageblockOrder <= 0 {
			return fmt.Errorf("%w: migratetypes require a pageblock order", ErrSnapshotFormat)
		}
		want := blockCount(data.Meta.MaxPFN, data.PageblockOrder)
		if uint64(len(data.MigrateTypes)) != want {
			return fmt.Errorf("%w: migratetype length %d, want %d",
				ErrSnapshotFormat, len(data.MigrateTypes), want)
		}
		sections |= sectionMigrateTypes
		blockOrder = data.PageblockOrder
		for _, mt := range data.MigrateTypes {
			payload.WriteByte(byte(mt))
		}
	}

	sum := sha256.Sum256(payload.Bytes())
	metaBuf, err := json.Marshal(snapshotMeta{
		Meta:           data.Meta,
		PageblockOrder: blockOrder,
		Checksum:       hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}

	var fixed [16]byte
	copy(fixed[0:8], snapshotMagic)
	binary.LittleEndian.PutUint16(fixed[8:10], snapshotVersion)
	binary.LittleEndian.PutUint16(fixed[10:12], sections)
	binary.LittleEndian.PutUint32(fixed[12:16], uint32(len(metaBuf))) //nolint:gosec // metadata is small

	if _, err := w.Write(fixed[:]); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := w.Write(metaBuf); err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("failed to write snapshot payload: %w", err)
	}
	return nil
}

// Capture reads every page of src and writes a snapshot to w.
// Offline frames are stored with the nopage bit so they stay holes when the
// snapshot is scanned later. The context is checked once per batch of
// pages; progress, when non-nil, is called with (done, total) at the same
// cadence.
func Capture(ctx context.Context, src Source, w io.Writer, progress func(done, total uint64)) error {
	meta := src.Meta()
	total := meta.MaxPFN

	flags := make([]uint64, total)
	counts := make([]uint64, total)
	hasCounts := false

	for pfn := uint64(0); pfn < total; pfn++ {
		if pfn%procBatchPages == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if progress != nil {
				progress(pfn, total)
			}
		}

		if !src.Online(pfn) {
			flags[pfn] = 1 << KPFNopage
			continue
		}

		info, err := src.PageInfo(pfn)
		if err != nil {
			return fmt.Errorf("capture pfn %d: %w", pfn, err)
		}
		flags[pfn] = info.Flags
		if info.MapCount >= 0 {
			counts[pfn] = uint64(info.MapCount)
			hasCounts = true
		}
	}

	if progress != nil {
		progress(total, total)
	}

	data := SnapshotData{Meta: meta, Flags: flags}
	if hasCounts {
		data.MapCounts = counts
	}

	// Preserve a migratetype sidecar when the source has one. A source
	// without the data would only yield an all-unknown sidecar.
	if mt, ok := src.(MigrateTyper); ok && mt.HasMigrateTypes() {
		// Sidecar granularity is the kernel's pageblock order.
		const order = 9
		blocks := blockCount(total, order)
		types := make([]model.MigrateType, blocks)
		for i := uint64(0); i < blocks; i++ {
			types[i] = mt.BlockMigrateType(i << order)
		}
		data.MigrateTypes = types
		data.PageblockOrder = order
	}

	return WriteSnapshot(w, data)
}

// blockCount returns the number of pageblocks covering maxPFN pages.
func blockCount(maxPFN uint64, order int) uint64 {
	pages := uint64(1) << uint(order)
	return (maxPFN + pages - 1) / pages
}

func encodeU64s(vals []uint64) []byte {
	buf := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

func decodeU64s(buf []byte) []uint64 {
	vals := make([]uint64, len(buf)/8)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return vals
}
