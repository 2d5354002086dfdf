package kcore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseIOMem tests System RAM range extraction.
func TestParseIOMem(t *testing.T) {
	t.Parallel()

	t.Run("extracts top-level ram ranges", func(t *testing.T) {
		t.Parallel()

		iomem := strings.Join([]string{
			"00000000-00000fff : Reserved",
			"00001000-0009ffff : System RAM",
			"000a0000-000fffff : Reserved",
			"00100000-3fffffff : System RAM",
			"  01000000-01ffffff : Kernel code",
			"  02000000-02ffffff : Kernel data",
			"40000000-4fffffff : PCI Bus 0000:00",
		}, "\n")

		ranges, err := parseIOMem(strings.NewReader(iomem), 4096)
		require.NoError(t, err)
		require.Len(t, ranges, 2)

		assert.Equal(t, pfnRange{Start: 0x1, End: 0xa0}, ranges[0])
		assert.Equal(t, pfnRange{Start: 0x100, End: 0x40000}, ranges[1])
	})

	t.Run("nested system ram entries are ignored", func(t *testing.T) {
		t.Parallel()

		iomem := "00100000-001fffff : Something\n  00100000-001fffff : System RAM\n"

		ranges, err := parseIOMem(strings.NewReader(iomem), 4096)
		require.NoError(t, err)
		assert.Empty(t, ranges)
	})

	t.Run("zeroed unprivileged ranges are dropped", func(t *testing.T) {
		t.Parallel()

		iomem := "00000000-00000000 : System RAM\n"

		ranges, err := parseIOMem(strings.NewReader(iomem), 4096)
		require.NoError(t, err)
		assert.Empty(t, ranges)
	})

	t.Run("garbage addresses error", func(t *testing.T) {
		t.Parallel()

		_, err := parseIOMem(strings.NewReader("zzzz-0010 : System RAM\n"), 4096)
		assert.Error(t, err)
	})
}

// writeProcFixture builds a fake proc tree with the given per-PFN flags.
func writeProcFixture(t *testing.T, flags []uint64, iomem string) string {
	t.Helper()

	root := t.TempDir()

	buf := make([]byte, len(flags)*8)
	for i, f := range flags {
		binary.LittleEndian.PutUint64(buf[i*8:], f)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "kpageflags"), buf, 0600))

	counts := make([]byte, len(flags)*8)
	for i := range flags {
		binary.LittleEndian.PutUint64(counts[i*8:], uint64(i%3))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "kpagecount"), counts, 0600))

	require.NoError(t, os.WriteFile(filepath.Join(root, "iomem"), []byte(iomem), 0600))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys", "kernel"), 0750))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "sys", "kernel", "osrelease"), []byte("6.12.0-test\n"), 0600))

	return root
}

// TestProcSource tests reading page metadata from a fixture proc tree.
func TestProcSource(t *testing.T) {
	t.Parallel()

	pageSize := uint64(os.Getpagesize())

	// 32 pages of RAM starting at PFN 0, described in iomem byte addresses.
	flags := make([]uint64, 32)
	flags[0] = 1 << KPFReserved
	flags[5] = 1 << KPFBuddy
	flags[6] = 1<<KPFLRU | 1<<KPFAnon
	end := 32*pageSize - 1
	iomem := "00000000-" + hexAddr(end) + " : System RAM\n"

	root := writeProcFixture(t, flags, iomem)

	src, err := NewProcSource(WithProcRoot(root))
	require.NoError(t, err)
	defer src.Close()

	t.Run("metadata", func(t *testing.T) {
		meta := src.Meta()
		assert.Equal(t, uint64(32), meta.MaxPFN)
		assert.Equal(t, "6.12.0-test", meta.KernelRelease)
		assert.Equal(t, os.Getpagesize(), meta.PageSize)
	})

	t.Run("reads flags and map counts", func(t *testing.T) {
		info, err := src.PageInfo(5)
		require.NoError(t, err)
		assert.Equal(t, uint64(1<<KPFBuddy), info.Flags)
		assert.Equal(t, int64(5%3), info.MapCount)

		info, err = src.PageInfo(0)
		require.NoError(t, err)
		assert.True(t, PageFlags(info.Flags).Has(KPFReserved))
	})

	t.Run("rejects out of range pfn", func(t *testing.T) {
		_, err := src.PageInfo(32)
		assert.ErrorIs(t, err, ErrPFNRange)
	})

	t.Run("online tracks ram ranges", func(t *testing.T) {
		assert.True(t, src.Online(0))
		assert.True(t, src.Online(31))
		assert.False(t, src.Online(32))
	})
}

// TestProcSourceMaxPFNCap tests the WithMaxPFN bound.
func TestProcSourceMaxPFNCap(t *testing.T) {
	t.Parallel()

	pageSize := uint64(os.Getpagesize())
	flags := make([]uint64, 64)
	iomem := "00000000-" + hexAddr(64*pageSize-1) + " : System RAM\n"
	root := writeProcFixture(t, flags, iomem)

	src, err := NewProcSource(WithProcRoot(root), WithMaxPFN(16))
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, uint64(16), src.Meta().MaxPFN)
	_, err = src.PageInfo(16)
	assert.ErrorIs(t, err, ErrPFNRange)
}

// TestProcSourceNeedRoot tests the unprivileged failure mode.
func TestProcSourceNeedRoot(t *testing.T) {
	t.Parallel()

	root := writeProcFixture(t, make([]uint64, 4), "00000000-00000000 : System RAM\n")

	_, err := NewProcSource(WithProcRoot(root))
	assert.ErrorIs(t, err, ErrNeedRoot)
}

// hexAddr formats a byte address the way /proc/iomem does.
func hexAddr(addr uint64) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = digits[addr&0xf]
		addr >>= 4
	}
	return string(out)
}
