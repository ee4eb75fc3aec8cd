package sv48x4_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvhyp/hypalloc"
	"rvhyp/page"
	"rvhyp/pageaddr"
	"rvhyp/pgtable"
	"rvhyp/phys"
	"rvhyp/sv48x4"
)

func newTable(t *testing.T) (*sv48x4.Table, *hypalloc.HypPageAlloc) {
	t.Helper()
	alloc, err := hypalloc.New(64*4096, zerolog.Nop())
	require.NoError(t, err)

	rootLeaves, err := alloc.TakePagesWithAlignment(4, uint64(pgtable.TopLevelAlign))
	require.NoError(t, err)
	root, rej := page.FromPages[page.Size4k](page.NewSliceIter(rootLeaves))
	require.Nil(t, rej)

	pp := phys.New(zerolog.Nop())
	tbl, err := sv48x4.New(root, phys.Host, pp)
	require.NoError(t, err)
	return tbl, alloc
}

func leafPage(t *testing.T, alloc *hypalloc.HypPageAlloc) page.Page4k {
	t.Helper()
	pages, err := alloc.TakePagesWithAlignment(1, 4096)
	require.NoError(t, err)
	return pages[0]
}

func TestMapPage4kWithSupplier(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()

	pte := leafPage(t, alloc)
	supplied := false
	supplier := func() (page.Page4k, bool) {
		if supplied {
			return page.Page4k{}, false
		}
		supplied = true
		return pte, true
	}

	data := leafPage(t, alloc)
	err := tbl.MapPage4k(0x10_0000, data, supplier)
	require.NoError(t, err)
	assert.True(t, tbl.IsMapped(0x10_0000))
	assert.True(t, supplied)
}

func TestMapPage4kAlreadyMapped(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()

	pte := leafPage(t, alloc)
	supplier := func() (page.Page4k, bool) { return pte, true }

	data := leafPage(t, alloc)
	require.NoError(t, tbl.MapPage4k(0x20_0000, data, supplier))

	data2 := leafPage(t, alloc)
	err := tbl.MapPage4k(0x20_0000, data2, supplier)
	assert.ErrorIs(t, err, sv48x4.ErrAlreadyMapped)
}

func TestMapPage4kUnaligned(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()

	data := leafPage(t, alloc)
	err := tbl.MapPage4k(0x100, data, func() (page.Page4k, bool) { return page.Page4k{}, false })
	assert.ErrorIs(t, err, sv48x4.ErrUnaligned)
}

func TestMapPage4kNoPte(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()

	data := leafPage(t, alloc)
	err := tbl.MapPage4k(0x30_0000, data, func() (page.Page4k, bool) { return page.Page4k{}, false })
	assert.ErrorIs(t, err, sv48x4.ErrNoPte)
	assert.False(t, tbl.IsMapped(0x30_0000))
}

func TestInvalidateRangeAscendingOrderAndHoleSkipping(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()

	pte := leafPage(t, alloc)
	supplier := func() (page.Page4k, bool) { return pte, true }

	base := uint64(pgtable.TopLevelAlign)
	for _, off := range []uint64{0, 0x2000, 0x5000} {
		data := leafPage(t, alloc)
		require.NoError(t, tbl.MapPage4k(base+off, data, supplier))
	}

	it, err := tbl.InvalidateRange(base, 8)
	require.NoError(t, err)

	var addrs []pageaddr.PhysAddr
	for {
		up, ok := it.Next()
		if !ok {
			break
		}
		addrs = append(addrs, up.Addr())
	}
	require.Len(t, addrs, 3)
	for i := 1; i < len(addrs); i++ {
		assert.Less(t, uint64(addrs[i-1]), uint64(addrs[i]))
	}

	assert.False(t, tbl.IsMapped(base))
	assert.False(t, tbl.IsMapped(base+0x2000))
}

func TestInvalidateRangeRequiresTopLevelAlign(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()

	_, err := tbl.InvalidateRange(0x1000, 4)
	assert.ErrorIs(t, err, sv48x4.ErrUnaligned)
}

func TestUnmapRangeReclaims(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()

	pte := leafPage(t, alloc)
	data := leafPage(t, alloc)
	base := uint64(pgtable.TopLevelAlign) * 2
	require.NoError(t, tbl.MapPage4k(base, data, func() (page.Page4k, bool) { return pte, true }))

	it, err := tbl.UnmapRange(base, 4)
	require.NoError(t, err)
	up, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, data.Addr().Bits(), up.Addr())
	assert.False(t, tbl.IsMapped(base))
}

func TestDoGuestFaultNeverResolves(t *testing.T) {
	tbl, alloc := newTable(t)
	defer alloc.Close()
	assert.False(t, tbl.DoGuestFault(0x1000))
}

func TestMaxPtePages(t *testing.T) {
	assert.Equal(t, uint64(1), sv48x4.MaxPtePages(1))
	assert.Equal(t, uint64(1), sv48x4.MaxPtePages(512))
	assert.Equal(t, uint64(2), sv48x4.MaxPtePages(513))
	assert.Equal(t, uint64(0), sv48x4.MaxPtePages(0))
}

func TestNewRejectsWrongRootSize(t *testing.T) {
	alloc, err := hypalloc.New(8*4096, zerolog.Nop())
	require.NoError(t, err)
	defer alloc.Close()

	leaves, err := alloc.TakePagesWithAlignment(2, uint64(pgtable.TopLevelAlign))
	require.NoError(t, err)
	root, rej := page.FromPages[page.Size4k](page.NewSliceIter(leaves))
	require.Nil(t, rej)

	pp := phys.New(zerolog.Nop())
	_, err = sv48x4.New(root, phys.Host, pp)
	assert.Error(t, err)
}
