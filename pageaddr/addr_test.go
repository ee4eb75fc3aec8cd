package pageaddr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvhyp/pageaddr"
)

func TestNewAcceptsAlignedAddr(t *testing.T) {
	pa, ok := pageaddr.New[pageaddr.Size4k](0x4000)
	require.True(t, ok)
	assert.Equal(t, pageaddr.PhysAddr(0x4000), pa.Bits())
}

func TestNewRejectsMisalignedAddr(t *testing.T) {
	_, ok := pageaddr.New[pageaddr.Size4k](0x4001)
	assert.False(t, ok)
}

func TestMustNewPanicsOnMisalignment(t *testing.T) {
	assert.Panics(t, func() {
		pageaddr.MustNew[pageaddr.Size4k](0x100)
	})
}

func TestMustNewAcceptsAlignedAddr(t *testing.T) {
	assert.NotPanics(t, func() {
		pa := pageaddr.MustNew[pageaddr.Size4k](0x2000)
		assert.Equal(t, pageaddr.PhysAddr(0x2000), pa.Bits())
	})
}

func TestOffsetAdvancesByPageMultiples(t *testing.T) {
	pa := pageaddr.MustNew[pageaddr.Size4k](0x1000)
	next, ok := pa.Offset(3)
	require.True(t, ok)
	assert.Equal(t, pageaddr.PhysAddr(0x1000+3*4096), next.Bits())
}

func TestOffsetZeroIsIdentity(t *testing.T) {
	pa := pageaddr.MustNew[pageaddr.Size4k](0x8000)
	same, ok := pa.Offset(0)
	require.True(t, ok)
	assert.Equal(t, pa.Bits(), same.Bits())
}

func TestOffsetOverflowReportsFalse(t *testing.T) {
	pa := pageaddr.MustNew[pageaddr.Size4k](0)
	// A count whose page-size-scaled delta wraps a uint64 must be rejected
	// rather than silently truncated.
	_, ok := pa.Offset(1 << 60)
	assert.False(t, ok)
}

func TestIterYieldsConsecutiveAddresses(t *testing.T) {
	pa := pageaddr.MustNew[pageaddr.Size4k](0x10000)
	it := pa.Iter(3)

	var got []pageaddr.PhysAddr
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, p.Bits())
	}

	require.Len(t, got, 3)
	assert.Equal(t, []pageaddr.PhysAddr{0x10000, 0x11000, 0x12000}, got)
}

func TestIterExhaustsAfterN(t *testing.T) {
	pa := pageaddr.MustNew[pageaddr.Size4k](0x1000)
	it := pa.Iter(1)

	_, ok := it.Next()
	require.True(t, ok)

	_, ok = it.Next()
	assert.False(t, ok)
}

func TestIterZeroYieldsNothing(t *testing.T) {
	pa := pageaddr.MustNew[pageaddr.Size4k](0x1000)
	it := pa.Iter(0)
	_, ok := it.Next()
	assert.False(t, ok)
}
