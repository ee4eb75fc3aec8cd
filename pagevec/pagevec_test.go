package pagevec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvhyp/page"
	"rvhyp/pageaddr"
	"rvhyp/pagevec"
)

func pg(addr uint64) page.Page4k {
	return page.New(pageaddr.MustNew[page.Size4k](pageaddr.PhysAddr(addr)))
}

func TestPushPopRoundTrip(t *testing.T) {
	backing := page.FromSingle(pg(0x10000))
	v := pagevec.FromSeqPages[page.Page4k](backing, 8)
	assert.Equal(t, uint64(4096/8), v.Capacity())
	assert.Equal(t, 0, v.Len())

	require.NoError(t, v.TryReserve(1))
	v.Push(pg(0x20000))
	assert.Equal(t, 1, v.Len())

	got, ok := v.Pop()
	require.True(t, ok)
	assert.Equal(t, pageaddr.PhysAddr(0x20000), got.Addr().Bits())
	assert.Equal(t, 0, v.Len())
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	backing := page.FromSingle(pg(0x10000))
	v := pagevec.FromSeqPages[page.Page4k](backing, 8)
	_, ok := v.Pop()
	assert.False(t, ok)
}

func TestTryReserveFailsPastCapacity(t *testing.T) {
	backing := page.FromSingle(pg(0x10000))
	v := pagevec.FromSeqPages[page.Page4k](backing, 8)
	capacity := v.Capacity()

	for i := uint64(0); i < capacity; i++ {
		require.NoError(t, v.TryReserve(1))
		v.Push(pg(0x1000 * (i + 1)))
	}

	err := v.TryReserve(1)
	assert.ErrorIs(t, err, pagevec.ErrInsufficientStorage)
}
