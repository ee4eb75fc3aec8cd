package page_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvhyp/page"
	"rvhyp/pageaddr"
)

func fakeDmap(backing map[pageaddr.PhysAddr][]byte) func(pageaddr.PhysAddr, uint64) []byte {
	return func(addr pageaddr.PhysAddr, length uint64) []byte {
		buf, ok := backing[addr]
		if !ok {
			buf = make([]byte, length)
			backing[addr] = buf
		}
		return buf
	}
}

func TestPageZeroTransition(t *testing.T) {
	backing := map[pageaddr.PhysAddr][]byte{
		0x3000: {1, 2, 3, 4},
	}
	dmap := fakeDmap(backing)

	p := pg(0x3000)
	clean := p.Zero(dmap)
	assert.Equal(t, pageaddr.PhysAddr(0x3000), clean.Addr().Bits())
	for _, b := range backing[0x3000] {
		assert.Equal(t, byte(0), b)
	}

	reclaimed := clean.Reclaim()
	assert.Equal(t, clean.Addr(), reclaimed.Addr())
}

func TestUnmappedPageOk4kOr(t *testing.T) {
	sentinel := errors.New("not 4k")
	up := page.FromUnmapped4k(pageaddr.PhysAddr(0x9000))
	p, err := up.Ok4kOr(sentinel)
	require.NoError(t, err)
	assert.Equal(t, pageaddr.PhysAddr(0x9000), p.Addr().Bits())
}

func TestFromClean4k(t *testing.T) {
	clean := pg(0x2000).Zero(fakeDmap(map[pageaddr.PhysAddr][]byte{}))
	up := page.FromClean4k(clean)
	assert.Equal(t, pageaddr.PhysAddr(0x2000), up.Addr())
}
