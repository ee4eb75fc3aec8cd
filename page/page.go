// Package page implements the linear page-state lattice (Page, CleanPage,
// UnmappedPage) and the contiguous page range handle SeqPages described in
// SPEC_FULL.md components C1 and C3.
//
// Go has no affine type system, so "linear handle" here is a discipline,
// not a compiler guarantee: these types carry no finalizer and no copy
// protection. Callers are expected to thread a Page by value exactly once
// (into a SeqPages, a PhysPages owner-stack entry, or a page table) the same
// way biscuit's Pa_t handles are threaded through Physmem_t by convention
// rather than by the type system.
package page

import (
	"fmt"

	"rvhyp/pageaddr"
)

/// Size4k is re-exported for callers that only ever deal in 4 KiB pages.
type Size4k = pageaddr.Size4k

/// Page4k is the only page size this engine maps today.
type Page4k = Page[Size4k]

/// Page conveys exclusive ownership of one physical frame of size S. Its
/// contents are whatever the previous owner left behind.
type Page[S pageaddr.PageSize] struct {
	addr pageaddr.PageAddr[S]
}

/// New constructs a Page handle for addr. It is the caller's responsibility
/// to prove that no other handle for this frame exists; New performs no
/// bookkeeping of its own; see phys.PhysPages for the owner-stack ledger
/// that actually adjudicates ownership.
func New[S pageaddr.PageSize](addr pageaddr.PageAddr[S]) Page[S] {
	return Page[S]{addr: addr}
}

/// Addr returns the page's aligned address.
func (p Page[S]) Addr() pageaddr.PageAddr[S] {
	return p.addr
}

/// Bytes reads the page's contents through dmap, a direct mapping from
/// physical address to a byte slice supplied by the host environment
/// (see hypalloc.DirectMap). It exists so measurement accumulators can
/// hash page contents without the page type depending on any particular
/// memory-mapping scheme.
func (p Page[S]) Bytes(dmap func(pageaddr.PhysAddr, uint64) []byte) []byte {
	var sz S
	return dmap(p.addr.Bits(), sz.SizeBytes())
}

/// Zero transitions a Page to a CleanPage by zeroing the backing frame
/// through the caller-supplied dmap (see Bytes) and consumes p.
func (p Page[S]) Zero(dmap func(pageaddr.PhysAddr, uint64) []byte) CleanPage[S] {
	buf := p.Bytes(dmap)
	for i := range buf {
		buf[i] = 0
	}
	return CleanPage[S]{addr: p.addr}
}

/// CleanPage is a Page known to be zero-filled. It is produced only via
/// Page.Zero, which is the sole zeroing transition in the lattice.
type CleanPage[S pageaddr.PageSize] struct {
	addr pageaddr.PageAddr[S]
}

/// Addr returns the page's aligned address.
func (p CleanPage[S]) Addr() pageaddr.PageAddr[S] { return p.addr }

/// Reclaim turns a CleanPage back into a plain Page, e.g. when handing a
/// freshly zeroed frame to a page table that only accepts Page values.
func (p CleanPage[S]) Reclaim() Page[S] { return Page[S]{addr: p.addr} }

/// pageSizeTag distinguishes the concrete size an UnmappedPage carries.
type pageSizeTag uint8

const (
	tag4k pageSizeTag = iota
)

/// UnmappedPage is a page just removed from a page table. Its concrete size
/// is erased until the caller unwraps it with Ok4kOr (or a future OkNOr for
/// a size this engine doesn't yet support).
type UnmappedPage struct {
	addr pageaddr.PhysAddr
	tag  pageSizeTag
}

/// FromClean4k erases a CleanPage's size tag, recording that it was 4 KiB.
// Mirrors riscv-pages' UnmappedPage::from(CleanPage) conversion: a page
// handed back by invalidate_range is treated as clean before being handed
// to its next owner.
func FromClean4k(p CleanPage[Size4k]) UnmappedPage {
	return UnmappedPage{addr: p.Addr().Bits(), tag: tag4k}
}

/// FromUnmapped4k wraps a freshly-unmapped 4k page directly, skipping the
/// CleanPage round-trip used when the caller has no need to zero it first
/// (e.g. reclaiming a page whose contents the new owner will overwrite).
func FromUnmapped4k(addr pageaddr.PhysAddr) UnmappedPage {
	return UnmappedPage{addr: addr, tag: tag4k}
}

/// Addr returns the address of the frame that was unmapped.
func (u UnmappedPage) Addr() pageaddr.PhysAddr { return u.addr }

/// Ok4kOr unwraps u as a concrete Page4k, or returns err if the unmapped
/// page was not 4 KiB (which cannot happen until larger page sizes are
/// supported, but the check is kept so a future size addition fails loudly
/// here instead of silently mis-sizing a mapping).
func (u UnmappedPage) Ok4kOr(err error) (Page4k, error) {
	if u.tag != tag4k {
		return Page4k{}, err
	}
	addr, ok := pageaddr.New[Size4k](u.addr)
	if !ok {
		return Page4k{}, fmt.Errorf("page: unmapped address %#x lost 4k alignment: %w", u.addr, err)
	}
	return New(addr), nil
}
