// Package pageaddr defines physical addresses and the page-size-aligned
// addresses built on top of them.
package pageaddr

import "fmt"

/// PhysAddr names a byte of host physical memory.
type PhysAddr uint64

/// Add returns a+b, along with false if the addition wrapped u64.
func (a PhysAddr) Add(b uint64) (PhysAddr, bool) {
	sum := a + PhysAddr(b)
	if sum < a {
		return 0, false
	}
	return sum, true
}

/// PageSize is implemented by the phantom marker types that parameterize
/// Page, PageAddr and SeqPages. Only one concrete size is realized today
/// (Size4k); larger leaf sizes are a non-goal (see SPEC_FULL.md).
type PageSize interface {
	// SizeBytes is the size in bytes of a page of this size.
	SizeBytes() uint64
	// Name identifies the size for error messages and logging.
	Name() string
}

/// Size4k is the only PageSize realized by this engine: a 4 KiB leaf page.
type Size4k struct{}

func (Size4k) SizeBytes() uint64 { return 4096 }
func (Size4k) Name() string      { return "4k" }

/// PageAddr is a PhysAddr proven aligned to S's page size.
type PageAddr[S PageSize] struct {
	addr PhysAddr
}

/// New validates alignment and returns a PageAddr, or false if addr is not
/// a multiple of S's page size.
func New[S PageSize](addr PhysAddr) (PageAddr[S], bool) {
	var sz S
	if uint64(addr)%sz.SizeBytes() != 0 {
		return PageAddr[S]{}, false
	}
	return PageAddr[S]{addr: addr}, true
}

/// MustNew is like New but panics on misalignment; reserved for callers
/// that have already proven alignment out-of-band (e.g. boot code).
func MustNew[S PageSize](addr PhysAddr) PageAddr[S] {
	a, ok := New[S](addr)
	if !ok {
		var sz S
		panic(fmt.Sprintf("pageaddr: %#x is not %s-aligned", uint64(addr), sz.Name()))
	}
	return a
}

/// Bits returns the underlying physical address.
func (p PageAddr[S]) Bits() PhysAddr { return p.addr }

/// Offset returns the address n pages after p, or false if that address
/// would not fit in a PhysAddr or the add wraps.
func (p PageAddr[S]) Offset(n uint64) (PageAddr[S], bool) {
	var sz S
	delta := sz.SizeBytes() * n
	if n != 0 && delta/n != sz.SizeBytes() {
		return PageAddr[S]{}, false
	}
	next, ok := p.addr.Add(delta)
	if !ok {
		return PageAddr[S]{}, false
	}
	return PageAddr[S]{addr: next}, true
}

/// Iter produces the n addresses starting at p, spaced by S's page size.
/// It mirrors the source's AlignedPageAddr::iter_from used to zip data
/// pages with their destination GPAs.
func (p PageAddr[S]) Iter(n uint64) *AddrIter[S] {
	return &AddrIter[S]{next: p, remaining: n}
}

/// AddrIter enumerates consecutive page addresses.
type AddrIter[S PageSize] struct {
	next      PageAddr[S]
	remaining uint64
	broken    bool
}

/// Next returns the next address, or false once exhausted or if an
/// internal overflow occurred (which never happens for well-formed ranges
/// constructed via New).
func (it *AddrIter[S]) Next() (PageAddr[S], bool) {
	if it.remaining == 0 || it.broken {
		return PageAddr[S]{}, false
	}
	cur := it.next
	n, ok := cur.Offset(1)
	if !ok {
		it.broken = true
	}
	it.next = n
	it.remaining--
	return cur, true
}
