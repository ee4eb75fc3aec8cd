package page

import "rvhyp/pageaddr"

/// PageIter is satisfied by anything that can hand back a sequence of Page
/// values one at a time. SeqPages.IntoIter and the various recovery chains
/// below all implement it; SliceIter adapts a plain slice for callers (and
/// tests) that already have pages in hand.
type PageIter[S pageaddr.PageSize] interface {
	Next() (Page[S], bool)
}

/// SliceIter adapts a []Page[S] to PageIter.
type SliceIter[S pageaddr.PageSize] struct {
	pages []Page[S]
	pos   int
}

func NewSliceIter[S pageaddr.PageSize](pages []Page[S]) *SliceIter[S] {
	return &SliceIter[S]{pages: pages}
}

func (it *SliceIter[S]) Next() (Page[S], bool) {
	if it.pos >= len(it.pages) {
		return Page[S]{}, false
	}
	p := it.pages[it.pos]
	it.pos++
	return p, true
}

/// SeqPages holds a contiguous range of count pages of size S, starting at
/// base. Enumerating it (IntoIter) consumes the handle and yields each
/// page in ascending address order.
type SeqPages[S pageaddr.PageSize] struct {
	base  pageaddr.PhysAddr
	count uint64
}

/// Base returns the address of the first page in the range.
func (s SeqPages[S]) Base() pageaddr.PhysAddr { return s.base }

/// Count returns the number of pages in the range.
func (s SeqPages[S]) Count() uint64 { return s.count }

/// LengthBytes returns the byte length of the range. Cannot overflow: the
/// constructor rejects any range whose extent would not fit in a uint64.
func (s SeqPages[S]) LengthBytes() uint64 {
	var sz S
	return s.count * sz.SizeBytes()
}

/// FromSingle wraps a single Page in a length-1 SeqPages.
func FromSingle[S pageaddr.PageSize](p Page[S]) SeqPages[S] {
	return SeqPages[S]{base: p.Addr().Bits(), count: 1}
}

/// FromMemRange constructs a SeqPages without verifying ownership of the
/// underlying frames. Reserved for boot code that can prove exclusive
/// ownership some other way (e.g. it just received the range from the
/// platform's memory map and nothing else has touched it yet).
func FromMemRange[S pageaddr.PageSize](start pageaddr.PageAddr[S], count uint64) SeqPages[S] {
	return SeqPages[S]{base: start.Bits(), count: count}
}

/// RejectedPages is returned by FromPages when the input was empty,
/// non-contiguous, or would overflow. It implements PageIter and, when
/// drained, yields back every page FromPages was given - the already
/// validated prefix, the offending page, and the untouched remainder of
/// the input - in original order, so no page is ever silently dropped.
type RejectedPages[S pageaddr.PageSize] struct {
	stage  int // 0: prefix, 1: offender, 2: tail
	prefix PageIter[S]
	offender Page[S]
	hasOffender bool
	tail   PageIter[S]
}

func (r *RejectedPages[S]) Next() (Page[S], bool) {
	for {
		switch r.stage {
		case 0:
			if r.prefix != nil {
				if p, ok := r.prefix.Next(); ok {
					return p, true
				}
			}
			r.stage = 1
		case 1:
			r.stage = 2
			if r.hasOffender {
				return r.offender, true
			}
		case 2:
			if r.tail == nil {
				return Page[S]{}, false
			}
			return r.tail.Next()
		}
	}
}

func (r *RejectedPages[S]) Error() string {
	return "sequential pages: input pages are not contiguous"
}

/// seqIter is the IntoIter counterpart of SeqPages: it enumerates the
/// range's addresses and consumes the descriptor as it goes.
type seqIter[S pageaddr.PageSize] struct {
	next  pageaddr.PhysAddr
	left  uint64
}

func (it *seqIter[S]) Next() (Page[S], bool) {
	if it.left == 0 {
		return Page[S]{}, false
	}
	var sz S
	addr := it.next
	it.next += pageaddr.PhysAddr(sz.SizeBytes())
	it.left--
	pa, ok := pageaddr.New[S](addr)
	if !ok {
		// Unreachable for any SeqPages built through FromPages or
		// FromMemRange, both of which only ever advance by exact
		// multiples of the page size from an aligned base.
		return Page[S]{}, false
	}
	return New(pa), true
}

/// IntoIter consumes s and returns an iterator over its Count() pages, in
/// ascending address order.
func (s SeqPages[S]) IntoIter() PageIter[S] {
	return &seqIter[S]{next: s.base, left: s.count}
}

/// FromPages consumes pages and either returns the SeqPages they form, or
/// an error holding every page pages yielded so none leak. Construction
/// fails iff the input is empty, two adjacent pages are not exactly one
/// page-size apart, or advancing past the last page would overflow a
/// uint64 address.
func FromPages[S pageaddr.PageSize](pages PageIter[S]) (SeqPages[S], *RejectedPages[S]) {
	first, ok := pages.Next()
	if !ok {
		return SeqPages[S]{}, &RejectedPages[S]{stage: 2}
	}

	var sz S
	base := first.Addr().Bits()
	last := base
	seq := SeqPages[S]{base: base, count: 1}

	for {
		p, ok := pages.Next()
		if !ok {
			break
		}
		next, inBounds := last.Add(sz.SizeBytes())
		this := p.Addr().Bits()
		if !inBounds || this != next {
			return SeqPages[S]{}, &RejectedPages[S]{
				stage:       0,
				prefix:      seq.IntoIter(),
				offender:    p,
				hasOffender: true,
				tail:        pages,
			}
		}
		last = next
		seq.count++
	}

	if _, inBounds := last.Add(sz.SizeBytes()); !inBounds {
		return SeqPages[S]{}, &RejectedPages[S]{stage: 0, prefix: seq.IntoIter()}
	}

	return seq, nil
}
