package page

/// UnmappedIter is satisfied by anything that hands back a sequence of
/// UnmappedPage values in ascending GPA order, the shape returned by
/// PlatformPageTable.InvalidateRange and .UnmapRange.
type UnmappedIter interface {
	Next() (UnmappedPage, bool)
}

/// SliceUnmappedIter adapts a plain slice, built already in ascending
/// order by the table walk, to UnmappedIter.
type SliceUnmappedIter struct {
	pages []UnmappedPage
	pos   int
}

func NewSliceUnmappedIter(pages []UnmappedPage) *SliceUnmappedIter {
	return &SliceUnmappedIter{pages: pages}
}

func (it *SliceUnmappedIter) Next() (UnmappedPage, bool) {
	if it.pos >= len(it.pages) {
		return UnmappedPage{}, false
	}
	p := it.pages[it.pos]
	it.pos++
	return p, true
}
