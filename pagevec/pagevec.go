// Package pagevec implements PageVec, a growable vector whose capacity is
// bounded by the physical pages reserved to back it rather than by the Go
// heap allocator (SPEC_FULL.md §6, §9). GuestRootBuilder uses a
// PageVec[page.Page4k] as its PTE-page reservoir: once the single backing
// page carved out for the pool fills up, TryReserve fails. Capacity is fixed
// at construction; no backing pages can be added to a PageVec afterwards.
package pagevec

import (
	"errors"

	"rvhyp/page"
)

var ErrInsufficientStorage = errors.New("pagevec: insufficient backing page storage")

/// PageVec is a LIFO-growable vector of up to Capacity() items, where
/// capacity is fixed at construction by how many entryBytes-sized slots
/// fit in the SeqPages handed to FromSeqPages.
type PageVec[T any] struct {
	entryBytes uint64
	capacity   uint64
	items      []T
}

/// FromSeqPages builds an empty PageVec whose capacity is derived from the
/// byte length of seq and the size of one entry. Per SPEC_FULL.md's design
/// notes, a pool backed by a single page has fixed capacity; spanning
/// multiple backing pages is a known, documented extension this engine
/// does not implement (see DESIGN.md).
func FromSeqPages[T any](seq page.SeqPages[page.Size4k], entryBytes uint64) *PageVec[T] {
	return &PageVec[T]{
		entryBytes: entryBytes,
		capacity:   seq.LengthBytes() / entryBytes,
	}
}

/// TryReserve fails with ErrInsufficientStorage if n more items would not
/// fit in the remaining backing capacity.
func (v *PageVec[T]) TryReserve(n uint64) error {
	if uint64(len(v.items))+n > v.capacity {
		return ErrInsufficientStorage
	}
	return nil
}

/// Push appends item. Callers must call TryReserve first; Push itself does
/// not enforce capacity so that a caller who has already reserved room
/// cannot be rejected by a stale capacity check.
func (v *PageVec[T]) Push(item T) {
	v.items = append(v.items, item)
}

/// Pop removes and returns the most recently pushed item, or false if
/// empty.
func (v *PageVec[T]) Pop() (T, bool) {
	if len(v.items) == 0 {
		var zero T
		return zero, false
	}
	item := v.items[len(v.items)-1]
	v.items = v.items[:len(v.items)-1]
	return item, true
}

/// Len returns the number of items currently stored.
func (v *PageVec[T]) Len() int { return len(v.items) }

/// Capacity returns the maximum number of items the current backing pages
/// can hold.
func (v *PageVec[T]) Capacity() uint64 { return v.capacity }
