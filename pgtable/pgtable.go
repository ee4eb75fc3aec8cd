// Package pgtable defines PlatformPageTable, the interface SPEC_FULL.md
// component C4 expects a concrete second-stage table (e.g. sv48x4) to
// satisfy. vmpages is written entirely against this interface so a second
// platform encoding could be added later without touching the builders.
package pgtable

import (
	"rvhyp/page"
	"rvhyp/pageaddr"
	"rvhyp/phys"
)

/// PageSupplier hands the table one fresh Page4k to consume as an interior
/// PTE node, or false if it has none left. Implementations pull from a
/// caller-supplied reservoir (vmpages.GuestRootBuilder's PageVec) rather
/// than allocating on their own, so table construction never silently
/// reaches for memory the caller didn't explicitly hand it.
type PageSupplier func() (page.Page4k, bool)

/// PlatformPageTable is the second-stage (G-stage) address translation
/// table for one VM. MapPage4k, InvalidateRange and UnmapRange are the only
/// operations that touch the table's structure; everything else in this
/// engine (ownership, ranges, builders) is platform-independent and lives
/// in vmpages.
type PlatformPageTable interface {
	// PageOwnerId is the owner id every leaf data page mapped into this
	// table is expected to already carry in PhysPages.
	PageOwnerId() phys.PageOwnerId

	// PhysPages returns the shared ownership directory this table's pages
	// are tracked in, mirroring the source's root.phys_pages() accessor
	// used throughout vmpages instead of vmpages threading its own handle.
	PhysPages() *phys.PhysPages

	// MapPage4k installs a single 4 KiB translation at gpa, pulling
	// interior PTE pages from supplier as the walk needs them. It fails if
	// gpa is already mapped, is not 4k-aligned, or the walk runs out of
	// supplier pages before reaching a leaf slot.
	MapPage4k(gpa uint64, leaf page.Page4k, supplier PageSupplier) error

	// InvalidateRange marks every mapped entry in [gpaBase, gpaBase+count)
	// invalid without disturbing page ownership, returning the unmapped
	// pages in ascending gpa order. It fails if gpaBase is not
	// TopLevelAlign-aligned or the range overflows the address space.
	InvalidateRange(gpaBase uint64, count uint64) (page.UnmappedIter, error)

	// UnmapRange removes the range's leaf translations and returns the
	// unmapped pages the same way InvalidateRange does. Whether interior
	// structure backing the range is also released is up to the
	// implementation (sv48x4.Table keeps it).
	UnmapRange(gpaBase uint64, count uint64) (page.UnmappedIter, error)

	// DoGuestFault attempts platform-specific fault resolution (e.g.
	// replaying an access-bit update) for a fault at gpa, reporting whether
	// it resolved the fault without the caller needing to map anything.
	DoGuestFault(gpa uint64) bool
}

/// TopLevelAlign is the alignment every G-stage root table must satisfy.
/// sv48x4 roots span 4 contiguous 4k pages (16 KiB) instead of 1, the "x4"
/// in its name, so the top level has two extra index bits versus sv48.
const TopLevelAlign = 4 * pageaddr.PhysAddr(4096)
