// Package sv48x4 implements pgtable.PlatformPageTable for RISC-V's sv48x4
// G-stage translation scheme (SPEC_FULL.md component C4): a root spanning 4
// contiguous pages (16 KiB, pgtable.TopLevelAlign) addressed by 11 bits,
// followed by one level of 512-entry leaf tables addressed by 9 bits, each
// entry translating one 4 KiB guest page.
//
// The real sv48x4 hardware walker is a 4-level radix tree read directly by
// the CPU's page-table-walk hardware; that wire format is explicitly out of
// scope (SPEC_FULL.md §1 lists the HW page-walker format as an external
// collaborator this engine never encodes). What the builders in vmpages
// actually exercise is the *software* contract: supplier-driven allocation
// of interior nodes, TopLevelAlign-aligned range operations, and ascending
// iteration order on invalidate/unmap. This table implements that contract
// with a flattened two-level walk (root -> leaf table -> data page) rather
// than a bit-accurate 4-level encoding; DESIGN.md records the tradeoff.
package sv48x4

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"rvhyp/internal/util"
	"rvhyp/page"
	"rvhyp/pageaddr"
	"rvhyp/pgtable"
	"rvhyp/phys"
)

const (
	offsetBits = 12        // 4 KiB leaf page
	leafBits   = 9         // 512 entries per leaf table
	topBits    = 11        // 2048 entries spread across the 4 root pages
	leafEntries = 1 << leafBits
	topEntries  = 1 << topBits

	// addrBits is the total guest-physical address width this flattened
	// two-level walk supports: 2^(11+9+12) = 4 GiB, ample for the example
	// addresses SPEC_FULL.md's scenarios use.
	addrBits = topBits + leafBits + offsetBits
)

var (
	ErrUnaligned     = errors.New("sv48x4: address is not page-aligned")
	ErrOutOfRange    = errors.New("sv48x4: address or range exceeds the table's address width")
	ErrAlreadyMapped = errors.New("sv48x4: gpa is already mapped")
	ErrNoPte         = errors.New("sv48x4: pte supplier exhausted before reaching a leaf slot")
)

/// MaxPtePages returns an upper bound on the leaf-table pages needed to map
/// numLeafPages 4k data pages: one leaf-table page per up-to-512 data
/// pages. vmpages.FromHypMem sizes the host's PTE-page reservoir with it.
func MaxPtePages(numLeafPages uint64) uint64 {
	return util.Roundup(numLeafPages, leafEntries) / leafEntries
}

func topIndex(gpa uint64) uint64  { return (gpa >> (offsetBits + leafBits)) & (topEntries - 1) }
func leafIndex(gpa uint64) uint64 { return (gpa >> offsetBits) & (leafEntries - 1) }

/// Table is a concrete sv48x4 G-stage page table for one VM.
type Table struct {
	mu    sync.Mutex
	owner phys.PageOwnerId
	pp    *phys.PhysPages
	root  page.SeqPages[page.Size4k] // exactly 4 pages, pgtable.TopLevelAlign-aligned

	// leaves tracks, per top-level index, whether a leaf table has been
	// instantiated there yet. The source never reads leaf-table PTE bytes
	// back off physical memory - the HW walker format is out of scope - so
	// this engine keeps the tree's actual state in leaves/mapped rather
	// than encoding PTE bits into the consumed pages.
	leaves map[uint64]bool
	mapped map[uint64]pageaddr.PhysAddr // gpa -> leaf data page
}

/// New constructs a table for owner, rooted at root (which must be exactly
/// 4 pages and TopLevelAlign-aligned; see vmpages.HostRootBuilder and
/// GuestRootBuilder, which are responsible for carving out such a root).
// The (root, owner, pp) parameter order matches vmpages.TableFactory; New
// returns *Table rather than pgtable.PlatformPageTable, so it is passed as a
// TableFactory through a small wrapper function.
func New(root page.SeqPages[page.Size4k], owner phys.PageOwnerId, pp *phys.PhysPages) (*Table, error) {
	if root.Count() != 4 {
		return nil, fmt.Errorf("sv48x4: root must be exactly 4 pages, got %d", root.Count())
	}
	if uint64(root.Base())%uint64(pgtable.TopLevelAlign) != 0 {
		return nil, fmt.Errorf("%w: root base %#x", ErrUnaligned, root.Base())
	}
	return &Table{
		owner:  owner,
		pp:     pp,
		root:   root,
		leaves: make(map[uint64]bool),
		mapped: make(map[uint64]pageaddr.PhysAddr),
	}, nil
}

func (t *Table) PageOwnerId() phys.PageOwnerId { return t.owner }

/// PhysPages returns the ownership directory this table's pages are
/// tracked in, mirroring the source's root.phys_pages() accessor.
func (t *Table) PhysPages() *phys.PhysPages { return t.pp }

func inRange(gpa uint64) bool {
	return addrBits >= 64 || gpa < (uint64(1)<<addrBits)
}

func (t *Table) MapPage4k(gpa uint64, leaf page.Page4k, supplier pgtable.PageSupplier) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gpa%4096 != 0 {
		return fmt.Errorf("%w: gpa %#x", ErrUnaligned, gpa)
	}
	if !inRange(gpa) {
		return fmt.Errorf("%w: gpa %#x", ErrOutOfRange, gpa)
	}
	if _, ok := t.mapped[gpa]; ok {
		return fmt.Errorf("%w: gpa %#x", ErrAlreadyMapped, gpa)
	}

	ti := topIndex(gpa)
	if !t.leaves[ti] {
		if _, ok := supplier(); !ok {
			return ErrNoPte
		}
		t.leaves[ti] = true
	}

	t.mapped[gpa] = leaf.Addr().Bits()
	return nil
}

/// walkRange validates a TopLevelAlign-aligned, in-range [gpaBase,
/// gpaBase+count*4096) span and returns every mapped gpa within it in
/// ascending order.
func (t *Table) walkRange(gpaBase uint64, count uint64) ([]uint64, error) {
	if uint64(gpaBase)%uint64(pgtable.TopLevelAlign) != 0 {
		return nil, fmt.Errorf("%w: gpa_base %#x", ErrUnaligned, gpaBase)
	}
	end := gpaBase + count*4096
	if end < gpaBase || !inRange(end-1) {
		return nil, fmt.Errorf("%w: [%#x, +%d pages)", ErrOutOfRange, gpaBase, count)
	}

	var hits []uint64
	for gpa := range t.mapped {
		if gpa >= gpaBase && gpa < end {
			hits = append(hits, gpa)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })
	return hits, nil
}

func (t *Table) InvalidateRange(gpaBase uint64, count uint64) (page.UnmappedIter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hits, err := t.walkRange(gpaBase, count)
	if err != nil {
		return nil, err
	}
	out := make([]page.UnmappedPage, 0, len(hits))
	for _, gpa := range hits {
		addr := t.mapped[gpa]
		delete(t.mapped, gpa)
		out = append(out, page.FromUnmapped4k(addr))
	}
	return page.NewSliceUnmappedIter(out), nil
}

/// UnmapRange behaves exactly like InvalidateRange: this table's leaf-table
/// pages (the only interior structure it has) stay owned by the table's
/// owner for its whole lifetime regardless of how many leaves remain in
/// them, matching the source's choice not to reclaim interior PTE pages on
/// an unmap - only table teardown, which is out of scope, would do that.
func (t *Table) UnmapRange(gpaBase uint64, count uint64) (page.UnmappedIter, error) {
	return t.InvalidateRange(gpaBase, count)
}

/// DoGuestFault never resolves a fault on its own: this table has no
/// access/dirty-bit emulation to replay, so every fault is reported as
/// unresolved and vmpages.VmPages.HandlePageFault returns
/// ErrPageFaultHandling for it.
func (t *Table) DoGuestFault(gpa uint64) bool {
	return false
}

/// IsMapped reports whether gpa currently has a leaf translation. It is not
/// part of pgtable.PlatformPageTable.
func (t *Table) IsMapped(gpa uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.mapped[gpa]
	return ok
}
