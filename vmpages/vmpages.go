package vmpages

import (
	"fmt"

	"rvhyp/measure"
	"rvhyp/page"
	"rvhyp/pageaddr"
	"rvhyp/pgtable"
	"rvhyp/phys"
)

/// TableFactory builds a concrete pgtable.PlatformPageTable rooted at root,
/// mirroring the source's T::new(root_pages, owner, phys_pages) associated
/// function; callers pass sv48x4.New (wrapped to satisfy this signature).
type TableFactory func(root page.SeqPages[page.Size4k], owner phys.PageOwnerId, pp *phys.PhysPages) (pgtable.PlatformPageTable, error)

/// MeasureFactory produces a fresh, empty measurement accumulator,
/// mirroring the source's D::default().
type MeasureFactory func() measure.Measure

/// DirectMap reads length bytes of physical memory starting at addr, the
/// collaborator builders use to feed page contents to a Measure.
type DirectMap func(addr pageaddr.PhysAddr, length uint64) []byte

/// VmPages is the single management point for one VM's second-stage
/// memory: its root page table, the shared page-ownership directory, and
/// the digest accumulated while it was built.
type VmPages struct {
	root        pgtable.PlatformPageTable
	measurement measure.Measure
}

/// physPages is shorthand for v.root.PhysPages(), the shared ownership
/// directory every VM built by this package shares with its root table.
func (v *VmPages) physPages() *phys.PhysPages { return v.root.PhysPages() }

/// PageOwnerId returns the owner id this VM's pages are tagged with.
func (v *VmPages) PageOwnerId() phys.PageOwnerId { return v.root.PageOwnerId() }

/// Measurement returns the digest accumulated while this VM's initial
/// image was built.
func (v *VmPages) Measurement() measure.Measure { return v.measurement }

/// Root returns the VM's second-stage page table.
func (v *VmPages) Root() pgtable.PlatformPageTable { return v.root }

/// Close removes this VM from the active-guest registry. The source does
/// this in VmPages's Drop impl; Go has no destructors, so callers must call
/// Close explicitly once a guest is torn down.
func (v *VmPages) Close() {
	v.physPages().RmActiveGuest(v.root.PageOwnerId())
}

/// CreateGuestRootBuilder carves a 6-page, TopLevelAlign-aligned chunk out
/// of v's own address space (fromAddr) to host a new guest: 4 pages for the
/// guest's root table, one PTE-node reservoir page, and one page returned
/// to the caller to hold per-guest state. The new guest is registered as an
/// active owner before any page changes hands. A failure after that point is
/// not rolled back: the guest id stays active, and pages already invalidated
/// in v and re-tagged with the new id stay that way.
func (v *VmPages) CreateGuestRootBuilder(
	fromAddr uint64,
	newTable TableFactory,
	newMeasure MeasureFactory,
	dmap DirectMap,
) (*GuestRootBuilder, page.Page4k, error) {
	if uint64(fromAddr)%uint64(pgtable.TopLevelAlign) != 0 {
		return nil, page.Page4k{}, newErr(ErrUnalignedVmPages, fromAddr, nil)
	}

	id, err := v.physPages().AddActiveGuest()
	if err != nil {
		return nil, page.Page4k{}, newErr(ErrGuestId, fromAddr, err)
	}

	it, err := v.root.InvalidateRange(fromAddr, 6)
	if err != nil {
		return nil, page.Page4k{}, newErr(ErrInvalidRange, fromAddr, err)
	}

	clean := make([]page.Page4k, 0, 6)
	for {
		up, ok := it.Next()
		if !ok {
			break
		}
		p, perr := up.Ok4kOr(errNon4k)
		if perr != nil {
			return nil, page.Page4k{}, newErr(ErrNon4kPteEntry, fromAddr, perr)
		}
		if err := v.physPages().SetPageOwner(p.Addr().Bits(), id); err != nil {
			return nil, page.Page4k{}, newErr(ErrSettingOwner, fromAddr, err)
		}
		clean = append(clean, p)
	}
	if len(clean) != 6 {
		return nil, page.Page4k{}, newErr(ErrInvalidRange, fromAddr,
			fmt.Errorf("expected 6 pages at %#x, invalidated %d", fromAddr, len(clean)))
	}

	rootPages, rej := page.FromPages[page.Size4k](page.NewSliceIter(clean[:4]))
	if rej != nil {
		return nil, page.Page4k{}, newErr(ErrInvalidRange, fromAddr, rej)
	}
	table, err := newTable(rootPages, id, v.physPages())
	if err != nil {
		return nil, page.Page4k{}, newErr(ErrGuestId, fromAddr, err)
	}

	ptePage, statePage := clean[4], clean[5]
	grb := newGuestRootBuilder(table, ptePage, newMeasure(), dmap)
	return grb, statePage, nil
}

/// AddPtePagesBuilder reclaims count pages starting at fromAddr from v's
/// own mapping and hands them to to as additional PTE-node storage.
func (v *VmPages) AddPtePagesBuilder(fromAddr uint64, count uint64, to *GuestRootBuilder) error {
	it, err := v.root.InvalidateRange(fromAddr, count)
	if err != nil {
		return newErr(ErrInvalidRange, fromAddr, err)
	}
	for {
		up, ok := it.Next()
		if !ok {
			break
		}
		p, perr := up.Ok4kOr(errNon4k)
		if perr != nil {
			return newErr(ErrNon4kPteEntry, fromAddr, perr)
		}
		if err := v.physPages().SetPageOwner(p.Addr().Bits(), to.PageOwnerId()); err != nil {
			return newErr(ErrSettingOwner, fromAddr, err)
		}
		if err := to.AddPtePage(p); err != nil {
			return err
		}
	}
	return nil
}

/// Add4kPagesBuilder reclaims count pages starting at fromAddr and maps
/// them into to at toAddr, measuring their contents if measurePreserve is
/// set or treating them as zero pages otherwise. Returns the number of
/// pages moved.
func (v *VmPages) Add4kPagesBuilder(
	fromAddr uint64,
	count uint64,
	to *GuestRootBuilder,
	toAddr uint64,
	measurePreserve bool,
) (uint64, error) {
	it, err := v.root.InvalidateRange(fromAddr, count)
	if err != nil {
		return 0, newErr(ErrInvalidRange, fromAddr, err)
	}
	dest, ok := pageaddr.New[page.Size4k](pageaddr.PhysAddr(toAddr))
	if !ok {
		return 0, newErr(ErrUnalignedVmPages, toAddr, nil)
	}
	addrs := dest.Iter(count)

	var n uint64
	for {
		up, ok := it.Next()
		if !ok {
			break
		}
		gpaAddr, ok := addrs.Next()
		if !ok {
			break
		}
		p, perr := up.Ok4kOr(errNon4k)
		if perr != nil {
			return n, newErr(ErrNon4kPteEntry, fromAddr, perr)
		}
		if err := v.physPages().SetPageOwner(p.Addr().Bits(), to.PageOwnerId()); err != nil {
			return n, newErr(ErrSettingOwner, fromAddr, err)
		}
		gpa := uint64(gpaAddr.Bits())
		var addErr error
		if measurePreserve {
			addErr = to.AddDataPage(gpa, p)
		} else {
			addErr = to.AddZeroPage(gpa, p)
		}
		if addErr != nil {
			return n, addErr
		}
		n++
	}
	return n, nil
}

/// Remove4kPages unmaps count pages starting at fromAddr from v and
/// returns them to their previous owner, failing if any of them turn out
/// not to have been owned by v.
func (v *VmPages) Remove4kPages(fromAddr uint64, count uint64) (uint64, error) {
	ownerID := v.root.PageOwnerId()
	it, err := v.root.UnmapRange(fromAddr, count)
	if err != nil {
		return 0, newErr(ErrInvalidRange, fromAddr, err)
	}

	var n uint64
	for {
		up, ok := it.Next()
		if !ok {
			break
		}
		p, perr := up.Ok4kOr(errNon4k)
		if perr != nil {
			return n, newErr(ErrNon4kPteEntry, fromAddr, perr)
		}
		addr := p.Addr().Bits()
		owner, err := v.physPages().PopOwner(addr)
		if err != nil {
			return n, newErr(ErrUnownedPage, uint64(addr), err)
		}
		if owner != ownerID {
			return n, newErr(ErrUnownedPage, uint64(addr), nil)
		}
		n++
	}
	return n, nil
}

/// HandlePageFault asks the root table to resolve a guest fault at addr on
/// its own (e.g. replaying an access-bit update); it never maps new pages
/// itself, matching the source's "if the platform can't handle it, bail"
/// contract.
func (v *VmPages) HandlePageFault(addr uint64) error {
	if v.root.DoGuestFault(addr) {
		return nil
	}
	return newErr(ErrPageFaultHandling, addr, nil)
}
