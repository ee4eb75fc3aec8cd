package vmpages

import (
	"fmt"

	"rvhyp/hypalloc"
	"rvhyp/measure"
	"rvhyp/page"
	"rvhyp/pageaddr"
	"rvhyp/pagevec"
	"rvhyp/pgtable"
	"rvhyp/phys"
)

// pteEntryBytes is the nominal size of one reserved PTE-node slot: a
// physical address, matching the source's size_of::<Page4k>() (a thin
// pointer wrapper) rather than the 4 KiB a slot's page actually occupies.
const pteEntryBytes = 8

// HostRootBuilder builds the host VM's root page table. Unlike
// GuestRootBuilder it draws its PTE-node reservoir directly from a
// PageRange rather than a PageVec, since the host is built once, from
// HypPageAlloc, before any guest ever borrows from it.
type HostRootBuilder struct {
	root        pgtable.PlatformPageTable
	pteIter     page.PageIter[page.Size4k]
	measurement measure.Measure
	dmap        DirectMap
}

// FromHypMem carves the host's root table (4 pages, TopLevelAlign-aligned)
// and its PTE-node reservoir (maxPtePages(hostGpaSize/4096) pages) out of
// alloc, finalizes alloc into a phys.PhysPages, and returns the host's
// remaining memory budget alongside a fresh HostRootBuilder.
func FromHypMem(
	alloc *hypalloc.HypPageAlloc,
	hostGpaSize uint64,
	newTable TableFactory,
	newMeasure MeasureFactory,
	maxPtePages func(numLeafPages uint64) uint64,
	dmap DirectMap,
) ([]hypalloc.PageRange, *HostRootBuilder, error) {
	rootLeaves, err := alloc.TakePagesWithAlignment(4, uint64(pgtable.TopLevelAlign))
	if err != nil {
		return nil, nil, fmt.Errorf("vmpages: reserving host root table: %w", err)
	}
	rootPages, rej := page.FromPages[page.Size4k](page.NewSliceIter(rootLeaves))
	if rej != nil {
		return nil, nil, fmt.Errorf("vmpages: host root table pages were not contiguous: %w", rej)
	}

	numPte := maxPtePages(hostGpaSize / 4096)
	pteRange, err := alloc.TakePages(numPte)
	if err != nil {
		return nil, nil, fmt.Errorf("vmpages: reserving %d host pte pages: %w", numPte, err)
	}

	pp, hostPages := alloc.Finalize()

	table, err := newTable(rootPages, phys.Host, pp)
	if err != nil {
		return nil, nil, fmt.Errorf("vmpages: constructing host root table: %w", err)
	}

	return hostPages, &HostRootBuilder{
		root:        table,
		pteIter:     pteRange.IntoIter(),
		measurement: newMeasure(),
		dmap:        dmap,
	}, nil
}

func (h *HostRootBuilder) pteSupplier() (page.Page4k, bool) {
	return h.pteIter.Next()
}

// AddData4kPages measures and maps pages at consecutive TopLevelAlign-
// respecting addresses starting at toAddr, same as the source's
// add_4k_data_pages.
func (h *HostRootBuilder) AddData4kPages(toAddr uint64, pages []page.Page4k) error {
	dest, ok := pageaddr.New[page.Size4k](pageaddr.PhysAddr(toAddr))
	if !ok {
		return newErr(ErrUnalignedVmPages, toAddr, nil)
	}
	it := dest.Iter(uint64(len(pages)))
	for _, p := range pages {
		gpaAddr, ok := it.Next()
		if !ok {
			return fmt.Errorf("vmpages: host destination range exhausted before all pages were placed")
		}
		gpa := uint64(gpaAddr.Bits())
		if gpa&(uint64(pgtable.TopLevelAlign)-1) != uint64(p.Addr().Bits())&(uint64(pgtable.TopLevelAlign)-1) {
			return newErr(ErrUnalignedVmPages, gpa, fmt.Errorf("host gpa and hpa disagree below TopLevelAlign"))
		}
		h.measurement.AddPage(gpa, p.Bytes(h.dmap))
		if err := h.root.PhysPages().SetPageOwner(p.Addr().Bits(), h.root.PageOwnerId()); err != nil {
			return newErr(ErrSettingOwner, gpa, err)
		}
		if err := h.root.MapPage4k(gpa, p, h.pteSupplier); err != nil {
			return newErr(ErrMapping4kPage, gpa, err)
		}
	}
	return nil
}

// Add4kPages maps zeroed pages at consecutive addresses starting at
// toAddr, without folding them into the measurement - the source's
// add_4k_pages.
func (h *HostRootBuilder) Add4kPages(toAddr uint64, pages []page.Page4k) error {
	dest, ok := pageaddr.New[page.Size4k](pageaddr.PhysAddr(toAddr))
	if !ok {
		return newErr(ErrUnalignedVmPages, toAddr, nil)
	}
	it := dest.Iter(uint64(len(pages)))
	for _, p := range pages {
		gpaAddr, ok := it.Next()
		if !ok {
			return fmt.Errorf("vmpages: host destination range exhausted before all pages were placed")
		}
		gpa := uint64(gpaAddr.Bits())
		if gpa&(uint64(pgtable.TopLevelAlign)-1) != uint64(p.Addr().Bits())&(uint64(pgtable.TopLevelAlign)-1) {
			return newErr(ErrUnalignedVmPages, gpa, fmt.Errorf("host gpa and hpa disagree below TopLevelAlign"))
		}
		if err := h.root.PhysPages().SetPageOwner(p.Addr().Bits(), h.root.PageOwnerId()); err != nil {
			return newErr(ErrSettingOwner, gpa, err)
		}
		if err := h.root.MapPage4k(gpa, p, h.pteSupplier); err != nil {
			return newErr(ErrMapping4kPage, gpa, err)
		}
	}
	return nil
}

// CreateHost consumes the builder and returns the finished host VmPages,
// wrapped in HostRootPages the way the source marks it as already-built.
func (h *HostRootBuilder) CreateHost() *HostRootPages {
	return &HostRootPages{inner: &VmPages{root: h.root, measurement: h.measurement}}
}

// HostRootPages marks that a host's VmPages has finished construction.
type HostRootPages struct {
	inner *VmPages
}

// IntoInner unwraps the finished host VmPages.
func (h *HostRootPages) IntoInner() *VmPages { return h.inner }

// GuestRootBuilder builds a guest VM's root page table. Its PTE-node
// reservoir is a pagevec.PageVec backed by the single page
// CreateGuestRootBuilder carved out for it. That capacity is fixed: once it
// is used up, AddPtePage (and so VmPages.AddPtePagesBuilder) fails with
// ErrInsufficientPtePageStorage.
type GuestRootBuilder struct {
	root        pgtable.PlatformPageTable
	measurement measure.Measure
	ptePages    *pagevec.PageVec[page.Page4k]
	dmap        DirectMap
}

func newGuestRootBuilder(root pgtable.PlatformPageTable, ptePage page.Page4k, measurement measure.Measure, dmap DirectMap) *GuestRootBuilder {
	seq := page.FromSingle(ptePage)
	return &GuestRootBuilder{
		root:        root,
		measurement: measurement,
		ptePages:    pagevec.FromSeqPages[page.Page4k](seq, pteEntryBytes),
		dmap:        dmap,
	}
}

// PageOwnerId returns the owner id the finished guest will use.
func (g *GuestRootBuilder) PageOwnerId() phys.PageOwnerId { return g.root.PageOwnerId() }

// AddPtePage adds one more page to this builder's PTE-node reservoir.
func (g *GuestRootBuilder) AddPtePage(p page.Page4k) error {
	if err := g.ptePages.TryReserve(1); err != nil {
		return newErr(ErrInsufficientPtePageStorage, uint64(p.Addr().Bits()), err)
	}
	g.ptePages.Push(p)
	return nil
}

func (g *GuestRootBuilder) pteSupplier() (page.Page4k, bool) {
	return g.ptePages.Pop()
}

// AddDataPage measures p's contents at gpa and maps it into the guest.
func (g *GuestRootBuilder) AddDataPage(gpa uint64, p page.Page4k) error {
	g.measurement.AddPage(gpa, p.Bytes(g.dmap))
	if err := g.root.MapPage4k(gpa, p, g.pteSupplier); err != nil {
		return newErr(ErrMapping4kPage, gpa, err)
	}
	return nil
}

// AddZeroPage maps p into the guest at gpa without measuring it.
func (g *GuestRootBuilder) AddZeroPage(gpa uint64, p page.Page4k) error {
	if err := g.root.MapPage4k(gpa, p, g.pteSupplier); err != nil {
		return newErr(ErrMapping4kPage, gpa, err)
	}
	return nil
}

// CreatePages consumes the builder and returns the guest's finished
// VmPages.
func (g *GuestRootBuilder) CreatePages() *VmPages {
	return &VmPages{root: g.root, measurement: g.measurement}
}
