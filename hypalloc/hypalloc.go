// Package hypalloc implements the boot-time physical allocator HypPageAlloc
// (SPEC_FULL.md §6, treated as an external collaborator by the core but
// implemented here so the rest of the module has something concrete to
// build against and test with).
//
// The allocator owns one mmap'd anonymous region standing in for "all of
// host physical memory" and serves it out as aligned, contiguous chunks of
// 4 KiB pages, bump-allocator style - the same shape as biscuit's
// mem.Phys_init, which walks the pages the runtime handed it and threads
// them onto a free list before the rest of the kernel ever runs.
package hypalloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"rvhyp/internal/util"
	"rvhyp/page"
	"rvhyp/pageaddr"
	"rvhyp/phys"
)

/// PageRange is a contiguous span of 4 KiB pages, as handed back by
/// TakePages and by Finalize's leftover host memory budget.
type PageRange = page.SeqPages[page.Size4k]

var ErrExhausted = errors.New("hypalloc: backing memory exhausted")

/// HypPageAlloc is the boot-time physical page source. It exists only
/// until Finalize is called, at which point its remaining memory is
/// handed to a phys.PhysPages and the allocator itself is spent.
type HypPageAlloc struct {
	mu       sync.Mutex
	mem      []byte
	base     pageaddr.PhysAddr
	next     uint64
	npages   uint64
	taken    []pageaddr.PhysAddr
	finalized bool
	log      zerolog.Logger
}

const pageSize = 4096

/// New reserves totalBytes of anonymous memory (rounded down to a whole
/// number of pages) to stand in for host physical memory.
func New(totalBytes uint64, log zerolog.Logger) (*HypPageAlloc, error) {
	npages := totalBytes / pageSize
	if npages == 0 {
		return nil, fmt.Errorf("hypalloc: %d bytes is less than one page", totalBytes)
	}
	size := int(npages * pageSize)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hypalloc: mmap %d bytes: %w", size, err)
	}
	return &HypPageAlloc{
		mem:    mem,
		base:   0,
		npages: npages,
		log:    log.With().Str("component", "hyp_page_alloc").Logger(),
	}, nil
}

/// Close unmaps the backing region. Only safe once every Page handed out
/// has been reclaimed or the process is exiting; it exists for tests.
func (h *HypPageAlloc) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil {
		return nil
	}
	err := unix.Munmap(h.mem)
	h.mem = nil
	return err
}

/// DirectMap returns a byte slice view of length bytes starting at addr.
// It is the dmap collaborator page.Page.Bytes expects.
func (h *HypPageAlloc) DirectMap(addr pageaddr.PhysAddr, length uint64) []byte {
	off := uint64(addr - h.base)
	return h.mem[off : off+length]
}

/// TakePagesWithAlignment removes n consecutive 4k pages, the first
/// base-address-aligned to alignBytes, from the allocator and returns them
/// as freshly constructed Page4k handles.
func (h *HypPageAlloc) TakePagesWithAlignment(n uint64, alignBytes uint64) ([]page.Page4k, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalized {
		return nil, fmt.Errorf("hypalloc: allocator already finalized")
	}

	alignPages := alignBytes / pageSize
	if alignPages == 0 {
		alignPages = 1
	}
	start := util.Roundup(h.next, alignPages)
	if start+n > h.npages {
		h.log.Debug().Uint64("pages", n).Uint64("align_bytes", alignBytes).Msg("backing memory exhausted")
		return nil, ErrExhausted
	}

	pages := make([]page.Page4k, 0, n)
	for i := uint64(0); i < n; i++ {
		addr := h.base + pageaddr.PhysAddr((start+i)*pageSize)
		pa := pageaddr.MustNew[page.Size4k](addr)
		pages = append(pages, page.New(pa))
		h.taken = append(h.taken, addr)
	}
	h.next = start + n
	return pages, nil
}

/// TakePages removes n consecutive 4k-aligned pages and returns them as a
/// single PageRange.
func (h *HypPageAlloc) TakePages(n uint64) (PageRange, error) {
	if n == 0 {
		return PageRange{}, nil
	}
	pages, err := h.TakePagesWithAlignment(n, pageSize)
	if err != nil {
		return PageRange{}, err
	}
	seq, rej := page.FromPages[page.Size4k](page.NewSliceIter(pages))
	if rej != nil {
		// Unreachable: a bump allocator only ever hands out pages in
		// strictly ascending, contiguous order.
		return PageRange{}, fmt.Errorf("hypalloc: bump-allocated pages were not contiguous")
	}
	return seq, nil
}

/// Finalize absorbs whatever memory remains, registers every page this
/// allocator has ever handed out (including earlier TakePages calls) as
/// hypervisor-owned in a fresh phys.PhysPages, and returns that tracker
/// alongside the leftover memory as a list of PageRanges - the host's
/// initial memory budget.
func (h *HypPageAlloc) Finalize() (*phys.PhysPages, []PageRange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pp := phys.New(h.log)
	for _, addr := range h.taken {
		if err := pp.SetPageOwner(addr, phys.Hypervisor); err != nil {
			panic(fmt.Sprintf("hypalloc: finalize: %v", err))
		}
	}

	var ranges []PageRange
	if remaining := h.npages - h.next; remaining > 0 {
		addr := h.base + pageaddr.PhysAddr(h.next*pageSize)
		pa := pageaddr.MustNew[page.Size4k](addr)
		seq := page.FromMemRange[page.Size4k](pa, remaining)
		it := seq.IntoIter()
		for {
			p, ok := it.Next()
			if !ok {
				break
			}
			if err := pp.SetPageOwner(p.Addr().Bits(), phys.Hypervisor); err != nil {
				panic(fmt.Sprintf("hypalloc: finalize: %v", err))
			}
		}
		ranges = append(ranges, page.FromMemRange[page.Size4k](pa, remaining))
		h.next = h.npages
	}

	h.finalized = true
	return pp, ranges
}
