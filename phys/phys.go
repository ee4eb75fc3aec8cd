// Package phys implements PhysPages, the process-wide directory of page
// ownership described in SPEC_FULL.md component C2: for every physical
// frame the hypervisor has handed out, a stack of owner ids recording the
// donation chain from hypervisor down through host and guests, plus the
// registry of currently active guests.
package phys

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"rvhyp/pageaddr"
)

/// PageOwnerId identifies a principal that can own physical pages: the
/// hypervisor itself, the host VM, or a guest VM.
type PageOwnerId uint64

/// Hypervisor is the fixed id at the bottom of every owner stack.
const Hypervisor PageOwnerId = 0

/// Host is the fixed id of the host VM, the hypervisor's only permanent
/// child.
const Host PageOwnerId = 1

/// firstGuest is the first id handed out by AddActiveGuest.
const firstGuest PageOwnerId = 2

var (
	ErrIdExhausted   = errors.New("phys: page owner id space exhausted")
	ErrTooManyGuests = errors.New("phys: too many active guests")
	ErrInvalidAddr   = errors.New("phys: address is not a tracked physical page")
	ErrOwnerStackFull = errors.New("phys: owner stack is full")
	ErrEmptyStack    = errors.New("phys: owner stack is empty")
	ErrBottomOfStack = errors.New("phys: cannot pop the hypervisor's bottom-of-stack entry")
)

/// maxOwnerDepth bounds the donation chain recorded per page. Hypervisor ->
/// host -> guest -> nested guest is the deepest chain this engine expects;
/// the limit exists so a buggy or malicious donation loop can't grow a
/// page's owner stack without bound.
const maxOwnerDepth = 16

/// maxActiveGuests bounds the number of guests live at once, matching the
/// fact that PageOwnerId values are never reused while referenced.
const maxActiveGuests = 1 << 20

/// PhysPages is the shared, mutex-guarded directory of page ownership.
// All handles returned by Clone refer to the same underlying state; there
// is exactly one PhysPages per hypervisor boot.
type PhysPages struct {
	mu        sync.Mutex
	owners    map[pageaddr.PhysAddr][]PageOwnerId
	active    map[PageOwnerId]struct{}
	nextGuest PageOwnerId
	log       zerolog.Logger
}

/// New creates an empty directory. Callers register the hypervisor's
/// initial pages with SetPageOwner(addr, Hypervisor) as HypPageAlloc hands
/// them out at boot.
func New(log zerolog.Logger) *PhysPages {
	return &PhysPages{
		owners:    make(map[pageaddr.PhysAddr][]PageOwnerId),
		active:    map[PageOwnerId]struct{}{Hypervisor: {}, Host: {}},
		nextGuest: firstGuest,
		log:       log.With().Str("component", "phys_pages").Logger(),
	}
}

/// Clone returns a handle referring to the same shared state as p. Because
/// PhysPages is always used through a pointer, Clone is just p itself; it
/// exists so callers that hold a *PhysPages and pass it down to a builder
/// read the same way the source's Rc-based clone() does.
func (p *PhysPages) Clone() *PhysPages { return p }

/// AddActiveGuest allocates a fresh PageOwnerId and marks it active.
func (p *PhysPages) AddActiveGuest() (PageOwnerId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.active) >= maxActiveGuests {
		return 0, ErrTooManyGuests
	}
	if p.nextGuest == 0 {
		return 0, ErrIdExhausted
	}
	id := p.nextGuest
	p.nextGuest++
	p.active[id] = struct{}{}
	p.log.Debug().Uint64("owner_id", uint64(id)).Msg("guest activated")
	return id, nil
}

/// RmActiveGuest removes id from the active-guest set. It does not reclaim
/// any pages still tagged with id; the owning table/builder must have
/// already reclaimed them via PopOwner, or those pages leak.
func (p *PhysPages) RmActiveGuest(id PageOwnerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
	p.log.Debug().Uint64("owner_id", uint64(id)).Msg("guest deactivated")
}

/// IsActive reports whether id is currently a live owner.
func (p *PhysPages) IsActive(id PageOwnerId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[id]
	return ok
}

/// SetPageOwner pushes id onto addr's owner stack. The first call for a
/// given addr establishes it as a tracked physical page; subsequent calls
/// record further donation.
func (p *PhysPages) SetPageOwner(addr pageaddr.PhysAddr, id PageOwnerId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack := p.owners[addr]
	if len(stack) >= maxOwnerDepth {
		return fmt.Errorf("%w: %#x", ErrOwnerStackFull, addr)
	}
	p.owners[addr] = append(stack, id)
	return nil
}

/// PopOwner pops and returns addr's previous owner. The hypervisor id at
/// the bottom of the stack can never be popped past: attempting to pop an
/// address with no tracked owners returns ErrEmptyStack, and attempting to
/// pop the last remaining entry returns ErrBottomOfStack instead of
/// exposing the hypervisor id as if it were a donated owner.
func (p *PhysPages) PopOwner(addr pageaddr.PhysAddr) (PageOwnerId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack, ok := p.owners[addr]
	if !ok || len(stack) == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrEmptyStack, addr)
	}
	if len(stack) == 1 {
		return 0, fmt.Errorf("%w: %#x", ErrBottomOfStack, addr)
	}
	top := stack[len(stack)-1]
	p.owners[addr] = stack[:len(stack)-1]
	return top, nil
}

/// Owner returns the current top-of-stack owner for addr, or
/// ErrInvalidAddr if nothing is tracked there.
func (p *PhysPages) Owner(addr pageaddr.PhysAddr) (PageOwnerId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack, ok := p.owners[addr]
	if !ok || len(stack) == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidAddr, addr)
	}
	return stack[len(stack)-1], nil
}

/// Depth returns the current owner-stack depth for addr, for tests and
/// invariant checks (SPEC_FULL.md invariant 1).
func (p *PhysPages) Depth(addr pageaddr.PhysAddr) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners[addr])
}
