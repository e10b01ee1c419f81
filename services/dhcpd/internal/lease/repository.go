package lease

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"dhcpd/services/dhcpd/internal/params"
)

// Repository is the authoritative lease table for one served prefix.
type Repository struct {
	params *params.ServingParams
	clock  Clock

	mu       sync.RWMutex
	byAddr   map[netip.Addr]Lease
	byClient map[identity]netip.Addr
	declined map[netip.Addr]time.Time
}

// NewRepository returns an empty repository serving p.
func NewRepository(p *params.ServingParams, clock Clock) *Repository {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Repository{
		params:   p,
		clock:    clock,
		byAddr:   make(map[netip.Addr]Lease),
		byClient: make(map[identity]netip.Addr),
		declined: make(map[netip.Addr]time.Time),
	}
}

// GetOffer computes the lease a DISCOVER would be offered without storing it.
// The client's current lease wins, then a valid free requested address, then
// the lowest free pool address, then the declined address whose cooldown ends
// first.
func (r *Repository) GetOffer(c Client, relayAddr, requestedAddr netip.Addr, hostname string) (Lease, error) {
	if isSet(relayAddr) && !r.params.InPrefix(relayAddr) {
		return Lease{}, fmt.Errorf("relay %s outside %s: %w", relayAddr, r.params.Prefix(), ErrInvalidAddress)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	offer := func(addr netip.Addr) Lease {
		return Lease{
			Client:     c,
			Addr:       addr,
			Expiration: now.Add(r.params.LeaseTime()),
			Hostname:   hostname,
		}.clone()
	}

	if current, ok := r.leaseOf(c, now); ok {
		return offer(current.Addr), nil
	}
	if isSet(requestedAddr) {
		addr := requestedAddr.Unmap()
		if r.params.Assignable(addr) && !r.isDeclined(addr, now) && r.isFree(addr, now) {
			return offer(addr), nil
		}
	}
	if addr, ok := r.lowestFree(now); ok {
		return offer(addr), nil
	}
	if addr, ok := r.oldestDeclined(now); ok {
		return offer(addr), nil
	}
	return Lease{}, ErrOutOfAddresses
}

// RequestLease validates and commits the address a REQUEST asks for.
func (r *Repository) RequestLease(c Client, clientAddr, requestedAddr netip.Addr, serverIDSet bool, hostname string) (Lease, error) {
	state := ClassifyRequest(clientAddr, requestedAddr, serverIDSet)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	current, hasCurrent := r.leaseOf(c, now)

	var addr netip.Addr
	switch state {
	case StateSelecting:
		if !isSet(requestedAddr) {
			return Lease{}, fmt.Errorf("selecting without requested address: %w", ErrInvalidAddress)
		}
		addr = requestedAddr.Unmap()
	case StateInitReboot:
		addr = requestedAddr.Unmap()
		if hasCurrent && current.Addr != addr {
			return Lease{}, fmt.Errorf("client holds %s, requested %s: %w", current.Addr, addr, ErrInvalidAddress)
		}
	case StateRenewing:
		addr = clientAddr.Unmap()
	default:
		return Lease{}, fmt.Errorf("no address in request: %w", ErrInvalidAddress)
	}

	if holder, ok := r.byAddr[addr]; ok && !holder.Expired(now) && !holder.matches(c) {
		return Lease{}, fmt.Errorf("%s in use by %s: %w", addr, holder.Client, ErrInvalidAddress)
	}
	if !hasCurrent || current.Addr != addr {
		if !r.params.Assignable(addr) {
			return Lease{}, fmt.Errorf("%s not assignable from %s: %w", addr, r.params.Prefix(), ErrInvalidAddress)
		}
		if state != StateSelecting && r.isDeclined(addr, now) {
			return Lease{}, fmt.Errorf("%s declined: %w", addr, ErrInvalidAddress)
		}
	}

	if hostname == "" && hasCurrent && current.Addr == addr {
		hostname = current.Hostname
	}
	l := Lease{
		Client:     c,
		Addr:       addr,
		Expiration: now.Add(r.params.LeaseTime()),
		Hostname:   hostname,
	}.clone()
	r.commit(l)
	return l.clone(), nil
}

// ReleaseLease removes the lease on addr if it belongs to c. It reports
// whether a lease was removed.
func (r *Repository) ReleaseLease(c Client, addr netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.byAddr[addr.Unmap()]
	if !ok || !l.matches(c) {
		return false
	}
	r.remove(l)
	return true
}

// DeclineLease marks addr as in conflict for one lease time. Addresses held
// by another client, outside the pool or reserved are left alone.
func (r *Repository) DeclineLease(c Client, addr netip.Addr) bool {
	addr = addr.Unmap()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.params.Assignable(addr) {
		return false
	}
	now := r.clock.Now()
	if l, ok := r.byAddr[addr]; ok {
		if !l.Expired(now) && !l.matches(c) {
			return false
		}
		r.remove(l)
	}
	r.declined[addr] = now.Add(r.params.LeaseTime())
	return true
}

// Leases returns the unexpired leases ordered by address.
func (r *Repository) Leases() []Lease {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	out := make([]Lease, 0, len(r.byAddr))
	for _, l := range r.byAddr {
		if !l.Expired(now) {
			out = append(out, l.clone())
		}
	}
	slices.SortFunc(out, func(a, b Lease) int { return a.Addr.Compare(b.Addr) })
	return out
}

// ActiveCount counts unexpired leases.
func (r *Repository) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	n := 0
	for _, l := range r.byAddr {
		if !l.Expired(now) {
			n++
		}
	}
	return n
}

// DeclinedCount counts addresses still cooling down after a DECLINE.
func (r *Repository) DeclinedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	n := 0
	for addr := range r.declined {
		if r.isDeclined(addr, now) {
			n++
		}
	}
	return n
}

// PurgeExpired drops expired leases and elapsed declines and returns how many
// entries were removed.
func (r *Repository) PurgeExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	n := 0
	for _, l := range r.byAddr {
		if l.Expired(now) {
			r.remove(l)
			n++
		}
	}
	for addr, until := range r.declined {
		if !until.After(now) {
			delete(r.declined, addr)
			n++
		}
	}
	return n
}

// Verify checks the table invariants and returns the first violation found.
func (r *Repository) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byAddr) != len(r.byClient) {
		return fmt.Errorf("lease table has %d addresses but %d clients", len(r.byAddr), len(r.byClient))
	}
	for addr, l := range r.byAddr {
		if l.Addr != addr {
			return fmt.Errorf("lease for %s stored under %s", l.Addr, addr)
		}
		if !r.params.Assignable(addr) {
			return fmt.Errorf("lease on unassignable address %s", addr)
		}
		if got, ok := r.byClient[l.Client.key()]; !ok || got != addr {
			return fmt.Errorf("client %s indexed to %s, lease on %s", l.Client, got, addr)
		}
	}
	return nil
}

func (r *Repository) commit(l Lease) {
	k := l.Client.key()
	if prev, ok := r.byClient[k]; ok && prev != l.Addr {
		delete(r.byAddr, prev)
	}
	if stale, ok := r.byAddr[l.Addr]; ok {
		delete(r.byClient, stale.Client.key())
	}
	delete(r.declined, l.Addr)
	r.byAddr[l.Addr] = l
	r.byClient[k] = l.Addr
}

func (r *Repository) remove(l Lease) {
	delete(r.byAddr, l.Addr)
	if r.byClient[l.Client.key()] == l.Addr {
		delete(r.byClient, l.Client.key())
	}
}

// leaseOf returns the client's unexpired lease.
func (r *Repository) leaseOf(c Client, now time.Time) (Lease, bool) {
	addr, ok := r.byClient[c.key()]
	if !ok {
		return Lease{}, false
	}
	l, ok := r.byAddr[addr]
	if !ok || l.Expired(now) {
		return Lease{}, false
	}
	return l, true
}

func (r *Repository) isFree(addr netip.Addr, now time.Time) bool {
	l, ok := r.byAddr[addr]
	return !ok || l.Expired(now)
}

func (r *Repository) isDeclined(addr netip.Addr, now time.Time) bool {
	until, ok := r.declined[addr]
	return ok && until.After(now)
}

func (r *Repository) lowestFree(now time.Time) (netip.Addr, bool) {
	first, last := r.params.Pool()
	for addr := first; addr.Compare(last) <= 0; addr = addr.Next() {
		if r.params.IsReserved(addr) || r.isDeclined(addr, now) {
			continue
		}
		if r.isFree(addr, now) {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func (r *Repository) oldestDeclined(now time.Time) (netip.Addr, bool) {
	var (
		best  netip.Addr
		until time.Time
	)
	for addr, u := range r.declined {
		if !r.isFree(addr, now) {
			continue
		}
		if !best.IsValid() || u.Before(until) || (u.Equal(until) && addr.Less(best)) {
			best, until = addr, u
		}
	}
	return best, best.IsValid()
}
