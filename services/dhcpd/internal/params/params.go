package params

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"slices"
	"time"
)

const (
	// MinPrefixLength bounds the pool size so that address scans stay cheap.
	MinPrefixLength = 16
	// MaxPrefixLength leaves at least two usable host addresses.
	MaxPrefixLength = 30

	// MTUUnset means the interface MTU option is not sent to clients.
	MTUUnset = 0
	minMTU   = 68
	maxMTU   = 65535
)

// ErrInvalid is wrapped by every validation failure returned from New.
var ErrInvalid = errors.New("invalid serving params")

// Options are the raw inputs for New. Zero values mean "not set".
type Options struct {
	ServerAddr     netip.Addr
	PrefixLength   int
	DefaultRouters []netip.Addr
	DNSServers     []netip.Addr
	ExcludedAddrs  []netip.Addr
	LeaseTime      time.Duration
	LinkMTU        int
}

// ServingParams is the validated, immutable configuration the lease repository
// and the packet processor serve from.
type ServingParams struct {
	serverAddr netip.Addr
	prefix     netip.Prefix
	first      netip.Addr
	last       netip.Addr
	routers    []netip.Addr
	dns        []netip.Addr
	excluded   []netip.Addr
	reserved   map[netip.Addr]struct{}
	leaseTime  time.Duration
	mtu        int
}

// New validates opts and returns frozen serving params.
func New(opts Options) (*ServingParams, error) {
	if !opts.ServerAddr.IsValid() || !opts.ServerAddr.Unmap().Is4() {
		return nil, fmt.Errorf("%w: server address %v is not an IPv4 address", ErrInvalid, opts.ServerAddr)
	}
	server := opts.ServerAddr.Unmap()
	if opts.PrefixLength < MinPrefixLength || opts.PrefixLength > MaxPrefixLength {
		return nil, fmt.Errorf("%w: prefix length %d outside %d-%d", ErrInvalid, opts.PrefixLength, MinPrefixLength, MaxPrefixLength)
	}
	prefix, err := server.Prefix(opts.PrefixLength)
	if err != nil {
		return nil, fmt.Errorf("%w: prefix: %v", ErrInvalid, err)
	}
	if opts.LeaseTime <= 0 {
		return nil, fmt.Errorf("%w: lease time must be positive, got %s", ErrInvalid, opts.LeaseTime)
	}
	if opts.LeaseTime%time.Second != 0 {
		return nil, fmt.Errorf("%w: lease time %s is not a whole number of seconds", ErrInvalid, opts.LeaseTime)
	}
	if opts.LeaseTime/time.Second >= math.MaxUint32 {
		return nil, fmt.Errorf("%w: lease time %s does not fit the lease time option", ErrInvalid, opts.LeaseTime)
	}
	if opts.LinkMTU != MTUUnset && (opts.LinkMTU < minMTU || opts.LinkMTU > maxMTU) {
		return nil, fmt.Errorf("%w: link MTU %d outside %d-%d", ErrInvalid, opts.LinkMTU, minMTU, maxMTU)
	}

	p := &ServingParams{
		serverAddr: server,
		prefix:     prefix,
		first:      prefix.Addr().Next(),
		last:       lastHost(prefix),
		leaseTime:  opts.LeaseTime,
		mtu:        opts.LinkMTU,
		reserved:   make(map[netip.Addr]struct{}),
	}
	if !p.InPool(server) {
		return nil, fmt.Errorf("%w: server address %s is the network or broadcast address of %s", ErrInvalid, server, prefix)
	}

	if p.routers, err = normalize("default router", opts.DefaultRouters); err != nil {
		return nil, err
	}
	for _, r := range p.routers {
		if !prefix.Contains(r) {
			return nil, fmt.Errorf("%w: default router %s is outside %s", ErrInvalid, r, prefix)
		}
	}
	if p.dns, err = normalize("DNS server", opts.DNSServers); err != nil {
		return nil, err
	}
	if p.excluded, err = normalize("excluded address", opts.ExcludedAddrs); err != nil {
		return nil, err
	}
	for _, a := range p.excluded {
		if !p.InPool(a) {
			return nil, fmt.Errorf("%w: excluded address %s is outside pool %s-%s", ErrInvalid, a, p.first, p.last)
		}
	}

	p.reserved[server] = struct{}{}
	for _, set := range [][]netip.Addr{p.routers, p.dns, p.excluded} {
		for _, a := range set {
			if p.InPool(a) {
				p.reserved[a] = struct{}{}
			}
		}
	}
	if len(p.reserved) >= p.PoolSize() {
		return nil, fmt.Errorf("%w: every address of pool %s-%s is reserved", ErrInvalid, p.first, p.last)
	}
	return p, nil
}

// normalize unmaps, validates, dedupes and sorts a set of IPv4 addresses.
func normalize(field string, in []netip.Addr) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(in))
	for _, a := range in {
		if !a.IsValid() || !a.Unmap().Is4() {
			return nil, fmt.Errorf("%w: %s %v is not an IPv4 address", ErrInvalid, field, a)
		}
		out = append(out, a.Unmap())
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return slices.Compact(out), nil
}

func lastHost(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	hostBits := 32 - p.Bits()
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	n |= (1 << hostBits) - 1
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}).Prev()
}

func (p *ServingParams) ServerAddr() netip.Addr { return p.serverAddr }
func (p *ServingParams) Prefix() netip.Prefix   { return p.prefix }
func (p *ServingParams) LinkMTU() int           { return p.mtu }

// LeaseTime is the configured lease duration.
func (p *ServingParams) LeaseTime() time.Duration { return p.leaseTime }

// LeaseSeconds is the lease time as carried by option 51.
func (p *ServingParams) LeaseSeconds() uint32 { return uint32(p.leaseTime / time.Second) }

// DefaultRouters returns the routers sorted ascending.
func (p *ServingParams) DefaultRouters() []netip.Addr { return slices.Clone(p.routers) }

// DNSServers returns the DNS servers sorted ascending.
func (p *ServingParams) DNSServers() []netip.Addr { return slices.Clone(p.dns) }

// ExcludedAddrs returns the configured exclusions sorted ascending.
func (p *ServingParams) ExcludedAddrs() []netip.Addr { return slices.Clone(p.excluded) }

// Pool returns the first and last host addresses of the served prefix.
func (p *ServingParams) Pool() (first, last netip.Addr) { return p.first, p.last }

// PoolSize counts the host addresses of the prefix, reserved ones included.
func (p *ServingParams) PoolSize() int { return 1<<(32-p.prefix.Bits()) - 2 }

// ReservedCount counts the pool addresses that are never leased.
func (p *ServingParams) ReservedCount() int { return len(p.reserved) }

// Netmask is the subnet mask for option 1.
func (p *ServingParams) Netmask() net.IPMask { return net.CIDRMask(p.prefix.Bits(), 32) }

func (p *ServingParams) InPrefix(a netip.Addr) bool {
	return a.IsValid() && p.prefix.Contains(a.Unmap())
}

// InPool reports whether a is a host address of the served prefix.
func (p *ServingParams) InPool(a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	a = a.Unmap()
	return a.Compare(p.first) >= 0 && a.Compare(p.last) <= 0
}

// IsReserved reports whether a is the server address, a router, a DNS server
// or an excluded address.
func (p *ServingParams) IsReserved(a netip.Addr) bool {
	_, ok := p.reserved[a.Unmap()]
	return ok
}

// Assignable reports whether a may ever be leased to a client.
func (p *ServingParams) Assignable(a netip.Addr) bool {
	return p.InPool(a) && !p.IsReserved(a)
}
