package lease

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net"
	"net/netip"
	"time"
)

var (
	// ErrOutOfAddresses means no pool address can be offered.
	ErrOutOfAddresses = errors.New("out of addresses")
	// ErrInvalidAddress means the address cannot be assigned to the client.
	ErrInvalidAddress = errors.New("invalid address")
)

// Clock is the time source leases are computed against.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock; time.Now carries a monotonic reading so
// expiry comparisons are immune to wall clock steps.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Client identifies a DHCP client. ID is the optional client identifier
// (option 61); when empty the hardware address identifies the client.
type Client struct {
	ID     []byte
	HWAddr net.HardwareAddr
}

type keyKind uint8

const (
	keyHWAddr keyKind = iota + 1
	keyClientID
)

// identity is the comparable key of a Client.
type identity struct {
	kind  keyKind
	value string
}

// key returns the identity key: the client identifier if present, else the
// hardware address.
func (c Client) key() identity {
	if len(c.ID) > 0 {
		return identity{kind: keyClientID, value: string(c.ID)}
	}
	return identity{kind: keyHWAddr, value: string(c.HWAddr)}
}

func (c Client) String() string {
	if len(c.ID) > 0 {
		return "id:" + hex.EncodeToString(c.ID)
	}
	return c.HWAddr.String()
}

// Lease binds an address to a client until Expiration.
type Lease struct {
	Client     Client
	Addr       netip.Addr
	Expiration time.Time
	Hostname   string
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.Expiration.After(now)
}

func (l Lease) matches(c Client) bool {
	return l.Client.key() == c.key()
}

func (l Lease) clone() Lease {
	l.Client.ID = bytes.Clone(l.Client.ID)
	l.Client.HWAddr = bytes.Clone(l.Client.HWAddr)
	return l
}
