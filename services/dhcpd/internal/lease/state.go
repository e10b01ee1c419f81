package lease

import "net/netip"

// RequestState is the RFC 2131 client state a DHCPREQUEST was sent from.
type RequestState int

const (
	StateUnknown RequestState = iota
	// StateSelecting answers an OFFER: server identifier set, ciaddr zero.
	StateSelecting
	// StateInitReboot verifies a remembered address: no server identifier,
	// ciaddr zero, requested address set.
	StateInitReboot
	// StateRenewing covers RENEWING and REBINDING: no server identifier,
	// ciaddr set.
	StateRenewing
)

func (s RequestState) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateInitReboot:
		return "init-reboot"
	case StateRenewing:
		return "renewing"
	default:
		return "unknown"
	}
}

// ClassifyRequest derives the client state from the fields of a REQUEST.
// Zero or invalid addresses count as absent.
func ClassifyRequest(clientAddr, requestedAddr netip.Addr, serverIDSet bool) RequestState {
	switch {
	case serverIDSet:
		return StateSelecting
	case isSet(clientAddr):
		return StateRenewing
	case isSet(requestedAddr):
		return StateInitReboot
	default:
		return StateUnknown
	}
}

func isSet(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified()
}
