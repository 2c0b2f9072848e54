// Package common holds the small set of types shared across the
// protocol and reactor packages: the peer address type and connection
// directionality.
package common

import "net/netip"

// Address identifies a peer on the network. It is a plain alias over
// netip.AddrPort rather than net.TCPAddr, because the latter embeds a
// []byte IP and isn't comparable — and every registry in this module
// (PeerTable, ConnectingSet, TimeoutManager keys) needs a comparable,
// hashable address to use as a map key.
type Address = netip.AddrPort

// ParseAddress parses "host:port" into an Address.
func ParseAddress(s string) (Address, error) {
	return netip.ParseAddrPort(s)
}

// Link records whether a connection was established by dialing out
// (Outbound) or by accepting an incoming connection (Inbound).
type Link uint8

const (
	// Inbound connections arrived on the listener.
	Inbound Link = iota
	// Outbound connections were established via Dialer.Dial.
	Outbound
)

func (l Link) String() string {
	switch l {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// IsOutbound reports whether the link was locally-initiated.
func (l Link) IsOutbound() bool { return l == Outbound }
