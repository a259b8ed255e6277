// Package core defines core types with zero external dependencies.
package core

import "net/netip"

// Address is an IP+port pair. Equality is componentwise; a zero Port is a
// wildcard for matching (used by prospective streams and filters that only
// care about the host).
type Address struct {
	IP   netip.Addr
	Port uint16
}

// Equal reports componentwise equality, honoring the zero-port wildcard:
// a Address with Port 0 matches any port on the same IP.
func (a Address) Equal(b Address) bool {
	if a.IP != b.IP {
		return false
	}
	return a.Port == b.Port || a.Port == 0 || b.Port == 0
}

// IsZero reports whether the address has never been bound.
func (a Address) IsZero() bool {
	return !a.IP.IsValid()
}

func (a Address) String() string {
	if !a.IP.IsValid() {
		return "0.0.0.0:0"
	}
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

// ParseAddress builds an Address from a dotted/colon IP literal and a
// port. Used by dissectors that learn addresses from text protocols
// (SDP connection lines, SIP Via/Contact hosts).
func ParseAddress(ip string, port uint16) (Address, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Address{}, err
	}
	return Address{IP: addr, Port: port}, nil
}

// ProtocolId names a protocol-parse-result slot on a Packet. At most one
// result is stored per id (§3's "set of protocol-parse-results keyed by
// ProtocolId").
type ProtocolId uint8

const (
	ProtoLink ProtocolId = iota
	ProtoIP
	ProtoUDP
	ProtoTCP
	ProtoTLS
	ProtoWS
	ProtoSIP
	ProtoSDP
	ProtoRTP
	ProtoRTCP
	ProtoHEP
)

func (p ProtocolId) String() string {
	switch p {
	case ProtoLink:
		return "link"
	case ProtoIP:
		return "ip"
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	case ProtoWS:
		return "ws"
	case ProtoSIP:
		return "sip"
	case ProtoSDP:
		return "sdp"
	case ProtoRTP:
		return "rtp"
	case ProtoRTCP:
		return "rtcp"
	case ProtoHEP:
		return "hep"
	default:
		return "unknown"
	}
}
