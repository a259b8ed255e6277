// Package core defines core types.
package core

// ParseResult is the marker interface implemented by every dissector's
// per-packet output (IPResult, UDPResult, SIPResult, ...). Storing these
// behind an interface in Packet.results keeps core free of a dependency on
// any specific dissector package.
type ParseResult interface {
	protocol() ProtocolId
}
