// Package filter implements the display filter engine (C12): compiled
// per-field predicates evaluated with short-circuit AND semantics over a
// Call. Retargeted from the teacher's otus.Exchange middleware-chain
// filters (internal/otus/api.Filter) to predicates over storage.Call,
// keeping the same "compile once, walk an ordered chain" shape.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/storage"
)

// Field names the per-field predicates spec.md §4.11 lists.
type Field string

const (
	FieldSIPFrom     Field = "sipfrom"
	FieldSIPTo       Field = "sipto"
	FieldSource      Field = "source"
	FieldDestination Field = "destination"
	FieldPayload     Field = "payload"
	FieldMethod      Field = "method"
	FieldDisplay     Field = "display-filter" // raw substring over every message's raw bytes
)

// Clause is one uncompiled filter term.
type Clause struct {
	Field   Field
	Pattern string
}

// Predicate is a compiled, ready-to-evaluate filter term.
type Predicate func(call *storage.Call) bool

// Compile turns a clause into a Predicate, grounded on how the teacher's
// filters are simple closures over an Exchange.
func Compile(c Clause) (Predicate, error) {
	pattern := c.Pattern
	switch c.Field {
	case FieldSIPFrom:
		return func(call *storage.Call) bool { return anyMessage(call, func(m *storage.Message) bool {
			return strings.Contains(m.SIP.From.URI, pattern)
		}) }, nil
	case FieldSIPTo:
		return func(call *storage.Call) bool { return anyMessage(call, func(m *storage.Message) bool {
			return strings.Contains(m.SIP.To.URI, pattern)
		}) }, nil
	case FieldPayload:
		return func(call *storage.Call) bool { return anyMessage(call, func(m *storage.Message) bool {
			return strings.Contains(string(m.SIP.Body), pattern)
		}) }, nil
	case FieldMethod:
		upper := strings.ToUpper(pattern)
		return func(call *storage.Call) bool { return anyMessage(call, func(m *storage.Message) bool {
			if m.SIP.IsRequest {
				return strings.EqualFold(m.SIP.MethodText, upper)
			}
			return strconv.Itoa(m.SIP.StatusCode) == pattern
		}) }, nil
	case FieldSource:
		return addressPredicate(pattern, true), nil
	case FieldDestination:
		return addressPredicate(pattern, false), nil
	case FieldDisplay:
		return func(call *storage.Call) bool { return anyMessage(call, func(m *storage.Message) bool {
			for _, f := range m.Packet.Frames() {
				if strings.Contains(string(f.Bytes), pattern) {
					return true
				}
			}
			return false
		}) }, nil
	default:
		return nil, fmt.Errorf("filter: unknown field %q", c.Field)
	}
}

func anyMessage(call *storage.Call, match func(*storage.Message) bool) bool {
	for _, m := range call.Messages {
		if match(m) {
			return true
		}
	}
	return false
}

// addressPredicate matches a message's source or destination IP address,
// read from the packet's IP result via the same structural AddrStrings()
// accessor used to key TCP streams — address data lives at the IP layer,
// not in the SIP dissector's Result, so this reaches into the packet
// directly. Ports are not part of the matched string.
func addressPredicate(pattern string, wantSource bool) Predicate {
	return func(call *storage.Call) bool {
		return anyMessage(call, func(m *storage.Message) bool {
			addr, ok := resolveAddr(m.Packet, wantSource)
			if !ok {
				return false
			}
			return strings.Contains(addr, pattern)
		})
	}
}

func resolveAddr(packet *core.Packet, wantSource bool) (string, bool) {
	ipRes, ok := packet.Result(core.ProtoIP)
	if !ok {
		return "", false
	}
	a, ok := ipRes.(interface{ AddrStrings() (string, string) })
	if !ok {
		return "", false
	}
	src, dst := a.AddrStrings()
	if wantSource {
		return src, true
	}
	return dst, true
}
