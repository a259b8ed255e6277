// Package dissect defines the dissector framework (registry and
// sub-dissector chaining) shared by every protocol layer: link, IP,
// transport, SIP, HEP, RTP/RTCP.
package dissect

import (
	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/log"
)

// Dissector is the capability interface every protocol layer implements,
// standing in for the source's virtual dissect/free_data dispatch. A
// dissector consumes a prefix of payload, annotates packet with its parse
// result, and returns the unconsumed tail for sub-dissector chaining.
//
// Dissect must not retain a borrow into payload beyond its own call frame;
// ownership of the underlying frame bytes stays with the Packet.
type Dissector interface {
	// ID identifies this dissector's protocol slot on a Packet.
	ID() core.ProtocolId
	// Name is a short diagnostic name ("sip", "rtp", ...).
	Name() string
	// Dissect consumes payload, returning the leftover tail. Returning the
	// full input unchanged signals "not my protocol". Returning an empty
	// slice signals the dissector fully consumed the payload.
	Dissect(packet *core.Packet, payload []byte) (leftover []byte, err error)
	// FreeData releases any protocol-specific data this dissector attached
	// to packet. Most dissectors rely on Packet.FreeData and leave this as
	// a no-op; it exists for dissectors with side-table state keyed by the
	// packet (reassembly entries are NOT packet-owned, so this is rarely
	// needed).
	FreeData(packet *core.Packet)
}

// Registry maps a ProtocolId to its dissector instance and lets a
// dissector invoke its ordered list of sub-dissectors by id, without
// holding direct references to them (breaks reentrant-dissection cycles in
// type ownership, per the source's "registry is a map, chain is an id
// list" design).
type Registry struct {
	dissectors map[core.ProtocolId]Dissector
	log        log.Logger
}

// NewRegistry builds an empty registry. logger is used to report dropped
// packets at debug level; pass log.Nop() in tests.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{dissectors: make(map[core.ProtocolId]Dissector), log: logger}
}

// Register adds a dissector to the registry, keyed by its own ID(). A
// second registration for the same id replaces the first — the registry
// does not panic on duplicate registration (unlike the factory registries
// elsewhere in this codebase) because tests routinely swap a dissector for
// a stub of the same protocol id.
func (r *Registry) Register(d Dissector) {
	r.dissectors[d.ID()] = d
}

// Get returns the dissector registered for id, if any.
func (r *Registry) Get(id core.ProtocolId) (Dissector, bool) {
	d, ok := r.dissectors[id]
	return d, ok
}

// Next tries each candidate id in order, invoking the first dissector that
// either consumes the payload or reports a real parse error. A dissector
// that returns the full input unchanged (not my protocol, no error) is
// skipped and the next candidate is tried. Next is how link hands off to
// IP, IP to UDP/TCP, UDP to {SIP, RTP, RTCP, HEP} in turn, and so on.
func (r *Registry) Next(packet *core.Packet, payload []byte, candidates []core.ProtocolId) ([]byte, error) {
	for _, id := range candidates {
		d, ok := r.dissectors[id]
		if !ok {
			continue
		}
		leftover, err := d.Dissect(packet, payload)
		if err != nil {
			r.log.WithError(err).Debug("dissector error, packet dropped")
			return leftover, err
		}
		if len(leftover) != len(payload) {
			// Consumed something (possibly down to zero) — this
			// dissector claimed the payload.
			return leftover, nil
		}
	}
	// No candidate recognized the payload.
	return payload, nil
}
