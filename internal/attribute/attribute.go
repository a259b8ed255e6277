// Package attribute implements the C11 attribute system: a fixed table of
// named, derivable display fields over a Call/Message pair, plus an
// optional color rule per attribute. Grounded on the "stable string key,
// protocol.field naming" shape of the teacher's plugin Labels convention
// (plugins/parser/sip/sip.go, plugins/parser/rtp/rtp.go), lifted here into
// a typed descriptor instead of a map assembled ad hoc per parser.
package attribute

import (
	"strconv"

	"sngrep.io/capture/internal/storage"
)

// Color names a terminal display color a rule can select, independent of
// any concrete rendering surface (no TUI is built here, per scope).
type Color int

const (
	ColorDefault Color = iota
	ColorRed
	ColorYellow
	ColorGreen
	ColorCyan
)

// ValueFunc derives an attribute's display string from a call and,
// optionally, the specific message within it being rendered. msg is nil
// when the attribute is evaluated at the call level (e.g. a column in a
// call list) rather than per-message.
type ValueFunc func(call *storage.Call, msg *storage.Message) string

// ColorFunc derives a display color for the same (call, msg) pair; nil
// means "no rule, use the default".
type ColorFunc func(call *storage.Call, msg *storage.Message) Color

// Descriptor is one named, derivable attribute.
type Descriptor struct {
	Name  string // stable key, "{protocol}.{field}" (e.g. "sip.method")
	Value ValueFunc
	Color ColorFunc
}

// Registry is the fixed, ordered table of attribute descriptors.
type Registry struct {
	order []string
	byName map[string]Descriptor
}

// NewRegistry builds the registry containing the built-in attribute set.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Descriptor)}
	for _, d := range builtins() {
		r.register(d)
	}
	return r
}

func (r *Registry) register(d Descriptor) {
	if _, exists := r.byName[d.Name]; exists {
		panic("attribute: duplicate descriptor name " + d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
}

// Names returns every registered attribute name in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Value evaluates a named attribute, returning "" if the name is unknown.
func (r *Registry) Value(name string, call *storage.Call, msg *storage.Message) string {
	d, ok := r.byName[name]
	if !ok || d.Value == nil {
		return ""
	}
	return d.Value(call, msg)
}

func builtins() []Descriptor {
	return []Descriptor{
		{Name: "sip.call_id", Value: func(call *storage.Call, _ *storage.Message) string {
			return call.ID
		}},
		{Name: "sip.x_call_id", Value: func(call *storage.Call, _ *storage.Message) string {
			return call.XCallID
		}},
		{Name: "sip.from", Value: func(_ *storage.Call, msg *storage.Message) string {
			if msg == nil {
				return ""
			}
			return msg.SIP.From.URI
		}},
		{Name: "sip.to", Value: func(_ *storage.Call, msg *storage.Message) string {
			if msg == nil {
				return ""
			}
			return msg.SIP.To.URI
		}},
		{Name: "sip.method", Value: func(_ *storage.Call, msg *storage.Message) string {
			if msg == nil || !msg.SIP.IsRequest {
				return ""
			}
			return msg.SIP.MethodText
		}},
		{Name: "sip.status", Value: func(_ *storage.Call, msg *storage.Message) string {
			if msg == nil || msg.SIP.IsRequest || msg.SIP.StatusCode == 0 {
				return ""
			}
			return strconv.Itoa(msg.SIP.StatusCode)
		}, Color: func(_ *storage.Call, msg *storage.Message) Color {
			if msg == nil || msg.SIP.IsRequest {
				return ColorDefault
			}
			switch {
			case msg.SIP.StatusCode >= 200 && msg.SIP.StatusCode < 300:
				return ColorGreen
			case msg.SIP.StatusCode >= 400:
				return ColorRed
			case msg.SIP.StatusCode >= 100 && msg.SIP.StatusCode < 200:
				return ColorYellow
			default:
				return ColorDefault
			}
		}},
		{Name: "sip.retransmission", Value: func(_ *storage.Call, msg *storage.Message) string {
			if msg != nil && msg.IsRetransmission {
				return "yes"
			}
			return ""
		}, Color: func(_ *storage.Call, msg *storage.Message) Color {
			if msg != nil && msg.IsRetransmission {
				return ColorYellow
			}
			return ColorDefault
		}},
		{Name: "call.message_count", Value: func(call *storage.Call, _ *storage.Message) string {
			return strconv.Itoa(len(call.Messages))
		}},
		{Name: "call.stream_count", Value: func(call *storage.Call, _ *storage.Message) string {
			return strconv.Itoa(len(call.Streams))
		}},
		{Name: "rtp.media_type", Value: func(call *storage.Call, _ *storage.Message) string {
			if len(call.Streams) == 0 {
				return ""
			}
			return call.Streams[0].MediaType
		}},
	}
}
