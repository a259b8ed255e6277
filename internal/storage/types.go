// Package storage implements the correlation store (C10): it owns every
// Call, its Messages and Streams, and the RTP/RTCP packet matching that
// attaches media to a call. Grounded on the teacher's internal/eventbus
// (partitioned, bounded-queue event delivery) and internal/pipeline's
// single-writer/observer-reader split, repurposed from "process SIP
// events" to "own SIP/RTP correlation state".
package storage

import (
	"time"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect/sip"
)

// Message is one SIP request or response belonging to a Call, keeping the
// packet it was parsed from and the dissector's parsed fields (§3).
type Message struct {
	Packet          *core.Packet
	SIP             sip.Result
	IsRetransmission bool
	ReceivedAt      time.Time
}

// Stream is an RTP or RTCP media flow, either hinted by an SDP body
// (prospective, before any media packet arrived) or created on first
// matching packet for an orphan flow (§3, §4.9).
type Stream struct {
	CallID    string // empty for a fully orphaned stream
	Kind      core.ProtocolId // ProtoRTP or ProtoRTCP
	Local     core.Address
	Remote    core.Address // zero until the first packet confirms the peer
	MediaType string
	Formats   []int
	RTPMap    map[int]string
	Orphan    bool
	Packets   []*core.Packet
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Call is a single SIP dialog: its ordered Messages, its media Streams,
// and the bidirectional X-Call-ID cross-link to a related leg (§3, §4.9).
type Call struct {
	ID              string
	XCallID         string
	Messages        []*Message
	Streams         []*Stream
	CreatedAt       time.Time
	LastMessageTime time.Time
}

// EventKind names the four storage notifications from spec.md §6.
type EventKind int

const (
	EventCallAdded EventKind = iota
	EventCallUpdated
	EventCallEvicted
	EventStatsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventCallAdded:
		return "call_added"
	case EventCallUpdated:
		return "call_updated"
	case EventCallEvicted:
		return "call_evicted"
	case EventStatsChanged:
		return "stats_changed"
	default:
		return "unknown"
	}
}

// Event is one storage notification delivered to subscribers.
type Event struct {
	Kind   EventKind
	CallID string
	Call   *Call // nil for stats_changed
}

// Stats is the external statistics snapshot from spec.md §6.
type Stats struct {
	TotalCalls      int64
	DisplayedCalls  int64
	EvictedCalls    int64
	DroppedPackets  int64
	OrphanedStreams int64
	RTPStreams      int64
}
