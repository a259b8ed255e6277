package storage

import (
	"sync/atomic"
	"time"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect/sip"
)

// ingestStreamHint registers a prospective Stream announced by an SDP
// body, indexed by its destination address so the first matching
// RTP/RTCP packet attaches to it instead of creating an orphan (§4.5,
// §4.9). Grounded on the SDP-driven media registration the teacher's
// plugins/parser/sip/sip.go performs via its FlowRegistry, moved here
// since storage (not the SIP dissector) owns Call/Stream lifetime.
func (st *Store) ingestStreamHint(ps sip.ProspectiveStream) {
	strm := &Stream{
		CallID:    ps.CallID,
		Kind:      core.ProtoRTP,
		Local:     ps.Addr,
		MediaType: ps.MediaType,
		Formats:   ps.Formats,
		RTPMap:    ps.RTPMap,
		CreatedAt: time.Now(),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if call, ok := st.calls[ps.CallID]; ok {
		call.Streams = append(call.Streams, strm)
	}
	st.streamsByDst[ps.Addr] = append(st.streamsByDst[ps.Addr], strm)
}

// IngestMedia attaches an RTP or RTCP packet to the stream it belongs to,
// per §4.9's matching rule: match on the full (src,dst) tuple first (a
// stream already confirmed bidirectionally); else match on destination
// address alone and bind the stream's Remote to the sender on first hit;
// else, depending on MediaOnlyKnownCalls, create an orphan synthetic
// stream or drop the packet (§4.9, Open Question decision in DESIGN.md).
func (st *Store) IngestMedia(packet *core.Packet, kind core.ProtocolId, src, dst core.Address) {
	st.mu.Lock()
	defer st.mu.Unlock()

	tk := tupleKey{src: src, dst: dst}
	if strm, ok := st.streamsByTuple[tk]; ok {
		strm.Packets = append(strm.Packets, packet.Retain())
		strm.UpdatedAt = packet.Time()
		return
	}

	candidates := st.streamsByDst[dst]
	for _, strm := range candidates {
		if strm.Kind != kind && !(kind == core.ProtoRTCP && strm.Kind == core.ProtoRTP) {
			continue
		}
		if strm.Remote.IsZero() {
			// Bind: first sender to this destination becomes the peer.
			strm.Remote = src
			st.streamsByTuple[tupleKey{src: src, dst: dst}] = strm
			strm.Packets = append(strm.Packets, packet.Retain())
			strm.UpdatedAt = packet.Time()
			if kind == core.ProtoRTP {
				atomic.AddInt64(&st.rtpStreams, 1)
			}
			return
		}
		if strm.Remote.Equal(src) {
			strm.Packets = append(strm.Packets, packet.Retain())
			strm.UpdatedAt = packet.Time()
			return
		}
	}

	if st.cfg.MediaOnlyKnownCalls {
		atomic.AddInt64(&st.droppedPackets, 1)
		return
	}

	// No known call claims this flow: register an orphan stream so the
	// media is still visible, matching sngrep's own behavior of always
	// surfacing RTP streams independent of call lookup (DESIGN.md).
	orphan := &Stream{
		Kind:      kind,
		Local:     dst,
		Remote:    src,
		Orphan:    true,
		CreatedAt: packet.Time(),
		UpdatedAt: packet.Time(),
	}
	orphan.Packets = append(orphan.Packets, packet.Retain())
	st.streamsByTuple[tk] = orphan
	st.streamsByDst[dst] = append(st.streamsByDst[dst], orphan)
	atomic.AddInt64(&st.orphanedStreams, 1)
	if kind == core.ProtoRTP {
		atomic.AddInt64(&st.rtpStreams, 1)
	}
}
