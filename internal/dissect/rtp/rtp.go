// Package rtp implements the RTP and RTCP dissectors (C8). Grounded on the
// teacher's plugins/parser/rtp/rtp.go (V=2 check, PT ranges, fixed-header
// field extraction) and on original_source/src/storage/packet/packet_rtcp.c
// for the RFC 5761 demultiplexing rule and the SR/XR report-block walk;
// the VoIP-metrics block (RFC 3611 §4.7) layout is reconstructed from the
// spec's field list since the original header isn't in the pack.
package rtp

import (
	"encoding/binary"

	"sngrep.io/capture/internal/core"
)

const (
	rtpMinLength  = 12 // fixed RTP header, RFC 3550 §5.1
	rtcpMinLength = 8  // common header + sender SSRC

	rtcpHdrLength = 4

	ptSR = uint8(200)
	ptRR = uint8(201)
	ptSD = uint8(202)
	ptBY = uint8(203)
	ptAP = uint8(204)
	ptXR = uint8(207)

	xrVoipMetrics = uint8(7)
)

// rfc3551Name is the static RFC 3551 payload-type -> encoding table for the
// well-known static assignments (0-34). Dynamic payload types (96-127, or
// any value in 35-95 left unassigned by RFC 3551) come back empty here;
// storage fills the name in later from the SDP rtpmap binding registered
// for the owning stream (§4.7, §4.5).
var rfc3551Name = map[uint8]string{
	0: "PCMU", 3: "GSM", 4: "G723", 5: "DVI4", 6: "DVI4",
	7: "LPC", 8: "PCMA", 9: "G722", 10: "L16", 11: "L16",
	12: "QCELP", 13: "CN", 14: "MPA", 15: "G728", 16: "DVI4",
	17: "DVI4", 18: "G729", 25: "CelB", 26: "JPEG", 28: "nv",
	31: "H261", 32: "MPV", 33: "MP2T", 34: "H263",
}

// RTPResult is the C8 RTP parse result.
type RTPResult struct {
	Version        uint8
	Marker         bool
	HasExtension   bool
	PayloadType    uint8
	PayloadName    string // static RFC 3551 name, else empty (filled later from SDP)
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

func (RTPResult) protocol() core.ProtocolId { return core.ProtoRTP }

// VoIPMetrics is an RTCP XR report block of type 7 (RFC 3611 §4.7),
// carrying the call-quality figures sngrep surfaces per stream.
type VoIPMetrics struct {
	SSRC         uint32
	LossRate     uint8
	DiscardRate  uint8
	MOSLQ        uint8 // listening-quality MOS, fixed-point (value/10)
	MOSCQ        uint8 // conversational-quality MOS, fixed-point (value/10)
}

// RTCPResult is the C8 RTCP parse result.
type RTCPResult struct {
	PayloadType  uint8
	SSRC         uint32
	SenderCount  uint32 // SR (200): sender's packet count
	VoIPMetrics  *VoIPMetrics
}

func (RTCPResult) protocol() core.ProtocolId { return core.ProtoRTCP }

// RTPDissector decodes the fixed 12-byte RTP header.
type RTPDissector struct{}

func NewRTP() *RTPDissector { return &RTPDissector{} }

func (d *RTPDissector) ID() core.ProtocolId   { return core.ProtoRTP }
func (d *RTPDissector) Name() string          { return "rtp" }
func (d *RTPDissector) FreeData(*core.Packet) {}

func (d *RTPDissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	if len(payload) < rtpMinLength {
		return payload, nil
	}
	version := payload[0] >> 6
	if version != 2 {
		return payload, nil
	}
	pt := payload[1] & 0x7F
	// PT 0-64 or >=96 per §4.7; 65-95 is reserved/unassigned and not treated
	// as RTP here so it falls through to RTCP's own version+PT-byte check.
	if pt > 64 && pt < 96 {
		return payload, nil
	}

	result := RTPResult{
		Version:        version,
		HasExtension:   (payload[0]>>4)&0x1 == 1,
		Marker:         (payload[1]>>7)&0x1 == 1,
		PayloadType:    pt,
		PayloadName:    rfc3551Name[pt],
		SequenceNumber: binary.BigEndian.Uint16(payload[2:4]),
		Timestamp:      binary.BigEndian.Uint32(payload[4:8]),
		SSRC:           binary.BigEndian.Uint32(payload[8:12]),
	}
	packet.SetResult(result)
	return nil, nil
}

// RTCPDissector decodes RTCP compound packets, per RFC 5761 §4's
// demultiplexing rule (distinct from RTP by first-byte/PT-byte ranges).
type RTCPDissector struct{}

func NewRTCP() *RTCPDissector { return &RTCPDissector{} }

func (d *RTCPDissector) ID() core.ProtocolId   { return core.ProtoRTCP }
func (d *RTCPDissector) Name() string          { return "rtcp" }
func (d *RTCPDissector) FreeData(*core.Packet) {}

func (d *RTCPDissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	if !looksLikeRTCP(payload) {
		return payload, nil
	}

	pt := payload[1]
	ssrc := binary.BigEndian.Uint32(payload[4:8])
	result := RTCPResult{PayloadType: pt, SSRC: ssrc}

	switch pt {
	case ptSR:
		if len(payload) >= rtcpHdrLength+20 {
			result.SenderCount = binary.BigEndian.Uint32(payload[rtcpHdrLength+16 : rtcpHdrLength+20])
		}
	case ptXR:
		result.VoIPMetrics = parseXRVoIPMetrics(payload)
	case ptRR, ptSD, ptBY, ptAP:
		// No further fields needed by this dissector (§4.7 scope).
	}

	packet.SetResult(result)
	return nil, nil
}

// looksLikeRTCP applies the RFC 5761 §4 demultiplexing rule: version 2,
// first byte in [128,191], PT byte in [192,223].
func looksLikeRTCP(payload []byte) bool {
	if len(payload) < rtcpMinLength {
		return false
	}
	version := payload[0] >> 6
	if version != 2 {
		return false
	}
	if payload[0] < 128 || payload[0] > 191 {
		return false
	}
	return payload[1] >= 192 && payload[1] <= 223
}

// parseXRVoIPMetrics walks an RTCP XR packet's report blocks looking for a
// type-7 (VoIP Metrics) block, per RFC 3611 §4.7.
func parseXRVoIPMetrics(payload []byte) *VoIPMetrics {
	const xrHdrLen = 8 // common header(4) + SSRC(4)
	if len(payload) < xrHdrLen {
		return nil
	}
	blocks := payload[xrHdrLen:]
	for len(blocks) >= 4 {
		blockType := blocks[0]
		blockLen := int(binary.BigEndian.Uint16(blocks[2:4]))
		blockTotal := (blockLen + 1) * 4
		if blockTotal > len(blocks) {
			blockTotal = len(blocks)
		}
		if blockType == xrVoipMetrics && blockTotal >= 4+32 {
			content := blocks[4:]
			return &VoIPMetrics{
				SSRC:        binary.BigEndian.Uint32(content[0:4]),
				LossRate:    content[4],
				DiscardRate: content[5],
				MOSLQ:       content[22],
				MOSCQ:       content[23],
			}
		}
		blocks = blocks[blockTotal:]
	}
	return nil
}
