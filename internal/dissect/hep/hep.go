// Package hep implements the HEPv3 dissector (C7): magic+length framing,
// TLV chunk walk, auth-key verification, and timestamp override from the
// capture-agent's own chunk 9/10 clock. Grounded on the chunk layout
// documented in the teacher's plugins/reporter/hep/encoder.go (the teacher
// only encodes HEP; this dissector decodes the same wire layout) and
// cross-checked against original_source/src/storage/packet/packet_hep.c's
// chunk walk and silent-drop-on-auth-mismatch behavior.
package hep

import (
	"encoding/binary"
	"net/netip"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect"
	"sngrep.io/capture/internal/log"
)

const (
	magic          = "HEP3"
	ctrlHeaderLen  = 6 // magic(4) + total length(2)
	chunkHeaderLen = 6 // vendor(2) + type(2) + length(2)

	vendorHomer = uint16(0)
)

// Standard chunk type IDs (vendor 0), per the teacher's documented layout.
const (
	chunkIPFamily  = uint16(1)
	chunkIPProto   = uint16(2)
	chunkSrcIPv4   = uint16(3)
	chunkDstIPv4   = uint16(4)
	chunkSrcIPv6   = uint16(5)
	chunkDstIPv6   = uint16(6)
	chunkSrcPort   = uint16(7)
	chunkDstPort   = uint16(8)
	chunkTimeSec   = uint16(9)
	chunkTimeUsec  = uint16(10)
	chunkProtoType = uint16(11)
	chunkCaptureID = uint16(12)
	chunkAuthKey   = uint16(14)
	chunkPayload   = uint16(15)
	chunkCorrID    = uint16(17)
)

const (
	ipFamilyV4 = uint8(2)
	ipFamilyV6 = uint8(10)
)

// Result is the C7 HEP parse result: the decoded envelope around the
// forwarded SIP/RTP/RTCP payload.
type Result struct {
	IPFamily         uint8
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	IPProtocol       uint8
	ProtoType        uint8
	CaptureID        uint32
	CorrelationID    string
	TimeSec          uint32
	TimeUsec         uint32
}

func (Result) protocol() core.ProtocolId { return core.ProtoHEP }

// Config carries the listener's expected authentication key. An empty
// AuthKey disables the check (any packet, keyed or not, is accepted).
type Config struct {
	AuthKey string
}

// Dissector decodes HEPv3 frames and forwards the embedded payload to the
// SIP dissector (§4.6: "forward payload to SIP dissector").
type Dissector struct {
	cfg      Config
	registry *dissect.Registry
	next     []core.ProtocolId
	log      log.Logger
}

func New(cfg Config, registry *dissect.Registry, logger log.Logger) *Dissector {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dissector{cfg: cfg, registry: registry, next: []core.ProtocolId{core.ProtoSIP}, log: logger}
}

func (d *Dissector) ID() core.ProtocolId   { return core.ProtoHEP }
func (d *Dissector) Name() string          { return "hep" }
func (d *Dissector) FreeData(*core.Packet) {}

func (d *Dissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	if len(payload) < ctrlHeaderLen || string(payload[:4]) != magic {
		return payload, nil // not HEP
	}
	total := int(binary.BigEndian.Uint16(payload[4:6]))
	if total < ctrlHeaderLen || total > len(payload) {
		return payload, core.ErrPacketTooShort
	}
	frame := payload[ctrlHeaderLen:total]

	result := Result{}
	var authKey string
	var hepPayload []byte

	for len(frame) > 0 {
		if len(frame) < chunkHeaderLen {
			break
		}
		vendor := binary.BigEndian.Uint16(frame[0:2])
		typ := binary.BigEndian.Uint16(frame[2:4])
		chunkLen := int(binary.BigEndian.Uint16(frame[4:6]))
		if chunkLen == 0 {
			d.log.Debug("hep: zero-length chunk, dropping packet")
			return payload, core.ErrPacketTooShort
		}
		if chunkLen > len(frame) {
			chunkLen = len(frame)
		}
		value := frame[chunkHeaderLen:chunkLen]

		if vendor == vendorHomer {
			applyChunk(&result, typ, value, &authKey, &hepPayload)
		}
		frame = frame[chunkLen:]
	}

	if d.cfg.AuthKey != "" && authKey != d.cfg.AuthKey {
		d.log.Debug("hep: auth key mismatch, dropping packet")
		return nil, core.ErrHepAuthMismatch
	}

	// Chunks 9/10 carry the capture agent's own clock for this packet;
	// override the frame timestamp so downstream ordering reflects the
	// original capture time rather than the relay's arrival time (§4.6).
	if result.TimeSec != 0 {
		usec := uint64(result.TimeSec)*1_000_000 + uint64(result.TimeUsec)
		packet.OverrideLastTimestamp(usec)
	}

	packet.SetResult(result)

	if d.registry == nil || len(hepPayload) == 0 {
		return hepPayload, nil
	}
	return d.registry.Next(packet, hepPayload, d.next)
}

func applyChunk(result *Result, typ uint16, value []byte, authKey *string, payload *[]byte) {
	switch typ {
	case chunkIPFamily:
		if len(value) >= 1 {
			result.IPFamily = value[0]
		}
	case chunkIPProto:
		if len(value) >= 1 {
			result.IPProtocol = value[0]
		}
	case chunkSrcIPv4:
		if len(value) >= 4 {
			result.Src = netip.AddrFrom4([4]byte(value[:4]))
		}
	case chunkDstIPv4:
		if len(value) >= 4 {
			result.Dst = netip.AddrFrom4([4]byte(value[:4]))
		}
	case chunkSrcIPv6:
		if len(value) >= 16 {
			result.Src = netip.AddrFrom16([16]byte(value[:16]))
		}
	case chunkDstIPv6:
		if len(value) >= 16 {
			result.Dst = netip.AddrFrom16([16]byte(value[:16]))
		}
	case chunkSrcPort:
		if len(value) >= 2 {
			result.SrcPort = binary.BigEndian.Uint16(value[:2])
		}
	case chunkDstPort:
		if len(value) >= 2 {
			result.DstPort = binary.BigEndian.Uint16(value[:2])
		}
	case chunkTimeSec:
		if len(value) >= 4 {
			result.TimeSec = binary.BigEndian.Uint32(value[:4])
		}
	case chunkTimeUsec:
		if len(value) >= 4 {
			result.TimeUsec = binary.BigEndian.Uint32(value[:4])
		}
	case chunkProtoType:
		if len(value) >= 1 {
			result.ProtoType = value[0]
		}
	case chunkCaptureID:
		if len(value) >= 4 {
			result.CaptureID = binary.BigEndian.Uint32(value[:4])
		}
	case chunkAuthKey:
		*authKey = string(value)
	case chunkPayload:
		*payload = value
	case chunkCorrID:
		result.CorrelationID = string(value)
	}
}
