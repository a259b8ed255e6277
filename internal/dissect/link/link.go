// Package link implements the link-layer dissector (C4): it strips the
// DLT-specific header (Ethernet, Linux SLL, raw IP, ...) and hands the
// remainder to the IP dissector. Grounded on the teacher's
// internal/core/decoder/ethernet.go VLAN-walk, generalized to the full DLT
// table sngrep's capture sources are expected to feed it.
package link

import (
	"encoding/binary"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect"
	"sngrep.io/capture/internal/log"
)

// DLT is a PCAP data-link type value, as reported by pcap.Handle.LinkType().
type DLT int

// The subset of libpcap DLT values §4.2 names.
const (
	DLT_NULL       DLT = 0
	DLT_EN10MB     DLT = 1
	DLT_RAW        DLT = 101
	DLT_SLIP       DLT = 8
	DLT_SLIP_BSDOS DLT = 15
	DLT_PPP        DLT = 9
	DLT_PPP_BSDOS  DLT = 14
	DLT_PPP_SERIAL DLT = 50
	DLT_FDDI       DLT = 10
	DLT_ENC        DLT = 109
	DLT_LINUX_SLL  DLT = 113
	DLT_IPNET      DLT = 226
	DLT_IEEE802    DLT = 6
	DLT_NFLOG      DLT = 239
	DLT_LOOP       DLT = 108
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8

	ethernetHeaderLen = 14
	vlanHeaderLen     = 4
	linuxSLLHeaderLen = 16
	nflogHeaderLen    = 4
	nfulaPayload      = 9
)

// linkResult is the C4 link-layer parse result attached to a Packet.
type linkResult struct {
	DLT       DLT
	EtherType uint16
	VLANs     []uint16
}

func (linkResult) protocol() core.ProtocolId { return core.ProtoLink }

// Dissector implements dissect.Dissector for the link layer. Its candidate
// sub-dissector is always the IP layer; the dissector's own job is
// computing how many header bytes to strip for the packet's DLT.
type Dissector struct {
	linkType DLT
	next     []core.ProtocolId
	registry *dissect.Registry
	log      log.Logger
}

// New builds a link dissector for a fixed DLT, as reported by the capture
// input for its whole session (PCAP files and live captures carry one DLT
// for their entire lifetime).
func New(linkType DLT, registry *dissect.Registry, logger log.Logger) *Dissector {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dissector{
		linkType: linkType,
		next:     []core.ProtocolId{core.ProtoIP},
		registry: registry,
		log:      logger,
	}
}

func (d *Dissector) ID() core.ProtocolId   { return core.ProtoLink }
func (d *Dissector) Name() string         { return "link" }
func (d *Dissector) FreeData(*core.Packet) {}

// Dissect strips the link header for d.linkType and forwards the remainder
// to the IP dissector. An unknown DLT logs a diagnostic and drops the
// packet (returns the input unchanged with ErrUnknownLinkType).
func (d *Dissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	hdrLen, etherType, vlans, err := d.headerSize(payload)
	if err != nil {
		d.log.WithError(err).Debug("link: dropping packet")
		return payload, err
	}
	if len(payload) < hdrLen {
		return payload, core.ErrPacketTooShort
	}

	packet.SetResult(linkResult{DLT: d.linkType, EtherType: etherType, VLANs: vlans})

	rest := payload[hdrLen:]
	if d.registry == nil {
		return rest, nil
	}
	return d.registry.Next(packet, rest, d.next)
}

// headerSize computes the number of link-layer header bytes to strip for
// the configured DLT, per the table in §4.2. It also walks VLAN tags for
// Ethernet and Linux SLL, and TLV chunks for NFLOG.
func (d *Dissector) headerSize(data []byte) (int, uint16, []uint16, error) {
	switch d.linkType {
	case DLT_EN10MB:
		return walkEthernetVLANs(data, ethernetHeaderLen)
	case DLT_LINUX_SLL:
		return walkEthernetVLANs(data, linuxSLLHeaderLen)
	case DLT_IEEE802:
		return 22, 0, nil, checkLen(data, 22)
	case DLT_NULL, DLT_LOOP:
		return 4, 0, nil, checkLen(data, 4)
	case DLT_SLIP, DLT_SLIP_BSDOS:
		return 16, 0, nil, checkLen(data, 16)
	case DLT_PPP, DLT_PPP_BSDOS, DLT_PPP_SERIAL:
		return 4, 0, nil, checkLen(data, 4)
	case DLT_RAW:
		return 0, 0, nil, nil
	case DLT_FDDI:
		return 21, 0, nil, checkLen(data, 21)
	case DLT_ENC:
		return 12, 0, nil, checkLen(data, 12)
	case DLT_IPNET:
		return 24, 0, nil, checkLen(data, 24)
	case DLT_NFLOG:
		return walkNFLOG(data)
	default:
		return 0, 0, nil, core.ErrUnknownLinkType
	}
}

func checkLen(data []byte, need int) error {
	if len(data) < need {
		return core.ErrPacketTooShort
	}
	return nil
}

// walkEthernetVLANs computes the header length for Ethernet-shaped frames
// (EN10MB, Linux SLL — same EtherType-then-payload shape), accounting for
// nested 802.1Q/QinQ VLAN tags.
func walkEthernetVLANs(data []byte, baseLen int) (int, uint16, []uint16, error) {
	if len(data) < baseLen {
		return 0, 0, nil, core.ErrPacketTooShort
	}
	etherType := binary.BigEndian.Uint16(data[baseLen-2 : baseLen])
	offset := baseLen

	var vlans []uint16
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return 0, 0, nil, core.ErrPacketTooShort
		}
		tci := binary.BigEndian.Uint16(data[offset : offset+2])
		vlans = append(vlans, tci&0x0FFF)
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}
	return offset, etherType, vlans, nil
}

// walkNFLOG walks NFLOG TLV attributes until NFULA_PAYLOAD (9), aligning
// each TLV length up to a 4-byte boundary, per §4.2.
func walkNFLOG(data []byte) (int, uint16, []uint16, error) {
	if len(data) < nflogHeaderLen {
		return 0, 0, nil, core.ErrPacketTooShort
	}
	offset := nflogHeaderLen
	for offset+4 <= len(data) {
		tlvLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		tlvType := binary.LittleEndian.Uint16(data[offset+2:offset+4]) & 0x7FFF
		if tlvLen < 4 {
			return 0, 0, nil, core.ErrPacketTooShort
		}
		aligned := (tlvLen + 3) &^ 3
		if tlvType == nfulaPayload {
			return offset + 4, etherTypeIPv4, nil, nil
		}
		offset += aligned
	}
	return 0, 0, nil, core.ErrPacketTooShort
}
