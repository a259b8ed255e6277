// Package transport implements the UDP and TCP dissectors (C5), including
// TCP stream reassembly with bounded garbage collection. Grounded on the
// teacher's internal/core/decoder/transport.go (UDP/TCP header parsing)
// and internal/otus/module/capture/codec's TCP segment-accumulation
// pattern, generalized to the spec's "re-run SIP over the whole
// accumulated buffer" rule (§4.4), confirmed against
// original_source/src/storage/packet/packet_tcp.c.
package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect"
	"sngrep.io/capture/internal/log"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20

	// TCP_MAX_SEGMENTS / TCP_MAX_AGE, §5.
	defaultMaxSegments = 50
	defaultMaxAgeTicks = 1000
)

// UDPResult is the C5 UDP parse result.
type UDPResult struct {
	SrcPort, DstPort uint16
}

func (UDPResult) protocol() core.ProtocolId { return core.ProtoUDP }

// TCPResult is the C5 TCP parse result.
type TCPResult struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
}

func (TCPResult) protocol() core.ProtocolId { return core.ProtoTCP }

// TCP flag bits (lower 6 bits of the flags byte).
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// UDPDissector strips the 8-byte UDP header and forwards to SIP, RTP,
// RTCP, and HEP sub-dissectors in turn (§4.4: "try in order").
type UDPDissector struct {
	registry *dissect.Registry
	next     []core.ProtocolId
	log      log.Logger
}

func NewUDP(registry *dissect.Registry, logger log.Logger) *UDPDissector {
	if logger == nil {
		logger = log.Nop()
	}
	return &UDPDissector{
		registry: registry,
		next:     []core.ProtocolId{core.ProtoSIP, core.ProtoRTP, core.ProtoRTCP, core.ProtoHEP},
		log:      logger,
	}
}

func (d *UDPDissector) ID() core.ProtocolId   { return core.ProtoUDP }
func (d *UDPDissector) Name() string          { return "udp" }
func (d *UDPDissector) FreeData(*core.Packet) {}

func (d *UDPDissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	if len(payload) < udpHeaderLen {
		return payload, core.ErrPacketTooShort
	}
	result := UDPResult{
		SrcPort: binary.BigEndian.Uint16(payload[0:2]),
		DstPort: binary.BigEndian.Uint16(payload[2:4]),
	}
	packet.SetResult(result)
	rest := payload[udpHeaderLen:]
	if d.registry == nil {
		return rest, nil
	}
	return d.registry.Next(packet, rest, d.next)
}

// TCPConfig bounds the stream reassembly table.
type TCPConfig struct {
	MaxSegments int // default 50
	MaxAgeTicks int // default 1000, §5 TCP_MAX_AGE in "frame ticks"
}

func (c *TCPConfig) setDefaults() {
	if c.MaxSegments <= 0 {
		c.MaxSegments = defaultMaxSegments
	}
	if c.MaxAgeTicks <= 0 {
		c.MaxAgeTicks = defaultMaxAgeTicks
	}
}

// streamKey identifies a TCP stream by its unidirectional 4-tuple, per
// §3's "(src_ip:port, dst_ip:port)".
type streamKey struct {
	srcIP   string
	srcPort uint16
	dstIP   string
	dstPort uint16
}

// tcpStream accumulates segment payloads for one direction of a
// connection, as a single growable buffer — §4.4 requires sub-dissectors
// to run over the WHOLE accumulated buffer on every new segment, not just
// the newly arrived bytes.
type tcpStream struct {
	mu        sync.Mutex
	data      []byte
	packets   []*core.Packet // one entry per contributing segment, in arrival order
	segments  int
	lastTick  int
	createdAt time.Time
}

// TCPDissector reassembles TCP segments into a contiguous per-direction
// buffer and re-invokes its sub-dissectors (SIP, TLS) over the whole
// buffer each time new bytes arrive.
type TCPDissector struct {
	cfg      TCPConfig
	registry *dissect.Registry
	next     []core.ProtocolId
	log      log.Logger

	mu      sync.Mutex
	streams map[streamKey]*tcpStream
	tick    int

	stopGC chan struct{}
}

func NewTCP(cfg TCPConfig, registry *dissect.Registry, logger log.Logger) *TCPDissector {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	d := &TCPDissector{
		cfg:      cfg,
		registry: registry,
		next:     []core.ProtocolId{core.ProtoSIP, core.ProtoTLS},
		log:      logger,
		streams:  make(map[streamKey]*tcpStream),
		stopGC:   make(chan struct{}),
	}
	go d.gcLoop()
	return d
}

// Close stops the periodic GC goroutine (§4.8 close()).
func (d *TCPDissector) Close() { close(d.stopGC) }

func (d *TCPDissector) ID() core.ProtocolId   { return core.ProtoTCP }
func (d *TCPDissector) Name() string          { return "tcp" }
func (d *TCPDissector) FreeData(*core.Packet) {}

func (d *TCPDissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	if len(payload) < tcpHeaderMinLen {
		return payload, core.ErrPacketTooShort
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	seq := binary.BigEndian.Uint32(payload[4:8])
	ack := binary.BigEndian.Uint32(payload[8:12])
	dataOffset := int(payload[12]>>4) * 4
	if dataOffset < tcpHeaderMinLen || len(payload) < dataOffset {
		return payload, core.ErrPacketTooShort
	}
	flags := payload[13] & 0x3F

	packet.SetResult(TCPResult{SrcPort: srcPort, DstPort: dstPort, Seq: seq, Ack: ack, Flags: flags})

	segment := payload[dataOffset:]

	ipRes, _ := packet.Result(core.ProtoIP)
	key := keyFromResult(ipRes, srcPort, dstPort)

	d.mu.Lock()
	d.tick++
	tick := d.tick
	stream, ok := d.streams[key]
	if !ok {
		stream = &tcpStream{createdAt: packet.Time()}
		d.streams[key] = stream
	}
	d.mu.Unlock()

	if len(segment) == 0 {
		// Pure ACK/SYN/FIN control segment: nothing to accumulate.
		return nil, nil
	}

	stream.mu.Lock()
	stream.data = append(stream.data, segment...)
	stream.packets = append(stream.packets, packet.Retain())
	stream.segments++
	stream.lastTick = tick
	buf := stream.data
	stream.mu.Unlock()

	leftover, err := d.runSubDissectors(packet, buf)
	if err != nil {
		return nil, err
	}

	hadSIP := false
	if _, ok := packet.Result(core.ProtoSIP); ok {
		hadSIP = true
	}

	stream.mu.Lock()
	if len(leftover) < len(stream.data) && hadSIP {
		// A sub-dissector consumed a prefix and the packet now carries a
		// SIP result: keep only the pending tail (§4.4).
		stream.data = append([]byte(nil), leftover...)
		for _, p := range stream.packets {
			p.Release()
		}
		stream.packets = stream.packets[:0]
	}
	segCount := stream.segments
	stream.mu.Unlock()

	if segCount > d.cfg.MaxSegments {
		d.dropStream(key, stream)
	}

	return nil, nil
}

// runSubDissectors invokes the sub-dissector chain over the whole
// accumulated buffer, per §4.4.
func (d *TCPDissector) runSubDissectors(packet *core.Packet, buf []byte) ([]byte, error) {
	if d.registry == nil || len(buf) == 0 {
		return buf, nil
	}
	return d.registry.Next(packet, buf, d.next)
}

func (d *TCPDissector) dropStream(key streamKey, stream *tcpStream) {
	stream.mu.Lock()
	for _, p := range stream.packets {
		p.Release()
	}
	stream.mu.Unlock()
	d.mu.Lock()
	delete(d.streams, key)
	d.mu.Unlock()
}

func (d *TCPDissector) gcLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *TCPDissector) sweep() {
	d.mu.Lock()
	currentTick := d.tick
	d.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, stream := range d.streams {
		stream.mu.Lock()
		age := currentTick - stream.lastTick
		stream.mu.Unlock()
		if age > d.cfg.MaxAgeTicks {
			stream.mu.Lock()
			for _, p := range stream.packets {
				p.Release()
			}
			stream.mu.Unlock()
			delete(d.streams, key)
		}
	}
}

// keyFromResult builds a stream key from the IP-layer result if present,
// falling back to an empty-IP key (tests constructing a Packet without an
// IP dissector pass).
func keyFromResult(ipRes core.ParseResult, srcPort, dstPort uint16) streamKey {
	if ipRes == nil {
		return streamKey{srcPort: srcPort, dstPort: dstPort}
	}
	if a, ok := ipRes.(interface{ AddrStrings() (string, string) }); ok {
		src, dst := a.AddrStrings()
		return streamKey{srcIP: src, srcPort: srcPort, dstIP: dst, dstPort: dstPort}
	}
	return streamKey{srcPort: srcPort, dstPort: dstPort}
}
