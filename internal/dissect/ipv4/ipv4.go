// Package ipv4 implements the IP dissector (C4): IPv4/IPv6 header parsing
// and IPv4 fragment reassembly (BSD-Right algorithm). Grounded on the
// teacher's internal/core/decoder/{ip.go,reassembly.go,rate_limiter.go}.
package ipv4

import (
	"container/list"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect"
	"sngrep.io/capture/internal/log"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	protocolTCP = 6
	protocolUDP = 17

	// BSD-Right reassembly bounds (RFC 791).
	ipv4MinFragSize    = 1
	ipv4MaxSize        = 65535
	ipv4MaxFragOffset  = 8191
	ipv4MaxFragListLen = 8192
)

// Result is the C4 IP-layer parse result attached to a Packet.
type Result struct {
	Version    uint8
	Src, Dst   netip.Addr
	Protocol   uint8
	TTL        uint8
	TotalLen   uint16
	Reassembled bool
}

func (Result) protocol() core.ProtocolId { return core.ProtoIP }

// AddrStrings returns the source/destination addresses as strings, used by
// the transport dissector to key TCP streams without importing netip
// comparisons of its own.
func (r Result) AddrStrings() (string, string) {
	return r.Src.String(), r.Dst.String()
}

// Config bounds the fragment reassembly tables (§5's IP_FRAGMENT_MAX_AGE
// and related limits).
type Config struct {
	MaxFragmentsPerFlow int           // default 100
	MaxReassembledSize  int           // default 65535
	FragmentMaxAge      time.Duration // default 30s, §5 IP_FRAGMENT_MAX_AGE
	MaxFragsPerSourceIP int           // 0 disables per-source rate limiting
	RateLimitWindow     time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxFragmentsPerFlow <= 0 {
		c.MaxFragmentsPerFlow = 100
	}
	if c.MaxReassembledSize <= 0 {
		c.MaxReassembledSize = ipv4MaxSize
	}
	if c.FragmentMaxAge <= 0 {
		c.FragmentMaxAge = 30 * time.Second
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = 10 * time.Second
	}
}

// Dissector implements dissect.Dissector for IPv4/IPv6, owning the
// fragment reassembly table. It is the writer-goroutine-owned state §5
// describes — callers must not share one Dissector across goroutines
// without external synchronization (the internal maps ARE synchronized,
// but the single-writer model means there is normally only one caller).
type Dissector struct {
	cfg      Config
	registry *dissect.Registry
	log      log.Logger

	mu          sync.Mutex
	flows       map[fragmentKey]*fragmentList
	rateLimiter *rateLimiter

	stopCleanup chan struct{}
}

// New builds an IP dissector. registry supplies the UDP/TCP sub-dissectors
// it hands reassembled (or already-whole) payloads to.
func New(cfg Config, registry *dissect.Registry, logger log.Logger) *Dissector {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	d := &Dissector{
		cfg:         cfg,
		registry:    registry,
		log:         logger,
		flows:       make(map[fragmentKey]*fragmentList),
		stopCleanup: make(chan struct{}),
	}
	if cfg.MaxFragsPerSourceIP > 0 {
		d.rateLimiter = newRateLimiter(cfg.MaxFragsPerSourceIP, cfg.RateLimitWindow)
	}
	go d.cleanupLoop()
	return d
}

// Close stops the background GC goroutine; CaptureEngine.Close calls it.
// Fragments still pending in the reassembly table are left in place, not
// flushed.
func (d *Dissector) Close() {
	close(d.stopCleanup)
}

func (d *Dissector) ID() core.ProtocolId   { return core.ProtoIP }
func (d *Dissector) Name() string          { return "ip" }
func (d *Dissector) FreeData(*core.Packet) {}

func (d *Dissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return payload, core.ErrPacketTooShort
	}
	version := payload[0] >> 4
	switch version {
	case 4:
		return d.dissectIPv4(packet, payload)
	case 6:
		return d.dissectIPv6(packet, payload)
	default:
		return payload, core.ErrUnsupportedProto
	}
}

func (d *Dissector) dissectIPv6(packet *core.Packet, data []byte) ([]byte, error) {
	if len(data) < ipv6HeaderLen {
		return data, core.ErrPacketTooShort
	}
	payloadLen := binary.BigEndian.Uint16(data[4:6])
	next := data[6]
	hop := data[7]
	src, ok := netip.AddrFromSlice(data[8:24])
	if !ok {
		return data, core.ErrPacketTooShort
	}
	dst, ok := netip.AddrFromSlice(data[24:40])
	if !ok {
		return data, core.ErrPacketTooShort
	}

	packet.SetResult(Result{
		Version:  6,
		Src:      src,
		Dst:      dst,
		Protocol: next,
		TTL:      hop,
		TotalLen: ipv6HeaderLen + payloadLen,
	})

	rest := data[ipv6HeaderLen:]
	return d.forward(packet, rest, next)
}

func (d *Dissector) dissectIPv4(packet *core.Packet, data []byte) ([]byte, error) {
	if len(data) < ipv4HeaderMinLen {
		return data, core.ErrPacketTooShort
	}
	ihl := int(data[0]&0x0F) * 4
	if ihl < ipv4HeaderMinLen || len(data) < ihl {
		return data, core.ErrPacketTooShort
	}

	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < ihl || totalLen > len(data) {
		totalLen = len(data)
	}

	id := binary.BigEndian.Uint16(data[4:6])
	flagsOffset := binary.BigEndian.Uint16(data[6:8])
	moreFragments := flagsOffset&0x2000 != 0
	fragOffset := flagsOffset & 0x1FFF

	ttl := data[8]
	protocol := data[9]
	src, ok := netip.AddrFromSlice(data[12:16])
	if !ok {
		return data, core.ErrPacketTooShort
	}
	dst, ok := netip.AddrFromSlice(data[16:20])
	if !ok {
		return data, core.ErrPacketTooShort
	}

	result := Result{
		Version:  4,
		Src:      src,
		Dst:      dst,
		Protocol: protocol,
		TTL:      ttl,
		TotalLen: uint16(totalLen),
	}

	if !moreFragments && fragOffset == 0 {
		packet.SetResult(result)
		return d.forward(packet, data[ihl:totalLen], protocol)
	}

	// Fragmented: hand off to the reassembly table. The reassembled
	// payload (if any) is forwarded once complete; until then this
	// Packet is parked and dissection returns "fully consumed, no error".
	byteOffset := fragOffset * 8
	fragPayloadLen := uint16(totalLen - ihl)

	if err := securityChecks(fragPayloadLen, fragOffset); err != nil {
		return nil, err
	}
	if d.rateLimiter != nil && !d.rateLimiter.allow(src, packet.Time()) {
		return nil, core.ErrReassemblyLimit
	}

	key := fragmentKey{src: src, dst: dst, protocol: protocol, id: id}

	d.mu.Lock()
	fl, exists := d.flows[key]
	if !exists {
		fl = &fragmentList{}
		d.flows[key] = fl
	}
	d.mu.Unlock()

	payload := make([]byte, fragPayloadLen)
	copy(payload, data[ihl:totalLen])

	fl.mu.Lock()
	if fl.list.Len() >= d.cfg.MaxFragmentsPerFlow || fl.list.Len() >= ipv4MaxFragListLen {
		fl.mu.Unlock()
		d.evictFlow(key)
		return nil, core.ErrReassemblyLimit
	}
	fl.lastSeen = packet.Time()
	if !moreFragments {
		fl.finalReceived = true
		if end := byteOffset + fragPayloadLen; end > fl.highest {
			fl.highest = end
		}
	}
	fl.insertBSDRight(&fragment{offset: byteOffset, length: fragPayloadLen, payload: payload, srcPacket: packet})

	complete := fl.finalReceived && fl.current >= fl.highest
	var reassembled []byte
	var reassembleErr error
	if complete {
		reassembled, reassembleErr = fl.build(d.cfg.MaxReassembledSize)
	}
	fl.mu.Unlock()

	if !complete {
		return nil, nil
	}

	d.evictFlow(key)
	if reassembleErr != nil {
		return nil, reassembleErr
	}

	// Merge every contributing fragment's frame(s) into this packet's
	// frame list, per §4.3's "merge frames from all contributing packets
	// into one packet's frame list".
	for _, f := range fl.list {
		if f.srcPacket != packet {
			for _, fr := range f.srcPacket.Frames() {
				packet.AppendFrame(fr)
			}
		}
	}

	result.Reassembled = true
	packet.SetResult(result)
	return d.forward(packet, reassembled, protocol)
}

func (d *Dissector) forward(packet *core.Packet, payload []byte, protocol uint8) ([]byte, error) {
	if d.registry == nil {
		return payload, nil
	}
	var candidates []core.ProtocolId
	switch protocol {
	case protocolTCP:
		candidates = []core.ProtocolId{core.ProtoTCP}
	case protocolUDP:
		candidates = []core.ProtocolId{core.ProtoUDP}
	default:
		return payload, nil
	}
	return d.registry.Next(packet, payload, candidates)
}

func (d *Dissector) evictFlow(key fragmentKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.flows, key)
}

func (d *Dissector) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCleanup:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Dissector) sweep() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, fl := range d.flows {
		fl.mu.Lock()
		expired := now.Sub(fl.lastSeen) > d.cfg.FragmentMaxAge
		fl.mu.Unlock()
		if expired {
			delete(d.flows, key)
		}
	}
}

func securityChecks(fragSize, fragOffset uint16) error {
	if fragSize < ipv4MinFragSize {
		return core.ErrPacketTooShort
	}
	if fragOffset > ipv4MaxFragOffset {
		return core.ErrReassemblyLimit
	}
	if uint32(fragOffset)*8+uint32(fragSize) > ipv4MaxSize {
		return core.ErrReassemblyLimit
	}
	return nil
}

// fragmentKey uniquely identifies a fragmented IPv4 datagram, per §3's
// "(src_ip, dst_ip, ip_id)".
type fragmentKey struct {
	src, dst netip.Addr
	protocol uint8
	id       uint16
}

// fragment is one contributing slice of a reassembling datagram.
type fragment struct {
	offset, length uint16
	payload        []byte
	srcPacket      *core.Packet
}

// fragmentList holds one flow's fragments in offset order, BSD-Right
// style: existing (earlier-arrived) data wins on overlap.
type fragmentList struct {
	mu            sync.Mutex
	list          []*fragment
	highest       uint16
	current       uint16
	finalReceived bool
	lastSeen      time.Time
}

// insertBSDRight inserts frag into the ordered list, trimming any portion
// that overlaps an already-accepted fragment. Must be called with fl.mu
// held.
func (fl *fragmentList) insertBSDRight(frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	insertAt := len(fl.list)
	for i, existing := range fl.list {
		if existing.offset >= frag.offset {
			insertAt = i
			break
		}
	}

	startAt := frag.offset
	if insertAt > 0 {
		prev := fl.list[insertAt-1]
		if prevEnd := prev.offset + prev.length; prevEnd > startAt {
			startAt = prevEnd
		}
	}
	endAt := fragEnd
	if insertAt < len(fl.list) {
		next := fl.list[insertAt]
		if next.offset < endAt {
			endAt = next.offset
		}
	}
	if startAt >= endAt {
		return // fully overlapped by existing fragments
	}

	trimmed := &fragment{
		offset:    startAt,
		length:    endAt - startAt,
		payload:   frag.payload[startAt-frag.offset : endAt-frag.offset],
		srcPacket: frag.srcPacket,
	}

	fl.list = append(fl.list, nil)
	copy(fl.list[insertAt+1:], fl.list[insertAt:])
	fl.list[insertAt] = trimmed
	fl.current += trimmed.length
}

// build concatenates all accepted fragments into one contiguous payload.
// Must be called with fl.mu held.
func (fl *fragmentList) build(maxSize int) ([]byte, error) {
	if int(fl.highest) > maxSize {
		return nil, core.ErrReassemblyLimit
	}
	out := make([]byte, fl.highest)
	for _, f := range fl.list {
		copy(out[f.offset:f.offset+f.length], f.payload)
	}
	return out, nil
}

// rateLimiter bounds the fragment arrival rate per source IP, a DoS
// defense grounded on the teacher's internal/core/decoder/rate_limiter.go.
type rateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	maxCount int
	seen     map[netip.Addr]*list.List
}

func newRateLimiter(maxCount int, window time.Duration) *rateLimiter {
	return &rateLimiter{maxCount: maxCount, window: window, seen: make(map[netip.Addr]*list.List)}
}

func (r *rateLimiter) allow(src netip.Addr, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.seen[src]
	if !ok {
		l = list.New()
		r.seen[src] = l
	}
	cutoff := now.Add(-r.window)
	for e := l.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			l.Remove(e)
		}
		e = next
	}
	if l.Len() >= r.maxCount {
		return false
	}
	l.PushBack(now)
	return true
}
