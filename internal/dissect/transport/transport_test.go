package transport

import (
	"encoding/binary"
	"testing"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect"
)

type stubSource string

func (s stubSource) String() string { return string(s) }

func buildUDPHeader(src, dst uint16, payload []byte) []byte {
	buf := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], src)
	binary.BigEndian.PutUint16(buf[2:4], dst)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)))
	copy(buf[udpHeaderLen:], payload)
	return buf
}

func TestUDPStripsHeader(t *testing.T) {
	d := NewUDP(nil, nil)
	payload := []byte("RTP-ish bytes")
	frame := buildUDPHeader(5060, 5060, payload)

	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	leftover, err := d.Dissect(p, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(leftover) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, leftover)
	}
	res, ok := p.Result(core.ProtoUDP)
	if !ok || res.(UDPResult).DstPort != 5060 {
		t.Fatal("expected UDP result with dst port 5060")
	}
}

func buildTCPHeader(src, dst uint16, seq, ack uint32, flags uint8, payload []byte) []byte {
	buf := make([]byte, tcpHeaderMinLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], src)
	binary.BigEndian.PutUint16(buf[2:4], dst)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = 5 << 4 // data offset = 5 words = 20 bytes
	buf[13] = flags
	copy(buf[tcpHeaderMinLen:], payload)
	return buf
}

// stubSIP consumes the whole buffer once it looks like "SIP/2.0" is
// present, simulating the real SIP dissector's all-or-nothing behavior for
// this reassembly test.
type stubSIP struct{ consumed [][]byte }

func (s *stubSIP) ID() core.ProtocolId { return core.ProtoSIP }
func (s *stubSIP) Name() string        { return "stub-sip" }
func (s *stubSIP) FreeData(*core.Packet) {}
func (s *stubSIP) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	s.consumed = append(s.consumed, append([]byte(nil), payload...))
	const want = "INVITE sip:bob@example.com SIP/2.0\r\n\r\n"
	if len(payload) < len(want) {
		return payload, nil // not enough bytes yet, unchanged
	}
	packet.SetResult(sipMarker{})
	return payload[len(want):], nil
}

type sipMarker struct{}

func (sipMarker) protocol() core.ProtocolId { return core.ProtoSIP }

func TestTCPReassemblyAcrossTwoSegments(t *testing.T) {
	reg := dissect.NewRegistry(nil)
	stub := &stubSIP{}
	reg.Register(stub)

	d := NewTCP(TCPConfig{}, reg, nil)
	defer d.Close()

	full := []byte("INVITE sip:bob@example.com SIP/2.0\r\n\r\n")
	seg1 := full[:20]
	seg2 := full[20:]

	f1 := buildTCPHeader(5060, 5060, 1, 1, FlagPSH|FlagACK, seg1)
	p1 := core.NewPacket(stubSource("t"), core.Frame{Bytes: f1})
	if _, err := d.Dissect(p1, f1); err != nil {
		t.Fatalf("segment 1: %v", err)
	}
	if _, ok := p1.Result(core.ProtoSIP); ok {
		t.Fatal("did not expect a SIP result after only the first segment")
	}

	f2 := buildTCPHeader(5060, 5060, 1+uint32(len(seg1)), 1, FlagPSH|FlagACK, seg2)
	p2 := core.NewPacket(stubSource("t"), core.Frame{Bytes: f2})
	if _, err := d.Dissect(p2, f2); err != nil {
		t.Fatalf("segment 2: %v", err)
	}
	if _, ok := p2.Result(core.ProtoSIP); !ok {
		t.Fatal("expected a SIP result once the full message had arrived")
	}
	if len(stub.consumed) != 2 {
		t.Fatalf("expected the sub-dissector invoked once per segment, got %d", len(stub.consumed))
	}
	if string(stub.consumed[1]) != string(full) {
		t.Fatalf("expected the second invocation to see the WHOLE accumulated buffer, got %q", stub.consumed[1])
	}
}
