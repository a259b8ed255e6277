package ipv4

import (
	"encoding/binary"
	"testing"
	"time"

	"sngrep.io/capture/internal/core"
)

type stubSource string

func (s stubSource) String() string { return string(s) }

// buildIPv4Header writes a minimal 20-byte IPv4 header with the given
// fragmentation fields and total length, followed by payload.
func buildIPv4Header(id uint16, flagsAndOffset uint16, payload []byte, totalLen int) []byte {
	buf := make([]byte, 20+len(payload))
	buf[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], flagsAndOffset)
	buf[8] = 64   // TTL
	buf[9] = 17   // UDP
	buf[12], buf[13], buf[14], buf[15] = 10, 0, 0, 1
	buf[16], buf[17], buf[18], buf[19] = 10, 0, 0, 2
	copy(buf[20:], payload)
	return buf
}

func TestUnfragmentedFastPath(t *testing.T) {
	d := New(Config{}, nil, nil)
	defer d.Close()

	payload := []byte("hello udp payload")
	frame := buildIPv4Header(1, 0, payload, 20+len(payload))
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame, TimestampUsec: 1})

	leftover, err := d.Dissect(p, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(leftover) != string(payload) {
		t.Fatalf("expected payload passthrough, got %q", leftover)
	}
	res, ok := p.Result(core.ProtoIP)
	if !ok || res.(Result).Reassembled {
		t.Fatal("expected a non-reassembled IP result")
	}
}

func TestFragmentReassemblyOutOfOrder(t *testing.T) {
	d := New(Config{}, nil, nil)
	defer d.Close()

	full := make([]byte, 24)
	for i := range full {
		full[i] = byte(i)
	}

	// Split into three 8-byte fragments; 20-byte IP header for the final one.
	frag0 := full[0:8]
	frag1 := full[8:16]
	frag2 := full[16:24]

	mf := uint16(0x2000)
	f0 := buildIPv4Header(42, mf|0, frag0, 20+len(frag0))
	f1 := buildIPv4Header(42, mf|1, frag1, 20+len(frag1)) // offset units of 8 bytes
	f2 := buildIPv4Header(42, 2, frag2, 20+len(frag2))    // last fragment, offset=2*8=16

	now := time.Now()
	p0 := core.NewPacket(stubSource("t"), core.Frame{Bytes: f0, TimestampUsec: uint64(now.UnixMicro())})
	p2 := core.NewPacket(stubSource("t"), core.Frame{Bytes: f2, TimestampUsec: uint64(now.UnixMicro()) + 2})
	p1 := core.NewPacket(stubSource("t"), core.Frame{Bytes: f1, TimestampUsec: uint64(now.UnixMicro()) + 1})

	// Arrive out of order: fragment 0, fragment 2 (final), fragment 1.
	if _, err := d.Dissect(p0, f0); err != nil {
		t.Fatalf("frag0: %v", err)
	}
	if _, err := d.Dissect(p2, f2); err != nil {
		t.Fatalf("frag2: %v", err)
	}
	leftover, err := d.Dissect(p1, f1)
	if err != nil {
		t.Fatalf("frag1: %v", err)
	}
	if string(leftover) != string(full) {
		t.Fatalf("expected reassembled payload %v, got %v", full, leftover)
	}
	res, ok := p1.Result(core.ProtoIP)
	if !ok || !res.(Result).Reassembled {
		t.Fatal("expected the completing packet to carry a Reassembled IP result")
	}
}
