package link

import (
	"testing"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect"
)

type stubSource string

func (s stubSource) String() string { return string(s) }

func TestEthernetHeaderStripping(t *testing.T) {
	reg := dissect.NewRegistry(nil)
	d := New(DLT_EN10MB, reg, nil)

	frame := make([]byte, 20)
	copy(frame[12:14], []byte{0x08, 0x00}) // EtherType IPv4

	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	leftover, err := d.Dissect(p, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leftover) != 6 {
		t.Fatalf("expected 6 bytes leftover after 14-byte header, got %d", len(leftover))
	}
	res, ok := p.Result(core.ProtoLink)
	if !ok {
		t.Fatal("expected a link parse result")
	}
	if res.(linkResult).EtherType != etherTypeIPv4 {
		t.Fatalf("expected IPv4 ethertype, got %x", res.(linkResult).EtherType)
	}
}

func TestEthernetVLANTagAddsFourBytes(t *testing.T) {
	reg := dissect.NewRegistry(nil)
	d := New(DLT_EN10MB, reg, nil)

	frame := make([]byte, 24)
	copy(frame[12:14], []byte{0x81, 0x00}) // VLAN tag
	copy(frame[16:18], []byte{0x08, 0x00}) // inner EtherType IPv4

	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	leftover, err := d.Dissect(p, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leftover) != 6 {
		t.Fatalf("expected 6 bytes leftover after 18-byte header, got %d", len(leftover))
	}
}

func TestRawHasNoHeader(t *testing.T) {
	d := New(DLT_RAW, nil, nil)
	payload := []byte{0x45, 0x00, 0x00, 0x14}
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: payload})
	leftover, err := d.Dissect(p, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leftover) != len(payload) {
		t.Fatal("RAW DLT should strip zero bytes")
	}
}

func TestUnknownDLTDropsPacket(t *testing.T) {
	d := New(DLT(9999), nil, nil)
	payload := []byte{0x01, 0x02}
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: payload})
	_, err := d.Dissect(p, payload)
	if err != core.ErrUnknownLinkType {
		t.Fatalf("expected ErrUnknownLinkType, got %v", err)
	}
}

func TestNFLOGWalksToPayload(t *testing.T) {
	d := New(DLT_NFLOG, nil, nil)
	// 4-byte NFLOG header, then one TLV of length 8 type 1 (not payload),
	// then a TLV marking NFULA_PAYLOAD (9).
	data := make([]byte, 4+8+4)
	// skip first TLV content, set type=1 len=8
	data[4] = 8
	data[4+2] = 1
	// second TLV header: len doesn't matter past this point
	data[12] = 4
	data[12+2] = nfulaPayload

	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: data})
	leftover, err := d.Dissect(p, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leftover) != len(data)-16 {
		t.Fatalf("expected leftover starting right after the payload TLV header, got %d bytes", len(leftover))
	}
}
