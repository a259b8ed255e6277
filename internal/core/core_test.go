package core

import (
	"errors"
	"net/netip"
	"testing"
)

type stubSource string

func (s stubSource) String() string { return string(s) }

func TestAddressEquality(t *testing.T) {
	a := Address{IP: netip.MustParseAddr("10.0.0.1"), Port: 5060}
	b := Address{IP: netip.MustParseAddr("10.0.0.1"), Port: 5060}
	if !a.Equal(b) {
		t.Fatal("expected equal addresses to compare equal")
	}

	wildcard := Address{IP: netip.MustParseAddr("10.0.0.1"), Port: 0}
	if !a.Equal(wildcard) {
		t.Fatal("expected zero port to act as a wildcard")
	}

	other := Address{IP: netip.MustParseAddr("10.0.0.2"), Port: 5060}
	if a.Equal(other) {
		t.Fatal("expected different IPs to compare unequal")
	}
}

func TestPacketTimeIsLastFrame(t *testing.T) {
	p := NewPacket(stubSource("file"), Frame{TimestampUsec: 1000, Bytes: []byte("a")})
	p.AppendFrame(Frame{TimestampUsec: 2000, Bytes: []byte("b")})
	p.AppendFrame(Frame{TimestampUsec: 1500, Bytes: []byte("c")})

	if got := p.TimestampUsec(); got != 1500 {
		t.Fatalf("expected packet time to be the last frame's timestamp (1500), got %d", got)
	}
	if len(p.Frames()) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(p.Frames()))
	}
}

func TestPacketOverrideLastTimestamp(t *testing.T) {
	p := NewPacket(stubSource("hep"), Frame{TimestampUsec: 1, Bytes: []byte("x")})
	p.OverrideLastTimestamp(99)
	if got := p.TimestampUsec(); got != 99 {
		t.Fatalf("expected overridden timestamp 99, got %d", got)
	}
	if len(p.Frames()) != 1 {
		t.Fatal("override must not append a new frame")
	}
}

func TestPacketRefCounting(t *testing.T) {
	p := NewPacket(stubSource("file"), Frame{Bytes: []byte("x")})
	if p.RefCount() != 1 {
		t.Fatalf("expected initial refcount 1, got %d", p.RefCount())
	}
	p.Retain()
	p.Retain()
	if p.RefCount() != 3 {
		t.Fatalf("expected refcount 3 after two retains, got %d", p.RefCount())
	}
	p.Release()
	p.Release()
	p.Release()
	if p.RefCount() != 0 {
		t.Fatalf("expected refcount 0 after releasing all references, got %d", p.RefCount())
	}
	if len(p.Frames()) != 0 {
		t.Fatal("expected frames to be dropped once refcount reaches zero")
	}
}

func TestPacketReleaseBelowZeroPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on over-release")
		}
		if !errors.Is(r.(error), ErrInvariantViolation) {
			t.Fatalf("expected ErrInvariantViolation panic, got %v", r)
		}
	}()
	p := NewPacket(stubSource("file"), Frame{Bytes: []byte("x")})
	p.Release()
	p.Release()
}

type stubResult struct{ id ProtocolId }

func (s stubResult) protocol() ProtocolId { return s.id }

func TestPacketResultsAtMostOnePerProtocol(t *testing.T) {
	p := NewPacket(stubSource("file"), Frame{Bytes: []byte("x")})
	p.SetResult(stubResult{id: ProtoIP})
	p.SetResult(stubResult{id: ProtoIP})

	if _, ok := p.Result(ProtoIP); !ok {
		t.Fatal("expected a stored IP result")
	}
	if _, ok := p.Result(ProtoTCP); ok {
		t.Fatal("expected no TCP result stored")
	}

	p.FreeData()
	if _, ok := p.Result(ProtoIP); ok {
		t.Fatal("expected FreeData to clear all results")
	}
}

func TestProtocolIdString(t *testing.T) {
	if ProtoSIP.String() != "sip" {
		t.Fatalf("expected 'sip', got %q", ProtoSIP.String())
	}
	if ProtocolId(200).String() != "unknown" {
		t.Fatalf("expected 'unknown' for an unregistered id")
	}
}
