package rtp

import (
	"encoding/binary"
	"testing"

	"sngrep.io/capture/internal/core"
)

type stubSource string

func (s stubSource) String() string { return string(s) }

func buildRTP(pt uint8, seq uint16, ts, ssrc uint32) []byte {
	buf := make([]byte, rtpMinLength)
	buf[0] = 0x80 // version 2
	buf[1] = pt
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	return buf
}

func TestRTPStaticPayloadName(t *testing.T) {
	d := NewRTP()
	frame := buildRTP(0, 1, 1000, 0xdeadbeef)
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	if _, err := d.Dissect(p, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, ok := p.Result(core.ProtoRTP)
	if !ok || res.(RTPResult).PayloadName != "PCMU" {
		t.Fatalf("expected PCMU for PT 0, got %+v", res)
	}
}

func TestRTPDynamicPayloadNameEmpty(t *testing.T) {
	d := NewRTP()
	frame := buildRTP(96, 1, 1000, 1)
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	if _, err := d.Dissect(p, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, _ := p.Result(core.ProtoRTP)
	if res.(RTPResult).PayloadName != "" {
		t.Fatalf("expected empty name for dynamic PT 96, got %q", res.(RTPResult).PayloadName)
	}
}

func buildRTCPHeader(pt uint8, rc uint8, ssrc uint32, extra []byte) []byte {
	buf := make([]byte, rtcpHdrLength+4+len(extra))
	buf[0] = 0x80 | (rc & 0x1F)
	buf[1] = pt
	binary.BigEndian.PutUint16(buf[2:4], uint16((len(buf)/4)-1))
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	copy(buf[8:], extra)
	return buf
}

func TestRTCPSenderReportSenderCount(t *testing.T) {
	d := NewRTCP()
	extra := make([]byte, 20) // ntp(8) rtp_ts(4) packet_count(4) octet_count(4)
	binary.BigEndian.PutUint32(extra[12:16], 42) // packet count field
	frame := buildRTCPHeader(ptSR, 0, 0x1111, extra)
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	if _, err := d.Dissect(p, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, ok := p.Result(core.ProtoRTCP)
	if !ok || res.(RTCPResult).PayloadType != ptSR {
		t.Fatalf("expected SR result, got %+v", res)
	}
	if res.(RTCPResult).SenderCount != 42 {
		t.Fatalf("expected sender packet count 42, got %d", res.(RTCPResult).SenderCount)
	}
}

func TestRTCPNotRecognizedWhenOutOfRange(t *testing.T) {
	d := NewRTCP()
	frame := buildRTCPHeader(100, 0, 1, nil) // PT byte 100 is outside 192-223
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	leftover, err := d.Dissect(p, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(leftover) != string(frame) {
		t.Fatal("expected unchanged payload for non-RTCP PT byte")
	}
}

func TestRTCPXRVoIPMetrics(t *testing.T) {
	d := NewRTCP()

	block := make([]byte, 36) // 4-byte block header + 32-byte content
	block[0] = xrVoipMetrics
	binary.BigEndian.PutUint16(block[2:4], 8) // length field = 8 words -> (8+1)*4=36 bytes
	binary.BigEndian.PutUint32(block[4:8], 0x2222)
	block[4+4] = 5  // loss rate
	block[4+5] = 2  // discard rate
	block[4+22] = 30 // MOS-LQ
	block[4+23] = 35 // MOS-CQ

	frame := buildRTCPHeader(ptXR, 0, 0x1111, block)
	p := core.NewPacket(stubSource("t"), core.Frame{Bytes: frame})
	if _, err := d.Dissect(p, frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, ok := p.Result(core.ProtoRTCP)
	if !ok {
		t.Fatal("expected an RTCP result")
	}
	metrics := res.(RTCPResult).VoIPMetrics
	if metrics == nil {
		t.Fatal("expected VoIP metrics block parsed")
	}
	if metrics.LossRate != 5 || metrics.DiscardRate != 2 || metrics.MOSLQ != 30 || metrics.MOSCQ != 35 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}
