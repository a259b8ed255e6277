package storage

import (
	"testing"
	"time"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect/sip"
)

type stubSource string

func (s stubSource) String() string { return string(s) }

func packetAt(usec uint64) *core.Packet {
	return core.NewPacket(stubSource("t"), core.Frame{TimestampUsec: usec})
}

func TestIngestMessageCreatesCall(t *testing.T) {
	st := New(Config{}, nil)
	msg := sip.Result{CallID: "abc", IsRequest: true, Method: sip.MethodINVITE, CSeqNum: 1, CSeqMethod: "INVITE"}
	st.IngestMessage(packetAt(1), msg)

	call, ok := st.Get("abc")
	if !ok || len(call.Messages) != 1 {
		t.Fatalf("expected call abc with one message, got %+v", call)
	}
}

func TestRetransmissionDetection(t *testing.T) {
	st := New(Config{RetransmissionWindow: 500 * time.Millisecond}, nil)
	base := sip.Result{CallID: "c1", IsRequest: true, Method: sip.MethodREGISTER, CSeqNum: 1, CSeqMethod: "REGISTER", Body: []byte("same")}

	st.IngestMessage(packetAt(1), base)
	st.IngestMessage(packetAt(2), base) // byte-identical resend within window -> retransmission

	call, _ := st.Get("c1")
	if len(call.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(call.Messages))
	}
	if call.Messages[0].IsRetransmission {
		t.Fatal("first message must not be marked a retransmission")
	}
	if !call.Messages[1].IsRetransmission {
		t.Fatal("byte-identical resend within window must be marked a retransmission")
	}
}

// TestProvisionalThenFinalIsNotRetransmission covers §8's boundary case:
// a 100 Trying followed by a 180 Ringing for the same transaction is NOT a
// retransmission even though it shares Call-ID/CSeq/method, because the
// status code is part of the retransmission digest (the bodies differ too).
func TestProvisionalThenFinalIsNotRetransmission(t *testing.T) {
	st := New(Config{}, nil)
	trying := sip.Result{CallID: "c1", StatusCode: 100, CSeqNum: 1, CSeqMethod: "INVITE", Body: []byte("a")}
	ringing := sip.Result{CallID: "c1", StatusCode: 180, CSeqNum: 1, CSeqMethod: "INVITE", Body: []byte("b")}

	st.IngestMessage(packetAt(1), trying)
	st.IngestMessage(packetAt(2), ringing)

	call, _ := st.Get("c1")
	if call.Messages[1].IsRetransmission {
		t.Fatal("a different status/body must not be classified as a retransmission")
	}
}

func TestXCallIDBidirectionalLink(t *testing.T) {
	st := New(Config{}, nil)
	st.IngestMessage(packetAt(1), sip.Result{CallID: "leg1", CSeqMethod: "INVITE"})
	st.IngestMessage(packetAt(2), sip.Result{CallID: "leg2", XCallID: "leg1", CSeqMethod: "INVITE"})

	leg1, _ := st.Get("leg1")
	leg2, _ := st.Get("leg2")
	if leg2.XCallID != "leg1" || leg1.XCallID != "leg2" {
		t.Fatalf("expected bidirectional link, got leg1.XCallID=%q leg2.XCallID=%q", leg1.XCallID, leg2.XCallID)
	}
}

func TestMaxDialogsEvictsLRU(t *testing.T) {
	st := New(Config{MaxDialogs: 3}, nil)
	for i, id := range []string{"a", "b", "c", "d"} {
		st.IngestMessage(packetAt(uint64(i+1)), sip.Result{CallID: id, CSeqMethod: "INVITE"})
	}
	if _, ok := st.Get("a"); ok {
		t.Fatal("expected the least-recently-touched call 'a' to be evicted")
	}
	if len(st.Snapshot()) != 3 {
		t.Fatalf("expected exactly 3 calls retained, got %d", len(st.Snapshot()))
	}
}

func TestMediaMatchesSDPRegisteredStream(t *testing.T) {
	st := New(Config{}, nil)
	addr, _ := core.ParseAddress("10.0.0.5", 49170)
	st.IngestMessage(packetAt(1), sip.Result{
		CallID: "withmedia",
		Streams: []sip.ProspectiveStream{
			{CallID: "withmedia", Addr: addr, MediaType: "audio", RTPMap: map[int]string{0: "PCMU/8000"}},
		},
	})

	src, _ := core.ParseAddress("10.0.0.9", 40000)
	st.IngestMedia(packetAt(2), core.ProtoRTP, src, addr)
	st.IngestMedia(packetAt(3), core.ProtoRTP, src, addr)

	call, _ := st.Get("withmedia")
	if len(call.Streams) != 1 || len(call.Streams[0].Packets) != 2 {
		t.Fatalf("expected one stream with 2 matched packets, got %+v", call.Streams)
	}
}

func TestOrphanStreamForUnmatchedMedia(t *testing.T) {
	st := New(Config{}, nil)
	src, _ := core.ParseAddress("10.0.0.9", 40000)
	dst, _ := core.ParseAddress("10.0.0.5", 49170)
	st.IngestMedia(packetAt(1), core.ProtoRTP, src, dst)

	stats := st.Stats()
	if stats.OrphanedStreams != 1 {
		t.Fatalf("expected one orphaned stream, got %d", stats.OrphanedStreams)
	}
}

func TestMediaOnlyKnownCallsDropsUnmatched(t *testing.T) {
	st := New(Config{MediaOnlyKnownCalls: true}, nil)
	src, _ := core.ParseAddress("10.0.0.9", 40000)
	dst, _ := core.ParseAddress("10.0.0.5", 49170)
	st.IngestMedia(packetAt(1), core.ProtoRTP, src, dst)

	stats := st.Stats()
	if stats.DroppedPackets != 1 || stats.OrphanedStreams != 0 {
		t.Fatalf("expected the packet dropped, not orphaned: %+v", stats)
	}
}

func TestClearAllReleasesAllPacketRefs(t *testing.T) {
	st := New(Config{}, nil)
	p := packetAt(1)
	st.IngestMessage(p, sip.Result{CallID: "x", CSeqMethod: "INVITE"})
	if p.RefCount() != 2 { // caller's own ref + storage's retained ref
		t.Fatalf("expected refcount 2 before clear, got %d", p.RefCount())
	}
	st.ClearAll()
	if p.RefCount() != 1 {
		t.Fatalf("expected storage's reference released after ClearAll, got refcount %d", p.RefCount())
	}
	if len(st.Snapshot()) != 0 {
		t.Fatal("expected no calls after ClearAll")
	}
}

func TestSubscribeReceivesCallAddedEvent(t *testing.T) {
	st := New(Config{}, nil)
	events, unsub := st.Subscribe()
	defer unsub()

	st.IngestMessage(packetAt(1), sip.Result{CallID: "x", CSeqMethod: "INVITE"})

	select {
	case ev := <-events:
		if ev.Kind != EventCallAdded || ev.CallID != "x" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a call_added event to be queued")
	}
}
