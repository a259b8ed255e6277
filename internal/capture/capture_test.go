package capture

import (
	"context"
	"net"
	"testing"
	"time"

	"sngrep.io/capture/internal/core"
)

func TestHEPInputEntryProtocolIsHEP(t *testing.T) {
	in := NewHEPInput("127.0.0.1:0", nil)
	if in.EntryProtocol() != core.ProtoHEP {
		t.Fatalf("expected HEP entry protocol, got %v", in.EntryProtocol())
	}
}

func TestHEPInputReceivesDatagram(t *testing.T) {
	in := NewHEPInput("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := in.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer in.Close()

	laddr := in.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, laddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	payload := []byte("HEP3test")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case frame := <-in.Frames():
		if string(frame.Data) != string(payload) {
			t.Fatalf("expected %q, got %q", payload, frame.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}

	if in.Status() != StatusRunning {
		t.Fatalf("expected running status, got %v", in.Status())
	}
}

func TestPauseAndResumeTransitions(t *testing.T) {
	in := NewHEPInput("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer in.Close()

	if err := in.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if in.Status() != StatusPaused {
		t.Fatalf("expected paused, got %v", in.Status())
	}
	if err := in.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if in.Status() != StatusRunning {
		t.Fatalf("expected running after resume, got %v", in.Status())
	}
}

func TestPauseFromWrongStateErrors(t *testing.T) {
	in := NewHEPInput("127.0.0.1:0", nil)
	if err := in.Pause(); err == nil {
		t.Fatal("expected an error pausing an idle input")
	}
}

func TestRecomputeSizeProducesAlignedValues(t *testing.T) {
	frameSize, blockSize, numBlocks, err := recomputeSize(8, 65536, 4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameSize%16 != 0 {
		t.Fatalf("frame size %d not aligned to 16", frameSize)
	}
	if blockSize%4096 != 0 {
		t.Fatalf("block size %d not a multiple of page size", blockSize)
	}
	if numBlocks < 1 {
		t.Fatalf("expected at least one block, got %d", numBlocks)
	}
}

func TestRecomputeSizeRejectsNonPositiveInputs(t *testing.T) {
	if _, _, _, err := recomputeSize(0, 65536, 4096); err == nil {
		t.Fatal("expected an error for a non-positive ring buffer size")
	}
}
