// Package core defines core data structures with zero external dependencies.
package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one wire-level capture event: a raw byte buffer plus its capture
// timestamp and lengths. A reassembled Packet owns more than one.
type Frame struct {
	TimestampUsec uint64
	Len           uint32
	Caplen        uint32
	Bytes         []byte
}

// Time returns the frame's capture timestamp as a time.Time.
func (f Frame) Time() time.Time {
	return time.UnixMicro(int64(f.TimestampUsec))
}

// Source identifies the capture input a Packet originated from. Dissectors
// and storage only need String() for diagnostics and the HEP-override path.
type Source interface {
	String() string
}

// Packet is a reference-counted aggregate: an input handle, an ordered list
// of frames (more than one after reassembly), and a set of protocol-parse
// results keyed by ProtocolId, at most one per key. Packet is shared across
// its owning Message, any Stream.packets entries, and transient reassembly
// state; it is released — its frame bytes dropped — when the refcount hits
// zero.
type Packet struct {
	mu      sync.RWMutex
	input   Source
	frames  []Frame
	results map[ProtocolId]ParseResult

	refcount int32
}

// NewPacket wraps a single captured frame from the given input source.
func NewPacket(input Source, frame Frame) *Packet {
	p := &Packet{
		input:   input,
		frames:  []Frame{frame},
		results: make(map[ProtocolId]ParseResult, 4),
	}
	p.refcount = 1
	return p
}

// Retain increments the reference count. Call once per new owning
// reference (a Message, a Stream.packets append, a reassembly table entry).
func (p *Packet) Retain() *Packet {
	atomic.AddInt32(&p.refcount, 1)
	return p
}

// Release decrements the reference count. A negative result can only come
// from a bug in the library's own bookkeeping — that is an invariant
// violation, not a caller error.
func (p *Packet) Release() {
	n := atomic.AddInt32(&p.refcount, -1)
	if n < 0 {
		panic(ErrInvariantViolation)
	}
	if n == 0 {
		p.mu.Lock()
		p.frames = nil
		p.results = nil
		p.mu.Unlock()
	}
}

// RefCount reports the current reference count; used by tests asserting
// the "no orphan refcount after clear_all" invariant.
func (p *Packet) RefCount() int32 {
	return atomic.LoadInt32(&p.refcount)
}

// Input returns the capture source this packet arrived from.
func (p *Packet) Input() Source {
	return p.input
}

// Frames returns a copy of the packet's frame list. Frame byte buffers are
// not copied; callers must not mutate Bytes.
func (p *Packet) Frames() []Frame {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Frame, len(p.frames))
	copy(out, p.frames)
	return out
}

// Time returns the timestamp of the last frame — chronologically the
// latest fragment or segment contributing to this packet.
func (p *Packet) Time() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.frames) == 0 {
		return time.Time{}
	}
	return p.frames[len(p.frames)-1].Time()
}

// TimestampUsec is the microsecond-precision form of Time, used by HEP
// timestamp override and by retransmission-window comparisons.
func (p *Packet) TimestampUsec() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.frames) == 0 {
		return 0
	}
	return p.frames[len(p.frames)-1].TimestampUsec
}

// OverrideLastTimestamp replaces the timestamp of the last frame in place,
// per the HEP dissector's override-not-append contract.
func (p *Packet) OverrideLastTimestamp(usec uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return
	}
	p.frames[len(p.frames)-1].TimestampUsec = usec
}

// AppendFrame merges another contributing frame into this packet's frame
// list, used by IP fragment and TCP segment reassembly to record every raw
// frame that contributed to a reassembled payload.
func (p *Packet) AppendFrame(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
}

// SetResult attaches a dissector's parse result to the packet. Only one
// result may exist per ProtocolId; a later write for the same id overwrites
// the earlier one (this only happens on reassembly replay, which
// intentionally recomputes results from scratch).
func (p *Packet) SetResult(r ParseResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.results == nil {
		return
	}
	p.results[r.protocol()] = r
}

// Result returns the parse result stored for id, if any.
func (p *Packet) Result(id ProtocolId) (ParseResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.results[id]
	return r, ok
}

// FreeData drops every attached parse result, per the dissector framework's
// free_data(packet) contract. Frame bytes are untouched — those are
// released only when the refcount reaches zero.
func (p *Packet) FreeData() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.results {
		delete(p.results, k)
	}
}
