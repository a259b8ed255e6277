package storage

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/dissect/sip"
	"sngrep.io/capture/internal/log"
)

// Store is the C10 correlation store: a single-writer, many-reader map of
// Call by Call-ID, an LRU index for max_dialogs eviction, and the
// RTP/RTCP-to-Stream matching table. Grounded on the teacher's
// internal/pipeline "one writer goroutine, many observers" split and its
// internal/eventbus bounded-delivery pattern.
type Store struct {
	cfg Config
	log log.Logger

	mu       sync.RWMutex // guards calls, lru, streamsByTuple, streamsByDst
	calls    map[string]*Call
	lru      *list.List // front = most recently touched
	lruIndex map[string]*list.Element

	streamsByTuple map[tupleKey]*Stream
	streamsByDst   map[core.Address][]*Stream

	retrans *gocache.Cache

	subMu sync.RWMutex
	subs  []*subscriber

	totalCalls      int64
	evictedCalls    int64
	droppedPackets  int64
	orphanedStreams int64
	rtpStreams      int64
}

type tupleKey struct {
	src core.Address
	dst core.Address
}

func New(cfg Config, logger log.Logger) *Store {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{
		cfg:            cfg,
		log:            logger,
		calls:          make(map[string]*Call),
		lru:            list.New(),
		lruIndex:       make(map[string]*list.Element),
		streamsByTuple: make(map[tupleKey]*Stream),
		streamsByDst:   make(map[core.Address][]*Stream),
		retrans:        gocache.New(2*time.Minute, time.Minute),
	}
}

// IngestMessage implements sip.Sink: it creates or updates the owning
// Call, appends the Message, marks retransmissions, cross-links
// X-Call-ID legs, and registers any prospective streams carried in an SDP
// body (§4.5, §4.9).
func (st *Store) IngestMessage(packet *core.Packet, result sip.Result) {
	if result.CallID == "" {
		atomic.AddInt64(&st.droppedPackets, 1)
		return
	}

	st.mu.Lock()
	call, existed := st.calls[result.CallID]
	if !existed {
		call = &Call{ID: result.CallID, CreatedAt: packet.Time()}
		st.calls[result.CallID] = call
		atomic.AddInt64(&st.totalCalls, 1)
	}

	msg := &Message{
		Packet:           packet.Retain(),
		SIP:              result,
		IsRetransmission: st.isRetransmission(result),
		ReceivedAt:       packet.Time(),
	}
	call.Messages = append(call.Messages, msg)
	call.LastMessageTime = packet.Time()

	if result.XCallID != "" {
		call.XCallID = result.XCallID
		if other, ok := st.calls[result.XCallID]; ok {
			other.XCallID = result.CallID
		}
	}

	st.touchLocked(call.ID)
	st.evictIfOverLocked()
	st.mu.Unlock()

	for _, ps := range result.Streams {
		st.ingestStreamHint(ps)
	}

	kind := EventCallUpdated
	if !existed {
		kind = EventCallAdded
	}
	st.publish(Event{Kind: kind, CallID: call.ID, Call: call})
}

// isRetransmission matches §8's boundary behavior: a byte-identical body
// for the same Call-ID/CSeq/method within the configured window is a
// retransmission; a different message (e.g. 100 then 180) is not, even
// within the window. Grounded on the teacher's sessionCache
// (github.com/patrickmn/go-cache) pattern, repurposed here from SDP
// offer/answer correlation to retransmission detection (see DESIGN.md).
func (st *Store) isRetransmission(result sip.Result) bool {
	key := result.CallID + "|" + result.CSeqMethod + "|" + itoa(int(result.CSeqNum))
	digest := itoa(result.StatusCode) + "|" + string(result.Body)
	if cached, ok := st.retrans.Get(key); ok {
		if cached.(string) == digest {
			return true
		}
	}
	st.retrans.Set(key, digest, st.cfg.RetransmissionWindow)
	return false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// touchLocked moves callID to the front of the LRU list. Caller holds mu.
func (st *Store) touchLocked(callID string) {
	if el, ok := st.lruIndex[callID]; ok {
		st.lru.MoveToFront(el)
		return
	}
	st.lruIndex[callID] = st.lru.PushFront(callID)
}

// evictIfOverLocked drops the least-recently-touched call(s) until the
// store is back under both MaxDialogs and MemoryLimitBytes. Caller holds
// mu.
func (st *Store) evictIfOverLocked() {
	for {
		overDialogs := st.cfg.MaxDialogs > 0 && len(st.calls) > st.cfg.MaxDialogs
		overMemory := st.cfg.MemoryLimitBytes > 0 && st.approxMemoryLocked() > st.cfg.MemoryLimitBytes
		if !overDialogs && !overMemory {
			return
		}
		back := st.lru.Back()
		if back == nil {
			return
		}
		st.evictLocked(back.Value.(string))
	}
}

// approxMemoryLocked estimates the store's footprint as the sum of every
// retained message body and a fixed per-message/per-call overhead. This is
// a bound, not an accounting ledger — good enough to decide when to shed
// calls, not to report exact RSS. Caller holds mu.
func (st *Store) approxMemoryLocked() int64 {
	const perCallOverhead = 256
	const perMessageOverhead = 128
	var total int64
	for _, call := range st.calls {
		total += perCallOverhead
		for _, msg := range call.Messages {
			total += perMessageOverhead + int64(len(msg.SIP.Body))
		}
	}
	return total
}

func (st *Store) evictLocked(callID string) {
	call, ok := st.calls[callID]
	if !ok {
		return
	}
	for _, msg := range call.Messages {
		msg.Packet.Release()
	}
	for _, strm := range call.Streams {
		for _, p := range strm.Packets {
			p.Release()
		}
	}
	delete(st.calls, callID)
	if el, ok := st.lruIndex[callID]; ok {
		st.lru.Remove(el)
		delete(st.lruIndex, callID)
	}
	atomic.AddInt64(&st.evictedCalls, 1)
	st.publish(Event{Kind: EventCallEvicted, CallID: callID, Call: call})
}

// Snapshot returns every tracked call. The slice and its Calls are safe to
// read concurrently with further ingestion; mutating them is not.
func (st *Store) Snapshot() []*Call {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Call, 0, len(st.calls))
	for _, c := range st.calls {
		out = append(out, c)
	}
	return out
}

// Get returns the call for id, if tracked.
func (st *Store) Get(id string) (*Call, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	c, ok := st.calls[id]
	return c, ok
}

// Stats returns a point-in-time snapshot of the store's counters.
func (st *Store) Stats() Stats {
	st.mu.RLock()
	displayed := int64(len(st.calls))
	st.mu.RUnlock()
	return Stats{
		TotalCalls:      atomic.LoadInt64(&st.totalCalls),
		DisplayedCalls:  displayed,
		EvictedCalls:    atomic.LoadInt64(&st.evictedCalls),
		DroppedPackets:  atomic.LoadInt64(&st.droppedPackets),
		OrphanedStreams: atomic.LoadInt64(&st.orphanedStreams),
		RTPStreams:      atomic.LoadInt64(&st.rtpStreams),
	}
}

// ClearAll drops every tracked call and releases every retained packet,
// per §4.9's "clear_all" operation. After this call every released
// Packet's RefCount reflects only references still held elsewhere (e.g. a
// capture input's own buffer), never a dangling storage reference.
func (st *Store) ClearAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id := range st.calls {
		st.evictLocked(id)
	}
	for _, strm := range st.streamsByTuple {
		if strm.Orphan {
			for _, p := range strm.Packets {
				p.Release()
			}
		}
	}
	st.streamsByTuple = make(map[tupleKey]*Stream)
	st.streamsByDst = make(map[core.Address][]*Stream)
}

// ClearSoft drops all calls but preserves accumulated statistics counters,
// per §4.9's "clear_soft" operation (a lighter reset used between capture
// runs without losing total/evicted tallies).
func (st *Store) ClearSoft() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id := range st.calls {
		call := st.calls[id]
		for _, msg := range call.Messages {
			msg.Packet.Release()
		}
		for _, strm := range call.Streams {
			for _, p := range strm.Packets {
				p.Release()
			}
		}
		delete(st.calls, id)
	}
	st.lru = list.New()
	st.lruIndex = make(map[string]*list.Element)
	st.streamsByTuple = make(map[tupleKey]*Stream)
	st.streamsByDst = make(map[core.Address][]*Stream)
}
