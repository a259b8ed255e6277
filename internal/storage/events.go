package storage

import "sync/atomic"

// subscriber is one observer's bounded event channel. Grounded on the
// teacher's internal/eventbus partition queues, simplified to a single
// per-subscriber channel since storage already serializes all publishes
// behind its single writer lock — there's no need for eventbus's
// CallID-hashed partitioning here.
type subscriber struct {
	ch      chan Event
	dropped int64
}

func newSubscriber(size int) *subscriber {
	return &subscriber{ch: make(chan Event, size)}
}

// publish delivers ev without blocking the writer: a full channel drops
// the oldest queued event and counts it, per §5's backpressure policy.
func (s *subscriber) publish(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		atomic.AddInt64(&s.dropped, 1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Dropped reports how many events this subscriber has lost to backpressure.
func (s *subscriber) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

// Subscribe registers a new observer and returns its event channel plus an
// unsubscribe function. The channel is closed by unsubscribe.
func (st *Store) Subscribe() (<-chan Event, func()) {
	sub := newSubscriber(st.cfg.EventQueueSize)
	st.subMu.Lock()
	st.subs = append(st.subs, sub)
	st.subMu.Unlock()

	unsub := func() {
		st.subMu.Lock()
		defer st.subMu.Unlock()
		for i, s := range st.subs {
			if s == sub {
				st.subs = append(st.subs[:i], st.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsub
}

func (st *Store) publish(ev Event) {
	st.subMu.RLock()
	defer st.subMu.RUnlock()
	for _, s := range st.subs {
		s.publish(ev)
	}
}
