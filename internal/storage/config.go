package storage

import "time"

// Config bounds the correlation store, per spec.md §5's eviction knobs and
// §4.5's retransmission window.
type Config struct {
	// MaxDialogs caps the number of concurrently tracked calls; 0 means
	// unlimited. Exceeding it evicts the least-recently-touched call
	// (§4.9, "max_dialogs eviction LRU-by-last-message-timestamp").
	MaxDialogs int

	// MemoryLimitBytes caps the store's approximate memory footprint; 0
	// means unlimited. Exceeding it evicts LRU calls until back under the
	// limit (§4.9 "memory cap eviction").
	MemoryLimitBytes int64

	// RetransmissionWindow is the time window within which a byte-identical
	// message with the same Call-ID/CSeq/method is a retransmission rather
	// than a new message (§4.5, default 500ms, §8's "100→180 is NOT a
	// retransmission; byte-identical REGISTER resend within 500ms IS").
	RetransmissionWindow time.Duration

	// MediaOnlyKnownCalls, when true, drops an RTP/RTCP packet that can't
	// be matched to a known Stream instead of creating an orphan "rtp-only"
	// synthetic call (§4.9 Open Question — default false, see DESIGN.md).
	MediaOnlyKnownCalls bool

	// EventQueueSize bounds each subscriber's event channel; a full channel
	// drops the oldest queued event and increments a counter rather than
	// blocking the single writer (§5).
	EventQueueSize int
}

func (c *Config) setDefaults() {
	if c.RetransmissionWindow <= 0 {
		c.RetransmissionWindow = 500 * time.Millisecond
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 256
	}
}
