package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"sngrep.io/capture/internal/storage"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing brokers", Config{Topic: "test"}, true},
		{"missing topic", Config{Brokers: []string{"localhost:9092"}}, true},
		{"valid minimal config", Config{Brokers: []string{"localhost:9092"}, Topic: "test-topic"}, false},
		{
			name: "valid full config",
			cfg: Config{
				Brokers:      []string{"broker1:9092", "broker2:9092"},
				Topic:        "test-topic",
				BatchSize:    200,
				BatchTimeout: 200 * time.Millisecond,
				Compression:  "gzip",
				MaxAttempts:  5,
			},
			wantErr: false,
		},
		{"invalid compression", Config{Brokers: []string{"localhost:9092"}, Topic: "test-topic", Compression: "invalid"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	e, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "test-topic"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if e.cfg.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", e.cfg.BatchSize, defaultBatchSize)
	}
	if e.cfg.BatchTimeout != defaultBatchTimeout {
		t.Errorf("BatchTimeout = %v, want %v", e.cfg.BatchTimeout, defaultBatchTimeout)
	}
	if e.cfg.Compression != defaultCompression {
		t.Errorf("Compression = %s, want %s", e.cfg.Compression, defaultCompression)
	}
	if e.cfg.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", e.cfg.MaxAttempts, defaultMaxAttempts)
	}
}

func TestEventPayloadShape(t *testing.T) {
	call := &storage.Call{
		ID:              "abc123",
		XCallID:         "leg2",
		Messages:        make([]*storage.Message, 2),
		Streams:         make([]*storage.Stream, 1),
		LastMessageTime: time.UnixMilli(1000),
	}
	ev := storage.Event{Kind: storage.EventCallUpdated, CallID: "abc123", Call: call}

	data, err := json.Marshal(eventPayload(ev))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out["kind"] != "call_updated" {
		t.Errorf("kind = %v, want call_updated", out["kind"])
	}
	if out["call_id"] != "abc123" {
		t.Errorf("call_id = %v, want abc123", out["call_id"])
	}
	if out["message_count"] != float64(2) {
		t.Errorf("message_count = %v, want 2", out["message_count"])
	}
	if out["stream_count"] != float64(1) {
		t.Errorf("stream_count = %v, want 1", out["stream_count"])
	}
	if out["x_call_id"] != "leg2" {
		t.Errorf("x_call_id = %v, want leg2", out["x_call_id"])
	}
}

func TestEventPayloadStatsChangedHasNoCallFields(t *testing.T) {
	ev := storage.Event{Kind: storage.EventStatsChanged}
	out := eventPayload(ev)
	if _, ok := out["message_count"]; ok {
		t.Fatal("stats_changed event must not carry call-shaped fields")
	}
}

func TestCompressionTypes(t *testing.T) {
	for _, compression := range []string{"none", "gzip", "snappy", "lz4"} {
		t.Run(compression, func(t *testing.T) {
			e, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "test-topic", Compression: compression}, nil)
			if err != nil {
				t.Errorf("New with compression=%s failed: %v", compression, err)
			}
			if e.cfg.Compression != compression {
				t.Errorf("Compression = %s, want %s", e.cfg.Compression, compression)
			}
		})
	}
}
