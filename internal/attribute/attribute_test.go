package attribute

import (
	"testing"

	"sngrep.io/capture/internal/dissect/sip"
	"sngrep.io/capture/internal/storage"
)

func TestSIPMethodAttribute(t *testing.T) {
	r := NewRegistry()
	call := &storage.Call{ID: "abc"}
	msg := &storage.Message{SIP: sip.Result{IsRequest: true, MethodText: "INVITE"}}

	if got := r.Value("sip.method", call, msg); got != "INVITE" {
		t.Fatalf("expected INVITE, got %q", got)
	}
}

func TestStatusColorRule(t *testing.T) {
	r := NewRegistry()
	d, ok := r.Get("sip.status")
	if !ok {
		t.Fatal("expected sip.status to be registered")
	}
	msg := &storage.Message{SIP: sip.Result{IsRequest: false, StatusCode: 404}}
	if got := d.Color(nil, msg); got != ColorRed {
		t.Fatalf("expected a 4xx status to color red, got %v", got)
	}
}

func TestUnknownAttributeReturnsEmpty(t *testing.T) {
	r := NewRegistry()
	if got := r.Value("nope.nope", &storage.Call{}, nil); got != "" {
		t.Fatalf("expected empty string for unknown attribute, got %q", got)
	}
}

func TestCallLevelAttributeIgnoresNilMessage(t *testing.T) {
	r := NewRegistry()
	call := &storage.Call{ID: "abc", Messages: []*storage.Message{{}, {}}}
	if got := r.Value("call.message_count", call, nil); got != "2" {
		t.Fatalf("expected 2 messages, got %q", got)
	}
}

func TestNamesReturnsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	if len(names) == 0 || names[0] != "sip.call_id" {
		t.Fatalf("expected sip.call_id first, got %v", names)
	}
}
