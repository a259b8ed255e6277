package filter

import (
	"testing"

	"sngrep.io/capture/internal/dissect/sip"
	"sngrep.io/capture/internal/storage"
)

func callWith(messages ...*storage.Message) *storage.Call {
	return &storage.Call{ID: "c1", Messages: messages}
}

func msg(result sip.Result) *storage.Message {
	return &storage.Message{SIP: result}
}

func TestSIPFromMatchesSubstring(t *testing.T) {
	call := callWith(msg(sip.Result{From: sip.AddrTag{URI: "sip:alice@example.com"}}))
	p, err := Compile(Clause{Field: FieldSIPFrom, Pattern: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if !p(call) {
		t.Fatal("expected sipfrom predicate to match")
	}
}

func TestSIPToNoMatch(t *testing.T) {
	call := callWith(msg(sip.Result{To: sip.AddrTag{URI: "sip:bob@example.com"}}))
	p, _ := Compile(Clause{Field: FieldSIPTo, Pattern: "carol"})
	if p(call) {
		t.Fatal("expected no match for a non-present pattern")
	}
}

func TestMethodMatchesRequest(t *testing.T) {
	call := callWith(msg(sip.Result{IsRequest: true, MethodText: "INVITE"}))
	p, _ := Compile(Clause{Field: FieldMethod, Pattern: "invite"})
	if !p(call) {
		t.Fatal("expected case-insensitive method match")
	}
}

func TestMethodMatchesStatusCode(t *testing.T) {
	call := callWith(msg(sip.Result{IsRequest: false, StatusCode: 200}))
	p, _ := Compile(Clause{Field: FieldMethod, Pattern: "200"})
	if !p(call) {
		t.Fatal("expected status code to satisfy a method filter on responses")
	}
}

func TestCompileUnknownFieldErrors(t *testing.T) {
	if _, err := Compile(Clause{Field: "bogus"}); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestChainShortCircuitsOnFirstFailure(t *testing.T) {
	call := callWith(msg(sip.Result{IsRequest: true, MethodText: "INVITE", From: sip.AddrTag{URI: "sip:alice@example.com"}}))
	chain, err := NewChain([]Clause{
		{Field: FieldMethod, Pattern: "BYE"}, // fails first
		{Field: FieldSIPFrom, Pattern: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if chain.Match(call) {
		t.Fatal("expected the chain to reject when the first clause fails")
	}
}

func TestChainMatchesWhenAllClausesPass(t *testing.T) {
	call := callWith(msg(sip.Result{IsRequest: true, MethodText: "INVITE", From: sip.AddrTag{URI: "sip:alice@example.com"}}))
	chain, err := NewChain([]Clause{
		{Field: FieldMethod, Pattern: "INVITE"},
		{Field: FieldSIPFrom, Pattern: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !chain.Match(call) {
		t.Fatal("expected the chain to accept when every clause passes")
	}
}

func TestEmptyChainMatchesEverything(t *testing.T) {
	chain, err := NewChain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !chain.Match(callWith()) {
		t.Fatal("expected an empty chain to match any call")
	}
}
