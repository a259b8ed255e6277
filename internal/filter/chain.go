package filter

import "sngrep.io/capture/internal/storage"

// Chain is a compiled, ordered sequence of predicates evaluated with
// short-circuit AND semantics (§4.11): the first predicate to reject a
// call stops evaluation immediately. Structured as a singly-linked chain
// of nodes — current predicate plus the rest of the chain — the same
// back-to-front construction and delegate-to-next shape as the teacher's
// FilterChain, with predicate.Match(call) standing in for
// Filter(exchange, next).
type Chain struct {
	current Predicate
	next    *Chain
}

// NewChain compiles clauses in order and links them into a Chain. An
// empty clause list produces a Chain that matches every call.
func NewChain(clauses []Clause) (*Chain, error) {
	predicates := make([]Predicate, len(clauses))
	for i, c := range clauses {
		p, err := Compile(c)
		if err != nil {
			return nil, err
		}
		predicates[i] = p
	}
	return initChain(predicates), nil
}

func newChainNode(current Predicate, next *Chain) *Chain {
	return &Chain{current: current, next: next}
}

func initChain(predicates []Predicate) *Chain {
	chain := newChainNode(nil, nil)
	for i := len(predicates) - 1; i >= 0; i-- {
		chain = newChainNode(predicates[i], chain)
	}
	return chain
}

// Match reports whether call satisfies every predicate in the chain. An
// empty node (current == nil, reached at the chain's tail) matches by
// default, matching the teacher's fall-through-to-handler behavior.
func (c *Chain) Match(call *storage.Call) bool {
	if c.current == nil {
		return true
	}
	if !c.current(call) {
		return false
	}
	if c.next == nil {
		return true
	}
	return c.next.Match(call)
}
