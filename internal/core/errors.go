// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Dissectors and storage check these with errors.Is;
// none of them is fatal on its own — the caller counts and drops rather
// than propagating, per the error handling policy.
var (
	// ErrPacketTooShort is returned when a buffer is smaller than the
	// fixed header a dissector requires.
	ErrPacketTooShort = errors.New("sngrep: packet too short")
	// ErrUnsupportedProto is returned for a recognized-but-unhandled
	// protocol value (e.g. an IP version other than 4 or 6).
	ErrUnsupportedProto = errors.New("sngrep: unsupported protocol")
	// ErrUnknownLinkType is returned for a DLT the link dissector has no
	// header-size entry for.
	ErrUnknownLinkType = errors.New("sngrep: unknown link type")

	// ErrReassemblyTimeout names a reassembly entry discarded by GC
	// before it completed. The reassembly GC loops drop such entries
	// silently and do not return it.
	ErrReassemblyTimeout = errors.New("sngrep: reassembly timed out")
	// ErrReassemblyLimit marks a reassembly entry discarded for
	// exceeding a size/segment bound.
	ErrReassemblyLimit = errors.New("sngrep: reassembly limit exceeded")
	// ErrFragmentIncomplete names a datagram whose fragments are still
	// pending. The IP reassembler reports that case as (nil, nil) and does
	// not return this error.
	ErrFragmentIncomplete = errors.New("sngrep: fragment not complete")

	// ErrHepAuthMismatch marks a HEP3 datagram dropped for a bad or
	// missing authentication key.
	ErrHepAuthMismatch = errors.New("sngrep: HEP auth key mismatch")

	// ErrInputOpenFailed names a capture input setup failure (file not
	// found, device permission, socket bind). The capture inputs return
	// such failures from Start as their own wrapped errors, which do not
	// wrap this sentinel.
	ErrInputOpenFailed = errors.New("sngrep: capture input open failed")

	// ErrDialogLimit / ErrMemoryLimit name the condition behind an
	// eviction. Storage never returns them as errors (a limit breach is a
	// recovery, not a failure), and its eviction events do not carry them.
	ErrDialogLimit = errors.New("sngrep: max_dialogs exceeded")
	ErrMemoryLimit = errors.New("sngrep: memory_limit exceeded")

	// ErrInvariantViolation pairs with a panic and is reserved for
	// programmer-bug conditions such as a Packet released more times than
	// it was retained (Release driving the refcount below zero).
	ErrInvariantViolation = errors.New("sngrep: internal invariant violation")
)
