// Package errors defines the sentinel error kinds shared by the pending
// envelopes pipeline and the ledger state core: a package of sentinels
// rather than bespoke error struct hierarchies.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrContractViolation marks a caller misuse of a core API: creating
	// an already-live key, acquiring a second handle on an active key,
	// opening a second child on a root that already has one, or asking
	// the quorum tracker to expand a node it never inserted. Fatal to
	// the current operation; never recovered locally.
	ErrContractViolation = stderrors.New("core: contract violation")

	// ErrDataUnsafe marks structurally invalid received content, i.e. a
	// quorum-set descriptor that fails sanity checking. Recovered
	// locally by the discard sweep.
	ErrDataUnsafe = stderrors.New("core: unsafe data")

	// ErrUnrequested marks delivered content nobody was waiting for.
	// Such content is dropped silently: RecvQset and RecvTxSet report it
	// by returning false, and no code path in this module returns this
	// error.
	ErrUnrequested = stderrors.New("core: unrequested delivery")

	// ErrStoreFailure marks a failure surfaced by the underlying
	// relational store during a root commit. The caller must treat the
	// containing write transaction as failed.
	ErrStoreFailure = stderrors.New("core: store failure")

	// ErrInvariantCorruption marks a fatal, non-recoverable violation of
	// a core invariant, such as the quorum tracker's expand rejecting
	// during a rebuild BFS.
	ErrInvariantCorruption = stderrors.New("core: invariant corruption")
)

// Violation wraps ErrContractViolation with a human-readable reason,
// keeping errors.Is(err, ErrContractViolation) working for callers that
// only care about the error kind.
func Violation(reason string) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, reason)
}

// Unsafe wraps ErrDataUnsafe with a human-readable reason.
func Unsafe(reason string) error {
	return fmt.Errorf("%w: %s", ErrDataUnsafe, reason)
}

// Corrupted wraps ErrInvariantCorruption with a human-readable reason.
func Corrupted(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvariantCorruption, reason)
}

// StoreFailed wraps ErrStoreFailure with the underlying store error.
func StoreFailed(cause error) error {
	return fmt.Errorf("%w: %v", ErrStoreFailure, cause)
}
