// Package envelope holds the consensus-protocol data model consumed by
// the pending envelopes pipeline: the opaque Envelope message, the
// quorum-set descriptor it references, and the transaction-set payload
// it may depend on. The FBA nomination/ballot semantics that produce
// and interpret these values are out of scope (spec Non-goals); this
// package only models the surface the pipeline needs to stage, fetch,
// and release them.
package envelope

import "quorumcore/types"

// Envelope is an opaque protocol message with a stable byte identity.
// Body is treated as an uninterpreted payload; only the fields the
// pipeline needs to route the message are broken out.
type Envelope struct {
	Slot uint64
	// Signer identifies the node that produced this envelope. The base
	// data model doesn't require it to interpret an individual
	// envelope, but the quorum tracker rebuild needs some way to map a
	// node identity to the quorum-set hash it currently advertises, and
	// the pipeline learns that association only by watching envelopes
	// go by.
	Signer   types.NodeID
	QSetHash types.Hash
	// TxSetHash is nil for envelope variants without a value
	// dependency; ballot-value-like phases carry at most one.
	TxSetHash *types.Hash
	Body      []byte
}

// ID is the stable byte-identity used as a set key across the pipeline's
// discarded/processed/fetching/ready bookkeeping.
func (e *Envelope) ID() types.Hash {
	return types.HashKeccak256Bytes(e.Body)
}

// TxSet is an opaque, content-addressed transaction-set payload.
type TxSet struct {
	Hash    types.Hash
	Payload []byte
}
