package types

import "quorumcore/crypto"

// NodeID identifies a participant in the federated quorum. It is a thin
// alias over crypto.Address so that quorum-set leaves and envelope
// signers share the same bech32 rendering and byte layout as ledger
// account identities.
type NodeID = crypto.Address

// NodeIDFromBytes builds a NodeID from a raw 20-byte address via
// crypto.NewAddress.
func NodeIDFromBytes(b []byte) NodeID {
	return crypto.NewAddress(crypto.NodePrefix, b)
}

// NodeKey renders a NodeID into a fixed-width comparable map key. Address
// wraps an unexported byte slice so it cannot be used directly as a Go
// map key; this mirrors the fixed-array key idiom the ledger package
// uses for LedgerKey.
type NodeKey [20]byte

// Key returns the comparable map-key form of a NodeID.
func Key(id NodeID) NodeKey {
	var k NodeKey
	copy(k[:], id.Bytes())
	return k
}
