package p2p

import "quorumcore/types"

// Message type codes carried in Message.Type. The pending envelopes
// pipeline's item fetcher (quorumcore/itemfetcher) sends MsgFetchItem
// through the Overlay interface; deliveries, MsgPeerLacksItem replies
// and gossip arrive the other way, through a MessageHandler.
const (
	MsgFetchItem byte = iota + 1
	MsgDeliverQuorumSet
	MsgDeliverTxSet
	MsgPeerLacksItem
	MsgEnvelopeGossip
)

// FetchItemPayload requests a peer send back whatever item is
// content-addressed by Hash, without specifying its kind: the peer
// answers with whichever of MsgDeliverQuorumSet/MsgDeliverTxSet it
// actually holds.
type FetchItemPayload struct {
	Hash types.Hash `json:"hash"`
}

// DeliverQuorumSetPayload carries a quorum-set descriptor keyed by its
// content hash. Threshold/Validators/InnerSets mirror
// envelope.QuorumSet's shape directly so the handler can decode without
// importing the envelope package's hashing helpers.
type DeliverQuorumSetPayload struct {
	Hash       types.Hash            `json:"hash"`
	Threshold  uint32                `json:"threshold"`
	Validators []types.NodeID        `json:"validators"`
	InnerSets  []DeliverQuorumSetSet `json:"innerSets"`
}

// DeliverQuorumSetSet is one nested quorum-set inside a
// DeliverQuorumSetPayload.
type DeliverQuorumSetSet struct {
	Threshold  uint32                `json:"threshold"`
	Validators []types.NodeID        `json:"validators"`
	InnerSets  []DeliverQuorumSetSet `json:"innerSets"`
}

// DeliverTxSetPayload carries a transaction-set payload keyed by its
// content hash.
type DeliverTxSetPayload struct {
	Hash    types.Hash `json:"hash"`
	Payload []byte     `json:"payload"`
}

// PeerLacksItemPayload informs a requester that the sender does not
// have the item requested by an earlier FetchItemPayload.
type PeerLacksItemPayload struct {
	Hash types.Hash `json:"hash"`
}

// EnvelopeGossipPayload relays a consensus envelope to a peer.
type EnvelopeGossipPayload struct {
	Slot      uint64     `json:"slot"`
	Signer    types.NodeID `json:"signer"`
	QSetHash  types.Hash `json:"qsetHash"`
	TxSetHash *types.Hash `json:"txsetHash,omitempty"`
	Body      []byte     `json:"body"`
}
