// Package store persists the small amount of consensus-adjacent state
// that must survive a restart before the ledger and pending pipeline
// are up: the genesis quorum-set descriptors used to seed the quorum
// tracker on startup. The local node's identity is not stored here; it
// lives in the validator keystore.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"quorumcore/envelope"
	"quorumcore/storage"
	"quorumcore/types"
)

// Store persists consensus-related metadata such as the genesis quorum
// set.
type Store struct {
	db storage.Database
}

// New creates a consensus store backed by the provided database.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

// GenesisPeer captures the minimal information required to seed the
// quorum tracker for one node at genesis.
type GenesisPeer struct {
	Node types.NodeID
	QSet *envelope.QuorumSet
}

type peerRecord struct {
	Node []byte
	QSet []byte
}

var genesisQuorumKey = []byte("consensus/genesis-quorum")

// SaveGenesisQuorum persists the provided genesis quorum-set list. The
// caller must ensure deterministic ordering of the slice.
func (s *Store) SaveGenesisQuorum(peers []GenesisPeer) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("consensus store uninitialised")
	}
	records := make([]peerRecord, len(peers))
	for i, p := range peers {
		// The descriptor is JSON-encoded: its NodeID leaves have no
		// exported fields, so RLP would drop them.
		qsetBytes, err := json.Marshal(p.QSet)
		if err != nil {
			return err
		}
		records[i] = peerRecord{Node: p.Node.Bytes(), QSet: qsetBytes}
	}
	encoded, err := rlp.EncodeToBytes(records)
	if err != nil {
		return err
	}
	return s.db.Put(genesisQuorumKey, encoded)
}

// LoadGenesisQuorum returns the persisted genesis quorum-set list, or
// (nil, false) if none has been saved.
func (s *Store) LoadGenesisQuorum() ([]GenesisPeer, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("consensus store uninitialised")
	}
	raw, err := s.db.Get(genesisQuorumKey)
	if err != nil {
		// The Database interface reports a missing key as an error rather
		// than a nil value; treat any read failure here as "not saved
		// yet" since this store has nothing else to read.
		return nil, false, nil
	}
	if raw == nil {
		return nil, false, nil
	}
	var records []peerRecord
	if err := rlp.DecodeBytes(raw, &records); err != nil {
		return nil, false, err
	}
	peers := make([]GenesisPeer, len(records))
	for i, r := range records {
		var qset envelope.QuorumSet
		if err := json.Unmarshal(r.QSet, &qset); err != nil {
			return nil, false, err
		}
		peers[i] = GenesisPeer{Node: types.NodeIDFromBytes(r.Node), QSet: &qset}
	}
	return peers, true, nil
}
