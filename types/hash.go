package types

import (
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// HashSize is the width in bytes of every content hash used across the
// pending envelopes pipeline and the ledger state core.
const HashSize = 32

// Hash is a content-addressing digest used as a map key throughout the
// pipeline (envelope identity, quorum-set identity, transaction-set
// identity) and the ledger package (ledger-key identity in scope
// working sets and root caches).
type Hash [HashSize]byte

// String renders the hash as lowercase hex, the convention used for
// addresses and digests throughout logging.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// BytesToHash left-pads or truncates b into a Hash, mirroring
// go-ethereum's common.BytesToHash helper.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashSize {
		b = b[len(b)-HashSize:]
	}
	copy(h[HashSize-len(b):], b)
	return h
}

// HashKeccak256 hashes the RLP encoding of v with Keccak-256, the digest
// used for ledger-key and envelope identity throughout this module.
func HashKeccak256(v interface{}) (Hash, error) {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return Hash{}, err
	}
	return BytesToHash(ethcrypto.Keccak256(encoded)), nil
}

// HashKeccak256Bytes hashes raw bytes directly, used for envelope byte
// identity where the caller already owns an opaque wire payload.
func HashKeccak256Bytes(b []byte) Hash {
	return BytesToHash(ethcrypto.Keccak256(b))
}

// HashBlake3 content-addresses quorum-set descriptors. A distinct digest
// family from the Keccak-256 used for ledger keys keeps the two content
// spaces (protocol metadata vs. ledger identity) from colliding.
func HashBlake3(v interface{}) (Hash, error) {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return Hash{}, err
	}
	sum := blake3.Sum256(encoded)
	return Hash(sum), nil
}
