package ledger

import "quorumcore/types"

// KeyType tags which of the four ledger entry kinds a LedgerKey names.
type KeyType uint8

const (
	KeyAccount KeyType = iota
	KeyTrustLine
	KeyOffer
	KeyData
)

func (t KeyType) String() string {
	switch t {
	case KeyAccount:
		return "account"
	case KeyTrustLine:
		return "trustline"
	case KeyOffer:
		return "offer"
	case KeyData:
		return "data"
	default:
		return "unknown"
	}
}

// LedgerKey is the tagged-union identity of a ledger entry. Only the
// fields relevant to Type are meaningful; Account names the owning
// account in every case.
type LedgerKey struct {
	Type     KeyType
	Account  types.NodeID
	Asset    Asset  // KeyTrustLine
	OfferID  uint64 // KeyOffer
	DataName string // KeyData
}

func AccountKey(account types.NodeID) LedgerKey {
	return LedgerKey{Type: KeyAccount, Account: account}
}

func TrustLineKey(account types.NodeID, asset Asset) LedgerKey {
	return LedgerKey{Type: KeyTrustLine, Account: account, Asset: asset}
}

func OfferKey(account types.NodeID, offerID uint64) LedgerKey {
	return LedgerKey{Type: KeyOffer, Account: account, OfferID: offerID}
}

func DataKey(account types.NodeID, name string) LedgerKey {
	return LedgerKey{Type: KeyData, Account: account, DataName: name}
}

type keyShape struct {
	Type        uint8
	Account     []byte
	AssetType   uint8
	AssetCode   string
	AssetIssuer []byte
	OfferID     uint64
	DataName    string
}

// Encode returns the deterministic, content-addressed identity of the
// key, used as its Go map key (via the returned fixed-width array) in
// scope working sets and root caches. The relational store does not use
// it; its rows are keyed by account plus asset key, offer id or data
// name.
func (k LedgerKey) Encode() types.Hash {
	shape := keyShape{Type: uint8(k.Type), Account: k.Account.Bytes()}
	switch k.Type {
	case KeyTrustLine:
		shape.AssetType = uint8(k.Asset.Type)
		shape.AssetCode = k.Asset.Code
		shape.AssetIssuer = k.Asset.Issuer.Bytes()
	case KeyOffer:
		shape.OfferID = k.OfferID
	case KeyData:
		shape.DataName = k.DataName
	}
	h, err := types.HashKeccak256(shape)
	if err != nil {
		panic("ledger: key encoding failed: " + err.Error())
	}
	return h
}
