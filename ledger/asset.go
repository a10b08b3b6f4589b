package ledger

import "quorumcore/types"

// AssetType distinguishes the native asset from issued assets.
type AssetType uint8

const (
	AssetNative AssetType = iota
	AssetAlphaNum4
	AssetAlphaNum12
)

// Asset identifies a tradeable/holdable asset. Code and Issuer are
// meaningless for AssetNative and ignored by Key.
type Asset struct {
	Type   AssetType
	Code   string
	Issuer types.NodeID
}

type assetShape struct {
	Type   uint8
	Code   string
	Issuer []byte
}

// Key returns a content-addressed identity for the asset, suitable as a
// Go map key (Asset itself embeds types.NodeID, which is not
// comparable because it wraps a byte slice).
func (a Asset) Key() types.Hash {
	shape := assetShape{Type: uint8(a.Type)}
	if a.Type != AssetNative {
		shape.Code = a.Code
		shape.Issuer = a.Issuer.Bytes()
	}
	h, err := types.HashKeccak256(shape)
	if err != nil {
		panic("ledger: asset key encoding failed: " + err.Error())
	}
	return h
}

// AssetPairKey identifies an (buying, selling) pair for the best-offers
// cache.
func AssetPairKey(buying, selling Asset) types.Hash {
	bk, sk := buying.Key(), selling.Key()
	h, err := types.HashKeccak256(struct{ Buying, Selling types.Hash }{bk, sk})
	if err != nil {
		panic("ledger: asset pair key encoding failed: " + err.Error())
	}
	return h
}
