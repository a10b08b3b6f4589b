package ledger

import (
	"math/big"

	"quorumcore/types"
)

// Header is the scope/root header value threaded through commits.
type Header struct {
	LedgerSeq uint32
}

// Ratio is an offer's price expressed as a fraction n/d.
type Ratio struct {
	N int64
	D int64
}

// Less reports whether r represents a strictly lower price than o,
// exact regardless of magnitude via big.Int cross-multiplication rather
// than a floating-point division.
func (r Ratio) Less(o Ratio) bool {
	lhs := new(big.Int).Mul(big.NewInt(r.N), big.NewInt(o.D))
	rhs := new(big.Int).Mul(big.NewInt(o.N), big.NewInt(r.D))
	return lhs.Cmp(rhs) < 0
}

// Equal reports whether r and o represent the same price ratio.
func (r Ratio) Equal(o Ratio) bool {
	lhs := new(big.Int).Mul(big.NewInt(r.N), big.NewInt(o.D))
	rhs := new(big.Int).Mul(big.NewInt(o.N), big.NewInt(r.D))
	return lhs.Cmp(rhs) == 0
}

// Account is the payload of a KeyAccount entry.
type Account struct {
	Balance       *big.Int
	InflationDest *types.NodeID
}

// TrustLine is the payload of a KeyTrustLine entry.
type TrustLine struct {
	Balance    *big.Int
	Limit      *big.Int
	Authorized bool
}

// Offer is the payload of a KeyOffer entry.
type Offer struct {
	Buying  Asset
	Selling Asset
	Price   Ratio
	Amount  int64
}

// Data is the payload of a KeyData entry.
type Data struct {
	Value []byte
}

// Entry is a ledger key plus its typed payload plus the ledger sequence
// it was last modified in.
type Entry struct {
	Key                   LedgerKey
	Account               *Account
	TrustLine             *TrustLine
	Offer                 *Offer
	Data                  *Data
	LastModifiedLedgerSeq uint32
}

// Clone returns a deep-enough copy of e so mutating the copy's payload
// never affects e. Used whenever an entry crosses from one owner (root
// cache, parent scope) into a scope's private working set.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{Key: e.Key, LastModifiedLedgerSeq: e.LastModifiedLedgerSeq}
	if e.Account != nil {
		acc := *e.Account
		if e.Account.Balance != nil {
			acc.Balance = new(big.Int).Set(e.Account.Balance)
		}
		if e.Account.InflationDest != nil {
			dest := *e.Account.InflationDest
			acc.InflationDest = &dest
		}
		out.Account = &acc
	}
	if e.TrustLine != nil {
		tl := *e.TrustLine
		if e.TrustLine.Balance != nil {
			tl.Balance = new(big.Int).Set(e.TrustLine.Balance)
		}
		if e.TrustLine.Limit != nil {
			tl.Limit = new(big.Int).Set(e.TrustLine.Limit)
		}
		out.TrustLine = &tl
	}
	if e.Offer != nil {
		offer := *e.Offer
		out.Offer = &offer
	}
	if e.Data != nil {
		data := Data{Value: append([]byte(nil), e.Data.Value...)}
		out.Data = &data
	}
	return out
}

// betterOffer returns the offer among a and b that wins under the
// price-ratio/offer-id tie-break rule shared by §4.D and §4.E. Either
// argument may be nil.
func betterOffer(a, b *Entry) *Entry {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Offer.Price.Less(b.Offer.Price) {
		return a
	}
	if b.Offer.Price.Less(a.Offer.Price) {
		return b
	}
	if a.Key.OfferID <= b.Key.OfferID {
		return a
	}
	return b
}

// InflationWinner is one row of a getInflationWinners result.
type InflationWinner struct {
	Dest  types.NodeID
	Votes *big.Int
}

// MinInflationBalance is the minimum-to-count threshold for a voting
// account's balance: 10^9.
var MinInflationBalance = big.NewInt(1_000_000_000)
