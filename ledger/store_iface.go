package ledger

import (
	"math/big"

	"quorumcore/types"
)

// Store is the read/write contract the Root consumes from the
// persistent backing store. Its schema is opaque to this package; the
// concrete implementation lives in quorumcore/ledger/store, kept
// separate so this package never depends on a specific database driver.
type Store interface {
	LoadAccount(account types.NodeID) (*Entry, bool, error)
	LoadTrustLine(account types.NodeID, asset Asset) (*Entry, bool, error)
	LoadOffer(account types.NodeID, offerID uint64) (*Entry, bool, error)
	LoadData(account types.NodeID, name string) (*Entry, bool, error)

	UpsertEntry(entry *Entry) error
	DeleteEntry(key LedgerKey) error
	CountEntries(t KeyType) (int64, error)

	AllOffers() ([]*Entry, error)
	OffersByAccountAndAsset(account types.NodeID, asset Asset) ([]*Entry, error)
	BestOffersPage(buying, selling Asset, offset, limit int) ([]*Entry, error)
	InflationWinners(max int, minVotes *big.Int) ([]InflationWinner, error)

	Begin() (Tx, error)
}

// Tx is a Store bound to an open write transaction.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}
