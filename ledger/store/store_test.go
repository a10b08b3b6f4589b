package store

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"quorumcore/ledger"
	"quorumcore/types"
)

func testAccount(b byte) types.NodeID {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = b
	}
	return types.NodeIDFromBytes(buf)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	return s
}

func TestUpsertAndLoadAccount(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(1)
	entry := &ledger.Entry{
		Key:                   ledger.AccountKey(acct),
		Account:               &ledger.Account{Balance: big.NewInt(500)},
		LastModifiedLedgerSeq: 7,
	}
	require.NoError(t, s.UpsertEntry(entry))

	loaded, found, err := s.LoadAccount(acct)
	require.NoError(t, err)
	require.True(t, found)
	require.Zero(t, loaded.Account.Balance.Cmp(big.NewInt(500)))
	require.Equal(t, uint32(7), loaded.LastModifiedLedgerSeq)
}

func TestDeleteEntryRemovesRow(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(2)
	key := ledger.AccountKey(acct)
	require.NoError(t, s.UpsertEntry(&ledger.Entry{Key: key, Account: &ledger.Account{Balance: big.NewInt(1)}}))
	require.NoError(t, s.DeleteEntry(key))

	_, found, err := s.LoadAccount(acct)
	require.NoError(t, err)
	require.False(t, found, "expected account to be gone after delete")
}

func TestBestOffersPagePagesInPriceOrder(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(3)
	buying := ledger.Asset{Type: ledger.AssetNative}
	selling := ledger.Asset{Type: ledger.AssetAlphaNum4, Code: "USD", Issuer: testAccount(9)}

	prices := []ledger.Ratio{{N: 3, D: 1}, {N: 1, D: 1}, {N: 2, D: 1}}
	for i, price := range prices {
		offer := &ledger.Entry{
			Key: ledger.OfferKey(acct, uint64(i)),
			Offer: &ledger.Offer{
				Buying:  buying,
				Selling: selling,
				Price:   price,
				Amount:  10,
			},
		}
		require.NoErrorf(t, s.UpsertEntry(offer), "upsert offer %d", i)
	}

	page, err := s.BestOffersPage(buying, selling, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(1), page[0].Offer.Price.N)
	require.Equal(t, int64(2), page[1].Offer.Price.N)

	rest, err := s.BestOffersPage(buying, selling, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(3), rest[0].Offer.Price.N)
}

func TestTransactionRollbackLeavesNoTrace(t *testing.T) {
	s := openTestStore(t)
	acct := testAccount(4)
	key := ledger.AccountKey(acct)

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEntry(&ledger.Entry{Key: key, Account: &ledger.Account{Balance: big.NewInt(42)}}))
	require.NoError(t, tx.Rollback())

	_, found, err := s.LoadAccount(acct)
	require.NoError(t, err)
	require.False(t, found, "expected rolled-back write to be invisible")
}
