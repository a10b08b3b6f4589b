package ledger

import (
	"math/big"
	"testing"

	coreerrors "quorumcore/core/errors"
	"quorumcore/types"
)

// memStore is an in-memory ledger.Store used to unit-test Root/Scope
// behavior without a relational backend.
type memStore struct {
	accounts   map[types.NodeKey]*Entry
	offers     map[uint64]*Entry
	trustlines map[types.Hash]*Entry
	inTx       bool
	txAccounts map[types.NodeKey]*Entry
	txOffers   map[uint64]*Entry
}

func newMemStore() *memStore {
	return &memStore{
		accounts:   make(map[types.NodeKey]*Entry),
		offers:     make(map[uint64]*Entry),
		trustlines: make(map[types.Hash]*Entry),
	}
}

func (m *memStore) LoadAccount(account types.NodeID) (*Entry, bool, error) {
	e, ok := m.accounts[types.Key(account)]
	return e, ok, nil
}
func (m *memStore) LoadTrustLine(account types.NodeID, asset Asset) (*Entry, bool, error) {
	e, ok := m.trustlines[TrustLineKey(account, asset).Encode()]
	return e, ok, nil
}
func (m *memStore) LoadOffer(account types.NodeID, offerID uint64) (*Entry, bool, error) {
	e, ok := m.offers[offerID]
	return e, ok, nil
}
func (m *memStore) LoadData(types.NodeID, string) (*Entry, bool, error) { return nil, false, nil }

func (m *memStore) UpsertEntry(entry *Entry) error {
	switch entry.Key.Type {
	case KeyAccount:
		m.accounts[types.Key(entry.Key.Account)] = entry
	case KeyOffer:
		m.offers[entry.Key.OfferID] = entry
	case KeyTrustLine:
		m.trustlines[entry.Key.Encode()] = entry
	}
	return nil
}
func (m *memStore) DeleteEntry(key LedgerKey) error {
	switch key.Type {
	case KeyAccount:
		delete(m.accounts, types.Key(key.Account))
	case KeyOffer:
		delete(m.offers, key.OfferID)
	case KeyTrustLine:
		delete(m.trustlines, key.Encode())
	}
	return nil
}
func (m *memStore) CountEntries(KeyType) (int64, error) { return 0, nil }

func (m *memStore) AllOffers() ([]*Entry, error) {
	out := make([]*Entry, 0, len(m.offers))
	for _, e := range m.offers {
		out = append(out, e)
	}
	return out, nil
}
func (m *memStore) OffersByAccountAndAsset(types.NodeID, Asset) ([]*Entry, error) { return nil, nil }
func (m *memStore) BestOffersPage(buying, selling Asset, offset, limit int) ([]*Entry, error) {
	all, _ := m.AllOffers()
	matching := make([]*Entry, 0)
	for _, o := range all {
		if o.Offer.Buying.Key() == buying.Key() && o.Offer.Selling.Key() == selling.Key() {
			matching = append(matching, o)
		}
	}
	for i := 0; i < len(matching); i++ {
		for j := i + 1; j < len(matching); j++ {
			if betterOffer(matching[i], matching[j]) == matching[j] {
				matching[i], matching[j] = matching[j], matching[i]
			}
		}
	}
	if offset >= len(matching) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matching) {
		end = len(matching)
	}
	return matching[offset:end], nil
}
func (m *memStore) InflationWinners(max int, minVotes *big.Int) ([]InflationWinner, error) {
	return nil, nil
}

func (m *memStore) Begin() (Tx, error) {
	m.inTx = true
	m.txAccounts = make(map[types.NodeKey]*Entry, len(m.accounts))
	for k, v := range m.accounts {
		m.txAccounts[k] = v
	}
	m.txOffers = make(map[uint64]*Entry, len(m.offers))
	for k, v := range m.offers {
		m.txOffers[k] = v
	}
	return &memTx{m}, nil
}

type memTx struct{ m *memStore }

func (t *memTx) LoadAccount(a types.NodeID) (*Entry, bool, error)                { return t.m.LoadAccount(a) }
func (t *memTx) LoadTrustLine(a types.NodeID, as Asset) (*Entry, bool, error)    { return t.m.LoadTrustLine(a, as) }
func (t *memTx) LoadOffer(a types.NodeID, id uint64) (*Entry, bool, error)       { return t.m.LoadOffer(a, id) }
func (t *memTx) LoadData(a types.NodeID, n string) (*Entry, bool, error)         { return t.m.LoadData(a, n) }
func (t *memTx) UpsertEntry(e *Entry) error                                      { return t.m.UpsertEntry(e) }
func (t *memTx) DeleteEntry(k LedgerKey) error                                   { return t.m.DeleteEntry(k) }
func (t *memTx) CountEntries(kt KeyType) (int64, error)                          { return t.m.CountEntries(kt) }
func (t *memTx) AllOffers() ([]*Entry, error)                                    { return t.m.AllOffers() }
func (t *memTx) OffersByAccountAndAsset(a types.NodeID, as Asset) ([]*Entry, error) {
	return t.m.OffersByAccountAndAsset(a, as)
}
func (t *memTx) BestOffersPage(b, s Asset, o, l int) ([]*Entry, error) {
	return t.m.BestOffersPage(b, s, o, l)
}
func (t *memTx) InflationWinners(max int, minVotes *big.Int) ([]InflationWinner, error) {
	return t.m.InflationWinners(max, minVotes)
}
func (t *memTx) Begin() (Tx, error) { return nil, coreerrors.Violation("nested transactions not supported") }

func (t *memTx) Commit() error {
	t.m.inTx = false
	t.m.txAccounts = nil
	t.m.txOffers = nil
	return nil
}
func (t *memTx) Rollback() error {
	t.m.accounts = t.m.txAccounts
	t.m.offers = t.m.txOffers
	t.m.inTx = false
	t.m.txAccounts = nil
	t.m.txOffers = nil
	return nil
}

func testNode(b byte) types.NodeID {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = b
	}
	return types.NodeIDFromBytes(buf)
}

func TestScopeCreateThenParentCommitVisibleInFreshScope(t *testing.T) {
	root := NewRoot(newMemStore(), Header{LedgerSeq: 5}, 16, 4)
	scope, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open scope: %v", err)
	}
	key := AccountKey(testNode(1))
	if _, err := scope.Create(&Entry{Key: key, Account: &Account{Balance: big.NewInt(100)}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Release the active handle before commit: commit requires no
	// outstanding active handles.
	scope.Deactivate(key)
	if err := scope.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fresh, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open fresh scope: %v", err)
	}
	loaded, err := fresh.Load(key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected entry to be visible after commit")
	}
	if loaded.Account.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance mismatch: %s", loaded.Account.Balance)
	}
	if loaded.LastModifiedLedgerSeq != 5 {
		t.Fatalf("expected last_modified_ledger_seq stamped to header seq, got %d", loaded.LastModifiedLedgerSeq)
	}
}

func TestNestedEraseOfParentKeyPropagates(t *testing.T) {
	store := newMemStore()
	acct := testNode(2)
	key := AccountKey(acct)
	_ = store.UpsertEntry(&Entry{Key: key, Account: &Account{Balance: big.NewInt(1)}})

	root := NewRoot(store, Header{}, 16, 4)
	s, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open s: %v", err)
	}
	sPrime, err := s.OpenScope()
	if err != nil {
		t.Fatalf("open s': %v", err)
	}
	if err := sPrime.Erase(key); err != nil {
		t.Fatalf("erase in s': %v", err)
	}
	if err := sPrime.Commit(); err != nil {
		t.Fatalf("commit s': %v", err)
	}

	loaded, err := s.Load(key)
	if err != nil {
		t.Fatalf("load in s: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected key to read as erased in s")
	}
	s.Deactivate(key)
	if err := s.Commit(); err != nil {
		t.Fatalf("commit s: %v", err)
	}

	sDoublePrime, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open s'': %v", err)
	}
	loaded, err = sDoublePrime.Load(key)
	if err != nil {
		t.Fatalf("load in s'': %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected key to remain erased at root after commit")
	}
}

func TestInflationDeltaScenario(t *testing.T) {
	root := NewRoot(newMemStore(), Header{}, 16, 4)
	scope, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open scope: %v", err)
	}
	voter := testNode(3)
	dest := testNode(4)
	twoBillion := new(big.Int).Mul(big.NewInt(2), big.NewInt(1_000_000_000))
	if _, err := scope.Create(&Entry{
		Key:     AccountKey(voter),
		Account: &Account{Balance: twoBillion, InflationDest: &dest},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	winners, err := scope.GetInflationWinners(1, twoBillion)
	if err != nil {
		t.Fatalf("winners: %v", err)
	}
	if len(winners) != 1 || winners[0].Votes.Cmp(twoBillion) != 0 {
		t.Fatalf("expected one winner with %s votes, got %+v", twoBillion, winners)
	}

	overThreshold := new(big.Int).Add(twoBillion, big.NewInt(1))
	winners, err = scope.GetInflationWinners(1, overThreshold)
	if err != nil {
		t.Fatalf("winners: %v", err)
	}
	if len(winners) != 0 {
		t.Fatalf("expected no winners above the accumulated total, got %+v", winners)
	}
}

func TestBestOfferExcludeWalksIncreasingPrice(t *testing.T) {
	store := newMemStore()
	buying := Asset{Type: AssetNative}
	selling := Asset{Type: AssetAlphaNum4, Code: "USD", Issuer: testNode(9)}
	acct := testNode(5)
	for i, n := range []int64{1, 2, 3} {
		_ = store.UpsertEntry(&Entry{
			Key:   OfferKey(acct, uint64(i)),
			Offer: &Offer{Buying: buying, Selling: selling, Price: Ratio{N: n, D: 1}, Amount: 1},
		})
	}
	root := NewRoot(store, Header{}, 16, 4)

	exclude := map[types.Hash]struct{}{}
	o1, err := root.GetBestOffer(buying, selling, exclude)
	if err != nil {
		t.Fatalf("best offer: %v", err)
	}
	if o1 == nil || o1.Offer.Price.N != 1 {
		t.Fatalf("expected price 1 first, got %+v", o1)
	}
	exclude[o1.Key.Encode()] = struct{}{}

	o2, err := root.GetBestOffer(buying, selling, exclude)
	if err != nil {
		t.Fatalf("best offer: %v", err)
	}
	if o2 == nil || o2.Offer.Price.N != 2 {
		t.Fatalf("expected price 2 second, got %+v", o2)
	}
	exclude[o2.Key.Encode()] = struct{}{}

	o3, err := root.GetBestOffer(buying, selling, exclude)
	if err != nil {
		t.Fatalf("best offer: %v", err)
	}
	if o3 == nil || o3.Offer.Price.N != 3 {
		t.Fatalf("expected price 3 third, got %+v", o3)
	}
}

func TestActiveHandleBlocksLoadCreateAndErase(t *testing.T) {
	root := NewRoot(newMemStore(), Header{}, 16, 4)
	scope, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open scope: %v", err)
	}
	key := AccountKey(testNode(6))
	if _, err := scope.Create(&Entry{Key: key, Account: &Account{Balance: big.NewInt(1)}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := scope.Load(key); err == nil {
		t.Fatalf("expected load on an active key to error")
	}
	if _, err := scope.Create(&Entry{Key: key, Account: &Account{Balance: big.NewInt(1)}}); err == nil {
		t.Fatalf("expected create on an active key to error")
	}
	if err := scope.Erase(key); err == nil {
		t.Fatalf("expected erase on an active key to error")
	}
}

func TestSealedScopeRejectsMutation(t *testing.T) {
	root := NewRoot(newMemStore(), Header{}, 16, 4)
	scope, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open scope: %v", err)
	}
	if _, err := scope.GetChanges(); err != nil {
		t.Fatalf("get_changes: %v", err)
	}
	if _, err := scope.Create(&Entry{Key: AccountKey(testNode(7)), Account: &Account{Balance: big.NewInt(1)}}); err == nil {
		t.Fatalf("expected create on a sealed scope to error")
	}
}

func TestCreateThenEraseLeavesParentUnchanged(t *testing.T) {
	root := NewRoot(newMemStore(), Header{}, 16, 4)
	scope, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open scope: %v", err)
	}
	key := AccountKey(testNode(8))
	if _, err := scope.Create(&Entry{Key: key, Account: &Account{Balance: big.NewInt(1)}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	scope.Deactivate(key)
	if err := scope.Erase(key); err != nil {
		t.Fatalf("erase: %v", err)
	}
	scope.Deactivate(key)
	if err := scope.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	fresh, err := root.OpenScope()
	if err != nil {
		t.Fatalf("open fresh scope: %v", err)
	}
	loaded, err := fresh.Load(key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected no residual tombstone bubbling up to the root, got %+v", loaded)
	}
}
