// Package ledger implements the nested, copy-on-write ledger state: a
// persistent Root over a relational store with bounded LRU caches, an
// arbitrarily deep stack of transactional Scopes layered above it, and
// scoped-borrow Handles into a scope's working set.
package ledger

import (
	"math/big"
	"sort"

	coreerrors "quorumcore/core/errors"
	"quorumcore/observability/metrics"
	"quorumcore/types"
)

const bestOffersBatchSize = 5

// cacheValue wraps an *Entry so the LRU can distinguish "not cached"
// (no map entry) from "cached as confirmed absent" (entry == nil, an
// explicit negative-cache hit).
type cacheValue struct {
	entry *Entry
}

// bestOffersCacheEntry holds a monotonically growing prefix of an
// asset pair's true best-offer ordering, plus whether that prefix is
// now the complete set.
type bestOffersCacheEntry struct {
	prefix    []*Entry
	allLoaded bool
}

type ledgerMetrics interface {
	IncCommits()
	IncRollbacks()
	IncStoreFailures()
	CacheHit(cache string)
	CacheMiss(cache string)
}

// Parent is the upward-facing contract a Scope commits into: either
// another Scope or the Root.
type Parent interface {
	NewestVersion(key LedgerKey) (*Entry, error)
	GetBestOffer(buying, selling Asset, exclude map[types.Hash]struct{}) (*Entry, error)
	GetInflationWinners(max int, minVotes *big.Int) ([]InflationWinner, error)
	Header() Header
}

// Root is the persistent bottom of the scope stack.
type Root struct {
	store Store

	header Header

	entryCache      *lruCache
	bestOffersCache *lruCache

	tx    Tx
	child *Scope

	metrics ledgerMetrics
}

// NewRoot constructs a Root over store, seeded with header and bounded
// by the given cache sizes. A non-positive size is treated as 1; the
// 4096-entry and 64-pair defaults are applied by config.Load.
func NewRoot(store Store, header Header, entryCacheSize, bestOffersCacheSize int) *Root {
	return &Root{
		store:           store,
		header:          header,
		entryCache:      newLRUCache(entryCacheSize),
		bestOffersCache: newLRUCache(bestOffersCacheSize),
		metrics:         metrics.Ledger(),
	}
}

// Header returns the root's current header.
func (r *Root) Header() Header { return r.header }

// NewestVersion reads through entry_cache to the store, negative-caching
// misses.
func (r *Root) NewestVersion(key LedgerKey) (*Entry, error) {
	encoded := key.Encode()
	if v, ok := r.entryCache.Get(encoded); ok {
		r.metrics.CacheHit("entry")
		return v.(*cacheValue).entry, nil
	}
	r.metrics.CacheMiss("entry")
	entry, err := r.loadFromStore(key)
	if err != nil {
		return nil, coreerrors.StoreFailed(err)
	}
	r.entryCache.Put(encoded, &cacheValue{entry: entry})
	return entry, nil
}

func (r *Root) loadFromStore(key LedgerKey) (*Entry, error) {
	var entry *Entry
	var found bool
	var err error
	switch key.Type {
	case KeyAccount:
		entry, found, err = r.store.LoadAccount(key.Account)
	case KeyTrustLine:
		entry, found, err = r.store.LoadTrustLine(key.Account, key.Asset)
	case KeyOffer:
		entry, found, err = r.store.LoadOffer(key.Account, key.OfferID)
	case KeyData:
		entry, found, err = r.store.LoadData(key.Account, key.DataName)
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return entry, nil
}

// GetBestOffer implements a growing-prefix cache: it consults
// best_offers_cache[(buying,selling)], returning the first cached offer
// not in exclude; if the prefix is exhausted and not yet complete, it
// loads bestOffersBatchSize more from the store and repeats. The
// store's paging order is only a float64 approximation of the exact
// (price-ratio, offer-id) order, so the accumulated prefix is re-sorted
// under the exact big.Int comparison (the same one betterOffer uses)
// before anything is selected from it.
func (r *Root) GetBestOffer(buying, selling Asset, exclude map[types.Hash]struct{}) (*Entry, error) {
	pairKey := AssetPairKey(buying, selling)
	v, ok := r.bestOffersCache.Get(pairKey)
	var cached *bestOffersCacheEntry
	if ok {
		r.metrics.CacheHit("best_offers")
		cached = v.(*bestOffersCacheEntry)
	} else {
		r.metrics.CacheMiss("best_offers")
		cached = &bestOffersCacheEntry{}
		r.bestOffersCache.Put(pairKey, cached)
	}

	for {
		for _, offer := range cached.prefix {
			if _, excluded := exclude[offer.Key.Encode()]; !excluded {
				return offer, nil
			}
		}
		if cached.allLoaded {
			return nil, nil
		}
		page, err := r.store.BestOffersPage(buying, selling, len(cached.prefix), bestOffersBatchSize)
		if err != nil {
			return nil, coreerrors.StoreFailed(err)
		}
		cached.prefix = append(cached.prefix, page...)
		sortOffersExact(cached.prefix)
		if len(page) < bestOffersBatchSize {
			cached.allLoaded = true
		}
		if len(page) == 0 {
			return nil, nil
		}
	}
}

// sortOffersExact orders offers by the exact (price-ratio, offer-id)
// comparison betterOffer uses, undoing any inversion the store's
// float64-approximate SQL ordering introduced.
func sortOffersExact(offers []*Entry) {
	sort.SliceStable(offers, func(i, j int) bool {
		return betterOffer(offers[i], offers[j]) == offers[i]
	})
}

// GetAllOffers performs a full, uncached store scan.
func (r *Root) GetAllOffers() (map[types.Hash]*Entry, error) {
	offers, err := r.store.AllOffers()
	if err != nil {
		return nil, coreerrors.StoreFailed(err)
	}
	out := make(map[types.Hash]*Entry, len(offers))
	for _, o := range offers {
		out[o.Key.Encode()] = o
	}
	return out, nil
}

// GetOffersByAccountAndAsset performs a full store scan.
func (r *Root) GetOffersByAccountAndAsset(account types.NodeID, asset Asset) ([]*Entry, error) {
	offers, err := r.store.OffersByAccountAndAsset(account, asset)
	if err != nil {
		return nil, coreerrors.StoreFailed(err)
	}
	return offers, nil
}

// GetInflationWinners performs store-side aggregation.
func (r *Root) GetInflationWinners(max int, minVotes *big.Int) ([]InflationWinner, error) {
	winners, err := r.store.InflationWinners(max, minVotes)
	if err != nil {
		return nil, coreerrors.StoreFailed(err)
	}
	return winners, nil
}

// AddChild attaches scope as the root's single write-transaction child.
// Rejects if a child already exists: at most one open write transaction
// is permitted at a time.
func (r *Root) AddChild(scope *Scope) error {
	if r.child != nil {
		return coreerrors.Violation("root already has an open child scope")
	}
	tx, err := r.store.Begin()
	if err != nil {
		return coreerrors.StoreFailed(err)
	}
	r.tx = tx
	r.child = scope
	return nil
}

// CommitChild applies scope's entries to the store and adopts its
// header. On any store failure the entry cache is flushed wholesale
// before the error is re-raised, since a partially applied write could
// otherwise be observed through a stale cache hit.
func (r *Root) CommitChild(scope *Scope) error {
	if r.child != scope {
		return coreerrors.Violation("commit_child called with a scope that is not the root's open child")
	}

	for _, slot := range scope.orderedEntries() {
		var err error
		if slot.entry != nil {
			err = r.tx.UpsertEntry(slot.entry)
		} else {
			err = r.tx.DeleteEntry(slot.key)
		}
		if err != nil {
			r.entryCache.Purge()
			r.metrics.IncStoreFailures()
			_ = r.tx.Rollback()
			r.tx = nil
			r.child = nil
			return coreerrors.StoreFailed(err)
		}
	}

	if err := r.tx.Commit(); err != nil {
		r.entryCache.Purge()
		r.metrics.IncStoreFailures()
		r.tx = nil
		r.child = nil
		return coreerrors.StoreFailed(err)
	}

	for _, slot := range scope.orderedEntries() {
		r.entryCache.Put(slot.key.Encode(), &cacheValue{entry: slot.entry})
	}
	r.bestOffersCache.Purge()

	r.header = scope.header
	r.tx = nil
	r.child = nil
	r.metrics.IncCommits()
	return nil
}

// RollbackChild rolls back the open write transaction and drops the
// child pointer. Caches are untouched: they reflect the pre-write
// state, which remains valid.
func (r *Root) RollbackChild(scope *Scope) error {
	if r.child != scope {
		return coreerrors.Violation("rollback_child called with a scope that is not the root's open child")
	}
	if r.tx != nil {
		if err := r.tx.Rollback(); err != nil {
			r.tx = nil
			r.child = nil
			return coreerrors.StoreFailed(err)
		}
	}
	r.tx = nil
	r.child = nil
	r.metrics.IncRollbacks()
	return nil
}

// OpenScope constructs a fresh child scope over the root and registers
// it via AddChild.
func (r *Root) OpenScope() (*Scope, error) {
	scope := newScope(r, r.header)
	if err := r.AddChild(scope); err != nil {
		return nil, err
	}
	return scope, nil
}

// sortWinners applies the descending-votes / descending-account-id
// ordering shared by every getInflationWinners implementation.
func sortWinners(winners []InflationWinner) {
	sort.Slice(winners, func(i, j int) bool {
		cmp := winners[i].Votes.Cmp(winners[j].Votes)
		if cmp != 0 {
			return cmp > 0
		}
		return winners[i].Dest.String() > winners[j].Dest.String()
	})
}
