package ledger

import (
	"math/big"
	"sort"

	coreerrors "quorumcore/core/errors"
	"quorumcore/types"
)

// entrySlot is one entry of a scope's local working set. A nil Entry is
// a tombstone: the key has a version in the parent and was erased here.
// A key created and then erased in the same scope has no slot at all —
// see Erase.
type entrySlot struct {
	key   LedgerKey
	entry *Entry
}

// Scope is a nested, transactional view over a Parent (a Root or an
// enclosing Scope).
type Scope struct {
	parent Parent
	header Header

	entries map[types.Hash]*entrySlot

	child         *Scope
	activeHandles map[types.Hash]struct{}
	headerActive  bool

	shouldUpdateLastModified bool
	sealed                   bool
}

func newScope(parent Parent, header Header) *Scope {
	return &Scope{
		parent:                   parent,
		header:                   header,
		entries:                  make(map[types.Hash]*entrySlot),
		activeHandles:            make(map[types.Hash]struct{}),
		shouldUpdateLastModified: true,
	}
}

// Header returns the scope's current header value.
func (s *Scope) Header() Header { return s.header }

func (s *Scope) requireUnsealed() error {
	if s.sealed {
		return coreerrors.Violation("scope is sealed")
	}
	return nil
}

func (s *Scope) requireNoActiveChild() error {
	if s.child != nil {
		return coreerrors.Violation("scope has a live child")
	}
	return nil
}

// NewestVersion implements Parent for a child scope layered on top of
// s: if s has a local entry (live or tombstoned) for key, that is
// authoritative; otherwise delegate to s's own parent.
func (s *Scope) NewestVersion(key LedgerKey) (*Entry, error) {
	if slot, ok := s.entries[key.Encode()]; ok {
		return slot.entry, nil
	}
	return s.parent.NewestVersion(key)
}

// Create inserts a brand-new entry into the scope. The key must have no
// newest version visible through s.
func (s *Scope) Create(entry *Entry) (*Entry, error) {
	if err := s.requireUnsealed(); err != nil {
		return nil, err
	}
	if err := s.requireNoActiveChild(); err != nil {
		return nil, err
	}
	encoded := entry.Key.Encode()
	if _, active := s.activeHandles[encoded]; active {
		return nil, coreerrors.Violation("key already has an active handle")
	}
	existing, err := s.NewestVersion(entry.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, coreerrors.Violation("key already has a newest version visible through this scope")
	}
	stored := entry.Clone()
	s.entries[encoded] = &entrySlot{key: entry.Key, entry: stored}
	s.activeHandles[encoded] = struct{}{}
	return stored, nil
}

// Load returns a mutable handle over key's newest version, copying it
// into the scope's local working set so future edits stay local to s.
// Returns (nil, nil) if the key has no newest version.
func (s *Scope) Load(key LedgerKey) (*Entry, error) {
	if err := s.requireUnsealed(); err != nil {
		return nil, err
	}
	if err := s.requireNoActiveChild(); err != nil {
		return nil, err
	}
	encoded := key.Encode()
	if _, active := s.activeHandles[encoded]; active {
		return nil, coreerrors.Violation("key already has an active handle")
	}
	current, err := s.NewestVersion(key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	local := current.Clone()
	s.entries[encoded] = &entrySlot{key: key, entry: local}
	s.activeHandles[encoded] = struct{}{}
	return local, nil
}

// LoadWithoutRecord returns a read-only view of key's newest version
// without copying it into the scope's local working set.
func (s *Scope) LoadWithoutRecord(key LedgerKey) (*Entry, error) {
	if err := s.requireUnsealed(); err != nil {
		return nil, err
	}
	if err := s.requireNoActiveChild(); err != nil {
		return nil, err
	}
	encoded := key.Encode()
	if _, active := s.activeHandles[encoded]; active {
		return nil, coreerrors.Violation("key already has an active handle")
	}
	current, err := s.NewestVersion(key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	s.activeHandles[encoded] = struct{}{}
	return current, nil
}

// Deactivate releases the active-handle claim on key, taken out by
// Create, Load, or LoadWithoutRecord.
func (s *Scope) Deactivate(key LedgerKey) {
	delete(s.activeHandles, key.Encode())
}

// Erase removes key from the scope's visible state. If key was created
// fresh in s (no parent version exists), it is dropped from s.entries
// entirely; otherwise s records a tombstone.
func (s *Scope) Erase(key LedgerKey) error {
	if err := s.requireUnsealed(); err != nil {
		return err
	}
	if err := s.requireNoActiveChild(); err != nil {
		return err
	}
	encoded := key.Encode()
	if _, active := s.activeHandles[encoded]; active {
		return coreerrors.Violation("key already has an active handle")
	}
	current, err := s.NewestVersion(key)
	if err != nil {
		return err
	}
	if current == nil {
		return coreerrors.Violation("erase called on a key with no newest version")
	}
	parentVersion, err := s.parent.NewestVersion(key)
	if err != nil {
		return err
	}
	if parentVersion == nil {
		delete(s.entries, encoded)
		return nil
	}
	s.entries[encoded] = &entrySlot{key: key, entry: nil}
	return nil
}

// LoadHeader returns a mutable handle over the scope's header. Forbidden
// while a header handle is already active.
func (s *Scope) LoadHeader() (*Header, error) {
	if err := s.requireUnsealed(); err != nil {
		return nil, err
	}
	if err := s.requireNoActiveChild(); err != nil {
		return nil, err
	}
	if s.headerActive {
		return nil, coreerrors.Violation("header handle already active")
	}
	s.headerActive = true
	return &s.header, nil
}

// ReleaseHeader deactivates the header handle taken out by LoadHeader.
func (s *Scope) ReleaseHeader() { s.headerActive = false }

// UnsealHeader permits a caller-supplied mutation of the header after
// the scope has been sealed by Commit.
func (s *Scope) UnsealHeader(f func(*Header)) error {
	if !s.sealed {
		return coreerrors.Violation("unseal_header called before the scope was sealed")
	}
	f(&s.header)
	return nil
}

// OpenScope constructs a fresh child scope over s.
func (s *Scope) OpenScope() (*Scope, error) {
	if err := s.requireUnsealed(); err != nil {
		return nil, err
	}
	if err := s.requireNoActiveChild(); err != nil {
		return nil, err
	}
	child := newScope(s, s.header)
	s.child = child
	return child, nil
}

// CommitChild folds child's working set into s: live entries overwrite,
// tombstones erase keys s never held a parent version for and otherwise
// propagate as tombstones. Then s adopts child's header.
func (s *Scope) CommitChild(child *Scope) error {
	if s.child != child {
		return coreerrors.Violation("commit_child called with a scope that is not this scope's open child")
	}
	for _, slot := range child.orderedEntries() {
		encoded := slot.key.Encode()
		if slot.entry != nil {
			s.entries[encoded] = &entrySlot{key: slot.key, entry: slot.entry}
			continue
		}
		// Tombstone: s keeps a tombstone only if s's own parent still
		// has a version of the key; a key that exists only in s's
		// working set (created in s) is simply dropped from it.
		parentVersion, err := s.parent.NewestVersion(slot.key)
		if err != nil {
			return err
		}
		if parentVersion == nil {
			delete(s.entries, encoded)
			continue
		}
		s.entries[encoded] = &entrySlot{key: slot.key, entry: nil}
	}
	s.header = child.header
	s.child = nil
	return nil
}

// RollbackChild rolls back child's write, discarding its working set.
// s's own state is untouched.
func (s *Scope) RollbackChild(child *Scope) error {
	if s.child != child {
		return coreerrors.Violation("rollback_child called with a scope that is not this scope's open child")
	}
	s.child = nil
	return nil
}

// Commit seals s, stamps last_modified_ledger_seq on every live local
// entry with the scope's ledger sequence, and hands the sealed state up
// to the parent.
func (s *Scope) Commit() error {
	if err := s.requireNoActiveChild(); err != nil {
		return err
	}
	if len(s.activeHandles) > 0 {
		return coreerrors.Violation("scope has active handles outstanding at commit")
	}
	s.sealed = true
	if s.shouldUpdateLastModified {
		for _, slot := range s.entries {
			if slot.entry != nil {
				slot.entry.LastModifiedLedgerSeq = s.header.LedgerSeq
			}
		}
	}
	return s.parent.(interface{ CommitChild(*Scope) error }).CommitChild(s)
}

// Rollback discards s's working set, rolling back any live child first.
func (s *Scope) Rollback() error {
	if s.child != nil {
		if err := s.child.Rollback(); err != nil {
			return err
		}
	}
	s.activeHandles = make(map[types.Hash]struct{})
	return s.parent.(interface{ RollbackChild(*Scope) error }).RollbackChild(s)
}

// orderedEntries returns s.entries sorted by encoded key, giving
// deterministic iteration order to callers that fold this scope's
// changes into a parent.
func (s *Scope) orderedEntries() []*entrySlot {
	out := make([]*entrySlot, 0, len(s.entries))
	for _, slot := range s.entries {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key.Encode(), out[j].key.Encode()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// GetAllOffers starts from the parent's offer set and applies s's local
// overlay: tombstones remove, live offer entries replace.
func (s *Scope) GetAllOffers() (map[types.Hash]*Entry, error) {
	offers, err := s.parent.(interface {
		GetAllOffers() (map[types.Hash]*Entry, error)
	}).GetAllOffers()
	if err != nil {
		return nil, err
	}
	for _, slot := range s.entries {
		if slot.key.Type != KeyOffer {
			continue
		}
		encoded := slot.key.Encode()
		if slot.entry == nil {
			delete(offers, encoded)
			continue
		}
		offers[encoded] = slot.entry
	}
	return offers, nil
}

// GetBestOffer implements a local-pass-then-ask-parent algorithm.
func (s *Scope) GetBestOffer(buying, selling Asset, exclude map[types.Hash]struct{}) (*Entry, error) {
	buyKey, sellKey := buying.Key(), selling.Key()
	var local *Entry
	for _, slot := range s.entries {
		if slot.key.Type != KeyOffer {
			continue
		}
		encoded := slot.key.Encode()
		if _, already := exclude[encoded]; already {
			continue
		}
		exclude[encoded] = struct{}{}
		if slot.entry == nil {
			continue
		}
		if slot.entry.Offer.Buying.Key() != buyKey || slot.entry.Offer.Selling.Key() != sellKey {
			continue
		}
		local = betterOffer(local, slot.entry)
	}
	parentBest, err := s.parent.GetBestOffer(buying, selling, exclude)
	if err != nil {
		return nil, err
	}
	return betterOffer(local, parentBest), nil
}

// GetInflationWinners implements a delta-accumulation algorithm over
// changed accounts.
func (s *Scope) GetInflationWinners(max int, minVotes *big.Int) ([]InflationWinner, error) {
	delta := make(map[types.NodeKey]*big.Int)
	dests := make(map[types.NodeKey]types.NodeID)

	addDelta := func(dest types.NodeID, amount *big.Int) {
		k := types.Key(dest)
		if delta[k] == nil {
			delta[k] = new(big.Int)
			dests[k] = dest
		}
		delta[k].Add(delta[k], amount)
	}

	for _, slot := range s.entries {
		if slot.key.Type != KeyAccount {
			continue
		}
		if slot.entry != nil && slot.entry.Account != nil && slot.entry.Account.InflationDest != nil &&
			slot.entry.Account.Balance != nil && slot.entry.Account.Balance.Cmp(MinInflationBalance) >= 0 {
			addDelta(*slot.entry.Account.InflationDest, slot.entry.Account.Balance)
		}
		old, err := s.parent.NewestVersion(slot.key)
		if err != nil {
			return nil, err
		}
		if old != nil && old.Account != nil && old.Account.InflationDest != nil &&
			old.Account.Balance != nil && old.Account.Balance.Cmp(MinInflationBalance) >= 0 {
			addDelta(*old.Account.InflationDest, new(big.Int).Neg(old.Account.Balance))
		}
	}

	nChanged := 0
	maxIncrease := big.NewInt(0)
	for _, v := range delta {
		if v.Sign() != 0 {
			nChanged++
		}
		if v.Cmp(maxIncrease) > 0 {
			maxIncrease = v
		}
	}

	parentMinVotes := new(big.Int).Sub(minVotes, maxIncrease)
	if parentMinVotes.Sign() < 0 {
		parentMinVotes = big.NewInt(0)
	}
	parentWinners, err := s.parent.GetInflationWinners(max+nChanged, parentMinVotes)
	if err != nil {
		return nil, err
	}

	totals := make(map[types.NodeKey]*big.Int)
	owners := make(map[types.NodeKey]types.NodeID)
	for _, w := range parentWinners {
		k := types.Key(w.Dest)
		total := new(big.Int).Set(w.Votes)
		if d, ok := delta[k]; ok {
			total.Add(total, d)
		}
		totals[k] = total
		owners[k] = w.Dest
	}
	for k, d := range delta {
		if _, already := totals[k]; already {
			continue
		}
		if d.Cmp(minVotes) >= 0 {
			totals[k] = new(big.Int).Set(d)
			owners[k] = dests[k]
		}
	}

	winners := make([]InflationWinner, 0, len(totals))
	for k, total := range totals {
		if total.Cmp(minVotes) < 0 {
			continue
		}
		winners = append(winners, InflationWinner{Dest: owners[k], Votes: total})
	}
	sortWinners(winners)
	if len(winners) > max {
		winners = winners[:max]
	}
	return winners, nil
}

// changeKind labels one entry's transition for GetChanges.
type changeKind int

const (
	ChangeCreated changeKind = iota
	ChangeUpdated
	ChangeRemoved
)

// Change is one (key, transition) pair produced by GetChanges.
type Change struct {
	Key  LedgerKey
	Kind changeKind
}

func (s *Scope) seal() {
	s.sealed = true
}

// GetChanges seals the scope and reports each local entry's transition
// relative to the parent's newest version.
func (s *Scope) GetChanges() ([]Change, error) {
	s.seal()
	out := make([]Change, 0, len(s.entries))
	for _, slot := range s.orderedEntries() {
		parentVersion, err := s.parent.NewestVersion(slot.key)
		if err != nil {
			return nil, err
		}
		switch {
		case parentVersion == nil && slot.entry != nil:
			out = append(out, Change{Key: slot.key, Kind: ChangeCreated})
		case parentVersion != nil && slot.entry != nil:
			out = append(out, Change{Key: slot.key, Kind: ChangeUpdated})
		case parentVersion != nil && slot.entry == nil:
			out = append(out, Change{Key: slot.key, Kind: ChangeRemoved})
		}
	}
	return out, nil
}

// GetDelta returns the live entries this scope introduced or modified.
func (s *Scope) GetDelta() ([]*Entry, error) {
	s.seal()
	out := make([]*Entry, 0, len(s.entries))
	for _, slot := range s.orderedEntries() {
		if slot.entry != nil {
			out = append(out, slot.entry)
		}
	}
	return out, nil
}

// GetLiveEntries returns every entry this scope holds a live (non-tombstone)
// local version of.
func (s *Scope) GetLiveEntries() ([]*Entry, error) {
	return s.GetDelta()
}

// GetDeadEntries returns the keys this scope has tombstoned.
func (s *Scope) GetDeadEntries() ([]LedgerKey, error) {
	s.seal()
	out := make([]LedgerKey, 0)
	for _, slot := range s.orderedEntries() {
		if slot.entry == nil {
			out = append(out, slot.key)
		}
	}
	return out, nil
}
