package ledger

import (
	"math/big"

	coreerrors "quorumcore/core/errors"
	"quorumcore/types"
)

// unlimitedTrustlineAmount stands in for "no limit" on the virtual
// issuer trustline: an asset's issuer is always authorized to hold and
// send unbounded amounts of its own asset.
var unlimitedTrustlineAmount = big.NewInt(0).SetUint64(^uint64(0))

// EntryHandle is a mutable, scoped borrow of one entry produced by
// Scope.Create or Scope.Load. It must be released with Deactivate or
// Erase before the owning scope may be committed.
type EntryHandle struct {
	scope *Scope
	key   LedgerKey
	entry *Entry
	live  bool
}

func newEntryHandle(scope *Scope, key LedgerKey, entry *Entry) *EntryHandle {
	return &EntryHandle{scope: scope, key: key, entry: entry, live: true}
}

// Current returns the mutable entry payload.
func (h *EntryHandle) Current() *Entry { return h.entry }

// Key returns the ledger key this handle borrows.
func (h *EntryHandle) Key() LedgerKey { return h.key }

// Deactivate releases the handle's claim in the scope's active_handles
// table without erasing the entry.
func (h *EntryHandle) Deactivate() {
	if !h.live {
		return
	}
	h.scope.Deactivate(h.key)
	h.live = false
}

// Erase deletes the underlying entry and releases the handle in one
// step.
func (h *EntryHandle) Erase() error {
	if !h.live {
		return coreerrors.Violation("erase called on an already-deactivated handle")
	}
	// Scope.Erase rejects keys with an active handle, so this handle's
	// own claim is released first and restored if the erase fails.
	h.scope.Deactivate(h.key)
	if err := h.scope.Erase(h.key); err != nil {
		h.scope.activeHandles[h.key.Encode()] = struct{}{}
		return err
	}
	h.live = false
	return nil
}

// ConstEntryHandle is a read-only scoped borrow produced by
// Scope.LoadWithoutRecord: it observes the upstream copy directly, so
// mutating its Current() value would be a logic error even though Go
// cannot enforce that at compile time.
type ConstEntryHandle struct {
	scope *Scope
	key   LedgerKey
	entry *Entry
	live  bool
}

func newConstEntryHandle(scope *Scope, key LedgerKey, entry *Entry) *ConstEntryHandle {
	return &ConstEntryHandle{scope: scope, key: key, entry: entry, live: true}
}

// Current returns the entry's current payload. Callers must not mutate
// the returned value; it may be shared with the root cache or an
// ancestor scope.
func (h *ConstEntryHandle) Current() *Entry { return h.entry }

// Deactivate releases the handle's claim in the scope's active_handles
// table.
func (h *ConstEntryHandle) Deactivate() {
	if !h.live {
		return
	}
	h.scope.Deactivate(h.key)
	h.live = false
}

// HeaderHandle is a mutable, scoped borrow of a scope's header,
// produced by Scope.LoadHeader.
type HeaderHandle struct {
	scope *Scope
	live  bool
}

func newHeaderHandle(scope *Scope) *HeaderHandle {
	return &HeaderHandle{scope: scope, live: true}
}

// Current returns the mutable header.
func (h *HeaderHandle) Current() *Header { return &h.scope.header }

// Deactivate releases the header handle.
func (h *HeaderHandle) Deactivate() {
	if !h.live {
		return
	}
	h.scope.ReleaseHeader()
	h.live = false
}

// CreateEntry wraps Scope.Create in an EntryHandle.
func CreateEntry(scope *Scope, entry *Entry) (*EntryHandle, error) {
	stored, err := scope.Create(entry)
	if err != nil {
		return nil, err
	}
	return newEntryHandle(scope, entry.Key, stored), nil
}

// LoadEntry wraps Scope.Load in an EntryHandle. Returns (nil, nil) if
// the key has no newest version.
func LoadEntry(scope *Scope, key LedgerKey) (*EntryHandle, error) {
	entry, err := scope.Load(key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return newEntryHandle(scope, key, entry), nil
}

// LoadConstEntry wraps Scope.LoadWithoutRecord in a ConstEntryHandle.
func LoadConstEntry(scope *Scope, key LedgerKey) (*ConstEntryHandle, error) {
	entry, err := scope.LoadWithoutRecord(key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return newConstEntryHandle(scope, key, entry), nil
}

// LoadEntryHeader wraps Scope.LoadHeader in a HeaderHandle.
func LoadEntryHeader(scope *Scope) (*HeaderHandle, error) {
	if _, err := scope.LoadHeader(); err != nil {
		return nil, err
	}
	return newHeaderHandle(scope), nil
}

// TrustlineView is the tagged-variant façade over an account's standing
// to hold an asset: either a concrete trustline entry, or a virtual,
// unlimited standing for an asset's own issuer. Dispatch is via the two
// concrete implementations below rather than an abstract base class.
type TrustlineView interface {
	Balance() *big.Int
	Limit() *big.Int
	Authorized() bool
}

// Issuer is the virtual trustline standing an asset's issuer holds in
// its own asset: unlimited balance, unlimited limit, always authorized.
type Issuer struct {
	Account types.NodeID
	Asset   Asset
}

func (Issuer) Balance() *big.Int { return unlimitedTrustlineAmount }
func (Issuer) Limit() *big.Int   { return unlimitedTrustlineAmount }
func (Issuer) Authorized() bool  { return true }

// NonIssuer is a concrete trustline standing backed by a real ledger
// entry.
type NonIssuer struct {
	Handle *EntryHandle
}

func (n NonIssuer) Balance() *big.Int { return n.Handle.Current().TrustLine.Balance }
func (n NonIssuer) Limit() *big.Int   { return n.Handle.Current().TrustLine.Limit }
func (n NonIssuer) Authorized() bool  { return n.Handle.Current().TrustLine.Authorized }

// LoadTrustlineView resolves account's standing to hold asset: the
// virtual Issuer variant if account is asset's issuer (asset must be
// non-native), otherwise a NonIssuer backed by Scope.Load. Returns a
// nil handle in the NonIssuer branch's return alongside a nil view if
// no trustline entry exists.
func LoadTrustlineView(scope *Scope, account types.NodeID, asset Asset) (TrustlineView, error) {
	if asset.Type != AssetNative && account.String() == asset.Issuer.String() {
		return Issuer{Account: account, Asset: asset}, nil
	}
	handle, err := LoadEntry(scope, TrustLineKey(account, asset))
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, nil
	}
	return NonIssuer{Handle: handle}, nil
}
