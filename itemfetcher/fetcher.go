// Package itemfetcher tracks outstanding requests for remote items keyed
// by content hash, deduping concurrent waiters and delivering arrivals.
// It is the thin bookkeeping layer the pending envelopes pipeline uses
// to talk to the peer overlay (an external collaborator reached only
// through the Overlay interface below); this package never opens a
// socket itself.
package itemfetcher

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quorumcore/types"
)

// Overlay is the outbound side of the item fetcher: soliciting and
// cancelling requests for a content hash. The real implementation lives
// in cmd/ and wraps a p2p.Broadcaster; tests use a fake.
type Overlay interface {
	Solicit(hash types.Hash)
	Stop(hash types.Hash)
}

// Waiter identifies a party waiting on a hash. In the pending envelopes
// pipeline this is an envelope's byte identity; the fetcher itself is
// agnostic to what a waiter represents.
type Waiter = types.Hash

type request struct {
	waiters   map[types.Hash]struct{}
	startedAt time.Time
	// excluded tracks peers that have told us they lack this item, so a
	// future re-solicitation round (driven by the enclosing scheduler,
	// not this package) can skip them.
	excluded map[string]struct{}
	limiter  *rate.Limiter
}

// Fetcher tracks outstanding item fetches by content hash. It has no
// internal timeout or retry loop, and no entry point for repeat
// solicitation: an enclosing scheduler that re-solicits calls the
// Overlay itself, and those calls are not throttled by this package.
// Each request carries a per-hash token bucket, which is consulted only
// for the first solicitation in Fetch.
type Fetcher struct {
	mu       sync.Mutex
	overlay  Overlay
	requests map[types.Hash]*request
	now      func() time.Time
}

// New constructs a Fetcher that solicits missing items through overlay.
func New(overlay Overlay) *Fetcher {
	return &Fetcher{
		overlay:  overlay,
		requests: make(map[types.Hash]*request),
		now:      time.Now,
	}
}

// solicitBurst and solicitPerSecond configure each request's token
// bucket. A fresh request always holds its one burst token, so the
// initial solicitation in Fetch is never held back.
const (
	solicitBurst     = 1
	solicitPerSecond = 0.2
)

func newRequest() *request {
	return &request{
		waiters:  make(map[types.Hash]struct{}),
		excluded: make(map[string]struct{}),
		limiter:  rate.NewLimiter(rate.Limit(solicitPerSecond), solicitBurst),
	}
}

// Fetch idempotently records waiter as interested in hash. If no
// request is currently in flight for hash, it initiates one via the
// overlay. Returns immediately; delivery is asynchronous.
func (f *Fetcher) Fetch(hash types.Hash, waiter Waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[hash]
	if !ok {
		req = newRequest()
		req.startedAt = f.now()
		f.requests[hash] = req
		f.solicitLocked(hash, req)
	}
	req.waiters[waiter] = struct{}{}
}

func (f *Fetcher) solicitLocked(hash types.Hash, req *request) {
	if req.limiter.AllowN(f.now(), 1) {
		f.overlay.Solicit(hash)
	}
}

// Stop removes waiter's interest in hash. If no waiters remain, the
// outstanding request is cancelled through the overlay.
func (f *Fetcher) Stop(hash types.Hash, waiter Waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[hash]
	if !ok {
		return
	}
	delete(req.waiters, waiter)
	if len(req.waiters) == 0 {
		delete(f.requests, hash)
		f.overlay.Stop(hash)
	}
}

// StartedAt reports when hash first entered the fetching state, or the
// zero time if it is not currently outstanding. Used to compute the
// per-hash fetch-duration metric on promotion into ready.
func (f *Fetcher) StartedAt(hash types.Hash) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[hash]
	if !ok {
		return time.Time{}, false
	}
	return req.startedAt, true
}

// IsOutstanding reports whether any waiter is currently registered for
// hash.
func (f *Fetcher) IsOutstanding(hash types.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.requests[hash]
	return ok
}

// Waiters returns a snapshot of the waiters currently registered for
// hash, empty if none.
func (f *Fetcher) Waiters(hash types.Hash) []Waiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[hash]
	if !ok {
		return nil
	}
	out := make([]Waiter, 0, len(req.waiters))
	for w := range req.waiters {
		out = append(out, w)
	}
	return out
}

// Deliver reports the arrival of item for hash. It returns whether
// anyone was waiting; unrequested items must be dropped by the caller.
// Duplicate deliveries after completion (no request in flight) are
// no-ops that also return false.
func (f *Fetcher) Deliver(hash types.Hash) (waiters []Waiter, wasRequested bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[hash]
	if !ok {
		return nil, false
	}
	delete(f.requests, hash)

	out := make([]Waiter, 0, len(req.waiters))
	for w := range req.waiters {
		out = append(out, w)
	}
	return out, true
}

// PeerLacks excludes peer from future re-solicitation of hash and
// re-solicits immediately, so the enclosing scheduler does not have to
// notice the exclusion on its own. This re-solicitation bypasses the
// per-hash token bucket: a peer telling us it lacks an item triggers an
// immediate re-solicit regardless of how recently we last asked.
func (f *Fetcher) PeerLacks(hash types.Hash, peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[hash]
	if !ok {
		return
	}
	req.excluded[peer] = struct{}{}
	f.overlay.Solicit(hash)
}

// Excluded reports the set of peers known to lack hash, so a scheduler
// choosing where to re-solicit can skip them.
func (f *Fetcher) Excluded(hash types.Hash) map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[hash]
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(req.excluded))
	for p := range req.excluded {
		out[p] = struct{}{}
	}
	return out
}
