package itemfetcher

import (
	"sync"
	"testing"

	"quorumcore/types"
)

type fakeOverlay struct {
	mu        sync.Mutex
	solicited map[types.Hash]int
	stopped   map[types.Hash]int
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{solicited: map[types.Hash]int{}, stopped: map[types.Hash]int{}}
}

func (f *fakeOverlay) Solicit(hash types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solicited[hash]++
}

func (f *fakeOverlay) Stop(hash types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[hash]++
}

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestFetchDedupesWaiters(t *testing.T) {
	overlay := newFakeOverlay()
	f := New(overlay)

	h := hashOf(1)
	w1, w2 := hashOf(101), hashOf(102)

	f.Fetch(h, w1)
	f.Fetch(h, w2)

	if overlay.solicited[h] != 1 {
		t.Fatalf("expected a single solicitation, got %d", overlay.solicited[h])
	}
	if len(f.Waiters(h)) != 2 {
		t.Fatalf("expected two waiters, got %d", len(f.Waiters(h)))
	}
}

func TestStopCancelsWhenLastWaiterLeaves(t *testing.T) {
	overlay := newFakeOverlay()
	f := New(overlay)

	h := hashOf(2)
	w1, w2 := hashOf(101), hashOf(102)
	f.Fetch(h, w1)
	f.Fetch(h, w2)

	f.Stop(h, w1)
	if overlay.stopped[h] != 0 {
		t.Fatalf("did not expect cancellation while a waiter remains")
	}
	f.Stop(h, w2)
	if overlay.stopped[h] != 1 {
		t.Fatalf("expected cancellation once the last waiter leaves")
	}
	if f.IsOutstanding(h) {
		t.Fatalf("expected no outstanding request after last stop")
	}
}

func TestDeliverReturnsWasRequested(t *testing.T) {
	overlay := newFakeOverlay()
	f := New(overlay)

	h := hashOf(3)
	waiters, requested := f.Deliver(h)
	if requested {
		t.Fatalf("expected unrequested delivery to report false")
	}
	if waiters != nil {
		t.Fatalf("expected no waiters for an unrequested delivery")
	}

	w := hashOf(101)
	f.Fetch(h, w)
	waiters, requested = f.Deliver(h)
	if !requested {
		t.Fatalf("expected requested delivery to report true")
	}
	if len(waiters) != 1 || waiters[0] != w {
		t.Fatalf("expected the single waiter back, got %v", waiters)
	}
	if f.IsOutstanding(h) {
		t.Fatalf("expected request to be cleared after delivery")
	}

	// Duplicate delivery after completion is a no-op.
	waiters, requested = f.Deliver(h)
	if requested || waiters != nil {
		t.Fatalf("expected duplicate delivery to be a no-op")
	}
}

func TestPeerLacksExcludesAndResolicits(t *testing.T) {
	overlay := newFakeOverlay()
	f := New(overlay)

	h := hashOf(4)
	w := hashOf(101)
	f.Fetch(h, w)
	if overlay.solicited[h] != 1 {
		t.Fatalf("expected the initial fetch to solicit once, got %d", overlay.solicited[h])
	}

	f.PeerLacks(h, "peer-a")
	excluded := f.Excluded(h)
	if _, ok := excluded["peer-a"]; !ok {
		t.Fatalf("expected peer-a to be excluded")
	}
	if overlay.solicited[h] != 2 {
		t.Fatalf("expected peer_lacks to trigger an immediate re-solicit even though the burst token is spent, got %d", overlay.solicited[h])
	}

	// A second peer_lacks arriving within the same second still
	// re-solicits: the rate limiter no longer gates this path.
	f.PeerLacks(h, "peer-b")
	if overlay.solicited[h] != 3 {
		t.Fatalf("expected a second peer_lacks to re-solicit again, got %d", overlay.solicited[h])
	}
}
