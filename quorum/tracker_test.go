package quorum

import (
	"testing"

	"quorumcore/envelope"
	"quorumcore/types"
)

func node(b byte) types.NodeID {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = b
	}
	return types.NodeIDFromBytes(buf)
}

func TestExpandRejectsUnknownNode(t *testing.T) {
	local := node(0)
	tr := New(local)

	_, err := tr.Expand(node(1), &envelope.QuorumSet{Threshold: 1, Validators: []types.NodeID{node(2)}})
	if err == nil {
		t.Fatalf("expected contract violation for a node never inserted as a frontier member")
	}
}

func TestExpandIdempotent(t *testing.T) {
	local := node(0)
	tr := New(local)

	qs := &envelope.QuorumSet{Threshold: 1, Validators: []types.NodeID{node(1)}}
	ok, err := tr.Expand(local, qs)
	if err != nil || !ok {
		t.Fatalf("expected first expand to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = tr.Expand(local, qs)
	if err != nil || !ok {
		t.Fatalf("expected idempotent re-expand to accept, got ok=%v err=%v", ok, err)
	}

	other := &envelope.QuorumSet{Threshold: 1, Validators: []types.NodeID{node(2)}}
	ok, err = tr.Expand(local, other)
	if err != nil {
		t.Fatalf("unexpected error rejecting a differing descriptor: %v", err)
	}
	if ok {
		t.Fatalf("expected a differing descriptor to be rejected")
	}
}

func TestRebuildLabelsDistanceAndClosest(t *testing.T) {
	l, a, b, c := node(0), node(1), node(2), node(3)

	qsets := map[types.NodeKey]*envelope.QuorumSet{
		types.Key(l): {Threshold: 1, Validators: []types.NodeID{a, b}},
		types.Key(a): {Threshold: 1, Validators: []types.NodeID{c}},
		types.Key(b): {Threshold: 1, Validators: []types.NodeID{c}},
	}

	tr := New(l)
	err := tr.Rebuild(func(id types.NodeID) (*envelope.QuorumSet, bool) {
		qs, ok := qsets[types.Key(id)]
		return qs, ok
	})
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	assertDistance := func(id types.NodeID, want uint32) {
		t.Helper()
		e, ok := tr.Get(id)
		if !ok {
			t.Fatalf("expected node to be present")
		}
		if e.Distance != want {
			t.Fatalf("expected distance %d, got %d", want, e.Distance)
		}
	}
	assertDistance(l, 0)
	assertDistance(a, 1)
	assertDistance(b, 1)
	assertDistance(c, 2)

	ce, _ := tr.Get(c)
	if len(ce.ClosestQSetValidators) != 2 {
		t.Fatalf("expected C's closest set to contain both A and B, got %d entries", len(ce.ClosestQSetValidators))
	}
	if _, ok := ce.ClosestQSetValidators[types.Key(a)]; !ok {
		t.Fatalf("expected A in C's closest set")
	}
	if _, ok := ce.ClosestQSetValidators[types.Key(b)]; !ok {
		t.Fatalf("expected B in C's closest set")
	}

	if !tr.IsNodeInTransitiveQuorum(c) {
		t.Fatalf("expected C to be in the transitive quorum")
	}
	if tr.IsNodeInTransitiveQuorum(node(9)) {
		t.Fatalf("did not expect an unrelated node in the transitive quorum")
	}
}
