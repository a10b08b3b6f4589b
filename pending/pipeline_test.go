package pending

import (
	"testing"

	"quorumcore/envelope"
	"quorumcore/itemfetcher"
	"quorumcore/quorum"
	"quorumcore/types"
)

type fakeOverlay struct {
	solicited []types.Hash
	stopped   []types.Hash
}

func (f *fakeOverlay) Solicit(hash types.Hash) { f.solicited = append(f.solicited, hash) }
func (f *fakeOverlay) Stop(hash types.Hash)    { f.stopped = append(f.stopped, hash) }

func node(b byte) types.NodeID {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = b
	}
	return types.NodeIDFromBytes(buf)
}

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func newTestPipeline() (*Pipeline, *fakeOverlay) {
	overlay := &fakeOverlay{}
	fetcher := itemfetcher.New(overlay)
	tracker := quorum.New(node(0))
	return New(fetcher, tracker), overlay
}

func makeEnvelope(slot uint64, body byte, qsetHash types.Hash, txsetHash *types.Hash) *envelope.Envelope {
	return &envelope.Envelope{
		Slot:      slot,
		Signer:    node(body),
		QSetHash:  qsetHash,
		TxSetHash: txsetHash,
		Body:      []byte{body},
	}
}

// TestHappyPathFetchToReady exercises spec scenario 1: an envelope whose
// quorum-set is unknown moves into fetching, and once both dependencies
// arrive it is promoted to ready in FIFO order and can be popped.
func TestHappyPathFetchToReady(t *testing.T) {
	p, overlay := newTestPipeline()

	qsetHash := hashOf(10)
	txsetHash := hashOf(20)
	env := makeEnvelope(1, 1, qsetHash, &txsetHash)

	status := p.Recv(env)
	if status != StatusFetching {
		t.Fatalf("expected StatusFetching, got %v", status)
	}
	if len(overlay.solicited) != 2 {
		t.Fatalf("expected solicitations for both dependencies, got %d", len(overlay.solicited))
	}

	if p.Pop(1) != nil {
		t.Fatalf("expected nothing ready before dependencies arrive")
	}

	qset := &envelope.QuorumSet{Threshold: 1, Validators: []types.NodeID{node(1)}}
	if !p.RecvQset(qsetHash, qset) {
		t.Fatalf("expected qset delivery to be accepted (it was requested)")
	}
	if p.Pop(1) != nil {
		t.Fatalf("expected still not ready with the txset outstanding")
	}

	if !p.RecvTxSet(txsetHash, []byte("payload")) {
		t.Fatalf("expected txset delivery to be accepted")
	}

	popped := p.Pop(1)
	if popped == nil || popped.ID() != env.ID() {
		t.Fatalf("expected the envelope to be ready and poppable")
	}
	if p.Pop(1) != nil {
		t.Fatalf("expected only one envelope ready")
	}
}

// TestImmediateReadyWhenDepsKnown covers the case where both dependencies
// are already cached at Recv time.
func TestImmediateReadyWhenDepsKnown(t *testing.T) {
	p, _ := newTestPipeline()

	qsetHash := hashOf(11)
	qset := &envelope.QuorumSet{Threshold: 1, Validators: []types.NodeID{node(1)}}
	p.AddQset(qsetHash, qset)

	env := makeEnvelope(2, 2, qsetHash, nil)
	if status := p.Recv(env); status != StatusReady {
		t.Fatalf("expected immediate StatusReady, got %v", status)
	}
}

// TestUnsafeQsetDiscardsCascade covers spec scenario 2: a structurally
// insane quorum-set descriptor discards every envelope waiting on it,
// stops their other outstanding fetches, and rejects later arrivals
// referencing the same hash outright.
func TestUnsafeQsetDiscardsCascade(t *testing.T) {
	p, overlay := newTestPipeline()

	qsetHash := hashOf(30)
	txsetHash := hashOf(31)

	envA := makeEnvelope(5, 5, qsetHash, &txsetHash)
	envB := makeEnvelope(5, 6, qsetHash, nil)

	if status := p.Recv(envA); status != StatusFetching {
		t.Fatalf("expected envA fetching, got %v", status)
	}
	if status := p.Recv(envB); status != StatusFetching {
		t.Fatalf("expected envB fetching, got %v", status)
	}

	insane := &envelope.QuorumSet{Threshold: 0, Validators: []types.NodeID{node(1)}}
	p.AddQset(qsetHash, insane)

	stoppedTxset := false
	for _, h := range overlay.stopped {
		if h == txsetHash {
			stoppedTxset = true
		}
	}
	if !stoppedTxset {
		t.Fatalf("expected envA's outstanding txset fetch to be stopped once its qset was found unsafe")
	}

	if status := p.Recv(envA); status != StatusDiscarded {
		t.Fatalf("expected envA discarded, got %v", status)
	}
	if status := p.Recv(envB); status != StatusDiscarded {
		t.Fatalf("expected envB discarded, got %v", status)
	}

	// A brand new envelope referencing the same now-known-insane hash is
	// discarded immediately without ever entering fetching.
	envC := makeEnvelope(5, 7, qsetHash, nil)
	if status := p.Recv(envC); status != StatusDiscarded {
		t.Fatalf("expected envC discarded on arrival, got %v", status)
	}
}

func TestRecvBelowLowerBoundIsInvalid(t *testing.T) {
	p, _ := newTestPipeline()
	p.EraseBelow(10)

	env := makeEnvelope(3, 1, hashOf(1), nil)
	if status := p.Recv(env); status != StatusInvalid {
		t.Fatalf("expected StatusInvalid for a slot below the erase watermark, got %v", status)
	}
}

func TestUnrequestedDeliveryIsRejected(t *testing.T) {
	p, _ := newTestPipeline()
	if p.RecvQset(hashOf(99), &envelope.QuorumSet{Threshold: 1, Validators: []types.NodeID{node(1)}}) {
		t.Fatalf("expected an unrequested qset delivery to be rejected")
	}
	if p.RecvTxSet(hashOf(98), []byte("x")) {
		t.Fatalf("expected an unrequested txset delivery to be rejected")
	}
}

func TestEnvelopeProcessedMovesFromReady(t *testing.T) {
	p, _ := newTestPipeline()
	qsetHash := hashOf(40)
	p.AddQset(qsetHash, &envelope.QuorumSet{Threshold: 1, Validators: []types.NodeID{node(1)}})

	env := makeEnvelope(7, 1, qsetHash, nil)
	p.Recv(env)
	p.EnvelopeProcessed(env)

	if p.Pop(7) != nil {
		t.Fatalf("expected processed envelope to no longer be ready")
	}
	if status := p.Recv(env); status != StatusProcessed {
		t.Fatalf("expected re-receiving a processed envelope to report StatusProcessed, got %v", status)
	}
}

func TestEraseBelowStopsOutstandingFetchesAndInvalidatesSlot(t *testing.T) {
	p, overlay := newTestPipeline()
	qsetHash := hashOf(50)
	env := makeEnvelope(2, 1, qsetHash, nil)
	p.Recv(env)

	p.EraseBelow(3)

	stopped := false
	for _, h := range overlay.stopped {
		if h == qsetHash {
			stopped = true
		}
	}
	if !stopped {
		t.Fatalf("expected the erased slot's outstanding fetch to be stopped")
	}
	if status := p.Recv(env); status != StatusInvalid {
		t.Fatalf("expected the erased slot to now be invalid, got %v", status)
	}
}
