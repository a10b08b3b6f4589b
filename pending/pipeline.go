// Package pending implements the staging machine that sits between the
// overlay and consensus: per-slot envelope bookkeeping that intakes
// consensus envelopes, fetches missing quorum-set and transaction-set
// dependencies through an item fetcher, discards envelopes whose
// dependencies prove unsafe, and releases ready envelopes to the
// consensus engine (an external collaborator this package never
// constructs) in FIFO order per slot.
package pending

import (
	"sort"
	"time"

	"quorumcore/envelope"
	"quorumcore/itemfetcher"
	"quorumcore/observability/metrics"
	"quorumcore/quorum"
	"quorumcore/types"
)

// Status is the outcome of Recv for one envelope.
type Status int

const (
	StatusInvalid Status = iota
	StatusReady
	StatusFetching
	StatusProcessed
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusFetching:
		return "fetching"
	case StatusProcessed:
		return "processed"
	case StatusDiscarded:
		return "discarded"
	default:
		return "invalid"
	}
}

type fetchRecord struct {
	env       *envelope.Envelope
	startedAt time.Time
}

type slotState struct {
	discarded map[types.Hash]*envelope.Envelope
	processed map[types.Hash]*envelope.Envelope
	fetching  map[types.Hash]fetchRecord
	ready     []*envelope.Envelope
	readySet  map[types.Hash]struct{}
}

func newSlotState() *slotState {
	return &slotState{
		discarded: make(map[types.Hash]*envelope.Envelope),
		processed: make(map[types.Hash]*envelope.Envelope),
		fetching:  make(map[types.Hash]fetchRecord),
		readySet:  make(map[types.Hash]struct{}),
	}
}

type txSetEntry struct {
	payload   []byte
	highWater uint64
}

// Pipeline is the pending envelopes staging machine.
type Pipeline struct {
	lowerBound uint64
	slots      map[uint64]*slotState

	qsetCache  map[types.Hash]*envelope.QuorumSet
	txsetCache map[types.Hash]*txSetEntry

	// nodeQSet tracks the most recently observed quorum-set hash
	// referenced by each signer, so rebuildQuorumTrackerState can
	// resolve a node identity to its current descriptor via the qset
	// cache this component already maintains (see DESIGN.md for why
	// envelope.Envelope carries a Signer field).
	nodeQSet map[types.NodeKey]types.Hash

	fetcher *itemfetcher.Fetcher
	tracker *quorum.Tracker

	// registry maps an outstanding envelope's ID to the slot holding it
	// in its fetching set, so a fetcher delivery (keyed only by
	// content hash) can find the right slotState to re-check.
	registry map[types.Hash]uint64

	metrics interface {
		SetSize(name string, size int)
		ObserveFetchSeconds(seconds float64)
		IncDiscards(n int)
		IncProcessed()
	}

	now func() time.Time
}

// New constructs an empty Pipeline bound to fetcher for dependency
// resolution and tracker for quorum-map maintenance.
func New(fetcher *itemfetcher.Fetcher, tracker *quorum.Tracker) *Pipeline {
	return &Pipeline{
		slots:      make(map[uint64]*slotState),
		qsetCache:  make(map[types.Hash]*envelope.QuorumSet),
		txsetCache: make(map[types.Hash]*txSetEntry),
		nodeQSet:   make(map[types.NodeKey]types.Hash),
		fetcher:    fetcher,
		tracker:    tracker,
		registry:   make(map[types.Hash]uint64),
		metrics:    metrics.Pending(),
		now:        time.Now,
	}
}

func (p *Pipeline) slot(idx uint64) *slotState {
	ss, ok := p.slots[idx]
	if !ok {
		ss = newSlotState()
		p.slots[idx] = ss
	}
	return ss
}

func (p *Pipeline) missingDeps(env *envelope.Envelope) []types.Hash {
	var missing []types.Hash
	if qset, ok := p.qsetCache[env.QSetHash]; !ok || qset == nil {
		missing = append(missing, env.QSetHash)
	}
	if env.TxSetHash != nil {
		if _, ok := p.txsetCache[*env.TxSetHash]; !ok {
			missing = append(missing, *env.TxSetHash)
		}
	}
	return missing
}

func (p *Pipeline) touchTxSet(hash types.Hash, slot uint64) {
	entry, ok := p.txsetCache[hash]
	if !ok {
		return
	}
	if slot > entry.highWater {
		entry.highWater = slot
	}
}

func (p *Pipeline) promoteToReady(ss *slotState, env *envelope.Envelope) {
	id := env.ID()
	if env.TxSetHash != nil {
		p.touchTxSet(*env.TxSetHash, env.Slot)
	}
	ss.ready = append(ss.ready, env)
	ss.readySet[id] = struct{}{}
	p.refreshMetrics()
}

// Recv intakes an envelope, discarding, fetching, or promoting it to
// ready depending on the state of its dependencies.
func (p *Pipeline) Recv(env *envelope.Envelope) Status {
	if env.Slot < p.lowerBound {
		return StatusInvalid
	}
	p.nodeQSet[types.Key(env.Signer)] = env.QSetHash

	ss := p.slot(env.Slot)
	id := env.ID()

	if _, ok := ss.processed[id]; ok {
		return StatusProcessed
	}
	if _, ok := ss.discarded[id]; ok {
		return StatusDiscarded
	}

	if qset, ok := p.qsetCache[env.QSetHash]; ok && qset != nil && !qset.IsSane() {
		ss.discarded[id] = env
		p.metrics.IncDiscards(1)
		p.refreshMetrics()
		return StatusDiscarded
	}

	if _, ok := ss.fetching[id]; ok {
		return StatusFetching
	}
	if _, ok := ss.readySet[id]; ok {
		return StatusReady
	}

	missing := p.missingDeps(env)
	if len(missing) == 0 {
		p.promoteToReady(ss, env)
		return StatusReady
	}

	ss.fetching[id] = fetchRecord{env: env, startedAt: p.now()}
	p.registry[id] = env.Slot
	for _, h := range missing {
		p.fetcher.Fetch(h, id)
	}
	p.refreshMetrics()
	return StatusFetching
}

// reenter re-checks a fetching envelope's dependencies after one of
// them arrives, promoting it to ready if all are now satisfied.
func (p *Pipeline) reenter(id types.Hash) {
	slotIdx, ok := p.registry[id]
	if !ok {
		return
	}
	ss, ok := p.slots[slotIdx]
	if !ok {
		delete(p.registry, id)
		return
	}
	rec, ok := ss.fetching[id]
	if !ok {
		delete(p.registry, id)
		return
	}
	if len(p.missingDeps(rec.env)) != 0 {
		return
	}
	delete(ss.fetching, id)
	delete(p.registry, id)
	p.metrics.ObserveFetchSeconds(p.now().Sub(rec.startedAt).Seconds())
	p.promoteToReady(ss, rec.env)
}

func (p *Pipeline) stopFetchesFor(env *envelope.Envelope, id types.Hash) {
	p.fetcher.Stop(env.QSetHash, id)
	if env.TxSetHash != nil {
		p.fetcher.Stop(*env.TxSetHash, id)
	}
}

// discardWaiters moves every envelope in waiterIDs from its slot's
// fetching set into discarded, stopping any of its other outstanding
// fetches (the hash that triggered the sweep has already been drained
// by the caller's Deliver call).
func (p *Pipeline) discardWaiters(triggeringHash types.Hash, waiterIDs []types.Hash) {
	for _, id := range waiterIDs {
		slotIdx, ok := p.registry[id]
		if !ok {
			continue
		}
		ss, ok := p.slots[slotIdx]
		if !ok {
			delete(p.registry, id)
			continue
		}
		rec, ok := ss.fetching[id]
		if !ok {
			delete(p.registry, id)
			continue
		}
		delete(ss.fetching, id)
		delete(p.registry, id)
		ss.discarded[id] = rec.env
		if rec.env.TxSetHash != nil && *rec.env.TxSetHash != triggeringHash {
			p.fetcher.Stop(*rec.env.TxSetHash, id)
		}
		if rec.env.QSetHash != triggeringHash {
			p.fetcher.Stop(rec.env.QSetHash, id)
		}
	}
	p.metrics.IncDiscards(len(waiterIDs))
	p.refreshMetrics()
}

// AddQset caches a quorum-set descriptor and wakes anyone waiting on
// it. If the descriptor is structurally unsafe, every envelope waiting
// on it is discarded instead of promoted.
func (p *Pipeline) AddQset(hash types.Hash, qset *envelope.QuorumSet) {
	p.qsetCache[hash] = qset
	waiters, _ := p.fetcher.Deliver(hash)
	if !qset.IsSane() {
		p.discardWaiters(hash, waiters)
		return
	}
	for _, id := range waiters {
		p.reenter(id)
	}
}

// RecvQset is the overlay-facing entry point: it validates that
// something is actually waiting on hash before accepting the
// descriptor, dropping unrequested deliveries silently.
func (p *Pipeline) RecvQset(hash types.Hash, qset *envelope.QuorumSet) bool {
	if !p.fetcher.IsOutstanding(hash) {
		return false
	}
	p.AddQset(hash, qset)
	return true
}

// AddTxSet caches a transaction-set payload and wakes anyone waiting on
// it. Unlike AddQset there is no sanity discard: an unsafe payload only
// fails whatever later consumes it.
func (p *Pipeline) AddTxSet(hash types.Hash, payload []byte) {
	if _, exists := p.txsetCache[hash]; !exists {
		p.txsetCache[hash] = &txSetEntry{payload: payload}
	} else {
		p.txsetCache[hash].payload = payload
	}
	waiters, _ := p.fetcher.Deliver(hash)
	for _, id := range waiters {
		p.reenter(id)
	}
}

// RecvTxSet mirrors RecvQset for transaction-set payloads.
func (p *Pipeline) RecvTxSet(hash types.Hash, payload []byte) bool {
	if !p.fetcher.IsOutstanding(hash) {
		return false
	}
	p.AddTxSet(hash, payload)
	return true
}

// Pop removes and returns the oldest ready envelope for slot (FIFO
// within that slot). Returns nil if none are ready.
func (p *Pipeline) Pop(slot uint64) *envelope.Envelope {
	ss, ok := p.slots[slot]
	if !ok || len(ss.ready) == 0 {
		return nil
	}
	env := ss.ready[0]
	ss.ready = ss.ready[1:]
	delete(ss.readySet, env.ID())
	p.refreshMetrics()
	return env
}

// ReadySlots returns, in ascending order, every slot with at least one
// ready envelope.
func (p *Pipeline) ReadySlots() []uint64 {
	var out []uint64
	for idx, ss := range p.slots {
		if len(ss.ready) > 0 {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnvelopeProcessed moves env into the processed set for its slot,
// whether or not it was still present in ready.
func (p *Pipeline) EnvelopeProcessed(env *envelope.Envelope) {
	ss := p.slot(env.Slot)
	id := env.ID()
	if _, ok := ss.readySet[id]; ok {
		delete(ss.readySet, id)
		for i, e := range ss.ready {
			if e.ID() == id {
				ss.ready = append(ss.ready[:i], ss.ready[i+1:]...)
				break
			}
		}
	}
	if _, ok := ss.fetching[id]; ok {
		p.stopFetchesFor(env, id)
		delete(ss.fetching, id)
		delete(p.registry, id)
	}
	ss.processed[id] = env
	p.metrics.IncProcessed()
	p.refreshMetrics()
}

// EraseBelow removes all bookkeeping for slots strictly below slotLo,
// stopping any of their outstanding fetches, and prunes cached
// dependencies no longer referenced by any live slot.
func (p *Pipeline) EraseBelow(slotLo uint64) {
	for idx, ss := range p.slots {
		if idx >= slotLo {
			continue
		}
		for id, rec := range ss.fetching {
			p.stopFetchesFor(rec.env, id)
			delete(p.registry, id)
		}
		delete(p.slots, idx)
	}
	if slotLo > p.lowerBound {
		p.lowerBound = slotLo
	}
	p.DropUnreferencedQsets()
	p.pruneTxSets()
	p.refreshMetrics()
}

func (p *Pipeline) pruneTxSets() {
	// A fetching envelope may already have its txset cached while it
	// waits on its qset; such a txset has not been touched yet, so its
	// high-water mark alone does not show that a live slot needs it.
	awaited := make(map[types.Hash]struct{})
	for _, ss := range p.slots {
		for _, rec := range ss.fetching {
			if rec.env.TxSetHash != nil {
				awaited[*rec.env.TxSetHash] = struct{}{}
			}
		}
	}
	for hash, entry := range p.txsetCache {
		if _, live := awaited[hash]; live {
			continue
		}
		if entry.highWater < p.lowerBound {
			delete(p.txsetCache, hash)
		}
	}
}

// SlotClosed drops every fetching envelope for slot: its outstanding
// dependencies no longer matter once the slot itself is closed.
func (p *Pipeline) SlotClosed(slot uint64) {
	ss, ok := p.slots[slot]
	if !ok {
		return
	}
	for id, rec := range ss.fetching {
		p.stopFetchesFor(rec.env, id)
		delete(p.registry, id)
	}
	ss.fetching = make(map[types.Hash]fetchRecord)
	p.refreshMetrics()
}

// DropUnreferencedQsets removes cached quorum-set descriptors that are
// reachable from no envelope in any live slot and are not part of the
// current transitive quorum.
func (p *Pipeline) DropUnreferencedQsets() {
	referenced := make(map[types.Hash]struct{})
	for _, ss := range p.slots {
		for _, e := range ss.discarded {
			referenced[e.QSetHash] = struct{}{}
		}
		for _, e := range ss.processed {
			referenced[e.QSetHash] = struct{}{}
		}
		for _, rec := range ss.fetching {
			referenced[rec.env.QSetHash] = struct{}{}
		}
		for _, e := range ss.ready {
			referenced[e.QSetHash] = struct{}{}
		}
	}
	if p.tracker != nil {
		for _, entry := range p.tracker.Entries() {
			if entry.QSet == nil {
				continue
			}
			if h, err := entry.QSet.Hash(); err == nil {
				referenced[h] = struct{}{}
			}
		}
	}
	for h := range p.qsetCache {
		if _, ok := referenced[h]; !ok {
			delete(p.qsetCache, h)
		}
	}
}

// RebuildQuorumTrackerState invokes the quorum tracker's rebuild using
// a lookup grounded in this pipeline's own qset cache and observed
// signer-to-descriptor associations.
func (p *Pipeline) RebuildQuorumTrackerState() error {
	return p.tracker.Rebuild(func(node types.NodeID) (*envelope.QuorumSet, bool) {
		hash, ok := p.nodeQSet[types.Key(node)]
		if !ok {
			return nil, false
		}
		qset, ok := p.qsetCache[hash]
		return qset, ok
	})
}

func (p *Pipeline) refreshMetrics() {
	var discarded, processed, fetching, ready int
	for _, ss := range p.slots {
		discarded += len(ss.discarded)
		processed += len(ss.processed)
		fetching += len(ss.fetching)
		ready += len(ss.ready)
	}
	p.metrics.SetSize("discarded", discarded)
	p.metrics.SetSize("processed", processed)
	p.metrics.SetSize("fetching", fetching)
	p.metrics.SetSize("ready", ready)
}
