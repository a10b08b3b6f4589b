// Package quorum maintains a breadth-first labelled view of the local
// node's transitive quorum, expanded incrementally as quorum-set
// descriptors become known. Each node is labelled with its BFS
// distance and the set of distance-1 validators that lead to it, so a
// caller can explain why a given node is (or isn't) in the transitive
// quorum, not just whether it is.
package quorum

import (
	"quorumcore/core/errors"
	"quorumcore/envelope"
	"quorumcore/types"
)

// Entry is one node's row in the quorum map.
type Entry struct {
	// QSet is nil until the node's descriptor is learned.
	QSet *envelope.QuorumSet
	// Distance is the BFS distance from the local node; zero only for
	// the local node itself.
	Distance uint32
	// ClosestQSetValidators is the union, along every discovered
	// shortest path, of the distance-1 node(s) that lead here.
	ClosestQSetValidators map[types.NodeKey]types.NodeID
}

func newEntry(distance uint32) *Entry {
	return &Entry{Distance: distance, ClosestQSetValidators: make(map[types.NodeKey]types.NodeID)}
}

func (e *Entry) closestSlice() []types.NodeID {
	out := make([]types.NodeID, 0, len(e.ClosestQSetValidators))
	for _, v := range e.ClosestQSetValidators {
		out = append(out, v)
	}
	return out
}

// Tracker is the labelled quorum map.
type Tracker struct {
	local types.NodeID
	nodes map[types.NodeKey]*Entry
}

// New constructs a Tracker seeded with only the local node at distance
// zero.
func New(local types.NodeID) *Tracker {
	t := &Tracker{local: local, nodes: make(map[types.NodeKey]*Entry)}
	t.nodes[types.Key(local)] = newEntry(0)
	return t
}

// Get returns the map entry for id, if any.
func (t *Tracker) Get(id types.NodeID) (*Entry, bool) {
	e, ok := t.nodes[types.Key(id)]
	return e, ok
}

// IsNodeInTransitiveQuorum reports whether id appears anywhere in the
// quorum map.
func (t *Tracker) IsNodeInTransitiveQuorum(id types.NodeID) bool {
	_, ok := t.nodes[types.Key(id)]
	return ok
}

// Entries returns the live map entries, keyed by node. Callers must
// treat the returned map as read-only.
func (t *Tracker) Entries() map[types.NodeKey]*Entry {
	return t.nodes
}

// Expand records that node's quorum-set descriptor is qset. node must
// already be a frontier member of the map (inserted as a leaf of some
// previously expanded descriptor, or be the local node itself);
// otherwise this is a contract violation. Returns whether the
// expansion was accepted.
//
// Idempotent: expanding a node with the descriptor it already has is a
// no-op accept. Expanding with a different descriptor than the one
// already recorded is rejected — the caller must rebuild. Expanding may
// also reject mid-expansion if a leaf already holds a descriptor at a
// distance longer than the one this expansion would assign it; that
// case means a better path was discovered after descriptors were
// already expanded along it, and the whole map needs a rebuild.
func (t *Tracker) Expand(node types.NodeID, qset *envelope.QuorumSet) (bool, error) {
	key := types.Key(node)
	entry, ok := t.nodes[key]
	if !ok {
		return false, errors.Violation("expand: node not present in quorum map")
	}

	if entry.QSet != nil {
		same, err := sameDescriptor(entry.QSet, qset)
		if err != nil {
			return false, err
		}
		return same, nil
	}

	newDist := entry.Distance + 1
	leaves := qset.Leaves()

	// Validate before mutating so a mid-expansion rejection leaves the
	// map exactly as it was.
	for _, leaf := range leaves {
		leafKey := types.Key(leaf)
		if existing, present := t.nodes[leafKey]; present {
			if existing.Distance > newDist && existing.QSet != nil {
				return false, nil
			}
		}
	}

	entry.QSet = qset

	for _, leaf := range leaves {
		leafKey := types.Key(leaf)
		existing, present := t.nodes[leafKey]
		switch {
		case !present:
			fresh := newEntry(newDist)
			if newDist == 1 {
				fresh.ClosestQSetValidators[leafKey] = leaf
			} else {
				for k, v := range entry.ClosestQSetValidators {
					fresh.ClosestQSetValidators[k] = v
				}
			}
			t.nodes[leafKey] = fresh
		case existing.Distance > newDist:
			existing.Distance = newDist
			existing.ClosestQSetValidators = make(map[types.NodeKey]types.NodeID)
			if newDist == 1 {
				existing.ClosestQSetValidators[leafKey] = leaf
			} else {
				for k, v := range entry.ClosestQSetValidators {
					existing.ClosestQSetValidators[k] = v
				}
			}
		case existing.Distance == newDist:
			contribution := entry.ClosestQSetValidators
			if newDist == 1 {
				existing.ClosestQSetValidators[leafKey] = leaf
			} else {
				for k, v := range contribution {
					existing.ClosestQSetValidators[k] = v
				}
			}
		default:
			// existing.Distance < newDist: a strictly shorter path is
			// already known; leave it untouched.
		}
	}

	return true, nil
}

func sameDescriptor(a, b *envelope.QuorumSet) (bool, error) {
	ha, err := a.Hash()
	if err != nil {
		return false, err
	}
	hb, err := b.Hash()
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

// Lookup resolves a node's quorum-set descriptor for use during Rebuild.
type Lookup func(node types.NodeID) (*envelope.QuorumSet, bool)

// Rebuild clears the map and re-derives it from scratch via BFS,
// consulting lookup for each frontier node's descriptor. Because BFS
// visits nodes in non-decreasing distance order, Expand must never
// reject during a rebuild; if it does, the tracker's invariants have
// already been violated elsewhere and this is a fatal program error.
func (t *Tracker) Rebuild(lookup Lookup) error {
	t.nodes = make(map[types.NodeKey]*Entry)
	t.nodes[types.Key(t.local)] = newEntry(0)

	queue := []types.NodeID{t.local}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		entry, ok := t.nodes[types.Key(node)]
		if !ok || entry.QSet != nil {
			continue
		}
		qset, found := lookup(node)
		if !found {
			continue
		}
		accepted, err := t.Expand(node, qset)
		if err != nil {
			return errors.Corrupted("rebuild: expand errored: " + err.Error())
		}
		if !accepted {
			return errors.Corrupted("rebuild: expand rejected during BFS rebuild")
		}
		queue = append(queue, qset.Leaves()...)
	}
	return nil
}
