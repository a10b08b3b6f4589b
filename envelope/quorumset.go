package envelope

import (
	"quorumcore/types"
)

// QuorumSet is a recursive threshold structure over node identities and
// nested inner groups. It is content-addressed: two descriptors with
// identical structure hash identically regardless of where they were
// received from.
type QuorumSet struct {
	Threshold  uint32         `json:"threshold"`
	Validators []types.NodeID `json:"validators"`
	InnerSets  []*QuorumSet   `json:"innerSets"`
}

// Hash content-addresses the descriptor with Blake3, per the hash-family
// separation documented in types.HashBlake3.
func (q *QuorumSet) Hash() (types.Hash, error) {
	return types.HashBlake3(q.rlpShape())
}

// rlpShape produces an RLP-encodable value tree since QuorumSet itself
// holds pointers and the crypto.Address wrapper is not RLP-shaped.
type qsetShape struct {
	Threshold  uint32
	Validators [][]byte
	InnerSets  []qsetShape
}

func (q *QuorumSet) rlpShape() qsetShape {
	if q == nil {
		return qsetShape{}
	}
	shape := qsetShape{
		Threshold:  q.Threshold,
		Validators: make([][]byte, len(q.Validators)),
	}
	for i, v := range q.Validators {
		shape.Validators[i] = v.Bytes()
	}
	for _, inner := range q.InnerSets {
		shape.InnerSets = append(shape.InnerSets, inner.rlpShape())
	}
	return shape
}

// Leaves returns every node identity reachable from this descriptor,
// across every nesting level, used by the quorum tracker to discover
// the next BFS frontier when a descriptor is learned.
func (q *QuorumSet) Leaves() []types.NodeID {
	if q == nil {
		return nil
	}
	leaves := append([]types.NodeID(nil), q.Validators...)
	for _, inner := range q.InnerSets {
		leaves = append(leaves, inner.Leaves()...)
	}
	return leaves
}

// maxDepth bounds the recursion the sanity checker will walk before
// declaring a descriptor insane, guarding against unbounded or
// maliciously deep nesting.
const maxDepth = 4

// maxFanOut bounds the number of direct members (validators plus inner
// sets) a single quorum-set level may declare.
const maxFanOut = 100

// IsSane performs the structural validation required before a
// descriptor is trusted: threshold must not exceed fan-out, nesting must
// be bounded, and no node identity may appear twice across the whole
// tree. Insanity is a property of the content, never of the node that
// sent it.
func (q *QuorumSet) IsSane() bool {
	if q == nil {
		return false
	}
	seen := make(map[types.NodeKey]struct{})
	return q.isSane(0, seen)
}

func (q *QuorumSet) isSane(depth int, seen map[types.NodeKey]struct{}) bool {
	if depth > maxDepth {
		return false
	}
	fanOut := len(q.Validators) + len(q.InnerSets)
	if fanOut == 0 || fanOut > maxFanOut {
		return false
	}
	if q.Threshold == 0 || int(q.Threshold) > fanOut {
		return false
	}
	for _, v := range q.Validators {
		k := types.Key(v)
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
	}
	for _, inner := range q.InnerSets {
		if inner == nil {
			return false
		}
		if !inner.isSane(depth+1, seen) {
			return false
		}
	}
	return true
}
