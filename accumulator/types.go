package accumulator

import (
	"crypto/sha512"
	"encoding/hex"
)

// Hash is a 32 byte accumulator element: either a leaf commitment or
// an internal merkle node.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// empty marks a node whose hash isn't populated.
var empty Hash

// Leaf is an element to be added to the accumulator.  Remember hints that
// the leaf will be deleted soon, so its branch should stay cached.
type Leaf struct {
	Hash
	Remember bool
}

// node pairs a position with the hash at that position.
type node struct {
	Pos uint64
	Val Hash
}

// arrow describes the movement of a node from one position to another.
type arrow struct {
	from, to uint64
	collapse bool
}

// parentHash gives the merkle parent of two children.  Parents never
// commit to position, only to the two child hashes.
func parentHash(l, r Hash) Hash {
	if l == empty || r == empty {
		panic("parentHash on empty child")
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, l[:]...)
	buf = append(buf, r[:]...)
	return sha512.Sum512_256(buf)
}

// polNode is a node in the pollard.  Non-root nodes point to their
// nieces; roots have no sibling so they point at their own children.
type polNode struct {
	data     Hash
	niece    [2]*polNode
	remember bool
}

// auntOp hashes a node's nieces, giving the data of the node's sibling's
// parent.  Crashes on nil nieces; check auntable first.
func (n *polNode) auntOp() Hash {
	return parentHash(n.niece[0].data, n.niece[1].data)
}

func (n *polNode) auntable() bool {
	return n.niece[0] != nil && n.niece[1] != nil
}

// deadEnd is true when neither niece is populated.
func (n *polNode) deadEnd() bool {
	return n.niece[0] == nil && n.niece[1] == nil
}

// chop turns a node into a deadEnd.
func (n *polNode) chop() {
	n.niece[0], n.niece[1] = nil, nil
}

// prune drops deadend nieces that aren't flagged to stay.
func (n *polNode) prune() {
	if n.niece[0] != nil && n.niece[0].deadEnd() && !n.niece[0].remember {
		n.niece[0] = nil
	}
	if n.niece[1] != nil && n.niece[1].deadEnd() && !n.niece[1].remember {
		n.niece[1] = nil
	}
}

// hashableNode is a node that needs rehashing after a swap: dest gets
// written with sib's auntOp.
type hashableNode struct {
	dest, sib *polNode
	position  uint64 // parent position, for dirt tracking
}

// polSwap swaps the data of two nodes and the nieces of their siblings.
// For a root, pass the root itself as its own sibling.
func polSwap(a, asib, b, bsib *polNode) error {
	if a == nil || asib == nil || b == nil || bsib == nil {
		return errNilNodeSwap
	}
	a.data, b.data = b.data, a.data
	asib.niece, bsib.niece = bsib.niece, asib.niece
	return nil
}
