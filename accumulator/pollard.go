package accumulator

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Pollard is the sparse representation of the utreexo forest: a
// collection of perfect binary trees, one root per set bit of
// numLeaves, holding only the roots plus whatever branches are cached.
//
// Since non-root nodes point to nieces, a root (having no sibling)
// points at its own children.  In the tree below, 06 points to 04 and
// 05, while 04 points to 02, 03 and 05 points to 00, 01.
//
// 06
// |-------\
// 04      05
// |---\   |---\
// 00  01  02  03
type Pollard struct {
	numLeaves uint64

	// roots, ordered biggest tree to smallest.
	roots []*polNode
}

// NumLeaves returns the number of leaves the forest has absorbed,
// deletions subtracted.
func (p *Pollard) NumLeaves() uint64 { return p.numLeaves }

func (p *Pollard) rows() uint8 { return treeRows(p.numLeaves) }

// Roots returns the current root hashes, biggest tree first.
func (p *Pollard) Roots() []Hash {
	h := make([]Hash, len(p.roots))
	for i, r := range p.roots {
		h[i] = r.data
	}
	return h
}

// Modify deletes then adds.  Deletions happen first so that a block's
// spends are gone before its new outputs land.  dels must hold positions
// valid for the pre-modify forest; they get sorted here.
func (p *Pollard) Modify(adds []Leaf, dels []uint64) error {
	delSorted := make([]uint64, len(dels))
	copy(delSorted, dels)
	sortUint64s(delSorted)

	if err := p.remove(delSorted); err != nil {
		return err
	}
	return p.add(adds)
}

func (p *Pollard) add(adds []Leaf) error {
	for _, a := range adds {
		if err := p.addOne(a.Hash, a.Remember); err != nil {
			return err
		}
	}
	return nil
}

// addOne absorbs a single leaf.  Walk up from the LSB of numLeaves; each
// set bit is a root that merges with the incoming node.  At each merge:
// grab the lowest root, pop it, swap nieces with the new node, hash, and
// build a parent pointing at both.
func (p *Pollard) addOne(add Hash, remember bool) error {
	n := new(polNode)
	n.data = add
	n.remember = remember

	for h := uint8(0); (p.numLeaves>>h)&1 == 1; h++ {
		// grab, pop, swap, hash, new
		leftRoot := p.roots[len(p.roots)-1]
		p.roots = p.roots[:len(p.roots)-1]
		leftRoot.niece, n.niece = n.niece, leftRoot.niece
		nHash := parentHash(leftRoot.data, n.data)
		n = &polNode{data: nHash, niece: [2]*polNode{leftRoot, n}, remember: remember}
		n.prune()
	}

	p.roots = append(p.roots, n)
	p.numLeaves++
	return nil
}

// remove deletes the sorted positions from the pollard.
//
// Swaps and hashes proceed row by row: swaps on row 0 dirty parents on
// row 1, which must all be rehashed before row 1's own swaps run.  After
// the top row, the surviving nodes at the shrunken forest's root
// positions become the new roots.
func (p *Pollard) remove(dels []uint64) error {
	if len(dels) == 0 {
		return nil
	}
	if !checkSortedNoDupes(dels) {
		return errors.Wrap(ErrPositionOutOfRange, "deletions not sorted unique")
	}
	ph := p.rows()
	for _, d := range dels {
		if d >= p.numLeaves {
			return errors.Wrapf(ErrPositionOutOfRange,
				"delete %d but %d leaves", d, p.numLeaves)
		}
	}
	nextNumLeaves := p.numLeaves - uint64(len(dels))

	// deleted leaves don't need caching anymore
	for _, del := range dels {
		n, _, _, err := p.readPos(del)
		if err != nil {
			return err
		}
		if n == nil {
			return errors.Wrapf(ErrMissingNode, "delete position %d", del)
		}
		n.remember = false
		n.niece[0], n.niece[1] = nil, nil
	}

	swapRows := removeTransform(dels, p.numLeaves, ph)

	var hashDirt, nextHashDirt []uint64
	var prevHash uint64
	var err error
	for h := uint8(0); h < ph; h++ {
		var hnslice []*hashableNode
		hashDirt = dedupeSwapDirt(hashDirt, swapRows[h])
		for len(swapRows[h]) != 0 || len(hashDirt) != 0 {
			var hn *hashableNode
			var collapse bool
			// apply dirt and swaps interleaved in position order
			if len(swapRows[h]) == 0 ||
				len(hashDirt) != 0 && hashDirt[0] > swapRows[h][0].to {
				hn, err = p.hnFromPos(hashDirt[0])
				if err != nil {
					return err
				}
				hashDirt = hashDirt[1:]
			} else {
				if swapRows[h][0].from == swapRows[h][0].to {
					swapRows[h] = swapRows[h][1:]
					continue
				}
				hn, err = p.swapNodes(swapRows[h][0], h)
				if err != nil {
					return err
				}
				collapse = swapRows[h][0].collapse
				swapRows[h] = swapRows[h][1:]
			}
			if hn == nil || hn.position == prevHash || collapse {
				continue
			}

			hnslice = append(hnslice, hn)
			prevHash = hn.position
			if len(nextHashDirt) == 0 ||
				nextHashDirt[len(nextHashDirt)-1] != hn.position {
				nextHashDirt = append(nextHashDirt, hn.position)
			}
		}
		hashDirt = nextHashDirt
		nextHashDirt = []uint64{}
		for _, hn := range hnslice {
			// skip hashes whose children aren't known
			if hn.sib.niece[0] == nil || hn.sib.niece[1] == nil ||
				hn.sib.niece[0].data == empty || hn.sib.niece[1].data == empty {
				continue
			}
			hn.dest.data = hn.sib.auntOp()
			hn.sib.prune()
		}
	}

	// select the new roots
	rootPositions, _ := getRootsForwards(nextNumLeaves, ph)
	nextRoots := make([]*polNode, len(rootPositions))
	for i := range nextRoots {
		pos := rootPositions[len(rootPositions)-(i+1)]
		nt, ntsib, _, err := p.grabPos(pos)
		if err != nil {
			return err
		}
		if nt == nil || nt.data == empty {
			return errors.Wrapf(ErrMissingNode, "want root at %d", pos)
		}
		if ntsib == nil {
			// promoted to root: nieces become children, which a root
			// doesn't track through a sibling
			nt.chop()
		} else {
			nt.niece = ntsib.niece
		}
		nextRoots[i] = nt
	}
	p.numLeaves = nextNumLeaves
	reversePolNodeSlice(nextRoots)
	p.roots = nextRoots
	return nil
}

func (p *Pollard) hnFromPos(pos uint64) (*hashableNode, error) {
	if !inForest(pos, p.numLeaves, p.rows()) {
		return nil, nil
	}
	_, _, hn, err := p.grabPos(pos)
	if err != nil {
		return nil, err
	}
	hn.position = parent(pos, p.rows())
	return hn, nil
}

// swapNodes swaps the subtrees at s.from and s.to, and returns the
// hashable node for s.to's parent.
func (p *Pollard) swapNodes(s arrow, row uint8) (*hashableNode, error) {
	a, asib, _, err := p.grabPos(s.from)
	if err != nil {
		return nil, err
	}
	b, bsib, bhn, err := p.grabPos(s.to)
	if err != nil {
		return nil, err
	}
	if a == nil || b == nil {
		return nil, errors.Wrapf(ErrMissingNode, "swap %d %d", s.from, s.to)
	}
	if asib == nil || bsib == nil {
		return nil, errors.Wrapf(ErrMissingNode, "swap %d %d sibling", s.from, s.to)
	}

	bhn.position = parent(s.to, p.rows())
	if err := polSwap(a, asib, b, bsib); err != nil {
		return nil, err
	}
	if bhn.sib.niece[0] == nil || bhn.sib.niece[1] == nil ||
		bhn.sib.niece[0].data == empty || bhn.sib.niece[1].data == empty {
		bhn = nil // children unknown, can't hash
	}
	return bhn, nil
}

// readPos descends to pos and returns the node and its sibling without
// mutating the pollard.  Returns nils without error when the branch
// isn't cached.
func (p *Pollard) readPos(pos uint64) (n, nsib *polNode, hn *hashableNode, err error) {
	tree, branchLen, bits := detectOffset(pos, p.numLeaves)
	if tree >= uint8(len(p.roots)) {
		err = errors.Wrapf(ErrPositionOutOfRange, "read %d", pos)
		return
	}
	n, nsib = p.roots[tree], p.roots[tree]
	if branchLen == 0 {
		return
	}

	for h := branchLen - 1; h != 0; h-- {
		lr := uint8(bits>>h) & 1
		n, nsib = n.niece[lr], n.niece[lr^1]
		if n == nil {
			return nil, nil, nil, nil
		}
	}

	lr := uint8(bits) & 1
	// the bottom step trades siblings: descending to the niece slot
	// lands on the target's sibling
	n, nsib = n.niece[lr^1], n.niece[lr]
	return
}

// grabPos is readPos but it builds empty sibling nodes as it descends,
// and also returns a hashableNode for pos's parent.  Mutates the
// pollard.
func (p *Pollard) grabPos(pos uint64) (n, nsib *polNode, hn *hashableNode, err error) {
	tree, branchLen, bits := detectOffset(pos, p.numLeaves)
	if tree >= uint8(len(p.roots)) {
		err = errors.Wrapf(ErrPositionOutOfRange, "grab %d", pos)
		return
	}
	n, nsib = p.roots[tree], p.roots[tree]
	hn = &hashableNode{dest: n, sib: nsib}
	if branchLen == 0 {
		return
	}

	for h := branchLen - 1; h != 0; h-- {
		lr := uint8(bits>>h) & 1
		if n.niece[lr^1] == nil {
			n.niece[lr^1] = new(polNode)
		}
		if n.niece[lr] == nil {
			n.niece[lr] = new(polNode)
		}
		n, nsib = n.niece[lr], n.niece[lr^1]
	}

	hn.dest = nsib
	hn.sib = n
	lr := uint8(bits) & 1
	if n.niece[lr^1] == nil {
		n.niece[lr^1] = new(polNode)
	}
	if n.niece[lr] == nil {
		n.niece[lr] = new(polNode)
	}
	n, nsib = n.niece[lr^1], n.niece[lr]
	return
}

// Pollard serialization is roots only: 8 byte big endian numLeaves
// followed by the root hashes biggest tree first.  Cached branches
// don't survive a round trip; the roots alone still fully determine
// which proofs verify.

// Serialize writes the pollard out.
func (p *Pollard) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, p.numLeaves); err != nil {
		return err
	}
	for _, t := range p.roots {
		if _, err := w.Write(t.data[:]); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize replaces the pollard with the serialized one.
func (p *Pollard) Deserialize(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &p.numLeaves); err != nil {
		return err
	}
	p.roots = make([]*polNode, numRoots(p.numLeaves))
	for i := range p.roots {
		p.roots[i] = new(polNode)
		if _, err := io.ReadFull(r, p.roots[i].data[:]); err != nil {
			return err
		}
	}
	return nil
}

// RestoreRoots resets the pollard to a bare-roots state.
func (p *Pollard) RestoreRoots(numLeaves uint64, roots []Hash) error {
	if int(numRoots(numLeaves)) != len(roots) {
		return errors.Wrapf(ErrPositionOutOfRange,
			"%d leaves needs %d roots, got %d",
			numLeaves, numRoots(numLeaves), len(roots))
	}
	p.numLeaves = numLeaves
	p.roots = make([]*polNode, len(roots))
	for i, h := range roots {
		p.roots[i] = &polNode{data: h}
	}
	return nil
}
