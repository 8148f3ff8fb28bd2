package accumulator

import (
	"math/bits"
	"sort"
)

// Positions use the flattened-forest numbering: leaves count up from 0
// on the bottom row, and each higher row starts where the previous one
// would end if the forest were a single perfect tree.  A position's row
// is the number of leading 1 bits below the forest height.

// treeRows returns the number of rows needed to hold n leaves: the log2
// of the next power of two.
func treeRows(n uint64) uint8 {
	if n == 0 {
		return 0
	}
	return uint8(bits.Len64(n - 1))
}

// numRoots is the popcount of numLeaves; one root per set bit.
func numRoots(n uint64) uint8 {
	return uint8(bits.OnesCount64(n))
}

// detectRow finds the row of a position by counting leading 1 bits under
// the forest height.
func detectRow(position uint64, forestRows uint8) uint8 {
	marker := uint64(1) << forestRows
	var r uint8
	for ; position&marker != 0; r++ {
		marker >>= 1
	}
	return r
}

// parent returns the position one row up.
func parent(position uint64, forestRows uint8) uint64 {
	return (position >> 1) | (1 << forestRows)
}

// parentMany goes up rise rows.
func parentMany(position uint64, rise, forestRows uint8) uint64 {
	if rise == 0 {
		return position
	}
	mask := uint64(2<<forestRows) - 1
	return (position>>rise | (mask << uint64(forestRows-(rise-1)))) & mask
}

// child returns the left child; or with 1 for the right.
func child(position uint64, forestRows uint8) uint64 {
	mask := uint64(2<<forestRows) - 1
	return (position << 1) & mask
}

// childMany goes down drop rows, always left.
func childMany(position uint64, drop, forestRows uint8) uint64 {
	if drop == 0 {
		return position
	}
	mask := uint64(2<<forestRows) - 1
	return (position << drop) & mask
}

// rootPosition gives the position of the root on the given row.  Only
// meaningful when leaves&(1<<row) != 0; check before calling.
func rootPosition(leaves uint64, row, forestRows uint8) uint64 {
	mask := uint64(2<<forestRows) - 1
	before := leaves & (mask << (row + 1))
	shifted := (before >> row) | (mask << (forestRows + 1 - row))
	return shifted & mask
}

// getRootsForwards returns root positions and their rows, biggest tree
// first.
func getRootsForwards(leaves uint64, forestRows uint8) (roots []uint64, rows []uint8) {
	pos := uint64(0)
	for row := forestRows; pos < leaves; row-- {
		if (1<<row)&leaves != 0 {
			roots = append(roots, parentMany(pos, row, forestRows))
			rows = append(rows, row)
			pos += 1 << row
		}
	}
	return
}

// inForest reports whether a position exists given the leaf count.
// Descends down-and-right; if the landing leaf is under numLeaves the
// position is real.
func inForest(pos, numLeaves uint64, forestRows uint8) bool {
	if pos < numLeaves {
		return true
	}
	marker := uint64(1) << forestRows
	mask := (marker << 1) - 1
	if pos >= mask {
		return false
	}
	for pos&marker != 0 {
		pos = ((pos << 1) & mask) | 1
	}
	return pos < numLeaves
}

// detectOffset locates a position within the forest: which tree it's in
// (counting from the biggest), the length of the branch from that tree's
// root down to it, and the descent bitfield.  The bitfield comes back
// inverted since descents always flip it anyway.
// Call inForest first; an out of range position loops forever here.
func detectOffset(position uint64, numLeaves uint64) (uint8, uint8, uint64) {
	tr := treeRows(numLeaves)
	nr := detectRow(position, tr)

	var biggerTrees uint8
	// Walk down the trees biggest first.  Shift the position up to the
	// top row of the current tree; while it still clears the tree's leaf
	// span, subtract that span and move to the next tree.
	for ; (position<<nr)&((2<<tr)-1) >= (1<<tr)&numLeaves; tr-- {
		treeSize := (1 << tr) & numLeaves
		if treeSize != 0 {
			position -= treeSize
			biggerTrees++
		}
	}
	return biggerTrees, tr - nr, ^position
}

// extractTwins splits the sorted dels into parents of sibling pairs and
// the leftover singletons.
func extractTwins(nodes []uint64, forestRows uint8) (parents, dels []uint64) {
	for i := 0; i < len(nodes); i++ {
		if i+1 < len(nodes) && nodes[i]|1 == nodes[i+1] {
			parents = append(parents, parent(nodes[i], forestRows))
			i++
		} else {
			dels = append(dels, nodes[i])
		}
	}
	return
}

// ProofPositions computes the positions a proof must supply to prove the
// given sorted targets, along with every position computable from the
// targets (the targets themselves included).
func ProofPositions(
	targets []uint64, numLeaves uint64, forestRows uint8) ([]uint64, []uint64) {
	proofPositions := make([]uint64, 0, len(targets)*int(forestRows))
	computedPositions := make([]uint64, 0, len(targets)*int(forestRows))
	for row := uint8(0); row < forestRows; row++ {
		computedPositions = append(computedPositions, targets...)
		if numLeaves&(1<<row) > 0 && len(targets) > 0 &&
			targets[len(targets)-1] == rootPosition(numLeaves, row, forestRows) {
			// the root is its own proof
			targets = targets[:len(targets)-1]
		}

		var nextTargets []uint64
		for len(targets) > 0 {
			switch {
			case len(targets) > 3:
				// four targets that are two sibling pairs of cousins
				// need no proof at all on this row
				if (targets[0]|1)^2 == targets[3]|1 {
					nextTargets = append(nextTargets,
						parent(targets[0], forestRows), parent(targets[3], forestRows))
					targets = targets[4:]
					break
				}
				fallthrough

			case len(targets) > 2:
				// first and third are cousins; the second is the sibling
				// of one of them, so only the other sibling is needed
				if (targets[0]|1)^2 == targets[2]|1 {
					if targets[1]|1 == targets[0]|1 {
						proofPositions = append(proofPositions, targets[2]^1)
					} else {
						proofPositions = append(proofPositions, targets[0]^1)
					}
					nextTargets = append(nextTargets,
						parent(targets[0], forestRows), parent(targets[2], forestRows))
					targets = targets[3:]
					break
				}
				fallthrough

			case len(targets) > 1:
				// sibling pair proves itself
				if targets[0]|1 == targets[1] {
					nextTargets = append(nextTargets, parent(targets[0], forestRows))
					targets = targets[2:]
					break
				}
				// cousins each need their sibling
				if (targets[0]|1)^2 == targets[1]|1 {
					proofPositions = append(proofPositions, targets[0]^1, targets[1]^1)
					nextTargets = append(nextTargets,
						parent(targets[0], forestRows), parent(targets[1], forestRows))
					targets = targets[2:]
					break
				}
				fallthrough

			default:
				proofPositions = append(proofPositions, targets[0]^1)
				nextTargets = append(nextTargets, parent(targets[0], forestRows))
				targets = targets[1:]
			}
		}
		targets = nextTargets
	}

	return proofPositions, computedPositions
}

func sortUint64s(s []uint64) {
	sort.Slice(s, func(a, b int) bool { return s[a] < s[b] })
}

// checkSortedNoDupes is true for strictly increasing slices.
func checkSortedNoDupes(s []uint64) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] >= s[i] {
			return false
		}
	}
	return true
}

// mergeSortedSlices merges two sorted slices into one, dropping
// cross-slice duplicates.
func mergeSortedSlices(a []uint64, b []uint64) (c []uint64) {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}

	c = make([]uint64, len(a)+len(b))
	idxa, idxb := 0, 0
	for j := 0; j < len(c); j++ {
		if idxa >= len(a) {
			j += copy(c[j:], b[idxb:])
			c = c[:j]
			break
		}
		if idxb >= len(b) {
			j += copy(c[j:], a[idxa:])
			c = c[:j]
			break
		}

		vala, valb := a[idxa], b[idxb]
		switch {
		case vala < valb:
			c[j] = vala
			idxa++
		case vala > valb:
			c[j] = valb
			idxb++
		default:
			c[j] = vala
			idxa++
			idxb++
		}
	}
	return
}

// dedupeSwapDirt removes from sorted dirt every position that is a swap
// destination on the same row.
func dedupeSwapDirt(dirt []uint64, swaps []arrow) []uint64 {
	if len(dirt) == 0 || len(swaps) == 0 {
		return dirt
	}
	var c []uint64
	idxb := 0
	for j := 0; j < len(dirt); j++ {
		for idxb < len(swaps) && swaps[idxb].to < dirt[j] {
			idxb++
		}
		if idxb == len(swaps) {
			c = append(c, dirt[j:]...)
			break
		}
		if dirt[j] != swaps[idxb].to {
			c = append(c, dirt[j])
		}
	}
	return c
}

func reversePolNodeSlice(a []*polNode) {
	for i, j := 0, len(a)-1; i < j; i, j = i+1, j-1 {
		a[i], a[j] = a[j], a[i]
	}
}
