package accumulator

// The remove transform turns a sorted set of deletions into per-row
// swaps.  Deleting a leaf promotes its sibling; a sibling with no root
// to pair with on its row collapses into the root slot of the shrunken
// forest.  All of this is pure position arithmetic; the pollard applies
// the arrows afterwards.

// removeTransform computes the swaps for deleting dels from a forest of
// numLeaves.  Returns one arrow slice per row, collapses appended at the
// row's end.
func removeTransform(
	dels []uint64, numLeaves uint64, forestRows uint8) [][]arrow {
	nextNumLeaves := numLeaves - uint64(len(dels))
	swaps := make([][]arrow, forestRows)
	// at most one collapse per row
	collapses := make([][]arrow, forestRows)

	// per row: root pop / dedupe / swap / collapse, then promote dels up
	for r := uint8(0); r < forestRows; r++ {
		if len(dels) == 0 {
			break
		}
		var twinNextDels, swapNextDels []uint64
		rootPresent := numLeaves&(1<<r) != 0
		rootPos := rootPosition(numLeaves, r, forestRows)

		// deleting the row's root just removes it
		if rootPresent && dels[len(dels)-1] == rootPos {
			dels = dels[:len(dels)-1]
			rootPresent = false
		}
		delRemains := len(dels)%2 != 0

		// sibling pairs delete their parent instead
		twinNextDels, dels = extractTwins(dels, forestRows)

		// pair up remaining dels: the right one's sibling moves into the
		// left one's slot, the right one's parent dies
		for len(dels) > 1 {
			swaps[r] = append(swaps[r],
				arrow{from: dels[1] ^ 1, to: dels[0]})
			swapNextDels = append(swapNextDels, parent(dels[1], forestRows))
			dels = dels[2:]
		}

		if rootPresent && delRemains {
			// root fills the last del; no collapse
			swaps[r] = append(swaps[r], arrow{from: rootPos, to: dels[0]})
		}
		if rootPresent && !delRemains {
			// untouched root moves to its new slot
			rootDest := rootPosition(nextNumLeaves, r, forestRows)
			collapses[r] = []arrow{{from: rootPos, to: rootDest, collapse: true}}
		}
		if !rootPresent && delRemains {
			// orphaned sibling becomes this row's root
			rootSrc := dels[0] ^ 1
			rootDest := rootPosition(nextNumLeaves, r, forestRows)
			collapses[r] = []arrow{{from: rootSrc, to: rootDest, collapse: true}}
			swapNextDels = append(swapNextDels, parent(dels[0], forestRows))
		}

		dels = mergeSortedSlices(twinNextDels, swapNextDels)
	}

	swapCollapses(swaps, collapses, forestRows)

	for i, c := range collapses {
		if len(c) == 1 && c[0].from != c[0].to {
			swaps[i] = append(swaps[i], c[0])
		}
	}
	return swaps
}

// swapCollapses adjusts lower-row collapse destinations for the swaps
// and collapses happening above them.
func swapCollapses(swaps, collapses [][]arrow, forestRows uint8) {
	if len(collapses) == 0 {
		return
	}
	for r := uint8(len(collapses)) - 1; r != 0; r-- {
		for _, s := range swaps[r] {
			for cr := uint8(0); cr < r; cr++ {
				if len(collapses[cr]) == 0 {
					continue
				}
				mask := swapIfDescendant(s, collapses[cr][0], r, cr, forestRows)
				if mask != 0 {
					collapses[cr][0].to ^= mask
				}
			}
		}

		if len(collapses[r]) == 0 {
			continue
		}
		rowcol := collapses[r][0]
		for cr := uint8(0); cr < r; cr++ {
			if len(collapses[cr]) == 0 {
				continue
			}
			mask := swapIfDescendant(rowcol, collapses[cr][0], r, cr, forestRows)
			if mask != 0 {
				collapses[cr][0].to ^= mask
			}
		}
	}
}

// swapIfDescendant checks whether b.to sits under exactly one side of
// the higher swap a.  If so, returns the xor mask that relocates b.to to
// where the swap carries it.  ar and br are the rows of a and b.
func swapIfDescendant(a, b arrow, ar, br, forestRows uint8) (subMask uint64) {
	rise := ar - br
	bup := parentMany(b.to, rise, forestRows)
	if (bup == a.from) != (bup == a.to) {
		rootMask := a.from ^ a.to
		subMask = rootMask << rise
	}
	return subMask
}
