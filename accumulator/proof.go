package accumulator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// BatchProof proves a batch of leaves against the accumulator roots.
// Targets are the leaf positions being proven; Proof holds the sibling
// hashes the verifier can't compute, in the order ProofPositions asks
// for them.  The hashes of the targets themselves travel separately.
type BatchProof struct {
	Targets []uint64
	Proof   []Hash
}

// Serialization:
// 4 bytes numTargets
// 4 bytes numHashes
// 8 bytes per target
// 32 bytes per hash

// Serialize writes the batch proof out.
func (bp *BatchProof) Serialize(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, uint32(len(bp.Targets)))
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, uint32(len(bp.Proof)))
	if err != nil {
		return err
	}
	for _, t := range bp.Targets {
		if err = binary.Write(w, binary.BigEndian, t); err != nil {
			return err
		}
	}
	for _, h := range bp.Proof {
		if _, err = w.Write(h[:]); err != nil {
			return err
		}
	}
	return nil
}

// SerializeSize returns the byte count of the serialized proof.
func (bp *BatchProof) SerializeSize() int {
	return 8 + 8*len(bp.Targets) + 32*len(bp.Proof)
}

// Deserialize reads a batch proof back.
func (bp *BatchProof) Deserialize(r io.Reader) error {
	var numTargets, numHashes uint32
	err := binary.Read(r, binary.BigEndian, &numTargets)
	if err != nil {
		return err
	}
	if numTargets > 1<<16 {
		return errors.Errorf("batch proof claims %d targets", numTargets)
	}
	err = binary.Read(r, binary.BigEndian, &numHashes)
	if err != nil {
		return err
	}
	if numHashes > 1<<16 {
		return errors.Errorf("batch proof claims %d hashes", numHashes)
	}

	bp.Targets = make([]uint64, numTargets)
	for i := range bp.Targets {
		if err = binary.Read(r, binary.BigEndian, &bp.Targets[i]); err != nil {
			return err
		}
	}
	bp.Proof = make([]Hash, numHashes)
	for i := range bp.Proof {
		if _, err = io.ReadFull(r, bp.Proof[i][:]); err != nil {
			return err
		}
	}
	return nil
}

func (bp *BatchProof) String() string {
	s := fmt.Sprintf("%d targets: ", len(bp.Targets))
	for _, t := range bp.Targets {
		s += fmt.Sprintf("%d ", t)
	}
	s += fmt.Sprintf("\n%d proofs: ", len(bp.Proof))
	for _, p := range bp.Proof {
		s += fmt.Sprintf("%04x\t", p[:4])
	}
	return s + "\n"
}

// verifyBatchProof checks the proof against the given roots (ordered
// smallest tree to biggest) and returns every internal node it computed
// along the way.  Mutates nothing.
func verifyBatchProof(bp BatchProof, delHashes []Hash,
	roots []Hash, numLeaves uint64) ([]node, error) {
	if len(bp.Targets) == 0 {
		return nil, nil
	}
	if len(bp.Targets) != len(delHashes) {
		return nil, errors.Wrapf(ErrProofIncomplete,
			"%d targets, %d leaf hashes", len(bp.Targets), len(delHashes))
	}

	targets := make([]uint64, len(bp.Targets))
	copy(targets, bp.Targets)
	hashes := make([]Hash, len(delHashes))
	copy(hashes, delHashes)
	sortTargetsWithHashes(targets, hashes)
	if !checkSortedNoDupes(targets) {
		return nil, errors.Wrap(ErrPositionOutOfRange, "duplicate targets")
	}

	rows := treeRows(numLeaves)
	for _, t := range targets {
		if t >= numLeaves {
			return nil, errors.Wrapf(ErrPositionOutOfRange,
				"target %d but %d leaves", t, numLeaves)
		}
	}

	proofPositions, _ := ProofPositions(targets, numLeaves, rows)
	if len(bp.Proof) < len(proofPositions) {
		return nil, errors.Wrapf(ErrProofIncomplete,
			"need %d proof hashes, have %d", len(proofPositions), len(bp.Proof))
	}
	if len(bp.Proof) > len(proofPositions) {
		return nil, errors.Wrapf(ErrProofExcess,
			"need %d proof hashes, have %d", len(proofPositions), len(bp.Proof))
	}
	proof := bp.Proof

	// queue of known nodes, kept in processing order: all of a row's
	// nodes come before any node of the row above it
	targetNodes := make([]node, len(targets))
	for i, t := range targets {
		targetNodes[i] = node{Pos: t, Val: hashes[i]}
	}

	var computed []node
	var rootCandidates []node
	for len(targetNodes) > 0 {
		target := targetNodes[0]

		// a row 0 root proves itself
		row := detectRow(target.Pos, rows)
		if numLeaves&(1<<row) > 0 &&
			target.Pos == rootPosition(numLeaves, row, rows) {
			rootCandidates = append(rootCandidates, target)
			targetNodes = targetNodes[1:]
			continue
		}

		var sib node
		if len(proofPositions) > 0 && target.Pos^1 == proofPositions[0] {
			// sibling comes from the proof
			sib = node{Pos: proofPositions[0], Val: proof[0]}
			proofPositions, proof = proofPositions[1:], proof[1:]
			targetNodes = targetNodes[1:]
		} else {
			// sibling must be the next known node
			if len(targetNodes) < 2 || targetNodes[1].Pos != target.Pos^1 {
				return nil, errors.Wrapf(ErrProofIncomplete,
					"no sibling for position %d", target.Pos)
			}
			sib = targetNodes[1]
			targetNodes = targetNodes[2:]
		}

		left, right := target, sib
		if left.Pos&1 == 1 {
			left, right = right, left
		}
		parentPos := parent(target.Pos, rows)
		parentNode := node{Pos: parentPos, Val: parentHash(left.Val, right.Val)}
		computed = append(computed, parentNode)

		row = detectRow(parentPos, rows)
		if numLeaves&(1<<row) > 0 &&
			parentPos == rootPosition(numLeaves, row, rows) {
			rootCandidates = append(rootCandidates, parentNode)
			continue
		}
		targetNodes = append(targetNodes, parentNode)
	}

	if len(rootCandidates) == 0 {
		return nil, errors.Wrap(ErrProofMismatch, "no roots computed")
	}

	// candidates pop out in queue-completion order, not tree order, so
	// match each one to the stored root at its position
	rootAt := make(map[uint64]Hash)
	nextRoot := 0
	for row := uint8(0); row <= rows && nextRoot < len(roots); row++ {
		if numLeaves&(1<<row) > 0 {
			rootAt[rootPosition(numLeaves, row, rows)] = roots[nextRoot]
			nextRoot++
		}
	}
	for _, cand := range rootCandidates {
		stored, ok := rootAt[cand.Pos]
		if !ok || stored != cand.Val {
			return nil, errors.Wrapf(ErrProofMismatch,
				"computed root at position %d does not match accumulator",
				cand.Pos)
		}
	}

	return computed, nil
}

// rootsReverse gives the root hashes smallest tree first, matching
// ascending row order.
func (p *Pollard) rootsReverse() []Hash {
	rHashes := make([]Hash, len(p.roots))
	for i, n := range p.roots {
		rHashes[len(rHashes)-(1+i)] = n.data
	}
	return rHashes
}

// VerifyBatchProof checks a proof against the current roots without
// touching the pollard's cache.
func (p *Pollard) VerifyBatchProof(bp BatchProof, delHashes []Hash) error {
	_, err := verifyBatchProof(bp, delHashes, p.rootsReverse(), p.numLeaves)
	return err
}

// IngestBatchProof verifies the proof and populates the pollard with
// everything it needs to delete the targets.  On any failure the
// pollard is restored to bare roots, which can't have been corrupted.
func (p *Pollard) IngestBatchProof(bp BatchProof, delHashes []Hash) error {
	computed, err := verifyBatchProof(bp, delHashes, p.rootsReverse(), p.numLeaves)
	if err != nil {
		return err
	}

	// roots snapshot so a cache mismatch can't leave a half written
	// pollard behind
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return err
	}

	err = p.ingest(bp, delHashes, computed)
	if err != nil {
		if restoreErr := p.Deserialize(&buf); restoreErr != nil {
			return restoreErr
		}
		return err
	}
	return nil
}

// ingest writes the targets, proof hashes, and computed parents into
// the pollard, checking against anything already cached.
func (p *Pollard) ingest(bp BatchProof, delHashes []Hash, computed []node) error {
	targets := make([]uint64, len(bp.Targets))
	copy(targets, bp.Targets)
	hashes := make([]Hash, len(delHashes))
	copy(hashes, delHashes)
	sortTargetsWithHashes(targets, hashes)

	rows := treeRows(p.numLeaves)
	proofPositions, _ := ProofPositions(targets, p.numLeaves, rows)

	for i, t := range targets {
		n, _, _, err := p.grabPos(t)
		if err != nil {
			return err
		}
		if err := matchPop(n, hashes[i]); err != nil {
			return err
		}
	}
	for i, pos := range proofPositions {
		n, _, _, err := p.grabPos(pos)
		if err != nil {
			return err
		}
		if err := matchPop(n, bp.Proof[i]); err != nil {
			return err
		}
	}
	for _, c := range computed {
		n, _, _, err := p.grabPos(c.Pos)
		if err != nil {
			return err
		}
		if err := matchPop(n, c.Val); err != nil {
			return err
		}
	}
	return nil
}

// matchPop populates an empty node, or checks a full one.
func matchPop(n *polNode, h Hash) error {
	if n == nil {
		return ErrMissingNode
	}
	if n.data == empty {
		n.data = h
		return nil
	}
	if n.data == h {
		return nil
	}
	return errors.Wrapf(ErrProofMismatch,
		"cached %x, proof says %x", n.data[:4], h[:4])
}

// sortTargetsWithHashes sorts targets ascending, carrying hashes along.
func sortTargetsWithHashes(targets []uint64, hashes []Hash) {
	// insertion sort; batches are block sized
	for i := 1; i < len(targets); i++ {
		for j := i; j > 0 && targets[j-1] > targets[j]; j-- {
			targets[j-1], targets[j] = targets[j], targets[j-1]
			hashes[j-1], hashes[j] = hashes[j], hashes[j-1]
		}
	}
}
