package accumulator

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// UndoBlock holds what's needed to roll a Modify back: how many leaves
// the block added, which positions it deleted with the hashes that sat
// there, and the roots snapshot from just before the Modify.
//
// Since the pollard is determined by its roots (cached branches are an
// optimization, never consensus state), restoring PrevNumLeaves and
// PrevRoots is a complete rollback.  The cache comes back as later
// proofs get ingested.
type UndoBlock struct {
	NumAdds   uint32
	Positions []uint64
	Hashes    []Hash

	PrevNumLeaves uint64
	PrevRoots     []Hash
}

// SerializeSize returns the byte count of the serialized undo block.
func (ub *UndoBlock) SerializeSize() int {
	// 4B numAdds, 8B position count, 8B per position,
	// 8B hash count, 32B per hash, 8B prevNumLeaves, 32B per root
	return 28 + 8*len(ub.Positions) + 32*len(ub.Hashes) + 32*len(ub.PrevRoots)
}

// Serialize writes the undo block out.
func (ub *UndoBlock) Serialize(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, ub.NumAdds)
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, uint64(len(ub.Positions)))
	if err != nil {
		return err
	}
	for _, pos := range ub.Positions {
		if err = binary.Write(w, binary.BigEndian, pos); err != nil {
			return err
		}
	}
	err = binary.Write(w, binary.BigEndian, uint64(len(ub.Hashes)))
	if err != nil {
		return err
	}
	for _, h := range ub.Hashes {
		if _, err = w.Write(h[:]); err != nil {
			return err
		}
	}
	err = binary.Write(w, binary.BigEndian, ub.PrevNumLeaves)
	if err != nil {
		return err
	}
	// root count is numRoots(PrevNumLeaves); no need to write it
	for _, h := range ub.PrevRoots {
		if _, err = w.Write(h[:]); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads an undo block back.
func (ub *UndoBlock) Deserialize(r io.Reader) error {
	err := binary.Read(r, binary.BigEndian, &ub.NumAdds)
	if err != nil {
		return err
	}

	var posCount uint64
	if err = binary.Read(r, binary.BigEndian, &posCount); err != nil {
		return err
	}
	if posCount > 1<<24 {
		return errors.Errorf("undo block claims %d positions", posCount)
	}
	ub.Positions = make([]uint64, posCount)
	for i := range ub.Positions {
		if err = binary.Read(r, binary.BigEndian, &ub.Positions[i]); err != nil {
			return err
		}
	}

	var hashCount uint64
	if err = binary.Read(r, binary.BigEndian, &hashCount); err != nil {
		return err
	}
	if hashCount > 1<<24 {
		return errors.Errorf("undo block claims %d hashes", hashCount)
	}
	ub.Hashes = make([]Hash, hashCount)
	for i := range ub.Hashes {
		if _, err = io.ReadFull(r, ub.Hashes[i][:]); err != nil {
			return err
		}
	}

	if err = binary.Read(r, binary.BigEndian, &ub.PrevNumLeaves); err != nil {
		return err
	}
	ub.PrevRoots = make([]Hash, numRoots(ub.PrevNumLeaves))
	for i := range ub.PrevRoots {
		if _, err = io.ReadFull(r, ub.PrevRoots[i][:]); err != nil {
			return err
		}
	}
	return nil
}

// ModifyAndReturnUndo is Modify plus the undo block that reverses it.
// delHashes must line up with dels; they're recorded so a re-org can
// re-insert the spent leaves elsewhere.
func (p *Pollard) ModifyAndReturnUndo(
	adds []Leaf, dels []uint64, delHashes []Hash) (*UndoBlock, error) {
	if len(dels) != len(delHashes) {
		return nil, errors.Errorf(
			"%d deletions but %d hashes", len(dels), len(delHashes))
	}

	ub := &UndoBlock{
		NumAdds:       uint32(len(adds)),
		Positions:     append([]uint64{}, dels...),
		Hashes:        append([]Hash{}, delHashes...),
		PrevNumLeaves: p.numLeaves,
		PrevRoots:     p.Roots(),
	}

	if err := p.Modify(adds, dels); err != nil {
		return nil, err
	}
	return ub, nil
}

// Undo rolls the pollard back to the state captured in ub.  The result
// is a bare-roots pollard; cached branches are dropped.
func (p *Pollard) Undo(ub *UndoBlock) error {
	if ub == nil {
		return ErrUndoExhausted
	}
	return p.RestoreRoots(ub.PrevNumLeaves, ub.PrevRoots)
}
