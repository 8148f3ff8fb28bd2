package udata

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/luisschwab/Floresta/accumulator"
)

// UData is the utreexo data that rides along with a block: the batch
// proof for every UTXO the block spends, plus the leaf data those
// proofs commit to.
type UData struct {
	Height   int32
	AccProof accumulator.BatchProof
	Stxos    []LeafData
}

// ProofSanity checks that the proof's shape matches the leaf data:
// one target per stxo, targets inside the forest, no duplicates.  The
// hashes themselves get checked against the roots during ingest.
func (ud *UData) ProofSanity(numLeaves uint64) error {
	if len(ud.AccProof.Targets) != len(ud.Stxos) {
		return errors.Errorf("%d proof targets but %d stxos",
			len(ud.AccProof.Targets), len(ud.Stxos))
	}
	seen := make(map[uint64]struct{}, len(ud.AccProof.Targets))
	for _, t := range ud.AccProof.Targets {
		if t >= numLeaves {
			return errors.Errorf("target %d but forest has %d leaves",
				t, numLeaves)
		}
		if _, ok := seen[t]; ok {
			return errors.Errorf("duplicate target %d", t)
		}
		seen[t] = struct{}{}
	}
	return nil
}

// LeafHashes returns the leaf hash of every stxo, aligned with the
// proof targets.
func (ud *UData) LeafHashes() []accumulator.Hash {
	hashes := make([]accumulator.Hash, len(ud.Stxos))
	for i := range ud.Stxos {
		hashes[i] = ud.Stxos[i].LeafHash()
	}
	return hashes
}

// Serialize writes the udata: 4 byte height, the batch proof, then one
// leaf data per target.
func (ud *UData) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, ud.Height); err != nil {
		return err
	}
	if err := ud.AccProof.Serialize(w); err != nil {
		return err
	}
	for i := range ud.Stxos {
		if err := ud.Stxos[i].Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// SerializeSize says how big the serialized udata is.
func (ud *UData) SerializeSize() int {
	size := 4 + ud.AccProof.SerializeSize()
	for i := range ud.Stxos {
		size += ud.Stxos[i].SerializeSize()
	}
	return size
}

// Deserialize reads udata back.  The leaf data count comes from the
// proof's target count.
func (ud *UData) Deserialize(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &ud.Height); err != nil {
		return err
	}
	if err := ud.AccProof.Deserialize(r); err != nil {
		return err
	}
	ud.Stxos = make([]LeafData, len(ud.AccProof.Targets))
	for i := range ud.Stxos {
		if err := ud.Stxos[i].Deserialize(r); err != nil {
			return errors.Wrapf(err, "stxo %d of %d", i, len(ud.Stxos))
		}
	}
	return nil
}

// DedupeBlock finds the inputs that spend outputs created in the same
// block.  Returns the indexes of those inputs and outputs, counted
// across the whole block with the coinbase included.  Same-block spends
// neither need proofs nor enter the accumulator.
func DedupeBlock(blk *wire.MsgBlock) (inskip []uint32, outskip []uint32) {
	var i uint32
	inmap := make(map[wire.OutPoint]uint32)

	for cbif0, tx := range blk.Transactions {
		if cbif0 == 0 { // coinbase spends nothing
			i++
			continue
		}
		for _, in := range tx.TxIn {
			inmap[in.PreviousOutPoint] = i
			i++
		}
	}

	i = 0
	for cbif0, tx := range blk.Transactions {
		if cbif0 == 0 { // coinbase outputs can't be spent this block
			i += uint32(len(tx.TxOut))
			continue
		}
		txid := tx.TxHash()
		for outidx := range tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(outidx)}
			if inpos, exists := inmap[op]; exists {
				inskip = append(inskip, inpos)
				outskip = append(outskip, i)
			}
			i++
		}
	}
	// inskip was built in consumption order, not creation order
	sort.Slice(inskip, func(a, b int) bool { return inskip[a] < inskip[b] })
	return
}

// BlockToAddLeaves turns a block's new spendable outputs into
// accumulator leaves.  Outputs in outskip (same-block spends) and
// unspendable outputs are left out.
func BlockToAddLeaves(
	blk *wire.MsgBlock, blockHash [32]byte,
	outskip []uint32, height int32) []accumulator.Leaf {

	var leaves []accumulator.Leaf
	var txonum uint32
	for coinbaseif0, tx := range blk.Transactions {
		txid := tx.TxHash()
		for i, out := range tx.TxOut {
			if IsUnspendable(out) {
				txonum++
				continue
			}
			if len(outskip) > 0 && outskip[0] == txonum {
				outskip = outskip[1:]
				txonum++
				continue
			}

			var l LeafData
			copy(l.BlockHash[:], blockHash[:])
			l.OutPoint.Hash = txid
			l.OutPoint.Index = uint32(i)
			l.Height = height
			l.Coinbase = coinbaseif0 == 0
			l.Amt = out.Value
			l.PkScript = out.PkScript
			leaves = append(leaves, accumulator.Leaf{Hash: l.LeafHash()})
			txonum++
		}
	}
	return leaves
}

// BlockToDelOPs returns the outpoints a block spends that need proofs:
// every input except the coinbase's and the same-block spends in
// inskip.
func BlockToDelOPs(blk *wire.MsgBlock, inskip []uint32) []wire.OutPoint {
	var delOPs []wire.OutPoint
	var blockInIdx uint32
	for txinblock, tx := range blk.Transactions {
		if txinblock == 0 {
			blockInIdx++ // coinbase always has 1 input
			continue
		}
		for _, txin := range tx.TxIn {
			if len(inskip) > 0 && inskip[0] == blockInIdx {
				inskip = inskip[1:]
				blockInIdx++
				continue
			}
			delOPs = append(delOPs, txin.PreviousOutPoint)
			blockInIdx++
		}
	}
	return delOPs
}
