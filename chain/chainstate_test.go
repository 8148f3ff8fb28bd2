package chain

import (
	"context"
	"crypto/sha512"
	"math/bits"
	"sort"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/luisschwab/Floresta/accumulator"
	"github.com/luisschwab/Floresta/chainstore"
	"github.com/luisschwab/Floresta/udata"
)

var opTrueScript = []byte{txscript.OP_TRUE}

// testParams is regtest with an adjustable coinbase maturity so spend
// tests don't need hundred-block chains.
func testParams(maturity uint16) *chaincfg.Params {
	params := chaincfg.RegressionNetParams
	params.CoinbaseMaturity = maturity
	return &params
}

// denseForest holds every node hash of the forest over the given
// leaves, for building proofs the way a bridge peer would.
type denseForest struct {
	numLeaves uint64
	rows      uint8
	nodes     map[uint64]accumulator.Hash
}

func hashParent(l, r accumulator.Hash) accumulator.Hash {
	return sha512.Sum512_256(append(l[:], r[:]...))
}

func forestRowsFor(n uint64) uint8 {
	if n == 0 {
		return 0
	}
	return uint8(bits.Len64(n - 1))
}

func rowOf(position uint64, forestRows uint8) uint8 {
	marker := uint64(1) << forestRows
	var r uint8
	for ; position&marker != 0; r++ {
		marker >>= 1
	}
	return r
}

func leftChild(position uint64, forestRows uint8) uint64 {
	mask := uint64(2<<forestRows) - 1
	return (position << 1) & mask
}

func positionExists(pos, numLeaves uint64, forestRows uint8) bool {
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

func newDenseForest(leaves []accumulator.Hash) *denseForest {
	n := uint64(len(leaves))
	rows := forestRowsFor(n)
	df := &denseForest{numLeaves: n, rows: rows,
		nodes: make(map[uint64]accumulator.Hash)}
	for i, h := range leaves {
		df.nodes[uint64(i)] = h
	}
	for r := uint8(1); r <= rows; r++ {
		for pos := uint64(0); pos < uint64(2)<<rows-1; pos++ {
			if rowOf(pos, rows) != r || !positionExists(pos, n, rows) {
				continue
			}
			l, okl := df.nodes[leftChild(pos, rows)]
			ri, okr := df.nodes[leftChild(pos, rows)|1]
			if okl && okr {
				df.nodes[pos] = hashParent(l, ri)
			}
		}
	}
	return df
}

func (df *denseForest) proofHashes(sortedTargets []uint64) []accumulator.Hash {
	positions, _ := accumulator.ProofPositions(sortedTargets, df.numLeaves, df.rows)
	hashes := make([]accumulator.Hash, len(positions))
	for i, pos := range positions {
		hashes[i] = df.nodes[pos]
	}
	return hashes
}

// testHarness drives a ChainState with mined regtest blocks, tracking
// leaf positions so it can build proofs for spends.  Position tracking
// assumes adds-only history, so a test may spend only in its final
// blocks.
type testHarness struct {
	t      *testing.T
	chain  *ChainState
	params *chaincfg.Params

	blocks   []*wire.MsgBlock
	leaves   []accumulator.Hash
	leafPos  map[wire.OutPoint]uint64
	leafData map[wire.OutPoint]udata.LeafData
}

func newTestHarness(t *testing.T, params *chaincfg.Params, retention int32) *testHarness {
	store, err := chainstore.OpenLevelDBStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := New(&Config{
		Store:           store,
		Params:          params,
		RetentionWindow: retention,
	})
	require.NoError(t, err)

	return &testHarness{
		t:        t,
		chain:    c,
		params:   params,
		blocks:   []*wire.MsgBlock{params.GenesisBlock},
		leafPos:  make(map[wire.OutPoint]uint64),
		leafData: make(map[wire.OutPoint]udata.LeafData),
	}
}

func makeCoinbase(height int32, value int64, pkScript []byte, tag byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript: []byte{txscript.OP_DATA_5, byte(height),
			byte(height >> 8), byte(height >> 16), byte(height >> 24), tag},
		Sequence: wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})
	return tx
}

// mineOn assembles and "mines" a block on prev; regtest difficulty
// means a handful of nonce tries at most.
func mineOn(params *chaincfg.Params, prev *wire.MsgBlock,
	coinbase *wire.MsgTx, txs ...*wire.MsgTx) *wire.MsgBlock {

	blockTxs := append([]*wire.MsgTx{coinbase}, txs...)
	utilTxs := make([]*btcutil.Tx, len(blockTxs))
	for i, tx := range blockTxs {
		utilTxs[i] = btcutil.NewTx(tx)
	}
	merkles := blockchain.BuildMerkleTreeStore(utilTxs, false)

	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev.BlockHash(),
		MerkleRoot: *merkles[len(merkles)-1],
		Timestamp:  prev.Header.Timestamp.Add(10 * time.Minute),
		Bits:       params.PowLimitBits,
	}
	target := blockchain.CompactToBig(header.Bits)
	for {
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			break
		}
		header.Nonce++
	}
	return &wire.MsgBlock{Header: header, Transactions: blockTxs}
}

func (h *testHarness) tipBlock() *wire.MsgBlock {
	return h.blocks[len(h.blocks)-1]
}

func (h *testHarness) nextHeight() int32 {
	return int32(len(h.blocks))
}

// mineNext builds the next block on the harness tip paying the default
// subsidy to pkScript.
func (h *testHarness) mineNext(pkScript []byte, txs ...*wire.MsgTx) *wire.MsgBlock {
	height := h.nextHeight()
	coinbase := makeCoinbase(height,
		blockchain.CalcBlockSubsidy(height, h.params), pkScript, 'a')
	return mineOn(h.params, h.tipBlock(), coinbase, txs...)
}

// buildProof makes the UData for a block's spends from the tracked leaf
// set.
func (h *testHarness) buildProof(block *wire.MsgBlock) *udata.UData {
	inskip, _ := udata.DedupeBlock(block)
	delOPs := udata.BlockToDelOPs(block, inskip)
	ud := &udata.UData{Height: h.nextHeight()}
	if len(delOPs) == 0 {
		return ud
	}

	targets := make([]uint64, len(delOPs))
	ud.Stxos = make([]udata.LeafData, len(delOPs))
	for i, op := range delOPs {
		pos, ok := h.leafPos[op]
		require.True(h.t, ok, "no tracked leaf for %s", op)
		targets[i] = pos
		ud.Stxos[i] = h.leafData[op]
	}

	sorted := append([]uint64{}, targets...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	df := newDenseForest(h.leaves)
	ud.AccProof = accumulator.BatchProof{
		Targets: targets,
		Proof:   df.proofHashes(sorted),
	}
	return ud
}

// record mirrors the leaf bookkeeping of a connected block.
func (h *testHarness) record(block *wire.MsgBlock) {
	height := h.nextHeight()
	blockHash := block.BlockHash()
	inskip, outskip := udata.DedupeBlock(block)
	for _, op := range udata.BlockToDelOPs(block, inskip) {
		delete(h.leafPos, op)
		delete(h.leafData, op)
	}

	var txonum uint32
	for txIdx, tx := range block.Transactions {
		txid := tx.TxHash()
		for outIdx, out := range tx.TxOut {
			if udata.IsUnspendable(out) {
				txonum++
				continue
			}
			if len(outskip) > 0 && outskip[0] == txonum {
				outskip = outskip[1:]
				txonum++
				continue
			}
			ld := udata.LeafData{
				BlockHash: blockHash,
				OutPoint:  wire.OutPoint{Hash: txid, Index: uint32(outIdx)},
				Height:    height,
				Coinbase:  txIdx == 0,
				Amt:       out.Value,
				PkScript:  out.PkScript,
			}
			h.leafPos[ld.OutPoint] = uint64(len(h.leaves))
			h.leafData[ld.OutPoint] = ld
			h.leaves = append(h.leaves, ld.LeafHash())
			txonum++
		}
	}
	h.blocks = append(h.blocks, block)
}

// extend mines, proves, and connects one block on the tip.
func (h *testHarness) extend(txs ...*wire.MsgTx) *wire.MsgBlock {
	return h.extendPay(opTrueScript, txs...)
}

func (h *testHarness) extendPay(pkScript []byte, txs ...*wire.MsgTx) *wire.MsgBlock {
	block := h.mineNext(pkScript, txs...)
	err := h.chain.ConnectBlock(context.Background(), block, h.buildProof(block))
	require.NoError(h.t, err)
	h.record(block)
	return block
}

func spendTx(op wire.OutPoint, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: op,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: value - 1000, PkScript: opTrueScript})
	return tx
}

func coinbaseOutPoint(block *wire.MsgBlock) wire.OutPoint {
	return wire.OutPoint{Hash: block.Transactions[0].TxHash(), Index: 0}
}

func TestConnectCoinbaseChain(t *testing.T) {
	h := newTestHarness(t, testParams(100), 0)
	for i := 0; i < 5; i++ {
		h.extend()
	}

	tip := h.chain.Tip()
	require.Equal(t, int32(5), tip.Height)
	require.Equal(t, h.blocks[5].BlockHash(), tip.Hash)

	roots := h.chain.Roots()
	require.Equal(t, uint64(5), roots.NumLeaves)

	sh, err := h.chain.HeaderByHeight(3)
	require.NoError(t, err)
	require.Equal(t, h.blocks[3].BlockHash(), sh.BlockHash())

	hash := h.blocks[4].BlockHash()
	require.Equal(t, StatusConnected, h.chain.Status(&hash))
	var unknown chainhash.Hash
	unknown[0] = 0x77
	require.Equal(t, StatusUnknown, h.chain.Status(&unknown))
}

func TestSpendWithProof(t *testing.T) {
	h := newTestHarness(t, testParams(2), 0)
	b1 := h.extend()
	h.extend()
	h.extend()

	op := coinbaseOutPoint(b1)
	h.extend(spendTx(op, h.leafData[op].Amt))

	tip := h.chain.Tip()
	require.Equal(t, int32(4), tip.Height)
	// 4 coinbases plus the spender's output, minus the spent coinbase
	require.Equal(t, uint64(4), h.chain.Roots().NumLeaves)
}

// An odd leaf count leaves a lone-leaf tree standing.  Spending its
// coinbase together with one from a taller tree in the same block must
// still verify and connect.
func TestSpendAcrossOddForest(t *testing.T) {
	h := newTestHarness(t, testParams(1), 0)
	var mined []*wire.MsgBlock
	for i := 0; i < 7; i++ {
		mined = append(mined, h.extend())
	}

	// leaves 0..6 form trees of 4, 2, and 1; block 7's coinbase is
	// the lone-leaf tree's root, block 5's sits in the two-leaf tree
	op5 := coinbaseOutPoint(mined[4])
	op7 := coinbaseOutPoint(mined[6])
	require.Equal(t, uint64(4), h.leafPos[op5])
	require.Equal(t, uint64(6), h.leafPos[op7])

	h.extend(spendTx(op5, h.leafData[op5].Amt),
		spendTx(op7, h.leafData[op7].Amt))

	tip := h.chain.Tip()
	require.Equal(t, int32(8), tip.Height)
	// 7 coinbases plus 3 new outputs, minus the 2 spends
	require.Equal(t, uint64(8), h.chain.Roots().NumLeaves)
}

func TestProofTamperThenRetry(t *testing.T) {
	h := newTestHarness(t, testParams(2), 0)
	b1 := h.extend()
	h.extend()
	h.extend()

	op := coinbaseOutPoint(b1)
	block := h.mineNext(opTrueScript, spendTx(op, h.leafData[op].Amt))
	rootsBefore := h.chain.Roots()

	bad := h.buildProof(block)
	require.NotEmpty(t, bad.AccProof.Proof)
	bad.AccProof.Proof[0][0] ^= 0x01
	err := h.chain.ConnectBlock(context.Background(), block, bad)
	require.ErrorIs(t, err, ErrProofInvalid)

	// nothing moved, and the block wasn't condemned with the proof
	require.Equal(t, int32(3), h.chain.Tip().Height)
	require.Equal(t, rootsBefore.Roots, h.chain.Roots().Roots)
	hash := block.BlockHash()
	require.Equal(t, StatusHeaderValid, h.chain.Status(&hash))

	// a fresh proof for the same block connects
	err = h.chain.ConnectBlock(context.Background(), block, h.buildProof(block))
	require.NoError(t, err)
	require.Equal(t, int32(4), h.chain.Tip().Height)
}

func TestScriptFailureRejected(t *testing.T) {
	h := newTestHarness(t, testParams(2), 0)
	b1 := h.extendPay([]byte{txscript.OP_FALSE})
	h.extend()
	h.extend()

	op := coinbaseOutPoint(b1)
	block := h.mineNext(opTrueScript, spendTx(op, h.leafData[op].Amt))
	rootsBefore := h.chain.Roots()

	err := h.chain.ConnectBlock(context.Background(), block, h.buildProof(block))
	require.ErrorIs(t, err, ErrScriptInvalid)
	require.Equal(t, int32(3), h.chain.Tip().Height)
	require.Equal(t, rootsBefore.Roots, h.chain.Roots().Roots)

	// the verdict is permanent
	hash := block.BlockHash()
	require.Equal(t, StatusRejected, h.chain.Status(&hash))
	err = h.chain.ConnectBlock(context.Background(), block, h.buildProof(block))
	require.ErrorIs(t, err, ErrScriptInvalid)
}

func TestCoinbaseOverpayRejected(t *testing.T) {
	h := newTestHarness(t, testParams(100), 0)
	coinbase := makeCoinbase(1,
		blockchain.CalcBlockSubsidy(1, h.params)+1, opTrueScript, 'a')
	block := mineOn(h.params, h.tipBlock(), coinbase)

	err := h.chain.ConnectBlock(context.Background(), block, nil)
	require.ErrorIs(t, err, ErrScriptInvalid)
	require.Equal(t, int32(0), h.chain.Tip().Height)
}

func TestImmatureCoinbaseSpendRejected(t *testing.T) {
	h := newTestHarness(t, testParams(10), 0)
	b1 := h.extend()
	h.extend()

	op := coinbaseOutPoint(b1)
	block := h.mineNext(opTrueScript, spendTx(op, h.leafData[op].Amt))
	err := h.chain.ConnectBlock(context.Background(), block, h.buildProof(block))
	require.ErrorIs(t, err, ErrScriptInvalid)
	require.Equal(t, int32(2), h.chain.Tip().Height)
}

func TestAcceptHeaderRejections(t *testing.T) {
	h := newTestHarness(t, testParams(100), 0)
	h.extend()

	// wrong difficulty bits: permanent
	badBits := h.mineNext(opTrueScript)
	badBits.Header.Bits = 0x1d00ffff
	err := h.chain.AcceptHeader(&badBits.Header)
	require.ErrorIs(t, err, ErrInvalidHeader)
	hash := badBits.Header.BlockHash()
	require.Equal(t, StatusRejected, h.chain.Status(&hash))

	// unknown parent: an error, but not a verdict
	orphan := h.mineNext(opTrueScript)
	orphan.Header.PrevBlock[0] ^= 0xff
	err = h.chain.AcceptHeader(&orphan.Header)
	require.ErrorIs(t, err, ErrHeaderNotFound)
	hash = orphan.Header.BlockHash()
	require.Equal(t, StatusUnknown, h.chain.Status(&hash))

	// timestamp at or below median time past: permanent
	stale := h.mineNext(opTrueScript)
	stale.Header.Timestamp = h.params.GenesisBlock.Header.Timestamp.Add(-time.Hour)
	target := blockchain.CompactToBig(stale.Header.Bits)
	for {
		hs := stale.Header.BlockHash()
		if blockchain.HashToBig(&hs).Cmp(target) <= 0 {
			break
		}
		stale.Header.Nonce++
	}
	err = h.chain.AcceptHeader(&stale.Header)
	require.ErrorIs(t, err, ErrInvalidHeader)
	hash = stale.Header.BlockHash()
	require.Equal(t, StatusRejected, h.chain.Status(&hash))
}

// A heavier side chain rewinds the active one to the fork point and
// connects through; equal work keeps the first-seen chain.
func TestReorg(t *testing.T) {
	ctx := context.Background()
	params := testParams(100)
	h := newTestHarness(t, params, 0)
	for i := 0; i < 4; i++ {
		h.extend()
	}
	rootsAt2, err := h.chain.RootsByHeight(2)
	require.NoError(t, err)

	// side chain forking above height 2
	side := []*wire.MsgBlock{}
	prev := h.blocks[2]
	for height := int32(3); height <= 6; height++ {
		coinbase := makeCoinbase(height,
			blockchain.CalcBlockSubsidy(height, params), opTrueScript, 'b')
		b := mineOn(params, prev, coinbase)
		side = append(side, b)
		prev = b
	}

	// height 3 and 4: not heavier, first seen wins
	require.NoError(t, h.chain.AcceptHeader(&side[0].Header))
	require.NoError(t, h.chain.AcceptHeader(&side[1].Header))
	require.Equal(t, int32(4), h.chain.Tip().Height)
	require.Equal(t, h.blocks[4].BlockHash(), h.chain.Tip().Hash)

	// height 5 beats the tip: rewind to the fork
	require.NoError(t, h.chain.AcceptHeader(&side[2].Header))
	tip := h.chain.Tip()
	require.Equal(t, int32(2), tip.Height)
	require.Equal(t, h.blocks[2].BlockHash(), tip.Hash)

	// disconnecting restored the forest exactly
	roots := h.chain.Roots()
	require.Equal(t, rootsAt2.NumLeaves, roots.NumLeaves)
	require.Equal(t, rootsAt2.Roots, roots.Roots)

	require.NoError(t, h.chain.AcceptHeader(&side[3].Header))
	for _, b := range side {
		require.NoError(t, h.chain.ConnectBlock(ctx, b, nil))
	}
	tip = h.chain.Tip()
	require.Equal(t, int32(6), tip.Height)
	require.Equal(t, side[3].BlockHash(), tip.Hash)

	// the winning chain replayed from scratch lands on the same roots
	store2, err := chainstore.OpenLevelDBStore(t.TempDir())
	require.NoError(t, err)
	defer store2.Close()
	replay, err := New(&Config{Store: store2, Params: params})
	require.NoError(t, err)
	for _, b := range append(h.blocks[1:3:3], side...) {
		require.NoError(t, replay.ConnectBlock(ctx, b, nil))
	}
	require.Equal(t, h.chain.Roots(), replay.Roots())
	require.Equal(t, tip, replay.Tip())
}

func TestReorgDepthExceeded(t *testing.T) {
	params := testParams(100)
	h := newTestHarness(t, params, 2)
	for i := 0; i < 8; i++ {
		h.extend()
	}
	require.NoError(t, h.chain.Prune())

	// a side chain forcing a rewind below the pruned horizon
	prev := h.blocks[3]
	var err error
	for height := int32(4); height <= 9; height++ {
		coinbase := makeCoinbase(height,
			blockchain.CalcBlockSubsidy(height, params), opTrueScript, 'b')
		b := mineOn(params, prev, coinbase)
		err = h.chain.AcceptHeader(&b.Header)
		prev = b
	}
	require.ErrorIs(t, err, ErrReorgDepthExceeded)

	// tip retained, and the chain still extends
	require.Equal(t, int32(8), h.chain.Tip().Height)
	require.Equal(t, h.blocks[8].BlockHash(), h.chain.Tip().Hash)
	h.extend()
	require.Equal(t, int32(9), h.chain.Tip().Height)
}

func TestPruneKeepsRootsDropsUndo(t *testing.T) {
	h := newTestHarness(t, testParams(100), 3)
	for i := 0; i < 8; i++ {
		h.extend()
	}
	require.NoError(t, h.chain.Prune())

	// roots snapshots survive pruning at every height
	for height := int32(0); height <= 8; height++ {
		_, err := h.chain.RootsByHeight(height)
		require.NoError(t, err)
	}
}
