// Package chain drives the utreexo chainstate: it accepts headers,
// connects blocks against the accumulator, picks the best tip by
// cumulative work, and rolls reorgs through stored undo data.
package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"

	"github.com/luisschwab/Floresta/accumulator"
	"github.com/luisschwab/Floresta/chainstore"
	"github.com/luisschwab/Floresta/udata"
)

// DefaultRetentionWindow is how many recent blocks keep their undo
// data, which bounds the deepest reorg this node can follow.
const DefaultRetentionWindow = 288

// Config carries everything a ChainState needs.  Store and Params are
// required; the rest default.
type Config struct {
	Store  chainstore.ChainStore
	Params *chaincfg.Params

	// Kernel decides script validity.  Defaults to the in-process
	// txscript kernel.
	Kernel ScriptKernel

	// RetentionWindow is the undo retention depth in blocks.
	RetentionWindow int32

	// TimeSource supplies adjusted time for future-timestamp checks.
	TimeSource blockchain.MedianTimeSource
}

// ChainState owns the authoritative tip and the in-memory forest.  All
// mutation funnels through one mutex; readers see the last committed
// snapshot.
type ChainState struct {
	mtx sync.RWMutex

	store      chainstore.ChainStore
	params     *chaincfg.Params
	kernel     ScriptKernel
	timeSource blockchain.MedianTimeSource
	retention  int32

	blocksPerRetarget int32

	pollard accumulator.Pollard
	tip     chainstore.ChainTip
	tipWork *big.Int

	// invalid caches permanent verdicts so bad blocks are never
	// revalidated
	invalid map[chainhash.Hash]error
}

// New loads the chain state from the store, committing the genesis
// block if the store is empty.
func New(cfg *Config) (*ChainState, error) {
	if cfg.Store == nil || cfg.Params == nil {
		return nil, errors.New("chain: Store and Params are required")
	}
	c := &ChainState{
		store:      cfg.Store,
		params:     cfg.Params,
		kernel:     cfg.Kernel,
		timeSource: cfg.TimeSource,
		retention:  cfg.RetentionWindow,
		blocksPerRetarget: int32(cfg.Params.TargetTimespan /
			cfg.Params.TargetTimePerBlock),
		invalid: make(map[chainhash.Hash]error),
	}
	if c.kernel == nil {
		c.kernel = NewTxScriptKernel(cfg.Params)
	}
	if c.timeSource == nil {
		c.timeSource = blockchain.NewMedianTime()
	}
	if c.retention == 0 {
		c.retention = DefaultRetentionWindow
	}

	tip, err := c.store.Tip()
	if errors.Is(err, chainstore.ErrNotFound) {
		if err := c.commitGenesis(); err != nil {
			return nil, err
		}
		tip, err = c.store.Tip()
	}
	if err != nil {
		return nil, err
	}

	tipHeader, err := c.store.Header(&tip.Hash)
	if err != nil {
		return nil, err
	}
	roots, err := c.store.RootsByHeight(tip.Height)
	if err != nil {
		return nil, err
	}
	if err := c.pollard.RestoreRoots(roots.NumLeaves, roots.Roots); err != nil {
		return nil, err
	}

	c.tip = *tip
	c.tipWork = tipHeader.Work
	log.Infof("chain state loaded: tip %s height %d, %d leaves",
		tip.Hash, tip.Height, roots.NumLeaves)
	return c, nil
}

// commitGenesis writes the genesis block with an empty forest.  The
// genesis coinbase is unspendable and never enters the accumulator.
func (c *ChainState) commitGenesis() error {
	header := c.params.GenesisBlock.Header
	sh := &chainstore.StoredHeader{
		Header: header,
		Height: 0,
		Work:   blockchain.CalcWork(header.Bits),
	}
	return c.store.PutBlock(sh, &chainstore.RootsSnapshot{}, &accumulator.UndoBlock{})
}

// Tip returns the best chain tip.
func (c *ChainState) Tip() chainstore.ChainTip {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.tip
}

// Roots returns the committed accumulator state at the tip.
func (c *ChainState) Roots() chainstore.RootsSnapshot {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return chainstore.RootsSnapshot{
		NumLeaves: c.pollard.NumLeaves(),
		Roots:     c.pollard.Roots(),
	}
}

// Header looks a header up by hash.
func (c *ChainState) Header(hash *chainhash.Hash) (*chainstore.StoredHeader, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.store.Header(hash)
}

// HeaderByHeight looks an active-chain header up by height.
func (c *ChainState) HeaderByHeight(height int32) (*chainstore.StoredHeader, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.store.HeaderByHeight(height)
}

// RootsByHeight returns the committed forest state at any height, for
// proof building.
func (c *ChainState) RootsByHeight(height int32) (*chainstore.RootsSnapshot, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.store.RootsByHeight(height)
}

// Status reports where a hash sits in the validation state machine.
func (c *ChainState) Status(hash *chainhash.Hash) BlockStatus {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if _, ok := c.invalid[*hash]; ok {
		return StatusRejected
	}
	sh, err := c.store.Header(hash)
	if err != nil {
		return StatusUnknown
	}
	if sh.Height <= c.tip.Height {
		active, err := c.store.HeaderByHeight(sh.Height)
		if err == nil && active.BlockHash() == *hash {
			return StatusConnected
		}
	}
	return StatusHeaderValid
}

// AcceptHeader validates one header and stores it.  A header on a side
// chain whose cumulative work strictly beats the tip triggers a rewind
// to the fork point; ties keep the first-seen chain.
func (c *ChainState) AcceptHeader(header *wire.BlockHeader) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.acceptHeader(header)
}

func (c *ChainState) acceptHeader(header *wire.BlockHeader) error {
	hash := header.BlockHash()
	if verdict, ok := c.invalid[hash]; ok {
		return verdict
	}
	if _, err := c.store.Header(&hash); err == nil {
		return nil
	}

	if verdict, ok := c.invalid[header.PrevBlock]; ok {
		return c.reject(hash, errors.Wrapf(ErrInvalidHeader,
			"builds on rejected block %s: %v", header.PrevBlock, verdict))
	}
	prev, err := c.store.Header(&header.PrevBlock)
	if errors.Is(err, chainstore.ErrNotFound) {
		return errors.Wrapf(ErrHeaderNotFound,
			"unknown previous block %s", header.PrevBlock)
	}
	if err != nil {
		return err
	}

	expectedBits, err := c.calcNextRequiredDifficulty(prev, header.Timestamp)
	if err != nil {
		return err
	}
	if header.Bits != expectedBits {
		return c.reject(hash, errors.Wrapf(ErrInvalidHeader,
			"bits %08x, want %08x", header.Bits, expectedBits))
	}
	if err := c.checkProofOfWork(header); err != nil {
		return c.reject(hash, err)
	}

	mtp, err := c.calcPastMedianTime(prev)
	if err != nil {
		return err
	}
	if !header.Timestamp.After(mtp) {
		return c.reject(hash, errors.Wrapf(ErrInvalidHeader,
			"timestamp %v not after median time %v", header.Timestamp, mtp))
	}
	if header.Timestamp.After(
		c.timeSource.AdjustedTime().Add(maxFutureBlockTime)) {
		// clock dependent; may become valid, so no verdict
		return errors.Wrapf(ErrInvalidHeader,
			"timestamp %v too far in the future", header.Timestamp)
	}

	sh := &chainstore.StoredHeader{
		Header: *header,
		Height: prev.Height + 1,
		Work:   new(big.Int).Add(prev.Work, blockchain.CalcWork(header.Bits)),
	}
	if err := c.store.PutHeader(sh); err != nil {
		return err
	}

	if sh.Work.Cmp(c.tipWork) > 0 && header.PrevBlock != c.tip.Hash {
		return c.switchToFork(sh)
	}
	return nil
}

// switchToFork rewinds the active chain to the fork point below sh so
// the heavier branch can connect.  Refused past undo retention.
func (c *ChainState) switchToFork(sh *chainstore.StoredHeader) error {
	fork := sh
	for fork.Height > 0 {
		if fork.Height <= c.tip.Height {
			active, err := c.store.HeaderByHeight(fork.Height)
			if err == nil && active.BlockHash() == fork.BlockHash() {
				break
			}
			if err != nil && !errors.Is(err, chainstore.ErrNotFound) {
				return err
			}
		}
		parent, err := c.store.Header(&fork.Header.PrevBlock)
		if err != nil {
			return err
		}
		fork = parent
	}
	if fork.Height == c.tip.Height {
		return nil
	}

	roots, err := c.store.RewindTo(fork.Height)
	if errors.Is(err, chainstore.ErrUndoUnavailable) {
		return errors.Wrapf(ErrReorgDepthExceeded,
			"fork at height %d, tip %d: %v", fork.Height, c.tip.Height, err)
	}
	if err != nil {
		return err
	}
	if err := c.pollard.RestoreRoots(roots.NumLeaves, roots.Roots); err != nil {
		return err
	}

	log.Infof("reorg: disconnected %d blocks, back to height %d (%s)",
		c.tip.Height-fork.Height, fork.Height, fork.BlockHash())
	c.tip = chainstore.ChainTip{Hash: fork.BlockHash(), Height: fork.Height}
	c.tipWork = fork.Work
	return nil
}

// ConnectBlock validates the block extending the current tip and
// commits it.  The proof must cover every input that isn't a same-block
// spend, with leaf data in input order.  On success the tip, roots, and
// undo data are durable before return; on failure nothing changed.
func (c *ChainState) ConnectBlock(
	ctx context.Context, block *wire.MsgBlock, proof *udata.UData) error {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	hash := block.BlockHash()
	if verdict, ok := c.invalid[hash]; ok {
		return verdict
	}
	if proof == nil {
		proof = new(udata.UData)
	}

	sh, err := c.store.Header(&hash)
	if errors.Is(err, chainstore.ErrNotFound) {
		if err := c.acceptHeader(&block.Header); err != nil {
			return err
		}
		sh, err = c.store.Header(&hash)
	}
	if err != nil {
		return err
	}
	if block.Header.PrevBlock != c.tip.Hash {
		return errors.Wrapf(ErrOutOfOrder,
			"block %s at height %d, tip is %s at %d",
			hash, sh.Height, c.tip.Hash, c.tip.Height)
	}
	height := sh.Height

	if err := blockchain.CheckBlockSanity(
		btcutil.NewBlock(block), c.params.PowLimit, c.timeSource); err != nil {
		return c.reject(hash, errors.Wrapf(ErrScriptInvalid,
			"block sanity: %v", err))
	}

	// spends are proven against the forest as of the parent block.
	// proof failures are never cached against the block: the proof may
	// just be stale and the peer can re-fetch one for the same block
	inskip, outskip := udata.DedupeBlock(block)
	delOPs := udata.BlockToDelOPs(block, inskip)
	if len(delOPs) != len(proof.Stxos) {
		return errors.Wrapf(ErrProofInvalid,
			"%d inputs need proofs, leaf data for %d", len(delOPs), len(proof.Stxos))
	}
	for i := range delOPs {
		if proof.Stxos[i].OutPoint != delOPs[i] {
			return errors.Wrapf(ErrProofInvalid,
				"leaf data %d is for %s, input spends %s",
				i, proof.Stxos[i].OutPoint, delOPs[i])
		}
	}
	if err := proof.ProofSanity(c.pollard.NumLeaves()); err != nil {
		return errors.Wrapf(ErrProofInvalid, "%v", err)
	}

	delHashes := proof.LeafHashes()
	if err := c.pollard.IngestBatchProof(proof.AccProof, delHashes); err != nil {
		return errors.Wrapf(ErrProofInvalid, "%v", err)
	}

	if err := c.kernel.CheckBlockScripts(ctx, block, height, proof.Stxos); err != nil {
		if ctx.Err() != nil {
			// cancellation is not a verdict on the block
			return err
		}
		return c.reject(hash, err)
	}

	adds := udata.BlockToAddLeaves(block, hash, outskip, height)

	prevNumLeaves := c.pollard.NumLeaves()
	prevRoots := c.pollard.Roots()
	undo, err := c.pollard.ModifyAndReturnUndo(adds, proof.AccProof.Targets, delHashes)
	if err != nil {
		if rerr := c.pollard.RestoreRoots(prevNumLeaves, prevRoots); rerr != nil {
			return rerr
		}
		return errors.Wrapf(ErrProofInvalid, "forest update: %v", err)
	}

	rs := &chainstore.RootsSnapshot{
		NumLeaves: c.pollard.NumLeaves(),
		Roots:     c.pollard.Roots(),
	}
	if err := c.store.PutBlock(sh, rs, undo); err != nil {
		// storage trouble is retryable; leave no half state behind
		if rerr := c.pollard.Undo(undo); rerr != nil {
			return rerr
		}
		return err
	}

	c.tip = chainstore.ChainTip{Hash: hash, Height: height}
	c.tipWork = sh.Work
	log.Debugf("connected block %s height %d: %d adds, %d dels, %d leaves",
		hash, height, len(adds), len(delOPs), rs.NumLeaves)
	return nil
}

// reject records a permanent verdict.
func (c *ChainState) reject(hash chainhash.Hash, verdict error) error {
	c.invalid[hash] = verdict
	return verdict
}

// Prune drops undo data older than the retention window.  Advisory:
// callers log failures and move on.
func (c *ChainState) Prune() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	cut := c.tip.Height - c.retention
	if cut <= 0 {
		return nil
	}
	return c.store.PruneBefore(cut)
}
