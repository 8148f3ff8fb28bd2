package chain

import (
	"context"
	"runtime"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"

	"github.com/luisschwab/Floresta/udata"
)

// ScriptKernel decides whether a block's spends are valid given the
// leaf data its proof vouches for.  It is the only place script and
// amount semantics enter this engine, and it is swappable: the rest of
// the chainstate only sees accept or reject.
type ScriptKernel interface {
	// CheckBlockScripts validates every input of the block against
	// the spent outputs in spent, which line up with the block's
	// proof-needing inputs in order.  Outputs created inside the block
	// are resolved internally.  A non-nil error wraps
	// ErrScriptInvalid and is a permanent verdict.
	CheckBlockScripts(ctx context.Context, block *wire.MsgBlock,
		height int32, spent []udata.LeafData) error
}

// utxoEntry is one spendable output visible to the block being
// validated, from the proof or created earlier in the same block.
type utxoEntry struct {
	txOut    *wire.TxOut
	height   int32
	coinbase bool
}

// TxScriptKernel is the in-process ScriptKernel built on the txscript
// engine.
type TxScriptKernel struct {
	params    *chaincfg.Params
	sigCache  *txscript.SigCache
	hashCache *txscript.HashCache
}

var _ ScriptKernel = (*TxScriptKernel)(nil)

// NewTxScriptKernel returns a kernel validating with txscript under the
// given network's rules.
func NewTxScriptKernel(params *chaincfg.Params) *TxScriptKernel {
	return &TxScriptKernel{
		params:    params,
		sigCache:  txscript.NewSigCache(100000),
		hashCache: txscript.NewHashCache(10000),
	}
}

// CheckBlockScripts runs amount, maturity, sigop, and coinbase-value
// checks serially, then executes every input script across a worker
// pool.
func (k *TxScriptKernel) CheckBlockScripts(ctx context.Context,
	block *wire.MsgBlock, height int32, spent []udata.LeafData) error {

	view := buildUtxoView(block, height, spent)

	var totalFees int64
	var totalSigOpCost int
	for txIdx, msgTx := range block.Transactions {
		tx := btcutil.NewTx(msgTx)
		if txIdx == 0 {
			continue
		}

		fee, err := k.checkTransactionInputs(tx, height, view)
		if err != nil {
			return err
		}
		lastFees := totalFees
		totalFees += fee
		if totalFees < lastFees {
			return errors.Wrap(ErrScriptInvalid, "total block fees overflow")
		}

		sigOpCost, err := k.sigOpCost(tx, view)
		if err != nil {
			return err
		}
		totalSigOpCost += sigOpCost
		if totalSigOpCost > blockchain.MaxBlockSigOpsCost {
			return errors.Wrapf(ErrScriptInvalid,
				"block sigop cost %d over limit %d",
				totalSigOpCost, blockchain.MaxBlockSigOpsCost)
		}
	}

	subsidy := blockchain.CalcBlockSubsidy(height, k.params)
	var coinbaseOut int64
	for _, out := range block.Transactions[0].TxOut {
		coinbaseOut += out.Value
	}
	if coinbaseOut > subsidy+totalFees {
		return errors.Wrapf(ErrScriptInvalid,
			"coinbase pays %d, only %d allowed", coinbaseOut, subsidy+totalFees)
	}

	return k.checkInputScripts(ctx, block, view)
}

// buildUtxoView collects the outputs the block may spend: the proven
// leaf data plus everything the block itself creates.
func buildUtxoView(block *wire.MsgBlock, height int32,
	spent []udata.LeafData) map[wire.OutPoint]utxoEntry {

	view := make(map[wire.OutPoint]utxoEntry, len(spent))
	for i := range spent {
		ld := &spent[i]
		view[ld.OutPoint] = utxoEntry{
			txOut:    ld.ToTxOut(),
			height:   ld.Height,
			coinbase: ld.Coinbase,
		}
	}
	for txIdx, tx := range block.Transactions {
		txid := tx.TxHash()
		for outIdx, out := range tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(outIdx)}
			view[op] = utxoEntry{txOut: out, height: height, coinbase: txIdx == 0}
		}
	}
	return view
}

// checkTransactionInputs verifies maturity, amount ranges, and that
// outputs don't exceed inputs, returning the fee.
func (k *TxScriptKernel) checkTransactionInputs(
	tx *btcutil.Tx, height int32, view map[wire.OutPoint]utxoEntry) (int64, error) {

	var totalSatoshiIn int64
	for _, txIn := range tx.MsgTx().TxIn {
		entry, ok := view[txIn.PreviousOutPoint]
		if !ok {
			return 0, errors.Wrapf(ErrScriptInvalid,
				"input %s of %s has no known utxo",
				txIn.PreviousOutPoint, tx.Hash())
		}

		if entry.coinbase {
			blocksSincePrev := height - entry.height
			if blocksSincePrev < int32(k.params.CoinbaseMaturity) {
				return 0, errors.Wrapf(ErrScriptInvalid,
					"spend of coinbase %s at depth %d before maturity %d",
					txIn.PreviousOutPoint, blocksSincePrev,
					k.params.CoinbaseMaturity)
			}
		}

		satoshi := entry.txOut.Value
		if satoshi < 0 || satoshi > btcutil.MaxSatoshi {
			return 0, errors.Wrapf(ErrScriptInvalid,
				"utxo %s value %d out of range", txIn.PreviousOutPoint, satoshi)
		}
		lastSatoshiIn := totalSatoshiIn
		totalSatoshiIn += satoshi
		if totalSatoshiIn < lastSatoshiIn || totalSatoshiIn > btcutil.MaxSatoshi {
			return 0, errors.Wrapf(ErrScriptInvalid,
				"input total for %s out of range", tx.Hash())
		}
	}

	var totalSatoshiOut int64
	for _, txOut := range tx.MsgTx().TxOut {
		totalSatoshiOut += txOut.Value
	}
	if totalSatoshiIn < totalSatoshiOut {
		return 0, errors.Wrapf(ErrScriptInvalid,
			"tx %s spends %d with only %d in",
			tx.Hash(), totalSatoshiOut, totalSatoshiIn)
	}
	return totalSatoshiIn - totalSatoshiOut, nil
}

// sigOpCost is the unified sigop cost of one transaction: legacy and
// p2sh counts scaled by the witness factor plus unscaled witness ops.
func (k *TxScriptKernel) sigOpCost(
	tx *btcutil.Tx, view map[wire.OutPoint]utxoEntry) (int, error) {

	numSigOps := blockchain.CountSigOps(tx) * blockchain.WitnessScaleFactor
	for _, txIn := range tx.MsgTx().TxIn {
		entry, ok := view[txIn.PreviousOutPoint]
		if !ok {
			return 0, errors.Wrapf(ErrScriptInvalid,
				"input %s of %s has no known utxo",
				txIn.PreviousOutPoint, tx.Hash())
		}
		pkScript := entry.txOut.PkScript
		if txscript.IsPayToScriptHash(pkScript) {
			numSigOps += txscript.GetPreciseSigOpCount(
				txIn.SignatureScript, pkScript, true) *
				blockchain.WitnessScaleFactor
		}
		numSigOps += txscript.GetWitnessSigOpCount(
			txIn.SignatureScript, pkScript, txIn.Witness)
	}
	return numSigOps, nil
}

// txValidateItem is one input to run through the script engine.
type txValidateItem struct {
	txInIndex int
	txIn      *wire.TxIn
	tx        *btcutil.Tx
	sigHashes *txscript.TxSigHashes
	utxo      *wire.TxOut
}

// txValidator fans script execution out over a pool of goroutines.  Any
// failure closes the quit channel so the rest stop early.
type txValidator struct {
	validateChan chan *txValidateItem
	quitChan     chan struct{}
	resultChan   chan error
	flags        txscript.ScriptFlags
	sigCache     *txscript.SigCache
}

func newTxValidator(flags txscript.ScriptFlags, sigCache *txscript.SigCache) *txValidator {
	return &txValidator{
		validateChan: make(chan *txValidateItem),
		quitChan:     make(chan struct{}),
		resultChan:   make(chan error),
		flags:        flags,
		sigCache:     sigCache,
	}
}

func (v *txValidator) sendResult(result error) {
	select {
	case v.resultChan <- result:
	case <-v.quitChan:
	}
}

func (v *txValidator) validateHandler() {
out:
	for {
		select {
		case txVI := <-v.validateChan:
			vm, err := txscript.NewEngine(txVI.utxo.PkScript,
				txVI.tx.MsgTx(), txVI.txInIndex, v.flags,
				v.sigCache, txVI.sigHashes, txVI.utxo.Value)
			if err != nil {
				v.sendResult(errors.Wrapf(ErrScriptInvalid,
					"failed to parse input %s:%d spending %s: %v",
					txVI.tx.Hash(), txVI.txInIndex,
					txVI.txIn.PreviousOutPoint, err))
				break out
			}
			if err := vm.Execute(); err != nil {
				v.sendResult(errors.Wrapf(ErrScriptInvalid,
					"failed to validate input %s:%d spending %s: %v",
					txVI.tx.Hash(), txVI.txInIndex,
					txVI.txIn.PreviousOutPoint, err))
				break out
			}
			v.sendResult(nil)

		case <-v.quitChan:
			break out
		}
	}
}

// validate feeds the items through the pool, stopping at the first
// failure or when ctx is cancelled.
func (v *txValidator) validate(ctx context.Context, items []*txValidateItem) error {
	if len(items) == 0 {
		return nil
	}

	maxGoRoutines := runtime.NumCPU() * 3
	if maxGoRoutines > len(items) {
		maxGoRoutines = len(items)
	}
	for i := 0; i < maxGoRoutines; i++ {
		go v.validateHandler()
	}

	numInputs := len(items)
	currentItem := 0
	processedItems := 0
	for processedItems < numInputs {
		// a nil channel is never selected, which stops sends once
		// everything is queued
		var validateChan chan *txValidateItem
		var item *txValidateItem
		if currentItem < numInputs {
			validateChan = v.validateChan
			item = items[currentItem]
		}

		select {
		case validateChan <- item:
			currentItem++

		case err := <-v.resultChan:
			processedItems++
			if err != nil {
				close(v.quitChan)
				return err
			}

		case <-ctx.Done():
			close(v.quitChan)
			return ctx.Err()
		}
	}

	close(v.quitChan)
	return nil
}

// checkInputScripts executes the script pair of every non-coinbase
// input in the block concurrently.
func (k *TxScriptKernel) checkInputScripts(ctx context.Context,
	block *wire.MsgBlock, view map[wire.OutPoint]utxoEntry) error {

	flags := txscript.StandardVerifyFlags
	segwitActive := flags&txscript.ScriptVerifyWitness == txscript.ScriptVerifyWitness

	var items []*txValidateItem
	for txIdx, msgTx := range block.Transactions {
		if txIdx == 0 {
			continue
		}
		tx := btcutil.NewTx(msgTx)

		var cachedHashes *txscript.TxSigHashes
		if segwitActive && msgTx.HasWitness() {
			if !k.hashCache.ContainsHashes(tx.Hash()) {
				k.hashCache.AddSigHashes(msgTx)
			}
			cachedHashes, _ = k.hashCache.GetSigHashes(tx.Hash())
		}

		for txInIdx, txIn := range msgTx.TxIn {
			entry, ok := view[txIn.PreviousOutPoint]
			if !ok {
				return errors.Wrapf(ErrScriptInvalid,
					"input %s of %s has no known utxo",
					txIn.PreviousOutPoint, tx.Hash())
			}
			items = append(items, &txValidateItem{
				txInIndex: txInIdx,
				txIn:      txIn,
				tx:        tx,
				sigHashes: cachedHashes,
				utxo:      entry.txOut,
			})
		}
	}

	validator := newTxValidator(flags, k.sigCache)
	return validator.validate(ctx, items)
}
