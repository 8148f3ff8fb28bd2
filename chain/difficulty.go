package chain

import (
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/luisschwab/Floresta/chainstore"
)

const (
	// medianTimeBlocks is how many headers feed the median-time-past
	// lower bound on timestamps.
	medianTimeBlocks = 11

	// maxFutureBlockTime is how far ahead of adjusted time a header
	// timestamp may sit.
	maxFutureBlockTime = 2 * time.Hour
)

// checkProofOfWork verifies that the header hash is under the target
// its bits claim, and that the claim itself is inside the chain's
// proof-of-work limit.
func (c *ChainState) checkProofOfWork(header *wire.BlockHeader) error {
	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		return errors.Wrapf(ErrInvalidHeader,
			"bits %08x yields non-positive target", header.Bits)
	}
	if target.Cmp(c.params.PowLimit) > 0 {
		return errors.Wrapf(ErrInvalidHeader,
			"bits %08x above proof of work limit", header.Bits)
	}
	hash := header.BlockHash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return errors.Wrapf(ErrInvalidHeader,
			"hash %s above target for bits %08x", hash, header.Bits)
	}
	return nil
}

// ancestor walks parent pointers from sh down to the given height.
// Works on side chains too since it never touches the height index.
func (c *ChainState) ancestor(
	sh *chainstore.StoredHeader, height int32) (*chainstore.StoredHeader, error) {

	if height > sh.Height {
		return nil, errors.Errorf("ancestor height %d above %d", height, sh.Height)
	}
	iter := sh
	for iter.Height > height {
		prev, err := c.store.Header(&iter.Header.PrevBlock)
		if err != nil {
			return nil, err
		}
		iter = prev
	}
	return iter, nil
}

// calcPastMedianTime is the median of the last medianTimeBlocks
// timestamps ending at prev.
func (c *ChainState) calcPastMedianTime(
	prev *chainstore.StoredHeader) (time.Time, error) {

	timestamps := make([]int64, 0, medianTimeBlocks)
	iter := prev
	for i := 0; i < medianTimeBlocks; i++ {
		timestamps = append(timestamps, iter.Header.Timestamp.Unix())
		if iter.Height == 0 {
			break
		}
		parent, err := c.store.Header(&iter.Header.PrevBlock)
		if err != nil {
			return time.Time{}, err
		}
		iter = parent
	}
	sort.Slice(timestamps, func(a, b int) bool {
		return timestamps[a] < timestamps[b]
	})
	return time.Unix(timestamps[len(timestamps)/2], 0), nil
}

// calcNextRequiredDifficulty gives the bits a header extending prev
// must carry: the parent's bits inside a retarget period, or the
// retargeted value at period boundaries, clamped to a factor of
// adjustment in either direction and floored at the pow limit.
func (c *ChainState) calcNextRequiredDifficulty(
	prev *chainstore.StoredHeader, newBlockTime time.Time) (uint32, error) {

	if (prev.Height+1)%c.blocksPerRetarget != 0 {
		if c.params.ReduceMinDifficulty {
			// testnet-style rule: a block that took too long may
			// use the minimum difficulty
			reductionTime := prev.Header.Timestamp.Add(
				c.params.MinDiffReductionTime)
			if newBlockTime.After(reductionTime) {
				return c.params.PowLimitBits, nil
			}
			return c.findPrevNonMinDifficulty(prev), nil
		}
		return prev.Header.Bits, nil
	}

	first, err := c.ancestor(prev, prev.Height-(c.blocksPerRetarget-1))
	if err != nil {
		return 0, err
	}

	targetTimespan := int64(c.params.TargetTimespan / time.Second)
	adjustmentFactor := c.params.RetargetAdjustmentFactor
	actualTimespan := prev.Header.Timestamp.Unix() - first.Header.Timestamp.Unix()
	if actualTimespan < targetTimespan/adjustmentFactor {
		actualTimespan = targetTimespan / adjustmentFactor
	}
	if actualTimespan > targetTimespan*adjustmentFactor {
		actualTimespan = targetTimespan * adjustmentFactor
	}

	newTarget := blockchain.CompactToBig(prev.Header.Bits)
	newTarget.Mul(newTarget, big.NewInt(actualTimespan))
	newTarget.Div(newTarget, big.NewInt(targetTimespan))
	if newTarget.Cmp(c.params.PowLimit) > 0 {
		newTarget.Set(c.params.PowLimit)
	}
	return blockchain.BigToCompact(newTarget), nil
}

// findPrevNonMinDifficulty walks back to the last block that didn't use
// the minimum difficulty, stopping at a retarget boundary.
func (c *ChainState) findPrevNonMinDifficulty(
	prev *chainstore.StoredHeader) uint32 {

	iter := prev
	for iter.Height != 0 &&
		iter.Height%c.blocksPerRetarget != 0 &&
		iter.Header.Bits == c.params.PowLimitBits {

		parent, err := c.store.Header(&iter.Header.PrevBlock)
		if err != nil {
			break
		}
		iter = parent
	}
	return iter.Header.Bits
}
