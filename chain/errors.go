package chain

import (
	"github.com/pkg/errors"
)

// Consensus errors are permanent verdicts on their input: once a header
// or block earns one it is never retried.  Storage trouble surfaces as
// the backend's own errors and stays retryable.
var (
	// ErrInvalidHeader covers bad proof of work, bad linkage, and bad
	// timestamps.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrProofInvalid means the block's utreexo proof doesn't verify
	// against the current roots.  The wrapped accumulator error says
	// whether a hash mismatched, a position was stale, or a proven
	// node was missing.
	ErrProofInvalid = errors.New("utreexo proof invalid")

	// ErrScriptInvalid means the validation kernel rejected the block.
	ErrScriptInvalid = errors.New("block failed script validation")

	// ErrReorgDepthExceeded means a chain switch needs undo data that
	// was pruned.  The current tip is kept.
	ErrReorgDepthExceeded = errors.New("reorg deeper than undo retention")

	// ErrOutOfOrder means a block arrived whose parent isn't the
	// current tip.
	ErrOutOfOrder = errors.New("block does not extend current tip")

	// ErrHeaderNotFound means a header or block references a parent
	// this node hasn't accepted.  Not a verdict: the parent may still
	// arrive.
	ErrHeaderNotFound = errors.New("no accepted header for parent block")
)

// BlockStatus is where a header or block sits in the validation state
// machine.
type BlockStatus uint8

const (
	// StatusUnknown is a hash this node has never accepted.
	StatusUnknown BlockStatus = iota

	// StatusHeaderValid means the header passed proof of work and
	// context checks but its block hasn't connected.
	StatusHeaderValid

	// StatusConnected means the block is on the active chain.
	StatusConnected

	// StatusRejected is terminal: the header or block failed
	// validation.
	StatusRejected
)

func (s BlockStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusHeaderValid:
		return "header-valid"
	case StatusConnected:
		return "connected"
	case StatusRejected:
		return "rejected"
	}
	return "invalid-status"
}
