package accumulator

import (
	"github.com/pkg/errors"
)

// Sentinel errors returned by accumulator operations.  Callers compare
// with errors.Is to pick out consensus failures from plumbing failures.
var (
	// ErrProofMismatch means the proof hashed up to roots that don't
	// match the accumulator's roots.
	ErrProofMismatch = errors.New("proof does not match accumulator roots")

	// ErrProofIncomplete means the proof ran out of hashes before every
	// target could be connected to a root.
	ErrProofIncomplete = errors.New("proof has too few hashes for its targets")

	// ErrProofExcess means the proof carried hashes that no target needed.
	ErrProofExcess = errors.New("proof has more hashes than its targets need")

	// ErrPositionOutOfRange means a target position isn't inside the
	// forest for the current number of leaves.
	ErrPositionOutOfRange = errors.New("position out of range for forest")

	// ErrMissingNode means a needed branch isn't cached in the pollard.
	ErrMissingNode = errors.New("node not cached in pollard")

	// ErrUndoExhausted means Undo was called with no matching undo data.
	ErrUndoExhausted = errors.New("no undo data for requested rollback")

	errNilNodeSwap = errors.New("swap on nil node")
)
