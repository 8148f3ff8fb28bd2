// Package chainstore persists headers, accumulator roots, and undo
// data behind one contract with two backends: a leveldb key-value
// store and an append-only flat-file store.  ChainState never knows
// which one it's talking to.
package chainstore

import (
	"encoding/binary"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/luisschwab/Floresta/accumulator"
)

// Sentinel errors shared by both backends.
var (
	// ErrNotFound means the requested header, roots, or undo record
	// isn't in the store.
	ErrNotFound = errors.New("not found in chain store")

	// ErrUndoUnavailable means a rewind reached past the undo
	// retention window.
	ErrUndoUnavailable = errors.New("undo data pruned past retention")

	// ErrCorruption means the backend detected a checksum or layout
	// failure.  Fatal for the store instance; never silently recovered.
	ErrCorruption = errors.New("chain store corruption")
)

// StoredHeader couples a block header with its chain context.
type StoredHeader struct {
	Header wire.BlockHeader
	Height int32
	// Work is the cumulative proof of work up to and including this
	// header.
	Work *big.Int
}

// BlockHash returns the hash of the stored header.
func (sh *StoredHeader) BlockHash() chainhash.Hash {
	return sh.Header.BlockHash()
}

// storedHeaderSize is 80 byte wire header, 4 byte height, 32 byte work.
const storedHeaderSize = 116

// Serialize writes the stored header in fixed layout.
func (sh *StoredHeader) Serialize(w io.Writer) error {
	if err := sh.Header.Serialize(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, sh.Height); err != nil {
		return err
	}
	var workBuf [32]byte
	sh.Work.FillBytes(workBuf[:])
	_, err := w.Write(workBuf[:])
	return err
}

// Deserialize reads a stored header back.
func (sh *StoredHeader) Deserialize(r io.Reader) error {
	if err := sh.Header.Deserialize(r); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &sh.Height); err != nil {
		return err
	}
	var workBuf [32]byte
	if _, err := io.ReadFull(r, workBuf[:]); err != nil {
		return err
	}
	sh.Work = new(big.Int).SetBytes(workBuf[:])
	return nil
}

// RootsSnapshot is the accumulator state at one height: the leaf count
// and the root hashes, biggest tree first.  Tiny, and retained for
// every height forever.
type RootsSnapshot struct {
	NumLeaves uint64
	Roots     []accumulator.Hash
}

// Serialize writes the snapshot: 8 byte numLeaves then the roots; the
// root count is numRoots(NumLeaves) so it isn't written.
func (rs *RootsSnapshot) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, rs.NumLeaves); err != nil {
		return err
	}
	for _, root := range rs.Roots {
		if _, err := w.Write(root[:]); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads a snapshot back.
func (rs *RootsSnapshot) Deserialize(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &rs.NumLeaves); err != nil {
		return err
	}
	rs.Roots = make([]accumulator.Hash, numForestRoots(rs.NumLeaves))
	for i := range rs.Roots {
		if _, err := io.ReadFull(r, rs.Roots[i][:]); err != nil {
			return err
		}
	}
	return nil
}

func numForestRoots(numLeaves uint64) int {
	count := 0
	for n := numLeaves; n != 0; n &= n - 1 {
		count++
	}
	return count
}

// ChainTip is the best connected block.
type ChainTip struct {
	Hash   chainhash.Hash
	Height int32
}

// ChainStore is the persistence contract both backends satisfy.
//
// PutBlock is the only compound commit and it is atomic: header, roots
// snapshot, and undo data land as one unit or not at all, and it
// returns only after the commit is durable.
type ChainStore interface {
	// PutHeader stores a validated header that isn't connected yet.
	PutHeader(sh *StoredHeader) error

	// Header fetches a header by block hash.
	Header(hash *chainhash.Hash) (*StoredHeader, error)

	// HeaderByHeight fetches the best-chain header at a height.
	HeaderByHeight(height int32) (*StoredHeader, error)

	// PutBlock commits a connected block: its header, the forest roots
	// after applying it, and the undo record that reverses it.  Also
	// advances the tip.
	PutBlock(sh *StoredHeader, roots *RootsSnapshot, undo *accumulator.UndoBlock) error

	// Tip returns the best connected block, or ErrNotFound on a fresh
	// store.
	Tip() (*ChainTip, error)

	// RootsByHeight returns the forest snapshot at a height.  Never
	// pruned.
	RootsByHeight(height int32) (*RootsSnapshot, error)

	// UndoByHeight returns the undo record for the block at a height,
	// or ErrUndoUnavailable if pruned.
	UndoByHeight(height int32) (*accumulator.UndoBlock, error)

	// RewindTo moves the tip back to height and returns the forest
	// snapshot there.  Fails with ErrUndoUnavailable if any block
	// being disconnected no longer has undo data.
	RewindTo(height int32) (*RootsSnapshot, error)

	// PruneBefore drops undo data for blocks strictly below height.
	// Headers and roots snapshots stay.
	PruneBefore(height int32) error

	Close() error
}
