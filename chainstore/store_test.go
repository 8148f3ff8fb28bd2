package chainstore

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/luisschwab/Floresta/accumulator"
)

// backend couples a store constructor with its name so the contract
// tests run against every implementation.
type backend struct {
	name string
	open func(dir string) (ChainStore, error)
}

func backends() []backend {
	return []backend{
		{"leveldb", func(dir string) (ChainStore, error) {
			return OpenLevelDBStore(dir)
		}},
		{"flatfile", func(dir string) (ChainStore, error) {
			return OpenFlatFileStore(dir)
		}},
	}
}

func testHeader(height int32, prev chainhash.Hash) *StoredHeader {
	return &StoredHeader{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1231006505+int64(height)*600, 0),
			Bits:      0x1d00ffff,
			Nonce:     uint32(height),
		},
		Height: height,
		Work:   big.NewInt(int64(height) + 1),
	}
}

func testRoots(numLeaves uint64) *RootsSnapshot {
	rs := &RootsSnapshot{NumLeaves: numLeaves}
	rs.Roots = make([]accumulator.Hash, numForestRoots(numLeaves))
	for i := range rs.Roots {
		rs.Roots[i][0] = byte(numLeaves)
		rs.Roots[i][1] = byte(i)
	}
	return rs
}

func testUndo(height int32) *accumulator.UndoBlock {
	return &accumulator.UndoBlock{
		NumAdds:       2,
		Positions:     []uint64{uint64(height)},
		Hashes:        []accumulator.Hash{{byte(height)}},
		PrevNumLeaves: uint64(height) * 2,
		PrevRoots:     testRoots(uint64(height) * 2).Roots,
	}
}

// putChain connects blocks 1..n and returns their headers.
func putChain(t *testing.T, s ChainStore, n int32) []*StoredHeader {
	t.Helper()
	headers := make([]*StoredHeader, 0, n)
	var prev chainhash.Hash
	for h := int32(1); h <= n; h++ {
		sh := testHeader(h, prev)
		require.NoError(t, s.PutBlock(sh, testRoots(uint64(h)*2), testUndo(h)))
		prev = sh.BlockHash()
		headers = append(headers, sh)
	}
	return headers
}

func TestStoreHeaders(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, err := b.open(t.TempDir())
			require.NoError(t, err)
			defer s.Close()

			sh := testHeader(7, chainhash.Hash{1})
			require.NoError(t, s.PutHeader(sh))

			hash := sh.BlockHash()
			got, err := s.Header(&hash)
			require.NoError(t, err)
			require.Equal(t, sh.Height, got.Height)
			require.Equal(t, 0, sh.Work.Cmp(got.Work))
			require.Equal(t, hash, got.BlockHash())

			// side headers don't enter the height index
			_, err = s.HeaderByHeight(7)
			require.ErrorIs(t, err, ErrNotFound)

			var missing chainhash.Hash
			missing[0] = 0xff
			_, err = s.Header(&missing)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorePutBlock(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, err := b.open(t.TempDir())
			require.NoError(t, err)
			defer s.Close()

			_, err = s.Tip()
			require.ErrorIs(t, err, ErrNotFound)

			headers := putChain(t, s, 3)

			tip, err := s.Tip()
			require.NoError(t, err)
			require.Equal(t, int32(3), tip.Height)
			require.Equal(t, headers[2].BlockHash(), tip.Hash)

			got, err := s.HeaderByHeight(2)
			require.NoError(t, err)
			require.Equal(t, headers[1].BlockHash(), got.BlockHash())

			roots, err := s.RootsByHeight(2)
			require.NoError(t, err)
			require.Equal(t, uint64(4), roots.NumLeaves)
			require.Equal(t, testRoots(4).Roots, roots.Roots)

			undo, err := s.UndoByHeight(2)
			require.NoError(t, err)
			require.Equal(t, testUndo(2), undo)
		})
	}
}

func TestStoreRewind(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, err := b.open(t.TempDir())
			require.NoError(t, err)
			defer s.Close()

			headers := putChain(t, s, 5)

			_, err = s.RewindTo(6)
			require.Error(t, err)

			// rewind to the tip is a no-op
			roots, err := s.RewindTo(5)
			require.NoError(t, err)
			require.Equal(t, uint64(10), roots.NumLeaves)

			roots, err = s.RewindTo(2)
			require.NoError(t, err)
			require.Equal(t, uint64(4), roots.NumLeaves)

			tip, err := s.Tip()
			require.NoError(t, err)
			require.Equal(t, int32(2), tip.Height)
			require.Equal(t, headers[1].BlockHash(), tip.Hash)

			// disconnected heights are gone from the height indexes
			_, err = s.HeaderByHeight(4)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.RootsByHeight(4)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.UndoByHeight(4)
			require.Error(t, err)

			// the headers themselves stay reachable by hash
			hash := headers[3].BlockHash()
			got, err := s.Header(&hash)
			require.NoError(t, err)
			require.Equal(t, int32(4), got.Height)
		})
	}
}

func TestStorePrune(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, err := b.open(t.TempDir())
			require.NoError(t, err)
			defer s.Close()

			putChain(t, s, 6)

			require.NoError(t, s.PruneBefore(4))

			_, err = s.UndoByHeight(3)
			require.ErrorIs(t, err, ErrUndoUnavailable)
			_, err = s.UndoByHeight(4)
			require.NoError(t, err)

			// roots snapshots are never pruned
			_, err = s.RootsByHeight(2)
			require.NoError(t, err)

			// a rewind through pruned territory must refuse
			_, err = s.RewindTo(2)
			require.ErrorIs(t, err, ErrUndoUnavailable)

			// but rewinding within the retained window still works
			_, err = s.RewindTo(4)
			require.NoError(t, err)

			// pruning never moves backwards
			require.NoError(t, s.PruneBefore(2))
			_, err = s.UndoByHeight(3)
			require.ErrorIs(t, err, ErrUndoUnavailable)
		})
	}
}

func TestStoreReopen(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			s, err := b.open(dir)
			require.NoError(t, err)
			headers := putChain(t, s, 4)
			require.NoError(t, s.PruneBefore(2))
			require.NoError(t, s.Close())

			s, err = b.open(dir)
			require.NoError(t, err)
			defer s.Close()

			tip, err := s.Tip()
			require.NoError(t, err)
			require.Equal(t, int32(4), tip.Height)
			require.Equal(t, headers[3].BlockHash(), tip.Hash)

			roots, err := s.RootsByHeight(3)
			require.NoError(t, err)
			require.Equal(t, uint64(6), roots.NumLeaves)

			_, err = s.UndoByHeight(1)
			require.ErrorIs(t, err, ErrUndoUnavailable)
			undo, err := s.UndoByHeight(4)
			require.NoError(t, err)
			require.Equal(t, testUndo(4), undo)
		})
	}
}

func TestStoreRewindSurvivesReopen(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			s, err := b.open(dir)
			require.NoError(t, err)
			headers := putChain(t, s, 5)
			_, err = s.RewindTo(3)
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s, err = b.open(dir)
			require.NoError(t, err)
			defer s.Close()

			tip, err := s.Tip()
			require.NoError(t, err)
			require.Equal(t, int32(3), tip.Height)
			require.Equal(t, headers[2].BlockHash(), tip.Hash)
			_, err = s.RootsByHeight(5)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// A crash can tear the final data record before its offset is indexed.
// The torn bytes must be discarded on reopen and then overwritten.
func TestFlatFileTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFlatFileStore(dir)
	require.NoError(t, err)
	headers := putChain(t, s, 3)
	require.NoError(t, s.Close())

	// half a record: valid magic, then truncated mid-payload
	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xaa, 0xff, 0xaa, 0xff, 'B', 0x00, 0x00, 0x01, 0x00, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenFlatFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	tip, err := s.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(3), tip.Height)

	// the next commit lands where the torn record was
	sh := testHeader(4, headers[2].BlockHash())
	require.NoError(t, s.PutBlock(sh, testRoots(8), testUndo(4)))
	require.NoError(t, s.Close())

	s, err = OpenFlatFileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	tip, err = s.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(4), tip.Height)
	require.Equal(t, sh.BlockHash(), tip.Hash)
}

// A crash after the data fsync but before the index write leaves a
// complete record with no offset entry; the tail scan must find it.
func TestFlatFileTailScanRecoversUnindexed(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFlatFileStore(dir)
	require.NoError(t, err)
	headers := putChain(t, s, 3)
	require.NoError(t, s.Close())

	// drop the last index entry; the record itself stays in the log
	offsetPath := filepath.Join(dir, offsetFileName)
	fi, err := os.Stat(offsetPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(offsetPath, fi.Size()-8))

	s, err = OpenFlatFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	tip, err := s.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(3), tip.Height)
	require.Equal(t, headers[2].BlockHash(), tip.Hash)
	undo, err := s.UndoByHeight(3)
	require.NoError(t, err)
	require.Equal(t, testUndo(3), undo)
}

// A torn index entry (not a multiple of 8 bytes) is dropped and the
// record it pointed at is recovered by the scan.
func TestFlatFileTornOffsetEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFlatFileStore(dir)
	require.NoError(t, err)
	putChain(t, s, 2)
	require.NoError(t, s.Close())

	offsetPath := filepath.Join(dir, offsetFileName)
	fi, err := os.Stat(offsetPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(offsetPath, fi.Size()-3))

	s, err = OpenFlatFileStore(dir)
	require.NoError(t, err)
	tip, err := s.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(2), tip.Height)

	// the index realigns: another cycle must come back clean
	putChain(t, s, 2) // re-put is fine, same records
	require.NoError(t, s.Close())
	s, err = OpenFlatFileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	tip, err = s.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(2), tip.Height)
}

// Flipping bytes inside an indexed record must surface as corruption,
// not as silent state loss.
func TestFlatFileDetectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFlatFileStore(dir)
	require.NoError(t, err)
	putChain(t, s, 2)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x5a, 0x5a, 0x5a, 0x5a}, 20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenFlatFileStore(dir)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorruption))
}

func TestStoredHeaderSerializeRoundTrip(t *testing.T) {
	sh := testHeader(42, chainhash.Hash{9})
	sh.Work = new(big.Int).Lsh(big.NewInt(1), 200)

	var buf bytes.Buffer
	require.NoError(t, sh.Serialize(&buf))
	require.Equal(t, storedHeaderSize, buf.Len())

	got := new(StoredHeader)
	require.NoError(t, got.Deserialize(&buf))
	require.Equal(t, sh.Height, got.Height)
	require.Equal(t, 0, sh.Work.Cmp(got.Work))
	require.Equal(t, sh.BlockHash(), got.BlockHash())
}
