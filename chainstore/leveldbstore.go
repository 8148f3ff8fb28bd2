package chainstore

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/luisschwab/Floresta/accumulator"
)

// Key layout:
//
//	h<hash>   -> stored header
//	i<height> -> block hash (best chain index)
//	r<height> -> roots snapshot
//	u<height> -> undo record
//	T         -> 4B height + 32B hash (tip)
//	P         -> 4B height (undo pruned below this)
//
// heights are 4 byte big endian so iteration order matches chain order.
var (
	headerKeyPrefix = []byte("h")
	heightKeyPrefix = []byte("i")
	rootsKeyPrefix  = []byte("r")
	undoKeyPrefix   = []byte("u")
	tipKey          = []byte("T")
	pruneKey        = []byte("P")
)

// syncWrites makes every commit durable before returning, keeping the
// in-memory tip and the on-disk tip consistent across a crash.
var syncWrites = &opt.WriteOptions{Sync: true}

// LevelDBStore is the key-value ChainStore backend.  Compound commits
// ride on leveldb's atomic batch write.
type LevelDBStore struct {
	db *leveldb.DB
}

var _ ChainStore = (*LevelDBStore)(nil)

// OpenLevelDBStore opens (creating if needed) a leveldb chain store at
// path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{Compression: opt.NoCompression})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", path)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func heightKey(prefix []byte, height int32) []byte {
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uint32(height))
	return key
}

func hashKey(prefix []byte, hash *chainhash.Hash) []byte {
	key := make([]byte, len(prefix)+32)
	copy(key, prefix)
	copy(key[len(prefix):], hash[:])
	return key
}

func (s *LevelDBStore) PutHeader(sh *StoredHeader) error {
	var buf bytes.Buffer
	if err := sh.Serialize(&buf); err != nil {
		return err
	}
	hash := sh.BlockHash()
	return s.db.Put(hashKey(headerKeyPrefix, &hash), buf.Bytes(), syncWrites)
}

func (s *LevelDBStore) Header(hash *chainhash.Hash) (*StoredHeader, error) {
	raw, err := s.db.Get(hashKey(headerKeyPrefix, hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "header %s", hash)
	}
	if err != nil {
		return nil, err
	}
	sh := new(StoredHeader)
	if err := sh.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrapf(ErrCorruption, "header %s: %v", hash, err)
	}
	return sh, nil
}

func (s *LevelDBStore) HeaderByHeight(height int32) (*StoredHeader, error) {
	raw, err := s.db.Get(heightKey(heightKeyPrefix, height), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "height %d", height)
	}
	if err != nil {
		return nil, err
	}
	var hash chainhash.Hash
	if len(raw) != 32 {
		return nil, errors.Wrapf(ErrCorruption, "height index %d is %d bytes", height, len(raw))
	}
	copy(hash[:], raw)
	return s.Header(&hash)
}

func (s *LevelDBStore) PutBlock(
	sh *StoredHeader, roots *RootsSnapshot, undo *accumulator.UndoBlock) error {

	hash := sh.BlockHash()

	var headerBuf, rootsBuf, undoBuf bytes.Buffer
	if err := sh.Serialize(&headerBuf); err != nil {
		return err
	}
	if err := roots.Serialize(&rootsBuf); err != nil {
		return err
	}
	if err := undo.Serialize(&undoBuf); err != nil {
		return err
	}

	var tipBuf [36]byte
	binary.BigEndian.PutUint32(tipBuf[:4], uint32(sh.Height))
	copy(tipBuf[4:], hash[:])

	batch := new(leveldb.Batch)
	batch.Put(hashKey(headerKeyPrefix, &hash), headerBuf.Bytes())
	batch.Put(heightKey(heightKeyPrefix, sh.Height), hash[:])
	batch.Put(heightKey(rootsKeyPrefix, sh.Height), rootsBuf.Bytes())
	batch.Put(heightKey(undoKeyPrefix, sh.Height), undoBuf.Bytes())
	batch.Put(tipKey, tipBuf[:])
	return s.db.Write(batch, syncWrites)
}

func (s *LevelDBStore) Tip() (*ChainTip, error) {
	raw, err := s.db.Get(tipKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrap(ErrNotFound, "no tip")
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 36 {
		return nil, errors.Wrapf(ErrCorruption, "tip record is %d bytes", len(raw))
	}
	tip := new(ChainTip)
	tip.Height = int32(binary.BigEndian.Uint32(raw[:4]))
	copy(tip.Hash[:], raw[4:])
	return tip, nil
}

func (s *LevelDBStore) RootsByHeight(height int32) (*RootsSnapshot, error) {
	raw, err := s.db.Get(heightKey(rootsKeyPrefix, height), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "roots at %d", height)
	}
	if err != nil {
		return nil, err
	}
	rs := new(RootsSnapshot)
	if err := rs.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrapf(ErrCorruption, "roots at %d: %v", height, err)
	}
	return rs, nil
}

func (s *LevelDBStore) prunedUntil() (int32, error) {
	raw, err := s.db.Get(pruneKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(raw)), nil
}

func (s *LevelDBStore) UndoByHeight(height int32) (*accumulator.UndoBlock, error) {
	pruned, err := s.prunedUntil()
	if err != nil {
		return nil, err
	}
	if height < pruned {
		return nil, errors.Wrapf(ErrUndoUnavailable, "height %d pruned below %d", height, pruned)
	}
	raw, err := s.db.Get(heightKey(undoKeyPrefix, height), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "undo at %d", height)
	}
	if err != nil {
		return nil, err
	}
	undo := new(accumulator.UndoBlock)
	if err := undo.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrapf(ErrCorruption, "undo at %d: %v", height, err)
	}
	return undo, nil
}

func (s *LevelDBStore) RewindTo(height int32) (*RootsSnapshot, error) {
	tip, err := s.Tip()
	if err != nil {
		return nil, err
	}
	if height > tip.Height {
		return nil, errors.Errorf("rewind to %d above tip %d", height, tip.Height)
	}
	if height == tip.Height {
		return s.RootsByHeight(height)
	}

	// every block being disconnected needs its undo data
	for h := tip.Height; h > height; h-- {
		if _, err := s.UndoByHeight(h); err != nil {
			return nil, errors.Wrapf(ErrUndoUnavailable, "rewind through %d", h)
		}
	}

	roots, err := s.RootsByHeight(height)
	if err != nil {
		return nil, err
	}
	newTipHeader, err := s.HeaderByHeight(height)
	if err != nil {
		return nil, err
	}
	newTipHash := newTipHeader.BlockHash()

	var tipBuf [36]byte
	binary.BigEndian.PutUint32(tipBuf[:4], uint32(height))
	copy(tipBuf[4:], newTipHash[:])

	batch := new(leveldb.Batch)
	for h := tip.Height; h > height; h-- {
		batch.Delete(heightKey(heightKeyPrefix, h))
		batch.Delete(heightKey(rootsKeyPrefix, h))
		batch.Delete(heightKey(undoKeyPrefix, h))
	}
	batch.Put(tipKey, tipBuf[:])
	if err := s.db.Write(batch, syncWrites); err != nil {
		return nil, err
	}
	return roots, nil
}

func (s *LevelDBStore) PruneBefore(height int32) error {
	pruned, err := s.prunedUntil()
	if err != nil {
		return err
	}
	if height <= pruned {
		return nil
	}

	batch := new(leveldb.Batch)
	for h := pruned; h < height; h++ {
		batch.Delete(heightKey(undoKeyPrefix, h))
	}
	var pruneBuf [4]byte
	binary.BigEndian.PutUint32(pruneBuf[:], uint32(height))
	batch.Put(pruneKey, pruneBuf[:])
	return s.db.Write(batch, syncWrites)
}
