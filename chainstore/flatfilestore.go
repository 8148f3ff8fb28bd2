package chainstore

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/luisschwab/Floresta/accumulator"
)

// The flat-file backend is a log: every mutation appends one record to
// the data file, so a commit is atomic by construction.  A record is
//
//	4B magic | 1B type | 4B payload size | payload | 4B crc32c
//
// with the checksum covering type, size, and payload.  The offset file
// holds an 8 byte offset per record as a checkpointed index; data is
// fsynced before its offset is written, so every indexed record is
// durable.  Records past the index's end are recovered by scanning,
// and a torn tail record is discarded.
const (
	flatFileMagic = 0xaaffaaff

	recordHeader byte = 'H' // stored header
	recordBlock  byte = 'B' // header + roots + undo, advances tip
	recordTip    byte = 'T' // tip moved (rewind)
	recordPrune  byte = 'P' // undo pruned below height
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const (
	dataFileName   = "chain.dat"
	offsetFileName = "offsets.dat"
)

// FlatFileStore is the append-only ChainStore backend.  Headers, the
// height index, and roots snapshots live in memory, rebuilt from the
// log on open; undo records are read back from the file on demand.
type FlatFileStore struct {
	mtx sync.Mutex

	dataFile   *os.File
	offsetFile *os.File
	// next append position
	currentOffset int64

	headers     map[chainhash.Hash]*StoredHeader
	byHeight    map[int32]chainhash.Hash
	roots       map[int32]*RootsSnapshot
	undoOffsets map[int32]int64

	tip         *ChainTip
	prunedUntil int32
}

var _ ChainStore = (*FlatFileStore)(nil)

// OpenFlatFileStore opens (creating if needed) a flat-file chain store
// in dir and replays its log.
func OpenFlatFileStore(dir string) (*FlatFileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	dataFile, err := os.OpenFile(
		filepath.Join(dir, dataFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	offsetFile, err := os.OpenFile(
		filepath.Join(dir, offsetFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		dataFile.Close()
		return nil, err
	}

	s := &FlatFileStore{
		dataFile:    dataFile,
		offsetFile:  offsetFile,
		headers:     make(map[chainhash.Hash]*StoredHeader),
		byHeight:    make(map[int32]chainhash.Hash),
		roots:       make(map[int32]*RootsSnapshot),
		undoOffsets: make(map[int32]int64),
	}
	if err := s.recover(); err != nil {
		dataFile.Close()
		offsetFile.Close()
		return nil, err
	}
	return s, nil
}

func (s *FlatFileStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.dataFile.Close(); err != nil {
		return err
	}
	return s.offsetFile.Close()
}

// recover rebuilds the in-memory state: indexed records first, then a
// tail scan for records whose offsets didn't make it to the index.
func (s *FlatFileStore) recover() error {
	offsetRaw, err := io.ReadAll(s.offsetFile)
	if err != nil {
		return err
	}
	// a torn offset write leaves a partial entry; drop it and trim
	// the file so new entries stay aligned
	offsetRaw = offsetRaw[:len(offsetRaw)-len(offsetRaw)%8]
	if err := s.offsetFile.Truncate(int64(len(offsetRaw))); err != nil {
		return err
	}
	if _, err := s.offsetFile.Seek(int64(len(offsetRaw)), io.SeekStart); err != nil {
		return err
	}

	for i := 0; i < len(offsetRaw); i += 8 {
		offset := int64(binary.BigEndian.Uint64(offsetRaw[i : i+8]))
		recType, payload, end, err := s.readRecord(offset)
		if err != nil {
			// indexed records were fsynced before being indexed
			return errors.Wrapf(ErrCorruption,
				"indexed record at offset %d: %v", offset, err)
		}
		if err := s.applyRecord(recType, payload, offset); err != nil {
			return err
		}
		s.currentOffset = end
	}

	// tail scan: data lands before its offset does, so a crash can
	// leave good records past the index
	for {
		recType, payload, end, err := s.readRecord(s.currentOffset)
		if err != nil {
			break // torn or absent; the log ends here
		}
		if err := s.applyRecord(recType, payload, s.currentOffset); err != nil {
			return err
		}
		var offsetBuf [8]byte
		binary.BigEndian.PutUint64(offsetBuf[:], uint64(s.currentOffset))
		if _, err := s.offsetFile.Write(offsetBuf[:]); err != nil {
			return err
		}
		s.currentOffset = end
	}
	return nil
}

// readRecord reads and checks the record at offset, returning its type,
// payload, and end offset.
func (s *FlatFileStore) readRecord(offset int64) (byte, []byte, int64, error) {
	var head [9]byte
	if _, err := s.dataFile.ReadAt(head[:], offset); err != nil {
		return 0, nil, 0, err
	}
	if binary.BigEndian.Uint32(head[:4]) != flatFileMagic {
		return 0, nil, 0, errors.New("bad record magic")
	}
	recType := head[4]
	size := binary.BigEndian.Uint32(head[5:9])
	if size > 1<<30 {
		return 0, nil, 0, errors.Errorf("record claims %d bytes", size)
	}

	body := make([]byte, int(size)+4)
	if _, err := s.dataFile.ReadAt(body, offset+9); err != nil {
		return 0, nil, 0, err
	}
	payload := body[:size]
	wantSum := binary.BigEndian.Uint32(body[size:])

	sum := crc32.Checksum(head[4:9], castagnoli)
	sum = crc32.Update(sum, castagnoli, payload)
	if sum != wantSum {
		return 0, nil, 0, errors.New("record checksum mismatch")
	}
	return recType, payload, offset + 9 + int64(size) + 4, nil
}

// applyRecord replays one record into the in-memory state.
func (s *FlatFileStore) applyRecord(recType byte, payload []byte, offset int64) error {
	switch recType {
	case recordHeader:
		sh := new(StoredHeader)
		if err := sh.Deserialize(bytes.NewReader(payload)); err != nil {
			return errors.Wrapf(ErrCorruption, "header record: %v", err)
		}
		s.headers[sh.BlockHash()] = sh

	case recordBlock:
		r := bytes.NewReader(payload)
		sh := new(StoredHeader)
		if err := sh.Deserialize(r); err != nil {
			return errors.Wrapf(ErrCorruption, "block record header: %v", err)
		}
		rs := new(RootsSnapshot)
		if err := rs.Deserialize(r); err != nil {
			return errors.Wrapf(ErrCorruption, "block record roots: %v", err)
		}
		hash := sh.BlockHash()
		s.headers[hash] = sh
		s.byHeight[sh.Height] = hash
		s.roots[sh.Height] = rs
		s.undoOffsets[sh.Height] = offset
		s.tip = &ChainTip{Hash: hash, Height: sh.Height}

	case recordTip:
		if len(payload) != 36 {
			return errors.Wrapf(ErrCorruption, "tip record is %d bytes", len(payload))
		}
		height := int32(binary.BigEndian.Uint32(payload[:4]))
		var hash chainhash.Hash
		copy(hash[:], payload[4:])
		if s.tip != nil {
			for h := s.tip.Height; h > height; h-- {
				delete(s.byHeight, h)
				delete(s.roots, h)
				delete(s.undoOffsets, h)
			}
		}
		s.tip = &ChainTip{Hash: hash, Height: height}

	case recordPrune:
		if len(payload) != 4 {
			return errors.Wrapf(ErrCorruption, "prune record is %d bytes", len(payload))
		}
		height := int32(binary.BigEndian.Uint32(payload))
		for h := s.prunedUntil; h < height; h++ {
			delete(s.undoOffsets, h)
		}
		s.prunedUntil = height

	default:
		return errors.Wrapf(ErrCorruption, "unknown record type %q", recType)
	}
	return nil
}

// appendRecord writes one record and its index entry, fsyncing data
// before the index so no indexed record can be torn.
func (s *FlatFileStore) appendRecord(recType byte, payload []byte) (int64, error) {
	record := make([]byte, 0, 9+len(payload)+4)
	var head [9]byte
	binary.BigEndian.PutUint32(head[:4], flatFileMagic)
	head[4] = recType
	binary.BigEndian.PutUint32(head[5:9], uint32(len(payload)))
	record = append(record, head[:]...)
	record = append(record, payload...)

	sum := crc32.Checksum(head[4:9], castagnoli)
	sum = crc32.Update(sum, castagnoli, payload)
	var sumBuf [4]byte
	binary.BigEndian.PutUint32(sumBuf[:], sum)
	record = append(record, sumBuf[:]...)

	offset := s.currentOffset
	if _, err := s.dataFile.WriteAt(record, offset); err != nil {
		return 0, err
	}
	if err := s.dataFile.Sync(); err != nil {
		return 0, err
	}

	var offsetBuf [8]byte
	binary.BigEndian.PutUint64(offsetBuf[:], uint64(offset))
	if _, err := s.offsetFile.Write(offsetBuf[:]); err != nil {
		return 0, err
	}
	if err := s.offsetFile.Sync(); err != nil {
		return 0, err
	}

	s.currentOffset = offset + int64(len(record))
	return offset, nil
}

func (s *FlatFileStore) PutHeader(sh *StoredHeader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var buf bytes.Buffer
	if err := sh.Serialize(&buf); err != nil {
		return err
	}
	if _, err := s.appendRecord(recordHeader, buf.Bytes()); err != nil {
		return err
	}
	s.headers[sh.BlockHash()] = sh
	return nil
}

func (s *FlatFileStore) Header(hash *chainhash.Hash) (*StoredHeader, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	sh, ok := s.headers[*hash]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "header %s", hash)
	}
	return sh, nil
}

func (s *FlatFileStore) HeaderByHeight(height int32) (*StoredHeader, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash, ok := s.byHeight[height]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "height %d", height)
	}
	sh, ok := s.headers[hash]
	if !ok {
		return nil, errors.Wrapf(ErrCorruption, "height %d indexed but header missing", height)
	}
	return sh, nil
}

func (s *FlatFileStore) PutBlock(
	sh *StoredHeader, roots *RootsSnapshot, undo *accumulator.UndoBlock) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var buf bytes.Buffer
	if err := sh.Serialize(&buf); err != nil {
		return err
	}
	if err := roots.Serialize(&buf); err != nil {
		return err
	}
	if err := undo.Serialize(&buf); err != nil {
		return err
	}

	offset, err := s.appendRecord(recordBlock, buf.Bytes())
	if err != nil {
		return err
	}

	hash := sh.BlockHash()
	s.headers[hash] = sh
	s.byHeight[sh.Height] = hash
	s.roots[sh.Height] = roots
	s.undoOffsets[sh.Height] = offset
	s.tip = &ChainTip{Hash: hash, Height: sh.Height}
	return nil
}

func (s *FlatFileStore) Tip() (*ChainTip, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.tip == nil {
		return nil, errors.Wrap(ErrNotFound, "no tip")
	}
	tip := *s.tip
	return &tip, nil
}

func (s *FlatFileStore) RootsByHeight(height int32) (*RootsSnapshot, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rs, ok := s.roots[height]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "roots at %d", height)
	}
	return rs, nil
}

func (s *FlatFileStore) UndoByHeight(height int32) (*accumulator.UndoBlock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.undoByHeight(height)
}

func (s *FlatFileStore) undoByHeight(height int32) (*accumulator.UndoBlock, error) {
	if height < s.prunedUntil {
		return nil, errors.Wrapf(ErrUndoUnavailable,
			"height %d pruned below %d", height, s.prunedUntil)
	}
	offset, ok := s.undoOffsets[height]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "undo at %d", height)
	}

	recType, payload, _, err := s.readRecord(offset)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruption, "undo at %d: %v", height, err)
	}
	if recType != recordBlock {
		return nil, errors.Wrapf(ErrCorruption, "undo at %d: record type %q", height, recType)
	}

	// skip past the header and roots to the undo section
	r := bytes.NewReader(payload)
	var sh StoredHeader
	if err := sh.Deserialize(r); err != nil {
		return nil, errors.Wrapf(ErrCorruption, "undo at %d: %v", height, err)
	}
	var rs RootsSnapshot
	if err := rs.Deserialize(r); err != nil {
		return nil, errors.Wrapf(ErrCorruption, "undo at %d: %v", height, err)
	}
	undo := new(accumulator.UndoBlock)
	if err := undo.Deserialize(r); err != nil {
		return nil, errors.Wrapf(ErrCorruption, "undo at %d: %v", height, err)
	}
	return undo, nil
}

func (s *FlatFileStore) RewindTo(height int32) (*RootsSnapshot, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.tip == nil {
		return nil, errors.Wrap(ErrNotFound, "no tip")
	}
	if height > s.tip.Height {
		return nil, errors.Errorf("rewind to %d above tip %d", height, s.tip.Height)
	}
	if height == s.tip.Height {
		rs, ok := s.roots[height]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "roots at %d", height)
		}
		return rs, nil
	}

	for h := s.tip.Height; h > height; h-- {
		if _, err := s.undoByHeight(h); err != nil {
			return nil, errors.Wrapf(ErrUndoUnavailable, "rewind through %d", h)
		}
	}

	rs, ok := s.roots[height]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "roots at %d", height)
	}
	newTipHash, ok := s.byHeight[height]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "height %d", height)
	}

	var payload [36]byte
	binary.BigEndian.PutUint32(payload[:4], uint32(height))
	copy(payload[4:], newTipHash[:])
	if _, err := s.appendRecord(recordTip, payload[:]); err != nil {
		return nil, err
	}

	for h := s.tip.Height; h > height; h-- {
		delete(s.byHeight, h)
		delete(s.roots, h)
		delete(s.undoOffsets, h)
	}
	s.tip = &ChainTip{Hash: newTipHash, Height: height}
	return rs, nil
}

// PruneBefore drops the undo index below height.  The log itself is
// append-only so the bytes stay, but the records become unreachable
// and UndoByHeight answers ErrUndoUnavailable for them.
func (s *FlatFileStore) PruneBefore(height int32) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if height <= s.prunedUntil {
		return nil
	}

	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(height))
	if _, err := s.appendRecord(recordPrune, payload[:]); err != nil {
		return err
	}
	for h := s.prunedUntil; h < height; h++ {
		delete(s.undoOffsets, h)
	}
	s.prunedUntil = height
	return nil
}
