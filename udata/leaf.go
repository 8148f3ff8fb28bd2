package udata

import (
	"crypto/sha512"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/luisschwab/Floresta/accumulator"
)

// maxPkScriptSize is the consensus limit on output script length.
const maxPkScriptSize = 10000

// utreexoTagV1 is the tag hashed (twice) into every v1 leaf, so leaf
// commitments can never collide with internal merkle nodes.
var utreexoTagV1 = [64]byte{
	0x5b, 0x83, 0x2d, 0xb8, 0xca, 0x26, 0xc2, 0x5b,
	0xe1, 0xc5, 0x42, 0xd6, 0xcc, 0xed, 0xdd, 0xa8,
	0xc1, 0x45, 0x61, 0x5c, 0xff, 0x5c, 0x35, 0x72,
	0x7f, 0xb3, 0x46, 0x26, 0x10, 0x80, 0x7e, 0x20,
	0xae, 0x53, 0x4d, 0xc3, 0xf6, 0x42, 0x99, 0x19,
	0x99, 0x31, 0x77, 0x2e, 0x03, 0x78, 0x7d, 0x18,
	0x15, 0x6e, 0xb3, 0x15, 0x1e, 0x0e, 0xd1, 0xb3,
	0x09, 0x8b, 0xdc, 0x84, 0x45, 0x86, 0x18, 0x85,
}

// LeafData is everything a UTXO commits to in the accumulator: enough
// to validate a spend of it without any UTXO set.
type LeafData struct {
	BlockHash chainhash.Hash
	OutPoint  wire.OutPoint
	Height    int32
	Coinbase  bool
	Amt       int64
	PkScript  []byte
}

// LeafHash commits the leaf into a 32 byte accumulator element:
//
//	sha512-256(tag, tag, blockHash, txid, vout, headerCode, serialized txout)
//
// with vout and headerCode little endian, headerCode = height<<1 | coinbase,
// and the txout in wire encoding (8 byte value, varint script length,
// script).
func (l *LeafData) LeafHash() accumulator.Hash {
	headerCode := uint32(l.Height) << 1
	if l.Coinbase {
		headerCode |= 1
	}

	h := sha512.New512_256()
	h.Write(utreexoTagV1[:])
	h.Write(utreexoTagV1[:])
	h.Write(l.BlockHash[:])
	h.Write(l.OutPoint.Hash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], l.OutPoint.Index)
	h.Write(buf[:4])
	binary.LittleEndian.PutUint32(buf[:4], headerCode)
	h.Write(buf[:4])

	binary.LittleEndian.PutUint64(buf[:], uint64(l.Amt))
	h.Write(buf[:])
	wire.WriteVarInt(h, 0, uint64(len(l.PkScript)))
	h.Write(l.PkScript)

	var leafHash accumulator.Hash
	copy(leafHash[:], h.Sum(nil))
	return leafHash
}

// Serialize writes the leaf data out.  Height and coinbase flag pack
// into one uint32, coinbase in the low bit.
func (l *LeafData) Serialize(w io.Writer) error {
	hcb := uint32(l.Height) << 1
	if l.Coinbase {
		hcb |= 1
	}

	if _, err := w.Write(l.BlockHash[:]); err != nil {
		return err
	}
	if _, err := w.Write(l.OutPoint.Hash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, l.OutPoint.Index); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, hcb); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(l.Amt)); err != nil {
		return err
	}
	if len(l.PkScript) > maxPkScriptSize {
		return errors.Errorf("pkScript %d bytes too long", len(l.PkScript))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(l.PkScript))); err != nil {
		return err
	}
	_, err := w.Write(l.PkScript)
	return err
}

// SerializeSize says how big the serialized leaf data is.
func (l *LeafData) SerializeSize() int {
	// 32B blockhash, 36B outpoint, 4B height/coinbase, 8B amt,
	// 2B script length
	return 82 + len(l.PkScript)
}

// Deserialize reads leaf data back.
func (l *LeafData) Deserialize(r io.Reader) error {
	if _, err := io.ReadFull(r, l.BlockHash[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, l.OutPoint.Hash[:]); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &l.OutPoint.Index); err != nil {
		return err
	}
	var hcb uint32
	if err := binary.Read(r, binary.BigEndian, &hcb); err != nil {
		return err
	}
	l.Coinbase = hcb&1 == 1
	l.Height = int32(hcb >> 1)

	var amt uint64
	if err := binary.Read(r, binary.BigEndian, &amt); err != nil {
		return err
	}
	l.Amt = int64(amt)

	var pkSize uint16
	if err := binary.Read(r, binary.BigEndian, &pkSize); err != nil {
		return err
	}
	if pkSize > maxPkScriptSize {
		return errors.Errorf("outpoint %s pkScript %d bytes too long",
			l.OutPoint.String(), pkSize)
	}
	l.PkScript = make([]byte, pkSize)
	_, err := io.ReadFull(r, l.PkScript)
	return err
}

// ToTxOut rebuilds the wire txout the leaf commits to.
func (l *LeafData) ToTxOut() *wire.TxOut {
	return wire.NewTxOut(l.Amt, l.PkScript)
}

// IsUnspendable reports whether a txout can never be spent and so never
// enters the accumulator: oversize scripts and OP_RETURNs.
func IsUnspendable(o *wire.TxOut) bool {
	switch {
	case len(o.PkScript) > maxPkScriptSize:
		return true
	case len(o.PkScript) > 0 && o.PkScript[0] == 0x6a: // OP_RETURN
		return true
	default:
		return false
	}
}
