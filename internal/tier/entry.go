package tier

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Entry record layout within one fixed-size arena slot, grounded on the
// length-prefixed binary record style used throughout the retrieval pack
// (e.g. the WAL record layout in the ClusterCockpit checkpoint file this
// tier's checksum design is also grounded on):
//
//	[1B flags][2B keyLen][2B valueLen][8B originTimestamp][1B originIdentifier][keyLen bytes][valueLen bytes]
//
// flags bit 0 is the tombstone marker (spec.md §3: "A deleted replicable
// entry is a tombstone: marker bit set, payload retained long enough for
// the acceptance rule to see its timestamp"). originTimestamp/
// originIdentifier are always present in the record — whether replication
// is enabled for a given map is a pkg/sharedmap-level concern, not a
// per-record one.
const (
	flagTombstone = 1 << 0

	recordHeaderSize = 1 + 2 + 2 + 8 + 1
)

// ErrEntryTooLarge is returned when a serialized key+value record does not
// fit within the configured entry slot size.
var ErrEntryTooLarge = errors.New("tier: serialized entry exceeds the configured slot size")

// ErrRecordCorrupt is returned by DecodeRecord when a slot's bytes cannot be
// parsed as a valid record — a data-corruption or invariant-violation signal,
// never expected in normal operation.
var ErrRecordCorrupt = errors.New("tier: entry record corrupt")

// Record is the decoded form of one entry-arena slot.
type Record struct {
	Tombstone        bool
	OriginTimestamp  int64
	OriginIdentifier byte
	Key              []byte
	Value            []byte
}

// encodedSize returns the number of bytes EncodeRecord would write for the
// given key/value lengths.
func encodedSize(keyLen, valueLen int) int {
	return recordHeaderSize + keyLen + valueLen
}

// EncodeRecord serializes rec into dst, which must be at least
// encodedSize(len(rec.Key), len(rec.Value)) bytes; any remaining bytes of
// dst beyond the encoded length are left untouched (callers zero a slot's
// arena bytes once, on tier construction, and rely on keyLen/valueLen to
// bound the read back rather than re-zeroing on every write).
func EncodeRecord(dst []byte, rec Record) (int, error) {
	n := encodedSize(len(rec.Key), len(rec.Value))
	if n > len(dst) {
		return 0, fmt.Errorf("%w: need %d bytes, slot holds %d", ErrEntryTooLarge, n, len(dst))
	}
	if len(rec.Key) > 0xFFFF || len(rec.Value) > 0xFFFF {
		return 0, fmt.Errorf("%w: key/value length exceeds 65535 bytes", ErrEntryTooLarge)
	}

	var flags byte
	if rec.Tombstone {
		flags |= flagTombstone
	}
	dst[0] = flags
	binary.LittleEndian.PutUint16(dst[1:3], uint16(len(rec.Key)))
	binary.LittleEndian.PutUint16(dst[3:5], uint16(len(rec.Value)))
	binary.LittleEndian.PutUint64(dst[5:13], uint64(rec.OriginTimestamp))
	dst[13] = rec.OriginIdentifier
	copy(dst[recordHeaderSize:], rec.Key)
	copy(dst[recordHeaderSize+len(rec.Key):], rec.Value)
	return n, nil
}

// DecodeRecord parses a record out of src (a slot-sized byte window). The
// returned Key/Value slices alias src and must be copied by the caller if
// retained past the lock scope that made src safe to read.
func DecodeRecord(src []byte) (Record, error) {
	if len(src) < recordHeaderSize {
		return Record{}, ErrRecordCorrupt
	}
	flags := src[0]
	keyLen := int(binary.LittleEndian.Uint16(src[1:3]))
	valueLen := int(binary.LittleEndian.Uint16(src[3:5]))
	ts := int64(binary.LittleEndian.Uint64(src[5:13]))
	originID := src[13]

	end := recordHeaderSize + keyLen + valueLen
	if end > len(src) {
		return Record{}, ErrRecordCorrupt
	}

	return Record{
		Tombstone:        flags&flagTombstone != 0,
		OriginTimestamp:  ts,
		OriginIdentifier: originID,
		Key:              src[recordHeaderSize : recordHeaderSize+keyLen],
		Value:            src[recordHeaderSize+keyLen : end],
	}, nil
}
