package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"strata/pkg/keys"
	"strata/pkg/types"
)

// frame header: crc32c(len | payload) | len
const headerSize = 8

// MaxRecordSize bounds a single framed payload.
const MaxRecordSize = 64 << 20

var (
	errInvalidRecord = errors.New("invalid wal record")
	errShortFrame    = errors.New("short wal frame")
	errChecksum      = errors.New("wal checksum mismatch")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a single logged mutation.
type Record struct {
	Seq       types.SeqN
	Kind      keys.Kind
	Timestamp int64
	Key       []byte
	Value     []byte
}

// Position locates a record inside the log.
type Position struct {
	Segment types.SegmentNum
	Offset  int64
}

// encodeRecord lays out seq u64 | kind u8 | ts i64 | uvarint klen | key | uvarint vlen | value.
func encodeRecord(r Record) []byte {
	buf := make([]byte, 0, 17+2*binary.MaxVarintLen64+len(r.Key)+len(r.Value))
	buf = binary.LittleEndian.AppendUint64(buf, r.Seq)
	buf = append(buf, byte(r.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = binary.AppendUvarint(buf, uint64(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Value)))
	buf = append(buf, r.Value...)
	return buf
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if len(data) < 17 {
		return r, errInvalidRecord
	}
	r.Seq = binary.LittleEndian.Uint64(data)
	r.Kind = keys.Kind(data[8])
	r.Timestamp = int64(binary.LittleEndian.Uint64(data[9:]))
	if r.Kind != keys.KindSet && r.Kind != keys.KindDelete {
		return r, errInvalidRecord
	}
	data = data[17:]

	klen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < klen {
		return r, errInvalidRecord
	}
	data = data[n:]
	r.Key = append([]byte(nil), data[:klen]...)
	data = data[klen:]

	vlen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) != vlen {
		return r, errInvalidRecord
	}
	r.Value = append([]byte(nil), data[n:]...)
	return r, nil
}

// frame wraps a payload with its length and checksum.
func frame(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	binary.LittleEndian.PutUint32(buf, crc32.Checksum(buf[4:], castagnoli))
	return buf
}

// unframe reads the frame at the start of data and returns its payload and
// total length.
func unframe(data []byte) ([]byte, int, error) {
	if len(data) < headerSize {
		return nil, 0, errShortFrame
	}
	length := binary.LittleEndian.Uint32(data[4:])
	if length > MaxRecordSize {
		return nil, 0, errChecksum
	}
	total := headerSize + int(length)
	if len(data) < total {
		return nil, 0, errShortFrame
	}
	if crc32.Checksum(data[4:total], castagnoli) != binary.LittleEndian.Uint32(data) {
		return nil, 0, errChecksum
	}
	return data[headerSize:total], total, nil
}
