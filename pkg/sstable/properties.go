package sstable

import (
	"encoding/binary"
	"errors"

	"strata/pkg/compression"
	"strata/pkg/types"
)

// Properties summarize a table. They are written into the table and
// mirrored into the manifest.
type Properties struct {
	Entries     uint64
	Tombstones  uint64
	MinKey      []byte
	MaxKey      []byte
	MinSeq      types.SeqN
	MaxSeq      types.SeqN
	DataBlocks  uint64
	DataSize    uint64
	FileSize    uint64
	Compression compression.Type
}

func (p *Properties) observe(userKey []byte, seq types.SeqN, tombstone bool) {
	if p.Entries == 0 {
		p.MinKey = append([]byte(nil), userKey...)
		p.MinSeq, p.MaxSeq = seq, seq
	}
	p.MaxKey = append(p.MaxKey[:0], userKey...)
	p.MinSeq = min(p.MinSeq, seq)
	p.MaxSeq = max(p.MaxSeq, seq)
	p.Entries++
	if tombstone {
		p.Tombstones++
	}
}

func (p *Properties) encode() []byte {
	buf := make([]byte, 0, 64+len(p.MinKey)+len(p.MaxKey))
	for _, v := range []uint64{p.Entries, p.Tombstones, p.MinSeq, p.MaxSeq, p.DataBlocks, p.DataSize, uint64(p.Compression)} {
		buf = binary.AppendUvarint(buf, v)
	}
	buf = binary.AppendUvarint(buf, uint64(len(p.MinKey)))
	buf = append(buf, p.MinKey...)
	buf = binary.AppendUvarint(buf, uint64(len(p.MaxKey)))
	buf = append(buf, p.MaxKey...)
	return buf
}

var errBadProperties = errors.New("malformed properties block")

func decodeProperties(src []byte) (Properties, error) {
	var p Properties
	var vals [7]uint64
	for i := range vals {
		v, n := binary.Uvarint(src)
		if n <= 0 {
			return p, errBadProperties
		}
		vals[i] = v
		src = src[n:]
	}
	p.Entries, p.Tombstones, p.MinSeq, p.MaxSeq = vals[0], vals[1], vals[2], vals[3]
	p.DataBlocks, p.DataSize, p.Compression = vals[4], vals[5], compression.Type(vals[6])

	readBytes := func() ([]byte, error) {
		l, n := binary.Uvarint(src)
		if n <= 0 || l > uint64(len(src)-n) {
			return nil, errBadProperties
		}
		b := append([]byte(nil), src[n:n+int(l)]...)
		src = src[n+int(l):]
		return b, nil
	}

	var err error
	if p.MinKey, err = readBytes(); err != nil {
		return p, err
	}
	if p.MaxKey, err = readBytes(); err != nil {
		return p, err
	}
	return p, nil
}
