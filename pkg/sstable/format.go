// Package sstable implements the immutable sorted table files of the engine.
//
// File layout:
//
//	+--------+-------------+-------+--------+------------+--------+
//	| header | data blocks | index | filter | properties | footer |
//	| 16 B   | ...         |       |        |            | 64 B   |
//	+--------+-------------+-------+--------+------------+--------+
//
// Every block is stored as seal(compress(raw)) followed by a crc32c of the
// stored bytes. Data and index blocks use prefix compressed entries with a
// restart point every 16 entries. The index maps the last internal key of
// each data block to its handle. The filter is a bloom filter over user keys.
package sstable

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"strata/pkg/compression"
)

const (
	// "STRATA" + format version
	magic         uint64 = 0x5354524154410001
	formatVersion uint32 = 1

	headerSize = 16
	// index, filter and properties handles + crc + padding + magic
	footerSize = 3*handleSize + 4 + 4 + 8
	handleSize = 16
	// crc32c trailer of every stored block
	blockTrailerSize = 4
)

var (
	ErrCorruptTable = errors.New("corrupt sstable")
	ErrBlockCorrupt = errors.New("corrupt block")
	ErrOutOfOrder   = errors.New("keys added out of order")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// BlockHandle contains the position and size of a stored block, without the
// checksum trailer.
type BlockHandle struct {
	Offset uint64
	Length uint64
}

func (h BlockHandle) encodeTo(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], h.Offset)
	binary.LittleEndian.PutUint64(dst[8:], h.Length)
}

func decodeHandle(src []byte) BlockHandle {
	return BlockHandle{
		Offset: binary.LittleEndian.Uint64(src[0:]),
		Length: binary.LittleEndian.Uint64(src[8:]),
	}
}

type header struct {
	compression compression.Type
	encrypted   bool
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:], magic)
	binary.LittleEndian.PutUint32(buf[8:], formatVersion)
	buf[12] = byte(h.compression)
	if h.encrypted {
		buf[13] = 1
	}
	return buf
}

func decodeHeader(src []byte) (header, error) {
	if len(src) < headerSize || binary.LittleEndian.Uint64(src) != magic {
		return header{}, ErrCorruptTable
	}
	if binary.LittleEndian.Uint32(src[8:]) != formatVersion {
		return header{}, errors.New("unsupported sstable format version")
	}
	return header{
		compression: compression.Type(src[12]),
		encrypted:   src[13] == 1,
	}, nil
}

type footer struct {
	index  BlockHandle
	filter BlockHandle
	props  BlockHandle
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	f.index.encodeTo(buf[0:])
	f.filter.encodeTo(buf[16:])
	f.props.encodeTo(buf[32:])
	binary.LittleEndian.PutUint32(buf[48:], crc32.Checksum(buf[:48], castagnoli))
	binary.LittleEndian.PutUint64(buf[56:], magic)
	return buf
}

func decodeFooter(src []byte) (footer, error) {
	if len(src) < footerSize || binary.LittleEndian.Uint64(src[56:]) != magic {
		return footer{}, ErrCorruptTable
	}
	if crc32.Checksum(src[:48], castagnoli) != binary.LittleEndian.Uint32(src[48:]) {
		return footer{}, ErrCorruptTable
	}
	return footer{
		index:  decodeHandle(src[0:]),
		filter: decodeHandle(src[16:]),
		props:  decodeHandle(src[32:]),
	}, nil
}
