package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"strata/pkg/compression"
	"strata/pkg/crypto"
	"strata/pkg/dberrors"
	"strata/pkg/keys"
	"strata/pkg/types"
)

// ReaderOptions configure an open table.
type ReaderOptions struct {
	Cipher crypto.BlockCipher
	Cache  *BlockCache
}

type indexEntry struct {
	lastKey []byte
	handle  BlockHandle
}

// Reader serves lookups and scans over one table file. It is safe for
// concurrent use.
type Reader struct {
	id     types.TableID
	path   string
	file   *os.File
	size   int64
	hdr    header
	cipher crypto.BlockCipher
	cache  *BlockCache

	index  []indexEntry
	filter *bloomFilter
	props  Properties
}

// Result is a version found by Get.
type Result struct {
	Value []byte
	Seq   types.SeqN
	Kind  keys.Kind
}

// Open opens the table at path. id keys the table's blocks in the cache.
func Open(path string, id types.TableID, opts ReaderOptions) (*Reader, error) {
	if opts.Cipher == nil {
		opts.Cipher = crypto.Passthrough{}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{
		id:     id,
		path:   path,
		file:   f,
		size:   info.Size(),
		cipher: opts.Cipher,
		cache:  opts.Cache,
	}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	if r.size < headerSize+footerSize {
		return dberrors.Corruption(r.path, 0, ErrCorruptTable)
	}

	buf := make([]byte, headerSize)
	if _, err := r.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("failed to read sstable header: %w", err)
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return dberrors.Corruption(r.path, 0, err)
	}
	if hdr.encrypted != r.cipher.Enabled() {
		return dberrors.Integrity(r.path, 0, errors.New("table encryption does not match the configured cipher"))
	}
	r.hdr = hdr

	buf = make([]byte, footerSize)
	footerOff := r.size - footerSize
	if _, err := r.file.ReadAt(buf, footerOff); err != nil {
		return fmt.Errorf("failed to read sstable footer: %w", err)
	}
	ft, err := decodeFooter(buf)
	if err != nil {
		return dberrors.Corruption(r.path, footerOff, err)
	}

	indexData, err := r.readStored(ft.index)
	if err != nil {
		return err
	}
	if r.index, err = decodeIndex(indexData); err != nil {
		return dberrors.Corruption(r.path, int64(ft.index.Offset), err)
	}

	filterData, err := r.readStored(ft.filter)
	if err != nil {
		return err
	}
	filter, ok := decodeBloomFilter(filterData)
	if !ok {
		return dberrors.Corruption(r.path, int64(ft.filter.Offset), errors.New("malformed filter block"))
	}
	r.filter = filter

	propsData, err := r.readStored(ft.props)
	if err != nil {
		return err
	}
	if r.props, err = decodeProperties(propsData); err != nil {
		return dberrors.Corruption(r.path, int64(ft.props.Offset), err)
	}
	r.props.FileSize = uint64(r.size)
	return nil
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	it, err := newBlockIter(data)
	if err != nil {
		return nil, err
	}
	var out []indexEntry
	for it.First(); it.Valid(); it.Next() {
		if len(it.Value()) != handleSize {
			return nil, ErrBlockCorrupt
		}
		out = append(out, indexEntry{lastKey: it.Key(), handle: decodeHandle(it.Value())})
	}
	return out, it.Err()
}

// readStored reads, verifies, opens and decompresses a stored block.
func (r *Reader) readStored(h BlockHandle) ([]byte, error) {
	off := int64(h.Offset)
	end := h.Offset + h.Length + blockTrailerSize
	if h.Offset < headerSize || end < h.Offset || end > uint64(r.size-footerSize) {
		return nil, dberrors.Corruption(r.path, off, errors.New("block handle out of range"))
	}

	buf := make([]byte, h.Length+blockTrailerSize)
	if _, err := r.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("failed to read block at %d: %w", off, err)
	}
	stored := buf[:h.Length]
	if crc32.Checksum(stored, castagnoli) != binary.LittleEndian.Uint32(buf[h.Length:]) {
		return nil, dberrors.Corruption(r.path, off, ErrBlockCorrupt)
	}

	compressed, err := r.cipher.Open(stored)
	if err != nil {
		return nil, dberrors.Integrity(r.path, off, err)
	}
	raw, err := compression.Decompress(r.hdr.compression, compressed)
	if err != nil {
		return nil, dberrors.Corruption(r.path, off, err)
	}
	return raw, nil
}

// dataBlock returns an iterator over the data block at index i.
func (r *Reader) dataBlock(i int) (*blockIter, error) {
	h := r.index[i].handle
	raw, ok := r.cache.get(r.id, h.Offset)
	if !ok {
		var err error
		if raw, err = r.readStored(h); err != nil {
			return nil, err
		}
		r.cache.set(r.id, h.Offset, raw)
	}
	it, err := newBlockIter(raw)
	if err != nil {
		return nil, dberrors.Corruption(r.path, int64(h.Offset), err)
	}
	return it, nil
}

// findBlock returns the first data block that may hold keys >= target.
func (r *Reader) findBlock(target []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return keys.Compare(r.index[i].lastKey, target) >= 0
	})
}

// MayContain reports whether the table may hold userKey.
func (r *Reader) MayContain(userKey []byte) bool {
	if r.props.Entries == 0 {
		return false
	}
	if string(userKey) < string(r.props.MinKey) || string(userKey) > string(r.props.MaxKey) {
		return false
	}
	return r.filter.mayContain(userKey)
}

// Get returns the newest version of userKey with seq <= maxSeq. Tombstones
// are returned as found.
func (r *Reader) Get(userKey []byte, maxSeq types.SeqN) (Result, bool, error) {
	if !r.MayContain(userKey) || maxSeq < r.props.MinSeq {
		return Result{}, false, nil
	}

	target := keys.SeekKey(userKey, maxSeq)
	i := r.findBlock(target)
	if i >= len(r.index) {
		return Result{}, false, nil
	}

	it, err := r.dataBlock(i)
	if err != nil {
		return Result{}, false, err
	}
	it.Seek(target)
	if err := it.Err(); err != nil {
		return Result{}, false, dberrors.Corruption(r.path, int64(r.index[i].handle.Offset), err)
	}
	if !it.Valid() || string(keys.UserKey(it.Key())) != string(userKey) {
		return Result{}, false, nil
	}

	seq, kind := keys.Trailer(it.Key())
	res := Result{Seq: seq, Kind: kind}
	if kind == keys.KindSet {
		res.Value = append([]byte(nil), it.Value()...)
	}
	return res, true, nil
}

func (r *Reader) ID() types.TableID { return r.id }

func (r *Reader) Path() string { return r.path }

func (r *Reader) Properties() Properties { return r.props }

// Close closes the file. Blocks already in the shared cache stay there until
// EvictTable.
func (r *Reader) Close() error {
	return r.file.Close()
}
