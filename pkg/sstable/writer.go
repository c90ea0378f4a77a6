package sstable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"strata/pkg/compression"
	"strata/pkg/crypto"
	"strata/pkg/keys"
)

var ErrEmptyTable = errors.New("sstable has no entries")

const tmpSuffix = ".tmp"

// WriterOptions configure a table writer.
type WriterOptions struct {
	BlockSize   int
	Compression compression.Type
	BloomFPRate float64
	Cipher      crypto.BlockCipher
}

func (o *WriterOptions) fill() {
	if o.BlockSize <= 0 {
		o.BlockSize = 4 << 10
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
	if o.Cipher == nil {
		o.Cipher = crypto.Passthrough{}
	}
}

// Writer builds a table in a temporary file and moves it into place on
// Finish. Keys must be added in strictly increasing internal key order.
type Writer struct {
	path    string
	tmpPath string
	file    *os.File
	w       *bufio.Writer
	opts    WriterOptions

	offset uint64
	data   *blockBuilder
	index  *blockBuilder

	// one hash per distinct user key, turned into the filter on Finish
	hashes   [][2]uint32
	lastKey  []byte
	props    Properties
	renamed  bool
	finished bool
	err      error
}

// NewWriter starts a table that will be published at path.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	opts.fill()

	tmpPath := path + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable: %w", err)
	}

	w := &Writer{
		path:    path,
		tmpPath: tmpPath,
		file:    f,
		w:       bufio.NewWriterSize(f, 64<<10),
		opts:    opts,
		data:    newBlockBuilder(),
		index:   newBlockBuilder(),
	}
	w.props.Compression = opts.Compression

	hdr := header{compression: opts.Compression, encrypted: opts.Cipher.Enabled()}
	if _, err := w.w.Write(hdr.encode()); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to write sstable header: %w", err)
	}
	w.offset = headerSize
	return w, nil
}

// Add appends an entry.
func (w *Writer) Add(ikey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if err := keys.Validate(ikey); err != nil {
		return err
	}
	if w.lastKey != nil && keys.Compare(w.lastKey, ikey) >= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, ikey, w.lastKey)
	}

	ukey := keys.UserKey(ikey)
	if w.lastKey == nil || string(keys.UserKey(w.lastKey)) != string(ukey) {
		h1, h2 := bloomHash(ukey)
		w.hashes = append(w.hashes, [2]uint32{h1, h2})
	}
	seq, kind := keys.Trailer(ikey)
	w.props.observe(ukey, seq, kind == keys.KindDelete)

	w.data.add(ikey, value)
	w.lastKey = append(w.lastKey[:0], ikey...)

	if w.data.size() >= w.opts.BlockSize {
		if err := w.flushData(); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

// EstimatedSize returns the bytes written so far plus the pending block.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.data.size())
}

// Entries returns the number of entries added.
func (w *Writer) Entries() uint64 {
	return w.props.Entries
}

func (w *Writer) flushData() error {
	if w.data.empty() {
		return nil
	}
	raw := w.data.finish()
	w.props.DataSize += uint64(len(raw))
	handle, err := w.writeBlock(raw)
	if err != nil {
		return err
	}
	w.props.DataBlocks++

	var enc [handleSize]byte
	handle.encodeTo(enc[:])
	w.index.add(w.data.lastKey, enc[:])
	w.data.reset()
	return nil
}

// writeBlock stores seal(compress(raw)) followed by its crc32c.
func (w *Writer) writeBlock(raw []byte) (BlockHandle, error) {
	compressed, err := compression.Compress(w.opts.Compression, raw)
	if err != nil {
		return BlockHandle{}, fmt.Errorf("failed to compress block: %w", err)
	}
	sealed, err := w.opts.Cipher.Seal(compressed)
	if err != nil {
		return BlockHandle{}, fmt.Errorf("failed to seal block: %w", err)
	}

	if _, err := w.w.Write(sealed); err != nil {
		return BlockHandle{}, err
	}
	var trailer [blockTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32.Checksum(sealed, castagnoli))
	if _, err := w.w.Write(trailer[:]); err != nil {
		return BlockHandle{}, err
	}

	h := BlockHandle{Offset: w.offset, Length: uint64(len(sealed))}
	w.offset += uint64(len(sealed)) + blockTrailerSize
	return h, nil
}

// Finish writes the index, filter, properties and footer, syncs the file
// and renames it into place.
func (w *Writer) Finish() (Properties, error) {
	if w.err != nil {
		w.Abort()
		return Properties{}, w.err
	}
	if w.props.Entries == 0 {
		w.Abort()
		return Properties{}, ErrEmptyTable
	}

	if err := w.finish(); err != nil {
		w.Abort()
		return Properties{}, err
	}
	w.finished = true
	return w.props, nil
}

func (w *Writer) finish() error {
	if err := w.flushData(); err != nil {
		return err
	}

	var f footer
	var err error
	if f.index, err = w.writeBlock(w.index.finish()); err != nil {
		return fmt.Errorf("failed to write index block: %w", err)
	}

	filter := newBloomFilter(len(w.hashes), w.opts.BloomFPRate)
	for _, h := range w.hashes {
		filter.addHash(h[0], h[1])
	}
	if f.filter, err = w.writeBlock(filter.encode()); err != nil {
		return fmt.Errorf("failed to write filter block: %w", err)
	}

	if f.props, err = w.writeBlock(w.props.encode()); err != nil {
		return fmt.Errorf("failed to write properties block: %w", err)
	}

	if _, err := w.w.Write(f.encode()); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	w.offset += footerSize
	w.props.FileSize = w.offset

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush sstable: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync sstable: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close sstable: %w", err)
	}
	w.file = nil

	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("failed to publish sstable: %w", err)
	}
	w.renamed = true
	return syncDir(filepath.Dir(w.path))
}

// Abort discards the table.
func (w *Writer) Abort() {
	if w.finished {
		return
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.tmpPath)
	if w.renamed {
		os.Remove(w.path)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
