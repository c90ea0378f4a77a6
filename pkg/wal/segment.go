package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"strata/pkg/types"
)

var errSegmentClosed = errors.New("wal segment closed")

const segmentExt = ".wal"

// segment is a single log file. Access is serialized by the WAL mutex.
type segment struct {
	num    types.SegmentNum
	file   *os.File
	size   int64
	closed bool
}

func openSegment(dir string, num types.SegmentNum) (*segment, error) {
	file, err := os.OpenFile(segmentPath(dir, num), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &segment{num: num, file: file, size: info.Size()}, nil
}

// append writes one framed record. A failed write is cut back off the file.
func (s *segment) append(rec []byte) (int64, error) {
	if s.closed {
		return 0, errSegmentClosed
	}

	off := s.size
	if _, err := s.file.Write(rec); err != nil {
		_ = s.file.Truncate(off)
		return 0, err
	}
	s.size += int64(len(rec))
	return off, nil
}

// rollback drops everything past off.
func (s *segment) rollback(off int64) {
	if err := s.file.Truncate(off); err == nil {
		s.size = off
	}
}

func (s *segment) sync() error {
	if s.closed {
		return errSegmentClosed
	}
	return s.file.Sync()
}

// close fsyncs and closes the segment.
func (s *segment) close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func segmentPath(dir string, num types.SegmentNum) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", num, segmentExt))
}

// listSegments returns the segment numbers present in dir in ascending order.
func listSegments(dir string) ([]types.SegmentNum, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var nums []types.SegmentNum
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		var n types.SegmentNum
		if _, err := fmt.Sscanf(e.Name(), "%06d.wal", &n); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
