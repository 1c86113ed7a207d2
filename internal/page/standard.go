package page

import (
	"io"
	"os"
)

// Standard is the production [IO] implementation: it reads and writes pages
// via [os.File.ReadAt] / [os.File.WriteAt], so callers may issue concurrent
// reads and writes to disjoint pages without external synchronization at
// this layer (the page-lock manager still serializes logical access).
type Standard struct {
	f          *os.File
	pageSize   Size
	baseOffset int64 // bytes reserved before page 0, e.g. the encrypted crypto header
}

// OpenStandard opens (creating if needed) path and wraps it as a [Standard]
// page store using pageSize. perm is only used when the file is created.
func OpenStandard(path string, pageSize Size, perm os.FileMode) (*Standard, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, err
	}
	return &Standard{f: f, pageSize: pageSize}, nil
}

// NewStandard wraps an already-open file handle.
func NewStandard(f *os.File, pageSize Size) *Standard {
	return &Standard{f: f, pageSize: pageSize}
}

// NewStandardWithOffset wraps an already-open file handle whose page 0
// begins baseOffset bytes into the file, reserving the leading bytes for
// an out-of-band preamble (see [Encrypted]'s crypto header).
func NewStandardWithOffset(f *os.File, pageSize Size, baseOffset int64) *Standard {
	return &Standard{f: f, pageSize: pageSize, baseOffset: baseOffset}
}

func (s *Standard) PageSize() Size { return s.pageSize }

func (s *Standard) ReadPage(id ID, buf []byte) error {
	if err := checkBuf(buf, s.pageSize); err != nil {
		return err
	}

	off := s.baseOffset + int64(id)*int64(s.pageSize)

	n, err := s.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return err
	}

	// Short read (page beyond EOF, or a sparse hole): zero-fill the rest.
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	return nil
}

func (s *Standard) WritePage(id ID, buf []byte) error {
	if err := checkBuf(buf, s.pageSize); err != nil {
		return err
	}

	off := s.baseOffset + int64(id)*int64(s.pageSize)
	_, err := s.f.WriteAt(buf, off)
	return err
}

func (s *Standard) Flush() error {
	return s.f.Sync()
}

func (s *Standard) SetLength(numPages uint32) error {
	return s.f.Truncate(s.baseOffset + int64(numPages)*int64(s.pageSize))
}

func (s *Standard) NumPages() (uint32, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	n := fi.Size() - s.baseOffset
	if n < 0 {
		n = 0
	}
	return uint32(n / int64(s.pageSize)), nil
}

func (s *Standard) Close() error {
	return s.f.Close()
}

// Fd exposes the underlying descriptor for [Mmap] and for the advisory
// single-writer file lock taken on [galdrdb.Open].
func (s *Standard) Fd() uintptr { return s.f.Fd() }

// File exposes the underlying *os.File, e.g. so [Mmap] can map it.
func (s *Standard) File() *os.File { return s.f }
