package page

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Mmap is an [IO] implementation backed by a memory-mapped region of the
// underlying file, used when [galdrdb.Config.UseMmap] is set. Reads are
// plain memory copies out of the mapping; writes copy into the mapping and
// rely on [Mmap.Flush] (msync) for durability. The mapping is re-established
// whenever [Mmap.SetLength] changes the file size, since POSIX mappings do
// not grow in place.
type Mmap struct {
	mu       sync.RWMutex
	std      *Standard
	pageSize Size
	data     []byte // current mapping, length is a multiple of pageSize
}

// NewMmap wraps std (which owns the underlying *os.File) with a memory
// mapping sized to the file's current length.
func NewMmap(std *Standard) (*Mmap, error) {
	m := &Mmap{std: std, pageSize: std.PageSize()}
	if err := m.remapLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mmap) PageSize() Size { return m.pageSize }

// remapLocked (re)creates the mapping to match the file's current length.
// Caller must hold m.mu for writing.
func (m *Mmap) remapLocked() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("mmap: munmap: %w", err)
		}
		m.data = nil
	}

	n, err := m.std.NumPages()
	if err != nil {
		return err
	}

	size := int(n) * int(m.pageSize)
	if size == 0 {
		// POSIX mmap refuses a zero-length mapping; stay unmapped until the
		// file has at least one page.
		return nil
	}

	data, err := unix.Mmap(int(m.std.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	m.data = data
	return nil
}

func (m *Mmap) ReadPage(id ID, buf []byte) error {
	if err := checkBuf(buf, m.pageSize); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	off := int(id) * int(m.pageSize)
	if m.data == nil || off+int(m.pageSize) > len(m.data) {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	copy(buf, m.data[off:off+int(m.pageSize)])
	return nil
}

func (m *Mmap) WritePage(id ID, buf []byte) error {
	if err := checkBuf(buf, m.pageSize); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	off := int(id) * int(m.pageSize)
	if m.data == nil || off+int(m.pageSize) > len(m.data) {
		return fmt.Errorf("mmap: write to page %d beyond mapped length; call SetLength first", id)
	}

	copy(m.data[off:off+int(m.pageSize)], buf)
	return nil
}

func (m *Mmap) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("mmap: msync: %w", err)
		}
	}
	return m.std.Flush()
}

func (m *Mmap) SetLength(numPages uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.std.SetLength(numPages); err != nil {
		return err
	}
	return m.remapLocked()
}

func (m *Mmap) NumPages() (uint32, error) {
	return m.std.NumPages()
}

func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data != nil {
		_ = unix.Munmap(m.data)
		m.data = nil
	}
	return m.std.Close()
}
