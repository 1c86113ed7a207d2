package pagemgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/galdrdb/galdrdb/internal/page"
)

// ErrNoFreeSpace is returned by [Manager.Allocate] when every page within
// the current total-pages bound is allocated; the caller must [Manager.Grow]
// the file and retry.
var ErrNoFreeSpace = errors.New("pagemgr: no free page; grow the file")

// DefaultMaxPages bounds the address space the allocation bitmap and
// free-space map are sized for at Create time (spec.md §4.2's "grow the
// file... appending fresh bitmap/FSM pages" is realized here by
// pre-reserving bitmap/FSM capacity for this many pages up front, rather
// than relocating the catalog/data regions every time the bitmap itself
// needs another page — see DESIGN.md). At the default 8192-byte page size
// this bounds a GaldrDb file at 512MiB of page payload.
const DefaultMaxPages uint32 = 1 << 16

// bitmapSerialHeader is the length prefix [bitset.BitSet.MarshalBinary]
// prepends to the raw words; the persisted region must hold it too.
const bitmapSerialHeader = 8

// BitmapPages returns how many pages are needed to persist one bit per
// page for maxPages pages (plus the bitset serialization header), at the
// given page size.
func BitmapPages(maxPages uint32, pageSize page.Size) uint32 {
	bits := uint64(maxPages)
	bytesNeeded := bitmapSerialHeader + (bits+7)/8
	return ceilDiv(bytesNeeded, uint64(pageSize))
}

// FSMPages returns how many pages are needed to hold one free-ratio byte
// per page for maxPages pages, at the given page size.
func FSMPages(maxPages uint32, pageSize page.Size) uint32 {
	return ceilDiv(uint64(maxPages), uint64(pageSize))
}

func ceilDiv(n, d uint64) uint32 {
	return uint32((n + d - 1) / d)
}

// Manager is GaldrDb's page allocator: an in-memory allocation bitmap
// ([bitset.BitSet]) plus a free-space-map byte array, both persisted across
// a fixed run of pages computed by [BitmapPages]/[FSMPages]. It does not
// itself write the header page; the catalog's callers own that.
type Manager struct {
	mu sync.Mutex

	io page.IO

	bitmapStart page.ID
	bitmapPages uint32
	fsmStart    page.ID
	fsmPages    uint32

	maxPages   uint32
	totalPages uint32

	bits *bitset.BitSet
	fsm  []byte // one free-ratio byte (0..255, 255 == fully free) per page id

	scanHint page.ID
}

// NewManager constructs a Manager over an already-positioned bitmap/FSM
// region. Callers must follow with either [Manager.InitEmpty] (Create) or
// [Manager.Load] (Open).
func NewManager(io page.IO, bitmapStart page.ID, bitmapPages uint32, fsmStart page.ID, fsmPages uint32, maxPages uint32) *Manager {
	return &Manager{
		io:          io,
		bitmapStart: bitmapStart,
		bitmapPages: bitmapPages,
		fsmStart:    fsmStart,
		fsmPages:    fsmPages,
		maxPages:    maxPages,
	}
}

// InitEmpty initializes a fresh bitmap/FSM in memory, marking pages
// [0, reservedPages) as permanently allocated (header, bitmap, FSM,
// catalog) and every other page up to maxPages free.
func (m *Manager) InitEmpty(reservedPages uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bits = bitset.New(uint(m.maxPages))
	m.fsm = make([]byte, int(m.fsmPages)*int(m.io.PageSize()))
	for i := range m.fsm {
		m.fsm[i] = 0xFF
	}

	for id := uint32(0); id < reservedPages; id++ {
		m.bits.Set(uint(id))
		m.fsm[id] = 0
	}

	m.totalPages = reservedPages
}

// Load reads the bitmap and FSM regions back from disk. totalPages is the
// header's recorded page-file length.
func (m *Manager) Load(totalPages uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bitmapBytes, err := m.readRegion(m.bitmapStart, m.bitmapPages)
	if err != nil {
		return fmt.Errorf("pagemgr: reading bitmap: %w", err)
	}

	bits := bitset.New(0)
	if err := bits.UnmarshalBinary(bitmapBytes); err != nil {
		return fmt.Errorf("pagemgr: decoding bitmap: %w", err)
	}
	m.bits = bits

	fsm, err := m.readRegion(m.fsmStart, m.fsmPages)
	if err != nil {
		return fmt.Errorf("pagemgr: reading FSM: %w", err)
	}
	m.fsm = fsm

	m.totalPages = totalPages
	return nil
}

func (m *Manager) readRegion(start page.ID, numPages uint32) ([]byte, error) {
	buf := make([]byte, int(numPages)*int(m.io.PageSize()))
	tmp := make([]byte, m.io.PageSize())
	for i := uint32(0); i < numPages; i++ {
		if err := m.io.ReadPage(start+page.ID(i), tmp); err != nil {
			return nil, err
		}
		copy(buf[int(i)*int(m.io.PageSize()):], tmp)
	}
	return buf, nil
}

// Flush serializes the in-memory bitmap and FSM back to their page ranges
// via [Manager.io] directly (no WAL). Used by checkpoint and by Create;
// ordinary transactional mutation instead goes through [Manager.DirtyPages]
// so the caller can route the bytes through the WAL.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bitmapBytes, err := m.bits.MarshalBinary()
	if err != nil {
		return err
	}
	if err := m.writeRegion(m.bitmapStart, m.bitmapPages, bitmapBytes); err != nil {
		return err
	}
	return m.writeRegion(m.fsmStart, m.fsmPages, m.fsm)
}

func (m *Manager) writeRegion(start page.ID, numPages uint32, data []byte) error {
	pageSize := int(m.io.PageSize())
	buf := make([]byte, pageSize)
	for i := uint32(0); i < numPages; i++ {
		for j := range buf {
			buf[j] = 0
		}
		lo := int(i) * pageSize
		if lo < len(data) {
			hi := lo + pageSize
			if hi > len(data) {
				hi = len(data)
			}
			copy(buf, data[lo:hi])
		}
		if err := m.io.WritePage(start+page.ID(i), buf); err != nil {
			return err
		}
	}
	return nil
}

// TotalPages returns the current page-file length (header.TotalPages).
func (m *Manager) TotalPages() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalPages
}

// Grow extends the addressable file length by additionalPages, up to
// [Manager]'s maxPages bound, and calls [page.IO.SetLength] to match.
func (m *Manager) Grow(additionalPages uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newTotal := m.totalPages + additionalPages
	if newTotal > m.maxPages {
		newTotal = m.maxPages
	}
	if newTotal <= m.totalPages {
		return fmt.Errorf("pagemgr: file has reached its %d page address-space bound", m.maxPages)
	}

	if err := m.io.SetLength(newTotal); err != nil {
		return err
	}
	m.totalPages = newTotal
	return nil
}

// Allocate finds a free page, preferring one near hint for locality
// (spec.md §4.2), marks it allocated, and returns its id. Returns
// [ErrNoFreeSpace] if every page up to the current total is allocated; the
// caller should [Manager.Grow] and retry.
func (m *Manager) Allocate(hint page.ID) (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := uint(hint)
	if start == 0 {
		start = uint(m.scanHint)
	}
	if start >= uint(m.totalPages) {
		start = 0
	}

	id, found := m.bits.NextClear(start)
	if !found || id >= uint(m.totalPages) {
		// wrap around from the beginning
		id, found = m.bits.NextClear(0)
		if !found || id >= uint(m.totalPages) {
			return 0, ErrNoFreeSpace
		}
	}

	m.bits.Set(id)
	if int(id) < len(m.fsm) {
		m.fsm[id] = 0
	}
	m.scanHint = page.ID(id + 1)

	return page.ID(id), nil
}

// Free clears id's allocation bit and resets its free-space hint to fully
// free. Callers are responsible for ensuring id is not a collection root.
func (m *Manager) Free(id page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bits.Clear(uint(id))
	if int(id) < len(m.fsm) {
		m.fsm[id] = 0xFF
	}
	return nil
}

// MarkAllocated forcibly sets id's bit, used by WAL replay (pages
// referenced by a replayed frame must be marked allocated) and by
// transaction rollback (undoing a [Manager.Free]).
func (m *Manager) MarkAllocated(id page.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bits.Set(uint(id))
}

// MarkFree forcibly clears id's bit without resetting its FSM hint,
// used by transaction rollback to undo a [Manager.Allocate].
func (m *Manager) MarkFree(id page.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bits.Clear(uint(id))
}

// IsAllocated reports whether id's bit is currently set.
func (m *Manager) IsAllocated(id page.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits.Test(uint(id))
}

// SetFreeHint records page id's approximate free-byte count as an FSM
// bucket (0 == full, 255 == empty), used by [Manager.FindPageWithSpace].
func (m *Manager) SetFreeHint(id page.ID, freeBytes int, pageSize page.Size) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.fsm) {
		return
	}
	m.fsm[id] = freeRatioBucket(freeBytes, pageSize)
}

func freeRatioBucket(freeBytes int, pageSize page.Size) byte {
	if freeBytes <= 0 {
		return 0
	}
	ratio := (freeBytes * 255) / int(pageSize)
	if ratio > 255 {
		ratio = 255
	}
	return byte(ratio)
}

// FindPageWithSpace scans the FSM for an allocated data page estimated to
// have at least minFreeBytes free, starting the scan near hint. Returns
// false if no such page is recorded.
func (m *Manager) FindPageWithSpace(hint page.ID, minFreeBytes int, pageSize page.Size) (page.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	need := freeRatioBucket(minFreeBytes, pageSize)
	if need == 0 {
		need = 1
	}

	n := len(m.fsm)
	start := int(hint)
	for i := 0; i < n; i++ {
		id := (start + i) % n
		if uint32(id) >= m.totalPages {
			continue
		}
		if m.bits.Test(uint(id)) && m.fsm[id] >= need {
			return page.ID(id), true
		}
	}
	return 0, false
}

// AllocatedCount reports how many pages are currently marked allocated.
func (m *Manager) AllocatedCount() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits.Count()
}
