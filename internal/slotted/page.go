package slotted

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed byte length of a slotted page's header.
const HeaderSize = 12

// SlotDirEntrySize is the fixed byte length of one slot directory entry.
const SlotDirEntrySize = 6

const slotFlagDeleted uint16 = 1 << 0

// ErrNotEnoughSpace is returned by [Page.Insert] when the payload does not
// fit even after compaction.
var ErrNotEnoughSpace = errors.New("slotted: not enough space on page")

// ErrNeedsRelocate is returned by [Page.Replace] when the new payload is
// larger than the slot's current capacity; the caller must delete and
// re-insert (possibly on a different page) instead.
var ErrNeedsRelocate = errors.New("slotted: replacement does not fit in place")

// ErrNotFound is returned by [Page.Get]/[Page.Replace]/[Page.Delete] for an
// out-of-range or tombstoned slot index.
var ErrNotFound = errors.New("slotted: slot not found")

// Page is an in-place view over a raw page buffer laid out as
// header | slot directory | free space | payloads (growing down from the
// end of buf). It never copies buf; all operations mutate it directly.
type Page struct {
	buf []byte
}

// New wraps an existing raw page buffer. Call [Page.Init] first if the
// buffer is freshly allocated (all zero).
func New(buf []byte) *Page { return &Page{buf: buf} }

// Init formats buf as an empty slotted page.
func (p *Page) Init() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.setFreeStart(HeaderSize)
	p.setFreeEnd(uint16(len(p.buf)))
}

func (p *Page) flags() uint16       { return binary.LittleEndian.Uint16(p.buf[0:2]) }
func (p *Page) freeStart() uint16   { return binary.LittleEndian.Uint16(p.buf[2:4]) }
func (p *Page) freeEnd() uint16     { return binary.LittleEndian.Uint16(p.buf[4:6]) }
func (p *Page) slotCount() uint16   { return binary.LittleEndian.Uint16(p.buf[6:8]) }
func (p *Page) nextOverflow() uint32 { return binary.LittleEndian.Uint32(p.buf[8:12]) }

func (p *Page) setFreeStart(v uint16)    { binary.LittleEndian.PutUint16(p.buf[2:4], v) }
func (p *Page) setFreeEnd(v uint16)      { binary.LittleEndian.PutUint16(p.buf[4:6], v) }
func (p *Page) setSlotCount(v uint16)    { binary.LittleEndian.PutUint16(p.buf[6:8], v) }

// SlotCount returns the number of directory entries, live or tombstoned.
func (p *Page) SlotCount() uint16 { return p.slotCount() }

func (p *Page) slotOffset(i uint16) int { return HeaderSize + int(i)*SlotDirEntrySize }

func (p *Page) readSlot(i uint16) (offset, length, flags uint16) {
	o := p.slotOffset(i)
	offset = binary.LittleEndian.Uint16(p.buf[o : o+2])
	length = binary.LittleEndian.Uint16(p.buf[o+2 : o+4])
	flags = binary.LittleEndian.Uint16(p.buf[o+4 : o+6])
	return
}

func (p *Page) writeSlot(i uint16, offset, length, flags uint16) {
	o := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p.buf[o:o+2], offset)
	binary.LittleEndian.PutUint16(p.buf[o+2:o+4], length)
	binary.LittleEndian.PutUint16(p.buf[o+4:o+6], flags)
}

// FreeBytes returns the number of unallocated bytes strictly between the
// slot directory and the lowest live payload.
func (p *Page) FreeBytes() int {
	return int(p.freeEnd()) - int(p.freeStart())
}

// reusableTombstone returns the index of a deleted slot, if any, so Insert
// can reuse its directory entry instead of growing the slot count.
func (p *Page) reusableTombstone() (uint16, bool) {
	n := p.slotCount()
	for i := uint16(0); i < n; i++ {
		_, _, flags := p.readSlot(i)
		if flags&slotFlagDeleted != 0 {
			return i, true
		}
	}
	return 0, false
}

// Insert stores payload in a new (or reused tombstoned) slot, compacting
// first if needed, and returns its slot index.
func (p *Page) Insert(payload []byte) (uint16, error) {
	if len(payload) > len(p.buf)-HeaderSize-SlotDirEntrySize {
		return 0, fmt.Errorf("%w: payload %d bytes exceeds page capacity", ErrNotEnoughSpace, len(payload))
	}

	idx, reuse := p.reusableTombstone()
	needed := len(payload)
	if !reuse {
		needed += SlotDirEntrySize
	}

	if p.FreeBytes() < needed {
		p.Compact()
	}
	if p.FreeBytes() < needed {
		return 0, ErrNotEnoughSpace
	}

	newOffset := p.freeEnd() - uint16(len(payload))
	copy(p.buf[newOffset:p.freeEnd()], payload)
	p.setFreeEnd(newOffset)

	if reuse {
		p.writeSlot(idx, newOffset, uint16(len(payload)), 0)
		return idx, nil
	}

	idx = p.slotCount()
	p.writeSlot(idx, newOffset, uint16(len(payload)), 0)
	p.setSlotCount(idx + 1)
	p.setFreeStart(p.freeStart() + SlotDirEntrySize)
	return idx, nil
}

// Get returns the payload stored at slot, or [ErrNotFound].
func (p *Page) Get(slot uint16) ([]byte, error) {
	if slot >= p.slotCount() {
		return nil, ErrNotFound
	}
	offset, length, flags := p.readSlot(slot)
	if flags&slotFlagDeleted != 0 {
		return nil, ErrNotFound
	}
	out := make([]byte, length)
	copy(out, p.buf[offset:int(offset)+int(length)])
	return out, nil
}

// Replace overwrites slot's payload in place. It only succeeds if payload
// fits within the slot's current allocated length; otherwise it returns
// [ErrNeedsRelocate] and the caller must delete-and-reinsert (possibly on a
// different page).
func (p *Page) Replace(slot uint16, payload []byte) error {
	if slot >= p.slotCount() {
		return ErrNotFound
	}
	offset, length, flags := p.readSlot(slot)
	if flags&slotFlagDeleted != 0 {
		return ErrNotFound
	}
	if len(payload) > int(length) {
		return ErrNeedsRelocate
	}
	copy(p.buf[offset:int(offset)+len(payload)], payload)
	p.writeSlot(slot, offset, uint16(len(payload)), flags)
	return nil
}

// Delete tombstones slot. The directory entry is retained (and may be
// reused by a future [Page.Insert]); its payload bytes are reclaimed by
// [Page.Compact].
func (p *Page) Delete(slot uint16) error {
	if slot >= p.slotCount() {
		return ErrNotFound
	}
	offset, length, flags := p.readSlot(slot)
	if flags&slotFlagDeleted != 0 {
		return ErrNotFound
	}
	p.writeSlot(slot, offset, length, flags|slotFlagDeleted)
	return nil
}

// IsEmpty reports whether every slot on the page is tombstoned (the page
// can be freed once it is not a B+-tree root).
func (p *Page) IsEmpty() bool {
	n := p.slotCount()
	for i := uint16(0); i < n; i++ {
		_, _, flags := p.readSlot(i)
		if flags&slotFlagDeleted == 0 {
			return false
		}
	}
	return true
}

// Compact coalesces free space by rewriting every live slot's payload
// contiguously from the end of the page and updating its offset. Slot
// indices (and therefore every (page,slot) document location) are
// preserved; only tombstoned slots' reclaimed bytes are recovered.
func (p *Page) Compact() {
	n := p.slotCount()
	type live struct {
		idx    uint16
		length uint16
		data   []byte
	}

	lives := make([]live, 0, n)
	for i := uint16(0); i < n; i++ {
		offset, length, flags := p.readSlot(i)
		if flags&slotFlagDeleted != 0 {
			continue
		}
		data := make([]byte, length)
		copy(data, p.buf[offset:int(offset)+int(length)])
		lives = append(lives, live{idx: i, length: length, data: data})
	}

	cursor := uint16(len(p.buf))
	for _, l := range lives {
		cursor -= l.length
		copy(p.buf[cursor:cursor+l.length], l.data)
		p.writeSlot(l.idx, cursor, l.length, 0)
	}
	p.setFreeEnd(cursor)
}

// Bytes returns the underlying raw page buffer.
func (p *Page) Bytes() []byte { return p.buf }
