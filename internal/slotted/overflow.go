package slotted

import (
	"encoding/binary"
	"fmt"

	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/pager"
)

// Pager is the minimal page-access surface overflow-chain operations need.
// [internal/txn.Txn] satisfies it, routing reads through the transaction's
// write-set overlay and allocations through the transaction's page manager.
type Pager = pager.Source

// overflowHeaderSize is next(4) + dataLen(2) at the front of every
// overflow page.
const overflowHeaderSize = 6

// OverflowCapacity is how many document bytes one overflow page holds.
func OverflowCapacity(pageSize page.Size) int {
	return int(pageSize) - overflowHeaderSize
}

// headMarkerInline/headMarkerOverflow distinguish a document stored
// entirely inline in its head slot from one whose bytes live in an
// overflow chain.
const (
	headMarkerInline   byte = 0
	headMarkerOverflow byte = 1
)

// headOverflowSize is the fixed size of an overflow head-slot payload:
// marker(1) + totalLen(4) + firstOverflowPage(4).
const headOverflowSize = 9

// EncodeHeadOverflow builds the small head-slot payload that points at an
// overflow chain holding the real document bytes.
func EncodeHeadOverflow(totalLen uint32, first page.ID) []byte {
	buf := make([]byte, headOverflowSize)
	buf[0] = headMarkerOverflow
	binary.LittleEndian.PutUint32(buf[1:5], totalLen)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(first))
	return buf
}

// EncodeHeadInline marks a head-slot payload as containing the document
// inline (no overflow chain).
func EncodeHeadInline(payload []byte) []byte {
	buf := make([]byte, len(payload)+1)
	buf[0] = headMarkerInline
	copy(buf[1:], payload)
	return buf
}

// DecodeHead reports whether head (a slot payload produced by one of the
// EncodeHead* functions) is inline or overflow-backed, returning the
// relevant fields.
func DecodeHead(head []byte) (inline []byte, totalLen uint32, first page.ID, isOverflow bool) {
	if len(head) == 0 {
		return nil, 0, 0, false
	}
	if head[0] == headMarkerInline {
		return head[1:], 0, 0, false
	}
	totalLen = binary.LittleEndian.Uint32(head[1:5])
	first = page.ID(binary.LittleEndian.Uint32(head[5:9]))
	return nil, totalLen, first, true
}

// WriteOverflowChain splits data across freshly allocated overflow pages
// and returns the id of the first one.
func WriteOverflowChain(p Pager, data []byte) (page.ID, error) {
	cap := OverflowCapacity(p.PageSize())
	if cap <= 0 {
		return 0, fmt.Errorf("slotted: page size too small for overflow pages")
	}

	numPages := (len(data) + cap - 1) / cap
	if numPages == 0 {
		numPages = 1
	}

	ids := make([]page.ID, numPages)
	for i := range ids {
		id, err := p.Allocate(0)
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}

	buf := make([]byte, p.PageSize())
	for i, id := range ids {
		lo := i * cap
		hi := lo + cap
		if hi > len(data) {
			hi = len(data)
		}
		chunk := data[lo:hi]

		var next page.ID
		if i+1 < len(ids) {
			next = ids[i+1]
		}

		for j := range buf {
			buf[j] = 0
		}
		binary.LittleEndian.PutUint32(buf[0:4], uint32(next))
		binary.LittleEndian.PutUint16(buf[4:6], uint16(len(chunk)))
		copy(buf[overflowHeaderSize:], chunk)

		if err := p.WritePage(id, buf); err != nil {
			return 0, err
		}
	}

	return ids[0], nil
}

// ReadOverflowChain reassembles a document of totalLen bytes starting at
// the overflow page first.
func ReadOverflowChain(p Pager, first page.ID, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := first
	for id != 0 || len(out) == 0 {
		buf, err := p.ReadPage(id)
		if err != nil {
			return nil, err
		}
		next := page.ID(binary.LittleEndian.Uint32(buf[0:4]))
		dataLen := binary.LittleEndian.Uint16(buf[4:6])
		out = append(out, buf[overflowHeaderSize:overflowHeaderSize+int(dataLen)]...)

		if next == 0 {
			break
		}
		id = next
	}
	if uint32(len(out)) != totalLen {
		return nil, fmt.Errorf("slotted: overflow chain length mismatch: want %d got %d", totalLen, len(out))
	}
	return out, nil
}

// FreeOverflowChain walks the chain starting at first, freeing every page.
func FreeOverflowChain(p Pager, first page.ID) error {
	id := first
	seen := 0
	for {
		buf, err := p.ReadPage(id)
		if err != nil {
			return err
		}
		next := page.ID(binary.LittleEndian.Uint32(buf[0:4]))
		if err := p.Free(id); err != nil {
			return err
		}
		seen++
		if next == 0 || seen > 1_000_000 {
			return nil
		}
		id = next
	}
}
