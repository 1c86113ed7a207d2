// Package docstore orchestrates storing a document's bytes across
// [slotted.Page]s and overflow chains: finding (or allocating) a data page
// with room via the free-space map, and transparently chaining documents
// too large for one page (spec.md §4.3).
package docstore

import (
	"fmt"

	"github.com/galdrdb/galdrdb/internal/pagemgr"
	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/slotted"
)

// Location identifies a document's physical home: a slot inside a
// [slotted.Page].
type Location struct {
	PageID page.ID
	Slot   uint16
}

// Insert stores payload, allocating or reusing a data page with room via
// fsm, and returns its new [Location].
func Insert(pager slotted.Pager, fsm *pagemgr.Manager, payload []byte) (Location, error) {
	head := wrapInline(pager.PageSize(), payload)
	if head == nil {
		first, err := slotted.WriteOverflowChain(pager, payload)
		if err != nil {
			return Location{}, err
		}
		head = slotted.EncodeHeadOverflow(uint32(len(payload)), first)
	}

	needed := len(head) + slotted.SlotDirEntrySize

	pageID, buf, isNew, err := findOrAllocatePage(pager, fsm, needed)
	if err != nil {
		return Location{}, err
	}

	sp := slotted.New(buf)
	if isNew {
		sp.Init()
	}

	slot, err := sp.Insert(head)
	if err != nil {
		return Location{}, err
	}

	if err := pager.WritePage(pageID, buf); err != nil {
		return Location{}, err
	}
	fsm.SetFreeHint(pageID, sp.FreeBytes(), pager.PageSize())

	return Location{PageID: pageID, Slot: slot}, nil
}

// Get reassembles and returns the document stored at loc.
func Get(pager slotted.Pager, loc Location) ([]byte, error) {
	buf, err := pager.ReadPage(loc.PageID)
	if err != nil {
		return nil, err
	}
	sp := slotted.New(buf)
	head, err := sp.Get(loc.Slot)
	if err != nil {
		return nil, err
	}
	return unwrap(pager, head)
}

// Replace overwrites the document at loc with payload in place when it
// fits in the existing head slot; otherwise it returns
// [slotted.ErrNeedsRelocate] and leaves loc untouched so the caller can
// [Delete] and [Insert] fresh (rewriting secondary index entries).
func Replace(pager slotted.Pager, fsm *pagemgr.Manager, loc Location, payload []byte) error {
	buf, err := pager.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	sp := slotted.New(buf)

	oldHead, err := sp.Get(loc.Slot)
	if err != nil {
		return err
	}

	newHead := wrapInline(pager.PageSize(), payload)
	var newOverflowFirst page.ID
	if newHead == nil {
		first, err := slotted.WriteOverflowChain(pager, payload)
		if err != nil {
			return err
		}
		newOverflowFirst = first
		newHead = slotted.EncodeHeadOverflow(uint32(len(payload)), first)
	}

	if err := sp.Replace(loc.Slot, newHead); err != nil {
		if newOverflowFirst != 0 {
			_ = slotted.FreeOverflowChain(pager, newOverflowFirst)
		}
		return err
	}

	if err := pager.WritePage(loc.PageID, buf); err != nil {
		return err
	}
	fsm.SetFreeHint(loc.PageID, sp.FreeBytes(), pager.PageSize())

	if _, _, oldFirst, wasOverflow := slotted.DecodeHead(oldHead); wasOverflow {
		_ = slotted.FreeOverflowChain(pager, oldFirst)
	}
	return nil
}

// Delete tombstones the slot at loc and frees any overflow chain it owned.
func Delete(pager slotted.Pager, fsm *pagemgr.Manager, loc Location) error {
	buf, err := pager.ReadPage(loc.PageID)
	if err != nil {
		return err
	}
	sp := slotted.New(buf)

	head, err := sp.Get(loc.Slot)
	if err != nil {
		return err
	}

	if err := sp.Delete(loc.Slot); err != nil {
		return err
	}
	if err := pager.WritePage(loc.PageID, buf); err != nil {
		return err
	}
	fsm.SetFreeHint(loc.PageID, sp.FreeBytes(), pager.PageSize())

	if _, _, first, wasOverflow := slotted.DecodeHead(head); wasOverflow {
		if err := slotted.FreeOverflowChain(pager, first); err != nil {
			return err
		}
	}

	if sp.IsEmpty() {
		_ = pager.Free(loc.PageID)
	}
	return nil
}

func wrapInline(pageSize page.Size, payload []byte) []byte {
	maxInline := int(pageSize) - slotted.HeaderSize - slotted.SlotDirEntrySize - 1
	if len(payload) > maxInline {
		return nil
	}
	return slotted.EncodeHeadInline(payload)
}

func unwrap(pager slotted.Pager, head []byte) ([]byte, error) {
	inline, totalLen, first, isOverflow := slotted.DecodeHead(head)
	if !isOverflow {
		return inline, nil
	}
	return slotted.ReadOverflowChain(pager, first, totalLen)
}

func findOrAllocatePage(pager slotted.Pager, fsm *pagemgr.Manager, needed int) (page.ID, []byte, bool, error) {
	if id, ok := fsm.FindPageWithSpace(0, needed, pager.PageSize()); ok {
		buf, err := pager.ReadPage(id)
		if err != nil {
			return 0, nil, false, err
		}
		return id, buf, false, nil
	}

	id, err := pager.Allocate(0)
	if err != nil {
		return 0, nil, false, fmt.Errorf("docstore: allocating data page: %w", err)
	}
	buf := make([]byte, pager.PageSize())
	return id, buf, true, nil
}
