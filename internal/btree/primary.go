package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/galdrdb/galdrdb/internal/docstore"
	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/pager"
)

// DefaultOrder is the primary tree's default B+-tree order (max children
// per internal node). MinOrder is the smallest order GaldrDb accepts.
const (
	DefaultOrder = 32
	MinOrder     = 3
)

const (
	nodeKindLeaf     byte = 1
	nodeKindInternal byte = 2
)

const primaryHeaderSize = 7    // kind(1) + keyCount(u16) + rightSibling(u32)
const primaryLeafEntrySize = 14 // key(8) + pageID(4) + slot(2)

// ErrCorrupt is returned when a node page fails to decode as a valid
// btree node (bad kind byte, truncated buffer).
var ErrCorrupt = errors.New("btree: corrupt node")

type pnode struct {
	id            page.ID
	leaf          bool
	rightSibling  page.ID
	keys          []int64
	locs          []docstore.Location // leaf only, len == len(keys)
	children      []page.ID           // internal only, len == len(keys)+1
}

func decodePrimaryNode(id page.ID, buf []byte) (*pnode, error) {
	if len(buf) < primaryHeaderSize {
		return nil, ErrCorrupt
	}
	kind := buf[0]
	keyCount := binary.LittleEndian.Uint16(buf[1:3])
	rightSibling := page.ID(binary.LittleEndian.Uint32(buf[3:7]))

	n := &pnode{id: id, rightSibling: rightSibling}

	switch kind {
	case nodeKindLeaf:
		n.leaf = true
		n.keys = make([]int64, keyCount)
		n.locs = make([]docstore.Location, keyCount)
		off := primaryHeaderSize
		for i := 0; i < int(keyCount); i++ {
			n.keys[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			n.locs[i] = docstore.Location{
				PageID: page.ID(binary.LittleEndian.Uint32(buf[off+8 : off+12])),
				Slot:   binary.LittleEndian.Uint16(buf[off+12 : off+14]),
			}
			off += primaryLeafEntrySize
		}
	case nodeKindInternal:
		n.leaf = false
		n.keys = make([]int64, keyCount)
		n.children = make([]page.ID, keyCount+1)
		off := primaryHeaderSize
		n.children[0] = page.ID(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		for i := 0; i < int(keyCount); i++ {
			n.keys[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			n.children[i+1] = page.ID(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
			off += 12
		}
	default:
		return nil, fmt.Errorf("%w: page %d has kind byte %d", ErrCorrupt, id, kind)
	}

	return n, nil
}

func (n *pnode) encode(pageSize page.Size) []byte {
	buf := make([]byte, pageSize)
	if n.leaf {
		buf[0] = nodeKindLeaf
	} else {
		buf[0] = nodeKindInternal
	}
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[3:7], uint32(n.rightSibling))

	if n.leaf {
		off := primaryHeaderSize
		for i, k := range n.keys {
			binary.LittleEndian.PutUint64(buf[off:off+8], uint64(k))
			binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(n.locs[i].PageID))
			binary.LittleEndian.PutUint16(buf[off+12:off+14], n.locs[i].Slot)
			off += primaryLeafEntrySize
		}
	} else {
		off := primaryHeaderSize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.children[0]))
		off += 4
		for i, k := range n.keys {
			binary.LittleEndian.PutUint64(buf[off:off+8], uint64(k))
			binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(n.children[i+1]))
			off += 12
		}
	}
	return buf
}

// Primary is the disk-resident int64-keyed B+-tree mapping document id to
// [docstore.Location] (spec.md §4.5).
type Primary struct {
	p      pager.Source
	order  int
	rootID page.ID
}

// NewPrimary wraps an existing root page. order must be >= [MinOrder].
func NewPrimary(p pager.Source, rootID page.ID, order int) *Primary {
	if order < MinOrder {
		order = DefaultOrder
	}
	return &Primary{p: p, order: order, rootID: rootID}
}

// RootID returns the tree's current root page id (it changes across
// splits/merges that change tree height).
func (t *Primary) RootID() page.ID { return t.rootID }

// CreateEmpty allocates and initializes a brand-new, empty primary tree and
// returns its root page id.
func CreateEmpty(p pager.Source) (page.ID, error) {
	id, err := p.Allocate(0)
	if err != nil {
		return 0, err
	}
	root := &pnode{id: id, leaf: true}
	if err := p.WritePage(id, root.encode(p.PageSize())); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *Primary) load(id page.ID) (*pnode, error) {
	buf, err := t.p.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return decodePrimaryNode(id, buf)
}

func (t *Primary) save(n *pnode) error {
	return t.p.WritePage(n.id, n.encode(t.p.PageSize()))
}

func (t *Primary) maxKeys() int { return t.order - 1 }
func (t *Primary) minKeys() int { return t.order / 2 }

// Search returns the location stored for id, if any.
func (t *Primary) Search(id int64) (docstore.Location, bool, error) {
	node, err := t.load(t.rootID)
	if err != nil {
		return docstore.Location{}, false, err
	}
	for !node.leaf {
		idx := childIndex(node.keys, id)
		node, err = t.load(node.children[idx])
		if err != nil {
			return docstore.Location{}, false, err
		}
	}
	pos, found := searchInt64(node.keys, id)
	if !found {
		return docstore.Location{}, false, nil
	}
	return node.locs[pos], true, nil
}

// childIndex returns the index of the child to descend into for key id:
// the first index i such that keys[i] > id.
func childIndex(keys []int64, id int64) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] > id })
}

func searchInt64(keys []int64, id int64) (int, bool) {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= id })
	if i < len(keys) && keys[i] == id {
		return i, true
	}
	return i, false
}

// Insert stores (id, loc), proactively splitting any full node encountered
// on the descent path. A pre-existing key's value is overwritten and
// returned as prior.
func (t *Primary) Insert(id int64, loc docstore.Location) (prior docstore.Location, hadPrior bool, err error) {
	root, err := t.load(t.rootID)
	if err != nil {
		return docstore.Location{}, false, err
	}

	if len(root.keys) >= t.maxKeys() {
		newRootID, err := t.p.Allocate(0)
		if err != nil {
			return docstore.Location{}, false, err
		}
		newRoot := &pnode{id: newRootID, leaf: false, children: []page.ID{root.id}}
		if err := t.splitChild(newRoot, 0, root); err != nil {
			return docstore.Location{}, false, err
		}
		if err := t.save(newRoot); err != nil {
			return docstore.Location{}, false, err
		}
		t.rootID = newRootID
		root = newRoot
	}

	return t.insertNonFull(root, id, loc)
}

// splitChild splits parent.children[idx] (which must be full), inserting
// the new sibling and a separator key into parent at idx.
func (t *Primary) splitChild(parent *pnode, idx int, child *pnode) error {
	mid := len(child.keys) / 2

	newID, err := t.p.Allocate(child.id)
	if err != nil {
		return err
	}

	var separator int64
	var sibling *pnode

	if child.leaf {
		sibling = &pnode{
			id:           newID,
			leaf:         true,
			keys:         append([]int64{}, child.keys[mid:]...),
			locs:         append([]docstore.Location{}, child.locs[mid:]...),
			rightSibling: child.rightSibling,
		}
		child.keys = child.keys[:mid]
		child.locs = child.locs[:mid]
		child.rightSibling = newID
		separator = sibling.keys[0]
	} else {
		separator = child.keys[mid]
		sibling = &pnode{
			id:       newID,
			leaf:     false,
			keys:     append([]int64{}, child.keys[mid+1:]...),
			children: append([]page.ID{}, child.children[mid+1:]...),
		}
		child.keys = child.keys[:mid]
		child.children = child.children[:mid+1]
	}

	parent.keys = insertInt64At(parent.keys, idx, separator)
	parent.children = insertPageIDAt(parent.children, idx+1, newID)

	if err := t.save(child); err != nil {
		return err
	}
	return t.save(sibling)
}

func (t *Primary) insertNonFull(node *pnode, id int64, loc docstore.Location) (docstore.Location, bool, error) {
	if node.leaf {
		pos, found := searchInt64(node.keys, id)
		if found {
			prior := node.locs[pos]
			node.locs[pos] = loc
			return prior, true, t.save(node)
		}
		node.keys = insertInt64At(node.keys, pos, id)
		node.locs = insertLocAt(node.locs, pos, loc)
		return docstore.Location{}, false, t.save(node)
	}

	idx := childIndex(node.keys, id)
	child, err := t.load(node.children[idx])
	if err != nil {
		return docstore.Location{}, false, err
	}

	if len(child.keys) >= t.maxKeys() {
		if err := t.splitChild(node, idx, child); err != nil {
			return docstore.Location{}, false, err
		}
		if err := t.save(node); err != nil {
			return docstore.Location{}, false, err
		}
		if id >= node.keys[idx] {
			idx++
		}
		child, err = t.load(node.children[idx])
		if err != nil {
			return docstore.Location{}, false, err
		}
	}

	return t.insertNonFull(child, id, loc)
}

// Delete removes id, rebalancing via borrow/merge on the descent path so
// every visited node keeps more than [Primary.minKeys] keys, and reports
// whether id was present.
func (t *Primary) Delete(id int64) (bool, error) {
	root, err := t.load(t.rootID)
	if err != nil {
		return false, err
	}

	deleted, err := t.deleteFrom(root, id)
	if err != nil {
		return false, err
	}

	root, err = t.load(t.rootID)
	if err != nil {
		return deleted, err
	}
	if !root.leaf && len(root.keys) == 0 && len(root.children) == 1 {
		newRoot := root.children[0]
		_ = t.p.Free(root.id)
		t.rootID = newRoot
	}

	return deleted, nil
}

func (t *Primary) deleteFrom(node *pnode, id int64) (bool, error) {
	if node.leaf {
		pos, found := searchInt64(node.keys, id)
		if !found {
			return false, nil
		}
		node.keys = removeInt64At(node.keys, pos)
		node.locs = removeLocAt(node.locs, pos)
		return true, t.save(node)
	}

	idx := childIndex(node.keys, id)
	child, err := t.load(node.children[idx])
	if err != nil {
		return false, err
	}

	if len(child.keys) <= t.minKeys() {
		if err := t.fixChild(node, idx); err != nil {
			return false, err
		}
		if err := t.save(node); err != nil {
			return false, err
		}
		idx = childIndex(node.keys, id)
		child, err = t.load(node.children[idx])
		if err != nil {
			return false, err
		}
	}

	return t.deleteFrom(child, id)
}

// fixChild ensures node.children[idx] has more than minKeys keys, via
// borrow-left, borrow-right, or merge (spec.md §4.5).
func (t *Primary) fixChild(node *pnode, idx int) error {
	child, err := t.load(node.children[idx])
	if err != nil {
		return err
	}

	if idx > 0 {
		left, err := t.load(node.children[idx-1])
		if err != nil {
			return err
		}
		if len(left.keys) > t.minKeys() {
			return t.borrowFromLeft(node, idx, left, child)
		}
	}

	if idx < len(node.children)-1 {
		right, err := t.load(node.children[idx+1])
		if err != nil {
			return err
		}
		if len(right.keys) > t.minKeys() {
			return t.borrowFromRight(node, idx, child, right)
		}
	}

	if idx > 0 {
		return t.mergeChildren(node, idx-1)
	}
	return t.mergeChildren(node, idx)
}

func (t *Primary) borrowFromLeft(node *pnode, idx int, left, child *pnode) error {
	if child.leaf {
		n := len(left.keys)
		k, v := left.keys[n-1], left.locs[n-1]
		left.keys = left.keys[:n-1]
		left.locs = left.locs[:n-1]
		child.keys = insertInt64At(child.keys, 0, k)
		child.locs = insertLocAt(child.locs, 0, v)
		node.keys[idx-1] = child.keys[0]
	} else {
		n := len(left.keys)
		borrowedChild := left.children[n]
		left.children = left.children[:n]
		separator := left.keys[n-1]
		left.keys = left.keys[:n-1]

		child.keys = insertInt64At(child.keys, 0, node.keys[idx-1])
		child.children = insertPageIDAt(child.children, 0, borrowedChild)
		node.keys[idx-1] = separator
	}
	if err := t.save(left); err != nil {
		return err
	}
	return t.save(child)
}

func (t *Primary) borrowFromRight(node *pnode, idx int, child, right *pnode) error {
	if child.leaf {
		k, v := right.keys[0], right.locs[0]
		right.keys = right.keys[1:]
		right.locs = right.locs[1:]
		child.keys = append(child.keys, k)
		child.locs = append(child.locs, v)
		node.keys[idx] = right.keys[0]
	} else {
		borrowedChild := right.children[0]
		right.children = right.children[1:]
		separator := right.keys[0]
		right.keys = right.keys[1:]

		child.keys = append(child.keys, node.keys[idx])
		child.children = append(child.children, borrowedChild)
		node.keys[idx] = separator
	}
	if err := t.save(right); err != nil {
		return err
	}
	return t.save(child)
}

// mergeChildren merges node.children[idx] and node.children[idx+1] into
// the left of the pair, removing the separator key and right child from
// node.
func (t *Primary) mergeChildren(node *pnode, idx int) error {
	left, err := t.load(node.children[idx])
	if err != nil {
		return err
	}
	right, err := t.load(node.children[idx+1])
	if err != nil {
		return err
	}

	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.locs = append(left.locs, right.locs...)
		left.rightSibling = right.rightSibling
	} else {
		left.keys = append(left.keys, node.keys[idx])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}

	node.keys = removeInt64At(node.keys, idx)
	node.children = removePageIDAt(node.children, idx+1)

	if err := t.save(left); err != nil {
		return err
	}
	return t.p.Free(right.id)
}

// Range invokes fn in ascending key order for every entry with lo <= key <= hi
// (subject to incLo/incHi), stopping early if fn returns false.
func (t *Primary) Range(lo, hi int64, incLo, incHi bool, fn func(id int64, loc docstore.Location) (bool, error)) error {
	node, err := t.load(t.rootID)
	if err != nil {
		return err
	}
	for !node.leaf {
		idx := childIndex(node.keys, lo)
		if !incLo {
			idx = sort.Search(len(node.keys), func(i int) bool { return node.keys[i] > lo })
		}
		node, err = t.load(node.children[idx])
		if err != nil {
			return err
		}
	}

	for node != nil {
		for i, k := range node.keys {
			if k < lo || (k == lo && !incLo) {
				continue
			}
			if k > hi || (k == hi && !incHi) {
				return nil
			}
			cont, err := fn(k, node.locs[i])
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		if node.rightSibling == 0 {
			return nil
		}
		node, err = t.load(node.rightSibling)
		if err != nil {
			return err
		}
	}
	return nil
}

// All invokes fn for every entry in ascending key order.
func (t *Primary) All(fn func(id int64, loc docstore.Location) (bool, error)) error {
	return t.Range(minInt64, maxInt64, true, true, fn)
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

func insertInt64At(s []int64, i int, v int64) []int64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertLocAt(s []docstore.Location, i int, v docstore.Location) []docstore.Location {
	s = append(s, docstore.Location{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertPageIDAt(s []page.ID, i int, v page.ID) []page.ID {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeInt64At(s []int64, i int) []int64 {
	return append(s[:i], s[i+1:]...)
}

func removeLocAt(s []docstore.Location, i int) []docstore.Location {
	return append(s[:i], s[i+1:]...)
}

func removePageIDAt(s []page.ID, i int) []page.ID {
	return append(s[:i], s[i+1:]...)
}
