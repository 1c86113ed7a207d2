package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/galdrdb/galdrdb/internal/docstore"
	"github.com/galdrdb/galdrdb/internal/keyenc"
	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/pager"
)

const secondaryHeaderSize = 9 // kind(1) + keyCount(u16) + rightSibling(u32) + maxEntries(u16)

// DefaultAverageKeySize seeds the "average-key-size heuristic" spec.md
// §4.6 uses to compute a subtree's node capacity before any key has been
// observed.
const DefaultAverageKeySize = 24

type snode struct {
	id           page.ID
	leaf         bool
	rightSibling page.ID
	maxEntries   int
	keys         [][]byte // full key: encoded field value ∥ big-endian doc id
	locs         []docstore.Location
	children     []page.ID
}

func decodeSecondaryNode(id page.ID, buf []byte) (*snode, error) {
	if len(buf) < secondaryHeaderSize {
		return nil, ErrCorrupt
	}
	kind := buf[0]
	keyCount := int(binary.LittleEndian.Uint16(buf[1:3]))
	rightSibling := page.ID(binary.LittleEndian.Uint32(buf[3:7]))
	maxEntries := int(binary.LittleEndian.Uint16(buf[7:9]))

	n := &snode{id: id, rightSibling: rightSibling, maxEntries: maxEntries}
	off := secondaryHeaderSize

	switch kind {
	case nodeKindLeaf:
		n.leaf = true
		n.keys = make([][]byte, keyCount)
		n.locs = make([]docstore.Location, keyCount)
		for i := 0; i < keyCount; i++ {
			klen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
			off += 2
			key := make([]byte, klen)
			copy(key, buf[off:off+klen])
			off += klen
			n.keys[i] = key
			n.locs[i] = docstore.Location{
				PageID: page.ID(binary.LittleEndian.Uint32(buf[off : off+4])),
				Slot:   binary.LittleEndian.Uint16(buf[off+4 : off+6]),
			}
			off += 6
		}
	case nodeKindInternal:
		n.leaf = false
		n.keys = make([][]byte, keyCount)
		n.children = make([]page.ID, keyCount+1)
		n.children[0] = page.ID(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		for i := 0; i < keyCount; i++ {
			klen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
			off += 2
			key := make([]byte, klen)
			copy(key, buf[off:off+klen])
			off += klen
			n.keys[i] = key
			n.children[i+1] = page.ID(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
		}
	default:
		return nil, fmt.Errorf("%w: page %d has kind byte %d", ErrCorrupt, id, kind)
	}

	return n, nil
}

func (n *snode) encode(pageSize page.Size) ([]byte, error) {
	buf := make([]byte, pageSize)
	if n.leaf {
		buf[0] = nodeKindLeaf
	} else {
		buf[0] = nodeKindInternal
	}
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[3:7], uint32(n.rightSibling))
	binary.LittleEndian.PutUint16(buf[7:9], uint16(n.maxEntries))

	off := secondaryHeaderSize
	if n.leaf {
		for i, k := range n.keys {
			if off+2+len(k)+6 > len(buf) {
				return nil, fmt.Errorf("btree: secondary node page %d overflowed during encode", n.id)
			}
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(k)))
			off += 2
			copy(buf[off:], k)
			off += len(k)
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.locs[i].PageID))
			binary.LittleEndian.PutUint16(buf[off+4:off+6], n.locs[i].Slot)
			off += 6
		}
	} else {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("btree: secondary node page %d overflowed during encode", n.id)
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.children[0]))
		off += 4
		for i, k := range n.keys {
			if off+2+len(k)+4 > len(buf) {
				return nil, fmt.Errorf("btree: secondary node page %d overflowed during encode", n.id)
			}
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(k)))
			off += 2
			copy(buf[off:], k)
			off += len(k)
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.children[i+1]))
			off += 4
		}
	}
	return buf, nil
}

// encodedSize estimates the on-page byte footprint of n's current entries.
func (n *snode) encodedSize() int {
	size := secondaryHeaderSize
	if n.leaf {
		for _, k := range n.keys {
			size += 2 + len(k) + 6
		}
	} else {
		size += 4
		for _, k := range n.keys {
			size += 2 + len(k) + 4
		}
	}
	return size
}

// Secondary is the disk-resident variable-length-byte-key B+-tree used for
// secondary indexes (spec.md §4.6). Keys are
// encoded_field_value ∥ big_endian(doc_id); the id suffix guarantees key
// uniqueness within the tree even across colliding field values, so every
// tree (unique or not) uses the same physical key shape. Uniqueness of the
// raw field value is enforced separately via [Secondary.UniqueCheck].
type Secondary struct {
	p          pager.Source
	rootID     page.ID
	avgKeySize int
}

// NewSecondary wraps an existing root page.
func NewSecondary(p pager.Source, rootID page.ID, avgKeySize int) *Secondary {
	if avgKeySize <= 0 {
		avgKeySize = DefaultAverageKeySize
	}
	return &Secondary{p: p, rootID: rootID, avgKeySize: avgKeySize}
}

// RootID returns the tree's current root page id.
func (t *Secondary) RootID() page.ID { return t.rootID }

// CreateEmptySecondary allocates and initializes a brand-new secondary
// tree and returns its root page id. avgKeySize seeds the node-capacity
// heuristic stored in each node's header.
func CreateEmptySecondary(p pager.Source, avgKeySize int) (page.ID, error) {
	id, err := p.Allocate(0)
	if err != nil {
		return 0, err
	}
	if avgKeySize <= 0 {
		avgKeySize = DefaultAverageKeySize
	}
	root := &snode{id: id, leaf: true, maxEntries: capacityFor(p.PageSize(), avgKeySize)}
	buf, err := root.encode(p.PageSize())
	if err != nil {
		return 0, err
	}
	if err := p.WritePage(id, buf); err != nil {
		return 0, err
	}
	return id, nil
}

// capacityFor computes a node's max-entry heuristic from page size and an
// average key size estimate (spec.md §4.6).
func capacityFor(pageSize page.Size, avgKeySize int) int {
	perEntry := avgKeySize + 8 // key bytes + id suffix + length/location overhead, roughly
	cap := (int(pageSize) - secondaryHeaderSize) / perEntry
	if cap < 3 {
		cap = 3
	}
	return cap
}

// AppendID appends the 8-byte big-endian document id suffix to an encoded
// field value, forming the full secondary-tree key.
func AppendID(encodedValue []byte, id int64) []byte {
	out := make([]byte, len(encodedValue)+8)
	copy(out, encodedValue)
	binary.BigEndian.PutUint64(out[len(encodedValue):], uint64(id))
	return out
}

// SplitID splits a full secondary-tree key back into its encoded field
// value and document id.
func SplitID(fullKey []byte) (encodedValue []byte, id int64) {
	n := len(fullKey)
	encodedValue = fullKey[:n-8]
	id = int64(binary.BigEndian.Uint64(fullKey[n-8:]))
	return
}

func (t *Secondary) load(id page.ID) (*snode, error) {
	buf, err := t.p.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return decodeSecondaryNode(id, buf)
}

func (t *Secondary) save(n *snode) error {
	buf, err := n.encode(t.p.PageSize())
	if err != nil {
		return err
	}
	return t.p.WritePage(n.id, buf)
}

func (t *Secondary) isFull(n *snode) bool {
	if len(n.keys) >= n.maxEntries {
		return true
	}
	// Leave slack for one more max-sized insertion before physically
	// overflowing the page.
	return n.encodedSize()+2+t.avgKeySize*2+8 > int(t.p.PageSize())
}

func childIdxBytes(keys [][]byte, key []byte) int {
	return sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) > 0 })
}

func searchBytes(keys [][]byte, key []byte) (int, bool) {
	i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) >= 0 })
	if i < len(keys) && bytes.Equal(keys[i], key) {
		return i, true
	}
	return i, false
}

// Insert stores (AppendID(encodedValue, id), loc), splitting full nodes
// proactively on the descent path.
func (t *Secondary) Insert(encodedValue []byte, id int64, loc docstore.Location) error {
	key := AppendID(encodedValue, id)

	root, err := t.load(t.rootID)
	if err != nil {
		return err
	}

	if t.isFull(root) {
		newRootID, err := t.p.Allocate(0)
		if err != nil {
			return err
		}
		newRoot := &snode{id: newRootID, leaf: false, maxEntries: root.maxEntries, children: []page.ID{root.id}}
		if err := t.splitChild(newRoot, 0, root); err != nil {
			return err
		}
		if err := t.save(newRoot); err != nil {
			return err
		}
		t.rootID = newRootID
		root = newRoot
	}

	return t.insertNonFull(root, key, loc)
}

func (t *Secondary) splitChild(parent *snode, idx int, child *snode) error {
	mid := len(child.keys) / 2

	newID, err := t.p.Allocate(child.id)
	if err != nil {
		return err
	}

	var separator []byte
	var sibling *snode

	if child.leaf {
		sibling = &snode{
			id:           newID,
			leaf:         true,
			maxEntries:   child.maxEntries,
			keys:         append([][]byte{}, child.keys[mid:]...),
			locs:         append([]docstore.Location{}, child.locs[mid:]...),
			rightSibling: child.rightSibling,
		}
		child.keys = child.keys[:mid]
		child.locs = child.locs[:mid]
		child.rightSibling = newID
		separator = sibling.keys[0]
	} else {
		separator = child.keys[mid]
		sibling = &snode{
			id:         newID,
			leaf:       false,
			maxEntries: child.maxEntries,
			keys:       append([][]byte{}, child.keys[mid+1:]...),
			children:   append([]page.ID{}, child.children[mid+1:]...),
		}
		child.keys = child.keys[:mid]
		child.children = child.children[:mid+1]
	}

	parent.keys = insertBytesAt(parent.keys, idx, separator)
	parent.children = insertPageIDAt(parent.children, idx+1, newID)

	if err := t.save(child); err != nil {
		return err
	}
	return t.save(sibling)
}

func (t *Secondary) insertNonFull(node *snode, key []byte, loc docstore.Location) error {
	if node.leaf {
		pos, found := searchBytes(node.keys, key)
		if found {
			node.locs[pos] = loc
			return t.save(node)
		}
		node.keys = insertBytesAt(node.keys, pos, key)
		node.locs = insertLocAt(node.locs, pos, loc)
		return t.save(node)
	}

	idx := childIdxBytes(node.keys, key)
	child, err := t.load(node.children[idx])
	if err != nil {
		return err
	}

	if t.isFull(child) {
		if err := t.splitChild(node, idx, child); err != nil {
			return err
		}
		if err := t.save(node); err != nil {
			return err
		}
		if bytes.Compare(key, node.keys[idx]) >= 0 {
			idx++
		}
		child, err = t.load(node.children[idx])
		if err != nil {
			return err
		}
	}

	return t.insertNonFull(child, key, loc)
}

// Delete removes the entry for (encodedValue, id) and reports whether it
// was present.
func (t *Secondary) Delete(encodedValue []byte, id int64) (bool, error) {
	key := AppendID(encodedValue, id)

	root, err := t.load(t.rootID)
	if err != nil {
		return false, err
	}
	deleted, err := t.deleteFrom(root, key)
	if err != nil {
		return false, err
	}

	root, err = t.load(t.rootID)
	if err != nil {
		return deleted, err
	}
	if !root.leaf && len(root.keys) == 0 && len(root.children) == 1 {
		_ = t.p.Free(root.id)
		t.rootID = root.children[0]
	}
	return deleted, nil
}

const secondaryMinKeys = 1

func (t *Secondary) deleteFrom(node *snode, key []byte) (bool, error) {
	if node.leaf {
		pos, found := searchBytes(node.keys, key)
		if !found {
			return false, nil
		}
		node.keys = removeBytesAt(node.keys, pos)
		node.locs = removeLocAt(node.locs, pos)
		return true, t.save(node)
	}

	idx := childIdxBytes(node.keys, key)
	child, err := t.load(node.children[idx])
	if err != nil {
		return false, err
	}

	if len(child.keys) <= secondaryMinKeys {
		if err := t.fixChild(node, idx); err != nil {
			return false, err
		}
		if err := t.save(node); err != nil {
			return false, err
		}
		idx = childIdxBytes(node.keys, key)
		child, err = t.load(node.children[idx])
		if err != nil {
			return false, err
		}
	}

	return t.deleteFrom(child, key)
}

func (t *Secondary) fixChild(node *snode, idx int) error {
	if idx > 0 {
		left, err := t.load(node.children[idx-1])
		if err != nil {
			return err
		}
		if len(left.keys) > secondaryMinKeys {
			child, err := t.load(node.children[idx])
			if err != nil {
				return err
			}
			return t.borrowFromLeft(node, idx, left, child)
		}
	}
	if idx < len(node.children)-1 {
		right, err := t.load(node.children[idx+1])
		if err != nil {
			return err
		}
		if len(right.keys) > secondaryMinKeys {
			child, err := t.load(node.children[idx])
			if err != nil {
				return err
			}
			return t.borrowFromRight(node, idx, child, right)
		}
	}
	if idx > 0 {
		return t.mergeChildren(node, idx-1)
	}
	return t.mergeChildren(node, idx)
}

func (t *Secondary) borrowFromLeft(node *snode, idx int, left, child *snode) error {
	if child.leaf {
		n := len(left.keys)
		k, v := left.keys[n-1], left.locs[n-1]
		left.keys = left.keys[:n-1]
		left.locs = left.locs[:n-1]
		child.keys = insertBytesAt(child.keys, 0, k)
		child.locs = insertLocAt(child.locs, 0, v)
		node.keys[idx-1] = child.keys[0]
	} else {
		n := len(left.keys)
		borrowedChild := left.children[n]
		left.children = left.children[:n]
		separator := left.keys[n-1]
		left.keys = left.keys[:n-1]

		child.keys = insertBytesAt(child.keys, 0, node.keys[idx-1])
		child.children = insertPageIDAt(child.children, 0, borrowedChild)
		node.keys[idx-1] = separator
	}
	if err := t.save(left); err != nil {
		return err
	}
	return t.save(child)
}

func (t *Secondary) borrowFromRight(node *snode, idx int, child, right *snode) error {
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

func (t *Secondary) mergeChildren(node *snode, idx int) error {
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

	node.keys = removeBytesAt(node.keys, idx)
	node.children = removePageIDAt(node.children, idx+1)

	if err := t.save(left); err != nil {
		return err
	}
	return t.p.Free(right.id)
}

// Range invokes fn in ascending key order for every full key k with
// lo <= k <= hi (subject to incLo/incHi), stopping early if fn returns
// false. A nil hi means "no upper bound".
func (t *Secondary) Range(lo, hi []byte, incLo, incHi bool, fn func(fullKey []byte, loc docstore.Location) (bool, error)) error {
	node, err := t.load(t.rootID)
	if err != nil {
		return err
	}
	for !node.leaf {
		var idx int
		if incLo {
			idx = childIdxBytes(node.keys, lo)
		} else {
			idx = sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], lo) > 0 })
		}
		node, err = t.load(node.children[idx])
		if err != nil {
			return err
		}
	}

	for node != nil {
		for i, k := range node.keys {
			if bytes.Compare(k, lo) < 0 || (bytes.Equal(k, lo) && !incLo) {
				continue
			}
			if hi != nil {
				cmp := bytes.Compare(k, hi)
				if cmp > 0 || (cmp == 0 && !incHi) {
					return nil
				}
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
func (t *Secondary) All(fn func(fullKey []byte, loc docstore.Location) (bool, error)) error {
	return t.Range([]byte{}, nil, true, true, fn)
}

// PrefixScan invokes fn for every full key beginning with prefix, using
// [keyenc.PrefixEnd] to form a half-open range (spec.md §4.6).
func (t *Secondary) PrefixScan(prefix []byte, fn func(fullKey []byte, loc docstore.Location) (bool, error)) error {
	end, hasEnd := keyenc.PrefixEnd(prefix)
	if !hasEnd {
		return t.Range(prefix, nil, true, true, fn)
	}
	return t.Range(prefix, end, true, false, fn)
}

// UniqueCheck returns the id of an existing entry whose encoded field
// value equals encodedValue, if any. Null values ([keyenc.IsNull]) are
// always excluded, per spec.md §4.6/§9(c).
func (t *Secondary) UniqueCheck(encodedValue []byte) (int64, bool, error) {
	if keyenc.IsNull(encodedValue) {
		return 0, false, nil
	}

	var found int64
	var ok bool
	err := t.PrefixScan(encodedValue, func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, id := SplitID(fullKey)
		found, ok = id, true
		return false, nil
	})
	return found, ok, err
}

func insertBytesAt(s [][]byte, i int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeBytesAt(s [][]byte, i int) [][]byte {
	return append(s[:i], s[i+1:]...)
}
