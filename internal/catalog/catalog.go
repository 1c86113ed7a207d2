package catalog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/galdrdb/galdrdb/internal/keyenc"
	"github.com/galdrdb/galdrdb/internal/page"
)

// DefaultPages is the number of contiguous pages reserved for the
// catalog region at Create time. At the default 8192-byte page size
// this bounds the gob-encoded snapshot to roughly 256KiB, ample for a
// database with thousands of collections and indexes; growing the
// region would require relocating whatever follows it, so (like
// [internal/pagemgr.DefaultMaxPages]) it is fixed up front.
const DefaultPages = 32

// IndexKind distinguishes a single-field secondary index from a
// compound one (spec.md §3 "Collection").
type IndexKind uint8

const (
	IndexSingle IndexKind = iota
	IndexCompound
)

// FieldSchema is one declared field of a collection: its name and the
// [keyenc.Kind] used to encode it for indexing.
type FieldSchema struct {
	Name string
	Kind keyenc.Kind
}

// IndexSpec describes one secondary index: its name, the (one or more,
// for compound) fields it covers in declaration order, whether it
// enforces uniqueness, and the root page of its [internal/btree.Secondary].
type IndexSpec struct {
	Name       string
	Kind       IndexKind
	Fields     []string
	Unique     bool
	RootPage   page.ID
	AvgKeySize int
}

// CollectionMeta is one collection's full catalog entry (spec.md §3
// "Collection").
type CollectionMeta struct {
	Name         string
	PrimaryRoot  page.ID
	NextID       int64
	Fields       []FieldSchema
	Indexes      []IndexSpec
}

// Catalog is the in-memory, periodically-flushed view of the
// CollectionsCatalog region.
type Catalog struct {
	mu          sync.RWMutex
	io          page.IO
	regionStart page.ID
	regionPages uint32
	collections map[string]*CollectionMeta
}

// New wraps an existing catalog region. Call Load to populate it from
// disk, or InitEmpty to start a brand new one.
func New(io page.IO, regionStart page.ID, regionPages uint32) *Catalog {
	return &Catalog{
		io:          io,
		regionStart: regionStart,
		regionPages: regionPages,
		collections: make(map[string]*CollectionMeta),
	}
}

// InitEmpty writes an empty catalog snapshot to the region, used by
// Create.
func (c *Catalog) InitEmpty() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections = make(map[string]*CollectionMeta)
	return c.flushLocked()
}

// Load reads and decodes the catalog region.
func (c *Catalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	region, err := c.readRegion()
	if err != nil {
		return err
	}

	length := binary.LittleEndian.Uint32(region[0:4])
	if length == 0 {
		c.collections = make(map[string]*CollectionMeta)
		return nil
	}
	if 4+int(length) > len(region) {
		return fmt.Errorf("catalog: encoded snapshot (%d bytes) exceeds region capacity (%d bytes)", length, len(region)-4)
	}

	var stored []*CollectionMeta
	dec := gob.NewDecoder(bytes.NewReader(region[4 : 4+length]))
	if err := dec.Decode(&stored); err != nil {
		return fmt.Errorf("catalog: decode snapshot: %w", err)
	}

	collections := make(map[string]*CollectionMeta, len(stored))
	for _, m := range stored {
		collections[m.Name] = m
	}
	c.collections = collections
	return nil
}

func (c *Catalog) readRegion() ([]byte, error) {
	pageSize := int(c.io.PageSize())
	region := make([]byte, pageSize*int(c.regionPages))
	buf := make([]byte, pageSize)
	for i := uint32(0); i < c.regionPages; i++ {
		if err := c.io.ReadPage(c.regionStart+page.ID(i), buf); err != nil {
			return nil, err
		}
		copy(region[int(i)*pageSize:], buf)
	}
	return region, nil
}

// Flush re-encodes and writes the full catalog snapshot.
func (c *Catalog) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Catalog) flushLocked() error {
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	stored := make([]*CollectionMeta, 0, len(names))
	for _, name := range names {
		stored = append(stored, c.collections[name])
	}

	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(stored); err != nil {
		return fmt.Errorf("catalog: encode snapshot: %w", err)
	}

	pageSize := int(c.io.PageSize())
	capacity := pageSize*int(c.regionPages) - 4
	if body.Len() > capacity {
		return fmt.Errorf("catalog: encoded snapshot (%d bytes) exceeds region capacity (%d bytes)", body.Len(), capacity)
	}

	region := make([]byte, pageSize*int(c.regionPages))
	binary.LittleEndian.PutUint32(region[0:4], uint32(body.Len()))
	copy(region[4:], body.Bytes())

	buf := make([]byte, pageSize)
	for i := uint32(0); i < c.regionPages; i++ {
		copy(buf, region[int(i)*pageSize:(int(i)+1)*pageSize])
		if err := c.io.WritePage(c.regionStart+page.ID(i), buf); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of a collection's metadata, if it exists.
func (c *Catalog) Get(name string) (CollectionMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.collections[name]
	if !ok {
		return CollectionMeta{}, false
	}
	return *m, true
}

// Put inserts or replaces a collection's metadata.
func (c *Catalog) Put(meta CollectionMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := meta
	c.collections[meta.Name] = &cp
}

// Delete removes a collection's metadata, reporting whether it existed.
func (c *Catalog) Delete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[name]; !ok {
		return false
	}
	delete(c.collections, name)
	return true
}

// Names returns every known collection name in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextID atomically allocates and persists the next document id for a
// collection.
func (c *Catalog) NextID(name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.collections[name]
	if !ok {
		return 0, fmt.Errorf("catalog: unknown collection %q", name)
	}
	id := m.NextID
	m.NextID++
	return id, c.flushLocked()
}

// BumpNextID raises a collection's next-id watermark to at least
// atLeast+1, used when a caller inserts a document with an explicit id:
// the watermark advances past it but existing allocations are never
// reused.
func (c *Catalog) BumpNextID(name string, atLeast int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.collections[name]
	if !ok {
		return fmt.Errorf("catalog: unknown collection %q", name)
	}
	if atLeast+1 <= m.NextID {
		return nil
	}
	m.NextID = atLeast + 1
	return c.flushLocked()
}

// SetNextID overwrites a collection's next-id watermark, used by
// compaction to carry the source database's watermark into the target.
func (c *Catalog) SetNextID(name string, next int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.collections[name]
	if !ok {
		return fmt.Errorf("catalog: unknown collection %q", name)
	}
	m.NextID = next
	return c.flushLocked()
}

// UpdateIndexes replaces a collection's index list (e.g. after
// CreateIndex/DropIndex) and flushes.
func (c *Catalog) UpdateIndexes(name string, indexes []IndexSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.collections[name]
	if !ok {
		return fmt.Errorf("catalog: unknown collection %q", name)
	}
	m.Indexes = indexes
	return c.flushLocked()
}

// FindIndex looks up a secondary index by name on a collection.
func (m *CollectionMeta) FindIndex(name string) (IndexSpec, bool) {
	for _, idx := range m.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

// FieldKind looks up a declared field's encoding kind.
func (m *CollectionMeta) FieldKind(name string) (keyenc.Kind, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Kind, true
		}
	}
	return 0, false
}
