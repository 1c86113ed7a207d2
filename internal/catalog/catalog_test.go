package catalog_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/keyenc"
	"github.com/galdrdb/galdrdb/internal/page"
)

func newTestCatalog(t *testing.T) (*catalog.Catalog, *page.Memory) {
	t.Helper()
	io := page.NewMemory(4096)
	c := catalog.New(io, 0, 8)
	require.NoError(t, c.InitEmpty())
	return c, io
}

func personMeta() catalog.CollectionMeta {
	return catalog.CollectionMeta{
		Name:        "Person",
		PrimaryRoot: 42,
		NextID:      1,
		Fields: []catalog.FieldSchema{
			{Name: "Name", Kind: keyenc.KindString},
			{Name: "Age", Kind: keyenc.KindInt32},
		},
		Indexes: []catalog.IndexSpec{
			{Name: "Name", Kind: catalog.IndexSingle, Fields: []string{"Name"}, RootPage: 43, AvgKeySize: 24},
		},
	}
}

func Test_Put_Get_Roundtrip(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t)

	c.Put(personMeta())

	got, ok := c.Get("Person")
	require.True(t, ok)
	if diff := cmp.Diff(personMeta(), got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	_, ok = c.Get("Missing")
	require.False(t, ok)
}

func Test_Flush_Load_Roundtrip(t *testing.T) {
	t.Parallel()

	c, io := newTestCatalog(t)

	c.Put(personMeta())
	other := personMeta()
	other.Name = "Order"
	other.NextID = 77
	c.Put(other)
	require.NoError(t, c.Flush())

	reloaded := catalog.New(io, 0, 8)
	require.NoError(t, reloaded.Load())

	require.Equal(t, []string{"Order", "Person"}, reloaded.Names())

	got, ok := reloaded.Get("Order")
	require.True(t, ok)
	require.Equal(t, int64(77), got.NextID)
}

func Test_Load_Empty_Region(t *testing.T) {
	t.Parallel()

	io := page.NewMemory(4096)
	c := catalog.New(io, 0, 8)
	require.NoError(t, c.Load())
	require.Empty(t, c.Names())
}

func Test_NextID_Monotonic_And_Persistent(t *testing.T) {
	t.Parallel()

	c, io := newTestCatalog(t)
	c.Put(personMeta())

	for want := int64(1); want <= 5; want++ {
		id, err := c.NextID("Person")
		require.NoError(t, err)
		require.Equal(t, want, id)
	}

	// NextID flushes on every allocation, so a reload continues, never
	// reuses.
	reloaded := catalog.New(io, 0, 8)
	require.NoError(t, reloaded.Load())
	id, err := reloaded.NextID("Person")
	require.NoError(t, err)
	require.Equal(t, int64(6), id)

	_, err = c.NextID("Missing")
	require.Error(t, err)
}

func Test_BumpNextID(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t)
	c.Put(personMeta())

	require.NoError(t, c.BumpNextID("Person", 100))
	id, err := c.NextID("Person")
	require.NoError(t, err)
	require.Equal(t, int64(101), id)

	// Bumping below the watermark is a no-op.
	require.NoError(t, c.BumpNextID("Person", 5))
	id, err = c.NextID("Person")
	require.NoError(t, err)
	require.Equal(t, int64(102), id)
}

func Test_Delete_Collection(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t)
	c.Put(personMeta())

	require.True(t, c.Delete("Person"))
	require.False(t, c.Delete("Person"))
	_, ok := c.Get("Person")
	require.False(t, ok)
}

func Test_FindIndex_And_FieldKind(t *testing.T) {
	t.Parallel()

	meta := personMeta()

	idx, ok := meta.FindIndex("Name")
	require.True(t, ok)
	require.Equal(t, []string{"Name"}, idx.Fields)

	_, ok = meta.FindIndex("Nope")
	require.False(t, ok)

	kind, ok := meta.FieldKind("Age")
	require.True(t, ok)
	require.Equal(t, keyenc.KindInt32, kind)

	_, ok = meta.FieldKind("Nope")
	require.False(t, ok)
}
